package resolver

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/miekg/dns"
)

func TestExchangeUsingMaxSteps(t *testing.T) {
	rec := newStubResolver(newStubDialer(), nil, stubRoot)
	q := &query{Recursive: rec, steps: maxSteps}
	_, err := q.exchangeUsing(context.Background(), "udp", netip.MustParseAddr(stubRoot), "host.example.com.", dns.TypeA)
	if !errors.Is(err, ErrMaxSteps) {
		t.Errorf("expected ErrMaxSteps, got %v", err)
	}
}

func TestNewQueryMsgAdvertisesUDPSize(t *testing.T) {
	m := newQueryMsg("host.example.com.", dns.TypeA)
	opt := m.IsEdns0()
	if opt == nil {
		t.Fatal("expected EDNS0 OPT")
	}
	if opt.UDPSize() != dns.DefaultMsgSize {
		t.Error(opt.UDPSize())
	}
	if len(opt.Option) != 0 {
		t.Error("no EDNS0 options expected")
	}
}
