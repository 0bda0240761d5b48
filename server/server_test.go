package server

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/neevparikh/dns/cache"
	"github.com/neevparikh/dns/resolver"
)

// fakeResolver counts invocations and answers after an optional delay,
// populating the cache the way the real engine does.
type fakeResolver struct {
	delay time.Duration
	cache resolver.Cacher
	fail  error
	calls atomic.Int32
}

func (f *fakeResolver) DnsResolve(ctx context.Context, qname string, qtype uint16) (*dns.Msg, netip.Addr, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, netip.Addr{}, ctx.Err()
		}
	}
	if f.fail != nil {
		return nil, netip.Addr{}, f.fail
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.CanonicalName(qname), qtype)
	msg.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: dns.CanonicalName(qname), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   net.ParseIP("192.0.2.50"),
	}}
	if f.cache != nil {
		f.cache.DnsSet(msg)
	}
	return msg, netip.MustParseAddr("192.0.2.53"), nil
}

func TestCoordinatorDeduplicatesConcurrentQueries(t *testing.T) {
	fake := &fakeResolver{delay: 50 * time.Millisecond}
	coord := NewCoordinator(fake, nil, nil)

	const waiters = 8
	var wg sync.WaitGroup
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := coord.Resolve(context.Background(), "host.example.com", dns.TypeA)
			if err == nil && len(msg.Answer) == 0 {
				err = context.Canceled
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("waiter %d: %v", i, err)
		}
	}
	if n := fake.calls.Load(); n != 1 {
		t.Errorf("expected a single resolver invocation, got %d", n)
	}
	if stats := coord.Stats(); stats.DedupHits == 0 {
		t.Error("expected dedup hits to be counted")
	}
}

func TestCoordinatorWaitersGetIndependentCopies(t *testing.T) {
	fake := &fakeResolver{}
	coord := NewCoordinator(fake, nil, nil)

	first, err := coord.Resolve(context.Background(), "host.example.com", dns.TypeA)
	if err != nil {
		t.Fatal(err)
	}
	first.Answer = nil

	fake2 := &fakeResolver{}
	coord2 := NewCoordinator(fake2, nil, nil)
	second, err := coord2.Resolve(context.Background(), "host.example.com", dns.TypeA)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Answer) == 0 {
		t.Error("mutating one caller's reply must not affect others")
	}
}

func TestCoordinatorDeadlineDetachesWait(t *testing.T) {
	c := cache.New()
	fake := &fakeResolver{delay: 200 * time.Millisecond, cache: c}
	coord := NewCoordinator(fake, c, nil)
	coord.ClientTimeout = 20 * time.Millisecond

	start := time.Now()
	_, err := coord.Resolve(context.Background(), "slow.example.com", dns.TypeA)
	if err == nil {
		t.Fatal("expected the caller to time out")
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("caller waited %v past its deadline", elapsed)
	}

	// The detached resolution keeps running and populates the cache.
	time.Sleep(300 * time.Millisecond)
	msg, err := coord.Resolve(context.Background(), "slow.example.com", dns.TypeA)
	if err != nil {
		t.Fatal(err)
	}
	if !msg.Zero {
		t.Error("expected the answer to come from cache")
	}
	if n := fake.calls.Load(); n != 1 {
		t.Errorf("expected the abandoned resolution to be reused, got %d calls", n)
	}
}

func TestCoordinatorCacheHit(t *testing.T) {
	c := cache.New()
	fake := &fakeResolver{cache: c}
	coord := NewCoordinator(fake, c, nil)

	if _, err := coord.Resolve(context.Background(), "host.example.com", dns.TypeA); err != nil {
		t.Fatal(err)
	}
	if _, err := coord.Resolve(context.Background(), "host.example.com", dns.TypeA); err != nil {
		t.Fatal(err)
	}
	if n := fake.calls.Load(); n != 1 {
		t.Errorf("expected 1 resolver invocation, got %d", n)
	}
	if stats := coord.Stats(); stats.CacheHits != 1 || stats.Queries != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func exchangeWith(t *testing.T, addr string, req *dns.Msg) *dns.Msg {
	t.Helper()
	c := dns.Client{Timeout: 2 * time.Second}
	resp, _, err := c.Exchange(req, addr)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestServerEndToEnd(t *testing.T) {
	fake := &fakeResolver{}
	coord := NewCoordinator(fake, nil, nil)
	srv, err := New("127.0.0.1:0", coord, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown()

	req := new(dns.Msg)
	req.SetQuestion("host.example.com.", dns.TypeA)
	resp := exchangeWith(t, srv.Addr, req)
	if resp.Rcode != dns.RcodeSuccess {
		t.Fatal(dns.RcodeToString[resp.Rcode])
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(resp.Answer))
	}
	if resp.Id != req.Id {
		t.Error("reply must carry the request id")
	}
	if !resp.RecursionAvailable {
		t.Error("expected RA to be set")
	}
	if resp.Zero {
		t.Error("the Z bit must not be set on the wire")
	}
}

func TestServerRejectsBadQuestions(t *testing.T) {
	fake := &fakeResolver{}
	coord := NewCoordinator(fake, nil, nil)
	srv, err := New("127.0.0.1:0", coord, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown()

	// Unsupported qtype.
	req := new(dns.Msg)
	req.SetQuestion("host.example.com.", dns.TypeAXFR)
	if resp := exchangeWith(t, srv.Addr, req); resp.Rcode != dns.RcodeFormatError {
		t.Error(dns.RcodeToString[resp.Rcode])
	}

	// Two questions in one query.
	req = new(dns.Msg)
	req.SetQuestion("a.example.com.", dns.TypeA)
	req.Question = append(req.Question, dns.Question{Name: "b.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET})
	if resp := exchangeWith(t, srv.Addr, req); resp.Rcode != dns.RcodeFormatError {
		t.Error(dns.RcodeToString[resp.Rcode])
	}
	if n := fake.calls.Load(); n != 0 {
		t.Errorf("bad questions must not reach the resolver, got %d calls", n)
	}
}

func TestServerAnswersServfailWithDetails(t *testing.T) {
	fake := &fakeResolver{fail: resolver.ErrNoResponse}
	coord := NewCoordinator(fake, nil, nil)
	srv, err := New("127.0.0.1:0", coord, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown()

	req := new(dns.Msg)
	req.SetQuestion("down.example.com.", dns.TypeA)
	resp := exchangeWith(t, srv.Addr, req)
	if resp.Rcode != dns.RcodeServerFailure {
		t.Fatal(dns.RcodeToString[resp.Rcode])
	}
	opt := resp.IsEdns0()
	if opt == nil {
		t.Fatal("expected EDNS0 OPT with extended error")
	}
	found := false
	for _, o := range opt.Option {
		if _, ok := o.(*dns.EDNS0_EDE); ok {
			found = true
		}
	}
	if !found {
		t.Error("expected EDE option on SERVFAIL")
	}
}
