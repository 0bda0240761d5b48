package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"
)

var _ Resolver = (*Forwarder)(nil) // ensure we implement interface

// Forwarder is a Resolver that relays every question verbatim to one or more
// fixed upstream resolvers, honoring their TTLs and reply codes.
type Forwarder struct {
	proxy.ContextDialer               // (read-only) dialer for upstream connections
	Cacher                            // (read-only) response cache, may be nil
	Upstreams        []netip.AddrPort // (read-only) upstream resolver addresses
	Timeout          time.Duration    // per-exchange timeout, zero to disable
	MaxAttempts      int              // transport retries per upstream
	RetryBackoff     time.Duration    // delay between retries, doubled each attempt
	NegativeTTL      time.Duration    // TTL for NXDOMAIN answers lacking an SOA
	DefaultLogWriter io.Writer        // if not nil, write debug logs here
}

// NewForwarder returns a Forwarder sending questions to the given upstreams.
// Passing nil for dialer will use a net.Dialer; passing nil for cache disables
// caching.
func NewForwarder(dialer proxy.ContextDialer, cache Cacher, upstreams ...netip.AddrPort) *Forwarder {
	if dialer == nil {
		dialer = &defaultNetDialer
	}
	return &Forwarder{
		ContextDialer: dialer,
		Cacher:        cache,
		Upstreams:     upstreams,
		Timeout:       DefaultTimeout,
		MaxAttempts:   3,
		RetryBackoff:  time.Millisecond * 250,
		NegativeTTL:   time.Second * 30,
	}
}

// DnsResolve forwards qname/qtype to the configured upstreams and returns the
// first usable response. Positive and negative answers are cached with the
// TTLs the upstream supplied; an NXDOMAIN carrying no SOA is cached for
// NegativeTTL instead.
func (f *Forwarder) DnsResolve(ctx context.Context, qname string, qtype uint16) (msg *dns.Msg, srv netip.Addr, err error) {
	qname = dns.CanonicalName(qname)
	if err = ValidateQuestion(qname, qtype, dns.ClassINET); err != nil {
		return
	}
	if len(f.Upstreams) == 0 {
		return nil, netip.Addr{}, ErrNoUpstreams
	}

	if f.Cacher != nil {
		if msg = f.Cacher.DnsGet(qname, qtype); msg != nil {
			return msg, netip.Addr{}, nil
		}
	}

	if len(f.Upstreams) == 1 {
		msg, err = f.forwardWithRetries(ctx, f.Upstreams[0], qname, qtype)
		srv = f.Upstreams[0].Addr()
	} else {
		msg, srv, err = f.forwardFanout(ctx, qname, qtype)
	}

	if msg != nil {
		err = nil
		if f.Cacher != nil && !msg.Zero {
			if nc, ok := f.Cacher.(NegativeCacher); ok && msg.Rcode == dns.RcodeNameError && NegativeTTL(msg) < 0 {
				// NXDOMAIN without an SOA gives us no TTL to honor; record
				// the absence for our own configured negative TTL.
				nc.SetNegative(qname, qtype, f.NegativeTTL)
			} else {
				f.Cacher.DnsSet(msg)
			}
		}
	}
	return
}

// forwardWithRetries queries a single upstream with bounded retries and
// exponential backoff on transport failure.
func (f *Forwarder) forwardWithRetries(ctx context.Context, upstream netip.AddrPort, qname string, qtype uint16) (msg *dns.Msg, err error) {
	backoff := f.RetryBackoff
	attempts := max(1, f.MaxAttempts)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Join(err, ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
			}
		}
		var xerr error
		if msg, xerr = f.forwardExchange(ctx, upstream, qname, qtype); msg != nil {
			return msg, nil
		}
		err = errors.Join(err, xerr)
	}
	return nil, errors.Join(err, ErrNoResponse)
}

// forwardFanout queries all upstreams concurrently and returns the first
// usable answer, in the manner of a parallel forwarder.
func (f *Forwarder) forwardFanout(ctx context.Context, qname string, qtype uint16) (msg *dns.Msg, srv netip.Addr, err error) {
	type result struct {
		upstream netip.AddrPort
		msg      *dns.Msg
		err      error
	}
	// Buffered so workers can send after the consumer has stopped reading.
	results := make(chan result, len(f.Upstreams))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, upstream := range f.Upstreams {
		g.Go(func() error {
			m, xerr := f.forwardExchange(ctx, upstream, qname, qtype)
			select {
			case results <- result{upstream: upstream, msg: m, err: xerr}:
			case <-ctx.Done():
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	for res := range results {
		if res.msg == nil {
			err = errors.Join(err, res.err)
			continue
		}
		if res.msg.Rcode == dns.RcodeServerFailure {
			msg, srv = res.msg, res.upstream.Addr()
			continue
		}
		return res.msg, res.upstream.Addr(), nil
	}
	if msg == nil {
		err = errors.Join(err, ErrNoResponse)
	}
	return
}

// forwardExchange performs one UDP exchange with TCP retry on truncation.
// The outbound query asks the upstream to recurse on our behalf.
func (f *Forwarder) forwardExchange(ctx context.Context, upstream netip.AddrPort, qname string, qtype uint16) (msg *dns.Msg, err error) {
	msg, err = f.forwardUsing(ctx, "udp", upstream, qname, qtype)
	if msg != nil && msg.MsgHdr.Truncated {
		if f.DefaultLogWriter != nil {
			fmt.Fprintf(f.DefaultLogWriter, "forward: truncated response from %v; retry using TCP\n", upstream)
		}
		msg, err = f.forwardUsing(ctx, "tcp", upstream, qname, qtype)
	}
	return
}

func (f *Forwarder) forwardUsing(ctx context.Context, protocol string, upstream netip.AddrPort, qname string, qtype uint16) (msg *dns.Msg, err error) {
	network := protocol + "4"
	if upstream.Addr().Is6() {
		network = protocol + "6"
	}

	if f.Timeout > 0 {
		ctx2, cancel := context.WithTimeout(ctx, f.Timeout)
		defer cancel()
		ctx = ctx2
	}

	var nconn net.Conn
	if nconn, err = f.DialContext(ctx, network, upstream.String()); err != nil {
		return nil, err
	}
	dnsconn := &dns.Conn{Conn: nconn, UDPSize: dns.DefaultMsgSize}
	defer dnsconn.Close()

	m := newQueryMsg(qname, qtype)
	m.RecursionDesired = true

	c := dns.Client{UDPSize: dns.DefaultMsgSize}
	msg, _, err = c.ExchangeWithConnContext(ctx, m, dnsconn)
	return
}
