// Package resolver implements DNS resolution for a local caching resolver.
//
// Two strategies are provided: Recursive walks the DNS hierarchy iteratively
// from the root servers, following referrals and CNAME chains, while
// Forwarder relays questions verbatim to one or more fixed upstream
// resolvers. Both consult and populate a Cacher.
package resolver

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/proxy"
)

//go:generate go run ../cmd/genhints roothints.gen.go

const (
	maxDepth = 32  // maximum recursion depth for glueless NS lookups
	maxSteps = 256 // max number of outbound exchanges per resolution
	maxChain = 16  // max number of CNAMEs to follow per resolution
)

var (
	DefaultTimeout = time.Second * 5
	DefaultDNSPort = uint16(53)

	defaultNetDialer net.Dialer
)

var _ Resolver = (*Recursive)(nil) // ensure we implement interface

// Recursive is a recursive DNS resolver with optional caching.
type Recursive struct {
	proxy.ContextDialer                 // (read-only) ContextDialer passed to NewWithOptions
	Cacher                              // (read-only) Cacher passed to NewWithOptions
	Timeout             time.Duration   // (read-only) per-exchange timeout, zero to disable
	DNSPort             uint16          // (read-only) destination port, normally 53
	DefaultLogWriter    io.Writer       // if not nil, write debug logs here unless overridden
	rateLimiter         <-chan struct{} // (read-only) rate limiter passed to NewWithOptions

	mu        sync.RWMutex
	config    resolverConfig
	netErrors errorHolddown
}

type resolverConfig struct {
	useUDP      bool
	useIPv4     bool
	useIPv6     bool
	rootServers []netip.Addr
}

// NewWithOptions returns a new Recursive resolver using the given ContextDialer
// and the given Cacher as its default cache. It does not call OrderRoots.
//
// Passing nil for dialer will use a net.Dialer.
// Passing nil for cache means it won't use any cache by default.
// Passing nil for the roots will use the built-in root hints.
// Passing nil for rateLimiter means no rate limiting.
func NewWithOptions(dialer proxy.ContextDialer, cache Cacher, roots4, roots6 []netip.Addr, rateLimiter <-chan struct{}) *Recursive {
	if dialer == nil {
		dialer = &defaultNetDialer
	}

	roots := prepareRootServers(roots4, roots6)

	return &Recursive{
		ContextDialer: dialer,
		Cacher:        cache,
		Timeout:       DefaultTimeout,
		DNSPort:       DefaultDNSPort,
		rateLimiter:   rateLimiter,
		config: resolverConfig{
			useUDP:      true,
			useIPv4:     len(roots4) > 0 || (roots4 == nil && len(Roots4) > 0),
			useIPv6:     len(roots6) > 0 || (roots6 == nil && len(Roots6) > 0),
			rootServers: roots,
		},
		netErrors: newErrorHolddown(),
	}
}

// New returns a new Recursive resolver using the given ContextDialer and
// cache. It calls OrderRoots before returning.
func New(dialer proxy.ContextDialer, cache Cacher) *Recursive {
	r := NewWithOptions(dialer, cache, nil, nil, nil)
	r.OrderRoots(context.Background())
	return r
}

// DnsResolve performs a recursive DNS resolution for the provided name and record type.
func (r *Recursive) DnsResolve(ctx context.Context, qname string, qtype uint16) (msg *dns.Msg, srv netip.Addr, err error) {
	return r.ResolveWithOptions(ctx, r.Cacher, nil, qname, qtype)
}

// ResolveWithOptions performs a recursive DNS resolution for the provided name
// and record type.
//
// If cache is nil, no cache is used; nil caches are supported without crashing.
// If logw is non-nil (or DefaultLogWriter is set), write a log of events.
func (r *Recursive) ResolveWithOptions(ctx context.Context, cache Cacher, logw io.Writer, qname string, qtype uint16) (msg *dns.Msg, srv netip.Addr, err error) {
	if logw == nil {
		logw = r.DefaultLogWriter
	}

	qname = dns.CanonicalName(qname)
	if err = ValidateQuestion(qname, qtype, dns.ClassINET); err != nil {
		return
	}

	if cache != nil {
		msg = cache.DnsGet(qname, qtype)
	}

	var q *query
	if msg == nil {
		q = &query{
			Recursive: r,
			cache:     cache,
			start:     time.Now(),
			logw:      logw,
			glue:      make(map[string][]netip.Addr),
		}
		msg, srv, err = q.run(ctx, qname, qtype)
	}

	if msg != nil {
		err = r.validateResponse(msg, qname, qtype, q)
		if err == nil && cache != nil {
			cache.DnsSet(msg)
		}
	}

	if logw != nil {
		r.logResults(logw, msg, srv, err, q)
	}

	return
}

func (r *Recursive) validateResponse(msg *dns.Msg, qname string, qtype uint16, q *query) error {
	if msg.Rcode == dns.RcodeSuccess {
		// A SUCCESS reply must reference the correct QNAME and QTYPE.
		var gotname string
		var gottype uint16
		if len(msg.Question) > 0 {
			gotname = msg.Question[0].Name
			gottype = msg.Question[0].Qtype
		}
		if gotname != qname || gottype != qtype {
			if q != nil && q.dbg() {
				q.log("ERROR: ANSWER was for %s %q, not %s %q\n",
					DnsTypeToString(gottype), gotname,
					DnsTypeToString(qtype), qname,
				)
			}
			return ErrQuestionMismatch
		}
	} else {
		if !msg.Zero {
			// NXDOMAIN or other failures may have the returned question
			// refer to some NS in the chain, but we still want to
			// associate the reply with the original query.
			msg.SetQuestion(qname, qtype)
		}
	}
	return nil
}

func (r *Recursive) logResults(logw io.Writer, msg *dns.Msg, srv netip.Addr, err error, q *query) {
	if msg != nil {
		fmt.Fprintf(logw, "\n%v", msg)
	}
	if q != nil {
		fmt.Fprintf(logw, "\n;; Sent %v queries in %v", q.sent, time.Since(q.start).Round(time.Millisecond))
	}
	if srv.IsValid() {
		fmt.Fprintf(logw, "\n;; SERVER: %v", srv)
	}
	if err != nil {
		fmt.Fprintf(logw, "\n;; ERROR: %v", err)
	}
	fmt.Fprintln(logw)
}

func (r *Recursive) usingUDP() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.useUDP
}

func (r *Recursive) useable(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return (r.config.useIPv4 && addr.Is4()) || (r.config.useIPv6 && addr.Is6())
}
