package resolver

import (
	"context"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// Resolver produces an answer for a DNS question.
type Resolver interface {
	// DnsResolve resolves qname/qtype and returns the response message along
	// with the address of the server that supplied the final answer, if any.
	DnsResolve(ctx context.Context, qname string, qtype uint16) (msg *dns.Msg, srv netip.Addr, err error)
}

// Cacher provides DNS response caching.
type Cacher interface {
	// DnsSet stores msg keyed by its question. Implementations may copy msg.
	// Messages with the Zero bit set are already cache-served and are ignored.
	DnsSet(msg *dns.Msg)

	// DnsGet returns the cached dns.Msg for the given qname and qtype, or nil.
	// The returned message has its TTLs reduced by the time spent in the cache
	// and dns.Msg.Zero set to true to indicate it was served from cache.
	DnsGet(qname string, qtype uint16) *dns.Msg
}

// NegativeCacher is implemented by caches that can record the absence of an
// answer directly, for responses carrying no SOA to derive a negative TTL from.
type NegativeCacher interface {
	SetNegative(qname string, qtype uint16, ttl time.Duration)
}

// CachingResolver combines Resolver and Cacher.
type CachingResolver interface {
	Resolver
	Cacher
}
