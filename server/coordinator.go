// Package server accepts DNS queries from clients, deduplicates concurrent
// identical lookups, and drives a resolver to answer them.
package server

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"

	"github.com/neevparikh/dns/resolver"
)

// Default deadlines for the Coordinator.
const (
	DefaultClientTimeout  = 5 * time.Second
	DefaultResolveTimeout = 30 * time.Second
)

// Coordinator is the single entry point for incoming queries. Concurrent
// lookups for the same question share one resolver invocation, and a
// caller's deadline cancels only its wait: the underlying resolution runs to
// completion so the cache and any remaining waiters still benefit from it.
type Coordinator struct {
	Resolver       resolver.Resolver
	Cache          resolver.Cacher // may be nil
	Logger         *slog.Logger    // may be nil
	ClientTimeout  time.Duration   // how long a single caller waits
	ResolveTimeout time.Duration   // budget for the shared resolution

	group singleflight.Group

	queries   atomic.Uint64
	cacheHits atomic.Uint64
	dedupHits atomic.Uint64
	failures  atomic.Uint64
}

// NewCoordinator returns a Coordinator driving the given resolver,
// with default timeouts.
func NewCoordinator(res resolver.Resolver, cache resolver.Cacher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		Resolver:       res,
		Cache:          cache,
		Logger:         logger,
		ClientTimeout:  DefaultClientTimeout,
		ResolveTimeout: DefaultResolveTimeout,
	}
}

// Stats is a snapshot of coordinator counters.
type Stats struct {
	Queries   uint64 `json:"queries"`
	CacheHits uint64 `json:"cache_hits"`
	DedupHits uint64 `json:"dedup_hits"`
	Failures  uint64 `json:"failures"`
}

// Stats returns a snapshot of the coordinator counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Queries:   c.queries.Load(),
		CacheHits: c.cacheHits.Load(),
		DedupHits: c.dedupHits.Load(),
		Failures:  c.failures.Load(),
	}
}

// Resolve answers qname/qtype, from cache when possible, otherwise through
// the resolver. Identical concurrent calls share a single resolution. The
// returned message is owned by the caller.
func (c *Coordinator) Resolve(ctx context.Context, qname string, qtype uint16) (*dns.Msg, error) {
	c.queries.Add(1)
	qname = dns.CanonicalName(qname)

	if c.Cache != nil {
		if msg := c.Cache.DnsGet(qname, qtype); msg != nil {
			c.cacheHits.Add(1)
			return msg, nil
		}
	}

	key := qname + "/" + strconv.FormatUint(uint64(qtype), 10)
	ch := c.group.DoChan(key, func() (any, error) {
		// Detached from the caller: client disconnects and deadlines must not
		// abandon work other waiters and the cache can still use.
		rctx, cancel := context.WithTimeout(context.Background(), c.resolveTimeout())
		defer cancel()
		msg, srv, err := c.Resolver.DnsResolve(rctx, qname, qtype)
		if c.Logger != nil {
			c.Logger.Debug("resolved", "qname", qname, "qtype", resolver.DnsTypeToString(qtype), "server", srv, "err", err)
		}
		if err != nil {
			return nil, err
		}
		return msg, nil
	})

	if c.ClientTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.ClientTimeout)
		defer cancel()
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			c.failures.Add(1)
			return nil, res.Err
		}
		if res.Shared {
			c.dedupHits.Add(1)
		}
		// Each waiter gets its own copy; singleflight shares one result value.
		return res.Val.(*dns.Msg).Copy(), nil
	case <-ctx.Done():
		c.failures.Add(1)
		return nil, ctx.Err()
	}
}

func (c *Coordinator) resolveTimeout() time.Duration {
	if c.ResolveTimeout > 0 {
		return c.ResolveTimeout
	}
	return DefaultResolveTimeout
}
