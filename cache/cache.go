// Package cache implements a TTL-correct DNS response cache.
//
// Responses are keyed by canonical question name, type, and class. Entries
// expire lazily on lookup once their remaining TTL reaches zero, and an
// optional capacity bound evicts expired entries first, then the least
// recently used. Negative answers (NXDOMAIN and no-data) are cached per
// RFC 2308 using the SOA minimum.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

const bucketCount = 128

// Defaults used by New.
const (
	DefaultMaxTTL      = 6 * time.Hour
	DefaultNegativeTTL = 30 * time.Second
	DefaultMaxEntries  = 8192
)

// Key identifies a cached record set.
type Key struct {
	Qname  string // canonical (lowercased, dot-terminated)
	Qtype  uint16
	Qclass uint16
}

type entry struct {
	msg      *dns.Msg
	inserted time.Time
	ttl      time.Duration
	negative bool
	used     int64 // LRU sequence, written atomically
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.inserted) >= e.ttl
}

type bucket struct {
	mu      sync.RWMutex
	entries map[Key]*entry
}

// Cache is a concurrency-safe DNS response cache. The zero value is not
// usable; call New.
type Cache struct {
	MinTTL      time.Duration    // entries never expire sooner than this
	MaxTTL      time.Duration    // entries never live longer than this
	NegativeTTL time.Duration    // negative TTL when the answer has no SOA
	MaxEntries  int              // capacity bound, 0 means unlimited
	TimeNow     func() time.Time // clock, for tests

	count   uint64 // atomic
	hits    uint64 // atomic
	size    int64  // atomic
	seq     int64  // atomic
	buckets [bucketCount]bucket
}

// New returns a Cache with default limits.
func New() *Cache {
	c := &Cache{
		MaxTTL:      DefaultMaxTTL,
		NegativeTTL: DefaultNegativeTTL,
		MaxEntries:  DefaultMaxEntries,
		TimeNow:     time.Now,
	}
	for i := range c.buckets {
		c.buckets[i].entries = make(map[Key]*entry)
	}
	return c
}

func (c *Cache) now() time.Time {
	if c.TimeNow != nil {
		return c.TimeNow()
	}
	return time.Now()
}

func (c *Cache) bucketFor(key Key) *bucket {
	var idx int
	if len(key.Qname) > 0 {
		idx = int(key.Qname[0] ^ byte(key.Qtype&0x7F))
	}
	return &c.buckets[idx%bucketCount]
}

// DnsGet returns the cached response for qname/qtype in class IN, or nil.
// The returned message is a copy with its TTLs reduced by the time the entry
// has spent in the cache, and with the Zero bit set to mark it cache-served.
func (c *Cache) DnsGet(qname string, qtype uint16) *dns.Msg {
	if c == nil {
		return nil
	}
	return c.Get(Key{Qname: dns.CanonicalName(qname), Qtype: qtype, Qclass: dns.ClassINET})
}

// Get returns the cached response for key, or nil. See DnsGet.
func (c *Cache) Get(key Key) *dns.Msg {
	atomic.AddUint64(&c.count, 1)
	now := c.now()

	b := c.bucketFor(key)
	b.mu.RLock()
	e := b.entries[key]
	b.mu.RUnlock()
	if e == nil {
		return nil
	}

	elapsed := now.Sub(e.inserted)
	if elapsed >= e.ttl {
		b.mu.Lock()
		if b.entries[key] == e {
			delete(b.entries, key)
			atomic.AddInt64(&c.size, -1)
		}
		b.mu.Unlock()
		return nil
	}

	atomic.AddUint64(&c.hits, 1)
	atomic.StoreInt64(&e.used, atomic.AddInt64(&c.seq, 1))

	msg := e.msg.Copy()
	msg.Zero = true
	ageTTLs(msg, uint32(elapsed/time.Second))
	return msg
}

// DnsSet stores msg keyed by its question. Messages served from cache
// (Zero bit set), replies with reply codes other than NOERROR and NXDOMAIN,
// and referrals are not stored. The effective TTL is the minimum record TTL
// for positive answers and the RFC 2308 SOA minimum for negative ones,
// clamped to [MinTTL, MaxTTL].
func (c *Cache) DnsSet(msg *dns.Msg) {
	if c == nil || msg == nil || msg.Zero || len(msg.Question) == 0 {
		return
	}
	switch msg.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
	default:
		return
	}

	negative := msg.Rcode == dns.RcodeNameError || len(msg.Answer) == 0
	if negative && isReferral(msg) {
		return
	}

	var ttl time.Duration
	if negative {
		if soa := soaMinTTL(msg); soa >= 0 {
			ttl = time.Duration(soa) * time.Second
		} else {
			ttl = c.NegativeTTL
		}
	} else {
		ttl = time.Duration(minTTL(msg)) * time.Second
	}
	if ttl < c.MinTTL {
		ttl = c.MinTTL
	}
	if c.MaxTTL > 0 && ttl > c.MaxTTL {
		ttl = c.MaxTTL
	}
	if ttl <= 0 {
		return // TTL zero records must not be served from cache
	}

	q := msg.Question[0]
	key := Key{Qname: dns.CanonicalName(q.Name), Qtype: q.Qtype, Qclass: q.Qclass}
	c.set(key, &entry{
		msg:      msg.Copy(),
		inserted: c.now(),
		ttl:      ttl,
		negative: negative,
	})
}

// SetNegative records that the question has no answer for ttl, used when an
// upstream reports NXDOMAIN without supplying an SOA.
func (c *Cache) SetNegative(qname string, qtype uint16, ttl time.Duration) {
	if c == nil || ttl <= 0 {
		return
	}
	qname = dns.CanonicalName(qname)
	msg := new(dns.Msg)
	msg.SetQuestion(qname, qtype)
	msg.Rcode = dns.RcodeNameError
	key := Key{Qname: qname, Qtype: qtype, Qclass: dns.ClassINET}
	c.set(key, &entry{
		msg:      msg,
		inserted: c.now(),
		ttl:      ttl,
		negative: true,
	})
}

func (c *Cache) set(key Key, e *entry) {
	if c.MaxEntries > 0 && int(atomic.LoadInt64(&c.size)) >= c.MaxEntries {
		c.evict(key)
	}
	e.used = atomic.AddInt64(&c.seq, 1)
	b := c.bucketFor(key)
	b.mu.Lock()
	if _, exists := b.entries[key]; !exists {
		atomic.AddInt64(&c.size, 1)
	}
	b.entries[key] = e
	b.mu.Unlock()
}

// evict makes room for one insertion: expired entries anywhere go first, and
// only if none were reclaimed is the least recently used entry in the target
// bucket dropped. A fresh entry is never displaced while an expired one remains.
func (c *Cache) evict(key Key) {
	now := c.now()
	if c.cleanExpired(now) > 0 {
		return
	}
	b := c.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	var lruKey Key
	var lruUsed int64
	found := false
	for k, e := range b.entries {
		used := atomic.LoadInt64(&e.used)
		if !found || used < lruUsed {
			lruKey, lruUsed, found = k, used, true
		}
	}
	if found {
		delete(b.entries, lruKey)
		atomic.AddInt64(&c.size, -1)
	}
}

// Invalidate removes the entry for key, if any. Used when a cached record
// must be re-resolved regardless of its remaining TTL.
func (c *Cache) Invalidate(qname string, qtype uint16) {
	if c == nil {
		return
	}
	key := Key{Qname: dns.CanonicalName(qname), Qtype: qtype, Qclass: dns.ClassINET}
	b := c.bucketFor(key)
	b.mu.Lock()
	if _, ok := b.entries[key]; ok {
		delete(b.entries, key)
		atomic.AddInt64(&c.size, -1)
	}
	b.mu.Unlock()
}

// Clean removes entries that have expired as of now. A zero now removes everything.
func (c *Cache) Clean(now time.Time) {
	if c == nil {
		return
	}
	c.cleanExpired(now)
}

func (c *Cache) cleanExpired(now time.Time) (removed int) {
	for i := range c.buckets {
		b := &c.buckets[i]
		b.mu.Lock()
		for k, e := range b.entries {
			if now.IsZero() || e.expired(now) {
				delete(b.entries, k)
				removed++
			}
		}
		b.mu.Unlock()
	}
	atomic.AddInt64(&c.size, -int64(removed))
	return
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.Clean(time.Time{})
}

// SweepEvery periodically removes expired entries until ctx is done. It is
// optional; expiry on lookup alone is sufficient for correctness.
func (c *Cache) SweepEvery(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Clean(c.now())
		}
	}
}

// Entries returns the number of live entries in the cache.
func (c *Cache) Entries() int {
	if c == nil {
		return 0
	}
	return int(atomic.LoadInt64(&c.size))
}

// HitRatio returns the hit ratio as a percentage.
func (c *Cache) HitRatio() float64 {
	if c != nil {
		if count := atomic.LoadUint64(&c.count); count > 0 {
			hits := atomic.LoadUint64(&c.hits)
			return float64(hits*100) / float64(count)
		}
	}
	return 0
}

func ageTTLs(msg *dns.Msg, elapsed uint32) {
	for _, rrs := range [][]dns.RR{msg.Answer, msg.Ns, msg.Extra} {
		for _, rr := range rrs {
			hdr := rr.Header()
			if hdr.Rrtype == dns.TypeOPT {
				continue
			}
			if hdr.Ttl > elapsed {
				hdr.Ttl -= elapsed
			} else {
				hdr.Ttl = 0
			}
		}
	}
}

// minTTL returns the lowest record TTL in the message, or -1 if it has no records.
func minTTL(msg *dns.Msg) int {
	ttl := -1
	for _, rrs := range [][]dns.RR{msg.Answer, msg.Ns, msg.Extra} {
		for _, rr := range rrs {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			if t := int(rr.Header().Ttl); ttl < 0 || t < ttl {
				ttl = t
			}
		}
	}
	return ttl
}

// soaMinTTL returns the RFC 2308 negative TTL from the authority SOA,
// or -1 when there is none.
func soaMinTTL(msg *dns.Msg) int {
	for _, rr := range msg.Ns {
		if soa, ok := rr.(*dns.SOA); ok {
			return int(min(soa.Hdr.Ttl, soa.Minttl))
		}
	}
	return -1
}

// isReferral reports whether msg is a delegation rather than an answer:
// NOERROR, empty answer section, NS records but no SOA in the authority.
func isReferral(msg *dns.Msg) bool {
	if msg.Rcode != dns.RcodeSuccess || len(msg.Answer) > 0 {
		return false
	}
	hasNS := false
	for _, rr := range msg.Ns {
		switch rr.(type) {
		case *dns.SOA:
			return false
		case *dns.NS:
			hasNS = true
		}
	}
	return hasNS
}
