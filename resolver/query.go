package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// query holds the per-lookup state for one recursive resolution. It is owned
// by exactly one resolution and never shared between lookups; nested lookups
// for glueless nameservers and CNAME targets reuse it so the depth, step, and
// CNAME chain bounds apply to the resolution as a whole.
type query struct {
	*Recursive
	start  time.Time
	cache  Cacher
	logw   io.Writer
	depth  int
	sent   int
	steps  int
	glue   map[string][]netip.Addr
	cnames map[string]struct{}
}

type hostAddr struct {
	host string
	addr netip.Addr
}

func (ha hostAddr) String() (s string) {
	s = ha.host
	if ha.addr.IsValid() {
		s += " " + ha.addr.String()
	}
	return
}

func (q *query) dbg() bool {
	return q.logw != nil
}

func (q *query) log(format string, args ...any) bool {
	fmt.Fprintf(q.logw, "[%-5d %2d] %*s", time.Since(q.start).Milliseconds(), q.depth, q.depth, "")
	fmt.Fprintf(q.logw, format, args...)
	return false
}

func (q *query) dive() (err error) {
	err = ErrMaxDepth
	if q.depth < maxDepth {
		q.depth++
		err = nil
	}
	return
}

func (q *query) surface() {
	q.depth--
}

// run resolves qname/qtype by iterative descent: ask the best-known servers,
// follow referrals toward the authoritative zone, resolve glueless
// nameservers at depth+1, and follow terminal CNAMEs from the top.
func (q *query) run(ctx context.Context, qname string, qtype uint16) (msg *dns.Msg, srv netip.Addr, err error) {
	if err = q.dive(); err != nil {
		return
	}
	defer q.surface()

	qname = dns.CanonicalName(qname)
	nslist := q.getRootServers()
	zoneLabels := 0

	for iter := 0; iter < maxSteps; iter++ {
		if q.dbg() {
			q.log("QUERY %s %q from %v\n", DnsTypeToString(qtype), qname, nslist[:min(4, len(nslist))])
		}

		var gotmsg *dns.Msg
		if gotmsg, srv, err = q.askList(ctx, nslist, qname, qtype); gotmsg == nil {
			err = errors.Join(err, ErrNoResponse)
			return nil, srv, err
		}

		switch gotmsg.Rcode {
		case dns.RcodeSuccess:
			if hasAnswerType(gotmsg, qtype) {
				q.setCache(gotmsg)
				_ = q.dbg() && q.log("ANSWER %s %q with %d records\n", DnsTypeToString(qtype), qname, len(gotmsg.Answer))
				return gotmsg, srv, nil
			}
			if qtype != dns.TypeCNAME {
				if target, ok := cnameTarget(gotmsg, qname); ok {
					return q.followCNAME(ctx, gotmsg, qname, target, qtype, srv)
				}
			}
			if newlist, labels := q.extractReferral(gotmsg, qname); len(newlist) > 0 && labels > zoneLabels {
				_ = q.dbg() && q.log("REFERRAL to %d servers for zone depth %d\n", len(newlist), labels)
				nslist = newlist
				zoneLabels = labels
				continue
			}
			// no answer, no usable referral: authoritative no-data
			q.setCache(gotmsg)
			_ = q.dbg() && q.log("NODATA %s %q\n", DnsTypeToString(qtype), qname)
			return gotmsg, srv, nil

		case dns.RcodeNameError:
			q.setCache(gotmsg)
			_ = q.dbg() && q.log("NXDOMAIN %q\n", qname)
			return gotmsg, srv, nil

		default:
			_ = q.dbg() && q.log("got %s from %v\n", dns.RcodeToString[gotmsg.Rcode], srv)
			return gotmsg, srv, nil
		}
	}

	return nil, netip.Addr{}, ErrMaxSteps
}

// askList queries the servers in nslist in order until one produces a usable
// response, resolving glueless entries through the engine at depth+1.
// SERVFAIL responses and transport errors move on to the next server.
func (q *query) askList(ctx context.Context, nslist []hostAddr, qname string, qtype uint16) (msg *dns.Msg, srv netip.Addr, err error) {
	for _, ha := range nslist {
		if !ha.addr.IsValid() {
			ha.addr = q.resolveGlueless(ctx, ha.host)
		}
		if !q.useable(ha.addr) {
			continue
		}
		gotmsg, gerr := q.exchange(ctx, ha.addr, qname, qtype)
		if gerr != nil {
			if errors.Is(gerr, ErrMaxSteps) {
				return nil, ha.addr, gerr
			}
			_ = q.dbg() && q.log("FAILED @%v %s %q: %v\n", ha.addr, DnsTypeToString(qtype), qname, gerr)
			err = errors.Join(err, gerr)
			continue
		}
		if gotmsg.Rcode == dns.RcodeServerFailure {
			msg, srv = gotmsg, ha.addr
			continue
		}
		return gotmsg, ha.addr, nil
	}
	if msg != nil {
		// every reachable nameserver said SERVFAIL
		_ = q.dbg() && q.log("all nameservers returned SERVFAIL\n")
		err = nil
	}
	return
}

// resolveGlueless looks up the address of a nameserver whose referral came
// without glue, using the engine itself one level deeper.
func (q *query) resolveGlueless(ctx context.Context, host string) (addr netip.Addr) {
	if !q.needGlue(host) {
		if addrs := q.glue[host]; len(addrs) > 0 {
			return addrs[0]
		}
		return
	}
	_ = q.dbg() && q.log("GLUE lookup for NS %q\n", host)
	for _, gluetype := range q.glueTypes() {
		if m, _, err := q.run(ctx, host, gluetype); err == nil && m.Rcode == dns.RcodeSuccess {
			for _, rr := range m.Answer {
				if ip := AddrFromRR(rr); ip.IsValid() && dns.CanonicalName(rr.Header().Name) == host {
					q.addGlue(host, ip)
				}
			}
		}
	}
	if addrs := q.glue[host]; len(addrs) > 0 {
		addr = addrs[0]
	}
	return
}

// followCNAME records the chain step and resolves the target from the root
// hints. A revisited target or an over-long chain is a hard failure so a
// malicious or broken zone cannot loop the resolver. The merged chain keeps
// the original question so it is cached and served as a unit.
func (q *query) followCNAME(ctx context.Context, base *dns.Msg, qname, target string, qtype uint16, srv netip.Addr) (*dns.Msg, netip.Addr, error) {
	if q.cnames == nil {
		q.cnames = make(map[string]struct{})
	}
	if _, seen := q.cnames[target]; seen {
		return nil, srv, ErrCnameLoop
	}
	if len(q.cnames) >= maxChain {
		return nil, srv, ErrCnameChain
	}
	q.cnames[target] = struct{}{}

	_ = q.dbg() && q.log("CNAME QUERY %q => %q\n", qname, target)
	cnmsg, _, err := q.run(ctx, target, qtype)
	if err != nil {
		_ = q.dbg() && q.log("CNAME ERROR %q: %v\n", target, err)
		return nil, srv, err
	}
	_ = q.dbg() && q.log("CNAME ANSWER %s %q with %v records\n", dns.RcodeToString[cnmsg.Rcode], target, len(cnmsg.Answer))

	msg := base.Copy()
	msg.Zero = false
	msg.Answer = append(msg.Answer, cnmsg.Answer...)
	msg.Rcode = cnmsg.Rcode
	msg.SetQuestion(qname, qtype)
	return msg, srv, nil
}

// hasAnswerType reports whether the answer section carries a record of the
// wanted type, either for the query name directly or for a CNAME target
// included in the same response.
func hasAnswerType(msg *dns.Msg, qtype uint16) bool {
	for _, rr := range msg.Answer {
		if rr.Header().Rrtype == qtype {
			return true
		}
	}
	return false
}

// cnameTarget returns the target of a CNAME record for qname, if present.
func cnameTarget(msg *dns.Msg, qname string) (string, bool) {
	for _, rr := range msg.Answer {
		if cn, ok := rr.(*dns.CNAME); ok && dns.CanonicalName(cn.Hdr.Name) == qname {
			return dns.CanonicalName(cn.Target), true
		}
	}
	return "", false
}

// extractReferral collects the NS records delegating qname to a deeper zone,
// along with any glue addresses supplied in the response. The returned label
// count of the delegated zone lets the caller verify the referral makes
// downward progress.
func (q *query) extractReferral(msg *dns.Msg, qname string) (hal []hostAddr, zoneLabels int) {
	nsmap := map[string]struct{}{}
	for _, rr := range msg.Ns {
		if ns, ok := rr.(*dns.NS); ok {
			zone := dns.CanonicalName(ns.Hdr.Name)
			if !dns.IsSubDomain(zone, qname) {
				continue // not a zone above qname; lame referral
			}
			zoneLabels = max(zoneLabels, dns.CountLabel(zone))
			nsmap[dns.CanonicalName(ns.Ns)] = struct{}{}
		}
	}
	for _, rrs := range [][]dns.RR{msg.Extra, msg.Answer} {
		for _, rr := range rrs {
			if addr := AddrFromRR(rr); addr.IsValid() {
				host := dns.CanonicalName(rr.Header().Name)
				if _, ok := nsmap[host]; ok {
					q.needGlue(host)
					q.addGlue(host, addr)
				}
			}
		}
	}
	for host := range nsmap {
		addrs := q.glue[host]
		if len(addrs) == 0 {
			hal = append(hal, hostAddr{host: host})
		} else {
			for _, addr := range addrs {
				hal = append(hal, hostAddr{host: host, addr: addr})
			}
		}
	}
	// Make the NS query order deterministic, glue first.
	slices.SortFunc(hal, compareHostAddr)
	return
}

func compareHostAddr(a, b hostAddr) int {
	if a.addr.IsValid() {
		if b.addr.IsValid() {
			return a.addr.Compare(b.addr)
		}
		return -1
	}
	if b.addr.IsValid() {
		return 1
	}
	n := strings.Count(a.host, ".") - strings.Count(b.host, ".")
	if n == 0 {
		n = strings.Compare(a.host, b.host)
	}
	return n
}

// needGlue returns true if the host was added to the glue map.
func (q *query) needGlue(host string) (yes bool) {
	if _, ok := q.glue[host]; !ok {
		yes = true
		q.glue[host] = nil
	}
	return
}

// addGlue adds the addr to the glue map for host if it exists and addr is usable.
func (q *query) addGlue(host string, addr netip.Addr) {
	if q.useable(addr) {
		if addrs, ok := q.glue[host]; ok {
			if !slices.Contains(addrs, addr) {
				q.glue[host] = append(addrs, addr)
			}
		}
	}
}

func (q *query) setCache(msg *dns.Msg) {
	if msg != nil && !msg.Zero && q.cache != nil {
		q.cache.DnsSet(msg)
	}
}

func (q *query) glueTypes() (gt []uint16) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.config.useIPv4 {
		gt = append(gt, dns.TypeA)
	}
	if q.config.useIPv6 {
		gt = append(gt, dns.TypeAAAA)
	}
	return
}
