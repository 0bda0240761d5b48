package resolver

import (
	"context"
	rand "math/rand/v2"
	"net/netip"
	"sort"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// prepareRootServers shuffles the configured root addresses and interleaves
// IPv4 and IPv6 so either family gets tried early.
func prepareRootServers(roots4, roots6 []netip.Addr) []netip.Addr {
	if roots4 == nil {
		roots4 = Roots4
	}
	if roots6 == nil {
		roots6 = Roots6
	}

	var root4, root6 []netip.Addr
	if len(roots4) > 0 {
		root4 = append(root4, roots4...)
		shuffleAddrs(root4)
	}
	if len(roots6) > 0 {
		root6 = append(root6, roots6...)
		shuffleAddrs(root6)
	}

	roots := make([]netip.Addr, 0, len(root4)+len(root6))
	n := min(len(root4), len(root6))
	for i := 0; i < n; i++ {
		roots = append(roots, root4[i], root6[i])
	}
	roots = append(roots, root4[n:]...)
	roots = append(roots, root6[n:]...)

	return roots
}

func shuffleAddrs(a []netip.Addr) {
	rand.Shuffle(len(a), func(i, j int) {
		a[i], a[j] = a[j], a[i]
	})
}

// GetRoots returns the current set of root servers in use.
func (r *Recursive) GetRoots() (root4, root6 []netip.Addr) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, addr := range r.config.rootServers {
		if addr.Is4() {
			root4 = append(root4, addr)
		} else if addr.Is6() {
			root6 = append(root6, addr)
		}
	}
	return
}

func (r *Recursive) getRootServers() (nslist []hostAddr) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, addr := range r.config.rootServers {
		nslist = append(nslist, hostAddr{"root", addr})
	}
	return
}

// OrderRoots sorts the root server list by their current latency and removes
// those that don't respond.
//
// If ctx does not have a deadline, DefaultTimeout will be used.
func (r *Recursive) OrderRoots(ctx context.Context) {
	if _, ok := ctx.Deadline(); !ok {
		newctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
		ctx = newctx
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rootRtts := r.measureRootLatencies(ctx)
	r.updateRootServers(rootRtts)
}

// rootRtt stores round-trip time measurements for a root server.
type rootRtt struct {
	addr netip.Addr
	rtt  time.Duration
}

func (r *Recursive) measureRootLatencies(ctx context.Context) []*rootRtt {
	var l []*rootRtt
	var wg sync.WaitGroup

	for _, addr := range r.config.rootServers {
		rt := &rootRtt{addr: addr}
		l = append(l, rt)
		wg.Add(1)
		go timeRoot(ctx, r.ContextDialer, r.DNSPort, &wg, rt)
	}
	wg.Wait()

	sort.Slice(l, func(i, j int) bool { return l[i].rtt < l[j].rtt })
	return l
}

func (r *Recursive) updateRootServers(rootRtts []*rootRtt) {
	var newRootServers []netip.Addr
	useIPv4 := false
	useIPv6 := false

	for _, rt := range rootRtts {
		if rt.rtt < time.Minute {
			useIPv4 = useIPv4 || rt.addr.Is4()
			useIPv6 = useIPv6 || rt.addr.Is6()
			newRootServers = append(newRootServers, rt.addr)
		}
	}

	if len(newRootServers) > 0 {
		r.config.rootServers = newRootServers
		r.config.useIPv4 = useIPv4
		r.config.useIPv6 = useIPv6
	}
}

// timeRoot measures the RTT to a root server by making multiple connection attempts.
func timeRoot(ctx context.Context, dialer proxy.ContextDialer, port uint16, wg *sync.WaitGroup, rt *rootRtt) {
	defer wg.Done()

	const numProbes = 3

	network := "tcp4"
	if rt.addr.Is6() {
		network = "tcp6"
	}

	rt.rtt = time.Hour // default to very high if all probes fail

	var totalRtt time.Duration
	successfulProbes := 0

	for i := 0; i < numProbes; i++ {
		start := time.Now()
		conn, err := dialer.DialContext(ctx, network, netip.AddrPortFrom(rt.addr, port).String())
		if err != nil {
			continue
		}
		totalRtt += time.Since(start)
		successfulProbes++
		_ = conn.Close()
	}

	if successfulProbes > 0 {
		rt.rtt = totalRtt / time.Duration(successfulProbes)
	}
}
