package resolver

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"
)

// holddownTTL is how long a failed server address is skipped before being retried.
const holddownTTL = time.Minute

type netError struct {
	Err  error
	When time.Time
}

func (ne netError) Error() string {
	return ne.Err.Error()
}

func (ne netError) Unwrap() error {
	return ne.Err
}

// errorHolddown remembers recent network failures per server address and
// protocol so a resolution tries other servers before retrying a dead one.
type errorHolddown struct {
	mu  sync.Mutex
	udp map[netip.Addr]netError
	tcp map[netip.Addr]netError
}

func newErrorHolddown() errorHolddown {
	return errorHolddown{
		udp: make(map[netip.Addr]netError),
		tcp: make(map[netip.Addr]netError),
	}
}

func (eh *errorHolddown) protocolMap(protocol string) map[netip.Addr]netError {
	switch protocol {
	case "udp", "udp4", "udp6":
		return eh.udp
	case "tcp", "tcp4", "tcp6":
		return eh.tcp
	}
	return nil
}

// note records err against addr if it looks like a network failure.
// It reports whether the error concerned IPv6 and whether it concerned UDP.
func (eh *errorHolddown) note(protocol string, addr netip.Addr, err error) (isIpv6Err, isUdpErr bool) {
	if err == nil {
		return false, false
	}
	isIpv6Err = addr.Is6()
	if !isTrackableNetError(err) {
		return isIpv6Err, false
	}
	eh.mu.Lock()
	defer eh.mu.Unlock()
	if m := eh.protocolMap(protocol); m != nil {
		m[addr] = netError{Err: err, When: time.Now()}
		isUdpErr = strings.HasPrefix(protocol, "udp")
	}
	return
}

// check returns the remembered error for addr if it is still within the
// holddown window, removing it once the window has passed.
func (eh *errorHolddown) check(protocol string, addr netip.Addr) error {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	m := eh.protocolMap(protocol)
	if m == nil {
		return net.ErrClosed
	}
	if ne, ok := m[addr]; ok {
		if time.Since(ne.When) < holddownTTL {
			return ne
		}
		delete(m, addr)
	}
	return nil
}

func isTrackableNetError(err error) bool {
	var ne net.Error
	ok := errors.Is(err, io.EOF) || errors.As(err, &ne)
	ok = ok || errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
	ok = ok || errors.Is(err, syscall.ECONNREFUSED)
	if !ok {
		errstr := err.Error()
		ok = strings.Contains(errstr, "timeout") || strings.Contains(errstr, "refused")
	}
	return ok
}

// getUsable checks the context and the holddown state before addr is dialed.
func (r *Recursive) getUsable(ctx context.Context, protocol string, nsaddr netip.Addr) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.netErrors.check(protocol, nsaddr); err != nil {
		return err
	}
	if !r.useable(nsaddr) {
		return net.ErrClosed
	}
	return nil
}

// maybeDisableIPv6 turns off IPv6 transport after a connectivity-class error,
// so hosts without a routable IPv6 stack don't time out on every AAAA glue.
func (r *Recursive) maybeDisableIPv6(err error) bool {
	if err == nil || !isIPv6ConnectivityError(err) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.config.useIPv6 {
		return false
	}
	r.config.useIPv6 = false

	var newRoots []netip.Addr
	for _, addr := range r.config.rootServers {
		if addr.Is4() {
			newRoots = append(newRoots, addr)
		}
	}
	r.config.rootServers = newRoots
	return true
}

func isIPv6ConnectivityError(err error) bool {
	errstr := err.Error()
	return errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		strings.Contains(errstr, "network is unreachable") ||
		strings.Contains(errstr, "no route to host")
}

// maybeDisableUdp turns off UDP transport on systems that cannot send UDP at
// all, leaving TCP as the only transport.
func (r *Recursive) maybeDisableUdp(err error) bool {
	var ne net.Error
	if !errors.As(err, &ne) || ne.Timeout() {
		return false
	}
	if !isUDPNotSupportedError(err) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	disabled := r.config.useUDP
	r.config.useUDP = false
	return disabled
}

func isUDPNotSupportedError(err error) bool {
	errstr := err.Error()
	return errors.Is(err, syscall.ENOSYS) ||
		errors.Is(err, syscall.EPROTONOSUPPORT) ||
		strings.Contains(errstr, "network not implemented")
}
