package resolver

import (
	"context"
	"net"

	"github.com/miekg/dns"
)

// Lookup adapters so a Recursive can stand in for the standard library
// net.Resolver in code that only needs host lookups.

func (r *Recursive) lookupIP(ctx context.Context, ips []net.IP, host string, qtype uint16) ([]net.IP, error) {
	msg, _, err := r.DnsResolve(ctx, host, qtype)
	if msg != nil {
		for _, rr := range msg.Answer {
			switch rr := rr.(type) {
			case *dns.A:
				ips = append(ips, rr.A)
			case *dns.AAAA:
				ips = append(ips, rr.AAAA)
			}
		}
	}
	return ips, err
}

// LookupIP looks up host for the given network ("ip", "ip4" or "ip6") using
// recursive resolution.
func (r *Recursive) LookupIP(ctx context.Context, network, host string) (ips []net.IP, err error) {
	if network == "ip" || network == "ip4" {
		ips, err = r.lookupIP(ctx, ips, host, dns.TypeA)
	}
	if network == "ip" || network == "ip6" {
		ips, err = r.lookupIP(ctx, ips, host, dns.TypeAAAA)
	}
	if len(ips) > 0 {
		err = nil
	}
	return
}

// LookupHost returns the addresses of host as strings.
func (r *Recursive) LookupHost(ctx context.Context, host string) (addrs []string, err error) {
	var ips []net.IP
	if ips, err = r.LookupIP(ctx, "ip", host); err == nil {
		for _, ip := range ips {
			addrs = append(addrs, ip.String())
		}
	}
	return
}

// LookupIPAddr returns the addresses of host as net.IPAddr.
func (r *Recursive) LookupIPAddr(ctx context.Context, host string) (addrs []net.IPAddr, err error) {
	var ips []net.IP
	if ips, err = r.LookupIP(ctx, "ip", host); err == nil {
		for _, ip := range ips {
			addrs = append(addrs, net.IPAddr{IP: ip})
		}
	}
	return
}
