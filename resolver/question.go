package resolver

import (
	"fmt"
	"math"
	"net/netip"
	"strconv"

	"github.com/miekg/dns"
)

// DnsTypeToString returns the presentation form of a record type.
func DnsTypeToString(qtype uint16) string {
	if s, ok := dns.TypeToString[qtype]; ok {
		return s
	}
	return strconv.Itoa(int(qtype))
}

// AddrFromRR returns the address carried by an A or AAAA record,
// or an invalid netip.Addr for other record types.
func AddrFromRR(rr dns.RR) netip.Addr {
	switch v := rr.(type) {
	case *dns.A:
		if ip, ok := netip.AddrFromSlice(v.A); ok {
			return ip.Unmap()
		}
	case *dns.AAAA:
		if ip, ok := netip.AddrFromSlice(v.AAAA); ok {
			return ip
		}
	}
	return netip.Addr{}
}

// MinTTL returns the lowest resource record TTL in the message, or -1 if there are no records.
func MinTTL(msg *dns.Msg) int {
	minTTL := math.MaxInt
	for _, rr := range msg.Answer {
		minTTL = min(minTTL, int(rr.Header().Ttl))
	}
	for _, rr := range msg.Ns {
		minTTL = min(minTTL, int(rr.Header().Ttl))
	}
	for _, rr := range msg.Extra {
		if rr.Header().Rrtype != dns.TypeOPT {
			minTTL = min(minTTL, int(rr.Header().Ttl))
		}
	}
	if minTTL == math.MaxInt {
		minTTL = -1
	}
	return minTTL
}

// NegativeTTL returns the time a negative answer may be cached, per RFC 2308:
// the lower of the SOA TTL and the SOA MINIMUM field. Returns -1 if the
// message carries no SOA record.
func NegativeTTL(msg *dns.Msg) int {
	ttl := -1
	for _, rr := range msg.Ns {
		if soa, ok := rr.(*dns.SOA); ok {
			ttl = int(min(soa.Hdr.Ttl, soa.Minttl))
			break
		}
	}
	return ttl
}

// ValidateQuestion checks that a question is one this resolver can answer:
// a well-formed domain name (labels of at most 63 bytes, 255 bytes total),
// class IN, and a concrete record type. Violations return ErrInvalidQuestion,
// which the serving layer maps to FORMERR.
func ValidateQuestion(qname string, qtype uint16, qclass uint16) error {
	if _, ok := dns.IsDomainName(qname); !ok {
		return fmt.Errorf("%w: bad name %q", ErrInvalidQuestion, qname)
	}
	if qclass != dns.ClassINET {
		return fmt.Errorf("%w: unsupported class %d", ErrInvalidQuestion, qclass)
	}
	switch qtype {
	case dns.TypeNone, dns.TypeOPT, dns.TypeAXFR, dns.TypeIXFR:
		return fmt.Errorf("%w: unsupported type %s", ErrInvalidQuestion, DnsTypeToString(qtype))
	}
	return nil
}
