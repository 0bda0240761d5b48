package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/miekg/dns"
)

var (
	// ErrMaxDepth is returned when recursive resolving exceeds the allowed limit.
	ErrMaxDepth = fmt.Errorf("recursion depth exceeded %d", maxDepth)
	// ErrMaxSteps is returned when resolving exceeds the step limit.
	ErrMaxSteps = fmt.Errorf("resolve steps exceeded %d", maxSteps)
	// ErrCnameLoop is returned when a CNAME chain revisits a name.
	ErrCnameLoop = errors.New("cname loop")
	// ErrCnameChain is returned when a CNAME chain exceeds the allowed length.
	ErrCnameChain = fmt.Errorf("cname chain exceeded %d", maxChain)
	// ErrNoResponse is returned when no authoritative server could be successfully queried.
	// It is equivalent to SERVFAIL.
	ErrNoResponse = errors.New("no authoritative response")
	// ErrQuestionMismatch is returned when the DNS response is not for what was queried.
	ErrQuestionMismatch = errors.New("question mismatch")
	// ErrInvalidQuestion is returned for questions that fail validation.
	// It is equivalent to FORMERR.
	ErrInvalidQuestion = errors.New("invalid question")
	// ErrNoUpstreams is returned by a Forwarder configured without upstream servers.
	ErrNoUpstreams = errors.New("no upstream servers")
)

// ExtendedRcode is a DNS Extended DNS Error code as defined in RFC 8914.
type ExtendedRcode uint16

const (
	ExtendedRcodeOther                ExtendedRcode = 0
	ExtendedRcodeStaleAnswer          ExtendedRcode = 3
	ExtendedRcodeCachedError          ExtendedRcode = 13
	ExtendedRcodeNotReady             ExtendedRcode = 14
	ExtendedRcodeProhibited           ExtendedRcode = 18
	ExtendedRcodeNoReachableAuthority ExtendedRcode = 22
	ExtendedRcodeNetworkError         ExtendedRcode = 23
	ExtendedRcodeInvalidData          ExtendedRcode = 24
)

// ExtendedRcodeFromError maps a resolution error to an Extended DNS Error code.
// It understands the package sentinel errors and well-known errors from the
// os, io, and net packages, returning ExtendedRcodeOther if no mapping is known.
func ExtendedRcodeFromError(err error) ExtendedRcode {
	switch {
	case err == nil:
		return ExtendedRcodeOther
	case errors.Is(err, ErrCnameLoop), errors.Is(err, ErrCnameChain),
		errors.Is(err, ErrQuestionMismatch), errors.Is(err, ErrInvalidQuestion):
		return ExtendedRcodeInvalidData
	case errors.Is(err, ErrMaxDepth), errors.Is(err, ErrMaxSteps),
		errors.Is(err, ErrNoResponse), errors.Is(err, ErrNoUpstreams):
		return ExtendedRcodeNoReachableAuthority
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return ExtendedRcodeNoReachableAuthority
	case errors.Is(err, os.ErrPermission):
		return ExtendedRcodeProhibited
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout || dnsErr.IsNotFound {
			return ExtendedRcodeNoReachableAuthority
		}
		if dnsErr.IsTemporary {
			return ExtendedRcodeNotReady
		}
		return ExtendedRcodeNetworkError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ExtendedRcodeNoReachableAuthority
		}
		return ExtendedRcodeNetworkError
	}
	return ExtendedRcodeOther
}

// ServfailFor manufactures a SERVFAIL response for the given question,
// attaching an RFC 8914 extended error option describing err.
func ServfailFor(qname string, qtype uint16, err error) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.CanonicalName(qname), qtype)
	msg.Rcode = dns.RcodeServerFailure
	if err != nil {
		opt := new(dns.OPT)
		opt.Hdr.Name = "."
		opt.Hdr.Rrtype = dns.TypeOPT
		opt.SetUDPSize(dns.DefaultMsgSize)
		opt.Option = append(opt.Option, &dns.EDNS0_EDE{
			InfoCode:  uint16(ExtendedRcodeFromError(err)),
			ExtraText: err.Error(),
		})
		msg.Extra = append(msg.Extra, opt)
	}
	return msg
}
