package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// exchange sends qname/qtype to nsaddr, trying UDP first and falling back to
// TCP when the response is truncated. The cache is consulted before any
// network contact.
func (q *query) exchange(ctx context.Context, nsaddr netip.Addr, qname string, qtype uint16) (msg *dns.Msg, err error) {
	if q.cache != nil {
		if msg = q.cache.DnsGet(qname, qtype); msg != nil {
			if q.dbg() {
				q.logCachedAnswer(msg, qtype, qname)
			}
			return msg, nil
		}
	}

	if q.usingUDP() {
		msg, err = q.exchangeUsing(ctx, "udp", nsaddr, qname, qtype)
		if msg != nil {
			if msg.MsgHdr.Truncated {
				_ = q.dbg() && q.log("message truncated; retry using TCP\n")
				msg = nil
			} else {
				return msg, err
			}
		}
	}
	if q.useable(nsaddr) {
		return q.exchangeUsing(ctx, "tcp", nsaddr, qname, qtype)
	}
	return nil, net.ErrClosed
}

func (q *query) exchangeUsing(ctx context.Context, protocol string, nsaddr netip.Addr, qname string, qtype uint16) (msg *dns.Msg, err error) {
	q.steps++
	if q.steps > maxSteps {
		return nil, ErrMaxSteps
	}

	if err = q.getUsable(ctx, protocol, nsaddr); err != nil {
		return nil, err
	}

	network := protocol + "4"
	if nsaddr.Is6() {
		network = protocol + "6"
	}

	if q.rateLimiter != nil {
		<-q.rateLimiter
	}

	if q.dbg() {
		q.logSending(network, protocol, nsaddr, qtype, qname)
	}

	if q.Timeout > 0 {
		ctx2, cancel := context.WithTimeout(ctx, q.Timeout)
		defer cancel()
		ctx = ctx2
	}

	var rtt time.Duration
	nconn, err := q.DialContext(ctx, network, netip.AddrPortFrom(nsaddr, q.DNSPort).String())
	if err == nil {
		q.sent++
		dnsconn := &dns.Conn{Conn: nconn, UDPSize: dns.DefaultMsgSize}
		defer dnsconn.Close()

		m := newQueryMsg(qname, qtype)
		c := dns.Client{UDPSize: dns.DefaultMsgSize}
		msg, rtt, err = c.ExchangeWithConnContext(ctx, m, dnsconn)
	}

	isIpv6Err, isUdpErr := q.netErrors.note(protocol, nsaddr, err)
	ipv6disabled := isIpv6Err && q.maybeDisableIPv6(err)
	udpDisabled := isUdpErr && q.maybeDisableUdp(err)

	if q.dbg() {
		q.logResponse(msg, rtt, err, ipv6disabled, udpDisabled)
	}

	return msg, err
}

// newQueryMsg builds an outbound query with an EDNS0 OPT advertising our UDP
// buffer size. No other EDNS0 options are negotiated.
func newQueryMsg(qname string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(qname, qtype)
	opt := new(dns.OPT)
	opt.Hdr.Name = "."
	opt.Hdr.Rrtype = dns.TypeOPT
	opt.SetUDPSize(dns.DefaultMsgSize)
	m.Extra = append(m.Extra, opt)
	return m
}

func (q *query) logCachedAnswer(msg *dns.Msg, qtype uint16, qname string) {
	auth := ""
	if msg.MsgHdr.Authoritative {
		auth = " AUTH"
	}
	q.log("cached answer: %s %q => %s [%v+%v+%v A/N/E]%s\n",
		DnsTypeToString(qtype), qname,
		dns.RcodeToString[msg.Rcode],
		len(msg.Answer), len(msg.Ns), len(msg.Extra),
		auth)
}

func (q *query) logSending(network, protocol string, nsaddr netip.Addr, qtype uint16, qname string) {
	var protostr string
	var dash6str string
	if protocol != "udp" {
		protostr = " +" + protocol
	}
	if nsaddr.Is6() {
		dash6str = " -6"
	}
	q.log("SENDING %s: @%s%s%s %s %q", network, nsaddr, protostr, dash6str,
		DnsTypeToString(qtype), qname)
}

func (q *query) logResponse(msg *dns.Msg, rtt time.Duration, err error, ipv6disabled, udpDisabled bool) {
	if msg != nil {
		fmt.Fprintf(q.logw, " => %s [%v+%v+%v A/N/E] (%v, %d bytes",
			dns.RcodeToString[msg.Rcode],
			len(msg.Answer), len(msg.Ns), len(msg.Extra),
			rtt.Round(time.Millisecond), msg.Len())
		if msg.MsgHdr.Truncated {
			fmt.Fprintf(q.logw, " TRNC")
		}
		if msg.MsgHdr.Authoritative {
			fmt.Fprintf(q.logw, " AUTH")
		}
		fmt.Fprintf(q.logw, ")")
	}
	if err != nil {
		fmt.Fprintf(q.logw, " error: %v", err)
	}
	if ipv6disabled {
		fmt.Fprintf(q.logw, " (IPv6 disabled)")
	}
	if udpDisabled {
		fmt.Fprintf(q.logw, " (UDP disabled)")
	}
	fmt.Fprintln(q.logw)
}
