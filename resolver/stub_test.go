package resolver

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

type stubKey struct {
	name  string
	qtype uint16
}

// stubDialer answers DNS exchanges in-process, keyed by the address dialed
// and the question asked. Unknown questions get SERVFAIL.
type stubDialer struct {
	responses map[string]map[stubKey]*dns.Msg
}

func newStubDialer() *stubDialer {
	return &stubDialer{responses: make(map[string]map[stubKey]*dns.Msg)}
}

func (d *stubDialer) add(server, qname string, qtype uint16, msg *dns.Msg) {
	if d.responses[server] == nil {
		d.responses[server] = make(map[stubKey]*dns.Msg)
	}
	d.responses[server][stubKey{dns.CanonicalName(qname), qtype}] = msg
}

func (d *stubDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	isTCP := len(network) >= 3 && network[:3] == "tcp"
	return &stubConn{dialer: d, host: host, isTCP: isTCP}, nil
}

type stubConn struct {
	dialer *stubDialer
	host   string
	isTCP  bool
	buf    bytes.Buffer
}

func (c *stubConn) Read(p []byte) (int, error) { return c.buf.Read(p) }

func (c *stubConn) Write(p []byte) (int, error) {
	origN := len(p)
	if c.isTCP {
		if len(p) < 2 {
			return 0, io.ErrShortWrite
		}
		ln := int(binary.BigEndian.Uint16(p[:2]))
		p = p[2 : 2+ln]
	}
	var m dns.Msg
	if err := m.Unpack(p); err != nil {
		return 0, err
	}
	name := dns.CanonicalName(m.Question[0].Name)
	qtype := m.Question[0].Qtype
	resp := c.dialer.responses[c.host][stubKey{name, qtype}]
	if resp == nil {
		resp = new(dns.Msg)
		resp.SetRcode(&m, dns.RcodeServerFailure)
	} else {
		resp = resp.Copy()
		if len(resp.Question) == 0 {
			resp.SetQuestion(name, qtype)
		}
		resp.Response = true
		resp.Id = m.Id
	}
	packed, err := resp.Pack()
	if err != nil {
		return 0, err
	}
	c.buf.Reset()
	if c.isTCP {
		var lenbuf [2]byte
		binary.BigEndian.PutUint16(lenbuf[:], uint16(len(packed)))
		c.buf.Write(lenbuf[:])
	}
	c.buf.Write(packed)
	return origN, nil
}

func (c *stubConn) Close() error                       { return nil }
func (c *stubConn) LocalAddr() net.Addr                { return dummyAddr("local") }
func (c *stubConn) RemoteAddr() net.Addr               { return dummyAddr("remote") }
func (c *stubConn) SetDeadline(t time.Time) error      { return nil }
func (c *stubConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *stubConn) SetWriteDeadline(t time.Time) error { return nil }

type dummyAddr string

func (d dummyAddr) Network() string { return string(d) }
func (d dummyAddr) String() string  { return string(d) }

func aRR(name, ip string) dns.RR {
	return &dns.A{Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 86400}, A: net.ParseIP(ip)}
}

func nsRR(name, ns string) dns.RR {
	return &dns.NS{Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: 86400}, Ns: dns.Fqdn(ns)}
}

func cnameRR(name, target string) dns.RR {
	return &dns.CNAME{Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 300}, Target: dns.Fqdn(target)}
}

func soaRR(zone string, minttl uint32) dns.RR {
	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: dns.Fqdn(zone), Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 3600},
		Ns:      dns.Fqdn("ns1." + zone),
		Mbox:    dns.Fqdn("hostmaster." + zone),
		Refresh: 7200, Retry: 3600, Expire: 86400,
		Minttl: minttl,
	}
}

// newStubResolver builds a Recursive with the stub as its only transport and
// the given address as the sole root server.
func newStubResolver(d *stubDialer, cacher Cacher, root string) *Recursive {
	roots4 := []netip.Addr{netip.MustParseAddr(root)}
	return NewWithOptions(d, cacher, roots4, []netip.Addr{}, nil)
}
