package server

import (
	"context"
	"log/slog"
	"net"

	"github.com/miekg/dns"

	"github.com/neevparikh/dns/resolver"
)

// Server is the UDP and TCP frontend. It parses incoming queries, rejects
// malformed ones with FORMERR, and hands the rest to a Coordinator.
type Server struct {
	// Addr is the address the server is listening on.
	Addr string

	coord  *Coordinator
	logger *slog.Logger
	udp    *dns.Server
	tcp    *dns.Server
}

// New starts a DNS server on addr using coord to answer queries. The same
// address and port are used for both UDP and TCP. If the port in addr is "0"
// an available port is chosen automatically.
func New(addr string, coord *Coordinator, logger *slog.Logger) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	tcpListener, err := net.Listen("tcp", udpConn.LocalAddr().String())
	if err != nil {
		_ = udpConn.Close()
		return nil, err
	}

	s := &Server{
		Addr:   udpConn.LocalAddr().String(),
		coord:  coord,
		logger: logger,
	}
	handler := dns.HandlerFunc(s.handle)
	s.udp = &dns.Server{PacketConn: udpConn, Handler: handler}
	s.tcp = &dns.Server{Listener: tcpListener, Handler: handler}

	go func() { _ = s.udp.ActivateAndServe() }()
	go func() { _ = s.tcp.ActivateAndServe() }()

	if logger != nil {
		logger.Info("listening", "addr", s.Addr)
	}
	return s, nil
}

// Shutdown stops serving and closes the listeners.
func (s *Server) Shutdown() {
	if s.udp != nil {
		_ = s.udp.Shutdown()
	}
	if s.tcp != nil {
		_ = s.tcp.Shutdown()
	}
}

// Stats returns the coordinator counters.
func (s *Server) Stats() Stats {
	return s.coord.Stats()
}

func (s *Server) handle(w dns.ResponseWriter, req *dns.Msg) {
	// Exactly one question per query, as in practice nothing else interoperates.
	if len(req.Question) != 1 {
		s.refuse(w, req, dns.RcodeFormatError)
		return
	}
	q := req.Question[0]
	if err := resolver.ValidateQuestion(q.Name, q.Qtype, q.Qclass); err != nil {
		if s.logger != nil {
			s.logger.Debug("bad question", "qname", q.Name, "err", err)
		}
		s.refuse(w, req, dns.RcodeFormatError)
		return
	}

	msg, err := s.coord.Resolve(context.Background(), q.Name, q.Qtype)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("lookup failed", "qname", q.Name, "qtype", resolver.DnsTypeToString(q.Qtype), "err", err)
		}
		m := resolver.ServfailFor(q.Name, q.Qtype, err)
		m.Id = req.Id
		m.RecursionDesired = req.RecursionDesired
		m.RecursionAvailable = true
		_ = w.WriteMsg(m)
		return
	}

	// Reuse the resolved sections but frame the reply for this client.
	ans, ns, extra := msg.Answer, msg.Ns, msg.Extra
	rcode := msg.Rcode
	msg.SetReply(req)
	msg.Answer, msg.Ns, msg.Extra = ans, ns, extra
	msg.Rcode = rcode
	msg.RecursionAvailable = true
	msg.Zero = false
	_ = w.WriteMsg(msg)
}

func (s *Server) refuse(w dns.ResponseWriter, req *dns.Msg, rcode int) {
	m := new(dns.Msg)
	m.SetRcode(req, rcode)
	_ = w.WriteMsg(m)
}
