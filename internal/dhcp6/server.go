package dhcp6

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/gopacket/layers"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/semaphore"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/link"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/metrics"
	"github.com/athena-dhcpd/athena-dhcp6d/pkg/dhcpv6"
)

const maxMessageSize = 8192

var packetPool = sync.Pool{
	New: func() any { return make([]byte, maxMessageSize) },
}

// Server is the DHCPv6 UDP server.
type Server struct {
	proc    *Processor
	limiter *RateLimiter
	logger  *slog.Logger
	addr    string
	ifaces  []string

	conn    *ipv6.PacketConn
	sem     *semaphore.Weighted
	workers int64

	mu       sync.Mutex
	inflight map[string]struct{}
	ifCache  map[int]ifaceInfo

	wg   sync.WaitGroup
	done chan struct{}
}

type ifaceInfo struct {
	name  string
	addrs []netip.Addr
}

// NewServer creates a server that joins the DHCP multicast group on ifaces
// and handles at most workers messages at once.
func NewServer(proc *Processor, limiter *RateLimiter, ifaces []string, addr string, workers int, logger *slog.Logger) *Server {
	if addr == "" {
		addr = fmt.Sprintf("[::]:%d", dhcpv6.ServerPort)
	}
	if workers <= 0 {
		workers = 1
	}
	return &Server{
		proc:     proc,
		limiter:  limiter,
		logger:   logger,
		addr:     addr,
		ifaces:   ifaces,
		sem:      semaphore.NewWeighted(int64(workers)),
		workers:  int64(workers),
		inflight: make(map[string]struct{}),
		ifCache:  make(map[int]ifaceInfo),
		done:     make(chan struct{}),
	}
}

// Start binds the socket, joins ff02::1:2 and begins serving.
func (s *Server) Start(ctx context.Context) error {
	c, err := net.ListenPacket("udp6", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	pc := ipv6.NewPacketConn(c)
	if err := pc.SetControlMessage(ipv6.FlagInterface|ipv6.FlagDst, true); err != nil {
		c.Close()
		return fmt.Errorf("enabling control messages: %w", err)
	}

	group := &net.UDPAddr{IP: net.IP(dhcpv6.AllRelayAgentsAndServers.AsSlice())}
	for _, name := range s.ifaces {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			c.Close()
			return fmt.Errorf("looking up interface %s: %w", name, err)
		}
		if err := pc.JoinGroup(ifi, group); err != nil {
			c.Close()
			return fmt.Errorf("joining %s on %s: %w", group.IP, name, err)
		}
	}
	s.conn = pc

	metrics.Workers.Set(float64(s.workers))
	s.logger.Info("DHCPv6 server started",
		"address", s.addr,
		"interfaces", s.ifaces,
		"workers", s.workers,
		"server_duid", hex.EncodeToString(s.proc.ServerID()))

	s.wg.Add(1)
	go s.serve(ctx)
	return nil
}

// serve reads datagrams and hands each to a worker; reading blocks while
// every worker is busy.
func (s *Server) serve(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		buf := packetPool.Get().([]byte)
		n, cm, src, err := s.conn.ReadFrom(buf)
		if err != nil {
			packetPool.Put(buf)
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error("reading UDP packet", "error", err)
			continue
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			packetPool.Put(buf)
			return
		}
		s.wg.Add(1)
		go func(data []byte, cm *ipv6.ControlMessage, src net.Addr) {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer packetPool.Put(data[:cap(data)])

			s.processPacket(ctx, data, cm, src)
		}(buf[:n], cm, src)
	}
}

// processPacket handles a single datagram and sends the reply, if any.
func (s *Server) processPacket(ctx context.Context, data []byte, cm *ipv6.ControlMessage, src net.Addr) {
	udp, ok := src.(*net.UDPAddr)
	if !ok {
		return
	}
	peer := udp.AddrPort()
	pkt := packetInfo{peer: peer}
	if cm != nil {
		pkt.ifIndex = cm.IfIndex
		info := s.iface(cm.IfIndex)
		pkt.iface, pkt.ifaceAddrs = info.name, info.addrs
	}

	out, dst, sent := s.handle(ctx, data, pkt)
	if out == nil {
		return
	}

	var wcm *ipv6.ControlMessage
	if pkt.ifIndex != 0 {
		wcm = &ipv6.ControlMessage{IfIndex: pkt.ifIndex}
	}
	if _, err := s.conn.WriteTo(out, wcm, net.UDPAddrFromAddrPort(dst)); err != nil {
		metrics.PacketErrors.WithLabelValues("send").Inc()
		s.logger.Error("sending reply", "error", err, "dst", dst.String())
		return
	}
	metrics.PacketsSent.WithLabelValues(sent).Inc()
}

type packetInfo struct {
	peer       netip.AddrPort
	ifIndex    int
	iface      string
	ifaceAddrs []netip.Addr
}

// handle decodes, processes and encodes one message. It returns the reply
// bytes, destination and client reply type, or nil when nothing is to be sent.
func (s *Server) handle(ctx context.Context, data []byte, pkt packetInfo) ([]byte, netip.AddrPort, string) {
	msg, err := dhcpv6.Decode(data)
	if err != nil {
		metrics.PacketErrors.WithLabelValues("decode").Inc()
		s.logger.Warn("dropping malformed packet",
			"error", err,
			"src", pkt.peer.String(),
			"size", len(data))
		return nil, netip.AddrPort{}, ""
	}

	inner, relays, err := Unwrap(msg)
	if err != nil {
		metrics.PacketErrors.WithLabelValues("relay").Inc()
		s.logger.Warn("dropping malformed relay message",
			"error", err,
			"src", pkt.peer.String())
		return nil, netip.AddrPort{}, ""
	}

	req := &Request{
		Msg:        inner,
		Relays:     relays,
		Peer:       pkt.peer,
		Iface:      pkt.iface,
		IfaceAddrs: pkt.ifaceAddrs,
	}
	msgType := dhcpv6.MessageName(inner.MsgType)
	metrics.PacketsReceived.WithLabelValues(msgType).Inc()

	key := fmt.Sprintf("%s/%x/%d", pkt.peer, inner.TransactionID, inner.MsgType)
	if !s.begin(key) {
		metrics.PacketErrors.WithLabelValues("duplicate").Inc()
		return nil, netip.AddrPort{}, ""
	}
	defer s.end(key)

	if inner.MsgType == dhcpv6.MessageTypeSolicit && !s.limiter.Allow(req.ClientID()) {
		s.logger.Debug("solicit rate limited", "duid", clientDUID(req))
		return nil, netip.AddrPort{}, ""
	}

	start := time.Now()
	reply, err := s.proc.Process(ctx, req)
	metrics.PacketProcessingDuration.WithLabelValues(msgType).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.PacketErrors.WithLabelValues("handler").Inc()
		s.logger.Error("handling DHCPv6 message",
			"error", err,
			"duid", clientDUID(req),
			"msg_type", msgType)
		return nil, netip.AddrPort{}, ""
	}
	if reply == nil {
		return nil, netip.AddrPort{}, ""
	}

	sent := dhcpv6.MessageName(reply.MsgType)
	port := uint16(dhcpv6.ClientPort)
	if req.IsRelayed() {
		port = dhcpv6.ServerPort
		if reply, err = Rewrap(reply, relays); err != nil {
			metrics.PacketErrors.WithLabelValues("encode").Inc()
			s.logger.Error("wrapping relay reply", "error", err)
			return nil, netip.AddrPort{}, ""
		}
	}
	out, err := dhcpv6.Encode(reply)
	if err != nil {
		metrics.PacketErrors.WithLabelValues("encode").Inc()
		s.logger.Error("encoding reply", "error", err, "duid", clientDUID(req))
		return nil, netip.AddrPort{}, ""
	}
	return out, netip.AddrPortFrom(pkt.peer.Addr(), port), sent
}

// begin marks a message in flight; false means a retransmission of it is
// already being handled.
func (s *Server) begin(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Server) end(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

// iface returns the name and addresses of the interface with index idx.
func (s *Server) iface(idx int) ifaceInfo {
	if idx == 0 {
		return ifaceInfo{}
	}
	s.mu.Lock()
	info, ok := s.ifCache[idx]
	s.mu.Unlock()
	if ok {
		return info
	}

	ifi, err := net.InterfaceByIndex(idx)
	if err != nil {
		return ifaceInfo{}
	}
	info.name = ifi.Name
	if addrs, err := ifi.Addrs(); err == nil {
		for _, a := range addrs {
			if n, ok := a.(*net.IPNet); ok {
				if ip, ok := netip.AddrFromSlice(n.IP); ok {
					info.addrs = append(info.addrs, ip.Unmap())
				}
			}
		}
	}
	s.mu.Lock()
	s.ifCache[idx] = info
	s.mu.Unlock()
	return info
}

// Stop closes the socket and waits for in-flight messages.
func (s *Server) Stop() {
	close(s.done)
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
	s.logger.Info("DHCPv6 server stopped")
}

func clientDUID(req *Request) string {
	return hex.EncodeToString(req.ClientID())
}

func xid(msg *layers.DHCPv6) string {
	return hex.EncodeToString(msg.TransactionID)
}

func linkName(l *link.Link) string {
	if l == nil {
		return ""
	}
	return l.Name
}
