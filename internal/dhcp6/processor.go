package dhcp6

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/lease"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/link"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/logging"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/metrics"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/policy"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/pool"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/radius"
	"github.com/athena-dhcpd/athena-dhcp6d/pkg/dhcpv6"
)

// Processor turns client messages into replies (RFC 8415 §18.3).
type Processor struct {
	links    *link.Table
	leases   *lease.Manager
	serverID []byte
	radius   *radius.Client
	ddns     bool
	logger   *slog.Logger
	now      func() time.Time
}

// NewProcessor creates a processor answering with serverID.
func NewProcessor(links *link.Table, leases *lease.Manager, serverID []byte, logger *slog.Logger) *Processor {
	return &Processor{
		links:    links,
		leases:   leases,
		serverID: serverID,
		logger:   logger,
		now:      time.Now,
	}
}

// SetRadius enables per-link RADIUS authorization of Solicit and Request.
func (p *Processor) SetRadius(c *radius.Client) {
	p.radius = c
}

// SetDDNS sets whether the server performs DNS updates for clients sending
// the Client FQDN option.
func (p *Processor) SetDDNS(enabled bool) {
	p.ddns = enabled
}

// ServerID returns the server DUID.
func (p *Processor) ServerID() []byte {
	return p.serverID
}

// Process handles one client message. A nil reply means the message is
// dropped. An error is returned only when the binding store failed.
func (p *Processor) Process(ctx context.Context, req *Request) (*layers.DHCPv6, error) {
	name := dhcpv6.MessageName(req.Type())
	if reason := p.validate(req); reason != "" {
		metrics.PacketErrors.WithLabelValues("invalid").Inc()
		p.logger.Debug("dropping message",
			"msg_type", name,
			"reason", reason,
			"peer", req.Peer.String())
		return nil, nil
	}
	ias, err := req.IAs()
	if err != nil {
		metrics.PacketErrors.WithLabelValues("malformed").Inc()
		p.logger.Debug("dropping message with malformed IA", "msg_type", name, "error", err)
		return nil, nil
	}

	l := p.resolveLink(req)

	p.logger.Log(ctx, logging.LevelTrace, "received DHCPv6 message",
		"msg_type", name,
		"duid", clientDUID(req),
		"xid", xid(req.Msg),
		"peer", req.Peer.String(),
		"relayed", req.IsRelayed(),
		"link", linkName(l))

	if req.Type() == dhcpv6.MessageTypeInformationRequest {
		return p.informationRequest(req, l), nil
	}
	if l == nil {
		p.logger.Warn("no link for message",
			"msg_type", name,
			"duid", clientDUID(req),
			"peer", req.Peer.String(),
			"interface", req.Iface)
		return nil, nil
	}

	switch req.Type() {
	case dhcpv6.MessageTypeSolicit, dhcpv6.MessageTypeRequest:
		if !p.authorize(ctx, req, l) {
			return nil, nil
		}
	}

	switch req.Type() {
	case dhcpv6.MessageTypeSolicit:
		return p.solicit(req, l, ias)
	case dhcpv6.MessageTypeRequest:
		return p.request(req, l, ias)
	case dhcpv6.MessageTypeRenew:
		return p.renew(req, l, ias)
	case dhcpv6.MessageTypeRebind:
		return p.rebind(req, l, ias)
	case dhcpv6.MessageTypeRelease:
		return p.releaseOrDecline(req, l, ias, false)
	case dhcpv6.MessageTypeDecline:
		return p.releaseOrDecline(req, l, ias, true)
	case dhcpv6.MessageTypeConfirm:
		return p.confirm(req, l, ias), nil
	}
	return nil, nil
}

// validate returns why req must be dropped, or "".
func (p *Processor) validate(req *Request) string {
	hasServerID := req.has(dhcpv6.OptionServerID)
	switch req.Type() {
	case dhcpv6.MessageTypeSolicit, dhcpv6.MessageTypeRebind, dhcpv6.MessageTypeConfirm:
		if len(req.ClientID()) == 0 {
			return "missing client-id"
		}
		if hasServerID {
			return "unexpected server-id"
		}
	case dhcpv6.MessageTypeRequest, dhcpv6.MessageTypeRenew,
		dhcpv6.MessageTypeRelease, dhcpv6.MessageTypeDecline:
		if len(req.ClientID()) == 0 {
			return "missing client-id"
		}
		if !hasServerID {
			return "missing server-id"
		}
		if !bytes.Equal(req.ServerID(), p.serverID) {
			return "server-id mismatch"
		}
	case dhcpv6.MessageTypeInformationRequest:
		if req.has(dhcpv6.OptionIANA) || req.has(dhcpv6.OptionIATA) || req.has(dhcpv6.OptionIAPD) {
			return "IA in information-request"
		}
		if hasServerID && !bytes.Equal(req.ServerID(), p.serverID) {
			return "server-id mismatch"
		}
	default:
		return "unsupported message type"
	}
	return ""
}

// resolveLink picks the link from the innermost relay with a global
// link-address, else from the receiving interface.
func (p *Processor) resolveLink(req *Request) *link.Link {
	if a, ok := req.RelayAddr(); ok {
		return p.links.FindLink(a)
	}
	if req.Iface != "" {
		if l := p.links.FindByInterface(req.Iface); l != nil {
			return l
		}
	}
	for _, a := range req.IfaceAddrs {
		if a.IsLinkLocalUnicast() || a.IsLoopback() {
			continue
		}
		if l := p.links.FindLink(a); l != nil {
			return l
		}
	}
	return nil
}

func (p *Processor) authorize(ctx context.Context, req *Request, l *link.Link) bool {
	if p.radius == nil {
		return true
	}
	r := radius.Request{DUID: req.ClientID()}
	if v, ok := req.Option(dhcpv6.OptionInterfaceID); ok {
		r.InterfaceID = string(v)
	}
	if v, ok := req.Option(dhcpv6.OptionRemoteID); ok {
		r.RemoteID = string(v)
	}
	res := p.radius.Authorize(ctx, l.Name, r)
	if !res.Accepted {
		p.logger.Info("client not authorized",
			"duid", clientDUID(req),
			"link", l.Name,
			"code", res.Code)
	}
	return res.Accepted
}

func (p *Processor) solicit(req *Request, l *link.Link, ias []*dhcpv6.IA) (*layers.DHCPv6, error) {
	rapid := req.has(dhcpv6.OptionRapidCommit) &&
		p.links.Resolve(l, req).Chain().Bool(policy.SupportRapidCommit)

	msgType, state := dhcpv6.MessageTypeAdvertise, dhcpv6.BindingAdvertised
	if rapid {
		msgType, state = dhcpv6.MessageTypeReply, dhcpv6.BindingCommitted
	}

	reply := p.newReply(req, msgType)
	if rapid {
		reply.Options = append(reply.Options, dhcpv6.NewOption(dhcpv6.OptionRapidCommit, nil))
	}
	var first *pool.Pool
	for _, ia := range ias {
		out, pl, err := p.bind(req, l, ia, state, !rapid)
		if err != nil {
			return nil, err
		}
		reply.Options = append(reply.Options, out.Option())
		if first == nil {
			first = pl
		}
	}
	p.finish(reply, req, l, first)
	return reply, nil
}

func (p *Processor) request(req *Request, l *link.Link, ias []*dhcpv6.IA) (*layers.DHCPv6, error) {
	reply := p.newReply(req, dhcpv6.MessageTypeReply)
	var first *pool.Pool
	for _, ia := range ias {
		out, pl, err := p.bind(req, l, ia, dhcpv6.BindingCommitted, false)
		if err != nil {
			return nil, err
		}
		reply.Options = append(reply.Options, out.Option())
		if first == nil {
			first = pl
		}
	}
	p.finish(reply, req, l, first)
	return reply, nil
}

// bind finds or creates the binding for one IA and moves it to state. With
// report set, a binding that already has live objects is returned unchanged.
func (p *Processor) bind(req *Request, l *link.Link, ia *dhcpv6.IA, state dhcpv6.BindingState, report bool) (*dhcpv6.IA, *pool.Pool, error) {
	k := lease.NewKey(req.ClientID(), ia.Type, ia.IAID)
	requested := requestedPrefixes(ia)

	unlock := p.leases.Lock(k)
	defer unlock()

	b, err := p.leases.FindCurrent(k)
	if err != nil {
		return nil, nil, err
	}
	if b != nil && (b.Link != l || (!b.Static && p.leases.IsStatic(l, k))) {
		if err := p.releaseAll(req, b); err != nil {
			return nil, nil, err
		}
		b = nil
	}

	switch {
	case b == nil:
		b, err = p.leases.CreateSolicit(req, l, k, requested, state == dhcpv6.BindingCommitted)
		if err != nil {
			return nil, nil, err
		}
	case report && len(b.IA.Live()) > 0:
	default:
		err = p.leases.Update(req, b, state, requested)
		if errors.Is(err, lease.ErrExhausted) {
			b = nil
		} else if err != nil {
			return nil, nil, err
		}
	}

	if b == nil {
		return statusIA(ia, ia.Type.ExhaustedStatus(), "no free "+unitNoun(ia.Type)), nil, nil
	}
	out, pl := p.replyIA(req, l, ia, b)
	return out, pl, nil
}

func (p *Processor) releaseAll(req *Request, b *lease.Binding) error {
	for _, o := range b.IA.Live() {
		if err := p.leases.Release(req, b, o.Prefix); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) renew(req *Request, l *link.Link, ias []*dhcpv6.IA) (*layers.DHCPv6, error) {
	reply := p.newReply(req, dhcpv6.MessageTypeReply)
	var first *pool.Pool
	for _, ia := range ias {
		out, pl, err := p.extend(req, l, ia, false)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = statusIA(ia, dhcpv6.StatusNoBinding, "no binding for IA")
		}
		reply.Options = append(reply.Options, out.Option())
		if first == nil {
			first = pl
		}
	}
	p.finish(reply, req, l, first)
	return reply, nil
}

func (p *Processor) rebind(req *Request, l *link.Link, ias []*dhcpv6.IA) (*layers.DHCPv6, error) {
	reply := p.newReply(req, dhcpv6.MessageTypeReply)
	var first *pool.Pool
	answered := 0
	for _, ia := range ias {
		out, pl, err := p.extend(req, l, ia, true)
		if err != nil {
			return nil, err
		}
		if out == nil {
			continue
		}
		answered++
		reply.Options = append(reply.Options, out.Option())
		if first == nil {
			first = pl
		}
	}
	if answered == 0 {
		return nil, nil
	}
	p.finish(reply, req, l, first)
	return reply, nil
}

// extend refreshes an existing binding for Renew and Rebind. The result is
// nil when the IA has no binding on l and, for Rebind, none could be
// verified.
func (p *Processor) extend(req *Request, l *link.Link, ia *dhcpv6.IA, rebind bool) (*dhcpv6.IA, *pool.Pool, error) {
	k := lease.NewKey(req.ClientID(), ia.Type, ia.IAID)
	requested := requestedPrefixes(ia)

	unlock := p.leases.Lock(k)
	defer unlock()

	b, err := p.leases.FindCurrent(k)
	if err != nil {
		return nil, nil, err
	}
	var moved *lease.Binding
	if b != nil && b.Link != l {
		moved, b = b, nil
	}

	if b == nil {
		if !rebind || len(requested) == 0 || !onLink(l, ia) ||
			!p.links.Resolve(l, req).Chain().Bool(policy.VerifyUnknownRebind) {
			return nil, nil, nil
		}
		if moved != nil {
			if err := p.releaseAll(req, moved); err != nil {
				return nil, nil, err
			}
		}
		b, err = p.leases.CreateSolicit(req, l, k, requested, true)
		if err != nil {
			return nil, nil, err
		}
		if b == nil {
			return statusIA(ia, ia.Type.ExhaustedStatus(), "no free "+unitNoun(ia.Type)), nil, nil
		}
		out, pl := p.replyIA(req, l, ia, b)
		return out, pl, nil
	}

	err = p.leases.Update(req, b, dhcpv6.BindingCommitted, requested)
	if errors.Is(err, lease.ErrExhausted) {
		return statusIA(ia, ia.Type.ExhaustedStatus(), "no free "+unitNoun(ia.Type)), nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	out, pl := p.replyIA(req, l, ia, b)
	return out, pl, nil
}

func (p *Processor) releaseOrDecline(req *Request, l *link.Link, ias []*dhcpv6.IA, decline bool) (*layers.DHCPv6, error) {
	reply := p.newReply(req, dhcpv6.MessageTypeReply)
	for _, ia := range ias {
		k := lease.NewKey(req.ClientID(), ia.Type, ia.IAID)
		unlock := p.leases.Lock(k)
		b, err := p.leases.FindCurrent(k)
		if err != nil {
			unlock()
			return nil, err
		}
		if b == nil || b.Link != l {
			unlock()
			reply.Options = append(reply.Options,
				statusIA(ia, dhcpv6.StatusNoBinding, "no binding for IA").Option())
			continue
		}
		for _, a := range ia.Addrs {
			if decline {
				err = p.leases.Decline(req, b, a.Prefix)
			} else {
				err = p.leases.Release(req, b, a.Prefix)
			}
			if err != nil {
				unlock()
				return nil, err
			}
		}
		unlock()
	}

	msg := "release received"
	if decline {
		msg = "decline received"
	}
	reply.Options = append(reply.Options, dhcpv6.StatusOption(dhcpv6.StatusSuccess, msg))
	return reply, nil
}

func (p *Processor) confirm(req *Request, l *link.Link, ias []*dhcpv6.IA) *layers.DHCPv6 {
	var addrs []netip.Addr
	for _, ia := range ias {
		if ia.Type == dhcpv6.IATypePD {
			continue
		}
		for _, a := range ia.Addrs {
			addrs = append(addrs, a.Prefix.Addr())
		}
	}
	if len(addrs) == 0 {
		return nil
	}

	code, msg := dhcpv6.StatusSuccess, "all addresses on link"
	for _, a := range addrs {
		if !l.OnLink(a) {
			code, msg = dhcpv6.StatusNotOnLink, a.String()+" is not on link"
			break
		}
	}
	reply := p.newReply(req, dhcpv6.MessageTypeReply)
	reply.Options = append(reply.Options, dhcpv6.StatusOption(code, msg))
	return reply
}

func (p *Processor) informationRequest(req *Request, l *link.Link) *layers.DHCPv6 {
	reply := p.newReply(req, dhcpv6.MessageTypeReply)
	p.addOptions(reply, req, l, nil)
	return reply
}

func (p *Processor) newReply(req *Request, t dhcpv6.MessageType) *layers.DHCPv6 {
	reply := &layers.DHCPv6{
		MsgType:       t,
		TransactionID: bytes.Clone(req.Msg.TransactionID),
	}
	reply.Options = append(reply.Options, dhcpv6.NewOption(dhcpv6.OptionServerID, p.serverID))
	if cid := req.ClientID(); len(cid) > 0 {
		reply.Options = append(reply.Options, dhcpv6.NewOption(dhcpv6.OptionClientID, cid))
	}
	return reply
}

// finish appends configured options and the FQDN answer.
func (p *Processor) finish(reply *layers.DHCPv6, req *Request, l *link.Link, first *pool.Pool) {
	p.addOptions(reply, req, l, first)
	p.addFQDN(reply, req)
}

// addOptions appends the options effective for the request, limited to the
// ORO when send_requested_options_only is set.
func (p *Processor) addOptions(reply *layers.DHCPv6, req *Request, l *link.Link, first *pool.Pool) {
	s := p.links.Resolve(l, req).WithPool(first)
	opts := s.Options()
	if s.Chain().Bool(policy.SendRequestedOptionsOnly) {
		if oro, ok := req.ORO(); ok {
			requested := dhcpv6.OptionSet{}
			for _, c := range oro {
				if v, ok := opts[c]; ok {
					requested[c] = v
				}
			}
			opts = requested
		}
	}
	reply.Options = append(reply.Options, opts.Options()...)
}

// addFQDN answers a Client FQDN option (RFC 4704 §5).
func (p *Processor) addFQDN(reply *layers.DHCPv6, req *Request) {
	o, ok := dhcpv6.GetOption(req.Msg.Options, dhcpv6.OptionClientFQDN)
	if !ok {
		return
	}
	flags, name, err := dhcpv6.ParseFQDN(o.Data)
	if err != nil || name == "" {
		return
	}
	out := dhcpv6.FQDNFlagN
	if p.ddns {
		out = dhcpv6.FQDNFlagS
		if flags&dhcpv6.FQDNFlagS == 0 {
			out |= dhcpv6.FQDNFlagO
		}
	}
	opt, err := dhcpv6.FQDNOption(out, name)
	if err != nil {
		return
	}
	reply.Options = append(reply.Options, opt)
}

// replyIA renders the live objects of b with their remaining lifetimes and
// T1/T2 from policy. The pool of the first object is returned.
func (p *Processor) replyIA(req *Request, l *link.Link, ia *dhcpv6.IA, b *lease.Binding) (*dhcpv6.IA, *pool.Pool) {
	now := p.now()
	out := &dhcpv6.IA{Type: ia.Type, IAID: ia.IAID}
	var first *pool.Pool
	minPreferred := uint32(0)
	for i, o := range b.IA.Live() {
		pref, valid := o.Lifetimes(now)
		out.Addrs = append(out.Addrs, dhcpv6.IAAddress{Prefix: o.Prefix, Preferred: pref, Valid: valid})
		if i == 0 {
			first = l.PoolFor(o.Prefix)
			minPreferred = pref
		} else if pref < minPreferred {
			minPreferred = pref
		}
	}

	t1Key, t2Key := renewalKeys(ia.Type)
	chain := p.links.Resolve(l, req).WithPool(first).Chain()
	out.T1 = scale(minPreferred, chain.Float(t1Key))
	out.T2 = scale(minPreferred, chain.Float(t2Key))
	if out.T2 < out.T1 {
		out.T2 = out.T1
	}
	return out, first
}

func renewalKeys(t dhcpv6.IAType) (string, string) {
	switch t {
	case dhcpv6.IATypeTA:
		return policy.IATAT1, policy.IATAT2
	case dhcpv6.IATypePD:
		return policy.IAPDT1, policy.IAPDT2
	default:
		return policy.IANAT1, policy.IANAT2
	}
}

func scale(v uint32, ratio float64) uint32 {
	if ratio <= 0 {
		return 0
	}
	f := float64(v) * ratio
	if f >= float64(dhcpv6.Infinity) {
		return dhcpv6.Infinity - 1
	}
	return uint32(f)
}

func statusIA(ia *dhcpv6.IA, code dhcpv6.StatusCode, msg string) *dhcpv6.IA {
	return &dhcpv6.IA{
		Type:   ia.Type,
		IAID:   ia.IAID,
		Status: &dhcpv6.Status{Code: code, Message: msg},
	}
}

func unitNoun(t dhcpv6.IAType) string {
	if t == dhcpv6.IATypePD {
		return "prefixes"
	}
	return "addresses"
}

func requestedPrefixes(ia *dhcpv6.IA) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(ia.Addrs))
	for _, a := range ia.Addrs {
		out = append(out, a.Prefix)
	}
	return out
}

// onLink reports whether every address or prefix in ia belongs to l.
func onLink(l *link.Link, ia *dhcpv6.IA) bool {
	for _, a := range ia.Addrs {
		if ia.Type == dhcpv6.IATypePD {
			if pool.Find(l.Pools[dhcpv6.IATypePD], a.Prefix) == nil {
				return false
			}
			continue
		}
		if !l.OnLink(a.Prefix.Addr()) {
			return false
		}
	}
	return true
}
