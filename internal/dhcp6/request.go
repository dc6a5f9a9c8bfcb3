// Package dhcp6 implements the DHCPv6 message processor and UDP server.
package dhcp6

import (
	"net/netip"

	"github.com/google/gopacket/layers"

	"github.com/athena-dhcpd/athena-dhcp6d/pkg/dhcpv6"
)

// Request is a decoded client message together with the relay envelopes it
// arrived in and where it was received.
type Request struct {
	Msg    *layers.DHCPv6   // client message
	Relays []*layers.DHCPv6 // Relay-Forward envelopes, outermost first

	Peer       netip.AddrPort // source of the datagram
	Iface      string         // receiving interface, "" when unknown
	IfaceAddrs []netip.Addr   // addresses of the receiving interface
}

// Type returns the client message type.
func (r *Request) Type() dhcpv6.MessageType {
	return r.Msg.MsgType
}

// IsRelayed reports whether the message came through a relay agent.
func (r *Request) IsRelayed() bool {
	return len(r.Relays) > 0
}

// Option returns an option by code, searching the client message first and
// then the relay envelopes from the innermost outwards.
func (r *Request) Option(code dhcpv6.OptionCode) ([]byte, bool) {
	if o, ok := dhcpv6.GetOption(r.Msg.Options, code); ok {
		return o.Data, true
	}
	for i := len(r.Relays) - 1; i >= 0; i-- {
		if o, ok := dhcpv6.GetOption(r.Relays[i].Options, code); ok {
			return o.Data, true
		}
	}
	return nil, false
}

// has reports whether the client message itself carries code.
func (r *Request) has(code dhcpv6.OptionCode) bool {
	_, ok := dhcpv6.GetOption(r.Msg.Options, code)
	return ok
}

// ClientID returns the Client Identifier, or nil.
func (r *Request) ClientID() []byte {
	o, ok := dhcpv6.GetOption(r.Msg.Options, dhcpv6.OptionClientID)
	if !ok {
		return nil
	}
	return o.Data
}

// ServerID returns the Server Identifier, or nil.
func (r *Request) ServerID() []byte {
	o, ok := dhcpv6.GetOption(r.Msg.Options, dhcpv6.OptionServerID)
	if !ok {
		return nil
	}
	return o.Data
}

// FQDN returns the name from the Client FQDN option, or "".
func (r *Request) FQDN() string {
	o, ok := dhcpv6.GetOption(r.Msg.Options, dhcpv6.OptionClientFQDN)
	if !ok {
		return ""
	}
	_, name, err := dhcpv6.ParseFQDN(o.Data)
	if err != nil {
		return ""
	}
	return name
}

// IAs decodes every IA_NA, IA_TA and IA_PD option in message order.
func (r *Request) IAs() ([]*dhcpv6.IA, error) {
	var out []*dhcpv6.IA
	for _, o := range r.Msg.Options {
		switch o.Code {
		case dhcpv6.OptionIANA, dhcpv6.OptionIATA, dhcpv6.OptionIAPD:
			ia, err := dhcpv6.ParseIA(o.Code, o.Data)
			if err != nil {
				return nil, err
			}
			out = append(out, ia)
		}
	}
	return out, nil
}

// ORO returns the codes in the Option Request option and whether it was present.
func (r *Request) ORO() ([]dhcpv6.OptionCode, bool) {
	o, ok := dhcpv6.GetOption(r.Msg.Options, dhcpv6.OptionORO)
	if !ok {
		return nil, false
	}
	codes, err := dhcpv6.ParseORO(o.Data)
	if err != nil {
		return nil, false
	}
	return codes, true
}

// RelayAddr returns the link-address of the innermost relay that set a
// global one.
func (r *Request) RelayAddr() (netip.Addr, bool) {
	for i := len(r.Relays) - 1; i >= 0; i-- {
		a := dhcpv6.AddrFromIP(r.Relays[i].LinkAddr)
		if a.IsValid() && !a.IsUnspecified() && !a.IsLinkLocalUnicast() {
			return a, true
		}
	}
	return netip.Addr{}, false
}
