package dhcp6

import (
	"errors"
	"fmt"

	"github.com/google/gopacket/layers"

	"github.com/athena-dhcpd/athena-dhcp6d/pkg/dhcpv6"
)

var (
	// ErrRelayDepth is returned when Relay-Forward envelopes nest deeper than the hop count limit.
	ErrRelayDepth = errors.New("dhcp6: relay nesting too deep")
	// ErrNoRelayMessage is returned when an envelope carries no Relay Message option.
	ErrNoRelayMessage = errors.New("dhcp6: relay envelope without relay message")
)

// Unwrap peels Relay-Forward envelopes off msg and returns the client message
// and the envelopes, outermost first.
func Unwrap(msg *layers.DHCPv6) (*layers.DHCPv6, []*layers.DHCPv6, error) {
	var relays []*layers.DHCPv6
	cur := msg
	for cur.MsgType == dhcpv6.MessageTypeRelayForward {
		if len(relays) == dhcpv6.HopCountLimit {
			return nil, nil, ErrRelayDepth
		}
		relays = append(relays, cur)

		o, ok := dhcpv6.GetOption(cur.Options, dhcpv6.OptionRelayMessage)
		if !ok {
			return nil, nil, ErrNoRelayMessage
		}
		inner, err := dhcpv6.Decode(o.Data)
		if err != nil {
			return nil, nil, fmt.Errorf("relay level %d: %w", len(relays), err)
		}
		cur = inner
	}
	if cur.MsgType == dhcpv6.MessageTypeRelayReply {
		return nil, nil, fmt.Errorf("relay-reply inside relay-forward")
	}
	return cur, relays, nil
}

// Rewrap wraps reply in Relay-Reply envelopes mirroring relays, echoing each
// hop count, link-address, peer-address and Interface-ID. The outermost
// envelope is returned.
func Rewrap(reply *layers.DHCPv6, relays []*layers.DHCPv6) (*layers.DHCPv6, error) {
	cur := reply
	for i := len(relays) - 1; i >= 0; i-- {
		fwd := relays[i]
		data, err := dhcpv6.Encode(cur)
		if err != nil {
			return nil, fmt.Errorf("encoding relay level %d: %w", i+1, err)
		}
		env := &layers.DHCPv6{
			MsgType:  dhcpv6.MessageTypeRelayReply,
			HopCount: fwd.HopCount,
			LinkAddr: fwd.LinkAddr,
			PeerAddr: fwd.PeerAddr,
		}
		if o, ok := dhcpv6.GetOption(fwd.Options, dhcpv6.OptionInterfaceID); ok {
			env.Options = append(env.Options, dhcpv6.NewOption(dhcpv6.OptionInterfaceID, o.Data))
		}
		env.Options = append(env.Options, dhcpv6.NewOption(dhcpv6.OptionRelayMessage, data))
		cur = env
	}
	return cur, nil
}
