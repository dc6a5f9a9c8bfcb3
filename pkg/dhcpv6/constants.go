// Package dhcpv6 provides constants, message codec helpers and typed option values for DHCPv6.
package dhcpv6

import (
	"net/netip"

	"github.com/google/gopacket/layers"
)

// UDP ports (RFC 3315 §5.2)
const (
	ClientPort = 546
	ServerPort = 547
)

// Multicast addresses (RFC 3315 §5.1)
var (
	AllRelayAgentsAndServers = netip.MustParseAddr("ff02::1:2")
	AllServers               = netip.MustParseAddr("ff05::1:3")
)

// MessageType is the DHCPv6 msg-type field. Values are shared with gopacket.
type MessageType = layers.DHCPv6MsgType

// Message types (RFC 3315 §5.3)
const (
	MessageTypeSolicit            MessageType = 1
	MessageTypeAdvertise          MessageType = 2
	MessageTypeRequest            MessageType = 3
	MessageTypeConfirm            MessageType = 4
	MessageTypeRenew              MessageType = 5
	MessageTypeRebind             MessageType = 6
	MessageTypeReply              MessageType = 7
	MessageTypeRelease            MessageType = 8
	MessageTypeDecline            MessageType = 9
	MessageTypeReconfigure        MessageType = 10
	MessageTypeInformationRequest MessageType = 11
	MessageTypeRelayForward       MessageType = 12
	MessageTypeRelayReply         MessageType = 13
)

// MessageName returns the RFC name of a message type.
func MessageName(t MessageType) string {
	switch t {
	case MessageTypeSolicit:
		return "SOLICIT"
	case MessageTypeAdvertise:
		return "ADVERTISE"
	case MessageTypeRequest:
		return "REQUEST"
	case MessageTypeConfirm:
		return "CONFIRM"
	case MessageTypeRenew:
		return "RENEW"
	case MessageTypeRebind:
		return "REBIND"
	case MessageTypeReply:
		return "REPLY"
	case MessageTypeRelease:
		return "RELEASE"
	case MessageTypeDecline:
		return "DECLINE"
	case MessageTypeReconfigure:
		return "RECONFIGURE"
	case MessageTypeInformationRequest:
		return "INFORMATION-REQUEST"
	case MessageTypeRelayForward:
		return "RELAY-FORW"
	case MessageTypeRelayReply:
		return "RELAY-REPL"
	default:
		return "UNKNOWN"
	}
}

// IsRelay reports whether t is a relay envelope type.
func IsRelay(t MessageType) bool {
	return t == MessageTypeRelayForward || t == MessageTypeRelayReply
}

// OptionCode is a DHCPv6 option code. Values are shared with gopacket.
type OptionCode = layers.DHCPv6Opt

// Option codes (RFC 3315 §22, RFC 3646, RFC 3633, RFC 3319, RFC 3898, RFC 4075, RFC 4242, RFC 4649, RFC 4704)
const (
	OptionClientID          OptionCode = 1
	OptionServerID          OptionCode = 2
	OptionIANA              OptionCode = 3
	OptionIATA              OptionCode = 4
	OptionIAAddr            OptionCode = 5
	OptionORO               OptionCode = 6
	OptionPreference        OptionCode = 7
	OptionElapsedTime       OptionCode = 8
	OptionRelayMessage      OptionCode = 9
	OptionAuth              OptionCode = 11
	OptionUnicast           OptionCode = 12
	OptionStatusCode        OptionCode = 13
	OptionRapidCommit       OptionCode = 14
	OptionUserClass         OptionCode = 15
	OptionVendorClass       OptionCode = 16
	OptionVendorOpts        OptionCode = 17
	OptionInterfaceID       OptionCode = 18
	OptionReconfMsg         OptionCode = 19
	OptionReconfAccept      OptionCode = 20
	OptionSIPServerDomains  OptionCode = 21
	OptionSIPServerAddrs    OptionCode = 22
	OptionDNSServers        OptionCode = 23
	OptionDomainList        OptionCode = 24
	OptionIAPD              OptionCode = 25
	OptionIAPrefix          OptionCode = 26
	OptionNISServers        OptionCode = 27
	OptionNISPServers       OptionCode = 28
	OptionNISDomainName     OptionCode = 29
	OptionNISPDomainName    OptionCode = 30
	OptionSNTPServers       OptionCode = 31
	OptionInfoRefreshTime   OptionCode = 32
	OptionRemoteID          OptionCode = 37
	OptionSubscriberID      OptionCode = 38
	OptionClientFQDN        OptionCode = 39
)

// StatusCode values (RFC 3315 §24.4, RFC 3633 §16)
type StatusCode uint16

const (
	StatusSuccess       StatusCode = 0
	StatusUnspecFail    StatusCode = 1
	StatusNoAddrsAvail  StatusCode = 2
	StatusNoBinding     StatusCode = 3
	StatusNotOnLink     StatusCode = 4
	StatusUseMulticast  StatusCode = 5
	StatusNoPrefixAvail StatusCode = 6
)

func (s StatusCode) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusUnspecFail:
		return "UnspecFail"
	case StatusNoAddrsAvail:
		return "NoAddrsAvail"
	case StatusNoBinding:
		return "NoBinding"
	case StatusNotOnLink:
		return "NotOnLink"
	case StatusUseMulticast:
		return "UseMulticast"
	case StatusNoPrefixAvail:
		return "NoPrefixAvail"
	default:
		return "Unknown"
	}
}

// DUID types (RFC 3315 §9, RFC 6355)
type DUIDType uint16

const (
	DUIDTypeLLT  DUIDType = 1
	DUIDTypeEN   DUIDType = 2
	DUIDTypeLL   DUIDType = 3
	DUIDTypeUUID DUIDType = 4
)

// HardwareTypeEthernet is the IANA ARP hardware type used in DUID-LL(T).
const HardwareTypeEthernet uint16 = 1

// IAType identifies the kind of identity association.
type IAType string

const (
	IATypeNA IAType = "na" // non-temporary addresses
	IATypeTA IAType = "ta" // temporary addresses
	IATypePD IAType = "pd" // delegated prefixes
)

// Valid reports whether t is a known IA type.
func (t IAType) Valid() bool {
	return t == IATypeNA || t == IATypeTA || t == IATypePD
}

// OptionCode returns the IA container option for this type.
func (t IAType) OptionCode() OptionCode {
	switch t {
	case IATypeTA:
		return OptionIATA
	case IATypePD:
		return OptionIAPD
	default:
		return OptionIANA
	}
}

// ExhaustedStatus is the status sent in an IA when no unit could be assigned.
func (t IAType) ExhaustedStatus() StatusCode {
	if t == IATypePD {
		return StatusNoPrefixAvail
	}
	return StatusNoAddrsAvail
}

// BindingState represents the state of a binding object.
type BindingState string

const (
	BindingAdvertised BindingState = "advertised"
	BindingCommitted  BindingState = "committed"
	BindingReleased   BindingState = "released"
	BindingDeclined   BindingState = "declined"
	BindingExpired    BindingState = "expired"
)

// Live reports whether the object still holds its lifetimes.
func (s BindingState) Live() bool {
	return s == BindingAdvertised || s == BindingCommitted
}

// Holds reports whether an object in this state keeps its address out of the pool.
func (s BindingState) Holds() bool {
	return s.Live() || s == BindingDeclined
}

// HopCountLimit caps relay nesting. Deeper chains are treated as malformed.
const HopCountLimit = 8

// RelayHeaderLen is msg-type + hop-count + link-address + peer-address.
const RelayHeaderLen = 34

// Infinity is the lifetime value meaning "never expires".
const Infinity uint32 = 0xffffffff
