package dhcpv6

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrTruncated is returned when a buffer is too short for the structure being decoded.
var ErrTruncated = errors.New("dhcpv6: truncated data")

// Decode parses a DHCPv6 client or relay message. The input buffer is copied, so the
// caller may reuse it once Decode returns.
func Decode(data []byte) (*layers.DHCPv6, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("message of %d bytes: %w", len(data), ErrTruncated)
	}
	// gopacket slices the relay header without checking its length.
	if IsRelay(MessageType(data[0])) && len(data) < RelayHeaderLen {
		return nil, fmt.Errorf("relay message of %d bytes: %w", len(data), ErrTruncated)
	}

	msg := &layers.DHCPv6{}
	if err := msg.DecodeFromBytes(bytes.Clone(data), gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("decoding dhcpv6 message: %w", err)
	}
	return msg, nil
}

// Encode serializes a message, fixing option lengths.
func Encode(msg *layers.DHCPv6) ([]byte, error) {
	for i := range msg.Options {
		msg.Options[i].Length = uint16(len(msg.Options[i].Data))
	}
	buf := gopacket.NewSerializeBuffer()
	if err := msg.SerializeTo(buf, gopacket.SerializeOptions{FixLengths: true}); err != nil {
		return nil, fmt.Errorf("serializing %s: %w", MessageName(msg.MsgType), err)
	}
	return buf.Bytes(), nil
}

// NewOption builds an option with its length set.
func NewOption(code OptionCode, data []byte) layers.DHCPv6Option {
	return layers.NewDHCPv6Option(code, data)
}

// GetOption returns the first option with the given code.
func GetOption(opts layers.DHCPv6Options, code OptionCode) (layers.DHCPv6Option, bool) {
	for _, o := range opts {
		if o.Code == code {
			return o, true
		}
	}
	return layers.DHCPv6Option{}, false
}

// GetOptions returns every option with the given code, in message order.
func GetOptions(opts layers.DHCPv6Options, code OptionCode) []layers.DHCPv6Option {
	var out []layers.DHCPv6Option
	for _, o := range opts {
		if o.Code == code {
			out = append(out, o)
		}
	}
	return out
}

// ParseOptions decodes a run of TLV options, as found inside IA and IA address options.
func ParseOptions(data []byte) (layers.DHCPv6Options, error) {
	var opts layers.DHCPv6Options
	for off := 0; off < len(data); {
		if len(data)-off < 4 {
			return nil, fmt.Errorf("option header at offset %d: %w", off, ErrTruncated)
		}
		code := OptionCode(binary.BigEndian.Uint16(data[off:]))
		length := int(binary.BigEndian.Uint16(data[off+2:]))
		off += 4
		if len(data)-off < length {
			return nil, fmt.Errorf("option %d with length %d: %w", code, length, ErrTruncated)
		}
		opts = append(opts, NewOption(code, data[off:off+length]))
		off += length
	}
	return opts, nil
}

// AppendOptions encodes options as TLVs onto b.
func AppendOptions(b []byte, opts ...layers.DHCPv6Option) []byte {
	for _, o := range opts {
		b = binary.BigEndian.AppendUint16(b, uint16(o.Code))
		b = binary.BigEndian.AppendUint16(b, uint16(len(o.Data)))
		b = append(b, o.Data...)
	}
	return b
}

// AddrFromSlice converts a 16-byte slice to netip.Addr.
func AddrFromSlice(b []byte) (netip.Addr, bool) {
	if len(b) != 16 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom16([16]byte(b)), true
}

// AddrFromIP converts a net.IP taken from a relay header.
func AddrFromIP(ip net.IP) netip.Addr {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return a.Unmap()
}

// Uint16ToBytes converts a uint16 to 2 bytes (big-endian).
func Uint16ToBytes(v uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, v)
}

// Uint32ToBytes converts a uint32 to 4 bytes (big-endian).
func Uint32ToBytes(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

// AddrListToBytes converts addresses to bytes (N*16).
func AddrListToBytes(addrs []netip.Addr) []byte {
	buf := make([]byte, 0, len(addrs)*16)
	for _, a := range addrs {
		b := a.As16()
		buf = append(buf, b[:]...)
	}
	return buf
}

// BytesToAddrList converts bytes to addresses (N*16).
func BytesToAddrList(b []byte) ([]netip.Addr, error) {
	if len(b)%16 != 0 {
		return nil, fmt.Errorf("invalid address list length %d: must be multiple of 16", len(b))
	}
	addrs := make([]netip.Addr, 0, len(b)/16)
	for i := 0; i < len(b); i += 16 {
		addrs = append(addrs, netip.AddrFrom16([16]byte(b[i:i+16])))
	}
	return addrs, nil
}
