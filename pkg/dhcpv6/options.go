package dhcpv6

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/uuid"
)

// Status is a decoded Status Code option.
type Status struct {
	Code    StatusCode
	Message string
}

// StatusOption encodes a Status Code option.
func StatusOption(code StatusCode, message string) layers.DHCPv6Option {
	data := Uint16ToBytes(uint16(code))
	data = append(data, message...)
	return NewOption(OptionStatusCode, data)
}

// ParseStatus decodes Status Code option data.
func ParseStatus(data []byte) (Status, error) {
	if len(data) < 2 {
		return Status{}, fmt.Errorf("status code: %w", ErrTruncated)
	}
	return Status{
		Code:    StatusCode(binary.BigEndian.Uint16(data)),
		Message: string(data[2:]),
	}, nil
}

// IAAddress is an IA Address (IA_NA/IA_TA) or IA Prefix (IA_PD) entry.
// Addresses are carried as /128 prefixes.
type IAAddress struct {
	Prefix    netip.Prefix
	Preferred uint32
	Valid     uint32
	Status    *Status
}

// IA is a decoded IA_NA, IA_TA or IA_PD option.
type IA struct {
	Type   IAType
	IAID   uint32
	T1     uint32
	T2     uint32
	Addrs  []IAAddress
	Status *Status
}

// ParseIA decodes an IA container option of the given code.
func ParseIA(code OptionCode, data []byte) (*IA, error) {
	ia := &IA{}
	var rest []byte
	switch code {
	case OptionIANA, OptionIAPD:
		if len(data) < 12 {
			return nil, fmt.Errorf("IA option %d of %d bytes: %w", code, len(data), ErrTruncated)
		}
		ia.IAID = binary.BigEndian.Uint32(data[0:4])
		ia.T1 = binary.BigEndian.Uint32(data[4:8])
		ia.T2 = binary.BigEndian.Uint32(data[8:12])
		rest = data[12:]
		ia.Type = IATypeNA
		if code == OptionIAPD {
			ia.Type = IATypePD
		}
	case OptionIATA:
		if len(data) < 4 {
			return nil, fmt.Errorf("IA_TA option of %d bytes: %w", len(data), ErrTruncated)
		}
		ia.IAID = binary.BigEndian.Uint32(data[0:4])
		rest = data[4:]
		ia.Type = IATypeTA
	default:
		return nil, fmt.Errorf("option %d is not an IA option", code)
	}

	subs, err := ParseOptions(rest)
	if err != nil {
		return nil, fmt.Errorf("IA %d sub-options: %w", ia.IAID, err)
	}
	for _, o := range subs {
		switch o.Code {
		case OptionIAAddr:
			if ia.Type == IATypePD {
				continue
			}
			a, err := parseIAAddr(o.Data)
			if err != nil {
				return nil, err
			}
			ia.Addrs = append(ia.Addrs, a)
		case OptionIAPrefix:
			if ia.Type != IATypePD {
				continue
			}
			a, err := parseIAPrefix(o.Data)
			if err != nil {
				return nil, err
			}
			ia.Addrs = append(ia.Addrs, a)
		case OptionStatusCode:
			s, err := ParseStatus(o.Data)
			if err != nil {
				return nil, err
			}
			ia.Status = &s
		}
	}
	return ia, nil
}

func parseIAAddr(data []byte) (IAAddress, error) {
	if len(data) < 24 {
		return IAAddress{}, fmt.Errorf("IA address of %d bytes: %w", len(data), ErrTruncated)
	}
	addr := netip.AddrFrom16([16]byte(data[0:16]))
	a := IAAddress{
		Prefix:    netip.PrefixFrom(addr, 128),
		Preferred: binary.BigEndian.Uint32(data[16:20]),
		Valid:     binary.BigEndian.Uint32(data[20:24]),
	}
	return a, parseAddrStatus(&a, data[24:])
}

func parseIAPrefix(data []byte) (IAAddress, error) {
	if len(data) < 25 {
		return IAAddress{}, fmt.Errorf("IA prefix of %d bytes: %w", len(data), ErrTruncated)
	}
	bits := int(data[8])
	if bits > 128 {
		return IAAddress{}, fmt.Errorf("IA prefix length %d out of range", bits)
	}
	addr := netip.AddrFrom16([16]byte(data[9:25]))
	a := IAAddress{
		Prefix:    netip.PrefixFrom(addr, bits).Masked(),
		Preferred: binary.BigEndian.Uint32(data[0:4]),
		Valid:     binary.BigEndian.Uint32(data[4:8]),
	}
	return a, parseAddrStatus(&a, data[25:])
}

func parseAddrStatus(a *IAAddress, data []byte) error {
	subs, err := ParseOptions(data)
	if err != nil {
		return fmt.Errorf("IA address %s sub-options: %w", a.Prefix, err)
	}
	if o, ok := GetOption(subs, OptionStatusCode); ok {
		s, err := ParseStatus(o.Data)
		if err != nil {
			return err
		}
		a.Status = &s
	}
	return nil
}

// Option encodes the IA as its container option.
func (ia *IA) Option() layers.DHCPv6Option {
	data := Uint32ToBytes(ia.IAID)
	if ia.Type != IATypeTA {
		data = binary.BigEndian.AppendUint32(data, ia.T1)
		data = binary.BigEndian.AppendUint32(data, ia.T2)
	}
	for _, a := range ia.Addrs {
		data = AppendOptions(data, a.option(ia.Type))
	}
	if ia.Status != nil {
		data = AppendOptions(data, StatusOption(ia.Status.Code, ia.Status.Message))
	}
	return NewOption(ia.Type.OptionCode(), data)
}

func (a IAAddress) option(t IAType) layers.DHCPv6Option {
	addr := a.Prefix.Addr().As16()
	var data []byte
	code := OptionIAAddr
	if t == IATypePD {
		code = OptionIAPrefix
		data = Uint32ToBytes(a.Preferred)
		data = binary.BigEndian.AppendUint32(data, a.Valid)
		data = append(data, byte(a.Prefix.Bits()))
		data = append(data, addr[:]...)
	} else {
		data = append(data, addr[:]...)
		data = binary.BigEndian.AppendUint32(data, a.Preferred)
		data = binary.BigEndian.AppendUint32(data, a.Valid)
	}
	if a.Status != nil {
		data = AppendOptions(data, StatusOption(a.Status.Code, a.Status.Message))
	}
	return NewOption(code, data)
}

// ParseORO decodes an Option Request option.
func ParseORO(data []byte) ([]OptionCode, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("ORO length %d is odd", len(data))
	}
	codes := make([]OptionCode, 0, len(data)/2)
	for i := 0; i < len(data); i += 2 {
		codes = append(codes, OptionCode(binary.BigEndian.Uint16(data[i:])))
	}
	return codes, nil
}

// duidEpoch is the DUID-LLT time base (RFC 3315 §9.2).
var duidEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// NewDUIDLLT builds a link-layer address plus time DUID.
func NewDUIDLLT(hw net.HardwareAddr, t time.Time) []byte {
	d := Uint16ToBytes(uint16(DUIDTypeLLT))
	d = binary.BigEndian.AppendUint16(d, HardwareTypeEthernet)
	d = binary.BigEndian.AppendUint32(d, uint32(t.Sub(duidEpoch)/time.Second))
	return append(d, hw...)
}

// NewDUIDLL builds a link-layer address DUID.
func NewDUIDLL(hw net.HardwareAddr) []byte {
	d := Uint16ToBytes(uint16(DUIDTypeLL))
	d = binary.BigEndian.AppendUint16(d, HardwareTypeEthernet)
	return append(d, hw...)
}

// NewDUIDUUID builds a UUID-based DUID (RFC 6355).
func NewDUIDUUID(u uuid.UUID) []byte {
	d := Uint16ToBytes(uint16(DUIDTypeUUID))
	return append(d, u[:]...)
}

// FQDN flag bits (RFC 4704 §4.1)
const (
	FQDNFlagS byte = 0x01 // server performs AAAA update
	FQDNFlagO byte = 0x02 // server overrode client preference
	FQDNFlagN byte = 0x04 // server performs no updates
)

// ParseFQDN decodes a Client FQDN option. Partial names (no terminating root label) are accepted.
func ParseFQDN(data []byte) (flags byte, name string, err error) {
	if len(data) < 1 {
		return 0, "", fmt.Errorf("client FQDN: %w", ErrTruncated)
	}
	flags = data[0]
	wire := data[1:]
	if len(wire) == 0 {
		return flags, "", nil
	}
	if wire[len(wire)-1] != 0 {
		wire = append(append([]byte(nil), wire...), 0)
	}
	names, err := UnpackDomainList(wire)
	if err != nil {
		return 0, "", fmt.Errorf("client FQDN name: %w", err)
	}
	if len(names) > 0 {
		name = names[0]
	}
	return flags, name, nil
}

// FQDNOption encodes a Client FQDN option with a fully qualified name.
func FQDNOption(flags byte, name string) (layers.DHCPv6Option, error) {
	wire, err := PackDomainList([]string{name})
	if err != nil {
		return layers.DHCPv6Option{}, err
	}
	return NewOption(OptionClientFQDN, append([]byte{flags}, wire...)), nil
}
