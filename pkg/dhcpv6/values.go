package dhcpv6

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"github.com/google/gopacket/layers"
	"github.com/miekg/dns"
)

// Kind is the value shape carried by an option.
type Kind int

const (
	KindOpaque Kind = iota
	KindString
	KindUint8
	KindUint16
	KindUint32
	KindAddresses
	KindDomainList
	KindOpaqueList  // user class: repeated 16-bit length + data
	KindVendorClass // enterprise number followed by an opaque list
)

var kindNames = map[Kind]string{
	KindOpaque:      "opaque",
	KindString:      "string",
	KindUint8:       "uint8",
	KindUint16:      "uint16",
	KindUint32:      "uint32",
	KindAddresses:   "addresses",
	KindDomainList:  "domains",
	KindOpaqueList:  "opaque_list",
	KindVendorClass: "vendor_class",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Ordinal reports whether values of this kind compare numerically.
func (k Kind) Ordinal() bool {
	return k == KindUint8 || k == KindUint16 || k == KindUint32
}

// ParseKind maps a configured type name to a Kind.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, n := range kindNames {
		if n == s {
			return k, nil
		}
	}
	switch s {
	case "hex", "bytes":
		return KindOpaque, nil
	case "address", "ipv6":
		return KindAddresses, nil
	case "domain", "domain_list":
		return KindDomainList, nil
	case "user_class":
		return KindOpaqueList, nil
	}
	return 0, fmt.Errorf("unknown option value type %q", s)
}

// kinds is the codec dispatch table keyed by option code. Codes not listed are opaque.
var kinds = map[OptionCode]Kind{
	OptionPreference:       KindUint8,
	OptionElapsedTime:      KindUint16,
	OptionUnicast:          KindAddresses,
	OptionUserClass:        KindOpaqueList,
	OptionVendorClass:      KindVendorClass,
	OptionReconfMsg:        KindUint8,
	OptionSIPServerDomains: KindDomainList,
	OptionSIPServerAddrs:   KindAddresses,
	OptionDNSServers:       KindAddresses,
	OptionDomainList:       KindDomainList,
	OptionNISServers:       KindAddresses,
	OptionNISPServers:      KindAddresses,
	OptionNISDomainName:    KindDomainList,
	OptionNISPDomainName:   KindDomainList,
	OptionSNTPServers:      KindAddresses,
	OptionInfoRefreshTime:  KindUint32,
}

// KindOf returns the value kind for an option code.
func KindOf(code OptionCode) Kind {
	if k, ok := kinds[code]; ok {
		return k
	}
	return KindOpaque
}

// Value is a decoded option value. Which fields are set depends on Kind.
type Value struct {
	Kind       Kind
	Bytes      []byte       // KindOpaque
	Text       string       // KindString
	Number     uint64       // KindUint8, KindUint16, KindUint32
	Addrs      []netip.Addr // KindAddresses
	Names      []string     // KindDomainList
	Items      [][]byte     // KindOpaqueList, KindVendorClass
	Enterprise uint32       // KindVendorClass
}

// DecodeValue decodes wire data as the given kind.
func DecodeValue(kind Kind, data []byte) (Value, error) {
	v := Value{Kind: kind}
	switch kind {
	case KindOpaque:
		v.Bytes = data
	case KindString:
		v.Text = string(data)
	case KindUint8:
		if len(data) != 1 {
			return v, fmt.Errorf("uint8 value of %d bytes", len(data))
		}
		v.Number = uint64(data[0])
	case KindUint16:
		if len(data) != 2 {
			return v, fmt.Errorf("uint16 value of %d bytes", len(data))
		}
		v.Number = uint64(binary.BigEndian.Uint16(data))
	case KindUint32:
		if len(data) != 4 {
			return v, fmt.Errorf("uint32 value of %d bytes", len(data))
		}
		v.Number = uint64(binary.BigEndian.Uint32(data))
	case KindAddresses:
		addrs, err := BytesToAddrList(data)
		if err != nil {
			return v, err
		}
		v.Addrs = addrs
	case KindDomainList:
		names, err := UnpackDomainList(data)
		if err != nil {
			return v, err
		}
		v.Names = names
	case KindOpaqueList:
		items, err := unpackOpaqueList(data)
		if err != nil {
			return v, err
		}
		v.Items = items
	case KindVendorClass:
		if len(data) < 4 {
			return v, fmt.Errorf("vendor class: %w", ErrTruncated)
		}
		v.Enterprise = binary.BigEndian.Uint32(data)
		items, err := unpackOpaqueList(data[4:])
		if err != nil {
			return v, err
		}
		v.Items = items
	default:
		return v, fmt.Errorf("unknown value kind %d", kind)
	}
	return v, nil
}

// Encode serializes the value to option data.
func (v Value) Encode() ([]byte, error) {
	switch v.Kind {
	case KindOpaque:
		return v.Bytes, nil
	case KindString:
		return []byte(v.Text), nil
	case KindUint8:
		if v.Number > 0xff {
			return nil, fmt.Errorf("value %d overflows uint8", v.Number)
		}
		return []byte{byte(v.Number)}, nil
	case KindUint16:
		if v.Number > 0xffff {
			return nil, fmt.Errorf("value %d overflows uint16", v.Number)
		}
		return Uint16ToBytes(uint16(v.Number)), nil
	case KindUint32:
		if v.Number > 0xffffffff {
			return nil, fmt.Errorf("value %d overflows uint32", v.Number)
		}
		return Uint32ToBytes(uint32(v.Number)), nil
	case KindAddresses:
		for _, a := range v.Addrs {
			if !a.Is6() || a.Is4In6() {
				return nil, fmt.Errorf("%s is not an IPv6 address", a)
			}
		}
		return AddrListToBytes(v.Addrs), nil
	case KindDomainList:
		return PackDomainList(v.Names)
	case KindOpaqueList:
		return packOpaqueList(nil, v.Items), nil
	case KindVendorClass:
		return packOpaqueList(Uint32ToBytes(v.Enterprise), v.Items), nil
	}
	return nil, fmt.Errorf("unknown value kind %d", v.Kind)
}

// Strings returns the textual elements of the value used for string comparisons.
// Scalars yield one element; list kinds yield one per entry.
func (v Value) Strings() []string {
	switch v.Kind {
	case KindString:
		return []string{v.Text}
	case KindUint8, KindUint16, KindUint32:
		return []string{strconv.FormatUint(v.Number, 10)}
	case KindAddresses:
		out := make([]string, len(v.Addrs))
		for i, a := range v.Addrs {
			out[i] = a.String()
		}
		return out
	case KindDomainList:
		return v.Names
	case KindOpaqueList, KindVendorClass:
		out := make([]string, len(v.Items))
		for i, it := range v.Items {
			out[i] = string(it)
		}
		return out
	default:
		return []string{string(v.Bytes)}
	}
}

// HexStrings is Strings with opaque elements rendered as lowercase hex.
func (v Value) HexStrings() []string {
	switch v.Kind {
	case KindOpaqueList, KindVendorClass:
		out := make([]string, len(v.Items))
		for i, it := range v.Items {
			out[i] = hex.EncodeToString(it)
		}
		return out
	case KindOpaque, KindString:
		raw, _ := v.Encode()
		return []string{hex.EncodeToString(raw)}
	default:
		return v.Strings()
	}
}

// ValueFromConfig converts a decoded TOML value into a Value of the given kind.
// Lists accept either a single element or an array.
func ValueFromConfig(kind Kind, raw any) (Value, error) {
	v := Value{Kind: kind}
	switch kind {
	case KindOpaque:
		s, err := configString(raw)
		if err != nil {
			return v, err
		}
		b, err := ParseHexOrText(s)
		if err != nil {
			return v, err
		}
		v.Bytes = b
	case KindString:
		s, err := configString(raw)
		if err != nil {
			return v, err
		}
		v.Text = s
	case KindUint8, KindUint16, KindUint32:
		n, err := configUint(raw)
		if err != nil {
			return v, err
		}
		v.Number = n
		if _, err := v.Encode(); err != nil {
			return v, err
		}
	case KindAddresses:
		items, err := configStrings(raw)
		if err != nil {
			return v, err
		}
		for _, s := range items {
			a, err := netip.ParseAddr(s)
			if err != nil {
				return v, fmt.Errorf("parsing address %q: %w", s, err)
			}
			v.Addrs = append(v.Addrs, a)
		}
		if _, err := v.Encode(); err != nil {
			return v, err
		}
	case KindDomainList:
		items, err := configStrings(raw)
		if err != nil {
			return v, err
		}
		v.Names = items
		if _, err := v.Encode(); err != nil {
			return v, err
		}
	case KindOpaqueList:
		items, err := configStrings(raw)
		if err != nil {
			return v, err
		}
		for _, s := range items {
			b, err := ParseHexOrText(s)
			if err != nil {
				return v, err
			}
			v.Items = append(v.Items, b)
		}
	case KindVendorClass:
		m, ok := raw.(map[string]any)
		if !ok {
			return v, fmt.Errorf("vendor class value must be a table with enterprise and data")
		}
		n, err := configUint(m["enterprise"])
		if err != nil {
			return v, fmt.Errorf("vendor class enterprise: %w", err)
		}
		if n > 0xffffffff {
			return v, fmt.Errorf("vendor class enterprise %d overflows uint32", n)
		}
		v.Enterprise = uint32(n)
		items, err := configStrings(m["data"])
		if err != nil {
			return v, fmt.Errorf("vendor class data: %w", err)
		}
		for _, s := range items {
			b, err := ParseHexOrText(s)
			if err != nil {
				return v, err
			}
			v.Items = append(v.Items, b)
		}
	default:
		return v, fmt.Errorf("unknown value kind %d", kind)
	}
	return v, nil
}

// ParseHexOrText decodes a "0x"-prefixed hex string, or returns the text bytes.
func ParseHexOrText(s string) ([]byte, error) {
	if h, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		b, err := hex.DecodeString(strings.ReplaceAll(h, ":", ""))
		if err != nil {
			return nil, fmt.Errorf("parsing hex value %q: %w", s, err)
		}
		return b, nil
	}
	return []byte(s), nil
}

func configString(raw any) (string, error) {
	switch x := raw.(type) {
	case string:
		return x, nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case nil:
		return "", fmt.Errorf("missing value")
	}
	return "", fmt.Errorf("expected string, got %T", raw)
}

func configUint(raw any) (uint64, error) {
	switch x := raw.(type) {
	case int64:
		if x < 0 {
			return 0, fmt.Errorf("negative value %d", x)
		}
		return uint64(x), nil
	case int:
		if x < 0 {
			return 0, fmt.Errorf("negative value %d", x)
		}
		return uint64(x), nil
	case string:
		n, err := strconv.ParseUint(x, 0, 32)
		if err != nil {
			return 0, fmt.Errorf("parsing number %q: %w", x, err)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("missing value")
	}
	return 0, fmt.Errorf("expected integer, got %T", raw)
}

func configStrings(raw any) ([]string, error) {
	switch x := raw.(type) {
	case string:
		return []string{x}, nil
	case []string:
		return x, nil
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			s, err := configString(e)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("missing value")
	}
	return nil, fmt.Errorf("expected string or list, got %T", raw)
}

// PackDomainList encodes names in uncompressed DNS wire format (RFC 1035 §3.1).
func PackDomainList(names []string) ([]byte, error) {
	var out []byte
	buf := make([]byte, 256)
	for _, n := range names {
		fqdn := dns.Fqdn(n)
		if _, ok := dns.IsDomainName(fqdn); !ok {
			return nil, fmt.Errorf("invalid domain name %q", n)
		}
		off, err := dns.PackDomainName(fqdn, buf, 0, nil, false)
		if err != nil {
			return nil, fmt.Errorf("packing domain name %q: %w", n, err)
		}
		out = append(out, buf[:off]...)
	}
	return out, nil
}

// UnpackDomainList decodes consecutive wire-format names. The trailing root dot is stripped.
func UnpackDomainList(data []byte) ([]string, error) {
	var names []string
	for off := 0; off < len(data); {
		name, next, err := dns.UnpackDomainName(data, off)
		if err != nil {
			return nil, fmt.Errorf("unpacking domain name at offset %d: %w", off, err)
		}
		if next <= off {
			return nil, fmt.Errorf("domain name at offset %d: %w", off, ErrTruncated)
		}
		names = append(names, strings.TrimSuffix(name, "."))
		off = next
	}
	return names, nil
}

func packOpaqueList(b []byte, items [][]byte) []byte {
	for _, it := range items {
		b = binary.BigEndian.AppendUint16(b, uint16(len(it)))
		b = append(b, it...)
	}
	return b
}

func unpackOpaqueList(data []byte) ([][]byte, error) {
	var items [][]byte
	for off := 0; off < len(data); {
		if len(data)-off < 2 {
			return nil, fmt.Errorf("opaque list item at offset %d: %w", off, ErrTruncated)
		}
		n := int(binary.BigEndian.Uint16(data[off:]))
		off += 2
		if len(data)-off < n {
			return nil, fmt.Errorf("opaque list item of %d bytes: %w", n, ErrTruncated)
		}
		items = append(items, data[off:off+n])
		off += n
	}
	return items, nil
}

// OptionSet is a set of encoded options keyed by code.
type OptionSet map[OptionCode][]byte

// Merge returns a new set with the entries of layers applied in order; later layers win per code.
func Merge(sets ...OptionSet) OptionSet {
	out := OptionSet{}
	for _, l := range sets {
		for code, data := range l {
			out[code] = data
		}
	}
	return out
}

// Codes returns the option codes in ascending order.
func (s OptionSet) Codes() []OptionCode {
	codes := make([]OptionCode, 0, len(s))
	for c := range s {
		codes = append(codes, c)
	}
	slices.Sort(codes)
	return codes
}

// Options returns the set as wire options in ascending code order.
func (s OptionSet) Options() []layers.DHCPv6Option {
	out := make([]layers.DHCPv6Option, 0, len(s))
	for _, c := range s.Codes() {
		out = append(out, NewOption(c, s[c]))
	}
	return out
}
