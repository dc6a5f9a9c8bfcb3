package ddns

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
)

// ensureDot ensures a DNS name ends with a trailing dot.
func ensureDot(name string) string {
	if name == "" {
		return ""
	}
	if !strings.HasSuffix(name, ".") {
		return name + "."
	}
	return name
}

// ReverseName converts an IPv6 address to its nibble ip6.arpa PTR name,
// e.g. 2001:db8::1 → 1.0.0.0...8.b.d.0.1.0.0.2.ip6.arpa.
func ReverseName(addr netip.Addr) string {
	if !addr.IsValid() {
		return ""
	}
	name, err := dns.ReverseAddr(addr.Unmap().String())
	if err != nil {
		return ""
	}
	return name
}

// BuildFQDN constructs the name to register for a client-supplied FQDN.
// A multi-label name is used as-is when the client may choose it; otherwise
// its first label is placed under domain.
func BuildFQDN(clientFQDN, domain string, allowClientFQDN bool) string {
	name := strings.TrimSuffix(strings.TrimSpace(clientFQDN), ".")
	if name == "" {
		return ""
	}
	if allowClientFQDN && strings.Contains(name, ".") {
		return ensureDot(SanitizeHostname(name))
	}

	host, _, _ := strings.Cut(name, ".")
	host = SanitizeHostname(host)
	if host == "" {
		return ""
	}
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" {
		return ensureDot(host)
	}
	return ensureDot(host + "." + domain)
}

// SanitizeHostname cleans a hostname for DNS use.
// Removes invalid characters and enforces length limits.
func SanitizeHostname(hostname string) string {
	if hostname == "" {
		return ""
	}

	var result []byte
	for _, c := range []byte(hostname) {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '.' {
			result = append(result, c)
		}
	}

	s := string(result)
	s = strings.Trim(s, ".-")

	if len(s) > 253 {
		s = s[:253]
	}

	return strings.ToLower(s)
}

// DHCIDDigest returns the base64 RDATA of a DHCID record binding a DUID to a
// name (RFC 4701 §3.3, identifier type 2, digest type 1).
func DHCIDDigest(duid []byte, fqdn string) (string, error) {
	wire := make([]byte, 256)
	n, err := dns.PackDomainName(dns.Fqdn(strings.ToLower(fqdn)), wire, 0, nil, false)
	if err != nil {
		return "", fmt.Errorf("packing %s: %w", fqdn, err)
	}
	h := sha256.New()
	h.Write(duid)
	h.Write(wire[:n])

	rdata := append([]byte{0x00, 0x02, 0x01}, h.Sum(nil)...)
	return base64.StdEncoding.EncodeToString(rdata), nil
}

// DNSUpdater is the interface for DNS update backends.
type DNSUpdater interface {
	AddAAAA(zone, fqdn string, addr netip.Addr, dhcid string, ttl uint32) error
	RemoveAAAA(zone, fqdn string, addr netip.Addr, dhcid string) error
	AddPTR(zone, ptrName, fqdn string, ttl uint32) error
	RemovePTR(zone, ptrName string) error
}
