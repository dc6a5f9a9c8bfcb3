// Package ddns registers AAAA and ip6.arpa PTR records for bound addresses
// whose clients sent the Client FQDN option.
package ddns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ErrNameConflict reports that the name is owned by another client: it
// exists with no DHCID or with a DHCID that does not match (RFC 4703 §5.3).
var ErrNameConflict = errors.New("name owned by another client")

// RcodeError is a DNS UPDATE refused by the server.
type RcodeError struct {
	Op    string
	Name  string
	Rcode int
}

func (e *RcodeError) Error() string {
	return fmt.Sprintf("DNS UPDATE %s for %s: server returned %s", e.Op, e.Name, dns.RcodeToString[e.Rcode])
}

// RFC2136Client sends DNS UPDATE messages over TCP, TSIG-signed when a key
// is configured.
type RFC2136Client struct {
	server  string
	keyName string
	algo    string
	secret  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRFC2136Client creates an update client for one primary server.
func NewRFC2136Client(server, tsigName, tsigAlgo, tsigKey string, timeout time.Duration, logger *slog.Logger) *RFC2136Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	c := &RFC2136Client{
		server:  server,
		algo:    tsigAlgorithm(tsigAlgo),
		timeout: timeout,
		logger:  logger,
	}
	if tsigName != "" && tsigKey != "" {
		c.keyName = dns.Fqdn(tsigName)
		c.secret = tsigKey
	}
	return c
}

func aaaaRR(name string, addr netip.Addr, ttl uint32) *dns.AAAA {
	return &dns.AAAA{
		Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl},
		AAAA: net.IP(addr.AsSlice()),
	}
}

func dhcidRR(name, digest string, ttl uint32) *dns.DHCID {
	return &dns.DHCID{
		Hdr:    dns.RR_Header{Name: name, Rrtype: dns.TypeDHCID, Class: dns.ClassINET, Ttl: ttl},
		Digest: digest,
	}
}

func update(zone string) *dns.Msg {
	m := new(dns.Msg)
	m.SetUpdate(dns.Fqdn(zone))
	return m
}

// AddAAAA points fqdn at addr. With a DHCID the update follows RFC 4703:
// the name is claimed when unused, or its AAAA set replaced when the
// existing DHCID matches; otherwise ErrNameConflict is returned. Without a
// DHCID the AAAA set is replaced unconditionally.
func (c *RFC2136Client) AddAAAA(zone, fqdn string, addr netip.Addr, dhcid string, ttl uint32) error {
	name := dns.Fqdn(fqdn)
	if dhcid == "" {
		m := update(zone)
		m.RemoveRRset([]dns.RR{&dns.AAAA{Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA}}})
		m.Insert([]dns.RR{aaaaRR(name, addr, ttl)})
		return c.send(m, "AddAAAA", fqdn, addr.String())
	}

	claim := update(zone)
	claim.NameNotUsed([]dns.RR{&dns.ANY{Hdr: dns.RR_Header{Name: name}}})
	claim.Insert([]dns.RR{aaaaRR(name, addr, ttl), dhcidRR(name, dhcid, ttl)})
	err := c.send(claim, "AddAAAA", fqdn, addr.String())
	if !isRcode(err, dns.RcodeYXDomain) {
		return err
	}

	replace := update(zone)
	replace.Used([]dns.RR{dhcidRR(name, dhcid, 0)})
	replace.RemoveRRset([]dns.RR{&dns.AAAA{Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA}}})
	replace.Insert([]dns.RR{aaaaRR(name, addr, ttl)})
	err = c.send(replace, "ReplaceAAAA", fqdn, addr.String())
	if isRcode(err, dns.RcodeNXRrset) {
		return fmt.Errorf("adding %s for %s: %w", addr, fqdn, ErrNameConflict)
	}
	return err
}

// RemoveAAAA deletes the AAAA record of fqdn for addr. With a DHCID the
// removal only applies when the name is still ours, and the DHCID record
// goes once no AAAA remains (RFC 4703 §5.5).
func (c *RFC2136Client) RemoveAAAA(zone, fqdn string, addr netip.Addr, dhcid string) error {
	name := dns.Fqdn(fqdn)

	m := update(zone)
	if dhcid != "" {
		m.Used([]dns.RR{dhcidRR(name, dhcid, 0)})
	}
	m.Remove([]dns.RR{aaaaRR(name, addr, 0)})
	if err := c.send(m, "RemoveAAAA", fqdn, addr.String()); err != nil {
		if isRcode(err, dns.RcodeNXRrset) {
			return fmt.Errorf("removing %s for %s: %w", addr, fqdn, ErrNameConflict)
		}
		return err
	}
	if dhcid == "" {
		return nil
	}

	cleanup := update(zone)
	cleanup.Used([]dns.RR{dhcidRR(name, dhcid, 0)})
	cleanup.RRsetNotUsed([]dns.RR{&dns.AAAA{Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA}}})
	cleanup.RemoveRRset([]dns.RR{&dns.DHCID{Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeDHCID}}})
	if err := c.send(cleanup, "RemoveDHCID", fqdn, ""); err != nil && !isRcode(err, dns.RcodeYXRrset) && !isRcode(err, dns.RcodeNXRrset) {
		return err
	}
	return nil
}

// AddPTR replaces the PTR set at ptrName with fqdn.
func (c *RFC2136Client) AddPTR(zone, ptrName, fqdn string, ttl uint32) error {
	name := dns.Fqdn(ptrName)
	m := update(zone)
	m.RemoveRRset([]dns.RR{&dns.PTR{Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypePTR}}})
	m.Insert([]dns.RR{&dns.PTR{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: ttl},
		Ptr: dns.Fqdn(fqdn),
	}})
	return c.send(m, "AddPTR", ptrName, fqdn)
}

// RemovePTR deletes the PTR set at ptrName.
func (c *RFC2136Client) RemovePTR(zone, ptrName string) error {
	m := update(zone)
	m.RemoveRRset([]dns.RR{&dns.PTR{Hdr: dns.RR_Header{Name: dns.Fqdn(ptrName), Rrtype: dns.TypePTR}}})
	return c.send(m, "RemovePTR", ptrName, "")
}

func isRcode(err error, rcode int) bool {
	var re *RcodeError
	return errors.As(err, &re) && re.Rcode == rcode
}

func (c *RFC2136Client) send(m *dns.Msg, op, name, value string) error {
	client := &dns.Client{Net: "tcp", Timeout: c.timeout}
	if c.keyName != "" {
		m.SetTsig(c.keyName, c.algo, 300, time.Now().Unix())
		client.TsigSecret = map[string]string{c.keyName: c.secret}
	}

	start := time.Now()
	resp, _, err := client.Exchange(m, c.server)
	elapsed := time.Since(start)
	log := c.logger.With("op", op, "name", name, "server", c.server, "duration", elapsed.String())

	switch {
	case err != nil:
		log.Error("DNS UPDATE failed", "error", err)
		return fmt.Errorf("DNS UPDATE %s for %s: %w", op, name, err)
	case resp.Rcode != dns.RcodeSuccess:
		// Prerequisite failures are part of conflict resolution.
		level := slog.LevelError
		if resp.Rcode == dns.RcodeYXDomain || resp.Rcode == dns.RcodeNXRrset || resp.Rcode == dns.RcodeYXRrset {
			level = slog.LevelDebug
		}
		log.Log(context.Background(), level, "DNS UPDATE rejected", "rcode", dns.RcodeToString[resp.Rcode])
		return &RcodeError{Op: op, Name: name, Rcode: resp.Rcode}
	}
	log.Debug("DNS UPDATE applied", "value", value)
	return nil
}

// tsigAlgorithm maps a configured algorithm name to its miekg/dns constant,
// defaulting to hmac-sha256.
func tsigAlgorithm(algo string) string {
	switch a := dns.Fqdn(strings.ToLower(algo)); a {
	case dns.HmacSHA512, dns.HmacSHA384, dns.HmacSHA1, dns.HmacMD5, dns.HmacSHA256:
		return a
	}
	return dns.HmacSHA256
}
