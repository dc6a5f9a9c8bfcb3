package ddns

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/config"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/events"
)

// mockUpdater records DNS update calls for testing.
type mockUpdater struct {
	mu          sync.Mutex
	aaaaAdded   []string
	aaaaRemoved []string
	ptrAdded    []string
	ptrRemoved  []string
	dhcids      []string
	failNext    bool
	conflict    bool
	addCalls    int
}

func (m *mockUpdater) AddAAAA(zone, fqdn string, addr netip.Addr, dhcid string, ttl uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addCalls++
	if m.conflict {
		return fmt.Errorf("mock: %w", ErrNameConflict)
	}
	if m.failNext {
		m.failNext = false
		return fmt.Errorf("mock AddAAAA failure")
	}
	m.aaaaAdded = append(m.aaaaAdded, fqdn+" "+addr.String())
	m.dhcids = append(m.dhcids, dhcid)
	return nil
}

func (m *mockUpdater) RemoveAAAA(zone, fqdn string, addr netip.Addr, dhcid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aaaaRemoved = append(m.aaaaRemoved, fqdn+" "+addr.String())
	return nil
}

func (m *mockUpdater) AddPTR(zone, ptrName, fqdn string, ttl uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return fmt.Errorf("mock AddPTR failure")
	}
	m.ptrAdded = append(m.ptrAdded, ptrName)
	return nil
}

func (m *mockUpdater) RemovePTR(zone, ptrName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ptrRemoved = append(m.ptrRemoved, ptrName)
	return nil
}

func (m *mockUpdater) counts() (added, removed, ptrAdded, ptrRemoved int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.aaaaAdded), len(m.aaaaRemoved), len(m.ptrAdded), len(m.ptrRemoved)
}

func newTestManager(t *testing.T, cfg *config.DDNSConfig) (*Manager, *mockUpdater, *mockUpdater) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bus := events.NewBus(100, logger)

	if cfg == nil {
		cfg = &config.DDNSConfig{
			Enabled:         true,
			AllowClientFQDN: true,
			TTL:             300,
			Forward:         config.DDNSZoneConfig{Zone: "example.com."},
			Reverse:         config.DDNSZoneConfig{Zone: "8.b.d.0.1.0.0.2.ip6.arpa."},
		}
	}
	fwd, rev := &mockUpdater{}, &mockUpdater{}
	return NewManagerForTest(cfg, bus, logger, fwd, rev), fwd, rev
}

func addressBinding(fqdn string) *events.BindingData {
	return &events.BindingData{
		DUID:   "00030001525400123456",
		IAType: "na",
		IAID:   1,
		Prefix: netip.MustParsePrefix("2001:db8:1::100/128"),
		Link:   "lan",
		FQDN:   fqdn,
	}
}

func TestManagerCommitAddsRecords(t *testing.T) {
	m, fwd, rev := newTestManager(t, nil)

	m.handleEvent(events.Event{Type: events.EventBindingCommit, Binding: addressBinding("laptop")})
	m.wg.Wait()

	if len(fwd.aaaaAdded) != 1 || fwd.aaaaAdded[0] != "laptop.example.com. 2001:db8:1::100" {
		t.Errorf("AAAA added = %v", fwd.aaaaAdded)
	}
	if len(fwd.dhcids) != 1 || fwd.dhcids[0] == "" {
		t.Errorf("DHCID = %v, want one digest", fwd.dhcids)
	}
	want := ReverseName(netip.MustParseAddr("2001:db8:1::100"))
	if len(rev.ptrAdded) != 1 || rev.ptrAdded[0] != want {
		t.Errorf("PTR added = %v, want [%s]", rev.ptrAdded, want)
	}
}

func TestManagerRemovesOnReleaseExpireDecline(t *testing.T) {
	for _, typ := range []events.EventType{events.EventBindingRelease, events.EventBindingExpire, events.EventBindingDecline} {
		t.Run(string(typ), func(t *testing.T) {
			m, fwd, rev := newTestManager(t, nil)
			m.handleEvent(events.Event{Type: typ, Binding: addressBinding("laptop")})
			m.wg.Wait()

			_, removed, _, _ := fwd.counts()
			_, _, _, ptrRemoved := rev.counts()
			if removed != 1 || ptrRemoved != 1 {
				t.Errorf("removed AAAA=%d PTR=%d, want 1 and 1", removed, ptrRemoved)
			}
		})
	}
}

func TestManagerRenew(t *testing.T) {
	tests := []struct {
		name          string
		updateOnRenew bool
		want          int
	}{
		{"update on renew", true, 1},
		{"no update on renew", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, fwd, _ := newTestManager(t, nil)
			m.cfg.UpdateOnRenew = tt.updateOnRenew
			m.handleEvent(events.Event{Type: events.EventBindingRenew, Binding: addressBinding("laptop")})
			m.wg.Wait()
			if added, _, _, _ := fwd.counts(); added != tt.want {
				t.Errorf("AAAA added = %d, want %d", added, tt.want)
			}
		})
	}
}

func TestManagerSkips(t *testing.T) {
	pd := addressBinding("router")
	pd.IAType = "pd"
	pd.Prefix = netip.MustParsePrefix("2001:db8:100::/56")

	tests := []struct {
		name string
		evt  events.Event
	}{
		{"no binding", events.Event{Type: events.EventBindingCommit}},
		{"no FQDN", events.Event{Type: events.EventBindingCommit, Binding: addressBinding("")}},
		{"delegated prefix", events.Event{Type: events.EventBindingCommit, Binding: pd}},
		{"advertise", events.Event{Type: events.EventBindingAdvertise, Binding: addressBinding("laptop")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, fwd, rev := newTestManager(t, nil)
			m.handleEvent(tt.evt)
			m.wg.Wait()
			a, r, pa, pr := fwd.counts()
			_, _, pa2, pr2 := rev.counts()
			if a+r+pa+pr+pa2+pr2 != 0 {
				t.Errorf("unexpected DNS updates: %d/%d/%d/%d/%d/%d", a, r, pa, pr, pa2, pr2)
			}
		})
	}
}

func TestManagerNoReverseZone(t *testing.T) {
	cfg := &config.DDNSConfig{
		Enabled: true,
		TTL:     300,
		Forward: config.DDNSZoneConfig{Zone: "example.com."},
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	fwd := &mockUpdater{}
	m := NewManagerForTest(cfg, events.NewBus(10, logger), logger, fwd, nil)

	m.handleEvent(events.Event{Type: events.EventBindingCommit, Binding: addressBinding("laptop.other.org")})
	m.wg.Wait()

	// client-chosen domain is not allowed, so the label lands in the forward zone
	if len(fwd.aaaaAdded) != 1 || fwd.aaaaAdded[0] != "laptop.example.com. 2001:db8:1::100" {
		t.Errorf("AAAA added = %v", fwd.aaaaAdded)
	}
}

func TestManagerRetry(t *testing.T) {
	m, fwd, _ := newTestManager(t, nil)
	fwd.failNext = true

	m.handleEvent(events.Event{Type: events.EventBindingCommit, Binding: addressBinding("laptop")})
	m.wg.Wait()

	if added, _, _, _ := fwd.counts(); added != 1 {
		t.Errorf("AAAA added after retry = %d, want 1", added)
	}
}

func TestManagerEventBus(t *testing.T) {
	m, fwd, _ := newTestManager(t, nil)
	go m.bus.Start()
	defer m.bus.Stop()

	m.Start()
	m.bus.Publish(events.Event{Type: events.EventBindingCommit, Timestamp: time.Now(), Binding: addressBinding("laptop")})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if added, _, _, _ := fwd.counts(); added == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	m.Stop()

	if added, _, _, _ := fwd.counts(); added != 1 {
		t.Errorf("AAAA added via bus = %d, want 1", added)
	}
}

func TestNewManagerDisabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	if m := NewManager(&config.DDNSConfig{}, events.NewBus(10, logger), logger); m != nil {
		t.Error("NewManager returned a manager for disabled DDNS")
	}
}

func TestClientTSIGAlgorithm(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hmac-sha256.", "hmac-sha256."},
		{"HMAC-SHA512", "hmac-sha512."},
		{"hmac-sha1", "hmac-sha1."},
		{"", "hmac-sha256."},
		{"bogus", "hmac-sha256."},
	}
	for _, tt := range tests {
		c := NewRFC2136Client("127.0.0.1:53", "key", tt.in, "c2VjcmV0", 0, nil)
		if got := c.algo; got != tt.want {
			t.Errorf("tsigAlgorithm(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestManagerConflictLeavesPTR(t *testing.T) {
	m, fwd, rev := newTestManager(t, nil)
	fwd.conflict = true

	m.handleEvent(events.Event{Type: events.EventBindingCommit, Binding: addressBinding("laptop")})
	m.wg.Wait()

	if fwd.addCalls != 1 {
		t.Errorf("AddAAAA calls = %d, want 1 (conflicts are not retried)", fwd.addCalls)
	}
	if _, _, ptrAdded, _ := rev.counts(); ptrAdded != 0 {
		t.Errorf("PTR added = %d after name conflict, want 0", ptrAdded)
	}
}

func TestManagerRetriesTransientFailure(t *testing.T) {
	m, fwd, rev := newTestManager(t, nil)
	fwd.failNext = true

	m.handleEvent(events.Event{Type: events.EventBindingCommit, Binding: addressBinding("laptop")})
	m.wg.Wait()

	if fwd.addCalls != 2 {
		t.Errorf("AddAAAA calls = %d, want 2", fwd.addCalls)
	}
	if _, _, ptrAdded, _ := rev.counts(); ptrAdded != 1 {
		t.Errorf("PTR added = %d, want 1", ptrAdded)
	}
}

func TestDHCIDForInvalidDUID(t *testing.T) {
	b := addressBinding("laptop")
	b.DUID = "not-hex"
	if got := dhcidFor(b, "laptop.example.com."); got != "" {
		t.Errorf("dhcidFor = %q, want empty", got)
	}
	b.DUID = "00030001525400123456"
	if dhcidFor(b, "laptop.example.com.") == "" {
		t.Error("dhcidFor returned no digest for a valid DUID")
	}
}
