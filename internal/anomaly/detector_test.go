package anomaly

import (
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/config"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func bindingEvent(typ events.EventType, link, duid string) events.Event {
	return events.Event{
		Type:    typ,
		Binding: &events.BindingData{Link: link, DUID: duid, IAType: "na"},
	}
}

// feed records n commits on link from distinct DUIDs and closes the window.
func feed(d *Detector, link string, n int) {
	for i := 0; i < n; i++ {
		d.handleEvent(bindingEvent(events.EventBindingCommit, link, fmt.Sprintf("000300010000%04x", i)))
	}
	d.processWindow()
}

func activityFor(t *testing.T, d *Detector, link string) LinkActivity {
	t.Helper()
	for _, a := range d.Activity() {
		if a.Link == link {
			return a
		}
	}
	t.Fatalf("no activity for link %q", link)
	return LinkActivity{}
}

func TestActivityTracksLinks(t *testing.T) {
	d := NewDetector(nil, DefaultConfig(), testLogger())

	d.handleEvent(bindingEvent(events.EventBindingAdvertise, "lan", "0003000101"))
	d.handleEvent(bindingEvent(events.EventBindingCommit, "lan", "0003000101"))
	d.handleEvent(bindingEvent(events.EventBindingAdvertise, "guest", "0003000102"))

	activity := d.Activity()
	if len(activity) != 2 {
		t.Fatalf("expected 2 links, got %d", len(activity))
	}
	if activity[0].Link != "guest" || activity[1].Link != "lan" {
		t.Errorf("links not sorted: %s, %s", activity[0].Link, activity[1].Link)
	}
}

func TestWindowProcessing(t *testing.T) {
	d := NewDetector(nil, DefaultConfig(), testLogger())

	feed(d, "lan", 10)

	a := activityFor(t, d, "lan")
	if a.CurrentRate != 10 {
		t.Errorf("current rate = %v, want 10", a.CurrentRate)
	}
	if a.BaselineRate != 10 {
		t.Errorf("baseline after first window = %v, want 10", a.BaselineRate)
	}
	if a.KnownClients != 10 {
		t.Errorf("known clients = %d, want 10", a.KnownClients)
	}
	if a.NewClients != 0 {
		t.Errorf("new clients after window reset = %d, want 0", a.NewClients)
	}
}

func TestKnownVsNewClients(t *testing.T) {
	d := NewDetector(nil, DefaultConfig(), testLogger())

	for i := 0; i < 3; i++ {
		d.handleEvent(bindingEvent(events.EventBindingRenew, "lan", "0003000101"))
	}
	d.handleEvent(bindingEvent(events.EventBindingRenew, "lan", "0003000102"))

	a := activityFor(t, d, "lan")
	if a.KnownClients != 2 {
		t.Errorf("known clients = %d, want 2", a.KnownClients)
	}
	if a.NewClients != 2 {
		t.Errorf("new clients = %d, want 2", a.NewClients)
	}
}

func TestNonBindingEventsIgnored(t *testing.T) {
	d := NewDetector(nil, DefaultConfig(), testLogger())

	d.handleEvent(bindingEvent(events.EventBindingExpire, "lan", "0003000101"))
	d.handleEvent(events.Event{Type: events.EventBindingCommit})
	d.handleEvent(events.Event{Type: events.EventLinkAnomaly, Link: "lan", Reason: "rate spike"})
	d.handleEvent(bindingEvent(events.EventBindingCommit, "", "0003000101"))

	if got := len(d.Activity()); got != 0 {
		t.Errorf("expected no tracked links, got %d", got)
	}
}

func TestStatusNormal(t *testing.T) {
	d := NewDetector(nil, DefaultConfig(), testLogger())

	for i := 0; i < 10; i++ {
		feed(d, "lan", 5)
	}

	a := activityFor(t, d, "lan")
	if a.Status != "normal" {
		t.Errorf("steady traffic status = %q, want normal", a.Status)
	}
	if a.AnomalyScore != 0 {
		t.Errorf("steady traffic score = %v, want 0", a.AnomalyScore)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.WindowSize != time.Minute {
		t.Errorf("window = %v, want 1m", cfg.WindowSize)
	}
	if cfg.BaselineAlpha != 0.1 {
		t.Errorf("alpha = %v, want 0.1", cfg.BaselineAlpha)
	}
	if cfg.AlertThreshold != 3.0 {
		t.Errorf("threshold = %v, want 3.0", cfg.AlertThreshold)
	}
	if cfg.SilentThreshold != 10 {
		t.Errorf("silent threshold = %d, want 10", cfg.SilentThreshold)
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.AnomalyConfig{Window: "30s", AlertThreshold: 4})
	if cfg.WindowSize != 30*time.Second {
		t.Errorf("window = %v, want 30s", cfg.WindowSize)
	}
	if cfg.AlertThreshold != 4 {
		t.Errorf("threshold = %v, want 4", cfg.AlertThreshold)
	}
	if cfg.BaselineAlpha != config.DefaultAnomalyAlpha {
		t.Errorf("alpha = %v, want default", cfg.BaselineAlpha)
	}
}

func TestRateSpikePublishesAnomaly(t *testing.T) {
	bus := events.NewBus(100, testLogger())
	sub := bus.Subscribe(10)
	go bus.Start()
	defer bus.Stop()

	// Build a noisy baseline without publishing.
	d := NewDetector(nil, DefaultConfig(), testLogger())
	for i := 0; i < 30; i++ {
		feed(d, "lan", 4+2*(i%2))
	}

	d.bus = bus
	feed(d, "lan", 50)

	a := activityFor(t, d, "lan")
	if a.Status != "alert" || a.AnomalyReason != "rate spike" {
		t.Errorf("status = %q reason = %q, want alert/rate spike", a.Status, a.AnomalyReason)
	}

	select {
	case evt := <-sub:
		if evt.Type != events.EventLinkAnomaly {
			t.Fatalf("event type = %s, want %s", evt.Type, events.EventLinkAnomaly)
		}
		if evt.LinkName() != "lan" || evt.Reason != "rate spike" {
			t.Errorf("event link = %q reason = %q", evt.LinkName(), evt.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no link.anomaly event published")
	}
}

func TestSuddenDrop(t *testing.T) {
	d := NewDetector(nil, DefaultConfig(), testLogger())
	for i := 0; i < 20; i++ {
		feed(d, "lan", 8+4*(i%2))
	}

	d.processWindow()

	a := activityFor(t, d, "lan")
	if a.AnomalyReason != "sudden drop" || a.Status != "elevated" {
		t.Errorf("status = %q reason = %q, want elevated/sudden drop", a.Status, a.AnomalyReason)
	}
}

func TestSilentLinkDetection(t *testing.T) {
	bus := events.NewBus(100, testLogger())
	sub := bus.Subscribe(10)
	go bus.Start()
	defer bus.Stop()

	cfg := DefaultConfig()
	d := NewDetector(bus, cfg, testLogger())
	now := time.Date(2026, 2, 15, 14, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		feed(d, "lan", 5)
		now = now.Add(cfg.WindowSize)
	}

	now = now.Add(11 * cfg.WindowSize)
	d.processWindow()

	a := activityFor(t, d, "lan")
	if a.Status != "silent" {
		t.Errorf("status = %q, want silent", a.Status)
	}
	if a.SilentWindows < cfg.SilentThreshold {
		t.Errorf("silent windows = %d, want >= %d", a.SilentWindows, cfg.SilentThreshold)
	}

	select {
	case evt := <-sub:
		if evt.Type != events.EventLinkAnomaly || evt.Reason != "link silent" {
			t.Errorf("event = %s/%q, want link.anomaly/link silent", evt.Type, evt.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no link.anomaly event published for silent link")
	}
}

func TestStartStop(t *testing.T) {
	bus := events.NewBus(100, testLogger())
	go bus.Start()
	defer bus.Stop()

	cfg := DefaultConfig()
	cfg.WindowSize = 10 * time.Millisecond
	d := NewDetector(bus, cfg, testLogger())
	d.Start()

	bus.Publish(bindingEvent(events.EventBindingCommit, "lan", "0003000101"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(d.Activity()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	d.Stop()

	if len(d.Activity()) != 1 {
		t.Errorf("expected 1 tracked link after Start, got %d", len(d.Activity()))
	}
}
