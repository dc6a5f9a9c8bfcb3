// Package anomaly tracks binding activity baselines per link and detects
// anomalies: bursts of clients never seen before, sudden drops to zero and
// links that fall silent. Alerts are published as link.anomaly events.
package anomaly

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/config"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/events"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/metrics"
)

// LinkActivity holds the current activity state for a link.
type LinkActivity struct {
	Link          string  `json:"link"`
	CurrentRate   float64 `json:"current_rate"`  // events in the last window
	BaselineRate  float64 `json:"baseline_rate"` // EWMA of rate
	StdDev        float64 `json:"std_dev"`       // EWMA of standard deviation
	KnownClients  int     `json:"known_clients"`
	NewClients    int     `json:"new_clients_recent"`
	LastActivity  string  `json:"last_activity"`
	SilentWindows int     `json:"silent_windows"`
	AnomalyScore  float64 `json:"anomaly_score"` // 0 = normal, >2 = notable, >threshold = alert
	AnomalyReason string  `json:"anomaly_reason,omitempty"`
	Status        string  `json:"status"` // "normal", "elevated", "alert", "silent"
}

// Config holds anomaly detection settings.
type Config struct {
	WindowSize      time.Duration // aggregation window (default 1m)
	BaselineAlpha   float64       // EWMA smoothing for baseline (default 0.1)
	AlertThreshold  float64       // z-score threshold for alerts (default 3.0)
	SilentThreshold int           // windows of silence before alerting (default 10)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:      config.DefaultAnomalyWindow,
		BaselineAlpha:   config.DefaultAnomalyAlpha,
		AlertThreshold:  config.DefaultAnomalyThreshold,
		SilentThreshold: config.DefaultAnomalySilent,
	}
}

// ConfigFrom converts the [anomaly] section, keeping defaults for unset values.
func ConfigFrom(c config.AnomalyConfig) Config {
	cfg := DefaultConfig()
	cfg.WindowSize = config.DurationOr(c.Window, cfg.WindowSize)
	if c.BaselineAlpha > 0 {
		cfg.BaselineAlpha = c.BaselineAlpha
	}
	if c.AlertThreshold > 0 {
		cfg.AlertThreshold = c.AlertThreshold
	}
	if c.SilentThreshold > 0 {
		cfg.SilentThreshold = c.SilentThreshold
	}
	return cfg
}

// Detector monitors binding activity and detects anomalies.
type Detector struct {
	bus    *events.Bus
	logger *slog.Logger
	cfg    Config
	ch     chan events.Event
	done   chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time

	mu    sync.RWMutex
	links map[string]*linkState
}

type linkState struct {
	windowCount int
	newCount    int

	known map[string]bool // DUIDs seen on the link

	baselineRate float64
	baselineVar  float64

	lastActivity time.Time
	lastRate     float64

	score  float64
	reason string
	status string
}

// NewDetector creates a new anomaly detector.
func NewDetector(bus *events.Bus, cfg Config, logger *slog.Logger) *Detector {
	return &Detector{
		bus:    bus,
		logger: logger,
		cfg:    cfg,
		done:   make(chan struct{}),
		now:    time.Now,
		links:  make(map[string]*linkState),
	}
}

// Start subscribes to the event bus and begins monitoring in the background.
func (d *Detector) Start() {
	d.ch = d.bus.Subscribe(2000)
	d.logger.Info("anomaly detector started", "window", d.cfg.WindowSize.String())

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.WindowSize)
		defer ticker.Stop()

		for {
			select {
			case evt, ok := <-d.ch:
				if !ok {
					return
				}
				d.handleEvent(evt)
			case <-ticker.C:
				d.processWindow()
			case <-d.done:
				return
			}
		}
	}()
}

// Stop shuts down the anomaly detector.
func (d *Detector) Stop() {
	close(d.done)
	if d.ch != nil {
		d.bus.Unsubscribe(d.ch)
	}
	d.wg.Wait()
	d.logger.Info("anomaly detector stopped")
}

// Activity returns the current state of every monitored link, ordered by name.
func (d *Detector) Activity() []LinkActivity {
	d.mu.RLock()
	defer d.mu.RUnlock()

	now := d.now()
	result := make([]LinkActivity, 0, len(d.links))
	for name, s := range d.links {
		silent := d.silentWindows(s, now)
		score, reason, status := s.score, s.reason, s.status
		if silent >= d.cfg.SilentThreshold && s.baselineRate > 0 {
			score, reason, status = d.silentScore(silent), "link silent", "silent"
		}

		lastAct := ""
		if !s.lastActivity.IsZero() {
			lastAct = s.lastActivity.Format(time.RFC3339)
		}

		result = append(result, LinkActivity{
			Link:          name,
			CurrentRate:   math.Round(s.lastRate*100) / 100,
			BaselineRate:  math.Round(s.baselineRate*100) / 100,
			StdDev:        math.Round(math.Sqrt(s.baselineVar)*100) / 100,
			KnownClients:  len(s.known),
			NewClients:    s.newCount,
			LastActivity:  lastAct,
			SilentWindows: silent,
			AnomalyScore:  math.Round(score*100) / 100,
			AnomalyReason: reason,
			Status:        status,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Link < result[j].Link })
	return result
}

// handleEvent counts client-driven binding events against their link.
func (d *Detector) handleEvent(evt events.Event) {
	switch evt.Type {
	case events.EventBindingAdvertise, events.EventBindingCommit,
		events.EventBindingRenew, events.EventBindingRelease,
		events.EventBindingDecline:
	default:
		return
	}
	if evt.Binding == nil || evt.Binding.Link == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.links[evt.Binding.Link]
	if !ok {
		s = &linkState{known: make(map[string]bool), status: "normal"}
		d.links[evt.Binding.Link] = s
	}

	s.windowCount++
	s.lastActivity = d.now()

	if duid := evt.Binding.DUID; duid != "" && !s.known[duid] {
		s.newCount++
		s.known[duid] = true
	}
}

// processWindow runs at each window tick. Each link's rate is scored against
// the baseline of the preceding windows, then folded into it.
func (d *Detector) processWindow() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	alpha := d.cfg.BaselineAlpha

	for name, s := range d.links {
		rate := float64(s.windowCount)
		s.lastRate = rate
		s.score, s.reason, s.status = d.computeAnomaly(s, rate, d.silentWindows(s, now))
		metrics.LinkAnomalyScore.WithLabelValues(name).Set(s.score)

		if s.score >= d.cfg.AlertThreshold {
			d.logger.Warn("anomaly detected",
				"link", name,
				"score", s.score,
				"reason", s.reason,
				"rate", rate,
				"baseline", s.baselineRate,
				"new_clients", s.newCount)

			d.bus.Publish(events.Event{
				Type:      events.EventLinkAnomaly,
				Timestamp: now,
				Link:      name,
				Reason:    s.reason,
			})
		}

		if s.baselineRate == 0 && s.windowCount > 0 {
			s.baselineRate = rate
		} else {
			diff := rate - s.baselineRate
			s.baselineRate = alpha*rate + (1-alpha)*s.baselineRate
			s.baselineVar = alpha*(diff*diff) + (1-alpha)*s.baselineVar
		}

		s.windowCount = 0
		s.newCount = 0
	}
}

func (d *Detector) silentWindows(s *linkState, now time.Time) int {
	if s.lastActivity.IsZero() || d.cfg.WindowSize <= 0 {
		return 0
	}
	return int(now.Sub(s.lastActivity) / d.cfg.WindowSize)
}

// silentScore reaches the alert threshold once the link has been silent for
// SilentThreshold windows.
func (d *Detector) silentScore(silent int) float64 {
	return float64(silent) / float64(d.cfg.SilentThreshold) * d.cfg.AlertThreshold
}

// computeAnomaly scores rate against the link's current baseline.
func (d *Detector) computeAnomaly(s *linkState, rate float64, silent int) (score float64, reason, status string) {
	if silent >= d.cfg.SilentThreshold && s.baselineRate > 0 {
		return d.silentScore(silent), "link silent", "silent"
	}

	stddev := math.Sqrt(s.baselineVar)
	if stddev > 0 && s.baselineRate > 0 {
		z := (rate - s.baselineRate) / stddev
		if z > 2 {
			status = "elevated"
			if z >= d.cfg.AlertThreshold {
				status = "alert"
			}
			return z, "rate spike", status
		}
		if s.baselineRate > 5 && rate == 0 {
			return 2.0, "sudden drop", "elevated"
		}
	}

	return 0, "", "normal"
}
