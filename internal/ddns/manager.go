package ddns

import (
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/config"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/events"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/metrics"
)

// Manager handles dynamic DNS updates asynchronously.
// It subscribes to the event bus and turns binding events into AAAA and PTR
// updates. Replies to clients never wait on DNS.
type Manager struct {
	cfg          *config.DDNSConfig
	forward      DNSUpdater
	reverse      DNSUpdater
	bus          *events.Bus
	logger       *slog.Logger
	ch           chan events.Event
	done         chan struct{}
	wg           sync.WaitGroup
	retryBackoff time.Duration
	maxRetries   int
}

// NewManager creates a new DDNS manager. It returns nil when DDNS is disabled.
func NewManager(cfg *config.DDNSConfig, bus *events.Bus, logger *slog.Logger) *Manager {
	if !cfg.Enabled {
		return nil
	}

	timeout := config.DurationOr(cfg.Timeout, config.DefaultDDNSTimeout)
	m := &Manager{
		cfg:          cfg,
		bus:          bus,
		logger:       logger,
		done:         make(chan struct{}),
		retryBackoff: 5 * time.Second,
		maxRetries:   3,
	}
	m.forward = NewRFC2136Client(cfg.Forward.Server, cfg.Forward.TSIGName,
		cfg.Forward.TSIGAlgorithm, cfg.Forward.TSIGSecret, timeout, logger)
	if cfg.Reverse.Zone != "" {
		m.reverse = NewRFC2136Client(cfg.Reverse.Server, cfg.Reverse.TSIGName,
			cfg.Reverse.TSIGAlgorithm, cfg.Reverse.TSIGSecret, timeout, logger)
	}
	return m
}

// NewManagerForTest creates a manager with mock updaters for testing.
func NewManagerForTest(cfg *config.DDNSConfig, bus *events.Bus, logger *slog.Logger, forward, reverse DNSUpdater) *Manager {
	return &Manager{
		cfg:          cfg,
		forward:      forward,
		reverse:      reverse,
		bus:          bus,
		logger:       logger,
		done:         make(chan struct{}),
		retryBackoff: 10 * time.Millisecond,
		maxRetries:   1,
	}
}

// Start subscribes to the event bus and processes DNS updates in the background.
func (m *Manager) Start() {
	m.ch = m.bus.Subscribe(500)

	m.logger.Info("DDNS manager started",
		"forward_zone", m.cfg.Forward.Zone,
		"reverse_zone", m.cfg.Reverse.Zone,
		"server", m.cfg.Forward.Server)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case evt, ok := <-m.ch:
				if !ok {
					return
				}
				m.handleEvent(evt)
			case <-m.done:
				return
			}
		}
	}()
}

// Stop shuts down the DDNS manager and waits for in-flight updates.
func (m *Manager) Stop() {
	close(m.done)
	if m.ch != nil {
		m.bus.Unsubscribe(m.ch)
	}
	m.wg.Wait()
	m.logger.Info("DDNS manager stopped")
}

// handleEvent dispatches async DNS updates for address bindings with a name.
func (m *Manager) handleEvent(evt events.Event) {
	b := evt.Binding
	if b == nil || !b.IsAddress() || b.FQDN == "" {
		return
	}

	var fn func(*events.BindingData)
	switch evt.Type {
	case events.EventBindingCommit:
		fn = m.addRecords
	case events.EventBindingRenew:
		if m.cfg.UpdateOnRenew {
			fn = m.addRecords
		}
	case events.EventBindingRelease, events.EventBindingExpire, events.EventBindingDecline:
		fn = m.removeRecords
	}
	if fn == nil {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(b)
	}()
}

// addRecords creates the forward AAAA (with DHCID) and reverse PTR records.
func (m *Manager) addRecords(b *events.BindingData) {
	fqdn := m.fqdnFor(b)
	if fqdn == "" {
		m.logger.Debug("skipping DDNS update, no usable name",
			"prefix", b.Prefix.String(), "duid", b.DUID)
		return
	}
	addr := b.Prefix.Addr()
	ttl := uint32(m.cfg.TTL)

	dhcid := dhcidFor(b, fqdn)

	var conflict bool
	m.observe("add_aaaa", func() error {
		err := m.withRetry("AddAAAA", fqdn, func() error {
			return m.forward.AddAAAA(m.cfg.Forward.Zone, fqdn, addr, dhcid, ttl)
		})
		conflict = errors.Is(err, ErrNameConflict)
		return err
	})
	if conflict {
		m.logger.Warn("DDNS name owned by another client, leaving records alone",
			"fqdn", fqdn, "duid", b.DUID, "prefix", b.Prefix.String())
		return
	}

	if m.reverse != nil {
		ptrName := ReverseName(addr)
		m.observe("add_ptr", func() error {
			return m.withRetry("AddPTR", ptrName, func() error {
				return m.reverse.AddPTR(m.cfg.Reverse.Zone, ptrName, fqdn, ttl)
			})
		})
	}
}

// removeRecords removes the forward and reverse records. Removal is best-effort.
func (m *Manager) removeRecords(b *events.BindingData) {
	fqdn := m.fqdnFor(b)
	if fqdn == "" {
		return
	}
	addr := b.Prefix.Addr()

	m.observe("remove_aaaa", func() error {
		err := m.forward.RemoveAAAA(m.cfg.Forward.Zone, fqdn, addr, dhcidFor(b, fqdn))
		if errors.Is(err, ErrNameConflict) {
			m.logger.Info("AAAA record no longer ours, not removed",
				"fqdn", fqdn, "duid", b.DUID)
			return err
		}
		if err != nil {
			m.logger.Warn("failed to remove AAAA record (best-effort)",
				"fqdn", fqdn, "error", err)
		}
		return err
	})

	if m.reverse != nil {
		ptrName := ReverseName(addr)
		m.observe("remove_ptr", func() error {
			err := m.reverse.RemovePTR(m.cfg.Reverse.Zone, ptrName)
			if err != nil {
				m.logger.Warn("failed to remove PTR record (best-effort)",
					"ptr", ptrName, "error", err)
			}
			return err
		})
	}
}

func (m *Manager) observe(op string, fn func() error) {
	start := time.Now()
	result := "success"
	switch err := fn(); {
	case errors.Is(err, ErrNameConflict):
		result = "conflict"
	case err != nil:
		result = "error"
	}
	metrics.DDNSUpdates.WithLabelValues(op, result).Inc()
	metrics.DDNSDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Manager) fqdnFor(b *events.BindingData) string {
	return BuildFQDN(b.FQDN, m.cfg.Forward.Zone, m.cfg.AllowClientFQDN)
}

// withRetry retries an operation with exponential backoff.
func (m *Manager) withRetry(op, name string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(m.retryBackoff * time.Duration(1<<uint(attempt-1))):
			case <-m.done:
				return err
			}
		}
		err = fn()
		if err == nil || errors.Is(err, ErrNameConflict) {
			return err
		}
		m.logger.Warn("DDNS operation failed, retrying",
			"op", op, "name", name, "attempt", attempt+1,
			"max_retries", m.maxRetries, "error", err)
	}
	m.logger.Error("DDNS operation failed after all retries",
		"op", op, "name", name, "error", err)
	return err
}

// dhcidFor returns the DHCID digest identifying the binding's client, or
// "" when the DUID is not valid hex.
func dhcidFor(b *events.BindingData, fqdn string) string {
	duid, err := hex.DecodeString(b.DUID)
	if err != nil || len(duid) == 0 {
		return ""
	}
	d, _ := DHCIDDigest(duid, fqdn)
	return d
}

// ForwardZone returns the configured forward zone name.
func (m *Manager) ForwardZone() string {
	return m.cfg.Forward.Zone
}

var _ DNSUpdater = (*RFC2136Client)(nil)
