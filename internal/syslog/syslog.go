// Package syslog forwards binding and link events to a SIEM. Events are
// rendered as RFC 5424 key=value text, CEF or JSON and written to any mix of
// a remote syslog receiver, an HTTP collector and a rotating local file.
package syslog

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/config"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/events"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/metrics"
)

// Facility values (RFC 5424)
const (
	FacilityDaemon = 3
	FacilityLocal0 = 16
	FacilityLocal7 = 23
)

// Severity values (RFC 5424)
const (
	SeverityEmergency = iota
	SeverityAlert
	SeverityCritical
	SeverityError
	SeverityWarning
	SeverityNotice
	SeverityInfo
	SeverityDebug
)

// Format constants
const (
	FormatRFC5424 = "rfc5424"
	FormatCEF     = "cef"
	FormatJSON    = "json"
)

// output is one forwarding destination.
type output interface {
	name() string
	send(evt events.Event, msg string) error
	close()
}

// Forwarder subscribes to the event bus and forwards events to configured outputs.
type Forwarder struct {
	cfg      config.SyslogConfig
	bus      *events.Bus
	logger   *slog.Logger
	hostname string

	outputs []output
	ch      chan events.Event
	done    chan struct{}
	wg      sync.WaitGroup
}

// DefaultConfig returns the forwarder settings applied to unset fields.
func DefaultConfig() config.SyslogConfig {
	return config.SyslogConfig{
		Format:           FormatRFC5424,
		Tag:              "athena-dhcp6d",
		Facility:         FacilityLocal0,
		Protocol:         "udp",
		CEFDeviceVendor:  "athena-dhcpd",
		CEFDeviceProduct: "DHCPv6 Server",
		CEFDeviceVersion: "1.0",
		FileMaxSizeMB:    100,
		FileMaxBackups:   5,
	}
}

func withDefaults(cfg config.SyslogConfig) config.SyslogConfig {
	def := DefaultConfig()
	if cfg.Format == "" {
		cfg.Format = def.Format
	}
	if cfg.Tag == "" {
		cfg.Tag = def.Tag
	}
	if cfg.Facility == 0 {
		cfg.Facility = def.Facility
	}
	if cfg.Protocol == "" {
		cfg.Protocol = def.Protocol
	}
	if cfg.CEFDeviceVendor == "" {
		cfg.CEFDeviceVendor = def.CEFDeviceVendor
	}
	if cfg.CEFDeviceProduct == "" {
		cfg.CEFDeviceProduct = def.CEFDeviceProduct
	}
	if cfg.CEFDeviceVersion == "" {
		cfg.CEFDeviceVersion = def.CEFDeviceVersion
	}
	if cfg.FileMaxSizeMB == 0 {
		cfg.FileMaxSizeMB = def.FileMaxSizeMB
	}
	if cfg.FileMaxBackups == 0 {
		cfg.FileMaxBackups = def.FileMaxBackups
	}
	return cfg
}

// NewForwarder creates a new SIEM event forwarder.
func NewForwarder(cfg config.SyslogConfig, bus *events.Bus, logger *slog.Logger) *Forwarder {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "-"
	}
	return &Forwarder{
		cfg:      withDefaults(cfg),
		bus:      bus,
		logger:   logger,
		hostname: hostname,
		done:     make(chan struct{}),
	}
}

// Start opens every enabled output and begins forwarding in the background.
// It fails when no output is configured or one cannot be opened.
func (f *Forwarder) Start() error {
	if f.cfg.Address != "" {
		out, err := newSyslogOutput(f.cfg, f.hostname, f.logger)
		if err != nil {
			f.closeOutputs()
			return err
		}
		f.outputs = append(f.outputs, out)
		f.logger.Info("syslog output started", "address", f.cfg.Address, "protocol", f.cfg.Protocol)
	}

	if f.cfg.HTTPEnabled && f.cfg.HTTPEndpoint != "" {
		f.outputs = append(f.outputs, newHTTPOutput(f.cfg, f.hostname, f.logger))
		f.logger.Info("HTTP output started", "endpoint", f.cfg.HTTPEndpoint)
	}

	if f.cfg.FileEnabled && f.cfg.FilePath != "" {
		out, err := newFileOutput(f.cfg, f.logger)
		if err != nil {
			f.closeOutputs()
			return err
		}
		f.outputs = append(f.outputs, out)
		f.logger.Info("file output started", "path", f.cfg.FilePath)
	}

	if len(f.outputs) == 0 {
		return fmt.Errorf("no outputs configured (set address, http_endpoint or file_path)")
	}

	f.ch = f.bus.Subscribe(500)
	f.wg.Add(1)
	go f.loop()

	f.logger.Info("SIEM forwarder started", "format", f.cfg.Format, "outputs", len(f.outputs))
	return nil
}

// Stop shuts down the forwarder and closes all outputs.
func (f *Forwarder) Stop() {
	close(f.done)
	if f.ch != nil {
		f.bus.Unsubscribe(f.ch)
	}
	f.wg.Wait()
	f.closeOutputs()
	f.logger.Info("SIEM forwarder stopped")
}

func (f *Forwarder) closeOutputs() {
	for _, out := range f.outputs {
		out.close()
	}
	f.outputs = nil
}

func (f *Forwarder) loop() {
	defer f.wg.Done()
	for {
		select {
		case evt, ok := <-f.ch:
			if !ok {
				return
			}
			f.forward(evt)
		case <-f.done:
			return
		}
	}
}

func (f *Forwarder) forward(evt events.Event) {
	msg := f.formatEvent(evt)
	for _, out := range f.outputs {
		result := "success"
		if err := out.send(evt, msg); err != nil {
			result = "error"
			f.logger.Debug("SIEM output send failed", "output", out.name(), "event", string(evt.Type), "error", err)
		}
		metrics.SIEMForwarded.WithLabelValues(out.name(), result).Inc()
	}
}

// formatEvent returns the event rendered in the configured format.
func (f *Forwarder) formatEvent(evt events.Event) string {
	switch f.cfg.Format {
	case FormatCEF:
		return formatCEF(f.cfg, evt)
	case FormatJSON:
		return formatJSON(evt)
	default:
		return formatKV(evt)
	}
}

// eventSeverity maps an event to its RFC 5424 severity.
func eventSeverity(t events.EventType) int {
	switch t {
	case events.EventLinkAnomaly:
		return SeverityWarning
	case events.EventBindingDecline:
		return SeverityNotice
	default:
		return SeverityInfo
	}
}

// priority returns the PRI value for an event.
func priority(facility int, t events.EventType) int {
	return facility*8 + eventSeverity(t)
}

func joinNonEmpty(parts []string) string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}
