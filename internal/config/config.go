// Package config handles TOML configuration parsing and validation for athena-dhcp6d.
package config

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/filter"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/policy"
	"github.com/athena-dhcpd/athena-dhcp6d/pkg/dhcpv6"
)

// Config is the top-level configuration for athena-dhcp6d.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Hooks    HooksConfig    `toml:"hooks"`
	Policies map[string]any `toml:"policies"`
	Options  []OptionConfig `toml:"option"`
	Filters  []FilterConfig `toml:"filter"`
	Links    []LinkConfig   `toml:"link"`
	DDNS     DDNSConfig     `toml:"ddns"`
	Audit    AuditConfig    `toml:"audit"`
	Syslog   SyslogConfig   `toml:"syslog"`
	Anomaly  AnomalyConfig  `toml:"anomaly"`
}

// ServerConfig holds core server settings.
type ServerConfig struct {
	Interfaces    []string        `toml:"interfaces"`
	Listen        string          `toml:"listen"`
	ServerDUID    string          `toml:"server_duid"`
	DUIDType      string          `toml:"duid_type"`
	LogLevel      string          `toml:"log_level"`
	LogFormat     string          `toml:"log_format"`
	LeaseDB       string          `toml:"lease_db"`
	LeaseBackend  string          `toml:"lease_backend"`
	PIDFile       string          `toml:"pid_file"`
	Workers       int             `toml:"workers"`
	MetricsListen string          `toml:"metrics_listen"`
	RateLimit     RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig holds Solicit flood protection settings.
type RateLimitConfig struct {
	Enabled              bool `toml:"enabled"`
	MaxSolicitsPerSecond int  `toml:"max_solicits_per_second"`
	MaxPerDUIDPerSecond  int  `toml:"max_per_duid_per_second"`
}

// HooksConfig holds event bus and hook settings.
type HooksConfig struct {
	EventBufferSize   int           `toml:"event_buffer_size"`
	ScriptConcurrency int           `toml:"script_concurrency"`
	ScriptTimeout     string        `toml:"script_timeout"`
	WebhookTimeout    string        `toml:"webhook_timeout"`
	Scripts           []ScriptHook  `toml:"script"`
	Webhooks          []WebhookHook `toml:"webhook"`
}

// ScriptHook defines a script hook.
type ScriptHook struct {
	Name    string   `toml:"name"`
	Events  []string `toml:"events"`
	Command string   `toml:"command"`
	Timeout string   `toml:"timeout"`
	Links   []string `toml:"links"`
}

// WebhookHook defines a webhook hook.
type WebhookHook struct {
	Name         string            `toml:"name"`
	Events       []string          `toml:"events"`
	URL          string            `toml:"url"`
	Method       string            `toml:"method"`
	Headers      map[string]string `toml:"headers"`
	Timeout      string            `toml:"timeout"`
	Retries      int               `toml:"retries"`
	RetryBackoff string            `toml:"retry_backoff"`
	Secret       string            `toml:"secret"`
	Template     string            `toml:"template"`
	Links        []string          `toml:"links"`
}

// OptionConfig holds a configured DHCPv6 option. Type overrides the kind
// registered for the code; unknown codes default to opaque.
type OptionConfig struct {
	Code  int    `toml:"code"`
	Type  string `toml:"type"`
	Value any    `toml:"value"`
}

// FilterConfig holds a named filter: AND-ed expressions plus the options and policies it applies.
type FilterConfig struct {
	Name        string             `toml:"name"`
	Expressions []ExpressionConfig `toml:"expression"`
	Options     []OptionConfig     `toml:"option"`
	Policies    map[string]any     `toml:"policies"`
}

// ExpressionConfig holds one filter condition.
type ExpressionConfig struct {
	Code     int    `toml:"code"`
	Operator string `toml:"operator"`
	Value    any    `toml:"value"`
}

// LinkConfig holds one link: an interface, a prefix, or both.
type LinkConfig struct {
	Name      string         `toml:"name"`
	Interface string         `toml:"interface"`
	Prefix    string         `toml:"prefix"`
	Policies  map[string]any `toml:"policies"`
	Options   []OptionConfig `toml:"option"`
	Filters   []FilterConfig `toml:"filter"`
	Pools     []PoolConfig   `toml:"pool"`
	Statics   []StaticConfig `toml:"static"`
	Radius    RadiusConfig   `toml:"radius"`
}

// PoolConfig holds an address range (na, ta) or a delegation prefix (pd).
type PoolConfig struct {
	Name         string         `toml:"name"`
	Type         string         `toml:"type"`
	RangeStart   string         `toml:"range_start"`
	RangeEnd     string         `toml:"range_end"`
	Prefix       string         `toml:"prefix"`
	PrefixLength int            `toml:"prefix_length"`
	Filter       *FilterConfig  `toml:"filter"`
	Policies     map[string]any `toml:"policies"`
	Options      []OptionConfig `toml:"option"`
}

// StaticConfig binds an IA to a fixed address or prefix.
type StaticConfig struct {
	DUID    string `toml:"duid"`
	IAType  string `toml:"ia_type"`
	IAID    int64  `toml:"iaid"`
	Address string `toml:"address"`
	Prefix  string `toml:"prefix"`
}

// RadiusConfig holds per-link RADIUS authorization settings.
type RadiusConfig struct {
	Enabled       bool   `toml:"enabled"`
	Address       string `toml:"address"` // host:port
	Secret        string `toml:"secret"`
	Timeout       string `toml:"timeout"`
	NASIdentifier string `toml:"nas_identifier"`
	CacheTTL      string `toml:"cache_ttl"` // "0s" disables the decision cache
}

// DDNSConfig holds dynamic DNS settings.
type DDNSConfig struct {
	Enabled         bool           `toml:"enabled"`
	AllowClientFQDN bool           `toml:"allow_client_fqdn"`
	TTL             int            `toml:"ttl"`
	UpdateOnRenew   bool           `toml:"update_on_renew"`
	Timeout         string         `toml:"timeout"`
	Forward         DDNSZoneConfig `toml:"forward"`
	Reverse         DDNSZoneConfig `toml:"reverse"`
}

// DDNSZoneConfig holds DNS zone configuration.
type DDNSZoneConfig struct {
	Zone          string `toml:"zone"`
	Server        string `toml:"server"`
	TSIGName      string `toml:"tsig_name"`
	TSIGAlgorithm string `toml:"tsig_algorithm"`
	TSIGSecret    string `toml:"tsig_secret"`
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	Enabled   bool   `toml:"enabled"`
	Path      string `toml:"path"`
	Retention string `toml:"retention"`
}

// SyslogConfig holds SIEM event forwarding settings. Any combination of the
// syslog, HTTP and file outputs may be enabled.
type SyslogConfig struct {
	Enabled  bool   `toml:"enabled"`
	Format   string `toml:"format"` // rfc5424, cef or json
	Tag      string `toml:"tag"`
	Facility int    `toml:"facility"`

	Address  string `toml:"address"` // host:port of a remote syslog receiver
	Protocol string `toml:"protocol"`

	HTTPEnabled  bool              `toml:"http_enabled"`
	HTTPEndpoint string            `toml:"http_endpoint"`
	HTTPToken    string            `toml:"http_token"`
	HTTPTimeout  string            `toml:"http_timeout"`
	HTTPInsecure bool              `toml:"http_insecure"`
	HTTPHeaders  map[string]string `toml:"http_headers"`

	FileEnabled    bool   `toml:"file_enabled"`
	FilePath       string `toml:"file_path"`
	FileMaxSizeMB  int    `toml:"file_max_size_mb"`
	FileMaxBackups int    `toml:"file_max_backups"`

	CEFDeviceVendor  string `toml:"cef_device_vendor"`
	CEFDeviceProduct string `toml:"cef_device_product"`
	CEFDeviceVersion string `toml:"cef_device_version"`
}

// AnomalyConfig holds per-link binding activity monitoring settings.
type AnomalyConfig struct {
	Enabled         bool    `toml:"enabled"`
	Window          string  `toml:"window"`
	BaselineAlpha   float64 `toml:"baseline_alpha"`
	AlertThreshold  float64 `toml:"alert_threshold"`
	SilentThreshold int     `toml:"silent_threshold"` // windows
}

// Load reads and parses a TOML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse is Load for in-memory TOML.
func Parse(data []byte, name string) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", name, err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in default values for unset fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = DefaultListen
	}
	if cfg.Server.DUIDType == "" {
		cfg.Server.DUIDType = DefaultDUIDType
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = DefaultLogFormat
	}
	if cfg.Server.LeaseDB == "" {
		cfg.Server.LeaseDB = DefaultLeaseDB
	}
	if cfg.Server.LeaseBackend == "" {
		cfg.Server.LeaseBackend = DefaultLeaseBackend
	}
	if cfg.Server.PIDFile == "" {
		cfg.Server.PIDFile = DefaultPIDFile
	}
	if cfg.Server.Workers == 0 {
		cfg.Server.Workers = DefaultWorkers
	}
	if cfg.Server.RateLimit.MaxSolicitsPerSecond == 0 {
		cfg.Server.RateLimit.MaxSolicitsPerSecond = DefaultRateLimitSolicits
	}
	if cfg.Server.RateLimit.MaxPerDUIDPerSecond == 0 {
		cfg.Server.RateLimit.MaxPerDUIDPerSecond = DefaultRateLimitPerDUID
	}

	// Hooks defaults
	if cfg.Hooks.EventBufferSize == 0 {
		cfg.Hooks.EventBufferSize = DefaultEventBufferSize
	}
	if cfg.Hooks.ScriptConcurrency == 0 {
		cfg.Hooks.ScriptConcurrency = DefaultScriptConcurrency
	}
	if cfg.Hooks.ScriptTimeout == "" {
		cfg.Hooks.ScriptTimeout = DefaultScriptTimeout.String()
	}
	if cfg.Hooks.WebhookTimeout == "" {
		cfg.Hooks.WebhookTimeout = DefaultWebhookTimeout.String()
	}
	for i := range cfg.Hooks.Webhooks {
		w := &cfg.Hooks.Webhooks[i]
		if w.Method == "" {
			w.Method = "POST"
		}
		if w.Retries == 0 {
			w.Retries = DefaultWebhookRetries
		}
		if w.RetryBackoff == "" {
			w.RetryBackoff = DefaultWebhookRetryBackoff.String()
		}
	}

	cfg.Policies = policy.Normalize(cfg.Policies)
	for i := range cfg.Filters {
		cfg.Filters[i].Policies = policy.Normalize(cfg.Filters[i].Policies)
	}

	for i := range cfg.Links {
		l := &cfg.Links[i]
		if l.Name == "" {
			l.Name = l.Interface
			if l.Name == "" {
				l.Name = l.Prefix
			}
		}
		l.Policies = policy.Normalize(l.Policies)
		for j := range l.Filters {
			l.Filters[j].Policies = policy.Normalize(l.Filters[j].Policies)
		}
		for j := range l.Pools {
			p := &l.Pools[j]
			p.Type = strings.ToLower(p.Type)
			if p.Type == "" {
				p.Type = string(dhcpv6.IATypeNA)
				if p.Prefix != "" {
					p.Type = string(dhcpv6.IATypePD)
				}
			}
			if p.Name == "" {
				p.Name = fmt.Sprintf("%s/%s%d", l.Name, p.Type, j)
			}
			p.Policies = policy.Normalize(p.Policies)
			if p.Filter != nil {
				if p.Filter.Name == "" {
					p.Filter.Name = p.Name
				}
				p.Filter.Policies = policy.Normalize(p.Filter.Policies)
			}
		}
		for j := range l.Statics {
			l.Statics[j].IAType = strings.ToLower(l.Statics[j].IAType)
			if l.Statics[j].IAType == "" {
				l.Statics[j].IAType = string(dhcpv6.IATypeNA)
			}
		}
		if l.Radius.Timeout == "" {
			l.Radius.Timeout = DefaultRadiusTimeout.String()
		}
		if l.Radius.CacheTTL == "" {
			l.Radius.CacheTTL = DefaultRadiusCacheTTL.String()
		}
	}

	// DDNS defaults
	if cfg.DDNS.TTL == 0 {
		cfg.DDNS.TTL = DefaultDDNSTTL
	}
	if cfg.DDNS.Timeout == "" {
		cfg.DDNS.Timeout = DefaultDDNSTimeout.String()
	}
	if cfg.DDNS.Forward.TSIGAlgorithm == "" {
		cfg.DDNS.Forward.TSIGAlgorithm = DefaultTSIGAlgorithm
	}
	if cfg.DDNS.Reverse.TSIGAlgorithm == "" {
		cfg.DDNS.Reverse.TSIGAlgorithm = DefaultTSIGAlgorithm
	}
	if cfg.DDNS.Reverse.Server == "" {
		cfg.DDNS.Reverse.Server = cfg.DDNS.Forward.Server
	}

	if cfg.Audit.Path == "" {
		cfg.Audit.Path = DefaultAuditDB
	}
	if cfg.Audit.Retention == "" {
		cfg.Audit.Retention = DefaultAuditRetention.String()
	}

	if cfg.Syslog.Format == "" {
		cfg.Syslog.Format = DefaultSyslogFormat
	}
	if cfg.Syslog.Protocol == "" {
		cfg.Syslog.Protocol = "udp"
	}

	if cfg.Anomaly.Window == "" {
		cfg.Anomaly.Window = DefaultAnomalyWindow.String()
	}
	if cfg.Anomaly.BaselineAlpha == 0 {
		cfg.Anomaly.BaselineAlpha = DefaultAnomalyAlpha
	}
	if cfg.Anomaly.AlertThreshold == 0 {
		cfg.Anomaly.AlertThreshold = DefaultAnomalyThreshold
	}
	if cfg.Anomaly.SilentThreshold == 0 {
		cfg.Anomaly.SilentThreshold = DefaultAnomalySilent
	}
}

// span is the inclusive address range covered by a pool.
type span struct {
	name       string
	first, end netip.Addr
}

// validate checks the configuration for errors.
func validate(cfg *Config) error {
	if cfg.Server.ServerDUID != "" {
		d, err := ParseHex(cfg.Server.ServerDUID)
		if err != nil || len(d) < 2 {
			return fmt.Errorf("server.server_duid %q is not a valid hex DUID", cfg.Server.ServerDUID)
		}
	}
	switch cfg.Server.DUIDType {
	case "llt", "ll", "uuid":
	default:
		return fmt.Errorf("server.duid_type must be llt, ll or uuid, got %q", cfg.Server.DUIDType)
	}
	switch cfg.Server.LeaseBackend {
	case "bolt", "sqlite":
	default:
		return fmt.Errorf("server.lease_backend must be bolt or sqlite, got %q", cfg.Server.LeaseBackend)
	}
	if cfg.Server.LogFormat != "json" && cfg.Server.LogFormat != "text" {
		return fmt.Errorf("server.log_format must be json or text, got %q", cfg.Server.LogFormat)
	}
	if cfg.Server.Workers < 1 {
		return fmt.Errorf("server.workers must be positive, got %d", cfg.Server.Workers)
	}

	if err := policy.Validate(cfg.Policies); err != nil {
		return fmt.Errorf("policies: %w", err)
	}
	if err := validateOptions("option", cfg.Options); err != nil {
		return err
	}
	for i, f := range cfg.Filters {
		if err := validateFilter(fmt.Sprintf("filter[%d]", i), &f); err != nil {
			return err
		}
	}

	if len(cfg.Links) == 0 {
		return fmt.Errorf("at least one [[link]] is required")
	}
	names := make(map[string]bool)
	prefixes := make(map[netip.Prefix]string)
	var spans []span
	for i := range cfg.Links {
		l := &cfg.Links[i]
		where := fmt.Sprintf("link[%d] %q", i, l.Name)
		if l.Interface == "" && l.Prefix == "" {
			return fmt.Errorf("%s: interface or prefix is required", where)
		}
		if names[l.Name] {
			return fmt.Errorf("%s: duplicate link name", where)
		}
		names[l.Name] = true

		var linkPrefix netip.Prefix
		if l.Prefix != "" {
			p, err := netip.ParsePrefix(l.Prefix)
			if err != nil {
				return fmt.Errorf("%s: invalid prefix %q: %w", where, l.Prefix, err)
			}
			if !p.Addr().Is6() || p.Addr().Is4In6() {
				return fmt.Errorf("%s: prefix %s is not IPv6", where, p)
			}
			linkPrefix = p.Masked()
			if other, dup := prefixes[linkPrefix]; dup {
				return fmt.Errorf("%s: prefix %s already used by link %q", where, linkPrefix, other)
			}
			prefixes[linkPrefix] = l.Name
		}

		if err := policy.Validate(l.Policies); err != nil {
			return fmt.Errorf("%s policies: %w", where, err)
		}
		if err := validateOptions(where+" option", l.Options); err != nil {
			return err
		}
		for j, f := range l.Filters {
			if err := validateFilter(fmt.Sprintf("%s filter[%d]", where, j), &f); err != nil {
				return err
			}
		}

		for j := range l.Pools {
			s, err := validatePool(fmt.Sprintf("%s pool[%d]", where, j), &l.Pools[j], linkPrefix)
			if err != nil {
				return err
			}
			for _, o := range spans {
				if !s.end.Less(o.first) && !o.end.Less(s.first) {
					return fmt.Errorf("%s pool[%d]: range %s-%s overlaps pool %q", where, j, s.first, s.end, o.name)
				}
			}
			spans = append(spans, s)
		}

		for j, st := range l.Statics {
			if err := validateStatic(fmt.Sprintf("%s static[%d]", where, j), st, linkPrefix); err != nil {
				return err
			}
		}

		if l.Radius.Enabled {
			if l.Radius.Address == "" || l.Radius.Secret == "" {
				return fmt.Errorf("%s radius: address and secret are required when enabled", where)
			}
			if _, err := time.ParseDuration(l.Radius.Timeout); err != nil {
				return fmt.Errorf("%s radius.timeout: %w", where, err)
			}
			if d, err := time.ParseDuration(l.Radius.CacheTTL); err != nil || d < 0 {
				return fmt.Errorf("%s radius.cache_ttl: invalid duration %q", where, l.Radius.CacheTTL)
			}
		}
	}

	// Validate DDNS
	if cfg.DDNS.Enabled {
		if cfg.DDNS.Forward.Zone == "" {
			return fmt.Errorf("ddns.forward.zone is required when DDNS is enabled")
		}
		if cfg.DDNS.Forward.Server == "" {
			return fmt.Errorf("ddns.forward.server is required when DDNS is enabled")
		}
		if _, err := time.ParseDuration(cfg.DDNS.Timeout); err != nil {
			return fmt.Errorf("ddns.timeout: %w", err)
		}
	}

	if _, err := time.ParseDuration(cfg.Audit.Retention); err != nil {
		return fmt.Errorf("audit.retention: %w", err)
	}

	if cfg.Syslog.Enabled {
		switch cfg.Syslog.Format {
		case "rfc5424", "cef", "json":
		default:
			return fmt.Errorf("syslog.format must be rfc5424, cef or json, got %q", cfg.Syslog.Format)
		}
		switch cfg.Syslog.Protocol {
		case "udp", "tcp":
		default:
			return fmt.Errorf("syslog.protocol must be udp or tcp, got %q", cfg.Syslog.Protocol)
		}
		if cfg.Syslog.Address == "" && !(cfg.Syslog.HTTPEnabled && cfg.Syslog.HTTPEndpoint != "") &&
			!(cfg.Syslog.FileEnabled && cfg.Syslog.FilePath != "") {
			return fmt.Errorf("syslog: enable at least one of address, http_endpoint or file_path")
		}
	}

	if d, err := time.ParseDuration(cfg.Anomaly.Window); err != nil || d <= 0 {
		return fmt.Errorf("anomaly.window must be a positive duration, got %q", cfg.Anomaly.Window)
	}
	if cfg.Anomaly.BaselineAlpha <= 0 || cfg.Anomaly.BaselineAlpha > 1 {
		return fmt.Errorf("anomaly.baseline_alpha must be in (0, 1], got %v", cfg.Anomaly.BaselineAlpha)
	}

	// Validate hooks
	for i, h := range cfg.Hooks.Scripts {
		if h.Command == "" {
			return fmt.Errorf("hooks.script[%d] %q: command is required", i, h.Name)
		}
		if h.Timeout != "" {
			if _, err := time.ParseDuration(h.Timeout); err != nil {
				return fmt.Errorf("hooks.script[%d].timeout: %w", i, err)
			}
		}
	}
	for i, h := range cfg.Hooks.Webhooks {
		if !strings.HasPrefix(h.URL, "http://") && !strings.HasPrefix(h.URL, "https://") {
			return fmt.Errorf("hooks.webhook[%d] %q: url must be http or https", i, h.Name)
		}
		switch h.Template {
		case "", "slack", "teams":
		default:
			return fmt.Errorf("hooks.webhook[%d] %q: unknown template %q", i, h.Name, h.Template)
		}
		if _, err := time.ParseDuration(h.RetryBackoff); err != nil {
			return fmt.Errorf("hooks.webhook[%d].retry_backoff: %w", i, err)
		}
	}

	return nil
}

func validateOptions(where string, opts []OptionConfig) error {
	for i, o := range opts {
		if _, _, err := o.Encode(); err != nil {
			return fmt.Errorf("%s[%d]: %w", where, i, err)
		}
	}
	return nil
}

func validateFilter(where string, f *FilterConfig) error {
	if len(f.Expressions) == 0 {
		return fmt.Errorf("%s %q: at least one expression is required", where, f.Name)
	}
	if _, err := f.Compile(); err != nil {
		return fmt.Errorf("%s %q: %w", where, f.Name, err)
	}
	return nil
}

func validatePool(where string, p *PoolConfig, linkPrefix netip.Prefix) (span, error) {
	s := span{name: p.Name}
	switch dhcpv6.IAType(p.Type) {
	case dhcpv6.IATypeNA, dhcpv6.IATypeTA:
		start, err := netip.ParseAddr(p.RangeStart)
		if err != nil {
			return s, fmt.Errorf("%s: invalid range_start %q", where, p.RangeStart)
		}
		end, err := netip.ParseAddr(p.RangeEnd)
		if err != nil {
			return s, fmt.Errorf("%s: invalid range_end %q", where, p.RangeEnd)
		}
		if end.Less(start) {
			return s, fmt.Errorf("%s: range_end %s is before range_start %s", where, end, start)
		}
		if linkPrefix.IsValid() && (!linkPrefix.Contains(start) || !linkPrefix.Contains(end)) {
			return s, fmt.Errorf("%s: range %s-%s is not in link prefix %s", where, start, end, linkPrefix)
		}
		s.first, s.end = start, end
	case dhcpv6.IATypePD:
		base, err := netip.ParsePrefix(p.Prefix)
		if err != nil {
			return s, fmt.Errorf("%s: invalid prefix %q: %w", where, p.Prefix, err)
		}
		base = base.Masked()
		if p.PrefixLength < base.Bits() || p.PrefixLength > 128 || p.PrefixLength-base.Bits() > 63 {
			return s, fmt.Errorf("%s: cannot delegate /%d out of %s", where, p.PrefixLength, base)
		}
		s.first, s.end = base.Addr(), LastAddr(base)
	default:
		return s, fmt.Errorf("%s: type must be na, ta or pd, got %q", where, p.Type)
	}

	if err := policy.Validate(p.Policies); err != nil {
		return s, fmt.Errorf("%s policies: %w", where, err)
	}
	if err := validateOptions(where+" option", p.Options); err != nil {
		return s, err
	}
	if p.Filter != nil {
		if err := validateFilter(where+" filter", p.Filter); err != nil {
			return s, err
		}
	}
	return s, nil
}

func validateStatic(where string, st StaticConfig, linkPrefix netip.Prefix) error {
	if d, err := ParseHex(st.DUID); err != nil || len(d) < 2 {
		return fmt.Errorf("%s: invalid duid %q", where, st.DUID)
	}
	if !dhcpv6.IAType(st.IAType).Valid() {
		return fmt.Errorf("%s: ia_type must be na, ta or pd, got %q", where, st.IAType)
	}
	if st.IAID < 0 || st.IAID > 0xffffffff {
		return fmt.Errorf("%s: iaid %d out of range", where, st.IAID)
	}
	if _, err := st.Unit(); err != nil {
		return fmt.Errorf("%s: %w", where, err)
	}
	if st.IAType != string(dhcpv6.IATypePD) && linkPrefix.IsValid() {
		a, _ := netip.ParseAddr(st.Address)
		if !linkPrefix.Contains(a) {
			return fmt.Errorf("%s: address %s is not in link prefix %s", where, a, linkPrefix)
		}
	}
	return nil
}

// Encode returns the option code and its wire data.
func (o OptionConfig) Encode() (dhcpv6.OptionCode, []byte, error) {
	if o.Code <= 0 || o.Code > 0xffff {
		return 0, nil, fmt.Errorf("option code %d out of range", o.Code)
	}
	code := dhcpv6.OptionCode(o.Code)
	kind := dhcpv6.KindOf(code)
	if o.Type != "" {
		k, err := dhcpv6.ParseKind(o.Type)
		if err != nil {
			return 0, nil, fmt.Errorf("option %d: %w", o.Code, err)
		}
		kind = k
	}
	v, err := dhcpv6.ValueFromConfig(kind, o.Value)
	if err != nil {
		return 0, nil, fmt.Errorf("option %d: %w", o.Code, err)
	}
	data, err := v.Encode()
	if err != nil {
		return 0, nil, fmt.Errorf("option %d: %w", o.Code, err)
	}
	return code, data, nil
}

// OptionSet encodes a list of option configs. Later entries win per code.
func OptionSet(opts []OptionConfig) (dhcpv6.OptionSet, error) {
	set := dhcpv6.OptionSet{}
	for _, o := range opts {
		code, data, err := o.Encode()
		if err != nil {
			return nil, err
		}
		set[code] = data
	}
	return set, nil
}

// Compile builds the runtime filter.
func (f *FilterConfig) Compile() (*filter.Filter, error) {
	out := &filter.Filter{Name: f.Name, Policies: policy.Normalize(f.Policies)}
	for i, e := range f.Expressions {
		if e.Code <= 0 || e.Code > 0xffff {
			return nil, fmt.Errorf("expression[%d]: option code %d out of range", i, e.Code)
		}
		value, err := expressionValue(e.Value)
		if err != nil {
			return nil, fmt.Errorf("expression[%d]: %w", i, err)
		}
		expr, err := filter.NewExpression(dhcpv6.OptionCode(e.Code), e.Operator, value)
		if err != nil {
			return nil, fmt.Errorf("expression[%d]: %w", i, err)
		}
		out.Expressions = append(out.Expressions, expr)
	}
	opts, err := OptionSet(f.Options)
	if err != nil {
		return nil, err
	}
	out.Options = opts
	if err := policy.Validate(out.Policies); err != nil {
		return nil, fmt.Errorf("policies: %w", err)
	}
	return out, nil
}

func expressionValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case int64:
		return fmt.Sprintf("%d", x), nil
	case nil:
		return "", fmt.Errorf("value is required")
	}
	return "", fmt.Errorf("value must be a string or integer, got %T", v)
}

// Unit returns the static binding's address (as a /128) or delegated prefix.
func (st StaticConfig) Unit() (netip.Prefix, error) {
	if dhcpv6.IAType(st.IAType) == dhcpv6.IATypePD {
		p, err := netip.ParsePrefix(st.Prefix)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid prefix %q: %w", st.Prefix, err)
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(st.Address)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address %q: %w", st.Address, err)
	}
	if !a.Is6() || a.Is4In6() {
		return netip.Prefix{}, fmt.Errorf("address %s is not IPv6", a)
	}
	return netip.PrefixFrom(a, 128), nil
}

// ParseHex decodes hex with optional colon or dash separators.
func ParseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(":", "", "-", "", " ", "").Replace(strings.TrimPrefix(strings.ToLower(s), "0x"))
	return hex.DecodeString(s)
}

// LastAddr returns the highest address inside p.
func LastAddr(p netip.Prefix) netip.Addr {
	b := p.Masked().Addr().As16()
	for i := p.Bits(); i < 128; i++ {
		b[i/8] |= 1 << (7 - uint(i%8))
	}
	return netip.AddrFrom16(b)
}

// DurationOr returns a parsed duration, falling back to def when s is empty or invalid.
func DurationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
