package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/athena-dhcpd/athena-dhcp6d/pkg/dhcpv6"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
[server]
interfaces = ["eth0"]
lease_db = "/tmp/test.db"

[policies]
preferred_lifetime = 1800
valid_lifetime = "1h"

[[option]]
code = 23
value = ["2001:db8::53"]

[[link]]
name = "lan"
interface = "eth0"
prefix = "2001:db8:1::/64"

  [[link.pool]]
  range_start = "2001:db8:1::100"
  range_end = "2001:db8:1::1ff"

  [[link.pool]]
  prefix = "2001:db8:100::/40"
  prefix_length = 56

  [[link.static]]
  duid = "00:01:00:01:1c:39:cf:88:08:00:27:fe:8f:95"
  iaid = 1
  address = "2001:db8:1::10"
`

func TestLoadMinimalConfig(t *testing.T) {
	path := writeTestConfig(t, minimalConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Server.Listen != DefaultListen {
		t.Errorf("Listen = %q, want %q", cfg.Server.Listen, DefaultListen)
	}
	if cfg.Server.Workers != DefaultWorkers {
		t.Errorf("Workers = %d, want %d", cfg.Server.Workers, DefaultWorkers)
	}
	if cfg.Server.LeaseBackend != "bolt" {
		t.Errorf("LeaseBackend = %q, want bolt", cfg.Server.LeaseBackend)
	}
	if len(cfg.Links) != 1 {
		t.Fatalf("Links = %d, want 1", len(cfg.Links))
	}
	l := cfg.Links[0]
	if len(l.Pools) != 2 {
		t.Fatalf("Pools = %d, want 2", len(l.Pools))
	}
	if l.Radius.CacheTTL != DefaultRadiusCacheTTL.String() {
		t.Errorf("Radius.CacheTTL = %q, want %q", l.Radius.CacheTTL, DefaultRadiusCacheTTL)
	}
	if l.Pools[0].Type != "na" || l.Pools[1].Type != "pd" {
		t.Errorf("pool types = %q, %q, want na, pd", l.Pools[0].Type, l.Pools[1].Type)
	}
	if l.Pools[0].Name != "lan/na0" {
		t.Errorf("generated pool name = %q", l.Pools[0].Name)
	}
	if l.Statics[0].IAType != "na" {
		t.Errorf("static ia_type = %q, want na", l.Statics[0].IAType)
	}
	if _, ok := cfg.Policies["preferred_lifetime"]; !ok {
		t.Error("global policies not loaded")
	}
}

func TestLoadConfigFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path.toml")
	if err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadConfigInvalidTOML(t *testing.T) {
	path := writeTestConfig(t, "this is not valid toml {{{{")
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "no links",
			content: `[server]`,
			wantErr: "at least one",
		},
		{
			name: "link without prefix or interface",
			content: `
[[link]]
name = "x"`,
			wantErr: "interface or prefix",
		},
		{
			name: "duplicate link prefix",
			content: `
[[link]]
name = "a"
prefix = "2001:db8:1::/64"
[[link]]
name = "b"
prefix = "2001:db8:1::1/64"`,
			wantErr: "already used",
		},
		{
			name: "pool outside link",
			content: `
[[link]]
prefix = "2001:db8:1::/64"
  [[link.pool]]
  range_start = "2001:db8:2::1"
  range_end = "2001:db8:2::9"`,
			wantErr: "not in link prefix",
		},
		{
			name: "overlapping pools",
			content: `
[[link]]
prefix = "2001:db8:1::/64"
  [[link.pool]]
  range_start = "2001:db8:1::1"
  range_end = "2001:db8:1::9"
  [[link.pool]]
  range_start = "2001:db8:1::9"
  range_end = "2001:db8:1::20"`,
			wantErr: "overlaps",
		},
		{
			name: "overlapping pd pools across links",
			content: `
[[link]]
interface = "eth0"
  [[link.pool]]
  prefix = "2001:db8:100::/40"
  prefix_length = 56
[[link]]
interface = "eth1"
  [[link.pool]]
  prefix = "2001:db8:1ff::/48"
  prefix_length = 56`,
			wantErr: "overlaps",
		},
		{
			name: "bad range",
			content: `
[[link]]
interface = "eth0"
  [[link.pool]]
  range_start = "nope"
  range_end = "2001:db8:1::9"`,
			wantErr: "range_start",
		},
		{
			name: "unknown policy",
			content: `
[policies]
lease_time = 10
[[link]]
interface = "eth0"`,
			wantErr: "unknown policy",
		},
		{
			name: "bad policy value",
			content: `
[[link]]
interface = "eth0"
  [link.policies]
  valid_lifetime = "forever"`,
			wantErr: "valid_lifetime",
		},
		{
			name: "bad radius cache ttl",
			content: `
[[link]]
interface = "eth0"
  [link.radius]
  enabled = true
  address = "127.0.0.1:1812"
  secret = "s"
  cache_ttl = "-5s"`,
			wantErr: "radius.cache_ttl",
		},
		{
			name: "bad regexp",
			content: `
[[filter]]
name = "f"
  [[filter.expression]]
  code = 16
  operator = "regexp"
  value = "("
[[link]]
interface = "eth0"`,
			wantErr: "regexp",
		},
		{
			name: "bad option value",
			content: `
[[option]]
code = 23
value = ["not-an-address"]
[[link]]
interface = "eth0"`,
			wantErr: "option",
		},
		{
			name: "unknown option type",
			content: `
[[option]]
code = 200
type = "float"
value = "1.5"
[[link]]
interface = "eth0"`,
			wantErr: "unknown option value type",
		},
		{
			name: "bad static duid",
			content: `
[[link]]
interface = "eth0"
  [[link.static]]
  duid = "zz"
  address = "2001:db8::1"`,
			wantErr: "duid",
		},
		{
			name: "ddns without zone",
			content: `
[ddns]
enabled = true
[[link]]
interface = "eth0"`,
			wantErr: "ddns.forward.zone",
		},
		{
			name: "bad lease backend",
			content: `
[server]
lease_backend = "redis"
[[link]]
interface = "eth0"`,
			wantErr: "lease_backend",
		},
		{
			name: "script hook without command",
			content: `
[[link]]
interface = "eth0"
[[hooks.script]]
name = "notify"`,
			wantErr: "command is required",
		},
		{
			name: "webhook bad template",
			content: `
[[link]]
interface = "eth0"
[[hooks.webhook]]
name = "chat"
url = "https://hooks.example.com/x"
template = "discord"`,
			wantErr: "unknown template",
		},
		{
			name: "syslog without output",
			content: `
[syslog]
enabled = true
[[link]]
interface = "eth0"`,
			wantErr: "at least one of address",
		},
		{
			name: "syslog bad format",
			content: `
[syslog]
enabled = true
format = "gelf"
address = "127.0.0.1:514"
[[link]]
interface = "eth0"`,
			wantErr: "syslog.format",
		},
		{
			name: "anomaly bad alpha",
			content: `
[anomaly]
baseline_alpha = 1.5
[[link]]
interface = "eth0"`,
			wantErr: "baseline_alpha",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), tt.name)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestHooksDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
[[link]]
interface = "eth0"
[[hooks.webhook]]
name = "ops"
url = "https://hooks.example.com/dhcp"
events = ["binding.*"]
links = ["eth0"]
`), "hooks")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Hooks.EventBufferSize != DefaultEventBufferSize {
		t.Errorf("EventBufferSize = %d, want %d", cfg.Hooks.EventBufferSize, DefaultEventBufferSize)
	}
	w := cfg.Hooks.Webhooks[0]
	if w.Method != "POST" || w.Retries != DefaultWebhookRetries {
		t.Errorf("webhook defaults = %s/%d, want POST/%d", w.Method, w.Retries, DefaultWebhookRetries)
	}
	if len(w.Links) != 1 || w.Links[0] != "eth0" {
		t.Errorf("Links = %v, want [eth0]", w.Links)
	}
}

func TestOptionEncode(t *testing.T) {
	code, data, err := OptionConfig{Code: 24, Value: []any{"example.com"}}.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if code != dhcpv6.OptionDomainList || data[0] != 7 {
		t.Errorf("got code %d data %x", code, data)
	}

	_, data, err = OptionConfig{Code: 200, Type: "uint16", Value: int64(513)}.Encode()
	if err != nil {
		t.Fatalf("Encode typed: %v", err)
	}
	if len(data) != 2 || data[0] != 2 || data[1] != 1 {
		t.Errorf("uint16 data = %x", data)
	}
}

func TestFilterCompile(t *testing.T) {
	fc := &FilterConfig{
		Name: "voip",
		Expressions: []ExpressionConfig{
			{Code: 16, Operator: "contains", Value: "phone"},
			{Code: 8, Operator: "lt", Value: int64(100)},
		},
		Options:  []OptionConfig{{Code: 24, Value: "voip.example.com"}},
		Policies: map[string]any{"Valid_Lifetime": int64(60)},
	}
	f, err := fc.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(f.Expressions) != 2 || len(f.Options) != 1 {
		t.Errorf("compiled filter = %+v", f)
	}
	if _, ok := f.Policies["valid_lifetime"]; !ok {
		t.Error("filter policies should be normalized")
	}
}

func TestStaticUnit(t *testing.T) {
	u, err := StaticConfig{IAType: "na", Address: "2001:db8::10"}.Unit()
	if err != nil || u != netip.MustParsePrefix("2001:db8::10/128") {
		t.Errorf("na unit = %s, %v", u, err)
	}
	u, err = StaticConfig{IAType: "pd", Prefix: "2001:db8:5500::1/56"}.Unit()
	if err != nil || u != netip.MustParsePrefix("2001:db8:5500::/56") {
		t.Errorf("pd unit = %s, %v", u, err)
	}
	if _, err := (StaticConfig{IAType: "na", Address: "10.0.0.1"}).Unit(); err == nil {
		t.Error("expected error for IPv4 static")
	}
}

func TestLastAddr(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"2001:db8::/32", "2001:db8:ffff:ffff:ffff:ffff:ffff:ffff"},
		{"2001:db8:1::/64", "2001:db8:1:0:ffff:ffff:ffff:ffff"},
		{"2001:db8::1/128", "2001:db8::1"},
	}
	for _, tt := range tests {
		if got := LastAddr(netip.MustParsePrefix(tt.prefix)); got.String() != tt.want {
			t.Errorf("LastAddr(%s) = %s, want %s", tt.prefix, got, tt.want)
		}
	}
}

func TestParseHex(t *testing.T) {
	b, err := ParseHex("00:01:0A-ff")
	if err != nil || len(b) != 4 || b[2] != 0x0a || b[3] != 0xff {
		t.Errorf("ParseHex = %x, %v", b, err)
	}
}

func TestSyslogAndAnomalyDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
[[link]]
interface = "eth0"`), "defaults")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Syslog.Format != "rfc5424" || cfg.Syslog.Protocol != "udp" {
		t.Errorf("syslog defaults = %q/%q", cfg.Syslog.Format, cfg.Syslog.Protocol)
	}
	if cfg.Anomaly.Window != "1m0s" || cfg.Anomaly.AlertThreshold != 3 || cfg.Anomaly.SilentThreshold != 10 {
		t.Errorf("anomaly defaults = %+v", cfg.Anomaly)
	}
}
