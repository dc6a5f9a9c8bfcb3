package syslog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/config"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/events"
)

// FormatMessage formats an event into a key=value string.
func FormatMessage(evt events.Event) string {
	return formatKV(evt)
}

// FormatCEFMessage formats an event into CEF using the default device fields.
func FormatCEFMessage(evt events.Event) string {
	return formatCEF(DefaultConfig(), evt)
}

func kv(key, value string) string {
	if value == "" {
		return ""
	}
	if strings.ContainsAny(value, " \"") {
		value = fmt.Sprintf("%q", value)
	}
	return key + "=" + value
}

func formatKV(evt events.Event) string {
	parts := []string{"event=" + string(evt.Type)}

	if b := evt.Binding; b != nil {
		if b.Prefix.IsValid() {
			parts = append(parts, "prefix="+b.Prefix.String())
		}
		parts = append(parts,
			kv("duid", b.DUID),
			kv("ia_type", b.IAType),
			fmt.Sprintf("iaid=%d", b.IAID),
			kv("link", b.Link),
			kv("pool", b.Pool),
			kv("fqdn", b.FQDN),
			kv("interface_id", b.InterfaceID),
			kv("remote_id", b.RemoteID),
		)
		if b.ValidEnd != 0 {
			parts = append(parts, "valid_end="+time.Unix(b.ValidEnd, 0).UTC().Format(time.RFC3339))
		}
	} else {
		parts = append(parts, kv("link", evt.Link))
	}

	parts = append(parts, kv("reason", evt.Reason))
	return joinNonEmpty(parts)
}

// formatCEF produces ArcSight Common Event Format messages.
// CEF:Version|Device Vendor|Device Product|Device Version|Signature ID|Name|Severity|Extension
func formatCEF(cfg config.SyslogConfig, evt events.Event) string {
	ext := []string{fmt.Sprintf("rt=%d", evt.Timestamp.UnixMilli())}

	if b := evt.Binding; b != nil {
		if b.IsAddress() {
			ext = append(ext, "c6a2="+b.Prefix.Addr().String())
		}
		if b.Prefix.IsValid() {
			ext = append(ext, fmt.Sprintf("cs1=%s cs1Label=Prefix", cefEscape(b.Prefix.String())))
		}
		if b.DUID != "" {
			ext = append(ext, fmt.Sprintf("cs2=%s cs2Label=DUID", cefEscape(b.DUID)))
		}
		if b.Link != "" {
			ext = append(ext, fmt.Sprintf("cs3=%s cs3Label=Link", cefEscape(b.Link)))
		}
		if b.Pool != "" {
			ext = append(ext, fmt.Sprintf("cs4=%s cs4Label=Pool", cefEscape(b.Pool)))
		}
		if b.FQDN != "" {
			ext = append(ext, "dhost="+cefEscape(b.FQDN))
		}
		if b.InterfaceID != "" {
			ext = append(ext, fmt.Sprintf("cs5=%s cs5Label=RelayInterfaceID", cefEscape(b.InterfaceID)))
		}
		if b.RemoteID != "" {
			ext = append(ext, fmt.Sprintf("cs6=%s cs6Label=RelayRemoteID", cefEscape(b.RemoteID)))
		}
		ext = append(ext, fmt.Sprintf("cn1=%d cn1Label=IAID", b.IAID))
		if b.Start != 0 {
			ext = append(ext, fmt.Sprintf("cn2=%d cn2Label=BindingStart", b.Start))
		}
		if b.ValidEnd != 0 {
			ext = append(ext, fmt.Sprintf("cn3=%d cn3Label=ValidEnd", b.ValidEnd))
		}
	} else if evt.Link != "" {
		ext = append(ext, fmt.Sprintf("cs3=%s cs3Label=Link", cefEscape(evt.Link)))
	}

	if evt.Reason != "" {
		ext = append(ext, "msg="+cefEscape(evt.Reason))
	}

	return fmt.Sprintf("CEF:0|%s|%s|%s|%s|%s|%d|%s",
		cefHeaderEscape(cfg.CEFDeviceVendor),
		cefHeaderEscape(cfg.CEFDeviceProduct),
		cefHeaderEscape(cfg.CEFDeviceVersion),
		cefSignatureID(evt.Type),
		cefHeaderEscape(cefEventName(evt.Type)),
		cefSeverity(evt.Type),
		strings.Join(ext, " "),
	)
}

func formatJSON(evt events.Event) string {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Sprintf(`{"type":%q,"error":%q}`, evt.Type, err.Error())
	}
	return string(data)
}

// cefEscape escapes an extension value.
func cefEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `=`, `\=`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

// cefHeaderEscape escapes a header field.
func cefHeaderEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `|`, `\|`)
	return s
}

func cefSignatureID(t events.EventType) string {
	switch t {
	case events.EventBindingAdvertise:
		return "100"
	case events.EventBindingCommit:
		return "101"
	case events.EventBindingRenew:
		return "102"
	case events.EventBindingRelease:
		return "103"
	case events.EventBindingDecline:
		return "104"
	case events.EventBindingExpire:
		return "105"
	case events.EventLinkAnomaly:
		return "500"
	default:
		return "999"
	}
}

func cefEventName(t events.EventType) string {
	switch t {
	case events.EventBindingAdvertise:
		return "DHCPv6 Binding Advertised"
	case events.EventBindingCommit:
		return "DHCPv6 Binding Committed"
	case events.EventBindingRenew:
		return "DHCPv6 Binding Renewed"
	case events.EventBindingRelease:
		return "DHCPv6 Binding Released"
	case events.EventBindingDecline:
		return "DHCPv6 Address Declined"
	case events.EventBindingExpire:
		return "DHCPv6 Binding Expired"
	case events.EventLinkAnomaly:
		return "Link Activity Anomaly"
	default:
		return string(t)
	}
}

// cefSeverity maps event types to CEF severity (0-10 scale).
func cefSeverity(t events.EventType) int {
	switch t {
	case events.EventLinkAnomaly:
		return 5
	case events.EventBindingDecline:
		return 4
	case events.EventBindingExpire:
		return 2
	default:
		return 1
	}
}
