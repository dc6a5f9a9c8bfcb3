// Package events carries binding lifecycle events from the binding manager to
// the audit log, dynamic DNS, SIEM forwarding, anomaly detection and
// external hooks.
package events

import (
	"net/netip"
	"strconv"
	"time"
)

// EventType identifies a binding transition or a link-level alert.
type EventType string

const (
	EventBindingAdvertise EventType = "binding.advertise"
	EventBindingCommit    EventType = "binding.commit"
	EventBindingRenew     EventType = "binding.renew"
	EventBindingRelease   EventType = "binding.release"
	EventBindingDecline   EventType = "binding.decline"
	EventBindingExpire    EventType = "binding.expire"

	EventLinkAnomaly EventType = "link.anomaly"
)

// Event is published on the bus for every binding object transition.
// Link-level events carry Link and no Binding.
type Event struct {
	Type      EventType    `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Binding   *BindingData `json:"binding,omitempty"`
	Link      string       `json:"link,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// LinkName returns the link the event concerns.
func (e *Event) LinkName() string {
	if e.Binding != nil && e.Binding.Link != "" {
		return e.Binding.Link
	}
	return e.Link
}

// BindingData describes one binding object and the IA that holds it.
type BindingData struct {
	DUID         string       `json:"duid"`
	IAType       string       `json:"ia_type"`
	IAID         uint32       `json:"iaid"`
	Prefix       netip.Prefix `json:"prefix"`
	State        string       `json:"state"`
	Link         string       `json:"link"`
	Pool         string       `json:"pool,omitempty"`
	Static       bool         `json:"static,omitempty"`
	FQDN         string       `json:"fqdn,omitempty"`
	Start        int64        `json:"start"`
	PreferredEnd int64        `json:"preferred_end"`
	ValidEnd     int64        `json:"valid_end"`
	InterfaceID  string       `json:"interface_id,omitempty"`
	RemoteID     string       `json:"remote_id,omitempty"`
}

// IsAddress reports whether the object is a single address rather than a delegated prefix.
func (b *BindingData) IsAddress() bool {
	return b.Prefix.IsValid() && b.Prefix.Bits() == 128
}

// ToEnvVars converts an event to ATHENA_* environment variables for script hooks.
func (e *Event) ToEnvVars() map[string]string {
	vars := map[string]string{
		"ATHENA_EVENT":     string(e.Type),
		"ATHENA_TIMESTAMP": strconv.FormatInt(e.Timestamp.Unix(), 10),
	}
	if e.Reason != "" {
		vars["ATHENA_REASON"] = e.Reason
	}
	if l := e.LinkName(); l != "" {
		vars["ATHENA_LINK"] = l
	}

	if b := e.Binding; b != nil {
		vars["ATHENA_DUID"] = b.DUID
		vars["ATHENA_IA_TYPE"] = b.IAType
		vars["ATHENA_IAID"] = strconv.FormatUint(uint64(b.IAID), 10)
		vars["ATHENA_STATE"] = b.State
		if b.Prefix.IsValid() {
			vars["ATHENA_PREFIX"] = b.Prefix.String()
			if b.IsAddress() {
				vars["ATHENA_IP"] = b.Prefix.Addr().String()
			}
		}
		if b.Pool != "" {
			vars["ATHENA_POOL"] = b.Pool
		}
		if b.Static {
			vars["ATHENA_STATIC"] = "1"
		}
		if b.FQDN != "" {
			vars["ATHENA_FQDN"] = b.FQDN
		}
		if b.Start > 0 {
			vars["ATHENA_BINDING_START"] = strconv.FormatInt(b.Start, 10)
		}
		if b.PreferredEnd > 0 {
			vars["ATHENA_PREFERRED_END"] = strconv.FormatInt(b.PreferredEnd, 10)
		}
		if b.ValidEnd > 0 {
			vars["ATHENA_VALID_END"] = strconv.FormatInt(b.ValidEnd, 10)
		}
		if b.InterfaceID != "" {
			vars["ATHENA_RELAY_INTERFACE_ID"] = b.InterfaceID
		}
		if b.RemoteID != "" {
			vars["ATHENA_RELAY_REMOTE_ID"] = b.RemoteID
		}
	}

	return vars
}
