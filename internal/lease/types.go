// Package lease manages identity associations, their binding objects, persistence and expiry.
package lease

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/link"
	"github.com/athena-dhcpd/athena-dhcp6d/pkg/dhcpv6"
)

// Key identifies an identity association: (DUID, IA type, IAID).
type Key struct {
	DUID string        `json:"duid"` // lowercase hex
	Type dhcpv6.IAType `json:"ia_type"`
	IAID uint32        `json:"iaid"`
}

// NewKey builds a key from a raw DUID.
func NewKey(duid []byte, t dhcpv6.IAType, iaid uint32) Key {
	return Key{DUID: hex.EncodeToString(duid), Type: t, IAID: iaid}
}

// String returns the storage form "duid/type/iaid".
func (k Key) String() string {
	return k.DUID + "/" + string(k.Type) + "/" + strconv.FormatUint(uint64(k.IAID), 10)
}

// ParseKey parses the storage form of a key.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("invalid IA key %q", s)
	}
	iaid, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return Key{}, fmt.Errorf("invalid IAID in key %q: %w", s, err)
	}
	k := Key{DUID: parts[0], Type: dhcpv6.IAType(parts[1]), IAID: uint32(iaid)}
	if !k.Type.Valid() {
		return Key{}, fmt.Errorf("invalid IA type in key %q", s)
	}
	return k, nil
}

// Object is one address or delegated prefix held by an IA.
type Object struct {
	Prefix       netip.Prefix        `json:"prefix"`
	State        dhcpv6.BindingState `json:"state"`
	Pool         string              `json:"pool,omitempty"`
	Start        time.Time           `json:"start"`
	PreferredEnd time.Time           `json:"preferred_end"`
	ValidEnd     time.Time           `json:"valid_end"`
}

// Expired reports whether the valid lifetime has run out.
func (o *Object) Expired(now time.Time) bool {
	return !o.ValidEnd.After(now)
}

// Lifetimes returns the remaining preferred and valid lifetimes in seconds.
func (o *Object) Lifetimes(now time.Time) (preferred, valid uint32) {
	return remaining(o.PreferredEnd, now), remaining(o.ValidEnd, now)
}

func remaining(end, now time.Time) uint32 {
	d := end.Sub(now)
	if d <= 0 {
		return 0
	}
	s := d / time.Second
	if s >= time.Duration(dhcpv6.Infinity) {
		return dhcpv6.Infinity - 1
	}
	return uint32(s)
}

// IA is the persisted identity association. It is written as one record.
type IA struct {
	Key     Key       `json:"key"`
	Link    string    `json:"link"`
	FQDN    string    `json:"fqdn,omitempty"`
	Static  bool      `json:"static,omitempty"`
	Objects []*Object `json:"objects"`
	Updated time.Time `json:"updated"`
}

// Object returns the object for prefix, or nil.
func (ia *IA) Object(p netip.Prefix) *Object {
	for _, o := range ia.Objects {
		if o.Prefix == p {
			return o
		}
	}
	return nil
}

// Live returns the advertised or committed objects.
func (ia *IA) Live() []*Object {
	var out []*Object
	for _, o := range ia.Objects {
		if o.State.Live() {
			out = append(out, o)
		}
	}
	return out
}

// carry appends the objects whose prefix the IA does not already have.
func (ia *IA) carry(objects []*Object) {
	for _, o := range objects {
		if ia.Object(o.Prefix) == nil {
			ia.Objects = append(ia.Objects, o)
		}
	}
}

// Remove drops the object for prefix and reports whether it was present.
func (ia *IA) Remove(p netip.Prefix) bool {
	n := len(ia.Objects)
	ia.Objects = slices.DeleteFunc(ia.Objects, func(o *Object) bool { return o.Prefix == p })
	return len(ia.Objects) != n
}

// Clone returns a deep copy of the IA.
func (ia *IA) Clone() *IA {
	c := *ia
	c.Objects = make([]*Object, len(ia.Objects))
	for i, o := range ia.Objects {
		oc := *o
		c.Objects[i] = &oc
	}
	return &c
}

// Binding is an IA materialized for one request on its link.
type Binding struct {
	Link   *link.Link
	IA     *IA
	Static bool
}

// Key returns the IA key of the binding.
func (b *Binding) Key() Key {
	return b.IA.Key
}
