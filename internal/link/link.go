// Package link builds the immutable table of links, pools, filters and static bindings from configuration.
package link

import (
	"fmt"
	"net/netip"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/config"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/filter"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/policy"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/pool"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/subnet"
	"github.com/athena-dhcpd/athena-dhcp6d/pkg/dhcpv6"
)

// Static is a configured (DUID, IA type, IAID) to address or prefix binding.
type Static struct {
	DUID []byte
	Type dhcpv6.IAType
	IAID uint32
	Unit netip.Prefix
}

// Link is one network segment served by the server.
type Link struct {
	Name      string
	Interface string
	Prefix    netip.Prefix // zero when the link is defined by interface only
	Pools     map[dhcpv6.IAType][]*pool.Pool
	Filters   []*filter.Filter
	Policies  policy.Scope
	Options   dhcpv6.OptionSet
	Statics   []Static
	Radius    config.RadiusConfig
}

// AllPools returns every pool on the link.
func (l *Link) AllPools() []*pool.Pool {
	var out []*pool.Pool
	for _, t := range []dhcpv6.IAType{dhcpv6.IATypeNA, dhcpv6.IATypeTA, dhcpv6.IATypePD} {
		out = append(out, l.Pools[t]...)
	}
	return out
}

// PoolFor returns the pool on this link that has u as a unit.
func (l *Link) PoolFor(u netip.Prefix) *pool.Pool {
	return pool.Find(l.AllPools(), u)
}

// OnLink reports whether addr is appropriate for this link: inside its prefix or one of its pools.
func (l *Link) OnLink(addr netip.Addr) bool {
	if l.Prefix.IsValid() && l.Prefix.Contains(addr) {
		return true
	}
	u := netip.PrefixFrom(addr, 128)
	for _, t := range []dhcpv6.IAType{dhcpv6.IATypeNA, dhcpv6.IATypeTA} {
		if pool.Find(l.Pools[t], u) != nil {
			return true
		}
	}
	return false
}

func (l *Link) String() string {
	if l.Prefix.IsValid() {
		return fmt.Sprintf("%s (%s)", l.Name, l.Prefix)
	}
	return l.Name
}

// Table holds all links plus the global scope.
type Table struct {
	Links    []*Link
	Options  dhcpv6.OptionSet
	Filters  []*filter.Filter
	Policies policy.Scope

	byPrefix *subnet.Index[*Link]
	byIface  map[string]*Link
}

// Build compiles the configuration into a link table.
func Build(cfg *config.Config) (*Table, error) {
	t := &Table{
		Policies: policy.Normalize(cfg.Policies),
		byIface:  make(map[string]*Link),
	}

	opts, err := config.OptionSet(cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("global options: %w", err)
	}
	t.Options = opts

	for i := range cfg.Filters {
		f, err := cfg.Filters[i].Compile()
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", cfg.Filters[i].Name, err)
		}
		t.Filters = append(t.Filters, f)
	}

	var entries []subnet.Entry[*Link]
	var all []*pool.Pool
	for i := range cfg.Links {
		l, err := buildLink(&cfg.Links[i])
		if err != nil {
			return nil, err
		}
		for _, p := range l.AllPools() {
			for _, o := range all {
				if p.Overlaps(o) {
					return nil, fmt.Errorf("link %s: pool %s overlaps pool %s", l.Name, p.Name, o.Name)
				}
			}
			all = append(all, p)
		}
		t.Links = append(t.Links, l)
		if l.Prefix.IsValid() {
			entries = append(entries, subnet.Entry[*Link]{Prefix: l.Prefix, Value: l})
		}
		if l.Interface != "" {
			if other, dup := t.byIface[l.Interface]; dup {
				return nil, fmt.Errorf("link %s: interface %s already used by link %s", l.Name, l.Interface, other.Name)
			}
			t.byIface[l.Interface] = l
		}
	}

	idx, err := subnet.New(entries)
	if err != nil {
		return nil, fmt.Errorf("indexing link prefixes: %w", err)
	}
	t.byPrefix = idx
	return t, nil
}

func buildLink(lc *config.LinkConfig) (*Link, error) {
	l := &Link{
		Name:      lc.Name,
		Interface: lc.Interface,
		Policies:  policy.Normalize(lc.Policies),
		Pools:     make(map[dhcpv6.IAType][]*pool.Pool),
		Radius:    lc.Radius,
	}
	if lc.Prefix != "" {
		p, err := netip.ParsePrefix(lc.Prefix)
		if err != nil {
			return nil, fmt.Errorf("link %s: invalid prefix %q: %w", lc.Name, lc.Prefix, err)
		}
		l.Prefix = p.Masked()
	}

	opts, err := config.OptionSet(lc.Options)
	if err != nil {
		return nil, fmt.Errorf("link %s options: %w", l.Name, err)
	}
	l.Options = opts

	for i := range lc.Filters {
		f, err := lc.Filters[i].Compile()
		if err != nil {
			return nil, fmt.Errorf("link %s filter %q: %w", l.Name, lc.Filters[i].Name, err)
		}
		l.Filters = append(l.Filters, f)
	}

	for i := range lc.Pools {
		p, err := buildPool(&lc.Pools[i])
		if err != nil {
			return nil, fmt.Errorf("link %s: %w", l.Name, err)
		}
		if l.Prefix.IsValid() && p.Type != dhcpv6.IATypePD &&
			(!l.Prefix.Contains(p.Start) || !l.Prefix.Contains(p.End)) {
			return nil, fmt.Errorf("link %s: pool %s is outside %s", l.Name, p.Name, l.Prefix)
		}
		l.Pools[p.Type] = append(l.Pools[p.Type], p)
	}
	for t, pools := range l.Pools {
		l.Pools[t] = pool.Order(pools)
	}

	for i, sc := range lc.Statics {
		duid, err := config.ParseHex(sc.DUID)
		if err != nil {
			return nil, fmt.Errorf("link %s static[%d]: invalid duid: %w", l.Name, i, err)
		}
		unit, err := sc.Unit()
		if err != nil {
			return nil, fmt.Errorf("link %s static[%d]: %w", l.Name, i, err)
		}
		l.Statics = append(l.Statics, Static{
			DUID: duid,
			Type: dhcpv6.IAType(sc.IAType),
			IAID: uint32(sc.IAID),
			Unit: unit,
		})
	}
	return l, nil
}

func buildPool(pc *config.PoolConfig) (*pool.Pool, error) {
	var p *pool.Pool
	var err error
	switch t := dhcpv6.IAType(pc.Type); t {
	case dhcpv6.IATypePD:
		base, perr := netip.ParsePrefix(pc.Prefix)
		if perr != nil {
			return nil, fmt.Errorf("pool %s: invalid prefix %q: %w", pc.Name, pc.Prefix, perr)
		}
		p, err = pool.NewPrefixPool(pc.Name, base, pc.PrefixLength)
	default:
		start, serr := netip.ParseAddr(pc.RangeStart)
		end, eerr := netip.ParseAddr(pc.RangeEnd)
		if serr != nil || eerr != nil {
			return nil, fmt.Errorf("pool %s: invalid range %q-%q", pc.Name, pc.RangeStart, pc.RangeEnd)
		}
		p, err = pool.NewAddressPool(pc.Name, t, start, end)
	}
	if err != nil {
		return nil, err
	}

	p.Policies = policy.Normalize(pc.Policies)
	if p.Options, err = config.OptionSet(pc.Options); err != nil {
		return nil, fmt.Errorf("pool %s options: %w", pc.Name, err)
	}
	if pc.Filter != nil {
		if p.Filter, err = pc.Filter.Compile(); err != nil {
			return nil, fmt.Errorf("pool %s filter: %w", pc.Name, err)
		}
	}
	return p, nil
}

// FindLink returns the link whose prefix is the longest match for addr.
func (t *Table) FindLink(addr netip.Addr) *Link {
	l, _ := t.byPrefix.Lookup(addr)
	return l
}

// FindByInterface returns the link configured on the named interface.
func (t *Table) FindByInterface(name string) *Link {
	return t.byIface[name]
}

// ByName returns the link with the given name.
func (t *Table) ByName(name string) *Link {
	for _, l := range t.Links {
		if l.Name == name {
			return l
		}
	}
	return nil
}

// Pools returns every pool of every link.
func (t *Table) Pools() []*pool.Pool {
	var out []*pool.Pool
	for _, l := range t.Links {
		out = append(out, l.AllPools()...)
	}
	return out
}

// Interfaces returns the interface names of interface-bound links.
func (t *Table) Interfaces() []string {
	var out []string
	for _, l := range t.Links {
		if l.Interface != "" {
			out = append(out, l.Interface)
		}
	}
	return out
}
