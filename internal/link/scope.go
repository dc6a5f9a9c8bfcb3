package link

import (
	"github.com/athena-dhcpd/athena-dhcp6d/internal/filter"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/policy"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/pool"
	"github.com/athena-dhcpd/athena-dhcp6d/pkg/dhcpv6"
)

// Scope is the configuration in effect for one request: the global scope,
// the link and optionally the issuing pool, each with the first filter that
// matched the request.
type Scope struct {
	Table        *Table
	Link         *Link
	Pool         *pool.Pool
	GlobalFilter *filter.Filter
	LinkFilter   *filter.Filter
}

// Resolve selects the global and link filters for src. l may be nil for
// requests that could not be placed on a link.
func (t *Table) Resolve(l *Link, src filter.OptionSource) Scope {
	s := Scope{
		Table:        t,
		Link:         l,
		GlobalFilter: filter.Select(src, t.Filters),
	}
	if l != nil {
		s.LinkFilter = filter.Select(src, l.Filters)
	}
	return s
}

// WithPool narrows the scope to the pool an object was issued from.
func (s Scope) WithPool(p *pool.Pool) Scope {
	s.Pool = p
	return s
}

// Chain returns the policy scopes, most specific first:
// pool filter, pool, link filter, link, global filter, global.
func (s Scope) Chain() policy.Chain {
	var c policy.Chain
	if s.Pool != nil {
		if s.Pool.Filter != nil {
			c = append(c, s.Pool.Filter.Policies)
		}
		c = append(c, s.Pool.Policies)
	}
	if s.LinkFilter != nil {
		c = append(c, s.LinkFilter.Policies)
	}
	if s.Link != nil {
		c = append(c, s.Link.Policies)
	}
	if s.GlobalFilter != nil {
		c = append(c, s.GlobalFilter.Policies)
	}
	if s.Table != nil {
		c = append(c, s.Table.Policies)
	}
	return c
}

// Options returns the effective option set. Layers are merged from the
// global scope inwards, so the closest scope wins per option code.
func (s Scope) Options() dhcpv6.OptionSet {
	var sets []dhcpv6.OptionSet
	if s.Table != nil {
		sets = append(sets, s.Table.Options)
	}
	if s.GlobalFilter != nil {
		sets = append(sets, s.GlobalFilter.Options)
	}
	if s.Link != nil {
		sets = append(sets, s.Link.Options)
	}
	if s.LinkFilter != nil {
		sets = append(sets, s.LinkFilter.Options)
	}
	if s.Pool != nil {
		sets = append(sets, s.Pool.Options)
		if s.Pool.Filter != nil {
			sets = append(sets, s.Pool.Filter.Options)
		}
	}
	return dhcpv6.Merge(sets...)
}
