package pool

import (
	"net/netip"
	"slices"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/filter"
)

// HasFilter returns true if the pool is restricted to matching requests.
func (p *Pool) HasFilter() bool {
	return p.Filter != nil
}

// Eligible reports whether a request may be served from this pool.
// A pool without a filter serves everyone.
func (p *Pool) Eligible(src filter.OptionSource) bool {
	return p.Filter == nil || p.Filter.Matches(src)
}

// Order returns pools with filtered pools first and unfiltered last,
// keeping configured order within each group.
func Order(pools []*Pool) []*Pool {
	out := slices.Clone(pools)
	slices.SortStableFunc(out, func(a, b *Pool) int {
		switch {
		case a.HasFilter() && !b.HasFilter():
			return -1
		case !a.HasFilter() && b.HasFilter():
			return 1
		}
		return 0
	})
	return out
}

// Eligible returns the pools, in order, that may serve src.
func Eligible(pools []*Pool, src filter.OptionSource) []*Pool {
	var out []*Pool
	for _, p := range pools {
		if p.Eligible(src) {
			out = append(out, p)
		}
	}
	return out
}

// Find returns the pool that has u as a unit, or nil.
func Find(pools []*Pool, u netip.Prefix) *Pool {
	for _, p := range pools {
		if p.Contains(u) {
			return p
		}
	}
	return nil
}
