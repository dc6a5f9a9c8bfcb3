// Package subnet provides an ordered prefix index with longest-prefix-match lookup.
package subnet

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
)

// ErrDuplicate is returned when the same prefix is indexed twice.
var ErrDuplicate = errors.New("duplicate prefix")

// Entry pairs a prefix with its value.
type Entry[T any] struct {
	Prefix netip.Prefix
	Value  T
}

type node[T any] struct {
	prefix netip.Prefix
	value  T
	parent int // nearest enclosing entry, -1 for none
}

// Index is an immutable set of prefixes ordered by base address, then prefix length.
type Index[T any] struct {
	nodes []node[T]
}

// New builds an index. Prefixes are masked before insertion; nesting is allowed, duplicates are not.
func New[T any](entries []Entry[T]) (*Index[T], error) {
	nodes := make([]node[T], 0, len(entries))
	for _, e := range entries {
		if !e.Prefix.IsValid() {
			return nil, fmt.Errorf("invalid prefix %v", e.Prefix)
		}
		nodes = append(nodes, node[T]{prefix: e.Prefix.Masked(), value: e.Value, parent: -1})
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		return less(nodes[i].prefix, nodes[j].prefix)
	})

	var stack []int
	for i := range nodes {
		p := nodes[i].prefix
		if i > 0 && nodes[i-1].prefix == p {
			return nil, fmt.Errorf("indexing %s: %w", p, ErrDuplicate)
		}
		for len(stack) > 0 {
			top := nodes[stack[len(stack)-1]].prefix
			if top.Bits() < p.Bits() && top.Contains(p.Addr()) {
				break
			}
			stack = stack[:len(stack)-1]
		}
		if len(stack) > 0 {
			nodes[i].parent = stack[len(stack)-1]
		}
		stack = append(stack, i)
	}
	return &Index[T]{nodes: nodes}, nil
}

func less(a, b netip.Prefix) bool {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c < 0
	}
	return a.Bits() < b.Bits()
}

// Len returns the number of indexed prefixes.
func (x *Index[T]) Len() int {
	return len(x.nodes)
}

// Lookup returns the value of the longest prefix containing addr.
func (x *Index[T]) Lookup(addr netip.Addr) (T, bool) {
	_, v, ok := x.LookupPrefix(addr)
	return v, ok
}

// LookupPrefix is Lookup that also returns the matched prefix.
func (x *Index[T]) LookupPrefix(addr netip.Addr) (netip.Prefix, T, bool) {
	var zero T
	if x == nil || !addr.IsValid() {
		return netip.Prefix{}, zero, false
	}
	addr = addr.Unmap()

	// floor: last entry whose base is <= addr
	i := sort.Search(len(x.nodes), func(i int) bool {
		return x.nodes[i].prefix.Addr().Compare(addr) > 0
	}) - 1

	// every prefix that contains addr is an ancestor of the floor entry
	for i >= 0 {
		n := &x.nodes[i]
		if n.prefix.Contains(addr) {
			return n.prefix, n.value, true
		}
		i = n.parent
	}
	return netip.Prefix{}, zero, false
}

// Exact returns the value stored for exactly this prefix.
func (x *Index[T]) Exact(p netip.Prefix) (T, bool) {
	var zero T
	if x == nil || !p.IsValid() {
		return zero, false
	}
	p = p.Masked()
	i := sort.Search(len(x.nodes), func(i int) bool {
		return !less(x.nodes[i].prefix, p)
	})
	if i < len(x.nodes) && x.nodes[i].prefix == p {
		return x.nodes[i].value, true
	}
	return zero, false
}

// Prefixes returns all indexed prefixes in order.
func (x *Index[T]) Prefixes() []netip.Prefix {
	out := make([]netip.Prefix, len(x.nodes))
	for i, n := range x.nodes {
		out[i] = n.prefix
	}
	return out
}
