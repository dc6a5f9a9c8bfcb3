// Package pool provides IPv6 address and prefix allocation over a sparse bitmap.
package pool

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"net/netip"
	"sync"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/filter"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/policy"
	"github.com/athena-dhcpd/athena-dhcp6d/pkg/dhcpv6"
)

var (
	// ErrOutOfRange is returned when an address or prefix is not a unit of the pool.
	ErrOutOfRange = errors.New("not in pool range")
	// ErrInUse is returned when marking a unit that is already allocated.
	ErrInUse = errors.New("already in use")
)

// Pool is a range of equally sized units: /128 addresses for IA_NA and IA_TA pools,
// delegated prefixes for IA_PD pools. Units are tracked 1 bit each in a sparse bitmap.
type Pool struct {
	Name      string
	Type      dhcpv6.IAType
	Start     netip.Addr // first unit
	End       netip.Addr // last unit
	UnitBits  int        // prefix length of one unit
	start     u128
	shift     uint
	size      uint64
	words     map[uint64]uint64 // word index -> 64 unit bits, 1=allocated; all-zero words are absent
	hint      uint64            // lowest word that may have a free bit
	allocated uint64
	mu        sync.Mutex

	Filter   *filter.Filter
	Options  dhcpv6.OptionSet
	Policies policy.Scope
}

// NewAddressPool creates an IA_NA or IA_TA pool covering start..end inclusive.
func NewAddressPool(name string, t dhcpv6.IAType, start, end netip.Addr) (*Pool, error) {
	if t != dhcpv6.IATypeNA && t != dhcpv6.IATypeTA {
		return nil, fmt.Errorf("pool %s: address pool type must be na or ta, got %q", name, t)
	}
	if !start.Is6() || start.Is4In6() || !end.Is6() || end.Is4In6() {
		return nil, fmt.Errorf("pool %s: range %s-%s is not IPv6", name, start, end)
	}
	if end.Less(start) {
		return nil, fmt.Errorf("pool %s: end %s is before start %s", name, end, start)
	}
	span := fromAddr(end).sub(fromAddr(start))
	if span.hi != 0 || span.lo == math.MaxUint64 {
		return nil, fmt.Errorf("pool %s: range %s-%s is too large", name, start, end)
	}
	return &Pool{
		Name:     name,
		Type:     t,
		Start:    start,
		End:      end,
		UnitBits: 128,
		start:    fromAddr(start),
		size:     span.lo + 1,
		words:    make(map[uint64]uint64),
	}, nil
}

// NewPrefixPool creates an IA_PD pool delegating prefixes of the given length out of base.
func NewPrefixPool(name string, base netip.Prefix, length int) (*Pool, error) {
	if !base.IsValid() || !base.Addr().Is6() || base.Addr().Is4In6() {
		return nil, fmt.Errorf("pool %s: invalid IPv6 prefix %s", name, base)
	}
	base = base.Masked()
	delegBits := length - base.Bits()
	if length > 128 || delegBits < 0 || delegBits > 63 {
		return nil, fmt.Errorf("pool %s: cannot delegate /%d out of %s", name, length, base)
	}
	p := &Pool{
		Name:     name,
		Type:     dhcpv6.IATypePD,
		Start:    base.Addr(),
		UnitBits: length,
		start:    fromAddr(base.Addr()),
		shift:    uint(128 - length),
		size:     uint64(1) << uint(delegBits),
		words:    make(map[uint64]uint64),
	}
	p.End = p.unit(p.size - 1).Addr()
	return p, nil
}

// Size returns the total number of units in the pool.
func (p *Pool) Size() uint64 {
	return p.size
}

// Used returns the number of allocated units.
func (p *Pool) Used() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// Available returns the number of free units.
func (p *Pool) Available() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size - p.allocated
}

// Utilization returns the pool utilization as a percentage.
func (p *Pool) Utilization() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.size == 0 {
		return 0
	}
	return float64(p.allocated) / float64(p.size) * 100
}

// offset converts a unit to its bitmap offset.
func (p *Pool) offset(u netip.Prefix) (uint64, bool) {
	if !u.IsValid() || u.Bits() != p.UnitBits {
		return 0, false
	}
	a := u.Addr().Unmap()
	if !a.Is6() || a.Less(p.Start) || p.End.Less(a) {
		return 0, false
	}
	diff := fromAddr(a).sub(p.start)
	if p.shift > 0 && diff.shl(128-p.shift) != (u128{}) {
		return 0, false // not aligned to a unit boundary
	}
	idx := diff.shr(p.shift)
	if idx.hi != 0 || idx.lo >= p.size {
		return 0, false
	}
	return idx.lo, true
}

// unit converts a bitmap offset to a unit.
func (p *Pool) unit(offset uint64) netip.Prefix {
	a := p.start.add(u128{lo: offset}.shl(p.shift)).addr()
	return netip.PrefixFrom(a, p.UnitBits)
}

func (p *Pool) isSet(offset uint64) bool {
	return p.words[offset/64]&(1<<(offset%64)) != 0
}

func (p *Pool) set(offset uint64) {
	w, bit := offset/64, offset%64
	if p.words[w]&(1<<bit) == 0 {
		p.words[w] |= 1 << bit
		p.allocated++
	}
}

func (p *Pool) clear(offset uint64) {
	w, bit := offset/64, offset%64
	word, ok := p.words[w]
	if !ok || word&(1<<bit) == 0 {
		return
	}
	word &^= 1 << bit
	if word == 0 {
		delete(p.words, w)
	} else {
		p.words[w] = word
	}
	p.allocated--
	if w < p.hint {
		p.hint = w
	}
}

// NextAvailable allocates the lowest free unit. Returns false when the pool is exhausted.
func (p *Pool) NextAvailable() (netip.Prefix, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.allocated >= p.size {
		return netip.Prefix{}, false
	}

	last := (p.size - 1) / 64
	for w := p.hint; w <= last; w++ {
		word := p.words[w]
		if word == ^uint64(0) {
			continue
		}
		offset := w*64 + uint64(bits.TrailingZeros64(^word))
		if offset >= p.size {
			break
		}
		p.hint = w
		p.set(offset)
		return p.unit(offset), true
	}
	return netip.Prefix{}, false
}

// MarkUsed allocates a specific unit.
func (p *Pool) MarkUsed(u netip.Prefix) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	offset, ok := p.offset(u)
	if !ok {
		return fmt.Errorf("%s in pool %s: %w", u, p.Name, ErrOutOfRange)
	}
	if p.isSet(offset) {
		return fmt.Errorf("%s in pool %s: %w", u, p.Name, ErrInUse)
	}
	p.set(offset)
	return nil
}

// MarkFree releases a unit. Returns false if it was not allocated or not in range.
func (p *Pool) MarkFree(u netip.Prefix) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	offset, ok := p.offset(u)
	if !ok || !p.isSet(offset) {
		return false
	}
	p.clear(offset)
	return true
}

// Contains reports whether u is a unit of this pool.
func (p *Pool) Contains(u netip.Prefix) bool {
	_, ok := p.offset(u)
	return ok
}

// IsUsed reports whether a specific unit is allocated.
func (p *Pool) IsUsed(u netip.Prefix) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	offset, ok := p.offset(u)
	if !ok {
		return false
	}
	return p.isSet(offset)
}

// Overlaps reports whether the address space of the two pools intersects.
func (p *Pool) Overlaps(o *Pool) bool {
	pEnd := p.lastAddr()
	oEnd := o.lastAddr()
	return !pEnd.Less(o.Start) && !oEnd.Less(p.Start)
}

// lastAddr is the highest address covered by the pool.
func (p *Pool) lastAddr() netip.Addr {
	if p.shift == 0 {
		return p.End
	}
	ones := u128{hi: math.MaxUint64, lo: math.MaxUint64}.shr(uint(p.UnitBits))
	return fromAddr(p.End).add(ones).addr()
}

// String returns a human-readable pool description.
func (p *Pool) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("%s (%s %s, %d/%d used)", p.Name, p.Type, p.RangeString(), p.allocated, p.size)
}

// RangeString returns the pool range as "start-end" or "base/len delegating /n".
func (p *Pool) RangeString() string {
	if p.Type == dhcpv6.IATypePD {
		base := netip.PrefixFrom(p.Start, p.UnitBits-bits.Len64(p.size-1))
		return fmt.Sprintf("%s delegating /%d", base, p.UnitBits)
	}
	return fmt.Sprintf("%s-%s", p.Start, p.End)
}
