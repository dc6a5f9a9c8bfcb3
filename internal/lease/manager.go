package lease

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/events"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/filter"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/link"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/metrics"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/policy"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/pool"
	"github.com/athena-dhcpd/athena-dhcp6d/pkg/dhcpv6"
)

// ErrExhausted is returned by Update when no pool on the link has a free unit.
var ErrExhausted = errors.New("lease: no free address or prefix")

// Request is the view of a client message the manager allocates against.
type Request interface {
	filter.OptionSource
	// FQDN returns the client's fully qualified name, or "" when none was sent.
	FQDN() string
}

type noOptions struct{}

func (noOptions) Option(dhcpv6.OptionCode) ([]byte, bool) { return nil, false }
func (noOptions) FQDN() string                            { return "" }

type staticBinding struct {
	link *link.Link
	unit netip.Prefix
}

// Manager allocates, refreshes, releases and expires bindings. Operations on
// one IA must run under the lock returned by Lock for its key.
type Manager struct {
	store  Store
	links  *link.Table
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
	locks  keyLocks

	statics  map[Key]staticBinding
	pools    map[string]*pool.Pool
	poolLink map[*pool.Pool]*link.Link
}

// NewManager creates a manager over the link table. Static units that fall
// inside a pool are reserved in that pool.
func NewManager(store Store, links *link.Table, bus *events.Bus, logger *slog.Logger) *Manager {
	m := &Manager{
		store:    store,
		links:    links,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
		locks:    keyLocks{m: make(map[Key]*keyLock)},
		statics:  make(map[Key]staticBinding),
		pools:    make(map[string]*pool.Pool),
		poolLink: make(map[*pool.Pool]*link.Link),
	}
	for _, l := range links.Links {
		for _, p := range l.AllPools() {
			m.pools[p.Name] = p
			m.poolLink[p] = l
		}
		for _, st := range l.Statics {
			m.statics[NewKey(st.DUID, st.Type, st.IAID)] = staticBinding{link: l, unit: st.Unit}
			if p := pool.Find(l.AllPools(), st.Unit); p != nil {
				_ = p.MarkUsed(st.Unit)
			}
		}
	}
	return m
}

// Store returns the underlying IA store.
func (m *Manager) Store() Store {
	return m.store
}

// Links returns the link table.
func (m *Manager) Links() *link.Table {
	return m.links
}

// Lock serializes work on one IA. The returned function releases the lock.
func (m *Manager) Lock(k Key) (unlock func()) {
	return m.locks.lock(k)
}

// IsStatic reports whether k has a static binding on l.
func (m *Manager) IsStatic(l *link.Link, k Key) bool {
	st, ok := m.statics[k]
	return ok && st.link == l
}

// FindCurrent returns the stored binding for k, or nil when there is none.
func (m *Manager) FindCurrent(k Key) (*Binding, error) {
	ia, err := m.store.Get(k)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("loading IA %s: %w", k, err)
	}
	l := m.links.ByName(ia.Link)
	if l == nil {
		return nil, nil
	}
	return &Binding{Link: l, IA: ia, Static: ia.Static}, nil
}

// CreateSolicit builds a new binding for k on l. A static binding wins;
// otherwise requested units are honoured when free in an eligible pool and
// substituted when held by another IA. With nothing usable requested the
// next free unit of the first eligible pool with capacity is taken. The
// result is nil when the link has no capacity left. Declined objects of a
// record already stored under k are carried into the new one.
func (m *Manager) CreateSolicit(req Request, l *link.Link, k Key, requested []netip.Prefix, commit bool) (*Binding, error) {
	state := dhcpv6.BindingAdvertised
	if commit {
		state = dhcpv6.BindingCommitted
	}
	declined, err := m.declined(k)
	if err != nil {
		return nil, err
	}
	now := m.now()
	ia := &IA{Key: k, Link: l.Name, FQDN: req.FQDN(), Updated: now}

	if st, ok := m.statics[k]; ok && st.link == l {
		ia.Static = true
		o := &Object{Prefix: st.unit}
		p := pool.Find(l.AllPools(), st.unit)
		if p != nil {
			o.Pool = p.Name
		}
		m.stamp(o, m.chain(req, l, p), state, now)
		ia.Objects = []*Object{o}
		ia.carry(declined)
		if err := m.put(ia); err != nil {
			return nil, err
		}
		m.transition(req, ia, o, "", "static binding")
		return &Binding{Link: l, IA: ia, Static: true}, nil
	}

	allocs := m.allocate(req, l, k.Type, requested)
	if len(allocs) == 0 {
		m.exhausted(l, k)
		return nil, nil
	}
	for _, a := range allocs {
		o := &Object{Prefix: a.unit, Pool: a.pool.Name}
		m.stamp(o, m.chain(req, l, a.pool), state, now)
		ia.Objects = append(ia.Objects, o)
	}
	ia.carry(declined)
	if err := m.put(ia); err != nil {
		m.rollback(l, allocs)
		return nil, err
	}
	for _, o := range ia.Live() {
		m.transition(req, ia, o, "", "")
	}
	m.poolMetrics(l, allocs)
	return &Binding{Link: l, IA: ia}, nil
}

// declined returns the declined objects of the record stored under k.
func (m *Manager) declined(k Key) ([]*Object, error) {
	prev, err := m.store.Get(k)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("loading IA %s: %w", k, err)
	}
	var out []*Object
	for _, o := range prev.Objects {
		if o.State == dhcpv6.BindingDeclined {
			out = append(out, o)
		}
	}
	return out, nil
}

// Update refreshes the lifetimes of the binding's live objects and sets
// their state. When nothing is live, new units are allocated as in
// CreateSolicit; ErrExhausted is returned if none are free.
func (m *Manager) Update(req Request, b *Binding, state dhcpv6.BindingState, requested []netip.Prefix) error {
	now := m.now()
	ia := b.IA.Clone()
	ia.Updated = now
	if f := req.FQDN(); f != "" {
		ia.FQDN = f
	}

	type change struct {
		o    *Object
		prev dhcpv6.BindingState
	}
	var changes []change
	var allocs []allocation

	live := ia.Live()
	switch {
	case len(live) > 0:
		for _, o := range live {
			changes = append(changes, change{o, o.State})
			m.stamp(o, m.chain(req, b.Link, m.poolOf(o)), state, now)
		}
	case b.Static:
		st, ok := m.statics[ia.Key]
		if !ok {
			return ErrExhausted
		}
		o := ia.Object(st.unit)
		if o == nil {
			o = &Object{Prefix: st.unit}
			ia.Objects = append(ia.Objects, o)
		}
		changes = append(changes, change{o, o.State})
		m.stamp(o, m.chain(req, b.Link, m.poolOf(o)), state, now)
	default:
		allocs = m.allocate(req, b.Link, ia.Key.Type, requested)
		if len(allocs) == 0 {
			m.exhausted(b.Link, ia.Key)
			return ErrExhausted
		}
		for _, a := range allocs {
			o := ia.Object(a.unit)
			if o == nil {
				o = &Object{Prefix: a.unit}
				ia.Objects = append(ia.Objects, o)
			}
			o.Pool = a.pool.Name
			changes = append(changes, change{o, ""})
			m.stamp(o, m.chain(req, b.Link, a.pool), state, now)
		}
	}

	if err := m.put(ia); err != nil {
		m.rollback(b.Link, allocs)
		return err
	}
	b.IA = ia
	for _, c := range changes {
		m.transition(req, ia, c.o, c.prev, "")
	}
	m.poolMetrics(b.Link, allocs)
	return nil
}

// Release returns an object to its pool. Depending on delete_old_bindings
// the object is removed or kept as released. Releasing an object that is
// missing or not live is a no-op, so a declined unit stays out of its pool
// until purged. The pool is only updated after the store write succeeds.
func (m *Manager) Release(req Request, b *Binding, p netip.Prefix) error {
	cur := b.IA.Object(p)
	if cur == nil || !cur.State.Live() {
		return nil
	}
	prev := cur.State
	pl := m.poolOf(cur)
	ia, o := m.retire(b.IA, p, dhcpv6.BindingReleased, m.chain(req, b.Link, pl))
	if err := m.save(ia); err != nil {
		return err
	}
	b.IA = ia
	if !b.Static && pl != nil {
		pl.MarkFree(p)
		m.poolMetrics(b.Link, []allocation{{p, pl}})
	}
	m.transition(req, ia, o, prev, "")
	return nil
}

// Decline marks an object declined and clears its lifetimes. The unit stays
// out of its pool.
func (m *Manager) Decline(req Request, b *Binding, p netip.Prefix) error {
	cur := b.IA.Object(p)
	if cur == nil || cur.State == dhcpv6.BindingDeclined {
		return nil
	}
	prev := cur.State
	ia := b.IA.Clone()
	ia.Updated = m.now()
	o := ia.Object(p)
	o.State = dhcpv6.BindingDeclined
	o.PreferredEnd, o.ValidEnd = time.Time{}, time.Time{}
	if err := m.put(ia); err != nil {
		return err
	}
	b.IA = ia
	if pl := m.poolOf(o); pl != nil && !b.Static && !pl.IsUsed(p) {
		// A declined unit that had been released must not be handed out again.
		_ = pl.MarkUsed(p)
	}
	m.transition(req, ia, o, prev, "declined by client")
	return nil
}

// ExpireBindings frees live objects whose valid lifetime has passed and
// returns how many were expired.
func (m *Manager) ExpireBindings() int {
	now := m.now()
	var keys []Key
	err := m.store.ForEach(func(ia *IA) bool {
		for _, o := range ia.Objects {
			if o.State.Live() && o.Expired(now) {
				keys = append(keys, ia.Key)
				break
			}
		}
		return true
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("scan").Inc()
		m.logger.Error("scanning bindings for expiry", "error", err)
		return 0
	}

	expired := 0
	for _, k := range keys {
		expired += m.expireIA(k, now)
	}
	metrics.ReaperRuns.Inc()
	metrics.ReaperExpired.Add(float64(expired))
	return expired
}

func (m *Manager) expireIA(k Key, now time.Time) int {
	unlock := m.Lock(k)
	defer unlock()

	b, err := m.FindCurrent(k)
	if err != nil || b == nil {
		return 0
	}
	n := 0
	for _, cur := range b.IA.Live() {
		if !cur.Expired(now) {
			continue
		}
		prev := cur.State
		pl := m.poolOf(cur)
		ia, o := m.retire(b.IA, cur.Prefix, dhcpv6.BindingExpired, m.chain(noOptions{}, b.Link, pl))
		if err := m.save(ia); err != nil {
			m.logger.Error("failed to expire binding",
				"duid", k.DUID, "iaid", k.IAID, "prefix", cur.Prefix.String(), "error", err)
			continue
		}
		b.IA = ia
		if !b.Static && pl != nil {
			pl.MarkFree(cur.Prefix)
			m.poolMetrics(b.Link, []allocation{{cur.Prefix, pl}})
		}
		m.transition(nil, ia, o, prev, "valid lifetime elapsed")
		n++
	}
	return n
}

// retire returns a copy of ia with the object for p removed, or moved to
// state with cleared lifetimes, according to delete_old_bindings. The
// returned object carries the new state for reporting.
func (m *Manager) retire(cur *IA, p netip.Prefix, state dhcpv6.BindingState, chain policy.Chain) (*IA, *Object) {
	ia := cur.Clone()
	ia.Updated = m.now()
	o := ia.Object(p)
	o.State = state
	o.PreferredEnd, o.ValidEnd = time.Time{}, time.Time{}
	if chain.Bool(policy.DeleteOldBindings) {
		ia.Remove(p)
	}
	return ia, o
}

// save writes ia, deleting the record once it holds no objects.
func (m *Manager) save(ia *IA) error {
	if len(ia.Objects) > 0 {
		return m.put(ia)
	}
	if err := m.store.Delete(ia.Key); err != nil {
		metrics.StoreErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("deleting IA %s: %w", ia.Key, err)
	}
	return nil
}

func (m *Manager) put(ia *IA) error {
	if err := m.store.Put(ia); err != nil {
		metrics.StoreErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("storing IA %s: %w", ia.Key, err)
	}
	return nil
}

type allocation struct {
	unit netip.Prefix
	pool *pool.Pool
}

// allocate marks units used for an IA of type t on l. The caller frees them
// with rollback if the binding cannot be stored.
func (m *Manager) allocate(src filter.OptionSource, l *link.Link, t dhcpv6.IAType, requested []netip.Prefix) []allocation {
	eligible := pool.Eligible(l.Pools[t], src)
	var out []allocation
	seen := make(map[netip.Prefix]bool)
	substitutes := 0
	for _, r := range requested {
		if seen[r] {
			continue
		}
		seen[r] = true
		p := pool.Find(eligible, r)
		if p == nil {
			continue
		}
		if err := p.MarkUsed(r); err != nil {
			substitutes++
			continue
		}
		out = append(out, allocation{r, p})
	}
	if len(out) == 0 && substitutes == 0 {
		substitutes = 1
	}
	for ; substitutes > 0; substitutes-- {
		a, ok := next(eligible)
		if !ok {
			break
		}
		out = append(out, a)
	}
	return out
}

func next(pools []*pool.Pool) (allocation, bool) {
	for _, p := range pools {
		if u, ok := p.NextAvailable(); ok {
			return allocation{u, p}, true
		}
	}
	return allocation{}, false
}

func (m *Manager) rollback(l *link.Link, allocs []allocation) {
	for _, a := range allocs {
		a.pool.MarkFree(a.unit)
	}
	m.poolMetrics(l, allocs)
}

func (m *Manager) poolOf(o *Object) *pool.Pool {
	if p, ok := m.pools[o.Pool]; ok && p.Contains(o.Prefix) {
		return p
	}
	return pool.Find(m.links.Pools(), o.Prefix)
}

func (m *Manager) chain(src filter.OptionSource, l *link.Link, p *pool.Pool) policy.Chain {
	if src == nil {
		src = noOptions{}
	}
	return m.links.Resolve(l, src).WithPool(p).Chain()
}

// stamp sets state and lifetimes from the policy chain.
func (m *Manager) stamp(o *Object, chain policy.Chain, state dhcpv6.BindingState, now time.Time) {
	preferred := chain.Duration(policy.PreferredLifetime)
	valid := chain.Duration(policy.ValidLifetime)
	if preferred > valid {
		preferred = valid
	}
	o.State = state
	o.Start = now
	o.PreferredEnd = now.Add(preferred)
	o.ValidEnd = now.Add(valid)
}

func (m *Manager) exhausted(l *link.Link, k Key) {
	metrics.PoolExhausted.WithLabelValues(l.Name, string(k.Type)).Inc()
	m.logger.Warn("no free units on link",
		"link", l.Name,
		"ia_type", string(k.Type),
		"duid", k.DUID,
		"iaid", k.IAID)
}

func (m *Manager) poolMetrics(l *link.Link, allocs []allocation) {
	for _, a := range allocs {
		metrics.PoolAllocated.WithLabelValues(l.Name, a.pool.Name).Set(float64(a.pool.Used()))
		metrics.PoolUtilization.WithLabelValues(l.Name, a.pool.Name).Set(a.pool.Utilization())
	}
}

var transitionEvents = map[dhcpv6.BindingState]events.EventType{
	dhcpv6.BindingAdvertised: events.EventBindingAdvertise,
	dhcpv6.BindingCommitted:  events.EventBindingCommit,
	dhcpv6.BindingReleased:   events.EventBindingRelease,
	dhcpv6.BindingDeclined:   events.EventBindingDecline,
	dhcpv6.BindingExpired:    events.EventBindingExpire,
}

var transitionOps = map[events.EventType]string{
	events.EventBindingAdvertise: "advertise",
	events.EventBindingCommit:    "commit",
	events.EventBindingRenew:     "renew",
	events.EventBindingRelease:   "release",
	events.EventBindingDecline:   "decline",
	events.EventBindingExpire:    "expire",
}

// transition records an object moving from prev to its current state:
// gauges, operation counter, log line and bus event.
func (m *Manager) transition(src filter.OptionSource, ia *IA, o *Object, prev dhcpv6.BindingState, reason string) {
	t := string(ia.Key.Type)
	switch prev {
	case dhcpv6.BindingCommitted:
		metrics.BindingsActive.WithLabelValues(t).Dec()
	case dhcpv6.BindingAdvertised:
		metrics.BindingsAdvertised.WithLabelValues(t).Dec()
	}
	switch o.State {
	case dhcpv6.BindingCommitted:
		metrics.BindingsActive.WithLabelValues(t).Inc()
	case dhcpv6.BindingAdvertised:
		metrics.BindingsAdvertised.WithLabelValues(t).Inc()
	}

	evt := transitionEvents[o.State]
	if evt == events.EventBindingCommit && prev == dhcpv6.BindingCommitted {
		evt = events.EventBindingRenew
	}
	metrics.BindingOperations.WithLabelValues(transitionOps[evt]).Inc()

	level := slog.LevelDebug
	if o.State != dhcpv6.BindingAdvertised && evt != events.EventBindingRenew {
		level = slog.LevelInfo
	}
	m.logger.Log(context.Background(), level, "binding "+transitionOps[evt],
		"duid", ia.Key.DUID,
		"ia_type", t,
		"iaid", ia.Key.IAID,
		"prefix", o.Prefix.String(),
		"link", ia.Link,
		"state", string(o.State),
		"static", ia.Static)

	m.bus.Publish(events.Event{
		Type:      evt,
		Timestamp: m.now(),
		Binding:   bindingData(src, ia, o),
		Reason:    reason,
	})
}

func bindingData(src filter.OptionSource, ia *IA, o *Object) *events.BindingData {
	d := &events.BindingData{
		DUID:   ia.Key.DUID,
		IAType: string(ia.Key.Type),
		IAID:   ia.Key.IAID,
		Prefix: o.Prefix,
		State:  string(o.State),
		Link:   ia.Link,
		Pool:   o.Pool,
		Static: ia.Static,
		FQDN:   ia.FQDN,
	}
	if !o.Start.IsZero() {
		d.Start = o.Start.Unix()
	}
	if !o.PreferredEnd.IsZero() {
		d.PreferredEnd = o.PreferredEnd.Unix()
	}
	if !o.ValidEnd.IsZero() {
		d.ValidEnd = o.ValidEnd.Unix()
	}
	if src != nil {
		if v, ok := src.Option(dhcpv6.OptionInterfaceID); ok {
			d.InterfaceID = printable(v)
		}
		if v, ok := src.Option(dhcpv6.OptionRemoteID); ok {
			d.RemoteID = printable(v)
		}
	}
	return d
}

// printable returns b as text when it is printable UTF-8, else as hex.
func printable(b []byte) string {
	if !utf8.Valid(b) {
		return hex.EncodeToString(b)
	}
	for _, r := range string(b) {
		if r < 0x20 || r == 0x7f {
			return hex.EncodeToString(b)
		}
	}
	return string(b)
}

type keyLocks struct {
	mu sync.Mutex
	m  map[Key]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (l *keyLocks) lock(k Key) func() {
	l.mu.Lock()
	kl, ok := l.m[k]
	if !ok {
		kl = &keyLock{}
		l.m[k] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.m, k)
		}
		l.mu.Unlock()
	}
}

// Reconcile loads stored bindings into the pools. IAs on links that no
// longer exist are deleted; objects outside every pool, other than an IA's
// own static unit, are purged, as are duplicates of a unit already held.
func (m *Manager) Reconcile() error {
	var all []*IA
	if err := m.store.ForEach(func(ia *IA) bool {
		all = append(all, ia)
		return true
	}); err != nil {
		return fmt.Errorf("loading bindings: %w", err)
	}

	var purged, loaded int
	for _, ia := range all {
		l := m.links.ByName(ia.Link)
		if l == nil {
			m.logger.Warn("removing bindings for unknown link", "link", ia.Link, "duid", ia.Key.DUID, "iaid", ia.Key.IAID)
			if err := m.store.Delete(ia.Key); err != nil {
				return fmt.Errorf("deleting IA %s: %w", ia.Key, err)
			}
			purged += len(ia.Objects)
			continue
		}

		st, hasStatic := m.statics[ia.Key]
		kept := ia.Clone()
		kept.Objects = kept.Objects[:0]
		for _, o := range ia.Objects {
			if ia.Static && hasStatic && st.link == l && o.Prefix == st.unit {
				kept.Objects = append(kept.Objects, o)
				continue
			}
			p := m.poolOf(o)
			if p == nil {
				m.logger.Warn("purging binding outside configured pools",
					"prefix", o.Prefix.String(), "duid", ia.Key.DUID, "iaid", ia.Key.IAID)
				purged++
				continue
			}
			if o.State.Holds() {
				rival, err := m.heldElsewhere(ia.Key, o.Prefix)
				if err != nil {
					return err
				}
				if rival || p.MarkUsed(o.Prefix) != nil {
					m.logger.Warn("purging duplicate binding",
						"prefix", o.Prefix.String(), "duid", ia.Key.DUID, "iaid", ia.Key.IAID)
					purged++
					continue
				}
			}
			o.Pool = p.Name
			kept.Objects = append(kept.Objects, o)
		}

		if len(kept.Objects) != len(ia.Objects) {
			if err := m.save(kept); err != nil {
				return err
			}
		}
		for _, o := range kept.Objects {
			switch o.State {
			case dhcpv6.BindingCommitted:
				metrics.BindingsActive.WithLabelValues(string(ia.Key.Type)).Inc()
			case dhcpv6.BindingAdvertised:
				metrics.BindingsAdvertised.WithLabelValues(string(ia.Key.Type)).Inc()
			}
		}
		loaded += len(kept.Objects)
	}

	stale, err := m.repairIndex()
	if err != nil {
		return err
	}

	for _, l := range m.links.Links {
		for _, p := range l.AllPools() {
			metrics.PoolSize.WithLabelValues(l.Name, p.Name).Set(float64(p.Size()))
			metrics.PoolAllocated.WithLabelValues(l.Name, p.Name).Set(float64(p.Used()))
			metrics.PoolUtilization.WithLabelValues(l.Name, p.Name).Set(p.Utilization())
		}
	}

	m.logger.Info("bindings loaded", "ias", len(all), "objects", loaded, "purged", purged, "stale_index", stale)
	return nil
}

// heldElsewhere reports whether the address index names another IA that
// still holds p.
func (m *Manager) heldElsewhere(k Key, p netip.Prefix) (bool, error) {
	owner, err := m.store.GetByPrefix(p)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up owner of %s: %w", p, err)
	}
	if owner.Key == k {
		return false, nil
	}
	o := owner.Object(p)
	return o != nil && o.State.Holds(), nil
}

// repairIndex walks each pool's range in the address index and rewrites the
// owner of every entry whose unit the pool does not hold, which drops the entry.
func (m *Manager) repairIndex() (int, error) {
	var stale int
	for _, l := range m.links.Links {
		for _, p := range l.AllPools() {
			units, err := m.store.InRange(p.Start, p.End)
			if err != nil {
				return stale, fmt.Errorf("scanning pool %s: %w", p.Name, err)
			}
			for _, u := range units {
				if !p.Contains(u) || p.IsUsed(u) {
					continue
				}
				owner, err := m.store.GetByPrefix(u)
				if err != nil {
					m.logger.Warn("unreadable index entry", "prefix", u.String(), "pool", p.Name, "error", err)
					continue
				}
				m.logger.Warn("dropping stale index entry", "prefix", u.String(), "duid", owner.Key.DUID, "iaid", owner.Key.IAID)
				if err := m.put(owner); err != nil {
					return stale, err
				}
				stale++
			}
		}
	}
	return stale, nil
}
