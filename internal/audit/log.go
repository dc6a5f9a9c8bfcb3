// Package audit provides a persistent audit trail of binding events.
// Every advertise, commit, renewal, release, decline and expiry is recorded
// in its own BoltDB file, separate from the binding store, and can be queried
// by address or prefix and point in time.
package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/events"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/metrics"
)

var (
	bucketAudit       = []byte("audit_log")
	bucketAuditPrefix = []byte("audit_prefix_index") // prefix → list of audit record keys
)

// Record is a single audit log entry.
type Record struct {
	ID           uint64 `json:"id"`
	Timestamp    string `json:"timestamp"`
	Event        string `json:"event"`
	Prefix       string `json:"prefix"`
	DUID         string `json:"duid"`
	IAType       string `json:"ia_type"`
	IAID         uint32 `json:"iaid"`
	State        string `json:"state,omitempty"`
	Link         string `json:"link,omitempty"`
	Pool         string `json:"pool,omitempty"`
	Static       bool   `json:"static,omitempty"`
	FQDN         string `json:"fqdn,omitempty"`
	Start        int64  `json:"start,omitempty"`
	PreferredEnd int64  `json:"preferred_end,omitempty"`
	ValidEnd     int64  `json:"valid_end,omitempty"`
	InterfaceID  string `json:"interface_id,omitempty"`
	RemoteID     string `json:"remote_id,omitempty"`
	ServerID     string `json:"server_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// QueryParams holds filter parameters for querying the audit log.
type QueryParams struct {
	Prefix string    // address (as /128) or delegated prefix
	DUID   string    // client DUID, lowercase hex
	At     time.Time // point-in-time query: who held this prefix at this time?
	From   time.Time // range start (inclusive)
	To     time.Time // range end (inclusive)
	Event  string    // filter by event type
	Limit  int       // max results (0 = default 1000)
}

// Log provides append-only audit logging for binding events.
type Log struct {
	db        *bolt.DB
	bus       *events.Bus
	logger    *slog.Logger
	ch        chan events.Event
	done      chan struct{}
	wg        sync.WaitGroup
	serverID  string
	retention time.Duration
	now       func() time.Time
}

// Open opens (or creates) the BoltDB file backing an audit log.
func Open(path string) (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating directory for %s: %w", path, err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening audit database %s: %w", path, err)
	}
	return db, nil
}

// NewLog creates an audit log backed by db. Records older than retention are
// pruned hourly while the log runs; zero keeps them forever.
func NewLog(db *bolt.DB, bus *events.Bus, serverID string, retention time.Duration, logger *slog.Logger) (*Log, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketAudit); err != nil {
			return fmt.Errorf("creating audit bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketAuditPrefix); err != nil {
			return fmt.Errorf("creating audit prefix index: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Log{
		db:        db,
		bus:       bus,
		logger:    logger,
		done:      make(chan struct{}),
		serverID:  serverID,
		retention: retention,
		now:       time.Now,
	}, nil
}

// Start subscribes to the event bus and records binding events until Stop.
func (l *Log) Start() {
	l.ch = l.bus.Subscribe(2000)
	l.logger.Info("audit log started", "retention", l.retention.String())

	l.wg.Add(1)
	go l.run()
}

func (l *Log) run() {
	defer l.wg.Done()

	var prune <-chan time.Time
	if l.retention > 0 {
		l.prune()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		prune = ticker.C
	}

	for {
		select {
		case evt, ok := <-l.ch:
			if !ok {
				return
			}
			l.handleEvent(evt)
		case <-prune:
			l.prune()
		case <-l.done:
			return
		}
	}
}

// Stop shuts down the audit log subscriber.
func (l *Log) Stop() {
	close(l.done)
	l.wg.Wait()
	if l.ch != nil {
		l.bus.Unsubscribe(l.ch)
	}
	l.logger.Info("audit log stopped")
}

// handleEvent converts a bus event into an audit record and persists it.
func (l *Log) handleEvent(evt events.Event) {
	if evt.Binding == nil {
		return
	}
	b := evt.Binding
	rec := Record{
		Timestamp:    evt.Timestamp.UTC().Format(time.RFC3339Nano),
		Event:        string(evt.Type),
		Prefix:       b.Prefix.String(),
		DUID:         b.DUID,
		IAType:       b.IAType,
		IAID:         b.IAID,
		State:        b.State,
		Link:         b.Link,
		Pool:         b.Pool,
		Static:       b.Static,
		FQDN:         b.FQDN,
		Start:        b.Start,
		PreferredEnd: b.PreferredEnd,
		ValidEnd:     b.ValidEnd,
		InterfaceID:  b.InterfaceID,
		RemoteID:     b.RemoteID,
		ServerID:     l.serverID,
		Reason:       evt.Reason,
	}

	if err := l.append(rec); err != nil {
		l.logger.Error("failed to write audit record",
			"event", rec.Event, "prefix", rec.Prefix, "duid", rec.DUID, "error", err)
		return
	}
	metrics.AuditRecords.Inc()
}

// append persists a single audit record with an auto-increment ID.
func (l *Log) append(rec Record) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)

		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("generating audit ID: %w", err)
		}
		rec.ID = id

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshalling audit record: %w", err)
		}
		if err := b.Put(uint64Key(id), data); err != nil {
			return fmt.Errorf("storing audit record: %w", err)
		}

		if rec.Prefix != "" {
			idx := tx.Bucket(bucketAuditPrefix)
			ids := decodeIDs(idx.Get([]byte(rec.Prefix)))
			ids = append(ids, id)
			idData, err := json.Marshal(ids)
			if err != nil {
				return fmt.Errorf("marshalling prefix index: %w", err)
			}
			if err := idx.Put([]byte(rec.Prefix), idData); err != nil {
				return fmt.Errorf("updating prefix index: %w", err)
			}
		}
		return nil
	})
}

// Query searches the audit log, newest first.
func (l *Log) Query(params QueryParams) ([]Record, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 1000
	}

	if params.Prefix != "" {
		if !params.At.IsZero() {
			return l.holderAt(params)
		}
		return l.queryByPrefix(params, limit)
	}

	var results []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil && len(results) < limit; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if matchesQuery(rec, params) {
				results = append(results, rec)
			}
		}
		return nil
	})
	return results, err
}

// queryByPrefix uses the prefix index for efficient lookups.
func (l *Log) queryByPrefix(params QueryParams, limit int) ([]Record, error) {
	var results []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		ids := decodeIDs(tx.Bucket(bucketAuditPrefix).Get([]byte(params.Prefix)))
		for i := len(ids) - 1; i >= 0 && len(results) < limit; i-- {
			rec, ok := getRecord(b, ids[i])
			if ok && matchesQuery(rec, params) {
				results = append(results, rec)
			}
		}
		return nil
	})
	return results, err
}

// holderAt returns the record of the binding that held params.Prefix at
// params.At: the latest event at or before At, provided it left the object
// live and its valid lifetime covers At.
func (l *Log) holderAt(params QueryParams) ([]Record, error) {
	var results []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		ids := decodeIDs(tx.Bucket(bucketAuditPrefix).Get([]byte(params.Prefix)))
		for i := len(ids) - 1; i >= 0; i-- {
			rec, ok := getRecord(b, ids[i])
			if !ok {
				continue
			}
			ts, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
			if err != nil || ts.After(params.At) {
				continue
			}
			if holds(rec.Event) && rec.ValidEnd >= params.At.Unix() {
				if params.DUID == "" || rec.DUID == params.DUID {
					results = append(results, rec)
				}
			}
			return nil
		}
		return nil
	})
	return results, err
}

func holds(event string) bool {
	switch events.EventType(event) {
	case events.EventBindingAdvertise, events.EventBindingCommit, events.EventBindingRenew:
		return true
	}
	return false
}

// Prune deletes records timestamped before cutoff and returns how many were removed.
func (l *Log) Prune(cutoff time.Time) (int, error) {
	removed := 0
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		idx := tx.Bucket(bucketAuditPrefix)

		type victim struct {
			id     uint64
			prefix string
		}
		var victims []victim
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			ts, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
			if err != nil || !ts.Before(cutoff) {
				// IDs grow with time, so the first young record ends the scan.
				break
			}
			victims = append(victims, victim{binary.BigEndian.Uint64(k), rec.Prefix})
		}

		dropped := make(map[string]map[uint64]bool)
		for _, v := range victims {
			if err := b.Delete(uint64Key(v.id)); err != nil {
				return fmt.Errorf("deleting audit record %d: %w", v.id, err)
			}
			if v.prefix == "" {
				continue
			}
			if dropped[v.prefix] == nil {
				dropped[v.prefix] = make(map[uint64]bool)
			}
			dropped[v.prefix][v.id] = true
		}

		for prefix, gone := range dropped {
			var keep []uint64
			for _, id := range decodeIDs(idx.Get([]byte(prefix))) {
				if !gone[id] {
					keep = append(keep, id)
				}
			}
			if len(keep) == 0 {
				if err := idx.Delete([]byte(prefix)); err != nil {
					return fmt.Errorf("deleting prefix index %s: %w", prefix, err)
				}
				continue
			}
			data, err := json.Marshal(keep)
			if err != nil {
				return fmt.Errorf("marshalling prefix index: %w", err)
			}
			if err := idx.Put([]byte(prefix), data); err != nil {
				return fmt.Errorf("updating prefix index %s: %w", prefix, err)
			}
		}
		removed = len(victims)
		return nil
	})
	return removed, err
}

func (l *Log) prune() {
	n, err := l.Prune(l.now().Add(-l.retention))
	if err != nil {
		l.logger.Error("pruning audit log", "error", err)
		return
	}
	if n > 0 {
		l.logger.Info("pruned audit log", "removed", n, "retention", l.retention.String())
	}
}

// Count returns the total number of audit records.
func (l *Log) Count() int {
	var count int
	l.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketAudit).Stats().KeyN
		return nil
	})
	return count
}

// matchesQuery returns true if a record matches all non-zero query fields.
func matchesQuery(rec Record, params QueryParams) bool {
	if params.DUID != "" && rec.DUID != params.DUID {
		return false
	}
	if params.Event != "" && rec.Event != params.Event {
		return false
	}

	recTime, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
	if err != nil {
		return false
	}

	if !params.At.IsZero() {
		if !holds(rec.Event) || rec.Start > params.At.Unix() || rec.ValidEnd < params.At.Unix() {
			return false
		}
		return !recTime.After(params.At)
	}

	if !params.From.IsZero() && recTime.Before(params.From) {
		return false
	}
	if !params.To.IsZero() && recTime.After(params.To) {
		return false
	}
	return true
}

func getRecord(b *bolt.Bucket, id uint64) (Record, bool) {
	var rec Record
	data := b.Get(uint64Key(id))
	if data == nil {
		return rec, false
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, false
	}
	return rec, true
}

func decodeIDs(data []byte) []uint64 {
	if data == nil {
		return nil
	}
	var ids []uint64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil
	}
	return ids
}

func uint64Key(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}
