package lease

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when no IA exists for a key or address.
var ErrNotFound = errors.New("lease: not found")

// Store persists identity associations. Each Put replaces the whole IA record
// and its address index entries atomically. Only objects that hold their unit
// (advertised, committed or declined) are indexed; an index entry belongs to
// the IA that wrote it and is never removed on behalf of another IA.
type Store interface {
	Get(k Key) (*IA, error)
	Put(ia *IA) error
	Delete(k Key) error
	// GetByPrefix returns the IA whose object p holds its unit.
	GetByPrefix(p netip.Prefix) (*IA, error)
	// InRange returns every indexed object prefix whose address lies in [first, last].
	InRange(first, last netip.Addr) ([]netip.Prefix, error)
	// ForEach calls fn for every IA until fn returns false.
	ForEach(fn func(*IA) bool) error
	Count() (int, error)
	Close() error
}

// OpenStore opens the configured backend: "bolt" or "sqlite".
func OpenStore(backend, path string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating directory for %s: %w", path, err)
	}
	switch backend {
	case "", "bolt":
		return NewBoltStore(path)
	case "sqlite":
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown lease backend %q", backend)
	}
}

// BoltDB bucket names.
var (
	bucketIA          = []byte("ia")
	bucketIndexPrefix = []byte("index_prefix")
)

// BoltStore keeps IA records in BoltDB. The prefix index is keyed by the
// 16-byte address followed by the prefix length, so cursor order is address order.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening lease database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketIA, bucketIndexPrefix} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing database buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func prefixKey(p netip.Prefix) []byte {
	a := p.Addr().As16()
	return append(a[:], byte(p.Bits()))
}

func prefixFromKey(k []byte) (netip.Prefix, bool) {
	if len(k) != 17 {
		return netip.Prefix{}, false
	}
	return netip.PrefixFrom(netip.AddrFrom16([16]byte(k[:16])), int(k[16])), true
}

// Get returns the IA stored under k.
func (s *BoltStore) Get(k Key) (*IA, error) {
	var ia *IA
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketIA).Get([]byte(k.String()))
		if v == nil {
			return ErrNotFound
		}
		ia = &IA{}
		return json.Unmarshal(v, ia)
	})
	if err != nil {
		return nil, err
	}
	return ia, nil
}

// Put writes the IA and reindexes its objects.
func (s *BoltStore) Put(ia *IA) error {
	data, err := json.Marshal(ia)
	if err != nil {
		return fmt.Errorf("marshalling IA %s: %w", ia.Key, err)
	}
	key := []byte(ia.Key.String())

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIA)
		idx := tx.Bucket(bucketIndexPrefix)

		if old := b.Get(key); old != nil {
			var prev IA
			if err := json.Unmarshal(old, &prev); err != nil {
				return fmt.Errorf("unmarshalling IA %s: %w", ia.Key, err)
			}
			if err := unindex(idx, key, prev.Objects); err != nil {
				return err
			}
		}

		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("writing IA %s: %w", ia.Key, err)
		}
		for _, o := range ia.Objects {
			if !o.State.Holds() {
				continue
			}
			if err := idx.Put(prefixKey(o.Prefix), key); err != nil {
				return fmt.Errorf("indexing %s: %w", o.Prefix, err)
			}
		}
		return nil
	})
}

// Delete removes the IA and its index entries. Deleting a missing IA is not an error.
func (s *BoltStore) Delete(k Key) error {
	key := []byte(k.String())
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIA)
		old := b.Get(key)
		if old == nil {
			return nil
		}
		var prev IA
		if err := json.Unmarshal(old, &prev); err != nil {
			return fmt.Errorf("unmarshalling IA %s: %w", k, err)
		}
		if err := unindex(tx.Bucket(bucketIndexPrefix), key, prev.Objects); err != nil {
			return err
		}
		return b.Delete(key)
	})
}

// unindex drops the index entries of objects that still point at key.
func unindex(idx *bolt.Bucket, key []byte, objects []*Object) error {
	for _, o := range objects {
		pk := prefixKey(o.Prefix)
		if !bytes.Equal(idx.Get(pk), key) {
			continue
		}
		if err := idx.Delete(pk); err != nil {
			return fmt.Errorf("unindexing %s: %w", o.Prefix, err)
		}
	}
	return nil
}

// GetByPrefix returns the IA holding p.
func (s *BoltStore) GetByPrefix(p netip.Prefix) (*IA, error) {
	var ia *IA
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketIndexPrefix).Get(prefixKey(p))
		if key == nil {
			return ErrNotFound
		}
		v := tx.Bucket(bucketIA).Get(key)
		if v == nil {
			return fmt.Errorf("index for %s points at missing IA %s", p, key)
		}
		ia = &IA{}
		return json.Unmarshal(v, ia)
	})
	if err != nil {
		return nil, err
	}
	return ia, nil
}

// InRange scans the prefix index from first to last.
func (s *BoltStore) InRange(first, last netip.Addr) ([]netip.Prefix, error) {
	var out []netip.Prefix
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketIndexPrefix).Cursor()
		start := first.As16()
		for k, _ := c.Seek(start[:]); k != nil; k, _ = c.Next() {
			p, ok := prefixFromKey(k)
			if !ok {
				continue
			}
			if last.Less(p.Addr()) {
				break
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// ForEach iterates over every IA inside a read transaction; fn must not write to the store.
func (s *BoltStore) ForEach(fn func(*IA) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketIA).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			ia := &IA{}
			if err := json.Unmarshal(v, ia); err != nil {
				return fmt.Errorf("unmarshalling IA %s: %w", k, err)
			}
			if !fn(ia) {
				return nil
			}
		}
		return nil
	})
}

// Count returns the number of stored IAs.
func (s *BoltStore) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketIA).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
