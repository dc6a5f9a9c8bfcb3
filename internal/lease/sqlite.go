package lease

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps IA records in SQLite. Object addresses are stored as
// 32-digit hex text so that text order matches address order.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening lease database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS ia (
			key TEXT PRIMARY KEY,
			link TEXT NOT NULL,
			data BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ia_object (
			addr TEXT NOT NULL,
			bits INTEGER NOT NULL,
			key TEXT NOT NULL REFERENCES ia(key) ON DELETE CASCADE,
			PRIMARY KEY (addr, bits)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ia_object_key ON ia_object(key)`,
	}
	for _, q := range stmts {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("initializing lease database: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func addrText(a netip.Addr) string {
	b := a.As16()
	return hex.EncodeToString(b[:])
}

func addrFromText(s string) (netip.Addr, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		return netip.Addr{}, fmt.Errorf("invalid stored address %q", s)
	}
	return netip.AddrFrom16([16]byte(b)), nil
}

func scanIA(row interface{ Scan(...any) error }) (*IA, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ia := &IA{}
	if err := json.Unmarshal(data, ia); err != nil {
		return nil, fmt.Errorf("unmarshalling IA: %w", err)
	}
	return ia, nil
}

// Get returns the IA stored under k.
func (s *SQLiteStore) Get(k Key) (*IA, error) {
	return scanIA(s.db.QueryRow(`SELECT data FROM ia WHERE key = ?`, k.String()))
}

// Put writes the IA and its object rows in one transaction.
func (s *SQLiteStore) Put(ia *IA) error {
	data, err := json.Marshal(ia)
	if err != nil {
		return fmt.Errorf("marshalling IA %s: %w", ia.Key, err)
	}
	key := ia.Key.String()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO ia (key, link, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			link = excluded.link,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, key, ia.Link, data, ia.Updated.Unix()); err != nil {
		return fmt.Errorf("writing IA %s: %w", ia.Key, err)
	}
	if _, err := tx.Exec(`DELETE FROM ia_object WHERE key = ?`, key); err != nil {
		return fmt.Errorf("unindexing IA %s: %w", ia.Key, err)
	}
	for _, o := range ia.Objects {
		if !o.State.Holds() {
			continue
		}
		if _, err := tx.Exec(`INSERT OR REPLACE INTO ia_object (addr, bits, key) VALUES (?, ?, ?)`,
			addrText(o.Prefix.Addr()), o.Prefix.Bits(), key); err != nil {
			return fmt.Errorf("indexing %s: %w", o.Prefix, err)
		}
	}
	return tx.Commit()
}

// Delete removes the IA and its object rows.
func (s *SQLiteStore) Delete(k Key) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM ia_object WHERE key = ?`, k.String()); err != nil {
		return fmt.Errorf("unindexing IA %s: %w", k, err)
	}
	if _, err := tx.Exec(`DELETE FROM ia WHERE key = ?`, k.String()); err != nil {
		return fmt.Errorf("deleting IA %s: %w", k, err)
	}
	return tx.Commit()
}

// GetByPrefix returns the IA whose object p holds its unit.
func (s *SQLiteStore) GetByPrefix(p netip.Prefix) (*IA, error) {
	return scanIA(s.db.QueryRow(`
		SELECT ia.data FROM ia_object JOIN ia ON ia.key = ia_object.key
		WHERE ia_object.addr = ? AND ia_object.bits = ?
	`, addrText(p.Addr()), p.Bits()))
}

// InRange returns indexed object prefixes with addresses in [first, last].
func (s *SQLiteStore) InRange(first, last netip.Addr) ([]netip.Prefix, error) {
	rows, err := s.db.Query(`
		SELECT addr, bits FROM ia_object WHERE addr >= ? AND addr <= ? ORDER BY addr, bits
	`, addrText(first), addrText(last))
	if err != nil {
		return nil, fmt.Errorf("querying range %s-%s: %w", first, last, err)
	}
	defer rows.Close()

	var out []netip.Prefix
	for rows.Next() {
		var text string
		var bits int
		if err := rows.Scan(&text, &bits); err != nil {
			return nil, err
		}
		a, err := addrFromText(text)
		if err != nil {
			return nil, err
		}
		out = append(out, netip.PrefixFrom(a, bits))
	}
	return out, rows.Err()
}

// ForEach iterates over every IA. Rows are read fully before fn is called.
func (s *SQLiteStore) ForEach(fn func(*IA) bool) error {
	rows, err := s.db.Query(`SELECT data FROM ia ORDER BY key`)
	if err != nil {
		return fmt.Errorf("listing IAs: %w", err)
	}
	var all []*IA
	for rows.Next() {
		ia, err := scanIA(rows)
		if err != nil {
			rows.Close()
			return err
		}
		all = append(all, ia)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, ia := range all {
		if !fn(ia) {
			break
		}
	}
	return nil
}

// Count returns the number of stored IAs.
func (s *SQLiteStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM ia`).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
