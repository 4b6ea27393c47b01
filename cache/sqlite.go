package cache

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteProvider opens (or creates) a provider with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteProvider(filename string) (*SQLiteProvider, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	// a single connection avoids SQLITE_BUSY between our own goroutines
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS tiers (
			name TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS cache (
			tier TEXT,
			key TEXT,
			bytes BLOB,
			PRIMARY KEY (tier, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize sqlite cache: %w", err)
		}
	}
	return &SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteProvider) Open(tier string) (Tier, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.Exec("INSERT OR IGNORE INTO tiers (name) VALUES (?)", tier); err != nil {
		return nil, err
	}
	return sqliteTier{s: s, name: tier}, nil
}

func (s *SQLiteProvider) Lookup(tier string) (Tier, bool, error) {
	var name string
	err := s.db.QueryRow("SELECT name FROM tiers WHERE name = ?", tier).Scan(&name)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return sqliteTier{s: s, name: tier}, true, nil
}

func (s *SQLiteProvider) DeleteTier(tier string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM cache WHERE tier = ?", tier); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec("DELETE FROM tiers WHERE name = ?", tier); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteProvider) TierNames() ([]string, error) {
	return s.strings("SELECT name FROM tiers ORDER BY name")
}

func (s *SQLiteProvider) Close() error {
	return s.db.Close()
}

// strings runs a query returning a single text column.
// All rows are read before returning, so that callers may write while iterating the result.
func (s *SQLiteProvider) strings(query string, args ...any) ([]string, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type sqliteTier struct {
	s    *SQLiteProvider
	name string
}

func (t sqliteTier) Name() string {
	return t.name
}

func (t sqliteTier) Get(key string) (Entry, bool, error) {
	var bytes []byte
	err := t.s.db.QueryRow("SELECT bytes FROM cache WHERE tier = ? AND key = ?", t.name, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Key: key, Bytes: bytes}, true, nil
}

func (t sqliteTier) Put(entry Entry) error {
	t.s.writeMutex.Lock()
	defer t.s.writeMutex.Unlock()
	tx, err := t.s.db.Begin()
	if err != nil {
		return err
	}
	var name string
	err = tx.QueryRow("SELECT name FROM tiers WHERE name = ?", t.name).Scan(&name)
	if err == sql.ErrNoRows {
		err = ErrTierNotFound
	}
	if err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec("INSERT OR REPLACE INTO cache (tier, key, bytes) VALUES (?, ?, ?)", t.name, entry.Key, entry.Bytes); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (t sqliteTier) Delete(key string) error {
	t.s.writeMutex.Lock()
	defer t.s.writeMutex.Unlock()
	_, err := t.s.db.Exec("DELETE FROM cache WHERE tier = ? AND key = ?", t.name, key)
	return err
}

func (t sqliteTier) Keys() ([]string, error) {
	return t.s.strings("SELECT key FROM cache WHERE tier = ? ORDER BY key", t.name)
}
