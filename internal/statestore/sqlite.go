package statestore

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteFileName = "voicegate_state.db"
	privateDirPerm = 0o700
)

var errStoreClosed = errors.New("state store is closed")

// SQLite is a durable single-file store. Writes go through one connection
// guarded by a mutex, which gives read-your-writes inside the process.
type SQLite struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// OpenSQLite opens (or creates) the state database inside dir.
func OpenSQLite(dir string) (*SQLite, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	dbPath := filepath.Join(dir, sqliteFileName)
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(FULL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLite{db: db, path: dbPath}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(err, fmt.Errorf("close state db after schema init failure: %w", closeErr))
		}
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS local_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init state schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// Get returns the value for key.
func (s *SQLite) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return "", false, errStoreClosed
	}

	var value string
	err := s.db.QueryRow(`SELECT value FROM local_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key.
func (s *SQLite) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return errStoreClosed
	}

	_, err := s.db.Exec(
		`INSERT INTO local_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *SQLite) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return errStoreClosed
	}
	if _, err := s.db.Exec(`DELETE FROM local_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Incr adds one to the integer at key inside a transaction.
func (s *SQLite) Incr(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, errStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin incr tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int64
	var raw string
	switch err := tx.QueryRow(`SELECT value FROM local_state WHERE key = ?`, key).Scan(&raw); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("load counter %q: %w", key, err)
	default:
		n, err = strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %q is not an integer: %w", key, err)
		}
	}
	n++

	if _, err := tx.Exec(
		`INSERT INTO local_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, strconv.FormatInt(n, 10), time.Now().UTC().Unix(),
	); err != nil {
		return 0, fmt.Errorf("write counter %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit counter %q: %w", key, err)
	}
	return n, nil
}

// SetIfAbsent stores value only when key is missing.
func (s *SQLite) SetIfAbsent(key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return false, errStoreClosed
	}

	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO local_state (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, time.Now().UTC().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("claim %q: %w", key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim %q rows affected: %w", key, err)
	}
	return affected == 1, nil
}

// Close releases the database. Further calls fail with a closed-store error.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
