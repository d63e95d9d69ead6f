// Package history provides SQLite-based persistence for relay invocations.
// The database is opened lazily and created on first use.
// If opening the DB or executing queries fails, the store falls back to in-memory storage.
package history

import (
	"database/sql"
	"errors"
	"sync"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/relay-go/internal/logger"
)

// maxMemoryEntries bounds the in-memory fallback.
const maxMemoryEntries = 1000

var errMemoryOnly = errors.New("history: no database path configured")

// Store records invocations. The zero value is not usable; call New.
type Store struct {
	path string

	mu      sync.Mutex
	entries []Entry // in-memory fallback

	dbOnce  sync.Once
	db      *sql.DB
	initErr error
}

// New returns a Store backed by the SQLite file at path. An empty path keeps
// everything in memory.
func New(path string) *Store {
	return &Store{path: path}
}

// initDB lazily opens the SQLite database and creates the invocations table if it doesn't exist.
func (s *Store) initDB() {
	if s.path == "" {
		s.initErr = errMemoryOnly
		return
	}
	db, err := sql.Open("sqlite", "file:"+s.path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		s.initErr = err
		logger.L.Warn("sqlite open failed; using in-memory history", "error", err)
		return
	}
	if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS invocations (
        id TEXT PRIMARY KEY,
        handler TEXT,
        input TEXT,
        output TEXT,
        error_kind TEXT,
        error TEXT,
        duration_ms INTEGER,
        created_at DATETIME
    );`); err != nil {
		s.initErr = err
		_ = db.Close()
		logger.L.Warn("sqlite table creation failed; using in-memory history", "error", err)
		return
	}
	s.db = db
	logger.L.Info("sqlite history DB initialized", "path", s.path)
}

// Save persists an entry to the SQLite database when available and always keeps
// an in-memory copy as fallback.
func (s *Store) Save(e Entry) {
	s.dbOnce.Do(s.initDB)

	if s.db != nil {
		_, err := s.db.Exec(`INSERT INTO invocations (id, handler, input, output, error_kind, error, duration_ms, created_at) VALUES (?,?,?,?,?,?,?,?);`,
			e.ID, e.Handler, e.Input, e.Output, e.ErrorKind, e.Error, e.DurationMS, e.CreatedAt)
		if err != nil {
			logger.L.Error("failed to store invocation in sqlite; falling back to memory", "error", err)
		}
	}

	s.mu.Lock()
	s.entries = append(s.entries, e)
	if len(s.entries) > maxMemoryEntries {
		s.entries = s.entries[len(s.entries)-maxMemoryEntries:]
	}
	s.mu.Unlock()
}

// List returns up to limit entries, newest first. An empty handler matches
// every handler; a limit <= 0 returns all of them.
func (s *Store) List(handler string, limit int) []Entry {
	s.dbOnce.Do(s.initDB)

	if s.db != nil {
		out, err := s.listDB(handler, limit)
		if err == nil {
			return out
		}
		logger.L.Warn("sqlite history query failed; reading from memory", "error", err)
	}

	var out []Entry
	s.mu.Lock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		if handler != "" && s.entries[i].Handler != handler {
			continue
		}
		out = append(out, s.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	s.mu.Unlock()
	return out
}

func (s *Store) listDB(handler string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.Query(`SELECT id, handler, input, output, error_kind, error, duration_ms, created_at FROM invocations
        WHERE (? = '' OR handler = ?) ORDER BY rowid DESC LIMIT ?;`, handler, handler, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Handler, &e.Input, &e.Output, &e.ErrorKind, &e.Error, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the database handle, if one was opened.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
