package dedup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS dedup (
	key   TEXT PRIMARY KEY,
	until INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dedup_until ON dedup(until);
`

// sqliteTracker layers a TTL'd sqlite table under the in-memory tracker so
// completed actions stay guarded across a restart. A write failure degrades
// to memory-only (the persisted booking flags still cover the durable case).
type sqliteTracker struct {
	mem *Memory
	db  *sql.DB
	ttl time.Duration

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config) (Tracker, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("dedup: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dedup: migrate: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &sqliteTracker{
		mem:        NewMemory(),
		db:         db,
		ttl:        ttl,
		pruneEvery: 500,
	}, nil
}

func (s *sqliteTracker) Begin(recordID, action string) bool {
	if !s.mem.Begin(recordID, action) {
		return false
	}
	// Check the persisted overlay: a previous process may have completed this
	// action without managing to flip the booking flag.
	var until int64
	err := s.db.QueryRow(`SELECT until FROM dedup WHERE key = ?`, key(recordID, action)).Scan(&until)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return true
	case err != nil:
		// Read failure: fall back to memory-only behavior.
		return true
	}
	if time.Now().UnixMilli() < until {
		// Still guarded; release the in-memory slot as done.
		s.mem.Done(recordID, action)
		return false
	}
	return true
}

func (s *sqliteTracker) Done(recordID, action string) {
	s.mem.Done(recordID, action)
	until := time.Now().Add(s.ttl).UnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key(recordID, action), until,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
		cancel()
	}
}

func (s *sqliteTracker) Forget(recordID, action string) {
	s.mem.Forget(recordID, action)
	_, _ = s.db.Exec(`DELETE FROM dedup WHERE key = ?`, key(recordID, action))
}

func (s *sqliteTracker) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
