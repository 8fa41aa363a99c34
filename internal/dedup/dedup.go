// Package dedup provides idempotency guards keyed by (record id, action).
//
// The tracker suppresses duplicate execution of an action within one process
// run. It supplements the persisted progress flags (which stay the source of
// truth across restarts); the sqlite overlay additionally survives restarts
// for the window where an action succeeded but the flag write failed.
package dedup

import (
	"strings"
	"sync"
	"time"
)

// Tracker gates execution of a (record, action) pair.
//
// Protocol:
//
//	if !tr.Begin(id, action) { return } // someone else did it / is doing it
//	err := do()
//	if err != nil { tr.Forget(id, action); return }
//	tr.Done(id, action)
//
// Begin also wins against overlapping loops in the same process: the first
// caller gets true, everyone else false until Forget.
type Tracker interface {
	Begin(recordID, action string) bool
	Done(recordID, action string)
	Forget(recordID, action string)
	Close() error
}

func key(recordID, action string) string {
	return recordID + "\x00" + action
}

type entryState int

const (
	stateInflight entryState = iota + 1
	stateDone
)

// Memory is the process-local tracker. Safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entryState
}

func NewMemory() *Memory {
	return &Memory{entries: map[string]entryState{}}
}

func (m *Memory) Begin(recordID, action string) bool {
	if m == nil {
		return true
	}
	k := key(recordID, action)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[k]; exists {
		return false
	}
	m.entries[k] = stateInflight
	return true
}

func (m *Memory) Done(recordID, action string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.entries[key(recordID, action)] = stateDone
	m.mu.Unlock()
}

func (m *Memory) Forget(recordID, action string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.entries, key(recordID, action))
	m.mu.Unlock()
}

func (m *Memory) Close() error { return nil }

// Reset drops all entries. Test helper.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.entries = map[string]entryState{}
	m.mu.Unlock()
}

// Config selects the tracker backend.
//
// Driver values:
//   - "" or "memory": process-local only
//   - "sqlite": memory + sqlite overlay surviving restarts
type Config struct {
	Driver string
	Path   string
	TTL    time.Duration
}

// Open initializes the configured tracker.
func Open(cfg Config) (Tracker, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory", "none":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg)
	default:
		return nil, errUnknownDriver(cfg.Driver)
	}
}

type errUnknownDriver string

func (e errUnknownDriver) Error() string { return "dedup: unknown driver: " + string(e) }
