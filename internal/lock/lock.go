// Package lock provides named, per-session mutual exclusion around a
// unit of store work.
//
// The lock name is a stable hash of "agenda:{user}:{session}". Within
// one process the name selects a keyed mutex, so evaluate calls for the
// same session serialize while different sessions run concurrently.
// Across processes SQLite's own writer lock serializes the wrapped
// transactions; the keyed mutex only guarantees ordering inside a
// single process, which is the documented relaxation for backends
// without a server-side advisory lock.
package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/convokit/agendad/internal/store"
)

// Coordinator serializes session-scoped units of work, each inside its
// own transaction.
type Coordinator struct {
	db       *store.DB
	fallback *store.GoalStore

	mu    sync.Mutex
	locks map[uint64]*sync.Mutex
}

// New creates a Coordinator over the given database.
func New(db *store.DB) *Coordinator {
	return &Coordinator{
		db:    db,
		locks: make(map[uint64]*sync.Mutex),
	}
}

// NewUnlocked creates a Coordinator that runs units of work directly
// against gs with no transaction. Valid only when the caller guarantees
// non-concurrent invocation; the keyed mutex still applies but nothing
// rolls back on failure.
func NewUnlocked(gs *store.GoalStore) *Coordinator {
	return &Coordinator{
		fallback: gs,
		locks:    make(map[uint64]*sync.Mutex),
	}
}

// LockKey returns the stable lock name hash for a session.
func LockKey(userID, sessionID string) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "agenda:%s:%s", userID, sessionID)
	return h.Sum64()
}

func (c *Coordinator) sessionMutex(key uint64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.locks[key]
	if !ok {
		m = &sync.Mutex{}
		c.locks[key] = m
	}
	return m
}

// WithSessionLock acquires the session's named lock, opens a
// transaction, and runs fn against a transaction-scoped GoalStore.
// Commits on success; rolls back and returns the error on failure, so
// no partial mutation is ever visible. The lock releases with the
// transaction either way.
//
// A Coordinator built with NewUnlocked runs fn without a transaction.
func (c *Coordinator) WithSessionLock(ctx context.Context, userID, sessionID string, fn func(*store.GoalStore) error) error {
	m := c.sessionMutex(LockKey(userID, sessionID))
	m.Lock()
	defer m.Unlock()

	if c.db == nil {
		if c.fallback == nil {
			return fmt.Errorf("session lock: no database configured")
		}
		return fn(c.fallback)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session tx: %w", err)
	}

	if err := fn(store.GoalsIn(tx)); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session tx: %w", err)
	}
	return nil
}
