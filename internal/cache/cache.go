// Package cache holds a short-TTL, per-process cache of session goal
// stacks. Readers in other processes may observe staleness bounded by
// the TTL; writers invalidate their own process's entry before
// returning, so a writer always re-reads fresh. Goal data is advisory,
// so the bounded staleness is an accepted trade-off.
package cache

import (
	"sync"
	"time"

	"github.com/convokit/agendad/internal/store"
)

type entry struct {
	goals   []store.Goal
	expires time.Time
}

// StackCache caches the active goal window per (userID, sessionID).
type StackCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

// New creates a StackCache with the given TTL. A nil clock uses
// time.Now; tests inject their own.
func New(ttl time.Duration, clock func() time.Time) *StackCache {
	if clock == nil {
		clock = time.Now
	}
	return &StackCache{
		ttl:     ttl,
		now:     clock,
		entries: make(map[string]entry),
	}
}

func key(userID, sessionID string) string {
	return userID + "\x00" + sessionID
}

// Get returns the cached goal window for a session and whether it was
// present and unexpired.
func (c *StackCache) Get(userID, sessionID string) ([]store.Goal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key(userID, sessionID)]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key(userID, sessionID))
		return nil, false
	}
	return e.goals, true
}

// Put stores a session's goal window.
func (c *StackCache) Put(userID, sessionID string, goals []store.Goal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key(userID, sessionID)] = entry{
		goals:   goals,
		expires: c.now().Add(c.ttl),
	}
}

// Invalidate drops a session's entry, forcing the next read through to
// the store. Called after every write for the session.
func (c *StackCache) Invalidate(userID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key(userID, sessionID))
}

// Len returns the number of live entries. Expired entries are counted
// until their next Get.
func (c *StackCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
