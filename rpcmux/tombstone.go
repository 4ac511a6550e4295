package rpcmux

import (
	"sync"
	"time"
)

// tombstones remembers recently deregistered ids so that late events can be
// reported as "already completed" rather than "never registered".
type tombstones struct {
	mu        sync.Mutex
	ttl       time.Duration
	expires   map[CallID]time.Time
	nextSweep time.Time
}

func newTombstones(ttl time.Duration) *tombstones {
	return &tombstones{
		ttl:     ttl,
		expires: make(map[CallID]time.Time),
	}
}

func (t *tombstones) record(id CallID, now time.Time) {
	if t.ttl <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !now.Before(t.nextSweep) {
		t.cleanupExpiredLocked(now)
		t.nextSweep = now.Add(t.ttl)
	}
	t.expires[id] = now.Add(t.ttl)
}

// has reports whether id has an unexpired tombstone. Expired records are
// removed on the way.
func (t *tombstones) has(id CallID, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	expiresAt, ok := t.expires[id]
	if !ok {
		return false
	}
	if now.After(expiresAt) {
		delete(t.expires, id)
		return false
	}
	return true
}

// cleanupExpiredLocked removes expired records and returns how many it removed.
func (t *tombstones) cleanupExpiredLocked(now time.Time) int {
	removed := 0
	for id, expiresAt := range t.expires {
		if now.After(expiresAt) {
			delete(t.expires, id)
			removed++
		}
	}
	return removed
}
