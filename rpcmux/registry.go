package rpcmux

import (
	"strconv"
	"sync"
	"time"
)

// CallID identifies one call for the lifetime of its Client.
type CallID uint64

func (id CallID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// DefaultTombstoneTTL is how long a deregistered id is remembered for diagnostics.
const DefaultTombstoneTTL = 30 * time.Second

// Registry maps live call ids to their Call.
//
// Every id present belongs to a non-terminal Call. Inserts happen on Start,
// removals on completion.
type Registry struct {
	mu    sync.RWMutex
	calls map[CallID]*Call
	tombs *tombstones
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTombstoneTTL sets how long completed ids are remembered. A ttl <= 0
// disables tombstones.
func WithTombstoneTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		r.tombs = newTombstones(ttl)
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		calls: make(map[CallID]*Call),
		tombs: newTombstones(DefaultTombstoneTTL),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts call under id. It fails with ErrDuplicateCallID if the id
// is already present.
func (r *Registry) Register(id CallID, call *Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.calls[id]; ok {
		return ErrDuplicateCallID
	}
	r.calls[id] = call
	return nil
}

// Lookup returns the live call for id, or ErrCallNotFound.
func (r *Registry) Lookup(id CallID) (*Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	call, ok := r.calls[id]
	if !ok {
		return nil, ErrCallNotFound
	}
	return call, nil
}

// Deregister removes id. Removing an absent id is a no-op, so a call that
// completes twice is tolerated.
func (r *Registry) Deregister(id CallID) {
	r.mu.Lock()
	_, ok := r.calls[id]
	delete(r.calls, id)
	r.mu.Unlock()

	if ok {
		r.tombs.record(id, time.Now())
	}
}

// Len returns the number of live calls.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Completed reports whether id was deregistered recently enough to still have
// a tombstone.
func (r *Registry) Completed(id CallID) bool {
	return r.tombs.has(id, time.Now())
}
