// Package cache implements the client-facing query cache: query results keyed
// by query identity, with an optimistic mutation lifecycle of
// snapshot -> patch -> settle (commit or rollback) -> invalidate.
//
// A transient mismatch between cached view and server state is tolerated only
// for the duration of one in-flight mutation. Settling marks the touched keys
// stale rather than evicting them: the UI keeps something to render while the
// next read refetches ground truth.
package cache

import (
	"fmt"
	"sync"
)

// ListKey identifies a cached list query.
type ListKey struct {
	Folder string
	Filter string
	Search string
}

func (k ListKey) String() string {
	return fmt.Sprintf("list|%s|%s|%s", k.Folder, k.Filter, k.Search)
}

// ThreadKey identifies a cached thread-detail query.
type ThreadKey struct {
	ID string
}

func (k ThreadKey) String() string {
	return "thread|" + k.ID
}

// Key is any cache key rendered to a canonical string.
type Key interface {
	String() string
}

type entry struct {
	value any
	stale bool
}

// Store is the query cache. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	// inflight tracks the live mutation per target for cancel-and-replace: a
	// new mutation for the same target supersedes the old one, whose later
	// Settle becomes a no-op.
	inflight map[string]*Mutation
}

func NewStore() *Store {
	return &Store{
		entries:  make(map[string]entry),
		inflight: make(map[string]*Mutation),
	}
}

// Get returns the cached value for the key and whether it is fresh. A stale
// value is still returned (render it while refetching); fresh=false tells the
// caller to refetch.
func (s *Store) Get(key Key) (value any, ok bool, fresh bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key.String()]
	if !ok {
		return nil, false, false
	}
	return e.value, true, !e.stale
}

// Set stores a fresh query result.
func (s *Store) Set(key Key, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key.String()] = entry{value: value}
}

// Invalidate marks the entries for the given keys stale so the next read
// refetches. The values stay available for display.
func (s *Store) Invalidate(keys ...Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invalidateLocked(keys)
}

func (s *Store) invalidateLocked(keys []Key) {
	for _, key := range keys {
		if e, ok := s.entries[key.String()]; ok {
			e.stale = true
			s.entries[key.String()] = e
		}
	}
}

// Evict removes entries entirely.
func (s *Store) Evict(keys ...Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.entries, key.String())
	}
}

// Len reports the number of cached entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

// Mutation is one optimistic update in flight. Created by Begin, finished by
// exactly one effective Settle call.
type Mutation struct {
	store     *Store
	target    string
	keys      []Key
	snapshots map[string]snapshot
	settled   bool
}

type snapshot struct {
	value   any
	existed bool
}

// Begin starts an optimistic mutation for a target (e.g. a thread or link id)
// touching the given query keys. The pre-mutation values of those keys are
// snapshotted for rollback. If a mutation for the same target is already in
// flight it is superseded: its rollback state is discarded and its Settle
// becomes a no-op (cancel-and-replace, never interleave).
func (s *Store) Begin(target string, keys ...Key) *Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.inflight[target]; ok {
		prev.settled = true
	}

	m := &Mutation{
		store:     s,
		target:    target,
		keys:      keys,
		snapshots: make(map[string]snapshot, len(keys)),
	}
	for _, key := range keys {
		e, existed := s.entries[key.String()]
		m.snapshots[key.String()] = snapshot{value: e.value, existed: existed}
	}

	s.inflight[target] = m
	return m
}

// Patch applies the optimistic edit to a cached entry. The patch function
// receives the current value (nil if uncached) and returns the patched value.
// Patching a superseded mutation is a no-op.
func (m *Mutation) Patch(key Key, patch func(current any) any) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	if m.settled {
		return
	}

	current := m.store.entries[key.String()]
	m.store.entries[key.String()] = entry{value: patch(current.value), stale: current.stale}
}

// Settle finishes the mutation once the server result is known. On failure
// the pre-mutation snapshots are restored; on either outcome the touched keys
// are marked stale so the next read reflects ground truth. Settling a
// superseded or already-settled mutation is a no-op.
func (m *Mutation) Settle(err error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	if m.settled {
		return
	}
	m.settled = true

	if current, ok := m.store.inflight[m.target]; ok && current == m {
		delete(m.store.inflight, m.target)
	}

	if err != nil {
		for keyString, snap := range m.snapshots {
			if snap.existed {
				m.store.entries[keyString] = entry{value: snap.value}
			} else {
				delete(m.store.entries, keyString)
			}
		}
	}

	m.store.invalidateLocked(m.keys)
}
