// Package lockmgr implements the 256-shard per-extent reader/writer lock
// table described in spec.md §4.5 and §9: a global map would serialize
// every extent through one mutex, so the table is split into shards, each
// independently locked, and no shard is ever iterated under one big lock.
package lockmgr

import (
	"sync"

	uuid "github.com/satori/go.uuid"
)

const shardCount = 256

// Handle is a held lock on one extent. Callers must call Release exactly
// once. While a Handle is held, the shard entry for its UUID is never
// removed (spec.md §4.5 invariant).
type Handle struct {
	entry *entry
	write bool
}

// Release releases the handle's hold on the underlying entry.
func (h *Handle) Release() {
	if h.write {
		h.entry.mu.Unlock()
	} else {
		h.entry.mu.RUnlock()
	}
	h.entry.release()
}

type entry struct {
	mu   sync.RWMutex
	refs int32

	shard *shard
	id    uuid.UUID
}

func (e *entry) release() {
	e.shard.mu.Lock()
	e.refs--
	if e.refs <= 0 {
		delete(e.shard.entries, e.id)
	}
	e.shard.mu.Unlock()
}

type shard struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
}

// Manager is the full 256-shard lock table.
type Manager struct {
	shards [shardCount]*shard
}

// New builds an empty Manager.
func New() *Manager {
	m := &Manager{}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[uuid.UUID]*entry)}
	}
	return m
}

// shardFor picks the shard for a UUID as the low 8 bits of a stable hash
// (here, simply the UUID's own low byte — already uniformly distributed
// for randomly generated v4 UUIDs).
func (m *Manager) shardFor(id uuid.UUID) *shard {
	return m.shards[id.Bytes()[15]]
}

// getOrCreate implements the lazy-creation protocol from spec.md §4.5:
// first take the shard's lock to look up, and insert under the same lock
// if absent (no separate reader-then-upgrade race is introduced here since
// the shard's own mutex — distinct from the entry's RWMutex — serializes
// the lookup-or-insert).
func (m *Manager) getOrCreate(id uuid.UUID) *entry {
	s := m.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{shard: s, id: id}
		s.entries[id] = e
	}
	e.refs++
	return e
}

// Read acquires a shared lock on id.
func (m *Manager) Read(id uuid.UUID) *Handle {
	e := m.getOrCreate(id)
	e.mu.RLock()
	return &Handle{entry: e, write: false}
}

// Write acquires an exclusive lock on id.
func (m *Manager) Write(id uuid.UUID) *Handle {
	e := m.getOrCreate(id)
	e.mu.Lock()
	return &Handle{entry: e, write: true}
}

// Remove is called on extent deletion. It is advisory: if a Handle is
// still outstanding, the actual map entry is removed when that Handle is
// released (refs reaches zero), not before, preserving the "not removed
// while held" invariant.
func (m *Manager) Remove(id uuid.UUID) {
	s := m.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok && e.refs == 0 {
		delete(s.entries, id)
	}
}

// LockCount walks shards one-by-one and sums live entries, never holding
// more than one shard's lock at a time, per spec.md §9.
func (m *Manager) LockCount() int {
	total := 0
	for _, s := range m.shards {
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}
