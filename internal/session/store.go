package session

import (
	"errors"
	"hash/fnv"
	"sync"
)

const shardCount = 16

// Store is the process-wide session store. put/get/remove
// are O(1); Replace atomically swaps a session's id while keeping its
// payload, for refresh flows. Sharded by FNV hash of the session id to
// keep writer contention low without a single global lock, since up to
// globalMax sessions worth of SPICE-channel upgrades can be mutating
// credential caches concurrently.
type Store struct {
	shards [shardCount]*shard
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// ErrNotFound is returned by Replace when oldID has no live session.
var ErrNotFound = errors.New("session: not found")

// New constructs an empty Store.
func New() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%shardCount]
}

// Put inserts or overwrites the session at id.
func (s *Store) Put(id string, data *Session) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.sessions[id] = data
}

// Get returns the session at id, if live.
func (s *Store) Get(id string) (*Session, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	data, ok := sh.sessions[id]
	return data, ok
}

// Remove deletes the session at id. Idempotent.
func (s *Store) Remove(id string) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.sessions, id)
}

// Replace atomically removes oldID and inserts a new Session at newID
// carrying the same upstream token, VM inventory and a freshly emptied
// credential cache (the cache is per-session-lifetime, not ported across
// a refresh, since the old id's passwords are unrelated to the new one's
// validity window). mutate, if non-nil, runs against the new session
// before it is published; it runs while the affected shard locks are
// held and must not call back into the Store. Returns the new session.
func (s *Store) Replace(oldID, newID string, mutate func(*Session)) (*Session, error) {
	oldSh, newSh := s.shardFor(oldID), s.shardFor(newID)
	// Lock the one or two shards involved in array order, so concurrent
	// Replace calls cannot deadlock.
	for _, sh := range s.shards {
		if sh == oldSh || sh == newSh {
			sh.mu.Lock()
			defer sh.mu.Unlock()
		}
	}

	old, ok := oldSh.sessions[oldID]
	if !ok {
		return nil, ErrNotFound
	}

	next := NewSession(newID, old.UpstreamToken, old.snapshotVMs())
	if mutate != nil {
		mutate(next)
	}

	delete(oldSh.sessions, oldID)
	newSh.sessions[newID] = next
	return next, nil
}

// Clear removes every session from the store, for use by the lifecycle
// orchestrator during graceful shutdown: sessions are in-memory only
// and are not meant to survive a restart.
func (s *Store) Clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.sessions = make(map[string]*Session)
		sh.mu.Unlock()
	}
}

// Len reports the total number of live sessions, for diagnostics.
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return total
}
