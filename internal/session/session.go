// Package session is the in-process mapping from session-id to upstream
// token, VM inventory, and per-VM connection-info cache. It uses a
// per-entry lock (so credential-cache mutation is serialised per
// session, not globally) and a Replace op for refresh.
package session

import (
	"sync"
	"time"

	"github.com/cmux/display-gateway/internal/upstream"
)

// CredentialCacheEntry is the stable (host, port, password) tuple handed
// to the browser SDK for one (session, vmId) pair. Once filled, it is
// never overwritten for the lifetime of the Session.
type CredentialCacheEntry struct {
	Host     string
	Port     int
	Password string
	CachedAt time.Time
}

// Session is created on login, destroyed on logout/refresh/process exit.
type Session struct {
	ID            string
	UpstreamToken string
	VMs           []upstream.VMSummary

	mu        sync.Mutex
	credCache map[string]CredentialCacheEntry
}

// NewSession constructs a Session with an empty credential cache.
func NewSession(id, upstreamToken string, vms []upstream.VMSummary) *Session {
	return &Session{
		ID:            id,
		UpstreamToken: upstreamToken,
		VMs:           vms,
		credCache:     make(map[string]CredentialCacheEntry),
	}
}

// CachedCredential returns the cached tuple for vmID, if any.
func (s *Session) CachedCredential(vmID string) (CredentialCacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.credCache[vmID]
	return entry, ok
}

// FillCredential stores entry for vmID unless one is already present,
// and returns whichever entry ends up cached. This makes the fill
// idempotent under concurrent cache misses for the same (session, vm)
// pair racing the upstream call: the first writer wins, so the cached
// tuple stays stable even when two WebSocket upgrades for the same VM
// land at once before either populates the cache.
func (s *Session) FillCredential(vmID string, entry CredentialCacheEntry) CredentialCacheEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.credCache[vmID]; ok {
		return existing
	}
	s.credCache[vmID] = entry
	return entry
}

// snapshotVMs copies the VM inventory for use by Replace.
func (s *Session) snapshotVMs() []upstream.VMSummary {
	out := make([]upstream.VMSummary, len(s.VMs))
	copy(out, s.VMs)
	return out
}
