// Package registry is the process-wide map of connection-id to
// connection record plus the per-VM index, guarded by a single
// sync.RWMutex, with an explicit byVM set index and the cap queries the
// admission controller needs.
package registry

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Protocol distinguishes VNC from SPICE connection records.
type Protocol string

const (
	ProtocolVNC   Protocol = "vnc"
	ProtocolSPICE Protocol = "spice"
)

// Record is a live proxied connection. It exists if and only if both the
// WebSocket and the TCP socket are live.
type Record struct {
	ID         string
	VMID       string
	Protocol   Protocol
	Upstream   string
	ClientAddr string
	StartedAt  time.Time

	lastActivity atomic.Int64 // unix nanos
	isAlive      atomic.Bool

	WS  *websocket.Conn
	TCP net.Conn
}

// NewRecord constructs a Record with LastActivity set to now and isAlive
// true, ready for the heartbeat monitor's first sweep.
func NewRecord(id, vmID string, proto Protocol, upstreamAddr, clientAddr string, ws *websocket.Conn, tcp net.Conn) *Record {
	r := &Record{
		ID:         id,
		VMID:       vmID,
		Protocol:   proto,
		Upstream:   upstreamAddr,
		ClientAddr: clientAddr,
		StartedAt:  time.Now(),
		WS:         ws,
		TCP:        tcp,
	}
	r.Touch()
	r.isAlive.Store(true)
	return r
}

// Touch bumps LastActivity to now. Called by the splice engine on every
// forwarded frame and by the heartbeat monitor on every pong.
func (r *Record) Touch() { r.lastActivity.Store(time.Now().UnixNano()) }

// LastActivity returns the last recorded activity time.
func (r *Record) LastActivity() time.Time { return time.Unix(0, r.lastActivity.Load()) }

// MarkAlive sets the heartbeat liveness flag, called from the WebSocket's
// pong handler.
func (r *Record) MarkAlive() { r.isAlive.Store(true) }

// ClearAlive resets the liveness flag before sending a ping.
func (r *Record) ClearAlive() { r.isAlive.Store(false) }

// IsAlive reports the current liveness flag.
func (r *Record) IsAlive() bool { return r.isAlive.Load() }

// Registry is the global connection-id -> Record map plus the per-VM
// index, both guarded by the same lock: writes are coarse-grained and
// O(1), and contention is negligible next to the byte-pumping goroutines
// that never touch the registry once spliced.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Record
	byVM        map[string]map[string]struct{}

	metrics metricsSink
}

// metricsSink is the narrow interface the registry reports gauge changes
// through, satisfied by *metrics.Registry; kept local to avoid an import
// cycle between registry and metrics.
type metricsSink interface {
	SetActiveConnections(n int)
	SetConnectionsByVM(vmID string, n int)
}

// noopMetrics satisfies metricsSink when the caller doesn't wire metrics.
type noopMetrics struct{}

func (noopMetrics) SetActiveConnections(int)       {}
func (noopMetrics) SetConnectionsByVM(string, int) {}

// New constructs an empty Registry. metrics may be nil.
func New(metrics metricsSink) *Registry {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Registry{
		connections: make(map[string]*Record),
		byVM:        make(map[string]map[string]struct{}),
		metrics:     metrics,
	}
}

// Register inserts rec into both maps.
func (r *Registry) Register(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connections[rec.ID] = rec
	set, ok := r.byVM[rec.VMID]
	if !ok {
		set = make(map[string]struct{})
		r.byVM[rec.VMID] = set
	}
	set[rec.ID] = struct{}{}

	r.metrics.SetActiveConnections(len(r.connections))
	r.metrics.SetConnectionsByVM(rec.VMID, len(set))
}

// Unregister removes id from both maps, dropping the VM key when its set
// empties. Calling Unregister twice on the same id is a no-op the
// second time.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.connections[id]
	if !ok {
		return
	}
	delete(r.connections, id)

	if set, ok := r.byVM[rec.VMID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byVM, rec.VMID)
		}
		r.metrics.SetConnectionsByVM(rec.VMID, len(set))
	}
	r.metrics.SetActiveConnections(len(r.connections))
}

// TotalCount returns the number of live connections across all VMs.
func (r *Registry) TotalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// CountByVM returns the number of live connections for vmID.
func (r *Registry) CountByVM(vmID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byVM[vmID])
}

// CloseAllByVM closes every WebSocket currently registered for vmID with
// the given close code/reason. Unregistration happens via each
// connection's own splice teardown, not here, to keep Unregister's
// idempotence the single source of truth.
func (r *Registry) CloseAllByVM(vmID string, code int, reason string) {
	r.mu.RLock()
	var targets []*Record
	for id := range r.byVM[vmID] {
		targets = append(targets, r.connections[id])
	}
	r.mu.RUnlock()

	for _, rec := range targets {
		if rec == nil || rec.WS == nil {
			continue
		}
		msg := websocket.FormatCloseMessage(code, reason)
		_ = rec.WS.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = rec.WS.Close()
	}
}

// Snapshot returns a point-in-time copy of every live Record pointer,
// safe for the heartbeat monitor and lifecycle orchestrator to iterate
// without holding the registry lock.
func (r *Registry) Snapshot() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Record, 0, len(r.connections))
	for _, rec := range r.connections {
		out = append(out, rec)
	}
	return out
}
