// Package admission enforces global and per-VM connection caps, and
// allocates connection ids.
package admission

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// CapExceededError distinguishes which cap was breached, so the
// dispatcher can log and report a precise reason.
type CapExceededError struct {
	Reason string // "global" or "per-vm"
	VMID   string
}

func (e *CapExceededError) Error() string {
	if e.Reason == "global" {
		return "admission: global connection cap reached"
	}
	return fmt.Sprintf("admission: too many connections for vm %s", e.VMID)
}

// ErrInvalidCaps is returned by New when the configured per-VM cap is
// below the minimum needed to accommodate the full SPICE channel set.
var ErrInvalidCaps = errors.New("admission: per-vm cap must be at least 17")

// counter is satisfied by *registry.Registry; declared narrowly here to
// avoid an import cycle between admission and registry.
type counter interface {
	TotalCount() int
	CountByVM(vmID string) int
}

// Controller enforces the two admission caps and allocates connection ids.
// Admit reserves a slot against both caps before the caller dials, since
// the registry only reflects a connection once its dial has completed —
// a multi-second window during which several concurrent admits for the
// same VM would otherwise all see the registry's stale count. Each
// successful Admit must be matched by exactly one Release once the dial
// outcome (success or failure) is known.
type Controller struct {
	globalMax int
	perVMMax  int
	registry  counter
	seq       atomic.Uint64

	reservedMu   sync.Mutex
	reserved     int
	reservedByVM map[string]int
}

// New constructs a Controller. Returns ErrInvalidCaps if perVMMax < 17.
func New(globalMax, perVMMax int, registry counter) (*Controller, error) {
	if perVMMax < 17 {
		return nil, ErrInvalidCaps
	}
	return &Controller{
		globalMax:    globalMax,
		perVMMax:     perVMMax,
		registry:     registry,
		reservedByVM: make(map[string]int),
	}, nil
}

// Admit checks both caps (global first, then per-VM) against the
// registry's live count plus any still-outstanding reservation, and, if
// admission passes, reserves a slot and allocates a connection id. The
// id format is {vmId}_{monotonic-counter}_{wall-clock-ms}: uniqueness
// relies solely on the counter, the timestamp is purely for human
// diagnostics. The caller must call Release(vmID) exactly once for every
// successful Admit, once the dial attempt finishes either way.
func (c *Controller) Admit(vmID string) (string, error) {
	c.reservedMu.Lock()
	defer c.reservedMu.Unlock()

	if c.registry.TotalCount()+c.reserved >= c.globalMax {
		return "", &CapExceededError{Reason: "global"}
	}
	if c.registry.CountByVM(vmID)+c.reservedByVM[vmID] >= c.perVMMax {
		return "", &CapExceededError{Reason: "per-vm", VMID: vmID}
	}

	c.reserved++
	c.reservedByVM[vmID]++

	n := c.seq.Add(1)
	id := fmt.Sprintf("%s_%d_%d", vmID, n, time.Now().UnixMilli())
	return id, nil
}

// Release returns a slot reserved by a prior successful Admit call,
// whether the dial it guarded succeeded (the connection is now counted
// by the registry instead) or failed (the slot was never used at all).
func (c *Controller) Release(vmID string) {
	c.reservedMu.Lock()
	defer c.reservedMu.Unlock()

	if c.reserved > 0 {
		c.reserved--
	}
	if c.reservedByVM[vmID] > 0 {
		c.reservedByVM[vmID]--
		if c.reservedByVM[vmID] == 0 {
			delete(c.reservedByVM, vmID)
		}
	}
}
