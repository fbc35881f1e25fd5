// Package auth extracts the bearer from a WebSocket upgrade request,
// verifies its signature and expiry, and emits one of the two typed
// claim shapes the rest of the gateway understands.
package auth

import "time"

// Claim is the sum type of the two bearer shapes the gateway accepts.
// Both SessionClaim and DisplayClaim implement it; callers switch on the
// concrete type rather than inspecting raw JWT fields.
type Claim interface {
	isClaim()
}

// SessionClaim carries a long-lived user credential: {session-id, user-id}.
type SessionClaim struct {
	SessionID string
	UserID    string
	ExpiresAt time.Time
}

func (SessionClaim) isClaim() {}

// DisplayClaim carries a short-lived display credential embedding the
// upstream token directly: {vm-id, upstream-token}, valid for up to one
// hour.
type DisplayClaim struct {
	VMID          string
	UpstreamToken string
	ExpiresAt     time.Time
}

func (DisplayClaim) isClaim() {}
