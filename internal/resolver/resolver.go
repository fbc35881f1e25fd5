// Package resolver translates (bearer claim, vmId, protocol) into a
// (host, port, password) tuple, applying the per-VM credential cache
// that makes the non-idempotent upstream API's passwords stable across
// retried lookups.
package resolver

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/cmux/display-gateway/internal/auth"
	"github.com/cmux/display-gateway/internal/session"
	"github.com/cmux/display-gateway/internal/upstream"
)

// Protocol distinguishes the VNC and SPICE wire formats.
type Protocol int

const (
	ProtocolVNC Protocol = iota
	ProtocolSPICE
)

// Target is the resolved connection tuple the dial engine consumes.
type Target struct {
	Host     string
	Port     int
	Password string
}

// Resolver is the Target Resolver contract.
type Resolver interface {
	Resolve(ctx context.Context, claim auth.Claim, vmID string, proto Protocol) (Target, error)
}

// sessionGetter is satisfied by *session.Store; declared here so tests
// can pass a smaller fake without depending on the sharded map internals.
type sessionGetter interface {
	Get(id string) (*session.Session, bool)
}

// UpstreamResolver is the concrete implementation wired into the
// dispatcher.
type UpstreamResolver struct {
	sessions sessionGetter
	client   upstream.Client
}

// New constructs an UpstreamResolver.
func New(sessions sessionGetter, client upstream.Client) *UpstreamResolver {
	return &UpstreamResolver{sessions: sessions, client: client}
}

// Resolve runs the four-step resolution algorithm: bypass-or-session,
// cache lookup, upstream fetch, cache fill.
func (r *UpstreamResolver) Resolve(ctx context.Context, claim auth.Claim, vmID string, proto Protocol) (Target, error) {
	// Step 1: claim directly embeds an upstream token — bypass the
	// session cache entirely and always fetch fresh info.
	if dc, ok := claim.(auth.DisplayClaim); ok {
		return r.resolveFresh(ctx, dc.UpstreamToken, vmID, proto)
	}

	sc, ok := claim.(auth.SessionClaim)
	if !ok {
		return Target{}, fmt.Errorf("resolver: unrecognized claim type %T", claim)
	}

	// Step 2: look up the session.
	sess, ok := r.sessions.Get(sc.SessionID)
	if !ok {
		return Target{}, ErrSessionExpired
	}

	// Step 3: cache hit returns verbatim.
	if cached, ok := sess.CachedCredential(vmID); ok {
		return Target{Host: cached.Host, Port: cached.Port, Password: cached.Password}, nil
	}

	// Step 4: cache miss — call upstream, decode password exactly once,
	// store, return.
	target, err := r.fetch(ctx, sess.UpstreamToken, vmID, proto)
	if err != nil {
		return Target{}, err
	}

	stable := sess.FillCredential(vmID, session.CredentialCacheEntry{
		Host:     target.Host,
		Port:     target.Port,
		Password: target.Password,
		CachedAt: time.Now(),
	})
	return Target{Host: stable.Host, Port: stable.Port, Password: stable.Password}, nil
}

// resolveFresh implements the bypass path for DisplayClaim: always calls
// upstream, never touches the session cache.
func (r *UpstreamResolver) resolveFresh(ctx context.Context, token, vmID string, proto Protocol) (Target, error) {
	return r.fetch(ctx, token, vmID, proto)
}

func (r *UpstreamResolver) fetch(ctx context.Context, token, vmID string, proto Protocol) (Target, error) {
	switch proto {
	case ProtocolSPICE:
		info, err := r.client.SPICEConnectionInfo(ctx, token, vmID, upstream.RenderConfig{})
		if err != nil {
			return Target{}, classifyUpstreamErr(err)
		}
		// SPICE password is already plaintext.
		return Target{Host: info.HostIP, Port: info.SpicePort, Password: info.Password}, nil

	case ProtocolVNC:
		connInfo, err := r.client.VMConnectionInfo(ctx, token, vmID)
		if err != nil {
			return Target{}, classifyUpstreamErr(err)
		}
		ports, err := r.client.VMPort(ctx, token, vmID)
		if err != nil {
			return Target{}, classifyUpstreamErr(err)
		}
		b64pw, err := r.client.VNCPassword(ctx, token, vmID)
		if err != nil {
			return Target{}, classifyUpstreamErr(err)
		}
		pw, err := decodePassword(b64pw)
		if err != nil {
			return Target{}, fmt.Errorf("resolver: decode vnc password: %w", err)
		}
		return Target{Host: connInfo.HostIP, Port: ports.VNCPort, Password: pw}, nil

	default:
		return Target{}, fmt.Errorf("resolver: unknown protocol %v", proto)
	}
}

// decodePassword decodes the VNC password base64 wrapper. Must be called
// exactly once, at cache-fill time.
func decodePassword(b64 string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
