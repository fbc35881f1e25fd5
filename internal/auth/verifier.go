package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier validates a bearer credential taken from a WebSocket upgrade
// request and returns its typed Claim.
type Verifier interface {
	Verify(r *http.Request) (Claim, error)
}

// gatewayClaims is the envelope both bearer shapes are signed inside.
// Exactly one of (SessionID) or (VMID, UpstreamToken) is populated.
type gatewayClaims struct {
	jwt.RegisteredClaims
	SessionID     string `json:"sid,omitempty"`
	UserID        string `json:"uid,omitempty"`
	VMID          string `json:"vmid,omitempty"`
	UpstreamToken string `json:"utok,omitempty"`
}

// JWTVerifier verifies HMAC-signed bearers against a single configured key.
type JWTVerifier struct {
	key []byte
}

// NewJWTVerifier constructs a Verifier keyed by signingKey.
func NewJWTVerifier(signingKey string) *JWTVerifier {
	return &JWTVerifier{key: []byte(signingKey)}
}

// Verify implements Verifier. Bearer extraction prefers the ?token= query
// parameter over the Authorization header, because browsers cannot set
// custom headers on a WebSocket upgrade.
func (v *JWTVerifier) Verify(r *http.Request) (Claim, error) {
	raw := extractBearer(r)
	if raw == "" {
		return nil, &MissingError{}
	}

	claims := &gatewayClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			expiry, _ := claims.GetExpirationTime()
			at := time.Time{}
			if expiry != nil {
				at = expiry.Time
			}
			return nil, &ExpiredError{ExpiredAt: at}
		}
		return nil, &InvalidError{Err: err}
	}

	switch {
	case claims.SessionID != "":
		exp := time.Time{}
		if expiry, _ := claims.GetExpirationTime(); expiry != nil {
			exp = expiry.Time
		}
		return SessionClaim{SessionID: claims.SessionID, UserID: claims.UserID, ExpiresAt: exp}, nil
	case claims.VMID != "" && claims.UpstreamToken != "":
		exp := time.Time{}
		if expiry, _ := claims.GetExpirationTime(); expiry != nil {
			exp = expiry.Time
		}
		return DisplayClaim{VMID: claims.VMID, UpstreamToken: claims.UpstreamToken, ExpiresAt: exp}, nil
	default:
		return nil, &InvalidError{Err: fmt.Errorf("bearer carries neither session nor display claim shape")}
	}
}

func extractBearer(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
