package dispatcher

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/cmux/display-gateway/internal/admission"
	"github.com/cmux/display-gateway/internal/resolver"
	"github.com/cmux/display-gateway/internal/splice"
)

// closeCoder is implemented by every typed failure the handle pipeline
// can produce, carrying the WebSocket close code it maps to.
type closeCoder interface {
	CloseCode() int
}

// authFailure wraps a credential verification error (missing/invalid/
// expired bearer). Always a policy violation.
type authFailure struct{ err error }

func (e *authFailure) Error() string  { return fmt.Sprintf("dispatcher: auth failure: %v", e.err) }
func (e *authFailure) Unwrap() error  { return e.err }
func (e *authFailure) CloseCode() int { return websocket.ClosePolicyViolation }

// admissionFailure wraps a cap-exceeded rejection from the admission
// controller. Always a policy violation.
type admissionFailure struct{ err error }

func (e *admissionFailure) Error() string {
	return fmt.Sprintf("dispatcher: admission failure: %v", e.err)
}
func (e *admissionFailure) Unwrap() error  { return e.err }
func (e *admissionFailure) CloseCode() int { return websocket.ClosePolicyViolation }

// resolverFailure wraps a target resolution error. Authorization-shaped
// causes (expired session, unauthenticated/forbidden upstream, or a
// wrong-password/user-not-found domain rejection) are policy violations;
// everything else — unreachable upstream, any other domain rejection — is
// an internal failure.
type resolverFailure struct{ err error }

func (e *resolverFailure) Error() string {
	return fmt.Sprintf("dispatcher: resolver failure: %v", e.err)
}
func (e *resolverFailure) Unwrap() error { return e.err }
func (e *resolverFailure) CloseCode() int {
	if errors.Is(e.err, resolver.ErrSessionExpired) {
		return websocket.ClosePolicyViolation
	}

	var unauthenticated *resolver.UnauthenticatedError
	var forbidden *resolver.ForbiddenError
	if errors.As(e.err, &unauthenticated) || errors.As(e.err, &forbidden) {
		return websocket.ClosePolicyViolation
	}

	var rejected *resolver.UpstreamRejectedError
	if errors.As(e.err, &rejected) && (rejected.Code == 5090 || rejected.Code == 5098) {
		return websocket.ClosePolicyViolation
	}

	return websocket.CloseInternalServerErr
}

// dialFailure wraps a dial-engine retry exhaustion. Always an internal
// failure.
type dialFailure struct{ err error }

func (e *dialFailure) Error() string  { return fmt.Sprintf("dispatcher: dial failure: %v", e.err) }
func (e *dialFailure) Unwrap() error  { return e.err }
func (e *dialFailure) CloseCode() int { return websocket.CloseInternalServerErr }

// closeCodeFor resolves the WebSocket close code for any error the
// pre-splice pipeline (auth -> resolve -> admission -> dial) can produce,
// including the splice engine's own pre-dial buffer overflow.
func closeCodeFor(err error) int {
	var cc closeCoder
	if errors.As(err, &cc) {
		return cc.CloseCode()
	}
	return websocket.CloseInternalServerErr
}

// errorFrameMessage produces the human-readable text sent in the
// best-effort structured error frame that precedes a pre-splice close.
func errorFrameMessage(err error) string {
	var capErr *admission.CapExceededError
	if errors.As(err, &capErr) {
		if capErr.Reason == "global" {
			return "Gateway connection capacity reached"
		}
		return "Too many connections for this VM"
	}

	var af *authFailure
	if errors.As(err, &af) {
		return "Authentication failed"
	}

	var rf *resolverFailure
	if errors.As(err, &rf) {
		return "Unable to resolve connection target"
	}

	var df *dialFailure
	if errors.As(err, &df) {
		return "Unable to reach the display server"
	}

	if errors.Is(err, splice.ErrBufferOverflow) {
		return "Connection buffer exceeded before the upstream link was ready"
	}

	return "Internal error"
}
