package resolver

import (
	"errors"
	"fmt"

	"github.com/cmux/display-gateway/internal/upstream"
)

// ErrSessionExpired is returned when the claim's session-id has no live
// Session in the store.
var ErrSessionExpired = errors.New("resolver: session expired or unknown")

// UpstreamUnreachableError wraps a network-level failure talking to the
// management API.
type UpstreamUnreachableError struct{ Err error }

func (e *UpstreamUnreachableError) Error() string {
	return fmt.Sprintf("resolver: upstream unreachable: %v", e.Err)
}
func (e *UpstreamUnreachableError) Unwrap() error { return e.Err }

// UpstreamRejectedError carries a domain-level rejection from the
// management API (including its wrong-password/user-not-found codes).
type UpstreamRejectedError struct {
	Code    int
	Message string
}

func (e *UpstreamRejectedError) Error() string {
	return fmt.Sprintf("resolver: upstream rejected (code %d): %s", e.Code, e.Message)
}

// NotFoundError mirrors an upstream HTTP 404.
type NotFoundError struct{}

func (*NotFoundError) Error() string { return "resolver: vm not found" }

// ForbiddenError mirrors an upstream HTTP 403.
type ForbiddenError struct{}

func (*ForbiddenError) Error() string { return "resolver: forbidden" }

// UnauthenticatedError mirrors an upstream HTTP 401.
type UnauthenticatedError struct{}

func (*UnauthenticatedError) Error() string { return "resolver: unauthenticated upstream" }

// classifyUpstreamErr translates the upstream package's error sum into
// the resolver's own typed sum.
func classifyUpstreamErr(err error) error {
	if err == nil {
		return nil
	}

	var unreachable *upstream.UnreachableError
	if errors.As(err, &unreachable) {
		return &UpstreamUnreachableError{Err: unreachable.Err}
	}

	var rejected *upstream.RejectedError
	if errors.As(err, &rejected) {
		return &UpstreamRejectedError{Code: rejected.Code, Message: rejected.Message}
	}

	var status *upstream.StatusError
	if errors.As(err, &status) {
		switch status.StatusCode {
		case 401:
			return &UnauthenticatedError{}
		case 403:
			return &ForbiddenError{}
		case 404:
			return &NotFoundError{}
		}
		return &UpstreamUnreachableError{Err: err}
	}

	return &UpstreamUnreachableError{Err: err}
}
