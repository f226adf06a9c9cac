package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a remote failure by how callers should react to it, not by
// where it came from.
type Kind string

const (
	// KindNetwork covers dial/timeout/connection failures. Retryable.
	KindNetwork Kind = "network"
	// KindServer covers 5xx and 429 responses. Retryable.
	KindServer Kind = "server"
	// KindAuth covers 401 on a normal call: the access token is stale.
	// Retryable exactly once after a forced refresh.
	KindAuth Kind = "auth"
	// KindAuthPermanent covers a rejected refresh grant (invalid/revoked).
	// Never retried; the only failure that justifies a forced sign-out.
	KindAuthPermanent Kind = "auth_permanent"
	// KindNotFound covers 404/empty-result lookups.
	KindNotFound Kind = "not_found"
	// KindRequest covers remaining 4xx: the request itself is wrong.
	KindRequest Kind = "request"
)

// Error is the typed transport error every remote call returns on failure.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote %s: %s", e.Kind, e.Message)
	}
	if e.err != nil {
		return fmt.Sprintf("remote %s: %v", e.Kind, e.err)
	}
	return fmt.Sprintf("remote %s (status %d)", e.Kind, e.Status)
}

func (e *Error) Unwrap() error { return e.err }

func newError(kind Kind, status int, msg string, err error) *Error {
	return &Error{Kind: kind, Status: status, Message: msg, err: err}
}

func asError(err error, target **Error) bool {
	return errors.As(err, target)
}

func kindOf(err error) (Kind, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}

// IsAuth reports whether err is a stale-access-token failure.
func IsAuth(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuth
}

// IsPermanentAuth reports whether err is a rejected refresh grant.
func IsPermanentAuth(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuthPermanent
}

// IsNotFound reports whether err is a missing-row failure.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// IsTransient reports whether err is worth retrying later: network trouble or
// a server-side fault. Cancellation is never transient; a canceled call must
// surface as cancellation, not be requeued as a failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	k, ok := kindOf(err)
	return ok && (k == KindNetwork || k == KindServer)
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		return KindServer
	default:
		return KindRequest
	}
}
