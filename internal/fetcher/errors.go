package fetcher

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
)

// ErrEndOfStream is returned by Cursor.NextBatch when the remote signals a
// clean end of the cursor.
var ErrEndOfStream = errors.New("end of stream")

// Kind enumerates the terminal-status taxonomy of the fetcher.
type Kind int

const (
	KindOK Kind = iota
	KindCallbackCanceled
	KindNetworkError
	KindExceededTimeLimit
	KindOplogStartMissing
	KindOplogOutOfOrder
	KindInvalidSyncSource
	KindBadValue
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "OK"
	case KindCallbackCanceled:
		return "CallbackCanceled"
	case KindNetworkError:
		return "NetworkError"
	case KindExceededTimeLimit:
		return "ExceededTimeLimit"
	case KindOplogStartMissing:
		return "OplogStartMissing"
	case KindOplogOutOfOrder:
		return "OplogOutOfOrder"
	case KindInvalidSyncSource:
		return "InvalidSyncSource"
	case KindBadValue:
		return "BadValue"
	case KindUnauthorized:
		return "Unauthorized"
	default:
		return "Unknown"
	}
}

// Status is the terminal (or intermediate, for restart-policy evaluation)
// outcome of an operation: a Kind plus the wrapped cause, if any. The
// zero Status is OK.
type Status struct {
	Kind Kind
	err  error
}

// OKStatus is the canonical successful, non-error Status.
var OKStatus = Status{Kind: KindOK}

// NewStatus wraps cause with context and tags it with kind.
func NewStatus(kind Kind, cause error, format string, args ...interface{}) Status {
	if cause == nil {
		return Status{Kind: kind, err: errors.Errorf(format, args...)}
	}
	return Status{Kind: kind, err: errors.Wrapf(cause, format, args...)}
}

func (s Status) IsOK() bool { return s.Kind == KindOK }

// Fatal reports whether s bypasses the restart policy: validator errors,
// auth failures, and cancellation are never retried.
func (s Status) Fatal() bool {
	switch s.Kind {
	case KindOplogStartMissing, KindOplogOutOfOrder, KindInvalidSyncSource,
		KindBadValue, KindUnauthorized, KindCallbackCanceled:
		return true
	default:
		return false
	}
}

func (s Status) Error() string {
	if s.IsOK() {
		return "OK"
	}
	if s.err == nil {
		return s.Kind.String()
	}
	return s.Kind.String() + ": " + s.err.Error()
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (s Status) Unwrap() error { return s.err }

// server error codes that mean the source rejected our credentials
const (
	codeUnauthorized         = 13
	codeAuthenticationFailed = 18
)

// statusFromError classifies an error coming back from the cursor
// primitive. A Status passes through unchanged; context cancellation maps
// to CallbackCanceled, deadline expiry to ExceededTimeLimit, an auth
// rejection from the server to Unauthorized, and anything else is treated
// as a transport failure left to the restart policy.
func statusFromError(err error) Status {
	var st Status
	if errors.As(err, &st) {
		return st
	}
	if errors.Is(err, context.Canceled) {
		return NewStatus(KindCallbackCanceled, err, "cursor operation canceled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewStatus(KindExceededTimeLimit, err, "cursor operation timed out")
	}
	var srvErr mongo.ServerError
	if errors.As(err, &srvErr) &&
		(srvErr.HasErrorCode(codeUnauthorized) || srvErr.HasErrorCode(codeAuthenticationFailed)) {
		return NewStatus(KindUnauthorized, err, "sync source rejected credentials")
	}
	return NewStatus(KindNetworkError, err, "cursor transport failure")
}
