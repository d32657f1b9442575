package callstate

import (
	"errors"
	"fmt"

	"therapy-calls/internal/calls"
	"therapy-calls/internal/ledger"
	"therapy-calls/internal/media"
	"therapy-calls/internal/signaling"
)

var (
	ErrCallInProgress      = errors.New("callstate: a call is already in progress")
	ErrInsufficientBalance = errors.New("callstate: insufficient balance")
	ErrNotConnected        = errors.New("callstate: signaling not connected")
	ErrMediaNotReady       = errors.New("callstate: media service not ready")
	ErrNoSession           = errors.New("callstate: no active call")
	ErrInvalidState        = errors.New("callstate: operation not valid in current state")
	ErrInvalidTarget       = errors.New("callstate: invalid call target")
	ErrCancelled           = errors.New("callstate: call cancelled")
)

// Category groups errors by how the caller should react to them.
type Category int

const (
	CategoryNone Category = iota
	CategoryConfiguration
	CategoryPrecondition
	CategoryPermission
	CategoryTransport
	CategoryRemoteOutcome
	CategoryLedgerReconciliation
)

func (c Category) String() string {
	switch c {
	case CategoryNone:
		return "none"
	case CategoryConfiguration:
		return "configuration"
	case CategoryPrecondition:
		return "precondition"
	case CategoryPermission:
		return "permission"
	case CategoryTransport:
		return "transport"
	case CategoryRemoteOutcome:
		return "remote_outcome"
	case CategoryLedgerReconciliation:
		return "ledger_reconciliation"
	default:
		return "unknown"
	}
}

// Retryable reports whether a fresh attempt may succeed without a fix.
func (c Category) Retryable() bool {
	switch c {
	case CategoryPermission, CategoryTransport, CategoryRemoteOutcome:
		return true
	default:
		return false
	}
}

// RemoteOutcomeError is a terminal, non-completed outcome decided by the
// other side or the network (rejected, timeout, busy, offline).
type RemoteOutcomeError struct {
	Reason calls.EndReason
}

func (e *RemoteOutcomeError) Error() string { return e.Reason.Message() }

// OutcomeError returns the error a session's end reason should surface, or
// nil for a normal completion.
func OutcomeError(reason calls.EndReason) error {
	switch reason {
	case calls.EndReasonRejected, calls.EndReasonTimeout, calls.EndReasonBusy, calls.EndReasonOffline:
		return &RemoteOutcomeError{Reason: reason}
	default:
		return nil
	}
}

// ReconciliationError reports a failed end-of-call POST. The call has still
// ended locally; the balance may be stale until the next refresh.
type ReconciliationError struct {
	CallID string
	Err    error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("billing for call %s not recorded: %v", e.CallID, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// Classify maps any error returned by the machine to a Category.
func Classify(err error) Category {
	if err == nil {
		return CategoryNone
	}
	var (
		recon   *ReconciliationError
		outcome *RemoteOutcomeError
		remote  *media.RemoteEndedError
	)
	switch {
	case errors.As(err, &recon):
		return CategoryLedgerReconciliation
	case errors.As(err, &outcome), errors.As(err, &remote):
		return CategoryRemoteOutcome
	case errors.Is(err, media.ErrInvalidConfig):
		return CategoryConfiguration
	case errors.Is(err, media.ErrPermissionDenied):
		return CategoryPermission
	case errors.Is(err, ErrCallInProgress),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrMediaNotReady),
		errors.Is(err, ErrNoSession),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrInvalidTarget),
		errors.Is(err, ErrCancelled),
		errors.Is(err, calls.ErrUnknownKind):
		return CategoryPrecondition
	case errors.Is(err, ledger.ErrUnauthorized):
		return CategoryConfiguration
	case errors.Is(err, signaling.ErrNotConnected), errors.Is(err, media.ErrTransport):
		return CategoryTransport
	default:
		return CategoryTransport
	}
}
