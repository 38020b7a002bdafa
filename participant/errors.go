package participant

import (
	"context"
	"errors"

	"github.com/maxpert/tpc/driver"
)

var (
	// ErrSessionClosed is returned when a session was already consumed by a
	// commit, rollback, abort or failed prepare.
	ErrSessionClosed = errors.New("session already finalized")

	// ErrInvalidState is returned when a step does not fit the session's
	// current state. The session is left untouched.
	ErrInvalidState = errors.New("invalid transaction state")

	// ErrDuplicateTransaction is returned when the registry already tracks
	// a session under the identifier.
	ErrDuplicateTransaction = errors.New("transaction already registered")

	// ErrUnknownTransaction is returned when the registry has no session
	// under the identifier. The transaction may still be prepared: an
	// in-doubt prepare and Registry.Close both drop the entry while the
	// resource keeps the work, so it classifies as RequiresRecovery.
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrRegistryClosed is returned once Registry.Close has run. A session
	// whose operation finishes after Close is released rather than stored;
	// if it was prepared, resolve it by XID.
	ErrRegistryClosed = errors.New("registry closed")

	// ErrTransactionBusy is returned when another managed operation on the
	// same identifier is still in flight.
	ErrTransactionBusy = errors.New("transaction busy")
)

// Disposition tells the caller what a failed step means for the global
// transaction.
type Disposition int

const (
	// DispositionNone is reported for a nil error.
	DispositionNone Disposition = iota
	// SafeToIgnore means the transaction is already resolved or never existed.
	SafeToIgnore
	// NeedsInvestigation means the resource refused the step or the caller
	// misused the API. Retrying the same step will not help.
	NeedsInvestigation
	// RequiresRecovery means the outcome is unknown. Resolve it by XID once
	// the resource is reachable again; a by-XID decision on a transaction
	// that is gone reports AlreadyResolved.
	RequiresRecovery
)

func (d Disposition) String() string {
	switch d {
	case DispositionNone:
		return "none"
	case SafeToIgnore:
		return "safe_to_ignore"
	case NeedsInvestigation:
		return "needs_investigation"
	case RequiresRecovery:
		return "requires_recovery"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by this package onto a Disposition.
func Classify(err error) Disposition {
	if err == nil {
		return DispositionNone
	}
	if errors.Is(err, driver.ErrXIDNotFound) {
		return SafeToIgnore
	}
	var connErr *driver.ConnectionError
	if errors.As(err, &connErr) || errors.Is(err, ErrUnknownTransaction) || errors.Is(err, ErrRegistryClosed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return RequiresRecovery
	}
	return NeedsInvestigation
}

// resultLabel is the metric label for a protocol step outcome.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var connErr *driver.ConnectionError
	var rejErr *driver.RejectionError
	switch {
	case errors.As(err, &connErr):
		return "connection"
	case errors.As(err, &rejErr):
		return "rejected"
	default:
		return "invalid"
	}
}
