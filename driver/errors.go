package driver

import (
	"errors"
	"fmt"
)

// Op names a protocol step issued against a resource.
type Op string

const (
	OpAcquire      Op = "acquire"
	OpBegin        Op = "begin"
	OpPrepare      Op = "prepare"
	OpCommit       Op = "commit"
	OpRollback     Op = "rollback"
	OpAbort        Op = "abort"
	OpCommitOne    Op = "commit_one_phase"
	OpListPrepared Op = "list_prepared"
	OpFindPrepared Op = "find_prepared"
)

var (
	// ErrXIDNotFound is the reason attached to a rejection when the resource
	// has no prepared transaction under the given identifier.
	ErrXIDNotFound = errors.New("transaction identifier not found")

	// ErrDuplicateXID is the reason attached when the identifier is already
	// used by another prepared transaction.
	ErrDuplicateXID = errors.New("transaction identifier already in use")

	// ErrInvalidXID is returned before any statement is sent when an
	// identifier cannot be used by the backend.
	ErrInvalidXID = errors.New("invalid transaction identifier")

	// ErrNotPrepared is attached when the resource silently rolled the
	// transaction back instead of preparing it.
	ErrNotPrepared = errors.New("transaction was not prepared")
)

// ConnectionError means the resource could not be reached or the connection
// dropped mid-statement. The outcome of the step is unknown.
type ConnectionError struct {
	Op  Op
	XID string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.XID == "" {
		return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("connection error during %s of %q: %v", e.Op, e.XID, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// RejectionError carries a refusal reported by the resource. Code and
// Message are surfaced as the server sent them.
type RejectionError struct {
	Op      Op
	XID     string
	Code    string
	Message string
	Reason  error
	Err     error
}

func (e *RejectionError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s of %q rejected: %s", e.Op, e.XID, e.Message)
	}
	return fmt.Sprintf("%s of %q rejected [%s]: %s", e.Op, e.XID, e.Code, e.Message)
}

func (e *RejectionError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Reason != nil {
		errs = append(errs, e.Reason)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// rejector inspects a backend error and reports whether the server refused
// the statement, as opposed to the connection failing.
type rejector func(err error) (*RejectionError, bool)

func classify(op Op, xid string, err error, reject rejector) error {
	if err == nil {
		return nil
	}
	var rej *RejectionError
	if errors.As(err, &rej) {
		return err
	}
	var conn *ConnectionError
	if errors.As(err, &conn) {
		return err
	}
	if r, ok := reject(err); ok {
		r.Op = op
		r.XID = xid
		return r
	}
	return &ConnectionError{Op: op, XID: xid, Err: err}
}
