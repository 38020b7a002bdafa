package participant

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/tpc/driver"
)

// State of a session in the two-phase protocol
type State int

const (
	StateActive State = iota
	StatePrepared
	StateCommitted
	StateRolledBack
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePrepared:
		return "prepared"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further step is possible.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateAborted
}

// Session is one transaction pinned to an exclusive connection. It is not
// meant for concurrent use; mu only keeps state reads consistent.
type Session struct {
	xid     string
	conn    driver.Conn
	state   State
	begunAt time.Time
	mu      sync.Mutex
}

func (s *Session) XID() string {
	return s.xid
}

// State is the last state the resource confirmed. A protocol step that fails
// after taking the connection leaves it unchanged, so a session whose commit
// or rollback failed still reports StatePrepared while Closed is true; its
// outcome is then found through recovery.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BegunAt is when the resource accepted the begin step.
func (s *Session) BegunAt() time.Time {
	return s.begunAt
}

// Closed reports whether the session no longer holds a connection. A closed
// session whose State is not Terminal was released or consumed by a failed
// step.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == nil
}

// ExecContext runs domain work inside the transaction.
func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	return s.conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query inside the transaction.
func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	return s.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query inside the transaction. Errors,
// including a finalized session, are reported by Row.Scan.
func (s *Session) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return &Row{err: err}
	}
	return &Row{row: s.conn.QueryRowContext(ctx, query, args...)}
}

// Row is the result of Session.QueryRowContext.
type Row struct {
	row *sql.Row
	err error
}

// Scan copies the row's columns into dest. It returns sql.ErrNoRows when
// the query matched nothing.
func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.row == nil {
		return sql.ErrNoRows
	}
	return r.row.Scan(dest...)
}

// Err reports the query error without scanning.
func (r *Row) Err() error {
	if r.err != nil || r.row == nil {
		return r.err
	}
	return r.row.Err()
}

func (s *Session) usable() error {
	if s.conn == nil {
		return ErrSessionClosed
	}
	if s.state != StateActive {
		return fmt.Errorf("%w: transaction %s is %s", ErrInvalidState, s.xid, s.state)
	}
	return nil
}

// expect checks the state and connection before a protocol step. Caller holds mu.
func (s *Session) expect(want State) error {
	if s.conn == nil {
		return ErrSessionClosed
	}
	if s.state != want {
		return fmt.Errorf("%w: transaction %s is %s, expected %s", ErrInvalidState, s.xid, s.state, want)
	}
	return nil
}

// detach hands the connection to the caller. Caller holds mu.
func (s *Session) detach() driver.Conn {
	conn := s.conn
	s.conn = nil
	return conn
}
