package participant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/tpc/driver"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// managed is a registry slot. A nil session marks the slot as reserved by an
// operation in flight.
type managed struct {
	session *Session
}

// SessionInfo is a snapshot of one managed session.
type SessionInfo struct {
	XID     string    `json:"xid"`
	State   string    `json:"state"`
	BegunAt time.Time `json:"begun_at,omitempty"`
}

// Registry keeps sessions under their XID so a coordinator can drive them by
// identifier alone. No lock is held while a protocol step runs; a session is
// checked out of its slot for the duration of the step.
type Registry struct {
	participant *Participant
	sessions    *xsync.MapOf[string, *managed]

	// mu orders checkins against Close; it is never held across I/O.
	mu     sync.RWMutex
	closed bool
}

func NewRegistry(p *Participant) *Registry {
	return &Registry{
		participant: p,
		sessions:    xsync.NewMapOf[string, *managed](),
	}
}

func (r *Registry) Participant() *Participant {
	return r.participant
}

// BeginManaged starts a session and stores it under xid.
func (r *Registry) BeginManaged(ctx context.Context, xid string) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return fmt.Errorf("%w: %s", ErrRegistryClosed, xid)
	}

	if _, loaded := r.sessions.LoadOrStore(xid, &managed{}); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, xid)
	}

	s, err := r.participant.Begin(ctx, xid)
	if err != nil {
		r.sessions.Delete(xid)
		return err
	}
	return r.checkin(xid, s)
}

// PrepareManaged prepares the session under xid. A failed prepare removes
// the entry.
func (r *Registry) PrepareManaged(ctx context.Context, xid string) error {
	s, err := r.checkout(xid)
	if err != nil {
		return err
	}

	if err := r.participant.Prepare(ctx, s); err != nil {
		if errors.Is(err, ErrInvalidState) {
			return errors.Join(err, r.checkin(xid, s))
		}
		r.sessions.Delete(xid)
		return err
	}
	return r.checkin(xid, s)
}

// CommitManaged commits the prepared session under xid and removes it.
func (r *Registry) CommitManaged(ctx context.Context, xid string) error {
	return r.finish(ctx, xid, driver.OpCommit)
}

// RollbackManaged rolls back the prepared session under xid and removes it.
func (r *Registry) RollbackManaged(ctx context.Context, xid string) error {
	return r.finish(ctx, xid, driver.OpRollback)
}

// CommitOnePhaseManaged commits the active session under xid without a
// prepare step and removes it.
func (r *Registry) CommitOnePhaseManaged(ctx context.Context, xid string) error {
	return r.finish(ctx, xid, driver.OpCommitOne)
}

// AbortManaged rolls back the active session under xid and removes it.
func (r *Registry) AbortManaged(ctx context.Context, xid string) error {
	return r.finish(ctx, xid, driver.OpAbort)
}

// WithSession runs fn against the session under xid while holding it checked
// out. Concurrent managed operations on the same xid fail with
// ErrTransactionBusy until fn returns.
func (r *Registry) WithSession(ctx context.Context, xid string, fn func(ctx context.Context, s *Session) error) error {
	s, err := r.checkout(xid)
	if err != nil {
		return err
	}
	err = fn(ctx, s)
	return errors.Join(err, r.checkin(xid, s))
}

// Len is the number of tracked identifiers, including in-flight ones.
func (r *Registry) Len() int {
	return r.sessions.Size()
}

// Sessions returns a snapshot sorted by XID. In-flight entries report the
// state "busy".
func (r *Registry) Sessions() []SessionInfo {
	infos := make([]SessionInfo, 0, r.sessions.Size())
	r.sessions.Range(func(xid string, m *managed) bool {
		info := SessionInfo{XID: xid, State: "busy"}
		if m.session != nil {
			info.State = m.session.State().String()
			info.BegunAt = m.session.BegunAt()
		}
		infos = append(infos, info)
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].XID < infos[j].XID })
	return infos
}

// SessionCounts groups tracked sessions by state label.
func (r *Registry) SessionCounts() map[string]int {
	counts := map[string]int{
		StateActive.String():   0,
		StatePrepared.String(): 0,
		"busy":                 0,
	}
	for _, info := range r.Sessions() {
		counts[info.State]++
	}
	return counts
}

// Close aborts every Active session and releases every Prepared one without
// deciding it. Prepared work stays durable and is left to recovery. Sessions
// checked out by an operation still in flight are released when that
// operation checks them back in, and BeginManaged fails from now on.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	var xids []string
	r.sessions.Range(func(xid string, _ *managed) bool {
		xids = append(xids, xid)
		return true
	})

	var errs []error
	for _, xid := range xids {
		s, err := r.checkout(xid)
		if err != nil {
			// Gone or owned by an operation that will clean up after itself.
			continue
		}
		switch s.State() {
		case StateActive:
			if err := r.participant.Abort(ctx, s); err != nil {
				errs = append(errs, fmt.Errorf("abort %s: %w", xid, err))
			}
		default:
			log.Warn().Str("xid", xid).Str("state", s.State().String()).Msg("Leaving transaction for recovery on shutdown")
			r.participant.Release(s)
		}
		r.sessions.Delete(xid)
	}
	return errors.Join(errs...)
}

func (r *Registry) finish(ctx context.Context, xid string, op driver.Op) error {
	s, err := r.checkout(xid)
	if err != nil {
		return err
	}

	err = r.participant.finish(ctx, s, op, SourceRegistry)
	if errors.Is(err, ErrInvalidState) {
		return errors.Join(err, r.checkin(xid, s))
	}
	r.sessions.Delete(xid)
	return err
}

// checkout takes the session out of its slot and leaves a reservation.
func (r *Registry) checkout(xid string) (*Session, error) {
	var (
		s      *Session
		outErr error
	)
	r.sessions.Compute(xid, func(old *managed, loaded bool) (*managed, bool) {
		switch {
		case !loaded:
			outErr = fmt.Errorf("%w: %s", ErrUnknownTransaction, xid)
			return nil, true
		case old.session == nil:
			outErr = fmt.Errorf("%w: %s", ErrTransactionBusy, xid)
			return old, false
		default:
			s = old.session
			return &managed{}, false
		}
	})
	return s, outErr
}

// checkin puts a checked-out session back. After Close the session is
// released instead: an Active transaction dies with its connection and a
// Prepared one is left to recovery.
func (r *Registry) checkin(xid string, s *Session) error {
	r.mu.RLock()
	if !r.closed {
		r.sessions.Store(xid, &managed{session: s})
		r.mu.RUnlock()
		return nil
	}
	r.mu.RUnlock()

	r.sessions.Delete(xid)
	log.Warn().Str("xid", xid).Str("state", s.State().String()).Msg("Releasing session checked in after registry close")
	r.participant.Release(s)
	return fmt.Errorf("%w: %s", ErrRegistryClosed, xid)
}
