// Package participant runs the resource manager side of two-phase commit:
// sessions pinned to one connection, a registry of sessions keyed by
// transaction identifier, and recovery of prepared transactions through the
// resource's durable catalog.
package participant

import (
	"context"
	"sync"
	"time"

	"github.com/maxpert/tpc/driver"
	"github.com/maxpert/tpc/telemetry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "tpc/participant"

// Participant issues protocol steps through a driver. It is safe for
// concurrent use; each session owns its own connection.
type Participant struct {
	resource string
	driver   driver.Driver
	tracer   trace.Tracer
	now      func() time.Time

	mu       sync.RWMutex
	notifier Notifier
}

// NewParticipant creates a participant for the resource named resource.
func NewParticipant(resource string, d driver.Driver) *Participant {
	return &Participant{
		resource: resource,
		driver:   d,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
}

func (p *Participant) Resource() string {
	return p.resource
}

func (p *Participant) Driver() driver.Driver {
	return p.driver
}

// SetNotifier installs the receiver of resolution events. nil disables them.
func (p *Participant) SetNotifier(n Notifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifier = n
}

// Begin starts a transaction under xid on a freshly acquired connection.
func (p *Participant) Begin(ctx context.Context, xid string) (*Session, error) {
	var s *Session
	err := p.instrument(ctx, driver.OpBegin, xid, func(ctx context.Context) error {
		conn, err := p.driver.Acquire(ctx)
		if err != nil {
			return err
		}
		if err := p.driver.Begin(ctx, conn, xid); err != nil {
			p.discard(xid, conn)
			return err
		}
		s = &Session{xid: xid, conn: conn, state: StateActive, begunAt: p.now()}
		telemetry.SessionsActive.Inc()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Prepare moves an Active session to Prepared. On failure the session is
// consumed: the resource has either rolled the work back or, for connection
// errors, may hold it prepared until recovery resolves it by XID.
func (p *Participant) Prepare(ctx context.Context, s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect(StateActive); err != nil {
		return err
	}

	return p.instrument(ctx, driver.OpPrepare, s.xid, func(ctx context.Context) error {
		if err := p.driver.Prepare(ctx, s.conn, s.xid); err != nil {
			telemetry.SessionsActive.Dec()
			p.discard(s.xid, s.detach())
			return err
		}
		s.state = StatePrepared
		return nil
	})
}

// Commit finalizes a Prepared session. The session is consumed whatever the
// outcome.
func (p *Participant) Commit(ctx context.Context, s *Session) error {
	return p.finish(ctx, s, driver.OpCommit, SourceSession)
}

// Rollback discards a Prepared session. The session is consumed whatever the
// outcome.
func (p *Participant) Rollback(ctx context.Context, s *Session) error {
	return p.finish(ctx, s, driver.OpRollback, SourceSession)
}

// CommitOnePhase commits an Active session without preparing it. Use it
// when the session is the only participant of the global transaction. The
// session is consumed whatever the outcome; a connection error leaves the
// outcome unknown, and since nothing was prepared the catalog cannot tell.
func (p *Participant) CommitOnePhase(ctx context.Context, s *Session) error {
	return p.finish(ctx, s, driver.OpCommitOne, SourceSession)
}

// Abort rolls back an Active session that was never prepared.
func (p *Participant) Abort(ctx context.Context, s *Session) error {
	return p.finish(ctx, s, driver.OpAbort, SourceSession)
}

// Release drops the session's connection without deciding its outcome. An
// Active transaction dies with the connection. A Prepared one stays in the
// resource's catalog for recovery.
func (p *Participant) Release(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	if s.state == StatePrepared {
		log.Warn().Str("xid", s.xid).Msg("Releasing prepared transaction without a decision")
	}
	telemetry.SessionsActive.Dec()
	p.discard(s.xid, s.detach())
}

func (p *Participant) finish(ctx context.Context, s *Session, op driver.Op, source Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want, done := StatePrepared, StateCommitted
	switch op {
	case driver.OpRollback:
		done = StateRolledBack
	case driver.OpAbort:
		want, done = StateActive, StateAborted
	case driver.OpCommitOne:
		want = StateActive
	}
	if err := s.expect(want); err != nil {
		return err
	}
	conn := s.detach()
	telemetry.SessionsActive.Dec()

	return p.instrument(ctx, op, s.xid, func(ctx context.Context) error {
		var err error
		switch op {
		case driver.OpCommit:
			err = p.driver.CommitPrepared(ctx, conn, s.xid)
		case driver.OpRollback:
			err = p.driver.RollbackPrepared(ctx, conn, s.xid)
		case driver.OpCommitOne:
			err = p.driver.CommitOnePhase(ctx, conn, s.xid)
		default:
			err = p.driver.Rollback(ctx, conn, s.xid)
		}
		if err != nil {
			p.discard(s.xid, conn)
			return err
		}
		p.release(s.xid, conn)
		s.state = done
		if op != driver.OpAbort {
			p.notify(s.xid, done, source)
		}
		return nil
	})
}

// instrument wraps a protocol step in a span and records its metrics.
func (p *Participant) instrument(ctx context.Context, op driver.Op, xid string, fn func(ctx context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "tpc."+string(op), trace.WithAttributes(
		attribute.String("tpc.verb", string(op)),
		attribute.String("tpc.xid", xid),
		attribute.String("tpc.driver", p.driver.Name()),
	))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	telemetry.ProtocolVerbSeconds.With(string(op)).Observe(time.Since(start).Seconds())
	telemetry.ProtocolVerbsTotal.With(string(op), resultLabel(err)).Inc()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// release returns a connection whose transaction is finished to the pool.
func (p *Participant) release(xid string, conn driver.Conn) {
	if err := conn.Close(); err != nil {
		log.Debug().Err(err).Str("xid", xid).Msg("Failed to release connection")
	}
}

// discard closes a connection whose transaction state is unknown so the
// pool never hands it out again.
func (p *Participant) discard(xid string, conn driver.Conn) {
	if conn == nil {
		return
	}
	if err := driver.Discard(conn); err != nil {
		log.Debug().Err(err).Str("xid", xid).Msg("Failed to discard connection")
	}
}

func (p *Participant) notify(xid string, state State, source Source) {
	p.mu.RLock()
	n := p.notifier
	p.mu.RUnlock()
	if n == nil {
		return
	}

	outcome := OutcomeCommitted
	if state == StateRolledBack {
		outcome = OutcomeRolledBack
	}
	n.Notify(ResolutionEvent{
		XID:      xid,
		Resource: p.resource,
		Driver:   p.driver.Name(),
		Outcome:  outcome,
		Source:   source,
		At:       p.now(),
	})
}
