package participant

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/maxpert/tpc/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCommitAppliesWork(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	s, err := f.participant.Begin(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, "t1", s.XID())

	_, err = s.ExecContext(ctx, "INSERT INTO orders VALUES (1)")
	require.NoError(t, err)

	require.NoError(t, f.participant.Prepare(ctx, s))
	assert.Equal(t, StatePrepared, s.State())
	assert.True(t, f.mock.IsPrepared("t1"))
	assert.Equal(t, []string{"t1"}, listedXIDs(t, f.scanner))

	require.NoError(t, f.participant.Commit(ctx, s))
	assert.Empty(t, listedXIDs(t, f.scanner))
	_, found, err := f.scanner.FindPrepared(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, StateCommitted, s.State())
	assert.True(t, s.Closed())
	assert.Equal(t, []string{"INSERT INTO orders VALUES (1)"}, f.mock.Applied())
	assert.Equal(t, 0, f.mock.OpenConns())

	assert.ErrorIs(t, f.participant.Commit(ctx, s), ErrSessionClosed)
	assert.ErrorIs(t, f.participant.Rollback(ctx, s), ErrSessionClosed)

	events := f.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, OutcomeCommitted, events[0].Outcome)
	assert.Equal(t, SourceSession, events[0].Source)
	assert.Equal(t, "testdb", events[0].Resource)
	assert.Equal(t, "mock", events[0].Driver)
}

func TestSessionRollbackDiscardsWork(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	s, err := f.participant.Begin(ctx, "t1")
	require.NoError(t, err)
	_, err = s.ExecContext(ctx, "INSERT 1")
	require.NoError(t, err)
	require.NoError(t, f.participant.Prepare(ctx, s))
	assert.Equal(t, []string{"t1"}, listedXIDs(t, f.scanner))
	require.NoError(t, f.participant.Rollback(ctx, s))
	assert.Empty(t, listedXIDs(t, f.scanner))
	_, found, err := f.scanner.FindPrepared(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, found)

	assert.Equal(t, StateRolledBack, s.State())
	assert.Empty(t, f.mock.Applied())
	assert.False(t, f.mock.IsPrepared("t1"))
	require.Len(t, f.notifier.Events(), 1)
	assert.Equal(t, OutcomeRolledBack, f.notifier.Events()[0].Outcome)
}

func TestSessionStateViolationsLeaveSessionUsable(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	s, err := f.participant.Begin(ctx, "t1")
	require.NoError(t, err)

	assert.ErrorIs(t, f.participant.Commit(ctx, s), ErrInvalidState)
	assert.ErrorIs(t, f.participant.Rollback(ctx, s), ErrInvalidState)
	assert.Equal(t, StateActive, s.State())
	assert.False(t, s.Closed())

	require.NoError(t, f.participant.Prepare(ctx, s))
	assert.ErrorIs(t, f.participant.Prepare(ctx, s), ErrInvalidState)
	assert.ErrorIs(t, f.participant.Abort(ctx, s), ErrInvalidState)
	_, err = s.ExecContext(ctx, "INSERT 1")
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, f.participant.Commit(ctx, s))
}

func TestAbortActiveSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	s, err := f.participant.Begin(ctx, "t1")
	require.NoError(t, err)
	_, err = s.ExecContext(ctx, "INSERT 1")
	require.NoError(t, err)

	require.NoError(t, f.participant.Abort(ctx, s))
	assert.Equal(t, StateAborted, s.State())
	assert.True(t, s.State().Terminal())
	assert.Empty(t, f.mock.Applied())
	assert.Empty(t, f.notifier.Events())
	assert.Equal(t, 0, f.mock.OpenConns())

	_, err = s.ExecContext(ctx, "INSERT 2")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestBeginFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	f.mock.SetUnreachable(true)
	_, err := f.participant.Begin(ctx, "t1")
	var connErr *driver.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, RequiresRecovery, Classify(err))
	f.mock.SetUnreachable(false)

	f.mock.FailNext(driver.OpBegin, &driver.RejectionError{Code: "53300", Message: "too many connections"})
	_, err = f.participant.Begin(ctx, "t1")
	var rejErr *driver.RejectionError
	require.ErrorAs(t, err, &rejErr)
	assert.Equal(t, NeedsInvestigation, Classify(err))
	assert.Equal(t, 0, f.mock.OpenConns(), "failed begin releases its connection")
}

func TestPrepareFailureConsumesSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.mock.InjectPrepared("t1", f.now)

	s, err := f.participant.Begin(ctx, "t1")
	require.NoError(t, err)
	err = f.participant.Prepare(ctx, s)
	assert.ErrorIs(t, err, driver.ErrDuplicateXID)
	assert.Equal(t, NeedsInvestigation, Classify(err))

	assert.True(t, s.Closed())
	assert.ErrorIs(t, f.participant.Commit(ctx, s), ErrSessionClosed)
	assert.Equal(t, 0, f.mock.OpenConns())
}

func TestInDoubtPrepareIsRecoverable(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	s, err := f.participant.Begin(ctx, "t1")
	require.NoError(t, err)
	_, err = s.ExecContext(ctx, "INSERT 1")
	require.NoError(t, err)

	f.mock.FailNextAfterEffect(driver.OpPrepare, errors.New("connection reset by peer"))
	err = f.participant.Prepare(ctx, s)
	require.Error(t, err)
	assert.Equal(t, RequiresRecovery, Classify(err))

	info, found, err := f.scanner.FindPrepared(ctx, "t1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "t1", info.XID)

	res, err := f.scanner.CommitByXID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, Resolved, res)
	assert.Equal(t, []string{"INSERT 1"}, f.mock.Applied())
}

func TestCrashAfterPrepareRecoveredByXID(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	s, err := f.participant.Begin(ctx, "order-42")
	require.NoError(t, err)
	_, err = s.ExecContext(ctx, "UPDATE stock SET n = n - 1")
	require.NoError(t, err)
	require.NoError(t, f.participant.Prepare(ctx, s))

	// The process goes away without a decision.
	f.participant.Release(s)
	assert.True(t, s.Closed())
	assert.Equal(t, StatePrepared, s.State())
	assert.Equal(t, 0, f.mock.OpenConns())

	// A fresh participant finds it in the catalog.
	fresh := NewScanner(NewParticipant("testdb", f.mock))
	txns, err := fresh.ListPrepared(ctx)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "order-42", txns[0].XID)

	res, err := fresh.CommitByXID(ctx, "order-42")
	require.NoError(t, err)
	assert.Equal(t, Resolved, res)
	assert.Equal(t, []string{"UPDATE stock SET n = n - 1"}, f.mock.Applied())

	_, found, err := fresh.FindPrepared(ctx, "order-42")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, listedXIDs(t, fresh))

	res, err = fresh.CommitByXID(ctx, "order-42")
	require.NoError(t, err)
	assert.Equal(t, AlreadyResolved, res)
}

func TestReleaseActiveSessionDropsWork(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	s, err := f.participant.Begin(ctx, "t1")
	require.NoError(t, err)
	_, err = s.ExecContext(ctx, "INSERT 1")
	require.NoError(t, err)

	f.participant.Release(s)
	f.participant.Release(s)

	assert.Empty(t, f.mock.Applied())
	assert.False(t, f.mock.IsPrepared("t1"))
	assert.Equal(t, 0, f.mock.OpenConns())
}

func TestCommitConnectionFailureIsIndeterminate(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	s, err := f.participant.Begin(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, f.participant.Prepare(ctx, s))

	f.mock.FailNext(driver.OpCommit, errors.New("broken pipe"))
	err = f.participant.Commit(ctx, s)
	assert.Equal(t, RequiresRecovery, Classify(err))
	assert.True(t, s.Closed(), "commit consumes the session even on failure")
	assert.Equal(t, StatePrepared, s.State())
	assert.False(t, s.State().Terminal())
	assert.True(t, f.mock.IsPrepared("t1"))

	res, err := f.scanner.CommitByXID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, Resolved, res)
}

func TestRollbackFailureKeepsLastConfirmedState(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	s, err := f.participant.Begin(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, f.participant.Prepare(ctx, s))

	f.mock.FailNext(driver.OpRollback, errors.New("broken pipe"))
	err = f.participant.Rollback(ctx, s)
	assert.Equal(t, RequiresRecovery, Classify(err))
	assert.True(t, s.Closed())
	assert.Equal(t, StatePrepared, s.State())
	assert.False(t, s.State().Terminal())
	assert.ErrorIs(t, f.participant.Rollback(ctx, s), ErrSessionClosed)
	assert.Equal(t, []string{"t1"}, listedXIDs(t, f.scanner))
}

func TestInterleavedSessionsResolveIndependently(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	sessions := map[string]*Session{}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, xid := range []string{"a", "b"} {
		wg.Add(1)
		go func(xid string) {
			defer wg.Done()
			s, err := f.participant.Begin(ctx, xid)
			if !assert.NoError(t, err) {
				return
			}
			_, err = s.ExecContext(ctx, "INSERT "+xid)
			assert.NoError(t, err)
			assert.NoError(t, f.participant.Prepare(ctx, s))
			mu.Lock()
			sessions[xid] = s
			mu.Unlock()
		}(xid)
	}
	wg.Wait()
	require.Len(t, sessions, 2)
	assert.Equal(t, []string{"a", "b"}, listedXIDs(t, f.scanner))

	require.NoError(t, f.participant.Rollback(ctx, sessions["a"]))
	assert.Equal(t, []string{"b"}, listedXIDs(t, f.scanner))

	require.NoError(t, f.participant.Commit(ctx, sessions["b"]))
	assert.Empty(t, listedXIDs(t, f.scanner))

	assert.Equal(t, []string{"INSERT b"}, f.mock.Applied())
	assert.Equal(t, 0, f.mock.OpenConns())
}

func TestSessionQueryRowOnlyWhileActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	s, err := f.participant.Begin(ctx, "t1")
	require.NoError(t, err)

	var n int
	row := s.QueryRowContext(ctx, "SELECT n FROM stock WHERE id = $1", 7)
	assert.ErrorIs(t, row.Scan(&n), sql.ErrNoRows)
	assert.NoError(t, row.Err())
	assert.Contains(t, f.mock.Queries(), "SELECT n FROM stock WHERE id = $1")

	require.NoError(t, f.participant.Prepare(ctx, s))
	row = s.QueryRowContext(ctx, "SELECT 1")
	assert.ErrorIs(t, row.Scan(&n), ErrInvalidState)
	assert.ErrorIs(t, row.Err(), ErrInvalidState)

	require.NoError(t, f.participant.Commit(ctx, s))
	assert.ErrorIs(t, s.QueryRowContext(ctx, "SELECT 1").Scan(&n), ErrSessionClosed)
	assert.Len(t, f.mock.Queries(), 1)
}

func TestCommitOnePhase(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	s, err := f.participant.Begin(ctx, "t1")
	require.NoError(t, err)
	_, err = s.ExecContext(ctx, "INSERT 1")
	require.NoError(t, err)

	require.NoError(t, f.participant.CommitOnePhase(ctx, s))
	assert.Equal(t, StateCommitted, s.State())
	assert.True(t, s.Closed())
	assert.Equal(t, []string{"INSERT 1"}, f.mock.Applied())
	assert.Contains(t, f.mock.Statements(), "COMMIT")
	assert.NotContains(t, f.mock.Statements(), "PREPARE TRANSACTION 't1'")
	assert.False(t, f.mock.IsPrepared("t1"))
	assert.Empty(t, listedXIDs(t, f.scanner))
	assert.Equal(t, 0, f.mock.OpenConns())

	events := f.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, OutcomeCommitted, events[0].Outcome)

	assert.ErrorIs(t, f.participant.CommitOnePhase(ctx, s), ErrSessionClosed)
}

func TestCommitOnePhaseRequiresActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	s, err := f.participant.Begin(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, f.participant.Prepare(ctx, s))

	assert.ErrorIs(t, f.participant.CommitOnePhase(ctx, s), ErrInvalidState)
	assert.Equal(t, StatePrepared, s.State())
	assert.False(t, s.Closed())

	f.mock.FailNext(driver.OpCommitOne, errors.New("broken pipe"))
	s2, err := f.participant.Begin(ctx, "t2")
	require.NoError(t, err)
	err = f.participant.CommitOnePhase(ctx, s2)
	assert.Equal(t, RequiresRecovery, Classify(err))
	assert.True(t, s2.Closed())
	assert.Empty(t, f.mock.Applied())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Disposition
	}{
		{"nil", nil, DispositionNone},
		{"not found", &driver.RejectionError{Reason: driver.ErrXIDNotFound}, SafeToIgnore},
		{"unknown managed", ErrUnknownTransaction, RequiresRecovery},
		{"registry closed", ErrRegistryClosed, RequiresRecovery},
		{"duplicate", &driver.RejectionError{Reason: driver.ErrDuplicateXID}, NeedsInvestigation},
		{"rejected", &driver.RejectionError{Code: "55000"}, NeedsInvestigation},
		{"invalid state", ErrInvalidState, NeedsInvestigation},
		{"closed", ErrSessionClosed, NeedsInvestigation},
		{"connection", &driver.ConnectionError{Err: errors.New("EOF")}, RequiresRecovery},
		{"deadline", context.DeadlineExceeded, RequiresRecovery},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
	assert.Equal(t, "requires_recovery", RequiresRecovery.String())
}

func TestNewXID(t *testing.T) {
	a, b := NewXID("orders"), NewXID("orders")
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "orders-")
	assert.LessOrEqual(t, len(NewXID("012345678901234567890123456")), driver.MySQLMaxXIDLength)
	assert.Len(t, NewXID(""), 36)
}
