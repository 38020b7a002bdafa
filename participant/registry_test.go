package participant

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/maxpert/tpc/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryManagedLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r := f.registry

	require.NoError(t, r.BeginManaged(ctx, "t1"))
	require.NoError(t, r.WithSession(ctx, "t1", func(ctx context.Context, s *Session) error {
		_, err := s.ExecContext(ctx, "INSERT 1")
		return err
	}))
	require.NoError(t, r.PrepareManaged(ctx, "t1"))

	sessions := r.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "prepared", sessions[0].State)

	require.NoError(t, r.CommitManaged(ctx, "t1"))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, []string{"INSERT 1"}, f.mock.Applied())

	events := f.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, SourceRegistry, events[0].Source)

	// The identifier can be reused once resolved.
	require.NoError(t, r.BeginManaged(ctx, "t1"))
	require.NoError(t, r.PrepareManaged(ctx, "t1"))
	require.NoError(t, r.RollbackManaged(ctx, "t1"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryDuplicateAndUnknown(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r := f.registry

	require.NoError(t, r.BeginManaged(ctx, "t1"))
	assert.ErrorIs(t, r.BeginManaged(ctx, "t1"), ErrDuplicateTransaction)
	assert.Equal(t, 1, f.mock.OpenConns(), "duplicate begin never touches the resource")

	for _, err := range []error{
		r.PrepareManaged(ctx, "missing"),
		r.CommitManaged(ctx, "missing"),
		r.RollbackManaged(ctx, "missing"),
		r.AbortManaged(ctx, "missing"),
	} {
		assert.ErrorIs(t, err, ErrUnknownTransaction)
		assert.Equal(t, RequiresRecovery, Classify(err))
	}
}

func TestRegistryMissAfterInDoubtPrepareNeedsRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r := f.registry

	require.NoError(t, r.BeginManaged(ctx, "t1"))
	f.mock.FailNextAfterEffect(driver.OpPrepare, errors.New("connection reset by peer"))
	err := r.PrepareManaged(ctx, "t1")
	assert.Equal(t, RequiresRecovery, Classify(err))

	err = r.RollbackManaged(ctx, "t1")
	require.ErrorIs(t, err, ErrUnknownTransaction)
	assert.Equal(t, RequiresRecovery, Classify(err))

	_, found, err := f.scanner.FindPrepared(ctx, "t1")
	require.NoError(t, err)
	require.True(t, found, "the registry entry is gone but the work is still prepared")

	res, err := f.scanner.RollbackByXID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, Resolved, res)
}

func TestRegistryMissAfterCloseNeedsRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	require.NoError(t, f.registry.BeginManaged(ctx, "t2"))
	require.NoError(t, f.registry.PrepareManaged(ctx, "t2"))
	require.NoError(t, f.registry.Close(ctx))

	restarted := NewRegistry(f.participant)
	err := restarted.CommitManaged(ctx, "t2")
	require.ErrorIs(t, err, ErrUnknownTransaction)
	assert.Equal(t, RequiresRecovery, Classify(err))

	_, found, err := f.scanner.FindPrepared(ctx, "t2")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRegistryInvalidStateKeepsEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r := f.registry

	require.NoError(t, r.BeginManaged(ctx, "t1"))
	assert.ErrorIs(t, r.CommitManaged(ctx, "t1"), ErrInvalidState)
	assert.Equal(t, 1, r.Len())

	require.NoError(t, r.PrepareManaged(ctx, "t1"))
	assert.ErrorIs(t, r.PrepareManaged(ctx, "t1"), ErrInvalidState)
	assert.ErrorIs(t, r.AbortManaged(ctx, "t1"), ErrInvalidState)
	assert.Equal(t, 1, r.Len())

	require.NoError(t, r.CommitManaged(ctx, "t1"))
}

func TestRegistryFailedStepsRemoveEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r := f.registry

	f.mock.FailNext(driver.OpBegin, errors.New("EOF"))
	assert.Error(t, r.BeginManaged(ctx, "t1"))
	assert.Equal(t, 0, r.Len(), "failed begin frees the identifier")

	require.NoError(t, r.BeginManaged(ctx, "t1"))
	f.mock.FailNext(driver.OpPrepare, errors.New("EOF"))
	assert.Error(t, r.PrepareManaged(ctx, "t1"))
	assert.Equal(t, 0, r.Len())

	require.NoError(t, r.BeginManaged(ctx, "t2"))
	require.NoError(t, r.PrepareManaged(ctx, "t2"))
	f.mock.FailNext(driver.OpCommit, errors.New("EOF"))
	err := r.CommitManaged(ctx, "t2")
	assert.Equal(t, RequiresRecovery, Classify(err))
	assert.Equal(t, 0, r.Len())
	assert.True(t, f.mock.IsPrepared("t2"), "left for recovery")
	assert.Equal(t, 0, f.mock.OpenConns())
}

func TestRegistryBusyWhileCheckedOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r := f.registry
	require.NoError(t, r.BeginManaged(ctx, "t1"))

	err := r.WithSession(ctx, "t1", func(ctx context.Context, s *Session) error {
		assert.ErrorIs(t, r.PrepareManaged(ctx, "t1"), ErrTransactionBusy)
		assert.ErrorIs(t, r.CommitManaged(ctx, "t1"), ErrTransactionBusy)
		assert.ErrorIs(t, r.BeginManaged(ctx, "t1"), ErrDuplicateTransaction)
		assert.Equal(t, "busy", r.Sessions()[0].State)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, r.PrepareManaged(ctx, "t1"))
}

func TestRegistryConcurrentBeginSameXID(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r := f.registry

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.BeginManaged(ctx, "shared"); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrDuplicateTransaction)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1, f.mock.OpenConns())
}

func TestRegistryConcurrentDistinctXIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r := f.registry

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(xid string) {
			defer wg.Done()
			assert.NoError(t, r.BeginManaged(ctx, xid))
			assert.NoError(t, r.PrepareManaged(ctx, xid))
			assert.NoError(t, r.CommitManaged(ctx, xid))
		}(NewXID("c"))
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
	assert.Len(t, f.notifier.Events(), 32)
}

func TestRegistryClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r := f.registry

	require.NoError(t, r.BeginManaged(ctx, "active"))
	require.NoError(t, r.WithSession(ctx, "active", func(ctx context.Context, s *Session) error {
		_, err := s.ExecContext(ctx, "INSERT lost")
		return err
	}))
	require.NoError(t, r.BeginManaged(ctx, "prepared"))
	require.NoError(t, r.PrepareManaged(ctx, "prepared"))

	counts := r.SessionCounts()
	assert.Equal(t, 1, counts["active"])
	assert.Equal(t, 1, counts["prepared"])

	require.NoError(t, r.Close(ctx))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, f.mock.OpenConns())
	assert.Empty(t, f.mock.Applied())
	assert.True(t, f.mock.IsPrepared("prepared"), "prepared work survives shutdown")
	assert.False(t, f.mock.IsPrepared("active"))
}

func TestRegistryCheckinAfterCloseReleasesSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r := f.registry

	require.NoError(t, r.BeginManaged(ctx, "inflight"))
	require.NoError(t, r.BeginManaged(ctx, "parked"))
	require.NoError(t, r.PrepareManaged(ctx, "parked"))

	err := r.WithSession(ctx, "inflight", func(ctx context.Context, s *Session) error {
		if _, err := s.ExecContext(ctx, "INSERT late"); err != nil {
			return err
		}
		// Close cannot reach the checked-out slot.
		require.NoError(t, r.Close(ctx))
		assert.Equal(t, 1, r.Len())
		return nil
	})
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.Equal(t, RequiresRecovery, Classify(err))

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, f.mock.OpenConns(), "late checkin must not leak the connection")
	assert.Empty(t, f.mock.Applied())
	assert.True(t, f.mock.IsPrepared("parked"))

	err = r.BeginManaged(ctx, "after")
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.Equal(t, 0, f.mock.OpenConns())
	assert.Equal(t, 0, r.Len())
}

func TestRegistryPreparedCheckinAfterCloseStaysRecoverable(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r := f.registry

	require.NoError(t, r.BeginManaged(ctx, "t1"))
	require.NoError(t, r.PrepareManaged(ctx, "t1"))

	err := r.WithSession(ctx, "t1", func(ctx context.Context, s *Session) error {
		return r.Close(ctx)
	})
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.Equal(t, 0, f.mock.OpenConns())

	res, err := f.scanner.CommitByXID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, Resolved, res)
}

func TestRegistryCommitOnePhaseManaged(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r := f.registry

	require.NoError(t, r.BeginManaged(ctx, "t1"))
	require.NoError(t, r.WithSession(ctx, "t1", func(ctx context.Context, s *Session) error {
		_, err := s.ExecContext(ctx, "INSERT 1")
		return err
	}))
	require.NoError(t, r.CommitOnePhaseManaged(ctx, "t1"))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, []string{"INSERT 1"}, f.mock.Applied())
	assert.Empty(t, listedXIDs(t, f.scanner))

	require.NoError(t, r.BeginManaged(ctx, "t2"))
	require.NoError(t, r.PrepareManaged(ctx, "t2"))
	assert.ErrorIs(t, r.CommitOnePhaseManaged(ctx, "t2"), ErrInvalidState)
	assert.Equal(t, 1, r.Len(), "state violation keeps the entry")
	require.NoError(t, r.CommitManaged(ctx, "t2"))
}
