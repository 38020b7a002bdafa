package participant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gobwas/glob"
	"github.com/maxpert/tpc/driver"
	"github.com/maxpert/tpc/telemetry"
	"github.com/rs/zerolog/log"
)

// Resolution reports what a by-XID decision found.
type Resolution int

const (
	ResolutionUnknown Resolution = iota
	// Resolved means this call moved the transaction to its outcome.
	Resolved
	// AlreadyResolved means the resource no longer held the transaction.
	AlreadyResolved
)

func (r Resolution) String() string {
	switch r {
	case Resolved:
		return "resolved"
	case AlreadyResolved:
		return "already_resolved"
	default:
		return "unknown"
	}
}

// CleanupOptions selects which prepared transactions count as stale.
type CleanupOptions struct {
	// MaxAge keeps transactions prepared within this window.
	MaxAge time.Duration
	// Pattern is a glob over XIDs. Empty matches every XID.
	Pattern string
}

// Scanner resolves prepared transactions through the resource's catalog,
// independent of any live session. It serves crash recovery and coordinator
// driven resolution.
type Scanner struct {
	participant *Participant
	now         func() time.Time
}

func NewScanner(p *Participant) *Scanner {
	return &Scanner{participant: p, now: time.Now}
}

// ListPrepared returns the catalog ordered by PreparedAt, oldest first.
func (sc *Scanner) ListPrepared(ctx context.Context) ([]driver.PreparedTransaction, error) {
	var txns []driver.PreparedTransaction
	err := sc.participant.instrument(ctx, driver.OpListPrepared, "", func(ctx context.Context) error {
		var err error
		txns, err = sc.participant.driver.ListPrepared(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	telemetry.PreparedCatalogSize.Set(float64(len(txns)))
	return txns, nil
}

// FindPrepared looks xid up in the catalog.
func (sc *Scanner) FindPrepared(ctx context.Context, xid string) (driver.PreparedTransaction, bool, error) {
	var (
		info  driver.PreparedTransaction
		found bool
	)
	err := sc.participant.instrument(ctx, driver.OpFindPrepared, xid, func(ctx context.Context) error {
		var err error
		info, found, err = sc.participant.driver.FindPrepared(ctx, xid)
		return err
	})
	return info, found, err
}

// PreparedCount is the catalog size.
func (sc *Scanner) PreparedCount(ctx context.Context) (int, error) {
	txns, err := sc.ListPrepared(ctx)
	return len(txns), err
}

// CommitByXID commits a prepared transaction without its session. A
// transaction the resource no longer knows reports AlreadyResolved.
func (sc *Scanner) CommitByXID(ctx context.Context, xid string) (Resolution, error) {
	res, err := sc.resolve(ctx, xid, driver.OpCommit, SourceRecovery)
	telemetry.RecoveryResolutionsTotal.With(string(driver.OpCommit), resolutionLabel(res, err)).Inc()
	return res, err
}

// RollbackByXID rolls back a prepared transaction without its session.
func (sc *Scanner) RollbackByXID(ctx context.Context, xid string) (Resolution, error) {
	res, err := sc.resolve(ctx, xid, driver.OpRollback, SourceRecovery)
	telemetry.RecoveryResolutionsTotal.With(string(driver.OpRollback), resolutionLabel(res, err)).Inc()
	return res, err
}

// CleanupStale rolls back every prepared transaction older than maxAge and
// returns how many it rolled back.
func (sc *Scanner) CleanupStale(ctx context.Context, maxAge time.Duration) (int, error) {
	return sc.Cleanup(ctx, CleanupOptions{MaxAge: maxAge})
}

// Cleanup rolls back stale prepared transactions matching opts. Individual
// failures are logged and skipped; only a failed catalog scan is returned.
func (sc *Scanner) Cleanup(ctx context.Context, opts CleanupOptions) (int, error) {
	if opts.MaxAge < 0 {
		return 0, fmt.Errorf("max age must be >= 0, got %s", opts.MaxAge)
	}
	var matcher glob.Glob
	if opts.Pattern != "" {
		var err error
		if matcher, err = glob.Compile(opts.Pattern); err != nil {
			return 0, fmt.Errorf("invalid xid pattern %q: %w", opts.Pattern, err)
		}
	}

	start := time.Now()
	defer func() { telemetry.CleanupSeconds.Observe(time.Since(start).Seconds()) }()

	txns, err := sc.ListPrepared(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := sc.now().Add(-opts.MaxAge)
	cleaned := 0
	for _, txn := range txns {
		// Catalog is oldest first.
		if !txn.PreparedAt.Before(cutoff) {
			break
		}
		if matcher != nil && !matcher.Match(txn.XID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return cleaned, err
		}

		res, err := sc.resolve(ctx, txn.XID, driver.OpRollback, SourceCleanup)
		switch {
		case err != nil:
			telemetry.StaleCleanupTotal.With("failed").Inc()
			log.Warn().Err(err).Str("xid", txn.XID).Time("prepared_at", txn.PreparedAt).Msg("Failed to roll back stale prepared transaction")
		case res == AlreadyResolved:
			telemetry.StaleCleanupTotal.With("already_resolved").Inc()
			log.Debug().Str("xid", txn.XID).Msg("Stale prepared transaction resolved concurrently")
		default:
			telemetry.StaleCleanupTotal.With("rolled_back").Inc()
			cleaned++
		}
	}

	if cleaned > 0 {
		log.Info().Int("rolled_back", cleaned).Dur("max_age", opts.MaxAge).Str("pattern", opts.Pattern).Msg("Cleaned up stale prepared transactions")
	}
	return cleaned, nil
}

func (sc *Scanner) resolve(ctx context.Context, xid string, op driver.Op, source Source) (Resolution, error) {
	p := sc.participant
	res := ResolutionUnknown
	err := p.instrument(ctx, op, xid, func(ctx context.Context) error {
		conn, err := p.driver.Acquire(ctx)
		if err != nil {
			return err
		}
		if op == driver.OpCommit {
			err = p.driver.CommitPrepared(ctx, conn, xid)
		} else {
			err = p.driver.RollbackPrepared(ctx, conn, xid)
		}
		if err != nil {
			p.discard(xid, conn)
			return err
		}
		p.release(xid, conn)
		return nil
	})

	switch {
	case err == nil:
		res = Resolved
		done := StateCommitted
		if op == driver.OpRollback {
			done = StateRolledBack
		}
		p.notify(xid, done, source)
	case errors.Is(err, driver.ErrXIDNotFound):
		return AlreadyResolved, nil
	}
	return res, err
}

func resolutionLabel(res Resolution, err error) string {
	if err != nil {
		return "failed"
	}
	return res.String()
}
