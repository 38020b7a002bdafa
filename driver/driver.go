// Package driver speaks the two-phase commit verbs of a concrete resource.
// Each backend turns the participant's protocol steps into SQL statements
// and maps server errors onto ConnectionError and RejectionError.
package driver

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Conn is an exclusive connection pinned to one transaction. *sql.Conn
// satisfies it.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Close() error
}

// PreparedTransaction is an entry of the resource's durable prepared catalog.
type PreparedTransaction struct {
	XID        string    `json:"xid"`
	PreparedAt time.Time `json:"prepared_at"`
	Owner      string    `json:"owner"`
	Resource   string    `json:"resource"`
}

// Driver issues protocol steps. Begin, Prepare, Rollback and CommitOnePhase
// run on the session's pinned connection. CommitPrepared and
// RollbackPrepared accept any connection since a prepared transaction is no
// longer tied to one.
type Driver interface {
	Name() string
	Acquire(ctx context.Context) (Conn, error)
	Begin(ctx context.Context, conn Conn, xid string) error
	Prepare(ctx context.Context, conn Conn, xid string) error
	CommitPrepared(ctx context.Context, conn Conn, xid string) error
	RollbackPrepared(ctx context.Context, conn Conn, xid string) error
	Rollback(ctx context.Context, conn Conn, xid string) error
	// CommitOnePhase commits an active transaction without a prepare step,
	// for a global transaction with a single participant.
	CommitOnePhase(ctx context.Context, conn Conn, xid string) error
	ListPrepared(ctx context.Context) ([]PreparedTransaction, error)
	FindPrepared(ctx context.Context, xid string) (PreparedTransaction, bool, error)
	Close() error
}

// Options configures the connection pool behind a driver.
type Options struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Factory builds a driver from pool options.
type Factory func(opts Options) (Driver, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a backend available under name. Backends call it from init.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// Open builds the driver registered under name.
func Open(name string, opts Options) (Driver, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown driver: %s (available: %v)", name, Names())
	}
	return factory(opts)
}

// Names lists registered backends in sorted order.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Discard drops conn without handing it back to the pool. A connection whose
// transaction was not finalized must never be reused by another session.
func Discard(conn Conn) error {
	if raw, ok := conn.(interface {
		Raw(func(driverConn any) error) error
	}); ok {
		_ = raw.Raw(func(any) error { return sqldriver.ErrBadConn })
		// Close only releases the closed handle at this point.
		_ = conn.Close()
		return nil
	}
	return conn.Close()
}

func openDB(driverName string, opts Options) (*sql.DB, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("%s: dsn is required", driverName)
	}
	db, err := sql.Open(driverName, opts.DSN)
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return db, nil
}

func sortPrepared(txns []PreparedTransaction) {
	sort.SliceStable(txns, func(i, j int) bool {
		if txns[i].PreparedAt.Equal(txns[j].PreparedAt) {
			return txns[i].XID < txns[j].XID
		}
		return txns[i].PreparedAt.Before(txns[j].PreparedAt)
	})
}
