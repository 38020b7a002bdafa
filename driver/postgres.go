package driver

import (
	"context"
	"database/sql"
	"errors"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/lib/pq"
)

// PostgresMaxXIDLength is the longest gid PREPARE TRANSACTION accepts.
const PostgresMaxXIDLength = 199

func init() {
	Register("postgres", func(opts Options) (Driver, error) {
		db, err := openDB("postgres", opts)
		if err != nil {
			return nil, err
		}
		return NewPostgres(db), nil
	})
}

// Postgres drives PREPARE TRANSACTION and friends over lib/pq.
type Postgres struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, dialect: goqu.Dialect("postgres")}
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Acquire(ctx context.Context) (Conn, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, classify(OpAcquire, "", err, pgRejection)
	}
	return conn, nil
}

func (p *Postgres) Begin(ctx context.Context, conn Conn, xid string) error {
	if err := validateXID(OpBegin, xid, PostgresMaxXIDLength); err != nil {
		return err
	}
	return p.exec(ctx, conn, OpBegin, xid, "BEGIN")
}

// Prepare issues PREPARE TRANSACTION and confirms the catalog entry exists.
// A transaction that already failed answers PREPARE with a silent rollback.
func (p *Postgres) Prepare(ctx context.Context, conn Conn, xid string) error {
	if err := validateXID(OpPrepare, xid, PostgresMaxXIDLength); err != nil {
		return err
	}
	if err := p.exec(ctx, conn, OpPrepare, xid, "PREPARE TRANSACTION "+QuotePostgres(xid)); err != nil {
		return err
	}
	found, err := p.exists(ctx, conn, xid)
	if err != nil {
		return classify(OpPrepare, xid, err, pgRejection)
	}
	if !found {
		return &RejectionError{
			Op:      OpPrepare,
			XID:     xid,
			Code:    "25P02",
			Message: "transaction was rolled back instead of prepared",
			Reason:  ErrNotPrepared,
		}
	}
	return nil
}

func (p *Postgres) CommitPrepared(ctx context.Context, conn Conn, xid string) error {
	if err := validateXID(OpCommit, xid, PostgresMaxXIDLength); err != nil {
		return err
	}
	return p.exec(ctx, conn, OpCommit, xid, "COMMIT PREPARED "+QuotePostgres(xid))
}

func (p *Postgres) RollbackPrepared(ctx context.Context, conn Conn, xid string) error {
	if err := validateXID(OpRollback, xid, PostgresMaxXIDLength); err != nil {
		return err
	}
	return p.exec(ctx, conn, OpRollback, xid, "ROLLBACK PREPARED "+QuotePostgres(xid))
}

func (p *Postgres) Rollback(ctx context.Context, conn Conn, xid string) error {
	return p.exec(ctx, conn, OpAbort, xid, "ROLLBACK")
}

func (p *Postgres) CommitOnePhase(ctx context.Context, conn Conn, xid string) error {
	return p.exec(ctx, conn, OpCommitOne, xid, "COMMIT")
}

func (p *Postgres) ListPrepared(ctx context.Context) ([]PreparedTransaction, error) {
	query, args, err := p.listQuery()
	if err != nil {
		return nil, err
	}
	txns, err := p.scan(ctx, query, args...)
	if err != nil {
		return nil, classify(OpListPrepared, "", err, pgRejection)
	}
	return txns, nil
}

func (p *Postgres) FindPrepared(ctx context.Context, xid string) (PreparedTransaction, bool, error) {
	query, args, err := p.findQuery(xid)
	if err != nil {
		return PreparedTransaction{}, false, err
	}
	txns, err := p.scan(ctx, query, args...)
	if err != nil {
		return PreparedTransaction{}, false, classify(OpFindPrepared, xid, err, pgRejection)
	}
	if len(txns) == 0 {
		return PreparedTransaction{}, false, nil
	}
	return txns[0], true, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) exec(ctx context.Context, conn Conn, op Op, xid, stmt string) error {
	_, err := conn.ExecContext(ctx, stmt)
	return classify(op, xid, err, pgRejection)
}

func (p *Postgres) exists(ctx context.Context, conn Conn, xid string) (bool, error) {
	query, args, err := p.findQuery(xid)
	if err != nil {
		return false, err
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	found := rows.Next()
	return found, rows.Err()
}

// pg_prepared_xacts spans the whole cluster. COMMIT PREPARED only works from
// the database that prepared the transaction, so the catalog is narrowed.
func (p *Postgres) catalog() *goqu.SelectDataset {
	return p.dialect.From("pg_prepared_xacts").
		Select("gid", "prepared", "owner", "database").
		Where(goqu.C("database").Eq(goqu.L("current_database()"))).
		Order(goqu.C("prepared").Asc(), goqu.C("gid").Asc())
}

func (p *Postgres) listQuery() (string, []interface{}, error) {
	return p.catalog().ToSQL()
}

func (p *Postgres) findQuery(xid string) (string, []interface{}, error) {
	return p.catalog().Where(goqu.C("gid").Eq(xid)).Prepared(true).ToSQL()
}

func (p *Postgres) scan(ctx context.Context, query string, args ...interface{}) ([]PreparedTransaction, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []PreparedTransaction
	for rows.Next() {
		var txn PreparedTransaction
		if err := rows.Scan(&txn.XID, &txn.PreparedAt, &txn.Owner, &txn.Resource); err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortPrepared(txns)
	return txns, nil
}

// pgRejection maps SQLSTATE codes. Class 08 and the shutdown codes leave the
// outcome unknown and stay connection errors.
func pgRejection(err error) (*RejectionError, bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return nil, false
	}
	switch {
	case pqErr.Code.Class() == "08":
		return nil, false
	case pqErr.Code == "57P01", pqErr.Code == "57P02", pqErr.Code == "57P03":
		return nil, false
	}

	rej := &RejectionError{Code: string(pqErr.Code), Message: pqErr.Message, Err: err}
	switch pqErr.Code {
	case "42704":
		rej.Reason = ErrXIDNotFound
	case "42710":
		rej.Reason = ErrDuplicateXID
	}
	return rej, true
}
