package driver

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/puzpuzpuz/xsync/v3"
)

// MySQLMaxXIDLength is the gtrid limit of XA START.
const MySQLMaxXIDLength = 64

const (
	mysqlErrXAERNotA  = 1397
	mysqlErrXAERDupID = 1440
)

func init() {
	Register("mysql", func(opts Options) (Driver, error) {
		dsn, err := mysql.ParseDSN(opts.DSN)
		if err != nil {
			return nil, err
		}
		db, err := openDB("mysql", opts)
		if err != nil {
			return nil, err
		}
		return NewMySQL(db, dsn.DBName), nil
	})
}

// MySQL drives XA transactions. XA RECOVER reports no timestamps, so
// PreparedAt is the first time this process saw the transaction prepared.
type MySQL struct {
	db        *sql.DB
	resource  string
	firstSeen *xsync.MapOf[string, time.Time]
	now       func() time.Time
}

func NewMySQL(db *sql.DB, resource string) *MySQL {
	return &MySQL{
		db:        db,
		resource:  resource,
		firstSeen: xsync.NewMapOf[string, time.Time](),
		now:       time.Now,
	}
}

func (m *MySQL) Name() string { return "mysql" }

func (m *MySQL) Acquire(ctx context.Context) (Conn, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, classify(OpAcquire, "", err, mysqlRejection)
	}
	return conn, nil
}

func (m *MySQL) Begin(ctx context.Context, conn Conn, xid string) error {
	if err := validateXID(OpBegin, xid, MySQLMaxXIDLength); err != nil {
		return err
	}
	return m.exec(ctx, conn, OpBegin, xid, "XA START "+QuoteMySQL(xid))
}

func (m *MySQL) Prepare(ctx context.Context, conn Conn, xid string) error {
	if err := validateXID(OpPrepare, xid, MySQLMaxXIDLength); err != nil {
		return err
	}
	quoted := QuoteMySQL(xid)
	if err := m.exec(ctx, conn, OpPrepare, xid, "XA END "+quoted); err != nil {
		return err
	}
	if err := m.exec(ctx, conn, OpPrepare, xid, "XA PREPARE "+quoted); err != nil {
		return err
	}
	m.firstSeen.LoadOrStore(xid, m.now())
	return nil
}

func (m *MySQL) CommitPrepared(ctx context.Context, conn Conn, xid string) error {
	return m.resolve(ctx, conn, OpCommit, xid, "XA COMMIT ")
}

func (m *MySQL) RollbackPrepared(ctx context.Context, conn Conn, xid string) error {
	return m.resolve(ctx, conn, OpRollback, xid, "XA ROLLBACK ")
}

// Rollback ends an active branch and rolls it back.
func (m *MySQL) Rollback(ctx context.Context, conn Conn, xid string) error {
	if err := validateXID(OpAbort, xid, MySQLMaxXIDLength); err != nil {
		return err
	}
	quoted := QuoteMySQL(xid)
	if err := m.exec(ctx, conn, OpAbort, xid, "XA END "+quoted); err != nil {
		return err
	}
	return m.exec(ctx, conn, OpAbort, xid, "XA ROLLBACK "+quoted)
}

// CommitOnePhase ends an active branch and commits it with ONE PHASE,
// skipping XA PREPARE.
func (m *MySQL) CommitOnePhase(ctx context.Context, conn Conn, xid string) error {
	if err := validateXID(OpCommitOne, xid, MySQLMaxXIDLength); err != nil {
		return err
	}
	quoted := QuoteMySQL(xid)
	if err := m.exec(ctx, conn, OpCommitOne, xid, "XA END "+quoted); err != nil {
		return err
	}
	return m.exec(ctx, conn, OpCommitOne, xid, "XA COMMIT "+quoted+" ONE PHASE")
}

func (m *MySQL) ListPrepared(ctx context.Context) ([]PreparedTransaction, error) {
	rows, err := m.db.QueryContext(ctx, "XA RECOVER")
	if err != nil {
		return nil, classify(OpListPrepared, "", err, mysqlRejection)
	}
	defer rows.Close()

	var xids []string
	for rows.Next() {
		var formatID, gtridLen, bqualLen int64
		var data []byte
		if err := rows.Scan(&formatID, &gtridLen, &bqualLen, &data); err != nil {
			return nil, classify(OpListPrepared, "", err, mysqlRejection)
		}
		xids = append(xids, decodeXARecoverData(data, gtridLen))
	}
	if err := rows.Err(); err != nil {
		return nil, classify(OpListPrepared, "", err, mysqlRejection)
	}
	return m.catalog(xids), nil
}

func (m *MySQL) FindPrepared(ctx context.Context, xid string) (PreparedTransaction, bool, error) {
	txns, err := m.ListPrepared(ctx)
	if err != nil {
		var conn *ConnectionError
		if errors.As(err, &conn) {
			conn.Op, conn.XID = OpFindPrepared, xid
		}
		return PreparedTransaction{}, false, err
	}
	for _, txn := range txns {
		if txn.XID == xid {
			return txn, true, nil
		}
	}
	return PreparedTransaction{}, false, nil
}

func (m *MySQL) Close() error {
	return m.db.Close()
}

func (m *MySQL) resolve(ctx context.Context, conn Conn, op Op, xid, verb string) error {
	if err := validateXID(op, xid, MySQLMaxXIDLength); err != nil {
		return err
	}
	err := m.exec(ctx, conn, op, xid, verb+QuoteMySQL(xid))
	if err == nil || errors.Is(err, ErrXIDNotFound) {
		m.firstSeen.Delete(xid)
	}
	return err
}

func (m *MySQL) exec(ctx context.Context, conn Conn, op Op, xid, stmt string) error {
	_, err := conn.ExecContext(ctx, stmt)
	return classify(op, xid, err, mysqlRejection)
}

// catalog turns recovered xids into catalog entries and forgets first-seen
// times of transactions no longer prepared.
func (m *MySQL) catalog(xids []string) []PreparedTransaction {
	now := m.now()
	present := make(map[string]struct{}, len(xids))
	txns := make([]PreparedTransaction, 0, len(xids))
	for _, xid := range xids {
		present[xid] = struct{}{}
		seen, _ := m.firstSeen.LoadOrStore(xid, now)
		txns = append(txns, PreparedTransaction{XID: xid, PreparedAt: seen, Resource: m.resource})
	}
	m.firstSeen.Range(func(xid string, _ time.Time) bool {
		if _, ok := present[xid]; !ok {
			m.firstSeen.Delete(xid)
		}
		return true
	})
	sortPrepared(txns)
	return txns
}

// decodeXARecoverData takes the gtrid out of the data column, which holds
// gtrid and bqual back to back.
func decodeXARecoverData(data []byte, gtridLen int64) string {
	if gtridLen >= 0 && gtridLen <= int64(len(data)) {
		return string(data[:gtridLen])
	}
	return string(data)
}

func mysqlRejection(err error) (*RejectionError, bool) {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return nil, false
	}
	rej := &RejectionError{
		Code:    strconv.Itoa(int(myErr.Number)),
		Message: myErr.Message,
		Err:     err,
	}
	switch myErr.Number {
	case mysqlErrXAERNotA:
		rej.Reason = ErrXIDNotFound
	case mysqlErrXAERDupID:
		rej.Reason = ErrDuplicateXID
	}
	return rej, true
}
