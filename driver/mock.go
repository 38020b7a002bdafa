package driver

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"time"
)

var errMockUnreachable = errors.New("mock resource unreachable")

type mockFailure struct {
	err   error
	after bool
}

type mockPrepared struct {
	info   PreparedTransaction
	writes []string
}

// MockDriver is an in-memory resource with a durable prepared catalog.
// Writes buffered on a connection become visible in Applied only once the
// owning transaction commits. Tests inject failures per protocol step.
type MockDriver struct {
	mu          sync.Mutex
	resource    string
	owner       string
	now         func() time.Time
	prepared    map[string]*mockPrepared
	applied     []string
	failures    map[Op][]mockFailure
	statements  []string
	queries     []string
	unreachable bool
	open        int
	acquired    int
}

func NewMockDriver(resource string) *MockDriver {
	return &MockDriver{
		resource: resource,
		owner:    "mock",
		now:      time.Now,
		prepared: make(map[string]*mockPrepared),
		failures: make(map[Op][]mockFailure),
	}
}

func (m *MockDriver) Name() string { return "mock" }

// SetClock replaces the clock used to stamp prepared transactions.
func (m *MockDriver) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetUnreachable makes every step fail with a ConnectionError.
func (m *MockDriver) SetUnreachable(unreachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreachable = unreachable
}

// FailNext fails the next op before it takes effect.
func (m *MockDriver) FailNext(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], mockFailure{err: err})
}

// FailNextAfterEffect applies the next op and then reports err, the way a
// connection that drops after the server acted looks to the client.
func (m *MockDriver) FailNextAfterEffect(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], mockFailure{err: err, after: true})
}

// InjectPrepared adds a prepared transaction left behind by another process.
func (m *MockDriver) InjectPrepared(xid string, preparedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepared[xid] = &mockPrepared{info: PreparedTransaction{
		XID:        xid,
		PreparedAt: preparedAt,
		Owner:      m.owner,
		Resource:   m.resource,
	}}
}

// IsPrepared reports whether xid sits in the prepared catalog.
func (m *MockDriver) IsPrepared(xid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.prepared[xid]
	return ok
}

// Applied returns committed writes in commit order.
func (m *MockDriver) Applied() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.applied...)
}

// Statements returns every protocol statement issued so far.
func (m *MockDriver) Statements() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.statements...)
}

// Queries returns every query issued on a mock connection.
func (m *MockDriver) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queries...)
}

func (m *MockDriver) recordQuery(query string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, query)
}

// OpenConns is the number of connections acquired and not yet closed.
func (m *MockDriver) OpenConns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *MockDriver) Acquire(ctx context.Context) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, OpAcquire, ""); err != nil {
		return nil, err
	}
	m.open++
	m.acquired++
	return &MockConn{driver: m, id: m.acquired}, nil
}

func (m *MockDriver) Begin(ctx context.Context, conn Conn, xid string) error {
	c, err := m.conn(conn, OpBegin, xid)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, hasFailure := m.failure(OpBegin)
	if err := m.before(ctx, OpBegin, xid, f, hasFailure); err != nil {
		return err
	}
	m.statements = append(m.statements, "BEGIN")
	c.active = true
	c.pending = nil
	return m.after(OpBegin, xid, f, hasFailure)
}

func (m *MockDriver) Prepare(ctx context.Context, conn Conn, xid string) error {
	c, err := m.conn(conn, OpPrepare, xid)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, hasFailure := m.failure(OpPrepare)
	if err := m.before(ctx, OpPrepare, xid, f, hasFailure); err != nil {
		return err
	}
	m.statements = append(m.statements, "PREPARE TRANSACTION "+QuotePostgres(xid))
	if !c.active {
		return &RejectionError{Op: OpPrepare, XID: xid, Code: "25P01", Message: "there is no transaction in progress"}
	}
	writes := c.pending
	c.active = false
	c.pending = nil
	if _, exists := m.prepared[xid]; exists {
		return &RejectionError{
			Op: OpPrepare, XID: xid, Code: "42710",
			Message: fmt.Sprintf("transaction identifier %q is already in use", xid),
			Reason:  ErrDuplicateXID,
		}
	}
	m.prepared[xid] = &mockPrepared{
		info: PreparedTransaction{
			XID:        xid,
			PreparedAt: m.now(),
			Owner:      m.owner,
			Resource:   m.resource,
		},
		writes: writes,
	}
	return m.after(OpPrepare, xid, f, hasFailure)
}

func (m *MockDriver) CommitPrepared(ctx context.Context, conn Conn, xid string) error {
	return m.finish(ctx, conn, OpCommit, xid, "COMMIT PREPARED ")
}

func (m *MockDriver) RollbackPrepared(ctx context.Context, conn Conn, xid string) error {
	return m.finish(ctx, conn, OpRollback, xid, "ROLLBACK PREPARED ")
}

func (m *MockDriver) Rollback(ctx context.Context, conn Conn, xid string) error {
	c, err := m.conn(conn, OpAbort, xid)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, hasFailure := m.failure(OpAbort)
	if err := m.before(ctx, OpAbort, xid, f, hasFailure); err != nil {
		return err
	}
	m.statements = append(m.statements, "ROLLBACK")
	c.active = false
	c.pending = nil
	return m.after(OpAbort, xid, f, hasFailure)
}

func (m *MockDriver) ListPrepared(ctx context.Context) ([]PreparedTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, OpListPrepared, ""); err != nil {
		return nil, err
	}
	txns := make([]PreparedTransaction, 0, len(m.prepared))
	for _, p := range m.prepared {
		txns = append(txns, p.info)
	}
	sortPrepared(txns)
	return txns, nil
}

func (m *MockDriver) CommitOnePhase(ctx context.Context, conn Conn, xid string) error {
	c, err := m.conn(conn, OpCommitOne, xid)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, hasFailure := m.failure(OpCommitOne)
	if err := m.before(ctx, OpCommitOne, xid, f, hasFailure); err != nil {
		return err
	}
	m.statements = append(m.statements, "COMMIT")
	if !c.active {
		return &RejectionError{Op: OpCommitOne, XID: xid, Code: "25P01", Message: "there is no transaction in progress"}
	}
	m.applied = append(m.applied, c.pending...)
	c.active = false
	c.pending = nil
	return m.after(OpCommitOne, xid, f, hasFailure)
}

func (m *MockDriver) FindPrepared(ctx context.Context, xid string) (PreparedTransaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, OpFindPrepared, xid); err != nil {
		return PreparedTransaction{}, false, err
	}
	p, ok := m.prepared[xid]
	if !ok {
		return PreparedTransaction{}, false, nil
	}
	return p.info, true, nil
}

func (m *MockDriver) Close() error { return nil }

func (m *MockDriver) finish(ctx context.Context, conn Conn, op Op, xid, verb string) error {
	if _, err := m.conn(conn, op, xid); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, hasFailure := m.failure(op)
	if err := m.before(ctx, op, xid, f, hasFailure); err != nil {
		return err
	}
	m.statements = append(m.statements, verb+QuotePostgres(xid))
	p, ok := m.prepared[xid]
	if !ok {
		return &RejectionError{
			Op: op, XID: xid, Code: "42704",
			Message: fmt.Sprintf("prepared transaction with identifier %q does not exist", xid),
			Reason:  ErrXIDNotFound,
		}
	}
	delete(m.prepared, xid)
	if op == OpCommit {
		m.applied = append(m.applied, p.writes...)
	}
	return m.after(op, xid, f, hasFailure)
}

func (m *MockDriver) conn(conn Conn, op Op, xid string) (*MockConn, error) {
	c, ok := conn.(*MockConn)
	if !ok || c.driver != m {
		return nil, &ConnectionError{Op: op, XID: xid, Err: errors.New("connection does not belong to this mock")}
	}
	if c.isClosed() {
		return nil, &ConnectionError{Op: op, XID: xid, Err: sql.ErrConnDone}
	}
	return c, nil
}

// check runs the shared failure gates for steps without side effects.
func (m *MockDriver) check(ctx context.Context, op Op, xid string) error {
	f, hasFailure := m.failure(op)
	return m.before(ctx, op, xid, f, hasFailure)
}

func (m *MockDriver) failure(op Op) (mockFailure, bool) {
	queue := m.failures[op]
	if len(queue) == 0 {
		return mockFailure{}, false
	}
	m.failures[op] = queue[1:]
	return queue[0], true
}

func (m *MockDriver) before(ctx context.Context, op Op, xid string, f mockFailure, hasFailure bool) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Op: op, XID: xid, Err: err}
	}
	if m.unreachable {
		return &ConnectionError{Op: op, XID: xid, Err: errMockUnreachable}
	}
	if hasFailure && !f.after {
		return wrapMockFailure(op, xid, f.err)
	}
	return nil
}

func (m *MockDriver) after(op Op, xid string, f mockFailure, hasFailure bool) error {
	if hasFailure && f.after {
		return wrapMockFailure(op, xid, f.err)
	}
	return nil
}

func wrapMockFailure(op Op, xid string, err error) error {
	return classify(op, xid, err, func(error) (*RejectionError, bool) { return nil, false })
}

// MockConn buffers writes of the transaction running on it. Closing it
// while the transaction is active discards those writes.
type MockConn struct {
	driver  *MockDriver
	id      int
	active  bool
	pending []string
	closed  bool
}

func (c *MockConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()
	if c.closed {
		return nil, sql.ErrConnDone
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.driver.unreachable {
		return nil, sqldriver.ErrBadConn
	}
	if c.active {
		c.pending = append(c.pending, query)
	} else {
		c.driver.applied = append(c.driver.applied, query)
	}
	return sqldriver.RowsAffected(1), nil
}

func (c *MockConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	c.driver.recordQuery(query)
	return nil, errors.New("mock connection does not support queries")
}

// QueryRowContext records the query. The mock holds no rows, so it returns
// nil, which callers must treat as sql.ErrNoRows.
func (c *MockConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	c.driver.recordQuery(query)
	return nil
}

func (c *MockConn) Close() error {
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()
	if c.closed {
		return sql.ErrConnDone
	}
	c.closed = true
	c.active = false
	c.pending = nil
	c.driver.open--
	return nil
}

func (c *MockConn) isClosed() bool {
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()
	return c.closed
}
