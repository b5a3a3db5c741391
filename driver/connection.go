package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomyedwab/fbdriver/api"
	"github.com/tomyedwab/fbdriver/buffer"
	"github.com/tomyedwab/fbdriver/codec"
	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/hooks"
	"github.com/tomyedwab/fbdriver/types"
)

// Connection is an open database attachment. It owns a main transaction
// (the default for cursors and statements), a read-only query transaction,
// and every transaction manager, statement and event collector created
// through it.
type Connection struct {
	att        api.Attachment
	dsn        string
	dpb        []byte
	charset    string
	dialect    int
	codec      *codec.Codec
	threshold  int
	defaultTPB *buffer.TPB
	hooks      *hooks.Registry
	logger     *slog.Logger

	main  *TransactionManager
	query *TransactionManager

	mu           sync.Mutex
	closed       bool
	transactions []*TransactionManager
	statements   map[*Statement]struct{}
	collectors   map[*EventCollector]struct{}
}

func newConnection(att api.Attachment, plan *attachPlan, dpb []byte) (*Connection, error) {
	c, err := codec.New(plan.charset, plan.dialect)
	if err != nil {
		return nil, err
	}
	con := &Connection{
		att:        att,
		dsn:        plan.dsn,
		dpb:        dpb,
		charset:    plan.charset,
		dialect:    plan.dialect,
		codec:      c,
		threshold:  plan.threshold,
		defaultTPB: plan.defaultTPB,
		hooks:      plan.hooks,
		logger:     plan.logger.With("component", "driver", "attachment", att.ID()),
		statements: make(map[*Statement]struct{}),
		collectors: make(map[*EventCollector]struct{}),
	}
	con.main = con.TransactionManager(plan.defaultTPB, types.ActionCommit)
	con.query = con.TransactionManager(buffer.ReadCommittedTPB(), types.ActionCommit)
	con.logger.Debug("connected", "dsn", plan.dsn, "charset", plan.charset, "dialect", plan.dialect)
	return con, nil
}

func errConnectionClosed() error {
	return dberrors.Interface("Connection is closed")
}

func (c *Connection) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnectionClosed()
	}
	return nil
}

// ID is the attachment id assigned by the server.
func (c *Connection) ID() int64 { return c.att.ID() }

// DSN is the connection string used to attach.
func (c *Connection) DSN() string { return c.dsn }

// Charset is the connection character set.
func (c *Connection) Charset() string { return c.charset }

// SQLDialect is the dialect statements are prepared with.
func (c *Connection) SQLDialect() int { return c.dialect }

// Attachment exposes the underlying primitive.
func (c *Connection) Attachment() api.Attachment { return c.att }

// MainTransaction is the default transaction of the connection.
func (c *Connection) MainTransaction() *TransactionManager { return c.main }

// QueryTransaction is a READ COMMITTED, read-only transaction for queries
// that should not hold a snapshot.
func (c *Connection) QueryTransaction() *TransactionManager { return c.query }

// TransactionManager creates another transaction manager owned by the
// connection. A nil tpb uses the connection default.
func (c *Connection) TransactionManager(tpb *buffer.TPB, action types.DefaultAction) *TransactionManager {
	if tpb == nil {
		tpb = c.defaultTPB
	}
	tm := &TransactionManager{
		conn:          c,
		defaultTPB:    tpb,
		DefaultAction: action,
		cursors:       make(map[*Cursor]struct{}),
		logger:        c.logger,
	}
	c.mu.Lock()
	c.transactions = append(c.transactions, tm)
	c.mu.Unlock()
	return tm
}

func (c *Connection) forgetTransaction(tm *TransactionManager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.transactions {
		if t == tm {
			c.transactions = append(c.transactions[:i], c.transactions[i+1:]...)
			return
		}
	}
}

// Begin starts the main transaction.
func (c *Connection) Begin(ctx context.Context, tpb ...*buffer.TPB) error {
	return c.main.Begin(ctx, tpb...)
}

// Commit commits the main transaction.
func (c *Connection) Commit(ctx context.Context, opts ...EndOption) error {
	return c.main.Commit(ctx, opts...)
}

// Rollback rolls back the main transaction.
func (c *Connection) Rollback(ctx context.Context, opts ...EndOption) error {
	return c.main.Rollback(ctx, opts...)
}

// Savepoint sets a savepoint in the main transaction.
func (c *Connection) Savepoint(ctx context.Context, name string) error {
	return c.main.Savepoint(ctx, name)
}

// ExecuteImmediate runs sql in the main transaction without a result.
func (c *Connection) ExecuteImmediate(ctx context.Context, sql string) error {
	return c.main.ExecuteImmediate(ctx, sql)
}

// IsActive reports whether the main transaction is active.
func (c *Connection) IsActive() bool {
	return c.main.IsActive()
}

// Cursor returns a new cursor on the main transaction.
func (c *Connection) Cursor() *Cursor {
	return c.main.Cursor()
}

// Prepare compiles sql in the context of the main transaction.
func (c *Connection) Prepare(ctx context.Context, sql string) (*Statement, error) {
	return c.prepare(ctx, sql, c.main)
}

func (c *Connection) prepare(ctx context.Context, sql string, tm *TransactionManager) (*Statement, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if !tm.IsActive() {
		if err := tm.Begin(ctx); err != nil {
			return nil, err
		}
	}
	ist, err := c.att.Prepare(ctx, tm.handle(), sql, c.dialect)
	if err != nil {
		return nil, err
	}
	stmt := newStatement(c, ist, sql)
	c.mu.Lock()
	c.statements[stmt] = struct{}{}
	c.mu.Unlock()
	return stmt, nil
}

func (c *Connection) forgetStatement(s *Statement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.statements, s)
}

// EventCollector subscribes to the named events. Call Begin on the
// collector to start receiving them.
func (c *Connection) EventCollector(names ...string) (*EventCollector, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, dberrors.Interface("At least one event name is required")
	}
	ec := newEventCollector(c, names)
	c.mu.Lock()
	c.collectors[ec] = struct{}{}
	c.mu.Unlock()
	return ec, nil
}

func (c *Connection) forgetCollector(ec *EventCollector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.collectors, ec)
}

// Ping checks the attachment.
func (c *Connection) Ping(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.att.Ping(ctx)
}

// DatabaseInfo returns one information item. Items the server does not know
// are a Warning-class error.
func (c *Connection) DatabaseInfo(ctx context.Context, code types.DbInfoCode) (any, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	res, err := c.att.Info(ctx, []types.DbInfoCode{code})
	if err != nil {
		return nil, err
	}
	return res[code], nil
}

// DatabaseInfo summarizes the attached database.
type DatabaseInfo struct {
	Version      string
	ODSVersion   string
	PageSize     int64
	Pages        int64
	FileSize     int64
	AttachmentID int64
	SQLDialect   int64
	Charset      string
	ReadOnly     bool
	Created      time.Time
}

// Info reads the commonly used information items in one request.
func (c *Connection) Info(ctx context.Context) (*DatabaseInfo, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	res, err := c.att.Info(ctx, []types.DbInfoCode{
		types.DbInfoFirebirdVersion, types.DbInfoODSVersion, types.DbInfoODSMinorVersion,
		types.DbInfoPageSize, types.DbInfoAllocation, types.DbInfoDBFileSize,
		types.DbInfoAttachmentID, types.DbInfoDBSQLDialect, types.DbInfoCharset,
		types.DbInfoReadOnly, types.DbInfoCreationDate,
	})
	if err != nil {
		return nil, err
	}
	info := &DatabaseInfo{
		ODSVersion:   fmt.Sprintf("%d.%d", asInt64(res[types.DbInfoODSVersion]), asInt64(res[types.DbInfoODSMinorVersion])),
		PageSize:     asInt64(res[types.DbInfoPageSize]),
		Pages:        asInt64(res[types.DbInfoAllocation]),
		FileSize:     asInt64(res[types.DbInfoDBFileSize]),
		AttachmentID: asInt64(res[types.DbInfoAttachmentID]),
		SQLDialect:   asInt64(res[types.DbInfoDBSQLDialect]),
	}
	info.Version, _ = res[types.DbInfoFirebirdVersion].(string)
	info.Charset, _ = res[types.DbInfoCharset].(string)
	info.ReadOnly, _ = res[types.DbInfoReadOnly].(bool)
	info.Created, _ = res[types.DbInfoCreationDate].(time.Time)
	return info, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	}
	return 0
}

// IsClosed reports whether Close or DropDatabase finished.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close releases everything the connection owns and detaches. DETACH_REQUEST
// hooks run first; if any returns true the connection stays open.
func (c *Connection) Close(ctx context.Context) error {
	if c.IsClosed() {
		return nil
	}
	for _, hook := range c.hooks.Callbacks(hooks.DetachRequest, hooks.TypeKey[*Connection](), c) {
		if retain, _ := hook(c).(bool); retain {
			c.logger.Debug("close vetoed by hook")
			return nil
		}
	}
	ok, err := c.release(ctx)
	if !ok {
		return nil
	}
	if derr := c.att.Detach(ctx); derr != nil {
		return derr
	}
	if err != nil {
		c.logger.Warn("event collector shutdown failed", "error", err)
	}
	c.logger.Debug("closed")
	for _, hook := range c.hooks.Callbacks(hooks.Closed, hooks.TypeKey[*Connection](), c) {
		hook(c)
	}
	return nil
}

// release closes cursors and statements, then rolls back transactions, then
// stops event collectors. It reports false when the connection was already
// closed.
func (c *Connection) release(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, nil
	}
	c.closed = true
	transactions := c.transactions
	statements := c.statements
	collectors := c.collectors
	c.transactions = nil
	c.statements = make(map[*Statement]struct{})
	c.collectors = make(map[*EventCollector]struct{})
	c.mu.Unlock()

	for _, tm := range transactions {
		tm.closeCursors()
	}
	for s := range statements {
		s.free()
	}
	for _, tm := range transactions {
		if err := tm.finish(ctx, types.ActionRollback); err != nil {
			c.logger.Warn("rollback on close failed", "error", err)
		}
		tm.markClosed()
	}
	var g errgroup.Group
	for ec := range collectors {
		g.Go(ec.shutdown)
	}
	return true, g.Wait()
}

// DropDatabase deletes the database and closes the connection. DROPPED hooks
// run afterwards.
func (c *Connection) DropDatabase(ctx context.Context) error {
	ok, err := c.release(ctx)
	if !ok {
		return errConnectionClosed()
	}
	if err != nil {
		c.logger.Warn("event collector shutdown failed", "error", err)
	}
	if err := c.att.DropDatabase(ctx); err != nil {
		return err
	}
	c.logger.Info("database dropped", "dsn", c.dsn)
	for _, hook := range c.hooks.Callbacks(hooks.Dropped, hooks.TypeKey[*Connection](), c) {
		hook(c)
	}
	return nil
}
