package driver

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tomyedwab/fbdriver/api"
	"github.com/tomyedwab/fbdriver/buffer"
	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

type endOptions struct {
	retaining bool
	savepoint string
}

// EndOption modifies Commit and Rollback.
type EndOption func(*endOptions)

// Retaining ends the unit of work but keeps the transaction active.
func Retaining() EndOption {
	return func(o *endOptions) { o.retaining = true }
}

// ToSavepoint rolls back only the work done since the savepoint.
func ToSavepoint(name string) EndOption {
	return func(o *endOptions) { o.savepoint = name }
}

func endOptionsOf(opts []EndOption) endOptions {
	var o endOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func errNotActive() error {
	return dberrors.Interface("Transaction is not active")
}

// TransactionManager runs a sequence of transactions on one connection. Begin
// starts one; Commit and Rollback end it unless retaining.
type TransactionManager struct {
	conn       *Connection
	defaultTPB *buffer.TPB
	// DefaultAction ends an active transaction on Begin and Close.
	DefaultAction types.DefaultAction
	logger        *slog.Logger

	mu       sync.Mutex
	tra      api.Transaction
	tpb      *buffer.TPB
	prepared bool
	closed   bool
	cursors  map[*Cursor]struct{}
}

// Connection is the owning connection.
func (tm *TransactionManager) Connection() *Connection { return tm.conn }

// DefaultTPB is used by Begin without arguments.
func (tm *TransactionManager) DefaultTPB() *buffer.TPB { return tm.defaultTPB }

func (tm *TransactionManager) handle() api.Transaction {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.tra
}

// IsActive reports whether a transaction is running.
func (tm *TransactionManager) IsActive() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.tra != nil
}

// IsClosed reports whether Close was called.
func (tm *TransactionManager) IsClosed() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.closed
}

// TransactionID is the server id of the active transaction, or 0.
func (tm *TransactionManager) TransactionID() int64 {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.tra == nil {
		return 0
	}
	return tm.tra.ID()
}

// Begin starts a transaction with tpb, or with the default parameters. A
// running transaction is ended with DefaultAction first.
func (tm *TransactionManager) Begin(ctx context.Context, tpb ...*buffer.TPB) error {
	if err := tm.conn.checkOpen(); err != nil {
		return err
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.closed {
		return dberrors.Interface("TransactionManager is closed")
	}
	if tm.tra != nil {
		if err := tm.finishLocked(ctx, tm.DefaultAction); err != nil {
			return err
		}
	}
	params := tm.defaultTPB
	if len(tpb) > 0 && tpb[0] != nil {
		params = tpb[0]
	}
	data, err := params.Encode()
	if err != nil {
		return err
	}
	tra, err := tm.conn.att.StartTransaction(ctx, data)
	if err != nil {
		return err
	}
	tm.tra, tm.tpb, tm.prepared = tra, params, false
	tm.logger.Debug("transaction started", "transaction", tra.ID(), "isolation", params.Isolation.String())
	return nil
}

// Commit commits the transaction. With Retaining the transaction stays
// active; otherwise its cursors are closed.
func (tm *TransactionManager) Commit(ctx context.Context, opts ...EndOption) error {
	o := endOptionsOf(opts)
	if o.savepoint != "" {
		return dberrors.Interface("Can't commit to savepoint")
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.tra == nil {
		return errNotActive()
	}
	if o.retaining {
		return tm.tra.CommitRetaining(ctx)
	}
	tm.closeCursorsLocked()
	if err := tm.tra.Commit(ctx); err != nil {
		return err
	}
	tm.tra, tm.prepared = nil, false
	return nil
}

// Rollback rolls back the transaction, or only to a savepoint. With Retaining
// the transaction stays active.
func (tm *TransactionManager) Rollback(ctx context.Context, opts ...EndOption) error {
	o := endOptionsOf(opts)
	if o.retaining && o.savepoint != "" {
		return dberrors.Interface("Can't rollback to savepoint while retaining context")
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.tra == nil {
		return errNotActive()
	}
	switch {
	case o.savepoint != "":
		return tm.conn.att.ExecuteImmediate(ctx, tm.tra, "ROLLBACK TO SAVEPOINT "+o.savepoint, tm.conn.dialect)
	case o.retaining:
		return tm.tra.RollbackRetaining(ctx)
	}
	tm.closeCursorsLocked()
	if err := tm.tra.Rollback(ctx); err != nil {
		return err
	}
	tm.tra, tm.prepared = nil, false
	return nil
}

// Savepoint sets a named savepoint, starting a transaction if needed.
func (tm *TransactionManager) Savepoint(ctx context.Context, name string) error {
	return tm.ExecuteImmediate(ctx, "SAVEPOINT "+name)
}

// ExecuteImmediate runs sql without a result, starting a transaction if needed.
func (tm *TransactionManager) ExecuteImmediate(ctx context.Context, sql string) error {
	if !tm.IsActive() {
		if err := tm.Begin(ctx); err != nil {
			return err
		}
	}
	tm.mu.Lock()
	tra := tm.tra
	tm.mu.Unlock()
	return tm.conn.att.ExecuteImmediate(ctx, tra, sql, tm.conn.dialect)
}

// Prepare runs phase one of a two-phase commit.
func (tm *TransactionManager) Prepare(ctx context.Context) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.tra == nil {
		return errNotActive()
	}
	if tm.prepared {
		return nil
	}
	if err := tm.tra.Prepare(ctx, nil); err != nil {
		return err
	}
	tm.prepared = true
	return nil
}

// IsPrepared reports whether Prepare succeeded for the running transaction.
func (tm *TransactionManager) IsPrepared() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.prepared
}

// PrepareStatement compiles sql in the context of this transaction, starting
// one if needed. The statement belongs to the connection and may be executed
// in any of its transactions.
func (tm *TransactionManager) PrepareStatement(ctx context.Context, sql string) (*Statement, error) {
	return tm.conn.prepare(ctx, sql, tm)
}

// Cursor returns a new cursor that executes in this transaction.
func (tm *TransactionManager) Cursor() *Cursor {
	cur := newCursor(tm)
	tm.mu.Lock()
	tm.cursors[cur] = struct{}{}
	tm.mu.Unlock()
	return cur
}

func (tm *TransactionManager) forgetCursor(cur *Cursor) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.cursors, cur)
}

func (tm *TransactionManager) closeCursors() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.closeCursorsLocked()
}

func (tm *TransactionManager) closeCursorsLocked() {
	for cur := range tm.cursors {
		cur.reset()
	}
}

// finish ends a running transaction with action.
func (tm *TransactionManager) finish(ctx context.Context, action types.DefaultAction) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.finishLocked(ctx, action)
}

func (tm *TransactionManager) finishLocked(ctx context.Context, action types.DefaultAction) error {
	if tm.tra == nil {
		return nil
	}
	tm.closeCursorsLocked()
	var err error
	if action == types.ActionRollback {
		err = tm.tra.Rollback(ctx)
	} else {
		err = tm.tra.Commit(ctx)
	}
	tm.tra, tm.prepared = nil, false
	return err
}

func (tm *TransactionManager) markClosed() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.closed = true
}

// Close ends a running transaction with DefaultAction and releases the
// manager. The main and query transactions of a connection are closed with
// the connection.
func (tm *TransactionManager) Close(ctx context.Context) error {
	err := tm.finish(ctx, tm.DefaultAction)
	tm.markClosed()
	if tm != tm.conn.main && tm != tm.conn.query {
		tm.conn.forgetTransaction(tm)
	}
	return err
}

// TransactionInfo describes the running transaction.
type TransactionInfo struct {
	ID          int64
	Isolation   types.Isolation
	Access      types.TraAccessMode
	LockTimeout int
	Prepared    bool
}

// Info describes the running transaction.
func (tm *TransactionManager) Info() (*TransactionInfo, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.tra == nil {
		return nil, errNotActive()
	}
	return &TransactionInfo{
		ID:          tm.tra.ID(),
		Isolation:   tm.tpb.Isolation,
		Access:      tm.tpb.AccessMode,
		LockTimeout: tm.tpb.LockTimeout,
		Prepared:    tm.prepared,
	}, nil
}
