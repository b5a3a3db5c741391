package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/fbdriver/api"
	"github.com/tomyedwab/fbdriver/buffer"
	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

type traState int

const (
	traActive traState = iota
	traPrepared
	traEnded
)

// Transaction runs on a connection of its own, taken from the database pool
// for its whole life. It implements api.Transaction.
//
// SQLite has one isolation level. Read-only READ COMMITTED transactions run
// each statement in autocommit mode so they observe later commits; every
// other transaction is a SQLite transaction with snapshot semantics.
type Transaction struct {
	att     *Attachment
	tpb     *buffer.TPB
	conn    *sqlx.Conn
	sink    *eventSink
	logger  *slog.Logger
	startID int64

	mu       sync.Mutex
	id       int64
	state    traState
	explicit bool
	cursors  map[*resultSet]struct{}

	blobMu        sync.Mutex
	transient     map[types.Quad]*storedBlob
	nextTransient uint64
}

var _ api.Transaction = (*Transaction)(nil)

// transientBlobBit marks ids of BLOBs that live only in memory.
const transientBlobBit = uint64(1) << 63

// StartTransaction begins a transaction with the TPB parameters. An empty TPB
// selects the default read-write snapshot.
func (a *Attachment) StartTransaction(ctx context.Context, tpb []byte) (api.Transaction, error) {
	if err := a.checkAttached(); err != nil {
		return nil, err
	}
	params := buffer.NewTPB()
	if len(tpb) > 0 {
		var err error
		if params, err = buffer.ParseTPB(tpb); err != nil {
			return nil, err
		}
	}
	if params.AtSnapshotNumber != nil {
		return nil, dberrors.NotSupportedf("AT SNAPSHOT NUMBER is not supported by the embedded engine")
	}
	conn, err := a.db.db.Connx(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	t := &Transaction{
		att:       a,
		tpb:       params,
		conn:      conn,
		sink:      &eventSink{},
		cursors:   make(map[*resultSet]struct{}),
		transient: make(map[types.Quad]*storedBlob),
	}
	if err := t.setup(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if err := t.begin(ctx); err != nil {
		t.release()
		return nil, err
	}
	t.startID = t.id
	t.logger = a.logger.With("transaction", t.startID)

	a.mu.Lock()
	if a.detached {
		a.mu.Unlock()
		t.end(ctx, false, false)
		return nil, errNoConnection()
	}
	a.transactions[t.startID] = t
	a.mu.Unlock()
	t.logger.Debug("transaction started", "isolation", params.Isolation.String(), "lock_timeout", params.LockTimeout)
	return t, nil
}

func (t *Transaction) readOnly() bool {
	return t.tpb.AccessMode == types.AccessRead || t.att.db.readOnly
}

func (t *Transaction) busyTimeout() int {
	switch {
	case t.tpb.LockTimeout < 0:
		return math.MaxInt32
	case t.tpb.LockTimeout == 0:
		return 0
	}
	return t.tpb.LockTimeout * 1000
}

// setup applies the connection settings of the TPB and routes posted events
// to the transaction.
func (t *Transaction) setup(ctx context.Context) error {
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", t.busyTimeout()),
		fmt.Sprintf("PRAGMA query_only=%t", t.readOnly()),
	} {
		if _, err := t.conn.ExecContext(ctx, pragma); err != nil {
			return mapError(err)
		}
	}
	return rawConn(t.conn, func(sc *sqlite3.SQLiteConn) error {
		sinks.Store(sc, t.sink)
		return nil
	})
}

func (t *Transaction) beginStatement() string {
	if t.readOnly() {
		if t.tpb.Isolation == types.IsolationReadCommitted || t.tpb.Isolation == types.IsolationReadCommittedRecVersion ||
			t.tpb.Isolation == types.IsolationReadCommittedNoRecVersion ||
			t.tpb.Isolation == types.IsolationReadCommittedReadConsistency {
			return ""
		}
		return "BEGIN"
	}
	if t.tpb.Isolation == types.IsolationSerializable {
		return "BEGIN IMMEDIATE"
	}
	for _, r := range t.tpb.Reservations {
		if r.Access == types.TableLockWrite {
			return "BEGIN IMMEDIATE"
		}
	}
	return "BEGIN"
}

// begin opens the SQLite transaction and assigns a new transaction id.
func (t *Transaction) begin(ctx context.Context) error {
	stmt := t.beginStatement()
	if stmt != "" {
		if _, err := t.conn.ExecContext(ctx, stmt); err != nil {
			return mapError(err)
		}
	}
	t.explicit = stmt != ""
	t.id = t.att.engine.nextTransaction.Add(1)
	t.state = traActive
	return nil
}

// release restores the connection defaults and returns it to the pool.
func (t *Transaction) release() {
	ctx := context.Background()
	rawConn(t.conn, func(sc *sqlite3.SQLiteConn) error {
		sinks.Delete(sc)
		return nil
	})
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", defaultBusyTimeout),
		"PRAGMA query_only=false",
	} {
		t.conn.ExecContext(ctx, pragma)
	}
	t.conn.Close()
}

func (t *Transaction) ID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func errBadTransaction() error {
	return serverError("HY000", -901, 335544332, "invalid transaction handle (expecting explicit transaction start)", nil)
}

// usable reports whether statements may run. Callers hold t.mu.
func (t *Transaction) usable() error {
	switch t.state {
	case traPrepared:
		return serverError("HY000", -901, 335544332, "transaction is prepared, only commit or rollback are allowed", nil)
	case traEnded:
		return errBadTransaction()
	}
	return nil
}

// Prepare runs phase one of a two-phase commit. The changes stay pending
// until Commit or Rollback.
func (t *Transaction) Prepare(ctx context.Context, message []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return err
	}
	t.state = traPrepared
	t.logger.Debug("transaction prepared", "message_len", len(message))
	return nil
}

func (t *Transaction) Commit(ctx context.Context) error {
	return t.end(ctx, true, false)
}

func (t *Transaction) CommitRetaining(ctx context.Context) error {
	return t.end(ctx, true, true)
}

func (t *Transaction) Rollback(ctx context.Context) error {
	return t.end(ctx, false, false)
}

func (t *Transaction) RollbackRetaining(ctx context.Context) error {
	return t.end(ctx, false, true)
}

// end commits or rolls back. Committed events are delivered after the
// SQLite commit succeeds, all in one batch. A retaining end starts a new
// transaction on the same connection and keeps cursors open.
func (t *Transaction) end(ctx context.Context, commit, retaining bool) error {
	t.mu.Lock()
	if t.state == traEnded {
		t.mu.Unlock()
		return errBadTransaction()
	}
	if retaining && t.state == traPrepared {
		t.mu.Unlock()
		return serverError("HY000", -901, 335544332, "retaining is not allowed on a prepared transaction", nil)
	}
	if !retaining {
		for rs := range t.cursors {
			rs.shutdown()
		}
		t.cursors = make(map[*resultSet]struct{})
	}
	if t.explicit {
		stmt := "ROLLBACK"
		if commit {
			stmt = "COMMIT"
		}
		if _, err := t.conn.ExecContext(ctx, stmt); err != nil && !isNoTransaction(err) {
			if commit {
				t.mu.Unlock()
				return mapError(err)
			}
			t.logger.Warn("rollback failed", "error", err)
		}
	}
	var counts map[string]int
	outcome := "rollback"
	if commit {
		counts = t.sink.take()
		outcome = "commit"
	} else {
		t.sink.reset()
	}
	if retaining {
		outcome += "_retaining"
	} else {
		t.blobMu.Lock()
		t.transient = make(map[types.Quad]*storedBlob)
		t.blobMu.Unlock()
	}

	var err error
	if retaining {
		err = t.begin(ctx)
		if err != nil {
			t.state = traEnded
		}
	} else {
		t.state = traEnded
	}
	ended := t.state == traEnded
	t.mu.Unlock()

	if ended {
		t.release()
		t.att.forgetTransaction(t)
	}
	t.att.engine.metrics.TransactionEnded(outcome)
	t.att.db.hub.deliver(counts)
	t.logger.Debug("transaction ended", "outcome", outcome, "events", len(counts))
	return err
}

func (t *Transaction) forgetCursor(rs *resultSet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cursors, rs)
}

// addTransientBlob keeps a value read from a BLOB column that SQLite stored
// inline, and returns the id it can be opened with.
func (t *Transaction) addTransientBlob(data []byte) types.Quad {
	t.blobMu.Lock()
	defer t.blobMu.Unlock()
	t.nextTransient++
	id := types.Quad(transientBlobBit | t.nextTransient)
	t.transient[id] = &storedBlob{kind: types.BlobStream, data: data}
	return id
}

func (t *Transaction) transientBlob(id types.Quad) (*storedBlob, bool) {
	t.blobMu.Lock()
	defer t.blobMu.Unlock()
	b, ok := t.transient[id]
	return b, ok
}
