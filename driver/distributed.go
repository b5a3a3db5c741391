package driver

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tomyedwab/fbdriver/buffer"
	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

// DistributedTransactionManager runs one transaction over several
// connections and ends it with a two-phase commit.
type DistributedTransactionManager struct {
	// DefaultAction ends an active transaction on Begin and Close.
	DefaultAction types.DefaultAction

	mu           sync.Mutex
	participants []*TransactionManager
	closed       bool
}

// NewDistributedTransactionManager creates a transaction manager on each
// connection. A nil tpb uses the connection defaults.
func NewDistributedTransactionManager(connections []*Connection, tpb *buffer.TPB, action types.DefaultAction) (*DistributedTransactionManager, error) {
	if len(connections) == 0 {
		return nil, dberrors.Interface("Distributed transaction requires at least one connection")
	}
	seen := make(map[*Connection]bool, len(connections))
	dtm := &DistributedTransactionManager{DefaultAction: action}
	for _, c := range connections {
		if seen[c] {
			return nil, dberrors.Interface("Connection is listed twice in distributed transaction")
		}
		seen[c] = true
		if err := c.checkOpen(); err != nil {
			return nil, err
		}
		dtm.participants = append(dtm.participants, c.TransactionManager(tpb, action))
	}
	return dtm, nil
}

// IsActive reports whether the transaction runs on the participants.
func (d *DistributedTransactionManager) IsActive() bool {
	for _, tm := range d.participants {
		if tm.IsActive() {
			return true
		}
	}
	return false
}

// IsClosed reports whether Close was called.
func (d *DistributedTransactionManager) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Begin starts the transaction on every connection. If one fails, those
// already started are rolled back.
func (d *DistributedTransactionManager) Begin(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return dberrors.Interface("TransactionManager is closed")
	}
	if d.IsActive() {
		if err := d.finishLocked(ctx, d.DefaultAction); err != nil {
			return err
		}
	}
	for i, tm := range d.participants {
		if err := tm.Begin(ctx); err != nil {
			if rbErr := rollbackEach(ctx, d.participants[:i]); rbErr != nil {
				return errors.Join(err, rbErr)
			}
			return err
		}
	}
	return nil
}

// Prepare runs phase one on every participant. On failure everything is
// rolled back.
func (d *DistributedTransactionManager) Prepare(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prepareLocked(ctx)
}

func (d *DistributedTransactionManager) prepareLocked(ctx context.Context) error {
	if !d.IsActive() {
		return errNotActive()
	}
	var g errgroup.Group
	for _, tm := range d.participants {
		g.Go(func() error { return tm.Prepare(ctx) })
	}
	if err := g.Wait(); err != nil {
		if rbErr := d.rollbackAll(ctx); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return nil
}

func (d *DistributedTransactionManager) rollbackAll(ctx context.Context) error {
	return rollbackEach(ctx, d.participants)
}

// rollbackEach rolls back every manager and joins their errors.
func rollbackEach(ctx context.Context, tms []*TransactionManager) error {
	var errs []error
	for _, tm := range tms {
		if err := tm.finish(ctx, types.ActionRollback); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Commit prepares the participants unless already prepared, then commits
// them one by one. With Retaining the commit is not two-phase.
func (d *DistributedTransactionManager) Commit(ctx context.Context, opts ...EndOption) error {
	o := endOptionsOf(opts)
	if o.savepoint != "" {
		return dberrors.Interface("Can't commit to savepoint")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.IsActive() {
		return errNotActive()
	}
	if o.retaining {
		for _, tm := range d.participants {
			if err := tm.Commit(ctx, Retaining()); err != nil {
				return err
			}
		}
		return nil
	}
	if err := d.prepareLocked(ctx); err != nil {
		return err
	}
	for _, tm := range d.participants {
		if err := tm.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Rollback rolls back every participant, or all of them to a savepoint.
func (d *DistributedTransactionManager) Rollback(ctx context.Context, opts ...EndOption) error {
	o := endOptionsOf(opts)
	if o.retaining && o.savepoint != "" {
		return dberrors.Interface("Can't rollback to savepoint while retaining context")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.IsActive() {
		return errNotActive()
	}
	if o.retaining || o.savepoint != "" {
		for _, tm := range d.participants {
			if err := tm.Rollback(ctx, opts...); err != nil {
				return err
			}
		}
		return nil
	}
	return d.rollbackAll(ctx)
}

// Savepoint sets a savepoint on every participant.
func (d *DistributedTransactionManager) Savepoint(ctx context.Context, name string) error {
	for _, tm := range d.participants {
		if err := tm.Savepoint(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (d *DistributedTransactionManager) finishLocked(ctx context.Context, action types.DefaultAction) error {
	if action == types.ActionRollback {
		return d.rollbackAll(ctx)
	}
	if err := d.prepareLocked(ctx); err != nil {
		return err
	}
	var errs []error
	for _, tm := range d.participants {
		if err := tm.finish(ctx, types.ActionCommit); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Cursor returns a cursor on conn that executes in this transaction.
func (d *DistributedTransactionManager) Cursor(conn *Connection) (*Cursor, error) {
	for _, tm := range d.participants {
		if tm.conn == conn {
			return tm.Cursor(), nil
		}
	}
	return nil, dberrors.Interface("Cannot create cursor for connection that does not belong to this distributed transaction")
}

// Participant returns the transaction manager running on conn, or nil.
func (d *DistributedTransactionManager) Participant(conn *Connection) *TransactionManager {
	for _, tm := range d.participants {
		if tm.conn == conn {
			return tm
		}
	}
	return nil
}

// Close ends an active transaction with DefaultAction and releases the
// participants.
func (d *DistributedTransactionManager) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	var err error
	if d.IsActive() {
		err = d.finishLocked(ctx, d.DefaultAction)
	}
	for _, tm := range d.participants {
		if cerr := tm.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}
	d.closed = true
	return err
}

// Limbo lists transactions left prepared by a failed two-phase commit. The
// embedded engine keeps no limbo state.
func (d *DistributedTransactionManager) Limbo(ctx context.Context) ([]int64, error) {
	return nil, dberrors.NotSupportedf("limbo transactions are not supported by the server")
}

// ResolveLimbo commits or rolls back a limbo transaction.
func (d *DistributedTransactionManager) ResolveLimbo(ctx context.Context, id int64, commit bool) error {
	return dberrors.NotSupportedf("limbo transactions are not supported by the server")
}
