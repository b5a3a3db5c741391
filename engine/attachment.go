package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tomyedwab/fbdriver/api"
	"github.com/tomyedwab/fbdriver/codec"
	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

// odsMajor and odsMinor are reported as the on-disk structure version.
const (
	odsMajor = 13
	odsMinor = 0
)

// Attachment is a session on one database. It implements api.Attachment.
type Attachment struct {
	engine  *Engine
	db      *database
	id      int64
	user    *principal
	charset *codec.Charset
	dialect int
	logger  *slog.Logger

	mu            sync.Mutex
	transactions  map[int64]*Transaction
	statements    map[*Statement]struct{}
	subscriptions map[*subscription]struct{}
	detached      bool
}

var _ api.Attachment = (*Attachment)(nil)

func (a *Attachment) ID() int64 {
	return a.id
}

// codec returns the value codec for the attachment character set. Output
// values are rounded to the declared scale.
func (a *Attachment) codec() *codec.Codec {
	return &codec.Codec{Charset: a.charset, Dialect: a.dialect, RoundDecimals: true}
}

func errNoConnection() error {
	return serverError("08003", -904, gdsIOError, "invalid database handle (no active connection)", nil)
}

func (a *Attachment) checkAttached() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.detached {
		return errNoConnection()
	}
	return nil
}

// transaction resolves a transaction handle owned by this attachment.
func (a *Attachment) transaction(tra api.Transaction) (*Transaction, error) {
	t, ok := tra.(*Transaction)
	if !ok || t == nil {
		return nil, dberrors.Interfacef("transaction handle of type %T is not an engine transaction", tra)
	}
	if t.att != a {
		return nil, serverError("HY000", -901, gdsDSQLError, "transaction belongs to a different attachment", nil)
	}
	return t, nil
}

func (a *Attachment) forgetTransaction(t *Transaction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.transactions, t.startID)
}

func (a *Attachment) forgetStatement(s *Statement) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.statements, s)
}

// ExecuteImmediate prepares, runs and frees a statement without parameters.
func (a *Attachment) ExecuteImmediate(ctx context.Context, tra api.Transaction, sql string, dialect int) error {
	stmt, err := a.Prepare(ctx, tra, sql, dialect)
	if err != nil {
		return err
	}
	s := stmt.(*Statement)
	defer s.Free()
	if s.in.Count() > 0 {
		return serverError("07001", -804, gdsDSQLError,
			"Dynamic SQL Error\n-SQL error code = -804\n-Incorrect values within SQLDA structure", nil)
	}
	var out []byte
	if s.out.Count() > 0 {
		out = s.out.NewMessage()
	}
	_, err = s.Execute(ctx, tra, nil, nil, out)
	return err
}

// QueueEvents subscribes to events posted on the database by any attachment.
func (a *Attachment) QueueEvents(names []string, callback func(counts map[string]int)) (api.EventHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.detached {
		return nil, errNoConnection()
	}
	sub, err := a.db.hub.subscribe(names, callback)
	if err != nil {
		return nil, err
	}
	sub.onCancel = func(s *subscription) {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.subscriptions, s)
	}
	a.subscriptions[sub] = struct{}{}
	a.logger.Debug("events queued", "names", names)
	return sub, nil
}

// Info answers database information requests.
func (a *Attachment) Info(ctx context.Context, items []types.DbInfoCode) (map[types.DbInfoCode]any, error) {
	if err := a.checkAttached(); err != nil {
		return nil, err
	}
	pragma := func(name string) (int64, error) {
		var n int64
		err := a.db.db.GetContext(ctx, &n, "PRAGMA "+name)
		return n, mapError(err)
	}
	result := make(map[types.DbInfoCode]any, len(items))
	for _, item := range items {
		var v any
		var err error
		switch item {
		case types.DbInfoPageSize:
			v, err = pragma("page_size")
		case types.DbInfoNumBuffers:
			var n, size int64
			if n, err = pragma("cache_size"); err == nil && n < 0 {
				if size, err = pragma("page_size"); err == nil {
					n = -n * 1024 / size
				}
			}
			v = n
		case types.DbInfoAllocation:
			v, err = pragma("page_count")
		case types.DbInfoAttachmentID:
			v = a.id
		case types.DbInfoODSVersion:
			v = int64(odsMajor)
		case types.DbInfoODSMinorVersion:
			v = int64(odsMinor)
		case types.DbInfoDBSQLDialect:
			v = int64(a.db.dialect)
		case types.DbInfoCreationDate:
			v = a.db.created
		case types.DbInfoDBFileSize:
			var st os.FileInfo
			if st, err = os.Stat(a.db.path); err == nil {
				v = st.Size()
			}
		case types.DbInfoFirebirdVersion:
			var version string
			if err = a.db.db.GetContext(ctx, &version, "SELECT sqlite_version()"); err == nil {
				v = versionString(version)
			}
		case types.DbInfoCharset:
			v = a.db.charset
		case types.DbInfoReadOnly:
			v = a.db.readOnly
		default:
			return nil, dberrors.Warningf("Unsupported database information item %d", int(item))
		}
		if err != nil {
			return nil, mapError(err)
		}
		result[item] = v
	}
	return result, nil
}

func versionString(sqliteVersion string) string {
	return fmt.Sprintf("WI-V4.0.0 fbdriver-engine sqlite %s", sqliteVersion)
}

func (a *Attachment) Ping(ctx context.Context) error {
	if err := a.checkAttached(); err != nil {
		return err
	}
	return mapError(a.db.db.PingContext(ctx))
}

// Detach cancels event subscriptions, rolls back open transactions, frees
// statements and releases the database.
func (a *Attachment) Detach(ctx context.Context) error {
	a.mu.Lock()
	if a.detached {
		a.mu.Unlock()
		return errNoConnection()
	}
	a.detached = true
	subs := make([]*subscription, 0, len(a.subscriptions))
	for s := range a.subscriptions {
		subs = append(subs, s)
	}
	trs := make([]*Transaction, 0, len(a.transactions))
	for _, t := range a.transactions {
		trs = append(trs, t)
	}
	stmts := make([]*Statement, 0, len(a.statements))
	for s := range a.statements {
		stmts = append(stmts, s)
	}
	a.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	for _, t := range trs {
		if err := t.end(ctx, false, false); err != nil {
			a.logger.Warn("rollback on detach failed", "transaction", t.ID(), "error", err)
		}
	}
	for _, s := range stmts {
		s.Free()
	}
	a.engine.forgetAttachment(a)
	a.engine.log.write(ctx, "info", fmt.Sprintf("detached from %s (attachment %d, user %s)", a.db.path, a.id, a.user.name))
	a.logger.Info("detached")
	return nil
}

// DropDatabase detaches and deletes the database. It fails while other
// attachments use the database.
func (a *Attachment) DropDatabase(ctx context.Context) error {
	if err := a.checkAttached(); err != nil {
		return err
	}
	a.engine.mu.Lock()
	inUse := a.db.attached > 1
	a.engine.mu.Unlock()
	if inUse {
		return serverError("HY000", -901, gdsLockConflict,
			fmt.Sprintf("lock time-out on wait transaction\n-object %s is in use", a.db.path), nil)
	}
	path := a.db.path
	if err := a.Detach(ctx); err != nil {
		return err
	}
	if err := removeDatabaseFiles(path); err != nil {
		return err
	}
	a.engine.log.write(ctx, "info", fmt.Sprintf("database %s dropped by %s", path, a.user.name))
	return nil
}
