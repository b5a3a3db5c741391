package sqldriver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tomyedwab/fbdriver/buffer"
	"github.com/tomyedwab/fbdriver/codec"
	fb "github.com/tomyedwab/fbdriver/driver"
	"github.com/tomyedwab/fbdriver/types"
)

const driverName = "firebird"

func init() {
	sql.Register(driverName, &Driver{})
}

// --- Driver implementation ---

// Driver is the database/sql driver for Firebird databases.
type Driver struct{}

// Open returns a new connection to the database named by dsn.
func (d *Driver) Open(dsn string) (driver.Conn, error) {
	c, err := d.OpenConnector(dsn)
	if err != nil {
		return nil, err
	}
	return c.Connect(context.Background())
}

// OpenConnector parses dsn once so database/sql can open connections
// without parsing it again.
func (d *Driver) OpenConnector(dsn string) (driver.Connector, error) {
	database, params, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return NewConnector(database, params), nil
}

// parseDSN accepts a firebird:// URL or anything fb.Connect accepts as a
// database name.
func parseDSN(dsn string) (string, fb.ConnectParams, error) {
	var params fb.ConnectParams
	if !strings.HasPrefix(dsn, driverName+"://") {
		return dsn, params, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", params, fmt.Errorf("firebird: invalid data source name: %w", err)
	}
	params.Host = u.Hostname()
	params.Port = u.Port()
	if u.User != nil {
		params.User = u.User.Username()
		params.Password, _ = u.User.Password()
	}
	q := u.Query()
	params.Charset = q.Get("charset")
	params.Role = q.Get("role")
	if s := q.Get("dialect"); s != "" {
		if params.SQLDialect, err = strconv.Atoi(s); err != nil {
			return "", params, fmt.Errorf("firebird: invalid dialect %q: %w", s, err)
		}
	}
	database := strings.TrimPrefix(u.Path, "/")
	if database == "" {
		return "", params, fmt.Errorf("firebird: data source name %q has no database", dsn)
	}
	return database, params, nil
}

// Connector opens connections with fixed parameters.
type Connector struct {
	database string
	params   fb.ConnectParams
}

// NewConnector returns a connector for database. params may carry a
// provider, configuration and hooks that a DSN cannot express.
func NewConnector(database string, params fb.ConnectParams) *Connector {
	return &Connector{database: database, params: params}
}

// Connect attaches to the database.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	con, err := fb.Connect(ctx, c.database, c.params)
	if err != nil {
		return nil, err
	}
	return &Conn{
		con:  con,
		auto: con.TransactionManager(nil, types.ActionCommit),
	}, nil
}

// Driver returns the driver that created the connector.
func (c *Connector) Driver() driver.Driver { return &Driver{} }

// --- Connection implementation ---

// Conn implements the driver.Conn interface.
type Conn struct {
	con *fb.Connection
	// auto runs statements issued outside an explicit transaction.
	auto *fb.TransactionManager
	tx   *Tx
}

var (
	_ driver.ConnPrepareContext = (*Conn)(nil)
	_ driver.ConnBeginTx        = (*Conn)(nil)
	_ driver.ExecerContext      = (*Conn)(nil)
	_ driver.QueryerContext     = (*Conn)(nil)
	_ driver.Pinger             = (*Conn)(nil)
	_ driver.NamedValueChecker  = (*Conn)(nil)
	_ driver.SessionResetter    = (*Conn)(nil)
	_ driver.Validator          = (*Conn)(nil)
)

// Connection returns the underlying driver connection, for use with
// sql.Conn.Raw.
func (c *Conn) Connection() *fb.Connection { return c.con }

func (c *Conn) active() (*fb.TransactionManager, bool) {
	if c.tx != nil {
		return c.tx.tm, false
	}
	return c.auto, true
}

// Prepare returns a prepared statement, suitable for query or execution.
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

// PrepareContext compiles query in the current transaction.
func (c *Conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	tm, _ := c.active()
	stmt, err := tm.PrepareStatement(ctx, query)
	if err != nil {
		return nil, err
	}
	return &Stmt{conn: c, stmt: stmt}, nil
}

// Close rolls back an open transaction and detaches from the database.
func (c *Conn) Close() error {
	ctx := context.Background()
	if c.tx != nil {
		c.tx.end(ctx, false)
	}
	c.auto.Close(ctx)
	return c.con.Close(ctx)
}

// Begin starts a transaction with the connection's default parameters.
func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx starts a transaction.
func (c *Conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if c.tx != nil {
		return nil, fmt.Errorf("firebird: a transaction is already active on this connection")
	}
	tpb, err := txParams(c.auto.DefaultTPB(), opts)
	if err != nil {
		return nil, err
	}
	// The implicit transaction may still be open from a statement whose
	// rows were never closed.
	if c.auto.IsActive() {
		if err := c.auto.Commit(ctx); err != nil {
			return nil, err
		}
	}
	tm := c.con.TransactionManager(tpb, types.ActionRollback)
	if err := tm.Begin(ctx); err != nil {
		tm.Close(ctx)
		return nil, err
	}
	c.tx = &Tx{conn: c, tm: tm}
	return c.tx, nil
}

// txParams maps database/sql transaction options onto a TPB.
func txParams(base *buffer.TPB, opts driver.TxOptions) (*buffer.TPB, error) {
	tpb := *base
	switch sql.IsolationLevel(opts.Isolation) {
	case sql.LevelDefault:
	case sql.LevelReadCommitted:
		tpb.Isolation = types.IsolationReadCommittedRecVersion
	case sql.LevelRepeatableRead, sql.LevelSnapshot:
		tpb.Isolation = types.IsolationSnapshot
	case sql.LevelSerializable:
		tpb.Isolation = types.IsolationSerializable
	default:
		return nil, fmt.Errorf("firebird: isolation level %v is not supported", sql.IsolationLevel(opts.Isolation))
	}
	if opts.ReadOnly {
		tpb.AccessMode = types.AccessRead
	}
	return &tpb, nil
}

// Ping checks that the attachment is alive.
func (c *Conn) Ping(ctx context.Context) error {
	if c.con.IsClosed() {
		return driver.ErrBadConn
	}
	return c.con.Ping(ctx)
}

// ResetSession is called before a pooled connection is reused.
func (c *Conn) ResetSession(ctx context.Context) error {
	if c.con.IsClosed() {
		return driver.ErrBadConn
	}
	return nil
}

// IsValid reports whether the connection can be reused.
func (c *Conn) IsValid() bool { return !c.con.IsClosed() }

// CheckNamedValue passes driver-native values through unchanged and leaves
// the rest to the default conversion.
func (c *Conn) CheckNamedValue(nv *driver.NamedValue) error {
	switch nv.Value.(type) {
	case decimal.Decimal, *big.Int, codec.ZonedTime, io.Reader, []any:
		return nil
	}
	return driver.ErrSkip
}

// ExecContext executes query without keeping a prepared statement.
func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	params, err := positional(args)
	if err != nil {
		return nil, err
	}
	return c.exec(ctx, func(cur *fb.Cursor) error {
		return cur.Execute(ctx, query, params...)
	})
}

// QueryContext executes query and returns its rows.
func (c *Conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	params, err := positional(args)
	if err != nil {
		return nil, err
	}
	return c.query(ctx, func(cur *fb.Cursor) error {
		return cur.Execute(ctx, query, params...)
	})
}

func (c *Conn) exec(ctx context.Context, run func(cur *fb.Cursor) error) (driver.Result, error) {
	tm, auto := c.active()
	cur := tm.Cursor()
	err := run(cur)
	affected := cur.AffectedRows()
	cur.Close()
	if auto {
		if err != nil {
			if tm.IsActive() {
				tm.Rollback(ctx)
			}
			return nil, err
		}
		if err := tm.Commit(ctx); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}
	return result{affected: affected}, nil
}

func (c *Conn) query(ctx context.Context, run func(cur *fb.Cursor) error) (driver.Rows, error) {
	tm, auto := c.active()
	cur := tm.Cursor()
	// database/sql cannot scan a *BlobReader, so BLOBs are always read
	// into memory.
	cur.StreamBlobThreshold = math.MaxInt
	if err := run(cur); err != nil {
		cur.Close()
		if auto && tm.IsActive() {
			tm.Rollback(ctx)
		}
		return nil, err
	}
	r := &Rows{ctx: ctx, cur: cur, desc: cur.Description()}
	if meta := cur.Statement().OutputMetadata(); meta != nil {
		r.fields = meta.Fields
	}
	if auto {
		r.commit = tm
	}
	return r, nil
}

func positional(args []driver.NamedValue) ([]any, error) {
	params := make([]any, len(args))
	for i, arg := range args {
		if arg.Name != "" {
			return nil, fmt.Errorf("firebird: named parameter %q is not supported", arg.Name)
		}
		params[i] = arg.Value
	}
	return params, nil
}

// --- Statement implementation ---

// Stmt implements the driver.Stmt interface.
type Stmt struct {
	conn *Conn
	stmt *fb.Statement
}

// Close frees the prepared statement.
func (s *Stmt) Close() error {
	return s.stmt.Free()
}

// NumInput returns the number of placeholder parameters.
func (s *Stmt) NumInput() int {
	meta := s.stmt.InputMetadata()
	if meta == nil {
		return 0
	}
	return meta.Count()
}

// Exec executes a prepared statement with the given arguments.
func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), named(args))
}

// ExecContext executes the statement in the connection's current
// transaction.
func (s *Stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	params, err := positional(args)
	if err != nil {
		return nil, err
	}
	return s.conn.exec(ctx, func(cur *fb.Cursor) error {
		return cur.ExecuteStatement(ctx, s.stmt, params...)
	})
}

// Query executes a prepared query with the given arguments.
func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), named(args))
}

// QueryContext executes the statement and returns its rows.
func (s *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	params, err := positional(args)
	if err != nil {
		return nil, err
	}
	return s.conn.query(ctx, func(cur *fb.Cursor) error {
		return cur.ExecuteStatement(ctx, s.stmt, params...)
	})
}

func named(args []driver.Value) []driver.NamedValue {
	nv := make([]driver.NamedValue, len(args))
	for i, v := range args {
		nv[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return nv
}

// --- Transaction implementation ---

// Tx implements the driver.Tx interface.
type Tx struct {
	conn *Conn
	tm   *fb.TransactionManager
}

// Commit commits the transaction.
func (tx *Tx) Commit() error {
	return tx.end(context.Background(), true)
}

// Rollback rolls back the transaction.
func (tx *Tx) Rollback() error {
	return tx.end(context.Background(), false)
}

func (tx *Tx) end(ctx context.Context, commit bool) error {
	if tx.conn.tx != tx {
		return fmt.Errorf("firebird: transaction has already been committed or rolled back")
	}
	tx.conn.tx = nil
	var err error
	if commit {
		err = tx.tm.Commit(ctx)
	} else {
		err = tx.tm.Rollback(ctx)
	}
	if cerr := tx.tm.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

// --- Result implementation ---

type result struct {
	affected int64
}

// LastInsertId is not supported; use INSERT ... RETURNING.
func (r result) LastInsertId() (int64, error) {
	return 0, fmt.Errorf("firebird: LastInsertId is not supported, use INSERT ... RETURNING")
}

// RowsAffected returns the number of rows changed by the statement, or -1
// when the server did not report it.
func (r result) RowsAffected() (int64, error) {
	return r.affected, nil
}

// --- Rows implementation ---

// Rows implements the driver.Rows interface.
type Rows struct {
	ctx  context.Context
	cur  *fb.Cursor
	desc   []fb.ColumnDescription
	fields []types.Descriptor
	// commit ends the implicit transaction when the rows are closed.
	commit *fb.TransactionManager
	closed bool
}

var (
	_ driver.RowsColumnTypeScanType         = (*Rows)(nil)
	_ driver.RowsColumnTypeDatabaseTypeName = (*Rows)(nil)
	_ driver.RowsColumnTypeNullable         = (*Rows)(nil)
	_ driver.RowsColumnTypePrecisionScale   = (*Rows)(nil)
	_ driver.RowsColumnTypeLength           = (*Rows)(nil)
)

// Columns returns the names of the columns.
func (r *Rows) Columns() []string {
	names := make([]string, len(r.desc))
	for i, d := range r.desc {
		names[i] = d.Name
	}
	return names
}

// Close closes the rows iterator and commits the implicit transaction.
func (r *Rows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.cur.Close()
	if r.commit != nil && r.commit.IsActive() {
		return r.commit.Commit(context.Background())
	}
	return nil
}

// Next is called to populate the next row of data into the provided slice.
func (r *Rows) Next(dest []driver.Value) error {
	if r.closed || len(r.desc) == 0 {
		return io.EOF
	}
	row, err := r.cur.FetchOne(r.ctx)
	if err != nil {
		return err
	}
	if row == nil {
		return io.EOF
	}
	for i, v := range row {
		if dest[i], err = value(v); err != nil {
			return err
		}
	}
	return nil
}

// value converts a fetched value into one database/sql can scan.
func value(v any) (driver.Value, error) {
	switch v := v.(type) {
	case decimal.Decimal:
		return v.String(), nil
	case *big.Int:
		return v.String(), nil
	case codec.ZonedTime:
		return v.Time, nil
	case *fb.BlobReader:
		defer v.Close()
		data, err := v.ReadAll()
		if err != nil {
			return nil, err
		}
		if v.IsText() {
			return string(data), nil
		}
		return data, nil
	}
	return v, nil
}

var (
	scanString  = reflect.TypeFor[string]()
	scanTime    = reflect.TypeFor[time.Time]()
	scanAny     = reflect.TypeFor[any]()
	typeDecimal = reflect.TypeFor[decimal.Decimal]()
	typeBigInt  = reflect.TypeFor[*big.Int]()
	typeZoned   = reflect.TypeFor[codec.ZonedTime]()
)

// ColumnTypeScanType returns the Go type values of column i are scanned as.
func (r *Rows) ColumnTypeScanType(i int) reflect.Type {
	switch t := r.desc[i].Type; t {
	case nil:
		return scanAny
	case typeDecimal, typeBigInt:
		return scanString
	case typeZoned:
		return scanTime
	default:
		if t.Kind() == reflect.Slice && t.Elem().Kind() != reflect.Uint8 {
			return scanAny
		}
		return t
	}
}

// ColumnTypeDatabaseTypeName returns the SQL type name of column i.
func (r *Rows) ColumnTypeDatabaseTypeName(i int) string {
	return typeName(r.fields[i])
}

func typeName(d types.Descriptor) string {
	if d.IsFixedPoint() {
		if d.SubType == 2 {
			return "DECIMAL"
		}
		return "NUMERIC"
	}
	switch d.Type {
	case types.SQLText:
		return "CHAR"
	case types.SQLVarying:
		return "VARCHAR"
	case types.SQLShort:
		return "SMALLINT"
	case types.SQLLong:
		return "INTEGER"
	case types.SQLInt64:
		return "BIGINT"
	case types.SQLInt128:
		return "INT128"
	case types.SQLFloat:
		return "FLOAT"
	case types.SQLDouble, types.SQLDFloat:
		return "DOUBLE PRECISION"
	case types.SQLDate:
		return "DATE"
	case types.SQLTime:
		return "TIME"
	case types.SQLTimestamp:
		return "TIMESTAMP"
	case types.SQLTimeTZ:
		return "TIME WITH TIME ZONE"
	case types.SQLTimestampTZ:
		return "TIMESTAMP WITH TIME ZONE"
	case types.SQLDec16, types.SQLDec34:
		return "DECFLOAT"
	case types.SQLBoolean:
		return "BOOLEAN"
	case types.SQLBlob:
		return "BLOB"
	case types.SQLArray:
		return "ARRAY"
	}
	return d.Type.String()
}

// ColumnTypeNullable reports whether column i may contain NULL.
func (r *Rows) ColumnTypeNullable(i int) (nullable, ok bool) {
	return r.desc[i].Nullable, true
}

// ColumnTypePrecisionScale returns the precision and scale of fixed-point
// columns.
func (r *Rows) ColumnTypePrecisionScale(i int) (precision, scale int64, ok bool) {
	d := r.desc[i]
	if d.Type != typeDecimal {
		return 0, 0, false
	}
	return int64(d.Precision), int64(-d.Scale), true
}

// ColumnTypeLength returns the length of character and binary columns.
func (r *Rows) ColumnTypeLength(i int) (length int64, ok bool) {
	switch r.fields[i].Type {
	case types.SQLBlob:
		return math.MaxInt64, true
	case types.SQLText, types.SQLVarying:
		return int64(r.desc[i].DisplaySize), true
	}
	return 0, false
}
