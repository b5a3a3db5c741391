package driver

import (
	"context"
	"iter"
	"math/big"
	"reflect"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tomyedwab/fbdriver/api"
	"github.com/tomyedwab/fbdriver/codec"
	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

func errNoStatement() error {
	return dberrors.Interface("Cannot fetch from cursor that did not executed a statement.")
}

// Cursor executes statements in one transaction and fetches their rows. It
// is not safe for concurrent use. A closed cursor can execute again.
type Cursor struct {
	conn *Connection
	tm   *TransactionManager

	// ArraySize is the batch size of FetchMany when none is given.
	ArraySize int
	// StreamBlobs lists columns whose BLOBs are always returned as a
	// *BlobReader.
	StreamBlobs []string
	// StreamBlobThreshold is the largest BLOB returned as a value.
	StreamBlobThreshold int

	stmt     *Statement
	internal bool
	tra      api.Transaction
	rs       api.ResultSet
	out      []byte
	// singleton is set after executing a statement that returns at most
	// one row without a cursor; cache holds that row until fetched.
	singleton bool
	cache     []any
	affected  int64
	name      string
	readers   []*BlobReader
}

func newCursor(tm *TransactionManager) *Cursor {
	return &Cursor{
		conn:                tm.conn,
		tm:                  tm,
		ArraySize:           1,
		StreamBlobThreshold: tm.conn.threshold,
		affected:            -1,
	}
}

// Connection is the connection the cursor executes on.
func (cur *Cursor) Connection() *Connection { return cur.conn }

// Transaction is the transaction manager the cursor executes in.
func (cur *Cursor) Transaction() *TransactionManager { return cur.tm }

// Statement is the statement last executed, or nil.
func (cur *Cursor) Statement() *Statement { return cur.stmt }

// Execute prepares sql, reusing the statement when the text is the one
// executed last, and runs it with params.
func (cur *Cursor) Execute(ctx context.Context, sql string, params ...any) error {
	return cur.run(ctx, sql, nil, params, false)
}

// ExecuteStatement runs a statement prepared on the cursor's connection.
func (cur *Cursor) ExecuteStatement(ctx context.Context, stmt *Statement, params ...any) error {
	return cur.run(ctx, "", stmt, params, false)
}

// Open is Execute with a scrollable result set.
func (cur *Cursor) Open(ctx context.Context, sql string, params ...any) error {
	return cur.run(ctx, sql, nil, params, true)
}

// OpenStatement is ExecuteStatement with a scrollable result set.
func (cur *Cursor) OpenStatement(ctx context.Context, stmt *Statement, params ...any) error {
	return cur.run(ctx, "", stmt, params, true)
}

// ExecuteMany runs sql once for every parameter set.
func (cur *Cursor) ExecuteMany(ctx context.Context, sql string, paramSets [][]any) error {
	for _, params := range paramSets {
		if err := cur.Execute(ctx, sql, params...); err != nil {
			return err
		}
	}
	return nil
}

func (cur *Cursor) run(ctx context.Context, sql string, stmt *Statement, params []any, scrollable bool) error {
	if err := cur.conn.checkOpen(); err != nil {
		return err
	}
	if stmt != nil && stmt.conn != cur.conn {
		return dberrors.Interface("Cannot execute Statement that was created by different Connection.")
	}
	if !cur.tm.IsActive() {
		if err := cur.tm.Begin(ctx); err != nil {
			return err
		}
	}
	tra := cur.tm.handle()

	cur.clear()
	switch {
	case stmt != nil:
		if stmt != cur.stmt {
			cur.dropStatement()
			cur.stmt, cur.internal = stmt, false
		}
	case cur.stmt != nil && cur.internal && cur.stmt.sql == sql && !cur.stmt.IsFreed():
	default:
		cur.dropStatement()
		s, err := cur.conn.prepare(ctx, sql, cur.tm)
		if err != nil {
			return err
		}
		cur.stmt, cur.internal = s, true
	}
	if cur.stmt.IsFreed() {
		return dberrors.Interface("Cannot execute freed Statement.")
	}

	inMeta, in, err := cur.bindParams(ctx, tra, cur.stmt, params)
	if err != nil {
		return err
	}
	ist := cur.stmt.ist
	outMeta := ist.OutputMetadata()
	cur.tra = tra
	if cur.stmt.HasCursor() {
		var flags types.CursorFlag
		if scrollable {
			flags |= types.CursorScrollable
		}
		rs, err := ist.OpenCursor(ctx, tra, inMeta, in, flags)
		if err != nil {
			return err
		}
		cur.rs = rs
		cur.out = outMeta.NewMessage()
	} else {
		var out []byte
		if outMeta.Count() > 0 {
			out = outMeta.NewMessage()
		}
		hasRow, err := ist.Execute(ctx, tra, inMeta, in, out)
		if err != nil {
			return err
		}
		cur.singleton = outMeta.Count() > 0
		if hasRow {
			if cur.cache, err = cur.decodeRow(ctx, out); err != nil {
				return err
			}
		}
	}
	cur.affected = ist.AffectedRecords()
	return nil
}

// clear drops the result of the previous execution.
func (cur *Cursor) clear() {
	for _, br := range cur.readers {
		br.Close()
	}
	cur.readers = nil
	if cur.rs != nil {
		if err := cur.rs.Close(); err != nil {
			cur.tm.logger.Debug("closing result set", "error", err)
		}
		cur.rs = nil
	}
	cur.out = nil
	cur.singleton = false
	cur.cache = nil
	cur.affected = -1
	cur.name = ""
}

func (cur *Cursor) dropStatement() {
	if cur.stmt != nil && cur.internal {
		cur.stmt.Free()
	}
	cur.stmt, cur.internal = nil, false
}

// Close releases the result and the statement the cursor prepared itself,
// and removes the cursor from its transaction manager. Statements passed to
// ExecuteStatement are left to their owner.
func (cur *Cursor) Close() {
	cur.reset()
	cur.tm.forgetCursor(cur)
}

// reset releases the execution state but keeps the cursor registered. The
// transaction manager calls it with its lock held.
func (cur *Cursor) reset() {
	cur.clear()
	cur.dropStatement()
	cur.tra = nil
}

func (cur *Cursor) decodeRow(ctx context.Context, msg []byte) ([]any, error) {
	meta := cur.stmt.ist.OutputMetadata()
	row := make([]any, meta.Count())
	for i, d := range meta.Fields {
		v, err := cur.conn.codec.Unpack(meta, msg, i)
		if err != nil {
			return nil, err
		}
		if id, ok := v.(types.Quad); ok {
			switch d.Type {
			case types.SQLBlob:
				v, err = cur.readBlob(ctx, cur.tra, d, id)
			case types.SQLArray:
				v, err = cur.readArray(ctx, cur.tra, d, id)
			}
			if err != nil {
				return nil, err
			}
		}
		row[i] = v
	}
	return row, nil
}

// fetch moves the result set and decodes the row it lands on. A nil row
// without error means no row.
func (cur *Cursor) fetch(ctx context.Context, move func(rs api.ResultSet, out []byte) (bool, error)) ([]any, error) {
	if err := cur.conn.checkOpen(); err != nil {
		return nil, err
	}
	if cur.rs == nil {
		return nil, errNoStatement()
	}
	ok, err := move(cur.rs, cur.out)
	if err != nil || !ok {
		return nil, err
	}
	return cur.decodeRow(ctx, cur.out)
}

// FetchOne returns the next row, or nil when there are no more rows.
func (cur *Cursor) FetchOne(ctx context.Context) ([]any, error) {
	if cur.rs == nil && cur.singleton {
		row := cur.cache
		cur.cache = nil
		return row, nil
	}
	return cur.FetchNext(ctx)
}

// FetchMany returns up to n rows. n <= 0 uses ArraySize.
func (cur *Cursor) FetchMany(ctx context.Context, n int) ([][]any, error) {
	if n <= 0 {
		n = max(cur.ArraySize, 1)
	}
	var rows [][]any
	for len(rows) < n {
		row, err := cur.FetchOne(ctx)
		if err != nil {
			return rows, err
		}
		if row == nil {
			break
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// FetchAll returns the remaining rows.
func (cur *Cursor) FetchAll(ctx context.Context) ([][]any, error) {
	var rows [][]any
	for row, err := range cur.Rows(ctx) {
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Rows iterates over the remaining rows. Iteration stops after an error.
func (cur *Cursor) Rows(ctx context.Context) iter.Seq2[[]any, error] {
	return func(yield func([]any, error) bool) {
		for {
			row, err := cur.FetchOne(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if row == nil || !yield(row, nil) {
				return
			}
		}
	}
}

// FetchNext moves forward one row.
func (cur *Cursor) FetchNext(ctx context.Context) ([]any, error) {
	return cur.fetch(ctx, func(rs api.ResultSet, out []byte) (bool, error) {
		return rs.FetchNext(ctx, out)
	})
}

// FetchPrior moves back one row.
func (cur *Cursor) FetchPrior(ctx context.Context) ([]any, error) {
	return cur.fetch(ctx, func(rs api.ResultSet, out []byte) (bool, error) {
		return rs.FetchPrior(ctx, out)
	})
}

// FetchFirst moves to the first row.
func (cur *Cursor) FetchFirst(ctx context.Context) ([]any, error) {
	return cur.fetch(ctx, func(rs api.ResultSet, out []byte) (bool, error) {
		return rs.FetchFirst(ctx, out)
	})
}

// FetchLast moves to the last row.
func (cur *Cursor) FetchLast(ctx context.Context) ([]any, error) {
	return cur.fetch(ctx, func(rs api.ResultSet, out []byte) (bool, error) {
		return rs.FetchLast(ctx, out)
	})
}

// FetchAbsolute moves to a 1-based position; negative positions count from
// the end.
func (cur *Cursor) FetchAbsolute(ctx context.Context, position int) ([]any, error) {
	return cur.fetch(ctx, func(rs api.ResultSet, out []byte) (bool, error) {
		return rs.FetchAbsolute(ctx, position, out)
	})
}

// FetchRelative moves offset rows from the current position.
func (cur *Cursor) FetchRelative(ctx context.Context, offset int) ([]any, error) {
	return cur.fetch(ctx, func(rs api.ResultSet, out []byte) (bool, error) {
		return rs.FetchRelative(ctx, offset, out)
	})
}

// IsBOF reports whether the cursor is before the first row.
func (cur *Cursor) IsBOF() (bool, error) {
	if cur.rs == nil {
		return false, errNoStatement()
	}
	return cur.rs.IsBOF(), nil
}

// IsEOF reports whether the cursor is past the last row.
func (cur *Cursor) IsEOF() (bool, error) {
	if cur.rs == nil {
		return false, errNoStatement()
	}
	return cur.rs.IsEOF(), nil
}

// AffectedRows is the row count of the last statement, or -1.
func (cur *Cursor) AffectedRows() int64 { return cur.affected }

// SetCursorName names the open cursor for positioned updates. A name can be
// set once per execution.
func (cur *Cursor) SetCursorName(name string) error {
	if cur.stmt == nil || (cur.rs == nil && !cur.singleton) {
		return dberrors.Interface("Cannot set name for cursor has not yet executed a statement")
	}
	if cur.name != "" {
		return dberrors.Interface("Cursor's name has already been declared in context of currently executed statement")
	}
	if err := cur.stmt.ist.SetCursorName(name); err != nil {
		return err
	}
	cur.name = name
	return nil
}

// Name is the cursor name set for the current execution.
func (cur *Cursor) Name() string { return cur.name }

// Plan is the plan of the current statement.
func (cur *Cursor) Plan() (string, error) {
	if cur.stmt == nil {
		return "", dberrors.Interface("Cannot return plan for cursor that did not executed a statement.")
	}
	return cur.stmt.Plan()
}

// ColumnDescription describes one result column.
type ColumnDescription struct {
	Name         string
	Type         reflect.Type
	DisplaySize  int
	InternalSize int
	Precision    int
	Scale        int
	Nullable     bool
}

// Description describes the columns of the current statement, or nil.
func (cur *Cursor) Description() []ColumnDescription {
	if cur.stmt == nil {
		return nil
	}
	meta := cur.stmt.ist.OutputMetadata()
	if meta.Count() == 0 {
		return nil
	}
	desc := make([]ColumnDescription, meta.Count())
	for i, d := range meta.Fields {
		desc[i] = ColumnDescription{
			Name:         d.Name(),
			Type:         goType(d),
			DisplaySize:  displaySize(d),
			InternalSize: d.Length,
			Precision:    precision(d),
			Scale:        d.Scale,
			Nullable:     d.Nullable,
		}
	}
	return desc
}

var (
	typeString    = reflect.TypeFor[string]()
	typeBytes     = reflect.TypeFor[[]byte]()
	typeInt64     = reflect.TypeFor[int64]()
	typeBigInt    = reflect.TypeFor[*big.Int]()
	typeDecimal   = reflect.TypeFor[decimal.Decimal]()
	typeFloat64   = reflect.TypeFor[float64]()
	typeTime      = reflect.TypeFor[time.Time]()
	typeZonedTime = reflect.TypeFor[codec.ZonedTime]()
	typeBool      = reflect.TypeFor[bool]()
	typeSlice     = reflect.TypeFor[[]any]()
)

func goType(d types.Descriptor) reflect.Type {
	switch d.Type {
	case types.SQLText, types.SQLVarying:
		if d.Charset == types.CharsetOctets {
			return typeBytes
		}
		return typeString
	case types.SQLShort, types.SQLLong, types.SQLInt64:
		if d.IsFixedPoint() {
			return typeDecimal
		}
		return typeInt64
	case types.SQLInt128:
		if d.IsFixedPoint() {
			return typeDecimal
		}
		return typeBigInt
	case types.SQLFloat, types.SQLDouble:
		return typeFloat64
	case types.SQLDate, types.SQLTime, types.SQLTimestamp:
		return typeTime
	case types.SQLTimestampTZ, types.SQLTimeTZ:
		return typeZonedTime
	case types.SQLBoolean:
		return typeBool
	case types.SQLBlob:
		if d.SubType == 1 {
			return typeString
		}
		return typeBytes
	case types.SQLArray:
		return typeSlice
	}
	return nil
}

func displaySize(d types.Descriptor) int {
	switch d.Type {
	case types.SQLText, types.SQLVarying:
		if cs, ok := codec.CharsetByID(d.Charset); ok && cs.BytesPerChar > 1 {
			return d.Length / cs.BytesPerChar
		}
		return d.Length
	case types.SQLShort:
		if d.IsFixedPoint() {
			return 20
		}
		return 6
	case types.SQLLong:
		if d.IsFixedPoint() {
			return 20
		}
		return 11
	case types.SQLInt64, types.SQLInt128:
		return 20
	case types.SQLFloat, types.SQLDouble:
		return 17
	case types.SQLTimestamp, types.SQLTimestampTZ:
		return 22
	case types.SQLDate:
		return 10
	case types.SQLTime, types.SQLTimeTZ:
		return 11
	case types.SQLBoolean:
		return 5
	case types.SQLBlob:
		return 0
	}
	return -1
}

func precision(d types.Descriptor) int {
	if !d.IsFixedPoint() {
		return 0
	}
	switch d.Type {
	case types.SQLShort:
		return 4
	case types.SQLLong:
		return 9
	case types.SQLInt64:
		return 18
	}
	return 38
}

// ToMap keys a row by column name.
func (cur *Cursor) ToMap(row []any) map[string]any {
	if row == nil {
		return nil
	}
	desc := cur.Description()
	m := make(map[string]any, len(row))
	for i, v := range row {
		if i < len(desc) {
			m[desc[i].Name] = v
		}
	}
	return m
}
