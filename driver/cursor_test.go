package driver

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

func TestExecuteAndFetch(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "fetch.fdb")
	exec(t, con, `CREATE TABLE person (
		id INTEGER PRIMARY KEY,
		name VARCHAR(20) NOT NULL,
		amount NUMERIC(10,2),
		born DATE,
		active BOOLEAN
	)`)
	cur := con.Cursor()
	born := time.Date(1990, 5, 17, 0, 0, 0, 0, time.UTC)
	require.NoError(t, cur.ExecuteMany(ctx, "INSERT INTO person VALUES (?, ?, ?, ?, ?)", [][]any{
		{1, "Alice", decimal.RequireFromString("12.34"), born, true},
		{2, "Bob", nil, nil, false},
		{3, "Čeněk", decimal.RequireFromString("0.50"), nil, nil},
	}))
	assert.Equal(t, int64(1), cur.AffectedRows())

	require.NoError(t, cur.Execute(ctx, "SELECT id, name, amount, born, active FROM person ORDER BY id"))
	row, err := cur.FetchOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), row[0])
	assert.Equal(t, "Alice", row[1])
	assert.True(t, decimal.RequireFromString("12.34").Equal(row[2].(decimal.Decimal)))
	assert.True(t, born.Equal(row[3].(time.Time)))
	assert.Equal(t, true, row[4])

	rows, err := cur.FetchMany(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []any{int64(2), "Bob", nil, nil, false}, rows[0])

	rest, err := cur.FetchAll(ctx)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "Čeněk", rest[0][1])
	assert.True(t, decimal.RequireFromString("0.5").Equal(rest[0][2].(decimal.Decimal)))

	row, err = cur.FetchOne(ctx)
	require.NoError(t, err)
	assert.Nil(t, row, "exhausted")
	eof, err := cur.IsEOF()
	require.NoError(t, err)
	assert.True(t, eof)
}

func TestCursorErrors(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "errors.fdb")
	exec(t, con, "CREATE TABLE t (id INTEGER PRIMARY KEY, v VARCHAR(5))")

	cur := con.Cursor()
	_, err := cur.FetchOne(ctx)
	assert.Contains(t, err.Error(), "did not executed a statement")
	_, err = cur.IsBOF()
	assert.True(t, dberrors.IsInterfaceError(err))

	err = cur.Execute(ctx, "INSERT INTO t VALUES (?, ?)", 1)
	require.Error(t, err)
	assert.Equal(t, "Statement parameter sequence contains 1 items, but exactly 2 are required", err.Error())

	err = cur.Execute(ctx, "SELEC 1")
	var dbErr *dberrors.Error
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, -104, dbErr.SQLCode)

	err = cur.Execute(ctx, "SELECT ? FROM rdb$database", struct{}{})
	assert.True(t, dberrors.IsTypeError(err))

	other := env.create(t, "other.fdb")
	stmt, err := other.Prepare(ctx, "SELECT 1 FROM rdb$database")
	require.NoError(t, err)
	err = cur.ExecuteStatement(ctx, stmt)
	assert.Contains(t, err.Error(), "created by different Connection")

	require.NoError(t, stmt.Free())
	assert.True(t, stmt.IsFreed())
	own, err := con.Prepare(ctx, "SELECT id FROM t")
	require.NoError(t, err)
	require.NoError(t, own.Free())
	err = cur.ExecuteStatement(ctx, own)
	assert.Contains(t, err.Error(), "freed Statement")
}

func TestFetchAfterClose(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "closed.fdb")
	exec(t, con, "CREATE TABLE t (n INTEGER)")
	exec(t, con, "INSERT INTO t VALUES (1), (2)")

	cur := exec(t, con, "SELECT n FROM t ORDER BY n")
	row, err := cur.FetchOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1)}, row)
	cur.Close()
	_, err = cur.FetchOne(ctx)
	require.Error(t, err)
	assert.Equal(t, "Cannot fetch from cursor that did not executed a statement.", err.Error())
	assert.True(t, dberrors.IsInterfaceError(err))
	_, err = cur.FetchAll(ctx)
	assert.True(t, dberrors.IsInterfaceError(err))
}

func TestClosedCursorsAreReleased(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "release.fdb")
	exec(t, con, "CREATE TABLE t (n INTEGER)").Close()

	tm := con.MainTransaction()
	for i := range 100 {
		cur := tm.Cursor()
		require.NoError(t, cur.Execute(ctx, "INSERT INTO t VALUES (?)", i))
		cur.Close()
	}
	cur := tm.Cursor()
	require.NoError(t, cur.Execute(ctx, "SELECT COUNT(*) FROM t"))
	tm.mu.Lock()
	assert.Len(t, tm.cursors, 1)
	tm.mu.Unlock()

	// Ending the transaction resets cursors but keeps them registered.
	require.NoError(t, tm.Commit(ctx))
	tm.mu.Lock()
	assert.Len(t, tm.cursors, 1)
	tm.mu.Unlock()

	cur.Close()
	cur.Close()
	tm.mu.Lock()
	assert.Empty(t, tm.cursors)
	tm.mu.Unlock()
}

func TestFetchAcrossRetainingCommit(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "retain.fdb")
	exec(t, con, "CREATE TABLE t (n INTEGER)")
	exec(t, con, "INSERT INTO t VALUES (1), (2), (3)")
	require.NoError(t, con.Commit(ctx))

	cur := exec(t, con, "SELECT n FROM t ORDER BY n")
	row, err := cur.FetchOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1)}, row)

	id := con.MainTransaction().TransactionID()
	require.NoError(t, con.Commit(ctx, Retaining()))
	assert.True(t, con.IsActive())
	assert.NotEqual(t, id, con.MainTransaction().TransactionID())

	rest, err := cur.FetchAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(2)}, {int64(3)}}, rest)
}

func TestStatementReuse(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "reuse.fdb")
	exec(t, con, "CREATE TABLE t (n INTEGER)")
	cur := con.Cursor()
	require.NoError(t, cur.Execute(ctx, "INSERT INTO t VALUES (?)", 1))
	first := cur.Statement()
	require.NoError(t, cur.Execute(ctx, "INSERT INTO t VALUES (?)", 2))
	assert.Same(t, first, cur.Statement(), "same text reuses the statement")
	require.NoError(t, cur.Execute(ctx, "SELECT n FROM t"))
	assert.NotSame(t, first, cur.Statement())
	assert.True(t, first.IsFreed(), "internal statement is freed when replaced")

	stmt, err := con.Prepare(ctx, "SELECT n FROM t WHERE n > ?")
	require.NoError(t, err)
	assert.Equal(t, types.StatementSelect, stmt.Type())
	require.Len(t, stmt.ColumnNames(), 1)
	assert.True(t, strings.EqualFold("N", stmt.ColumnNames()[0]))
	for _, floor := range []int{0, 1} {
		require.NoError(t, cur.ExecuteStatement(ctx, stmt, floor))
		rows, err := cur.FetchAll(ctx)
		require.NoError(t, err)
		assert.Len(t, rows, 2-floor)
	}
	cur.Close()
	assert.False(t, stmt.IsFreed(), "statements passed in stay with their owner")
	plan, err := stmt.Plan()
	require.NoError(t, err)
	assert.Contains(t, plan, "PLAN")
}

func TestSingletonResult(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "singleton.fdb")
	exec(t, con, "CREATE TABLE t (id INTEGER PRIMARY KEY, v VARCHAR(10))")

	cur := con.Cursor()
	require.NoError(t, cur.Execute(ctx, "INSERT INTO t (v) VALUES (?) RETURNING id", "x"))
	assert.Equal(t, types.StatementInsert, cur.Statement().Type())
	assert.False(t, cur.Statement().HasCursor())
	row, err := cur.FetchOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1)}, row)
	row, err = cur.FetchOne(ctx)
	require.NoError(t, err)
	assert.Nil(t, row)

	require.NoError(t, cur.Execute(ctx, "UPDATE t SET v = ? WHERE id = ?", "y", 1))
	assert.Equal(t, int64(1), cur.AffectedRows())
	row, err = cur.FetchOne(ctx)
	require.Error(t, err, "no result without output columns")
	assert.Nil(t, row)
}

func TestScrollableCursor(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "scroll.fdb")
	exec(t, con, "CREATE TABLE t (n INTEGER)")
	cur := con.Cursor()
	for i := 1; i <= 5; i++ {
		require.NoError(t, cur.Execute(ctx, "INSERT INTO t VALUES (?)", i))
	}
	require.NoError(t, cur.Open(ctx, "SELECT n FROM t ORDER BY n"))
	value := func(row []any, err error) any {
		t.Helper()
		require.NoError(t, err)
		if row == nil {
			return nil
		}
		return row[0]
	}
	assert.Equal(t, int64(5), value(cur.FetchLast(ctx)))
	assert.Equal(t, int64(4), value(cur.FetchPrior(ctx)))
	assert.Equal(t, int64(1), value(cur.FetchFirst(ctx)))
	assert.Equal(t, int64(3), value(cur.FetchRelative(ctx, 2)))
	assert.Equal(t, int64(2), value(cur.FetchAbsolute(ctx, 2)))
	assert.Nil(t, value(cur.FetchRelative(ctx, -5)))
	bof, err := cur.IsBOF()
	require.NoError(t, err)
	assert.True(t, bof)
	assert.Equal(t, int64(1), value(cur.FetchNext(ctx)))

	require.NoError(t, cur.Execute(ctx, "SELECT n FROM t ORDER BY n"))
	_, err = cur.FetchPrior(ctx)
	assert.True(t, dberrors.IsInterfaceError(err), "forward-only")
}

func TestDescriptionAndMaps(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "desc.fdb")
	exec(t, con, "CREATE TABLE t (id INTEGER NOT NULL, name VARCHAR(20), price NUMERIC(10,2), body BLOB SUB_TYPE TEXT)")
	exec(t, con, "INSERT INTO t VALUES (1, 'a', 1.5, 'text')")
	cur := exec(t, con, "SELECT id, name AS label, price, body FROM t")
	want := []ColumnDescription{
		{Name: "id", Type: reflect.TypeFor[int64](), DisplaySize: 11, InternalSize: 4},
		{Name: "label", Type: reflect.TypeFor[string](), DisplaySize: 20, InternalSize: 80, Nullable: true},
		{Name: "price", Type: reflect.TypeFor[decimal.Decimal](), DisplaySize: 20, InternalSize: 8, Precision: 18, Scale: -2, Nullable: true},
		{Name: "body", Type: reflect.TypeFor[string](), InternalSize: 8, Nullable: true},
	}
	got := cur.Description()
	require.Len(t, got, len(want))
	for i := range got {
		assert.True(t, strings.EqualFold(want[i].Name, got[i].Name), got[i].Name)
		got[i].Name = want[i].Name
	}
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b reflect.Type) bool { return a == b })); diff != "" {
		t.Errorf("description mismatch (-want +got):\n%s", diff)
	}

	row, err := cur.FetchOne(ctx)
	require.NoError(t, err)
	m := cur.ToMap(row)
	assert.Equal(t, "text", m[cur.Description()[3].Name])
	assert.Len(t, m, 4)
	assert.Nil(t, cur.ToMap(nil))
	assert.Nil(t, con.Cursor().Description())
}

func TestCursorName(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "name.fdb")
	exec(t, con, "CREATE TABLE t (n INTEGER)")
	exec(t, con, "INSERT INTO t VALUES (1)")
	cur := con.Cursor()
	err := cur.SetCursorName("c1")
	assert.Contains(t, err.Error(), "has not yet executed a statement")
	require.NoError(t, cur.Execute(ctx, "SELECT n FROM t"))
	require.NoError(t, cur.SetCursorName("c1"))
	assert.Equal(t, "c1", cur.Name())
	err = cur.SetCursorName("c2")
	assert.Contains(t, err.Error(), "already been declared")

	require.NoError(t, cur.Execute(ctx, "SELECT n FROM t"))
	assert.Empty(t, cur.Name(), "a new execution forgets the name")
	require.NoError(t, cur.SetCursorName("c2"))
}

func TestRowsIterator(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "rows.fdb")
	exec(t, con, "CREATE TABLE t (n INTEGER)")
	exec(t, con, "INSERT INTO t VALUES (1), (2), (3)")
	cur := exec(t, con, "SELECT n FROM t ORDER BY n")
	var got []any
	for row, err := range cur.Rows(ctx) {
		require.NoError(t, err)
		got = append(got, row[0])
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []any{int64(1), int64(2)}, got)
	row, err := cur.FetchOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(3)}, row)
}
