package driver

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/fbdriver/buffer"
	"github.com/tomyedwab/fbdriver/types"
)

func TestBatchInsertAndOrderedSelect(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "batch.fdb")
	exec(t, con, "CREATE TABLE nums (n INTEGER)")
	require.NoError(t, con.Commit(ctx))

	var batch [][]any
	for i := 12; i >= 1; i-- {
		batch = append(batch, []any{i})
	}
	cur := con.Cursor()
	require.NoError(t, cur.ExecuteMany(ctx, "INSERT INTO nums VALUES (?)", batch))
	require.NoError(t, con.Commit(ctx))

	rows := fetchAll(t, con, "SELECT n FROM nums ORDER BY n")
	want := make([][]any, 12)
	for i := range want {
		want[i] = []any{int64(i + 1)}
	}
	assert.Equal(t, want, rows)
}

func TestSavepointRollbackKeepsEarlierWork(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "savepoint.fdb")
	exec(t, con, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, con.Commit(ctx))

	require.NoError(t, con.Begin(ctx))
	exec(t, con, "INSERT INTO t VALUES (?)", 1)
	require.NoError(t, con.Savepoint(ctx, "s1"))
	exec(t, con, "INSERT INTO t VALUES (?)", 2)
	require.NoError(t, con.Rollback(ctx, ToSavepoint("s1")))
	require.NoError(t, con.Commit(ctx))

	assert.Equal(t, [][]any{{int64(1)}}, fetchAll(t, con, "SELECT id FROM t"))
}

func TestDistributedInsertVisibleOnEachDatabase(t *testing.T) {
	_, a, b := twoDatabases(t)
	dt, err := NewDistributedTransactionManager([]*Connection{a, b}, nil, types.ActionRollback)
	require.NoError(t, err)
	defer dt.Close(ctx)
	require.NoError(t, dt.Begin(ctx))
	for i, con := range []*Connection{a, b} {
		cur, err := dt.Cursor(con)
		require.NoError(t, err)
		require.NoError(t, cur.Execute(ctx, "INSERT INTO t VALUES (?)", 10+i))
	}
	require.NoError(t, dt.Commit(ctx))

	for i, con := range []*Connection{a, b} {
		reader := con.TransactionManager(buffer.ReadCommittedTPB(), types.ActionRollback)
		cur := reader.Cursor()
		require.NoError(t, cur.Execute(ctx, "SELECT n FROM t"))
		rows, err := cur.FetchAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, [][]any{{int64(10 + i)}}, rows)
		require.NoError(t, reader.Close(ctx))
	}
}

func TestTriggerEventsAreCounted(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "trigger.fdb")
	exec(t, con, "CREATE TABLE t (id INTEGER, kind INTEGER)")
	exec(t, con, `CREATE TRIGGER t_post AFTER INSERT ON t
		BEGIN SELECT post_event('insert_' || NEW.kind); END`)
	require.NoError(t, con.Commit(ctx))

	ec, err := con.EventCollector("insert_1", "insert_3")
	require.NoError(t, err)
	defer ec.Close()
	require.NoError(t, ec.Begin())

	writer := env.connect(t, "trigger.fdb")
	cur := writer.Cursor()
	for i, kind := range []int{1, 2, 1, 3, 4} {
		require.NoError(t, cur.Execute(ctx, "INSERT INTO t VALUES (?, ?)", i, kind), fmt.Sprint(kind))
	}
	require.NoError(t, writer.Commit(ctx))

	counts, err := ec.Wait(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"insert_1": 2, "insert_3": 1}, counts)
}
