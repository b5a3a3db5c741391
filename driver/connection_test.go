package driver

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/fbdriver/config"
	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/engine"
	"github.com/tomyedwab/fbdriver/hooks"
	"github.com/tomyedwab/fbdriver/types"
)

var ctx = context.Background()

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	engine *engine.Engine
	dir    string
	hooks  *hooks.Registry
	config *config.DriverConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	e, err := engine.New(engine.Config{Logger: quietLogger(), DataDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return &testEnv{engine: e, dir: dir, hooks: hooks.NewRegistry(), config: config.Default()}
}

func (env *testEnv) params() ConnectParams {
	return ConnectParams{
		Provider: env.engine,
		Config:   env.config,
		Hooks:    env.hooks,
		Logger:   quietLogger(),
	}
}

func (env *testEnv) create(t *testing.T, name string) *Connection {
	t.Helper()
	con, err := CreateDatabase(ctx, name, CreateParams{ConnectParams: env.params()})
	require.NoError(t, err)
	t.Cleanup(func() { con.Close(ctx) })
	return con
}

func (env *testEnv) connect(t *testing.T, name string) *Connection {
	t.Helper()
	con, err := Connect(ctx, name, env.params())
	require.NoError(t, err)
	t.Cleanup(func() { con.Close(ctx) })
	return con
}

// exec runs sql on a fresh cursor of the main transaction.
func exec(t *testing.T, con *Connection, sql string, params ...any) *Cursor {
	t.Helper()
	cur := con.Cursor()
	require.NoError(t, cur.Execute(ctx, sql, params...))
	return cur
}

func fetchAll(t *testing.T, con *Connection, sql string, params ...any) [][]any {
	t.Helper()
	cur := exec(t, con, sql, params...)
	defer cur.Close()
	rows, err := cur.FetchAll(ctx)
	require.NoError(t, err)
	return rows
}

func TestCreateAndConnect(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "main.fdb")
	assert.Equal(t, "UTF8", con.Charset())
	assert.Equal(t, 3, con.SQLDialect())
	assert.Equal(t, "main.fdb", con.DSN())
	require.NoError(t, con.Ping(ctx))
	require.NoError(t, con.Close(ctx))
	assert.True(t, con.IsClosed())
	assert.NoError(t, con.Close(ctx), "closing twice is a no-op")
	assert.True(t, dberrors.IsInterfaceError(con.Ping(ctx)))

	_, err := CreateDatabase(ctx, "main.fdb", CreateParams{ConnectParams: env.params()})
	assert.True(t, dberrors.IsDatabaseError(err))

	again := env.connect(t, "main.fdb")
	assert.NotEqual(t, con.ID(), again.ID())

	_, err = Connect(ctx, "", env.params())
	assert.True(t, dberrors.IsInterfaceError(err))
	_, err = Connect(ctx, "missing.fdb", env.params())
	assert.True(t, dberrors.IsDatabaseError(err))
}

func TestConnectWithAlias(t *testing.T) {
	env := newTestEnv(t)
	env.config.RegisterServer(config.ServerConfig{Name: "local", Host: "localhost", User: "sysdba"})
	env.config.RegisterDatabase(config.DatabaseConfig{
		Name:     "employee",
		Server:   "local",
		Database: "employee.fdb",
		Charset:  "win1252",
	})
	con, err := CreateDatabase(ctx, "employee", CreateParams{ConnectParams: env.params()})
	require.NoError(t, err)
	defer con.Close(ctx)
	assert.Equal(t, "localhost:employee.fdb", con.DSN())
	assert.Equal(t, "WIN1252", con.Charset())
	_, err = os.Stat(filepath.Join(env.dir, "employee.fdb"))
	require.NoError(t, err)

	env.config.RegisterDatabase(config.DatabaseConfig{Name: "broken", Server: "nowhere", Database: "x.fdb"})
	_, err = Connect(ctx, "broken", env.params())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Configuration for server 'nowhere' not found")

	params := env.params()
	params.Charset = "KLINGON"
	_, err = Connect(ctx, "employee", params)
	assert.Error(t, err)
}

func TestConnectionHooks(t *testing.T) {
	env := newTestEnv(t)
	var calls []string
	env.hooks.Add(hooks.Attached, hooks.TypeKey[*Connection](), func(args ...any) any {
		calls = append(calls, "attached")
		return nil
	})
	env.hooks.Add(hooks.Closed, hooks.TypeKey[*Connection](), func(args ...any) any {
		calls = append(calls, "closed")
		return nil
	})
	con := env.create(t, "hooks.fdb")

	remove := env.hooks.Add(hooks.DetachRequest, con, func(args ...any) any { return true })
	require.NoError(t, con.Close(ctx))
	assert.False(t, con.IsClosed(), "retained by hook")
	remove()
	require.NoError(t, con.Close(ctx))
	assert.Equal(t, []string{"attached", "closed"}, calls)

	// An attach request hook may supply the connection.
	pooled := env.connect(t, "hooks.fdb")
	env.hooks.Add(hooks.AttachRequest, hooks.TypeKey[*Connection](), func(args ...any) any {
		assert.Equal(t, "hooks.fdb", args[0])
		assert.NotEmpty(t, args[1])
		return pooled
	})
	got, err := Connect(ctx, "hooks.fdb", env.params())
	require.NoError(t, err)
	assert.Same(t, pooled, got)
}

func TestCloseReleasesEverything(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "release.fdb")
	exec(t, con, "CREATE TABLE t (n INTEGER)")
	require.NoError(t, con.Commit(ctx))

	cur := exec(t, con, "INSERT INTO t VALUES (1)")
	stmt, err := con.Prepare(ctx, "SELECT n FROM t")
	require.NoError(t, err)
	tm := con.TransactionManager(nil, types.ActionCommit)
	require.NoError(t, tm.Begin(ctx))
	ec, err := con.EventCollector("ev")
	require.NoError(t, err)
	require.NoError(t, ec.Begin())

	require.NoError(t, con.Close(ctx))
	assert.True(t, stmt.IsFreed())
	assert.True(t, tm.IsClosed())
	assert.True(t, ec.IsClosed())
	_, err = cur.FetchOne(ctx)
	assert.True(t, dberrors.IsInterfaceError(err))

	// The insert was rolled back.
	again := env.connect(t, "release.fdb")
	assert.Empty(t, fetchAll(t, again, "SELECT n FROM t"))
}

func TestInfoAndDrop(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "info.fdb")
	info, err := con.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), info.PageSize)
	assert.Equal(t, con.ID(), info.AttachmentID)
	assert.Equal(t, int64(3), info.SQLDialect)
	assert.NotEmpty(t, info.Version)

	size, err := con.DatabaseInfo(ctx, types.DbInfoPageSize)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), size)
	_, err = con.DatabaseInfo(ctx, types.DbInfoCode(250))
	assert.True(t, dberrors.IsWarning(err))

	var dropped bool
	env.hooks.Add(hooks.Dropped, con, func(args ...any) any { dropped = true; return nil })
	require.NoError(t, con.DropDatabase(ctx))
	assert.True(t, dropped)
	assert.True(t, con.IsClosed())
	_, err = os.Stat(filepath.Join(env.dir, "info.fdb"))
	assert.True(t, os.IsNotExist(err))
	assert.Error(t, con.DropDatabase(ctx))
}
