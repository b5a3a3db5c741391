package driver

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/fbdriver/config"
	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/hooks"
)

func (env *testEnv) server(t *testing.T) *Server {
	t.Helper()
	srv, err := ConnectServer(ctx, "localhost", ServerParams{
		User:     "sysdba",
		Provider: env.engine,
		Config:   env.config,
		Hooks:    env.hooks,
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestBackupRestore(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "src.fdb")
	exec(t, con, "CREATE TABLE t (n INTEGER)")
	exec(t, con, "INSERT INTO t VALUES (1), (2), (3)")
	require.NoError(t, con.Commit(ctx))
	require.NoError(t, con.Close(ctx))

	srv := env.server(t)
	var lines []string
	require.NoError(t, srv.Backup(ctx, "src.fdb", "src.fbk", true, func(line string) {
		lines = append(lines, line)
	}))
	assert.Contains(t, lines, "gbak:writing data pages")
	_, err := os.Stat(filepath.Join(env.dir, "src.fbk"))
	require.NoError(t, err)

	require.NoError(t, srv.Restore(ctx, "src.fbk", "copy.fdb", false, false, nil))
	require.NoError(t, srv.Wait(ctx))
	assert.False(t, srv.IsRunning())

	err = srv.Restore(ctx, "src.fbk", "copy.fdb", false, false, func(string) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-REP switch")
	require.NoError(t, srv.Restore(ctx, "src.fbk", "copy.fdb", true, false, func(string) {}))

	restored := env.connect(t, "copy.fdb")
	assert.Len(t, fetchAll(t, restored, "SELECT n FROM t"), 3)
}

func TestJobErrorAfterPolling(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "poll.fdb")
	require.NoError(t, con.Close(ctx))

	srv := env.server(t)
	require.NoError(t, srv.Backup(ctx, "poll.fdb", "poll.fbk", false, func(string) {}))
	require.NoError(t, srv.Restore(ctx, "poll.fbk", "poll.fdb", false, false, nil))
	assert.Eventually(t, func() bool { return !srv.IsRunning() }, 5*time.Second, 10*time.Millisecond)

	err := srv.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-REP switch")
	assert.NoError(t, srv.Wait(ctx), "the error is reported once")
}

func TestServerOutput(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "stats.fdb")
	exec(t, con, "CREATE TABLE items (n INTEGER)")
	exec(t, con, "INSERT INTO items VALUES (1), (2)")
	require.NoError(t, con.Commit(ctx))

	srv := env.server(t)
	require.NoError(t, srv.Stats(ctx, "stats.fdb", nil))
	lines, err := srv.ReadLines(ctx)
	require.NoError(t, err)
	assert.Contains(t, lines, "ITEMS")
	assert.Contains(t, lines, "    Records: 2")

	require.NoError(t, srv.Validate(ctx, "stats.fdb", nil))
	line, ok, err := srv.ReadLine(ctx, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, line)
	var last string
	for line, err := range srv.Lines(ctx) {
		require.NoError(t, err)
		last = line
	}
	assert.Equal(t, "Validation finished: 0 errors", last)

	err = srv.Stats(ctx, "missing.fdb", func(string) {})
	assert.True(t, dberrors.IsDatabaseError(err))

	require.NoError(t, srv.Close())
	assert.NoError(t, srv.Close())
	assert.True(t, dberrors.IsInterfaceError(srv.Stats(ctx, "stats.fdb", nil)))
}

func TestUserManagement(t *testing.T) {
	env := newTestEnv(t)
	srv := env.server(t)

	require.NoError(t, srv.AddUser(ctx, User{Name: "alice", Password: "secret", FirstName: "Alice"}))
	err := srv.AddUser(ctx, User{Name: "alice", Password: "x"})
	var dbErr *dberrors.Error
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, -803, dbErr.SQLCode)

	last, admin := "Smith", true
	require.NoError(t, srv.ModifyUser(ctx, "alice", UserChange{LastName: &last, Admin: &admin}))

	u, err := srv.GetUser(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, User{Name: "ALICE", FirstName: "Alice", LastName: "Smith", Admin: true}, *u)

	users, err := srv.GetUsers(ctx, "")
	require.NoError(t, err)
	assert.Len(t, users, 2)

	require.NoError(t, srv.DeleteUser(ctx, "alice"))
	exists, err := srv.UserExists(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Error(t, srv.DeleteUser(ctx, "sysdba"))

	var log []string
	require.NoError(t, srv.Log(ctx, func(line string) { log = append(log, line) }))
	assert.Contains(t, strings.Join(log, "\n"), "user ALICE added by SYSDBA")
}

func TestServerAliasAndHooks(t *testing.T) {
	env := newTestEnv(t)
	env.config.RegisterServer(config.ServerConfig{Name: "main", Host: "localhost", Port: "3050", User: "sysdba"})
	var attached *Server
	env.hooks.Add(hooks.ServerAttached, hooks.TypeKey[*Server](), func(args ...any) any {
		attached = args[0].(*Server)
		return nil
	})
	srv, err := ConnectServer(ctx, "main", ServerParams{
		Provider: env.engine,
		Config:   env.config,
		Hooks:    env.hooks,
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	defer srv.Close()
	assert.Same(t, srv, attached)
	assert.Equal(t, "localhost/3050", srv.Host())
	require.NoError(t, srv.AddUser(ctx, User{Name: "bob", Password: "pw"}))
}
