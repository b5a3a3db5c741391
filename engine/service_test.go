package engine

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tomyedwab/fbdriver/api"
	"github.com/tomyedwab/fbdriver/buffer"
	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

func attachService(t *testing.T, e *Engine, user, password string) api.Service {
	t.Helper()
	spb, err := (&buffer.SPBAttach{User: user, Password: password}).Encode()
	require.NoError(t, err)
	svc, err := e.AttachServiceManager(ctx, "localhost", spb)
	require.NoError(t, err)
	return svc
}

type startArgs struct {
	strings map[byte]string
	ints    map[byte]int64
	verbose bool
}

func startBuffer(t *testing.T, action types.ServerAction, args startArgs) []byte {
	t.Helper()
	b := buffer.NewStart(action)
	for tag, v := range args.strings {
		require.NoError(t, b.InsertString(tag, v))
	}
	for tag, v := range args.ints {
		require.NoError(t, b.InsertInt(tag, v))
	}
	if args.verbose {
		b.InsertTag(types.SPBVerbose)
	}
	return b.Bytes()
}

// runJob starts an action and reads its output until the end.
func runJob(t *testing.T, svc api.Service, action types.ServerAction, args startArgs) ([]string, error) {
	t.Helper()
	if err := svc.Start(ctx, startBuffer(t, action, args)); err != nil {
		return nil, err
	}
	var lines []string
	for {
		line, ok, err := svc.ReadLine(ctx, 5*time.Second)
		if err != nil {
			return lines, err
		}
		if !ok {
			if svc.Running() {
				continue
			}
			return lines, nil
		}
		lines = append(lines, line)
	}
}

func TestBackupAndRestore(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, Config{DataDir: dir})
	att := createTestDB(t, e, "src.fdb")
	tra := begin(t, att, nil)
	execute(t, att, tra, "CREATE TABLE t (n INTEGER)")
	execute(t, att, tra, "INSERT INTO t VALUES (1), (2), (3)")
	require.NoError(t, tra.Commit(ctx))

	svc := attachService(t, e, "sysdba", "")
	lines, err := runJob(t, svc, types.ActionBackup, startArgs{
		strings: map[byte]string{types.SPBDBName: "src.fdb", types.SPBBkpFile: "src.fbk"},
		verbose: true,
	})
	require.NoError(t, err)
	assert.Contains(t, lines, "gbak:writing data pages")
	_, err = os.Stat(filepath.Join(dir, "src.fbk"))
	require.NoError(t, err)

	restore := startArgs{strings: map[byte]string{types.SPBBkpFile: "src.fbk", types.SPBDBName: "copy.fdb"}}
	_, err = runJob(t, svc, types.ActionRestore, restore)
	require.NoError(t, err)

	_, err = runJob(t, svc, types.ActionRestore, restore)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-REP switch")

	restore.ints = map[byte]int64{types.SPBOptions: types.SPBResReplace}
	_, err = runJob(t, svc, types.ActionRestore, restore)
	require.NoError(t, err)

	dpb, err := buffer.NewDPB().Encode(false)
	require.NoError(t, err)
	copyAtt, err := e.AttachDatabase(ctx, "copy.fdb", dpb)
	require.NoError(t, err)
	check := begin(t, copyAtt, nil)
	assert.Len(t, query(t, copyAtt, check, "SELECT n FROM t"), 3)
	require.NoError(t, check.Commit(ctx))

	// An attached database cannot be restored over.
	_, err = runJob(t, svc, types.ActionRestore, restore)
	require.Error(t, err)
	require.NoError(t, svc.Detach())
	assert.Error(t, svc.Detach())
}

func TestStatsAndValidate(t *testing.T) {
	e := newTestEngine(t, Config{})
	att := createTestDB(t, e, "stats.fdb")
	tra := begin(t, att, nil)
	execute(t, att, tra, "CREATE TABLE items (n INTEGER)")
	execute(t, att, tra, "INSERT INTO items VALUES (1), (2)")
	require.NoError(t, tra.Commit(ctx))

	svc := attachService(t, e, "", "")
	defer svc.Detach()
	lines, err := runJob(t, svc, types.ActionDBStats, startArgs{strings: map[byte]string{types.SPBDBName: "stats.fdb"}})
	require.NoError(t, err)
	assert.Contains(t, lines, "Database header page information:")
	assert.Contains(t, lines, "ITEMS")
	assert.Contains(t, lines, "    Records: 2")

	lines, err = runJob(t, svc, types.ActionValidate, startArgs{strings: map[byte]string{types.SPBDBName: "stats.fdb"}})
	require.NoError(t, err)
	assert.Equal(t, "Validation finished: 0 errors", lines[len(lines)-1])

	_, err = runJob(t, svc, types.ActionDBStats, startArgs{strings: map[byte]string{types.SPBDBName: "missing.fdb"}})
	assert.True(t, dberrors.IsDatabaseError(err))

	_, err = runJob(t, svc, types.ActionDBStats, startArgs{})
	assert.True(t, dberrors.IsInterfaceError(err))

	err = svc.Start(ctx, startBuffer(t, types.ActionRepair, startArgs{}))
	assert.True(t, dberrors.IsNotSupported(err))
}

func TestUserManagement(t *testing.T) {
	e := newTestEngine(t, Config{})
	svc := attachService(t, e, "sysdba", "")
	defer svc.Detach()

	_, err := runJob(t, svc, types.ActionAddUser, startArgs{
		strings: map[byte]string{
			types.SPBSecUserName:  "alice",
			types.SPBSecPassword:  "secret",
			types.SPBSecFirstName: "Alice",
		},
	})
	require.NoError(t, err)

	_, err = runJob(t, svc, types.ActionAddUser, startArgs{
		strings: map[byte]string{types.SPBSecUserName: "alice", types.SPBSecPassword: "x"},
	})
	var dbErr *dberrors.Error
	require.True(t, errors.As(err, &dbErr))
	assert.Equal(t, -803, dbErr.SQLCode)

	_, err = runJob(t, svc, types.ActionModifyUser, startArgs{
		strings: map[byte]string{types.SPBSecUserName: "alice", types.SPBSecLastName: "Smith"},
		ints:    map[byte]int64{types.SPBSecAdmin: 1},
	})
	require.NoError(t, err)

	lines, err := runJob(t, svc, types.ActionDisplayUser, startArgs{
		strings: map[byte]string{types.SPBSecUserName: "alice"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ALICE\tAlice\t\tSmith\t1"}, lines)

	lines, err = runJob(t, svc, types.ActionDisplayUser, startArgs{})
	require.NoError(t, err)
	assert.Len(t, lines, 2)

	_, err = runJob(t, svc, types.ActionDeleteUser, startArgs{strings: map[byte]string{types.SPBSecUserName: "sysdba"}})
	assert.Error(t, err)
	_, err = runJob(t, svc, types.ActionDeleteUser, startArgs{strings: map[byte]string{types.SPBSecUserName: "alice"}})
	require.NoError(t, err)
	_, err = runJob(t, svc, types.ActionDisplayUser, startArgs{strings: map[byte]string{types.SPBSecUserName: "alice"}})
	assert.Error(t, err)

	lines, err = runJob(t, svc, types.ActionGetFBLog, startArgs{})
	require.NoError(t, err)
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "user ALICE added by SYSDBA")
	assert.Contains(t, joined, "user ALICE deleted by SYSDBA")
}

func TestServiceBusyUntilOutputRead(t *testing.T) {
	e := newTestEngine(t, Config{})
	svc := attachService(t, e, "", "")
	defer svc.Detach()

	require.NoError(t, svc.Start(ctx, startBuffer(t, types.ActionDisplayUser, startArgs{})))
	// The finished job keeps its line until it is read.
	require.Eventually(t, func() bool {
		err := svc.Start(ctx, startBuffer(t, types.ActionDisplayUser, startArgs{}))
		return dberrors.IsDatabaseError(err)
	}, 5*time.Second, 10*time.Millisecond)

	line, ok, err := svc.ReadLine(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(line, "SYSDBA\t"))
	require.Eventually(t, func() bool { return !svc.Running() }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, svc.Start(ctx, startBuffer(t, types.ActionDisplayUser, startArgs{})))
}

func TestRequireAuth(t *testing.T) {
	e := newTestEngine(t, Config{RequireAuth: true, SysdbaPassword: "masterkey"})

	dpb := buffer.NewDPB()
	dpb.User, dpb.Password = "sysdba", "wrong"
	data, err := dpb.Encode(true)
	require.NoError(t, err)
	_, err = e.CreateDatabase(ctx, "auth.fdb", data)
	var dbErr *dberrors.Error
	require.True(t, errors.As(err, &dbErr))
	assert.Equal(t, "28000", dbErr.SQLState)

	dpb.Password = "masterkey"
	data, err = dpb.Encode(true)
	require.NoError(t, err)
	att, err := e.CreateDatabase(ctx, "auth.fdb", data)
	require.NoError(t, err)
	require.NoError(t, att.Detach(ctx))

	admin := attachService(t, e, "sysdba", "masterkey")
	defer admin.Detach()
	_, err = runJob(t, admin, types.ActionAddUser, startArgs{
		strings: map[byte]string{types.SPBSecUserName: "bob", types.SPBSecPassword: "pw"},
	})
	require.NoError(t, err)

	bob := attachService(t, e, "bob", "pw")
	defer bob.Detach()
	err = bob.Start(ctx, startBuffer(t, types.ActionGetFBLog, startArgs{}))
	require.True(t, errors.As(err, &dbErr))
	assert.Equal(t, -551, dbErr.SQLCode)

	lines, err := runJob(t, bob, types.ActionDisplayUser, startArgs{})
	require.NoError(t, err)
	assert.Equal(t, []string{"BOB\t\t\t\t0"}, lines)
	_, err = runJob(t, bob, types.ActionDisplayUser, startArgs{strings: map[byte]string{types.SPBSecUserName: "sysdba"}})
	assert.Error(t, err)

	token, err := e.IssueToken(ctx, "bob", time.Minute)
	require.NoError(t, err)
	tokenDPB := buffer.NewDPB()
	tokenDPB.AuthBlock = []byte(token)
	data, err = tokenDPB.Encode(false)
	require.NoError(t, err)
	att, err = e.AttachDatabase(ctx, "auth.fdb", data)
	require.NoError(t, err)
	require.NoError(t, att.Detach(ctx))

	expired, err := e.IssueToken(ctx, "bob", -time.Minute)
	require.NoError(t, err)
	tokenDPB.AuthBlock = []byte(expired)
	data, err = tokenDPB.Encode(false)
	require.NoError(t, err)
	_, err = e.AttachDatabase(ctx, "auth.fdb", data)
	assert.Error(t, err)

	lines, err = runJob(t, admin, types.ActionGetFBLog, startArgs{})
	require.NoError(t, err)
	assert.Contains(t, strings.Join(lines, "\n"), "login failed for user SYSDBA")
}

func TestJWTSecretPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jwt.key")
	first, err := loadJWTSecret(path)
	require.NoError(t, err)
	second, err := loadJWTSecret(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	token, err := issueToken(first, &principal{name: "ALICE", admin: true}, time.Hour)
	require.NoError(t, err)
	p, err := parseToken(second, token)
	require.NoError(t, err)
	assert.Equal(t, &principal{name: "ALICE", admin: true}, p)

	other, err := loadJWTSecret("")
	require.NoError(t, err)
	_, err = parseToken(other, token)
	assert.Error(t, err)
}

func TestCloseStopsServiceJobs(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	e, err := New(Config{Logger: quietLogger(), DataDir: t.TempDir()})
	require.NoError(t, err)
	att := createTestDB(t, e, "close.fdb")
	svc := attachService(t, e, "", "")
	require.NoError(t, svc.Start(ctx, startBuffer(t, types.ActionDBStats, startArgs{
		strings: map[byte]string{types.SPBDBName: "close.fdb"},
	})))
	require.NoError(t, e.Close())
	assert.Error(t, att.Ping(ctx))
	_, _, err = svc.ReadLine(ctx, time.Second)
	assert.Error(t, err)
}
