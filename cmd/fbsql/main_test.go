package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// fbsql runs one command line against dir and returns its output.
func fbsql(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	a := &app{stderr: io.Discard}
	err := a.run(context.Background(), &out, append([]string{"--data-dir", dir, "--log-level", "error"}, args...))
	return out.String(), err
}

func mustRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := fbsql(t, dir, args...)
	require.NoError(t, err, "fbsql %s", strings.Join(args, " "))
	return out
}

func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	mustRun(t, dir, "create", "shop.fdb")
	mustRun(t, dir, "exec", "shop.fdb",
		"CREATE TABLE items (id INTEGER, name VARCHAR(20), price NUMERIC(10,2))",
	)
	out := mustRun(t, dir, "exec", "shop.fdb",
		"INSERT INTO items VALUES (1, 'apple', 1.25)",
		"INSERT INTO items VALUES (2, 'pear', 0.5)",
	)
	assert.Equal(t, "1 row(s) affected\n1 row(s) affected\n", out)
	return dir
}

func TestCreateAndQuery(t *testing.T) {
	dir := setup(t)
	_, err := os.Stat(filepath.Join(dir, "shop.fdb"))
	require.NoError(t, err)

	out := mustRun(t, dir, "query", "shop.fdb", "SELECT id, name FROM items ORDER BY id")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, []string{"ID", "NAME"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"1", "apple"}, strings.Fields(lines[1]))
	assert.Equal(t, "(2 row(s))", lines[3])

	out = mustRun(t, dir, "-o", "json", "query", "shop.fdb", "SELECT name, price FROM items WHERE id = ?", "2")
	var records []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	for k, v := range records[0] {
		if strings.EqualFold(k, "name") {
			assert.Equal(t, "pear", v)
		}
	}

	out = mustRun(t, dir, "-o", "yaml", "query", "shop.fdb", "SELECT id FROM items ORDER BY id")
	var docs []map[string]int
	require.NoError(t, yaml.Unmarshal([]byte(out), &docs))
	assert.Len(t, docs, 2)

	_, err = fbsql(t, dir, "query", "shop.fdb", "SELECT * FROM missing")
	assert.Error(t, err)
	_, err = fbsql(t, dir, "-o", "xml", "query", "shop.fdb", "SELECT id FROM items")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestExecRollsBackOnError(t *testing.T) {
	dir := setup(t)
	_, err := fbsql(t, dir, "exec", "shop.fdb", "INSERT INTO items VALUES (3, 'fig', 2)", "INSERT INTO nope VALUES (1)")
	require.Error(t, err)
	out := mustRun(t, dir, "query", "shop.fdb", "SELECT COUNT(*) FROM items")
	assert.Equal(t, "2", strings.Fields(strings.Split(out, "\n")[1])[0])
}

func TestInfo(t *testing.T) {
	dir := setup(t)
	out := mustRun(t, dir, "info", "shop.fdb")
	assert.Contains(t, out, "Page size:")
	assert.Contains(t, out, "8.0 KiB")

	out = mustRun(t, dir, "-o", "json", "info", "shop.fdb")
	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.EqualValues(t, 8192, info["PageSize"])
}

func TestBackupAndRestore(t *testing.T) {
	dir := setup(t)
	out := mustRun(t, dir, "backup", "shop.fdb", "shop.fbk")
	assert.Contains(t, out, "Backup of shop.fdb written to shop.fbk")

	mustRun(t, dir, "restore", "shop.fbk", "copy.fdb")
	_, err := fbsql(t, dir, "restore", "shop.fbk", "copy.fdb")
	assert.ErrorContains(t, err, "-REP")
	mustRun(t, dir, "restore", "--replace", "shop.fbk", "copy.fdb")

	out = mustRun(t, dir, "query", "copy.fdb", "SELECT name FROM items ORDER BY id")
	assert.Contains(t, out, "apple")
	assert.Contains(t, out, "pear")

	out = mustRun(t, dir, "stats", "copy.fdb")
	assert.Contains(t, out, "ITEMS")
	out = mustRun(t, dir, "stats", "--validate", "copy.fdb")
	assert.Contains(t, out, "Validation finished: 0 errors")
}

func TestUsersAndToken(t *testing.T) {
	dir := t.TempDir()
	mustRun(t, dir, "users", "add", "carol", "--new-password", "pw", "--first-name", "Carol")
	mustRun(t, dir, "users", "modify", "carol", "--last-name", "Jones", "--admin")

	out := mustRun(t, dir, "-o", "yaml", "users", "list", "carol")
	var users []map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &users))
	require.Len(t, users, 1)
	assert.Equal(t, "CAROL", users[0]["name"])
	assert.Equal(t, "Jones", users[0]["lastname"])
	assert.Equal(t, true, users[0]["admin"])

	out = mustRun(t, dir, "users", "list")
	assert.Contains(t, out, "SYSDBA")
	assert.Contains(t, out, "CAROL")

	token := strings.TrimSpace(mustRun(t, dir, "token", "carol", "--ttl", "1m"))
	require.NotEmpty(t, token)
	mustRun(t, dir, "--require-auth", "--token", token, "create", "secure.fdb")
	_, err := fbsql(t, dir, "--require-auth", "--token", "garbage", "info", "secure.fdb")
	assert.Error(t, err)

	mustRun(t, dir, "users", "delete", "carol")
	_, err = fbsql(t, dir, "users", "list", "carol")
	assert.ErrorContains(t, err, "not found")
}

func TestListen(t *testing.T) {
	dir := setup(t)
	out := mustRun(t, dir, "listen", "shop.fdb", "b", "a", "--timeout", "10ms", "--count", "2")
	assert.Equal(t, "a\t0\nb\t0\na\t0\nb\t0\n", out)
}

func TestMetricsEndpoint(t *testing.T) {
	dir := setup(t)
	a := &app{stderr: io.Discard}
	root := a.rootCmd()
	root.SetArgs([]string{"--data-dir", dir, "--log-level", "error", "--metrics-addr", "127.0.0.1:0", "info", "shop.fdb"})
	root.SetOut(io.Discard)
	require.NoError(t, root.ExecuteContext(context.Background()))
	defer a.close()
	require.NotEmpty(t, a.metricsURL)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(a.metricsURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "fbdriver_attachments")
}
