package driver

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

func blobTable(t *testing.T, con *Connection) {
	t.Helper()
	exec(t, con, "CREATE TABLE doc (id INTEGER, body BLOB SUB_TYPE TEXT, raw BLOB)")
}

func TestBlobValues(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "blob.fdb")
	blobTable(t, con)

	cur := con.Cursor()
	require.NoError(t, cur.Execute(ctx, "INSERT INTO doc VALUES (?, ?, ?)", 1, "příliš žluťoučký", []byte{0, 1, 2}))
	err := cur.Execute(ctx, "INSERT INTO doc VALUES (?, ?, ?)", 2, "text", "not binary")
	assert.True(t, dberrors.IsTypeError(err))
	err = cur.Execute(ctx, "INSERT INTO doc VALUES (?, ?, ?)", 2, 42, nil)
	assert.True(t, dberrors.IsTypeError(err))

	// A reader always becomes a stream BLOB.
	require.NoError(t, cur.Execute(ctx, "INSERT INTO doc VALUES (?, ?, ?)", 3, strings.NewReader("from reader"), nil))

	rows := fetchAll(t, con, "SELECT id, body, raw FROM doc ORDER BY id")
	require.Len(t, rows, 2)
	assert.Equal(t, "příliš žluťoučký", rows[0][1])
	assert.Equal(t, []byte{0, 1, 2}, rows[0][2])
	assert.Equal(t, "from reader", rows[1][1])
	assert.Nil(t, rows[1][2])
}

func TestBlobReader(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "reader.fdb")
	blobTable(t, con)
	text := strings.Repeat("line of text\n", 100)
	exec(t, con, "INSERT INTO doc (id, body, raw) VALUES (?, ?, ?)", 1, text, bytes.Repeat([]byte{7}, 300))

	cur := con.Cursor()
	cur.StreamBlobThreshold = 100
	require.NoError(t, cur.Execute(ctx, "SELECT body, raw FROM doc"))
	row, err := cur.FetchOne(ctx)
	require.NoError(t, err)
	body, ok := row[0].(*BlobReader)
	require.True(t, ok, "above the threshold")
	assert.True(t, body.IsText())
	assert.Equal(t, "r", body.Mode())
	assert.Equal(t, int64(len(text)), body.Length())

	line, err := body.ReadLine(0)
	require.NoError(t, err)
	assert.Equal(t, "line of text\n", line)
	assert.Equal(t, int64(13), body.Tell())
	part, err := body.ReadLine(4)
	require.NoError(t, err)
	assert.Equal(t, "line", part)
	lines, err := body.ReadLines(0)
	require.NoError(t, err)
	assert.Len(t, lines, 99)
	_, err = body.ReadLine(0)
	assert.ErrorIs(t, err, io.EOF)

	pos, err := body.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
	all, err := body.ReadString(-1)
	require.NoError(t, err)
	assert.Equal(t, text, all)

	pos, err = body.Seek(-5, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(len(text)-5), pos)
	tail, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "text\n", string(tail))

	raw := row[1].(*BlobReader)
	assert.Equal(t, "rb", raw.Mode())
	_, err = raw.ReadLine(0)
	assert.True(t, dberrors.IsInterfaceError(err))
	head, err := raw.ReadN(10)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{7}, 10), head)
	_, err = raw.Seek(-1, io.SeekStart)
	assert.True(t, dberrors.IsValueError(err))

	// Executing again closes the readers of the previous result.
	require.NoError(t, cur.Execute(ctx, "SELECT body FROM doc"))
	assert.True(t, body.IsClosed())
	assert.True(t, raw.IsClosed())
	_, err = raw.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.NoError(t, raw.Close())
}

func TestStreamBlobColumns(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "stream.fdb")
	blobTable(t, con)
	exec(t, con, "INSERT INTO doc (id, body) VALUES (1, 'short')")

	cur := con.Cursor()
	cur.StreamBlobs = []string{"BODY"}
	require.NoError(t, cur.Execute(ctx, "SELECT body FROM doc"))
	row, err := cur.FetchOne(ctx)
	require.NoError(t, err)
	br, ok := row[0].(*BlobReader)
	require.True(t, ok)
	s, err := br.ReadString(-1)
	require.NoError(t, err)
	assert.Equal(t, "short", s)
}

func TestLargeBlobIsStreamed(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "large.fdb")
	blobTable(t, con)
	data := bytes.Repeat([]byte("0123456789"), 10000)
	cur := con.Cursor()
	cur.StreamBlobThreshold = 1000
	require.NoError(t, cur.Execute(ctx, "INSERT INTO doc (id, raw) VALUES (1, ?)", data))

	require.NoError(t, cur.Execute(ctx, "SELECT raw FROM doc"))
	row, err := cur.FetchOne(ctx)
	require.NoError(t, err)
	br := row[0].(*BlobReader)
	assert.Equal(t, types.BlobStream, br.Type())
	pos, err := br.Seek(99990, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(99990), pos)
	rest, err := br.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(rest))
}

func TestSegmentedBlobSeek(t *testing.T) {
	env := newTestEnv(t)
	con := env.create(t, "segmented.fdb")
	blobTable(t, con)
	exec(t, con, "INSERT INTO doc (id, raw) VALUES (?, ?)", 1, []byte("0123456789abcdefghij"))

	cur := con.Cursor()
	cur.StreamBlobs = []string{"RAW"}
	require.NoError(t, cur.Execute(ctx, "SELECT raw FROM doc"))
	row, err := cur.FetchOne(ctx)
	require.NoError(t, err)
	br := row[0].(*BlobReader)
	assert.Equal(t, types.BlobSegmented, br.Type())

	head, err := br.ReadN(3)
	require.NoError(t, err)
	assert.Equal(t, "012", string(head))

	// Forward from inside a fetched segment.
	pos, err := br.Seek(5, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(5), pos)
	rest, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Equal(t, "56789abcdefghij", string(rest))

	// Backward reopens the BLOB.
	pos, err = br.Seek(2, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)
	pos, err = br.Seek(4, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(6), pos)
	part, err := br.ReadN(4)
	require.NoError(t, err)
	assert.Equal(t, "6789", string(part))
	assert.Equal(t, int64(10), br.Tell())
}
