package driver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"sync"

	"github.com/tomyedwab/fbdriver/api"
	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

// BlobReader reads a BLOB value incrementally. Cursors return one for BLOBs
// above the stream threshold; it is closed when the cursor executes another
// statement or closes.
type BlobReader struct {
	conn *Connection
	tra  api.Transaction
	id   types.Quad
	desc types.Descriptor

	mu      sync.Mutex
	blob    api.Blob
	kind    types.BlobType
	length  int64
	pos     int64
	pending []byte
	scratch []byte
	closed  bool
}

var (
	_ io.Reader = (*BlobReader)(nil)
	_ io.Seeker = (*BlobReader)(nil)
)

func newBlobReader(conn *Connection, tra api.Transaction, id types.Quad, d types.Descriptor, blob api.Blob) *BlobReader {
	return &BlobReader{
		conn:   conn,
		tra:    tra,
		id:     id,
		desc:   d,
		blob:   blob,
		kind:   blob.Type(),
		length: blob.Length(),
	}
}

func errBlobReaderClosed() error {
	return dberrors.Interface("BlobReader is closed")
}

// BlobID is the id of the BLOB being read.
func (br *BlobReader) BlobID() types.Quad { return br.id }

// IsText reports whether the BLOB has the text subtype.
func (br *BlobReader) IsText() bool { return br.desc.SubType == 1 }

// Mode is "r" for text BLOBs and "rb" for binary ones.
func (br *BlobReader) Mode() string {
	if br.IsText() {
		return "r"
	}
	return "rb"
}

// Length is the BLOB size in bytes.
func (br *BlobReader) Length() int64 { return br.length }

// Type is the storage type of the BLOB.
func (br *BlobReader) Type() types.BlobType { return br.kind }

// Tell is the current read position.
func (br *BlobReader) Tell() int64 {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.pos
}

// Read implements io.Reader.
func (br *BlobReader) Read(p []byte) (int, error) {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.closed {
		return 0, errBlobReaderClosed()
	}
	return br.read(p)
}

func (br *BlobReader) read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(br.pending) > 0 {
		n := copy(p, br.pending)
		br.pending = br.pending[n:]
		br.pos += int64(n)
		return n, nil
	}
	n, err := br.blob.GetSegment(p)
	br.pos += int64(n)
	if n > 0 && errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// fill loads the next segment into pending. It reports false at the end of
// the BLOB.
func (br *BlobReader) fill() (bool, error) {
	if len(br.pending) > 0 {
		return true, nil
	}
	if br.scratch == nil {
		br.scratch = make([]byte, max(br.blob.MaxSegment(), 1))
	}
	n, err := br.blob.GetSegment(br.scratch)
	if n > 0 {
		br.pending = br.scratch[:n]
		return true, nil
	}
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	return false, err
}

// ReadN reads up to n bytes; n < 0 reads to the end.
func (br *BlobReader) ReadN(n int) ([]byte, error) {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.closed {
		return nil, errBlobReaderClosed()
	}
	if n < 0 {
		n = int(br.length - br.pos)
	}
	out := make([]byte, 0, max(n, 0))
	for len(out) < n {
		ok, err := br.fill()
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		k := min(n-len(out), len(br.pending))
		out = append(out, br.pending[:k]...)
		br.pending = br.pending[k:]
		br.pos += int64(k)
	}
	return out, nil
}

// ReadAll reads the rest of the BLOB.
func (br *BlobReader) ReadAll() ([]byte, error) {
	return br.ReadN(-1)
}

// ReadString reads up to n bytes of a text BLOB and decodes them from the
// connection character set; n < 0 reads to the end.
func (br *BlobReader) ReadString(n int) (string, error) {
	b, err := br.ReadN(n)
	if err != nil {
		return "", err
	}
	return br.conn.codec.Charset.Decode(b)
}

// ReadLine reads one line of a text BLOB including its newline. size > 0
// limits the number of bytes read. At the end of the BLOB it returns "" and
// io.EOF.
func (br *BlobReader) ReadLine(size int) (string, error) {
	if !br.IsText() {
		return "", dberrors.Interface("Can't read line from binary BLOB")
	}
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.closed {
		return "", errBlobReaderClosed()
	}
	var line []byte
	for size <= 0 || len(line) < size {
		ok, err := br.fill()
		if err != nil {
			return "", err
		}
		if !ok {
			break
		}
		k := len(br.pending)
		if i := bytes.IndexByte(br.pending, '\n'); i >= 0 {
			k = i + 1
		}
		if size > 0 {
			k = min(k, size-len(line))
		}
		line = append(line, br.pending[:k]...)
		br.pending = br.pending[k:]
		br.pos += int64(k)
		if line[len(line)-1] == '\n' {
			break
		}
	}
	if len(line) == 0 {
		return "", io.EOF
	}
	return br.conn.codec.Charset.Decode(line)
}

// ReadLines reads lines until their total size reaches hint; hint <= 0
// reads all remaining lines.
func (br *BlobReader) ReadLines(hint int) ([]string, error) {
	var lines []string
	total := 0
	for line, err := range br.Lines() {
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
		total += len(line)
		if hint > 0 && total >= hint {
			break
		}
	}
	return lines, nil
}

// Lines iterates over the remaining lines of a text BLOB.
func (br *BlobReader) Lines() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			line, err := br.ReadLine(0)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(line, nil) {
				return
			}
		}
	}
}

// Seek implements io.Seeker. Stream BLOBs seek natively; segmented BLOBs are
// reopened and read forward to the target.
func (br *BlobReader) Seek(offset int64, whence int) (int64, error) {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.closed {
		return 0, errBlobReaderClosed()
	}
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = br.pos + offset
	case io.SeekEnd:
		target = br.length + offset
	default:
		return 0, dberrors.Valuef("invalid whence %d", whence)
	}
	if target < 0 {
		return 0, dberrors.Valuef("negative BLOB position %d", target)
	}
	if br.kind == types.BlobStream {
		br.pending = nil
		pos, err := br.blob.Seek(target, io.SeekStart)
		if err != nil {
			return 0, err
		}
		br.pos = pos
		return pos, nil
	}

	// Backward seeks reopen the BLOB. Forward seeks consume pending first.
	if target < br.pos {
		br.pending = nil
		if err := br.blob.Close(); err != nil {
			return 0, err
		}
		blob, err := br.conn.att.OpenBlob(context.Background(), br.tra, br.id, nil)
		if err != nil {
			br.closed = true
			return 0, err
		}
		br.blob, br.pos = blob, 0
	}
	for br.pos < target {
		ok, err := br.fill()
		if err != nil {
			return br.pos, err
		}
		if !ok {
			break
		}
		k := min(int64(len(br.pending)), target-br.pos)
		br.pending = br.pending[k:]
		br.pos += k
	}
	return br.pos, nil
}

// Close releases the BLOB handle. Closing twice is a no-op.
func (br *BlobReader) Close() error {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.closed {
		return nil
	}
	br.closed = true
	br.pending = nil
	return br.blob.Close()
}

// IsClosed reports whether Close was called.
func (br *BlobReader) IsClosed() bool {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.closed
}
