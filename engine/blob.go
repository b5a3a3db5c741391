package engine

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/tomyedwab/fbdriver/api"
	"github.com/tomyedwab/fbdriver/buffer"
	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

// storedBlob is the content of a BLOB. Segmented data keeps its segment
// boundaries as 2-byte length prefixes; stream data is raw.
type storedBlob struct {
	kind types.BlobType
	data []byte
}

func (b *storedBlob) segments() [][]byte {
	if b.kind == types.BlobStream {
		if len(b.data) == 0 {
			return nil
		}
		return [][]byte{b.data}
	}
	var segs [][]byte
	for rest := b.data; len(rest) >= 2; {
		n := int(binary.LittleEndian.Uint16(rest))
		rest = rest[2:]
		if n > len(rest) {
			n = len(rest)
		}
		segs = append(segs, rest[:n])
		rest = rest[n:]
	}
	return segs
}

// content returns the data without segment framing.
func (b *storedBlob) content() []byte {
	if b.kind == types.BlobStream {
		return b.data
	}
	var out []byte
	for _, seg := range b.segments() {
		out = append(out, seg...)
	}
	return out
}

// loadBlob finds a BLOB by id, in memory or in the database. It does not
// take t.mu.
func (t *Transaction) loadBlob(ctx context.Context, id types.Quad) (*storedBlob, error) {
	if stored, ok := t.transientBlob(id); ok {
		return stored, nil
	}
	if uint64(id)&transientBlobBit != 0 {
		return nil, errInvalidBlobID(id)
	}
	var row struct {
		Type int    `db:"type"`
		Data []byte `db:"data"`
	}
	err := t.conn.GetContext(ctx, &row, "SELECT type, data FROM rdb$blobs WHERE id = ?", int64(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errInvalidBlobID(id)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &storedBlob{kind: types.BlobType(row.Type), data: row.Data}, nil
}

func errInvalidBlobID(id types.Quad) error {
	return serverError("HY000", -904, 335544329, fmt.Sprintf("invalid BLOB ID %s", id), nil)
}

func errBlobClosed() error {
	return serverError("HY000", -901, 335544328, "invalid BLOB handle", nil)
}

// blob is an open BLOB handle. It implements api.Blob.
type blob struct {
	tra     *Transaction
	id      types.Quad
	kind    types.BlobType
	writing bool

	mu     sync.Mutex
	segs   [][]byte
	seg    int
	offset int
	pos    int64
	data   []byte
	maxSeg int
	closed bool
}

var _ api.Blob = (*blob)(nil)

// CreateBlob opens a new BLOB for writing. Its id may be bound to a BLOB
// column once the handle is closed.
func (a *Attachment) CreateBlob(ctx context.Context, tra api.Transaction, bpb []byte) (api.Blob, types.Quad, error) {
	t, err := a.transaction(tra)
	if err != nil {
		return nil, 0, err
	}
	kind, err := buffer.ParseBPB(bpb)
	if err != nil {
		return nil, 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return nil, 0, err
	}
	res, err := t.conn.ExecContext(ctx, "INSERT INTO rdb$blobs (type, data) VALUES (?, x'')", int(kind))
	if err != nil {
		return nil, 0, mapError(err)
	}
	n, err := res.LastInsertId()
	if err != nil {
		return nil, 0, mapError(err)
	}
	id := types.Quad(uint64(n))
	t.logger.Debug("blob created", "id", id.String(), "type", kind.String())
	return &blob{tra: t, id: id, kind: kind, writing: true}, id, nil
}

// OpenBlob opens an existing BLOB for reading.
func (a *Attachment) OpenBlob(ctx context.Context, tra api.Transaction, id types.Quad, bpb []byte) (api.Blob, error) {
	t, err := a.transaction(tra)
	if err != nil {
		return nil, err
	}
	if _, err := buffer.ParseBPB(bpb); err != nil {
		return nil, err
	}
	t.mu.Lock()
	err = t.usable()
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	stored, err := t.loadBlob(ctx, id)
	if err != nil {
		return nil, err
	}
	b := &blob{tra: t, id: id, kind: stored.kind, data: stored.data, segs: stored.segments()}
	for _, s := range b.segs {
		b.maxSeg = max(b.maxSeg, len(s))
	}
	return b, nil
}

func (b *blob) Type() types.BlobType {
	return b.kind
}

func (b *blob) check(writing bool) error {
	if b.closed {
		return errBlobClosed()
	}
	if writing != b.writing {
		if writing {
			return dberrors.Interfacef("BLOB %s is open for reading", b.id)
		}
		return dberrors.Interfacef("BLOB %s is open for writing", b.id)
	}
	return nil
}

// GetSegment returns the rest of the current segment, at most len(buf)
// bytes of it. Stream BLOBs read from the current position.
func (b *blob) GetSegment(buf []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(false); err != nil {
		return 0, err
	}
	if b.kind == types.BlobStream {
		if b.pos >= int64(len(b.data)) {
			return 0, io.EOF
		}
		n := copy(buf, b.data[b.pos:])
		b.pos += int64(n)
		return n, nil
	}
	for b.seg < len(b.segs) && b.offset >= len(b.segs[b.seg]) {
		b.seg++
		b.offset = 0
	}
	if b.seg >= len(b.segs) {
		return 0, io.EOF
	}
	n := copy(buf, b.segs[b.seg][b.offset:])
	b.offset += n
	b.pos += int64(n)
	return n, nil
}

func (b *blob) PutSegment(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(true); err != nil {
		return err
	}
	if len(data) > types.MaxBlobSegmentSize {
		return dberrors.Valuef("BLOB segment of %d bytes exceeds %d", len(data), types.MaxBlobSegmentSize)
	}
	if b.kind == types.BlobSegmented {
		b.data = binary.LittleEndian.AppendUint16(b.data, uint16(len(data)))
	}
	b.data = append(b.data, data...)
	b.pos += int64(len(data))
	b.maxSeg = max(b.maxSeg, len(data))
	return nil
}

// Seek moves the read position of a stream BLOB.
func (b *blob) Seek(offset int64, whence int) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(false); err != nil {
		return 0, err
	}
	if b.kind != types.BlobStream {
		return 0, dberrors.NotSupportedf("seek is only supported on stream BLOBs")
	}
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = b.pos + offset
	case io.SeekEnd:
		pos = int64(len(b.data)) + offset
	default:
		return 0, dberrors.Valuef("invalid seek mode %d", whence)
	}
	if pos < 0 {
		return 0, dberrors.Valuef("negative BLOB position %d", pos)
	}
	b.pos = pos
	return pos, nil
}

// Length is the number of data bytes.
func (b *blob) Length() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writing {
		return b.pos
	}
	var n int64
	for _, s := range b.segs {
		n += int64(len(s))
	}
	return n
}

func (b *blob) MaxSegment() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxSeg
}

// Close stores the written data. The BLOB row was created with the handle,
// so the data is rolled back with the transaction.
func (b *blob) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBlobClosed()
	}
	b.closed = true
	t := b.tra
	if !b.writing {
		t.att.engine.metrics.BlobTransferred("read", int(b.pos))
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return err
	}
	data := b.data
	if data == nil {
		data = []byte{}
	}
	if _, err := t.conn.ExecContext(context.Background(), "UPDATE rdb$blobs SET data = ? WHERE id = ?", data, int64(b.id)); err != nil {
		return mapError(err)
	}
	t.att.engine.metrics.BlobTransferred("write", int(b.pos))
	return nil
}

// ArrayDescriptor reads the element type and bounds of an ARRAY column.
func (a *Attachment) ArrayDescriptor(ctx context.Context, tra api.Transaction, relation, field string) (*types.ArrayDesc, error) {
	t, err := a.transaction(tra)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return nil, err
	}
	cols, err := tableColumns(ctx, t.conn, relation)
	if err != nil {
		return nil, mapError(err)
	}
	if len(cols) == 0 {
		return nil, serverError("42S02", -204, gdsTableUnknown, fmt.Sprintf("Table unknown\n-%s", relation), nil)
	}
	for _, c := range cols {
		if !strings.EqualFold(c.Name, field) {
			continue
		}
		decl := strings.ToUpper(strings.TrimSpace(c.Type))
		if !strings.HasPrefix(decl, arrayTypePrefix) {
			return nil, dberrors.Databasef("42000", -204, "column %s.%s is not an array", relation, field)
		}
		desc, err := parseArrayType(decl)
		if err != nil {
			return nil, dberrors.Wrap(dberrors.KindDatabase, "corrupt array column", err)
		}
		return desc, nil
	}
	return nil, serverError("42S22", -206, gdsColumnUnknown, fmt.Sprintf("Column unknown\n-%s.%s", relation, field), nil)
}

func checkSliceLength(desc *types.ArrayDesc, n int) error {
	if want := desc.ElementCount() * desc.SlotSize(); n != want {
		return dberrors.Dataf("array slice of %d bytes does not match the descriptor (%d bytes)", n, want)
	}
	return nil
}

// GetSlice reads the whole array stored under id.
func (a *Attachment) GetSlice(ctx context.Context, tra api.Transaction, id types.Quad, desc *types.ArrayDesc) ([]byte, error) {
	t, err := a.transaction(tra)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return nil, err
	}
	var data []byte
	err = t.conn.GetContext(ctx, &data, "SELECT data FROM rdb$arrays WHERE id = ?", int64(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errInvalidBlobID(id)
	}
	if err != nil {
		return nil, mapError(err)
	}
	if err := checkSliceLength(desc, len(data)); err != nil {
		return nil, err
	}
	a.engine.metrics.BlobTransferred("read", len(data))
	return data, nil
}

// PutSlice stores a whole array and returns its id.
func (a *Attachment) PutSlice(ctx context.Context, tra api.Transaction, desc *types.ArrayDesc, data []byte) (types.Quad, error) {
	t, err := a.transaction(tra)
	if err != nil {
		return 0, err
	}
	if err := checkSliceLength(desc, len(data)); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return 0, err
	}
	res, err := t.conn.ExecContext(ctx, "INSERT INTO rdb$arrays (data) VALUES (?)", data)
	if err != nil {
		return 0, mapError(err)
	}
	n, err := res.LastInsertId()
	if err != nil {
		return 0, mapError(err)
	}
	a.engine.metrics.BlobTransferred("write", len(data))
	return types.Quad(uint64(n)), nil
}
