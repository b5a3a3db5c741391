package driver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tomyedwab/fbdriver/api"
	"github.com/tomyedwab/fbdriver/buffer"
	"github.com/tomyedwab/fbdriver/codec"
	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

// bindParams builds the input message for params. The layout starts from the
// descriptors the server resolved and is adjusted per value: strings travel
// as VARYING of their exact length, untyped parameters take the type of the
// Go value, and BLOB and ARRAY values are written first and bound by id.
func (cur *Cursor) bindParams(ctx context.Context, tra api.Transaction, stmt *Statement, params []any) (*types.MessageMetadata, []byte, error) {
	in := stmt.InputMetadata()
	if len(params) != in.Count() {
		return nil, nil, dberrors.Interfacef("Statement parameter sequence contains %d items, but exactly %d are required",
			len(params), in.Count())
	}
	if in.Count() == 0 {
		return in, nil, nil
	}
	c := cur.conn.codec
	fields := make([]types.Descriptor, in.Count())
	values := make([]any, in.Count())
	for i, d := range in.Fields {
		v := params[i]
		switch {
		case v == nil:
			if d.Type == types.SQLNull {
				d = varying(1, c.Charset.ID)
			}
		case d.Type == types.SQLBlob:
			id, err := cur.writeBlob(ctx, tra, d, v)
			if err != nil {
				return nil, nil, err
			}
			v = id
		case d.Type == types.SQLArray:
			id, err := cur.writeArray(ctx, tra, d, v)
			if err != nil {
				return nil, nil, err
			}
			v = id
		case d.Type == types.SQLNull:
			var err error
			if d, v, err = typeByValue(c, v); err != nil {
				return nil, nil, err
			}
		case codec.IsStringParam(v, d.Type):
			b, err := c.TextBytes(v)
			if err != nil {
				return nil, nil, err
			}
			charset := c.Charset.ID
			if d.Charset == types.CharsetOctets {
				charset = types.CharsetOctets
			}
			d = varying(len(b), charset)
			v = b
		}
		fields[i], values[i] = d, v
	}
	meta := types.NewMessageMetadata(fields)
	msg := meta.NewMessage()
	for i, v := range values {
		if err := c.Pack(meta, msg, i, v); err != nil {
			return nil, nil, err
		}
	}
	return meta, msg, nil
}

func varying(n, charset int) types.Descriptor {
	return types.Descriptor{Type: types.SQLVarying, Length: max(n, 1), Charset: charset, Nullable: true}
}

// typeByValue picks a descriptor for a parameter the server could not type.
func typeByValue(c *codec.Codec, v any) (types.Descriptor, any, error) {
	switch x := v.(type) {
	case string:
		b, err := c.TextBytes(x)
		if err != nil {
			return types.Descriptor{}, nil, err
		}
		return varying(len(b), c.Charset.ID), b, nil
	case []byte:
		return varying(len(x), types.CharsetOctets), x, nil
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return types.Descriptor{Type: types.SQLInt64, Nullable: true}, v, nil
	case float32, float64:
		return types.Descriptor{Type: types.SQLDouble, Nullable: true}, v, nil
	case bool:
		return types.Descriptor{Type: types.SQLBoolean, Nullable: true}, v, nil
	case time.Time:
		return types.Descriptor{Type: types.SQLTimestamp, Nullable: true}, v, nil
	case codec.ZonedTime:
		return types.Descriptor{Type: types.SQLTimestampTZ, Nullable: true}, v, nil
	case decimal.Decimal:
		s := x.String()
		return varying(len(s), c.Charset.ID), []byte(s), nil
	case *big.Int:
		s := x.String()
		return varying(len(s), c.Charset.ID), []byte(s), nil
	}
	return types.Descriptor{}, nil, dberrors.Typef("Objects of type %T are not acceptable input for an untyped parameter.", v)
}

// writeBlob stores a BLOB parameter and returns its id. Readers and values
// above the stream threshold become stream BLOBs.
func (cur *Cursor) writeBlob(ctx context.Context, tra api.Transaction, d types.Descriptor, v any) (types.Quad, error) {
	var (
		data []byte
		r    io.Reader
	)
	switch x := v.(type) {
	case types.Quad:
		return x, nil
	case string:
		if d.SubType != 1 {
			return 0, dberrors.Typef("String value is not acceptable type for a non-textual BLOB column.")
		}
		b, err := cur.conn.codec.Charset.Encode(x)
		if err != nil {
			return 0, err
		}
		data = b
	case []byte:
		data = x
	case io.Reader:
		r = x
	default:
		return 0, dberrors.Typef("Type of parameter value is not acceptable for a BLOB column: %T", v)
	}

	kind := types.BlobSegmented
	if r != nil || len(data) > cur.StreamBlobThreshold {
		kind = types.BlobStream
	}
	if r == nil {
		r = bytes.NewReader(data)
	}
	blob, id, err := cur.conn.att.CreateBlob(ctx, tra, buffer.BPB(kind))
	if err != nil {
		return 0, err
	}
	seg := make([]byte, types.MaxBlobSegmentSize)
	for {
		n, rerr := io.ReadFull(r, seg)
		if n > 0 {
			if err := blob.PutSegment(seg[:n]); err != nil {
				blob.Close()
				return 0, err
			}
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			blob.Close()
			return 0, dberrors.Wrap(dberrors.KindInterface, "cannot read BLOB parameter", rerr)
		}
	}
	if err := blob.Close(); err != nil {
		return 0, err
	}
	return id, nil
}

// writeArray stores an ARRAY parameter and returns its id.
func (cur *Cursor) writeArray(ctx context.Context, tra api.Transaction, d types.Descriptor, v any) (types.Quad, error) {
	if id, ok := v.(types.Quad); ok {
		return id, nil
	}
	desc, err := cur.arrayDesc(ctx, tra, d)
	if err != nil {
		return 0, err
	}
	data, err := cur.conn.codec.EncodeArray(desc, v)
	if err != nil {
		return 0, err
	}
	return cur.conn.att.PutSlice(ctx, tra, desc, data)
}

func (cur *Cursor) arrayDesc(ctx context.Context, tra api.Transaction, d types.Descriptor) (*types.ArrayDesc, error) {
	if d.Array != nil {
		return d.Array, nil
	}
	if d.Relation == "" || d.Field == "" {
		return nil, dberrors.Interfacef("array descriptor of column %q is unknown", d.Name())
	}
	return cur.conn.att.ArrayDescriptor(ctx, tra, d.Relation, d.Field)
}

// readArray loads an ARRAY value.
func (cur *Cursor) readArray(ctx context.Context, tra api.Transaction, d types.Descriptor, id types.Quad) (any, error) {
	desc, err := cur.arrayDesc(ctx, tra, d)
	if err != nil {
		return nil, err
	}
	data, err := cur.conn.att.GetSlice(ctx, tra, id, desc)
	if err != nil {
		return nil, err
	}
	return cur.conn.codec.DecodeArray(desc, data)
}

// readBlob returns a BLOB value, or a *BlobReader when it is larger than the
// threshold or its column is listed in StreamBlobs.
func (cur *Cursor) readBlob(ctx context.Context, tra api.Transaction, d types.Descriptor, id types.Quad) (any, error) {
	blob, err := cur.conn.att.OpenBlob(ctx, tra, id, nil)
	if err != nil {
		return nil, err
	}
	streamed := slices.ContainsFunc(cur.StreamBlobs, func(name string) bool {
		return strings.EqualFold(name, d.Name())
	})
	if streamed || blob.Length() > int64(cur.StreamBlobThreshold) {
		br := newBlobReader(cur.conn, tra, id, d, blob)
		cur.readers = append(cur.readers, br)
		return br, nil
	}
	defer blob.Close()
	data, err := readSegments(blob)
	if err != nil {
		return nil, err
	}
	if d.SubType == 1 {
		return cur.conn.codec.Charset.Decode(data)
	}
	return data, nil
}

func readSegments(blob api.Blob) ([]byte, error) {
	out := make([]byte, 0, blob.Length())
	buf := make([]byte, max(blob.MaxSegment(), 1))
	for {
		n, err := blob.GetSegment(buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
