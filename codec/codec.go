// Package codec converts Go values to and from the binary message format.
package codec

import (
	"encoding/binary"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

// Codec packs parameters and unpacks rows for one connection.
type Codec struct {
	Charset *Charset
	Dialect int
	// RoundDecimals rounds fixed-point input with too many fractional digits
	// instead of failing.
	RoundDecimals bool
}

// New returns a codec for the named connection character set.
func New(charset string, dialect int) (*Codec, error) {
	cs, err := LookupCharset(charset)
	if err != nil {
		return nil, err
	}
	if dialect == 0 {
		dialect = 3
	}
	return &Codec{Charset: cs, Dialect: dialect}, nil
}

// IsStringParam reports whether a parameter value is sent as text regardless
// of the declared type. BLOB columns keep their type.
func IsStringParam(v any, t types.SQLDataType) bool {
	if t == types.SQLText || t == types.SQLVarying {
		return true
	}
	_, isString := v.(string)
	return isString && t != types.SQLBlob
}

// TextBytes converts a value into the connection character set.
func (c *Codec) TextBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case string:
		return c.Charset.Encode(x)
	case []byte:
		return x, nil
	case fmt.Stringer:
		return c.Charset.Encode(x.String())
	}
	return c.Charset.Encode(fmt.Sprint(v))
}

// Pack writes value v into field i of msg. BLOB and ARRAY fields take a types.Quad.
func (c *Codec) Pack(meta *types.MessageMetadata, msg []byte, i int, v any) error {
	if v == nil {
		meta.SetNull(msg, i, true)
		return nil
	}
	meta.SetNull(msg, i, false)
	d := meta.Fields[i]
	dst := meta.Value(msg, i)
	if d.Type == types.SQLText || d.Type == types.SQLVarying {
		b, err := c.TextBytes(v)
		if err != nil {
			return err
		}
		if len(b) > d.Length {
			return dberrors.Valuef("Value of parameter (%d) is too long, expected %d, found %d", i, d.Length, len(b))
		}
		c.putText(d, dst, b)
		return nil
	}
	return c.EncodeScalar(d, dst, v)
}

func (c *Codec) putText(d types.Descriptor, dst []byte, b []byte) {
	if d.Type == types.SQLVarying {
		binary.LittleEndian.PutUint16(dst, uint16(len(b)))
		copy(dst[2:], b)
		return
	}
	n := copy(dst, b)
	pad := byte(' ')
	if d.Charset == types.CharsetOctets {
		pad = 0
	}
	for ; n < len(dst); n++ {
		dst[n] = pad
	}
}

// EncodeScalar writes a non-null value of the descriptor's type into dst.
func (c *Codec) EncodeScalar(d types.Descriptor, dst []byte, v any) error {
	switch d.Type {
	case types.SQLText, types.SQLVarying:
		b, err := c.TextBytes(v)
		if err != nil {
			return err
		}
		if len(b) > d.Length {
			return dberrors.Valuef("value is too long, expected %d, found %d", d.Length, len(b))
		}
		c.putText(d, dst, b)
	case types.SQLShort, types.SQLLong, types.SQLInt64, types.SQLInt128:
		return c.encodeInteger(d, dst, v)
	case types.SQLFloat, types.SQLDouble:
		return c.encodeFloat(d, dst, v)
	case types.SQLBoolean:
		b, ok := v.(bool)
		if !ok {
			return dberrors.Typef("Objects of type %T are not acceptable input for a boolean column.", v)
		}
		dst[0] = 0
		if b {
			dst[0] = 1
		}
	case types.SQLDate:
		t, err := timeValue(v, "date")
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(dst, uint32(EncodeDate(t)))
	case types.SQLTime:
		t, err := timeValue(v, "time")
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(dst, EncodeTime(t))
	case types.SQLTimestamp:
		t, err := timeValue(v, "timestamp")
		if err != nil {
			return err
		}
		putTimestamp(dst, t)
	case types.SQLTimestampTZ:
		return EncodeTimestampTZ(dst, v)
	case types.SQLTimeTZ:
		return EncodeTimeTZ(dst, v)
	case types.SQLBlob, types.SQLArray, types.SQLQuad:
		q, ok := v.(types.Quad)
		if !ok {
			return dberrors.Typef("Objects of type %T are not acceptable input for a %s id.", v, d.Type)
		}
		copy(dst, q.Bytes())
	case types.SQLDec16, types.SQLDec34, types.SQLDFloat:
		return notSupported(d.Type)
	default:
		return dberrors.NotSupportedf("unsupported data type %s", d.Type)
	}
	return nil
}

func timeValue(v any, what string) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case *time.Time:
		return *x, nil
	case ZonedTime:
		return x.Time, nil
	}
	return time.Time{}, dberrors.Typef("Objects of type %T are not acceptable input for a %s column.", v, what)
}

// Unpack reads field i of msg. A null field yields nil. BLOB and ARRAY fields
// yield their types.Quad id.
func (c *Codec) Unpack(meta *types.MessageMetadata, msg []byte, i int) (any, error) {
	if meta.IsNull(msg, i) {
		return nil, nil
	}
	return c.DecodeScalar(meta.Fields[i], meta.Value(msg, i))
}

// DecodeScalar reads a non-null value of the descriptor's type from src.
func (c *Codec) DecodeScalar(d types.Descriptor, src []byte) (any, error) {
	switch d.Type {
	case types.SQLText:
		if d.Charset == types.CharsetOctets {
			return append([]byte(nil), src...), nil
		}
		s, err := c.decodeText(d, src)
		if err != nil {
			return nil, err
		}
		return truncateChars(s, d), nil
	case types.SQLVarying:
		n := int(binary.LittleEndian.Uint16(src))
		if 2+n > len(src) {
			return nil, dberrors.Dataf("VARCHAR length %d exceeds field length %d", n, len(src)-2)
		}
		if d.Charset == types.CharsetOctets {
			return append([]byte(nil), src[2:2+n]...), nil
		}
		return c.decodeText(d, src[2:2+n])
	case types.SQLShort, types.SQLLong, types.SQLInt64, types.SQLInt128:
		return c.decodeInteger(d, src), nil
	case types.SQLFloat, types.SQLDouble:
		return decodeFloat(d, src), nil
	case types.SQLBoolean:
		return src[0] != 0, nil
	case types.SQLDate:
		return DecodeDate(int32(binary.LittleEndian.Uint32(src))), nil
	case types.SQLTime:
		return DecodeTime(binary.LittleEndian.Uint32(src)), nil
	case types.SQLTimestamp:
		return getTimestamp(src), nil
	case types.SQLTimestampTZ:
		return DecodeTimestampTZ(src)
	case types.SQLTimeTZ:
		return DecodeTimeTZ(src)
	case types.SQLBlob, types.SQLArray, types.SQLQuad:
		return types.QuadFromBytes(src), nil
	case types.SQLDec16, types.SQLDec34, types.SQLDFloat:
		return nil, notSupported(d.Type)
	}
	return nil, dberrors.NotSupportedf("unsupported data type %s", d.Type)
}

func (c *Codec) decodeText(d types.Descriptor, b []byte) (string, error) {
	cs := c.Charset
	if d.Charset != c.Charset.ID && d.Charset != types.CharsetNone {
		if other, ok := CharsetByID(d.Charset); ok {
			cs = other
		}
	}
	return cs.Decode(b)
}

// truncateChars cuts the space padding a multibyte CHAR carries beyond its
// declared character length.
func truncateChars(s string, d types.Descriptor) string {
	var chars int
	switch d.Charset {
	case types.CharsetUTF8, types.CharsetGB18030:
		chars = d.Length / 4
	case types.CharsetUnicodeFSS:
		chars = d.Length / 3
	default:
		return s
	}
	if utf8.RuneCountInString(s) <= chars {
		return s
	}
	n := 0
	for i := range s {
		if n == chars {
			return s[:i]
		}
		n++
	}
	return s
}

// Decimal is a helper for callers building fixed-point parameters from text.
func Decimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, dberrors.Wrap(dberrors.KindValue, "invalid decimal "+s, err)
	}
	return d, nil
}
