package codec

import (
	"encoding/binary"
	"math/big"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

func newCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New("UTF8", 3)
	require.NoError(t, err)
	return c
}

func roundTrip(t *testing.T, c *Codec, d types.Descriptor, v any) any {
	t.Helper()
	meta := types.NewMessageMetadata([]types.Descriptor{d})
	msg := meta.NewMessage()
	require.NoError(t, c.Pack(meta, msg, 0, v))
	got, err := c.Unpack(meta, msg, 0)
	require.NoError(t, err)
	return got
}

func TestFixedPoint(t *testing.T) {
	c := newCodec(t)
	d := types.Descriptor{Type: types.SQLInt64, Scale: -2, SubType: 2}

	got := roundTrip(t, c, d, decimal.RequireFromString("123.45"))
	assert.True(t, decimal.RequireFromString("123.45").Equal(got.(decimal.Decimal)))

	got = roundTrip(t, c, d, 7)
	assert.Equal(t, "7", got.(decimal.Decimal).String())

	meta := types.NewMessageMetadata([]types.Descriptor{d})
	err := c.Pack(meta, meta.NewMessage(), 0, decimal.RequireFromString("1.234"))
	require.Error(t, err)
	assert.True(t, dberrors.IsDataError(err))

	c.RoundDecimals = true
	got = roundTrip(t, c, d, decimal.RequireFromString("1.235"))
	assert.Equal(t, "1.24", got.(decimal.Decimal).StringFixed(2))
}

func TestPlainIntegers(t *testing.T) {
	c := newCodec(t)
	assert.Equal(t, int64(-5), roundTrip(t, c, types.Descriptor{Type: types.SQLShort}, -5))
	assert.Equal(t, int64(1<<40), roundTrip(t, c, types.Descriptor{Type: types.SQLInt64}, int64(1<<40)))
	assert.Equal(t, int64(3), roundTrip(t, c, types.Descriptor{Type: types.SQLLong}, 3.0))

	meta := types.NewMessageMetadata([]types.Descriptor{{Type: types.SQLLong}})
	err := c.Pack(meta, meta.NewMessage(), 0, "12")
	assert.True(t, dberrors.IsTypeError(err))
}

func TestIntegerOverflowMessage(t *testing.T) {
	c := newCodec(t)
	meta := types.NewMessageMetadata([]types.Descriptor{{Type: types.SQLShort}})
	err := c.Pack(meta, meta.NewMessage(), 0, 40000)
	require.Error(t, err)
	assert.True(t, dberrors.IsValueError(err))
	assert.Equal(t, "numeric overflow: value 40000\n"+
		"(SMALLINT scaled for 0 decimal places) is of\n"+
		"too great a magnitude to fit into its internal storage type SHORT,\n"+
		"which has range [-32768,32767].", err.Error())

	meta = types.NewMessageMetadata([]types.Descriptor{{Type: types.SQLLong, Scale: -2, SubType: 1}})
	err = c.Pack(meta, meta.NewMessage(), 0, decimal.RequireFromString("21474836.48"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "(NUMERIC scaled for -2 decimal places)")
}

func TestInt128(t *testing.T) {
	c := newCodec(t)
	big1, ok := new(big.Int).SetString("-170141183460469231731687303715884105728", 10)
	require.True(t, ok)
	got := roundTrip(t, c, types.Descriptor{Type: types.SQLInt128}, big1)
	assert.Equal(t, 0, big1.Cmp(got.(*big.Int)))

	d := types.Descriptor{Type: types.SQLInt128, Scale: -4}
	v := decimal.RequireFromString("-12345678901234567890123.4567")
	got = roundTrip(t, c, d, v)
	assert.True(t, v.Equal(got.(decimal.Decimal)))

	buf := make([]byte, 16)
	PutInt128(buf, big.NewInt(-1))
	assert.Equal(t, "-0.0001", FormatInt128(buf, -4))
}

func TestTemporal(t *testing.T) {
	c := newCodec(t)
	date := time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, date, roundTrip(t, c, types.Descriptor{Type: types.SQLDate}, date))
	assert.Equal(t, int32(0), EncodeDate(time.Date(1858, time.November, 17, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, int32(-1), EncodeDate(time.Date(1858, time.November, 16, 0, 0, 0, 0, time.UTC)))

	tm := time.Date(1, time.January, 1, 13, 45, 30, 123400000, time.UTC)
	assert.Equal(t, tm, roundTrip(t, c, types.Descriptor{Type: types.SQLTime}, tm))
	assert.Equal(t, uint32((13*3600+45*60+30)*10000+1234), EncodeTime(tm))

	ts := time.Date(2011, time.November, 13, 15, 0, 1, 500000000, time.UTC)
	assert.Equal(t, ts, roundTrip(t, c, types.Descriptor{Type: types.SQLTimestamp}, ts))
}

func TestTimeZones(t *testing.T) {
	c := newCodec(t)
	prague, err := time.LoadLocation("Europe/Prague")
	require.NoError(t, err)

	ts := time.Date(2020, time.July, 1, 12, 30, 0, 0, prague)
	got := roundTrip(t, c, types.Descriptor{Type: types.SQLTimestampTZ}, ts).(ZonedTime)
	assert.True(t, ts.Equal(got.Time))
	assert.Equal(t, "Europe/Prague", got.Zone)
	assert.Equal(t, 2*time.Hour, got.Offset)

	fixed := time.Date(2020, time.January, 1, 8, 0, 0, 0, time.FixedZone("", -5*3600))
	got = roundTrip(t, c, types.Descriptor{Type: types.SQLTimestampTZ}, fixed).(ZonedTime)
	assert.Equal(t, "-05:00", got.Zone)
	assert.True(t, fixed.Equal(got.Time))

	tz := ZonedTime{Time: time.Date(2020, time.January, 1, 23, 15, 0, 0, time.FixedZone("+03:30", 3*3600+30*60)), Zone: "+03:30"}
	got = roundTrip(t, c, types.Descriptor{Type: types.SQLTimeTZ}, tz).(ZonedTime)
	assert.Equal(t, "+03:30", got.Zone)
	h, m, _ := got.Time.Clock()
	assert.Equal(t, []int{23, 15}, []int{h, m})
}

func TestTimeZoneStoredOffset(t *testing.T) {
	prague, err := time.LoadLocation("Europe/Prague")
	require.NoError(t, err)
	ts := time.Date(2020, time.July, 1, 12, 30, 0, 0, prague)

	buf := make([]byte, 12)
	require.NoError(t, EncodeTimestampTZ(buf, ts))
	assert.Equal(t, int16(120), int16(binary.LittleEndian.Uint16(buf[10:])))

	// The offset on the wire wins over tzdata.
	binary.LittleEndian.PutUint16(buf[10:], uint16(int16(60)))
	got, err := DecodeTimestampTZ(buf)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Prague", got.Zone)
	assert.Equal(t, time.Hour, got.Offset)
	assert.True(t, ts.Equal(got.Time))
	_, offset := got.Time.Zone()
	assert.Equal(t, 3600, offset)

	// Without an offset tzdata decides.
	got, err = DecodeTimestampTZ(buf[:10])
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, got.Offset)

	_, err = DecodeTimestampTZ(buf[:9])
	assert.True(t, dberrors.IsDataError(err))

	// A region TIME keeps the offset of the day it was written on.
	tbuf := make([]byte, 8)
	require.NoError(t, EncodeTimeTZ(tbuf, ts))
	got, err = DecodeTimeTZ(tbuf)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, got.Offset)
	h, m, _ := got.Time.Clock()
	assert.Equal(t, []int{12, 30}, []int{h, m})

	got, err = DecodeTimeTZ(tbuf[:6])
	require.NoError(t, err)
	assert.Equal(t, time.Hour, got.Offset, "reference date is in winter")
}

func TestZoneIDs(t *testing.T) {
	id, err := ZoneID("+00:00")
	require.NoError(t, err)
	assert.Equal(t, uint16(1439), id)
	id, err = ZoneID("-23:59")
	require.NoError(t, err)
	assert.Equal(t, uint16(0), id)

	id, err = ZoneID("GMT")
	require.NoError(t, err)
	assert.Equal(t, uint16(65535), id)
	name, err := ZoneName(id)
	require.NoError(t, err)
	assert.Equal(t, "GMT", name)

	_, err = ZoneID("Mars/Olympus_Mons")
	assert.True(t, dberrors.IsValueError(err))
}

func TestText(t *testing.T) {
	c := newCodec(t)
	got := roundTrip(t, c, types.Descriptor{Type: types.SQLVarying, Length: 40, Charset: types.CharsetUTF8}, "Příliš žluťoučký")
	assert.Equal(t, "Příliš žluťoučký", got)

	// CHAR(3) in UTF8 occupies 12 bytes.
	got = roundTrip(t, c, types.Descriptor{Type: types.SQLText, Length: 12, Charset: types.CharsetUTF8}, "ab")
	assert.Equal(t, "ab ", got)

	meta := types.NewMessageMetadata([]types.Descriptor{{Type: types.SQLVarying, Length: 3}})
	err := c.Pack(meta, meta.NewMessage(), 0, "abcd")
	require.Error(t, err)
	assert.True(t, dberrors.IsValueError(err))
	assert.Equal(t, "Value of parameter (0) is too long, expected 3, found 4", err.Error())
}

func TestCharsetTranscoding(t *testing.T) {
	c, err := New("WIN1250", 3)
	require.NoError(t, err)
	d := types.Descriptor{Type: types.SQLVarying, Length: 10, Charset: 51}
	meta := types.NewMessageMetadata([]types.Descriptor{d})
	msg := meta.NewMessage()
	require.NoError(t, c.Pack(meta, msg, 0, "čeština"))
	raw := meta.Value(msg, 0)
	assert.Equal(t, byte(7), raw[0])
	assert.Equal(t, byte(0xE8), raw[2])
	got, err := c.Unpack(meta, msg, 0)
	require.NoError(t, err)
	assert.Equal(t, "čeština", got)

	_, err = LookupCharset("KLINGON")
	assert.True(t, dberrors.IsInterfaceError(err))
}

func TestBooleanAndFloat(t *testing.T) {
	c := newCodec(t)
	assert.Equal(t, true, roundTrip(t, c, types.Descriptor{Type: types.SQLBoolean}, true))
	assert.Equal(t, 1.5, roundTrip(t, c, types.Descriptor{Type: types.SQLDouble}, 1.5))
	assert.Equal(t, float64(float32(0.1)), roundTrip(t, c, types.Descriptor{Type: types.SQLFloat}, float32(0.1)))
}

func TestDecfloatNotSupported(t *testing.T) {
	c := newCodec(t)
	meta := types.NewMessageMetadata([]types.Descriptor{{Type: types.SQLDec34}})
	err := c.Pack(meta, meta.NewMessage(), 0, decimal.NewFromInt(1))
	assert.True(t, dberrors.IsNotSupported(err))
}

func TestIsStringParam(t *testing.T) {
	assert.True(t, IsStringParam("x", types.SQLLong))
	assert.True(t, IsStringParam(12, types.SQLVarying))
	assert.False(t, IsStringParam("x", types.SQLBlob))
	assert.False(t, IsStringParam(12, types.SQLLong))
}

func TestArrays(t *testing.T) {
	c := newCodec(t)
	desc := &types.ArrayDesc{
		ElemType:   types.SQLLong,
		ElemLength: 4,
		Bounds:     []types.ArrayBound{{Lower: 1, Upper: 2}, {Lower: -1, Upper: 1}},
	}
	value := [][]int{{1, 2, 3}, {4, 5, 6}}
	data, err := c.EncodeArray(desc, value)
	require.NoError(t, err)
	assert.Len(t, data, 24)

	got, err := c.DecodeArray(desc, data)
	require.NoError(t, err)
	want := []any{
		[]any{int64(1), int64(2), int64(3)},
		[]any{int64(4), int64(5), int64(6)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("array mismatch (-want +got):\n%s", diff)
	}
}

func TestArrayShapeErrors(t *testing.T) {
	c := newCodec(t)
	desc := &types.ArrayDesc{
		ElemType:   types.SQLVarying,
		ElemLength: 5,
		Bounds:     []types.ArrayBound{{Lower: 0, Upper: 1}, {Lower: 0, Upper: 1}},
	}
	for name, v := range map[string]any{
		"short outer":   [][]string{{"a", "b"}},
		"short inner":   [][]string{{"a", "b"}, {"c"}},
		"too deep":      [][][]string{{{"a"}, {"b"}}, {{"c"}, {"d"}}},
		"wrong leaf":    [][]any{{"a", 1}, {"c", "d"}},
		"not a list":    "abcd",
		"value too big": [][]string{{"a", "b"}, {"c", "dddddd"}},
	} {
		_, err := c.EncodeArray(desc, v)
		require.Error(t, err, name)
		assert.True(t, dberrors.IsValueError(err), name)
		assert.Contains(t, err.Error(), "Incorrect ARRAY field value.", name)
	}

	data, err := c.EncodeArray(desc, [][]string{{"a", "b"}, {"c", "dd"}})
	require.NoError(t, err)
	got, err := c.DecodeArray(desc, data)
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{"a", "b"}, []any{"c", "dd"}}, got)
}
