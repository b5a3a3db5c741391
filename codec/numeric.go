package codec

import (
	"encoding/binary"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

var (
	int128Min = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	int128Max = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	two128    = new(big.Int).Lsh(big.NewInt(1), 128)
)

func externalTypeName(d types.Descriptor) string {
	if d.IsFixedPoint() {
		switch d.SubType {
		case 1:
			return "NUMERIC"
		case 2:
			return "DECIMAL"
		}
		return "NUMERIC/DECIMAL"
	}
	switch d.Type {
	case types.SQLShort:
		return "SMALLINT"
	case types.SQLLong:
		return "INTEGER"
	case types.SQLInt64:
		return "BIGINT"
	case types.SQLInt128:
		return "INT128"
	}
	return "UNKNOWN"
}

func integerRange(t types.SQLDataType) (*big.Int, *big.Int) {
	switch t {
	case types.SQLShort:
		return big.NewInt(types.ShortMin), big.NewInt(types.ShortMax)
	case types.SQLLong:
		return big.NewInt(types.IntMin), big.NewInt(types.IntMax)
	case types.SQLInt64:
		return big.NewInt(math.MinInt64), big.NewInt(math.MaxInt64)
	}
	return int128Min, int128Max
}

// checkIntegerRange fails with the server's numeric overflow message when the
// scaled value does not fit the storage type.
func checkIntegerRange(v *big.Int, d types.Descriptor) error {
	lo, hi := integerRange(d.Type)
	if v.Cmp(lo) >= 0 && v.Cmp(hi) <= 0 {
		return nil
	}
	return dberrors.Valuef("numeric overflow: value %s\n(%s scaled for %d decimal places) is of\n"+
		"too great a magnitude to fit into its internal storage type %s,\nwhich has range [%s,%s].",
		v, externalTypeName(d), d.Scale, d.Type, lo, hi)
}

// toDecimal converts the accepted numeric Go values.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, true
	case *decimal.Decimal:
		return *x, true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int8:
		return decimal.NewFromInt(int64(x)), true
	case int16:
		return decimal.NewFromInt(int64(x)), true
	case int32:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case uint:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(x)), 0), true
	case uint8:
		return decimal.NewFromInt(int64(x)), true
	case uint16:
		return decimal.NewFromInt(int64(x)), true
	case uint32:
		return decimal.NewFromInt(int64(x)), true
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(x), 0), true
	case float32:
		return decimal.NewFromFloat32(x), true
	case float64:
		return decimal.NewFromFloat(x), true
	case *big.Int:
		return decimal.NewFromBigInt(x, 0), true
	}
	return decimal.Decimal{}, false
}

// scaledInteger returns the integer stored for a numeric value.
func (c *Codec) scaledInteger(d types.Descriptor, v any) (*big.Int, error) {
	dec, ok := toDecimal(v)
	if !ok {
		if d.IsFixedPoint() {
			return nil, dberrors.Typef("Objects of type %T are not acceptable input for a fixed-point column.", v)
		}
		return nil, dberrors.Typef("Objects of type %T are not acceptable input for a %s column.", v, externalTypeName(d))
	}
	places := int32(-d.Scale)
	if !dec.Equal(dec.Truncate(places)) {
		if !c.RoundDecimals {
			if d.IsFixedPoint() {
				return nil, dberrors.Dataf("value %s has more fractional digits than %s scaled for %d decimal places allows",
					dec, externalTypeName(d), d.Scale)
			}
			return nil, dberrors.Dataf("value %s is not an integer", dec)
		}
		dec = dec.Round(places)
	}
	return dec.Shift(places).BigInt(), nil
}

func (c *Codec) encodeInteger(d types.Descriptor, dst []byte, v any) error {
	n, err := c.scaledInteger(d, v)
	if err != nil {
		return err
	}
	if err := checkIntegerRange(n, d); err != nil {
		return err
	}
	switch d.Type {
	case types.SQLShort:
		binary.LittleEndian.PutUint16(dst, uint16(int16(n.Int64())))
	case types.SQLLong:
		binary.LittleEndian.PutUint32(dst, uint32(int32(n.Int64())))
	case types.SQLInt64:
		binary.LittleEndian.PutUint64(dst, uint64(n.Int64()))
	case types.SQLInt128:
		PutInt128(dst, n)
	}
	return nil
}

func (c *Codec) decodeInteger(d types.Descriptor, src []byte) any {
	var n int64
	switch d.Type {
	case types.SQLShort:
		n = int64(int16(binary.LittleEndian.Uint16(src)))
	case types.SQLLong:
		n = int64(int32(binary.LittleEndian.Uint32(src)))
	case types.SQLInt64:
		n = int64(binary.LittleEndian.Uint64(src))
	case types.SQLInt128:
		b := GetInt128(src)
		if d.IsFixedPoint() {
			return decimal.NewFromBigInt(b, int32(d.Scale))
		}
		return b
	}
	if d.IsFixedPoint() {
		return decimal.New(n, int32(d.Scale))
	}
	return n
}

// PutInt128 writes a 16-byte little-endian two's complement integer.
func PutInt128(dst []byte, v *big.Int) {
	u := new(big.Int).Set(v)
	if u.Sign() < 0 {
		u.Add(u, two128)
	}
	be := u.FillBytes(make([]byte, 16))
	for i := 0; i < 16; i++ {
		dst[i] = be[15-i]
	}
}

// GetInt128 reads a 16-byte little-endian two's complement integer.
func GetInt128(src []byte) *big.Int {
	be := make([]byte, 16)
	for i := 0; i < 16; i++ {
		be[i] = src[15-i]
	}
	v := new(big.Int).SetBytes(be)
	if src[15]&0x80 != 0 {
		v.Sub(v, two128)
	}
	return v
}

// FormatInt128 renders a stored INT128 with its scale.
func FormatInt128(src []byte, scale int) string {
	return decimal.NewFromBigInt(GetInt128(src), int32(scale)).String()
}

func (c *Codec) encodeFloat(d types.Descriptor, dst []byte, v any) error {
	var f float64
	switch x := v.(type) {
	case float32:
		f = float64(x)
	case float64:
		f = x
	case decimal.Decimal:
		f = x.InexactFloat64()
	default:
		dec, ok := toDecimal(v)
		if !ok {
			return dberrors.Typef("Objects of type %T are not acceptable input for a %s column.", v, strings.ToLower(d.Type.String()))
		}
		f = dec.InexactFloat64()
	}
	if d.Type == types.SQLFloat {
		if !math.IsInf(f, 0) && math.Abs(f) > math.MaxFloat32 {
			return dberrors.Valuef("value %v does not fit into FLOAT", f)
		}
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(f)))
		return nil
	}
	binary.LittleEndian.PutUint64(dst, math.Float64bits(f))
	return nil
}

func decodeFloat(d types.Descriptor, src []byte) any {
	if d.Type == types.SQLFloat {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(src)))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(src))
}

func notSupported(t types.SQLDataType) error {
	return dberrors.NotSupportedf("%s values are not supported", t)
}
