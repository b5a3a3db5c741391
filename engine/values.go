package engine

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tomyedwab/fbdriver/codec"
	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

// Text layouts of temporal values in SQLite. Parsing uses the layouts without
// fractions, which accept any number of fractional digits.
const (
	dateLayout      = "2006-01-02"
	timeLayout      = "15:04:05.0000"
	timestampLayout = "2006-01-02 15:04:05.0000"

	timeParseLayout      = "15:04:05"
	timestampParseLayout = "2006-01-02 15:04:05"
)

// maxExactDigits is the number of significant digits a REAL keeps exactly.
const maxExactDigits = 15

// bindValue converts a decoded parameter into the value SQLite stores. The
// descriptor is the one the client packed the parameter with.
func bindValue(d types.Descriptor, v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string, []byte:
		return x, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case *big.Int:
		if x.IsInt64() {
			return x.Int64(), nil
		}
		return []byte(x.String()), nil
	case decimal.Decimal:
		return storeDecimal(x), nil
	case time.Time:
		switch d.Type {
		case types.SQLDate:
			return x.Format(dateLayout), nil
		case types.SQLTime:
			return x.Format(timeLayout), nil
		}
		return x.Format(timestampLayout), nil
	case codec.ZonedTime:
		return formatZoned(d.Type, x), nil
	case types.Quad:
		return int64(x), nil
	}
	return nil, dberrors.Typef("unsupported parameter value of type %T", v)
}

// storeDecimal keeps the decimal value exact: integers as INTEGER, short
// fractions as REAL, anything longer as text in a BLOB so column affinity
// does not round it.
func storeDecimal(x decimal.Decimal) any {
	if x.IsInteger() {
		if n := x.BigInt(); n.IsInt64() {
			return n.Int64()
		}
	}
	digits := len(new(big.Int).Abs(x.Coefficient()).String())
	if digits <= maxExactDigits {
		f, _ := x.Float64()
		return f
	}
	return []byte(x.String())
}

func formatZoned(t types.SQLDataType, z codec.ZonedTime) string {
	zone := z.Zone
	if zone == "" {
		_, offset := z.Time.Zone()
		sign := '+'
		if offset < 0 {
			sign, offset = '-', -offset
		}
		zone = fmt.Sprintf("%c%02d:%02d", sign, offset/3600, offset/60%60)
	}
	if t == types.SQLTimeTZ {
		return z.Time.UTC().Format(timeLayout) + " " + zone
	}
	return z.Time.UTC().Format(timestampLayout) + " " + zone
}

func parseZoned(t types.SQLDataType, s string) (codec.ZonedTime, error) {
	i := strings.LastIndex(s, " ")
	if i < 0 {
		return codec.ZonedTime{}, conversionError(s)
	}
	layout := timestampParseLayout
	if t == types.SQLTimeTZ {
		layout = timeParseLayout
	}
	utc, err := time.Parse(layout, s[:i])
	if err != nil {
		return codec.ZonedTime{}, conversionError(s)
	}
	if t == types.SQLTimeTZ {
		h, m, sec := utc.Clock()
		utc = time.Date(2020, 1, 1, h, m, sec, utc.Nanosecond(), time.UTC)
	}
	return codec.ZonedTime{Time: utc, Zone: s[i+1:]}, nil
}

func conversionError(v any) error {
	return serverError("22018", -413, gdsConversionError,
		fmt.Sprintf("conversion error from string \"%v\"", v), nil)
}

func truncationError(n, max int) error {
	return serverError("22001", -802, gdsTruncation,
		fmt.Sprintf("arithmetic exception, numeric overflow, or string truncation\n-string right truncation\n-expected length %d, actual %d", max, n), nil)
}

func asDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case int64:
		return decimal.NewFromInt(x), nil
	case float64:
		return decimal.NewFromFloat(x), nil
	case bool:
		if x {
			return decimal.NewFromInt(1), nil
		}
		return decimal.Zero, nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return decimal.Decimal{}, conversionError(x)
		}
		return d, nil
	case []byte:
		return asDecimal(string(x))
	}
	return decimal.Decimal{}, conversionError(v)
}

func asText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case time.Time:
		return x.Format(timestampLayout)
	}
	return fmt.Sprint(v)
}

func asTime(v any, layout string) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		for _, l := range []string{layout, timestampParseLayout, dateLayout} {
			if t, err := time.Parse(l, strings.TrimSpace(x)); err == nil {
				return t, nil
			}
		}
	case []byte:
		return asTime(string(x), layout)
	}
	return time.Time{}, conversionError(v)
}

// outputValue converts a value read from SQLite into the Go value the codec
// packs for the descriptor. Text is returned already encoded in the
// attachment character set.
func (t *Transaction) outputValue(d types.Descriptor, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	cs := t.att.charset
	switch d.Type {
	case types.SQLText, types.SQLVarying:
		var b []byte
		if raw, ok := v.([]byte); ok && d.Charset == types.CharsetOctets {
			b = raw
		} else {
			var err error
			if b, err = cs.Encode(asText(v)); err != nil {
				return nil, dberrors.Wrap(dberrors.KindData, "cannot transliterate value", err)
			}
		}
		if d.Type == types.SQLText && d.Charset != types.CharsetOctets {
			b = []byte(strings.TrimRight(string(b), " "))
		}
		if len(b) > d.Length {
			return nil, truncationError(len(b), d.Length)
		}
		return b, nil
	case types.SQLShort, types.SQLLong, types.SQLInt64, types.SQLInt128:
		if n, ok := v.(int64); ok && !d.IsFixedPoint() {
			return n, nil
		}
		return asDecimal(v)
	case types.SQLFloat, types.SQLDouble:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		}
		dec, err := asDecimal(v)
		if err != nil {
			return nil, err
		}
		f, _ := dec.Float64()
		return f, nil
	case types.SQLBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		case float64:
			return x != 0, nil
		case string:
			switch strings.ToUpper(strings.TrimSpace(x)) {
			case "TRUE", "1":
				return true, nil
			case "FALSE", "0":
				return false, nil
			}
		}
		return nil, conversionError(v)
	case types.SQLDate:
		return asTime(v, dateLayout)
	case types.SQLTime:
		return asTime(v, timeParseLayout)
	case types.SQLTimestamp:
		return asTime(v, timestampParseLayout)
	case types.SQLTimestampTZ, types.SQLTimeTZ:
		return parseZoned(d.Type, asText(v))
	case types.SQLBlob:
		switch x := v.(type) {
		case int64:
			return types.Quad(uint64(x)), nil
		case []byte:
			return t.addTransientBlob(x), nil
		case string:
			b, err := cs.Encode(x)
			if err != nil {
				return nil, dberrors.Wrap(dberrors.KindData, "cannot transliterate value", err)
			}
			return t.addTransientBlob(b), nil
		}
		return t.addTransientBlob([]byte(asText(v))), nil
	case types.SQLArray:
		if n, ok := v.(int64); ok {
			return types.Quad(uint64(n)), nil
		}
		return nil, conversionError(v)
	}
	return nil, dberrors.NotSupportedf("unsupported data type %s", d.Type)
}

// sampleDecl guesses a declared type from a value of an expression column.
func sampleDecl(v any) string {
	switch x := v.(type) {
	case int64:
		return "BIGINT"
	case float64:
		if !math.IsInf(x, 0) {
			return "DOUBLE PRECISION"
		}
	case []byte:
		return fmt.Sprintf("VARBINARY(%d)", maxVarying)
	}
	return ""
}
