package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tomyedwab/fbdriver/codec"
	"github.com/tomyedwab/fbdriver/types"
)

// maxVarying is the byte length given to text values of unknown size.
const maxVarying = 32765

const arrayTypePrefix = "FBARRAY_"

var declPattern = regexp.MustCompile(`^([A-Z_][A-Z0-9_ ]*)\s*(?:\(\s*(\d+)\s*(?:,\s*(\d+)\s*)?\))?\s*([A-Z_ ]*)$`)

// describeDecl maps a declared column type to a descriptor. Text lengths are
// in bytes of the attachment character set.
func describeDecl(decl string, cs *codec.Charset) (types.Descriptor, bool) {
	decl = strings.Join(strings.Fields(strings.ToUpper(decl)), " ")
	if decl == "" {
		return types.Descriptor{}, false
	}
	if strings.HasPrefix(decl, arrayTypePrefix) {
		desc, err := parseArrayType(decl)
		if err != nil {
			return types.Descriptor{}, false
		}
		return types.Descriptor{Type: types.SQLArray, Length: 8, Array: desc}, true
	}
	m := declPattern.FindStringSubmatch(decl)
	if m == nil {
		return types.Descriptor{}, false
	}
	name := strings.TrimSpace(m[1] + " " + m[4])
	var args []int
	for _, s := range m[2:4] {
		if s != "" {
			n, _ := strconv.Atoi(s)
			args = append(args, n)
		}
	}
	arg := func(i, def int) int {
		if i < len(args) {
			return args[i]
		}
		return def
	}
	d := types.Descriptor{}
	switch name {
	case "SMALLINT":
		d.Type = types.SQLShort
	case "INTEGER", "INT":
		d.Type = types.SQLLong
	case "BIGINT":
		d.Type = types.SQLInt64
	case "INT128":
		d.Type = types.SQLInt128
	case "NUMERIC", "DECIMAL":
		precision, scale := arg(0, 18), arg(1, 0)
		switch {
		case precision <= 4:
			d.Type = types.SQLShort
		case precision <= 9:
			d.Type = types.SQLLong
		case precision <= 18:
			d.Type = types.SQLInt64
		default:
			d.Type = types.SQLInt128
		}
		d.Scale = -scale
		d.SubType = 1
		if name == "DECIMAL" {
			d.SubType = 2
		}
	case "FLOAT", "REAL":
		d.Type = types.SQLFloat
	case "DOUBLE", "DOUBLE PRECISION":
		d.Type = types.SQLDouble
	case "CHAR", "CHARACTER", "NCHAR":
		d.Type = types.SQLText
		d.Charset = cs.ID
		d.Length = arg(0, 1) * cs.BytesPerChar
	case "VARCHAR", "CHAR VARYING", "CHARACTER VARYING", "NVARCHAR":
		d.Type = types.SQLVarying
		d.Charset = cs.ID
		d.Length = arg(0, maxVarying/cs.BytesPerChar) * cs.BytesPerChar
	case "BINARY":
		d.Type = types.SQLText
		d.Charset = types.CharsetOctets
		d.Length = arg(0, 1)
	case "VARBINARY":
		d.Type = types.SQLVarying
		d.Charset = types.CharsetOctets
		d.Length = arg(0, maxVarying)
	case "DATE":
		d.Type = types.SQLDate
	case "TIME", "TIME WITHOUT TIME ZONE":
		d.Type = types.SQLTime
	case "TIMESTAMP", "TIMESTAMP WITHOUT TIME ZONE", "DATETIME":
		d.Type = types.SQLTimestamp
	case "TIME WITH TIME ZONE":
		d.Type = types.SQLTimeTZ
	case "TIMESTAMP WITH TIME ZONE":
		d.Type = types.SQLTimestampTZ
	case "BOOLEAN":
		d.Type = types.SQLBoolean
	case "BLOB", "BLOB SUB_TYPE BINARY":
		d.Type = types.SQLBlob
	case "BLOB SUB_TYPE TEXT", "TEXT", "CLOB":
		d.Type = types.SQLBlob
		d.SubType = 1
		d.Charset = cs.ID
	default:
		return types.Descriptor{}, false
	}
	if n := d.Type.FixedLength(); n > 0 {
		d.Length = n
	}
	return d, true
}

// encodeArrayType renders an array descriptor as a single SQLite type
// identifier: FBARRAY_type_length_scale_subtype_charset_lo_hi[_lo_hi...].
func encodeArrayType(desc *types.ArrayDesc) string {
	num := func(n int) string {
		if n < 0 {
			return "N" + strconv.Itoa(-n)
		}
		return strconv.Itoa(n)
	}
	parts := []string{
		num(int(desc.ElemType)), num(desc.ElemLength), num(desc.Scale), num(desc.SubType), num(desc.Charset),
	}
	for _, b := range desc.Bounds {
		parts = append(parts, num(b.Lower), num(b.Upper))
	}
	return arrayTypePrefix + strings.Join(parts, "_")
}

func parseArrayType(decl string) (*types.ArrayDesc, error) {
	fields := strings.Split(strings.TrimPrefix(decl, arrayTypePrefix), "_")
	if len(fields) < 7 || (len(fields)-5)%2 != 0 {
		return nil, fmt.Errorf("engine: malformed array type %s", decl)
	}
	nums := make([]int, len(fields))
	for i, f := range fields {
		neg := strings.HasPrefix(f, "N")
		n, err := strconv.Atoi(strings.TrimPrefix(f, "N"))
		if err != nil {
			return nil, fmt.Errorf("engine: malformed array type %s", decl)
		}
		if neg {
			n = -n
		}
		nums[i] = n
	}
	desc := &types.ArrayDesc{
		ElemType:   types.SQLDataType(nums[0]),
		ElemLength: nums[1],
		Scale:      nums[2],
		SubType:    nums[3],
		Charset:    nums[4],
	}
	for i := 5; i < len(nums); i += 2 {
		desc.Bounds = append(desc.Bounds, types.ArrayBound{Lower: nums[i], Upper: nums[i+1]})
	}
	return desc, nil
}

var arrayDeclPattern = regexp.MustCompile(`(?i)\b(SMALLINT|INTEGER|INT|BIGINT|INT128|BOOLEAN|DATE|REAL|FLOAT|DOUBLE\s+PRECISION|` +
	`TIMESTAMP(?:\s+WITH(?:OUT)?\s+TIME\s+ZONE)?|TIME(?:\s+WITH(?:OUT)?\s+TIME\s+ZONE)?|` +
	`(?:NUMERIC|DECIMAL)\s*\(\s*\d+\s*(?:,\s*\d+\s*)?\)|(?:CHAR|VARCHAR|BINARY|VARBINARY)\s*\(\s*\d+\s*\))\s*\[([-\d\s:,]+)\]`)

// rewriteArrayColumns replaces "type[bounds]" column declarations with the
// encoded array type. A bound written as n means 1:n.
func rewriteArrayColumns(sql string, cs *codec.Charset) (string, error) {
	var firstErr error
	out := arrayDeclPattern.ReplaceAllStringFunc(sql, func(match string) string {
		m := arrayDeclPattern.FindStringSubmatch(match)
		elem, ok := describeDecl(m[1], cs)
		if !ok {
			firstErr = fmt.Errorf("engine: unsupported array element type %s", m[1])
			return match
		}
		desc := &types.ArrayDesc{
			ElemType:   elem.Type,
			ElemLength: elem.Length,
			Scale:      elem.Scale,
			SubType:    elem.SubType,
			Charset:    elem.Charset,
		}
		for _, dim := range strings.Split(m[2], ",") {
			lo, hi, ranged := strings.Cut(strings.TrimSpace(dim), ":")
			var b types.ArrayBound
			var err1, err2 error
			if ranged {
				b.Lower, err1 = strconv.Atoi(strings.TrimSpace(lo))
				b.Upper, err2 = strconv.Atoi(strings.TrimSpace(hi))
			} else {
				b.Lower = 1
				b.Upper, err1 = strconv.Atoi(strings.TrimSpace(lo))
			}
			if err1 != nil || err2 != nil || b.Upper < b.Lower {
				firstErr = fmt.Errorf("engine: invalid array dimension %q", dim)
				return match
			}
			desc.Bounds = append(desc.Bounds, b)
		}
		return encodeArrayType(desc)
	})
	return out, firstErr
}
