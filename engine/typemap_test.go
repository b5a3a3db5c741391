package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/fbdriver/types"
)

func TestDescribeDecl(t *testing.T) {
	cs := utf8Charset(t)
	tests := []struct {
		decl string
		want types.Descriptor
	}{
		{"integer", types.Descriptor{Type: types.SQLLong, Length: 4}},
		{"BIGINT", types.Descriptor{Type: types.SQLInt64, Length: 8}},
		{"NUMERIC(4, 1)", types.Descriptor{Type: types.SQLShort, Length: 2, Scale: -1, SubType: 1}},
		{"DECIMAL(18,4)", types.Descriptor{Type: types.SQLInt64, Length: 8, Scale: -4, SubType: 2}},
		{"NUMERIC(30, 2)", types.Descriptor{Type: types.SQLInt128, Length: 16, Scale: -2, SubType: 1}},
		{"VARCHAR(10)", types.Descriptor{Type: types.SQLVarying, Length: 40, Charset: types.CharsetUTF8}},
		{"char(3)", types.Descriptor{Type: types.SQLText, Length: 12, Charset: types.CharsetUTF8}},
		{"VARBINARY(16)", types.Descriptor{Type: types.SQLVarying, Length: 16, Charset: types.CharsetOctets}},
		{"double  precision", types.Descriptor{Type: types.SQLDouble, Length: 8}},
		{"TIMESTAMP WITH TIME ZONE", types.Descriptor{Type: types.SQLTimestampTZ, Length: types.SQLTimestampTZ.FixedLength()}},
		{"BLOB SUB_TYPE TEXT", types.Descriptor{Type: types.SQLBlob, Length: 8, SubType: 1, Charset: types.CharsetUTF8}},
		{"BLOB", types.Descriptor{Type: types.SQLBlob, Length: 8}},
	}
	for _, tc := range tests {
		t.Run(tc.decl, func(t *testing.T) {
			got, ok := describeDecl(tc.decl, cs)
			require.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}
	for _, decl := range []string{"", "GEOMETRY", "VARCHAR(x)"} {
		_, ok := describeDecl(decl, cs)
		assert.False(t, ok, decl)
	}
}

func TestArrayTypeNames(t *testing.T) {
	cs := utf8Charset(t)
	desc := &types.ArrayDesc{
		ElemType:   types.SQLInt64,
		ElemLength: 8,
		Scale:      -2,
		SubType:    1,
		Bounds:     []types.ArrayBound{{Lower: 0, Upper: 1}, {Lower: 1, Upper: 3}},
	}
	name := encodeArrayType(desc)
	assert.Equal(t, "FBARRAY_580_8_N2_1_0_0_1_1_3", name)
	parsed, err := parseArrayType(name)
	require.NoError(t, err)
	assert.Equal(t, desc, parsed)

	d, ok := describeDecl(name, cs)
	require.True(t, ok)
	assert.Equal(t, types.SQLArray, d.Type)
	assert.Equal(t, desc, d.Array)

	_, err = parseArrayType("FBARRAY_580_8")
	assert.Error(t, err)

	sql, err := rewriteArrayColumns("CREATE TABLE a (id INTEGER, v NUMERIC(18,2)[0:1, 3])", cs)
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE a (id INTEGER, v "+name+")", sql)

	_, err = rewriteArrayColumns("CREATE TABLE a (v INTEGER[3:1])", cs)
	assert.Error(t, err)
}
