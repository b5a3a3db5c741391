package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageLayout(t *testing.T) {
	meta := NewMessageMetadata([]Descriptor{
		{Field: "C1", Type: SQLShort},
		{Field: "C2", Type: SQLInt64},
		{Field: "C3", Type: SQLVarying, Length: 5},
		{Field: "C4", Type: SQLBoolean},
		{Field: "C5", Type: SQLTimestampTZ},
	})
	require.Equal(t, 5, meta.Count())

	assert.Equal(t, 0, meta.Fields[0].Offset)
	assert.Equal(t, 2, meta.Fields[0].NullOffset)
	assert.Equal(t, 8, meta.Fields[1].Offset)
	assert.Equal(t, 16, meta.Fields[1].NullOffset)
	assert.Equal(t, 18, meta.Fields[2].Offset)
	assert.Equal(t, 26, meta.Fields[2].NullOffset)
	assert.Equal(t, 28, meta.Fields[3].Offset)
	assert.Equal(t, 30, meta.Fields[3].NullOffset)
	assert.Equal(t, 32, meta.Fields[4].Offset)
	assert.Equal(t, 12, meta.Fields[4].Length)
	assert.Equal(t, 44, meta.Fields[4].NullOffset)
	assert.Equal(t, 46, meta.Length)
}

func TestWithFieldRelaysOut(t *testing.T) {
	meta := NewMessageMetadata([]Descriptor{
		{Field: "A", Type: SQLLong},
		{Field: "B", Type: SQLLong},
	})
	coerced := meta.WithField(0, Descriptor{Field: "A", Type: SQLVarying, Length: 10})
	assert.Equal(t, SQLLong, meta.Fields[0].Type)
	assert.Equal(t, SQLVarying, coerced.Fields[0].Type)
	assert.Equal(t, 12, coerced.Fields[0].NullOffset)
	assert.Equal(t, 16, coerced.Fields[1].Offset)
}

func TestNullIndicator(t *testing.T) {
	meta := NewMessageMetadata([]Descriptor{{Field: "A", Type: SQLLong, Nullable: true}})
	msg := meta.NewMessage()
	assert.False(t, meta.IsNull(msg, 0))
	meta.SetNull(msg, 0, true)
	assert.True(t, meta.IsNull(msg, 0))
}

func TestArrayDesc(t *testing.T) {
	desc := &ArrayDesc{ElemType: SQLVarying, ElemLength: 4, Bounds: []ArrayBound{{Lower: -1, Upper: 1}, {Lower: 3, Upper: 6}}}
	assert.Equal(t, []int{3, 4}, desc.Dimensions())
	assert.Equal(t, 12, desc.ElementCount())
	assert.Equal(t, 6, desc.SlotSize())
}

func TestDescriptorName(t *testing.T) {
	assert.Equal(t, "ALIAS", Descriptor{Field: "F", Alias: "ALIAS"}.Name())
	assert.Equal(t, "F", Descriptor{Field: "F", Alias: "F"}.Name())
	assert.Equal(t, "COUNT", Descriptor{Alias: "COUNT"}.Name())
}

func TestQuad(t *testing.T) {
	q := Quad(1<<32 | 7)
	assert.Equal(t, q, QuadFromBytes(q.Bytes()))
	assert.Equal(t, "1:7", q.String())
}
