package types

import (
	"encoding/binary"
	"fmt"
)

// Quad is the 8-byte identifier of a BLOB or ARRAY value.
type Quad uint64

// Bytes returns the little-endian encoding of the id.
func (q Quad) Bytes() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(q))
	return b
}

// QuadFromBytes decodes an id written by Quad.Bytes.
func QuadFromBytes(b []byte) Quad {
	return Quad(binary.LittleEndian.Uint64(b))
}

func (q Quad) String() string {
	return fmt.Sprintf("%d:%d", uint32(q>>32), uint32(q))
}

// ArrayBound is an inclusive dimension range.
type ArrayBound struct {
	Lower int
	Upper int
}

// Extent returns the number of elements in the dimension.
func (b ArrayBound) Extent() int {
	return b.Upper - b.Lower + 1
}

// ArrayDesc describes the element type and shape of an ARRAY column.
type ArrayDesc struct {
	ElemType   SQLDataType
	ElemLength int
	Scale      int
	SubType    int
	Charset    int
	Bounds     []ArrayBound
}

// Dimensions returns the extent of every dimension.
func (a *ArrayDesc) Dimensions() []int {
	dims := make([]int, len(a.Bounds))
	for i, b := range a.Bounds {
		dims[i] = b.Extent()
	}
	return dims
}

// ElementCount is the product of all extents.
func (a *ArrayDesc) ElementCount() int {
	n := 1
	for _, b := range a.Bounds {
		n *= b.Extent()
	}
	return n
}

// SlotSize is the number of bytes one element occupies in a slice buffer.
func (a *ArrayDesc) SlotSize() int {
	if a.ElemType == SQLVarying {
		return a.ElemLength + 2
	}
	return a.ElemLength
}

// Descriptor describes one field of an input or output message.
type Descriptor struct {
	Field      string
	Relation   string
	Owner      string
	Alias      string
	Type       SQLDataType
	SubType    int
	Scale      int
	Length     int
	Charset    int
	Nullable   bool
	Offset     int
	NullOffset int
	Array      *ArrayDesc
}

// Name returns the alias when it differs from the field name.
func (d Descriptor) Name() string {
	if d.Alias != "" && d.Alias != d.Field {
		return d.Alias
	}
	if d.Field == "" {
		return d.Alias
	}
	return d.Field
}

// IsFixedPoint reports whether an integer field carries a decimal scale.
func (d Descriptor) IsFixedPoint() bool {
	switch d.Type {
	case SQLShort, SQLLong, SQLInt64, SQLInt128:
		return d.SubType != 0 || d.Scale != 0
	}
	return false
}

// IsText reports whether the field holds character data.
func (d Descriptor) IsText() bool {
	return d.Type == SQLText || d.Type == SQLVarying || (d.Type == SQLBlob && d.SubType == 1)
}

// StorageLength is the number of message bytes the field value occupies.
func (d Descriptor) StorageLength() int {
	if d.Type == SQLVarying {
		return d.Length + 2
	}
	if n := d.Type.FixedLength(); n > 0 {
		return n
	}
	return d.Length
}

// MessageMetadata is the computed layout of a message.
type MessageMetadata struct {
	Fields []Descriptor
	Length int
}

func align(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

// NewMessageMetadata lays out the fields in order. Every value is aligned for its
// type and followed by a 2-byte null indicator.
func NewMessageMetadata(fields []Descriptor) *MessageMetadata {
	m := &MessageMetadata{Fields: make([]Descriptor, len(fields))}
	copy(m.Fields, fields)
	offset := 0
	for i := range m.Fields {
		f := &m.Fields[i]
		if n := f.Type.FixedLength(); n > 0 && f.Type != SQLBlob && f.Type != SQLArray {
			f.Length = n
		}
		if f.Type == SQLBlob || f.Type == SQLArray {
			f.Length = 8
		}
		offset = align(offset, f.Type.Alignment())
		f.Offset = offset
		offset += f.StorageLength()
		offset = align(offset, 2)
		f.NullOffset = offset
		offset += 2
	}
	m.Length = offset
	return m
}

// Count returns the number of fields.
func (m *MessageMetadata) Count() int {
	return len(m.Fields)
}

// WithField returns a new layout with field i replaced.
func (m *MessageMetadata) WithField(i int, d Descriptor) *MessageMetadata {
	fields := make([]Descriptor, len(m.Fields))
	copy(fields, m.Fields)
	fields[i] = d
	return NewMessageMetadata(fields)
}

// NewMessage allocates a zeroed buffer for the layout.
func (m *MessageMetadata) NewMessage() []byte {
	return make([]byte, m.Length)
}

// IsNull reads the null indicator of field i.
func (m *MessageMetadata) IsNull(msg []byte, i int) bool {
	off := m.Fields[i].NullOffset
	return binary.LittleEndian.Uint16(msg[off:]) != 0
}

// SetNull writes the null indicator of field i.
func (m *MessageMetadata) SetNull(msg []byte, i int, null bool) {
	var v uint16
	if null {
		v = 1
	}
	binary.LittleEndian.PutUint16(msg[m.Fields[i].NullOffset:], v)
}

// Value returns the bytes of field i.
func (m *MessageMetadata) Value(msg []byte, i int) []byte {
	f := m.Fields[i]
	return msg[f.Offset : f.Offset+f.StorageLength()]
}
