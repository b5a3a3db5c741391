// Package buffer implements the tagged parameter buffers passed on attach,
// transaction start, service start and BLOB open.
package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

// ErrInvalidFieldValue is wrapped by every encode-time range failure.
var ErrInvalidFieldValue = errors.New("InvalidFieldValue")

// Kind is the payload encoding of a tag.
type Kind int

const (
	KindFlag Kind = iota
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindString
	KindBytes
	// KindReservation is the TPB table reservation: name with a 2-byte length
	// followed by the share mode byte.
	KindReservation
)

func (k Kind) String() string {
	switch k {
	case KindFlag:
		return "flag"
	case KindInt8:
		return "int8"
	case KindInt16:
		return "int16"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindReservation:
		return "reservation"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) width() int {
	switch k {
	case KindInt8:
		return 1
	case KindInt16:
		return 2
	case KindInt32:
		return 4
	case KindInt64:
		return 8
	}
	return 0
}

// Layout declares the tags of one buffer family.
type Layout struct {
	Name string
	// Version is the leading byte. A zero version means the caller supplies
	// the leading byte, as a service start buffer does with its action.
	Version     byte
	DefaultKind Kind
	Tags        map[byte]Kind
}

// KindOf returns the declared kind of a tag or the layout default.
func (l *Layout) KindOf(tag byte) Kind {
	if k, ok := l.Tags[tag]; ok {
		return k
	}
	return l.DefaultKind
}

// Item is one decoded tag. Int holds integer payloads and the share mode of a
// reservation. Data holds string, bytes and reservation name payloads.
type Item struct {
	Tag  byte
	Kind Kind
	Int  int64
	Data []byte
}

// String returns the payload as a string.
func (i Item) String() string {
	return string(i.Data)
}

// Buffer is an ordered list of items with its leading byte.
type Buffer struct {
	layout *Layout
	header byte
	items  []Item
}

// New returns an empty buffer for the layout.
func New(layout *Layout) *Buffer {
	return &Buffer{layout: layout, header: layout.Version}
}

// NewStart returns an empty service start buffer for the action.
func NewStart(action types.ServerAction) *Buffer {
	return &Buffer{layout: SPBStartLayout, header: byte(action)}
}

// Header returns the leading byte.
func (b *Buffer) Header() byte {
	return b.header
}

// Items returns the items in insertion order.
func (b *Buffer) Items() []Item {
	return b.items
}

// Find returns the first item with the tag.
func (b *Buffer) Find(tag byte) (Item, bool) {
	for _, it := range b.items {
		if it.Tag == tag {
			return it, true
		}
	}
	return Item{}, false
}

// Has reports whether the tag is present.
func (b *Buffer) Has(tag byte) bool {
	_, ok := b.Find(tag)
	return ok
}

// InsertTag appends a flag item.
func (b *Buffer) InsertTag(tag byte) {
	b.items = append(b.items, Item{Tag: tag, Kind: KindFlag})
}

// InsertInt appends an integer item using the declared width of the tag. Tags
// without an integer declaration are written as 32-bit values.
func (b *Buffer) InsertInt(tag byte, value int64) error {
	kind := b.layout.KindOf(tag)
	if kind.width() == 0 {
		kind = KindInt32
	}
	item := Item{Tag: tag, Kind: kind, Int: value}
	if err := checkRange(b.layout, item); err != nil {
		return err
	}
	b.items = append(b.items, item)
	return nil
}

// InsertBigInt appends a 64-bit integer item.
func (b *Buffer) InsertBigInt(tag byte, value int64) {
	b.items = append(b.items, Item{Tag: tag, Kind: KindInt64, Int: value})
}

// InsertString appends a length-prefixed string item.
func (b *Buffer) InsertString(tag byte, value string) error {
	return b.insertData(tag, KindString, []byte(value))
}

// InsertBytes appends a length-prefixed opaque item.
func (b *Buffer) InsertBytes(tag byte, value []byte) error {
	return b.insertData(tag, KindBytes, value)
}

// InsertReservation appends a TPB table reservation.
func (b *Buffer) InsertReservation(access types.TableAccessMode, name string, share types.TableShareMode) error {
	return b.insertItem(Item{Tag: byte(access), Kind: KindReservation, Int: int64(share), Data: []byte(name)})
}

func (b *Buffer) insertData(tag byte, kind Kind, value []byte) error {
	if declared := b.layout.KindOf(tag); declared == KindString || declared == KindBytes {
		kind = declared
	}
	return b.insertItem(Item{Tag: tag, Kind: kind, Data: append([]byte(nil), value...)})
}

func (b *Buffer) insertItem(item Item) error {
	if len(item.Data) > math.MaxUint16 {
		return dberrors.Wrap(dberrors.KindValue,
			fmt.Sprintf("%s tag %d: value of %d bytes exceeds the item size limit", b.layout.Name, item.Tag, len(item.Data)),
			ErrInvalidFieldValue)
	}
	b.items = append(b.items, item)
	return nil
}

// Bytes returns the encoded buffer.
func (b *Buffer) Bytes() []byte {
	out := []byte{b.header}
	for _, it := range b.items {
		// Items were range checked on insert.
		enc, _ := encodeItem(b.layout, it)
		out = append(out, enc...)
	}
	return out
}

func checkRange(layout *Layout, item Item) error {
	var lo, hi int64
	switch item.Kind {
	case KindInt8:
		lo, hi = 0, math.MaxUint8
	case KindInt16:
		lo, hi = math.MinInt16, math.MaxInt16
	case KindInt32:
		lo, hi = math.MinInt32, math.MaxInt32
	default:
		return nil
	}
	if item.Int < lo || item.Int > hi {
		return dberrors.Wrap(dberrors.KindValue,
			fmt.Sprintf("%s tag %d: value %d does not fit into %s", layout.Name, item.Tag, item.Int, item.Kind),
			ErrInvalidFieldValue)
	}
	return nil
}

// EncodeItem encodes one tag with the kind declared for it by the layout. A
// value that does not match the declared kind is rejected: flags take nil,
// integer tags take integers or bools, and string and bytes tags take
// strings or byte slices.
func EncodeItem(layout *Layout, tag byte, value any) ([]byte, error) {
	item := Item{Tag: tag, Kind: layout.KindOf(tag)}
	mismatch := func() error {
		return dberrors.Wrap(dberrors.KindValue,
			fmt.Sprintf("%s tag %d: %s value expected, got %T", layout.Name, tag, item.Kind, value), ErrInvalidFieldValue)
	}
	switch item.Kind {
	case KindFlag:
		if value != nil {
			return nil, mismatch()
		}
	case KindInt8, KindInt16, KindInt32, KindInt64:
		switch v := value.(type) {
		case int:
			item.Int = int64(v)
		case int32:
			item.Int = int64(v)
		case int64:
			item.Int = v
		case bool:
			if v {
				item.Int = 1
			}
		default:
			return nil, mismatch()
		}
	case KindString, KindBytes:
		switch v := value.(type) {
		case string:
			item.Data = []byte(v)
		case []byte:
			item.Data = v
		default:
			return nil, mismatch()
		}
	default:
		return nil, mismatch()
	}
	return encodeItem(layout, item)
}

func encodeItem(layout *Layout, item Item) ([]byte, error) {
	if err := checkRange(layout, item); err != nil {
		return nil, err
	}
	out := []byte{item.Tag}
	switch item.Kind {
	case KindFlag:
	case KindInt8:
		out = append(out, byte(item.Int))
	case KindInt16:
		out = binary.LittleEndian.AppendUint16(out, uint16(item.Int))
	case KindInt32:
		out = binary.LittleEndian.AppendUint32(out, uint32(item.Int))
	case KindInt64:
		out = binary.LittleEndian.AppendUint64(out, uint64(item.Int))
	case KindString, KindBytes, KindReservation:
		if len(item.Data) > math.MaxUint16 {
			return nil, dberrors.Wrap(dberrors.KindValue,
				fmt.Sprintf("%s tag %d: value too long", layout.Name, item.Tag), ErrInvalidFieldValue)
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(len(item.Data)))
		out = append(out, item.Data...)
		if item.Kind == KindReservation {
			out = append(out, byte(item.Int))
		}
	}
	return out, nil
}

// Parse decodes a complete buffer including its leading byte.
func Parse(layout *Layout, data []byte) (*Buffer, error) {
	if len(data) == 0 {
		return nil, dberrors.Valuef("%s: empty buffer", layout.Name)
	}
	if layout.Version != 0 && data[0] != layout.Version {
		return nil, dberrors.Valuef("%s: unsupported buffer version %d", layout.Name, data[0])
	}
	items, err := decodeItems(layout, data[1:])
	if err != nil {
		return nil, err
	}
	return &Buffer{layout: layout, header: data[0], items: items}, nil
}

// Decode returns the items of an encoded buffer in order. Unknown tags are
// decoded with the layout's default kind and kept as opaque items.
func Decode(layout *Layout, data []byte) ([]Item, error) {
	b, err := Parse(layout, data)
	if err != nil {
		return nil, err
	}
	return b.items, nil
}

func decodeItems(layout *Layout, data []byte) ([]Item, error) {
	var items []Item
	pos := 0
	truncated := func(tag byte) error {
		return dberrors.Valuef("%s: truncated value for tag %d at offset %d", layout.Name, tag, pos)
	}
	for pos < len(data) {
		tag := data[pos]
		pos++
		item := Item{Tag: tag, Kind: layout.KindOf(tag)}
		switch item.Kind {
		case KindFlag:
		case KindInt8, KindInt16, KindInt32, KindInt64:
			w := item.Kind.width()
			if pos+w > len(data) {
				return nil, truncated(tag)
			}
			switch w {
			case 1:
				item.Int = int64(data[pos])
			case 2:
				item.Int = int64(int16(binary.LittleEndian.Uint16(data[pos:])))
			case 4:
				item.Int = int64(int32(binary.LittleEndian.Uint32(data[pos:])))
			case 8:
				item.Int = int64(binary.LittleEndian.Uint64(data[pos:]))
			}
			pos += w
		case KindString, KindBytes, KindReservation:
			if pos+2 > len(data) {
				return nil, truncated(tag)
			}
			n := int(binary.LittleEndian.Uint16(data[pos:]))
			pos += 2
			if pos+n > len(data) {
				return nil, truncated(tag)
			}
			item.Data = append([]byte(nil), data[pos:pos+n]...)
			pos += n
			if item.Kind == KindReservation {
				if pos >= len(data) {
					return nil, dberrors.Valuef("Missing share mode value in table %s reservation", item.Data)
				}
				item.Int = int64(data[pos])
				pos++
			}
		}
		items = append(items, item)
	}
	return items, nil
}
