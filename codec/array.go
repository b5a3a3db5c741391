package codec

import (
	"reflect"

	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

func incorrectArray(cause error) error {
	if cause == nil {
		return dberrors.Valuef("Incorrect ARRAY field value.")
	}
	return dberrors.Wrap(dberrors.KindValue, "Incorrect ARRAY field value.", cause)
}

func elementDescriptor(desc *types.ArrayDesc) types.Descriptor {
	return types.Descriptor{
		Type:    desc.ElemType,
		SubType: desc.SubType,
		Scale:   desc.Scale,
		Length:  desc.ElemLength,
		Charset: desc.Charset,
	}
}

// EncodeArray validates the nested value against the array shape and returns
// the slice buffer in row-major order.
func (c *Codec) EncodeArray(desc *types.ArrayDesc, value any) ([]byte, error) {
	if len(desc.Bounds) == 0 {
		return nil, dberrors.Interfacef("ARRAY descriptor has no dimensions")
	}
	dims := desc.Dimensions()
	slot := desc.SlotSize()
	buf := make([]byte, desc.ElementCount()*slot)
	elem := elementDescriptor(desc)
	pos := 0
	var walk func(dim int, v reflect.Value) error
	walk = func(dim int, v reflect.Value) error {
		for v.Kind() == reflect.Interface && !v.IsNil() {
			v = v.Elem()
		}
		if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
			return incorrectArray(nil)
		}
		if v.Len() != dims[dim] {
			return incorrectArray(nil)
		}
		for i := 0; i < v.Len(); i++ {
			item := v.Index(i)
			if dim+1 < len(dims) {
				if err := walk(dim+1, item); err != nil {
					return err
				}
				continue
			}
			leaf := item.Interface()
			if leaf == nil {
				return incorrectArray(nil)
			}
			if err := checkLeafType(elem, leaf); err != nil {
				return err
			}
			if err := c.EncodeScalar(elem, buf[pos:pos+slot], leaf); err != nil {
				return incorrectArray(err)
			}
			pos += slot
		}
		return nil
	}
	if value == nil {
		return nil, incorrectArray(nil)
	}
	if err := walk(0, reflect.ValueOf(value)); err != nil {
		return nil, err
	}
	return buf, nil
}

// checkLeafType rejects leaves whose Go type does not belong to the element type,
// including nested slices where a scalar is expected.
func checkLeafType(d types.Descriptor, v any) error {
	ok := true
	switch d.Type {
	case types.SQLText, types.SQLVarying:
		_, isString := v.(string)
		_, isBytes := v.([]byte)
		ok = isString || isBytes
	case types.SQLShort, types.SQLLong, types.SQLInt64, types.SQLInt128, types.SQLFloat, types.SQLDouble:
		_, ok = toDecimal(v)
	case types.SQLBoolean:
		_, ok = v.(bool)
	default:
		k := reflect.TypeOf(v).Kind()
		ok = k != reflect.Slice && k != reflect.Array
	}
	if !ok {
		return incorrectArray(nil)
	}
	return nil
}

// DecodeArray returns the slice buffer as nested []any, outermost dimension first.
func (c *Codec) DecodeArray(desc *types.ArrayDesc, data []byte) (any, error) {
	slot := desc.SlotSize()
	if len(data) != desc.ElementCount()*slot {
		return nil, dberrors.Dataf("ARRAY slice has %d bytes, expected %d", len(data), desc.ElementCount()*slot)
	}
	dims := desc.Dimensions()
	elem := elementDescriptor(desc)
	pos := 0
	var build func(dim int) ([]any, error)
	build = func(dim int) ([]any, error) {
		out := make([]any, dims[dim])
		for i := range out {
			if dim+1 < len(dims) {
				sub, err := build(dim + 1)
				if err != nil {
					return nil, err
				}
				out[i] = sub
				continue
			}
			v, err := c.DecodeScalar(elem, data[pos:pos+slot])
			if err != nil {
				return nil, err
			}
			out[i] = v
			pos += slot
		}
		return out, nil
	}
	return build(0)
}
