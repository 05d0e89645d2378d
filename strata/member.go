package strata

import (
	"encoding/binary"
	"fmt"
	"math"
)

// -----------------------------------------------------------------------------
// Element codecs
// -----------------------------------------------------------------------------

// elemCodec converts elements of one primitive type between their in-memory
// representation and their storage bytes, at every supported rank. Aggregate
// values are laid out row-major, matching the storage format.
type elemCodec interface {
	size() int
	encodeScalar(member string, v any, dst []byte) error
	decodeScalar(src []byte) (any, error)
	encodeVector(member string, v any, dst []byte, n int) error
	decodeVector(src []byte, n int) (any, error)
	encodeMatrix(member string, v any, dst []byte, rows, cols int) error
	decodeMatrix(src []byte, rows, cols int) (any, error)
	encodeND(member string, v any, dst []byte, dims []int) error
	decodeND(src []byte, dims []int) (any, error)
}

// elem implements elemCodec generically over the element's Go type. The
// rank-level logic below is the only copy of it; per-type behavior is
// confined to the width/put/get triple.
type elem[T any] struct {
	width int
	put   func(dst []byte, v T) error
	get   func(src []byte) (T, error)
}

func (e elem[T]) size() int { return e.width }

func (e elem[T]) encodeScalar(member string, v any, dst []byte) error {
	t, ok := v.(T)
	if !ok {
		var want T
		return fmt.Errorf("member %q: expected %T, got %T", member, want, v)
	}
	return e.put(dst, t)
}

func (e elem[T]) decodeScalar(src []byte) (any, error) {
	t, err := e.get(src)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (e elem[T]) encodeVector(member string, v any, dst []byte, n int) error {
	s, ok := v.([]T)
	if !ok {
		var want []T
		return fmt.Errorf("member %q: expected %T, got %T", member, want, v)
	}
	if len(s) != n {
		return fmt.Errorf("%w: member %q: value has %d elements, declared %d",
			ErrDimensionMismatch, member, len(s), n)
	}
	return e.putAll(dst, s)
}

func (e elem[T]) decodeVector(src []byte, n int) (any, error) {
	return e.getAll(src, n)
}

func (e elem[T]) encodeMatrix(member string, v any, dst []byte, rows, cols int) error {
	m, ok := v.([][]T)
	if !ok {
		var want [][]T
		return fmt.Errorf("member %q: expected %T, got %T", member, want, v)
	}
	if len(m) != rows {
		return fmt.Errorf("%w: member %q: matrix has %d rows, declared %d",
			ErrDimensionMismatch, member, len(m), rows)
	}
	for i, row := range m {
		if len(row) != cols {
			return fmt.Errorf("%w: member %q: row %d has %d columns, declared %d",
				ErrDimensionMismatch, member, i, len(row), cols)
		}
	}
	for i, row := range m {
		if err := e.putAll(dst[i*cols*e.width:], row); err != nil {
			return err
		}
	}
	return nil
}

func (e elem[T]) decodeMatrix(src []byte, rows, cols int) (any, error) {
	m := make([][]T, rows)
	for i := range m {
		row, err := e.getAll(src[i*cols*e.width:], cols)
		if err != nil {
			return nil, err
		}
		m[i] = row
	}
	return m, nil
}

func (e elem[T]) encodeND(member string, v any, dst []byte, dims []int) error {
	a, ok := v.(*NDArray[T])
	if !ok {
		var want *NDArray[T]
		return fmt.Errorf("member %q: expected %T, got %T", member, want, v)
	}
	if !a.dimsEqual(dims) {
		return fmt.Errorf("%w: member %q: array has dimensions %v, declared %v",
			ErrDimensionMismatch, member, a.dims, dims)
	}
	return e.putAll(dst, a.Flat())
}

func (e elem[T]) decodeND(src []byte, dims []int) (any, error) {
	n := 1
	for _, d := range dims {
		n *= d
	}
	flat, err := e.getAll(src, n)
	if err != nil {
		return nil, err
	}
	return NDArrayOf(flat, dims...)
}

func (e elem[T]) putAll(dst []byte, s []T) error {
	for i, t := range s {
		if err := e.put(dst[i*e.width:], t); err != nil {
			return err
		}
	}
	return nil
}

func (e elem[T]) getAll(src []byte, n int) ([]T, error) {
	s := make([]T, n)
	for i := range s {
		t, err := e.get(src[i*e.width:])
		if err != nil {
			return nil, err
		}
		s[i] = t
	}
	return s, nil
}

// -----------------------------------------------------------------------------
// Primitive conversions
// -----------------------------------------------------------------------------

// The storage format stores all fixed-width primitives little-endian.

func newNumericCodec(p Primitive) elemCodec {
	switch p {
	case PrimitiveInt8:
		return elem[int8]{1,
			func(d []byte, v int8) error { d[0] = byte(v); return nil },
			func(s []byte) (int8, error) { return int8(s[0]), nil }}
	case PrimitiveUint8:
		return elem[uint8]{1,
			func(d []byte, v uint8) error { d[0] = v; return nil },
			func(s []byte) (uint8, error) { return s[0], nil }}
	case PrimitiveInt16:
		return elem[int16]{2,
			func(d []byte, v int16) error { binary.LittleEndian.PutUint16(d, uint16(v)); return nil },
			func(s []byte) (int16, error) { return int16(binary.LittleEndian.Uint16(s)), nil }}
	case PrimitiveUint16:
		return elem[uint16]{2,
			func(d []byte, v uint16) error { binary.LittleEndian.PutUint16(d, v); return nil },
			func(s []byte) (uint16, error) { return binary.LittleEndian.Uint16(s), nil }}
	case PrimitiveInt32:
		return elem[int32]{4,
			func(d []byte, v int32) error { binary.LittleEndian.PutUint32(d, uint32(v)); return nil },
			func(s []byte) (int32, error) { return int32(binary.LittleEndian.Uint32(s)), nil }}
	case PrimitiveUint32:
		return elem[uint32]{4,
			func(d []byte, v uint32) error { binary.LittleEndian.PutUint32(d, v); return nil },
			func(s []byte) (uint32, error) { return binary.LittleEndian.Uint32(s), nil }}
	case PrimitiveInt64:
		return elem[int64]{8,
			func(d []byte, v int64) error { binary.LittleEndian.PutUint64(d, uint64(v)); return nil },
			func(s []byte) (int64, error) { return int64(binary.LittleEndian.Uint64(s)), nil }}
	case PrimitiveUint64:
		return elem[uint64]{8,
			func(d []byte, v uint64) error { binary.LittleEndian.PutUint64(d, v); return nil },
			func(s []byte) (uint64, error) { return binary.LittleEndian.Uint64(s), nil }}
	case PrimitiveFloat32:
		return elem[float32]{4,
			func(d []byte, v float32) error { binary.LittleEndian.PutUint32(d, math.Float32bits(v)); return nil },
			func(s []byte) (float32, error) { return math.Float32frombits(binary.LittleEndian.Uint32(s)), nil }}
	case PrimitiveFloat64:
		return elem[float64]{8,
			func(d []byte, v float64) error { binary.LittleEndian.PutUint64(d, math.Float64bits(v)); return nil },
			func(s []byte) (float64, error) { return math.Float64frombits(binary.LittleEndian.Uint64(s)), nil }}
	default:
		return nil
	}
}

// newStringCodec converts fixed-length strings: NUL-padded on encode,
// trimmed at the first NUL on decode. Values longer than the declared width
// are rejected rather than truncated.
func newStringCodec(width int) elemCodec {
	return elem[string]{
		width: width,
		put: func(dst []byte, v string) error {
			if len(v) > width {
				return fmt.Errorf("%w: string of %d bytes exceeds declared length %d",
					ErrDimensionMismatch, len(v), width)
			}
			copy(dst[:width], v)
			for i := len(v); i < width; i++ {
				dst[i] = 0
			}
			return nil
		},
		get: func(src []byte) (string, error) {
			b := src[:width]
			for i, c := range b {
				if c == 0 {
					return string(b[:i]), nil
				}
			}
			return string(b), nil
		},
	}
}

// newEnumCodec converts enum symbols to ordinals at the enum's base width.
func newEnumCodec(spec *EnumSpec) elemCodec {
	width := spec.baseSize()
	return elem[string]{
		width: width,
		put: func(dst []byte, v string) error {
			ord := spec.ordinal(v)
			if ord < 0 {
				return fmt.Errorf("enum %q has no symbol %q", spec.Name, v)
			}
			putUintN(dst, uint64(ord), width)
			return nil
		},
		get: func(src []byte) (string, error) {
			ord := getUintN(src, width)
			if ord >= uint64(len(spec.Symbols)) {
				return "", fmt.Errorf("enum %q: ordinal %d out of range", spec.Name, ord)
			}
			return spec.Symbols[ord], nil
		},
	}
}

func putUintN(dst []byte, v uint64, width int) {
	for i := 0; i < width; i++ {
		dst[i] = byte(v >> (8 * i))
	}
}

func getUintN(src []byte, width int) uint64 {
	var v uint64
	for i := 0; i < width; i++ {
		v |= uint64(src[i]) << (8 * i)
	}
	return v
}

// -----------------------------------------------------------------------------
// Nested compound elements
// -----------------------------------------------------------------------------

// compoundElem encodes a scalar nested compound member through the nested
// record's own codec.
type compoundElem struct {
	codec *RecordCodec
}

func (c compoundElem) size() int { return c.codec.layout.Size() }

func (c compoundElem) encodeScalar(member string, v any, dst []byte) error {
	if err := c.codec.encodeInto(v, dst); err != nil {
		return fmt.Errorf("member %q: %w", member, err)
	}
	return nil
}

func (c compoundElem) decodeScalar(src []byte) (any, error) {
	return c.codec.decodeFrom(src)
}

func (c compoundElem) encodeVector(member string, _ any, _ []byte, _ int) error {
	return fmt.Errorf("%w: member %q: arrays of compounds are not supported", ErrInvalidShape, member)
}

func (c compoundElem) decodeVector([]byte, int) (any, error) {
	return nil, fmt.Errorf("%w: arrays of compounds are not supported", ErrInvalidShape)
}

func (c compoundElem) encodeMatrix(member string, _ any, _ []byte, _, _ int) error {
	return fmt.Errorf("%w: member %q: arrays of compounds are not supported", ErrInvalidShape, member)
}

func (c compoundElem) decodeMatrix([]byte, int, int) (any, error) {
	return nil, fmt.Errorf("%w: arrays of compounds are not supported", ErrInvalidShape)
}

func (c compoundElem) encodeND(member string, _ any, _ []byte, _ []int) error {
	return fmt.Errorf("%w: member %q: arrays of compounds are not supported", ErrInvalidShape, member)
}

func (c compoundElem) decodeND([]byte, []int) (any, error) {
	return nil, fmt.Errorf("%w: arrays of compounds are not supported", ErrInvalidShape)
}

// -----------------------------------------------------------------------------
// Member codec
// -----------------------------------------------------------------------------

// memberCodec converts one member between its record value and its slot in
// the flat buffer. The rank dispatch here is shared by every access
// strategy; only the accessor differs.
type memberCodec struct {
	name   string
	kind   Kind
	dims   []int
	offset int
	length int
	access ValueAccessor
	elem   elemCodec
}

func (mc *memberCodec) encode(record any, buf []byte) error {
	v, err := mc.access.Get(record)
	if err != nil {
		return err
	}
	dst := buf[mc.offset : mc.offset+mc.length]
	switch mc.kind {
	case KindScalar:
		return mc.elem.encodeScalar(mc.name, v, dst)
	case KindFixedArray:
		return mc.elem.encodeVector(mc.name, v, dst, mc.dims[0])
	case KindMatrix:
		return mc.elem.encodeMatrix(mc.name, v, dst, mc.dims[0], mc.dims[1])
	default:
		return mc.elem.encodeND(mc.name, v, dst, mc.dims)
	}
}

func (mc *memberCodec) decode(buf []byte, record any) error {
	src := buf[mc.offset : mc.offset+mc.length]
	var (
		v   any
		err error
	)
	switch mc.kind {
	case KindScalar:
		v, err = mc.elem.decodeScalar(src)
	case KindFixedArray:
		v, err = mc.elem.decodeVector(src, mc.dims[0])
	case KindMatrix:
		v, err = mc.elem.decodeMatrix(src, mc.dims[0], mc.dims[1])
	default:
		v, err = mc.elem.decodeND(src, mc.dims)
	}
	if err != nil {
		return fmt.Errorf("member %q: %w", mc.name, err)
	}
	return mc.access.Set(record, v)
}
