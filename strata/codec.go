package strata

import (
	"fmt"
	"reflect"
)

// -----------------------------------------------------------------------------
// Record codec
// -----------------------------------------------------------------------------

// accessMode selects the record container strategy a codec was built for.
type accessMode int

const (
	accessStruct accessMode = iota
	accessMap
	accessSlice
)

// RecordCodec converts whole records between their in-memory representation
// and the flat binary layout of a compound type. A codec is immutable after
// construction and safe for concurrent use as long as each call works on its
// own buffer.
type RecordCodec struct {
	layout     *RecordLayout
	members    []*memberCodec
	mode       accessMode
	structType reflect.Type
	inspect    func([]byte)
}

// CodecOption configures record codec construction.
type CodecOption func(*RecordCodec)

// WithInspector registers a hook invoked with the final encoded buffer
// before it is returned for persistence. The hook must not mutate the
// buffer; it exists for diagnostics.
func WithInspector(fn func([]byte)) CodecOption {
	return func(c *RecordCodec) {
		c.inspect = fn
	}
}

// NewStructCodec builds a codec for struct records shaped like prototype.
// Members resolve to exported fields by `strata` tag, exact name, or
// case-insensitive name. Encode accepts values or pointers; Decode returns a
// new struct value.
func NewStructCodec(shape RecordShape, prototype any, opts ...CodecOption) (*RecordCodec, error) {
	t := reflect.TypeOf(prototype)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("strata: struct codec needs a struct prototype, got %T", prototype)
	}
	return newCodec(shape, accessStruct, t, opts)
}

// NewMapCodec builds a codec for map[string]any records keyed by member
// name.
func NewMapCodec(shape RecordShape, opts ...CodecOption) (*RecordCodec, error) {
	return newCodec(shape, accessMap, nil, opts)
}

// NewSliceCodec builds a codec for positional []any records whose values
// appear in member declaration order.
func NewSliceCodec(shape RecordShape, opts ...CodecOption) (*RecordCodec, error) {
	return newCodec(shape, accessSlice, nil, opts)
}

func newCodec(shape RecordShape, mode accessMode, structType reflect.Type, opts []CodecOption) (*RecordCodec, error) {
	layout, err := planLayout(shape)
	if err != nil {
		return nil, err
	}
	c := &RecordCodec{
		layout:     layout,
		mode:       mode,
		structType: structType,
	}
	for i, ml := range layout.members {
		access, err := c.newAccessor(ml.spec.Name, i)
		if err != nil {
			return nil, err
		}
		ec, err := c.newElemCodec(ml)
		if err != nil {
			return nil, err
		}
		c.members = append(c.members, &memberCodec{
			name:   ml.spec.Name,
			kind:   ml.spec.Kind,
			dims:   ml.spec.Dimensions,
			offset: ml.offset,
			length: ml.length,
			access: access,
			elem:   ec,
		})
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *RecordCodec) newAccessor(member string, pos int) (ValueAccessor, error) {
	switch c.mode {
	case accessStruct:
		return resolveField(c.structType, member)
	case accessMap:
		return &mapAccessor{member: member}, nil
	default:
		return &indexAccessor{member: member, pos: pos}, nil
	}
}

func (c *RecordCodec) newElemCodec(ml memberLayout) (elemCodec, error) {
	spec := ml.spec
	switch spec.Primitive {
	case PrimitiveString:
		return newStringCodec(spec.StringLength), nil
	case PrimitiveEnum:
		return newEnumCodec(spec.Enum), nil
	case PrimitiveCompound:
		nested, err := c.newNestedCodec(spec)
		if err != nil {
			return nil, err
		}
		return compoundElem{codec: nested}, nil
	default:
		ec := newNumericCodec(spec.Primitive)
		if ec == nil {
			return nil, fmt.Errorf("%w: member %q: unknown primitive %v", ErrInvalidShape, spec.Name, spec.Primitive)
		}
		return ec, nil
	}
}

// newNestedCodec builds the codec for a scalar nested compound member under
// the same access strategy as the parent.
func (c *RecordCodec) newNestedCodec(spec MemberSpec) (*RecordCodec, error) {
	switch c.mode {
	case accessStruct:
		fa, err := resolveField(c.structType, spec.Name)
		if err != nil {
			return nil, err
		}
		ft := c.structType.FieldByIndex(fa.index).Type
		for ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}
		if ft.Kind() != reflect.Struct {
			return nil, fmt.Errorf("%w: member %q: compound member needs a struct field, got %v",
				ErrInvalidShape, spec.Name, ft)
		}
		return newCodec(*spec.Compound, accessStruct, ft, nil)
	case accessMap:
		return newCodec(*spec.Compound, accessMap, nil, nil)
	default:
		return newCodec(*spec.Compound, accessSlice, nil, nil)
	}
}

// Layout returns the codec's record layout.
func (c *RecordCodec) Layout() *RecordLayout {
	return c.layout
}

// Size returns the encoded record length in bytes.
func (c *RecordCodec) Size() int {
	return c.layout.Size()
}

// Encode converts a record into a freshly allocated flat buffer. On any
// member failure the whole operation fails with ErrEncoding and no usable
// bytes are produced.
func (c *RecordCodec) Encode(record any) ([]byte, error) {
	buf := make([]byte, c.layout.Size())
	if err := c.encodeInto(record, buf); err != nil {
		return nil, err
	}
	if c.inspect != nil {
		c.inspect(buf)
	}
	return buf, nil
}

func (c *RecordCodec) encodeInto(record any, buf []byte) error {
	for _, mc := range c.members {
		if err := mc.encode(record, buf); err != nil {
			return fmt.Errorf("%w: %w", ErrEncoding, err)
		}
	}
	return nil
}

// Decode converts a flat buffer back into a record: a struct value, a
// map[string]any, or a []any depending on the codec's construction.
func (c *RecordCodec) Decode(buf []byte) (any, error) {
	if len(buf) != c.layout.Size() {
		return nil, fmt.Errorf("%w: buffer is %d bytes, record layout needs %d",
			ErrEncoding, len(buf), c.layout.Size())
	}
	return c.decodeFrom(buf)
}

func (c *RecordCodec) decodeFrom(buf []byte) (any, error) {
	record, finish := c.newRecord()
	for _, mc := range c.members {
		if err := mc.decode(buf, record); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEncoding, err)
		}
	}
	return finish(), nil
}

// newRecord allocates an empty record for decoding and returns it along with
// a finalizer producing the caller-facing value.
func (c *RecordCodec) newRecord() (any, func() any) {
	switch c.mode {
	case accessStruct:
		rv := reflect.New(c.structType)
		return rv.Interface(), func() any { return rv.Elem().Interface() }
	case accessMap:
		m := make(map[string]any, len(c.members))
		return m, func() any { return m }
	default:
		s := make([]any, len(c.members))
		return s, func() any { return s }
	}
}
