package strata

import (
	"fmt"
)

// -----------------------------------------------------------------------------
// Member kinds and primitives
// -----------------------------------------------------------------------------

// Kind classifies the rank of a compound member.
type Kind int

// Member kinds.
const (
	KindScalar Kind = iota
	KindFixedArray
	KindMatrix
	KindNDArray
	kindMax // sentinel for validation
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindFixedArray:
		return "array"
	case KindMatrix:
		return "matrix"
	case KindNDArray:
		return "ndarray"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// rank returns the expected length of a member's dimensions for the kind.
// KindNDArray accepts any positive rank and returns -1.
func (k Kind) rank() int {
	switch k {
	case KindScalar:
		return 0
	case KindFixedArray:
		return 1
	case KindMatrix:
		return 2
	default:
		return -1
	}
}

// Primitive enumerates the element types a compound member can hold.
type Primitive int

// Primitive element types.
const (
	PrimitiveInt8 Primitive = iota
	PrimitiveInt16
	PrimitiveInt32
	PrimitiveInt64
	PrimitiveUint8
	PrimitiveUint16
	PrimitiveUint32
	PrimitiveUint64
	PrimitiveFloat32
	PrimitiveFloat64
	PrimitiveString
	PrimitiveEnum
	PrimitiveCompound
	primitiveMax // sentinel for validation
)

var primitiveNames = map[Primitive]string{
	PrimitiveInt8:     "int8",
	PrimitiveInt16:    "int16",
	PrimitiveInt32:    "int32",
	PrimitiveInt64:    "int64",
	PrimitiveUint8:    "uint8",
	PrimitiveUint16:   "uint16",
	PrimitiveUint32:   "uint32",
	PrimitiveUint64:   "uint64",
	PrimitiveFloat32:  "float32",
	PrimitiveFloat64:  "float64",
	PrimitiveString:   "string",
	PrimitiveEnum:     "enum",
	PrimitiveCompound: "compound",
}

func (p Primitive) String() string {
	if s, ok := primitiveNames[p]; ok {
		return s
	}
	return fmt.Sprintf("primitive(%d)", int(p))
}

// fixedSize returns the element byte width for fixed-width primitives, or 0
// for primitives whose width depends on the member spec (string, enum,
// compound).
func (p Primitive) fixedSize() int {
	switch p {
	case PrimitiveInt8, PrimitiveUint8:
		return 1
	case PrimitiveInt16, PrimitiveUint16:
		return 2
	case PrimitiveInt32, PrimitiveUint32, PrimitiveFloat32:
		return 4
	case PrimitiveInt64, PrimitiveUint64, PrimitiveFloat64:
		return 8
	default:
		return 0
	}
}

// -----------------------------------------------------------------------------
// Enum and variant metadata
// -----------------------------------------------------------------------------

// EnumSpec describes an enumeration member: an ordered symbol table stored
// at the smallest integer width that fits it.
type EnumSpec struct {
	Name    string   `json:"name"`
	Symbols []string `json:"symbols"`
}

// baseSize returns the storage width of the enum's ordinal.
func (e *EnumSpec) baseSize() int {
	switch n := len(e.Symbols); {
	case n <= 1<<8:
		return 1
	case n <= 1<<16:
		return 2
	default:
		return 4
	}
}

// ordinal returns the index of symbol in the table, or -1.
func (e *EnumSpec) ordinal(symbol string) int {
	for i, s := range e.Symbols {
		if s == symbol {
			return i
		}
	}
	return -1
}

// Variant annotates a member with a semantic role beyond its raw primitive
// type. Variants are persisted as auxiliary metadata when a type is
// committed; they do not affect the binary layout.
type Variant string

// Well-known variants.
const (
	VariantNone            Variant = ""
	VariantTimestampMillis Variant = "timestamp-millis"
	VariantTimeDuration    Variant = "time-duration"
	VariantEnum            Variant = "enum"
	VariantBitfield        Variant = "bitfield"
)

// -----------------------------------------------------------------------------
// Record shape
// -----------------------------------------------------------------------------

// MemberSpec declares one member of a record shape.
type MemberSpec struct {
	// Name is the member's storage name, unique within the shape.
	Name string `json:"name"`

	// Kind is the member's rank class.
	Kind Kind `json:"kind"`

	// Primitive is the element type.
	Primitive Primitive `json:"primitive"`

	// Dimensions holds the fixed dimensions: empty for scalars, one entry
	// for fixed arrays, two for matrices, N for N-dimensional arrays.
	Dimensions []int `json:"dimensions,omitempty"`

	// StringLength is the fixed storage width in bytes of one string
	// element. Required for PrimitiveString.
	StringLength int `json:"string_length,omitempty"`

	// Enum is the symbol table. Required for PrimitiveEnum.
	Enum *EnumSpec `json:"enum,omitempty"`

	// Compound is the nested record shape. Required for PrimitiveCompound;
	// only scalar nesting is supported.
	Compound *RecordShape `json:"compound,omitempty"`

	// Variant is an optional semantic tag.
	Variant Variant `json:"variant,omitempty"`
}

// elemSize returns the byte width of one element of the member.
func (m *MemberSpec) elemSize() (int, error) {
	switch m.Primitive {
	case PrimitiveString:
		if m.StringLength <= 0 {
			return 0, fmt.Errorf("%w: member %q: string members need a positive StringLength", ErrInvalidShape, m.Name)
		}
		return m.StringLength, nil
	case PrimitiveEnum:
		if m.Enum == nil || len(m.Enum.Symbols) == 0 {
			return 0, fmt.Errorf("%w: member %q: enum members need a non-empty symbol table", ErrInvalidShape, m.Name)
		}
		return m.Enum.baseSize(), nil
	case PrimitiveCompound:
		if m.Compound == nil {
			return 0, fmt.Errorf("%w: member %q: compound members need a nested shape", ErrInvalidShape, m.Name)
		}
		nested, err := planLayout(*m.Compound)
		if err != nil {
			return 0, fmt.Errorf("member %q: nested shape: %w", m.Name, err)
		}
		return nested.Size(), nil
	default:
		size := m.Primitive.fixedSize()
		if size == 0 {
			return 0, fmt.Errorf("%w: member %q: unknown primitive %v", ErrInvalidShape, m.Name, m.Primitive)
		}
		return size, nil
	}
}

// numElements returns the product of the member's dimensions (1 for scalars).
func (m *MemberSpec) numElements() int {
	n := 1
	for _, d := range m.Dimensions {
		n *= d
	}
	return n
}

// RecordShape is an ordered sequence of member declarations. Build one with
// NewShape; a zero RecordShape has no members.
type RecordShape struct {
	Members []MemberSpec `json:"members"`
}

// validate checks the shape invariants: unique names, kind/dimension arity
// agreement, non-negative dimensions, and per-primitive requirements.
func (s RecordShape) validate() error {
	if len(s.Members) == 0 {
		return fmt.Errorf("%w: shape has no members", ErrInvalidShape)
	}
	seen := make(map[string]bool, len(s.Members))
	for i := range s.Members {
		m := &s.Members[i]
		if m.Name == "" {
			return fmt.Errorf("%w: member %d has an empty name", ErrInvalidShape, i)
		}
		if seen[m.Name] {
			return fmt.Errorf("%w: duplicate member name %q", ErrInvalidShape, m.Name)
		}
		seen[m.Name] = true
		if m.Kind < 0 || m.Kind >= kindMax {
			return fmt.Errorf("%w: member %q: unknown kind %d", ErrInvalidShape, m.Name, int(m.Kind))
		}
		if want := m.Kind.rank(); want >= 0 {
			if len(m.Dimensions) != want {
				return fmt.Errorf("%w: member %q: %v members need %d dimensions, got %d",
					ErrInvalidShape, m.Name, m.Kind, want, len(m.Dimensions))
			}
		} else if len(m.Dimensions) == 0 {
			return fmt.Errorf("%w: member %q: ndarray members need at least one dimension", ErrInvalidShape, m.Name)
		}
		for _, d := range m.Dimensions {
			if d < 0 {
				return fmt.Errorf("%w: member %q: negative dimension %d", ErrInvalidShape, m.Name, d)
			}
		}
		if m.Primitive == PrimitiveCompound && m.Kind != KindScalar {
			return fmt.Errorf("%w: member %q: compound members must be scalar", ErrInvalidShape, m.Name)
		}
		if _, err := m.elemSize(); err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Shape builder
// -----------------------------------------------------------------------------

// MemberOption configures one member declaration.
type MemberOption func(*MemberSpec)

// WithVariant tags the member with a semantic variant.
func WithVariant(v Variant) MemberOption {
	return func(m *MemberSpec) {
		m.Variant = v
	}
}

// ShapeBuilder assembles a RecordShape member by member, in declaration
// order. Errors are collected and reported by Build.
type ShapeBuilder struct {
	members []MemberSpec
}

// NewShape creates an empty shape builder.
func NewShape() *ShapeBuilder {
	return &ShapeBuilder{}
}

func (b *ShapeBuilder) add(m MemberSpec, opts []MemberOption) *ShapeBuilder {
	for _, opt := range opts {
		opt(&m)
	}
	b.members = append(b.members, m)
	return b
}

// Scalar declares a scalar member of the given primitive.
func (b *ShapeBuilder) Scalar(name string, p Primitive, opts ...MemberOption) *ShapeBuilder {
	return b.add(MemberSpec{Name: name, Kind: KindScalar, Primitive: p}, opts)
}

// Array declares a fixed-size one-dimensional member.
func (b *ShapeBuilder) Array(name string, p Primitive, length int, opts ...MemberOption) *ShapeBuilder {
	return b.add(MemberSpec{Name: name, Kind: KindFixedArray, Primitive: p, Dimensions: []int{length}}, opts)
}

// Matrix declares a two-dimensional member with fixed row and column counts.
func (b *ShapeBuilder) Matrix(name string, p Primitive, rows, cols int, opts ...MemberOption) *ShapeBuilder {
	return b.add(MemberSpec{Name: name, Kind: KindMatrix, Primitive: p, Dimensions: []int{rows, cols}}, opts)
}

// NDArray declares an arbitrary-rank member with fixed dimensions.
func (b *ShapeBuilder) NDArray(name string, p Primitive, dims ...int) *ShapeBuilder {
	return b.add(MemberSpec{Name: name, Kind: KindNDArray, Primitive: p, Dimensions: dims}, nil)
}

// String declares a scalar fixed-length string member of length bytes.
func (b *ShapeBuilder) String(name string, length int, opts ...MemberOption) *ShapeBuilder {
	return b.add(MemberSpec{Name: name, Kind: KindScalar, Primitive: PrimitiveString, StringLength: length}, opts)
}

// StringArray declares a fixed-size array of fixed-length strings.
func (b *ShapeBuilder) StringArray(name string, length, count int, opts ...MemberOption) *ShapeBuilder {
	return b.add(MemberSpec{
		Name: name, Kind: KindFixedArray, Primitive: PrimitiveString,
		StringLength: length, Dimensions: []int{count},
	}, opts)
}

// Enum declares a scalar enumeration member.
func (b *ShapeBuilder) Enum(name string, spec EnumSpec, opts ...MemberOption) *ShapeBuilder {
	opts = append(opts, WithVariant(VariantEnum))
	return b.add(MemberSpec{Name: name, Kind: KindScalar, Primitive: PrimitiveEnum, Enum: &spec}, opts)
}

// Compound declares a scalar nested compound member.
func (b *ShapeBuilder) Compound(name string, nested RecordShape, opts ...MemberOption) *ShapeBuilder {
	return b.add(MemberSpec{Name: name, Kind: KindScalar, Primitive: PrimitiveCompound, Compound: &nested}, opts)
}

// Member declares a fully specified member.
func (b *ShapeBuilder) Member(m MemberSpec) *ShapeBuilder {
	b.members = append(b.members, m)
	return b
}

// Build validates the declarations and returns the shape.
func (b *ShapeBuilder) Build() (RecordShape, error) {
	shape := RecordShape{Members: b.members}
	if err := shape.validate(); err != nil {
		return RecordShape{}, err
	}
	return shape, nil
}

// MustBuild is Build that panics on error, for shapes known statically.
func (b *ShapeBuilder) MustBuild() RecordShape {
	shape, err := b.Build()
	if err != nil {
		panic(err)
	}
	return shape
}
