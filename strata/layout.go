package strata

import (
	"fmt"
)

// -----------------------------------------------------------------------------
// Record layout planning
// -----------------------------------------------------------------------------

// memberLayout is the placement of one member inside the flat record buffer.
type memberLayout struct {
	spec     MemberSpec
	offset   int
	length   int
	elemSize int
}

// RecordLayout maps each member of a record shape to a byte offset and length
// inside a flat record buffer. Offsets follow declaration order with no
// repacking or alignment padding, matching the on-disk expectations of the
// storage format. A RecordLayout is immutable once planned and safe to share.
type RecordLayout struct {
	shape   RecordShape
	members []memberLayout
	byName  map[string]int
	size    int
}

// planLayout computes the layout for a shape. It is a pure function of the
// shape and fails with ErrInvalidShape on malformed input.
func planLayout(shape RecordShape) (*RecordLayout, error) {
	if err := shape.validate(); err != nil {
		return nil, err
	}
	l := &RecordLayout{
		shape:  shape,
		byName: make(map[string]int, len(shape.Members)),
	}
	offset := 0
	for i := range shape.Members {
		m := shape.Members[i]
		elemSize, err := m.elemSize()
		if err != nil {
			return nil, err
		}
		length := elemSize * m.numElements()
		l.members = append(l.members, memberLayout{
			spec:     m,
			offset:   offset,
			length:   length,
			elemSize: elemSize,
		})
		l.byName[m.Name] = i
		offset += length
	}
	l.size = offset
	return l, nil
}

// PlanLayout computes the flat-buffer layout for a record shape.
func PlanLayout(shape RecordShape) (*RecordLayout, error) {
	return planLayout(shape)
}

// Size returns the total record length in bytes.
func (l *RecordLayout) Size() int {
	return l.size
}

// NumMembers returns the number of members.
func (l *RecordLayout) NumMembers() int {
	return len(l.members)
}

// Shape returns the shape the layout was planned from.
func (l *RecordLayout) Shape() RecordShape {
	return l.shape
}

// Member returns the byte offset and length of the named member.
func (l *RecordLayout) Member(name string) (offset, length int, ok bool) {
	i, ok := l.byName[name]
	if !ok {
		return 0, 0, false
	}
	return l.members[i].offset, l.members[i].length, true
}

// descriptor derives the storage-format type descriptor from the layout.
func (l *RecordLayout) descriptor() *TypeDescriptor {
	desc := &TypeDescriptor{TotalSize: l.size}
	for _, m := range l.members {
		tm := TypeMember{
			Name:         m.spec.Name,
			Offset:       m.offset,
			Size:         m.length,
			Kind:         m.spec.Kind,
			Primitive:    m.spec.Primitive,
			Dimensions:   append([]int(nil), m.spec.Dimensions...),
			StringLength: m.spec.StringLength,
		}
		if m.spec.Enum != nil {
			tm.EnumSymbols = append([]string(nil), m.spec.Enum.Symbols...)
		}
		desc.Members = append(desc.Members, tm)
	}
	return desc
}

// variantTags collects the per-member variant annotations, keyed by member
// name. Returns nil when no member carries a variant.
func (l *RecordLayout) variantTags() map[string]Variant {
	var tags map[string]Variant
	for _, m := range l.members {
		if m.spec.Variant == VariantNone {
			continue
		}
		if tags == nil {
			tags = make(map[string]Variant)
		}
		tags[m.spec.Name] = m.spec.Variant
	}
	return tags
}

// String renders the layout for diagnostics.
func (l *RecordLayout) String() string {
	s := fmt.Sprintf("layout{size=%d", l.size)
	for _, m := range l.members {
		s += fmt.Sprintf(" %s@%d+%d", m.spec.Name, m.offset, m.length)
	}
	return s + "}"
}
