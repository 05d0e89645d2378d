package strata

import (
	"fmt"
	"reflect"
	"strings"
)

// -----------------------------------------------------------------------------
// Value accessors
// -----------------------------------------------------------------------------

// ValueAccessor moves one member value in and out of an enclosing record.
// It is the only part of member encoding that differs between struct-field,
// map-keyed, and positional record access; the rank-dispatch logic is written
// once against this capability.
type ValueAccessor interface {
	// Get reads the member value from the record.
	Get(record any) (any, error)

	// Set stores the member value into the record.
	Set(record any, value any) error
}

// -----------------------------------------------------------------------------
// Struct field access
// -----------------------------------------------------------------------------

// fieldAccessor reads and writes an exported struct field located by index
// path. Records are passed as pointers to the struct so Set can mutate.
type fieldAccessor struct {
	member string
	index  []int
}

// resolveField locates the struct field backing a member: a `strata` tag
// match wins, then an exact name match, then a case-insensitive match.
func resolveField(t reflect.Type, member string) (*fieldAccessor, error) {
	var fold *reflect.StructField
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if tag, ok := f.Tag.Lookup("strata"); ok && tag == member {
			return &fieldAccessor{member: member, index: f.Index}, nil
		}
		if f.Name == member {
			return &fieldAccessor{member: member, index: f.Index}, nil
		}
		if fold == nil && strings.EqualFold(f.Name, member) {
			field := f
			fold = &field
		}
	}
	if fold != nil {
		return &fieldAccessor{member: member, index: fold.Index}, nil
	}
	return nil, fmt.Errorf("%w: no field for member %q in %v", ErrInvalidShape, member, t)
}

func (a *fieldAccessor) Get(record any) (any, error) {
	rv, err := a.structValue(record)
	if err != nil {
		return nil, err
	}
	return rv.FieldByIndex(a.index).Interface(), nil
}

func (a *fieldAccessor) Set(record any, value any) error {
	rv, err := a.structValue(record)
	if err != nil {
		return err
	}
	if !rv.CanSet() {
		return fmt.Errorf("member %q: record must be a pointer to a struct to decode into", a.member)
	}
	field := rv.FieldByIndex(a.index)
	vv := reflect.ValueOf(value)
	if !vv.Type().AssignableTo(field.Type()) {
		if !vv.Type().ConvertibleTo(field.Type()) {
			return fmt.Errorf("member %q: cannot store %T into field of type %v", a.member, value, field.Type())
		}
		vv = vv.Convert(field.Type())
	}
	field.Set(vv)
	return nil
}

func (a *fieldAccessor) structValue(record any) (reflect.Value, error) {
	rv := reflect.ValueOf(record)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return reflect.Value{}, fmt.Errorf("member %q: nil record", a.member)
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("member %q: expected struct record, got %T", a.member, record)
	}
	return rv, nil
}

// -----------------------------------------------------------------------------
// Map access
// -----------------------------------------------------------------------------

// mapAccessor reads and writes a member keyed by name in a map record.
type mapAccessor struct {
	member string
}

func (a *mapAccessor) Get(record any) (any, error) {
	m, ok := record.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("member %q: expected map[string]any record, got %T", a.member, record)
	}
	v, ok := m[a.member]
	if !ok {
		return nil, fmt.Errorf("member %q: missing from map record", a.member)
	}
	return v, nil
}

func (a *mapAccessor) Set(record any, value any) error {
	m, ok := record.(map[string]any)
	if !ok {
		return fmt.Errorf("member %q: expected map[string]any record, got %T", a.member, record)
	}
	m[a.member] = value
	return nil
}

// -----------------------------------------------------------------------------
// Positional access
// -----------------------------------------------------------------------------

// indexAccessor reads and writes a member by position in a slice record.
type indexAccessor struct {
	member string
	pos    int
}

func (a *indexAccessor) Get(record any) (any, error) {
	s, ok := record.([]any)
	if !ok {
		return nil, fmt.Errorf("member %q: expected []any record, got %T", a.member, record)
	}
	if a.pos >= len(s) {
		return nil, fmt.Errorf("member %q: record has %d values, member is at position %d", a.member, len(s), a.pos)
	}
	return s[a.pos], nil
}

func (a *indexAccessor) Set(record any, value any) error {
	s, ok := record.([]any)
	if !ok {
		return fmt.Errorf("member %q: expected []any record, got %T", a.member, record)
	}
	if a.pos >= len(s) {
		return fmt.Errorf("member %q: record has %d values, member is at position %d", a.member, len(s), a.pos)
	}
	s[a.pos] = value
	return nil
}
