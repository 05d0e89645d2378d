package strata

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// variantAttr is the attribute under which per-member variant tags are
// persisted alongside a committed type.
const variantAttr = "member_variants"

// -----------------------------------------------------------------------------
// Compound type handles
// -----------------------------------------------------------------------------

// CompoundType is the resolved handle for a named compound type: the record
// layout computed from the shape plus the identifier of the committed
// storage type backing it.
type CompoundType struct {
	// Name is the container-level name the type is committed under.
	Name string

	// Shape is the record shape the handle was resolved from.
	Shape RecordShape

	// Layout is the flat byte layout computed from Shape.
	Layout *RecordLayout

	// StorageID identifies the committed storage type. Two handles with the
	// same StorageID refer to the same committed type.
	StorageID TypeID

	// Stored is the descriptor actually committed in the container. It
	// matches Layout's descriptor except when an existing type was reused
	// with PreferExisting and had drifted.
	Stored *TypeDescriptor

	// Replaced reports that resolving this handle destructively replaced a
	// structurally different committed type of the same name.
	Replaced bool
}

// -----------------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------------

// Registry resolves record shapes to committed compound types in a backend.
//
// Resolution is get-or-create: the first use of a name commits the computed
// type descriptor; later uses reuse the committed type when it is
// structurally equal, and otherwise delete and recommit it. The registry
// serializes resolution per handle, so concurrent callers of one Registry
// never interleave the delete-recommit window.
type Registry struct {
	backend Backend
	logger  *zap.Logger

	mu    sync.Mutex
	cache map[string]*CompoundType
	done  bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used for destructive replacement
// warnings. Defaults to a no-op logger.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates a Registry over the given backend.
func NewRegistry(backend Backend, opts ...RegistryOption) *Registry {
	r := &Registry{
		backend: backend,
		logger:  zap.NewNop(),
		cache:   make(map[string]*CompoundType),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreateType resolves the named compound type for the given shape.
//
// When no committed type exists under name, the computed descriptor is
// committed and returned. When one exists and preferExisting is true, the
// existing type is returned unconditionally, even if its layout differs
// from the shape's; callers opting in accept that hazard. When one exists
// and preferExisting is false, a structurally equal committed type is
// reused as-is, and a structurally different one is deleted and recommitted
// from the shape.
//
// Replacement is destructive and not atomic: a failure between the delete
// and the recommit leaves the container without the named type until the
// call is retried. Such failures wrap ErrTypeConflict.
func (r *Registry) GetOrCreateType(ctx context.Context, name string, shape RecordShape, preferExisting bool) (*CompoundType, error) {
	layout, err := planLayout(shape)
	if err != nil {
		return nil, err
	}
	candidate := layout.descriptor()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return nil, ErrClosed
	}

	if cached, ok := r.cache[name]; ok && candidate.Equal(cached.Stored) {
		return cached, nil
	}

	existingID, existing, err := r.backend.LookupType(ctx, name)
	switch {
	case errors.Is(err, ErrNotFound):
		return r.commit(ctx, name, shape, layout, candidate, false)
	case err != nil:
		return nil, fmt.Errorf("strata: type %q: lookup: %w", name, err)
	}

	if preferExisting {
		if !candidate.Equal(existing) {
			r.logger.Warn("reusing committed type with drifted layout",
				zap.String("type", name),
				zap.String("storage_id", string(existingID)))
		}
		handle := &CompoundType{
			Name:      name,
			Shape:     shape,
			Layout:    layout,
			StorageID: existingID,
			Stored:    existing,
		}
		r.cache[name] = handle
		return handle, nil
	}

	if candidate.Equal(existing) {
		handle := &CompoundType{
			Name:      name,
			Shape:     shape,
			Layout:    layout,
			StorageID: existingID,
			Stored:    existing,
		}
		r.cache[name] = handle
		return handle, nil
	}

	r.logger.Warn("replacing committed type with different layout",
		zap.String("type", name),
		zap.String("storage_id", string(existingID)),
		zap.Int("old_size", existing.TotalSize),
		zap.Int("new_size", candidate.TotalSize))

	if err := r.backend.DeleteType(ctx, name); err != nil {
		return nil, fmt.Errorf("strata: type %q: %w: delete before recommit: %w", name, ErrTypeConflict, err)
	}
	return r.commit(ctx, name, shape, layout, candidate, true)
}

// LookupType returns the handle for an already committed type without
// creating or replacing anything. The returned handle carries the stored
// descriptor but no shape.
func (r *Registry) LookupType(ctx context.Context, name string) (*CompoundType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return nil, ErrClosed
	}
	if cached, ok := r.cache[name]; ok {
		return cached, nil
	}

	id, desc, err := r.backend.LookupType(ctx, name)
	if err != nil {
		return nil, err
	}
	return &CompoundType{
		Name:      name,
		StorageID: id,
		Stored:    desc,
	}, nil
}

// VariantTags reads back the per-member variant tags persisted with the
// named type. Types committed without variants yield an empty map.
func (r *Registry) VariantTags(ctx context.Context, name string) (map[string]Variant, error) {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done {
		return nil, ErrClosed
	}

	tags := make(map[string]Variant)
	err := r.backend.TypeAttribute(ctx, name, variantAttr, &tags)
	if errors.Is(err, ErrNotFound) {
		return tags, nil
	}
	if err != nil {
		return nil, err
	}
	return tags, nil
}

// Close invalidates the registry. Resolution after Close fails with
// ErrClosed. The underlying backend is not closed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.done = true
	r.cache = nil
	r.mu.Unlock()
}

// commit commits the candidate descriptor and its variant tags. Failures
// after a destructive delete wrap ErrTypeConflict, since the container is
// left without the named type.
func (r *Registry) commit(ctx context.Context, name string, shape RecordShape, layout *RecordLayout, candidate *TypeDescriptor, replaced bool) (*CompoundType, error) {
	id, err := r.backend.CommitType(ctx, name, candidate)
	if err != nil {
		if replaced {
			return nil, fmt.Errorf("strata: type %q: %w: recommit after delete: %w", name, ErrTypeConflict, err)
		}
		return nil, fmt.Errorf("strata: type %q: commit: %w", name, err)
	}

	if tags := layout.variantTags(); len(tags) > 0 {
		if err := r.backend.SetTypeAttribute(ctx, name, variantAttr, tags); err != nil {
			return nil, fmt.Errorf("strata: type %q: persist variants: %w", name, err)
		}
	}

	handle := &CompoundType{
		Name:      name,
		Shape:     shape,
		Layout:    layout,
		StorageID: id,
		Stored:    candidate,
		Replaced:  replaced,
	}
	r.cache[name] = handle
	return handle, nil
}
