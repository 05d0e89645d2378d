package strata

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/justapithecus/strata/internal/hyperslab"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// -----------------------------------------------------------------------------
// Reference backend
// -----------------------------------------------------------------------------

// storeBackend implements Backend on top of a flat ObjectStore. Committed
// types live under types/, datasets under datasets/. Dataset bytes are kept
// as one contiguous row-major object; the chunk shape recorded in the
// dataset metadata drives block planning, not physical sharding.
type storeBackend struct {
	store  ObjectStore
	filter Filter
	closed bool
}

// BackendOption configures a store-backed Backend.
type BackendOption func(*storeBackend)

// WithFilter sets the chunk filter applied to dataset bytes at rest.
// Defaults to the identity filter.
func WithFilter(f Filter) BackendOption {
	return func(b *storeBackend) {
		b.filter = f
	}
}

// NewStoreBackend creates a Backend persisting into the given ObjectStore.
func NewStoreBackend(store ObjectStore, opts ...BackendOption) Backend {
	b := &storeBackend{
		store:  store,
		filter: NewNoOpFilter(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// typeRecord is the stored form of a committed compound type.
type typeRecord struct {
	ID         TypeID          `json:"id"`
	Descriptor *TypeDescriptor `json:"descriptor"`
	Committed  time.Time       `json:"committed"`
}

// datasetMeta is the stored form of a dataset's extent and encoding.
type datasetMeta struct {
	ElemSize      int      `json:"elem_size"`
	Dimensions    []uint64 `json:"dimensions"`
	MaxDimensions []uint64 `json:"max_dimensions,omitempty"`
	ChunkShape    []uint32 `json:"chunk_shape,omitempty"`
	Filter        string   `json:"filter"`
}

func (m *datasetMeta) extent() DatasetExtent {
	return DatasetExtent{
		Dimensions:    m.Dimensions,
		MaxDimensions: m.MaxDimensions,
		ChunkShape:    m.ChunkShape,
	}
}

var idCounter uint64

// newTypeID returns a container-unique type identifier. The timestamp keeps
// IDs ordered across processes; the counter disambiguates within one.
func newTypeID() TypeID {
	return TypeID(fmt.Sprintf("t%d-%d", time.Now().UnixNano(), atomic.AddUint64(&idCounter, 1)))
}

func typeObjectPath(name string) string {
	return "types/" + name + ".json"
}

func typeAttrPath(name, attr string) string {
	return "types/" + name + ".attrs/" + attr + ".json"
}

func datasetMetaPath(path string) string {
	return "datasets/" + path + "/meta.json"
}

func datasetDataPath(path string) string {
	return "datasets/" + path + "/data"
}

// -----------------------------------------------------------------------------
// Type catalog
// -----------------------------------------------------------------------------

func (b *storeBackend) LookupType(ctx context.Context, name string) (TypeID, *TypeDescriptor, error) {
	if b.closed {
		return "", nil, ErrClosed
	}
	var rec typeRecord
	if err := b.getJSON(ctx, typeObjectPath(name), &rec); err != nil {
		return "", nil, err
	}
	return rec.ID, rec.Descriptor, nil
}

func (b *storeBackend) CommitType(ctx context.Context, name string, desc *TypeDescriptor) (TypeID, error) {
	if b.closed {
		return "", ErrClosed
	}
	rec := typeRecord{
		ID:         newTypeID(),
		Descriptor: desc,
		Committed:  time.Now().UTC(),
	}
	if err := b.putJSON(ctx, typeObjectPath(name), &rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (b *storeBackend) DeleteType(ctx context.Context, name string) error {
	if b.closed {
		return ErrClosed
	}
	attrs, err := b.store.List(ctx, "types/"+name+".attrs/")
	if err != nil {
		return err
	}
	for _, p := range attrs {
		if err := b.store.Delete(ctx, p); err != nil {
			return err
		}
	}
	return b.store.Delete(ctx, typeObjectPath(name))
}

func (b *storeBackend) SetTypeAttribute(ctx context.Context, typeName, attr string, value any) error {
	if b.closed {
		return ErrClosed
	}
	return b.putJSON(ctx, typeAttrPath(typeName, attr), value)
}

func (b *storeBackend) TypeAttribute(ctx context.Context, typeName, attr string, out any) error {
	if b.closed {
		return ErrClosed
	}
	return b.getJSON(ctx, typeAttrPath(typeName, attr), out)
}

// -----------------------------------------------------------------------------
// Datasets
// -----------------------------------------------------------------------------

func (b *storeBackend) CreateDataset(ctx context.Context, path string, elemSize int, extent DatasetExtent) error {
	if b.closed {
		return ErrClosed
	}
	if elemSize <= 0 {
		return fmt.Errorf("strata: dataset %q: element size must be positive, got %d", path, elemSize)
	}
	if err := validateExtent(extent); err != nil {
		return fmt.Errorf("strata: dataset %q: %w", path, err)
	}

	exists, err := b.store.Exists(ctx, datasetMetaPath(path))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("strata: dataset %q: %w", path, ErrPathExists)
	}

	meta := datasetMeta{
		ElemSize:      elemSize,
		Dimensions:    append([]uint64(nil), extent.Dimensions...),
		MaxDimensions: append([]uint64(nil), extent.MaxDimensions...),
		ChunkShape:    append([]uint32(nil), extent.ChunkShape...),
		Filter:        b.filter.Name(),
	}

	size := uint64(elemSize)
	for _, d := range extent.Dimensions {
		size *= d
	}
	if err := b.putData(ctx, path, meta.Filter, make([]byte, size)); err != nil {
		return err
	}
	return b.putJSON(ctx, datasetMetaPath(path), &meta)
}

func (b *storeBackend) DatasetExtent(ctx context.Context, path string) (DatasetExtent, int, error) {
	if b.closed {
		return DatasetExtent{}, 0, ErrClosed
	}
	meta, err := b.loadMeta(ctx, path)
	if err != nil {
		return DatasetExtent{}, 0, err
	}
	return meta.extent(), meta.ElemSize, nil
}

func (b *storeBackend) ExtendDataset(ctx context.Context, path string, newDims []uint64) error {
	if b.closed {
		return ErrClosed
	}
	meta, err := b.loadMeta(ctx, path)
	if err != nil {
		return err
	}
	if len(newDims) != len(meta.Dimensions) {
		return fmt.Errorf("strata: dataset %q: %w: extend rank %d, dataset rank %d",
			path, ErrDimensionMismatch, len(newDims), len(meta.Dimensions))
	}
	for i, d := range newDims {
		if d < meta.Dimensions[i] {
			return fmt.Errorf("strata: dataset %q: axis %d: cannot shrink %d to %d",
				path, i, meta.Dimensions[i], d)
		}
		if len(meta.MaxDimensions) > 0 {
			if max := meta.MaxDimensions[i]; max != Unlimited && d > max {
				return fmt.Errorf("strata: dataset %q: axis %d: %w: %d exceeds max %d",
					path, i, ErrOutOfBounds, d, max)
			}
		} else if d > meta.Dimensions[i] {
			return fmt.Errorf("strata: dataset %q: axis %d: %w: dataset is fixed at %d",
				path, i, ErrOutOfBounds, meta.Dimensions[i])
		}
	}

	data, err := b.loadData(ctx, path, meta)
	if err != nil {
		return err
	}
	grown, err := hyperslab.Resize(data, meta.Dimensions, newDims, uint64(meta.ElemSize))
	if err != nil {
		return fmt.Errorf("strata: dataset %q: %w", path, err)
	}
	if err := b.putData(ctx, path, meta.Filter, grown); err != nil {
		return err
	}
	meta.Dimensions = append([]uint64(nil), newDims...)
	return b.putJSON(ctx, datasetMetaPath(path), meta)
}

func (b *storeBackend) ReadBlock(ctx context.Context, path string, offset []uint64, shape []uint32) ([]byte, error) {
	if b.closed {
		return nil, ErrClosed
	}
	meta, err := b.loadMeta(ctx, path)
	if err != nil {
		return nil, err
	}
	count, err := checkSelection(path, meta, offset, shape)
	if err != nil {
		return nil, err
	}
	data, err := b.loadData(ctx, path, meta)
	if err != nil {
		return nil, err
	}
	out, err := hyperslab.Extract(data, meta.Dimensions, offset, count, uint64(meta.ElemSize))
	if err != nil {
		return nil, fmt.Errorf("strata: dataset %q: %w", path, err)
	}
	return out, nil
}

func (b *storeBackend) WriteBlock(ctx context.Context, path string, offset []uint64, shape []uint32, data []byte) error {
	if b.closed {
		return ErrClosed
	}
	meta, err := b.loadMeta(ctx, path)
	if err != nil {
		return err
	}
	count, err := checkSelection(path, meta, offset, shape)
	if err != nil {
		return err
	}
	full, err := b.loadData(ctx, path, meta)
	if err != nil {
		return err
	}
	if err := hyperslab.Patch(full, meta.Dimensions, offset, count, uint64(meta.ElemSize), data); err != nil {
		return fmt.Errorf("strata: dataset %q: %w", path, err)
	}
	return b.putData(ctx, path, meta.Filter, full)
}

func (b *storeBackend) Sync(_ context.Context) error {
	if b.closed {
		return ErrClosed
	}
	if s, ok := b.store.(Syncer); ok {
		return s.Sync()
	}
	return nil
}

func (b *storeBackend) Close() error {
	if b.closed {
		return ErrClosed
	}
	b.closed = true
	return nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func validateExtent(extent DatasetExtent) error {
	if extent.Rank() == 0 {
		return fmt.Errorf("%w: dataset rank must be >= 1", ErrInvalidShape)
	}
	for i, d := range extent.Dimensions {
		if d == Unlimited {
			return fmt.Errorf("%w: axis %d: current dimension cannot be unlimited", ErrInvalidShape, i)
		}
	}
	if len(extent.MaxDimensions) > 0 {
		if len(extent.MaxDimensions) != extent.Rank() {
			return fmt.Errorf("%w: max dimensions rank %d, dataset rank %d",
				ErrInvalidShape, len(extent.MaxDimensions), extent.Rank())
		}
		for i, max := range extent.MaxDimensions {
			if max != Unlimited && extent.Dimensions[i] > max {
				return fmt.Errorf("%w: axis %d: dimension %d exceeds max %d",
					ErrInvalidShape, i, extent.Dimensions[i], max)
			}
		}
	}
	if extent.Chunked() {
		if len(extent.ChunkShape) != extent.Rank() {
			return fmt.Errorf("%w: chunk rank %d, dataset rank %d",
				ErrInvalidShape, len(extent.ChunkShape), extent.Rank())
		}
		for i, c := range extent.ChunkShape {
			if c == 0 {
				return fmt.Errorf("%w: axis %d: chunk dimension must be positive", ErrInvalidShape, i)
			}
		}
	}
	return nil
}

// checkSelection validates a hyperslab selection against the dataset
// dimensions and returns the per-axis element count.
func checkSelection(path string, meta *datasetMeta, offset []uint64, shape []uint32) ([]uint64, error) {
	if len(offset) != len(meta.Dimensions) || len(shape) != len(meta.Dimensions) {
		return nil, fmt.Errorf("strata: dataset %q: %w: selection rank %d/%d, dataset rank %d",
			path, ErrDimensionMismatch, len(offset), len(shape), len(meta.Dimensions))
	}
	count := make([]uint64, len(shape))
	for i, s := range shape {
		count[i] = uint64(s)
		if offset[i]+count[i] > meta.Dimensions[i] {
			return nil, fmt.Errorf("strata: dataset %q: axis %d: %w: selection [%d,%d) exceeds dimension %d",
				path, i, ErrOutOfBounds, offset[i], offset[i]+count[i], meta.Dimensions[i])
		}
	}
	return count, nil
}

func (b *storeBackend) loadMeta(ctx context.Context, path string) (*datasetMeta, error) {
	var meta datasetMeta
	if err := b.getJSON(ctx, datasetMetaPath(path), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (b *storeBackend) loadData(ctx context.Context, path string, meta *datasetMeta) ([]byte, error) {
	filter, err := filterByName(meta.Filter)
	if err != nil {
		return nil, err
	}
	rc, err := b.store.Get(ctx, datasetDataPath(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	stored, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return filter.Restore(stored)
}

// putData stores dataset bytes with the filter the dataset was created
// with, which may differ from the filter this handle was opened with.
func (b *storeBackend) putData(ctx context.Context, path, filterName string, data []byte) error {
	filter, err := filterByName(filterName)
	if err != nil {
		return err
	}
	stored, err := filter.Apply(data)
	if err != nil {
		return err
	}
	return b.store.Put(ctx, datasetDataPath(path), bytes.NewReader(stored))
}

func (b *storeBackend) getJSON(ctx context.Context, path string, out any) error {
	rc, err := b.store.Get(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return jsonCodec.Unmarshal(data, out)
}

func (b *storeBackend) putJSON(ctx context.Context, path string, v any) error {
	data, err := jsonCodec.Marshal(v)
	if err != nil {
		return err
	}
	return b.store.Put(ctx, path, bytes.NewReader(data))
}
