// Package strata converts structured, multi-dimensional records to and from
// the flat binary layout of a compound-typed, chunked container format.
//
// Strata focuses on two concerns: a compound record codec that maps
// heterogeneous in-memory records (structs, maps, positional slices) onto
// fixed-offset flat buffers, and a block decomposition engine that partitions
// large chunked datasets into natural, boundary-correct blocks for streamed
// I/O. The storage engine itself is consumed through the Backend interface
// and is not implemented beyond reference adapters.
package strata

import (
	"context"
	"errors"
	"io"
)

// -----------------------------------------------------------------------------
// Core types
// -----------------------------------------------------------------------------

// TypeID identifies a committed compound type within a container. IDs are
// stable for the lifetime of the committed type; recommitting a type under
// the same name yields a fresh ID.
type TypeID string

// Unlimited marks a dataset axis with no upper bound. A dataset whose max
// dimension on an axis is Unlimited may be extended along that axis without
// limit, and block planning skips the bounds check there.
const Unlimited = ^uint64(0)

// DatasetExtent describes the current shape of a dataset.
type DatasetExtent struct {
	// Dimensions is the current size per axis. Rank must be >= 1.
	Dimensions []uint64

	// MaxDimensions is the maximum size per axis. Entries may be Unlimited.
	// When nil, the dataset is fixed at Dimensions.
	MaxDimensions []uint64

	// ChunkShape is the storage chunk size per axis. When nil, the dataset
	// is monolithic and its natural block is the whole dataset.
	ChunkShape []uint32
}

// Rank returns the number of axes.
func (e DatasetExtent) Rank() int {
	return len(e.Dimensions)
}

// Chunked reports whether the dataset has a chunk shape.
func (e DatasetExtent) Chunked() bool {
	return len(e.ChunkShape) > 0
}

// BlockDescriptor locates one natural block inside a dataset.
type BlockDescriptor struct {
	// Index is the per-axis block number.
	Index []uint64

	// Offset is the per-axis element offset of the block's first element.
	Offset []uint64

	// Shape is the per-axis block size. It equals the chunk shape except on
	// the final block of an axis, where it is clipped to the dataset bound.
	Shape []uint32
}

// NumElements returns the number of elements covered by the block.
func (b BlockDescriptor) NumElements() uint64 {
	n := uint64(1)
	for _, s := range b.Shape {
		n *= uint64(s)
	}
	return n
}

// DataBlock is a materialized natural block produced by a BlockIterator.
type DataBlock struct {
	BlockDescriptor

	// Data holds the block's elements in row-major order.
	Data []byte
}

// -----------------------------------------------------------------------------
// Storage backend
// -----------------------------------------------------------------------------

// TypeDescriptor is the storage-format description of a compound type:
// named members at fixed byte offsets inside a record of TotalSize bytes.
type TypeDescriptor struct {
	TotalSize int          `json:"total_size"`
	Members   []TypeMember `json:"members"`
}

// TypeMember describes one member of a committed compound type.
type TypeMember struct {
	Name       string    `json:"name"`
	Offset     int       `json:"offset"`
	Size       int       `json:"size"`
	Kind       Kind      `json:"kind"`
	Primitive  Primitive `json:"primitive"`
	Dimensions []int     `json:"dimensions,omitempty"`

	// StringLength and EnumSymbols describe string and enum members beyond
	// their byte layout. They make the committed descriptor self-describing
	// but do not participate in structural equality, which compares layout
	// only.
	StringLength int      `json:"string_length,omitempty"`
	EnumSymbols  []string `json:"enum_symbols,omitempty"`
}

// Equal reports structural equality of two type descriptors: same member
// names, order, offsets, sizes, kinds, primitives and dimensions.
func (d *TypeDescriptor) Equal(other *TypeDescriptor) bool {
	if d == nil || other == nil {
		return d == other
	}
	if d.TotalSize != other.TotalSize || len(d.Members) != len(other.Members) {
		return false
	}
	for i, m := range d.Members {
		o := other.Members[i]
		if m.Name != o.Name || m.Offset != o.Offset || m.Size != o.Size ||
			m.Kind != o.Kind || m.Primitive != o.Primitive {
			return false
		}
		if len(m.Dimensions) != len(o.Dimensions) {
			return false
		}
		for j, dim := range m.Dimensions {
			if dim != o.Dimensions[j] {
				return false
			}
		}
	}
	return true
}

// Backend is the storage engine capability consumed by strata.
//
// Implementations are not required to be safe for concurrent use; callers
// must serialize access per handle or use one handle per goroutine.
type Backend interface {
	// LookupType returns the committed type with the given name, or
	// ErrNotFound.
	LookupType(ctx context.Context, name string) (TypeID, *TypeDescriptor, error)

	// CommitType commits a named type and returns its new identifier.
	CommitType(ctx context.Context, name string, desc *TypeDescriptor) (TypeID, error)

	// DeleteType removes a committed type. Deleting an absent type is not
	// an error.
	DeleteType(ctx context.Context, name string) error

	// SetTypeAttribute attaches auxiliary metadata to a committed type.
	SetTypeAttribute(ctx context.Context, typeName, attr string, value any) error

	// TypeAttribute reads auxiliary metadata into out, or ErrNotFound.
	TypeAttribute(ctx context.Context, typeName, attr string, out any) error

	// CreateDataset creates a dataset of fixed-size elements with the given
	// extent. ErrPathExists if the path is taken.
	CreateDataset(ctx context.Context, path string, elemSize int, extent DatasetExtent) error

	// DatasetExtent returns the dataset's current extent and element size.
	DatasetExtent(ctx context.Context, path string) (DatasetExtent, int, error)

	// ExtendDataset grows the dataset's current dimensions. The new
	// dimensions must not shrink any axis nor exceed the max dimensions on
	// a bounded axis.
	ExtendDataset(ctx context.Context, path string, newDims []uint64) error

	// ReadBlock reads the hyperslab at offset with the given shape, in
	// row-major order.
	ReadBlock(ctx context.Context, path string, offset []uint64, shape []uint32) ([]byte, error)

	// WriteBlock writes the hyperslab at offset with the given shape.
	WriteBlock(ctx context.Context, path string, offset []uint64, shape []uint32, data []byte) error

	// Sync forces pending writes to durable storage.
	Sync(ctx context.Context) error

	// Close releases the backend. Further calls fail with ErrClosed.
	Close() error
}

// -----------------------------------------------------------------------------
// Object store
// -----------------------------------------------------------------------------

// ObjectStore abstracts the flat key-value storage underneath the reference
// Backend. Unlike append-only snapshot stores, Put overwrites.
//
// Implementations may target memory, filesystems, or S3-compatible stores.
type ObjectStore interface {
	// Put writes data to the given path, replacing any previous object.
	Put(ctx context.Context, path string, r io.Reader) error

	// Get retrieves data from the given path, or ErrNotFound.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// Exists checks whether a path exists.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the path if it exists.
	Delete(ctx context.Context, path string) error
}

// Syncer is implemented by object stores that can flush to durable storage.
type Syncer interface {
	Sync() error
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidShape indicates a malformed record shape: duplicate member
	// names, dimensions inconsistent with the member kind, or a negative
	// dimension. Rejected before any I/O.
	ErrInvalidShape = errors.New("invalid record shape")

	// ErrDimensionMismatch indicates a value whose shape disagrees with the
	// declared member dimensions. Nothing is written.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrEncoding wraps a member-level failure during record encoding or
	// decoding. The whole record operation is abandoned.
	ErrEncoding = errors.New("record encoding failed")

	// ErrOutOfBounds indicates a block selector that exceeds the dataset
	// extent on a bounded axis. Rejected before any backend call.
	ErrOutOfBounds = errors.New("block out of bounds")

	// ErrTypeConflict indicates a structural mismatch between a committed
	// type and a freshly computed candidate during destructive replacement.
	ErrTypeConflict = errors.New("compound type conflict")

	// ErrNotFound indicates a requested object, type, or dataset does not
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrPathExists indicates an attempt to create an object that already
	// exists.
	ErrPathExists = errors.New("path exists")

	// ErrInvalidPath indicates a path that would escape the storage root.
	ErrInvalidPath = errors.New("invalid path: escapes storage root")

	// ErrClosed indicates an operation on a closed container or backend.
	ErrClosed = errors.New("container closed")
)
