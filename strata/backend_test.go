package strata

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, opts ...BackendOption) Backend {
	t.Helper()
	return NewStoreBackend(NewMemoryStore(), opts...)
}

// -----------------------------------------------------------------------------
// Type catalog
// -----------------------------------------------------------------------------

func testDescriptor(size int) *TypeDescriptor {
	return &TypeDescriptor{
		TotalSize: size,
		Members: []TypeMember{
			{Name: "v", Kind: KindScalar, Primitive: PrimitiveInt32, Offset: 0, Size: size},
		},
	}
}

func TestBackend_TypeCatalog(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	_, _, err := b.LookupType(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	desc := testDescriptor(4)
	id, err := b.CommitType(ctx, "point", desc)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	gotID, gotDesc, err := b.LookupType(ctx, "point")
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.True(t, gotDesc.Equal(desc))

	// Committing the same name again issues a fresh ID.
	id2, err := b.CommitType(ctx, "point", desc)
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)

	require.NoError(t, b.DeleteType(ctx, "point"))
	_, _, err = b.LookupType(ctx, "point")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBackend_TypeAttributes(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	_, err := b.CommitType(ctx, "tagged", testDescriptor(4))
	require.NoError(t, err)

	in := map[string]string{"ts": "timestamp-millis"}
	require.NoError(t, b.SetTypeAttribute(ctx, "tagged", "variants", in))

	var out map[string]string
	require.NoError(t, b.TypeAttribute(ctx, "tagged", "variants", &out))
	assert.Equal(t, in, out)

	var missing map[string]string
	err = b.TypeAttribute(ctx, "tagged", "absent", &missing)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting the type removes its attributes too.
	require.NoError(t, b.DeleteType(ctx, "tagged"))
	err = b.TypeAttribute(ctx, "tagged", "variants", &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

// -----------------------------------------------------------------------------
// Datasets
// -----------------------------------------------------------------------------

func TestBackend_CreateDataset(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	extent := DatasetExtent{
		Dimensions: []uint64{4, 4},
		ChunkShape: []uint32{2, 2},
	}
	require.NoError(t, b.CreateDataset(ctx, "grid", 8, extent))

	got, elemSize, err := b.DatasetExtent(ctx, "grid")
	require.NoError(t, err)
	assert.Equal(t, 8, elemSize)
	assert.Equal(t, extent.Dimensions, got.Dimensions)
	assert.Equal(t, extent.ChunkShape, got.ChunkShape)

	// A fresh dataset reads back as zeros.
	data, err := b.ReadBlock(ctx, "grid", []uint64{0, 0}, []uint32{4, 4})
	require.NoError(t, err)
	require.Len(t, data, 4*4*8)
	for _, by := range data {
		assert.Zero(t, by)
	}

	err = b.CreateDataset(ctx, "grid", 8, extent)
	assert.ErrorIs(t, err, ErrPathExists)
}

func TestBackend_CreateDataset_Invalid(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	cases := []struct {
		name     string
		elemSize int
		extent   DatasetExtent
	}{
		{"zero elem size", 0, DatasetExtent{Dimensions: []uint64{4}}},
		{"zero rank", 4, DatasetExtent{}},
		{"unlimited current dim", 4, DatasetExtent{Dimensions: []uint64{Unlimited}}},
		{"chunk rank mismatch", 4, DatasetExtent{Dimensions: []uint64{4, 4}, ChunkShape: []uint32{2}}},
		{"zero chunk axis", 4, DatasetExtent{Dimensions: []uint64{4}, ChunkShape: []uint32{0}}},
		{"max rank mismatch", 4, DatasetExtent{Dimensions: []uint64{4}, MaxDimensions: []uint64{8, 8}}},
		{"dim exceeds max", 4, DatasetExtent{Dimensions: []uint64{9}, MaxDimensions: []uint64{8}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := b.CreateDataset(ctx, "bad", tc.elemSize, tc.extent)
			assert.Error(t, err)
		})
	}

	_, _, err := b.DatasetExtent(ctx, "never-created")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBackend_BlockRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.CreateDataset(ctx, "m", 4, DatasetExtent{
		Dimensions: []uint64{4, 4},
		ChunkShape: []uint32{2, 2},
	}))

	// Write a 2x2 block of int32 at (1, 1).
	block := make([]byte, 4*4)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(block[i*4:], uint32(10+i))
	}
	require.NoError(t, b.WriteBlock(ctx, "m", []uint64{1, 1}, []uint32{2, 2}, block))

	got, err := b.ReadBlock(ctx, "m", []uint64{1, 1}, []uint32{2, 2})
	require.NoError(t, err)
	assert.Equal(t, block, got)

	// A single cell inside the block.
	cell, err := b.ReadBlock(ctx, "m", []uint64{2, 2}, []uint32{1, 1})
	require.NoError(t, err)
	assert.EqualValues(t, 13, binary.LittleEndian.Uint32(cell))

	// A cell outside the block is still zero.
	cell, err = b.ReadBlock(ctx, "m", []uint64{0, 0}, []uint32{1, 1})
	require.NoError(t, err)
	assert.EqualValues(t, 0, binary.LittleEndian.Uint32(cell))
}

func TestBackend_SelectionErrors(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.CreateDataset(ctx, "d", 1, DatasetExtent{
		Dimensions: []uint64{4, 4},
		ChunkShape: []uint32{2, 2},
	}))

	_, err := b.ReadBlock(ctx, "d", []uint64{3, 0}, []uint32{2, 1})
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = b.ReadBlock(ctx, "d", []uint64{0}, []uint32{1})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	err = b.WriteBlock(ctx, "d", []uint64{0, 0}, []uint32{5, 1}, make([]byte, 5))
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = b.ReadBlock(ctx, "nope", []uint64{0, 0}, []uint32{1, 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBackend_ExtendDataset(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.CreateDataset(ctx, "log", 1, DatasetExtent{
		Dimensions:    []uint64{2, 3},
		MaxDimensions: []uint64{Unlimited, 3},
		ChunkShape:    []uint32{2, 3},
	}))
	require.NoError(t, b.WriteBlock(ctx, "log", []uint64{0, 0}, []uint32{2, 3},
		[]byte{1, 2, 3, 4, 5, 6}))

	require.NoError(t, b.ExtendDataset(ctx, "log", []uint64{4, 3}))

	extent, _, err := b.DatasetExtent(ctx, "log")
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 3}, extent.Dimensions)

	// Existing cells keep their coordinates; the new rows are zero.
	got, err := b.ReadBlock(ctx, "log", []uint64{0, 0}, []uint32{4, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 0, 0, 0, 0, 0, 0}, got)
}

func TestBackend_ExtendErrors(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.CreateDataset(ctx, "bounded", 1, DatasetExtent{
		Dimensions:    []uint64{2},
		MaxDimensions: []uint64{4},
		ChunkShape:    []uint32{2},
	}))
	require.NoError(t, b.CreateDataset(ctx, "fixed", 1, DatasetExtent{
		Dimensions: []uint64{2},
		ChunkShape: []uint32{2},
	}))

	// Beyond the declared maximum.
	err := b.ExtendDataset(ctx, "bounded", []uint64{5})
	assert.ErrorIs(t, err, ErrOutOfBounds)

	// Shrinking is never allowed.
	err = b.ExtendDataset(ctx, "bounded", []uint64{1})
	assert.Error(t, err)

	// Rank changes are rejected.
	err = b.ExtendDataset(ctx, "bounded", []uint64{3, 3})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	// Datasets without max dimensions are fixed.
	err = b.ExtendDataset(ctx, "fixed", []uint64{4})
	assert.ErrorIs(t, err, ErrOutOfBounds)

	// Extending to the current size is a no-op, not an error.
	assert.NoError(t, b.ExtendDataset(ctx, "fixed", []uint64{2}))
}

// -----------------------------------------------------------------------------
// Filters
// -----------------------------------------------------------------------------

func TestBackend_Filters(t *testing.T) {
	filters := map[string]Filter{
		"gzip": NewGzipFilter(),
		"zstd": NewZstdFilter(),
	}
	for name, f := range filters {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := NewMemoryStore()
			b := NewStoreBackend(store, WithFilter(f))

			require.NoError(t, b.CreateDataset(ctx, "c", 1, DatasetExtent{
				Dimensions: []uint64{8},
				ChunkShape: []uint32{4},
			}))
			payload := []byte{9, 8, 7, 6, 5, 4, 3, 2}
			require.NoError(t, b.WriteBlock(ctx, "c", []uint64{0}, []uint32{8}, payload))

			got, err := b.ReadBlock(ctx, "c", []uint64{0}, []uint32{8})
			require.NoError(t, err)
			assert.Equal(t, payload, got)

			// A handle opened with a different filter still reads the
			// dataset, because the filter travels with the metadata.
			plain := NewStoreBackend(store)
			got, err = plain.ReadBlock(ctx, "c", []uint64{2}, []uint32{3})
			require.NoError(t, err)
			assert.Equal(t, []byte{7, 6, 5}, got)

			// And writes through the foreign handle keep the dataset's
			// filter instead of corrupting it.
			require.NoError(t, plain.WriteBlock(ctx, "c", []uint64{0}, []uint32{1}, []byte{42}))
			got, err = b.ReadBlock(ctx, "c", []uint64{0}, []uint32{2})
			require.NoError(t, err)
			assert.Equal(t, []byte{42, 8}, got)
		})
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

func TestBackend_Close(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.Sync(ctx))
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Close(), ErrClosed)

	_, _, err := b.LookupType(ctx, "t")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = b.CommitType(ctx, "t", testDescriptor(4))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Sync(ctx), ErrClosed)
	assert.ErrorIs(t, b.CreateDataset(ctx, "d", 4, DatasetExtent{Dimensions: []uint64{1}}), ErrClosed)
	_, err = b.ReadBlock(ctx, "d", []uint64{0}, []uint32{1})
	assert.ErrorIs(t, err, ErrClosed)
}
