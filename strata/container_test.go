package strata

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncCountBackend counts Sync calls so tests can pin down which container
// operations actually force a sync.
type syncCountBackend struct {
	Backend
	syncs atomic.Int64
}

func (b *syncCountBackend) Sync(ctx context.Context) error {
	b.syncs.Add(1)
	return b.Backend.Sync(ctx)
}

func newSyncCountBackend() *syncCountBackend {
	return &syncCountBackend{Backend: NewStoreBackend(NewMemoryStore())}
}

func TestContainer_SyncOnClose(t *testing.T) {
	ctx := context.Background()
	backend := newSyncCountBackend()
	c := Open(backend, WithSyncMode(SyncOnClose))

	// Flush is a no-op under SyncOnClose.
	require.NoError(t, c.Flush(ctx))
	assert.EqualValues(t, 0, backend.syncs.Load())

	require.NoError(t, c.Close(ctx))
	assert.EqualValues(t, 1, backend.syncs.Load())
}

func TestContainer_SyncNone(t *testing.T) {
	ctx := context.Background()
	backend := newSyncCountBackend()
	c := Open(backend, WithSyncMode(SyncNone))

	require.NoError(t, c.Flush(ctx))
	require.NoError(t, c.Close(ctx))
	assert.EqualValues(t, 0, backend.syncs.Load())
}

func TestContainer_SyncOnFlushBlocking(t *testing.T) {
	ctx := context.Background()
	backend := newSyncCountBackend()
	c := Open(backend, WithSyncMode(SyncOnFlushBlocking))

	require.NoError(t, c.Flush(ctx))
	assert.EqualValues(t, 1, backend.syncs.Load(), "blocking flush completes before returning")

	require.NoError(t, c.Flush(ctx))
	require.NoError(t, c.Close(ctx))
	// Two flushes plus the final close sync.
	assert.EqualValues(t, 3, backend.syncs.Load())
}

func TestContainer_SyncOnFlushDrainsOnClose(t *testing.T) {
	ctx := context.Background()
	backend := newSyncCountBackend()
	c := Open(backend, WithSyncMode(SyncOnFlush))

	// Fire-and-forget flushes are observed by Close: the worker processes
	// queued syncs in order before the closing sync.
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Flush(ctx))
	}
	require.NoError(t, c.Close(ctx))
	assert.EqualValues(t, 6, backend.syncs.Load())
}

func TestContainer_FlushDuringClose(t *testing.T) {
	// Flushes racing a concurrent Close must either complete or report
	// ErrClosed; they must never panic or hang.
	for _, mode := range []SyncMode{SyncOnFlush, SyncOnFlushBlocking} {
		t.Run(mode.String(), func(t *testing.T) {
			for iter := 0; iter < 200; iter++ {
				ctx := context.Background()
				c := Open(newSyncCountBackend(), WithSyncMode(mode))

				var wg sync.WaitGroup
				start := make(chan struct{})
				for g := 0; g < 8; g++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						<-start
						for {
							if err := c.Flush(ctx); err != nil {
								assert.ErrorIs(t, err, ErrClosed)
								return
							}
						}
					}()
				}
				close(start)
				require.NoError(t, c.Close(ctx))
				wg.Wait()
			}
		})
	}
}

func TestContainer_Closed(t *testing.T) {
	ctx := context.Background()
	c := Open(newSyncCountBackend())

	require.NoError(t, c.Close(ctx))
	assert.ErrorIs(t, c.Flush(ctx), ErrClosed)
	assert.ErrorIs(t, c.Close(ctx), ErrClosed)

	_, err := c.Types().LookupType(ctx, "t")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestContainer_RecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := Open(NewStoreBackend(NewMemoryStore()), WithSyncMode(SyncNone))
	defer c.Close(ctx)

	shape := NewShape().
		Scalar("id", PrimitiveInt32).
		Scalar("value", PrimitiveFloat64).
		MustBuild()
	ct, err := c.Types().GetOrCreateType(ctx, "sample", shape, false)
	require.NoError(t, err)

	codec, err := NewMapCodec(shape)
	require.NoError(t, err)

	extent := DatasetExtent{
		Dimensions: []uint64{8},
		ChunkShape: []uint32{4},
	}
	require.NoError(t, c.CreateDataset(ctx, "data/samples", ct, extent))

	records := []any{
		map[string]any{"id": int32(1), "value": 1.5},
		map[string]any{"id": int32(2), "value": -2.25},
		map[string]any{"id": int32(3), "value": 0.0},
	}
	require.NoError(t, c.WriteRecords(ctx, "data/samples", codec, 2, records))

	got, err := c.ReadRecords(ctx, "data/samples", codec, 2, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, rec := range got {
		assert.Equal(t, records[i], rec, "record %d", i)
	}
}

func TestContainer_RecordIORequiresRankOne(t *testing.T) {
	ctx := context.Background()
	c := Open(NewStoreBackend(NewMemoryStore()), WithSyncMode(SyncNone))
	defer c.Close(ctx)

	shape := NewShape().Scalar("v", PrimitiveInt32).MustBuild()
	ct, err := c.Types().GetOrCreateType(ctx, "t", shape, false)
	require.NoError(t, err)
	codec, err := NewMapCodec(shape)
	require.NoError(t, err)

	extent := DatasetExtent{
		Dimensions: []uint64{2, 2},
		ChunkShape: []uint32{2, 2},
	}
	require.NoError(t, c.CreateDataset(ctx, "grid", ct, extent))

	err = c.WriteRecords(ctx, "grid", codec, 0, []any{map[string]any{"v": int32(1)}})
	assert.Error(t, err)
	_, err = c.ReadRecords(ctx, "grid", codec, 0, 1)
	assert.Error(t, err)
}

func TestContainer_RecordSizeMismatch(t *testing.T) {
	ctx := context.Background()
	c := Open(NewStoreBackend(NewMemoryStore()), WithSyncMode(SyncNone))
	defer c.Close(ctx)

	narrow := NewShape().Scalar("v", PrimitiveInt32).MustBuild()
	wide := NewShape().Scalar("v", PrimitiveInt64).MustBuild()

	ct, err := c.Types().GetOrCreateType(ctx, "narrow", narrow, false)
	require.NoError(t, err)
	require.NoError(t, c.CreateDataset(ctx, "d", ct, DatasetExtent{
		Dimensions: []uint64{4},
		ChunkShape: []uint32{4},
	}))

	wideCodec, err := NewMapCodec(wide)
	require.NoError(t, err)
	err = c.WriteRecords(ctx, "d", wideCodec, 0, []any{map[string]any{"v": int64(1)}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestContainer_NaturalBlocks(t *testing.T) {
	ctx := context.Background()
	c := Open(NewStoreBackend(NewMemoryStore()), WithSyncMode(SyncNone))
	defer c.Close(ctx)

	shape := NewShape().Scalar("v", PrimitiveFloat64).MustBuild()
	ct, err := c.Types().GetOrCreateType(ctx, "cell", shape, false)
	require.NoError(t, err)

	extent := DatasetExtent{
		Dimensions: []uint64{6, 6},
		ChunkShape: []uint32{4, 4},
	}
	require.NoError(t, c.CreateDataset(ctx, "grid", ct, extent))

	it, err := c.NaturalBlocks(ctx, "grid")
	require.NoError(t, err)

	var shapes [][]uint32
	for it.Next(ctx) {
		blk := it.Block()
		shapes = append(shapes, blk.Shape)
		assert.Len(t, blk.Data, int(blk.NumElements())*8)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, [][]uint32{{4, 4}, {4, 2}, {2, 4}, {2, 2}}, shapes)
}
