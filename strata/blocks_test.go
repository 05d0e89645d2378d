package strata

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

// -----------------------------------------------------------------------------
// Block planning
// -----------------------------------------------------------------------------

func TestPlanBlock_OneAxisClipped(t *testing.T) {
	// dims=[10], chunk=[4] -> blocks (0,4), (4,4), (8,2).
	extent := DatasetExtent{Dimensions: []uint64{10}, ChunkShape: []uint32{4}}

	tests := []struct {
		index  uint64
		offset uint64
		shape  uint32
	}{
		{0, 0, 4},
		{1, 4, 4},
		{2, 8, 2},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("block%d", tt.index), func(t *testing.T) {
			desc, err := PlanBlock(extent, BlockAt(tt.index))
			if err != nil {
				t.Fatal(err)
			}
			if desc.Offset[0] != tt.offset || desc.Shape[0] != tt.shape {
				t.Errorf("block %d = offset %d shape %d, want offset %d shape %d",
					tt.index, desc.Offset[0], desc.Shape[0], tt.offset, tt.shape)
			}
		})
	}

	if n := NumBlocks(extent); n != 3 {
		t.Errorf("NumBlocks = %d, want 3", n)
	}
}

func TestPlanBlock_ByOffset(t *testing.T) {
	extent := DatasetExtent{Dimensions: []uint64{10}, ChunkShape: []uint32{4}}

	// An offset inside a block resolves to that block's index.
	desc, err := PlanBlock(extent, BlockFrom(9))
	if err != nil {
		t.Fatal(err)
	}
	if desc.Index[0] != 2 {
		t.Errorf("offset 9 resolved to block %d, want 2", desc.Index[0])
	}
	if desc.Shape[0] != 1 {
		t.Errorf("clipped shape at offset 9 = %d, want 1", desc.Shape[0])
	}
}

func TestPlanBlock_OutOfBounds(t *testing.T) {
	extent := DatasetExtent{Dimensions: []uint64{10}, ChunkShape: []uint32{4}}

	if _, err := PlanBlock(extent, BlockAt(3)); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("block index 3: expected ErrOutOfBounds, got: %v", err)
	}
	if _, err := PlanBlock(extent, BlockFrom(10)); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("offset 10: expected ErrOutOfBounds, got: %v", err)
	}
	if _, err := PlanBlock(extent, BlockAt(0, 0)); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("rank mismatch: expected ErrOutOfBounds, got: %v", err)
	}
}

func TestPlanBlock_SelectorArity(t *testing.T) {
	extent := DatasetExtent{Dimensions: []uint64{10}, ChunkShape: []uint32{4}}

	if _, err := PlanBlock(extent, BlockSelector{}); err == nil {
		t.Error("empty selector accepted")
	}
	if _, err := PlanBlock(extent, BlockSelector{Index: []uint64{0}, Offset: []uint64{0}}); err == nil {
		t.Error("selector with both index and offset accepted")
	}
}

func TestPlanBlock_UnlimitedAxisSkipsBounds(t *testing.T) {
	extent := DatasetExtent{
		Dimensions:    []uint64{8},
		MaxDimensions: []uint64{Unlimited},
		ChunkShape:    []uint32{4},
	}

	// Beyond the current dimension is fine on an unlimited axis; the block
	// keeps the full chunk shape.
	desc, err := PlanBlock(extent, BlockAt(5))
	if err != nil {
		t.Fatal(err)
	}
	if desc.Offset[0] != 20 || desc.Shape[0] != 4 {
		t.Errorf("block 5 = offset %d shape %d, want offset 20 shape 4", desc.Offset[0], desc.Shape[0])
	}
}

func TestPlanBlock_Unchunked(t *testing.T) {
	// An unchunked dataset has one natural block covering everything.
	extent := DatasetExtent{Dimensions: []uint64{6, 7}}

	desc, err := PlanBlock(extent, BlockAt(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(desc.Shape, []uint32{6, 7}) {
		t.Errorf("shape = %v, want [6 7]", desc.Shape)
	}
	if n := NumBlocks(extent); n != 1 {
		t.Errorf("NumBlocks = %d, want 1", n)
	}
}

func TestPlanBlock1D(t *testing.T) {
	extent := DatasetExtent{Dimensions: []uint64{10}, ChunkShape: []uint32{4}}

	offset, length, err := PlanBlock1D(extent, 2)
	if err != nil {
		t.Fatal(err)
	}
	if offset != 8 || length != 2 {
		t.Errorf("block 2 = offset %d length %d, want offset 8 length 2", offset, length)
	}

	if _, _, err := PlanBlock1D(extent, 3); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("block 3 err = %v, want ErrOutOfBounds", err)
	}

	grid := DatasetExtent{Dimensions: []uint64{4, 4}, ChunkShape: []uint32{2, 2}}
	if _, _, err := PlanBlock1D(grid, 0); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("rank-2 err = %v, want ErrOutOfBounds", err)
	}
}

// -----------------------------------------------------------------------------
// Iterator
// -----------------------------------------------------------------------------

// readShapes returns a read function that records each requested block and
// serves byte buffers sized to the request.
func readShapes(log *[]BlockDescriptor) blockReadFunc {
	return func(_ context.Context, offset []uint64, shape []uint32) ([]byte, error) {
		n := 1
		for _, s := range shape {
			n *= int(s)
		}
		*log = append(*log, BlockDescriptor{
			Offset: append([]uint64(nil), offset...),
			Shape:  append([]uint32(nil), shape...),
		})
		return make([]byte, n), nil
	}
}

func TestBlockIterator_RowMajorOrder(t *testing.T) {
	extent := DatasetExtent{Dimensions: []uint64{5, 7}, ChunkShape: []uint32{2, 3}}

	var reads []BlockDescriptor
	it := newBlockIterator(extent, readShapes(&reads))

	var indexes [][]uint64
	ctx := context.Background()
	for it.Next(ctx) {
		indexes = append(indexes, append([]uint64(nil), it.Block().Index...))
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}

	// 3 row blocks x 3 column blocks, last axis fastest.
	want := [][]uint64{
		{0, 0}, {0, 1}, {0, 2},
		{1, 0}, {1, 1}, {1, 2},
		{2, 0}, {2, 1}, {2, 2},
	}
	if !reflect.DeepEqual(indexes, want) {
		t.Errorf("iteration order = %v, want %v", indexes, want)
	}
}

func TestBlockIterator_CoverageGaplessNonOverlapping(t *testing.T) {
	extent := DatasetExtent{Dimensions: []uint64{5, 7}, ChunkShape: []uint32{2, 3}}

	var reads []BlockDescriptor
	it := newBlockIterator(extent, readShapes(&reads))
	ctx := context.Background()
	for it.Next(ctx) {
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}

	// Mark every cell covered by any block; each must be covered exactly once.
	covered := make([][]int, 5)
	for i := range covered {
		covered[i] = make([]int, 7)
	}
	for _, b := range reads {
		for r := b.Offset[0]; r < b.Offset[0]+uint64(b.Shape[0]); r++ {
			for c := b.Offset[1]; c < b.Offset[1]+uint64(b.Shape[1]); c++ {
				if r >= 5 || c >= 7 {
					t.Fatalf("block %v covers cell (%d, %d) outside the dataset", b, r, c)
				}
				covered[r][c]++
			}
		}
	}
	for r := range covered {
		for c := range covered[r] {
			if covered[r][c] != 1 {
				t.Errorf("cell (%d, %d) covered %d times", r, c, covered[r][c])
			}
		}
	}
}

func TestBlockIterator_EdgeClipping(t *testing.T) {
	extent := DatasetExtent{Dimensions: []uint64{5, 7}, ChunkShape: []uint32{2, 3}}

	var reads []BlockDescriptor
	it := newBlockIterator(extent, readShapes(&reads))
	ctx := context.Background()
	for it.Next(ctx) {
	}

	// The final block on each axis is clipped: 5 = 2+2+1, 7 = 3+3+1.
	last := reads[len(reads)-1]
	if !reflect.DeepEqual(last.Shape, []uint32{1, 1}) {
		t.Errorf("corner block shape = %v, want [1 1]", last.Shape)
	}
	if !reflect.DeepEqual(last.Offset, []uint64{4, 6}) {
		t.Errorf("corner block offset = %v, want [4 6]", last.Offset)
	}
}

func TestBlockIterator_Exhaustion(t *testing.T) {
	extent := DatasetExtent{Dimensions: []uint64{10}, ChunkShape: []uint32{4}}

	var reads []BlockDescriptor
	it := newBlockIterator(extent, readShapes(&reads))
	ctx := context.Background()

	n := 0
	for it.Next(ctx) {
		n++
	}
	if n != 3 {
		t.Errorf("iterator produced %d blocks, want 3", n)
	}
	// Further calls stay exhausted and read nothing more.
	for i := 0; i < 3; i++ {
		if it.Next(ctx) {
			t.Fatal("Next returned true after exhaustion")
		}
	}
	if len(reads) != 3 {
		t.Errorf("read function called %d times, want 3", len(reads))
	}
	if err := it.Err(); err != nil {
		t.Errorf("exhausted iterator reports error: %v", err)
	}
}

func TestBlockIterator_EmptyDataset(t *testing.T) {
	extent := DatasetExtent{Dimensions: []uint64{0, 5}, ChunkShape: []uint32{2, 2}}

	it := newBlockIterator(extent, readShapes(&[]BlockDescriptor{}))
	if it.Next(context.Background()) {
		t.Error("iterator over an empty dataset produced a block")
	}
	if err := it.Err(); err != nil {
		t.Errorf("empty dataset iteration reports error: %v", err)
	}
}

func TestBlockIterator_ReadError(t *testing.T) {
	extent := DatasetExtent{Dimensions: []uint64{10}, ChunkShape: []uint32{4}}

	fail := errors.New("backend down")
	it := newBlockIterator(extent, func(context.Context, []uint64, []uint32) ([]byte, error) {
		return nil, fail
	})
	if it.Next(context.Background()) {
		t.Fatal("Next returned true for failing read")
	}
	if !errors.Is(it.Err(), fail) {
		t.Errorf("Err = %v, want wrapped backend error", it.Err())
	}
}
