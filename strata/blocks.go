package strata

import (
	"context"
	"fmt"
)

// -----------------------------------------------------------------------------
// Block planning
// -----------------------------------------------------------------------------

// BlockSelector selects one natural block of a dataset, either by per-axis
// block number or by explicit per-axis element offset. Exactly one of the
// two must be set.
type BlockSelector struct {
	Index  []uint64
	Offset []uint64
}

// BlockAt selects a block by per-axis block number.
func BlockAt(index ...uint64) BlockSelector {
	return BlockSelector{Index: index}
}

// BlockFrom selects a block by explicit per-axis element offset.
func BlockFrom(offset ...uint64) BlockSelector {
	return BlockSelector{Offset: offset}
}

// PlanBlock computes the extent of one natural block. The block's shape
// equals the chunk shape except on the final block of an axis, where it is
// clipped to the remaining elements. Unchunked datasets have a single block
// covering the whole dataset.
//
// Fails with ErrOutOfBounds when the selected offset lies outside the
// dataset on a bounded axis. Axes marked Unlimited are never bounds-checked.
func PlanBlock(extent DatasetExtent, sel BlockSelector) (BlockDescriptor, error) {
	rank := extent.Rank()
	if rank == 0 {
		return BlockDescriptor{}, fmt.Errorf("%w: dataset extent has rank 0", ErrOutOfBounds)
	}
	if (len(sel.Index) > 0) == (len(sel.Offset) > 0) {
		return BlockDescriptor{}, fmt.Errorf("strata: block selector needs exactly one of index or offset")
	}

	chunk := normalChunkShape(extent)
	for i, c := range chunk {
		if c == 0 {
			return BlockDescriptor{}, fmt.Errorf("%w: axis %d has no elements", ErrOutOfBounds, i)
		}
	}
	var index, offset []uint64
	if len(sel.Index) > 0 {
		if len(sel.Index) != rank {
			return BlockDescriptor{}, fmt.Errorf("%w: selector has %d axes, dataset has %d", ErrOutOfBounds, len(sel.Index), rank)
		}
		index = append([]uint64(nil), sel.Index...)
		offset = make([]uint64, rank)
		for i := range index {
			offset[i] = index[i] * uint64(chunk[i])
		}
	} else {
		if len(sel.Offset) != rank {
			return BlockDescriptor{}, fmt.Errorf("%w: selector has %d axes, dataset has %d", ErrOutOfBounds, len(sel.Offset), rank)
		}
		offset = append([]uint64(nil), sel.Offset...)
		index = make([]uint64, rank)
		for i := range offset {
			index[i] = offset[i] / uint64(chunk[i])
		}
	}

	shape := make([]uint32, rank)
	for i := 0; i < rank; i++ {
		shape[i] = chunk[i]
		if unboundedAxis(extent, i) {
			continue
		}
		dim := extent.Dimensions[i]
		if offset[i] >= dim {
			return BlockDescriptor{}, fmt.Errorf("%w: offset %d exceeds dimension %d on axis %d",
				ErrOutOfBounds, offset[i], dim, i)
		}
		if rem := dim - offset[i]; rem < uint64(chunk[i]) {
			shape[i] = uint32(rem)
		}
	}
	return BlockDescriptor{Index: index, Offset: offset, Shape: shape}, nil
}

// PlanBlock1D computes the element offset and length of one natural block
// of a rank-1 dataset. It is a convenience over PlanBlock for the common
// flat-array case.
func PlanBlock1D(extent DatasetExtent, blockIndex uint64) (offset uint64, length uint32, err error) {
	if extent.Rank() != 1 {
		return 0, 0, fmt.Errorf("%w: dataset has rank %d, need rank 1", ErrOutOfBounds, extent.Rank())
	}
	blk, err := PlanBlock(extent, BlockAt(blockIndex))
	if err != nil {
		return 0, 0, err
	}
	return blk.Offset[0], blk.Shape[0], nil
}

// BlockCounts returns the number of natural blocks per axis.
func BlockCounts(extent DatasetExtent) []uint64 {
	chunk := normalChunkShape(extent)
	counts := make([]uint64, extent.Rank())
	for i := range counts {
		counts[i] = (extent.Dimensions[i] + uint64(chunk[i]) - 1) / uint64(chunk[i])
	}
	return counts
}

// NumBlocks returns the total number of natural blocks in the dataset.
func NumBlocks(extent DatasetExtent) uint64 {
	total := uint64(1)
	for _, c := range BlockCounts(extent) {
		total *= c
	}
	return total
}

// normalChunkShape returns the effective chunk shape: the declared one, or
// the whole dataset for monolithic datasets.
func normalChunkShape(extent DatasetExtent) []uint32 {
	if extent.Chunked() {
		return extent.ChunkShape
	}
	chunk := make([]uint32, extent.Rank())
	for i, d := range extent.Dimensions {
		chunk[i] = uint32(d)
	}
	return chunk
}

// unboundedAxis reports whether axis i carries the Unlimited marker, either
// in the current or the max dimensions.
func unboundedAxis(extent DatasetExtent, i int) bool {
	if extent.Dimensions[i] == Unlimited {
		return true
	}
	return i < len(extent.MaxDimensions) && extent.MaxDimensions[i] == Unlimited
}

// -----------------------------------------------------------------------------
// Block iterator
// -----------------------------------------------------------------------------

// blockReadFunc is the storage backend's block-read primitive.
type blockReadFunc func(ctx context.Context, offset []uint64, shape []uint32) ([]byte, error)

// BlockIterator walks a dataset's natural blocks in row-major order, last
// axis fastest. It is forward-only and single-pass: a partially consumed
// iterator cannot be restarted, construct a fresh one instead.
//
// Usage follows the scanner pattern:
//
//	for it.Next(ctx) {
//		b := it.Block()
//		...
//	}
//	if err := it.Err(); err != nil {
//		...
//	}
type BlockIterator struct {
	read      blockReadFunc
	extent    DatasetExtent
	counts    []uint64
	cursor    []uint64
	exhausted bool
	block     *DataBlock
	err       error
}

func newBlockIterator(extent DatasetExtent, read blockReadFunc) *BlockIterator {
	it := &BlockIterator{
		read:   read,
		extent: extent,
		counts: BlockCounts(extent),
		cursor: make([]uint64, extent.Rank()),
	}
	for _, c := range it.counts {
		if c == 0 {
			it.exhausted = true
		}
	}
	return it
}

// Next plans and reads the next block. It returns false when the iterator
// is exhausted or a read failed; check Err to distinguish.
func (it *BlockIterator) Next(ctx context.Context) bool {
	if it.exhausted || it.err != nil {
		return false
	}
	desc, err := PlanBlock(it.extent, BlockSelector{Index: it.cursor})
	if err != nil {
		it.err = err
		return false
	}
	data, err := it.read(ctx, desc.Offset, desc.Shape)
	if err != nil {
		it.err = fmt.Errorf("strata: reading block %v: %w", desc.Index, err)
		return false
	}
	it.block = &DataBlock{BlockDescriptor: desc, Data: data}
	it.advance()
	return true
}

// Block returns the block produced by the last successful Next.
func (it *BlockIterator) Block() *DataBlock {
	return it.block
}

// Err returns the first error encountered, or nil after normal exhaustion.
func (it *BlockIterator) Err() error {
	return it.err
}

// advance increments the multi-axis cursor with last-axis-fastest carry
// propagation. Carrying out of the first axis exhausts the iterator.
func (it *BlockIterator) advance() {
	for i := len(it.cursor) - 1; i >= 0; i-- {
		it.cursor[i]++
		if it.cursor[i] < it.counts[i] {
			return
		}
		it.cursor[i] = 0
	}
	it.exhausted = true
}
