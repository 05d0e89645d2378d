// Package hyperslab copies rectangular selections in and out of contiguous
// row-major buffers. It backs the reference storage backend's block reads
// and writes.
package hyperslab

import (
	"fmt"
)

// strides returns the per-axis byte stride of a row-major buffer with the
// given dimensions and element size.
func strides(dims []uint64, elemSize uint64) []uint64 {
	n := len(dims)
	s := make([]uint64, n)
	s[n-1] = elemSize
	for i := n - 2; i >= 0; i-- {
		s[i] = s[i+1] * dims[i+1]
	}
	return s
}

func checkBounds(dims, start, count []uint64) error {
	if len(start) != len(dims) || len(count) != len(dims) {
		return fmt.Errorf("hyperslab: selection rank %d/%d does not match buffer rank %d",
			len(start), len(count), len(dims))
	}
	for i := range dims {
		if start[i]+count[i] > dims[i] {
			return fmt.Errorf("hyperslab: axis %d: selection [%d,%d) exceeds dimension %d",
				i, start[i], start[i]+count[i], dims[i])
		}
	}
	return nil
}

// numElements returns the product of count.
func numElements(count []uint64) uint64 {
	n := uint64(1)
	for _, c := range count {
		n *= c
	}
	return n
}

// Extract copies the selection (start, count) out of a contiguous row-major
// buffer with the given dimensions, returning a packed row-major buffer of
// the selection.
func Extract(data []byte, dims, start, count []uint64, elemSize uint64) ([]byte, error) {
	if len(dims) == 0 {
		return nil, fmt.Errorf("hyperslab: zero-rank buffer")
	}
	if err := checkBounds(dims, start, count); err != nil {
		return nil, err
	}
	out := make([]byte, numElements(count)*elemSize)
	if len(out) == 0 {
		return out, nil
	}
	walk(dims, start, count, elemSize, func(srcOff, dstOff, rowBytes uint64) {
		copy(out[dstOff:dstOff+rowBytes], data[srcOff:srcOff+rowBytes])
	})
	return out, nil
}

// Patch copies a packed row-major selection buffer into place inside a
// contiguous row-major destination with the given dimensions.
func Patch(dst []byte, dims, start, count []uint64, elemSize uint64, src []byte) error {
	if len(dims) == 0 {
		return fmt.Errorf("hyperslab: zero-rank buffer")
	}
	if err := checkBounds(dims, start, count); err != nil {
		return err
	}
	want := numElements(count) * elemSize
	if uint64(len(src)) != want {
		return fmt.Errorf("hyperslab: selection needs %d bytes, got %d", want, len(src))
	}
	walk(dims, start, count, elemSize, func(dstOff, srcOff, rowBytes uint64) {
		copy(dst[dstOff:dstOff+rowBytes], src[srcOff:srcOff+rowBytes])
	})
	return nil
}

// walk visits every contiguous innermost-axis row of the selection, calling
// fn with the byte offset of the row in the full buffer, the byte offset in
// the packed selection buffer, and the row length. The outer axes advance
// with an odometer, last axis fastest.
func walk(dims, start, count []uint64, elemSize uint64, fn func(fullOff, packedOff, rowBytes uint64)) {
	n := len(dims)
	for _, c := range count {
		if c == 0 {
			return
		}
	}
	fullStrides := strides(dims, elemSize)
	packedStrides := strides(count, elemSize)
	rowBytes := count[n-1] * elemSize

	// Odometer over the outer n-1 axes.
	idx := make([]uint64, n-1)
	for {
		fullOff := start[n-1] * fullStrides[n-1]
		packedOff := uint64(0)
		for i := 0; i < n-1; i++ {
			fullOff += (start[i] + idx[i]) * fullStrides[i]
			packedOff += idx[i] * packedStrides[i]
		}
		fn(fullOff, packedOff, rowBytes)

		i := n - 2
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < count[i] {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return
		}
	}
}

// Resize produces a new contiguous buffer with newDims, preserving the
// region shared with oldDims at the same coordinates and zero-filling the
// rest. Axes may only grow.
func Resize(data []byte, oldDims, newDims []uint64, elemSize uint64) ([]byte, error) {
	if len(oldDims) != len(newDims) {
		return nil, fmt.Errorf("hyperslab: rank change from %d to %d", len(oldDims), len(newDims))
	}
	for i := range oldDims {
		if newDims[i] < oldDims[i] {
			return nil, fmt.Errorf("hyperslab: axis %d shrinks from %d to %d", i, oldDims[i], newDims[i])
		}
	}
	out := make([]byte, numElements(newDims)*elemSize)
	if len(data) == 0 {
		return out, nil
	}
	start := make([]uint64, len(oldDims))
	if err := Patch(out, newDims, start, oldDims, elemSize, data); err != nil {
		return nil, err
	}
	return out, nil
}
