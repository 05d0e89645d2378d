package strata

import (
	"fmt"
)

// -----------------------------------------------------------------------------
// N-dimensional array value
// -----------------------------------------------------------------------------

// NDArray is a dense N-dimensional array backed by a flat slice in row-major
// order (last axis fastest). It is the value type for KindNDArray members.
type NDArray[T any] struct {
	dims []int
	data []T
}

// NewNDArray allocates a zeroed array with the given dimensions.
func NewNDArray[T any](dims ...int) *NDArray[T] {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return &NDArray[T]{
		dims: append([]int(nil), dims...),
		data: make([]T, n),
	}
}

// NDArrayOf wraps an existing flat backing slice. The slice length must equal
// the product of the dimensions.
func NDArrayOf[T any](data []T, dims ...int) (*NDArray[T], error) {
	n := 1
	for _, d := range dims {
		if d < 0 {
			return nil, fmt.Errorf("%w: negative dimension %d", ErrDimensionMismatch, d)
		}
		n *= d
	}
	if len(data) != n {
		return nil, fmt.Errorf("%w: backing slice has %d elements, dimensions %v need %d",
			ErrDimensionMismatch, len(data), dims, n)
	}
	return &NDArray[T]{
		dims: append([]int(nil), dims...),
		data: data,
	}, nil
}

// Dimensions returns a copy of the array's dimensions.
func (a *NDArray[T]) Dimensions() []int {
	return append([]int(nil), a.dims...)
}

// Rank returns the number of axes.
func (a *NDArray[T]) Rank() int {
	return len(a.dims)
}

// Len returns the total number of elements.
func (a *NDArray[T]) Len() int {
	return len(a.data)
}

// Flat returns the backing slice in row-major order. Mutating it mutates the
// array.
func (a *NDArray[T]) Flat() []T {
	return a.data
}

// At returns the element at the given multi-index.
func (a *NDArray[T]) At(idx ...int) T {
	return a.data[a.flatIndex(idx)]
}

// Set stores v at the given multi-index.
func (a *NDArray[T]) Set(v T, idx ...int) {
	a.data[a.flatIndex(idx)] = v
}

func (a *NDArray[T]) flatIndex(idx []int) int {
	if len(idx) != len(a.dims) {
		panic(fmt.Sprintf("strata: index rank %d does not match array rank %d", len(idx), len(a.dims)))
	}
	flat := 0
	for i, x := range idx {
		if x < 0 || x >= a.dims[i] {
			panic(fmt.Sprintf("strata: index %d out of range [0,%d) on axis %d", x, a.dims[i], i))
		}
		flat = flat*a.dims[i] + x
	}
	return flat
}

// dimsEqual reports whether the array's dimensions equal declared.
func (a *NDArray[T]) dimsEqual(declared []int) bool {
	if len(a.dims) != len(declared) {
		return false
	}
	for i, d := range a.dims {
		if d != declared[i] {
			return false
		}
	}
	return true
}
