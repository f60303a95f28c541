// Package shapes defines Shape and associated tools.
//
// Shape represents the layout (rank, dimensions, strides and DType) of either a
// concrete Literal value or the expected output of an instruction in a rewrite
// Module. DType indicates the type of the unit element and is the enumeration
// defined in github.com/gomlx/gopjrt/dtypes.
//
// Unlike a plain dims-only shape, strides are carried explicitly: the rewrite
// passes need to reason about views (transposes, broadcasts, slices) without
// materializing them, and the concat-elimination pass needs to decide whether
// a write-through into a sliced buffer is layout-safe.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions).
//   - Axis: the index of a dimension. We refer to a dimension index as "axis"
//     (plural axes), and to its size as its dimension.
//   - Standard: row-major contiguous strides, the layout kernels are compiled
//     against.
//   - Packed: the strides address every element exactly once (no gaps), though
//     possibly in a permuted order.
//   - Broadcasted: at least one axis with dimension > 1 has stride 0.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gopjrt/dtypes"
)

// Shape represents the layout of either a Literal or the expected output of an
// instruction in a Module.
//
// Use Make to create a new standard (row-major) shape, or MakeWithStrides for
// an arbitrary view.
type Shape struct {
	DType      DType
	Dimensions []int
	Strides    []int
}

// StandardStrides returns the row-major contiguous strides for the given dimensions.
func StandardStrides(dimensions []int) []int {
	strides := make([]int, len(dimensions))
	stride := 1
	for axis := len(dimensions) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dimensions[axis]
	}
	return strides
}

// Make returns a Shape with row-major contiguous strides.
func Make(dtype DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions), Strides: StandardStrides(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// MakeWithStrides returns a Shape with the explicitly given strides. A stride
// of 0 marks a broadcast axis.
func MakeWithStrides(dtype DType, dimensions, strides []int) Shape {
	if len(dimensions) != len(strides) {
		exceptions.Panicf("shapes.MakeWithStrides: %d dimensions but %d strides", len(dimensions), len(strides))
	}
	return Shape{DType: dtype, Dimensions: slices.Clone(dimensions), Strides: slices.Clone(strides)}
}

// Scalar returns a scalar Shape for the given type.
func Scalar(dtype DType) Shape {
	return Shape{DType: dtype}
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != InvalidDType }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar: no axes (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. The axis can take negative
// values, in which case it counts from the end -- so axis=-1 refers to the
// last axis. It panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Stride returns the stride of the given axis, with the same negative-axis
// convention as Dim.
func (s Shape) Stride(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Stride(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Strides[adjustedAxis]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements fmt.Stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	if s.Standard() {
		return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
	}
	return fmt.Sprintf("(%s)%v/%v", s.DType, s.Dimensions, s.Strides)
}

// Size returns the number of elements addressed by this shape. It's the
// product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Standard returns whether the strides are the row-major contiguous strides of
// the dimensions.
func (s Shape) Standard() bool {
	return slices.Equal(s.Strides, StandardStrides(s.Dimensions))
}

// Broadcasted returns whether any axis with dimension > 1 has stride 0, i.e.,
// the shape repeats data.
func (s Shape) Broadcasted() bool {
	for axis, dim := range s.Dimensions {
		if dim > 1 && s.Strides[axis] == 0 {
			return true
		}
	}
	return false
}

// Packed returns whether the strides address every element exactly once: the
// sorted (stride, dimension) pairs tile the index space with no gaps. A
// standard shape is always packed; a transposed standard shape is packed but
// not standard.
func (s Shape) Packed() bool {
	if s.Broadcasted() {
		return false
	}
	type axisPair struct{ stride, dim int }
	axes := make([]axisPair, 0, s.Rank())
	for axis := range s.Dimensions {
		axes = append(axes, axisPair{s.Strides[axis], s.Dimensions[axis]})
	}
	slices.SortFunc(axes, func(a, b axisPair) int { return a.stride - b.stride })
	expected := 1
	for _, p := range axes {
		if p.dim == 1 {
			continue
		}
		if p.stride != expected {
			return false
		}
		expected *= p.dim
	}
	return true
}

// PackedAround returns whether a direct write-through along the given axis is
// layout-safe: every other axis either has a stride below the given axis'
// stride or has dimension 1, so a slice along the axis leaves no gaps. This is
// the approximate test used by concat elimination.
func (s Shape) PackedAround(axis int) bool {
	aStride := s.Strides[axis]
	for ii, dim := range s.Dimensions {
		if ii == axis {
			continue
		}
		if s.Strides[ii] < aStride || dim == 1 {
			continue
		}
		return false
	}
	return true
}

// Standardized returns the same dimensions and DType with standard row-major
// strides. Submodule parameters always take the standardized shape of their
// source value, so compiled kernels don't need to special-case views.
func (s Shape) Standardized() Shape {
	return Make(s.DType, s.Dimensions...)
}

// WithDimensions returns a standard shape with the same DType and the new
// dimensions.
func (s Shape) WithDimensions(dimensions ...int) Shape {
	return Make(s.DType, dimensions...)
}

// WithDType returns a copy of the shape with the element type replaced.
func (s Shape) WithDType(dtype DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// Permute returns the view of the shape with axes permuted: axis ii of the
// result is axis permutation[ii] of s.
func (s Shape) Permute(permutation []int) Shape {
	if len(permutation) != s.Rank() {
		exceptions.Panicf("Shape.Permute: permutation %v doesn't match rank of %s", permutation, s)
	}
	dims := make([]int, s.Rank())
	strides := make([]int, s.Rank())
	seen := make([]bool, s.Rank())
	for ii, axis := range permutation {
		if axis < 0 || axis >= s.Rank() || seen[axis] {
			exceptions.Panicf("Shape.Permute: %v is not a permutation of the axes of %s", permutation, s)
		}
		seen[axis] = true
		dims[ii] = s.Dimensions[axis]
		strides[ii] = s.Strides[axis]
	}
	return Shape{DType: s.DType, Dimensions: dims, Strides: strides}
}

// Equal compares two shapes for equality: dtype, dimensions and strides.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions) &&
		slices.Equal(s.Strides, s2.Strides)
}

// EqualDimensions compares two shapes for equality of dimensions only. DTypes
// and strides can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	s2.Strides = slices.Clone(s.Strides)
	return
}
