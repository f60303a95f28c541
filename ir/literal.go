package ir

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/graphfuse/graphfuse/types/shapes"
)

// Literal is a constant tensor value: a shape plus flat data in standard
// row-major order. Values are stored as float64 already rounded/saturated to
// the literal's dtype, so comparisons and the reference evaluator see exactly
// the values a backend kernel would.
type Literal struct {
	shape shapes.Shape
	data  []float64
}

// NewLiteral creates a Literal with the given shape (standardized) and
// values, given in row-major order. The values are converted to the shape's
// dtype.
func NewLiteral(shape shapes.Shape, values ...float64) *Literal {
	shape = shape.Standardized()
	if len(values) != shape.Size() {
		exceptions.Panicf("NewLiteral: shape %s needs %d values, got %d", shape, shape.Size(), len(values))
	}
	l := &Literal{shape: shape, data: slices.Clone(values)}
	for ii, v := range l.data {
		l.data[ii] = convertToDType(v, shape.DType)
	}
	return l
}

// ScalarLiteral creates a rank-0 Literal.
func ScalarLiteral(dtype dtypes.DType, value float64) *Literal {
	return NewLiteral(shapes.Scalar(dtype), value)
}

// Zeros creates a Literal with the given shape filled with zeros.
func Zeros(shape shapes.Shape) *Literal {
	shape = shape.Standardized()
	return &Literal{shape: shape, data: make([]float64, shape.Size())}
}

// Shape of the literal. Always standard layout.
func (l *Literal) Shape() shapes.Shape { return l.shape }

// Values returns the flat data in row-major order. The returned slice is
// owned by the literal and must not be mutated.
func (l *Literal) Values() []float64 { return l.data }

// At returns the value at the flat row-major index.
func (l *Literal) At(flatIdx int) float64 { return l.data[flatIdx] }

// AllZero returns whether every element is zero. Used to detect symmetric
// quantization zero points.
func (l *Literal) AllZero() bool {
	for _, v := range l.data {
		if v != 0 {
			return false
		}
	}
	return true
}

// AllEqualTo returns whether every element equals v (with inf matching inf).
func (l *Literal) AllEqualTo(v float64) bool {
	for _, e := range l.data {
		if e == v {
			continue
		}
		if math.IsInf(v, 0) && math.IsInf(e, 0) && math.Signbit(v) == math.Signbit(e) {
			continue
		}
		return false
	}
	return true
}

// Equal compares dtype, dimensions and values.
func (l *Literal) Equal(other *Literal) bool {
	if l == nil || other == nil {
		return l == other
	}
	return l.shape.DType == other.shape.DType &&
		l.shape.EqualDimensions(other.shape) &&
		slices.Equal(l.data, other.data)
}

// WithShape reinterprets the data with a different shape of the same size.
func (l *Literal) WithShape(shape shapes.Shape) *Literal {
	shape = shape.Standardized()
	if shape.Size() != l.shape.Size() {
		exceptions.Panicf("Literal.WithShape: cannot reinterpret %s as %s", l.shape, shape)
	}
	return NewLiteral(shape, l.data...)
}

// convertToDType rounds/saturates v to what the dtype can represent.
func convertToDType(v float64, dtype dtypes.DType) float64 {
	switch dtype {
	case dtypes.Float64:
		return v
	case dtypes.Float32:
		return float64(float32(v))
	case dtypes.Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case dtypes.Bool:
		if v != 0 {
			return 1
		}
		return 0
	default:
		lo, hi := dtypeRange(dtype)
		return math.Min(math.Max(math.Trunc(v), lo), hi)
	}
}

// dtypeRange returns the representable [min, max] of an integer dtype.
func dtypeRange(dtype dtypes.DType) (lo, hi float64) {
	switch dtype {
	case dtypes.Int8:
		return math.MinInt8, math.MaxInt8
	case dtypes.Uint8:
		return 0, math.MaxUint8
	case dtypes.Int16:
		return math.MinInt16, math.MaxInt16
	case dtypes.Int32:
		return math.MinInt32, math.MaxInt32
	case dtypes.Int64:
		return math.MinInt64, math.MaxInt64
	default:
		exceptions.Panicf("dtypeRange: %s is not an integer dtype", dtype)
		return
	}
}

// mapLiterals evaluates fn elementwise over the args, which must either match
// the output size or be scalars (implicitly repeated). The result takes the
// given output shape.
func mapLiterals(out shapes.Shape, args []*Literal, fn func(vs []float64) float64) *Literal {
	out = out.Standardized()
	size := out.Size()
	values := make([]float64, size)
	vs := make([]float64, len(args))
	for idx := 0; idx < size; idx++ {
		for ai, arg := range args {
			if arg.shape.Size() == 1 {
				vs[ai] = arg.data[0]
			} else {
				vs[ai] = arg.data[idx]
			}
		}
		values[idx] = fn(vs)
	}
	return NewLiteral(out, values...)
}

// multiIndex iterates the row-major multi-index space of dims, calling fn
// with the current multi-index.
func multiIndex(dims []int, fn func(idx []int)) {
	idx := make([]int, len(dims))
	for {
		fn(idx)
		axis := len(dims) - 1
		for ; axis >= 0; axis-- {
			idx[axis]++
			if idx[axis] < dims[axis] {
				break
			}
			idx[axis] = 0
		}
		if axis < 0 {
			return
		}
	}
}

// flatIndex converts a multi-index to a row-major flat index for dims.
func flatIndex(dims, idx []int) int {
	flat := 0
	for axis, d := range dims {
		flat = flat*d + idx[axis]
	}
	return flat
}

func broadcastLiteral(in *Literal, axis int, outDims []int) *Literal {
	out := Zeros(shapes.Make(in.shape.DType, outDims...))
	inDims := in.shape.Dimensions
	multiIndex(outDims, func(idx []int) {
		out.data[flatIndex(outDims, idx)] = in.data[flatIndex(inDims, idx[axis:axis+len(inDims)])]
	})
	return out
}

func multibroadcastLiteral(in *Literal, outDims []int) *Literal {
	out := Zeros(shapes.Make(in.shape.DType, outDims...))
	inDims := in.shape.Dimensions
	offset := len(outDims) - len(inDims)
	srcIdx := make([]int, len(inDims))
	multiIndex(outDims, func(idx []int) {
		for ii := range inDims {
			srcIdx[ii] = idx[offset+ii]
			if inDims[ii] == 1 {
				srcIdx[ii] = 0
			}
		}
		out.data[flatIndex(outDims, idx)] = in.data[flatIndex(inDims, srcIdx)]
	})
	return out
}

func transposeLiteral(in *Literal, perm []int) *Literal {
	inDims := in.shape.Dimensions
	outDims := make([]int, len(inDims))
	for ii, axis := range perm {
		outDims[ii] = inDims[axis]
	}
	out := Zeros(shapes.Make(in.shape.DType, outDims...))
	srcIdx := make([]int, len(inDims))
	multiIndex(outDims, func(idx []int) {
		for ii, axis := range perm {
			srcIdx[axis] = idx[ii]
		}
		out.data[flatIndex(outDims, idx)] = in.data[flatIndex(inDims, srcIdx)]
	})
	return out
}

func sliceLiteral(in *Literal, axes, starts, ends []int) *Literal {
	inDims := in.shape.Dimensions
	outDims := slices.Clone(inDims)
	for ii, axis := range axes {
		outDims[axis] = ends[ii] - starts[ii]
	}
	out := Zeros(shapes.Make(in.shape.DType, outDims...))
	srcIdx := make([]int, len(inDims))
	multiIndex(outDims, func(idx []int) {
		copy(srcIdx, idx)
		for ii, axis := range axes {
			srcIdx[axis] += starts[ii]
		}
		out.data[flatIndex(outDims, idx)] = in.data[flatIndex(inDims, srcIdx)]
	})
	return out
}

func concatLiterals(args []*Literal, axis int) (*Literal, error) {
	if len(args) == 0 {
		return nil, errors.Errorf("concat of zero literals")
	}
	outDims := slices.Clone(args[0].shape.Dimensions)
	if axis < 0 {
		axis += len(outDims)
	}
	for _, arg := range args[1:] {
		outDims[axis] += arg.shape.Dim(axis)
	}
	out := Zeros(shapes.Make(args[0].shape.DType, outDims...))
	start := 0
	for _, arg := range args {
		inDims := arg.shape.Dimensions
		multiIndex(inDims, func(idx []int) {
			dstIdx := slices.Clone(idx)
			dstIdx[axis] += start
			out.data[flatIndex(outDims, dstIdx)] = arg.data[flatIndex(inDims, idx)]
		})
		start += inDims[axis]
	}
	return out, nil
}

func reduceLiteral(in *Literal, kind string, axes []int) (*Literal, error) {
	inDims := in.shape.Dimensions
	outDims := slices.Clone(inDims)
	reduced := make([]bool, len(inDims))
	count := 1
	for _, axis := range axes {
		outDims[axis] = 1
		reduced[axis] = true
		count *= inDims[axis]
	}
	out := Zeros(shapes.Make(in.shape.DType, outDims...))
	if kind == "max" {
		for ii := range out.data {
			out.data[ii] = math.Inf(-1)
		}
	}
	dstIdx := make([]int, len(inDims))
	multiIndex(inDims, func(idx []int) {
		copy(dstIdx, idx)
		for axis, r := range reduced {
			if r {
				dstIdx[axis] = 0
			}
		}
		flat := flatIndex(outDims, dstIdx)
		v := in.data[flatIndex(inDims, idx)]
		switch kind {
		case "sum", "mean":
			out.data[flat] += v
		case "max":
			out.data[flat] = math.Max(out.data[flat], v)
		}
	})
	switch kind {
	case "mean":
		for ii := range out.data {
			out.data[ii] /= float64(count)
		}
	case "sum", "max":
	default:
		return nil, errors.Errorf("no evaluator for reduction kind %q", kind)
	}
	// Re-apply dtype rounding after accumulation.
	return NewLiteral(out.shape, out.data...), nil
}

func dotLiterals(lhs, rhs *Literal, outDType dtypes.DType) (*Literal, error) {
	lDims := lhs.shape.Dimensions
	rDims := rhs.shape.Dimensions
	rank := len(lDims)
	outDims, err := dotDims("dot", lhs.shape, rhs.shape)
	if err != nil {
		return nil, err
	}
	out := Zeros(shapes.Make(outDType, outDims...))
	k := lDims[rank-1]
	lIdx := make([]int, rank)
	rIdx := make([]int, rank)
	multiIndex(outDims, func(idx []int) {
		copy(lIdx, idx)
		copy(rIdx, idx)
		rIdx[rank-1] = idx[rank-1]
		var acc float64
		for kk := 0; kk < k; kk++ {
			lIdx[rank-1] = kk
			rIdx[rank-2] = kk
			acc += lhs.data[flatIndex(lDims, lIdx)] * rhs.data[flatIndex(rDims, rIdx)]
		}
		out.data[flatIndex(outDims, idx)] = acc
	})
	return NewLiteral(out.shape, out.data...), nil
}
