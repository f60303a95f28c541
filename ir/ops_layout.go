package ir

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/graphfuse/graphfuse/types/shapes"
	"github.com/graphfuse/graphfuse/types/xslices"
)

var layoutAttrs = Attributes{AttrLayout: true}

// LayoutOpNames are the layout-only operations that pattern matchers
// transparently skip when looking for a fusable producer.
var LayoutOpNames = []string{"broadcast", "multibroadcast", "contiguous", "transpose", "reshape"}

// broadcastOp places the input's axes at [Axis, Axis+rank) of OutDims and
// repeats the data along the remaining axes (stride 0 view).
type broadcastOp struct {
	Axis    int
	OutDims []int
}

func (broadcastOp) Name() string { return "broadcast" }
func (op broadcastOp) Attrs() Attributes {
	return Attributes{AttrLayout: true, AttrAxes: []int{op.Axis}}
}

func (op broadcastOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) != 1 {
		return shapes.Invalid(), errors.Errorf("broadcast takes 1 input, got %d", len(inputs))
	}
	in := inputs[0]
	if op.Axis < 0 || op.Axis+in.Rank() > len(op.OutDims) {
		return shapes.Invalid(), errors.Errorf("broadcast axis %d out of range for input %s into %v", op.Axis, in, op.OutDims)
	}
	strides := make([]int, len(op.OutDims))
	for ii := 0; ii < in.Rank(); ii++ {
		if in.Dim(ii) != op.OutDims[op.Axis+ii] {
			return shapes.Invalid(), errors.Errorf("broadcast input %s doesn't fit %v at axis %d", in, op.OutDims, op.Axis)
		}
		strides[op.Axis+ii] = in.Stride(ii)
	}
	return shapes.MakeWithStrides(in.DType, op.OutDims, strides), nil
}

func (op broadcastOp) Eval(args []*Literal, mods []*Module) (*Literal, error) {
	return broadcastLiteral(args[0], op.Axis, op.OutDims), nil
}

// Broadcast returns the single-axis broadcast op: the input's axes are placed
// starting at the given axis of outDims.
func Broadcast(axis int, outDims ...int) Op {
	return broadcastOp{Axis: axis, OutDims: slices.Clone(outDims)}
}

// multibroadcastOp broadcasts right-aligned: dimensions of size 1 (or missing
// leading axes) are repeated to reach OutDims.
type multibroadcastOp struct {
	OutDims []int
}

func (multibroadcastOp) Name() string      { return "multibroadcast" }
func (multibroadcastOp) Attrs() Attributes { return layoutAttrs }

func (op multibroadcastOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) != 1 {
		return shapes.Invalid(), errors.Errorf("multibroadcast takes 1 input, got %d", len(inputs))
	}
	in := inputs[0]
	offset := len(op.OutDims) - in.Rank()
	if offset < 0 {
		return shapes.Invalid(), errors.Errorf("multibroadcast cannot shrink rank of %s to %v", in, op.OutDims)
	}
	strides := make([]int, len(op.OutDims))
	for ii := 0; ii < in.Rank(); ii++ {
		switch {
		case in.Dim(ii) == op.OutDims[offset+ii]:
			strides[offset+ii] = in.Stride(ii)
		case in.Dim(ii) == 1:
			strides[offset+ii] = 0
		default:
			return shapes.Invalid(), errors.Errorf("multibroadcast input %s is incompatible with %v", in, op.OutDims)
		}
	}
	return shapes.MakeWithStrides(in.DType, op.OutDims, strides), nil
}

func (op multibroadcastOp) Eval(args []*Literal, mods []*Module) (*Literal, error) {
	return multibroadcastLiteral(args[0], op.OutDims), nil
}

// MultiBroadcast returns the right-aligned broadcast op.
func MultiBroadcast(outDims ...int) Op {
	return multibroadcastOp{OutDims: slices.Clone(outDims)}
}

// reshapeOp reinterprets the elements with new dimensions. The input must be
// packed (no repeated or skipped elements).
type reshapeOp struct {
	Dims []int
}

func (reshapeOp) Name() string      { return "reshape" }
func (reshapeOp) Attrs() Attributes { return layoutAttrs }

func (op reshapeOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) != 1 {
		return shapes.Invalid(), errors.Errorf("reshape takes 1 input, got %d", len(inputs))
	}
	in := inputs[0]
	out := shapes.Make(in.DType, op.Dims...)
	if out.Size() != in.Size() {
		return shapes.Invalid(), errors.Errorf("reshape from %s to %v changes the number of elements", in, op.Dims)
	}
	return out, nil
}

func (op reshapeOp) Eval(args []*Literal, mods []*Module) (*Literal, error) {
	return args[0].WithShape(shapes.Make(args[0].Shape().DType, op.Dims...)), nil
}

// Reshape returns the reshape op.
func Reshape(dims ...int) Op { return reshapeOp{Dims: slices.Clone(dims)} }

// ReshapeDims returns the target dimensions of a reshape op, or nil.
func ReshapeDims(op Op) []int {
	if r, ok := op.(reshapeOp); ok {
		return r.Dims
	}
	return nil
}

// transposeOp permutes the axes as a view (strides permuted, no data movement).
type transposeOp struct {
	Perm []int
}

func (transposeOp) Name() string      { return "transpose" }
func (transposeOp) Attrs() Attributes { return layoutAttrs }

func (op transposeOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) != 1 {
		return shapes.Invalid(), errors.Errorf("transpose takes 1 input, got %d", len(inputs))
	}
	if len(op.Perm) != inputs[0].Rank() {
		return shapes.Invalid(), errors.Errorf("transpose permutation %v doesn't match input %s", op.Perm, inputs[0])
	}
	return inputs[0].Permute(op.Perm), nil
}

func (op transposeOp) Eval(args []*Literal, mods []*Module) (*Literal, error) {
	return transposeLiteral(args[0], op.Perm), nil
}

// Transpose returns the axes-permutation op.
func Transpose(permutation ...int) Op { return transposeOp{Perm: slices.Clone(permutation)} }

// contiguousOp materializes any view into standard row-major layout.
type contiguousOp struct{}

func (contiguousOp) Name() string      { return "contiguous" }
func (contiguousOp) Attrs() Attributes { return layoutAttrs }

func (contiguousOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) != 1 {
		return shapes.Invalid(), errors.Errorf("contiguous takes 1 input, got %d", len(inputs))
	}
	return inputs[0].Standardized(), nil
}

func (contiguousOp) Eval(args []*Literal, mods []*Module) (*Literal, error) {
	return args[0], nil
}

// Contiguous returns the layout-standardizing op.
func Contiguous() Op { return contiguousOp{} }

// sliceOp is a view over a sub-range of the input along the given axes. The
// output aliases the input.
type sliceOp struct {
	Axes, Starts, Ends []int
}

func (sliceOp) Name() string { return "slice" }
func (op sliceOp) Attrs() Attributes {
	return Attributes{AttrLayout: true, AttrOutputAlias: 0, AttrAxes: op.Axes}
}

func (op sliceOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) != 1 {
		return shapes.Invalid(), errors.Errorf("slice takes 1 input, got %d", len(inputs))
	}
	if len(op.Axes) != len(op.Starts) || len(op.Axes) != len(op.Ends) {
		return shapes.Invalid(), errors.Errorf("slice axes/starts/ends lengths differ: %v/%v/%v", op.Axes, op.Starts, op.Ends)
	}
	in := inputs[0]
	dims := slices.Clone(in.Dimensions)
	for ii, axis := range op.Axes {
		if axis < 0 || axis >= in.Rank() || op.Starts[ii] < 0 || op.Ends[ii] > in.Dim(axis) || op.Starts[ii] >= op.Ends[ii] {
			return shapes.Invalid(), errors.Errorf("slice range [%d, %d) invalid for axis %d of %s", op.Starts[ii], op.Ends[ii], axis, in)
		}
		dims[axis] = op.Ends[ii] - op.Starts[ii]
	}
	return shapes.MakeWithStrides(in.DType, dims, in.Strides), nil
}

func (op sliceOp) Eval(args []*Literal, mods []*Module) (*Literal, error) {
	return sliceLiteral(args[0], op.Axes, op.Starts, op.Ends), nil
}

// Slice returns a single-axis slice op over [start, end).
func Slice(axis, start, end int) Op {
	return sliceOp{Axes: []int{axis}, Starts: []int{start}, Ends: []int{end}}
}

// concatOp concatenates its inputs along Axis. In the backend-lowered form an
// extra final input carries the output buffer and the op writes into it; the
// shape function accepts both forms.
type concatOp struct {
	Axis int
}

func (concatOp) Name() string         { return "concat" }
func (op concatOp) Attrs() Attributes { return Attributes{AttrAxes: []int{op.Axis}} }

// ConcatAxis returns the axis of a concat op.
func ConcatAxis(op Op) (int, bool) {
	if c, ok := op.(concatOp); ok {
		return c.Axis, true
	}
	return 0, false
}

func (op concatOp) concatDims(inputs []shapes.Shape) ([]int, error) {
	dims := slices.Clone(inputs[0].Dimensions)
	axis := op.Axis
	if axis < 0 {
		axis += len(dims)
	}
	if axis < 0 || axis >= len(dims) {
		return nil, errors.Errorf("concat axis %d out of range for %s", op.Axis, inputs[0])
	}
	for _, s := range inputs[1:] {
		if s.Rank() != len(dims) || s.DType != inputs[0].DType {
			return nil, errors.Errorf("concat inputs %s and %s are incompatible", inputs[0], s)
		}
		for ii, dim := range s.Dimensions {
			if ii == axis {
				dims[axis] += dim
			} else if dim != dims[ii] {
				return nil, errors.Errorf("concat inputs disagree on non-axis dimension %d", ii)
			}
		}
	}
	return dims, nil
}

func (op concatOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) < 2 {
		return shapes.Invalid(), errors.Errorf("concat takes at least 2 inputs, got %d", len(inputs))
	}
	// Lowered form: the final input is the output buffer.
	if dims, err := op.concatDims(inputs[:len(inputs)-1]); err == nil &&
		slices.Equal(dims, inputs[len(inputs)-1].Dimensions) {
		return inputs[len(inputs)-1], nil
	}
	dims, err := op.concatDims(inputs)
	if err != nil {
		return shapes.Invalid(), err
	}
	return shapes.Make(inputs[0].DType, dims...), nil
}

func (op concatOp) Eval(args []*Literal, mods []*Module) (*Literal, error) {
	if len(args) > 2 {
		inputs := xslices.Map(args, func(l *Literal) shapes.Shape { return l.Shape() })
		if dims, err := op.concatDims(inputs[:len(inputs)-1]); err == nil &&
			slices.Equal(dims, inputs[len(inputs)-1].Dimensions) {
			args = args[:len(args)-1]
		}
	}
	return concatLiterals(args, op.Axis)
}

// Concat returns the concatenation op along the given axis.
func Concat(axis int) Op { return concatOp{Axis: axis} }
