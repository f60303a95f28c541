package ir

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/graphfuse/graphfuse/types/shapes"
)

// reduceOp collapses the given axes to dimension 1 with the given kind of
// accumulation ("sum", "mean", "max"). Rank is always preserved.
type reduceOp struct {
	Kind string
	Axes []int
}

func (op reduceOp) Name() string { return "reduce_" + op.Kind }
func (op reduceOp) Attrs() Attributes {
	return Attributes{AttrReduce: true, AttrAxes: op.Axes}
}

func (op reduceOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) != 1 {
		return shapes.Invalid(), errors.Errorf("%s takes 1 input, got %d", op.Name(), len(inputs))
	}
	in := inputs[0]
	dims := slices.Clone(in.Dimensions)
	for _, axis := range op.Axes {
		if axis < 0 || axis >= in.Rank() {
			return shapes.Invalid(), errors.Errorf("%s axis %d out of range for %s", op.Name(), axis, in)
		}
		dims[axis] = 1
	}
	return shapes.Make(in.DType, dims...), nil
}

func (op reduceOp) Eval(args []*Literal, mods []*Module) (*Literal, error) {
	return reduceLiteral(args[0], op.Kind, op.Axes)
}

// Reduce returns a reduction op of the given kind ("sum", "mean" or "max")
// over the given axes. Reduced axes keep dimension 1.
func Reduce(kind string, axes ...int) Op {
	return reduceOp{Kind: kind, Axes: slices.Clone(axes)}
}

// ReduceSum is shorthand for Reduce("sum", axes...).
func ReduceSum(axes ...int) Op { return Reduce("sum", axes...) }

// fusedReduceOp is a fusion region containing a reduction: its single bypass
// submodule holds the fused computation, and Axes records which axes the
// region collapses.
type fusedReduceOp struct {
	Axes []int
}

func (fusedReduceOp) Name() string { return "fused_reduce" }
func (op fusedReduceOp) Attrs() Attributes {
	return Attributes{AttrAxes: op.Axes}
}

func (op fusedReduceOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(mods) != 1 {
		exceptions.Panicf("fused_reduce should have one submodule, got %d", len(mods))
	}
	sm := mods[0]
	returns := sm.Returns()
	if len(returns) != 1 {
		exceptions.Panicf("fused_reduce submodule %q: only one output supported, got %d", sm.ModuleName(), len(returns))
	}
	names := sm.ParameterNames()
	if len(inputs) != len(names) {
		exceptions.Panicf("fused_reduce has %d inputs but submodule %q has %d parameters",
			len(inputs), sm.ModuleName(), len(names))
	}
	paramShapes := sm.ParameterShapes()
	for ii, name := range names {
		if !inputs[ii].EqualDimensions(paramShapes[name]) {
			exceptions.Panicf("fused_reduce input #%d %s doesn't match submodule %q parameter %q %s",
				ii, inputs[ii], sm.ModuleName(), name, paramShapes[name])
		}
	}
	// The submodule return keeps the full rank: the reduction reports the
	// collapsed axes with dimension 1, never drops them.
	outShape := sm.At(returns[0]).Shape()
	dims := slices.Clone(outShape.Dimensions)
	for _, axis := range op.Axes {
		if axis < 0 || axis >= len(dims) {
			exceptions.Panicf("fused_reduce axis %d out of range for submodule output %s", axis, outShape)
		}
		dims[axis] = 1
	}
	return shapes.Make(outShape.DType, dims...), nil
}

func (op fusedReduceOp) Eval(args []*Literal, mods []*Module) (*Literal, error) {
	return evalSubmodule(mods[0], args)
}

// FusedReduce returns the fused reduction region op over the given axes. The
// instruction carrying it must reference exactly one bypass submodule.
func FusedReduce(axes ...int) Op {
	return fusedReduceOp{Axes: slices.Clone(axes)}
}

// ReduceAxes returns the axes attribute of a reduction or fused reduction op.
func ReduceAxes(op Op) []int {
	return op.Attrs().GetInts(AttrAxes)
}

// pointwiseOp is a fusion region of elementwise computation: its single
// bypass submodule applies the fused elementwise ops per element.
type pointwiseOp struct{}

func (pointwiseOp) Name() string      { return "pointwise" }
func (pointwiseOp) Attrs() Attributes { return nil }

func (pointwiseOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(mods) != 1 {
		exceptions.Panicf("pointwise should have one submodule, got %d", len(mods))
	}
	sm := mods[0]
	returns := sm.Returns()
	if len(returns) != 1 {
		exceptions.Panicf("pointwise submodule %q: only one output supported, got %d", sm.ModuleName(), len(returns))
	}
	if len(inputs) != len(sm.ParameterNames()) {
		exceptions.Panicf("pointwise has %d inputs but submodule %q has %d parameters",
			len(inputs), sm.ModuleName(), len(sm.ParameterNames()))
	}
	if len(inputs) == 0 {
		return shapes.Invalid(), errors.Errorf("pointwise needs at least one input")
	}
	for _, s := range inputs[1:] {
		if !s.EqualDimensions(inputs[0]) {
			return shapes.Invalid(), errors.Errorf("pointwise inputs must have the same dimensions, got %s and %s", inputs[0], s)
		}
	}
	outDType := sm.At(returns[0]).Shape().DType
	return shapes.Make(outDType, inputs[0].Dimensions...), nil
}

func (pointwiseOp) Eval(args []*Literal, mods []*Module) (*Literal, error) {
	return evalSubmodule(mods[0], args)
}

// Pointwise returns the elementwise fusion region op. The instruction
// carrying it must reference exactly one bypass submodule.
func Pointwise() Op { return pointwiseOp{} }
