package ir

import (
	"math"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/graphfuse/graphfuse/types/shapes"
)

// quantizeLinearOp encodes a real-valued tensor into an affine integer
// representation: q = clamp(round(x / scale) + zero_point). Inputs are
// (x, scale, zero_point); the output takes the zero point's dtype.
type quantizeLinearOp struct{}

func (quantizeLinearOp) Name() string      { return "quantizelinear" }
func (quantizeLinearOp) Attrs() Attributes { return nil }

func (quantizeLinearOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) != 3 {
		return shapes.Invalid(), errors.Errorf("quantizelinear takes (x, scale, zero_point), got %d inputs", len(inputs))
	}
	for _, s := range inputs[1:] {
		if !s.IsScalar() && !s.EqualDimensions(inputs[0]) {
			return shapes.Invalid(), errors.Errorf("quantizelinear parameter %s must be scalar or match %s", s, inputs[0])
		}
	}
	return shapes.Make(inputs[2].DType, inputs[0].Dimensions...), nil
}

func (quantizeLinearOp) Eval(args []*Literal, mods []*Module) (*Literal, error) {
	lo, hi := dtypeRange(args[2].Shape().DType)
	out := args[0].Shape().WithDType(args[2].Shape().DType)
	return mapLiterals(out, args, func(vs []float64) float64 {
		q := math.RoundToEven(vs[0]/vs[1]) + vs[2]
		return math.Min(math.Max(q, lo), hi)
	}), nil
}

// QuantizeLinear returns the affine quantize op.
func QuantizeLinear() Op { return quantizeLinearOp{} }

// dequantizeLinearOp decodes an affine integer representation back to real
// values: x = (q - zero_point) * scale. Inputs are (q, scale, zero_point);
// the output takes the scale's dtype.
type dequantizeLinearOp struct{}

func (dequantizeLinearOp) Name() string      { return "dequantizelinear" }
func (dequantizeLinearOp) Attrs() Attributes { return nil }

func (dequantizeLinearOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) != 3 {
		return shapes.Invalid(), errors.Errorf("dequantizelinear takes (q, scale, zero_point), got %d inputs", len(inputs))
	}
	for _, s := range inputs[1:] {
		if !s.IsScalar() && !s.EqualDimensions(inputs[0]) {
			return shapes.Invalid(), errors.Errorf("dequantizelinear parameter %s must be scalar or match %s", s, inputs[0])
		}
	}
	return shapes.Make(inputs[1].DType, inputs[0].Dimensions...), nil
}

func (dequantizeLinearOp) Eval(args []*Literal, mods []*Module) (*Literal, error) {
	out := args[0].Shape().WithDType(args[1].Shape().DType)
	return mapLiterals(out, args, func(vs []float64) float64 {
		return (vs[0] - vs[2]) * vs[1]
	}), nil
}

// DequantizeLinear returns the affine dequantize op.
func DequantizeLinear() Op { return dequantizeLinearOp{} }

// dotDims computes the output dimensions of a batched matrix multiply
// (..., M, K) x (..., K, N) -> (..., M, N).
func dotDims(opName string, lhs, rhs shapes.Shape) ([]int, error) {
	if lhs.Rank() < 2 || rhs.Rank() != lhs.Rank() {
		return nil, errors.Errorf("%s needs two inputs of equal rank >= 2, got %s and %s", opName, lhs, rhs)
	}
	rank := lhs.Rank()
	if lhs.Dim(rank-1) != rhs.Dim(rank-2) {
		return nil, errors.Errorf("%s inner dimensions mismatch: %s x %s", opName, lhs, rhs)
	}
	for axis := 0; axis < rank-2; axis++ {
		if lhs.Dim(axis) != rhs.Dim(axis) {
			return nil, errors.Errorf("%s batch dimensions mismatch: %s x %s", opName, lhs, rhs)
		}
	}
	dims := slices.Clone(lhs.Dimensions)
	dims[rank-1] = rhs.Dim(rank - 1)
	return dims, nil
}

// dotOp is a real-valued batched matrix multiply.
type dotOp struct{}

func (dotOp) Name() string      { return "dot" }
func (dotOp) Attrs() Attributes { return nil }

func (dotOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) != 2 {
		return shapes.Invalid(), errors.Errorf("dot takes 2 inputs, got %d", len(inputs))
	}
	if inputs[0].DType != inputs[1].DType {
		return shapes.Invalid(), errors.Errorf("dot inputs must have the same dtype, got %s and %s", inputs[0], inputs[1])
	}
	dims, err := dotDims("dot", inputs[0], inputs[1])
	if err != nil {
		return shapes.Invalid(), err
	}
	return shapes.Make(inputs[0].DType, dims...), nil
}

func (dotOp) Eval(args []*Literal, mods []*Module) (*Literal, error) {
	return dotLiterals(args[0], args[1], args[0].Shape().DType)
}

// Dot returns the batched matrix multiply op.
func Dot() Op { return dotOp{} }

// quantDotOp is the integer batched matrix multiply: narrow integer inputs
// accumulated into Int32.
type quantDotOp struct{}

func (quantDotOp) Name() string      { return "quant_dot" }
func (quantDotOp) Attrs() Attributes { return nil }

func (quantDotOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) != 2 {
		return shapes.Invalid(), errors.Errorf("quant_dot takes 2 inputs, got %d", len(inputs))
	}
	dims, err := dotDims("quant_dot", inputs[0], inputs[1])
	if err != nil {
		return shapes.Invalid(), err
	}
	return shapes.Make(dtypes.Int32, dims...), nil
}

func (quantDotOp) Eval(args []*Literal, mods []*Module) (*Literal, error) {
	return dotLiterals(args[0], args[1], dtypes.Int32)
}

// QuantDot returns the integer batched matrix multiply op.
func QuantDot() Op { return quantDotOp{} }

// convDims computes the output dimensions of an NCHW convolution.
func convDims(opName string, input, weights shapes.Shape, padding, strides, dilations []int) ([]int, error) {
	if input.Rank() < 3 || weights.Rank() != input.Rank() {
		return nil, errors.Errorf("%s needs input and weights of equal rank >= 3, got %s and %s", opName, input, weights)
	}
	if input.Dim(1) != weights.Dim(1) {
		return nil, errors.Errorf("%s channel mismatch: input %s, weights %s", opName, input, weights)
	}
	spatial := input.Rank() - 2
	dims := make([]int, input.Rank())
	dims[0] = input.Dim(0)
	dims[1] = weights.Dim(0)
	for ii := 0; ii < spatial; ii++ {
		in, ks := input.Dim(2+ii), weights.Dim(2+ii)
		p, s, d := 0, 1, 1
		if ii < len(padding) {
			p = padding[ii]
		}
		if ii < len(strides) {
			s = strides[ii]
		}
		if ii < len(dilations) {
			d = dilations[ii]
		}
		out := (in + 2*p - d*(ks-1) - 1) / s
		out++
		if out <= 0 {
			return nil, errors.Errorf("%s output dimension %d collapses to %d", opName, 2+ii, out)
		}
		dims[2+ii] = out
	}
	return dims, nil
}

// convolutionOp is an NCHW convolution. Padding/Strides/Dilations default to
// 0/1/1 per spatial axis when left empty.
type convolutionOp struct {
	Padding, Strides, Dilations []int
}

func (convolutionOp) Name() string      { return "convolution" }
func (convolutionOp) Attrs() Attributes { return nil }

func (op convolutionOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) != 2 {
		return shapes.Invalid(), errors.Errorf("convolution takes (input, weights), got %d inputs", len(inputs))
	}
	if inputs[0].DType != inputs[1].DType {
		return shapes.Invalid(), errors.Errorf("convolution inputs must have the same dtype, got %s and %s", inputs[0], inputs[1])
	}
	dims, err := convDims("convolution", inputs[0], inputs[1], op.Padding, op.Strides, op.Dilations)
	if err != nil {
		return shapes.Invalid(), err
	}
	return shapes.Make(inputs[0].DType, dims...), nil
}

// Convolution returns the NCHW convolution op.
func Convolution(padding, strides, dilations []int) Op {
	return convolutionOp{Padding: slices.Clone(padding), Strides: slices.Clone(strides), Dilations: slices.Clone(dilations)}
}

// quantConvolutionOp is the integer convolution counterpart, accumulating
// into Int32. It carries the same geometry as the convolution it replaces.
type quantConvolutionOp struct {
	Padding, Strides, Dilations []int
}

func (quantConvolutionOp) Name() string      { return "quant_convolution" }
func (quantConvolutionOp) Attrs() Attributes { return nil }

func (op quantConvolutionOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) != 2 {
		return shapes.Invalid(), errors.Errorf("quant_convolution takes (input, weights), got %d inputs", len(inputs))
	}
	dims, err := convDims("quant_convolution", inputs[0], inputs[1], op.Padding, op.Strides, op.Dilations)
	if err != nil {
		return shapes.Invalid(), err
	}
	return shapes.Make(dtypes.Int32, dims...), nil
}

// QuantConvolution returns the integer convolution op with the geometry of
// the given convolution op.
func QuantConvolution(conv Op) Op {
	c, ok := conv.(convolutionOp)
	if !ok {
		return quantConvolutionOp{}
	}
	return quantConvolutionOp{Padding: c.Padding, Strides: c.Strides, Dilations: c.Dilations}
}
