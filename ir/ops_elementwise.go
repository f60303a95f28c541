package ir

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/graphfuse/graphfuse/types/shapes"
)

var pointwiseAttrs = Attributes{AttrPointwise: true}

// checkSameDims verifies all inputs have the same dimensions and dtype and
// returns the standardized common shape. Broadcasts are explicit instructions
// in this IR, so elementwise ops never broadcast implicitly.
func checkSameDims(opName string, inputs []shapes.Shape) (shapes.Shape, error) {
	if len(inputs) == 0 {
		return shapes.Invalid(), errors.Errorf("%s needs at least one input", opName)
	}
	for _, s := range inputs[1:] {
		if !s.EqualDimensions(inputs[0]) {
			return shapes.Invalid(), errors.Errorf("%s inputs must have the same dimensions, got %s and %s", opName, inputs[0], s)
		}
		if s.DType != inputs[0].DType {
			return shapes.Invalid(), errors.Errorf("%s inputs must have the same dtype, got %s and %s", opName, inputs[0], s)
		}
	}
	return inputs[0].Standardized(), nil
}

// binaryOp covers the elementwise binary arithmetic operations.
type binaryOp struct {
	opName string
}

func (op binaryOp) Name() string   { return op.opName }
func (binaryOp) Attrs() Attributes { return pointwiseAttrs }

func (op binaryOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) != 2 {
		return shapes.Invalid(), errors.Errorf("%s takes 2 inputs, got %d", op.opName, len(inputs))
	}
	return checkSameDims(op.opName, inputs)
}

func (op binaryOp) Eval(args []*Literal, mods []*Module) (*Literal, error) {
	var fn func(a, b float64) float64
	switch op.opName {
	case "add":
		fn = func(a, b float64) float64 { return a + b }
	case "sub":
		fn = func(a, b float64) float64 { return a - b }
	case "mul":
		fn = func(a, b float64) float64 { return a * b }
	case "div":
		fn = func(a, b float64) float64 { return a / b }
	default:
		return nil, errors.Errorf("no evaluator for binary op %s", op.opName)
	}
	return mapLiterals(args[0].Shape(), args, func(vs []float64) float64 { return fn(vs[0], vs[1]) }), nil
}

// Add, Sub, Mul and Div return the elementwise binary arithmetic ops.
func Add() Op { return binaryOp{opName: "add"} }
func Sub() Op { return binaryOp{opName: "sub"} }
func Mul() Op { return binaryOp{opName: "mul"} }
func Div() Op { return binaryOp{opName: "div"} }

// unaryOp covers the elementwise unary operations.
type unaryOp struct {
	opName string
}

func (op unaryOp) Name() string   { return op.opName }
func (unaryOp) Attrs() Attributes { return pointwiseAttrs }

func (op unaryOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) != 1 {
		return shapes.Invalid(), errors.Errorf("%s takes 1 input, got %d", op.opName, len(inputs))
	}
	return inputs[0].Standardized(), nil
}

func (op unaryOp) Eval(args []*Literal, mods []*Module) (*Literal, error) {
	var fn func(a float64) float64
	switch op.opName {
	case "relu":
		fn = func(a float64) float64 { return math.Max(a, 0) }
	case "neg":
		fn = func(a float64) float64 { return -a }
	case "round":
		fn = math.RoundToEven
	default:
		return nil, errors.Errorf("no evaluator for unary op %s", op.opName)
	}
	return mapLiterals(args[0].Shape(), args, func(vs []float64) float64 { return fn(vs[0]) }), nil
}

// Relu, Neg and Round return the elementwise unary ops. Round rounds halves
// to even, matching the quantization convention.
func Relu() Op  { return unaryOp{opName: "relu"} }
func Neg() Op   { return unaryOp{opName: "neg"} }
func Round() Op { return unaryOp{opName: "round"} }

// clipOp saturates input 0 between the (min, max) given as inputs 1 and 2.
type clipOp struct{}

func (clipOp) Name() string      { return "clip" }
func (clipOp) Attrs() Attributes { return pointwiseAttrs }

func (clipOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) != 3 {
		return shapes.Invalid(), errors.Errorf("clip takes (x, min, max) inputs, got %d", len(inputs))
	}
	for _, s := range inputs[1:] {
		if !s.IsScalar() && !s.EqualDimensions(inputs[0]) {
			return shapes.Invalid(), errors.Errorf("clip bounds must be scalar or match %s, got %s", inputs[0], s)
		}
	}
	return inputs[0].Standardized(), nil
}

func (clipOp) Eval(args []*Literal, mods []*Module) (*Literal, error) {
	return mapLiterals(args[0].Shape(), args, func(vs []float64) float64 {
		return math.Min(math.Max(vs[0], vs[1]), vs[2])
	}), nil
}

// Clip returns the saturation op.
func Clip() Op { return clipOp{} }

// convertOp casts the element type.
type convertOp struct {
	To dtypes.DType
}

func (convertOp) Name() string      { return "convert" }
func (convertOp) Attrs() Attributes { return pointwiseAttrs }

func (op convertOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) != 1 {
		return shapes.Invalid(), errors.Errorf("convert takes 1 input, got %d", len(inputs))
	}
	if op.To == dtypes.InvalidDType {
		return shapes.Invalid(), errors.Errorf("convert has no target dtype")
	}
	return inputs[0].Standardized().WithDType(op.To), nil
}

func (op convertOp) Eval(args []*Literal, mods []*Module) (*Literal, error) {
	out := mapLiterals(args[0].Shape().WithDType(op.To), args, func(vs []float64) float64 { return vs[0] })
	return out, nil
}

// Convert returns the dtype cast op.
func Convert(to dtypes.DType) Op { return convertOp{To: to} }

// ConvertTarget returns the target dtype of a convert op, or InvalidDType.
func ConvertTarget(op Op) dtypes.DType {
	if c, ok := op.(convertOp); ok {
		return c.To
	}
	return dtypes.InvalidDType
}
