package ir

import (
	"github.com/pkg/errors"

	"github.com/graphfuse/graphfuse/types/shapes"
)

// Structural operation names.
const (
	OpParam   = "@param"
	OpReturn  = "@return"
	OpLiteral = "@literal"

	// OpAllocate is the allocation op of the default allocation model.
	OpAllocate = "allocate"
)

// paramOp is a named entry point of a module. The shape is fixed at creation.
type paramOp struct {
	ParamName string
	S         shapes.Shape
}

func (paramOp) Name() string      { return OpParam }
func (paramOp) Attrs() Attributes { return nil }
func (op paramOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) != 0 {
		return shapes.Invalid(), errors.Errorf("%s takes no inputs, got %d", OpParam, len(inputs))
	}
	return op.S, nil
}

// Param returns the op for a module parameter. Usually created through
// Module.AddParameter instead.
func Param(name string, shape shapes.Shape) Op {
	return paramOp{ParamName: name, S: shape}
}

// returnOp marks the returned instructions of a module.
type returnOp struct{}

func (returnOp) Name() string      { return OpReturn }
func (returnOp) Attrs() Attributes { return nil }
func (returnOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) == 0 {
		return shapes.Invalid(), errors.Errorf("%s needs at least one input", OpReturn)
	}
	return inputs[0], nil
}

// Return returns the op marking a module's returned instructions.
func Return() Op { return returnOp{} }

// literalOp holds a constant tensor value.
type literalOp struct {
	Value *Literal
}

func (literalOp) Name() string      { return OpLiteral }
func (literalOp) Attrs() Attributes { return nil }
func (op literalOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) != 0 {
		return shapes.Invalid(), errors.Errorf("%s takes no inputs, got %d", OpLiteral, len(inputs))
	}
	if op.Value == nil {
		return shapes.Invalid(), nil
	}
	return op.Value.Shape(), nil
}

func (op literalOp) Eval(args []*Literal, mods []*Module) (*Literal, error) {
	return op.Value, nil
}

// allocateOp reserves an output buffer with the given shape. It is the
// allocation operation of the default allocation model; producers lowered to
// write in place take the allocation as their last input and alias it.
type allocateOp struct {
	S shapes.Shape
}

func (allocateOp) Name() string      { return OpAllocate }
func (allocateOp) Attrs() Attributes { return nil }
func (op allocateOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) != 0 {
		return shapes.Invalid(), errors.Errorf("allocate takes no inputs, got %d", len(inputs))
	}
	return op.S, nil
}

func (op allocateOp) Eval(args []*Literal, mods []*Module) (*Literal, error) {
	return Zeros(op.S.Standardized()), nil
}

// Allocate returns an allocation op with the given (possibly non-standard) shape.
func Allocate(shape shapes.Shape) Op { return allocateOp{S: shape} }

// identityOp forwards its first input; extra inputs only add dependencies.
// The output aliases input 0.
type identityOp struct{}

func (identityOp) Name() string      { return "identity" }
func (identityOp) Attrs() Attributes { return Attributes{AttrOutputAlias: 0} }
func (identityOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) == 0 {
		return shapes.Invalid(), errors.Errorf("identity needs at least one input")
	}
	return inputs[0], nil
}

func (identityOp) Eval(args []*Literal, mods []*Module) (*Literal, error) {
	return args[0], nil
}

// Identity returns the identity op.
func Identity() Op { return identityOp{} }

// copyOp copies input 0 into the buffer given as input 1, and aliases that
// buffer. It is the copy operation of the default allocation model.
type copyOp struct{}

func (copyOp) Name() string      { return "copy" }
func (copyOp) Attrs() Attributes { return Attributes{AttrOutputAlias: 1} }
func (copyOp) InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error) {
	if len(inputs) != 2 {
		return shapes.Invalid(), errors.Errorf("copy takes (src, dst) inputs, got %d", len(inputs))
	}
	if !inputs[0].EqualDimensions(inputs[1]) {
		return shapes.Invalid(), errors.Errorf("copy src %s and dst %s dimensions differ", inputs[0], inputs[1])
	}
	return inputs[1], nil
}

func (copyOp) Eval(args []*Literal, mods []*Module) (*Literal, error) {
	return args[0].WithShape(args[1].Shape()), nil
}

// Copy returns the buffer-copy op.
func Copy() Op { return copyOp{} }
