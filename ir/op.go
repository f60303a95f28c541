package ir

import (
	"github.com/graphfuse/graphfuse/types/shapes"
)

// Attribute keys used by the builtin operations. The rewrite passes only ever
// interact with operations through these declared attributes and the operation
// name, never through the concrete operator types.
const (
	// AttrReduce marks operations that collapse one or more axes
	// (reduce_sum, reduce_mean, ...). Value: bool.
	AttrReduce = "reduce"

	// AttrPointwise marks elementwise operations that can be absorbed into a
	// pointwise fusion region. Value: bool.
	AttrPointwise = "pointwise"

	// AttrLayout marks layout-only operations (broadcast, reshape, transpose,
	// contiguous, slice) that pattern matchers may transparently skip.
	// Value: bool.
	AttrLayout = "layout"

	// AttrOutputAlias declares that the operation's output aliases one of its
	// inputs; the value is the input index. Value: int.
	AttrOutputAlias = "output_alias"

	// AttrAxes carries the axes an operation applies to (reductions,
	// broadcast, slice, concat). Value: []int.
	AttrAxes = "axes"
)

// Attributes is the opaque attribute bag of an operation. The rewrite engine
// reads capability flags from it (e.g. "reduce") without knowing the
// operator's numeric semantics.
type Attributes map[string]any

// GetBool returns the attribute under key as a bool, or defaultValue if it is
// absent or of another type.
func (a Attributes) GetBool(key string, defaultValue bool) bool {
	if v, ok := a[key].(bool); ok {
		return v
	}
	return defaultValue
}

// GetInt returns the attribute under key as an int, or defaultValue if it is
// absent or of another type.
func (a Attributes) GetInt(key string, defaultValue int) int {
	if v, ok := a[key].(int); ok {
		return v
	}
	return defaultValue
}

// GetInts returns the attribute under key as an []int, or nil.
func (a Attributes) GetInts(key string) []int {
	if v, ok := a[key].([]int); ok {
		return v
	}
	return nil
}

// Op is one operation of the closed, centrally registered operation set.
//
// An Op value is a concrete application (it carries its static parameters,
// e.g. the reduction axes), while its Name identifies the operation kind in
// the Registry. Ops are immutable once created and shared freely between
// instructions.
type Op interface {
	// Name of the operation kind, e.g. "add", "fused_reduce". Names starting
	// with '@' are structural (parameters, literals, returns).
	Name() string

	// Attrs is the operation's declared attribute bag. It may be nil.
	Attrs() Attributes

	// InferShape computes the output shape from the input shapes and the
	// referenced submodules. Inapplicable inputs return an error; broken IR
	// invariants (e.g. a fused_reduce without exactly one submodule) panic.
	InferShape(inputs []shapes.Shape, mods []*Module) (shapes.Shape, error)
}

// Evaluable is implemented by operations that the reference evaluator can
// interpret. Operations without it (e.g. convolution) can still be rewritten,
// they just cannot be constant-folded or executed by Evaluate.
type Evaluable interface {
	Eval(args []*Literal, mods []*Module) (*Literal, error)
}
