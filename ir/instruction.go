package ir

import (
	"fmt"
	"slices"
	"strings"

	"github.com/graphfuse/graphfuse/types/shapes"
)

// InsRef is a stable handle to an instruction, valid for the lifetime of the
// Program. Handles are arena indices, not pointers: mutation never moves an
// instruction, it only rewires or kills it. A handle held across a mutation
// still resolves, but the instruction may have been removed -- see
// Instruction.IsDead and match.Result.
type InsRef int

// InvalidInsRef is the zero-value-adjacent invalid handle.
const InvalidInsRef InsRef = -1

// Ok returns whether the handle is valid (it may still point at a dead
// instruction).
func (r InsRef) Ok() bool { return r >= 0 }

// Instruction is one node of the dataflow graph: an operation applied to an
// ordered list of input instructions, possibly referencing submodules, with a
// computed output shape. Instructions belong to exactly one Module.
type Instruction struct {
	prog    *Program
	mod     *Module
	ref     InsRef
	op      Op
	inputs  []InsRef
	mods    []*Module
	shape   shapes.Shape
	outputs []InsRef
	dead    bool
}

// Ref returns the instruction's stable handle.
func (ins *Instruction) Ref() InsRef { return ins.ref }

// Op returns the instruction's operation value.
func (ins *Instruction) Op() Op { return ins.op }

// OpName returns the operation kind name, e.g. "add" or "@param".
func (ins *Instruction) OpName() string { return ins.op.Name() }

// Inputs returns the instruction's ordered input handles. The returned slice
// is owned by the instruction and must not be mutated.
func (ins *Instruction) Inputs() []InsRef { return ins.inputs }

// Modules returns the submodules the instruction references (nil for most).
func (ins *Instruction) Modules() []*Module { return ins.mods }

// Shape returns the instruction's computed output shape.
func (ins *Instruction) Shape() shapes.Shape { return ins.shape }

// Outputs returns the instructions that consume this instruction's output, in
// the order the edges were created.
func (ins *Instruction) Outputs() []InsRef { return ins.outputs }

// Owner returns the module the instruction belongs to.
func (ins *Instruction) Owner() *Module { return ins.mod }

// IsDead returns whether the instruction was removed from its module.
func (ins *Instruction) IsDead() bool { return ins.dead }

// ParameterName returns the parameter name if this is a "@param" instruction,
// or "".
func (ins *Instruction) ParameterName() string {
	if p, ok := ins.op.(paramOp); ok {
		return p.ParamName
	}
	return ""
}

// LiteralValue returns the constant value if this is a "@literal"
// instruction, or nil.
func (ins *Instruction) LiteralValue() *Literal {
	if l, ok := ins.op.(literalOp); ok {
		return l.Value
	}
	return nil
}

// OutputAlias resolves which instruction's buffer this instruction's output
// aliases, following the op's "output_alias" attribute. With deep=true the
// chain is followed transitively to its origin; otherwise only one step is
// taken. An instruction without an alias resolves to itself.
func (ins *Instruction) OutputAlias(deep bool) *Instruction {
	current := ins
	for {
		aliasArg := current.op.Attrs().GetInt(AttrOutputAlias, -1)
		if aliasArg < 0 || aliasArg >= len(current.inputs) {
			return current
		}
		next := current.prog.At(current.inputs[aliasArg])
		if !deep {
			return next
		}
		current = next
	}
}

// String pretty-prints the instruction for debugging.
func (ins *Instruction) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%%%d = %s", ins.ref, ins.OpName())
	if name := ins.ParameterName(); name != "" {
		fmt.Fprintf(&sb, "[%s]", name)
	}
	if len(ins.inputs) > 0 {
		parts := make([]string, len(ins.inputs))
		for ii, in := range ins.inputs {
			parts[ii] = fmt.Sprintf("%%%d", in)
		}
		fmt.Fprintf(&sb, "(%s)", strings.Join(parts, ", "))
	}
	for _, mod := range ins.mods {
		fmt.Fprintf(&sb, " [%s]", mod.ModuleName())
	}
	fmt.Fprintf(&sb, " -> %s", ins.shape)
	return sb.String()
}

// addUse records that user consumes ins.
func (ins *Instruction) addUse(user InsRef) {
	ins.outputs = append(ins.outputs, user)
}

// removeUse removes one use edge from user.
func (ins *Instruction) removeUse(user InsRef) {
	if idx := slices.Index(ins.outputs, user); idx >= 0 {
		ins.outputs = slices.Delete(ins.outputs, idx, idx+1)
	}
}
