package ir

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"

	"github.com/graphfuse/graphfuse/types/shapes"
	"github.com/graphfuse/graphfuse/types/xslices"
)

// Module is an ordered sequence of instructions with named parameters and a
// distinguished return. The order is always a valid topological order: an
// instruction's inputs precede it.
//
// A module is either a top-level/control-flow region, or a "bypass" module: a
// pure fusion region with no independent control-flow semantics, inlined
// rather than called at code generation.
type Module struct {
	prog   *Program
	name   string
	bypass bool
	order  []InsRef
	params map[string]InsRef
}

// ModuleName returns the module's unique name within its Program.
func (m *Module) ModuleName() string { return m.name }

// Program returns the owning Program.
func (m *Module) Program() *Program { return m.prog }

// SetBypass flags the module as a pure fusion region.
func (m *Module) SetBypass() { m.bypass = true }

// Bypass returns whether the module is a pure fusion region.
func (m *Module) Bypass() bool { return m.bypass }

// At resolves an instruction handle through the program arena. The handle
// does not need to belong to this module.
func (m *Module) At(ref InsRef) *Instruction { return m.prog.At(ref) }

// Instructions returns a snapshot of the module's instructions in stable
// topological order. Mutations during iteration don't affect the snapshot;
// callers should skip handles that died meanwhile.
func (m *Module) Instructions() []InsRef {
	return slices.Clone(m.order)
}

// HasInstruction returns whether the instruction belongs to this module and
// is alive.
func (m *Module) HasInstruction(ref InsRef) bool {
	if !ref.Ok() {
		return false
	}
	ins := m.prog.At(ref)
	return !ins.dead && ins.mod == m
}

// Parameter returns the "@param" instruction registered under name, or
// InvalidInsRef.
func (m *Module) Parameter(name string) InsRef {
	if ref, found := m.params[name]; found {
		return ref
	}
	return InvalidInsRef
}

// ParameterNames returns the parameter names in lexicographic order. This
// order is the canonical parameter↔input correspondence used when calling or
// inlining the module.
func (m *Module) ParameterNames() []string {
	return xslices.SortedKeys(m.params)
}

// ParameterShapes returns the shape of each parameter by name.
func (m *Module) ParameterShapes() map[string]shapes.Shape {
	result := make(map[string]shapes.Shape, len(m.params))
	for name, ref := range m.params {
		result[name] = m.prog.At(ref).shape
	}
	return result
}

// ParameterCount returns the number of declared parameters.
func (m *Module) ParameterCount() int { return len(m.params) }

// Returns returns the instructions the module returns: the inputs of the
// trailing "@return" instruction if present, otherwise the last instruction.
func (m *Module) Returns() []InsRef {
	if len(m.order) == 0 {
		return nil
	}
	last := m.prog.At(m.order[len(m.order)-1])
	if last.OpName() == OpReturn {
		return last.inputs
	}
	return []InsRef{last.ref}
}

// Position returns the topological order index of the instruction within
// this module, or -1 when the module doesn't contain it.
func (m *Module) Position(ref InsRef) int { return m.position(ref) }

// position returns the order index of ref, or -1.
func (m *Module) position(ref InsRef) int {
	return slices.Index(m.order, ref)
}

// newInstruction allocates and wires an instruction at the given order
// position (-1 appends). All structural invariants are checked here.
func (m *Module) newInstruction(op Op, inputs []InsRef, mods []*Module, at int) InsRef {
	if op == nil {
		exceptions.Panicf("module %q: cannot add a nil operation", m.name)
	}
	if !m.prog.registry.Has(op.Name()) {
		exceptions.Panicf("module %q: operation %q is not in the session registry", m.name, op.Name())
	}
	inShapes := make([]shapes.Shape, len(inputs))
	for ii, in := range inputs {
		if !in.Ok() {
			exceptions.Panicf("module %q: input #%d of %q is invalid", m.name, ii, op.Name())
		}
		inIns := m.prog.At(in)
		if inIns.dead {
			exceptions.Panicf("module %q: input #%d of %q is a removed instruction", m.name, ii, op.Name())
		}
		if inIns.mod != m {
			exceptions.Panicf("module %q: input #%d of %q belongs to module %q -- instructions have a single owner",
				m.name, ii, op.Name(), inIns.mod.name)
		}
		if at >= 0 {
			if pos := m.position(in); pos >= at {
				exceptions.Panicf("module %q: inserting %q before its input #%d would break the topological order",
					m.name, op.Name(), ii)
			}
		}
		inShapes[ii] = inIns.shape
	}
	shape, err := op.InferShape(inShapes, mods)
	if err != nil {
		exceptions.Panicf("module %q: %q: %+v", m.name, op.Name(), err)
	}
	ins := &Instruction{
		prog:   m.prog,
		mod:    m,
		op:     op,
		inputs: slices.Clone(inputs),
		mods:   slices.Clone(mods),
		shape:  shape,
	}
	ref := m.prog.allocate(ins)
	for _, in := range ins.inputs {
		m.prog.At(in).addUse(ref)
	}
	if at < 0 {
		m.order = append(m.order, ref)
	} else {
		m.order = slices.Insert(m.order, at, ref)
	}
	m.prog.epoch++
	return ref
}

// AddParameter declares a new named entry point with the given shape and
// returns its "@param" instruction. Parameter names are unique per module.
func (m *Module) AddParameter(name string, shape shapes.Shape) InsRef {
	if _, found := m.params[name]; found {
		exceptions.Panicf("module %q already has a parameter named %q", m.name, name)
	}
	// Parameters go in front, before any computation.
	ref := m.newInstruction(paramOp{ParamName: name, S: shape}, nil, nil, len(m.params))
	m.params[name] = ref
	return ref
}

// AddLiteral adds a constant instruction. Literals are placed at the front of
// the module, before any instruction that may consume them.
func (m *Module) AddLiteral(value *Literal) InsRef {
	return m.newInstruction(literalOp{Value: value}, nil, nil, len(m.params))
}

// AddInstruction appends an instruction at the end of the module.
func (m *Module) AddInstruction(op Op, inputs ...InsRef) InsRef {
	return m.newInstruction(op, inputs, nil, -1)
}

// AddInstructionWithModules appends an instruction referencing submodules.
func (m *Module) AddInstructionWithModules(op Op, inputs []InsRef, mods ...*Module) InsRef {
	return m.newInstruction(op, inputs, mods, -1)
}

// InsertInstruction inserts an instruction immediately before the given one.
func (m *Module) InsertInstruction(before InsRef, op Op, inputs []InsRef, mods ...*Module) InsRef {
	at := m.position(before)
	if at < 0 {
		exceptions.Panicf("module %q: InsertInstruction: %q position not found", m.name, op.Name())
	}
	return m.newInstruction(op, inputs, mods, at)
}

// InsertAfter inserts an instruction immediately after the given one.
func (m *Module) InsertAfter(after InsRef, op Op, inputs []InsRef, mods ...*Module) InsRef {
	at := m.position(after)
	if at < 0 {
		exceptions.Panicf("module %q: InsertAfter: %q position not found", m.name, op.Name())
	}
	return m.newInstruction(op, inputs, mods, at+1)
}

// AddReturn appends the "@return" instruction marking the module's outputs.
func (m *Module) AddReturn(refs ...InsRef) {
	if len(m.order) > 0 && m.prog.At(m.order[len(m.order)-1]).OpName() == OpReturn {
		exceptions.Panicf("module %q already has a return", m.name)
	}
	m.newInstruction(returnOp{}, refs, nil, -1)
}

// ReplaceReturn rewires the module's "@return" to the given instructions,
// adding one if the module had only an implicit return.
func (m *Module) ReplaceReturn(refs ...InsRef) {
	if len(m.order) == 0 || m.prog.At(m.order[len(m.order)-1]).OpName() != OpReturn {
		m.AddReturn(refs...)
		return
	}
	m.ReplaceInstruction(m.order[len(m.order)-1], returnOp{}, refs)
}

// ReplaceInstruction rewrites an instruction in place: same handle, same
// position, same consumers, new operation/inputs/submodules. The new output
// dimensions must match the old ones (the element type may change).
func (m *Module) ReplaceInstruction(ref InsRef, op Op, inputs []InsRef, mods ...*Module) {
	ins := m.prog.At(ref)
	if ins.dead || ins.mod != m {
		exceptions.Panicf("module %q: ReplaceInstruction of an instruction it doesn't own", m.name)
	}
	at := m.position(ref)
	inShapes := make([]shapes.Shape, len(inputs))
	for ii, in := range inputs {
		inIns := m.prog.At(in)
		if inIns.dead || inIns.mod != m {
			exceptions.Panicf("module %q: ReplaceInstruction input #%d is not a live instruction of this module", m.name, ii)
		}
		if in != ref && m.position(in) >= at {
			exceptions.Panicf("module %q: ReplaceInstruction input #%d would break the topological order", m.name, ii)
		}
		if in == ref {
			exceptions.Panicf("module %q: ReplaceInstruction cannot make an instruction its own input", m.name)
		}
		inShapes[ii] = inIns.shape
	}
	shape, err := op.InferShape(inShapes, mods)
	if err != nil {
		exceptions.Panicf("module %q: %q: %+v", m.name, op.Name(), err)
	}
	if op.Name() != OpReturn && !shape.EqualDimensions(ins.shape) {
		exceptions.Panicf("module %q: ReplaceInstruction changes output dimensions from %s to %s", m.name, ins.shape, shape)
	}
	for _, in := range ins.inputs {
		m.prog.At(in).removeUse(ref)
	}
	ins.op = op
	ins.inputs = slices.Clone(inputs)
	ins.mods = slices.Clone(mods)
	ins.shape = shape
	for _, in := range ins.inputs {
		m.prog.At(in).addUse(ref)
	}
	m.prog.epoch++
}

// ReplaceWith redirects every consumer of old to rep. rep itself is never
// rewired, so `rep` may consume `old`. old stays in the module (usually to be
// collected by dead code elimination).
func (m *Module) ReplaceWith(old, rep InsRef) {
	if old == rep {
		return
	}
	oldIns := m.prog.At(old)
	if oldIns.dead || oldIns.mod != m {
		exceptions.Panicf("module %q: ReplaceWith of an instruction it doesn't own", m.name)
	}
	for _, user := range slices.Clone(oldIns.outputs) {
		if user == rep {
			continue
		}
		m.ReplaceArgument(user, old, rep)
	}
}

// ReplaceArgument substitutes every occurrence of oldArg in the instruction's
// input list with newArg.
func (m *Module) ReplaceArgument(ref, oldArg, newArg InsRef) {
	ins := m.prog.At(ref)
	changed := false
	for ii, in := range ins.inputs {
		if in == oldArg {
			ins.inputs[ii] = newArg
			changed = true
		}
	}
	if !changed {
		return
	}
	m.prog.At(oldArg).removeUse(ref)
	m.prog.At(newArg).addUse(ref)
	m.prog.epoch++
	m.recomputeShape(ref)
}

// recomputeShape re-runs shape inference after an argument substitution and
// propagates element-type changes to consumers. Dimension changes are a
// structural violation.
func (m *Module) recomputeShape(ref InsRef) {
	ins := m.prog.At(ref)
	inShapes := make([]shapes.Shape, len(ins.inputs))
	for ii, in := range ins.inputs {
		inShapes[ii] = m.prog.At(in).shape
	}
	shape, err := ins.op.InferShape(inShapes, ins.mods)
	if err != nil {
		exceptions.Panicf("module %q: recomputing %q: %+v", m.name, ins.OpName(), err)
	}
	if shape.Equal(ins.shape) {
		return
	}
	if ins.OpName() != OpReturn && !shape.EqualDimensions(ins.shape) {
		exceptions.Panicf("module %q: argument substitution changes %s dimensions to %s", m.name, ins, shape)
	}
	ins.shape = shape
	for _, user := range slices.Clone(ins.outputs) {
		m.recomputeShape(user)
	}
}

// MoveBefore repositions src immediately before dst in the module order. Only
// moves that keep the order topological are allowed.
func (m *Module) MoveBefore(src, dst InsRef) InsRef {
	from := m.position(src)
	if from < 0 || m.position(dst) < 0 {
		exceptions.Panicf("module %q: MoveBefore with instructions it doesn't contain", m.name)
	}
	m.order = slices.Delete(m.order, from, from+1)
	to := m.position(dst)
	for _, in := range m.prog.At(src).inputs {
		if m.position(in) >= to {
			exceptions.Panicf("module %q: MoveBefore would place an instruction before its input", m.name)
		}
	}
	m.order = slices.Insert(m.order, to, src)
	m.prog.epoch++
	return src
}

// Remove deletes an instruction with no remaining consumers from the module.
func (m *Module) Remove(ref InsRef) {
	ins := m.prog.At(ref)
	if ins.dead || ins.mod != m {
		exceptions.Panicf("module %q: Remove of an instruction it doesn't own", m.name)
	}
	if len(ins.outputs) > 0 {
		exceptions.Panicf("module %q: Remove of %s which still has %d consumers", m.name, ins, len(ins.outputs))
	}
	for _, in := range ins.inputs {
		m.prog.At(in).removeUse(ref)
	}
	if name := ins.ParameterName(); name != "" {
		delete(m.params, name)
	}
	if at := m.position(ref); at >= 0 {
		m.order = slices.Delete(m.order, at, at+1)
	}
	ins.dead = true
	ins.inputs = nil
	m.prog.epoch++
}

// CopyInstruction copies a single instruction (same operation and
// submodules) from src's module into m, translating its inputs through
// mapIns. Every input must already be mapped.
func (m *Module) CopyInstruction(src InsRef, mapIns map[InsRef]InsRef) InsRef {
	srcIns := m.prog.At(src)
	inputs := make([]InsRef, len(srcIns.inputs))
	for ii, in := range srcIns.inputs {
		mapped, found := mapIns[in]
		if !found {
			exceptions.Panicf("module %q: CopyInstruction of %s: input #%d has no mapping", m.name, srcIns, ii)
		}
		inputs[ii] = mapped
	}
	return m.newInstruction(srcIns.op, inputs, srcIns.mods, -1)
}

// AddInstructionsFrom copies the body of the donor module into m: every
// non-parameter, non-return instruction is copied in donor order with inputs
// translated through mapIns, which is extended with the copies. It returns
// the handles corresponding to the donor's returns.
//
// Donor parameters must already be mapped (see the carry-over conventions in
// the passes package).
func (m *Module) AddInstructionsFrom(donor *Module, mapIns map[InsRef]InsRef) []InsRef {
	for _, ref := range donor.order {
		ins := m.prog.At(ref)
		switch ins.OpName() {
		case OpParam, OpReturn:
			continue
		}
		if _, found := mapIns[ref]; found {
			continue
		}
		mapIns[ref] = m.CopyInstruction(ref, mapIns)
	}
	return xslices.Map(donor.Returns(), func(ref InsRef) InsRef {
		mapped, found := mapIns[ref]
		if !found {
			exceptions.Panicf("module %q: AddInstructionsFrom: donor return %%%d not mapped", m.name, ref)
		}
		return mapped
	})
}

// String pretty-prints the module body for debugging.
func (m *Module) String() string {
	var sb strings.Builder
	kind := "module"
	if m.bypass {
		kind = "bypass module"
	}
	fmt.Fprintf(&sb, "%s %q:\n", kind, m.name)
	for _, ref := range m.order {
		fmt.Fprintf(&sb, "  %s\n", m.prog.At(ref))
	}
	return sb.String()
}
