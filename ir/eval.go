package ir

import (
	"github.com/pkg/errors"
)

// Evaluate interprets the module over the given named arguments, one per
// parameter, and returns the module's outputs. It is a reference interpreter
// for testing rewrites, not an execution engine: everything is computed in
// standard layout, one instruction at a time.
func Evaluate(m *Module, args map[string]*Literal) ([]*Literal, error) {
	values := make(map[InsRef]*Literal, len(m.order))
	for _, ref := range m.Instructions() {
		ins := m.At(ref)
		switch ins.OpName() {
		case OpParam:
			arg, found := args[ins.ParameterName()]
			if !found {
				return nil, errors.Errorf("evaluate %q: missing argument for parameter %q", m.name, ins.ParameterName())
			}
			if !arg.Shape().EqualDimensions(ins.Shape()) {
				return nil, errors.Errorf("evaluate %q: argument for %q has dimensions %s, want %s",
					m.name, ins.ParameterName(), arg.Shape(), ins.Shape())
			}
			values[ref] = arg
		case OpLiteral:
			values[ref] = ins.LiteralValue()
		case OpReturn:
			continue
		default:
			ev, ok := ins.Op().(Evaluable)
			if !ok {
				return nil, errors.Errorf("evaluate %q: operation %q is not evaluable", m.name, ins.OpName())
			}
			inLits := make([]*Literal, len(ins.Inputs()))
			for ii, in := range ins.Inputs() {
				inLits[ii] = values[in]
				if inLits[ii] == nil {
					return nil, errors.Errorf("evaluate %q: %s consumes an unevaluated input", m.name, ins)
				}
			}
			out, err := ev.Eval(inLits, ins.Modules())
			if err != nil {
				return nil, errors.Wrapf(err, "evaluate %q: %s", m.name, ins)
			}
			values[ref] = out
		}
	}
	returns := m.Returns()
	results := make([]*Literal, len(returns))
	for ii, ref := range returns {
		results[ii] = values[ref]
		if results[ii] == nil {
			return nil, errors.Errorf("evaluate %q: return #%d was not computed", m.name, ii)
		}
	}
	return results, nil
}

// evalSubmodule evaluates a single-output submodule over positional
// arguments. Positions correspond to parameter names in lexicographic
// order, the same correspondence used when the region was extracted.
func evalSubmodule(sm *Module, args []*Literal) (*Literal, error) {
	names := sm.ParameterNames()
	if len(args) != len(names) {
		return nil, errors.Errorf("submodule %q takes %d arguments, got %d", sm.name, len(names), len(args))
	}
	named := make(map[string]*Literal, len(args))
	for ii, name := range names {
		named[name] = args[ii]
	}
	results, err := Evaluate(sm, named)
	if err != nil {
		return nil, err
	}
	if len(results) != 1 {
		return nil, errors.Errorf("submodule %q returned %d outputs, want 1", sm.name, len(results))
	}
	return results[0], nil
}

// EvalConstant tries to fold the instruction into a literal: it succeeds when
// the instruction is a literal, or an evaluable operation whose transitive
// inputs are all constant. Parameters and allocations are not constant.
func (m *Module) EvalConstant(ref InsRef) (*Literal, bool) {
	ins := m.prog.At(ref)
	switch ins.OpName() {
	case OpLiteral:
		return ins.LiteralValue(), true
	case OpParam, OpAllocate:
		return nil, false
	}
	ev, ok := ins.op.(Evaluable)
	if !ok {
		return nil, false
	}
	inLits := make([]*Literal, len(ins.inputs))
	for ii, in := range ins.inputs {
		lit, constant := m.EvalConstant(in)
		if !constant {
			return nil, false
		}
		inLits[ii] = lit
	}
	out, err := ev.Eval(inLits, ins.mods)
	if err != nil {
		return nil, false
	}
	return out, true
}
