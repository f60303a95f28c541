package passes

import (
	"fmt"

	"github.com/gomlx/exceptions"

	"github.com/graphfuse/graphfuse/ir"
	"github.com/graphfuse/graphfuse/types/xslices"
)

// The helpers below build fusion submodules by re-parenting instructions from
// a parent module (or inlining a donor submodule) into a new bypass module,
// keeping a carry-over map from original instruction handles to their copies.
// The map is what later recovers the external input list of the fused call.

// insertParams maps every input of src not yet carried over to a fresh
// parameter of sm, named x0, x1, ... in creation order. Parameters take the
// standardized shape of the source value so the fused region never sees
// non-contiguous strides.
func insertParams(sm *ir.Module, src *ir.Instruction, mapIns map[ir.InsRef]ir.InsRef) {
	n := sm.ParameterCount()
	for _, in := range src.Inputs() {
		if _, found := mapIns[in]; found {
			continue
		}
		shape := src.Owner().At(in).Shape().Standardized()
		mapIns[in] = sm.AddParameter(fmt.Sprintf("x%d", n), shape)
		n++
	}
}

// insertInstruction copies one instruction of m into sm, creating parameters
// for its not-yet-carried-over inputs. Referenced submodules are shared, not
// copied.
func insertInstruction(sm, m *ir.Module, src ir.InsRef, mapIns map[ir.InsRef]ir.InsRef) ir.InsRef {
	insertParams(sm, m.At(src), mapIns)
	out := sm.CopyInstruction(src, mapIns)
	mapIns[src] = out
	return out
}

// insertModule inlines the donor submodule of the call instruction into sm:
// the donor's parameters are rewired through the name-sorted correspondence
// between its declared parameters and the call's inputs, and its body is
// copied in order. Returns the handles corresponding to the donor's returns.
func insertModule(sm, m *ir.Module, call ir.InsRef, mapIns map[ir.InsRef]ir.InsRef) []ir.InsRef {
	callIns := m.At(call)
	insertParams(sm, callIns, mapIns)
	donor := callIns.Modules()[0]
	names := donor.ParameterNames()
	inputs := callIns.Inputs()
	if len(names) != len(inputs) {
		exceptions.Panicf("inlining %q into %q: %d parameters for %d call inputs",
			donor.ModuleName(), sm.ModuleName(), len(names), len(inputs))
	}
	for ii, name := range names {
		mapIns[donor.Parameter(name)] = mapIns[inputs[ii]]
	}
	return sm.AddInstructionsFrom(donor, mapIns)
}

// findInputs recovers, in parameter-name order, the parent instructions that
// must feed the fused call: the carry-over entries whose target is a
// parameter of sm and whose source lives in parent. Entries internal to a
// donor submodule are excluded.
func findInputs(sm, parent *ir.Module, mapIns map[ir.InsRef]ir.InsRef) []ir.InsRef {
	byName := make(map[string]ir.InsRef)
	for input, target := range mapIns {
		if !sm.HasInstruction(target) {
			continue
		}
		name := sm.At(target).ParameterName()
		if name == "" {
			continue
		}
		if !parent.HasInstruction(input) {
			continue
		}
		byName[name] = input
	}
	return xslices.Map(xslices.SortedKeys(byName), func(name string) ir.InsRef {
		return byName[name]
	})
}

// newFusionModule creates a bypass module for a fused region. The base name
// records the fusion lineage; a suffix keeps it unique when a pass runs more
// than once over the same program.
func newFusionModule(p *ir.Program, base string) *ir.Module {
	name := base
	if p.Module(name) != nil {
		name = fmt.Sprintf("%s_%d", base, p.Epoch())
	}
	m := p.CreateModule(name)
	m.SetBypass()
	return m
}
