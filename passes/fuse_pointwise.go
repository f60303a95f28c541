package passes

import (
	"fmt"

	"github.com/graphfuse/graphfuse/ir"
	"github.com/graphfuse/graphfuse/match"
)

// FusePointwise wraps every elementwise instruction into its own "pointwise"
// bypass region, then merges adjacent regions so chains of elementwise ops
// become a single fused call. Reduction fusion builds on the regions this
// pass leaves behind.
type FusePointwise struct{}

func (FusePointwise) Name() string { return "fuse_pointwise" }

func (fp FusePointwise) Apply(m *ir.Module) {
	fp.createPointwiseModules(m)
	DeadCodeElimination{}.Apply(m)
	for {
		if match.FindMatches(m, findPointwisePointwise{}) == 0 {
			break
		}
		DeadCodeElimination{}.Apply(m)
	}
}

// createPointwiseModules is the normalization step: each instruction with the
// pointwise attribute becomes a single-instruction bypass region called
// through a "pointwise" instruction.
func (FusePointwise) createPointwiseModules(m *ir.Module) {
	n := 0
	for _, ref := range m.Instructions() {
		if !m.HasInstruction(ref) {
			continue
		}
		ins := m.At(ref)
		if !ins.Op().Attrs().GetBool(ir.AttrPointwise, false) {
			continue
		}
		if !sameDimInputs(m, ins) {
			// Ops with scalar side inputs (clip bounds) stay unfused.
			continue
		}
		pm := newFusionModule(m.Program(), fmt.Sprintf("%s:pointwise%d", m.ModuleName(), n))
		n++
		mapIns := make(map[ir.InsRef]ir.InsRef)
		out := insertInstruction(pm, m, ref, mapIns)
		pm.AddReturn(out)
		m.ReplaceInstruction(ref, ir.Pointwise(), findInputs(pm, m, mapIns), pm)
	}
}

func sameDimInputs(m *ir.Module, ins *ir.Instruction) bool {
	inputs := ins.Inputs()
	if len(inputs) == 0 {
		return false
	}
	first := m.At(inputs[0]).Shape()
	for _, in := range inputs[1:] {
		if !m.At(in).Shape().EqualDimensions(first) {
			return false
		}
	}
	return true
}

// findPointwisePointwise merges a pointwise region into its only consumer:
// pointwise(pointwise(...)) becomes one region containing both bodies.
type findPointwisePointwise struct{}

func (findPointwisePointwise) Matcher() match.Matcher {
	return match.Name("pointwise").With(
		match.AnyOfInputs(
			match.Name("pointwise").With(match.UsedOnce()).Bind("producer")))
}

func (findPointwisePointwise) Apply(m *ir.Module, r *match.Result) {
	consumer := r.Root()
	producer := r.Ref("producer")

	fm := newFusionModule(m.Program(), m.At(producer).Modules()[0].ModuleName()+":fused")
	mapIns := make(map[ir.InsRef]ir.InsRef)
	rets := insertModule(fm, m, producer, mapIns)
	mapIns[producer] = rets[0]
	out := insertModule(fm, m, consumer, mapIns)
	fm.AddReturn(out...)

	m.ReplaceInstruction(consumer, ir.Pointwise(), findInputs(fm, m, mapIns), fm)
}
