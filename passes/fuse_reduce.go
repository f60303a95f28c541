package passes

import (
	"fmt"
	"slices"

	"github.com/graphfuse/graphfuse/ir"
	"github.com/graphfuse/graphfuse/match"
	"github.com/graphfuse/graphfuse/types"
)

// FuseReduce fuses elementwise computation into reduction regions. It first
// wraps every reduction into its own "fused_reduce" bypass region, then
// repeatedly merges adjacent {pointwise, reduce} pairs, {reduce, reduce}
// chains over the same axes, and hoists fused reductions across safe
// reshapes. The merge loop runs a fixed number of rounds; each round that
// rewrites anything is followed by dead code elimination.
type FuseReduce struct{}

const fuseReduceRounds = 4

func (FuseReduce) Name() string { return "fuse_reduce" }

func (fr FuseReduce) Apply(m *ir.Module) {
	fr.createReduceModules(m)
	DeadCodeElimination{}.Apply(m)
	for round := 0; round < fuseReduceRounds; round++ {
		n := match.FindMatches(m,
			findReducePointwise{}, findPointwiseReduce{}, findReduceReduce{}, findReduceReshape{})
		DeadCodeElimination{}.Apply(m)
		if n == 0 {
			break
		}
	}
}

// createReduceModules is the normalization step: every single-input
// instruction carrying the reduce attribute becomes a one-instruction bypass
// region called through "fused_reduce".
func (FuseReduce) createReduceModules(m *ir.Module) {
	n := 0
	for _, ref := range m.Instructions() {
		if !m.HasInstruction(ref) {
			continue
		}
		ins := m.At(ref)
		if !ins.Op().Attrs().GetBool(ir.AttrReduce, false) {
			continue
		}
		if len(ins.Inputs()) != 1 {
			continue
		}
		rm := newFusionModule(m.Program(), fmt.Sprintf("%s:%s%d", m.ModuleName(), ins.OpName(), n))
		n++
		mapIns := make(map[ir.InsRef]ir.InsRef)
		out := insertInstruction(rm, m, ref, mapIns)
		rm.AddReturn(out)
		axes := ir.ReduceAxes(ins.Op())
		m.ReplaceInstruction(ref, ir.FusedReduce(axes...), findInputs(rm, m, mapIns), rm)
	}
}

// findPointwiseReduce pulls a pointwise producer into the reduction region
// that consumes it. The producer may sit behind a chain of broadcasts; the
// chain is replayed inside the new region, which tolerates a broadcast kept
// alive by one other consumer at the cost of duplicating it.
type findPointwiseReduce struct{}

func (findPointwiseReduce) Matcher() match.Matcher {
	return match.Name("fused_reduce").With(
		match.AnyOfInputs(
			match.Any().Bind("input").With(
				match.SkipBroadcasts().With(
					match.Name("pointwise"),
					match.UsedOnceExceptBroadcast(),
				).Bind("pointwise"))))
}

func (findPointwiseReduce) Apply(m *ir.Module, r *match.Result) {
	reduce := r.Root()
	pw := r.Ref("pointwise")
	input := r.Ref("input")

	// The broadcast chain between the reduction input and the producer, in
	// outermost-first order.
	var chain []ir.InsRef
	for cur := input; cur != pw; cur = m.At(cur).Inputs()[0] {
		chain = append(chain, cur)
	}

	rm := newFusionModule(m.Program(), m.At(pw).Modules()[0].ModuleName()+":reduce")
	mapIns := make(map[ir.InsRef]ir.InsRef)
	insertInstruction(rm, m, pw, mapIns)
	for ii := len(chain) - 1; ii >= 0; ii-- {
		insertInstruction(rm, m, chain[ii], mapIns)
	}
	rets := insertModule(rm, m, reduce, mapIns)
	rm.AddReturn(rets...)

	reduceOp := m.At(reduce).Op()
	m.ReplaceInstruction(reduce, reduceOp, findInputs(rm, m, mapIns), rm)
}

// findReducePointwise pulls a pointwise consumer into the reduction region
// that feeds it.
type findReducePointwise struct{}

func (findReducePointwise) Matcher() match.Matcher {
	return match.Name("pointwise").With(
		match.AnyOfInputs(
			match.Name("fused_reduce").With(match.UsedOnce()).Bind("reduce")))
}

func (findReducePointwise) Apply(m *ir.Module, r *match.Result) {
	pw := r.Root()
	reduce := r.Ref("reduce")

	rm := newFusionModule(m.Program(), m.At(reduce).Modules()[0].ModuleName()+":pointwise")
	mapIns := make(map[ir.InsRef]ir.InsRef)
	rets := insertModule(rm, m, reduce, mapIns)
	mapIns[reduce] = rets[0]
	out := insertInstruction(rm, m, pw, mapIns)
	rm.AddReturn(out)

	reduceOp := m.At(reduce).Op()
	m.ReplaceInstruction(pw, reduceOp, findInputs(rm, m, mapIns), rm)
}

// findReduceReduce merges two adjacent reduction regions over the identical
// reduction (same axes, same accumulation kind). Differing reductions are
// left alone.
type findReduceReduce struct{}

func (findReduceReduce) Matcher() match.Matcher {
	return match.Name("fused_reduce").With(
		match.AnyOfInputs(
			match.Name("fused_reduce").With(match.UsedOnce()).Bind("input")))
}

func (findReduceReduce) Apply(m *ir.Module, r *match.Result) {
	outer := r.Root()
	inner := r.Ref("input")
	if !slices.Equal(ir.ReduceAxes(m.At(outer).Op()), ir.ReduceAxes(m.At(inner).Op())) {
		return
	}
	if reduceKind(m.At(outer).Modules()[0]) != reduceKind(m.At(inner).Modules()[0]) {
		return
	}

	rm := newFusionModule(m.Program(), m.At(inner).Modules()[0].ModuleName()+":reduce")
	mapIns := make(map[ir.InsRef]ir.InsRef)
	rets := insertModule(rm, m, inner, mapIns)
	mapIns[inner] = rets[0]
	out := insertModule(rm, m, outer, mapIns)
	rm.AddReturn(out...)

	m.ReplaceInstruction(outer, m.At(outer).Op(), findInputs(rm, m, mapIns), rm)
}

// reduceKind returns the accumulation kind of the first reduction inside the
// region, or "" when there is none.
func reduceKind(rm *ir.Module) string {
	for _, ref := range rm.Instructions() {
		ins := rm.At(ref)
		if ins.Op().Attrs().GetBool(ir.AttrReduce, false) {
			return ins.OpName()
		}
	}
	return ""
}

// findReduceReshape hoists a fused reduction across the reshape feeding it:
// fused_reduce(reshape(x)) becomes reshape(fused_reduce'(x)) with the
// reduction axes remapped through the reshape's factor grouping. Only
// single-instruction reduction regions move; reshapes whose factor grouping
// splits a reduced axis are left alone.
type findReduceReshape struct{}

func (findReduceReshape) Matcher() match.Matcher {
	return match.Name("fused_reduce").With(
		match.NInputs(1),
		match.Arg(0, match.Name("reshape").With(match.UsedOnce()).Bind("reshape")))
}

func (findReduceReshape) Apply(m *ir.Module, r *match.Result) {
	root := r.Root()
	reshape := r.Ref("reshape")
	rootIns := m.At(root)

	kind, ok := singleReduceKind(rootIns.Modules()[0])
	if !ok {
		return
	}
	src := m.At(reshape).Inputs()[0]
	srcShape := m.At(src).Shape()
	outDims := m.At(reshape).Shape().Dimensions
	axes := ir.ReduceAxes(rootIns.Op())
	newAxes, ok := remapAxesThroughReshape(srcShape.Dimensions, outDims, axes)
	if !ok {
		return
	}

	rm := newFusionModule(m.Program(), rootIns.Modules()[0].ModuleName()+":reshape")
	p := rm.AddParameter("x0", srcShape.Standardized())
	rm.AddReturn(rm.AddInstruction(ir.Reduce(kind, newAxes...), p))

	fused := m.InsertInstruction(root, ir.FusedReduce(newAxes...), []ir.InsRef{src}, rm)
	m.ReplaceInstruction(root, ir.Reshape(rootIns.Shape().Dimensions...), []ir.InsRef{fused})
}

// singleReduceKind returns the reduction kind of a region whose body is
// exactly one reduction instruction.
func singleReduceKind(rm *ir.Module) (string, bool) {
	kind := ""
	body := 0
	for _, ref := range rm.Instructions() {
		ins := rm.At(ref)
		switch ins.OpName() {
		case ir.OpParam, ir.OpReturn:
			continue
		}
		body++
		if ins.Op().Attrs().GetBool(ir.AttrReduce, false) {
			kind = reduceOpKind(ins.OpName())
		}
	}
	return kind, body == 1 && kind != ""
}

func reduceOpKind(opName string) string {
	const prefix = "reduce_"
	if len(opName) > len(prefix) && opName[:len(prefix)] == prefix {
		return opName[len(prefix):]
	}
	return ""
}

// remapAxesThroughReshape translates reduction axes defined on the reshape's
// output dimensions onto its input dimensions. The dimensions are segmented
// into minimal groups with equal element products; reduced output axes must
// cover whole groups, otherwise there is no clean correspondence and the
// rewrite declines.
func remapAxesThroughReshape(inDims, outDims, axes []int) ([]int, bool) {
	reduced := types.SetWith(axes...)
	var newAxes []int
	i, o := 0, 0
	for i < len(inDims) && o < len(outDims) {
		iStart, oStart := i, o
		pi, po := inDims[i], outDims[o]
		i++
		o++
		for pi != po {
			switch {
			case pi < po && i < len(inDims):
				pi *= inDims[i]
				i++
			case po < pi && o < len(outDims):
				po *= outDims[o]
				o++
			default:
				return nil, false
			}
		}
		nReduced := 0
		for a := oStart; a < o; a++ {
			if reduced.Has(a) {
				nReduced++
			}
		}
		if nReduced == 0 {
			continue
		}
		if nReduced != o-oStart {
			// The group is only partially reduced.
			return nil, false
		}
		for a := iStart; a < i; a++ {
			newAxes = append(newAxes, a)
		}
	}
	// Leftover axes can only have dimension 1; reducing them is a no-op.
	return newAxes, true
}
