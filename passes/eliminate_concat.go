package passes

import (
	"slices"

	"github.com/gomlx/exceptions"

	"github.com/graphfuse/graphfuse/ir"
	"github.com/graphfuse/graphfuse/types/xslices"
)

// ConcatOptimization describes the target's allocation model to
// EliminateConcat: which operation allocates buffers, how to copy into one,
// how to recognize the lowered concat, and whether a producer can write a
// non-packed output directly.
type ConcatOptimization interface {
	// AllocationOp is the name of the target's buffer allocation operation.
	AllocationOp() string

	// CopyOp returns the operation that copies (src, dst) into dst.
	CopyOp() ir.Op

	// Concat returns the concatenation axis when op is the lowered concat
	// this model recognizes.
	Concat(op ir.Op) (axis int, ok bool)

	// SupportsNonPackedOutput reports whether the producer can write
	// directly into a strided slice of the destination buffer.
	SupportsNonPackedOutput(m *ir.Module, producer ir.InsRef) bool
}

// DefaultConcatOptimization is the allocation model of the builtin ops:
// "allocate" buffers, "copy" writes, "concat" concatenation, and no direct
// strided writes.
type DefaultConcatOptimization struct{}

func (DefaultConcatOptimization) AllocationOp() string { return ir.OpAllocate }
func (DefaultConcatOptimization) CopyOp() ir.Op        { return ir.Copy() }

func (DefaultConcatOptimization) Concat(op ir.Op) (int, bool) {
	return ir.ConcatAxis(op)
}

func (DefaultConcatOptimization) SupportsNonPackedOutput(*ir.Module, ir.InsRef) bool {
	return false
}

// EliminateConcat rewrites a lowered concatenation (final input an
// allocation) into in-place writes: the concat's buffer is hoisted above
// every producer, sliced per segment along the concat axis, and each
// producer either writes its slice directly (packed, single use) or is
// followed by one copy. Concats that would need more than one copy are left
// alone.
type EliminateConcat struct {
	// Opt is the target allocation model; nil uses
	// DefaultConcatOptimization.
	Opt ConcatOptimization
}

func (EliminateConcat) Name() string { return "eliminate_concat" }

func (ec EliminateConcat) Apply(m *ir.Module) {
	opt := ec.Opt
	if opt == nil {
		opt = DefaultConcatOptimization{}
	}
	co := concatOptimizer{m: m, opt: opt}
	for _, ref := range m.Instructions() {
		if !m.HasInstruction(ref) {
			continue
		}
		ins := m.At(ref)
		axis, ok := opt.Concat(ins.Op())
		if !ok || len(ins.Inputs()) < 2 {
			continue
		}
		rank := m.At(ins.Inputs()[0]).Shape().Rank()
		if axis < 0 {
			axis += rank
		}
		if axis < 0 || axis >= rank {
			exceptions.Panicf("eliminate_concat: axis out of range for %s", ins)
		}
		inputs := ins.Inputs()
		ncopies := 0
		for _, input := range inputs[:len(inputs)-1] {
			switch {
			case co.needCopy(input):
				ncopies++
			case m.At(input).Shape().PackedAround(axis):
				// Direct write-through is layout safe.
			case !opt.SupportsNonPackedOutput(m, input):
				ncopies++
			}
		}
		if ncopies > 1 {
			continue
		}
		co.replaceConcat(ref, axis)
	}
}

type concatOptimizer struct {
	m   *ir.Module
	opt ConcatOptimization
}

func (co concatOptimizer) isAllocation(ref ir.InsRef) bool {
	name := co.m.At(ref).OpName()
	return name == ir.OpAllocate || name == co.opt.AllocationOp()
}

// needCopy reports whether the producer's output cannot be attributed to a
// plain allocation through alias analysis.
func (co concatOptimizer) needCopy(ref ir.InsRef) bool {
	alias := co.m.At(ref).OutputAlias(true)
	return !co.isAllocation(alias.Ref())
}

// insertCopy carves the producer's segment out of super: the producer's
// allocation is swapped for the slice when a direct write is safe, otherwise
// one copy into the slice follows the producer.
func (co concatOptimizer) insertCopy(sliceOp ir.Op, input, super ir.InsRef) ir.InsRef {
	slice := co.m.InsertInstruction(input, sliceOp, []ir.InsRef{super})
	if !co.needCopy(input) && co.m.At(slice).Shape().Packed() && len(co.m.At(input).Outputs()) == 1 {
		alloc := co.m.At(input).OutputAlias(true).Ref()
		co.m.ReplaceWith(alloc, slice)
		return input
	}
	cp := co.m.InsertAfter(input, co.opt.CopyOp(), []ir.InsRef{input, slice})
	co.m.ReplaceWith(input, cp)
	return cp
}

func (co concatOptimizer) replaceConcat(concat ir.InsRef, axis int) {
	ins := co.m.At(concat)
	inputs := slices.Clone(ins.Inputs())
	last := inputs[len(inputs)-1]
	if !co.isAllocation(last) {
		return
	}
	// Hoist the concat's buffer above the earliest producer allocation so
	// every slice of it is available where the producers run.
	allocations := xslices.Map(inputs[:len(inputs)-1], func(x ir.InsRef) ir.InsRef {
		return co.m.At(x).OutputAlias(true).Ref()
	})
	first := allocations[0]
	for _, a := range allocations[1:] {
		if co.m.Position(a) < co.m.Position(first) {
			first = a
		}
	}
	super := co.m.MoveBefore(last, first)

	args := []ir.InsRef{super}
	start := 0
	for _, input := range inputs[:len(inputs)-1] {
		dim := co.m.At(input).Shape().Dim(axis)
		x := co.insertCopy(ir.Slice(axis, start, start+dim), input, super)
		start += co.m.At(x).Shape().Dim(axis)
		args = append(args, x)
	}
	co.m.ReplaceInstruction(concat, ir.Identity(), args)
}
