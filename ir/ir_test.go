package ir

import (
	"testing"

	. "github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/graphfuse/graphfuse/types/shapes"
)

func TestModuleConstruction(t *testing.T) {
	p := NewProgram(nil)
	m := p.Main()
	require.Equal(t, MainModuleName, m.ModuleName())
	require.False(t, m.Bypass())

	x := m.AddParameter("x", shapes.Make(Float32, 2, 3))
	y := m.AddParameter("y", shapes.Make(Float32, 2, 3))
	sum := m.AddInstruction(Add(), x, y)
	out := m.AddInstruction(Relu(), sum)
	m.AddReturn(out)

	require.Equal(t, 2, m.ParameterCount())
	require.Equal(t, []string{"x", "y"}, m.ParameterNames())
	require.Equal(t, x, m.Parameter("x"))
	require.Equal(t, InvalidInsRef, m.Parameter("z"))
	require.Equal(t, []InsRef{out}, m.Returns())
	require.Equal(t, shapes.Make(Float32, 2, 3), m.At(out).Shape())

	// Inputs always precede their consumers in the module order.
	require.Less(t, m.Position(x), m.Position(sum))
	require.Less(t, m.Position(sum), m.Position(out))

	// Def-use edges mirror the input lists.
	require.Equal(t, []InsRef{x, y}, m.At(sum).Inputs())
	require.Equal(t, []InsRef{sum}, m.At(x).Outputs())
	require.Len(t, m.At(out).Outputs(), 1) // the @return
	require.Same(t, m, m.At(sum).Owner())
}

func TestLiteralsGoInFront(t *testing.T) {
	p := NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 4))
	double := m.AddInstruction(Add(), x, x)
	c := m.AddLiteral(NewLiteral(shapes.Make(Float32, 4), 1, 2, 3, 4))
	// The literal was added after `double` but must be placed before it.
	require.Less(t, m.Position(c), m.Position(double))
	require.NotNil(t, m.At(c).LiteralValue())
	require.Equal(t, "", m.At(c).ParameterName())

	// Consuming it afterwards is legal in any position.
	out := m.InsertInstruction(double, Mul(), []InsRef{x, c})
	require.Less(t, m.Position(c), m.Position(out))
}

func TestStructuralViolationsPanic(t *testing.T) {
	p := NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 2))

	require.Panics(t, func() { m.AddParameter("x", shapes.Make(Float32, 2)) })
	require.Panics(t, func() { m.AddInstruction(nil, x) })

	// Operations must come from the session registry.
	restricted := NewProgram(NewRegistry().Register(Param("", shapes.Invalid()), Return()))
	rx := restricted.Main().AddParameter("x", shapes.Make(Float32, 2))
	require.Panics(t, func() { restricted.Main().AddInstruction(Relu(), rx) })

	// Instructions have a single owner: no cross-module inputs.
	other := p.CreateModule("other")
	require.Panics(t, func() { other.AddInstruction(Relu(), x) })
	require.Panics(t, func() { p.CreateModule("other") })

	// Inserting before an input breaks the topological order.
	y := m.AddInstruction(Relu(), x)
	require.Panics(t, func() { m.InsertInstruction(x, Relu(), []InsRef{y}) })

	// An instruction with consumers cannot be removed.
	require.Panics(t, func() { m.Remove(x) })
	m.Remove(y)
	require.True(t, m.At(y).IsDead())
	require.False(t, m.HasInstruction(y))
	require.Empty(t, m.At(x).Outputs())

	// Dead instructions cannot be consumed.
	require.Panics(t, func() { m.AddInstruction(Relu(), y) })
}

func TestReplaceInstruction(t *testing.T) {
	p := NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 2, 3))
	y := m.AddParameter("y", shapes.Make(Float32, 2, 3))
	sum := m.AddInstruction(Add(), x, y)
	out := m.AddInstruction(Neg(), sum)
	m.AddReturn(out)

	// Same handle, same position, same consumers, new operation.
	pos := m.Position(sum)
	m.ReplaceInstruction(sum, Mul(), []InsRef{x, y})
	require.Equal(t, "mul", m.At(sum).OpName())
	require.Equal(t, pos, m.Position(sum))
	require.Equal(t, []InsRef{sum}, m.At(out).Inputs())

	// Output dimensions are frozen.
	require.Panics(t, func() { m.ReplaceInstruction(sum, ReduceSum(1), []InsRef{x}) })
	require.Panics(t, func() { m.ReplaceInstruction(sum, Add(), []InsRef{sum, y}) })
}

func TestReplaceWith(t *testing.T) {
	p := NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 4))
	old := m.AddInstruction(Neg(), x)
	a := m.AddInstruction(Relu(), old)
	b := m.AddInstruction(Add(), old, old)
	m.AddReturn(a, b)

	rep := m.InsertAfter(old, Relu(), []InsRef{old})
	m.ReplaceWith(old, rep)

	// Every consumer was rewired except rep itself, which may consume old.
	require.Equal(t, []InsRef{rep}, m.At(a).Inputs())
	require.Equal(t, []InsRef{rep, rep}, m.At(b).Inputs())
	require.Equal(t, []InsRef{old}, m.At(rep).Inputs())
	require.Equal(t, []InsRef{rep}, m.At(old).Outputs())
}

func TestReplaceArgumentRecomputesDType(t *testing.T) {
	p := NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 2, 2))
	scale := m.AddLiteral(ScalarLiteral(Float32, 0.5))
	zpU8 := m.AddLiteral(ScalarLiteral(Uint8, 128))
	q := m.AddInstruction(QuantizeLinear(), x, scale, zpU8)
	d := m.AddInstruction(DequantizeLinear(), q, scale, zpU8)
	m.AddReturn(d)
	require.Equal(t, Uint8, m.At(q).Shape().DType)

	// Swapping the zero point changes the quantized dtype; the change
	// propagates but dimensions stay fixed.
	zpI8 := m.AddLiteral(ScalarLiteral(Int8, 0))
	m.ReplaceArgument(q, zpU8, zpI8)
	require.Equal(t, Int8, m.At(q).Shape().DType)
	require.Equal(t, []int{2, 2}, m.At(q).Shape().Dimensions)
	require.Equal(t, Float32, m.At(d).Shape().DType)
}

func TestMoveBefore(t *testing.T) {
	p := NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 4))
	a := m.AddInstruction(Relu(), x)
	alloc := m.AddInstruction(Allocate(shapes.Make(Float32, 4)))
	m.AddInstruction(Copy(), a, alloc)

	m.MoveBefore(alloc, a)
	require.Less(t, m.Position(alloc), m.Position(a))

	// Moving a before its input x is rejected.
	require.Panics(t, func() { m.MoveBefore(a, x) })
}

func TestOutputAlias(t *testing.T) {
	p := NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 4))
	alloc := m.AddInstruction(Allocate(shapes.Make(Float32, 4)))
	cp := m.AddInstruction(Copy(), x, alloc)
	id := m.AddInstruction(Identity(), cp)

	// copy writes into its second input, identity passes its first through.
	require.Equal(t, alloc, m.At(cp).OutputAlias(false).Ref())
	require.Equal(t, cp, m.At(id).OutputAlias(false).Ref())
	require.Equal(t, alloc, m.At(id).OutputAlias(true).Ref())

	// Without an alias attribute an instruction is its own buffer.
	require.Equal(t, x, m.At(x).OutputAlias(true).Ref())
}

func TestEpochTracksMutations(t *testing.T) {
	p := NewProgram(nil)
	m := p.Main()
	before := p.Epoch()
	x := m.AddParameter("x", shapes.Make(Float32, 2))
	require.Greater(t, p.Epoch(), before)

	before = p.Epoch()
	y := m.AddInstruction(Relu(), x)
	require.Greater(t, p.Epoch(), before)

	before = p.Epoch()
	m.Remove(y)
	require.Greater(t, p.Epoch(), before)

	// Reads don't bump the epoch.
	before = p.Epoch()
	_ = m.Instructions()
	_ = m.Returns()
	require.Equal(t, before, p.Epoch())
}

func TestGarbageCollectModules(t *testing.T) {
	p := NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 2, 3))

	used := p.CreateModule("used")
	used.SetBypass()
	x0 := used.AddParameter("x0", shapes.Make(Float32, 2, 3))
	r := used.AddInstruction(ReduceSum(1), x0)
	used.AddReturn(r)
	m.AddInstructionWithModules(FusedReduce(1), []InsRef{x}, used)

	p.CreateModule("orphan")
	require.Equal(t, 1, p.GarbageCollectModules())
	require.Nil(t, p.Module("orphan"))
	require.NotNil(t, p.Module("used"))
	require.Len(t, p.Modules(), 2)
}

func TestEvaluate(t *testing.T) {
	p := NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 2, 3))
	pos := m.AddInstruction(Relu(), x)
	sum := m.AddInstruction(ReduceSum(1), pos)
	m.AddReturn(sum)

	arg := NewLiteral(shapes.Make(Float32, 2, 3), 1, -2, 3, -4, 5, -6)
	results, err := Evaluate(m, map[string]*Literal{"x": arg})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, shapes.Make(Float32, 2, 1), results[0].Shape())
	require.Equal(t, []float64{4, 5}, results[0].Values())

	// Missing and mis-shaped arguments are reported, not panicked.
	_, err = Evaluate(m, nil)
	require.Error(t, err)
	_, err = Evaluate(m, map[string]*Literal{"x": ScalarLiteral(Float32, 1)})
	require.Error(t, err)
}

func TestEvaluateFusedSubmodule(t *testing.T) {
	p := NewProgram(nil)
	sm := p.CreateModule("main:sum0")
	sm.SetBypass()
	x0 := sm.AddParameter("x0", shapes.Make(Float32, 2, 3))
	pos := sm.AddInstruction(Relu(), x0)
	sum := sm.AddInstruction(ReduceSum(1), pos)
	sm.AddReturn(sum)

	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 2, 3))
	fused := m.AddInstructionWithModules(FusedReduce(1), []InsRef{x}, sm)
	m.AddReturn(fused)
	require.Equal(t, shapes.Make(Float32, 2, 1), m.At(fused).Shape())

	arg := NewLiteral(shapes.Make(Float32, 2, 3), 1, -2, 3, -4, 5, -6)
	results, err := Evaluate(m, map[string]*Literal{"x": arg})
	require.NoError(t, err)
	require.Equal(t, []float64{4, 5}, results[0].Values())
}

func TestEvalConstant(t *testing.T) {
	p := NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 2))
	a := m.AddLiteral(NewLiteral(shapes.Make(Float32, 2), 1, 2))
	b := m.AddLiteral(NewLiteral(shapes.Make(Float32, 2), 10, 20))
	sum := m.AddInstruction(Add(), a, b)
	mixed := m.AddInstruction(Mul(), sum, x)
	alloc := m.AddInstruction(Allocate(shapes.Make(Float32, 2)))
	m.AddReturn(mixed)

	lit, ok := m.EvalConstant(sum)
	require.True(t, ok)
	require.Equal(t, []float64{11, 22}, lit.Values())

	_, ok = m.EvalConstant(x)
	require.False(t, ok)
	_, ok = m.EvalConstant(mixed)
	require.False(t, ok)
	_, ok = m.EvalConstant(alloc)
	require.False(t, ok)
}
