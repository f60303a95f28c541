package match

import (
	"testing"

	. "github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/graphfuse/graphfuse/ir"
	"github.com/graphfuse/graphfuse/types/shapes"
)

func TestBasicMatchers(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 2, 3))
	c := m.AddLiteral(ir.NewLiteral(shapes.Make(Float32, 2, 3), 1, 2, 3, 4, 5, 6))
	sum := m.AddInstruction(ir.Add(), x, c)
	neg := m.AddInstruction(ir.Neg(), sum)
	red := m.AddInstruction(ir.ReduceSum(1), neg)
	m.AddReturn(red)

	cx := newContext(m)
	check := func(ma Matcher, ref ir.InsRef, want bool) {
		_, ok := ma.Match(cx, ref)
		require.Equal(t, want, ok, "matching %v", ref)
	}

	check(Any(), sum, true)
	check(Name("add"), sum, true)
	check(Name("mul", "add"), sum, true)
	check(Name("mul"), sum, false)
	check(NInputs(2), sum, true)
	check(NInputs(1), sum, false)
	check(OfType(Float32), sum, true)
	check(OfType(Int8, Uint8), sum, false)
	check(UsedOnce(), sum, true)
	check(HasAttr(ir.AttrPointwise), sum, true)
	check(HasAttr(ir.AttrReduce), sum, false)
	check(HasAttr(ir.AttrReduce), red, true)
	check(IsConstant(), c, true)
	check(IsConstant(), sum, false)

	check(AllOf(Name("add"), NInputs(2)), sum, true)
	check(AllOf(Name("add"), NInputs(1)), sum, false)
	check(AnyOf(Name("mul"), Name("add")), sum, true)
	check(NoneOf(Name("mul"), Name("div")), sum, true)
	check(NoneOf(Name("add")), sum, false)

	check(Arg(0, Name("add")), neg, true)
	check(Arg(0, Name("mul")), neg, false)
	check(Arg(1, Any()), neg, false)
	check(Inputs(Name(ir.OpParam), Name(ir.OpLiteral)), sum, true)
	check(Inputs(Name(ir.OpParam)), sum, false)

	// Dead and invalid handles never match.
	check(Any(), ir.InvalidInsRef, false)
	unused := m.AddInstruction(ir.Relu(), sum)
	m.Remove(unused)
	check(Any(), unused, false)
}

func TestAnyOfInputsBindsFirst(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 4))
	a := m.AddInstruction(ir.Relu(), x)
	b := m.AddInstruction(ir.Relu(), x)
	sum := m.AddInstruction(ir.Add(), a, b)
	m.AddReturn(sum)

	// Both inputs are relu; the binding sticks to the first one tried.
	cx := newContext(m)
	got, ok := AnyOfInputs(Name("relu").Bind("producer")).Match(cx, sum)
	require.True(t, ok)
	require.Equal(t, sum, got)
	require.Equal(t, a, cx.bindings["producer"])
}

func TestSkipBroadcasts(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 3))
	pos := m.AddInstruction(ir.Relu(), x)
	bcast := m.AddInstruction(ir.Broadcast(1, 2, 3, 4), pos)
	cont := m.AddInstruction(ir.Contiguous(), bcast)
	y := m.AddParameter("y", shapes.Make(Float32, 2, 3, 4))
	sum := m.AddInstruction(ir.Add(), cont, y)
	m.AddReturn(sum)

	// Skip sees through the layout chain to the relu underneath.
	cx := newContext(m)
	got, ok := Arg(0, SkipBroadcasts().With(Name("relu")).Bind("src")).Match(cx, sum)
	require.True(t, ok)
	require.Equal(t, sum, got)
	require.Equal(t, pos, cx.bindings["src"])

	// Without a chain, Skip yields the instruction itself.
	cx = newContext(m)
	got, ok = SkipBroadcasts().Match(cx, pos)
	require.True(t, ok)
	require.Equal(t, pos, got)

	// Conditions on the yielded instruction still apply.
	cx = newContext(m)
	_, ok = Arg(0, SkipBroadcasts().With(Name("neg"))).Match(cx, sum)
	require.False(t, ok)
}

func TestUsedOnceExceptBroadcast(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 3))
	pos := m.AddInstruction(ir.Relu(), x)
	b1 := m.AddInstruction(ir.MultiBroadcast(2, 3), pos)
	b2 := m.AddInstruction(ir.MultiBroadcast(4, 3), pos)
	y2 := m.AddParameter("y2", shapes.Make(Float32, 2, 3))
	y4 := m.AddParameter("y4", shapes.Make(Float32, 4, 3))
	m.AddInstruction(ir.Add(), b1, y2)
	s2 := m.AddInstruction(ir.Add(), b2, y4)

	cx := newContext(m)
	_, ok := UsedOnceExceptBroadcast().Match(cx, pos)
	require.True(t, ok)

	// A broadcast consumer that is itself shared breaks the exemption.
	m.AddInstruction(ir.Add(), b2, s2)
	cx = newContext(m)
	_, ok = UsedOnceExceptBroadcast().Match(cx, pos)
	require.False(t, ok)

	// So does a direct non-broadcast consumer.
	m.AddInstruction(ir.Neg(), pos)
	cx = newContext(m)
	_, ok = UsedOnceExceptBroadcast().Match(cx, pos)
	require.False(t, ok)
}

// funcRewriter adapts a closure for driver tests.
type funcRewriter struct {
	matcher Matcher
	apply   func(m *ir.Module, r *Result)
}

func (f funcRewriter) Matcher() Matcher              { return f.matcher }
func (f funcRewriter) Apply(m *ir.Module, r *Result) { f.apply(m, r) }

func TestFindMatchesCountsMutations(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 4))
	a := m.AddInstruction(ir.Neg(), x)
	b := m.AddInstruction(ir.Neg(), a)
	m.AddReturn(b)

	negToRelu := funcRewriter{
		matcher: Name("neg"),
		apply: func(m *ir.Module, r *Result) {
			m.ReplaceInstruction(r.Root(), ir.Relu(), m.At(r.Root()).Inputs())
		},
	}
	require.Equal(t, 2, FindMatches(m, negToRelu))
	require.Equal(t, "relu", m.At(a).OpName())
	require.Equal(t, "relu", m.At(b).OpName())

	// Fixed point: nothing left to rewrite.
	require.Equal(t, 0, FindMatches(m, negToRelu))

	// An Apply that declines doesn't count.
	decliner := funcRewriter{
		matcher: Name("relu"),
		apply:   func(m *ir.Module, r *Result) {},
	}
	require.Equal(t, 0, FindMatches(m, decliner))
}

func TestFindMatchesSkipsRemoved(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 4))
	a := m.AddInstruction(ir.Neg(), x)
	b := m.AddInstruction(ir.Neg(), x)
	sum := m.AddInstruction(ir.Add(), a, b)
	m.AddReturn(sum)

	// The first neg rewires everything to itself and removes its twin; the
	// walk must then skip the removed twin instead of re-matching it.
	fired := 0
	dedup := funcRewriter{
		matcher: Name("neg"),
		apply: func(m *ir.Module, r *Result) {
			fired++
			other := b
			if r.Root() == b {
				other = a
			}
			m.ReplaceWith(other, r.Root())
			m.Remove(other)
		},
	}
	require.Equal(t, 1, FindMatches(m, dedup))
	require.Equal(t, 1, fired)
	require.True(t, m.At(b).IsDead())
	require.Equal(t, []ir.InsRef{a, a}, m.At(sum).Inputs())
}

func TestFindMatchesFirstRewriterWins(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 4))
	a := m.AddInstruction(ir.Neg(), x)
	m.AddReturn(a)

	var order []string
	mk := func(name string) funcRewriter {
		return funcRewriter{
			matcher: Name("neg"),
			apply: func(m *ir.Module, r *Result) {
				order = append(order, name)
			},
		}
	}
	FindMatches(m, mk("first"), mk("second"))
	require.Equal(t, []string{"first"}, order)
}

func TestResultBindings(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 4))
	a := m.AddInstruction(ir.Relu(), x)
	b := m.AddInstruction(ir.Neg(), a)
	m.AddReturn(b)

	rw := funcRewriter{
		matcher: Name("neg").With(Arg(0, Name("relu").Bind("producer"))),
		apply: func(m *ir.Module, r *Result) {
			require.Equal(t, b, r.Root())
			require.Equal(t, b, r.RootInstruction().Ref())
			require.Equal(t, a, r.Ref("producer"))
			require.Equal(t, a, r.Instruction("producer").Ref())
			require.Equal(t, ir.InvalidInsRef, r.Ref("missing"))
			require.Panics(t, func() { r.Instruction("missing") })

			// Mutating and then resolving a now-dead binding is caught.
			m.ReplaceWith(b, a)
			m.Remove(b)
			require.Panics(t, func() { r.RootInstruction() })
		},
	}
	require.Equal(t, 1, FindMatches(m, rw))
}
