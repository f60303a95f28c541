package passes

import (
	"testing"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/graphfuse/graphfuse/ir"
	"github.com/graphfuse/graphfuse/match"
	"github.com/graphfuse/graphfuse/types/shapes"
)

// countOps counts the module's live instructions with the given operation
// name.
func countOps(m *ir.Module, name string) int {
	n := 0
	for _, ref := range m.Instructions() {
		if m.HasInstruction(ref) && m.At(ref).OpName() == name {
			n++
		}
	}
	return n
}

// deepCountOps also descends into the submodules referenced by the module's
// instructions.
func deepCountOps(m *ir.Module, name string) int {
	n := countOps(m, name)
	for _, ref := range m.Instructions() {
		if !m.HasInstruction(ref) {
			continue
		}
		for _, sub := range m.At(ref).Modules() {
			n += deepCountOps(sub, name)
		}
	}
	return n
}

// findOp returns the first live instruction with the given operation name.
func findOp(m *ir.Module, name string) ir.InsRef {
	for _, ref := range m.Instructions() {
		if m.HasInstruction(ref) && m.At(ref).OpName() == name {
			return ref
		}
	}
	return ir.InvalidInsRef
}

func evalMain(t *testing.T, p *ir.Program, args map[string]*ir.Literal) []float64 {
	results, err := ir.Evaluate(p.Main(), args)
	require.NoError(t, err)
	require.Len(t, results, 1)
	return results[0].Values()
}

func TestDeadCodeElimination(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 4))
	unusedA := m.AddInstruction(ir.Relu(), x)
	unusedB := m.AddInstruction(ir.Neg(), unusedA)
	kept := m.AddInstruction(ir.Neg(), x)
	m.AddReturn(kept)
	p.CreateModule("orphan")

	DeadCodeElimination{}.Apply(m)
	require.False(t, m.HasInstruction(unusedA))
	require.False(t, m.HasInstruction(unusedB))
	require.True(t, m.HasInstruction(kept))
	require.True(t, m.HasInstruction(x)) // parameters survive
	require.Nil(t, p.Module("orphan"))
}

func TestFusePointwiseChain(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 4))
	y := m.AddParameter("y", shapes.Make(Float32, 4))
	sum := m.AddInstruction(ir.Add(), x, y)
	out := m.AddInstruction(ir.Mul(), sum, x)
	m.AddReturn(out)

	args := map[string]*ir.Literal{
		"x": ir.NewLiteral(shapes.Make(Float32, 4), 1, -2, 3, -4),
		"y": ir.NewLiteral(shapes.Make(Float32, 4), 0.5, 2, -1, 4),
	}
	before := evalMain(t, p, args)

	FusePointwise{}.Apply(m)

	// The whole chain collapses into one region over the original inputs.
	require.Equal(t, 1, countOps(m, "pointwise"))
	require.Equal(t, 0, countOps(m, "add"))
	require.Equal(t, 0, countOps(m, "mul"))
	fused := findOp(m, "pointwise")
	require.ElementsMatch(t, []ir.InsRef{x, y}, m.At(fused).Inputs())
	require.Equal(t, 1, deepCountOps(m, "add"))
	require.Equal(t, 1, deepCountOps(m, "mul"))

	require.Equal(t, before, evalMain(t, p, args))
}

func TestFuseReduceChain(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 4, 8))
	pos := m.AddInstruction(ir.Relu(), x)
	sum := m.AddInstruction(ir.ReduceSum(1), pos)
	out := m.AddInstruction(ir.Neg(), sum)
	m.AddReturn(out)

	values := make([]float64, 32)
	for ii := range values {
		values[ii] = float64(ii%7) - 3
	}
	args := map[string]*ir.Literal{"x": ir.NewLiteral(shapes.Make(Float32, 4, 8), values...)}
	before := evalMain(t, p, args)

	FusePointwise{}.Apply(m)
	FuseReduce{}.Apply(m)

	// Everything fused into one reduction region fed by x directly.
	require.Equal(t, 1, countOps(m, "fused_reduce"))
	require.Equal(t, 0, countOps(m, "relu"))
	require.Equal(t, 0, countOps(m, "reduce_sum"))
	require.Equal(t, 0, countOps(m, "pointwise"))
	fused := findOp(m, "fused_reduce")
	require.Equal(t, []ir.InsRef{x}, m.At(fused).Inputs())

	// The region holds the whole computation, each op exactly once.
	require.Equal(t, 1, deepCountOps(m, "relu"))
	require.Equal(t, 1, deepCountOps(m, "reduce_sum"))
	require.Equal(t, 1, deepCountOps(m, "neg"))

	// Rank is preserved and reduced axes report dimension 1.
	require.Equal(t, []int{4, 1}, m.At(fused).Shape().Dimensions)
	require.Equal(t, []int{1}, ir.ReduceAxes(m.At(fused).Op()))

	require.Equal(t, before, evalMain(t, p, args))

	// Fixed point: another search round over the same rewrites finds
	// nothing to do.
	require.Equal(t, 0, match.FindMatches(m,
		findReducePointwise{}, findPointwiseReduce{}, findReduceReduce{}, findReduceReshape{}))
}

func TestFuseReduceBroadcastReplay(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 8))
	pos := m.AddInstruction(ir.Relu(), x)
	bcast := m.AddInstruction(ir.MultiBroadcast(4, 8), pos)
	sum := m.AddInstruction(ir.ReduceSum(1), bcast)
	m.AddReturn(sum)

	args := map[string]*ir.Literal{
		"x": ir.NewLiteral(shapes.Make(Float32, 8), 1, -2, 3, -4, 5, -6, 7, -8),
	}
	before := evalMain(t, p, args)

	FusePointwise{}.Apply(m)
	FuseReduce{}.Apply(m)

	// The broadcast is replayed inside the region, so the fused call
	// consumes the pre-broadcast value.
	require.Equal(t, 1, countOps(m, "fused_reduce"))
	require.Equal(t, 0, countOps(m, "multibroadcast"))
	fused := findOp(m, "fused_reduce")
	require.Equal(t, []ir.InsRef{x}, m.At(fused).Inputs())
	require.Equal(t, []int{4, 1}, m.At(fused).Shape().Dimensions)
	require.Equal(t, 1, deepCountOps(m, "multibroadcast"))

	require.Equal(t, before, evalMain(t, p, args))
}

func TestFuseReduceReduce(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 4, 8))
	r1 := m.AddInstruction(ir.ReduceSum(1), x)
	r2 := m.AddInstruction(ir.ReduceSum(1), r1)
	m.AddReturn(r2)

	values := make([]float64, 32)
	for ii := range values {
		values[ii] = float64(ii)
	}
	args := map[string]*ir.Literal{"x": ir.NewLiteral(shapes.Make(Float32, 4, 8), values...)}
	before := evalMain(t, p, args)

	FuseReduce{}.Apply(m)

	require.Equal(t, 1, countOps(m, "fused_reduce"))
	require.Equal(t, 2, deepCountOps(m, "reduce_sum"))
	require.Equal(t, before, evalMain(t, p, args))
}

func TestFuseReduceDifferentAxesNotMerged(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 4, 8))
	r1 := m.AddInstruction(ir.ReduceSum(1), x)
	r2 := m.AddInstruction(ir.ReduceSum(0), r1)
	m.AddReturn(r2)

	FuseReduce{}.Apply(m)
	require.Equal(t, 2, countOps(m, "fused_reduce"))
}

func TestFuseReduceAcrossReshape(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 2, 3, 4))
	rs := m.AddInstruction(ir.Reshape(6, 4), x)
	sum := m.AddInstruction(ir.ReduceSum(1), rs)
	m.AddReturn(sum)

	values := make([]float64, 24)
	for ii := range values {
		values[ii] = float64(ii) - 10
	}
	args := map[string]*ir.Literal{"x": ir.NewLiteral(shapes.Make(Float32, 2, 3, 4), values...)}
	before := evalMain(t, p, args)

	FuseReduce{}.Apply(m)

	// The reduction hoists above the reshape with its axis remapped onto
	// the input dimensions; the reshape moves below it.
	fused := findOp(m, "fused_reduce")
	require.True(t, fused.Ok())
	require.Equal(t, []ir.InsRef{x}, m.At(fused).Inputs())
	require.Equal(t, []int{2}, ir.ReduceAxes(m.At(fused).Op()))
	require.Equal(t, []int{2, 3, 1}, m.At(fused).Shape().Dimensions)

	reshape := findOp(m, "reshape")
	require.True(t, reshape.Ok())
	require.Equal(t, []ir.InsRef{fused}, m.At(reshape).Inputs())
	require.Equal(t, []int{6, 1}, m.At(reshape).Shape().Dimensions)

	require.Equal(t, before, evalMain(t, p, args))
}

func TestFuseReduceReshapeSplitAxisDeclined(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 2, 6))
	rs := m.AddInstruction(ir.Reshape(2, 2, 3), x)
	sum := m.AddInstruction(ir.ReduceSum(1), rs)
	m.AddReturn(sum)

	FuseReduce{}.Apply(m)

	// The reshape splits input axis 1 in two and only one half is reduced:
	// there is no clean axis correspondence, so the reduction stays below.
	fused := findOp(m, "fused_reduce")
	require.True(t, fused.Ok())
	require.Equal(t, []ir.InsRef{rs}, m.At(fused).Inputs())
	require.Equal(t, 1, countOps(m, "reshape"))
}

func TestSimplifyQDQDynamicZeroPoint(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 4))
	zpSrc := m.AddParameter("zp_src", shapes.Scalar(Float32))
	lo := m.AddLiteral(ir.ScalarLiteral(Float32, 0))
	hi := m.AddLiteral(ir.ScalarLiteral(Float32, 255))
	saturated := m.AddInstruction(ir.Clip(), zpSrc, lo, hi)
	rounded := m.AddInstruction(ir.Round(), saturated)
	toU8 := m.AddInstruction(ir.Convert(Uint8), rounded)
	scale := m.AddLiteral(ir.ScalarLiteral(Float32, 0.5))
	q := m.AddInstruction(ir.QuantizeLinear(), x, scale, toU8)
	m.AddReturn(q)

	SimplifyQDQ{}.Apply(m)

	// The unsigned convention moves to signed: the saturation window slides
	// to the int8 range and the quantized tensor becomes int8.
	require.Equal(t, Int8, m.At(q).Shape().DType)
	bounds := m.At(saturated).Inputs()
	require.Equal(t, -128.0, m.At(bounds[1]).LiteralValue().At(0))
	require.Equal(t, 127.0, m.At(bounds[2]).LiteralValue().At(0))
	require.Equal(t, 1, countOps(m, "convert"))
	require.Equal(t, Int8, ir.ConvertTarget(m.At(findOp(m, "convert")).Op()))

	// Idempotent: a second run leaves the program untouched.
	epoch := p.Epoch()
	SimplifyQDQ{}.Apply(m)
	require.Equal(t, epoch, p.Epoch())
}

func TestSimplifyQDQDot(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x1 := m.AddParameter("x1", shapes.Make(Int8, 2, 3))
	x2 := m.AddParameter("x2", shapes.Make(Int8, 3, 4))
	scale1 := m.AddLiteral(ir.ScalarLiteral(Float32, 0.2))
	zp1 := m.AddLiteral(ir.ScalarLiteral(Int8, 5))
	scale2 := m.AddLiteral(ir.ScalarLiteral(Float32, 0.1))
	zp2 := m.AddLiteral(ir.Zeros(shapes.Scalar(Int8)))
	dq1 := m.AddInstruction(ir.DequantizeLinear(), x1, scale1, zp1)
	dq2 := m.AddInstruction(ir.DequantizeLinear(), x2, scale2, zp2)
	out := m.AddInstruction(ir.Dot(), dq1, dq2)
	m.AddReturn(out)

	args := map[string]*ir.Literal{
		"x1": ir.NewLiteral(shapes.Make(Int8, 2, 3), 1, -2, 3, 4, -5, 6),
		"x2": ir.NewLiteral(shapes.Make(Int8, 3, 4), 7, -8, 9, 10, -11, 12, 13, -14, 15, 16, -17, 18),
	}
	before := evalMain(t, p, args)

	SimplifyQDQ{}.Apply(m)

	// The dot runs on the raw int8 encodings. The weight side is symmetric
	// (all-zero zero point), so only the activation zero point contributes
	// a correction term: one extra quant_dot, no cross-term subtraction.
	require.Equal(t, 0, countOps(m, "dot"))
	require.Equal(t, 2, countOps(m, "quant_dot"))
	require.Equal(t, 0, countOps(m, "sub"))
	require.Equal(t, 1, countOps(m, "dequantizelinear"))
	dq := findOp(m, "dequantizelinear")
	require.Equal(t, Int32, m.At(m.At(dq).Inputs()[0]).Shape().DType)
	require.Equal(t, []int{2, 4}, m.At(dq).Shape().Dimensions)

	after := evalMain(t, p, args)
	require.Len(t, after, len(before))
	for ii, v := range before {
		require.InDelta(t, v, after[ii], 1e-3)
	}

	// Idempotent: the quantized form has nothing left to rewrite.
	epoch := p.Epoch()
	SimplifyQDQ{}.Apply(m)
	require.Equal(t, epoch, p.Epoch())
}

func TestSimplifyQDQConvolution(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Int8, 1, 2, 4, 4))
	w := m.AddParameter("w", shapes.Make(Int8, 3, 2, 2, 2))
	scale1 := m.AddLiteral(ir.ScalarLiteral(Float32, 0.1))
	zp1 := m.AddLiteral(ir.Zeros(shapes.Scalar(Int8)))
	scale2 := m.AddLiteral(ir.NewLiteral(shapes.Make(Float32, 3), 0.1, 0.2, 0.3))
	zp2 := m.AddLiteral(ir.Zeros(shapes.Make(Int8, 3)))
	s2b := m.AddInstruction(ir.Broadcast(0, 3, 2, 2, 2), scale2)
	z2b := m.AddInstruction(ir.Broadcast(0, 3, 2, 2, 2), zp2)
	dq1 := m.AddInstruction(ir.DequantizeLinear(), x, scale1, zp1)
	dq2 := m.AddInstruction(ir.DequantizeLinear(), w, s2b, z2b)
	conv := m.AddInstruction(ir.Convolution([]int{0, 0}, []int{1, 1}, []int{1, 1}), dq1, dq2)
	m.AddReturn(conv)
	require.Equal(t, []int{1, 3, 3, 3}, m.At(conv).Shape().Dimensions)

	SimplifyQDQ{}.Apply(m)

	// Fully symmetric: the integer convolution plus one dequantize, with
	// the per-channel scale recomposed along the output channel axis. No
	// zero-point correction terms at all.
	require.Equal(t, 0, countOps(m, "convolution"))
	require.Equal(t, 1, countOps(m, "quant_convolution"))
	require.Equal(t, 0, countOps(m, "add"))
	require.Equal(t, 0, countOps(m, "sub"))
	require.Equal(t, 1, countOps(m, "dequantizelinear"))
	qc := findOp(m, "quant_convolution")
	require.Equal(t, []ir.InsRef{x, w}, m.At(qc).Inputs())
	require.Equal(t, Int32, m.At(qc).Shape().DType)
}

func TestSimplifyQDQUnsupportedTypeDeclined(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x1 := m.AddParameter("x1", shapes.Make(Uint8, 2, 3))
	x2 := m.AddParameter("x2", shapes.Make(Uint8, 3, 4))
	scale := m.AddLiteral(ir.ScalarLiteral(Float32, 0.5))
	zp := m.AddLiteral(ir.Zeros(shapes.Scalar(Uint8)))
	dq1 := m.AddInstruction(ir.DequantizeLinear(), x1, scale, zp)
	dq2 := m.AddInstruction(ir.DequantizeLinear(), x2, scale, zp)
	out := m.AddInstruction(ir.Dot(), dq1, dq2)
	m.AddReturn(out)

	SimplifyQDQ{}.Apply(m)
	require.Equal(t, 1, countOps(m, "dot"))
	require.Equal(t, 0, countOps(m, "quant_dot"))

	// Widening the supported set unlocks the rewrite. Both zero points are
	// zero, so the integer dot needs no correction terms.
	SimplifyQDQ{SupportedTypes: []DType{Int8, Uint8}}.Apply(m)
	require.Equal(t, 0, countOps(m, "dot"))
	require.Equal(t, 1, countOps(m, "quant_dot"))
}

func TestRemoveQDQPairs(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 4))
	scaleQ := m.AddLiteral(ir.ScalarLiteral(Float32, 0.5))
	scaleDQ := m.AddLiteral(ir.ScalarLiteral(Float32, 0.5)) // distinct literal, same value
	zp := m.AddLiteral(ir.Zeros(shapes.Scalar(Int8)))
	q := m.AddInstruction(ir.QuantizeLinear(), x, scaleQ, zp)
	dq := m.AddInstruction(ir.DequantizeLinear(), q, scaleDQ, zp)
	out := m.AddInstruction(ir.Neg(), dq)
	m.AddReturn(out)

	removeQDQPairs(m)
	DeadCodeElimination{}.Apply(m)

	// The exact inverse pair is spliced out.
	require.Equal(t, []ir.InsRef{x}, m.At(out).Inputs())
	require.Equal(t, 0, countOps(m, "quantizelinear"))
	require.Equal(t, 0, countOps(m, "dequantizelinear"))
}

func TestRemoveQDQPairsMismatchKept(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 4))
	scaleQ := m.AddLiteral(ir.ScalarLiteral(Float32, 0.5))
	scaleDQ := m.AddLiteral(ir.ScalarLiteral(Float32, 0.25))
	zp := m.AddLiteral(ir.Zeros(shapes.Scalar(Int8)))
	q := m.AddInstruction(ir.QuantizeLinear(), x, scaleQ, zp)
	dq := m.AddInstruction(ir.DequantizeLinear(), q, scaleDQ, zp)
	out := m.AddInstruction(ir.Neg(), dq)
	m.AddReturn(out)

	removeQDQPairs(m)

	// Different scales: not an inverse pair, nothing changes.
	require.Equal(t, []ir.InsRef{dq}, m.At(out).Inputs())
	require.Equal(t, 1, countOps(m, "quantizelinear"))
}

func TestEliminateConcatDirectWrites(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 2, 3))
	y := m.AddParameter("y", shapes.Make(Float32, 2, 3))
	allocA := m.AddInstruction(ir.Allocate(shapes.Make(Float32, 2, 3)))
	cpA := m.AddInstruction(ir.Copy(), x, allocA)
	allocB := m.AddInstruction(ir.Allocate(shapes.Make(Float32, 2, 3)))
	cpB := m.AddInstruction(ir.Copy(), y, allocB)
	super := m.AddInstruction(ir.Allocate(shapes.Make(Float32, 4, 3)))
	concat := m.AddInstruction(ir.Concat(0), cpA, cpB, super)
	m.AddReturn(concat)

	EliminateConcat{}.Apply(m)
	DeadCodeElimination{}.Apply(m)

	// Both producers write straight into slices of the hoisted buffer: the
	// concat disappears and the per-producer allocations with it.
	require.Equal(t, 0, countOps(m, "concat"))
	require.Equal(t, 1, countOps(m, "identity"))
	require.Equal(t, 1, countOps(m, "allocate"))
	require.Equal(t, 2, countOps(m, "slice"))
	require.Equal(t, 2, countOps(m, "copy"))

	// The buffer sits above both producers, and each copy targets one of
	// its slices.
	require.Less(t, m.Position(super), m.Position(cpA))
	for _, cp := range []ir.InsRef{cpA, cpB} {
		dst := m.At(cp).Inputs()[1]
		require.Equal(t, "slice", m.At(dst).OpName())
		require.Equal(t, []ir.InsRef{super}, m.At(dst).Inputs())
		require.Equal(t, super, m.At(cp).OutputAlias(true).Ref())
	}
	require.Equal(t, []ir.InsRef{super, cpA, cpB}, m.At(concat).Inputs())
}

func TestEliminateConcatKeepsMultiCopy(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 2, 3))
	y := m.AddParameter("y", shapes.Make(Float32, 2, 3))
	r1 := m.AddInstruction(ir.Relu(), x)
	r2 := m.AddInstruction(ir.Neg(), x)
	r3 := m.AddInstruction(ir.Relu(), y)
	super := m.AddInstruction(ir.Allocate(shapes.Make(Float32, 6, 3)))
	concat := m.AddInstruction(ir.Concat(0), r1, r2, r3, super)
	m.AddReturn(concat)

	EliminateConcat{}.Apply(m)

	// None of the producers writes into an allocation, so eliminating the
	// concat would take three copies. It stays.
	require.Equal(t, 1, countOps(m, "concat"))
	require.Equal(t, []ir.InsRef{r1, r2, r3, super}, m.At(concat).Inputs())
}

type explodingPass struct{}

func (explodingPass) Name() string { return "exploding" }
func (explodingPass) Apply(m *ir.Module) {
	exceptions.Panicf("invariant violated in %q", m.ModuleName())
}

func TestRun(t *testing.T) {
	p := ir.NewProgram(nil)
	m := p.Main()
	x := m.AddParameter("x", shapes.Make(Float32, 4, 8))
	pos := m.AddInstruction(ir.Relu(), x)
	sum := m.AddInstruction(ir.ReduceSum(1), pos)
	m.AddReturn(sum)

	require.NoError(t, Run(p, FusePointwise{}, FuseReduce{}, SimplifyQDQ{}, EliminateConcat{}, DeadCodeElimination{}))
	require.Equal(t, 1, countOps(m, "fused_reduce"))

	err := Run(p, explodingPass{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "invariant violated")
}
