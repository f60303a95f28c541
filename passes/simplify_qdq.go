package passes

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/graphfuse/graphfuse/ir"
	"github.com/graphfuse/graphfuse/match"
	"github.com/graphfuse/graphfuse/types"
)

// SimplifyQDQ collapses quantize/dequantize bracketing into raw integer
// operations: it normalizes dynamically-quantized uint8 zero points to int8,
// folds {dequantize, dequantize} -> dot/convolution triples into a quantized
// op followed by a single dequantize with recomposed scale and zero point,
// and finally splices out exactly-inverse quantize->dequantize pairs.
type SimplifyQDQ struct {
	// SupportedTypes are the narrow integer encodings the quantized-op
	// rewrite accepts. Which encodings the backend can lower is a backend
	// property; the default is signed 8-bit only.
	SupportedTypes []dtypes.DType
}

func (SimplifyQDQ) Name() string { return "simplify_qdq" }

func (sq SimplifyQDQ) Apply(m *ir.Module) {
	supported := types.SetWith(sq.SupportedTypes...)
	if len(supported) == 0 {
		supported.Insert(dtypes.Int8)
	}
	match.FindMatches(m, findDynamicQuantizeZeroPoint{})
	DeadCodeElimination{}.Apply(m)
	match.FindMatches(m, findQuantizableOps{supported: supported})
	DeadCodeElimination{}.Apply(m)
	removeQDQPairs(m)
	DeadCodeElimination{}.Apply(m)
}

// findDynamicQuantizeZeroPoint rewrites the uint8 zero point the dynamic
// quantization convention produces into int8: the saturation bounds move to
// the int8 range and the final convert targets int8. Downstream quantized-op
// lowering only recognizes signed 8-bit.
type findDynamicQuantizeZeroPoint struct{}

func (findDynamicQuantizeZeroPoint) Matcher() match.Matcher {
	return match.Name("quantizelinear").With(
		match.Arg(2, match.SkipBroadcasts().With(
			match.Name("convert"),
			match.OfType(dtypes.Uint8),
		).Bind("convert")))
}

func (findDynamicQuantizeZeroPoint) Apply(m *ir.Module, r *match.Result) {
	convert := r.Ref("convert")
	round := m.At(convert).Inputs()[0]
	if m.At(round).OpName() != "round" {
		return
	}
	saturate := m.At(round).Inputs()[0]
	if m.At(saturate).OpName() != "clip" {
		return
	}
	qMin := m.At(saturate).Inputs()[1]
	qMax := m.At(saturate).Inputs()[2]
	xType := m.At(m.At(r.Root()).Inputs()[0]).Shape().DType

	// The quantization range width is unchanged, only its position moves.
	newMin := m.AddLiteral(ir.ScalarLiteral(xType, -128))
	newMax := m.AddLiteral(ir.ScalarLiteral(xType, 127))
	m.ReplaceWith(qMin, newMin)
	m.ReplaceWith(qMax, newMax)

	newConvert := m.InsertInstruction(convert, ir.Convert(dtypes.Int8), []ir.InsRef{round})
	m.ReplaceWith(convert, newConvert)
}

// findQuantizableOps folds an affine-dequantized dot or convolution into its
// integer counterpart: (x1-z1)s1 * (x2-z2)s2 expands so the integer op runs
// on the raw encodings, the output scale is s1*s2 broadcast along the
// per-operator quantization axis, and zero points contribute only the cross
// terms of (a-za)(b-zb); symmetric (all-zero) zero points contribute nothing
// and their terms are skipped.
type findQuantizableOps struct {
	supported types.Set[dtypes.DType]
}

func dequantizePattern(scale, zp string) match.Matcher {
	return match.Name("dequantizelinear").With(
		match.Arg(0, match.Skip(match.Name("quantizelinear"))),
		match.Arg(1, match.SkipBroadcasts().With(match.IsConstant()).Bind(scale)),
		match.Arg(2, match.SkipBroadcasts().With(match.IsConstant()).Bind(zp)))
}

func (findQuantizableOps) Matcher() match.Matcher {
	skipLayout := func(sub match.Matcher) match.Matcher {
		return match.Skip(match.Name(ir.LayoutOpNames...)).With(sub)
	}
	return match.Name("convolution", "dot").With(
		match.Arg(0, skipLayout(dequantizePattern("scale1", "zp1")).Bind("dq1")),
		match.Arg(1, skipLayout(dequantizePattern("scale2", "zp2")).Bind("dq2")))
}

func (fq findQuantizableOps) Apply(m *ir.Module, r *match.Result) {
	qop := r.Root()
	qopIns := m.At(qop)
	dq1, dq2 := r.Ref("dq1"), r.Ref("dq2")
	scale1, zp1 := r.Ref("scale1"), r.Ref("zp1")
	scale2, zp2 := r.Ref("scale2"), r.Ref("zp2")

	if !fq.supported.Has(m.At(m.At(dq1).Inputs()[0]).Shape().DType) ||
		!fq.supported.Has(m.At(m.At(dq2).Inputs()[0]).Shape().DType) {
		return
	}

	arg1Lens := m.At(qopIns.Inputs()[0]).Shape().Dimensions
	arg2Lens := m.At(qopIns.Inputs()[1]).Shape().Dimensions
	var scaleAxis1, scaleAxis2, zpAxis1, zpAxis2 int
	var outLens []int
	switch qopIns.OpName() {
	case "convolution":
		// Input [n, c, x1...]: only per-tensor quantization. Weights
		// [k, c, y1...]: quantization axis is k.
		if literalSize(m, scale1) != 1 || literalSize(m, zp1) != 1 ||
			!validQParam(m, scale2, arg2Lens, 0) || !validQParam(m, zp2, arg2Lens, 0) {
			return
		}
		scaleAxis1, scaleAxis2 = 1, 1
		zpAxis1, zpAxis2 = 1, 0
	case "dot":
		// (..., M, K) x (..., K, N): valid axes are M for the first
		// argument and N for the second.
		rank := len(arg1Lens)
		outLens = slices.Clone(arg1Lens)
		outLens[rank-1] = arg2Lens[rank-1]
		if !validQParam(m, scale1, outLens, rank-2) || !validQParam(m, zp1, outLens, rank-2) ||
			!validQParam(m, scale2, outLens, rank-1) || !validQParam(m, zp2, outLens, rank-1) {
			return
		}
		scaleAxis1, scaleAxis2 = rank-2, rank-1
		zpAxis1, zpAxis2 = rank-2, rank-1
	default:
		return
	}

	// Move the raw integer tensors through the layout ops separating the
	// dequantize from the consuming op.
	args := slices.Clone(qopIns.Inputs())
	args[0] = propagateQuantizedIns(m, dq1, args[0])
	args[1] = propagateQuantizedIns(m, dq2, args[1])

	var quantOp ir.Op
	if qopIns.OpName() == "convolution" {
		quantOp = ir.QuantConvolution(qopIns.Op())
	} else {
		quantOp = ir.QuantDot()
	}
	dq := m.InsertInstruction(qop, quantOp, args)
	dqShape := m.At(dq).Shape()
	if outLens == nil {
		outLens = dqShape.Dimensions
	}

	s1Bcast := m.InsertInstruction(qop, qparamBroadcastOp(m, scale1, outLens, scaleAxis1), []ir.InsRef{scale1})
	s2Bcast := m.InsertInstruction(qop, qparamBroadcastOp(m, scale2, outLens, scaleAxis2), []ir.InsRef{scale2})
	outScale := m.InsertInstruction(qop, ir.Mul(), []ir.InsRef{s1Bcast, s2Bcast})

	// Zero-point correction: start from zero and add only the terms the
	// cross expansion actually needs.
	zeroLit := m.AddLiteral(ir.ScalarLiteral(dqShape.DType, 0))
	outZp := m.InsertInstruction(qop, ir.MultiBroadcast(dqShape.Dimensions...), []ir.InsRef{zeroLit})

	symmetric1 := isSymmetricZeroPoint(m, zp1)
	symmetric2 := isSymmetricZeroPoint(m, zp2)
	var zp1Bcast, zp2Bcast ir.InsRef
	if !symmetric1 {
		zp1Bcast = m.InsertInstruction(qop, qparamBroadcastOp(m, zp1, arg1Lens, zpAxis1), []ir.InsRef{zp1})
		term := m.InsertInstruction(qop, quantOp, []ir.InsRef{zp1Bcast, args[1]})
		outZp = m.InsertInstruction(qop, ir.Add(), []ir.InsRef{outZp, term})
	}
	if !symmetric2 {
		zp2Bcast = m.InsertInstruction(qop, qparamBroadcastOp(m, zp2, arg2Lens, zpAxis2), []ir.InsRef{zp2})
		term := m.InsertInstruction(qop, quantOp, []ir.InsRef{args[0], zp2Bcast})
		outZp = m.InsertInstruction(qop, ir.Add(), []ir.InsRef{outZp, term})
	}
	if !symmetric1 && !symmetric2 {
		term := m.InsertInstruction(qop, quantOp, []ir.InsRef{zp1Bcast, zp2Bcast})
		outZp = m.InsertInstruction(qop, ir.Sub(), []ir.InsRef{outZp, term})
	}

	out := m.InsertInstruction(qop, ir.DequantizeLinear(), []ir.InsRef{dq, outScale, outZp})
	m.ReplaceWith(qop, out)
}

// propagateQuantizedIns replays the layout ops between the dequantize and
// the op argument onto the raw integer tensor, returning the handle the
// quantized op should consume instead.
func propagateQuantizedIns(m *ir.Module, dq, qopArg ir.InsRef) ir.InsRef {
	var between []ir.InsRef
	for cur := qopArg; cur != dq; cur = m.At(cur).Inputs()[0] {
		between = append(between, cur)
	}
	qin := m.At(dq).Inputs()[0]
	for ii := len(between) - 1; ii >= 0; ii-- {
		qin = m.InsertInstruction(dq, m.At(between[ii]).Op(), []ir.InsRef{qin})
	}
	return qin
}

func literalSize(m *ir.Module, ref ir.InsRef) int {
	return m.At(ref).Shape().Size()
}

// validQParam accepts per-tensor (one element) or per-axis (one element per
// entry of the quantization axis) parameters.
func validQParam(m *ir.Module, qparam ir.InsRef, lens []int, axis int) bool {
	n := literalSize(m, qparam)
	return n == 1 || n == lens[axis]
}

// qparamBroadcastOp broadcasts a quantization parameter to the given
// dimensions: scalars broadcast everywhere, per-axis vectors along their
// axis.
func qparamBroadcastOp(m *ir.Module, qparam ir.InsRef, lens []int, axis int) ir.Op {
	if literalSize(m, qparam) == 1 {
		return ir.MultiBroadcast(lens...)
	}
	return ir.Broadcast(axis, lens...)
}

// isSymmetricZeroPoint reports whether the zero point folds to a constant
// that is zero everywhere.
func isSymmetricZeroPoint(m *ir.Module, zp ir.InsRef) bool {
	lit, ok := m.EvalConstant(zp)
	return ok && lit.AllZero()
}

// removeQDQPairs splices out inverse quantize->dequantize pairs whose scale
// and zero point are literally (or broadcast-equivalently) identical,
// reconnecting consumers to the original real-valued producer.
func removeQDQPairs(m *ir.Module) {
	for _, ref := range m.Instructions() {
		if !m.HasInstruction(ref) {
			continue
		}
		for _, arg := range slices.Clone(m.At(ref).Inputs()) {
			if m.At(arg).OpName() != "dequantizelinear" {
				continue
			}
			dq := arg
			q := m.At(dq).Inputs()[0]
			if m.At(q).OpName() != "quantizelinear" {
				continue
			}
			if compareLiterals(m, m.At(dq).Inputs()[1], m.At(q).Inputs()[1]) &&
				compareLiterals(m, m.At(dq).Inputs()[2], m.At(q).Inputs()[2]) {
				m.ReplaceArgument(ref, dq, m.At(q).Inputs()[0])
			}
		}
	}
}

// compareLiterals reports whether two constant operands hold the same
// values, looking through a leading broadcast and accepting differently
// shaped constants that are filled with one identical value.
func compareLiterals(m *ir.Module, a, b ir.InsRef) bool {
	a = skipLeadingBroadcast(m, a)
	b = skipLeadingBroadcast(m, b)
	litA, okA := m.EvalConstant(a)
	litB, okB := m.EvalConstant(b)
	if !okA || !okB {
		return false
	}
	if litA.Equal(litB) {
		return true
	}
	first := litA.Values()[0]
	return litA.AllEqualTo(first) && litB.AllEqualTo(first)
}

func skipLeadingBroadcast(m *ir.Module, ref ir.InsRef) ir.InsRef {
	switch m.At(ref).OpName() {
	case "broadcast", "multibroadcast":
		return m.At(ref).Inputs()[0]
	}
	return ref
}
