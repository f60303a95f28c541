package match

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/graphfuse/graphfuse/ir"
	"github.com/graphfuse/graphfuse/types"
)

// Context carries the module being searched and the named bindings collected
// while a pattern matches. A fresh Context is used per candidate instruction,
// so bindings from failed attempts never leak.
type Context struct {
	M        *ir.Module
	bindings map[string]ir.InsRef
}

func newContext(m *ir.Module) *Context {
	return &Context{M: m, bindings: make(map[string]ir.InsRef)}
}

// Matcher is a composable predicate over instructions. Matching an
// instruction may yield a different one (see Skip); nested conditions and
// bindings apply to the yielded instruction.
type Matcher struct {
	fn func(cx *Context, ref ir.InsRef) (ir.InsRef, bool)
}

// Match runs the matcher on ref within cx. Dead or invalid handles never
// match.
func (ma Matcher) Match(cx *Context, ref ir.InsRef) (ir.InsRef, bool) {
	if !ref.Ok() || cx.M.At(ref).IsDead() {
		return ir.InvalidInsRef, false
	}
	return ma.fn(cx, ref)
}

// With adds conditions: every sub must also match the instruction this
// matcher yields.
func (ma Matcher) With(subs ...Matcher) Matcher {
	return Matcher{fn: func(cx *Context, ref ir.InsRef) (ir.InsRef, bool) {
		got, ok := ma.Match(cx, ref)
		if !ok {
			return ir.InvalidInsRef, false
		}
		for _, sub := range subs {
			if _, ok := sub.Match(cx, got); !ok {
				return ir.InvalidInsRef, false
			}
		}
		return got, true
	}}
}

// Bind records the instruction this matcher yields under the given name. The
// binding is retrieved from the Result after a successful match.
func (ma Matcher) Bind(name string) Matcher {
	return Matcher{fn: func(cx *Context, ref ir.InsRef) (ir.InsRef, bool) {
		got, ok := ma.Match(cx, ref)
		if !ok {
			return ir.InvalidInsRef, false
		}
		cx.bindings[name] = got
		return got, true
	}}
}

// insMatcher lifts a plain instruction predicate into a Matcher that yields
// the instruction itself.
func insMatcher(pred func(cx *Context, ins *ir.Instruction) bool) Matcher {
	return Matcher{fn: func(cx *Context, ref ir.InsRef) (ir.InsRef, bool) {
		if pred(cx, cx.M.At(ref)) {
			return ref, true
		}
		return ir.InvalidInsRef, false
	}}
}

// Any matches every live instruction.
func Any() Matcher {
	return insMatcher(func(cx *Context, ins *ir.Instruction) bool { return true })
}

// Name matches instructions whose operation name is one of names.
func Name(names ...string) Matcher {
	return NameSet(types.SetWith(names...))
}

// NameSet matches instructions whose operation name is in set.
func NameSet(set types.Set[string]) Matcher {
	return insMatcher(func(cx *Context, ins *ir.Instruction) bool {
		return set.Has(ins.OpName())
	})
}

// HasAttr matches instructions whose operation declares the given attribute.
func HasAttr(attr string) Matcher {
	return insMatcher(func(cx *Context, ins *ir.Instruction) bool {
		_, found := ins.Op().Attrs()[attr]
		return found
	})
}

// OfType matches instructions whose output element type is one of dts.
func OfType(dts ...dtypes.DType) Matcher {
	set := types.SetWith(dts...)
	return insMatcher(func(cx *Context, ins *ir.Instruction) bool {
		return set.Has(ins.Shape().DType)
	})
}

// NInputs matches instructions with exactly n inputs.
func NInputs(n int) Matcher {
	return insMatcher(func(cx *Context, ins *ir.Instruction) bool {
		return len(ins.Inputs()) == n
	})
}

// UsedOnce matches instructions with exactly one consumer.
func UsedOnce() Matcher {
	return insMatcher(func(cx *Context, ins *ir.Instruction) bool {
		return len(ins.Outputs()) == 1
	})
}

// UsedOnceExceptBroadcast matches instructions with one consumer, or whose
// consumers are all broadcasts that are themselves used once. Fusion passes
// tolerate that shape of sharing because the broadcasts get replayed inside
// the fused region.
func UsedOnceExceptBroadcast() Matcher {
	broadcasts := types.SetWith("broadcast", "multibroadcast")
	return insMatcher(func(cx *Context, ins *ir.Instruction) bool {
		if len(ins.Outputs()) == 1 {
			return true
		}
		for _, user := range ins.Outputs() {
			userIns := cx.M.At(user)
			if !broadcasts.Has(userIns.OpName()) || len(userIns.Outputs()) != 1 {
				return false
			}
		}
		return len(ins.Outputs()) > 0
	})
}

// IsConstant matches instructions that fold to a literal: literals, and
// evaluable operations over constant inputs.
func IsConstant() Matcher {
	return insMatcher(func(cx *Context, ins *ir.Instruction) bool {
		_, constant := cx.M.EvalConstant(ins.Ref())
		return constant
	})
}

// AllOf matches when every sub matches; it yields the original instruction.
func AllOf(subs ...Matcher) Matcher {
	return Any().With(subs...)
}

// AnyOf matches when at least one sub matches, trying them in order; it
// yields the original instruction.
func AnyOf(subs ...Matcher) Matcher {
	return Matcher{fn: func(cx *Context, ref ir.InsRef) (ir.InsRef, bool) {
		for _, sub := range subs {
			if _, ok := sub.Match(cx, ref); ok {
				return ref, true
			}
		}
		return ir.InvalidInsRef, false
	}}
}

// NoneOf matches when no sub matches.
func NoneOf(subs ...Matcher) Matcher {
	return Matcher{fn: func(cx *Context, ref ir.InsRef) (ir.InsRef, bool) {
		for _, sub := range subs {
			if _, ok := sub.Match(cx, ref); ok {
				return ir.InvalidInsRef, false
			}
		}
		return ref, true
	}}
}

// Arg descends into input i: the matcher matches when the instruction has an
// input at i and sub matches it. It yields the original instruction, not the
// input; bind inside sub to capture the input.
func Arg(i int, sub Matcher) Matcher {
	return Matcher{fn: func(cx *Context, ref ir.InsRef) (ir.InsRef, bool) {
		ins := cx.M.At(ref)
		if i < 0 || i >= len(ins.Inputs()) {
			return ir.InvalidInsRef, false
		}
		if _, ok := sub.Match(cx, ins.Inputs()[i]); !ok {
			return ir.InvalidInsRef, false
		}
		return ref, true
	}}
}

// Inputs matches instructions with exactly len(subs) inputs, each matching
// the sub at its position.
func Inputs(subs ...Matcher) Matcher {
	return Matcher{fn: func(cx *Context, ref ir.InsRef) (ir.InsRef, bool) {
		ins := cx.M.At(ref)
		if len(ins.Inputs()) != len(subs) {
			return ir.InvalidInsRef, false
		}
		for ii, sub := range subs {
			if _, ok := sub.Match(cx, ins.Inputs()[ii]); !ok {
				return ir.InvalidInsRef, false
			}
		}
		return ref, true
	}}
}

// AnyOfInputs matches instructions with at least one input matching sub,
// trying inputs in order. Bindings made by sub stick to the first input that
// matched.
func AnyOfInputs(sub Matcher) Matcher {
	return Matcher{fn: func(cx *Context, ref ir.InsRef) (ir.InsRef, bool) {
		for _, in := range cx.M.At(ref).Inputs() {
			if _, ok := sub.Match(cx, in); ok {
				return ref, true
			}
		}
		return ir.InvalidInsRef, false
	}}
}

// Skip walks down through instructions matching inner, following their first
// input, and yields the first instruction that doesn't match inner. It always
// succeeds; combine with Arg to see through chains of layout operations.
func Skip(inner Matcher) Matcher {
	return Matcher{fn: func(cx *Context, ref ir.InsRef) (ir.InsRef, bool) {
		for {
			if !ref.Ok() || cx.M.At(ref).IsDead() {
				return ir.InvalidInsRef, false
			}
			_, ok := inner.Match(cx, ref)
			if !ok || len(cx.M.At(ref).Inputs()) == 0 {
				return ref, true
			}
			ref = cx.M.At(ref).Inputs()[0]
		}
	}}
}

// SkipBroadcasts sees through broadcast, multibroadcast and contiguous
// chains.
func SkipBroadcasts() Matcher {
	return Skip(Name("broadcast", "multibroadcast", "contiguous"))
}
