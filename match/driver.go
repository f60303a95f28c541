package match

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/graphfuse/graphfuse/ir"
)

// Result is a successful match: the root instruction the pattern fired on
// and the bindings the pattern collected. Results are only valid until the
// module mutates; handle lookups re-check liveness and the epoch guard
// catches stale use.
type Result struct {
	m     *ir.Module
	epoch int64
	root  ir.InsRef

	bindings map[string]ir.InsRef
}

// Root returns the handle of the instruction the pattern matched on.
func (r *Result) Root() ir.InsRef { return r.root }

// Ref returns the handle bound under name, or InvalidInsRef if the pattern
// made no such binding.
func (r *Result) Ref(name string) ir.InsRef {
	ref, found := r.bindings[name]
	if !found {
		return ir.InvalidInsRef
	}
	return ref
}

// Instruction resolves the binding made under name. It panics if the pattern
// made no such binding, or if the bound instruction was removed after the
// match while the module kept mutating.
func (r *Result) Instruction(name string) *ir.Instruction {
	ref, found := r.bindings[name]
	if !found {
		exceptions.Panicf("match result has no binding named %q", name)
	}
	ins := r.m.At(ref)
	if ins.IsDead() && r.m.Program().Epoch() != r.epoch {
		exceptions.Panicf("match binding %q refers to an instruction removed after the match", name)
	}
	return ins
}

// RootInstruction resolves the match root, with the same staleness check as
// Instruction.
func (r *Result) RootInstruction() *ir.Instruction {
	ins := r.m.At(r.root)
	if ins.IsDead() && r.m.Program().Epoch() != r.epoch {
		exceptions.Panicf("match root refers to an instruction removed after the match")
	}
	return ins
}

// Rewriter pairs a pattern with the rewrite to apply where it fires.
type Rewriter interface {
	// Matcher returns the pattern. It is called once per FindMatches run.
	Matcher() Matcher

	// Apply rewrites the module at a match. It runs immediately after the
	// match succeeds, before any further instruction is considered.
	Apply(m *ir.Module, r *Result)
}

// FindMatches walks the module in topological order and, at each live
// instruction, tries the rewriters in order; the first whose pattern matches
// gets to rewrite, and the walk moves on to the next instruction of the
// original snapshot. Returns the number of rewrites that mutated the module:
// an Apply that declines (leaves the graph unchanged) is not counted, so
// fixed-point loops can key off the return value.
//
// The walk is deterministic: same module, same rewriters, same result.
func FindMatches(m *ir.Module, rewriters ...Rewriter) int {
	matchers := make([]Matcher, len(rewriters))
	for ii, rw := range rewriters {
		matchers[ii] = rw.Matcher()
	}
	applied := 0
	for _, ref := range m.Instructions() {
		if !m.HasInstruction(ref) {
			// Removed by an earlier rewrite in this same walk.
			continue
		}
		for ii, rw := range rewriters {
			cx := newContext(m)
			got, ok := matchers[ii].Match(cx, ref)
			if !ok {
				continue
			}
			if klog.V(2).Enabled() {
				klog.Infof("match: %T fired on %s", rw, m.At(got))
			}
			before := m.Program().Epoch()
			result := &Result{
				m:        m,
				epoch:    before,
				root:     got,
				bindings: cx.bindings,
			}
			rw.Apply(m, result)
			if m.Program().Epoch() != before {
				applied++
			}
			break
		}
	}
	return applied
}

// String implements fmt.Stringer for debugging match results.
func (r *Result) String() string {
	return fmt.Sprintf("match(root=%%%d, %d bindings)", r.root, len(r.bindings))
}
