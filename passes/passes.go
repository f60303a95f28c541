// Package passes implements the rewrite passes of the middle-end: operator
// fusion (pointwise and reduction), quantize/dequantize simplification,
// concat elimination and dead code elimination.
//
// Passes mutate the graph through the ir mutation primitives and find their
// rewrite sites through the match package. They run single-threaded, in the
// fixed order the caller composes; each pass either completes or the whole
// pipeline fails (see Run).
package passes

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/graphfuse/graphfuse/ir"
)

// Pass is one rewrite over a module. Passes are no-ops on modules with
// nothing to rewrite; they only fail on structural invariant violations,
// which panic and are recovered by Run.
type Pass interface {
	Name() string
	Apply(m *ir.Module)
}

// ProgramPass is an optional extension for passes that rewrite every module
// of the program, not only main. Run prefers ApplyProgram when a pass
// implements it.
type ProgramPass interface {
	ApplyProgram(p *ir.Program)
}

// Run applies the passes in order to the program's main module, converting
// invariant-violation panics into a returned error.
func Run(p *ir.Program, passList ...Pass) error {
	return exceptions.TryCatch[error](func() {
		for _, pass := range passList {
			if pp, ok := pass.(ProgramPass); ok {
				pp.ApplyProgram(p)
			} else {
				pass.Apply(p.Main())
			}
			if klog.V(1).Enabled() {
				klog.Infof("pass %s done: %s", pass.Name(), p.StatsString())
			}
		}
	})
}
