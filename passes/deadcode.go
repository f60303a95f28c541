package passes

import (
	"k8s.io/klog/v2"

	"github.com/graphfuse/graphfuse/ir"
)

// DeadCodeElimination removes instructions with no remaining consumers that
// don't feed the module return, then garbage-collects submodules no longer
// referenced by any live instruction. It runs after every rewrite pass to
// clean up the instructions the rewrites orphaned.
type DeadCodeElimination struct{}

func (DeadCodeElimination) Name() string { return "dead_code_elimination" }

func (dce DeadCodeElimination) Apply(m *ir.Module) {
	dce.ApplyProgram(m.Program())
}

// ApplyProgram sweeps every module of the program, main included.
func (dce DeadCodeElimination) ApplyProgram(prog *ir.Program) {
	removed := 0
	for _, sub := range prog.Modules() {
		removed += dce.sweep(sub)
	}
	collected := prog.GarbageCollectModules()
	if klog.V(2).Enabled() && (removed > 0 || collected > 0) {
		klog.Infof("dead_code_elimination: removed %d instructions, %d modules", removed, collected)
	}
}

// sweep walks the module in reverse order, removing unused instructions;
// removal cascades naturally since dropping an instruction releases its
// inputs' uses before they are visited.
func (DeadCodeElimination) sweep(m *ir.Module) int {
	removed := 0
	order := m.Instructions()
	for ii := len(order) - 1; ii >= 0; ii-- {
		ref := order[ii]
		if !m.HasInstruction(ref) {
			continue
		}
		ins := m.At(ref)
		if ii == len(order)-1 {
			// The explicit or implicit return.
			continue
		}
		switch ins.OpName() {
		case ir.OpReturn, ir.OpParam:
			continue
		}
		if len(ins.Outputs()) == 0 {
			m.Remove(ref)
			removed++
		}
	}
	return removed
}
