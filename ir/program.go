package ir

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
)

// MainModuleName is the name of a Program's top-level module.
const MainModuleName = "main"

// Program is one compilation session: the arena of instructions, the named
// modules and the operation Registry. Programs are not safe for concurrent
// use; passes mutate them exclusively and sequentially.
type Program struct {
	registry *Registry
	arena    []*Instruction
	modules  map[string]*Module
	order    []string
	epoch    int64
}

// NewProgram creates a Program with an empty "main" module, owning the given
// operation registry. A nil registry defaults to Builtins().
func NewProgram(registry *Registry) *Program {
	if registry == nil {
		registry = Builtins()
	}
	p := &Program{
		registry: registry,
		modules:  make(map[string]*Module),
	}
	p.CreateModule(MainModuleName)
	return p
}

// Registry returns the session's operation registry.
func (p *Program) Registry() *Registry { return p.registry }

// Main returns the top-level module.
func (p *Program) Main() *Module { return p.modules[MainModuleName] }

// Module returns the module with the given name, or nil.
func (p *Program) Module(name string) *Module { return p.modules[name] }

// Modules returns all modules in creation order.
func (p *Program) Modules() []*Module {
	result := make([]*Module, 0, len(p.order))
	for _, name := range p.order {
		result = append(result, p.modules[name])
	}
	return result
}

// CreateModule creates a new empty module. Module names are unique; creating
// a duplicate panics.
func (p *Program) CreateModule(name string) *Module {
	if _, found := p.modules[name]; found {
		exceptions.Panicf("program already has a module named %q", name)
	}
	m := &Module{
		prog:   p,
		name:   name,
		params: make(map[string]InsRef),
	}
	p.modules[name] = m
	p.order = append(p.order, name)
	p.epoch++
	return m
}

// At resolves an instruction handle. Handles stay resolvable for the lifetime
// of the program, even after the instruction is removed.
func (p *Program) At(ref InsRef) *Instruction {
	if !ref.Ok() || int(ref) >= len(p.arena) {
		exceptions.Panicf("invalid instruction handle %d", ref)
	}
	return p.arena[ref]
}

// Epoch returns the mutation epoch: it increases on every graph mutation.
// Handles captured by a pattern match are only trusted while the epoch is
// unchanged or the instruction is still alive.
func (p *Program) Epoch() int64 { return p.epoch }

// allocate places the instruction in the arena and assigns its handle.
func (p *Program) allocate(ins *Instruction) InsRef {
	ref := InsRef(len(p.arena))
	ins.ref = ref
	p.arena = append(p.arena, ins)
	return ref
}

// GarbageCollectModules removes modules that are no longer referenced by any
// live instruction reachable from main. Returns how many were removed.
func (p *Program) GarbageCollectModules() int {
	reachable := map[string]bool{MainModuleName: true}
	queue := []*Module{p.Main()}
	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		for _, ref := range m.order {
			for _, sub := range p.At(ref).mods {
				if !reachable[sub.name] {
					reachable[sub.name] = true
					queue = append(queue, sub)
				}
			}
		}
	}
	removed := 0
	kept := p.order[:0]
	for _, name := range p.order {
		if reachable[name] {
			kept = append(kept, name)
			continue
		}
		delete(p.modules, name)
		removed++
	}
	p.order = kept
	if removed > 0 {
		p.epoch++
	}
	return removed
}

// StatsString summarizes the program size, for logging.
func (p *Program) StatsString() string {
	instructions := 0
	for _, m := range p.modules {
		instructions += len(m.order)
	}
	return fmt.Sprintf("%s modules, %s instructions",
		humanize.Comma(int64(len(p.modules))), humanize.Comma(int64(instructions)))
}

// String pretty-prints all modules for debugging.
func (p *Program) String() string {
	var sb strings.Builder
	for _, name := range p.order {
		sb.WriteString(p.modules[name].String())
	}
	return sb.String()
}
