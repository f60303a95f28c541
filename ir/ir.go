// Package ir defines the graph intermediate representation the rewriting
// passes operate on: a Program of Modules, each an ordered list of
// Instructions addressed through stable InsRef handles.
//
// The key invariants, maintained by every mutation primitive:
//
//   - Module order is always topological: an instruction's inputs precede it.
//   - Instructions have a single owning module; inputs never cross modules.
//   - Def-use chains (Instruction.Outputs) mirror the input lists exactly.
//   - Shapes are inferred at construction and an instruction's output
//     dimensions never change, only its operation and element type may
//     (see Module.ReplaceInstruction).
//
// Operations are opaque values implementing Op, resolved against the owning
// Program's Registry. Ops that can be interpreted implement Evaluable; the
// Evaluate interpreter and Module.EvalConstant build on that for testing and
// constant folding.
package ir
