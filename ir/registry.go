package ir

import (
	"github.com/gomlx/exceptions"
	"github.com/graphfuse/graphfuse/types/xslices"
)

// Registry is the closed set of operation kinds a Program accepts.
//
// It is an explicit object owned by the compilation session (the Program),
// constructed once at pipeline setup; there is no package-level mutable
// registry. Inserting an instruction whose operation name is not registered
// panics: the rewrite engine only produces operations the target backend
// declared.
type Registry struct {
	prototypes map[string]Op
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{prototypes: make(map[string]Op)}
}

// Register adds the operation kind to the registry, using op as its
// prototype. Registering the same name twice panics.
func (r *Registry) Register(ops ...Op) *Registry {
	for _, op := range ops {
		name := op.Name()
		if _, found := r.prototypes[name]; found {
			exceptions.Panicf("Registry.Register: operation %q registered twice", name)
		}
		r.prototypes[name] = op
	}
	return r
}

// Has returns whether the operation kind is registered.
func (r *Registry) Has(name string) bool {
	_, found := r.prototypes[name]
	return found
}

// Prototype returns the registered prototype for the operation kind.
func (r *Registry) Prototype(name string) (Op, bool) {
	op, found := r.prototypes[name]
	return op, found
}

// Names returns the sorted names of all registered operation kinds.
func (r *Registry) Names() []string {
	return xslices.SortedKeys(r.prototypes)
}

// Builtins returns a Registry with all builtin operations registered.
func Builtins() *Registry {
	r := NewRegistry()
	r.Register(
		paramOp{}, returnOp{}, literalOp{}, allocateOp{}, identityOp{}, copyOp{},
		binaryOp{opName: "add"}, binaryOp{opName: "sub"},
		binaryOp{opName: "mul"}, binaryOp{opName: "div"},
		unaryOp{opName: "relu"}, unaryOp{opName: "neg"}, unaryOp{opName: "round"},
		clipOp{}, convertOp{},
		broadcastOp{}, multibroadcastOp{}, reshapeOp{}, transposeOp{},
		contiguousOp{}, sliceOp{}, concatOp{},
		reduceOp{Kind: "sum"}, reduceOp{Kind: "mean"}, reduceOp{Kind: "max"},
		fusedReduceOp{}, pointwiseOp{},
		quantizeLinearOp{}, dequantizeLinearOp{},
		dotOp{}, quantDotOp{}, convolutionOp{}, quantConvolutionOp{},
	)
	return r
}
