package formulaengine

import (
	"context"
	"strings"
	"sync"
)

// FunctionKind is the scheduling capability of a function: synchronous
// functions execute inline, asynchronous ones produce their result through
// a channel the interpreter awaits. The kind is resolved onto the AST at
// build time, never probed at call time.
type FunctionKind uint8

// Function scheduling capabilities.
const (
	FunctionSync FunctionKind = iota
	FunctionAsync
)

// CallScope gives a function handler access to the evaluation surroundings:
// the anchor cell the formula executes at and the live cell model for
// materializing references.
type CallScope struct {
	interp *interpreter
	cursor Cursor
}

// Cursor returns the anchor the current formula executes at.
func (s *CallScope) Cursor() Cursor { return s.cursor }

// Materialize dereferences a reference value against the live cell model:
// single-cell references become scalars, multi-cell references become
// arrays. Non-reference values pass through unchanged.
func (s *CallScope) Materialize(v *Value) *Value {
	if s.interp == nil || v.Kind() != KindReference {
		return v
	}
	return s.interp.materialize(v)
}

// SheetSize returns the row and column counts of a sheet, ok=false when the
// sheet is unknown to the input snapshot.
func (s *CallScope) SheetSize(unitID, subUnitID string) (rows, cols int, ok bool) {
	if s.interp == nil {
		return 0, 0, false
	}
	return s.interp.sheetSize(unitID, subUnitID)
}

// FunctionHandler is a synchronous builtin implementation. Errors are
// returned as error values, never panics.
type FunctionHandler func(scope *CallScope, args []*Value) *Value

// AsyncFunctionHandler is an asynchronous function implementation. The
// returned channel must deliver exactly one value; the interpreter awaits
// it or abandons the wait when ctx is done.
type AsyncFunctionHandler func(ctx context.Context, scope *CallScope, args []*Value) <-chan *Value

// FunctionDescriptor describes one registered function.
type FunctionDescriptor struct {
	Name    string
	Kind    FunctionKind
	MinArgs int
	// MaxArgs below zero means variadic.
	MaxArgs int
	// AddressProducing marks OFFSET/INDIRECT/INDEX-style functions whose
	// result is a reference. Their first argument arrives unmaterialized,
	// and the dependency builder pre-evaluates their call sites to learn
	// the ranges a formula reads.
	AddressProducing bool
	Handler          FunctionHandler
	AsyncHandler     AsyncFunctionHandler
}

// functionRegistry maps upper-cased function names to descriptors. One
// registry per engine session; hosts extend it through
// Engine.RegisterFunction.
type functionRegistry struct {
	mu    sync.RWMutex
	table map[string]*FunctionDescriptor
}

func newFunctionRegistry() *functionRegistry {
	r := &functionRegistry{table: make(map[string]*FunctionDescriptor)}
	registerBuiltins(r)
	return r
}

func (r *functionRegistry) lookup(name string) *FunctionDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table[strings.ToUpper(name)]
}

func (r *functionRegistry) register(fd *FunctionDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[strings.ToUpper(fd.Name)] = fd
}

// checkArity validates the argument count against the descriptor.
func (fd *FunctionDescriptor) checkArity(n int) bool {
	if n < fd.MinArgs {
		return false
	}
	if fd.MaxArgs >= 0 && n > fd.MaxArgs {
		return false
	}
	return true
}
