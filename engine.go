package formulaengine

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tiendc/go-deepcopy"
)

// CyclePolicy selects how a pass containing circular dependencies runs.
type CyclePolicy uint8

const (
	// CyclePolicyLinearize executes cyclic nodes in the best-effort order
	// the linearizer produces; values inside the cycle come from whatever
	// was computed when each member runs.
	CyclePolicyLinearize CyclePolicy = iota
	// CyclePolicyError writes a calc error to every node of the pass
	// instead of executing it.
	CyclePolicyError
)

// Options configures an engine session.
type Options struct {
	// ASTCacheCapacity bounds the parsed-formula cache.
	ASTCacheCapacity int
	// NumberCacheCapacity and StringCacheCapacity bound the literal
	// interning caches.
	NumberCacheCapacity int
	StringCacheCapacity int
	// Workers is the size of the execution pool. One means sequential.
	Workers     int
	CyclePolicy CyclePolicy
	// AggregatorMinRows is the minimum range height before a configured
	// RangeAggregator is consulted.
	AggregatorMinRows int
	// Verbose enables progress and slow-formula logging.
	Verbose bool
}

// DefaultOptions returns the session defaults.
func DefaultOptions() Options {
	return Options{
		ASTCacheCapacity:    100000,
		NumberCacheCapacity: 80000,
		StringCacheCapacity: 80000,
		Workers:             1,
		CyclePolicy:         CyclePolicyLinearize,
		AggregatorMinRows:   10000,
	}
}

// CalculateResult is the outcome of one recalculation pass.
type CalculateResult struct {
	// PassID uniquely identifies the pass.
	PassID string
	State  ExecutionState
	// CycleDetected is set when the pass's dependency edges contained a
	// cycle, regardless of policy.
	CycleDetected bool
	// Runtime holds the computed cells, spill registry and feature data.
	Runtime  *RuntimeData
	Duration time.Duration
}

// Engine is a formula calculation session: it owns the function registry,
// the parse and literal caches, registered feature calculators and the
// results of the previous pass. One Generate runs at a time.
type Engine struct {
	opts      Options
	sessionID string

	registry *functionRegistry
	astCache *astCache
	factory  *valueFactory

	mu       sync.RWMutex
	features map[string]*FeatureCalculator
	accel    RangeAggregator

	running  atomic.Bool
	stopFlag atomic.Bool

	prevRuntime   *RuntimeData
	prevCacheSize int
}

// NewEngine creates a session with the given options. Zero capacities fall
// back to the defaults.
func NewEngine(opts Options) *Engine {
	def := DefaultOptions()
	if opts.ASTCacheCapacity <= 0 {
		opts.ASTCacheCapacity = def.ASTCacheCapacity
	}
	if opts.NumberCacheCapacity <= 0 {
		opts.NumberCacheCapacity = def.NumberCacheCapacity
	}
	if opts.StringCacheCapacity <= 0 {
		opts.StringCacheCapacity = def.StringCacheCapacity
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.AggregatorMinRows <= 0 {
		opts.AggregatorMinRows = def.AggregatorMinRows
	}
	return &Engine{
		opts:      opts,
		sessionID: uuid.NewString(),
		registry:  newFunctionRegistry(),
		astCache:  newASTCache(opts.ASTCacheCapacity),
		factory:   newValueFactory(opts.NumberCacheCapacity, opts.StringCacheCapacity),
		features:  make(map[string]*FeatureCalculator),
	}
}

// SessionID returns the engine's session identifier.
func (e *Engine) SessionID() string { return e.sessionID }

// RegisterFunction adds or replaces a function. Handlers registered here
// become resolvable by every formula parsed afterwards; formulas already
// cached keep the descriptor they were built with until ClearCaches.
func (e *Engine) RegisterFunction(fd *FunctionDescriptor) {
	e.registry.register(fd)
}

// RegisterFeature adds or replaces a feature calculator participating in
// dependency tracking.
func (e *Engine) RegisterFeature(fc *FeatureCalculator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.features[fc.FeatureID] = fc
}

// UnregisterFeature removes a feature calculator.
func (e *Engine) UnregisterFeature(featureID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.features, featureID)
}

// SetAccelerator installs a range aggregator consulted for large plain
// aggregate calls. Pass nil to remove it.
func (e *Engine) SetAccelerator(a RangeAggregator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accel = a
}

// ClearCaches empties the parse and literal caches. Call it after
// registering functions that cached formulas should pick up, or when the
// document's formula set changes wholesale.
func (e *Engine) ClearCaches() {
	e.astCache.clear()
	e.factory.clear()
}

// StopExecution requests the in-flight pass to stop after the node it is
// currently executing. The pass ends in StateStopExecution.
func (e *Engine) StopExecution() {
	e.stopFlag.Store(true)
}

// Generate runs one recalculation pass. It returns ErrGenerateInProgress
// when another pass is running on this engine. The input's formula and
// size data are deep-copied before use; cell data is borrowed and must not
// be mutated until the pass returns.
func (e *Engine) Generate(ctx context.Context, input *CalculateInput) (*CalculateResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrGenerateInProgress
	}
	defer e.running.Store(false)
	e.stopFlag.Store(false)

	startTime := time.Now()
	passID := uuid.NewString()
	if e.opts.Verbose {
		log.Printf("[engine %s] pass %s starting", e.sessionID, passID)
	}

	cloned, err := cloneInput(input)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	features := make(map[string]*FeatureCalculator, len(e.features))
	for id, fc := range e.features {
		features[id] = fc
	}
	accel := e.accel
	e.mu.RUnlock()

	snapshot := newSheetSnapshot(cloned.CellData, cloned.UnitData)
	rd := newRuntimeData()
	interp := newInterpreter(e.registry, snapshot, rd, features)
	interp.prev = e.prevRuntime
	interp.formulas = cloned.FormulaData
	interp.accel = accel
	interp.accelMinRows = e.opts.AggregatorMinRows
	interp.verbose = e.opts.Verbose

	builder := &treeBuilder{
		astBuilder: newASTBuilder(e.registry, e.factory, e.astCache),
		interp:     interp,
		verbose:    e.opts.Verbose,
	}
	arena, err := builder.build(ctx, cloned, features)
	if err != nil {
		return nil, err
	}

	graph := buildDependencyGraph(arena, e.prevCacheSize, e.opts.Verbose)
	e.prevCacheSize = graph.cache.size()
	cyclic := graph.hasCycle()

	dirty := graph.markDirtyNodes(cloned, e.prevRuntime)
	result := &CalculateResult{PassID: passID, CycleDetected: cyclic, Runtime: rd}
	if len(dirty) == 0 {
		result.State = StateNotExecuted
		result.Duration = time.Since(startTime)
		return result, nil
	}

	order := linearize(arena, dirty)

	if cyclic && e.opts.CyclePolicy == CyclePolicyError {
		circular := NewError(ErrorCALC)
		for _, id := range order {
			n := arena.node(id)
			if n.isGridCell() {
				rd.SetCell(n.unitID, n.subUnitID, n.row, n.col, &RuntimeCell{Value: circular})
			} else if n.formulaID != "" {
				rd.SetOtherFormula(n.unitID, n.subUnitID, n.formulaID, circular)
			}
		}
		result.State = StateSuccess
	} else {
		workers := e.opts.Workers
		if cyclic {
			// A cycle starves the parallel ready queue; fall back to the
			// linearized best-effort order.
			workers = 1
		}
		sched := newScheduler(arena, interp, workers, e.opts.Verbose, &e.stopFlag)
		result.State = sched.run(ctx, order)
	}

	if e.prevRuntime == nil {
		e.prevRuntime = rd
	} else {
		e.prevRuntime.absorb(rd)
	}
	result.Duration = time.Since(startTime)
	if e.opts.Verbose {
		log.Printf("[engine %s] pass %s finished: %d/%d nodes, state %s, %v",
			e.sessionID, passID, len(order), arena.len(), result.State, result.Duration)
	}
	return result, nil
}

// cloneInput deep-copies the formula, size and dirty-flag structures so
// the pass never observes host mutations. Cell values are immutable and
// shared as-is.
func cloneInput(input *CalculateInput) (*CalculateInput, error) {
	cloned := &CalculateInput{
		CellData:       input.CellData,
		ForceCalculate: input.ForceCalculate,
	}
	if err := deepcopy.Copy(&cloned.FormulaData, input.FormulaData); err != nil {
		return nil, err
	}
	if err := deepcopy.Copy(&cloned.OtherFormulaData, input.OtherFormulaData); err != nil {
		return nil, err
	}
	if err := deepcopy.Copy(&cloned.UnitData, input.UnitData); err != nil {
		return nil, err
	}
	if err := deepcopy.Copy(&cloned.DirtyRanges, input.DirtyRanges); err != nil {
		return nil, err
	}
	if err := deepcopy.Copy(&cloned.DirtyFeatureMap, input.DirtyFeatureMap); err != nil {
		return nil, err
	}
	if err := deepcopy.Copy(&cloned.DirtyFormulaMap, input.DirtyFormulaMap); err != nil {
		return nil, err
	}
	if err := deepcopy.Copy(&cloned.DirtyUnitSheetNameMap, input.DirtyUnitSheetNameMap); err != nil {
		return nil, err
	}
	return cloned, nil
}
