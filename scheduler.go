package formulaengine

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// linearize orders the included nodes so that every node's dependencies
// appear before it. An explicit stack replaces recursion: popping a node
// with pending dependents re-pushes it under them and flags it added;
// popping an added node emits it and flags it skip so later stack copies
// are ignored. Cyclic members cannot drain their dependents, so an added
// node is emitted on its second visit regardless, which yields a
// best-effort order instead of an infinite loop. The collected output is
// dependents-first and is reversed before returning.
func linearize(arena *dependencyArena, included []nodeID) []nodeID {
	arena.resetFlags()
	inSet := make([]bool, arena.len())
	for _, id := range included {
		inSet[id] = true
	}

	stack := append([]nodeID(nil), included...)
	out := make([]nodeID, 0, len(included))
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if arena.skip[id] {
			continue
		}
		if arena.added[id] {
			out = append(out, id)
			arena.skip[id] = true
			continue
		}

		var pending []nodeID
		for _, dep := range arena.node(id).dependents {
			if inSet[dep] && !arena.added[dep] && !arena.skip[dep] {
				pending = append(pending, dep)
			}
		}
		if len(pending) == 0 {
			out = append(out, id)
			arena.skip[id] = true
			continue
		}
		arena.added[id] = true
		stack = append(stack, id)
		stack = append(stack, pending...)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// scheduler executes a linearized pass, either sequentially or through a
// worker pool where nodes run as soon as their in-set dependencies have
// completed.
type scheduler struct {
	arena   *dependencyArena
	interp  *interpreter
	workers int
	verbose bool
	stop    *atomic.Bool

	readyQueue      chan nodeID
	completedCount  atomic.Int64
	dependencyCount []int
	dependents      [][]nodeID
	mu              sync.Mutex
	totalNodes      int
	queueClosed     atomic.Bool
}

func newScheduler(arena *dependencyArena, interp *interpreter, workers int, verbose bool, stop *atomic.Bool) *scheduler {
	if workers < 1 {
		workers = 1
	}
	return &scheduler{
		arena:   arena,
		interp:  interp,
		workers: workers,
		verbose: verbose,
		stop:    stop,
	}
}

// run executes every node in order. The parallel path requires an acyclic
// edge set; callers pass cyclic passes with workers forced to one.
func (s *scheduler) run(ctx context.Context, order []nodeID) ExecutionState {
	startTime := time.Now()
	if s.verbose {
		log.Printf("[scheduler] starting: %d nodes with %d workers", len(order), s.workers)
	}

	var state ExecutionState
	if s.workers > 1 {
		state = s.runParallel(ctx, order)
	} else {
		state = s.runSequential(ctx, order)
	}

	if s.verbose {
		log.Printf("[scheduler] finished %d nodes in %v, state %s", len(order), time.Since(startTime), state)
	}
	return state
}

func (s *scheduler) runSequential(ctx context.Context, order []nodeID) ExecutionState {
	for _, id := range order {
		if s.stop.Load() {
			return StateStopExecution
		}
		if err := ctx.Err(); err != nil {
			return StateStopExecution
		}
		s.interp.executeNode(ctx, s.arena.node(id))
	}
	return StateSuccess
}

// runParallel counts, per node, its dependencies inside the pass set and
// seeds the ready queue with zero-count nodes. Completing a node decrements
// each dependent's count; a count reaching zero enqueues the dependent. The
// queue closes once the completion counter reaches the pass total.
func (s *scheduler) runParallel(ctx context.Context, order []nodeID) ExecutionState {
	inSet := make([]bool, s.arena.len())
	for _, id := range order {
		inSet[id] = true
	}

	queueSize := len(order) + 1024
	s.readyQueue = make(chan nodeID, queueSize)
	s.dependencyCount = make([]int, s.arena.len())
	s.dependents = make([][]nodeID, s.arena.len())
	s.totalNodes = len(order)

	for _, id := range order {
		count := 0
		for _, dep := range s.arena.node(id).dependencies {
			if inSet[dep] {
				count++
				s.dependents[dep] = append(s.dependents[dep], id)
			}
		}
		s.dependencyCount[id] = count
		if count == 0 {
			s.readyQueue <- id
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go s.worker(ctx, &wg)
	}
	wg.Wait()
	s.closeReadyQueue()

	if s.stop.Load() || ctx.Err() != nil {
		return StateStopExecution
	}
	return StateSuccess
}

func (s *scheduler) worker(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for id := range s.readyQueue {
		if s.stop.Load() || ctx.Err() != nil {
			// Keep draining so counts stay consistent and the queue closes,
			// without executing further nodes.
			s.notifyDependents(id)
			s.markNodeDone()
			continue
		}
		s.interp.executeNode(ctx, s.arena.node(id))
		s.notifyDependents(id)
		s.markNodeDone()
	}
}

// notifyDependents decrements dependency counts and enqueues nodes whose
// last in-set dependency just completed.
func (s *scheduler) notifyDependents(completed nodeID) {
	deps := s.dependents[completed]
	if len(deps) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dependent := range deps {
		s.dependencyCount[dependent]--
		if s.dependencyCount[dependent] == 0 {
			select {
			case s.readyQueue <- dependent:
			default:
				log.Printf("[scheduler] ready queue full, dropping node %d", dependent)
			}
		}
	}
}

func (s *scheduler) markNodeDone() {
	if s.completedCount.Add(1) == int64(s.totalNodes) {
		s.closeReadyQueue()
	}
}

func (s *scheduler) closeReadyQueue() {
	if s.queueClosed.CompareAndSwap(false, true) {
		close(s.readyQueue)
	}
}
