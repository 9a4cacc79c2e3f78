package formulaengine

import (
	"log"
	"time"
)

// rangeReaders is one entry of the dependency cache: a range and the nodes
// whose formulas read it.
type rangeReaders struct {
	r       GridRange
	readers []nodeID
}

// dependencyCache indexes nodes by the serialized token of each range they
// read. It turns "which formulas depend on this cell" from a pairwise scan
// into a lookup over distinct range tokens, and survives between passes as
// a size hint for the strategy choice.
type dependencyCache struct {
	byToken map[string]*rangeReaders
}

func newDependencyCache() *dependencyCache {
	return &dependencyCache{byToken: make(map[string]*rangeReaders)}
}

func (c *dependencyCache) insert(token string, r GridRange, id nodeID) {
	entry, ok := c.byToken[token]
	if !ok {
		entry = &rangeReaders{r: r}
		c.byToken[token] = entry
	}
	entry.readers = append(entry.readers, id)
}

// size returns the number of distinct range tokens indexed.
func (c *dependencyCache) size() int { return len(c.byToken) }

// dependencyGraph holds the pass arena with dependency edges populated and
// the range index that produced them.
type dependencyGraph struct {
	arena *dependencyArena
	cache *dependencyCache
}

// buildDependencyGraph links every node to the nodes it reads. Two
// strategies produce identical edge sets: the indexed strategy walks the
// distinct range tokens per node and wins when formulas share ranges; the
// pairwise strategy compares every node pair and wins when the previous
// pass showed more distinct ranges than there are nodes. The choice is a
// pure performance heuristic.
func buildDependencyGraph(arena *dependencyArena, prevCacheSize int, verbose bool) *dependencyGraph {
	startTime := time.Now()
	cache := newDependencyCache()
	for _, n := range arena.nodes {
		for _, rt := range n.rangeList {
			cache.insert(rt.Token, rt.Range, n.id)
		}
	}

	g := &dependencyGraph{arena: arena, cache: cache}
	if prevCacheSize > arena.len() {
		g.linkPairwise()
	} else {
		g.linkIndexed()
	}

	if verbose {
		log.Printf("[dependency] graph: %d nodes, %d distinct ranges, built in %v",
			arena.len(), cache.size(), time.Since(startTime))
	}
	return g
}

// addEdge records that reader depends on producer.
func (g *dependencyGraph) addEdge(reader, producer nodeID) {
	if reader == producer {
		return
	}
	r := g.arena.node(reader)
	for _, existing := range r.dependencies {
		if existing == producer {
			return
		}
	}
	r.dependencies = append(r.dependencies, producer)
	p := g.arena.node(producer)
	p.dependents = append(p.dependents, reader)
}

// linkIndexed discovers edges through the range index: for every node with
// an output coordinate, every range containing that coordinate contributes
// its readers as dependents.
func (g *dependencyGraph) linkIndexed() {
	for _, producer := range g.arena.nodes {
		out, ok := producer.outputRange()
		if !ok {
			continue
		}
		for _, entry := range g.cache.byToken {
			if !entry.r.Contains(out.UnitID, out.SubUnitID, out.StartRow, out.StartCol) {
				continue
			}
			for _, reader := range entry.readers {
				g.addEdge(reader, producer.id)
			}
		}
	}
}

// linkPairwise discovers edges by brute force over node pairs.
func (g *dependencyGraph) linkPairwise() {
	for _, reader := range g.arena.nodes {
		for _, producer := range g.arena.nodes {
			if reader.id == producer.id {
				continue
			}
			out, ok := producer.outputRange()
			if !ok {
				continue
			}
			for _, rt := range reader.rangeList {
				if rt.Range.Contains(out.UnitID, out.SubUnitID, out.StartRow, out.StartCol) {
					g.addEdge(reader.id, producer.id)
					break
				}
			}
		}
	}
}

// markDirtyNodes selects the to-recalculate set. A node is included when
// the force flag is set, when one of its input ranges intersects a dirty
// range on its sheet, when its feature/formula identity is flagged dirty,
// or when its own sheet was structurally changed. A node whose coordinate
// is the origin of a previously recorded spill is not re-included by dirt
// that falls entirely inside its own spill rectangle. The seed set then
// closes transitively over dependents: everything downstream of a
// recalculated node recalculates too.
func (g *dependencyGraph) markDirtyNodes(input *CalculateInput, prevRuntime *RuntimeData) []nodeID {
	included := make([]bool, g.arena.len())
	var seeds []nodeID
	seed := func(id nodeID) {
		if !included[id] {
			included[id] = true
			seeds = append(seeds, id)
		}
	}

	for _, n := range g.arena.nodes {
		if input.ForceCalculate {
			seed(n.id)
			continue
		}
		if n.featureID != "" && input.DirtyFeatureMap[n.unitID][n.subUnitID][n.featureID] {
			seed(n.id)
			continue
		}
		if n.formulaID != "" && input.DirtyFormulaMap[n.unitID][n.subUnitID][n.formulaID] {
			seed(n.id)
			continue
		}
		if n.isGridCell() {
			if _, changed := input.DirtyUnitSheetNameMap[n.unitID][n.subUnitID]; changed {
				seed(n.id)
				continue
			}
		}
		if g.dirtyRangesTouch(n, input.DirtyRanges, prevRuntime) {
			seed(n.id)
		}
	}

	// Transitive closure over dependents.
	queue := append([]nodeID(nil), seeds...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range g.arena.node(id).dependents {
			if !included[dep] {
				included[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	var out []nodeID
	for id, in := range included {
		if in {
			out = append(out, nodeID(id))
		}
	}
	return out
}

// dirtyRangesTouch reports whether a node's input ranges intersect the
// dirty ranges, with the spill-origin exclusion applied: dirt contained in
// the node's own previous spill rectangle does not re-dirty the node that
// produced it.
func (g *dependencyGraph) dirtyRangesTouch(n *DependencyTreeNode, dirty []GridRange, prevRuntime *RuntimeData) bool {
	var ownSpill *GridRange
	if prevRuntime != nil && n.isGridCell() {
		out, _ := n.outputRange()
		if rect, origin, found := prevRuntime.SpillAt(n.unitID, n.subUnitID, n.row, n.col); found && origin == out.Token() {
			ownSpill = &rect
		}
	}
	for _, d := range dirty {
		for _, rt := range n.rangeList {
			if !rt.Range.Intersects(d) {
				continue
			}
			if ownSpill != nil && ownSpill.Intersects(d) &&
				d.StartRow >= ownSpill.StartRow && d.EndRow <= ownSpill.EndRow &&
				d.StartCol >= ownSpill.StartCol && d.EndCol <= ownSpill.EndCol {
				continue
			}
			return true
		}
	}
	return false
}
