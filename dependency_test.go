package formulaengine

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTestArena runs the tree builder over an input with a fresh
// interpreter stack.
func buildTestArena(t *testing.T, input *CalculateInput) (*dependencyArena, *interpreter) {
	t.Helper()
	registry := newFunctionRegistry()
	snapshot := newSheetSnapshot(input.CellData, input.UnitData)
	rd := newRuntimeData()
	interp := newInterpreter(registry, snapshot, rd, nil)
	builder := &treeBuilder{
		astBuilder: newASTBuilder(registry, newValueFactory(64, 64), newASTCache(64)),
		interp:     interp,
	}
	arena, err := builder.build(context.Background(), input, nil)
	require.NoError(t, err)
	return arena, interp
}

func nodeByCell(t *testing.T, arena *dependencyArena, name string) *DependencyTreeNode {
	t.Helper()
	col, row, err := CellNameToCoordinates(name)
	require.NoError(t, err)
	for _, n := range arena.nodes {
		if n.row == row && n.col == col {
			return n
		}
	}
	t.Fatalf("no node for cell %s", name)
	return nil
}

func TestTreeBuilderCollectsRanges(t *testing.T) {
	input := testInput(t,
		map[string]float64{"A1": 1, "A2": 2, "A3": 3},
		map[string]string{"B1": "=SUM(A1:A3)", "C1": "=B1*2"})
	arena, _ := buildTestArena(t, input)
	require.Equal(t, 2, arena.len())

	b1 := nodeByCell(t, arena, "B1")
	require.Len(t, b1.rangeList, 1)
	r := b1.rangeList[0].Range
	assert.Equal(t, 1, r.StartRow)
	assert.Equal(t, 3, r.EndRow)
	assert.Equal(t, 1, r.StartCol)
	assert.Equal(t, 1, r.EndCol)

	c1 := nodeByCell(t, arena, "C1")
	require.Len(t, c1.rangeList, 1)
	assert.True(t, c1.rangeList[0].Range.IsSingleCell())
}

func TestTreeBuilderParseFailure(t *testing.T) {
	input := testInput(t, nil, map[string]string{"B1": "=1+"})
	arena, _ := buildTestArena(t, input)
	require.Equal(t, 1, arena.len())
	n := arena.nodes[0]
	assert.True(t, n.isError)
	assert.Empty(t, n.rangeList)
}

// edgeSets keys each node's dependency set by cell coordinates. Node IDs
// are assigned in map iteration order, so independently built arenas can
// only be compared through a stable key.
func edgeSets(arena *dependencyArena) map[string][]string {
	label := make(map[nodeID]string, arena.len())
	for _, n := range arena.nodes {
		out, _ := n.outputRange()
		label[n.id] = out.Token()
	}
	out := make(map[string][]string, arena.len())
	for _, n := range arena.nodes {
		deps := make([]string, 0, len(n.dependencies))
		for _, dep := range n.dependencies {
			deps = append(deps, label[dep])
		}
		sort.Strings(deps)
		out[label[n.id]] = deps
	}
	return out
}

func TestEdgeStrategiesAgree(t *testing.T) {
	cells := map[string]float64{"A1": 1, "A2": 2, "A3": 3}
	formulas := map[string]string{
		"B1": "=SUM(A1:A3)",
		"B2": "=B1*2",
		"C1": "=B1+B2",
		"D1": "=SUM(B1:C1)",
	}

	indexed, _ := buildTestArena(t, testInput(t, cells, formulas))
	// prevCacheSize of zero selects the indexed strategy.
	buildDependencyGraph(indexed, 0, false)

	pairwise, _ := buildTestArena(t, testInput(t, cells, formulas))
	// A previous cache larger than the node count selects pairwise.
	buildDependencyGraph(pairwise, 1000, false)

	assert.Equal(t, edgeSets(indexed), edgeSets(pairwise))
}

func TestGraphEdges(t *testing.T) {
	input := testInput(t,
		map[string]float64{"A1": 1},
		map[string]string{"B1": "=A1*2", "C1": "=B1+1"})
	arena, _ := buildTestArena(t, input)
	g := buildDependencyGraph(arena, 0, false)

	b1 := nodeByCell(t, arena, "B1")
	c1 := nodeByCell(t, arena, "C1")
	assert.Contains(t, c1.dependencies, b1.id)
	assert.Contains(t, b1.dependents, c1.id)
	// A1 is a literal, not a node; B1 has no formula dependencies.
	assert.Empty(t, b1.dependencies)
	assert.False(t, g.hasCycle())
}

func TestHasCycle(t *testing.T) {
	input := testInput(t, nil, map[string]string{
		"A1": "=B1+1",
		"B1": "=C1+1",
		"C1": "=A1+1",
	})
	arena, _ := buildTestArena(t, input)
	g := buildDependencyGraph(arena, 0, false)
	assert.True(t, g.hasCycle())
}

func TestMarkDirtyForce(t *testing.T) {
	input := testInput(t, map[string]float64{"A1": 1},
		map[string]string{"B1": "=A1", "C1": "=B1"})
	arena, _ := buildTestArena(t, input)
	g := buildDependencyGraph(arena, 0, false)
	dirty := g.markDirtyNodes(input, nil)
	assert.Len(t, dirty, arena.len())
}

func TestMarkDirtyTransitiveClosure(t *testing.T) {
	input := testInput(t, map[string]float64{"A1": 1, "A2": 2},
		map[string]string{
			"B1": "=A1",
			"C1": "=B1",
			"D1": "=C1",
			"E1": "=A2",
		})
	input.ForceCalculate = false
	input.DirtyRanges = []GridRange{{
		UnitID: testUnit, SubUnitID: testSheet,
		StartRow: 1, StartCol: 1, EndRow: 1, EndCol: 1,
	}}
	arena, _ := buildTestArena(t, input)
	g := buildDependencyGraph(arena, 0, false)
	dirty := g.markDirtyNodes(input, nil)

	included := make(map[nodeID]bool)
	for _, id := range dirty {
		included[id] = true
	}
	assert.True(t, included[nodeByCell(t, arena, "B1").id])
	assert.True(t, included[nodeByCell(t, arena, "C1").id], "dependents close transitively")
	assert.True(t, included[nodeByCell(t, arena, "D1").id])
	assert.False(t, included[nodeByCell(t, arena, "E1").id])
}

func TestMarkDirtyFeatureAndFormulaMaps(t *testing.T) {
	input := testInput(t, nil, nil)
	input.ForceCalculate = false
	input.OtherFormulaData = OtherFormulaData{
		testUnit: {testSheet: {"chart-1": "=1+1", "chart-2": "=2+2"}},
	}
	input.DirtyFormulaMap = DirtyFormulaMap{
		testUnit: {testSheet: {"chart-1": true}},
	}
	arena, _ := buildTestArena(t, input)
	g := buildDependencyGraph(arena, 0, false)
	dirty := g.markDirtyNodes(input, nil)
	require.Len(t, dirty, 1)
	assert.Equal(t, "chart-1", arena.node(dirty[0]).formulaID)
}

func TestMarkDirtyStructuralSheetChange(t *testing.T) {
	input := testInput(t, nil, map[string]string{"B1": "=1+1"})
	input.ForceCalculate = false
	input.DirtyUnitSheetNameMap = DirtyUnitSheetNameMap{
		testUnit: {testSheet: testSheet},
	}
	arena, _ := buildTestArena(t, input)
	g := buildDependencyGraph(arena, 0, false)
	dirty := g.markDirtyNodes(input, nil)
	assert.Len(t, dirty, 1)
}

func TestLinearizeDependenciesFirst(t *testing.T) {
	input := testInput(t, map[string]float64{"A1": 1},
		map[string]string{
			"B1": "=A1",
			"B2": "=B1",
			"B3": "=B2",
			"C1": "=SUM(B1:B3)",
		})
	arena, _ := buildTestArena(t, input)
	buildDependencyGraph(arena, 0, false)

	all := make([]nodeID, arena.len())
	for i := range all {
		all[i] = nodeID(i)
	}
	order := linearize(arena, all)
	require.Len(t, order, arena.len())

	position := make(map[nodeID]int, len(order))
	for idx, id := range order {
		position[id] = idx
	}
	for _, n := range arena.nodes {
		for _, dep := range n.dependencies {
			assert.Less(t, position[dep], position[n.id],
				"dependency must execute before its reader")
		}
	}
}

func TestLinearizeSubset(t *testing.T) {
	input := testInput(t, map[string]float64{"A1": 1},
		map[string]string{"B1": "=A1", "C1": "=B1", "D1": "=C1"})
	arena, _ := buildTestArena(t, input)
	buildDependencyGraph(arena, 0, false)

	c1 := nodeByCell(t, arena, "C1")
	d1 := nodeByCell(t, arena, "D1")
	order := linearize(arena, []nodeID{c1.id, d1.id})
	require.Len(t, order, 2)
	assert.Equal(t, c1.id, order[0])
	assert.Equal(t, d1.id, order[1])
}

func TestLinearizeCycleStillEmitsAll(t *testing.T) {
	input := testInput(t, nil, map[string]string{
		"A1": "=B1",
		"B1": "=A1",
		"C1": "=B1",
	})
	arena, _ := buildTestArena(t, input)
	buildDependencyGraph(arena, 0, false)

	all := []nodeID{0, 1, 2}
	order := linearize(arena, all)
	assert.Len(t, order, 3, "cyclic members still appear exactly once")
	seen := make(map[nodeID]bool)
	for _, id := range order {
		assert.False(t, seen[id])
		seen[id] = true
	}
}
