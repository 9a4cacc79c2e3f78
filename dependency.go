package formulaengine

import (
	"context"
	"log"
	"time"
)

// nodeID indexes a DependencyTreeNode inside its pass arena.
type nodeID int32

// RangeToken pairs a discovered input range with its serialized textual
// form, which keys the dependency cache.
type RangeToken struct {
	Range GridRange
	Token string
}

// DependencyTreeNode is one schedulable unit of recalculation: a formula
// cell, a non-grid formula or a registered feature calculator. Exactly one
// of the three identities is set. Nodes live for a single pass; the arena
// rebuilds them from the current snapshot every time.
type DependencyTreeNode struct {
	id        nodeID
	unitID    string
	subUnitID string
	// row/col are -1 for non-grid nodes.
	row int
	col int
	featureID   string
	formulaID   string
	formulaText string
	ast         *AstNode
	rangeList   []RangeToken
	// dependencies are the nodes this node reads; dependents the inverse.
	dependencies []nodeID
	dependents   []nodeID
	isError      bool
}

// isGridCell reports whether the node owns a cell coordinate.
func (n *DependencyTreeNode) isGridCell() bool { return n.row >= 0 && n.col >= 0 }

// outputRange returns the range this node writes: its own cell for grid
// nodes, nothing for feature/non-grid nodes (they publish through feature
// data instead).
func (n *DependencyTreeNode) outputRange() (GridRange, bool) {
	if !n.isGridCell() {
		return GridRange{}, false
	}
	return GridRange{
		UnitID:    n.unitID,
		SubUnitID: n.subUnitID,
		StartRow:  n.row,
		StartCol:  n.col,
		EndRow:    n.row,
		EndCol:    n.col,
	}, true
}

// dependencyArena owns every node of one pass plus the traversal flags the
// scheduler mutates. Keeping added/skip in parallel slices leaves the nodes
// themselves immutable once built, so concurrent readers never race the
// linearization.
type dependencyArena struct {
	nodes []*DependencyTreeNode
	added []bool
	skip  []bool
}

func newDependencyArena() *dependencyArena {
	return &dependencyArena{}
}

func (a *dependencyArena) newNode() *DependencyTreeNode {
	n := &DependencyTreeNode{id: nodeID(len(a.nodes)), row: -1, col: -1}
	a.nodes = append(a.nodes, n)
	a.added = append(a.added, false)
	a.skip = append(a.skip, false)
	return n
}

func (a *dependencyArena) node(id nodeID) *DependencyTreeNode { return a.nodes[id] }

func (a *dependencyArena) len() int { return len(a.nodes) }

// resetFlags clears the traversal flags between scheduler runs.
func (a *dependencyArena) resetFlags() {
	for i := range a.added {
		a.added[i] = false
		a.skip[i] = false
	}
}

// FeatureCalculator is an externally registered participant in the
// dependency graph: it reads DependencyRanges like a formula but has no
// grid coordinate, and produces its payload through GetDirtyData when its
// turn in the execution order comes.
type FeatureCalculator struct {
	FeatureID        string
	UnitID           string
	SubUnitID        string
	DependencyRanges []GridRange
	GetDirtyData     func(rd *RuntimeData) *Value
}

// treeBuilder turns the pass input into a populated dependency arena.
type treeBuilder struct {
	astBuilder *astBuilder
	interp     *interpreter
	verbose    bool
}

// build creates one node per formula cell, non-grid formula and registered
// feature, then discovers each node's input ranges. Reference-producing
// sub-expressions (unions, @/# marked nodes, OFFSET/INDIRECT/INDEX calls)
// are pre-evaluated through the interpreter to learn the concrete ranges
// they resolve to.
func (b *treeBuilder) build(ctx context.Context, input *CalculateInput, features map[string]*FeatureCalculator) (*dependencyArena, error) {
	startTime := time.Now()
	arena := newDependencyArena()

	for unitID, unit := range input.FormulaData {
		for subUnitID, sheet := range unit {
			for row, line := range sheet {
				for col, formula := range line {
					if formula == nil || formula.Text == "" {
						continue
					}
					node := arena.newNode()
					node.unitID, node.subUnitID = unitID, subUnitID
					node.row, node.col = row, col
					node.formulaText = formula.Text
					b.attachAST(ctx, node, formula.RefOffsetX, formula.RefOffsetY)
				}
			}
		}
	}

	for unitID, unit := range input.OtherFormulaData {
		for subUnitID, sheet := range unit {
			for formulaID, text := range sheet {
				if text == "" {
					continue
				}
				node := arena.newNode()
				node.unitID, node.subUnitID = unitID, subUnitID
				node.formulaID = formulaID
				node.formulaText = text
				b.attachAST(ctx, node, 0, 0)
			}
		}
	}

	for _, feature := range features {
		node := arena.newNode()
		node.unitID, node.subUnitID = feature.UnitID, feature.SubUnitID
		node.featureID = feature.FeatureID
		for _, r := range feature.DependencyRanges {
			node.rangeList = append(node.rangeList, RangeToken{Range: r, Token: r.Token()})
		}
	}

	if b.verbose {
		log.Printf("[dependency] collected %d nodes in %v", arena.len(), time.Since(startTime))
	}
	return arena, ctx.Err()
}

// attachAST parses the node's formula and discovers its input ranges. A
// formula that fails to parse becomes an error pseudo-node carrying no
// ranges.
func (b *treeBuilder) attachAST(ctx context.Context, node *DependencyTreeNode, refOffsetX, refOffsetY int) {
	ast, err := b.astBuilder.Parse(node.formulaText, refOffsetX, refOffsetY)
	if err != nil {
		node.isError = true
		node.ast = newErrorNode(ErrorNAME)
		return
	}
	node.ast = ast

	cursor := Cursor{UnitID: node.unitID, SubUnitID: node.subUnitID, Row: node.row, Col: node.col}
	var preCalc []*AstNode
	collectPreCalcNodes(ast, &preCalc)
	for _, pc := range preCalc {
		for _, r := range b.interp.resolveRanges(ctx, pc, cursor) {
			node.rangeList = append(node.rangeList, RangeToken{Range: r, Token: r.Token()})
		}
	}
}

// collectPreCalcNodes gathers the sub-expressions that must be evaluated
// before the formula's dependency ranges are known: plain references,
// unions, @-prefixed and #-suffixed nodes, and address-producing function
// calls. Children of a collected node are not collected again; the
// pre-evaluation descends into them itself.
func collectPreCalcNodes(node *AstNode, out *[]*AstNode) {
	switch node.Type {
	case NodeReference, NodeUnion:
		*out = append(*out, node)
		return
	case NodePrefix:
		if node.Token == "@" {
			*out = append(*out, node)
			return
		}
	case NodeSuffix:
		if node.Token == "#" {
			*out = append(*out, node)
			return
		}
	case NodeFunction:
		if node.Fn != nil && node.Fn.AddressProducing {
			*out = append(*out, node)
			// The call's own arguments may still reference further
			// ranges (OFFSET(A1, B2, 0) reads B2); collect those too.
		}
	}
	for _, child := range node.Children {
		collectPreCalcNodes(child, out)
	}
}
