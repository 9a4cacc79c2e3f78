package formulaengine

import (
	"context"
	"log"
	"time"
)

// RangeAggregator accelerates plain aggregate calls (SUM, AVERAGE, COUNT,
// MIN, MAX) over large rectangular ranges. Implementations answer from
// host-loaded literal data, so the interpreter only consults one when the
// pass has not computed any cell on the range's sheet.
type RangeAggregator interface {
	Aggregate(fn string, r GridRange) (*Value, bool)
}

// CriteriaAggregator extends a RangeAggregator with criteria-filtered
// aggregates. The criteria string keeps its formula-level shape (">=10",
// "<>done", "apple"); the implementation compiles it.
type CriteriaAggregator interface {
	RangeAggregator
	SumIf(criteriaRange GridRange, criteria string, valueRange GridRange) (*Value, bool)
	CountIf(criteriaRange GridRange, criteria string) (*Value, bool)
	AverageIf(criteriaRange GridRange, criteria string, valueRange GridRange) (*Value, bool)
}

// interpreter evaluates formula trees against the layered cell model:
// results computed earlier in the pass shadow the previous pass's results,
// which shadow the host's literal snapshot.
type interpreter struct {
	registry *functionRegistry
	snapshot *sheetSnapshot
	rd       *RuntimeData
	prev     *RuntimeData
	features map[string]*FeatureCalculator
	formulas FormulaData

	accel        RangeAggregator
	accelMinRows int

	verbose bool
}

func newInterpreter(registry *functionRegistry, snapshot *sheetSnapshot, rd *RuntimeData, features map[string]*FeatureCalculator) *interpreter {
	return &interpreter{
		registry: registry,
		snapshot: snapshot,
		rd:       rd,
		features: features,
	}
}

// sheetSize returns the bounds of a sheet, ok=false when the host snapshot
// does not know it.
func (it *interpreter) sheetSize(unitID, subUnitID string) (rows, cols int, ok bool) {
	size, ok := it.snapshot.Size(unitID, subUnitID)
	if !ok {
		return 0, 0, false
	}
	return size.RowCount, size.ColumnCount, true
}

// cellValueAt reads one cell through the layering: this pass's computed
// results first, then the previous pass's, then the host's literal
// snapshot, then empty. The previous-pass layer is what lets a dirty
// formula read a clean formula cell that was not recalculated.
func (it *interpreter) cellValueAt(unitID, subUnitID string, row, col int) *Value {
	if cell := it.rd.GetCell(unitID, subUnitID, row, col); cell != nil {
		return cell.Value
	}
	if it.prev != nil {
		if cell := it.prev.GetCell(unitID, subUnitID, row, col); cell != nil {
			return cell.Value
		}
	}
	if v := it.snapshot.Get(unitID, subUnitID, row, col); v != nil {
		return v
	}
	return NullValue()
}

// clampToSheet trims a range to the sheet bounds so whole-column and
// whole-row references do not materialize millions of empty cells.
func (it *interpreter) clampToSheet(r GridRange) GridRange {
	size, ok := it.snapshot.Size(r.UnitID, r.SubUnitID)
	if !ok {
		return r
	}
	if r.EndRow > size.RowCount {
		r.EndRow = size.RowCount
	}
	if r.EndCol > size.ColumnCount {
		r.EndCol = size.ColumnCount
	}
	return r
}

// materialize dereferences a reference value: single-cell references become
// the cell's value, multi-cell references become a row-major array.
// Non-reference values pass through unchanged.
func (it *interpreter) materialize(v *Value) *Value {
	if v.Kind() != KindReference {
		return v
	}
	r := it.clampToSheet(v.Ref().normalize())
	if r.EndRow < r.StartRow || r.EndCol < r.StartCol {
		return NullValue()
	}
	if r.IsSingleCell() {
		return it.cellValueAt(r.UnitID, r.SubUnitID, r.StartRow, r.StartCol)
	}
	rows := make([][]*Value, 0, r.RowCount())
	for row := r.StartRow; row <= r.EndRow; row++ {
		line := make([]*Value, 0, r.ColCount())
		for col := r.StartCol; col <= r.EndCol; col++ {
			line = append(line, it.cellValueAt(r.UnitID, r.SubUnitID, row, col))
		}
		rows = append(rows, line)
	}
	return NewArray(rows)
}

// scalarize reduces a value to a scalar for operator application. A
// multi-cell reference sharing a row or column band with the cursor
// resolves by implicit intersection; anything else multi-valued is a value
// error.
func (it *interpreter) scalarize(v *Value, cur Cursor) *Value {
	switch v.Kind() {
	case KindReference:
		r := it.clampToSheet(v.Ref().normalize())
		if r.IsSingleCell() {
			return it.cellValueAt(r.UnitID, r.SubUnitID, r.StartRow, r.StartCol)
		}
		return it.intersect(r, cur)
	case KindArray:
		rows := v.Rows()
		if len(rows) == 1 && len(rows[0]) == 1 {
			return rows[0][0]
		}
		return NewError(ErrorVALUE)
	}
	return v
}

// intersect applies implicit intersection of a multi-cell range against
// the cursor.
func (it *interpreter) intersect(r GridRange, cur Cursor) *Value {
	sameSheet := r.UnitID == cur.UnitID && r.SubUnitID == cur.SubUnitID
	if sameSheet && r.ColCount() == 1 && cur.Row >= r.StartRow && cur.Row <= r.EndRow {
		return it.cellValueAt(r.UnitID, r.SubUnitID, cur.Row, r.StartCol)
	}
	if sameSheet && r.RowCount() == 1 && cur.Col >= r.StartCol && cur.Col <= r.EndCol {
		return it.cellValueAt(r.UnitID, r.SubUnitID, r.StartRow, cur.Col)
	}
	return NewError(ErrorVALUE)
}

// evaluate walks an AST node and produces its value. References flow
// through unmaterialized so callers decide between address and value
// semantics.
func (it *interpreter) evaluate(ctx context.Context, node *AstNode, cur Cursor) *Value {
	if node == nil {
		return NewError(ErrorNAME)
	}
	switch node.Type {
	case NodeRoot:
		if len(node.Children) == 0 {
			return NullValue()
		}
		return it.evaluate(ctx, node.Children[0], cur)
	case NodeValue, NodeError:
		return node.Literal
	case NodeReference:
		r, ok := resolveReference(node.Token, cur)
		if !ok {
			return NewError(ErrorNAME)
		}
		return NewReference(r)
	case NodeOperator:
		return it.evalOperator(ctx, node, cur)
	case NodePrefix:
		return it.evalPrefix(ctx, node, cur)
	case NodeSuffix:
		return it.evalSuffix(ctx, node, cur)
	case NodeUnion:
		return it.evalUnion(ctx, node, cur)
	case NodeFunction:
		return it.evalFunction(ctx, node, cur)
	}
	return NewError(ErrorNAME)
}

func (it *interpreter) evalOperator(ctx context.Context, node *AstNode, cur Cursor) *Value {
	if len(node.Children) != 2 {
		return NewError(ErrorVALUE)
	}
	left := it.scalarize(it.evaluate(ctx, node.Children[0], cur), cur)
	right := it.scalarize(it.evaluate(ctx, node.Children[1], cur), cur)

	if op, ok := compareOpFromToken(node.Token); ok {
		return left.Compare(right, op)
	}
	switch node.Token {
	case "+":
		return left.Plus(right)
	case "-":
		return left.Minus(right)
	case "*":
		return left.Multiply(right)
	case "/":
		return left.Divide(right)
	case "^":
		return left.Pow(right)
	case "&":
		return left.Concatenate(right)
	}
	return NewError(ErrorNAME)
}

func (it *interpreter) evalPrefix(ctx context.Context, node *AstNode, cur Cursor) *Value {
	if len(node.Children) != 1 {
		return NewError(ErrorVALUE)
	}
	child := it.evaluate(ctx, node.Children[0], cur)
	switch node.Token {
	case "-":
		return it.scalarize(child, cur).Negate()
	case "+":
		return it.scalarize(child, cur)
	case "@":
		return it.scalarize(child, cur)
	}
	return NewError(ErrorNAME)
}

func (it *interpreter) evalSuffix(ctx context.Context, node *AstNode, cur Cursor) *Value {
	if len(node.Children) != 1 {
		return NewError(ErrorVALUE)
	}
	child := it.evaluate(ctx, node.Children[0], cur)
	switch node.Token {
	case "%":
		return it.scalarize(child, cur).Percent()
	case "#":
		return it.expandSpill(child)
	}
	return NewError(ErrorNAME)
}

// expandSpill resolves `A1#` to the rectangle the array formula at A1
// spilled into during this pass. A reference whose anchor owns no spill
// stays a single-cell reference.
func (it *interpreter) expandSpill(v *Value) *Value {
	if v.Kind() != KindReference {
		return NewError(ErrorREF)
	}
	r := v.Ref()
	rect, origin, found := it.rd.SpillAt(r.UnitID, r.SubUnitID, r.StartRow, r.StartCol)
	if found && origin == r.Token() {
		return NewReference(rect)
	}
	return v
}

// evalUnion evaluates each member and flattens the materialized results
// into a single column, matching how aggregate arguments consume unions.
func (it *interpreter) evalUnion(ctx context.Context, node *AstNode, cur Cursor) *Value {
	var rows [][]*Value
	for _, member := range node.Children {
		v := it.materialize(it.evaluate(ctx, member, cur))
		if v.IsError() {
			return v
		}
		if v.Kind() == KindArray {
			for _, line := range v.Rows() {
				for _, cell := range line {
					rows = append(rows, []*Value{cell})
				}
			}
			continue
		}
		rows = append(rows, []*Value{v})
	}
	if len(rows) == 0 {
		return NullValue()
	}
	return NewArray(rows)
}

// acceleratedAggregates are the functions the range aggregator may answer.
var acceleratedAggregates = map[string]bool{
	"SUM": true, "AVERAGE": true, "COUNT": true, "MIN": true, "MAX": true,
}

// acceleratedCriteriaAggregates additionally require a CriteriaAggregator.
var acceleratedCriteriaAggregates = map[string]bool{
	"SUMIF": true, "COUNTIF": true, "AVERAGEIF": true,
}

func (it *interpreter) evalFunction(ctx context.Context, node *AstNode, cur Cursor) *Value {
	fd := node.Fn
	if fd == nil {
		return NewError(ErrorNAME)
	}
	if !fd.checkArity(len(node.Children)) {
		return NewError(ErrorVALUE)
	}

	args := make([]*Value, len(node.Children))
	for i, child := range node.Children {
		args[i] = it.evaluate(ctx, child, cur)
	}

	if v, ok := it.tryAccelerate(fd.Name, args); ok {
		return v
	}

	// Address-producing functions keep their anchor argument as a
	// reference; everything else sees materialized values.
	for i := range args {
		if fd.AddressProducing && i == 0 {
			continue
		}
		args[i] = it.materialize(args[i])
	}

	scope := &CallScope{interp: it, cursor: cur}
	if fd.Kind == FunctionAsync {
		if fd.AsyncHandler == nil {
			return NewError(ErrorNAME)
		}
		ch := fd.AsyncHandler(ctx, scope, args)
		select {
		case v := <-ch:
			if v == nil {
				return NewError(ErrorCALC)
			}
			return v
		case <-ctx.Done():
			return NewError(ErrorCALC)
		}
	}
	if fd.Handler == nil {
		return NewError(ErrorNAME)
	}
	return fd.Handler(scope, args)
}

// tryAccelerate hands a single-range aggregate call to the configured
// accelerator when the range is large enough and no pass has computed
// any cell on its sheet.
func (it *interpreter) tryAccelerate(name string, args []*Value) (*Value, bool) {
	if it.accel == nil {
		return nil, false
	}
	if acceleratedCriteriaAggregates[name] {
		return it.tryAccelerateCriteria(name, args)
	}
	if len(args) != 1 || !acceleratedAggregates[name] {
		return nil, false
	}
	if args[0].Kind() != KindReference {
		return nil, false
	}
	r := it.clampToSheet(args[0].Ref().normalize())
	if r.RowCount() < it.accelMinRows {
		return nil, false
	}
	if it.sheetComputed(r.UnitID, r.SubUnitID) {
		return nil, false
	}
	v, ok := it.accel.Aggregate(name, r)
	if !ok {
		return nil, false
	}
	return v, true
}

func (it *interpreter) tryAccelerateCriteria(name string, args []*Value) (*Value, bool) {
	ca, ok := it.accel.(CriteriaAggregator)
	if !ok || len(args) < 2 || args[0].Kind() != KindReference {
		return nil, false
	}
	criteria, ok := criteriaToText(args[1])
	if !ok {
		return nil, false
	}
	crit := it.clampToSheet(args[0].Ref().normalize())
	if crit.RowCount() < it.accelMinRows || it.sheetComputed(crit.UnitID, crit.SubUnitID) {
		return nil, false
	}
	valueRange := crit
	if len(args) > 2 && args[2].Kind() != KindNull {
		if args[2].Kind() != KindReference {
			return nil, false
		}
		valueRange = it.clampToSheet(args[2].Ref().normalize())
		if it.sheetComputed(valueRange.UnitID, valueRange.SubUnitID) {
			return nil, false
		}
	}
	switch name {
	case "SUMIF":
		return ca.SumIf(crit, criteria, valueRange)
	case "COUNTIF":
		return ca.CountIf(crit, criteria)
	case "AVERAGEIF":
		return ca.AverageIf(crit, criteria, valueRange)
	}
	return nil, false
}

// criteriaToText renders a scalar criteria argument for the aggregator.
func criteriaToText(v *Value) (string, bool) {
	switch v.Kind() {
	case KindString, KindNumber, KindBoolean:
		return v.String(), true
	}
	return "", false
}

// sheetComputed reports whether this pass or the previous one produced any
// cell on a sheet. The accelerator answers from host-loaded literals only,
// so computed results anywhere on the sheet disqualify it.
func (it *interpreter) sheetComputed(unitID, subUnitID string) bool {
	if it.rd.HasSheet(unitID, subUnitID) {
		return true
	}
	return it.prev != nil && it.prev.HasSheet(unitID, subUnitID)
}

// resolveRanges pre-evaluates a reference-producing sub-expression to the
// concrete ranges it reads, for dependency discovery. Evaluation at this
// stage sees only the host snapshot; address-producing calls whose inputs
// change during the pass resolve against pre-pass data.
func (it *interpreter) resolveRanges(ctx context.Context, node *AstNode, cur Cursor) []GridRange {
	switch node.Type {
	case NodeReference:
		if r, ok := resolveReference(node.Token, cur); ok {
			return []GridRange{r}
		}
		return nil
	case NodeUnion, NodePrefix, NodeSuffix:
		var out []GridRange
		for _, child := range node.Children {
			out = append(out, it.resolveRanges(ctx, child, cur)...)
		}
		return out
	case NodeFunction:
		v := it.evaluate(ctx, node, cur)
		if v.Kind() == KindReference {
			return []GridRange{*v.Ref()}
		}
	}
	return nil
}

// executeNode computes one scheduled node and records its result.
func (it *interpreter) executeNode(ctx context.Context, n *DependencyTreeNode) {
	startTime := time.Now()
	switch {
	case n.featureID != "":
		fc := it.features[n.featureID]
		if fc != nil && fc.GetDirtyData != nil {
			it.rd.SetFeatureData(n.featureID, fc.GetDirtyData(it.rd))
		}
	case n.formulaID != "":
		v := it.resultValue(ctx, n)
		it.rd.SetOtherFormula(n.unitID, n.subUnitID, n.formulaID, it.materialize(v))
	case n.isGridCell():
		it.writeCellResult(n, it.resultValue(ctx, n))
	}
	if it.verbose {
		d := time.Since(startTime)
		if d > 5*time.Millisecond {
			log.Printf("[interpreter] slow formula %s (%v): %s", nodeLabel(n), d, n.formulaText)
		}
	}
}

func nodeLabel(n *DependencyTreeNode) string {
	if n.isGridCell() {
		out, _ := n.outputRange()
		return out.Token()
	}
	if n.formulaID != "" {
		return n.unitID + "!" + n.subUnitID + "!" + n.formulaID
	}
	return "feature:" + n.featureID
}

func (it *interpreter) resultValue(ctx context.Context, n *DependencyTreeNode) *Value {
	if n.isError || n.ast == nil {
		return NewError(ErrorNAME)
	}
	cur := Cursor{UnitID: n.unitID, SubUnitID: n.subUnitID, Row: n.row, Col: n.col}
	return it.evaluate(ctx, n.ast, cur)
}

// writeCellResult stores a grid node's result, applying array-spill
// semantics: a 1×1 array collapses to its scalar; a larger array claims a
// rectangle anchored at the origin, and any occupied cell or sheet
// boundary inside that rectangle turns the whole result into a spill
// error at the origin with no member cells written.
func (it *interpreter) writeCellResult(n *DependencyTreeNode, v *Value) {
	origin, _ := n.outputRange()
	if v.Kind() == KindReference {
		v = it.materialize(v)
	}
	if v.Kind() == KindArray {
		rows := v.Rows()
		if len(rows) == 1 && len(rows[0]) == 1 {
			v = rows[0][0]
		} else {
			it.writeSpill(n, origin, rows)
			return
		}
	}
	pat := v.Pattern()
	it.rd.SetCell(n.unitID, n.subUnitID, n.row, n.col, &RuntimeCell{Value: v, Pattern: pat, PatternKind: classifyPattern(pat)})
}

func (it *interpreter) writeSpill(n *DependencyTreeNode, origin GridRange, rows [][]*Value) {
	height := len(rows)
	width := 0
	for _, line := range rows {
		if len(line) > width {
			width = len(line)
		}
	}
	rect := GridRange{
		UnitID:    n.unitID,
		SubUnitID: n.subUnitID,
		StartRow:  n.row,
		StartCol:  n.col,
		EndRow:    n.row + height - 1,
		EndCol:    n.col + width - 1,
	}

	maxRow, maxCol := MaxRows, MaxColumns
	if r, c, ok := it.sheetSize(n.unitID, n.subUnitID); ok {
		maxRow, maxCol = r, c
	}
	blocked := rect.EndRow > maxRow || rect.EndCol > maxCol
	if !blocked {
		blocked = it.spillBlocked(n, rect)
	}
	if blocked {
		errVal := NewError(ErrorSPILL)
		it.rd.SetCell(n.unitID, n.subUnitID, n.row, n.col, &RuntimeCell{Value: errVal})
		return
	}

	for i := 0; i < height; i++ {
		for j := 0; j < width; j++ {
			var cell *Value
			if j < len(rows[i]) && rows[i][j] != nil {
				cell = rows[i][j]
			} else {
				cell = NullValue()
			}
			pat := cell.Pattern()
			it.rd.SetCell(n.unitID, n.subUnitID, n.row+i, n.col+j, &RuntimeCell{Value: cell, Pattern: pat, PatternKind: classifyPattern(pat)})
		}
	}
	it.rd.SetSpill(origin, rect)
}

// spillBlocked reports whether any member cell other than the origin is
// already occupied by literal content, another formula cell, an earlier
// result of this pass or another formula's spill. Formula cells block even
// before they execute so the outcome does not depend on pass ordering.
func (it *interpreter) spillBlocked(n *DependencyTreeNode, rect GridRange) bool {
	origin, _ := n.outputRange()
	originToken := origin.Token()
	sheetFormulas := it.formulas[n.unitID][n.subUnitID]
	for row := rect.StartRow; row <= rect.EndRow; row++ {
		for col := rect.StartCol; col <= rect.EndCol; col++ {
			if row == n.row && col == n.col {
				continue
			}
			if lit := it.snapshot.Get(n.unitID, n.subUnitID, row, col); lit != nil && lit.Kind() != KindNull {
				return true
			}
			if sheetFormulas[row][col] != nil {
				return true
			}
			if it.rd.GetCell(n.unitID, n.subUnitID, row, col) != nil {
				return true
			}
			if _, owner, found := it.rd.SpillAt(n.unitID, n.subUnitID, row, col); found && owner != originToken {
				return true
			}
			if it.prev != nil {
				// Spill members of a clean array formula stay occupied
				// even though nothing recomputes them this pass.
				if _, owner, found := it.prev.SpillAt(n.unitID, n.subUnitID, row, col); found && owner != originToken {
					return true
				}
			}
		}
	}
	return false
}
