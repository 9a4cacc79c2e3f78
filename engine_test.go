package formulaengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUnit  = "book1"
	testSheet = "Sheet1"
)

// testInput builds a single-sheet input from cell-name keyed literals and
// formulas.
func testInput(t *testing.T, cells map[string]float64, formulas map[string]string) *CalculateInput {
	t.Helper()
	input := &CalculateInput{
		CellData:    make(CellData),
		FormulaData: make(FormulaData),
		UnitData: UnitData{
			testUnit: {testSheet: {RowCount: 1000, ColumnCount: 50}},
		},
		ForceCalculate: true,
	}
	sheetCells := make(map[int]map[int]*Value)
	input.CellData[testUnit] = map[string]map[int]map[int]*Value{testSheet: sheetCells}
	for name, f := range cells {
		col, row, err := CellNameToCoordinates(name)
		require.NoError(t, err)
		if sheetCells[row] == nil {
			sheetCells[row] = make(map[int]*Value)
		}
		sheetCells[row][col] = NewNumber(f)
	}
	sheetFormulas := make(map[int]map[int]*CellFormula)
	input.FormulaData[testUnit] = map[string]map[int]map[int]*CellFormula{testSheet: sheetFormulas}
	for name, text := range formulas {
		col, row, err := CellNameToCoordinates(name)
		require.NoError(t, err)
		if sheetFormulas[row] == nil {
			sheetFormulas[row] = make(map[int]*CellFormula)
		}
		sheetFormulas[row][col] = &CellFormula{Text: text}
	}
	return input
}

// cellString reads a computed cell from a result by name.
func cellString(t *testing.T, result *CalculateResult, name string) string {
	t.Helper()
	col, row, err := CellNameToCoordinates(name)
	require.NoError(t, err)
	cell := result.Runtime.GetCell(testUnit, testSheet, row, col)
	if cell == nil {
		return ""
	}
	return cell.Value.String()
}

func runPass(t *testing.T, cells map[string]float64, formulas map[string]string) *CalculateResult {
	t.Helper()
	e := NewEngine(DefaultOptions())
	result, err := e.Generate(context.Background(), testInput(t, cells, formulas))
	require.NoError(t, err)
	require.Equal(t, StateSuccess, result.State)
	return result
}

func TestGenerateChainedFormulas(t *testing.T) {
	result := runPass(t,
		map[string]float64{"A1": 10},
		map[string]string{
			"B1": "=A1*2",
			"B2": "=B1+10",
			"B3": "=B2*2",
		})
	assert.Equal(t, "20", cellString(t, result, "B1"))
	assert.Equal(t, "30", cellString(t, result, "B2"))
	assert.Equal(t, "60", cellString(t, result, "B3"))

	computed := 0
	for _, line := range result.Runtime.CellResults()[testUnit][testSheet] {
		computed += len(line)
	}
	assert.Equal(t, 3, computed)
}

func TestGenerateAggregates(t *testing.T) {
	result := runPass(t,
		map[string]float64{"A1": 1, "A2": 2, "A3": 3},
		map[string]string{
			"B1": "=SUM(A1:A3)",
			"B2": "=AVERAGE(A1:A3)",
			"B3": "=MAX(A1:A3)",
			"B4": "=COUNT(A1:A3)",
		})
	assert.Equal(t, "6", cellString(t, result, "B1"))
	assert.Equal(t, "2", cellString(t, result, "B2"))
	assert.Equal(t, "3", cellString(t, result, "B3"))
	assert.Equal(t, "3", cellString(t, result, "B4"))
}

func TestRuntimeSnapshotIsolation(t *testing.T) {
	result := runPass(t,
		map[string]float64{"A1": 1},
		map[string]string{"B1": "=A1+1"})

	snap := result.Runtime.Snapshot()
	col, row, err := CellNameToCoordinates("B1")
	require.NoError(t, err)
	assert.Equal(t, "2", snap[testUnit][testSheet][row][col].Value.String())

	// Mutating the snapshot spine must not reach the pass results.
	delete(snap[testUnit][testSheet], row)
	assert.Equal(t, "2", cellString(t, result, "B1"))
}

func TestGenerateSumSeesComputedCells(t *testing.T) {
	// SUM over a range containing another formula's output must use the
	// freshly computed value.
	result := runPass(t,
		map[string]float64{"A1": 1},
		map[string]string{
			"A2": "=A1*10",
			"B1": "=SUM(A1:A2)",
		})
	assert.Equal(t, "11", cellString(t, result, "B1"))
}

func TestGenerateErrorPropagation(t *testing.T) {
	result := runPass(t,
		map[string]float64{"A1": 1},
		map[string]string{
			"B1": "=A1/0",
			"B2": "=B1+1",
			"B3": "=ISERROR(B1)",
		})
	assert.Equal(t, "#DIV/0!", cellString(t, result, "B1"))
	assert.Equal(t, "#DIV/0!", cellString(t, result, "B2"))
	assert.Equal(t, "TRUE", cellString(t, result, "B3"))
}

func TestGenerateUnknownFunction(t *testing.T) {
	result := runPass(t, nil, map[string]string{"B1": "=NOSUCHFN(1)"})
	assert.Equal(t, "#NAME?", cellString(t, result, "B1"))
}

func TestGenerateDirtyRangeIncremental(t *testing.T) {
	e := NewEngine(DefaultOptions())
	ctx := context.Background()

	input := testInput(t,
		map[string]float64{"A1": 1, "A2": 5},
		map[string]string{
			"B1": "=A1*2",
			"C1": "=A2*2",
			"D1": "=B1+1",
		})
	_, err := e.Generate(ctx, input)
	require.NoError(t, err)

	// Second pass: only A1 changed. B1 and its dependent D1 recalculate,
	// C1 does not.
	input2 := testInput(t,
		map[string]float64{"A1": 3, "A2": 5},
		map[string]string{
			"B1": "=A1*2",
			"C1": "=A2*2",
			"D1": "=B1+1",
		})
	input2.ForceCalculate = false
	input2.DirtyRanges = []GridRange{{
		UnitID: testUnit, SubUnitID: testSheet,
		StartRow: 1, StartCol: 1, EndRow: 1, EndCol: 1,
	}}
	result, err := e.Generate(ctx, input2)
	require.NoError(t, err)
	require.Equal(t, StateSuccess, result.State)

	assert.Equal(t, "6", cellString(t, result, "B1"))
	assert.Equal(t, "7", cellString(t, result, "D1"))
	assert.Nil(t, result.Runtime.GetCell(testUnit, testSheet, 1, 3), "C1 should not recalculate")
}

func TestGenerateDirtyReadsCleanFormulaResult(t *testing.T) {
	e := NewEngine(DefaultOptions())
	ctx := context.Background()

	formulas := map[string]string{
		"B1": "=A1*2",
		"C1": "=B1+A2",
	}
	_, err := e.Generate(ctx, testInput(t,
		map[string]float64{"A1": 2, "A2": 1}, formulas))
	require.NoError(t, err)

	// Second pass: only A2 changed, so B1 stays clean and is not
	// recalculated. C1 must still read B1's value from the previous
	// pass rather than seeing an empty cell.
	input2 := testInput(t, map[string]float64{"A1": 2, "A2": 10}, formulas)
	input2.ForceCalculate = false
	input2.DirtyRanges = []GridRange{{
		UnitID: testUnit, SubUnitID: testSheet,
		StartRow: 2, StartCol: 1, EndRow: 2, EndCol: 1,
	}}
	result, err := e.Generate(ctx, input2)
	require.NoError(t, err)
	require.Equal(t, StateSuccess, result.State)

	assert.Equal(t, "14", cellString(t, result, "C1"))
	assert.Nil(t, result.Runtime.GetCell(testUnit, testSheet, 1, 2), "B1 stays clean")
}

func TestGenerateNothingDirty(t *testing.T) {
	e := NewEngine(DefaultOptions())
	input := testInput(t, map[string]float64{"A1": 1}, map[string]string{"B1": "=A1"})
	input.ForceCalculate = false
	result, err := e.Generate(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, StateNotExecuted, result.State)
}

func TestGenerateCycleLinearize(t *testing.T) {
	result := runPass(t, nil, map[string]string{
		"A1": "=B1+1",
		"B1": "=A1+1",
	})
	assert.True(t, result.CycleDetected)
	// Best-effort execution still writes both cells.
	assert.NotEmpty(t, cellString(t, result, "A1"))
	assert.NotEmpty(t, cellString(t, result, "B1"))
}

func TestGenerateCyclePolicyError(t *testing.T) {
	opts := DefaultOptions()
	opts.CyclePolicy = CyclePolicyError
	e := NewEngine(opts)
	result, err := e.Generate(context.Background(), testInput(t, nil, map[string]string{
		"A1": "=B1+1",
		"B1": "=A1+1",
	}))
	require.NoError(t, err)
	assert.True(t, result.CycleDetected)
	assert.Equal(t, "#CALC!", cellString(t, result, "A1"))
	assert.Equal(t, "#CALC!", cellString(t, result, "B1"))
}

func TestGenerateParallelWorkers(t *testing.T) {
	opts := DefaultOptions()
	opts.Workers = 4
	e := NewEngine(opts)

	cells := map[string]float64{"A1": 2}
	formulas := map[string]string{
		"B1": "=A1*2",
		"B2": "=A1*3",
		"B3": "=A1*4",
		"C1": "=B1+B2+B3",
		"D1": "=C1*10",
	}
	result, err := e.Generate(context.Background(), testInput(t, cells, formulas))
	require.NoError(t, err)
	require.Equal(t, StateSuccess, result.State)
	assert.Equal(t, "18", cellString(t, result, "C1"))
	assert.Equal(t, "180", cellString(t, result, "D1"))
}

func TestGenerateInProgressGuard(t *testing.T) {
	e := NewEngine(DefaultOptions())
	e.running.Store(true)
	_, err := e.Generate(context.Background(), testInput(t, nil, nil))
	assert.ErrorIs(t, err, ErrGenerateInProgress)
}

func TestStopExecution(t *testing.T) {
	e := NewEngine(DefaultOptions())
	// The stop flag raised before the pass starts executing nodes makes
	// every node a no-op and ends the pass in the stopped state.
	formulas := map[string]string{"B1": "=1+1", "B2": "=2+2"}
	input := testInput(t, nil, formulas)

	e.StopExecution()
	// Generate resets the flag at entry, so stopping before the call does
	// not affect the pass.
	result, err := e.Generate(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, result.State)
}

func TestRegisterFunction(t *testing.T) {
	e := NewEngine(DefaultOptions())
	e.RegisterFunction(&FunctionDescriptor{
		Name:    "DOUBLE",
		MinArgs: 1,
		MaxArgs: 1,
		Handler: func(_ *CallScope, args []*Value) *Value {
			return args[0].Multiply(NewNumber(2))
		},
	})
	result, err := e.Generate(context.Background(), testInput(t,
		map[string]float64{"A1": 21},
		map[string]string{"B1": "=DOUBLE(A1)"}))
	require.NoError(t, err)
	assert.Equal(t, "42", cellString(t, result, "B1"))
}

func TestRegisterAsyncFunction(t *testing.T) {
	e := NewEngine(DefaultOptions())
	e.RegisterFunction(&FunctionDescriptor{
		Name:    "FETCH",
		Kind:    FunctionAsync,
		MinArgs: 1,
		MaxArgs: 1,
		AsyncHandler: func(ctx context.Context, _ *CallScope, args []*Value) <-chan *Value {
			ch := make(chan *Value, 1)
			go func() {
				ch <- args[0].Plus(NewNumber(100))
			}()
			return ch
		},
	})
	result, err := e.Generate(context.Background(), testInput(t,
		map[string]float64{"A1": 1},
		map[string]string{"B1": "=FETCH(A1)"}))
	require.NoError(t, err)
	assert.Equal(t, "101", cellString(t, result, "B1"))
}

func TestRegisterFeature(t *testing.T) {
	e := NewEngine(DefaultOptions())
	e.RegisterFeature(&FeatureCalculator{
		FeatureID: "pivot-1",
		UnitID:    testUnit,
		SubUnitID: testSheet,
		DependencyRanges: []GridRange{{
			UnitID: testUnit, SubUnitID: testSheet,
			StartRow: 1, StartCol: 1, EndRow: 1, EndCol: 1,
		}},
		GetDirtyData: func(rd *RuntimeData) *Value {
			return NewString("refreshed")
		},
	})
	result, err := e.Generate(context.Background(), testInput(t,
		map[string]float64{"A1": 1},
		map[string]string{"B1": "=A1"}))
	require.NoError(t, err)
	got := result.Runtime.FeatureData("pivot-1")
	require.NotNil(t, got)
	assert.Equal(t, "refreshed", got.Text())
}

func TestGenerateOtherFormula(t *testing.T) {
	e := NewEngine(DefaultOptions())
	input := testInput(t, map[string]float64{"A1": 7}, nil)
	input.OtherFormulaData = OtherFormulaData{
		testUnit: {testSheet: {"chart-1": "=A1*3"}},
	}
	result, err := e.Generate(context.Background(), input)
	require.NoError(t, err)
	got := result.Runtime.OtherFormula(testUnit, testSheet, "chart-1")
	require.NotNil(t, got)
	assert.Equal(t, "21", got.String())
}

func TestGenerateDoesNotMutateInput(t *testing.T) {
	e := NewEngine(DefaultOptions())
	input := testInput(t, map[string]float64{"A1": 1}, map[string]string{"B1": "=A1"})
	formulaBefore := input.FormulaData[testUnit][testSheet][1][2].Text
	_, err := e.Generate(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, formulaBefore, input.FormulaData[testUnit][testSheet][1][2].Text)
}

func TestGeneratePatternFlowsIntoResults(t *testing.T) {
	input := testInput(t, nil, map[string]string{"B1": "=A1*2"})
	input.CellData[testUnit][testSheet][1] = map[int]*Value{
		1: NewNumberWithPattern(3, "0.00"),
	}
	e := NewEngine(DefaultOptions())
	result, err := e.Generate(context.Background(), input)
	require.NoError(t, err)

	cell := result.Runtime.GetCell(testUnit, testSheet, 1, 2)
	require.NotNil(t, cell)
	assert.Equal(t, "6", cell.Value.String())
	assert.Equal(t, "0.00", cell.Pattern)
	assert.Equal(t, PatternNumeric, cell.PatternKind)
}

// stubCriteriaAggregator records the criteria calls routed to it and
// answers with sentinel values.
type stubCriteriaAggregator struct {
	lastFn       string
	lastCriteria string
}

func (s *stubCriteriaAggregator) Aggregate(fn string, _ GridRange) (*Value, bool) {
	s.lastFn = fn
	return NewNumber(7), true
}

func (s *stubCriteriaAggregator) SumIf(_ GridRange, criteria string, _ GridRange) (*Value, bool) {
	s.lastFn, s.lastCriteria = "SUMIF", criteria
	return NewNumber(42), true
}

func (s *stubCriteriaAggregator) CountIf(_ GridRange, criteria string) (*Value, bool) {
	s.lastFn, s.lastCriteria = "COUNTIF", criteria
	return NewNumber(43), true
}

func (s *stubCriteriaAggregator) AverageIf(_ GridRange, criteria string, _ GridRange) (*Value, bool) {
	s.lastFn, s.lastCriteria = "AVERAGEIF", criteria
	return NewNumber(44), true
}

func TestAcceleratorRoutesCriteriaAggregates(t *testing.T) {
	opts := DefaultOptions()
	opts.AggregatorMinRows = 1
	e := NewEngine(opts)
	stub := &stubCriteriaAggregator{}
	e.SetAccelerator(stub)

	result, err := e.Generate(context.Background(), testInput(t,
		map[string]float64{"A1": 1, "A2": 2, "A3": 3},
		map[string]string{"E1": `=SUMIF(A1:A3,">=2")`}))
	require.NoError(t, err)

	assert.Equal(t, "42", cellString(t, result, "E1"))
	assert.Equal(t, "SUMIF", stub.lastFn)
	assert.Equal(t, ">=2", stub.lastCriteria)
}

func TestAcceleratorSkippedOnComputedSheet(t *testing.T) {
	opts := DefaultOptions()
	opts.AggregatorMinRows = 1
	e := NewEngine(opts)
	stub := &stubCriteriaAggregator{}
	e.SetAccelerator(stub)

	// A2 is itself computed this pass, so the criteria call must fall
	// back to the in-memory walk instead of the accelerator's tables.
	result, err := e.Generate(context.Background(), testInput(t,
		map[string]float64{"A1": 1, "A3": 3},
		map[string]string{
			"A2": "=A1+1",
			"E1": `=COUNTIF(A1:A3,">=2")`,
		}))
	require.NoError(t, err)

	assert.Equal(t, "2", cellString(t, result, "E1"))
	assert.Empty(t, stub.lastFn)
}

func TestGeneratePassIDsUnique(t *testing.T) {
	e := NewEngine(DefaultOptions())
	input := testInput(t, map[string]float64{"A1": 1}, map[string]string{"B1": "=A1"})
	r1, err := e.Generate(context.Background(), input)
	require.NoError(t, err)
	r2, err := e.Generate(context.Background(), input)
	require.NoError(t, err)
	assert.NotEqual(t, r1.PassID, r2.PassID)
}
