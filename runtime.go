package formulaengine

import "sync"

// Cursor is the active evaluation anchor: the unit, sheet and cell that
// relative references resolve against.
type Cursor struct {
	UnitID    string
	SubUnitID string
	Row       int
	Col       int
}

// CellFormula is one formula cell in the host's input snapshot. RefOffset
// records the relative-reference shift to apply when the formula text was
// filled from another anchor cell.
type CellFormula struct {
	Text       string
	RefOffsetX int
	RefOffsetY int
}

// FormulaData maps unitID → subUnitID → row → col → formula.
type FormulaData map[string]map[string]map[int]map[int]*CellFormula

// OtherFormulaData maps unitID → subUnitID → formulaID → formula text, for
// formulas with no grid coordinate of their own (chart references,
// conditional formats and the like).
type OtherFormulaData map[string]map[string]map[string]string

// SheetSize carries a sheet's bounds, consulted by spill boundary checks.
type SheetSize struct {
	RowCount    int
	ColumnCount int
}

// UnitData maps unitID → subUnitID → sheet size.
type UnitData map[string]map[string]SheetSize

// CellData maps unitID → subUnitID → row → col → literal cell value. The
// values carry their own display patterns.
type CellData map[string]map[string]map[int]map[int]*Value

// DirtyFeatureMap flags features needing recalculation:
// unitID → subUnitID → featureID → dirty.
type DirtyFeatureMap map[string]map[string]map[string]bool

// DirtyFormulaMap flags non-grid formulas needing recalculation:
// unitID → subUnitID → formulaID → dirty.
type DirtyFormulaMap map[string]map[string]map[string]bool

// DirtyUnitSheetNameMap records sheets that were structurally changed
// (inserted, deleted, renamed) since the last pass:
// unitID → subUnitID → sheet name.
type DirtyUnitSheetNameMap map[string]map[string]string

// CalculateInput is everything the host hands the engine for one
// recalculation pass.
type CalculateInput struct {
	FormulaData           FormulaData
	OtherFormulaData      OtherFormulaData
	CellData              CellData
	UnitData              UnitData
	DirtyRanges           []GridRange
	DirtyFeatureMap       DirtyFeatureMap
	DirtyFormulaMap       DirtyFormulaMap
	DirtyUnitSheetNameMap DirtyUnitSheetNameMap
	ForceCalculate        bool
}

// ExecutionState describes how a recalculation pass ended.
type ExecutionState uint8

// Pass outcomes.
const (
	StateInitial ExecutionState = iota
	StateStopExecution
	StateNotExecuted
	StateSuccess
)

// String returns the state name.
func (s ExecutionState) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateStopExecution:
		return "STOP_EXECUTION"
	case StateNotExecuted:
		return "NOT_EXECUTED"
	case StateSuccess:
		return "SUCCESS"
	}
	return "UNKNOWN"
}

// RuntimeCell is one computed cell result. PatternKind classifies the
// pattern so hosts can render date serials without re-parsing the format.
type RuntimeCell struct {
	Value       *Value
	Pattern     string
	PatternKind PatternKind
}

// RuntimeData accumulates the results of a recalculation pass: computed
// cell values, the array-spill registry and per-feature dirty data. It is
// written by the interpreter and read back by reference resolution within
// the same pass.
type RuntimeData struct {
	mu sync.RWMutex
	// cells: unitID → subUnitID → row → col → result
	cells map[string]map[string]map[int]map[int]*RuntimeCell
	// spills: unitID → subUnitID → origin cell token → occupied rectangle
	spills map[string]map[string]map[string]GridRange
	// featureData: featureID → computed feature payload
	featureData map[string]*Value
	// otherFormulaData: unitID → subUnitID → formulaID → result
	otherFormula map[string]map[string]map[string]*Value
}

func newRuntimeData() *RuntimeData {
	return &RuntimeData{
		cells:        make(map[string]map[string]map[int]map[int]*RuntimeCell),
		spills:       make(map[string]map[string]map[string]GridRange),
		featureData:  make(map[string]*Value),
		otherFormula: make(map[string]map[string]map[string]*Value),
	}
}

// GetCell returns the computed result for a cell, or nil when the pass has
// not produced one.
func (rd *RuntimeData) GetCell(unitID, subUnitID string, row, col int) *RuntimeCell {
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	return rd.cells[unitID][subUnitID][row][col]
}

// SetCell records a computed cell result.
func (rd *RuntimeData) SetCell(unitID, subUnitID string, row, col int, cell *RuntimeCell) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.setCellLocked(unitID, subUnitID, row, col, cell)
}

func (rd *RuntimeData) setCellLocked(unitID, subUnitID string, row, col int, cell *RuntimeCell) {
	unit, ok := rd.cells[unitID]
	if !ok {
		unit = make(map[string]map[int]map[int]*RuntimeCell)
		rd.cells[unitID] = unit
	}
	sheet, ok := unit[subUnitID]
	if !ok {
		sheet = make(map[int]map[int]*RuntimeCell)
		unit[subUnitID] = sheet
	}
	line, ok := sheet[row]
	if !ok {
		line = make(map[int]*RuntimeCell)
		sheet[row] = line
	}
	line[col] = cell
}

// SetSpill registers the rectangle an array formula occupies, keyed by its
// origin cell.
func (rd *RuntimeData) SetSpill(origin GridRange, rect GridRange) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	unit, ok := rd.spills[origin.UnitID]
	if !ok {
		unit = make(map[string]map[string]GridRange)
		rd.spills[origin.UnitID] = unit
	}
	sheet, ok := unit[origin.SubUnitID]
	if !ok {
		sheet = make(map[string]GridRange)
		unit[origin.SubUnitID] = sheet
	}
	sheet[origin.Token()] = rect
}

// SpillAt returns the spill rectangle covering a cell together with the
// origin token that owns it. Found is false when no spill covers the cell.
func (rd *RuntimeData) SpillAt(unitID, subUnitID string, row, col int) (rect GridRange, origin string, found bool) {
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	for token, r := range rd.spills[unitID][subUnitID] {
		if r.Contains(unitID, subUnitID, row, col) {
			return r, token, true
		}
	}
	return GridRange{}, "", false
}

// HasSheet reports whether the pass has computed any cell on a sheet.
func (rd *RuntimeData) HasSheet(unitID, subUnitID string) bool {
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	return len(rd.cells[unitID][subUnitID]) > 0
}

// Spills returns the spill registry for a sheet, keyed by origin token.
func (rd *RuntimeData) Spills(unitID, subUnitID string) map[string]GridRange {
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	out := make(map[string]GridRange, len(rd.spills[unitID][subUnitID]))
	for k, v := range rd.spills[unitID][subUnitID] {
		out[k] = v
	}
	return out
}

// SetFeatureData records the computed payload of a feature calculator.
func (rd *RuntimeData) SetFeatureData(featureID string, v *Value) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.featureData[featureID] = v
}

// FeatureData returns the computed payload of a feature calculator.
func (rd *RuntimeData) FeatureData(featureID string) *Value {
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	return rd.featureData[featureID]
}

// SetOtherFormula records the result of a non-grid formula.
func (rd *RuntimeData) SetOtherFormula(unitID, subUnitID, formulaID string, v *Value) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	unit, ok := rd.otherFormula[unitID]
	if !ok {
		unit = make(map[string]map[string]*Value)
		rd.otherFormula[unitID] = unit
	}
	sheet, ok := unit[subUnitID]
	if !ok {
		sheet = make(map[string]*Value)
		unit[subUnitID] = sheet
	}
	sheet[formulaID] = v
}

// OtherFormula returns the result of a non-grid formula.
func (rd *RuntimeData) OtherFormula(unitID, subUnitID, formulaID string) *Value {
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	return rd.otherFormula[unitID][subUnitID][formulaID]
}

// absorb folds another pass's results into rd, the newer results replacing
// older ones entry by entry. The engine keeps one cumulative RuntimeData
// across passes this way, so clean cells stay readable after incremental
// recalculations that never touch them.
func (rd *RuntimeData) absorb(other *RuntimeData) {
	other.mu.RLock()
	defer other.mu.RUnlock()
	rd.mu.Lock()
	defer rd.mu.Unlock()
	for unitID, unit := range other.cells {
		for subUnitID, sheet := range unit {
			for row, line := range sheet {
				for col, cell := range line {
					rd.setCellLocked(unitID, subUnitID, row, col, cell)
				}
			}
		}
	}
	for unitID, unit := range other.spills {
		for subUnitID, sheet := range unit {
			for origin, rect := range sheet {
				if rd.spills[unitID] == nil {
					rd.spills[unitID] = make(map[string]map[string]GridRange)
				}
				if rd.spills[unitID][subUnitID] == nil {
					rd.spills[unitID][subUnitID] = make(map[string]GridRange)
				}
				rd.spills[unitID][subUnitID][origin] = rect
			}
		}
	}
	for featureID, v := range other.featureData {
		rd.featureData[featureID] = v
	}
	for unitID, unit := range other.otherFormula {
		for subUnitID, sheet := range unit {
			for formulaID, v := range sheet {
				if rd.otherFormula[unitID] == nil {
					rd.otherFormula[unitID] = make(map[string]map[string]*Value)
				}
				if rd.otherFormula[unitID][subUnitID] == nil {
					rd.otherFormula[unitID][subUnitID] = make(map[string]*Value)
				}
				rd.otherFormula[unitID][subUnitID][formulaID] = v
			}
		}
	}
}

// CellResults returns the computed cell map. The caller must treat it as
// read-only; Snapshot returns an isolated copy instead.
func (rd *RuntimeData) CellResults() map[string]map[string]map[int]map[int]*RuntimeCell {
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	return rd.cells
}

// Snapshot returns an isolated copy of the computed cell map, safe for the
// host to hold across later passes. Value pointers are shared (values are
// immutable); the map spine and RuntimeCell entries are copied.
func (rd *RuntimeData) Snapshot() map[string]map[string]map[int]map[int]*RuntimeCell {
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	out := make(map[string]map[string]map[int]map[int]*RuntimeCell, len(rd.cells))
	for unitID, unit := range rd.cells {
		outUnit := make(map[string]map[int]map[int]*RuntimeCell, len(unit))
		out[unitID] = outUnit
		for subUnitID, sheet := range unit {
			outSheet := make(map[int]map[int]*RuntimeCell, len(sheet))
			outUnit[subUnitID] = outSheet
			for row, line := range sheet {
				outLine := make(map[int]*RuntimeCell, len(line))
				outSheet[row] = outLine
				for col, cell := range line {
					copied := *cell
					outLine[col] = &copied
				}
			}
		}
	}
	return out
}
