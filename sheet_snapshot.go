package formulaengine

import "sync"

// sheetSnapshot is the engine's view of the host's literal cell data for
// one pass, organized per sheet. Reference resolution reads computed
// results from RuntimeData first and falls back here, so a single source
// answers every lookup and the two can never disagree mid-pass.
type sheetSnapshot struct {
	mu    sync.RWMutex
	cells CellData
	sizes UnitData
}

func newSheetSnapshot(cells CellData, sizes UnitData) *sheetSnapshot {
	if cells == nil {
		cells = make(CellData)
	}
	if sizes == nil {
		sizes = make(UnitData)
	}
	return &sheetSnapshot{cells: cells, sizes: sizes}
}

// Get returns the literal value of a cell, or nil for an empty cell.
func (s *sheetSnapshot) Get(unitID, subUnitID string, row, col int) *Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cells[unitID][subUnitID][row][col]
}

// Size returns the bounds of a sheet.
func (s *sheetSnapshot) Size(unitID, subUnitID string) (SheetSize, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	size, ok := s.sizes[unitID][subUnitID]
	return size, ok
}
