package formulaengine

import (
	"fmt"
	"strconv"
	"strings"
)

// Coordinate limits, matching the grid the engine is prepared to address.
const (
	// MaxColumns is the maximum number of columns in a sheet.
	MaxColumns = 16384
	// MaxRows is the maximum number of rows in a sheet.
	MaxRows = 1048576
)

// GridRange is a rectangular cell region inside one sheet of one unit
// (workbook). Coordinates are 1-based and inclusive at both ends.
type GridRange struct {
	UnitID    string
	SubUnitID string
	StartRow  int
	StartCol  int
	EndRow    int
	EndCol    int
}

// Token returns the serialized textual form of the range, used as a map
// key throughout the dependency cache. Re-parsing the token against the
// same sheet set yields the original range.
func (r GridRange) Token() string {
	start, _ := CoordinatesToCellName(r.StartCol, r.StartRow)
	if r.IsSingleCell() {
		return r.UnitID + "!" + r.SubUnitID + "!" + start
	}
	end, _ := CoordinatesToCellName(r.EndCol, r.EndRow)
	return r.UnitID + "!" + r.SubUnitID + "!" + start + ":" + end
}

// IsSingleCell reports whether the range covers exactly one cell.
func (r GridRange) IsSingleCell() bool {
	return r.StartRow == r.EndRow && r.StartCol == r.EndCol
}

// RowCount returns the number of rows the range spans.
func (r GridRange) RowCount() int { return r.EndRow - r.StartRow + 1 }

// ColCount returns the number of columns the range spans.
func (r GridRange) ColCount() int { return r.EndCol - r.StartCol + 1 }

// Contains reports whether the cell (row, col) on the given sheet lies
// inside the range.
func (r GridRange) Contains(unitID, subUnitID string, row, col int) bool {
	return r.UnitID == unitID && r.SubUnitID == subUnitID &&
		row >= r.StartRow && row <= r.EndRow &&
		col >= r.StartCol && col <= r.EndCol
}

// Intersects reports whether two ranges share at least one cell.
func (r GridRange) Intersects(other GridRange) bool {
	if r.UnitID != other.UnitID || r.SubUnitID != other.SubUnitID {
		return false
	}
	return r.StartRow <= other.EndRow && other.StartRow <= r.EndRow &&
		r.StartCol <= other.EndCol && other.StartCol <= r.EndCol
}

// normalize orders the corners so Start <= End on both axes.
func (r GridRange) normalize() GridRange {
	if r.StartRow > r.EndRow {
		r.StartRow, r.EndRow = r.EndRow, r.StartRow
	}
	if r.StartCol > r.EndCol {
		r.StartCol, r.EndCol = r.EndCol, r.StartCol
	}
	return r
}

// ParseRangeToken re-resolves a serialized range token produced by Token.
func ParseRangeToken(token string) (GridRange, error) {
	parts := strings.SplitN(token, "!", 3)
	if len(parts) != 3 {
		return GridRange{}, fmt.Errorf("invalid range token %q", token)
	}
	r, err := parseAreaRef(parts[2])
	if err != nil {
		return GridRange{}, err
	}
	r.UnitID, r.SubUnitID = parts[0], parts[1]
	return r, nil
}

// parseAreaRef parses "A1" or "A1:B3" (absolute markers allowed) into a
// range with empty unit/sheet identity.
func parseAreaRef(ref string) (GridRange, error) {
	var r GridRange
	var err error
	if i := strings.IndexByte(ref, ':'); i >= 0 {
		if r.StartCol, r.StartRow, err = CellNameToCoordinates(ref[:i]); err != nil {
			return r, err
		}
		if r.EndCol, r.EndRow, err = CellNameToCoordinates(ref[i+1:]); err != nil {
			return r, err
		}
		return r.normalize(), nil
	}
	if r.StartCol, r.StartRow, err = CellNameToCoordinates(ref); err != nil {
		return r, err
	}
	r.EndCol, r.EndRow = r.StartCol, r.StartRow
	return r, nil
}

// ColumnNameToNumber converts an alphabetical column name ("A", "AK") to a
// 1-based column number.
func ColumnNameToNumber(name string) (int, error) {
	if name == "" {
		return -1, fmt.Errorf("invalid column name %q", name)
	}
	col := 0
	for _, c := range name {
		switch {
		case c >= 'A' && c <= 'Z':
			col = col*26 + int(c-'A') + 1
		case c >= 'a' && c <= 'z':
			col = col*26 + int(c-'a') + 1
		default:
			return -1, fmt.Errorf("invalid column name %q", name)
		}
	}
	if col > MaxColumns {
		return -1, fmt.Errorf("column number exceeds maximum limit")
	}
	return col, nil
}

// ColumnNumberToName converts a 1-based column number to its alphabetical
// name.
func ColumnNumberToName(num int) (string, error) {
	if num < 1 || num > MaxColumns {
		return "", fmt.Errorf("invalid column number %d", num)
	}
	var col string
	for num > 0 {
		col = string(rune((num-1)%26+65)) + col
		num = (num - 1) / 26
	}
	return col, nil
}

// CellNameToCoordinates converts an A1-style cell name to 1-based
// (column, row) coordinates. Absolute markers ($) are accepted and
// ignored.
func CellNameToCoordinates(cell string) (int, int, error) {
	trimmed := strings.ReplaceAll(cell, "$", "")
	split := 0
	for split < len(trimmed) {
		c := trimmed[split]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
			split++
			continue
		}
		break
	}
	if split == 0 || split == len(trimmed) {
		return -1, -1, fmt.Errorf("invalid cell name %q", cell)
	}
	col, err := ColumnNameToNumber(trimmed[:split])
	if err != nil {
		return -1, -1, err
	}
	row, err := strconv.Atoi(trimmed[split:])
	if err != nil || row < 1 {
		return -1, -1, fmt.Errorf("invalid cell name %q", cell)
	}
	if row > MaxRows {
		return -1, -1, fmt.Errorf("row number exceeds maximum limit")
	}
	return col, row, nil
}

// CoordinatesToCellName converts 1-based (column, row) coordinates to an
// A1-style cell name.
func CoordinatesToCellName(col, row int) (string, error) {
	if col < 1 || row < 1 {
		return "", fmt.Errorf("invalid cell coordinates [%d, %d]", col, row)
	}
	name, err := ColumnNumberToName(col)
	if err != nil {
		return "", err
	}
	return name + strconv.Itoa(row), nil
}

// refPart holds one side of a parsed textual reference with its absolute
// markers, so relative-offset shifting can skip anchored parts.
type refPart struct {
	col, row           int
	absCol, absRow     bool
	wholeCol, wholeRow bool
}

// parseCellRef parses one corner of a reference ("$B$2", "C10"), keeping
// the absolute markers.
func parseCellRef(ref string) (refPart, error) {
	var p refPart
	rest := ref
	if strings.HasPrefix(rest, "$") {
		p.absCol = true
		rest = rest[1:]
	}
	split := 0
	for split < len(rest) {
		c := rest[split]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
			split++
			continue
		}
		break
	}
	colName := rest[:split]
	rest = rest[split:]
	if strings.HasPrefix(rest, "$") {
		p.absRow = true
		rest = rest[1:]
	}
	var err error
	if colName == "" {
		p.wholeRow = true
	} else if p.col, err = ColumnNameToNumber(colName); err != nil {
		return p, err
	}
	if rest == "" {
		p.wholeCol = true
	} else if p.row, err = strconv.Atoi(rest); err != nil || p.row < 1 {
		return p, fmt.Errorf("invalid reference %q", ref)
	}
	if p.wholeCol && p.wholeRow {
		return p, fmt.Errorf("invalid reference %q", ref)
	}
	return p, nil
}

// splitSheetRef splits "Sheet2!A1" or "[Book2]Sheet2!A1" into unit, sheet
// and the bare area text. Sheet names may be quoted with single quotes.
func splitSheetRef(ref string) (unitID, subUnitID, area string) {
	area = ref
	if i := strings.LastIndexByte(ref, '!'); i >= 0 {
		prefix, rest := ref[:i], ref[i+1:]
		if strings.HasPrefix(prefix, "[") {
			if j := strings.IndexByte(prefix, ']'); j > 0 {
				unitID = prefix[1:j]
				prefix = prefix[j+1:]
			}
		}
		subUnitID = strings.Trim(prefix, "'")
		area = rest
	}
	return unitID, subUnitID, area
}

// resolveReference turns a textual reference into a GridRange anchored at
// the cursor's unit/sheet when the text carries no explicit identity.
func resolveReference(ref string, cur Cursor) (GridRange, bool) {
	unitID, subUnitID, area := splitSheetRef(ref)
	if unitID == "" {
		unitID = cur.UnitID
	}
	if subUnitID == "" {
		subUnitID = cur.SubUnitID
	}

	var startText, endText string
	if i := strings.IndexByte(area, ':'); i >= 0 {
		startText, endText = area[:i], area[i+1:]
	} else {
		startText, endText = area, area
	}
	start, err := parseCellRef(startText)
	if err != nil {
		return GridRange{}, false
	}
	end, err := parseCellRef(endText)
	if err != nil {
		return GridRange{}, false
	}
	// Whole-column (A:A) and whole-row (1:1) references stretch to the
	// grid limits; the sheet-size clamp happens at materialization time.
	if start.wholeCol {
		start.row, end.row = 1, MaxRows
		end.wholeCol = false
	}
	if start.wholeRow {
		start.col, end.col = 1, MaxColumns
		end.wholeRow = false
	}
	if start.col < 1 || start.row < 1 || end.col < 1 || end.row < 1 {
		return GridRange{}, false
	}

	r := GridRange{
		UnitID:    unitID,
		SubUnitID: subUnitID,
		StartRow:  start.row,
		StartCol:  start.col,
		EndRow:    end.row,
		EndCol:    end.col,
	}
	return r.normalize(), true
}

// shiftReferenceText shifts the relative parts of a textual reference by
// (dx, dy), leaving $-anchored columns and rows in place. It is applied at
// AST build time when a cached formula text is reused at a different anchor
// cell (array-fill reuse). References pushed off the grid collapse to a
// #REF! marker.
func shiftReferenceText(ref string, dx, dy int) string {
	if dx == 0 && dy == 0 {
		return ""
	}
	unitID, subUnitID, area := splitSheetRef(ref)

	shiftOne := func(text string) (string, bool) {
		p, err := parseCellRef(text)
		if err != nil {
			return "", false
		}
		if !p.wholeRow && !p.absCol {
			p.col += dx
		}
		if !p.wholeCol && !p.absRow {
			p.row += dy
		}
		if (!p.wholeRow && p.col < 1) || (!p.wholeCol && p.row < 1) {
			return "", false
		}
		var out strings.Builder
		if !p.wholeRow {
			if p.absCol {
				out.WriteByte('$')
			}
			name, err := ColumnNumberToName(p.col)
			if err != nil {
				return "", false
			}
			out.WriteString(name)
		}
		if !p.wholeCol {
			if p.absRow {
				out.WriteByte('$')
			}
			out.WriteString(strconv.Itoa(p.row))
		}
		return out.String(), true
	}

	var shifted string
	if i := strings.IndexByte(area, ':'); i >= 0 {
		s, ok1 := shiftOne(area[:i])
		e, ok2 := shiftOne(area[i+1:])
		if !ok1 || !ok2 {
			return string(ErrorREF)
		}
		shifted = s + ":" + e
	} else {
		s, ok := shiftOne(area)
		if !ok {
			return string(ErrorREF)
		}
		shifted = s
	}

	prefix := ""
	if unitID != "" {
		prefix = "[" + unitID + "]"
	}
	if subUnitID != "" {
		prefix += quoteSheetName(subUnitID) + "!"
	} else if unitID != "" {
		prefix += "!"
	}
	return prefix + shifted
}

// quoteSheetName wraps a sheet name in single quotes when it contains
// characters that would break re-parsing.
func quoteSheetName(name string) string {
	if strings.ContainsAny(name, " !'") {
		return "'" + strings.ReplaceAll(name, "'", "''") + "'"
	}
	return name
}
