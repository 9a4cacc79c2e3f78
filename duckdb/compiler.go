package duckdb

import (
	"fmt"
	"strconv"
	"strings"

	formulaengine "github.com/omnimcp/formulaengine"
)

// aggregateSQL maps supported aggregate names to their SQL expression over
// the num column.
var aggregateSQL = map[string]string{
	"SUM":     "COALESCE(SUM(num), 0)",
	"AVERAGE": "AVG(num)",
	"COUNT":   "COUNT(num)",
	"MIN":     "MIN(num)",
	"MAX":     "MAX(num)",
}

// SupportsAggregate reports whether a function can be answered by the
// accelerator.
func SupportsAggregate(fn string) bool {
	_, ok := aggregateSQL[strings.ToUpper(fn)]
	return ok
}

// compileAggregate builds the SQL for a plain aggregate over a rectangle.
func compileAggregate(fn string, table string, r formulaengine.GridRange) (string, []any, error) {
	expr, ok := aggregateSQL[strings.ToUpper(fn)]
	if !ok {
		return "", nil, fmt.Errorf("unsupported aggregate: %s", fn)
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE row_num BETWEEN ? AND ? AND col_num BETWEEN ? AND ?",
		expr, table,
	)
	return query, []any{r.StartRow, r.EndRow, r.StartCol, r.EndCol}, nil
}

// criteria is one parsed SUMIF/COUNTIF condition.
type criteria struct {
	op      string
	num     float64
	txt     string
	numeric bool
}

// parseCriteria splits an Excel criteria string like ">=10", "<>x" or
// "apple" into an operator and a comparison value. A bare value means
// equality.
func parseCriteria(raw string) criteria {
	ops := []string{">=", "<=", "<>", ">", "<", "="}
	op := "="
	rest := raw
	for _, candidate := range ops {
		if strings.HasPrefix(raw, candidate) {
			op = candidate
			rest = raw[len(candidate):]
			break
		}
	}
	if op == "<>" {
		op = "!="
	}
	if f, err := strconv.ParseFloat(rest, 64); err == nil {
		return criteria{op: op, num: f, numeric: true}
	}
	return criteria{op: op, txt: rest}
}

// sqlCondition renders the criteria as a WHERE fragment over the aliased
// criteria column, appending its bind values to args.
func (c criteria) sqlCondition(alias string, args *[]any) string {
	if c.numeric {
		*args = append(*args, c.num)
		return fmt.Sprintf("%s.num %s ?", alias, c.op)
	}
	*args = append(*args, c.txt)
	switch c.op {
	case "=":
		return fmt.Sprintf("lower(%s.txt) = lower(?)", alias)
	case "!=":
		// Non-text cells carry a NULL txt and still count as "not equal".
		return fmt.Sprintf("(%s.txt IS NULL OR lower(%s.txt) != lower(?))", alias, alias)
	}
	return fmt.Sprintf("%s.txt %s ?", alias, c.op)
}

// compileCriteriaAggregate builds the SQL for SUMIF/COUNTIF/AVERAGEIF: the
// criteria range and the value range are joined positionally by row offset,
// so the nth cell of the value range pairs with the nth criteria cell.
func compileCriteriaAggregate(fn, table string, criteriaRange formulaengine.GridRange, rawCriteria string, valueRange formulaengine.GridRange) (string, []any, error) {
	var expr string
	switch strings.ToUpper(fn) {
	case "SUMIF":
		expr = "COALESCE(SUM(v.num), 0)"
	case "AVERAGEIF":
		expr = "AVG(v.num)"
	case "COUNTIF":
		expr = "COUNT(*)"
	default:
		return "", nil, fmt.Errorf("unsupported criteria aggregate: %s", fn)
	}

	c := parseCriteria(rawCriteria)
	var condArgs []any
	cond := c.sqlCondition("c", &condArgs)

	if strings.ToUpper(fn) == "COUNTIF" {
		query := fmt.Sprintf(
			"SELECT %s FROM %s c WHERE c.row_num BETWEEN ? AND ? AND c.col_num BETWEEN ? AND ? AND %s",
			expr, table, cond,
		)
		args := []any{
			criteriaRange.StartRow, criteriaRange.EndRow,
			criteriaRange.StartCol, criteriaRange.EndCol,
		}
		args = append(args, condArgs...)
		return query, args, nil
	}

	rowShift := valueRange.StartRow - criteriaRange.StartRow
	colShift := valueRange.StartCol - criteriaRange.StartCol
	query := fmt.Sprintf(
		"SELECT %s FROM %s c JOIN %s v ON v.row_num = c.row_num + ? AND v.col_num = c.col_num + ? "+
			"WHERE c.row_num BETWEEN ? AND ? AND c.col_num BETWEEN ? AND ? AND %s",
		expr, table, table, cond,
	)
	ordered := []any{
		rowShift, colShift,
		criteriaRange.StartRow, criteriaRange.EndRow,
		criteriaRange.StartCol, criteriaRange.EndCol,
	}
	ordered = append(ordered, condArgs...)
	return query, ordered, nil
}
