package duckdb

import (
	"database/sql"

	formulaengine "github.com/omnimcp/formulaengine"
)

// Aggregator answers range aggregates from loaded sheet tables. It
// implements formulaengine.CriteriaAggregator, so an engine configured
// with one routes large SUM/AVERAGE/COUNT/MIN/MAX calls and their
// SUMIF/COUNTIF/AVERAGEIF forms here instead of materializing the range.
type Aggregator struct {
	engine *Engine
}

var _ formulaengine.CriteriaAggregator = (*Aggregator)(nil)

// NewAggregator wraps an engine.
func NewAggregator(engine *Engine) *Aggregator {
	return &Aggregator{engine: engine}
}

// Aggregate computes fn over the rectangle. ok=false hands the call back
// to the interpreter: sheet not loaded, unsupported function or query
// failure all fall through rather than erroring the formula.
func (a *Aggregator) Aggregate(fn string, r formulaengine.GridRange) (*formulaengine.Value, bool) {
	info, ok := a.engine.tableFor(r.UnitID, r.SubUnitID)
	if !ok {
		return nil, false
	}
	query, args, err := compileAggregate(fn, info.TableName, r)
	if err != nil {
		return nil, false
	}
	return a.scanNumber(query, args)
}

// SumIf computes SUMIF(criteriaRange, criteria, valueRange) in SQL.
func (a *Aggregator) SumIf(criteriaRange formulaengine.GridRange, criteria string, valueRange formulaengine.GridRange) (*formulaengine.Value, bool) {
	return a.criteriaAggregate("SUMIF", criteriaRange, criteria, valueRange)
}

// CountIf computes COUNTIF(criteriaRange, criteria) in SQL.
func (a *Aggregator) CountIf(criteriaRange formulaengine.GridRange, criteria string) (*formulaengine.Value, bool) {
	return a.criteriaAggregate("COUNTIF", criteriaRange, criteria, criteriaRange)
}

// AverageIf computes AVERAGEIF(criteriaRange, criteria, valueRange) in SQL.
func (a *Aggregator) AverageIf(criteriaRange formulaengine.GridRange, criteria string, valueRange formulaengine.GridRange) (*formulaengine.Value, bool) {
	return a.criteriaAggregate("AVERAGEIF", criteriaRange, criteria, valueRange)
}

func (a *Aggregator) criteriaAggregate(fn string, criteriaRange formulaengine.GridRange, criteria string, valueRange formulaengine.GridRange) (*formulaengine.Value, bool) {
	info, ok := a.engine.tableFor(criteriaRange.UnitID, criteriaRange.SubUnitID)
	if !ok {
		return nil, false
	}
	query, args, err := compileCriteriaAggregate(fn, info.TableName, criteriaRange, criteria, valueRange)
	if err != nil {
		return nil, false
	}
	return a.scanNumber(query, args)
}

func (a *Aggregator) scanNumber(query string, args []any) (*formulaengine.Value, bool) {
	var result sql.NullFloat64
	if err := a.engine.QueryRow(query, args...).Scan(&result); err != nil {
		if err == sql.ErrNoRows {
			return formulaengine.NewNumber(0), true
		}
		return nil, false
	}
	if !result.Valid {
		// AVG/MIN/MAX over an empty range; let the interpreter decide
		// the spreadsheet semantics.
		return nil, false
	}
	return formulaengine.NewNumber(result.Float64), true
}
