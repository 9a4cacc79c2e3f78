// Package duckdb provides a DuckDB-backed range aggregation accelerator
// for the formula engine. Sheet data is loaded into in-memory tables in
// long form (row, column, numeric value, text value), which turns range
// aggregates and criteria aggregates into single SQL queries instead of
// cell-by-cell evaluation.
package duckdb

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	formulaengine "github.com/omnimcp/formulaengine"
)

// Engine wraps an in-memory DuckDB database holding loaded sheets.
type Engine struct {
	db     *sql.DB
	mu     sync.RWMutex
	tables map[string]*TableInfo
}

// TableInfo stores metadata about a loaded sheet.
type TableInfo struct {
	TableName string
	UnitID    string
	SubUnitID string
	CellCount int
}

// Config holds configuration options for the DuckDB engine.
type Config struct {
	// MemoryLimit sets the maximum memory DuckDB can use (e.g. "4GB").
	MemoryLimit string
	// Threads sets the number of threads DuckDB should use (0 = auto).
	Threads int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{MemoryLimit: "4GB"}
}

// NewEngine creates an engine with default configuration.
func NewEngine() (*Engine, error) {
	return NewEngineWithConfig(DefaultConfig())
}

// NewEngineWithConfig creates an engine with custom configuration.
func NewEngineWithConfig(cfg *Config) (*Engine, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB: %w", err)
	}
	e := &Engine{db: db, tables: make(map[string]*TableInfo)}
	if err := e.applyConfig(cfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply config: %w", err)
	}
	return e, nil
}

func (e *Engine) applyConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	if cfg.MemoryLimit != "" {
		if _, err := e.db.Exec(fmt.Sprintf("SET memory_limit = '%s'", cfg.MemoryLimit)); err != nil {
			return fmt.Errorf("failed to set memory_limit: %w", err)
		}
	}
	if cfg.Threads > 0 {
		if _, err := e.db.Exec(fmt.Sprintf("SET threads = %d", cfg.Threads)); err != nil {
			return fmt.Errorf("failed to set threads: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database.
func (e *Engine) Close() error {
	return e.db.Close()
}

// sheetKey identifies a loaded sheet.
func sheetKey(unitID, subUnitID string) string {
	return unitID + "!" + subUnitID
}

// sanitizeTableName turns a sheet key into a valid SQL identifier.
func sanitizeTableName(key string) string {
	var b strings.Builder
	b.WriteString("sheet_")
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// LoadSheet loads one sheet's cells into a table. Numeric cells populate
// the num column, strings the txt column; booleans load as 1/0. Other
// kinds are skipped. Loading the same sheet again replaces the table.
func (e *Engine) LoadSheet(unitID, subUnitID string, cells map[int]map[int]*formulaengine.Value) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := sheetKey(unitID, subUnitID)
	tableName := sanitizeTableName(key)

	createSQL := fmt.Sprintf(
		"CREATE OR REPLACE TABLE %s (row_num INTEGER, col_num INTEGER, num DOUBLE, txt VARCHAR)",
		tableName,
	)
	if _, err := e.db.Exec(createSQL); err != nil {
		return fmt.Errorf("failed to create table %s: %w", tableName, err)
	}

	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin load transaction: %w", err)
	}
	stmt, err := tx.Prepare(fmt.Sprintf("INSERT INTO %s VALUES (?, ?, ?, ?)", tableName))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}

	cellCount := 0
	for row, line := range cells {
		for col, v := range line {
			if v == nil {
				continue
			}
			var num sql.NullFloat64
			var txt sql.NullString
			switch v.Kind() {
			case formulaengine.KindNumber:
				if f, ok := v.Float64(); ok {
					num = sql.NullFloat64{Float64: f, Valid: true}
				}
			case formulaengine.KindString:
				txt = sql.NullString{String: v.Text(), Valid: true}
			case formulaengine.KindBoolean:
				f := 0.0
				if v.Boolean() {
					f = 1.0
				}
				num = sql.NullFloat64{Float64: f, Valid: true}
			default:
				continue
			}
			if _, err := stmt.Exec(row, col, num, txt); err != nil {
				stmt.Close()
				tx.Rollback()
				return fmt.Errorf("failed to insert cell (%d,%d): %w", row, col, err)
			}
			cellCount++
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit load: %w", err)
	}

	e.tables[key] = &TableInfo{
		TableName: tableName,
		UnitID:    unitID,
		SubUnitID: subUnitID,
		CellCount: cellCount,
	}
	return nil
}

// DropSheet removes a loaded sheet's table.
func (e *Engine) DropSheet(unitID, subUnitID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := sheetKey(unitID, subUnitID)
	info, ok := e.tables[key]
	if !ok {
		return nil
	}
	if _, err := e.db.Exec("DROP TABLE IF EXISTS " + info.TableName); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", info.TableName, err)
	}
	delete(e.tables, key)
	return nil
}

// tableFor returns the table info for a sheet, ok=false when not loaded.
func (e *Engine) tableFor(unitID, subUnitID string) (*TableInfo, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	info, ok := e.tables[sheetKey(unitID, subUnitID)]
	return info, ok
}

// QueryRow runs a single-row query against the database.
func (e *Engine) QueryRow(query string, args ...any) *sql.Row {
	return e.db.QueryRow(query, args...)
}
