package reactive

import "sync"

// ReadSetMode selects invalidation granularity.
type ReadSetMode int

const (
	// TableMode invalidates on any change to a tracked table.
	TableMode ReadSetMode = iota
	// RowMode invalidates on inserts into tracked tables and on changes to
	// tracked rows.
	RowMode
	// AdaptiveMode starts in row granularity and widens a table to full-table
	// tracking once its row set grows past the limit. Widening is one-way:
	// precision is never regained within a subscription's lifetime, which
	// keeps invalidation conservative.
	AdaptiveMode
)

// ReadSet tracks what a query execution touched. The next execution replaces
// the set; between executions, InvalidatedBy answers whether a change could
// affect the query's result. The answer may be a false positive (harmless
// re-execution) but never a false negative.
type ReadSet struct {
	mu       sync.RWMutex
	mode     ReadSetMode
	tables   map[string]struct{}
	rows     map[string]map[string]struct{} // table -> row ids; nil set means whole table
	rowLimit int
}

// NewReadSet builds a read set over the initially assumed tables.
func NewReadSet(mode ReadSetMode, rowLimit int, tables ...string) *ReadSet {
	if rowLimit <= 0 {
		rowLimit = 1024
	}
	rs := &ReadSet{
		mode:     mode,
		tables:   make(map[string]struct{}, len(tables)),
		rows:     make(map[string]map[string]struct{}),
		rowLimit: rowLimit,
	}
	for _, t := range tables {
		rs.tables[t] = struct{}{}
	}
	return rs
}

// Reset clears the set for a fresh execution. Adaptive widening survives the
// reset so a previously hot table stays in table granularity.
func (rs *ReadSet) Reset() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	widened := make(map[string]struct{})
	for table, rows := range rs.rows {
		if rows == nil {
			widened[table] = struct{}{}
		}
	}
	rs.tables = make(map[string]struct{})
	rs.rows = make(map[string]map[string]struct{})
	for table := range widened {
		rs.tables[table] = struct{}{}
		rs.rows[table] = nil
	}
}

// AddTable records that the execution read from a table.
func (rs *ReadSet) AddTable(table string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.tables[table] = struct{}{}
}

// AddRow records that the execution read one row. In table mode this only
// tracks the table; in adaptive mode crossing the row limit widens the table.
func (rs *ReadSet) AddRow(table, rowID string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.tables[table] = struct{}{}

	if rs.mode == TableMode {
		return
	}
	rows, ok := rs.rows[table]
	if ok && rows == nil {
		return // already widened
	}
	if !ok {
		rows = make(map[string]struct{})
		rs.rows[table] = rows
	}
	rows[rowID] = struct{}{}
	if rs.mode == AdaptiveMode && len(rows) > rs.rowLimit {
		rs.rows[table] = nil
	}
}

// Tables snapshots the tracked table names.
func (rs *ReadSet) Tables() []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	tables := make([]string, 0, len(rs.tables))
	for t := range rs.tables {
		tables = append(tables, t)
	}
	return tables
}

// InvalidatedBy reports whether the change could affect the tracked reads.
func (rs *ReadSet) InvalidatedBy(c Change) bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	if _, tracked := rs.tables[c.Table]; !tracked {
		return false
	}
	if rs.mode == TableMode {
		return true
	}
	rows, ok := rs.rows[c.Table]
	if !ok || rows == nil {
		// No row detail recorded (or widened): whole-table granularity.
		return true
	}
	// New rows can join any result set; a row with no id is untrackable.
	if c.Op == OpInsert || c.RowID == "" {
		return true
	}
	_, hit := rows[c.RowID]
	return hit
}
