// Package dataset holds the in-memory tabular representation every data
// adapter converges to.
package dataset

import (
	"errors"
	"fmt"
	"sort"
)

// ErrColumnNotFound is returned for operations on an absent column.
var ErrColumnNotFound = errors.New("column not found")

// Table is a column-oriented frame with a fixed column order.
type Table struct {
	columns []string
	data    map[string][]any
	rows    int
}

// NewTable builds a table from row-major values.
func NewTable(columns []string, rows [][]any) (*Table, error) {
	t := &Table{columns: make([]string, 0, len(columns)), data: make(map[string][]any, len(columns)), rows: len(rows)}
	for _, c := range columns {
		if _, dup := t.data[c]; dup {
			return nil, fmt.Errorf("duplicate column %q", c)
		}
		t.columns = append(t.columns, c)
		t.data[c] = make([]any, len(rows))
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), len(columns))
		}
		for j, c := range columns {
			t.data[c][i] = row[j]
		}
	}
	return t, nil
}

// FromColumns builds a table from column-major values. order fixes the column
// order; when empty the map keys are used in sorted order.
func FromColumns(order []string, columns map[string][]any) (*Table, error) {
	if len(order) == 0 {
		order = sortedKeys(columns)
	}
	t := &Table{columns: make([]string, 0, len(order)), data: make(map[string][]any, len(order)), rows: -1}
	for _, c := range order {
		values, ok := columns[c]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, c)
		}
		if t.rows >= 0 && len(values) != t.rows {
			return nil, fmt.Errorf("column %q has %d rows, want %d", c, len(values), t.rows)
		}
		t.rows = len(values)
		t.columns = append(t.columns, c)
		t.data[c] = append([]any(nil), values...)
	}
	if t.rows < 0 {
		t.rows = 0
	}
	return t, nil
}

// Columns returns the column names in order.
func (t *Table) Columns() []string {
	return append([]string(nil), t.columns...)
}

// Rows returns the row count.
func (t *Table) Rows() int {
	return t.rows
}

// Shape returns (rows, columns).
func (t *Table) Shape() (int, int) {
	return t.rows, len(t.columns)
}

// HasColumn reports whether name exists.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.data[name]
	return ok
}

// Column returns a copy of the named column.
func (t *Table) Column(name string) ([]any, bool) {
	values, ok := t.data[name]
	if !ok {
		return nil, false
	}
	return append([]any(nil), values...), true
}

// Row returns the i-th row in column order.
func (t *Table) Row(i int) []any {
	row := make([]any, len(t.columns))
	for j, c := range t.columns {
		row[j] = t.data[c][i]
	}
	return row
}

// Records returns every row in column order.
func (t *Table) Records() [][]any {
	out := make([][]any, t.rows)
	for i := range out {
		out[i] = t.Row(i)
	}
	return out
}

// Drop removes name in place.
func (t *Table) Drop(name string) error {
	if !t.HasColumn(name) {
		return fmt.Errorf("%w: %s", ErrColumnNotFound, name)
	}
	delete(t.data, name)
	kept := t.columns[:0]
	for _, c := range t.columns {
		if c != name {
			kept = append(kept, c)
		}
	}
	t.columns = kept
	return nil
}

// KeepOnly drops every column except names, preserving the order of names.
func (t *Table) KeepOnly(names ...string) error {
	data := make(map[string][]any, len(names))
	for _, n := range names {
		values, ok := t.data[n]
		if !ok {
			return fmt.Errorf("%w: %s", ErrColumnNotFound, n)
		}
		data[n] = values
	}
	t.columns = append([]string(nil), names...)
	t.data = data
	return nil
}

// Clone returns a deep copy of the column slices.
func (t *Table) Clone() *Table {
	cp := &Table{columns: t.Columns(), data: make(map[string][]any, len(t.data)), rows: t.rows}
	for c, values := range t.data {
		cp.data[c] = append([]any(nil), values...)
	}
	return cp
}

// ToMapping returns column name to values.
func (t *Table) ToMapping() map[string][]any {
	out := make(map[string][]any, len(t.data))
	for c, values := range t.data {
		out[c] = append([]any(nil), values...)
	}
	return out
}

// Concat appends the rows of other. Both tables must have the same columns.
func (t *Table) Concat(other *Table) error {
	if len(other.columns) != len(t.columns) {
		return fmt.Errorf("cannot concat %d columns onto %d", len(other.columns), len(t.columns))
	}
	for _, c := range t.columns {
		if !other.HasColumn(c) {
			return fmt.Errorf("%w: %s", ErrColumnNotFound, c)
		}
	}
	for _, c := range t.columns {
		t.data[c] = append(t.data[c], other.data[c]...)
	}
	t.rows += other.rows
	return nil
}

func sortedKeys(m map[string][]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
