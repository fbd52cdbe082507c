// Package dataset defines the read-only view of a tabular dataset consumed by
// state capture, plus a small in-memory Table used by scenarios and tests.
//
// The dataset's own storage, file formats and mutation API belong to the host
// application; tablewatch only reads through the Dataset interface.
package dataset

import (
	"errors"
	"fmt"
)

// Sentinel errors for Table mutations.
var (
	ErrUnknownColumn   = errors.New("unknown column")
	ErrDuplicateColumn = errors.New("duplicate column")
	ErrRowOutOfRange   = errors.New("row index out of range")
	ErrRowWidth        = errors.New("row width does not match column count")
)

// Dataset is the read contract for a table.
type Dataset interface {
	// Columns returns the column names in display order.
	Columns() []string
	// RowCount returns the number of rows.
	RowCount() int
	// Column returns the values of one column in row order, or nil if the
	// column does not exist. Callers must not modify the returned slice.
	Column(name string) []interface{}
	// Row returns the values of row i in Columns() order.
	Row(i int) []interface{}
}

// Table is a column-oriented in-memory Dataset. It is not safe for
// concurrent mutation.
type Table struct {
	columns []string
	data    map[string][]interface{}
	rows    int
}

// NewTable creates an empty table with the given columns.
func NewTable(columns ...string) (*Table, error) {
	t := &Table{data: make(map[string][]interface{}, len(columns))}
	for _, c := range columns {
		if err := t.AddColumn(c, nil); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Columns implements Dataset.
func (t *Table) Columns() []string {
	out := make([]string, len(t.columns))
	copy(out, t.columns)
	return out
}

// RowCount implements Dataset.
func (t *Table) RowCount() int { return t.rows }

// Column implements Dataset.
func (t *Table) Column(name string) []interface{} {
	return t.data[name]
}

// Row implements Dataset.
func (t *Table) Row(i int) []interface{} {
	if i < 0 || i >= t.rows {
		return nil
	}
	row := make([]interface{}, len(t.columns))
	for j, c := range t.columns {
		row[j] = t.data[c][i]
	}
	return row
}

// AddRow appends a row. values must be in column order.
func (t *Table) AddRow(values ...interface{}) error {
	if len(values) != len(t.columns) {
		return fmt.Errorf("%w: got %d values for %d columns", ErrRowWidth, len(values), len(t.columns))
	}
	for j, c := range t.columns {
		t.data[c] = append(t.data[c], values[j])
	}
	t.rows++
	return nil
}

// RemoveRow deletes row i.
func (t *Table) RemoveRow(i int) error {
	if i < 0 || i >= t.rows {
		return fmt.Errorf("%w: %d", ErrRowOutOfRange, i)
	}
	for _, c := range t.columns {
		col := t.data[c]
		t.data[c] = append(col[:i:i], col[i+1:]...)
	}
	t.rows--
	return nil
}

// Set replaces one cell.
func (t *Table) Set(row int, column string, value interface{}) error {
	col, ok := t.data[column]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownColumn, column)
	}
	if row < 0 || row >= t.rows {
		return fmt.Errorf("%w: %d", ErrRowOutOfRange, row)
	}
	col[row] = value
	return nil
}

// AddColumn appends a column, filling existing rows with fill.
func (t *Table) AddColumn(name string, fill interface{}) error {
	if _, exists := t.data[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateColumn, name)
	}
	col := make([]interface{}, t.rows)
	for i := range col {
		col[i] = fill
	}
	t.columns = append(t.columns, name)
	t.data[name] = col
	return nil
}

// DropColumn removes a column.
func (t *Table) DropColumn(name string) error {
	if _, ok := t.data[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownColumn, name)
	}
	delete(t.data, name)
	for i, c := range t.columns {
		if c == name {
			t.columns = append(t.columns[:i], t.columns[i+1:]...)
			break
		}
	}
	return nil
}
