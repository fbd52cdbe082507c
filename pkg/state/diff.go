package state

import "sort"

// ColumnSet is an unordered set of column names.
type ColumnSet map[string]struct{}

// NewColumnSet builds a set from names.
func NewColumnSet(names ...string) ColumnSet {
	s := make(ColumnSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Has reports whether name is in the set.
func (s ColumnSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Sorted returns the members in ascending order.
func (s ColumnSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// DiffResult describes what changed between two snapshots.
type DiffResult struct {
	RowCountChanged  bool
	ColumnSetChanged bool
	ChangedColumns   ColumnSet
	NewColumns       ColumnSet
	RemovedColumns   ColumnSet
}

// HasAnyChange is true if the row count, the column set or any column changed.
func (d DiffResult) HasAnyChange() bool {
	return d.RowCountChanged || d.ColumnSetChanged || len(d.ChangedColumns) > 0
}

// Touches reports whether column appears as changed, new or removed.
func (d DiffResult) Touches(column string) bool {
	return d.ChangedColumns.Has(column) || d.NewColumns.Has(column) || d.RemovedColumns.Has(column)
}

// Diff compares s against previous. A nil previous is treated as an empty
// dataset with no columns, so every column of s is new.
func (s *Snapshot) Diff(previous *Snapshot) DiffResult {
	d := DiffResult{
		ChangedColumns: ColumnSet{},
		NewColumns:     ColumnSet{},
		RemovedColumns: ColumnSet{},
	}
	if s == nil {
		return d
	}
	if previous == nil {
		d.RowCountChanged = s.rowCount != 0
		for _, c := range s.columns {
			d.NewColumns[c] = struct{}{}
		}
		d.ColumnSetChanged = len(d.NewColumns) > 0
		return d
	}

	d.RowCountChanged = s.rowCount != previous.rowCount

	for _, c := range s.columns {
		prevFP, existed := previous.fingerprints[c]
		if !existed {
			d.NewColumns[c] = struct{}{}
			continue
		}
		if !s.fingerprints[c].Equal(prevFP) {
			d.ChangedColumns[c] = struct{}{}
		}
	}
	for _, c := range previous.columns {
		if _, ok := s.fingerprints[c]; !ok {
			d.RemovedColumns[c] = struct{}{}
		}
	}
	d.ColumnSetChanged = len(d.NewColumns) > 0 || len(d.RemovedColumns) > 0
	return d
}
