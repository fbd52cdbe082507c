// Package dependency declares which slice of state changes a subscriber cares
// about and decides, for a given diff, whether it must update.
package dependency

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dshills/tablewatch/pkg/state"
)

// Spec is a subscriber's declared interest in state changes. A zero Spec
// never matches: such subscribers must be scheduled directly.
//
// Condition is an optional boolean expression evaluated against the diff
// environment (see Env). It is only consulted when none of the flags or
// watched columns matched. Call Compile before sharing a Spec across
// goroutines so evaluation does not recompile on every diff.
type Spec struct {
	WatchedColumns   state.ColumnSet
	WatchesRowCount  bool
	WatchesColumnSet bool
	WatchesAnyChange bool
	Condition        string

	program *vm.Program
}

// WatchColumns returns a Spec that reacts to the named columns.
func WatchColumns(columns ...string) Spec {
	return Spec{WatchedColumns: state.NewColumnSet(columns...)}
}

// WatchAnyChange returns a Spec that reacts to any detected change.
func WatchAnyChange() Spec {
	return Spec{WatchesAnyChange: true}
}

// WatchRowCount returns a Spec that reacts to row insertions and deletions.
func WatchRowCount() Spec {
	return Spec{WatchesRowCount: true}
}

// WatchColumnSet returns a Spec that reacts to added or removed columns.
func WatchColumnSet() Spec {
	return Spec{WatchesColumnSet: true}
}

// WithCondition returns a copy of s carrying the given expression.
func (s Spec) WithCondition(condition string) Spec {
	s.Condition = condition
	s.program = nil
	return s
}

// IsPassive reports whether the Spec can never match a diff.
func (s Spec) IsPassive() bool {
	return !s.WatchesAnyChange && !s.WatchesRowCount && !s.WatchesColumnSet &&
		len(s.WatchedColumns) == 0 && s.Condition == ""
}

// Compile validates and caches Condition. It is a no-op without one.
func (s *Spec) Compile() error {
	if s.Condition == "" {
		s.program = nil
		return nil
	}
	program, err := compile(s.Condition)
	if err != nil {
		return err
	}
	s.program = program
	return nil
}

// ShouldUpdate evaluates, in order and short-circuiting on the first match:
// any-change, row count, column set, watched columns, condition. A condition
// that fails to evaluate counts as a match.
func (s Spec) ShouldUpdate(diff state.DiffResult) bool {
	match, _ := s.Evaluate(diff)
	return match
}

// Evaluate is ShouldUpdate with the condition error exposed for logging.
// When err is non-nil match is true.
func (s Spec) Evaluate(diff state.DiffResult) (match bool, err error) {
	if s.WatchesAnyChange && diff.HasAnyChange() {
		return true, nil
	}
	if s.WatchesRowCount && diff.RowCountChanged {
		return true, nil
	}
	if s.WatchesColumnSet && diff.ColumnSetChanged {
		return true, nil
	}
	for column := range s.WatchedColumns {
		if diff.Touches(column) {
			return true, nil
		}
	}
	if s.Condition == "" {
		return false, nil
	}

	program := s.program
	if program == nil {
		if program, err = compile(s.Condition); err != nil {
			return true, err
		}
	}
	out, err := expr.Run(program, Env(diff))
	if err != nil {
		return true, fmt.Errorf("evaluating condition %q: %w", s.Condition, err)
	}
	b, ok := out.(bool)
	if !ok {
		return true, fmt.Errorf("condition %q returned %T, not bool", s.Condition, out)
	}
	return b, nil
}

// Env exposes a diff to condition expressions.
func Env(diff state.DiffResult) map[string]interface{} {
	return map[string]interface{}{
		"row_count_changed":  diff.RowCountChanged,
		"column_set_changed": diff.ColumnSetChanged,
		"has_any_change":     diff.HasAnyChange(),
		"changed_columns":    diff.ChangedColumns.Sorted(),
		"new_columns":        diff.NewColumns.Sorted(),
		"removed_columns":    diff.RemovedColumns.Sorted(),
	}
}

func compile(condition string) (*vm.Program, error) {
	program, err := expr.Compile(condition, expr.Env(Env(state.DiffResult{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid condition %q: %w", condition, err)
	}
	return program, nil
}
