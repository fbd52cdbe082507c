// Package scenario scripts the scheduler against an in-memory table.
//
// A scenario is a YAML document naming a starting table, a set of
// subscribers with their dependency declarations, and an ordered list of
// steps (mutations, submissions, schedules, clock advances). Run drives a
// scheduler on a fake clock through those steps and returns a Report;
// expectations are gjson paths checked against the report's JSON form.
package scenario

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/dshills/tablewatch/pkg/dependency"
)

//go:embed schema.json
var schemaJSON []byte

// Scenario is a parsed scenario document.
type Scenario struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description,omitempty"`
	Debounce    string       `yaml:"debounce,omitempty"`
	SampleRows  int          `yaml:"sample_rows,omitempty"`
	Table       Table        `yaml:"table"`
	Subscribers []Subscriber `yaml:"subscribers"`
	Steps       []Step       `yaml:"steps"`
	Expect      []Expect     `yaml:"expect,omitempty"`
}

// Table is the starting dataset.
type Table struct {
	Columns []string        `yaml:"columns"`
	Rows    [][]interface{} `yaml:"rows,omitempty"`
}

// Watch mirrors dependency.Spec in YAML.
type Watch struct {
	Columns   []string `yaml:"columns,omitempty"`
	RowCount  bool     `yaml:"row_count,omitempty"`
	ColumnSet bool     `yaml:"column_set,omitempty"`
	AnyChange bool     `yaml:"any_change,omitempty"`
	Condition string   `yaml:"condition,omitempty"`
}

// Spec converts w into a dependency.Spec.
func (w Watch) Spec() dependency.Spec {
	spec := dependency.WatchColumns(w.Columns...)
	spec.WatchesRowCount = w.RowCount
	spec.WatchesColumnSet = w.ColumnSet
	spec.WatchesAnyChange = w.AnyChange
	return spec.WithCondition(w.Condition)
}

// Subscriber declares one scripted subscriber.
type Subscriber struct {
	Name  string `yaml:"name"`
	Watch *Watch `yaml:"watch,omitempty"`
	// Late subscribers only get their data dependency at a register_data step.
	Late     bool   `yaml:"late,omitempty"`
	Debounce string `yaml:"debounce,omitempty"`
	// Fail makes every update return an error with this message.
	Fail  string `yaml:"fail,omitempty"`
	Panic bool   `yaml:"panic,omitempty"`
	// Passive subscribers expose no update capability at all.
	Passive   bool     `yaml:"passive,omitempty"`
	DependsOn []string `yaml:"depends_on,omitempty"`
}

// Step is one scripted action. Exactly one field is set.
type Step struct {
	Submit         bool          `yaml:"submit,omitempty"`
	Flush          bool          `yaml:"flush,omitempty"`
	Set            *SetCell      `yaml:"set,omitempty"`
	AddRow         []interface{} `yaml:"add_row,omitempty"`
	RemoveRow      *int          `yaml:"remove_row,omitempty"`
	AddColumn      *AddColumn    `yaml:"add_column,omitempty"`
	DropColumn     string        `yaml:"drop_column,omitempty"`
	Schedule       *Schedule     `yaml:"schedule,omitempty"`
	Batch          *BatchStep    `yaml:"batch,omitempty"`
	Cancel         string        `yaml:"cancel,omitempty"`
	Advance        string        `yaml:"advance,omitempty"`
	RegisterData   string        `yaml:"register_data,omitempty"`
	UnregisterData string        `yaml:"unregister_data,omitempty"`
	Unregister     string        `yaml:"unregister,omitempty"`
}

// SetCell overwrites one cell.
type SetCell struct {
	Row    int         `yaml:"row"`
	Column string      `yaml:"column"`
	Value  interface{} `yaml:"value"`
}

// AddColumn appends a column filled with Fill.
type AddColumn struct {
	Name string      `yaml:"name"`
	Fill interface{} `yaml:"fill"`
}

// Schedule schedules one subscriber directly.
type Schedule struct {
	Subscriber string `yaml:"subscriber"`
	Debounce   string `yaml:"debounce,omitempty"`
}

// BatchStep schedules several subscribers as a batch.
type BatchStep struct {
	Subscribers []string `yaml:"subscribers"`
	Debounce    string   `yaml:"debounce,omitempty"`
}

// Expect is a gjson assertion over the report JSON. With Equals set the
// value at Path must equal it; with Exists set the path must (not) resolve.
type Expect struct {
	Path   string      `yaml:"path"`
	Equals interface{} `yaml:"equals,omitempty"`
	Exists *bool       `yaml:"exists,omitempty"`
}

// CancelAll is the cancel target that stops every pending update.
const CancelAll = "*"

// Load reads and parses the scenario at path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	return Parse(data)
}

// Parse validates data against the scenario schema and decodes it.
func Parse(data []byte) (*Scenario, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := sc.check(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks scenario YAML against the embedded JSON schema.
func Validate(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty scenario")
	}

	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse YAML for validation: %w", err)
	}

	schemaLoader := gojsonschema.NewBytesLoader(schemaJSON)
	documentLoader := gojsonschema.NewGoLoader(doc)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return fmt.Errorf("schema validation failed: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// check resolves cross references the schema cannot express.
func (sc *Scenario) check() error {
	var errs []error
	names := make(map[string]bool, len(sc.Subscribers))
	for _, sub := range sc.Subscribers {
		if names[sub.Name] {
			errs = append(errs, fmt.Errorf("duplicate subscriber %q", sub.Name))
		}
		names[sub.Name] = true
		if err := checkDuration(sub.Debounce); err != nil {
			errs = append(errs, fmt.Errorf("subscriber %q: %w", sub.Name, err))
		}
		if sub.Watch != nil {
			spec := sub.Watch.Spec()
			if err := spec.Compile(); err != nil {
				errs = append(errs, fmt.Errorf("subscriber %q: %w", sub.Name, err))
			}
		}
	}
	known := func(where, name string) {
		if !names[name] {
			errs = append(errs, fmt.Errorf("%s: unknown subscriber %q", where, name))
		}
	}
	for _, sub := range sc.Subscribers {
		for _, parent := range sub.DependsOn {
			known("subscriber "+sub.Name, parent)
		}
	}
	if err := checkDuration(sc.Debounce); err != nil {
		errs = append(errs, err)
	}

	for i, st := range sc.Steps {
		where := fmt.Sprintf("step %d", i+1)
		switch {
		case st.Schedule != nil:
			known(where, st.Schedule.Subscriber)
			if err := checkDuration(st.Schedule.Debounce); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", where, err))
			}
		case st.Batch != nil:
			for _, name := range st.Batch.Subscribers {
				known(where, name)
			}
			if err := checkDuration(st.Batch.Debounce); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", where, err))
			}
		case st.Cancel != "" && st.Cancel != CancelAll:
			known(where, st.Cancel)
		case st.Advance != "":
			if err := checkDuration(st.Advance); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", where, err))
			}
		case st.RegisterData != "":
			known(where, st.RegisterData)
		case st.UnregisterData != "":
			known(where, st.UnregisterData)
		case st.Unregister != "":
			known(where, st.Unregister)
		}
	}
	return errors.Join(errs...)
}

func checkDuration(s string) error {
	_, err := parseDuration(s, 0)
	return err
}

// parseDuration parses s, returning def when s is empty.
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
