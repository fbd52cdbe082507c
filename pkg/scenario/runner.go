package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dshills/tablewatch/pkg/clock"
	"github.com/dshills/tablewatch/pkg/component"
	"github.com/dshills/tablewatch/pkg/dataset"
	"github.com/dshills/tablewatch/pkg/domain/types"
	twerrors "github.com/dshills/tablewatch/pkg/errors"
	"github.com/dshills/tablewatch/pkg/scheduler"
	"github.com/dshills/tablewatch/pkg/state"
)

// DefaultEventBuffer holds every event a typical step can emit. Events past
// it are dropped and counted in Stats.DroppedEvents.
const DefaultEventBuffer = 4096

// RunOptions configures Run. Values set in the scenario itself win.
type RunOptions struct {
	Logger          *slog.Logger
	DefaultDebounce time.Duration
	SampleRows      int
	EventBuffer     int
	// OnEvent sees every scheduler event in emission order.
	OnEvent func(scheduler.Event)
}

func (o *RunOptions) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.DefaultDebounce <= 0 {
		o.DefaultDebounce = scheduler.DefaultDebounce
	}
	if o.SampleRows <= 0 {
		o.SampleRows = state.DefaultSampleRows
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
}

// Report is the observable outcome of a run.
type Report struct {
	Name string `json:"name"`
	// Fires counts Update calls per subscriber, failed ones included.
	Fires map[string]int `json:"fires"`
	// Applied counts updates that carried content the subscriber had not
	// applied yet.
	Applied      map[string]int      `json:"applied"`
	Failures     map[string]int      `json:"failures"`
	Pending      []string            `json:"pending"`
	Events       []EventRecord       `json:"events"`
	Stats        scheduler.Stats     `json:"stats"`
	Final        SnapshotInfo        `json:"final"`
	ElapsedMS    float64             `json:"elapsed_ms"`
	Expectations []ExpectationResult `json:"expectations,omitempty"`
}

// EventRecord is a scheduler event with run-relative, deterministic fields.
type EventRecord struct {
	Type       string  `json:"type"`
	Subscriber string  `json:"subscriber,omitempty"`
	Batch      string  `json:"batch,omitempty"`
	AtMS       float64 `json:"at_ms"`
	Error      string  `json:"error,omitempty"`
}

// SnapshotInfo summarizes the last submitted snapshot.
type SnapshotInfo struct {
	Rows    int      `json:"rows"`
	Columns []string `json:"columns"`
	Hash    string   `json:"hash"`
}

// Passed reports whether every expectation held.
func (r *Report) Passed() bool {
	for _, e := range r.Expectations {
		if !e.Passed {
			return false
		}
	}
	return true
}

// recorder is the scripted subscriber used for every non-passive entry.
type recorder struct {
	component.Base

	name  string
	now   func() time.Time
	fail  string
	panic bool

	mu      sync.Mutex
	fires   int
	applied int
}

func (r *recorder) Update(_ context.Context, snap *state.Snapshot) error {
	r.mu.Lock()
	r.fires++
	r.mu.Unlock()

	if r.panic {
		panic(fmt.Sprintf("%s: scripted panic", r.name))
	}
	if r.fail != "" {
		return fmt.Errorf("%s", r.fail)
	}
	if r.ShouldApply(snap) {
		r.MarkApplied(snap, r.now())
		r.mu.Lock()
		r.applied++
		r.mu.Unlock()
	}
	return nil
}

// passive has no update capability.
type passive struct{ name string }

type run struct {
	sc       *Scenario
	opts     RunOptions
	debounce time.Duration
	clock    *clock.Fake
	start    time.Time
	table    *dataset.Table
	sched    *scheduler.Scheduler
	events   <-chan scheduler.Event
	handles  map[string]scheduler.Handle
	subs     map[string]*Subscriber
	recs     map[string]*recorder
	batches  map[types.BatchID]string
	report   *Report
}

// Run executes sc and evaluates its expectations. The returned error covers
// malformed steps only; failed expectations are reported in the Report.
func Run(sc *Scenario, opts RunOptions) (*Report, error) {
	opts.defaults()
	debounce, err := parseDuration(sc.Debounce, opts.DefaultDebounce)
	if err != nil {
		return nil, err
	}
	if sc.SampleRows > 0 {
		opts.SampleRows = sc.SampleRows
	}

	start := time.Unix(0, 0).UTC()
	r := &run{
		sc:       sc,
		opts:     opts,
		debounce: debounce,
		clock:    clock.NewFake(start),
		start:    start,
		handles:  make(map[string]scheduler.Handle),
		subs:     make(map[string]*Subscriber),
		recs:     make(map[string]*recorder),
		batches:  make(map[types.BatchID]string),
		report:   &Report{
			Name:     sc.Name,
			Fires:    make(map[string]int),
			Applied:  make(map[string]int),
			Failures: make(map[string]int),
			Pending:  []string{},
			Events:   []EventRecord{},
		},
	}
	r.sched = scheduler.New(scheduler.Options{
		Clock:           r.clock,
		Logger:          opts.Logger,
		DefaultDebounce: debounce,
		EventBuffer:     opts.EventBuffer,
	})
	defer r.sched.Close()
	r.events = r.sched.Subscribe()

	if err := r.setup(); err != nil {
		return nil, twerrors.NewOperationalError("setup", "", err)
	}
	for i, st := range sc.Steps {
		if err := r.step(st); err != nil {
			return nil, twerrors.NewOperationalErrorWithAttrs(fmt.Sprintf("step %d", i+1), st.subscriber(), err,
				map[string]interface{}{"scenario": sc.Name})
		}
		r.drain()
	}
	return r.finish()
}

func (r *run) setup() error {
	tbl, err := dataset.NewTable(r.sc.Table.Columns...)
	if err != nil {
		return fmt.Errorf("table: %w", err)
	}
	for i, row := range r.sc.Table.Rows {
		if err := tbl.AddRow(row...); err != nil {
			return fmt.Errorf("table row %d: %w", i+1, err)
		}
	}
	r.table = tbl

	for i := range r.sc.Subscribers {
		sub := &r.sc.Subscribers[i]
		var opts []scheduler.RegisterOption
		opts = append(opts, scheduler.WithName(sub.Name))
		if sub.Debounce != "" {
			d, err := parseDuration(sub.Debounce, 0)
			if err != nil {
				return err
			}
			opts = append(opts, scheduler.WithDebounce(d))
		}

		var target interface{}
		if sub.Passive {
			target = &passive{name: sub.Name}
		} else {
			rec := &recorder{name: sub.Name, now: r.clock.Now, fail: sub.Fail, panic: sub.Panic}
			r.recs[sub.Name] = rec
			target = rec
		}
		h, err := r.sched.Register(target, opts...)
		if err != nil {
			return err
		}
		r.handles[sub.Name] = h
		r.subs[sub.Name] = sub
	}

	for _, sub := range r.sc.Subscribers {
		for _, parent := range sub.DependsOn {
			if err := r.sched.RegisterDependency(r.handles[parent], r.handles[sub.Name]); err != nil {
				return err
			}
		}
		if sub.Watch != nil && !sub.Late {
			if err := r.sched.RegisterDataDependency(r.handles[sub.Name], sub.Watch.Spec()); err != nil {
				return err
			}
		}
	}
	r.drain()
	return nil
}

func (r *run) step(st Step) error {
	switch {
	case st.Submit:
		r.sched.SubmitState(state.Capture(r.table,
			state.WithSampleRows(r.opts.SampleRows),
			state.WithCaptureTime(r.clock.Now)))
	case st.Flush:
		r.sched.ProcessPendingUpdates()
	case st.Set != nil:
		return r.table.Set(st.Set.Row, st.Set.Column, st.Set.Value)
	case st.AddRow != nil:
		return r.table.AddRow(st.AddRow...)
	case st.RemoveRow != nil:
		return r.table.RemoveRow(*st.RemoveRow)
	case st.AddColumn != nil:
		return r.table.AddColumn(st.AddColumn.Name, st.AddColumn.Fill)
	case st.DropColumn != "":
		return r.table.DropColumn(st.DropColumn)
	case st.Schedule != nil:
		d, err := parseDuration(st.Schedule.Debounce, r.debounceOf(st.Schedule.Subscriber))
		if err != nil {
			return err
		}
		return r.sched.ScheduleUpdate(r.handles[st.Schedule.Subscriber], d)
	case st.Batch != nil:
		d, err := parseDuration(st.Batch.Debounce, r.debounce)
		if err != nil {
			return err
		}
		handles := make([]scheduler.Handle, 0, len(st.Batch.Subscribers))
		for _, name := range st.Batch.Subscribers {
			handles = append(handles, r.handles[name])
		}
		_, err = r.sched.ScheduleBatchUpdate(handles, d)
		return err
	case st.Cancel == CancelAll:
		r.sched.CancelUpdates()
	case st.Cancel != "":
		r.sched.CancelComponentUpdate(r.handles[st.Cancel])
	case st.Advance != "":
		d, err := parseDuration(st.Advance, 0)
		if err != nil {
			return err
		}
		r.clock.Advance(d)
	case st.RegisterData != "":
		sub := r.subs[st.RegisterData]
		if sub.Watch == nil {
			return fmt.Errorf("subscriber %q declares no watch", sub.Name)
		}
		return r.sched.RegisterDataDependency(r.handles[sub.Name], sub.Watch.Spec())
	case st.UnregisterData != "":
		return r.sched.UnregisterDataDependency(r.handles[st.UnregisterData])
	case st.Unregister != "":
		return r.sched.Unregister(r.handles[st.Unregister])
	default:
		return fmt.Errorf("empty step")
	}
	return nil
}

// subscriber returns the single subscriber st refers to, if any.
func (st Step) subscriber() string {
	switch {
	case st.Schedule != nil:
		return st.Schedule.Subscriber
	case st.Cancel != "" && st.Cancel != CancelAll:
		return st.Cancel
	case st.RegisterData != "":
		return st.RegisterData
	case st.UnregisterData != "":
		return st.UnregisterData
	case st.Unregister != "":
		return st.Unregister
	}
	return ""
}

func (r *run) debounceOf(name string) time.Duration {
	if sub := r.subs[name]; sub != nil && sub.Debounce != "" {
		if d, err := parseDuration(sub.Debounce, 0); err == nil {
			return d
		}
	}
	return r.debounce
}

// drain moves every queued event into the report.
func (r *run) drain() {
	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			r.record(ev)
		default:
			return
		}
	}
}

func (r *run) record(ev scheduler.Event) {
	if r.opts.OnEvent != nil {
		r.opts.OnEvent(ev)
	}
	rec := EventRecord{
		Type:       string(ev.Type),
		Subscriber: ev.Name,
		AtMS:       float64(ev.Timestamp.Sub(r.start)) / float64(time.Millisecond),
	}
	if !ev.BatchID.IsZero() {
		label, ok := r.batches[ev.BatchID]
		if !ok {
			label = fmt.Sprintf("batch-%d", len(r.batches)+1)
			r.batches[ev.BatchID] = label
		}
		rec.Batch = label
	}
	if ev.Error != nil {
		rec.Error = ev.Error.Error()
	}
	if ev.Type == scheduler.EventUpdateFailed {
		r.report.Failures[ev.Name]++
	}
	r.report.Events = append(r.report.Events, rec)
}

func (r *run) finish() (*Report, error) {
	rep := r.report
	for _, sub := range r.sc.Subscribers {
		if r.sched.IsPending(r.handles[sub.Name]) {
			rep.Pending = append(rep.Pending, sub.Name)
		}
		if rec, ok := r.recs[sub.Name]; ok {
			rec.mu.Lock()
			rep.Fires[sub.Name] = rec.fires
			rep.Applied[sub.Name] = rec.applied
			rec.mu.Unlock()
		} else {
			rep.Fires[sub.Name] = 0
			rep.Applied[sub.Name] = 0
		}
		if _, ok := rep.Failures[sub.Name]; !ok {
			rep.Failures[sub.Name] = 0
		}
	}
	rep.Stats = r.sched.Stats()
	if snap := r.sched.CurrentState(); snap != nil {
		rep.Final = SnapshotInfo{Rows: snap.RowCount(), Columns: snap.Columns(), Hash: snap.ContentHash()}
	}
	rep.ElapsedMS = float64(r.clock.Now().Sub(r.start)) / float64(time.Millisecond)

	doc, err := json.Marshal(rep)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	rep.Expectations = Check(doc, r.sc.Expect)
	return rep, nil
}
