// Package scheduler decides which subscribers must refresh after a dataset
// mutation and when.
//
// A Scheduler owns the subscriber registry, the single shared previous
// snapshot, the debounce timers, the parent/child update edges and the batch
// bookkeeping. Callers submit a new state.Snapshot after every mutation;
// the scheduler diffs it against the previous one, asks each subscriber's
// dependency.Spec whether it cares, and debounces an Update call for every
// match. Debounce is trailing-edge: repeated schedules of one subscriber
// collapse into a single fire timed from the last call.
//
// Every subscriber moves through Idle -> Scheduled -> Firing -> Idle, or
// Scheduled -> Idle on cancellation. Subscriber callbacks never run under the
// scheduler lock, so they may call back into the scheduler. No error raised
// by a subscriber escapes SubmitState or ProcessPendingUpdates.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/tablewatch/pkg/clock"
	"github.com/dshills/tablewatch/pkg/component"
	"github.com/dshills/tablewatch/pkg/dependency"
	"github.com/dshills/tablewatch/pkg/domain/types"
	twerrors "github.com/dshills/tablewatch/pkg/errors"
	"github.com/dshills/tablewatch/pkg/state"
)

// DefaultDebounce is the debounce window used when none is configured.
const DefaultDebounce = 50 * time.Millisecond

// DefaultEventBuffer is the per-listener event channel capacity.
const DefaultEventBuffer = 256

// Options tunes the scheduler.
type Options struct {
	// Clock drives timers. Default: clock.Real().
	Clock clock.Clock
	// Logger receives callback failures and diagnostics. Default: slog.Default().
	Logger *slog.Logger
	// DefaultDebounce applies to subscribers registered without WithDebounce.
	// Default: DefaultDebounce.
	DefaultDebounce time.Duration
	// EventBuffer is the capacity of each Subscribe channel. Default: DefaultEventBuffer.
	EventBuffer int
}

func (o *Options) defaults() {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.DefaultDebounce <= 0 {
		o.DefaultDebounce = DefaultDebounce
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
}

type phase int

const (
	phaseIdle phase = iota
	phaseScheduled
	phaseFiring
)

func (p phase) String() string {
	switch p {
	case phaseScheduled:
		return "scheduled"
	case phaseFiring:
		return "firing"
	default:
		return "idle"
	}
}

// entry is one registered subscriber.
type entry struct {
	handle     Handle
	name       string
	sub        interface{}
	caps       component.Capabilities
	spec       *dependency.Spec
	debounce   time.Duration
	timer      clock.Timer
	armSeq     uint64
	phase      phase
	lastUpdate time.Time
	batches    map[types.BatchID]struct{}
	keyed      bool // sub is a key of bySub
}

// Stats are point-in-time counters.
type Stats struct {
	Registered    int   `json:"registered"`
	Pending       int   `json:"pending"`
	Scheduled     int64 `json:"scheduled"`
	Fired         int64 `json:"fired"`
	Failed        int64 `json:"failed"`
	Submissions   int64 `json:"submissions"`
	DroppedEvents int64 `json:"dropped_events"`
}

// Scheduler is the update engine. Construct one with New and pass it to every
// component that needs it. It is safe for concurrent use.
type Scheduler struct {
	mu   sync.Mutex
	opts Options
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	slots    []slot
	free     []uint32
	bySub    map[interface{}]Handle
	children map[Handle]map[Handle]struct{}
	batches  map[types.BatchID]*batch
	batchSeq uint64
	current  *state.Snapshot

	events *emitter

	scheduled   atomic.Int64
	fired       atomic.Int64
	failed      atomic.Int64
	submissions atomic.Int64
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:     opts,
		log:      opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		bySub:    make(map[interface{}]Handle),
		children: make(map[Handle]map[Handle]struct{}),
		batches:  make(map[types.BatchID]*batch),
		events:   newEmitter(opts.EventBuffer),
	}
}

// RegisterOption customises Register.
type RegisterOption func(*entry)

// WithName sets the display name used in logs and events.
func WithName(name string) RegisterOption {
	return func(e *entry) { e.name = name }
}

// WithDebounce sets the debounce window used when state submissions schedule
// this subscriber.
func WithDebounce(d time.Duration) RegisterOption {
	return func(e *entry) {
		if d >= 0 {
			e.debounce = d
		}
	}
}

// Register adds sub to the registry and returns its handle. The subscriber
// can be scheduled directly right away; RegisterDataDependency makes it
// react to submitted state. Registering nil or an already registered
// subscriber returns a *errors.RegistrationError.
func (s *Scheduler) Register(sub interface{}, opts ...RegisterOption) (Handle, error) {
	if sub == nil {
		return Handle{}, twerrors.NewRegistrationError("", "nil subscriber", twerrors.ErrNilSubscriber)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h, dup, hashable := s.findLocked(sub)
	if dup {
		return Handle{}, twerrors.NewRegistrationError(s.slots[h.slot].entry.name, "duplicate subscriber", twerrors.ErrAlreadyRegistered)
	}

	var idx uint32
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		idx = uint32(len(s.slots))
		s.slots = append(s.slots, slot{})
	}
	sl := &s.slots[idx]
	sl.gen++
	if sl.gen == 0 {
		sl.gen = 1
	}

	e := &entry{
		handle:   Handle{slot: idx, gen: sl.gen},
		sub:      sub,
		caps:     component.Detect(sub),
		debounce: s.opts.DefaultDebounce,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.name == "" {
		e.name = fmt.Sprintf("%T#%d", sub, idx)
	}
	sl.entry = e
	if hashable {
		s.bySub[sub] = e.handle
		e.keyed = true
	}

	s.log.Debug("scheduler: registered", "subscriber", e.name, "handle", e.handle, "debounce", e.debounce)
	return e.handle, nil
}

// findLocked looks sub up in bySub. hashable is false for values that cannot
// be map keys, including comparable types holding an uncomparable dynamic
// value; such subscribers always get a fresh handle.
func (s *Scheduler) findLocked(sub interface{}) (h Handle, dup, hashable bool) {
	if !reflect.TypeOf(sub).Comparable() {
		return Handle{}, false, false
	}
	defer func() {
		if recover() != nil {
			h, dup, hashable = Handle{}, false, false
		}
	}()
	h, dup = s.bySub[sub]
	return h, dup, true
}

// Unregister revokes h: its timer is cancelled, its data dependency and
// parent/child edges are removed and the slot is recycled under a new
// generation. Owners must call it before tearing a subscriber down.
func (s *Scheduler) Unregister(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(h)
	if err != nil {
		return err
	}

	// A firing entry is released here too; fire skips revoked handles.
	s.stopTimerLocked(e)
	e.phase = phaseIdle
	s.releaseFromBatchesLocked(e)
	delete(s.children, h)
	for parent, kids := range s.children {
		delete(kids, h)
		if len(kids) == 0 {
			delete(s.children, parent)
		}
	}
	if e.keyed {
		delete(s.bySub, e.sub)
	}

	sl := &s.slots[h.slot]
	sl.entry = nil
	sl.gen++
	s.free = append(s.free, h.slot)

	s.log.Debug("scheduler: unregistered", "subscriber", e.name, "handle", h)
	return nil
}

// RegisterDataDependency inserts or replaces the dependency spec of h. If a
// snapshot was already submitted the subscriber is scheduled once right away
// so that late joiners sync to current data. An invalid condition returns a
// *errors.RegistrationError and leaves any previous spec in place.
func (s *Scheduler) RegisterDataDependency(h Handle, spec dependency.Spec) error {
	if err := spec.Compile(); err != nil {
		return twerrors.NewRegistrationError(h.String(), "invalid dependency condition", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	e.spec = &spec

	if s.current != nil {
		s.armLocked(e, e.debounce)
		s.emitLocked(Event{Type: EventComponentUpdateFromData, Subscriber: h, Name: e.name, SnapshotID: s.current.ID()})
	}
	return nil
}

// UnregisterDataDependency removes the spec of h. The subscriber stays
// registered for direct scheduling.
func (s *Scheduler) UnregisterDataDependency(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	e.spec = nil
	return nil
}

// SubmitState diffs snap against the previous snapshot, stores snap as the
// new baseline and schedules every subscriber whose spec matches, using each
// subscriber's own debounce. All subscribers compare against the same
// transition. A nil snap is ignored.
func (s *Scheduler) SubmitState(snap *state.Snapshot) {
	if snap == nil {
		s.log.Warn("scheduler: nil snapshot submitted")
		return
	}
	for _, ferr := range snap.FingerprintErrors() {
		s.log.Warn("scheduler: column treated as changed", "column", ferr.Column, "error", ferr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.submissions.Add(1)
	diff := snap.Diff(s.current)
	s.current = snap
	s.emitLocked(Event{Type: EventDataStateUpdated, SnapshotID: snap.ID()})

	for i := range s.slots {
		e := s.slots[i].entry
		if e == nil || e.spec == nil {
			continue
		}
		if !s.matches(e, diff) {
			continue
		}
		s.armLocked(e, e.debounce)
		s.emitLocked(Event{Type: EventComponentUpdateFromData, Subscriber: e.handle, Name: e.name, SnapshotID: snap.ID()})
	}
}

// matches evaluates e's spec. Evaluation errors and panics count as a match.
func (s *Scheduler) matches(e *entry, diff state.DiffResult) (match bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler: dependency evaluation panicked", "subscriber", e.name, "panic", r)
			match = true
		}
	}()
	match, err := e.spec.Evaluate(diff)
	if err != nil {
		s.log.Warn("scheduler: dependency condition failed, scheduling anyway", "subscriber", e.name, "error", err)
	}
	return match
}

// CurrentState returns the last submitted snapshot, or nil.
func (s *Scheduler) CurrentState() *state.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// RegisterDependency makes child reschedule whenever parent fires
// successfully. The child goes through its own debounce, so every hop of a
// chain costs one timer. Cycles are not detected.
func (s *Scheduler) RegisterDependency(parent, child Handle) error {
	if parent == child {
		return twerrors.NewRegistrationError(parent.String(), "subscriber cannot depend on itself", fmt.Errorf("self dependency"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookupLocked(parent); err != nil {
		return err
	}
	if _, err := s.lookupLocked(child); err != nil {
		return err
	}
	kids := s.children[parent]
	if kids == nil {
		kids = make(map[Handle]struct{})
		s.children[parent] = kids
	}
	kids[child] = struct{}{}
	return nil
}

// UnregisterDependency removes the parent -> child edge if present.
func (s *Scheduler) UnregisterDependency(parent, child Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kids := s.children[parent]; kids != nil {
		delete(kids, child)
		if len(kids) == 0 {
			delete(s.children, parent)
		}
	}
}

// Subscribe returns a channel that receives every event.
func (s *Scheduler) Subscribe() <-chan Event {
	return s.events.subscribe(nil)
}

// SubscribeFiltered returns a channel that receives only matching events.
func (s *Scheduler) SubscribeFiltered(filter EventFilter) <-chan Event {
	return s.events.subscribe(&filter)
}

// Unsubscribe closes and removes a listener channel.
func (s *Scheduler) Unsubscribe(ch <-chan Event) {
	s.events.unsubscribe(ch)
}

// Stats returns the current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	registered, pending := 0, 0
	for i := range s.slots {
		if e := s.slots[i].entry; e != nil {
			registered++
			if e.phase == phaseScheduled {
				pending++
			}
		}
	}
	s.mu.Unlock()

	return Stats{
		Registered:    registered,
		Pending:       pending,
		Scheduled:     s.scheduled.Load(),
		Fired:         s.fired.Load(),
		Failed:        s.failed.Load(),
		Submissions:   s.submissions.Load(),
		DroppedEvents: s.events.dropped.Load(),
	}
}

// Close cancels every pending update, cancels the context passed to
// callbacks and closes all listener channels.
func (s *Scheduler) Close() {
	s.CancelUpdates()
	s.cancel()
	s.events.close()
}

// lookupLocked resolves h. Caller holds mu.
func (s *Scheduler) lookupLocked(h Handle) (*entry, error) {
	if h.IsZero() || int(h.slot) >= len(s.slots) {
		return nil, fmt.Errorf("%w: %s", twerrors.ErrUnknownHandle, h)
	}
	sl := s.slots[h.slot]
	if sl.gen != h.gen || sl.entry == nil {
		return nil, fmt.Errorf("%w: %s", twerrors.ErrStaleHandle, h)
	}
	return sl.entry, nil
}

func (s *Scheduler) emitLocked(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.opts.Clock.Now()
	}
	s.events.emit(ev)
}
