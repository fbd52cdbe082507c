package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dshills/tablewatch/pkg/clock"
	"github.com/dshills/tablewatch/pkg/dataset"
	"github.com/dshills/tablewatch/pkg/dependency"
	twerrors "github.com/dshills/tablewatch/pkg/errors"
	"github.com/dshills/tablewatch/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counter is a test subscriber that counts Update calls.
type counter struct {
	mu     sync.Mutex
	fires  int
	last   *state.Snapshot
	err    error
	panic  bool
	onFire func()
}

func (c *counter) Update(_ context.Context, snap *state.Snapshot) error {
	c.mu.Lock()
	c.fires++
	c.last = snap
	err, p, hook := c.err, c.panic, c.onFire
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	if p {
		panic("boom")
	}
	return err
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fires
}

// passive has no capabilities at all.
type passive struct{ id int }

func newTestScheduler(t *testing.T) (*Scheduler, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Unix(0, 0))
	s := New(Options{
		Clock:  fake,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(s.Close)
	return s, fake
}

func register(t *testing.T, s *Scheduler, sub interface{}, opts ...RegisterOption) Handle {
	t.Helper()
	h, err := s.Register(sub, opts...)
	require.NoError(t, err)
	return h
}

func scoreTable(t *testing.T) *dataset.Table {
	t.Helper()
	tbl, err := dataset.NewTable("PLAYER", "SCORE")
	require.NoError(t, err)
	require.NoError(t, tbl.AddRow("alice", 10))
	require.NoError(t, tbl.AddRow("bob", 20))
	require.NoError(t, tbl.AddRow("carol", 30))
	return tbl
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestScheduler_ScenarioA_ColumnFiltering(t *testing.T) {
	s, _ := newTestScheduler(t)
	tbl := scoreTable(t)
	s.SubmitState(state.Capture(tbl))

	c1, c2 := &counter{}, &counter{}
	h1 := register(t, s, c1, WithName("C1"))
	h2 := register(t, s, c2, WithName("C2"))
	require.NoError(t, s.RegisterDataDependency(h1, dependency.WatchColumns("PLAYER")))
	require.NoError(t, s.RegisterDataDependency(h2, dependency.WatchColumns("SCORE")))

	// Flush the first-run sync so only the mutation is counted.
	s.ProcessPendingUpdates()
	require.Equal(t, 1, c1.count())
	require.Equal(t, 1, c2.count())

	require.NoError(t, tbl.Set(0, "SCORE", 11))
	s.SubmitState(state.Capture(tbl))
	s.ProcessPendingUpdates()

	assert.Equal(t, 1, c1.count())
	assert.Equal(t, 2, c2.count())
}

func TestScheduler_ScenarioB_FirstRunSync(t *testing.T) {
	s, _ := newTestScheduler(t)
	snap := state.Capture(scoreTable(t))
	s.SubmitState(snap)

	c := &counter{}
	h := register(t, s, c)
	assert.False(t, s.IsPending(h))

	require.NoError(t, s.RegisterDataDependency(h, dependency.WatchAnyChange()))
	assert.True(t, s.IsPending(h))

	s.ProcessPendingUpdates()
	assert.Equal(t, 1, c.count())
	assert.Same(t, snap, c.last)
}

func TestScheduler_NoFirstRunSyncWithoutState(t *testing.T) {
	s, _ := newTestScheduler(t)
	h := register(t, s, &counter{})

	require.NoError(t, s.RegisterDataDependency(h, dependency.WatchAnyChange()))
	assert.False(t, s.HasPendingUpdates())
}

func TestScheduler_ScenarioC_UnregisterDataDependency(t *testing.T) {
	s, _ := newTestScheduler(t)
	tbl := scoreTable(t)
	s.SubmitState(state.Capture(tbl))

	c := &counter{}
	h := register(t, s, c)
	require.NoError(t, s.RegisterDataDependency(h, dependency.WatchColumns("SCORE")))
	s.ProcessPendingUpdates()
	require.Equal(t, 1, c.count())

	require.NoError(t, s.UnregisterDataDependency(h))
	require.NoError(t, tbl.Set(1, "SCORE", 99))
	s.SubmitState(state.Capture(tbl))
	s.ProcessPendingUpdates()
	assert.Equal(t, 1, c.count())

	// Direct scheduling still works.
	require.NoError(t, s.ScheduleUpdate(h, DefaultDebounce))
	s.ProcessPendingUpdates()
	assert.Equal(t, 2, c.count())
}

func TestScheduler_ScenarioD_CancelOne(t *testing.T) {
	s, _ := newTestScheduler(t)
	a, b := &counter{}, &counter{}
	ha, hb := register(t, s, a), register(t, s, b)

	require.NoError(t, s.ScheduleUpdate(ha, DefaultDebounce))
	require.NoError(t, s.ScheduleUpdate(hb, DefaultDebounce))

	s.CancelComponentUpdate(ha)
	assert.False(t, s.IsPending(ha))
	assert.True(t, s.IsPending(hb))
	assert.True(t, s.HasPendingUpdates())

	// Cancelling twice is harmless.
	s.CancelComponentUpdate(ha)

	s.ProcessPendingUpdates()
	assert.Equal(t, 0, a.count())
	assert.Equal(t, 1, b.count())
	assert.False(t, s.HasPendingUpdates())
}

func TestScheduler_DebounceCoalescing(t *testing.T) {
	s, fake := newTestScheduler(t)
	c := &counter{}
	h := register(t, s, c)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.ScheduleUpdate(h, 50*time.Millisecond))
		fake.Advance(3 * time.Millisecond)
	}
	s.ProcessPendingUpdates()
	assert.Equal(t, 1, c.count())

	// The stopped timers must not fire later.
	fake.Advance(time.Second)
	assert.Equal(t, 1, c.count())
}

func TestScheduler_DebounceIsTrailingEdge(t *testing.T) {
	s, fake := newTestScheduler(t)
	c := &counter{}
	h := register(t, s, c)

	require.NoError(t, s.ScheduleUpdate(h, 50*time.Millisecond))
	fake.Advance(40 * time.Millisecond)
	require.NoError(t, s.ScheduleUpdate(h, 50*time.Millisecond))
	fake.Advance(40 * time.Millisecond)
	assert.Equal(t, 0, c.count(), "timer restarts from the last call")

	fake.Advance(10 * time.Millisecond)
	assert.Equal(t, 1, c.count())
	assert.False(t, s.IsPending(h))
}

func TestScheduler_RowCountVersusColumnSetWatchers(t *testing.T) {
	s, fake := newTestScheduler(t)
	tbl := scoreTable(t)
	s.SubmitState(state.Capture(tbl))

	rows, cols := &counter{}, &counter{}
	hr, hc := register(t, s, rows), register(t, s, cols)
	require.NoError(t, s.RegisterDataDependency(hr, dependency.WatchRowCount()))
	require.NoError(t, s.RegisterDataDependency(hc, dependency.WatchColumnSet()))
	s.ProcessPendingUpdates()

	require.NoError(t, tbl.AddRow("dave", 40))
	s.SubmitState(state.Capture(tbl))
	fake.Advance(DefaultDebounce)

	assert.Equal(t, 2, rows.count())
	assert.Equal(t, 1, cols.count())
}

func TestScheduler_PerSubscriberDebounceOnSubmit(t *testing.T) {
	s, fake := newTestScheduler(t)
	fast, slow := &counter{}, &counter{}
	hf := register(t, s, fast, WithDebounce(10*time.Millisecond))
	hs := register(t, s, slow, WithDebounce(200*time.Millisecond))
	require.NoError(t, s.RegisterDataDependency(hf, dependency.WatchAnyChange()))
	require.NoError(t, s.RegisterDataDependency(hs, dependency.WatchAnyChange()))

	s.SubmitState(state.Capture(scoreTable(t)))
	fake.Advance(20 * time.Millisecond)
	assert.Equal(t, 1, fast.count())
	assert.Equal(t, 0, slow.count())

	fake.Advance(200 * time.Millisecond)
	assert.Equal(t, 1, slow.count())
}

func TestScheduler_FailureIsolation(t *testing.T) {
	s, _ := newTestScheduler(t)
	bad := &counter{err: errors.New("render failed")}
	panicky := &counter{panic: true}
	good := &counter{}
	hBad := register(t, s, bad, WithName("bad"))
	hPanic := register(t, s, panicky, WithName("panicky"))
	hGood := register(t, s, good, WithName("good"))

	events := s.Subscribe()
	for _, h := range []Handle{hBad, hPanic, hGood} {
		require.NoError(t, s.ScheduleUpdate(h, DefaultDebounce))
	}

	assert.NotPanics(t, s.ProcessPendingUpdates)
	assert.Equal(t, 1, bad.count())
	assert.Equal(t, 1, panicky.count())
	assert.Equal(t, 1, good.count())

	var failed []Event
	var completed []string
	for _, ev := range drain(events) {
		switch ev.Type {
		case EventUpdateFailed:
			failed = append(failed, ev)
		case EventUpdateCompleted:
			completed = append(completed, ev.Name)
		}
	}
	require.Len(t, failed, 2)
	assert.Equal(t, []string{"good"}, completed)

	var cbErr *twerrors.UpdateCallbackError
	require.True(t, errors.As(failed[0].Error, &cbErr))
	assert.Equal(t, "bad", cbErr.Subscriber)
	assert.False(t, cbErr.Panicked)
	require.True(t, errors.As(failed[1].Error, &cbErr))
	assert.Equal(t, "panicky", cbErr.Subscriber)
	assert.True(t, cbErr.Panicked)

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Fired)
	assert.Equal(t, int64(2), stats.Failed)
}

func TestScheduler_MissingUpdateIsNoOp(t *testing.T) {
	s, _ := newTestScheduler(t)
	h := register(t, s, &passive{})
	events := s.SubscribeFiltered(EventFilter{Types: []EventType{EventUpdateCompleted}})

	require.NoError(t, s.ScheduleUpdate(h, 0))
	s.ProcessPendingUpdates()

	got := drain(events)
	require.Len(t, got, 1)
	assert.Equal(t, h, got[0].Subscriber)
}

func TestScheduler_RegistrationErrors(t *testing.T) {
	s, _ := newTestScheduler(t)
	c := &counter{}
	h := register(t, s, c)

	_, err := s.Register(nil)
	var regErr *twerrors.RegistrationError
	require.True(t, errors.As(err, &regErr))
	assert.ErrorIs(t, err, twerrors.ErrNilSubscriber)

	_, err = s.Register(c)
	assert.ErrorIs(t, err, twerrors.ErrAlreadyRegistered)

	// An invalid condition leaves the previous spec untouched.
	require.NoError(t, s.RegisterDataDependency(h, dependency.WatchColumns("A")))
	err = s.RegisterDataDependency(h, dependency.Spec{Condition: "((("})
	require.True(t, errors.As(err, &regErr))

	tbl, err := dataset.NewTable("A")
	require.NoError(t, err)
	require.NoError(t, tbl.AddRow(1))
	s.SubmitState(state.Capture(tbl))
	assert.True(t, s.IsPending(h))

	assert.Error(t, s.RegisterDependency(h, h))
	assert.Equal(t, 1, s.Stats().Registered)
}

func TestScheduler_StaleHandle(t *testing.T) {
	s, fake := newTestScheduler(t)
	c := &counter{}
	h := register(t, s, c)
	require.NoError(t, s.ScheduleUpdate(h, DefaultDebounce))

	require.NoError(t, s.Unregister(h))
	assert.False(t, s.HasPendingUpdates())
	fake.Advance(time.Second)
	assert.Equal(t, 0, c.count())

	// The slot is reused under a new generation; the old handle stays dead.
	other := &counter{}
	h2 := register(t, s, other)
	assert.NotEqual(t, h, h2)

	assert.ErrorIs(t, s.ScheduleUpdate(h, 0), twerrors.ErrStaleHandle)
	assert.ErrorIs(t, s.Unregister(h), twerrors.ErrStaleHandle)
	assert.ErrorIs(t, s.ScheduleUpdate(Handle{}, 0), twerrors.ErrUnknownHandle)
	s.CancelComponentUpdate(h)
	assert.False(t, s.IsPending(h))

	// The subscriber may register again after revocation.
	_, err := s.Register(c)
	assert.NoError(t, err)
}

func TestScheduler_UnregisterDuringFireIsSafe(t *testing.T) {
	s, _ := newTestScheduler(t)
	c := &counter{}
	h := register(t, s, c)
	c.onFire = func() { _ = s.Unregister(h) }

	require.NoError(t, s.ScheduleUpdate(h, 0))
	assert.NotPanics(t, s.ProcessPendingUpdates)
	assert.Equal(t, 1, c.count())
	assert.Equal(t, 0, s.Stats().Registered)
}

func TestScheduler_ParentReschedulesChild(t *testing.T) {
	s, fake := newTestScheduler(t)
	parent, child, grandchild := &counter{}, &counter{}, &counter{}
	hp, hc, hg := register(t, s, parent), register(t, s, child), register(t, s, grandchild)
	require.NoError(t, s.RegisterDependency(hp, hc))
	require.NoError(t, s.RegisterDependency(hc, hg))

	require.NoError(t, s.ScheduleUpdate(hp, DefaultDebounce))
	s.ProcessPendingUpdates()

	// One hop per fire: the child is scheduled, not fired.
	assert.Equal(t, 1, parent.count())
	assert.Equal(t, 0, child.count())
	assert.True(t, s.IsPending(hc))
	assert.False(t, s.IsPending(hg))

	fake.Advance(DefaultDebounce)
	assert.Equal(t, 1, child.count())
	assert.True(t, s.IsPending(hg))

	fake.Advance(DefaultDebounce)
	assert.Equal(t, 1, grandchild.count())

	s.UnregisterDependency(hp, hc)
	require.NoError(t, s.ScheduleUpdate(hp, 0))
	s.ProcessPendingUpdates()
	assert.False(t, s.IsPending(hc))
}

func TestScheduler_FailedParentDoesNotRescheduleChild(t *testing.T) {
	s, _ := newTestScheduler(t)
	parent, child := &counter{err: errors.New("nope")}, &counter{}
	hp, hc := register(t, s, parent), register(t, s, child)
	require.NoError(t, s.RegisterDependency(hp, hc))

	require.NoError(t, s.ScheduleUpdate(hp, 0))
	s.ProcessPendingUpdates()
	assert.False(t, s.IsPending(hc))
}

func TestScheduler_CancelUpdates(t *testing.T) {
	s, fake := newTestScheduler(t)
	a, b := &counter{}, &counter{}
	ha, hb := register(t, s, a), register(t, s, b)
	require.NoError(t, s.ScheduleUpdate(ha, DefaultDebounce))
	require.NoError(t, s.ScheduleUpdate(hb, DefaultDebounce))

	s.CancelUpdates()
	s.CancelUpdates()
	assert.False(t, s.HasPendingUpdates())

	fake.Advance(time.Second)
	assert.Equal(t, 0, a.count()+b.count())
}

func TestScheduler_SubmitStateEvents(t *testing.T) {
	s, _ := newTestScheduler(t)
	c := &counter{}
	h := register(t, s, c, WithName("grid"))
	require.NoError(t, s.RegisterDataDependency(h, dependency.WatchAnyChange()))
	events := s.Subscribe()

	snap := state.Capture(scoreTable(t))
	s.SubmitState(snap)
	s.ProcessPendingUpdates()

	got := drain(events)
	assert.Equal(t, []EventType{
		EventDataStateUpdated,
		EventUpdateScheduled,
		EventComponentUpdateFromData,
		EventUpdateCompleted,
	}, eventTypes(got))
	assert.Equal(t, snap.ID(), got[0].SnapshotID)
	assert.Equal(t, "grid", got[3].Name)

	last, err := s.LastUpdateTime(h)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(0, 0), last)
	assert.Same(t, snap, s.CurrentState())
}

func TestScheduler_SubmitSameStateSchedulesNothing(t *testing.T) {
	s, _ := newTestScheduler(t)
	tbl := scoreTable(t)
	s.SubmitState(state.Capture(tbl))

	c := &counter{}
	h := register(t, s, c)
	require.NoError(t, s.RegisterDataDependency(h, dependency.WatchAnyChange()))
	s.ProcessPendingUpdates()

	s.SubmitState(state.Capture(tbl))
	assert.False(t, s.HasPendingUpdates())
	s.SubmitState(nil)
	assert.Equal(t, int64(2), s.Stats().Submissions)
}

func TestScheduler_FailingConditionSchedulesConservatively(t *testing.T) {
	s, _ := newTestScheduler(t)
	c := &counter{}
	h := register(t, s, c)
	// Compiles against the diff environment but fails at runtime.
	require.NoError(t, s.RegisterDataDependency(h, dependency.Spec{Condition: `changed_columns[5] == "X"`}))

	s.SubmitState(state.Capture(scoreTable(t)))
	assert.True(t, s.IsPending(h))
}

func TestScheduler_NonComparableSubscriber(t *testing.T) {
	s, _ := newTestScheduler(t)
	type sliceSub struct{ rows []int }

	h1, err := s.Register(sliceSub{})
	require.NoError(t, err)
	h2, err := s.Register(sliceSub{})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	require.NoError(t, s.Unregister(h1))
}

func TestScheduler_UnhashableDynamicValue(t *testing.T) {
	s, _ := newTestScheduler(t)
	type boxed struct{ payload interface{} }

	var h1, h2 Handle
	require.NotPanics(t, func() {
		h1 = register(t, s, boxed{payload: []int{1}})
		h2 = register(t, s, boxed{payload: []int{1}})
	})
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, 2, s.Stats().Registered)

	require.NoError(t, s.Unregister(h1))
	assert.Equal(t, 1, s.Stats().Registered)

	// Hashable values of the same type still dedupe.
	register(t, s, boxed{payload: 7})
	_, err := s.Register(boxed{payload: 7})
	assert.ErrorIs(t, err, twerrors.ErrAlreadyRegistered)
}

func TestScheduler_CallbackMayReenter(t *testing.T) {
	s, _ := newTestScheduler(t)
	c := &counter{}
	h := register(t, s, c)
	once := true
	c.onFire = func() {
		if once {
			once = false
			_ = s.ScheduleUpdate(h, DefaultDebounce)
		}
	}

	require.NoError(t, s.ScheduleUpdate(h, 0))
	s.ProcessPendingUpdates()
	assert.Equal(t, 1, c.count())
	assert.True(t, s.IsPending(h))

	s.ProcessPendingUpdates()
	assert.Equal(t, 2, c.count())
}

func TestScheduler_RealClock(t *testing.T) {
	s := New(Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	defer s.Close()

	c := &counter{}
	h := register(t, s, c)
	done := s.SubscribeFiltered(EventFilter{Types: []EventType{EventUpdateCompleted}, Subscribers: []Handle{h}})

	require.NoError(t, s.ScheduleUpdate(h, time.Millisecond))
	select {
	case ev := <-done:
		assert.Equal(t, h, ev.Subscriber)
	case <-time.After(2 * time.Second):
		t.Fatal("update did not complete")
	}
	assert.Equal(t, 1, c.count())
}
