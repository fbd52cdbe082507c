package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/tablewatch/pkg/component"
	twerrors "github.com/dshills/tablewatch/pkg/errors"
)

// ScheduleUpdate arms or restarts the debounce timer of h. Only the last of
// several rapid calls counts: the subscriber fires once, debounce after the
// final call. A negative debounce is treated as zero.
func (s *Scheduler) ScheduleUpdate(h Handle, debounce time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	s.armLocked(e, debounce)
	return nil
}

// CancelComponentUpdate stops the pending timer of h. It is a no-op when
// nothing is pending or the handle was revoked.
func (s *Scheduler) CancelComponentUpdate(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, err := s.lookupLocked(h); err == nil {
		s.cancelLocked(e)
	}
}

// CancelUpdates stops every pending subscriber and batch timer. Open batches
// are resolved and emit EventBatchCompleted.
func (s *Scheduler) CancelUpdates() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.slots {
		if e := s.slots[i].entry; e != nil {
			s.cancelLocked(e)
		}
	}
	for _, b := range s.sortedBatchesLocked() {
		s.elapseBatchLocked(b)
	}
}

// HasPendingUpdates reports whether any subscriber is scheduled.
func (s *Scheduler) HasPendingUpdates() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.slots {
		if e := s.slots[i].entry; e != nil && e.phase == phaseScheduled {
			return true
		}
	}
	return false
}

// IsPending reports whether h is scheduled.
func (s *Scheduler) IsPending(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(h)
	return err == nil && e.phase == phaseScheduled
}

// LastUpdateTime returns when h last fired successfully.
func (s *Scheduler) LastUpdateTime(h Handle) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(h)
	if err != nil {
		return time.Time{}, err
	}
	return e.lastUpdate, nil
}

// ProcessPendingUpdates fires every currently scheduled subscriber now,
// ignoring the remaining debounce time, in registration-slot order. Pending
// batch timers elapse first. Children rescheduled by these fires stay
// pending. Subscriber failures are logged and never returned.
func (s *Scheduler) ProcessPendingUpdates() {
	s.mu.Lock()
	var due []Handle
	for i := range s.slots {
		e := s.slots[i].entry
		if e == nil || e.phase != phaseScheduled {
			continue
		}
		s.stopTimerLocked(e)
		e.phase = phaseFiring
		due = append(due, e.handle)
	}
	for _, b := range s.sortedBatchesLocked() {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		b.elapsed = true
	}
	s.mu.Unlock()

	for _, h := range due {
		s.fire(h)
	}

	s.mu.Lock()
	for _, b := range s.sortedBatchesLocked() {
		s.maybeCompleteBatchLocked(b)
	}
	s.mu.Unlock()
}

// armLocked (re)starts e's timer. Caller holds mu.
func (s *Scheduler) armLocked(e *entry, d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.stopTimerLocked(e)
	seq := e.armSeq
	h := e.handle
	e.phase = phaseScheduled
	e.timer = s.opts.Clock.AfterFunc(d, func() { s.onTimer(h, seq) })

	s.scheduled.Add(1)
	s.log.Debug("scheduler: update scheduled", "subscriber", e.name, "debounce", d)
	s.emitLocked(Event{Type: EventUpdateScheduled, Subscriber: h, Name: e.name})
}

// stopTimerLocked stops e's timer and invalidates any callback already in
// flight for it. Caller holds mu.
func (s *Scheduler) stopTimerLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.armSeq++
}

// cancelLocked returns a scheduled entry to Idle and releases it from any
// batch it belongs to. Caller holds mu.
func (s *Scheduler) cancelLocked(e *entry) {
	if e.phase != phaseScheduled {
		return
	}
	s.stopTimerLocked(e)
	e.phase = phaseIdle
	s.releaseFromBatchesLocked(e)
	s.log.Debug("scheduler: update cancelled", "subscriber", e.name)
}

// onTimer runs on the clock's goroutine when a debounce window elapses.
func (s *Scheduler) onTimer(h Handle, seq uint64) {
	s.mu.Lock()
	e, err := s.lookupLocked(h)
	if err != nil || e.armSeq != seq || e.phase != phaseScheduled {
		// Revoked, rearmed or cancelled since this timer was armed.
		s.mu.Unlock()
		return
	}
	e.timer = nil
	e.phase = phaseFiring
	s.mu.Unlock()

	s.fire(h)
}

// fire invokes the Update capability of h, which must be in phaseFiring.
// Failures are contained here: they are logged with the subscriber name,
// counted and emitted as EventUpdateFailed.
func (s *Scheduler) fire(h Handle) {
	s.mu.Lock()
	e, err := s.lookupLocked(h)
	if err != nil {
		s.mu.Unlock()
		return
	}
	name, sub, caps := e.name, e.sub, e.caps
	snap := s.current
	// Batches joined during the callback wait for the next fire.
	held := batchIDs(e.batches)
	s.mu.Unlock()

	var cbErr error
	if caps.Has(component.CanUpdate) {
		cbErr = s.invoke(name, func(ctx context.Context) error {
			return sub.(component.Updater).Update(ctx, snap)
		})
	} else {
		s.log.Debug("scheduler: subscriber has no Update capability", "subscriber", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Clock.Now()
	e, err = s.lookupLocked(h)
	live := err == nil
	if live {
		// Batches are released after the member's own event so that
		// EventBatchCompleted follows it.
		defer func() {
			if e.phase == phaseFiring {
				e.phase = phaseIdle
				s.releaseFromBatchesLocked(e)
			} else {
				s.releaseBatchesLocked(e, held)
			}
		}()
	}

	if cbErr != nil {
		s.failed.Add(1)
		s.log.Error("scheduler: update failed", "subscriber", name, "error", cbErr)
		s.emitLocked(Event{Type: EventUpdateFailed, Timestamp: now, Subscriber: h, Name: name, Error: cbErr})
		return
	}

	s.fired.Add(1)
	if live {
		e.lastUpdate = now
		for _, child := range s.childrenLocked(h) {
			s.armLocked(child, child.debounce)
		}
	}
	s.emitLocked(Event{Type: EventUpdateCompleted, Timestamp: now, Subscriber: h, Name: name})
}

// invoke runs a subscriber callback, converting errors and panics into an
// UpdateCallbackError.
func (s *Scheduler) invoke(name string, call func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = twerrors.NewUpdateCallbackError(name, "update", true, fmt.Errorf("%v", r))
		}
	}()
	if cerr := call(s.ctx); cerr != nil {
		return twerrors.NewUpdateCallbackError(name, "update", false, cerr)
	}
	return nil
}

// childrenLocked returns the live children of parent in slot order.
func (s *Scheduler) childrenLocked(parent Handle) []*entry {
	kids := s.children[parent]
	if len(kids) == 0 {
		return nil
	}
	out := make([]*entry, 0, len(kids))
	for i := range s.slots {
		e := s.slots[i].entry
		if e == nil {
			continue
		}
		if _, ok := kids[e.handle]; ok {
			out = append(out, e)
		}
	}
	return out
}
