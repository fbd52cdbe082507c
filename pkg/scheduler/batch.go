package scheduler

import (
	"sort"
	"time"

	"github.com/dshills/tablewatch/pkg/clock"
	"github.com/dshills/tablewatch/pkg/domain/types"
)

// batch brackets a group of schedules. It completes once its own timer has
// elapsed and no member is still waiting to fire, so EventBatchCompleted is
// always ordered after every member's fire or cancellation.
type batch struct {
	id      types.BatchID
	seq     uint64
	members map[Handle]struct{}
	timer   clock.Timer
	elapsed bool
}

// ScheduleBatchUpdate schedules every handle with the given debounce, arms a
// shared batch timer and emits EventBatchStarted immediately. If any handle is
// invalid nothing is scheduled and the error is returned.
func (s *Scheduler) ScheduleBatchUpdate(handles []Handle, debounce time.Duration) (types.BatchID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*entry, 0, len(handles))
	for _, h := range handles {
		e, err := s.lookupLocked(h)
		if err != nil {
			return "", err
		}
		entries = append(entries, e)
	}
	if debounce < 0 {
		debounce = 0
	}

	s.batchSeq++
	b := &batch{
		id:      types.NewBatchID(),
		seq:     s.batchSeq,
		members: make(map[Handle]struct{}, len(entries)),
	}
	s.batches[b.id] = b
	s.emitLocked(Event{Type: EventBatchStarted, BatchID: b.id})

	for _, e := range entries {
		s.armLocked(e, debounce)
		b.members[e.handle] = struct{}{}
		if e.batches == nil {
			e.batches = make(map[types.BatchID]struct{})
		}
		e.batches[b.id] = struct{}{}
	}

	id := b.id
	b.timer = s.opts.Clock.AfterFunc(debounce, func() { s.onBatchTimer(id) })
	s.log.Debug("scheduler: batch started", "batch", id, "members", len(entries), "debounce", debounce)
	return id, nil
}

func (s *Scheduler) onBatchTimer(id types.BatchID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok || b.timer == nil {
		return
	}
	b.timer = nil
	b.elapsed = true
	s.maybeCompleteBatchLocked(b)
}

// elapseBatchLocked force-resolves b after its members were cancelled.
func (s *Scheduler) elapseBatchLocked(b *batch) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.elapsed = true
	for h := range b.members {
		if e, err := s.lookupLocked(h); err == nil {
			delete(e.batches, b.id)
		}
	}
	b.members = map[Handle]struct{}{}
	s.maybeCompleteBatchLocked(b)
}

// releaseFromBatchesLocked removes e from every batch it belongs to.
func (s *Scheduler) releaseFromBatchesLocked(e *entry) {
	s.releaseBatchesLocked(e, batchIDs(e.batches))
}

// releaseBatchesLocked removes e from the listed batches only.
func (s *Scheduler) releaseBatchesLocked(e *entry, ids []types.BatchID) {
	for _, id := range ids {
		if _, member := e.batches[id]; !member {
			continue
		}
		delete(e.batches, id)
		if b, ok := s.batches[id]; ok {
			delete(b.members, e.handle)
			s.maybeCompleteBatchLocked(b)
		}
	}
	if len(e.batches) == 0 {
		e.batches = nil
	}
}

func batchIDs(set map[types.BatchID]struct{}) []types.BatchID {
	if len(set) == 0 {
		return nil
	}
	ids := make([]types.BatchID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (s *Scheduler) maybeCompleteBatchLocked(b *batch) {
	if !b.elapsed || len(b.members) > 0 {
		return
	}
	if _, open := s.batches[b.id]; !open {
		return
	}
	delete(s.batches, b.id)
	s.log.Debug("scheduler: batch completed", "batch", b.id)
	s.emitLocked(Event{Type: EventBatchCompleted, BatchID: b.id})
}

// sortedBatchesLocked returns open batches in creation order.
func (s *Scheduler) sortedBatchesLocked() []*batch {
	out := make([]*batch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
