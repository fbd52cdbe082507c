package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/tablewatch/pkg/domain/types"
)

// EventType categorizes scheduler events.
type EventType string

const (
	// EventUpdateScheduled is emitted when a subscriber's timer is armed or reset.
	EventUpdateScheduled EventType = "update.scheduled"
	// EventUpdateCompleted is emitted after a subscriber's Update returned
	// successfully, including no-op updates and subscribers without Update.
	EventUpdateCompleted EventType = "update.completed"
	// EventUpdateFailed is emitted when Update returned an error or panicked.
	EventUpdateFailed EventType = "update.failed"

	// EventBatchStarted is emitted when ScheduleBatchUpdate is called.
	EventBatchStarted EventType = "batch.started"
	// EventBatchCompleted is emitted once the batch timer elapsed and every
	// member has fired or been cancelled.
	EventBatchCompleted EventType = "batch.completed"

	// EventDataStateUpdated is emitted for every submitted snapshot.
	EventDataStateUpdated EventType = "data_state.updated"
	// EventComponentUpdateFromData is emitted when a data dependency caused a
	// subscriber to be scheduled.
	EventComponentUpdateFromData EventType = "component.update_from_data"
)

// Event is a single observable scheduler effect.
type Event struct {
	// Type categorizes the event.
	Type EventType
	// Timestamp records when this event occurred, from the scheduler clock.
	Timestamp time.Time
	// Subscriber identifies the subscriber this event is about (if applicable).
	Subscriber Handle
	// Name is the subscriber's display name (if applicable).
	Name string
	// BatchID identifies the batch for batch events.
	BatchID types.BatchID
	// SnapshotID identifies the submitted snapshot for data events.
	SnapshotID types.SnapshotID
	// Error contains failure details for EventUpdateFailed.
	Error error
}

// EventFilter defines criteria for filtering events.
type EventFilter struct {
	// Types specifies which event types to include (nil/empty means all types).
	Types []EventType
	// Subscribers specifies which subscribers to include (nil/empty means all).
	Subscribers []Handle
}

// Matches returns true if the event matches the filter criteria.
func (f *EventFilter) Matches(event Event) bool {
	if len(f.Types) > 0 {
		matched := false
		for _, t := range f.Types {
			if event.Type == t {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(f.Subscribers) > 0 {
		if event.Subscriber.IsZero() {
			// Event has no subscriber, doesn't match subscriber filter
			return false
		}
		matched := false
		for _, h := range f.Subscribers {
			if event.Subscriber == h {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

// subscription represents a single event listener.
type subscription struct {
	ch     chan Event
	filter *EventFilter // nil means no filtering
}

// emitter broadcasts events to buffered listener channels without blocking.
type emitter struct {
	mu          sync.RWMutex
	buffer      int
	subscribers []*subscription
	closed      bool
	dropped     atomic.Int64
}

func newEmitter(buffer int) *emitter {
	return &emitter{buffer: buffer}
}

func (e *emitter) subscribe(filter *EventFilter) <-chan Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		// Return a closed channel if the emitter is closed
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, e.buffer)
	e.subscribers = append(e.subscribers, &subscription{ch: ch, filter: filter})
	return ch
}

func (e *emitter) unsubscribe(ch <-chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, sub := range e.subscribers {
		if sub.ch == ch {
			close(sub.ch)
			e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
			break
		}
	}
}

// emit sends an event to all listeners. A full listener buffer drops the
// event for that listener and counts it.
func (e *emitter) emit(event Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return
	}

	for _, sub := range e.subscribers {
		if sub.filter != nil && !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			e.dropped.Add(1)
		}
	}
}

func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	for _, sub := range e.subscribers {
		close(sub.ch)
	}
	e.subscribers = nil
}
