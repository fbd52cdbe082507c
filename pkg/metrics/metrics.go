// Package metrics exports scheduler activity as Prometheus metrics.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dshills/tablewatch/pkg/scheduler"
)

// Collector turns scheduler events into counters and a latency histogram.
// Metrics are registered on the Registerer passed to New, never globally.
type Collector struct {
	scheduled   prometheus.Counter
	completed   prometheus.Counter
	failed      prometheus.Counter
	batches     *prometheus.CounterVec
	submissions prometheus.Counter
	fromData    prometheus.Counter
	latency     prometheus.Histogram

	mu sync.Mutex
	// armedAt is the first schedule time of each pending subscriber; a
	// debounce reset does not move it.
	armedAt map[scheduler.Handle]time.Time
}

// New registers the tablewatch metrics under namespace on reg.
func New(reg prometheus.Registerer, namespace string) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		scheduled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_scheduled_total",
			Help:      "Subscriber timers armed or reset",
		}),
		completed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_completed_total",
			Help:      "Subscriber updates that returned successfully",
		}),
		failed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_failed_total",
			Help:      "Subscriber updates that returned an error or panicked",
		}),
		batches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batch lifecycle transitions by phase",
		}, []string{"phase"}),
		submissions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_submissions_total",
			Help:      "Snapshots submitted to the scheduler",
		}),
		fromData: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_from_data_total",
			Help:      "Schedules caused by a matching data dependency",
		}),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "update_latency_seconds",
			Help:      "Time from first schedule to update completion",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}),
		armedAt: make(map[scheduler.Handle]time.Time),
	}
}

// Observe records a single event.
func (c *Collector) Observe(ev scheduler.Event) {
	switch ev.Type {
	case scheduler.EventUpdateScheduled:
		c.scheduled.Inc()
		c.mu.Lock()
		if _, ok := c.armedAt[ev.Subscriber]; !ok {
			c.armedAt[ev.Subscriber] = ev.Timestamp
		}
		c.mu.Unlock()
	case scheduler.EventUpdateCompleted:
		c.completed.Inc()
		c.observeLatency(ev)
	case scheduler.EventUpdateFailed:
		c.failed.Inc()
		c.observeLatency(ev)
	case scheduler.EventBatchStarted:
		c.batches.WithLabelValues("started").Inc()
	case scheduler.EventBatchCompleted:
		c.batches.WithLabelValues("completed").Inc()
	case scheduler.EventDataStateUpdated:
		c.submissions.Inc()
	case scheduler.EventComponentUpdateFromData:
		c.fromData.Inc()
	}
}

func (c *Collector) observeLatency(ev scheduler.Event) {
	c.mu.Lock()
	start, ok := c.armedAt[ev.Subscriber]
	delete(c.armedAt, ev.Subscriber)
	c.mu.Unlock()
	if ok {
		c.latency.Observe(ev.Timestamp.Sub(start).Seconds())
	}
}

// Consume observes events from ch until it is closed or ctx is done.
func (c *Collector) Consume(ctx context.Context, ch <-chan scheduler.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(ev)
		}
	}
}
