// Package hub fans job events out to the observers connected to each job.
package hub

import (
	"context"
	"log/slog"
	"research/pkg/cloudevent"
	"sync"
	"sync/atomic"
)

// Observer receives events for one job. Identity is the value itself, so
// observers must be comparable (pointer types in practice).
type Observer interface {
	// Send delivers ev. An error means the observer is gone; the hub
	// drops it and never calls it again.
	Send(ctx context.Context, ev *cloudevent.CloudEvent) error
}

// MetricsRecorder is an optional interface for recording hub metrics.
type MetricsRecorder interface {
	RecordObserverAdded(ctx context.Context)
	RecordObserverRemoved(ctx context.Context)
	RecordObserverPruned(ctx context.Context)
}

// Hub tracks the observers of every job.
//
// Each job has its own topic with its own lock, so subscribing to or
// broadcasting on one job never waits on another. A topic that becomes
// empty is removed and marked dead; a subscriber racing with the removal
// retries on a fresh topic.
type Hub struct {
	topics  sync.Map // job ID -> *topic
	metrics MetricsRecorder
	logger  *slog.Logger

	observers atomic.Int64
	delivered atomic.Int64
	pruned    atomic.Int64
}

type topic struct {
	mu        sync.Mutex
	observers map[Observer]struct{}
	dead      bool
}

// Stats holds hub statistics.
type Stats struct {
	Topics    int   // jobs with at least one observer
	Observers int64 // currently subscribed observers
	Delivered int64 // successful sends
	Pruned    int64 // observers dropped after a failed send
}

// New creates an empty hub.
func New(metrics MetricsRecorder) *Hub {
	return &Hub{
		metrics: metrics,
		logger:  slog.With("component", "hub"),
	}
}

// Subscribe adds obs to jobID's observers. Calling it again with the same
// observer has no effect.
func (h *Hub) Subscribe(jobID string, obs Observer) {
	for {
		v, _ := h.topics.LoadOrStore(jobID, &topic{observers: make(map[Observer]struct{})})
		t := v.(*topic)

		t.mu.Lock()
		if t.dead {
			t.mu.Unlock()
			continue
		}
		_, exists := t.observers[obs]
		if !exists {
			t.observers[obs] = struct{}{}
		}
		t.mu.Unlock()

		if !exists {
			h.observers.Add(1)
			if h.metrics != nil {
				h.metrics.RecordObserverAdded(context.Background())
			}
			h.logger.Debug("Observer subscribed", "jobId", jobID)
		}
		return
	}
}

// Unsubscribe removes obs from jobID's observers.
func (h *Hub) Unsubscribe(jobID string, obs Observer) {
	if h.remove(jobID, obs) {
		if h.metrics != nil {
			h.metrics.RecordObserverRemoved(context.Background())
		}
		h.logger.Debug("Observer unsubscribed", "jobId", jobID)
	}
}

// remove deletes obs and retires the topic once it is empty.
func (h *Hub) remove(jobID string, obs Observer) bool {
	v, ok := h.topics.Load(jobID)
	if !ok {
		return false
	}
	t := v.(*topic)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.observers[obs]; !exists {
		return false
	}
	delete(t.observers, obs)
	h.observers.Add(-1)
	if len(t.observers) == 0 && !t.dead {
		t.dead = true
		h.topics.CompareAndDelete(jobID, t)
	}
	return true
}

// Broadcast sends ev to every observer of jobID and returns how many sends
// succeeded. Observers whose send fails are unsubscribed.
func (h *Hub) Broadcast(ctx context.Context, jobID string, ev *cloudevent.CloudEvent) int {
	v, ok := h.topics.Load(jobID)
	if !ok {
		return 0
	}
	t := v.(*topic)

	t.mu.Lock()
	targets := make([]Observer, 0, len(t.observers))
	for obs := range t.observers {
		targets = append(targets, obs)
	}
	t.mu.Unlock()

	delivered := 0
	for _, obs := range targets {
		if err := obs.Send(ctx, ev); err != nil {
			if h.remove(jobID, obs) {
				h.pruned.Add(1)
				if h.metrics != nil {
					h.metrics.RecordObserverPruned(ctx)
				}
				h.logger.Debug("Observer pruned", "jobId", jobID, "type", ev.Type, "error", err)
			}
			continue
		}
		delivered++
	}
	h.delivered.Add(int64(delivered))
	return delivered
}

// Count returns the number of observers of jobID.
func (h *Hub) Count(jobID string) int {
	v, ok := h.topics.Load(jobID)
	if !ok {
		return 0
	}
	t := v.(*topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.observers)
}

// Stats returns current hub statistics.
func (h *Hub) Stats() Stats {
	topics := 0
	h.topics.Range(func(_, _ any) bool {
		topics++
		return true
	})
	return Stats{
		Topics:    topics,
		Observers: h.observers.Load(),
		Delivered: h.delivered.Load(),
		Pruned:    h.pruned.Load(),
	}
}

// Close drops every subscription. Observers are not notified.
func (h *Hub) Close() {
	h.topics.Range(func(k, v any) bool {
		t := v.(*topic)
		t.mu.Lock()
		h.observers.Add(-int64(len(t.observers)))
		t.observers = make(map[Observer]struct{})
		t.dead = true
		t.mu.Unlock()
		h.topics.Delete(k)
		return true
	})
	h.logger.Info("Hub closed")
}
