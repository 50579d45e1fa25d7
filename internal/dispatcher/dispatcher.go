// Package dispatcher hands job events from workers to the fan-out hub
// without blocking the worker.
package dispatcher

import (
	"context"
	"errors"
	"research/pkg/cloudevent"
)

// ErrBufferFull is returned when the dispatcher's buffer is full and the event is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher is closed")

// Dispatcher handles async delivery of events.
type Dispatcher interface {
	// Dispatch queues an event for async delivery. Non-blocking.
	// Returns ErrBufferFull if the event cannot be queued.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close stops accepting events and delivers what is queued.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Sink receives events on the dispatcher's goroutines.
type Sink interface {
	// Broadcast delivers ev to the observers of jobID and returns how many
	// received it.
	Broadcast(ctx context.Context, jobID string, ev *cloudevent.CloudEvent) int
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, jobID string, ev *cloudevent.CloudEvent) int

// Broadcast calls f.
func (f SinkFunc) Broadcast(ctx context.Context, jobID string, ev *cloudevent.CloudEvent) int {
	return f(ctx, jobID, ev)
}

// Event is an event for one job's observers.
type Event struct {
	JobID   string
	Payload *cloudevent.CloudEvent
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth int   // events waiting across all jobs
	Shards     int   // lock stripes over the per-job lanes
	Lanes      int   // jobs with a running delivery goroutine
	Queued     int64 // total events accepted
	Delivered  int64 // events handed to the sink
	Dropped    int64 // rejected because a job's lane was full
	Receipts   int64 // observer deliveries reported by the sink
}
