package job

import (
	"log/slog"
	"research/internal/dispatcher"
	"research/pkg/cloudevent"
	"sync/atomic"
)

// Notifier is the only way workers reach observers. Notify hands the event
// to the dispatcher and returns at once; a failed hand-off is logged and
// dropped so it can never fail the pipeline.
type Notifier struct {
	dispatcher dispatcher.Dispatcher
	logger     *slog.Logger
	failures   atomic.Int64
}

// NewNotifier creates a Notifier over d.
func NewNotifier(d dispatcher.Dispatcher) *Notifier {
	return &Notifier{
		dispatcher: d,
		logger:     slog.With("component", "notifier"),
	}
}

// Notify submits ev for jobID.
func (n *Notifier) Notify(jobID string, ev *cloudevent.CloudEvent) {
	if n == nil || n.dispatcher == nil || ev == nil {
		return
	}
	if err := n.dispatcher.Dispatch(&dispatcher.Event{JobID: jobID, Payload: ev}); err != nil {
		n.failures.Add(1)
		n.logger.Warn("Notification dropped", "jobId", jobID, "type", ev.Type, "error", err)
	}
}

// Failures returns how many notifications were dropped.
func (n *Notifier) Failures() int64 {
	return n.failures.Load()
}
