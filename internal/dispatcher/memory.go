package dispatcher

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryDispatcher is an in-memory async event dispatcher.
//
// Every job with pending events owns a lane: a bounded FIFO drained by its
// own goroutine, started on the first event and stopped once the lane is
// empty. Events of one job reach the sink in the order they were
// dispatched, and a slow broadcast for one job never delays another. Lanes
// live in N shards keyed by a hash of the job ID so Dispatch calls for
// different jobs rarely share a lock. If a lane is full the event is
// dropped (logged + metric incremented).
type MemoryDispatcher struct {
	shards  []*shard
	sink    Sink
	config  MemoryConfig
	logger  *slog.Logger
	metrics MetricsRecorder

	// Internal counters (for Stats())
	pending   atomic.Int64
	lanes     atomic.Int64
	queued    atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	receipts  atomic.Int64

	mu       sync.RWMutex // guards closed against in-flight Dispatch calls
	closed   bool
	wg       sync.WaitGroup
	shutdown chan struct{}
}

type shard struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

// lane holds one job's undelivered events.
type lane struct {
	events []*Event
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64, observers int)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory creates a new in-memory dispatcher delivering to sink.
func NewMemory(cfg MemoryConfig, sink Sink, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		shards:   make([]*shard, cfg.Shards),
		sink:     sink,
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}
	for i := range d.shards {
		d.shards[i] = &shard{lanes: make(map[string]*lane)}
	}

	if metrics != nil {
		d.wg.Add(1)
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "shards", cfg.Shards, "buffer", cfg.BufferSize)
	return d
}

// reportQueueSize periodically reports the queue size metric.
func (d *MemoryDispatcher) reportQueueSize() {
	defer d.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), d.pending.Load())
		}
	}
}

// Dispatch queues an event for async delivery.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	s := d.shardFor(event.JobID)
	s.mu.Lock()
	l, running := s.lanes[event.JobID]
	if !running {
		l = &lane{}
		s.lanes[event.JobID] = l
	}
	if len(l.events) >= d.config.BufferSize {
		s.mu.Unlock()
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDropped(context.Background())
		}
		d.logger.Warn("Event dropped, buffer full",
			"jobId", event.JobID,
			"type", event.Payload.Type,
		)
		return ErrBufferFull
	}
	l.events = append(l.events, event)
	d.pending.Add(1)
	d.queued.Add(1)
	if !running {
		d.lanes.Add(1)
		d.wg.Add(1)
		go d.run(s, event.JobID, l)
	}
	s.mu.Unlock()
	return nil
}

func (d *MemoryDispatcher) shardFor(jobID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	return d.shards[h.Sum32()%uint32(len(d.shards))]
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	return Stats{
		QueueDepth: int(d.pending.Load()),
		Shards:     len(d.shards),
		Lanes:      int(d.lanes.Load()),
		Queued:     d.queued.Load(),
		Delivered:  d.delivered.Load(),
		Dropped:    d.dropped.Load(),
		Receipts:   d.receipts.Load(),
	}
}

// Close gracefully shuts down the dispatcher.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.logger.Info("Dispatcher shutting down", "queued", d.pending.Load())
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", d.pending.Load())
		return ctx.Err()
	}
}

// run delivers one job's events in order and retires the lane when it is
// empty. A later Dispatch for the same job starts a fresh lane.
func (d *MemoryDispatcher) run(s *shard, jobID string, l *lane) {
	defer d.wg.Done()

	for {
		s.mu.Lock()
		if len(l.events) == 0 {
			delete(s.lanes, jobID)
			s.mu.Unlock()
			d.lanes.Add(-1)
			return
		}
		event := l.events[0]
		l.events[0] = nil
		l.events = l.events[1:]
		s.mu.Unlock()

		d.pending.Add(-1)
		d.deliver(event)
	}
}

func (d *MemoryDispatcher) deliver(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	n := d.sink.Broadcast(ctx, event.JobID, event.Payload)

	d.delivered.Add(1)
	d.receipts.Add(int64(n))
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds(), n)
	}
}

// Verify MemoryDispatcher implements Dispatcher
var _ Dispatcher = (*MemoryDispatcher)(nil)
