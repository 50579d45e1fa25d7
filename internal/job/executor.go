package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"research/internal/apperrors"
	"research/internal/observability"
	"research/pkg/backoff"
	"research/pkg/cloudevent"
	"time"
)

// ExecutorConfig tunes how the executor persists progress.
type ExecutorConfig struct {
	StoreRetries int            // attempts per store write (default: 3)
	RetryBackoff backoff.Config // delay between attempts
	Personas     int            // persona count passed to the persona stage (default: 4)
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.StoreRetries <= 0 {
		c.StoreRetries = 3
	}
	if c.Personas <= 0 {
		c.Personas = 4
	}
	return c
}

// Executor drives one job at a time through the executor-owned part of the
// lifecycle. Every transition is written to the Store, mirrored into the
// Cache and only then announced.
type Executor struct {
	store    Store
	cache    *Cache
	notifier *Notifier
	stages   Stages
	metrics  *observability.Metrics
	config   ExecutorConfig
}

// NewExecutor creates an executor. stages must cover every stage phase.
func NewExecutor(store Store, cache *Cache, notifier *Notifier, stages Stages, metrics *observability.Metrics, cfg ExecutorConfig) (*Executor, error) {
	if err := stages.Validate(); err != nil {
		return nil, err
	}
	return &Executor{
		store:    store,
		cache:    cache,
		notifier: notifier,
		stages:   stages,
		metrics:  metrics,
		config:   cfg.withDefaults(),
	}, nil
}

// errPersistence marks a store write that kept failing.
var errPersistence = errors.New("persistence error")

// Run executes the pipeline for a pending job until personas_ready or failed.
// The returned error is the failure recorded on the job, if any. Cancelling
// ctx does not stop the run.
func (x *Executor) Run(ctx context.Context, id string) error {
	ctx = context.WithoutCancel(ctx)
	logger := slog.With("jobId", id)

	rec, err := x.cache.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Phase != PhasePending {
		return apperrors.Conflict("job", fmt.Sprintf("job %s is %s, only pending jobs can run", id, rec.Phase))
	}

	start := time.Now()
	if x.metrics != nil {
		x.metrics.RecordJobStarted(ctx)
	}
	logger.Info("Job started")

	err = x.run(ctx, rec, logger)

	final := PhasePersonasReady
	if err != nil {
		final = PhaseFailed
		x.fail(ctx, id, err, logger)
	}
	if x.metrics != nil {
		x.metrics.RecordJobFinished(ctx, string(final), err == nil, time.Since(start).Seconds())
	}
	if err == nil {
		logger.Info("Job pipeline finished", "duration", time.Since(start))
	}
	return err
}

func (x *Executor) run(ctx context.Context, rec *Record, logger *slog.Logger) error {
	info, err := os.Stat(rec.WorkDir)
	if err != nil {
		return fmt.Errorf("working directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("working directory unavailable: %s is not a directory", rec.WorkDir)
	}

	events := NewEventBuilder(rec.ID)
	outputs := make(map[Phase]StageOutput)

	for _, step := range pipeline() {
		if step.stage {
			if _, err := x.commit(ctx, rec.ID, PhasePatch(step.phase), events.BuildStatusEvent(step.phase)); err != nil {
				return err
			}

			out, err := x.runStage(ctx, rec, step.phase, outputs, events, logger)
			if err != nil {
				return fmt.Errorf("stage %s failed: %w", step.phase, err)
			}
			outputs[step.phase] = out
			continue
		}

		content, data, err := encodeArtifact(step.publishes, outputs[step.source])
		if err != nil {
			return fmt.Errorf("stage %s failed: %w", step.source, err)
		}

		var ptr Pointer
		err = x.retryWrite(ctx, func(ctx context.Context) error {
			var werr error
			ptr, werr = x.store.WriteArtifact(ctx, rec.ID, step.publishes, data)
			return werr
		})
		if err != nil {
			return fmt.Errorf("%w: writing %s: %v", errPersistence, step.publishes, err)
		}

		patch := PhasePatch(step.phase).WithPointer(ptr)
		if _, err := x.commit(ctx, rec.ID, patch, events.BuildDataReadyEvent(step.phase, step.publishes, content)); err != nil {
			return err
		}
		logger.Info("Artifact published", "artifact", step.publishes, "location", ptr.Location)
	}
	return nil
}

// commit persists patch, mirrors the result and announces ev.
func (x *Executor) commit(ctx context.Context, id string, patch Patch, ev *cloudevent.CloudEvent) (*Record, error) {
	var rec *Record
	err := x.retryWrite(ctx, func(ctx context.Context) error {
		var uerr error
		rec, uerr = x.store.Update(ctx, id, patch)
		return uerr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errPersistence, err)
	}
	x.cache.Put(rec)
	x.notifier.Notify(id, ev)
	return rec, nil
}

// retryWrite retries transient store failures. Conflicts and validation
// errors are returned at once.
func (x *Executor) retryWrite(ctx context.Context, fn func(context.Context) error) error {
	return backoff.Retry(ctx, x.config.StoreRetries, &x.config.RetryBackoff, func(err error) bool {
		return errors.Is(err, apperrors.ErrInternal)
	}, fn)
}

func (x *Executor) runStage(ctx context.Context, rec *Record, phase Phase, prior map[Phase]StageOutput, events *EventBuilder, logger *slog.Logger) (out StageOutput, err error) {
	in := StageInput{
		JobID:       rec.ID,
		Description: rec.Description,
		WorkDir:     rec.WorkDir,
		Phase:       phase,
		Prior:       prior,
		Personas:    x.config.Personas,
		Logf: func(format string, args ...any) {
			x.notifier.Notify(rec.ID, events.BuildLogEvent(phase, fmt.Sprintf(format, args...)))
		},
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage panicked: %v", r)
		}
		if err == nil && out.Empty() {
			err = ErrNoAnswer
		}
		if x.metrics != nil {
			x.metrics.RecordStage(ctx, string(phase), err == nil, time.Since(start).Seconds())
		}
		logger.Debug("Stage finished", "stage", phase, "duration", time.Since(start), "error", err)
	}()

	return x.stages[phase](ctx, in)
}

// fail records cause on the job and announces it. The error event carries
// the failed phase only once the store has accepted it.
func (x *Executor) fail(ctx context.Context, id string, cause error, logger *slog.Logger) {
	logger.Error("Job failed", "error", cause)

	events := NewEventBuilder(id)
	err := x.retryWrite(ctx, func(ctx context.Context) error {
		rec, uerr := x.store.Update(ctx, id, FailurePatch(cause.Error()))
		if uerr == nil {
			x.cache.Put(rec)
		}
		return uerr
	})
	if err != nil {
		logger.Error("Failed to record job failure", "error", err)
		x.notifier.Notify(id, events.BuildErrorEvent("", cause))
		return
	}
	x.notifier.Notify(id, events.BuildErrorEvent(PhaseFailed, cause))
}

// encodeArtifact turns a stage output into the event content and the bytes
// to store for kind.
func encodeArtifact(kind ArtifactKind, out StageOutput) (any, []byte, error) {
	switch kind {
	case ArtifactReport:
		if out.Text == "" {
			return nil, nil, ErrNoAnswer
		}
		return out.Text, []byte(out.Text), nil
	case ArtifactPersonas:
		if len(out.Personas) == 0 {
			return nil, nil, ErrNoAnswer
		}
		data, err := json.MarshalIndent(out.Personas, "", "  ")
		if err != nil {
			return nil, nil, fmt.Errorf("encode personas: %w", err)
		}
		return out.Personas, data, nil
	default:
		return nil, nil, fmt.Errorf("unknown artifact kind %q", kind)
	}
}
