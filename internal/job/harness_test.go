package job_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"research/internal/apperrors"
	"research/internal/dispatcher"
	"research/internal/hub"
	"research/internal/job"
	"research/internal/store/sqlite"
	"research/internal/testutil"
	"research/pkg/backoff"
	"research/pkg/cloudevent"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type harness struct {
	t     *testing.T
	dir   string
	store job.Store
	hub   *hub.Hub
	svc   *job.Service
	once  sync.Once
}

type harnessOptions struct {
	stages   map[job.Phase]job.StageFunc
	chat     job.ChatFunc
	check    job.CheckFunc
	wrap     func(job.Store) job.Store
	personas int
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	dir := t.TempDir()
	return startHarness(t, dir, opts)
}

// startHarness builds a service over the database in dir. Calling it twice
// on the same dir simulates a process restart.
func startHarness(t *testing.T, dir string, opts harnessOptions) *harness {
	t.Helper()

	db, err := sqlite.Open(context.Background(), sqlite.Config{
		Path:    filepath.Join(dir, "research.db"),
		DataDir: dir,
	})
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	var store job.Store = db
	if opts.wrap != nil {
		store = opts.wrap(store)
	}

	h := hub.New(nil)
	disp := dispatcher.NewMemory(dispatcher.MemoryConfig{BufferSize: 256, Shards: 2}, h, nil)

	personas := opts.personas
	if personas == 0 {
		personas = 4
	}
	svc, err := job.NewService(job.ServiceConfig{
		DataDir: dir,
		Executor: job.ExecutorConfig{
			StoreRetries: 3,
			RetryBackoff: backoff.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond},
			Personas:     personas,
		},
	}, job.Dependencies{
		Store:         store,
		Dispatcher:    disp,
		Subscriptions: h,
		Stages:        fakeStages(opts.stages),
		Chat:          opts.chat,
		Check:         opts.check,
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	hs := &harness{t: t, dir: dir, store: store, hub: h, svc: svc}
	t.Cleanup(hs.stop)
	return hs
}

// stop waits for workers, drains events and closes the store. Safe to call twice.
func (h *harness) stop() {
	h.once.Do(h.shutdown)
}

func (h *harness) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.svc.Wait(ctx); err != nil {
		h.t.Errorf("Workers did not finish: %v", err)
	}
	if err := h.svc.Shutdown(ctx); err != nil {
		h.t.Errorf("Shutdown failed: %v", err)
	}
	h.store.Close()
}

func (h *harness) create(description string) string {
	h.t.Helper()
	resp, err := h.svc.Create(context.Background(), &job.Request{Description: description})
	if err != nil {
		h.t.Fatalf("Create failed: %v", err)
	}
	return resp.ID
}

func (h *harness) waitPhase(id string, want job.Phase) *job.Record {
	h.t.Helper()
	var rec *job.Record
	testutil.MustWaitFor(h.t, func() bool {
		r, err := h.svc.Get(context.Background(), id)
		if err != nil {
			return false
		}
		rec = r
		return r.Phase == want
	}, testutil.WithTimeout(10*time.Second))
	return rec
}

// fakeStages answers every stage with a short text, the final analysis
// with a report and the persona stage with in.Personas personas.
func fakeStages(overrides map[job.Phase]job.StageFunc) job.Stages {
	stages := job.Stages{}
	for _, p := range job.StagePhases() {
		stages[p] = func(_ context.Context, in job.StageInput) (job.StageOutput, error) {
			in.Logf("running %s", in.Phase)
			return job.StageOutput{Text: fmt.Sprintf("%s output for %s", in.Phase, in.Description)}, nil
		}
	}
	stages[job.PhaseAnalyzingFinal] = func(_ context.Context, in job.StageInput) (job.StageOutput, error) {
		return job.StageOutput{Text: reportFor(in.Description)}, nil
	}
	stages[job.PhaseGeneratingPersonas] = func(_ context.Context, in job.StageInput) (job.StageOutput, error) {
		if _, ok := in.Prior[job.PhaseAnalyzingFinal]; !ok {
			return job.StageOutput{}, errors.New("persona stage ran without the final analysis")
		}
		personas := make([]job.Persona, in.Personas)
		for i := range personas {
			personas[i] = job.Persona{
				Name:   fmt.Sprintf("Persona %d", i+1),
				Prompt: "You are a customer.",
				Card:   map[string]any{"age": 30 + i},
			}
		}
		return job.StageOutput{Personas: personas}, nil
	}
	for p, fn := range overrides {
		stages[p] = fn
	}
	return stages
}

func reportFor(description string) string {
	return "# Final analysis\n\nDemand for " + description + " is growing."
}

// gate blocks a stage until release is closed.
func gate(release <-chan struct{}) job.StageFunc {
	return func(ctx context.Context, in job.StageInput) (job.StageOutput, error) {
		<-release
		return job.StageOutput{Text: "released"}, nil
	}
}

func failing(err error) job.StageFunc {
	return func(context.Context, job.StageInput) (job.StageOutput, error) {
		return job.StageOutput{}, err
	}
}

// observer records events and can be made to fail like a closed socket.
type observer struct {
	mu     sync.Mutex
	events []*cloudevent.CloudEvent
	closed atomic.Bool
}

func (o *observer) Send(_ context.Context, ev *cloudevent.CloudEvent) error {
	if o.closed.Load() {
		return errors.New("use of closed network connection")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
	return nil
}

func (o *observer) snapshot() []*cloudevent.CloudEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*cloudevent.CloudEvent(nil), o.events...)
}

// find returns the first event of type t whose status matches phase ("" = any).
func (o *observer) find(t string, phase job.Phase) *cloudevent.CloudEvent {
	for _, ev := range o.snapshot() {
		if ev.Type != t {
			continue
		}
		if phase == "" || ev.Data["status"] == phase {
			return ev
		}
	}
	return nil
}

func (o *observer) waitFor(t *testing.T, eventType string, phase job.Phase) *cloudevent.CloudEvent {
	t.Helper()
	var ev *cloudevent.CloudEvent
	testutil.MustWaitFor(t, func() bool {
		ev = o.find(eventType, phase)
		return ev != nil
	}, testutil.WithTimeout(10*time.Second))
	return ev
}

// flakyStore fails updates into one phase with a transient error.
type flakyStore struct {
	job.Store
	failPhase job.Phase
	attempts  atomic.Int32
}

func (s *flakyStore) Update(ctx context.Context, id string, patch job.Patch) (*job.Record, error) {
	if patch.Phase != nil && *patch.Phase == s.failPhase {
		s.attempts.Add(1)
		return nil, apperrors.Internal("store.update", errors.New("database is locked"))
	}
	return s.Store.Update(ctx, id, patch)
}
