package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"research/internal/apperrors"
	"research/internal/dispatcher"
	"research/internal/hub"
	"research/internal/observability"
	"research/pkg/backoff"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Errors returned by SelectPersona, classified by errors.Is.
var (
	ErrInvalidIndex = errors.New("invalid persona index")
	ErrNotReady     = apperrors.ErrNotReady
)

const (
	defaultMaxDescription = 8192
	defaultChatHistory    = 50
	maxChatMessage        = 4096
)

// Subscriptions is the membership side of the fan-out hub.
type Subscriptions interface {
	Subscribe(jobID string, obs hub.Observer)
	Unsubscribe(jobID string, obs hub.Observer)
}

// ServiceConfig holds settings for the job service.
type ServiceConfig struct {
	DataDir          string // job working directories live under DataDir/jobs
	MaxDescription   int
	ChatHistoryLimit int
	Executor         ExecutorConfig
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.MaxDescription <= 0 {
		c.MaxDescription = defaultMaxDescription
	}
	if c.ChatHistoryLimit <= 0 {
		c.ChatHistoryLimit = defaultChatHistory
	}
	return c
}

// errStaleReply marks a reply whose persona session was replaced or ended
// while the reply was being generated.
var errStaleReply = errors.New("persona session changed before the reply arrived")

// chatSession orders the chat writes of one job against persona selection.
// generation moves on every selection; a reply carries the generation its
// user turn was accepted under and is dropped if it no longer matches.
type chatSession struct {
	mu         sync.Mutex // guards generation and every chat write + event
	generation int64
	replies    sync.Mutex // one reply in flight per job
}

func (s *Service) session(id string) *chatSession {
	v, _ := s.sessions.LoadOrStore(id, &chatSession{})
	return v.(*chatSession)
}

// Dependencies are the collaborators a Service is built from.
type Dependencies struct {
	Store         Store
	Dispatcher    dispatcher.Dispatcher
	Subscriptions Subscriptions
	Stages        Stages
	Chat          ChatFunc  // optional; Chat returns an error when nil
	Check         CheckFunc // optional; CheckDescription returns an error when nil
	Metrics       *observability.Metrics
}

// Service is the actor-facing entry point for jobs.
//
// Create persists a job and starts its executor on a separate goroutine.
// Reads go through the Cache, which falls back to the Store after a
// restart, so every operation works for jobs created by an earlier process.
type Service struct {
	store      Store
	cache      *Cache
	notifier   *Notifier
	dispatcher dispatcher.Dispatcher
	subs       Subscriptions
	executor   *Executor
	chat       ChatFunc
	check      CheckFunc
	metrics    *observability.Metrics
	config     ServiceConfig

	sessions  sync.Map // job ID -> *chatSession
	workers   sync.WaitGroup
	closing   atomic.Bool
	logger    *slog.Logger
}

// NewService creates a new job service.
func NewService(cfg ServiceConfig, deps Dependencies) (*Service, error) {
	cfg = cfg.withDefaults()
	if deps.Store == nil {
		return nil, errors.New("job service requires a store")
	}

	cache := NewCache(deps.Store)
	notifier := NewNotifier(deps.Dispatcher)
	executor, err := NewExecutor(deps.Store, cache, notifier, deps.Stages, deps.Metrics, cfg.Executor)
	if err != nil {
		return nil, err
	}

	return &Service{
		store:      deps.Store,
		cache:      cache,
		notifier:   notifier,
		dispatcher: deps.Dispatcher,
		subs:       deps.Subscriptions,
		executor:   executor,
		chat:       deps.Chat,
		check:      deps.Check,
		metrics:    deps.Metrics,
		config:     cfg,
		logger:     slog.With("component", "job-service"),
	}, nil
}

// Create validates the request, persists a pending job and starts its pipeline.
func (s *Service) Create(ctx context.Context, req *Request) (*Response, error) {
	if s.closing.Load() {
		return nil, apperrors.Conflict("job", "service is shutting down")
	}
	if err := s.validate(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:          uuid.NewString(),
		Description: strings.TrimSpace(req.Description),
		Phase:       PhasePending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	rec.WorkDir = filepath.Join(s.config.DataDir, "jobs", rec.ID)
	logger := slog.With("jobId", rec.ID)

	if err := os.MkdirAll(rec.WorkDir, 0o755); err != nil {
		logger.Error("Failed to create working directory", "error", err)
		return nil, apperrors.Internal("job.createWorkDir", err)
	}
	if err := s.store.Create(ctx, rec); err != nil {
		logger.Error("Job failed to persist", "error", err)
		return nil, err
	}
	s.cache.Put(rec)

	if s.metrics != nil {
		s.metrics.RecordJobCreated(ctx)
	}
	logger.Info("Job created")

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		_ = s.executor.Run(context.WithoutCancel(ctx), rec.ID)
	}()

	return &Response{ID: rec.ID, Phase: rec.Phase}, nil
}

// Get returns the job's current record.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.cache.Get(ctx, id)
}

// List returns summaries of all jobs.
func (s *Service) List(ctx context.Context) (*ListResponse, error) {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []Summary{}
	}
	return &ListResponse{Jobs: jobs}, nil
}

// Subscribe adds obs to the job's observers. Subscribing twice is a no-op.
func (s *Service) Subscribe(id string, obs hub.Observer) {
	if s.subs != nil {
		s.subs.Subscribe(id, obs)
	}
}

// Unsubscribe removes obs from the job's observers.
func (s *Service) Unsubscribe(id string, obs hub.Observer) {
	if s.subs != nil {
		s.subs.Unsubscribe(id, obs)
	}
}

// Report returns the final analysis text.
func (s *Service) Report(ctx context.Context, id string) (string, error) {
	rec, err := s.cache.Get(ctx, id)
	if err != nil {
		return "", err
	}
	ptr, ok := rec.Pointer(ArtifactReport)
	if !ok {
		return "", apperrors.NotReady("report", fmt.Sprintf("final analysis for job %s is not ready (status: %s)", id, rec.Phase))
	}
	data, err := s.store.ReadArtifact(ctx, ptr)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SelectPersona records the persona chosen for chat. choice is 1-based.
// Choosing again while a persona is selected switches persona and clears
// the chat transcript.
func (s *Service) SelectPersona(ctx context.Context, id string, choice int) (*Selection, error) {
	rec, err := s.cache.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case rec.Phase.Terminal():
		return nil, apperrors.Conflict("job", fmt.Sprintf("job %s is %s", id, rec.Phase))
	case !rec.Phase.Reached(PhasePersonasReady):
		return nil, apperrors.NotReady("personas", fmt.Sprintf("personas for job %s are not ready (status: %s)", id, rec.Phase))
	}

	personas, err := s.cache.Personas(ctx, id)
	if err != nil {
		return nil, err
	}
	if choice < 1 || choice > len(personas) {
		return nil, &apperrors.Error{
			Sentinel: apperrors.ErrValidation,
			Message:  fmt.Sprintf("choice must be between 1 and %d", len(personas)),
			Field:    "choice",
			Cause:    ErrInvalidIndex,
		}
	}

	sess := s.session(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	phase := PhasePersonaSelected
	updated, err := s.store.Update(ctx, id, Patch{
		Phase:           &phase,
		SelectedPersona: &choice,
		ClearChat:       true,
	})
	if err != nil {
		return nil, err
	}
	sess.generation++
	s.cache.Put(updated)

	sel := &Selection{JobID: id, Choice: choice, Persona: personas[choice-1]}
	s.notifier.Notify(id, NewEventBuilder(id).BuildSelectionEvent(sel))
	slog.Info("Persona selected", "jobId", id, "choice", choice, "persona", sel.Persona.Name)
	return sel, nil
}

// Chat records a user message and asks the selected persona for a reply
// on a worker goroutine. The reply arrives as a chat_reply event.
func (s *Service) Chat(ctx context.Context, id, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return apperrors.Validation("message", "message is required")
	}
	if len(message) > maxChatMessage {
		return apperrors.Validation("message", fmt.Sprintf("message exceeds maximum length of %d", maxChatMessage))
	}
	if s.chat == nil {
		return apperrors.Conflict("chat", "chat is not configured")
	}

	rec, err := s.cache.Get(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case rec.Phase.Terminal():
		return apperrors.Conflict("job", fmt.Sprintf("job %s is %s", id, rec.Phase))
	case rec.Phase != PhasePersonaSelected:
		return apperrors.NotReady("chat", "select a persona before chatting")
	}

	turn := ChatMessage{Role: RoleUser, Content: message, Time: time.Now().UTC()}
	sess := s.session(id)
	gen, err := s.acceptTurn(ctx, id, sess, turn)
	if err != nil {
		return err
	}

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		s.reply(context.WithoutCancel(ctx), id, sess, gen)
	}()
	return nil
}

// acceptTurn appends the user turn to the current persona session and
// returns that session's generation.
func (s *Service) acceptTurn(ctx context.Context, id string, sess *chatSession, turn ChatMessage) (int64, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	// Re-read under the session lock: Complete may have run since the check.
	rec, err := s.cache.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if rec.Phase != PhasePersonaSelected {
		if rec.Phase.Terminal() {
			s.sessions.CompareAndDelete(id, sess)
		}
		return 0, apperrors.Conflict("job", fmt.Sprintf("job %s is %s", id, rec.Phase))
	}
	if err := s.store.AppendChat(ctx, id, turn); err != nil {
		return 0, err
	}
	return sess.generation, nil
}

func (s *Service) reply(ctx context.Context, id string, sess *chatSession, gen int64) {
	sess.replies.Lock()
	defer sess.replies.Unlock()

	logger := slog.With("jobId", id)
	events := NewEventBuilder(id)

	text, err := s.generateReply(ctx, id)
	if err == nil {
		err = s.publishReply(ctx, id, sess, gen, text)
	}
	if errors.Is(err, errStaleReply) {
		logger.Info("Chat reply discarded", "reason", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordChatTurn(ctx, err == nil)
	}
	if err != nil {
		logger.Warn("Chat reply failed", "error", err)
		s.notifier.Notify(id, events.BuildErrorEvent("", fmt.Errorf("chat reply failed: %w", err)))
	}
}

func (s *Service) generateReply(ctx context.Context, id string) (string, error) {
	rec, err := s.cache.Get(ctx, id)
	if err != nil {
		return "", err
	}
	personas, err := s.cache.Personas(ctx, id)
	if err != nil {
		return "", err
	}
	if rec.SelectedPersona < 1 || rec.SelectedPersona > len(personas) {
		return "", ErrInvalidIndex
	}
	report, err := s.Report(ctx, id)
	if err != nil {
		return "", err
	}
	history, err := s.store.RecentChat(ctx, id, s.config.ChatHistoryLimit)
	if err != nil {
		return "", err
	}

	text, err := s.chat(ctx, ChatInput{
		JobID:   id,
		Persona: personas[rec.SelectedPersona-1],
		Report:  report,
		History: history,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrNoAnswer
	}
	return text, nil
}

// publishReply persists the persona turn and announces it, unless the
// session it answers has been replaced or the job is no longer chatting.
func (s *Service) publishReply(ctx context.Context, id string, sess *chatSession, gen int64, text string) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.generation != gen {
		return errStaleReply
	}
	rec, err := s.cache.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Phase != PhasePersonaSelected {
		return errStaleReply
	}

	msg := ChatMessage{Role: RolePersona, Content: text, Time: time.Now().UTC()}
	err = backoff.Retry(ctx, s.executor.config.StoreRetries, &s.executor.config.RetryBackoff, func(err error) bool {
		return errors.Is(err, apperrors.ErrInternal)
	}, func(ctx context.Context) error {
		return s.store.AppendChat(ctx, id, msg)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errPersistence, err)
	}
	s.notifier.Notify(id, NewEventBuilder(id).BuildChatReplyEvent(msg))
	return nil
}

// CheckDescription asks the stage backend which dimensions description
// already covers. It is independent of any job. Every requested dimension
// appears in the result; dimensions the backend did not mention are false.
func (s *Service) CheckDescription(ctx context.Context, description string, dimensions []Dimension) (*CheckResponse, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, apperrors.Validation("description", "description is required")
	}
	if len(description) > s.config.MaxDescription {
		return nil, apperrors.Validation("description", fmt.Sprintf("description exceeds maximum length of %d", s.config.MaxDescription))
	}
	if len(dimensions) == 0 {
		return nil, apperrors.Validation("dimensions", "at least one dimension is required")
	}
	seen := make(map[string]bool, len(dimensions))
	for i, d := range dimensions {
		if strings.TrimSpace(d.ID) == "" {
			return nil, apperrors.Validation("dimensions", fmt.Sprintf("dimension %d has no id", i))
		}
		if seen[d.ID] {
			return nil, apperrors.Validation("dimensions", fmt.Sprintf("duplicate dimension %q", d.ID))
		}
		seen[d.ID] = true
	}
	if s.check == nil {
		return nil, apperrors.Conflict("check", "description check is not configured")
	}

	got, err := s.check(ctx, description, dimensions)
	if err != nil {
		s.logger.Warn("Description check failed", "dimensions", len(dimensions), "error", err)
		return nil, apperrors.Internal("job.checkDescription", err)
	}

	coverage := make(map[string]bool, len(dimensions))
	for _, d := range dimensions {
		coverage[d.ID] = got[d.ID]
	}
	return &CheckResponse{Coverage: coverage}, nil
}

// Complete ends the interactive session of a job.
func (s *Service) Complete(ctx context.Context, id string) (*Record, error) {
	rec, err := s.cache.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Phase != PhasePersonaSelected {
		if rec.Phase.Terminal() {
			return nil, apperrors.Conflict("job", fmt.Sprintf("job %s is %s", id, rec.Phase))
		}
		return nil, apperrors.NotReady("job", "select a persona before completing")
	}

	sess := s.session(id)
	sess.mu.Lock()
	updated, err := s.store.Update(ctx, id, PhasePatch(PhaseCompleted))
	if err != nil {
		sess.mu.Unlock()
		return nil, err
	}
	s.cache.Put(updated)
	s.notifier.Notify(id, NewEventBuilder(id).BuildStatusEvent(PhaseCompleted))
	sess.mu.Unlock()
	// A reply still holding sess sees the completed phase and is dropped.
	s.sessions.Delete(id)

	slog.Info("Job completed", "jobId", id)
	return updated, nil
}

// RecoverInterrupted fails jobs whose pipeline was running when the
// previous process stopped. Pipelines are never resumed mid-way.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, j := range jobs {
		if j.Phase == PhaseFailed || j.Phase.Reached(PhasePersonasReady) {
			continue
		}
		rec, err := s.store.Update(ctx, j.ID, FailurePatch("interrupted: service restarted before the pipeline finished"))
		if err != nil {
			s.logger.Warn("Failed to mark interrupted job", "jobId", j.ID, "error", err)
			continue
		}
		s.cache.Put(rec)
		recovered++
	}
	if recovered > 0 {
		s.logger.Info("Interrupted jobs marked failed", "count", recovered)
	}
	return recovered, nil
}

// Shutdown stops accepting jobs and drains in-flight notifications.
// Running pipelines are not cancelled.
func (s *Service) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	if s.dispatcher == nil {
		return nil
	}
	return s.dispatcher.Close(ctx)
}

// Wait blocks until all pipeline and chat goroutines have returned or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// validate validates a job request. Does not modify the request.
func (s *Service) validate(req *Request) error {
	if req == nil || strings.TrimSpace(req.Description) == "" {
		return apperrors.Validation("description", "description is required")
	}
	if len(req.Description) > s.config.MaxDescription {
		return apperrors.Validation("description", fmt.Sprintf("description exceeds maximum length of %d", s.config.MaxDescription))
	}
	return nil
}
