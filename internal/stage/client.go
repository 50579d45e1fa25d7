// Package stage calls the remote stage backend that does the research work.
//
// Every stage is a POST of a signed CloudEvent to <base>/stages/<phase>.
// The backend answers with {"text", "items", "personas", "logs"}. Chat
// turns go to <base>/stages/chat and answer with {"reply"}. Description
// checks go to <base>/stages/check_description and answer with
// {"coverage": {"<dimension id>": bool}}.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"research/internal/job"
	"research/pkg/backoff"
	"research/pkg/circuitbreaker"
	"research/pkg/cloudevent"
	"strings"
)

// EventTypePrefix prefixes the CloudEvents type of every stage request.
const EventTypePrefix = "research.stage."

const (
	chatStage  = "chat"
	checkStage = "check_description"
)

// Client implements the stage and chat functions over HTTP.
type Client struct {
	base     string
	host     string
	config   Config
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
}

// stageResponse is the body the backend returns for a stage.
type stageResponse struct {
	job.StageOutput
	Logs []string `json:"logs,omitempty"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

type checkResponse struct {
	Coverage map[string]bool `json:"coverage"`
}

// New creates a client for the backend at cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, errors.New("stage base URL is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid stage base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid stage base URL %q: scheme must be http or https", cfg.BaseURL)
	}

	breaker := cfg.Breaker
	if breaker.Counts == nil {
		// A 4xx is our request's fault, not the backend's.
		breaker.Counts = func(err error) bool { return !cloudevent.IsClientError(err) }
	}

	logger := slog.With("component", "stage-client")
	if breaker.OnStateChange == nil {
		breaker.OnStateChange = func(host string, from, to circuitbreaker.State) {
			if to == circuitbreaker.Open {
				logger.Warn("Stage backend circuit opened", "host", host, "from", from)
				return
			}
			logger.Info("Stage backend circuit changed", "host", host, "from", from, "to", to)
		}
	}

	return &Client{
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		host:     u.Host,
		config:   cfg,
		sender:   cloudevent.NewSender(cfg.Timeout),
		breakers: circuitbreaker.NewRegistry(breaker),
		logger:   logger.With("host", u.Host),
	}, nil
}

// Stages returns a stage function for every pipeline stage.
func (c *Client) Stages() job.Stages {
	stages := make(job.Stages)
	for _, p := range job.StagePhases() {
		stages[p] = c.run
	}
	return stages
}

func (c *Client) run(ctx context.Context, in job.StageInput) (job.StageOutput, error) {
	req := map[string]any{
		"description": in.Description,
		"phase":       in.Phase,
		"prior":       in.Prior,
	}
	if in.Phase == job.PhaseGeneratingPersonas {
		req["personas"] = in.Personas
	}

	var resp stageResponse
	if err := c.call(ctx, string(in.Phase), in.JobID, req, &resp); err != nil {
		return job.StageOutput{}, err
	}
	if in.Logf != nil {
		for _, line := range resp.Logs {
			in.Logf("%s", line)
		}
	}
	return resp.StageOutput, nil
}

// Chat asks the backend for the selected persona's reply.
func (c *Client) Chat(ctx context.Context, in job.ChatInput) (string, error) {
	var resp chatResponse
	err := c.call(ctx, chatStage, in.JobID, map[string]any{
		"persona": in.Persona,
		"report":  in.Report,
		"history": in.History,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Reply, nil
}

// CheckDescription asks the backend which dimensions description covers.
func (c *Client) CheckDescription(ctx context.Context, description string, dimensions []job.Dimension) (map[string]bool, error) {
	var resp checkResponse
	err := c.call(ctx, checkStage, "", map[string]any{
		"description": description,
		"dimensions":  dimensions,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Coverage, nil
}

// Ready reports an error while the backend's circuit is open.
func (c *Client) Ready(context.Context) error {
	if state := c.breakers.State(c.host); state == circuitbreaker.Open {
		return fmt.Errorf("stage backend %s: circuit %s", c.host, state)
	}
	return nil
}

// call posts one stage request, retrying server errors with backoff. The
// breaker short-circuits calls while the backend keeps failing.
func (c *Client) call(ctx context.Context, name, jobID string, data map[string]any, out any) error {
	ev := cloudevent.New(EventTypePrefix+name, job.EventSource, jobID, "", data)
	target := c.base + "/stages/" + name
	opts := cloudevent.SendOptions{SigningKey: c.config.SigningKey}

	attempt := 0
	err := backoff.Retry(ctx, c.config.Retries, &c.config.Backoff, retryable, func(ctx context.Context) error {
		attempt++
		return c.breakers.Execute(ctx, c.host, func(ctx context.Context) error {
			return c.sender.Exchange(ctx, target, ev, opts, out)
		})
	})
	if err != nil {
		c.logger.Warn("Stage call failed", "stage", name, "jobId", jobID, "attempts", attempt, "error", err)
		return fmt.Errorf("stage %s: %w", name, err)
	}
	return nil
}

func retryable(err error) bool {
	return !errors.Is(err, circuitbreaker.ErrOpen) && !cloudevent.IsClientError(err)
}
