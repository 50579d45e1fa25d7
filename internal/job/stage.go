package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoAnswer is returned by a stage function that ran but produced nothing usable.
var ErrNoAnswer = errors.New("stage produced no answer")

// StageInput is what a stage function receives.
type StageInput struct {
	JobID       string
	Description string
	WorkDir     string
	Phase       Phase
	Prior       map[Phase]StageOutput // outputs of earlier stages in this run
	Personas    int                   // requested persona count

	// Logf emits a progress line to the job's observers.
	Logf func(format string, args ...any)
}

// StageOutput is the result of a stage function. Text carries prose
// results, Items carries lists (keywords, sources, scraped items) and
// Personas is set by the persona stage.
type StageOutput struct {
	Text     string    `json:"text,omitempty"`
	Items    []string  `json:"items,omitempty"`
	Personas []Persona `json:"personas,omitempty"`
}

// Empty reports whether the output carries nothing.
func (o StageOutput) Empty() bool {
	return strings.TrimSpace(o.Text) == "" && len(o.Items) == 0 && len(o.Personas) == 0
}

// StageFunc performs one pipeline step. It must not touch phase bookkeeping.
type StageFunc func(ctx context.Context, in StageInput) (StageOutput, error)

// Stages maps each stage phase to its function.
type Stages map[Phase]StageFunc

// Validate checks that every stage phase has a function.
func (s Stages) Validate() error {
	var missing []string
	for _, p := range StagePhases() {
		if s[p] == nil {
			missing = append(missing, string(p))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing stage functions: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ChatInput is what a chat function receives.
type ChatInput struct {
	JobID   string
	Persona Persona
	Report  string
	History []ChatMessage // recent turns, oldest first, ending with the user turn
}

// ChatFunc produces a persona's reply to the latest user turn.
type ChatFunc func(ctx context.Context, in ChatInput) (string, error)

// CheckFunc reports, per dimension ID, whether description covers it.
type CheckFunc func(ctx context.Context, description string, dimensions []Dimension) (map[string]bool, error)
