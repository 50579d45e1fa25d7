package job

import "time"

// Record is the authoritative durable state of a job.
type Record struct {
	ID              string    `json:"id"`
	Description     string    `json:"description"`
	Phase           Phase     `json:"phase"`
	WorkDir         string    `json:"workDir"`
	Error           string    `json:"error,omitempty"`
	ReportPath      string    `json:"reportPath,omitempty"`
	PersonasPath    string    `json:"personasPath,omitempty"`
	SelectedPersona int       `json:"selectedPersona,omitempty"` // 1-based, 0 = none
	Version         int64     `json:"version"`                   // bumped on every update
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Pointer returns the artifact pointer of the given kind, if set.
func (r *Record) Pointer(kind ArtifactKind) (Pointer, bool) {
	var loc string
	switch kind {
	case ArtifactReport:
		loc = r.ReportPath
	case ArtifactPersonas:
		loc = r.PersonasPath
	}
	if loc == "" {
		return Pointer{}, false
	}
	return Pointer{Kind: kind, Location: loc}, true
}

// Patch is a partial update to a Record. Nil fields are left untouched.
type Patch struct {
	Phase           *Phase
	Error           *string
	ReportPath      *string
	PersonasPath    *string
	SelectedPersona *int
	ClearChat       bool
}

// WithPointer sets the location field matching p.Kind.
func (p Patch) WithPointer(ptr Pointer) Patch {
	loc := ptr.Location
	switch ptr.Kind {
	case ArtifactReport:
		p.ReportPath = &loc
	case ArtifactPersonas:
		p.PersonasPath = &loc
	}
	return p
}

// PhasePatch returns a patch that only moves the phase.
func PhasePatch(phase Phase) Patch {
	return Patch{Phase: &phase}
}

// FailurePatch moves the job to failed with the given detail.
func FailurePatch(detail string) Patch {
	phase := PhaseFailed
	if detail == "" {
		detail = "unknown error"
	}
	return Patch{Phase: &phase, Error: &detail}
}

// Summary is the list projection of a Record.
type Summary struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Phase       Phase     `json:"phase"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Pointer locates an artifact's durable bytes.
type Pointer struct {
	Kind     ArtifactKind `json:"kind"`
	Location string       `json:"location"`
}

// Persona is one generated persona.
type Persona struct {
	Name   string         `json:"name"`
	Prompt string         `json:"prompt,omitempty"`
	Card   map[string]any `json:"card,omitempty"`
}

// Chat roles.
const (
	RoleUser    = "user"
	RolePersona = "persona"
)

// ChatMessage is one persisted chat turn.
type ChatMessage struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
}

// Request represents a request to create a new job.
type Request struct {
	Description string `json:"description"`
}

// Response represents the response when a job is created.
type Response struct {
	ID    string `json:"id"`
	Phase Phase  `json:"phase"`
}

// SelectedPersona identifies the persona chosen for chat.
type SelectedPersona struct {
	Choice int    `json:"choice"`
	Name   string `json:"name"`
}

// Snapshot is everything a newly connected observer needs to catch up.
type Snapshot struct {
	ID              string           `json:"id"`
	Description     string           `json:"description"`
	Phase           Phase            `json:"status"`
	ReportReady     bool             `json:"final_analysis_ready"`
	Report          string           `json:"report,omitempty"`
	PersonasReady   bool             `json:"personas_ready"`
	Personas        []Persona        `json:"personaData,omitempty"`
	SelectedPersona *SelectedPersona `json:"selectedPersonaInfo,omitempty"`
	ChatHistory     []ChatMessage    `json:"chat_history"`
	Error           string           `json:"backendError,omitempty"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Selection is the result of a successful persona selection.
type Selection struct {
	JobID   string  `json:"jobId"`
	Choice  int     `json:"choice"`
	Persona Persona `json:"persona"`
}

// Dimension is one aspect a product description should cover.
type Dimension struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CheckRequest asks which dimensions a description already covers.
type CheckRequest struct {
	Description string      `json:"description"`
	Dimensions  []Dimension `json:"dimensions"`
}

// CheckResponse maps each requested dimension ID to whether it is covered.
type CheckResponse struct {
	Coverage map[string]bool `json:"coverage"`
}

// ListResponse represents the response for listing jobs.
type ListResponse struct {
	Jobs []Summary `json:"jobs"`
}
