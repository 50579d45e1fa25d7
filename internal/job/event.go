package job

import (
	"fmt"
	"research/internal/apperrors"
	"research/pkg/cloudevent"
	"time"
)

// Event types delivered to observers.
const (
	EventTypeStatus        = "research.job.status"
	EventTypeLog           = "research.job.log"
	EventTypeDataReady     = "research.job.data_ready"
	EventTypeSelection     = "research.job.selection"
	EventTypeChatReply     = "research.job.chat_reply"
	EventTypeError         = "research.job.error"
	EventTypeInitialStatus = "research.job.initial_status"
)

// EventSource is the CloudEvents source of every job event.
const EventSource = "research-service"

// EventBuilder builds CloudEvents for one job.
type EventBuilder struct {
	subject string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(jobID string) *EventBuilder {
	return &EventBuilder{subject: jobID}
}

// Build creates a new CloudEvent with the given type and data.
func (b *EventBuilder) Build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	eventID := fmt.Sprintf("%s-%d", b.subject, time.Now().UnixNano())
	if data == nil {
		data = map[string]any{}
	}
	data["jobId"] = b.subject
	return cloudevent.New(eventType, EventSource, b.subject, eventID, data)
}

// BuildStatusEvent announces a phase the store has already recorded.
func (b *EventBuilder) BuildStatusEvent(phase Phase) *cloudevent.CloudEvent {
	return b.Build(EventTypeStatus, map[string]any{"status": phase})
}

// BuildLogEvent carries a progress line from a stage function.
func (b *EventBuilder) BuildLogEvent(phase Phase, message string) *cloudevent.CloudEvent {
	return b.Build(EventTypeLog, map[string]any{
		"status":  phase,
		"message": message,
	})
}

// BuildDataReadyEvent announces a published artifact with its content.
func (b *EventBuilder) BuildDataReadyEvent(phase Phase, kind ArtifactKind, content any) *cloudevent.CloudEvent {
	return b.Build(EventTypeDataReady, map[string]any{
		"status":   phase,
		"artifact": kind,
		"content":  content,
	})
}

// BuildSelectionEvent confirms a persona choice. Observers should reset
// any chat transcript they hold.
func (b *EventBuilder) BuildSelectionEvent(sel *Selection) *cloudevent.CloudEvent {
	return b.Build(EventTypeSelection, map[string]any{
		"status":    PhasePersonaSelected,
		"choice":    sel.Choice,
		"name":      sel.Persona.Name,
		"resetChat": true,
	})
}

// BuildChatReplyEvent carries a persona's answer.
func (b *EventBuilder) BuildChatReplyEvent(msg ChatMessage) *cloudevent.CloudEvent {
	return b.Build(EventTypeChatReply, map[string]any{
		"role":    msg.Role,
		"message": msg.Content,
		"time":    msg.Time,
	})
}

// BuildErrorEvent reports a job or request level error.
func (b *EventBuilder) BuildErrorEvent(phase Phase, err error) *cloudevent.CloudEvent {
	data := map[string]any{
		"error": err.Error(),
		"code":  apperrors.Code(err),
	}
	if phase != "" {
		data["status"] = phase
	}
	return b.Build(EventTypeError, data)
}

// BuildInitialStatusEvent wraps a snapshot for a freshly connected observer.
func (b *EventBuilder) BuildInitialStatusEvent(s *Snapshot) *cloudevent.CloudEvent {
	data := map[string]any{
		"status":               s.Phase,
		"final_analysis_ready": s.ReportReady,
		"personas_ready":       s.PersonasReady,
		"personaData":          s.Personas,
		"chat_history":         s.ChatHistory,
	}
	if s.SelectedPersona != nil {
		data["selectedPersonaInfo"] = s.SelectedPersona
	}
	if s.Error != "" {
		data["backendError"] = s.Error
	}
	return b.Build(EventTypeInitialStatus, data)
}
