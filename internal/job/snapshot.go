package job

import "context"

type snapshotOptions struct {
	withReport bool
}

// SnapshotOption adjusts what Snapshot loads.
type SnapshotOption func(*snapshotOptions)

// WithReport includes the report text when it has been published.
func WithReport() SnapshotOption {
	return func(o *snapshotOptions) { o.withReport = true }
}

// Snapshot reconstructs a job's current state for an observer that did not
// witness earlier events. Unknown jobs return a not found error.
func (s *Service) Snapshot(ctx context.Context, id string, opts ...SnapshotOption) (*Snapshot, error) {
	var o snapshotOptions
	for _, opt := range opts {
		opt(&o)
	}

	rec, err := s.cache.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		ID:          rec.ID,
		Description: rec.Description,
		Phase:       rec.Phase,
		Error:       rec.Error,
		ChatHistory: []ChatMessage{},
		UpdatedAt:   rec.UpdatedAt,
	}

	if ptr, ok := rec.Pointer(ArtifactReport); ok {
		snap.ReportReady = true
		if o.withReport {
			data, err := s.store.ReadArtifact(ctx, ptr)
			if err != nil {
				return nil, err
			}
			snap.Report = string(data)
		}
	}

	if _, ok := rec.Pointer(ArtifactPersonas); ok {
		personas, err := s.cache.Personas(ctx, id)
		if err != nil {
			return nil, err
		}
		snap.PersonasReady = true
		snap.Personas = personas
	}

	if c := rec.SelectedPersona; c > 0 && c <= len(snap.Personas) {
		snap.SelectedPersona = &SelectedPersona{Choice: c, Name: snap.Personas[c-1].Name}

		history, err := s.store.RecentChat(ctx, id, s.config.ChatHistoryLimit)
		if err != nil {
			return nil, err
		}
		if history != nil {
			snap.ChatHistory = history
		}
	}

	return snap, nil
}
