// Package job runs research jobs through their stage pipeline and keeps
// observers informed of their progress.
package job

import "context"

// Store persists job records and their artifacts.
//
// # State Management
//
// The Store is the SOURCE OF TRUTH for job state. The in-memory Cache only
// mirrors records the Store has already written, so a process restart loses
// nothing an observer could have seen.
//
// # Publication points
//
// Update refuses to move a job into a phase that publishes an artifact unless
// the artifact's location is part of the same patch or already on the record.
// Callers write the artifact first, then update.
type Store interface {
	// Create inserts a new record. Returns a conflict error if the ID exists.
	Create(ctx context.Context, rec *Record) error

	// Update applies a partial patch in a single transaction and returns the
	// resulting record. Illegal phase transitions return a conflict error;
	// unknown IDs return a not found error.
	Update(ctx context.Context, id string, patch Patch) (*Record, error)

	// Get returns a record or a not found error.
	Get(ctx context.Context, id string) (*Record, error)

	// List returns summaries of all jobs, newest first.
	List(ctx context.Context) ([]Summary, error)

	// WriteArtifact durably stores data and returns a pointer to it.
	WriteArtifact(ctx context.Context, id string, kind ArtifactKind, data []byte) (Pointer, error)

	// ReadArtifact returns the bytes referenced by ptr.
	ReadArtifact(ctx context.Context, ptr Pointer) ([]byte, error)

	// AppendChat persists one chat turn for a job.
	AppendChat(ctx context.Context, id string, msg ChatMessage) error

	// RecentChat returns up to limit most recent turns, oldest first.
	RecentChat(ctx context.Context, id string, limit int) ([]ChatMessage, error)

	// Ready checks if the backing database is reachable.
	Ready(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
