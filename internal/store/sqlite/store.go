// Package sqlite implements job.Store on SQLite with artifacts kept as
// files next to the database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"research/internal/apperrors"
	"research/internal/job"
	"slices"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	description      TEXT NOT NULL,
	phase            TEXT NOT NULL,
	work_dir         TEXT NOT NULL,
	error            TEXT NOT NULL DEFAULT '',
	report_path      TEXT NOT NULL DEFAULT '',
	personas_path    TEXT NOT NULL DEFAULT '',
	selected_persona INTEGER NOT NULL DEFAULT 0,
	version          INTEGER NOT NULL DEFAULT 1,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS chat_messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_messages_job ON chat_messages(job_id, id);
`

const selectJob = `SELECT id, description, phase, work_dir, error, report_path, personas_path,
	selected_persona, version, created_at, updated_at FROM jobs`

var artifactFiles = map[job.ArtifactKind]string{
	job.ArtifactReport:   "report.md",
	job.ArtifactPersonas: "personas.json",
}

// Config holds store settings.
type Config struct {
	Path    string // database file
	DataDir string // artifacts are written under DataDir/jobs/<id>/
}

// Store is a job.Store backed by SQLite.
type Store struct {
	db      *sql.DB
	dataDir string
	logger  *slog.Logger
}

// Open opens (creating if needed) the database and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite: database path is required")
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(cfg.Path)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory failed: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection keeps transactions from
	// tripping over each other with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema failed: %w", err)
	}

	s := &Store{
		db:      db,
		dataDir: cfg.DataDir,
		logger:  slog.With("component", "store", "path", cfg.Path),
	}
	s.logger.Info("Store opened")
	return s, nil
}

// Create inserts a new record.
func (s *Store) Create(ctx context.Context, rec *job.Record) error {
	if rec.Version == 0 {
		rec.Version = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, description, phase, work_dir, error, report_path, personas_path,
			selected_persona, version, created_at, updated_at)
		 SELECT ?,?,?,?,?,?,?,?,?,?,?
		 WHERE NOT EXISTS (SELECT 1 FROM jobs WHERE id = ?)`,
		rec.ID, rec.Description, string(rec.Phase), rec.WorkDir, rec.Error, rec.ReportPath, rec.PersonasPath,
		rec.SelectedPersona, rec.Version, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), rec.ID,
	)
	if err != nil {
		return apperrors.Internal("store.create", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.Conflict("job", fmt.Sprintf("job %s already exists", rec.ID))
	}
	return nil
}

// Update applies patch in one transaction.
func (s *Store) Update(ctx context.Context, id string, patch job.Patch) (*job.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Internal("store.update", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.ErrorContext(ctx, "Rollback failed", "jobId", id, "error", err)
		}
	}()

	rec, err := scanRecord(tx.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, apperrors.NotFound("job", id)
	case err != nil:
		return nil, apperrors.Internal("store.update", err)
	}

	if err := apply(rec, patch); err != nil {
		return nil, err
	}
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET phase = ?, error = ?, report_path = ?, personas_path = ?,
			selected_persona = ?, version = ?, updated_at = ?
		 WHERE id = ?`,
		string(rec.Phase), rec.Error, rec.ReportPath, rec.PersonasPath,
		rec.SelectedPersona, rec.Version, formatTime(rec.UpdatedAt), id,
	)
	if err != nil {
		return nil, apperrors.Internal("store.update", err)
	}

	if patch.ClearChat {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE job_id = ?`, id); err != nil {
			return nil, apperrors.Internal("store.update", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Internal("store.update", err)
	}
	return rec, nil
}

// apply validates patch against rec and merges it.
func apply(rec *job.Record, patch job.Patch) error {
	if rec.Phase.Terminal() {
		return apperrors.Conflict("job", fmt.Sprintf("job %s is %s and cannot change", rec.ID, rec.Phase))
	}

	next := rec.Phase
	if patch.Phase != nil {
		next = *patch.Phase
		if next != rec.Phase && !job.CanTransition(rec.Phase, next) {
			return apperrors.Conflict("job", fmt.Sprintf("job %s cannot move from %s to %s", rec.ID, rec.Phase, next))
		}
	}

	if patch.Error != nil {
		rec.Error = *patch.Error
	}
	if patch.ReportPath != nil {
		rec.ReportPath = *patch.ReportPath
	}
	if patch.PersonasPath != nil {
		rec.PersonasPath = *patch.PersonasPath
	}
	if patch.SelectedPersona != nil {
		rec.SelectedPersona = *patch.SelectedPersona
	}

	if kind := next.Publishes(); kind != "" {
		if _, ok := rec.Pointer(kind); !ok {
			return apperrors.Conflict("job", fmt.Sprintf("job %s cannot enter %s without a %s location", rec.ID, next, kind))
		}
	}
	if next == job.PhaseFailed && rec.Error == "" {
		rec.Error = "unknown error"
	}
	rec.Phase = next
	return nil
}

// Get returns a record.
func (s *Store) Get(ctx context.Context, id string) (*job.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, apperrors.NotFound("job", id)
	case err != nil:
		return nil, apperrors.Internal("store.get", err)
	}
	return rec, nil
}

// List returns job summaries, newest first.
func (s *Store) List(ctx context.Context) ([]job.Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, description, phase, error, created_at, updated_at FROM jobs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, apperrors.Internal("store.list", err)
	}
	defer rows.Close()

	var out []job.Summary
	for rows.Next() {
		var (
			sum              job.Summary
			phase            string
			created, updated string
		)
		if err := rows.Scan(&sum.ID, &sum.Description, &phase, &sum.Error, &created, &updated); err != nil {
			return nil, apperrors.Internal("store.list", err)
		}
		sum.Phase = job.Phase(phase)
		sum.CreatedAt = parseTime(created)
		sum.UpdatedAt = parseTime(updated)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("store.list", err)
	}
	return out, nil
}

// WriteArtifact writes data to a temp file and renames it into place, so
// a reader never sees a partial artifact.
func (s *Store) WriteArtifact(ctx context.Context, id string, kind job.ArtifactKind, data []byte) (job.Pointer, error) {
	name, ok := artifactFiles[kind]
	if !ok {
		return job.Pointer{}, apperrors.Validation("kind", fmt.Sprintf("unknown artifact kind %q", kind))
	}
	if id == "" || filepath.Base(id) != id {
		return job.Pointer{}, apperrors.Validation("id", fmt.Sprintf("invalid job ID %q", id))
	}

	dir := filepath.Join(s.dataDir, "jobs", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return job.Pointer{}, apperrors.Internal("store.writeArtifact", err)
	}
	path := filepath.Join(dir, name)
	if err := writeFileAtomic(path, data); err != nil {
		return job.Pointer{}, apperrors.Internal("store.writeArtifact", err)
	}

	s.logger.DebugContext(ctx, "Artifact written", "jobId", id, "kind", kind, "bytes", len(data))
	return job.Pointer{Kind: kind, Location: path}, nil
}

// ReadArtifact returns the bytes behind ptr.
func (s *Store) ReadArtifact(_ context.Context, ptr job.Pointer) ([]byte, error) {
	data, err := os.ReadFile(ptr.Location)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, apperrors.NotFound(string(ptr.Kind), ptr.Location)
	case err != nil:
		return nil, apperrors.Internal("store.readArtifact", err)
	}
	return data, nil
}

// AppendChat persists a chat turn.
func (s *Store) AppendChat(ctx context.Context, id string, msg job.ChatMessage) error {
	if msg.Time.IsZero() {
		msg.Time = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (job_id, role, content, created_at)
		 SELECT ?,?,?,? WHERE EXISTS (SELECT 1 FROM jobs WHERE id = ?)`,
		id, msg.Role, msg.Content, formatTime(msg.Time), id,
	)
	if err != nil {
		return apperrors.Internal("store.appendChat", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NotFound("job", id)
	}
	return nil
}

// RecentChat returns the last limit turns, oldest first. limit <= 0 returns all.
func (s *Store) RecentChat(ctx context.Context, id string, limit int) ([]job.ChatMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM chat_messages
		 WHERE job_id = ? ORDER BY id DESC LIMIT ?`, id, limit)
	if err != nil {
		return nil, apperrors.Internal("store.recentChat", err)
	}
	defer rows.Close()

	var out []job.ChatMessage
	for rows.Next() {
		var (
			msg     job.ChatMessage
			created string
		)
		if err := rows.Scan(&msg.Role, &msg.Content, &created); err != nil {
			return nil, apperrors.Internal("store.recentChat", err)
		}
		msg.Time = parseTime(created)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("store.recentChat", err)
	}
	slices.Reverse(out)
	return out, nil
}

// Ready pings the database.
func (s *Store) Ready(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite not reachable: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*job.Record, error) {
	var (
		rec              job.Record
		phase            string
		created, updated string
	)
	err := row.Scan(&rec.ID, &rec.Description, &phase, &rec.WorkDir, &rec.Error, &rec.ReportPath,
		&rec.PersonasPath, &rec.SelectedPersona, &rec.Version, &created, &updated)
	if err != nil {
		return nil, err
	}
	rec.Phase = job.Phase(phase)
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	return &rec, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// timeLayout keeps nine fractional digits so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

var _ job.Store = (*Store)(nil)
