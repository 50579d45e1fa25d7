package main

import (
	"bytes"
	"context"
	"path/filepath"
	"research/internal/job"
	"research/internal/store/sqlite"
	"strings"
	"testing"
	"time"
)

func TestTruncate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"a longer description", 8, "a longe…"},
		{"café au lait", 5, "café…"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestJobsCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	dbPath := filepath.Join(dir, "research.db")

	store, err := sqlite.Open(context.Background(), sqlite.Config{Path: dbPath, DataDir: dir})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	now := time.Now().UTC()
	err = store.Create(context.Background(), &job.Record{
		ID:          "job-1",
		Description: "insulated lunch boxes",
		Phase:       job.PhasePending,
		WorkDir:     dir,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	store.Close()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"jobs", "--db", dbPath})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("jobs failed: %v", err)
	}

	for _, want := range []string{"ID", "job-1", "pending", "insulated lunch boxes"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Expected %q in output:\n%s", want, out.String())
		}
	}
}
