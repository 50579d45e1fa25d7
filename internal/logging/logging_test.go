package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("Invalid log line %q: %v", buf.String(), err)
	}
	return rec
}

func TestContextAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := New(&buf, false)

	ctx := ContextAttrs(context.Background(), slog.String("requestId", "req-1"))
	ctx = ContextAttrs(ctx, slog.String("jobId", "job-1"))
	logger.With("component", "api").InfoContext(ctx, "Observer connected")

	rec := decode(t, &buf)
	for key, want := range map[string]string{
		"requestId": "req-1",
		"jobId":     "job-1",
		"component": "api",
		"msg":       "Observer connected",
	} {
		if rec[key] != want {
			t.Errorf("Expected %s=%q, got %v", key, want, rec[key])
		}
	}
}

func TestContextAttrs_DoesNotLeakToParent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := New(&buf, false)

	parent := ContextAttrs(context.Background(), slog.String("requestId", "req-1"))
	_ = ContextAttrs(parent, slog.String("jobId", "job-1"))
	logger.InfoContext(parent, "HTTP request")

	rec := decode(t, &buf)
	if _, ok := rec["jobId"]; ok {
		t.Error("Expected child attributes to stay off the parent context")
	}
}

func TestNew_Verbose(t *testing.T) {
	t.Parallel()

	var quiet, loud bytes.Buffer
	New(&quiet, false).Debug("Stage finished")
	New(&loud, true).Debug("Stage finished")

	if quiet.Len() != 0 {
		t.Errorf("Expected no debug output, got %q", quiet.String())
	}
	if loud.Len() == 0 {
		t.Error("Expected debug output with verbose")
	}
}
