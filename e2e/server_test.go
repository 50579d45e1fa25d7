//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"research/internal/api"
	"research/internal/dispatcher"
	"research/internal/health"
	"research/internal/hub"
	"research/internal/job"
	"research/internal/stage"
	"research/internal/store/sqlite"
	"research/pkg/cloudevent"
	"strings"
	"testing"
	"time"
)

const stageSigningKey = "e2e-stage-key"

// getTestURL returns the base URL for e2e tests.
// If E2E_API_URL is set, tests run against that instance.
// Otherwise, a test server is created with a fake stage backend.
func getTestURL(t testing.TB) string {
	if url := os.Getenv("E2E_API_URL"); url != "" {
		t.Logf("Using external API: %s", url)
		return url
	}
	server, _ := createTestServer(t, 4)
	return server.URL
}

// newStageBackend answers every stage with canned output after checking
// the request signature.
func newStageBackend(t testing.TB, delay time.Duration) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !cloudevent.Verify(body, r.Header.Get("X-Signature-256"), stageSigningKey) {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
		var ev cloudevent.CloudEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		time.Sleep(delay)

		name := strings.TrimPrefix(r.URL.Path, "/stages/")
		resp := map[string]any{"logs": []string{"ran " + name}}
		switch name {
		case "chat":
			persona, _ := ev.Data["persona"].(map[string]any)
			resp = map[string]any{"reply": fmt.Sprintf("%v here, sounds useful.", persona["name"])}
		case "check_description":
			desc := strings.ToLower(fmt.Sprint(ev.Data["description"]))
			dims, _ := ev.Data["dimensions"].([]any)
			coverage := map[string]bool{}
			for _, d := range dims {
				dim, _ := d.(map[string]any)
				name := strings.ToLower(fmt.Sprint(dim["name"]))
				coverage[fmt.Sprint(dim["id"])] = strings.Contains(desc, name)
			}
			resp = map[string]any{"coverage": coverage}
		case string(job.PhaseGeneratingPersonas):
			n := int(ev.Data["personas"].(float64))
			personas := make([]job.Persona, n)
			for i := range personas {
				personas[i] = job.Persona{Name: fmt.Sprintf("Shopper %d", i+1), Prompt: "You shop weekly."}
			}
			resp["personas"] = personas
		case string(job.PhaseAnalyzingFinal):
			resp["text"] = fmt.Sprintf("# Final analysis\n\n%v looks promising.", ev.Data["description"])
		default:
			resp["items"] = []string{name + " result"}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func createTestServer(t testing.TB, shards int) (*httptest.Server, *job.Service) {
	backend := newStageBackend(t, 0)
	dir := t.TempDir()

	store, err := sqlite.Open(context.Background(), sqlite.Config{
		Path:    filepath.Join(dir, "research.db"),
		DataDir: dir,
	})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	client, err := stage.New(stage.Config{BaseURL: backend.URL, SigningKey: stageSigningKey})
	if err != nil {
		t.Fatalf("Failed to create stage client: %v", err)
	}

	observers := hub.New(nil)
	eventDispatcher := dispatcher.NewMemory(dispatcher.MemoryConfig{
		BufferSize: 1000,
		Shards:     shards,
	}, observers, nil)

	svc, err := job.NewService(job.ServiceConfig{DataDir: dir}, job.Dependencies{
		Store:         store,
		Dispatcher:    eventDispatcher,
		Subscriptions: observers,
		Stages:        client.Stages(),
		Chat:          client.Chat,
		Check:         client.CheckDescription,
	})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}

	healthChecker := health.NewChecker(store)
	healthChecker.AddOptional("stages", client)

	server := httptest.NewServer(api.NewRouter(api.RouterConfig{
		JobService:    svc,
		HealthChecker: healthChecker,
	}))

	t.Cleanup(func() {
		server.Close()
		// Let pipelines finish before the store goes away
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		svc.Wait(ctx)
		svc.Shutdown(ctx)
		store.Close()
	})

	return server, svc
}
