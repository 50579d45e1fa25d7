//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"research/internal/health"
	"research/internal/job"
	"research/pkg/cloudevent"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func createJob(t *testing.T, baseURL, description string) string {
	t.Helper()
	resp := postJSON(t, baseURL+"/v1/jobs", map[string]any{"description": description})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}
	var created job.Response
	json.NewDecoder(resp.Body).Decode(&created)
	if created.ID == "" {
		t.Fatal("Expected job ID")
	}
	return created.ID
}

func dial(t *testing.T, baseURL, jobID string) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dialer := ws.Dialer{Timeout: 10 * time.Second}
	conn, br, _, err := dialer.Dial(ctx, "ws"+strings.TrimPrefix(baseURL, "http")+"/v1/jobs/"+jobID+"/events")
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if br != nil {
		return handshakeConn{Conn: conn, r: br}
	}
	return conn
}

// handshakeConn drains frames buffered during the upgrade before reading
// from the socket.
type handshakeConn struct {
	net.Conn
	r io.Reader
}

func (c handshakeConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// next reads frames until one of eventType arrives.
func next(t *testing.T, conn net.Conn, eventType string) *cloudevent.CloudEvent {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			t.Fatalf("Waiting for %s: %v", eventType, err)
		}
		var ev cloudevent.CloudEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("Invalid frame: %v", err)
		}
		if ev.Type == eventType {
			return &ev
		}
	}
}

func TestAPI_Readyz(t *testing.T) {
	baseURL := getTestURL(t)

	resp, err := http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var result health.Response
	json.NewDecoder(resp.Body).Decode(&result)

	if result.Status != health.StatusHealthy {
		t.Errorf("Expected healthy status, got %s", result.Status)
	}
}

func TestAPI_Livez(t *testing.T) {
	baseURL := getTestURL(t)

	resp, err := http.Get(baseURL + "/livez")
	if err != nil {
		t.Fatalf("Liveness check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestAPI_FullSession(t *testing.T) {
	baseURL := getTestURL(t)

	jobID := createJob(t, baseURL, "compostable phone cases")
	conn := dial(t, baseURL, jobID)

	initial := next(t, conn, job.EventTypeInitialStatus)
	t.Logf("Initial status: %v", initial.Data["status"])

	report := next(t, conn, job.EventTypeDataReady)
	if report.Data["status"] != string(job.PhaseFinalAnalysisReady) {
		t.Fatalf("Expected final analysis first, got %v", report.Data["status"])
	}
	personas := next(t, conn, job.EventTypeDataReady)
	if list, _ := personas.Data["content"].([]any); len(list) != 4 {
		t.Fatalf("Expected 4 personas, got %v", personas.Data["content"])
	}

	resp, err := http.Get(baseURL + "/v1/jobs/" + jobID + "/report")
	if err != nil {
		t.Fatalf("Report request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 for report, got %d", resp.StatusCode)
	}

	frame, _ := json.Marshal(map[string]any{"type": "select_persona", "choice": 2})
	wsutil.WriteClientText(conn, frame)
	sel := next(t, conn, job.EventTypeSelection)
	if sel.Data["name"] != "Shopper 2" {
		t.Errorf("Expected Shopper 2, got %v", sel.Data["name"])
	}

	frame, _ = json.Marshal(map[string]any{"type": "chat_message", "message": "Would you pay ten dollars?"})
	wsutil.WriteClientText(conn, frame)
	reply := next(t, conn, job.EventTypeChatReply)
	if reply.Data["message"] != "Shopper 2 here, sounds useful." {
		t.Errorf("Unexpected reply: %v", reply.Data["message"])
	}

	resp = postJSON(t, baseURL+"/v1/jobs/"+jobID+"/complete", map[string]any{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 for complete, got %d", resp.StatusCode)
	}
	status := next(t, conn, job.EventTypeStatus)
	for status.Data["status"] != string(job.PhaseCompleted) {
		status = next(t, conn, job.EventTypeStatus)
	}
}

func TestAPI_ReconnectMidSession(t *testing.T) {
	baseURL := getTestURL(t)

	jobID := createJob(t, baseURL, "refillable deodorant")
	first := dial(t, baseURL, jobID)
	next(t, first, job.EventTypeInitialStatus)
	for {
		ev := next(t, first, job.EventTypeDataReady)
		if ev.Data["status"] == string(job.PhasePersonasReady) {
			break
		}
	}
	first.Close()

	resp := postJSON(t, baseURL+"/v1/jobs/"+jobID+"/persona", map[string]any{"choice": 1})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200 for persona, got %d", resp.StatusCode)
	}

	second := dial(t, baseURL, jobID)
	initial := next(t, second, job.EventTypeInitialStatus)
	if initial.Data["status"] != string(job.PhasePersonaSelected) {
		t.Errorf("Expected persona_selected, got %v", initial.Data["status"])
	}
	info, _ := initial.Data["selectedPersonaInfo"].(map[string]any)
	if info["name"] != "Shopper 1" {
		t.Errorf("Expected Shopper 1 selected, got %v", info)
	}
}

func TestAPI_UnknownJobSocket(t *testing.T) {
	baseURL := getTestURL(t)

	conn := dial(t, baseURL, "does-not-exist")
	ev := next(t, conn, job.EventTypeError)
	if msg, _ := ev.Data["error"].(string); !strings.Contains(msg, "not found") {
		t.Errorf("Expected not found, got %v", ev.Data["error"])
	}
}

func TestAPI_CheckDescription(t *testing.T) {
	baseURL := getTestURL(t)

	resp := postJSON(t, baseURL+"/v1/descriptions/check", map[string]any{
		"description": "A solar lamp for campers, priced at twenty dollars.",
		"dimensions": []map[string]string{
			{"id": "audience", "name": "campers"},
			{"id": "price", "name": "priced"},
			{"id": "competition", "name": "competitors"},
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var result job.CheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want := map[string]bool{"audience": true, "price": true, "competition": false}
	for id, covered := range want {
		if got, ok := result.Coverage[id]; !ok || got != covered {
			t.Errorf("Dimension %s: expected %v, got %v (present=%v)", id, covered, got, ok)
		}
	}
}

func TestAPI_InvalidRequests(t *testing.T) {
	baseURL := getTestURL(t)

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"empty description", "/v1/jobs", map[string]any{"description": ""}, http.StatusBadRequest},
		{"unknown job persona", "/v1/jobs/nope/persona", map[string]any{"choice": 1}, http.StatusNotFound},
		{"unknown job chat", "/v1/jobs/nope/chat", map[string]any{"message": "hi"}, http.StatusNotFound},
		{"check without dimensions", "/v1/descriptions/check", map[string]any{"description": "a lamp"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, baseURL+tt.path, tt.body)
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}
