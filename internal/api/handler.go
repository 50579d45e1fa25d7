// Package api provides the HTTP and WebSocket handlers of the research service.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"research/internal/apperrors"
	"research/internal/health"
	"research/internal/job"
	"research/internal/observability"
	"time"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc          *job.Service
	metrics      *observability.Metrics
	health       *health.Checker
	writeTimeout time.Duration
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, metrics *observability.Metrics, healthChecker *health.Checker, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{
		svc:          svc,
		metrics:      metrics,
		health:       healthChecker,
		writeTimeout: writeTimeout,
	}
}

// selectPersonaRequest is the body of POST /v1/jobs/{jobId}/persona.
type selectPersonaRequest struct {
	Choice int `json:"choice"`
}

// chatRequest is the body of POST /v1/jobs/{jobId}/chat.
type chatRequest struct {
	Message string `json:"message"`
}

// reportResponse is the body of GET /v1/jobs/{jobId}/report.
type reportResponse struct {
	JobID  string `json:"jobId"`
	Report string `json:"report"`
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req job.Request
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.svc.Create(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// CheckDescription handles POST /v1/descriptions/check
func (h *Handler) CheckDescription(w http.ResponseWriter, r *http.Request) {
	var req job.CheckRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.svc.CheckDescription(r.Context(), req.Description, req.Dimensions)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	snap, err := h.svc.Snapshot(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, snap)
}

// GetReport handles GET /v1/jobs/{jobId}/report
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	report, err := h.svc.Report(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, reportResponse{JobID: jobID, Report: report})
}

// SelectPersona handles POST /v1/jobs/{jobId}/persona
func (h *Handler) SelectPersona(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}
	var req selectPersonaRequest
	if !h.decode(w, r, &req) {
		return
	}

	sel, err := h.svc.SelectPersona(r.Context(), jobID, req.Choice)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, sel)
}

// Chat handles POST /v1/jobs/{jobId}/chat. The reply is delivered to
// observers as a chat_reply event.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}
	var req chatRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.svc.Chat(r.Context(), jobID, req.Message); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// CompleteJob handles POST /v1/jobs/{jobId}/complete
func (h *Handler) CompleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	rec, err := h.svc.Complete(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, rec)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the job database is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsServing() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

func (h *Handler) jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, errorBody{Error: "Job ID is required", Code: apperrors.CodeInvalidRequest, Field: "jobId"})
		return "", false
	}
	return jobID, true
}

// decode reads a JSON body into v and writes a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, errorBody{Error: "Invalid request body: " + err.Error(), Code: apperrors.CodeInvalidRequest})
		return false
	}
	return true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, body errorBody) {
	writeErrorJSON(w, status, body)
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, errorBody{
		Error: err.Error(),
		Code:  apperrors.Code(err),
		Field: apperrors.FieldOf(err),
	})
}
