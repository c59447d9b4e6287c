package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/keelrun/keel/pkg/budget"
	"github.com/keelrun/keel/pkg/envelope"
	"github.com/keelrun/keel/pkg/kernel"
	"github.com/keelrun/keel/pkg/stream"
)

const maxBodyBytes = 1 << 20 // 1MB limit

// Server exposes the kernel over HTTP.
type Server struct {
	orch   *kernel.Orchestrator
	events *stream.Publisher
	logger *slog.Logger
}

// NewServer wires the HTTP surface to the orchestrator and event stream.
func NewServer(orch *kernel.Orchestrator, events *stream.Publisher) *Server {
	return &Server{
		orch:   orch,
		events: events,
		logger: slog.Default().With("component", "api"),
	}
}

// Routes returns the route table. Callers wrap it with middleware.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runs", s.handleStartRun)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /v1/runs/{id}/tasks", s.handleSubmitTask)
	mux.HandleFunc("POST /v1/runs/{id}/results", s.handleSubmitResult)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/runs/{id}/result", s.handleFetchResult)
	mux.HandleFunc("GET /v1/runs/{id}/events", s.handleStreamEvents)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// StartRunRequest opens a new run around its initial task.
type StartRunRequest struct {
	Task   *envelope.Envelope `json:"task"`
	Budget budget.Limits      `json:"budget"`
}

// StartRunResponse acknowledges a created run.
type StartRunResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Task == nil {
		WriteBadRequest(w, "Missing required field: task")
		return
	}

	runID, err := s.orch.StartRun(r.Context(), req.Task, req.Budget)
	if err != nil {
		if runID != "" {
			// The run was created but its initial dispatch failed. The id
			// goes out as the problem instance so the caller can inspect
			// or cancel the run instead of losing track of it.
			s.logger.Warn("run started but initial dispatch failed", "run_id", runID, "error", err)
			WriteFaultInstance(w, r, err, "/v1/runs/"+runID)
			return
		}
		WriteFault(w, r, err)
		return
	}

	s.logger.Info("run started", "run_id", runID, "agent", req.Task.Agent)
	writeJSON(w, http.StatusCreated, StartRunResponse{RunID: runID})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.View(r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var task envelope.Envelope
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	out, err := s.orch.SubmitTask(r.Context(), r.PathValue("id"), &task)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	status := http.StatusAccepted
	if out.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, out)
}

func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var result envelope.Envelope
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	out, err := s.orch.SubmitResult(r.Context(), r.PathValue("id"), &result)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	status := http.StatusAccepted
	if out.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, out)
}

// CancelRequest carries the operator-supplied cancellation reason.
type CancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}

	if err := s.orch.Cancel(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		WriteFault(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFetchResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.orch.FetchResult(r.PathValue("id"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
