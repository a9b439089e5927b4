package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rakunlabs/akis/internal/service"
	"github.com/rakunlabs/akis/internal/service/workflow"
)

// SnapshotAPI handles GET /api/v1/snapshot.
func (s *Server) SnapshotAPI(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, s.orchestrator.Snapshot(r.Context()), http.StatusOK)
}

// publishRequest is the body of POST /api/v1/events.
type publishRequest struct {
	Type          string   `json:"type"`
	Payload       any      `json:"payload"`
	CorrelationID string   `json:"correlation_id"`
	Source        string   `json:"source"`
	Tags          []string `json:"tags"`
}

// PublishEventAPI handles POST /api/v1/events.
func (s *Server) PublishEventAPI(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)

		return
	}

	var opts []service.EventOption
	if req.CorrelationID != "" {
		opts = append(opts, service.WithCorrelationID(req.CorrelationID))
	}

	source := req.Source
	if source == "" {
		source = "api"
	}
	opts = append(opts, service.WithSource(source))

	if len(req.Tags) > 0 {
		opts = append(opts, service.WithTags(req.Tags...))
	}

	ev, err := service.NewEvent(req.Type, req.Payload, opts...)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusBadRequest)

		return
	}

	if err := s.orchestrator.Publish(r.Context(), ev); err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)

		return
	}

	httpResponseJSON(w, map[string]any{"event_id": ev.ID}, http.StatusAccepted)
}

// runRequest is the body of POST /api/v1/workflows/run/{id}.
type runRequest struct {
	Input          any            `json:"input"`
	Context        map[string]any `json:"context"`
	ConversationID string         `json:"conversation_id"`
}

// RunWorkflowAPI handles POST /api/v1/workflows/run/{id}.
func (s *Server) RunWorkflowAPI(w http.ResponseWriter, r *http.Request) {
	id := pathSuffix(r, "/workflows/run/")
	if id == "" {
		httpResponse(w, "workflow id is required", http.StatusBadRequest)

		return
	}

	var req runRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)

			return
		}
	}

	result, err := s.orchestrator.RunWorkflow(r.Context(), id, workflow.RunOptions{
		Input:          req.Input,
		Context:        req.Context,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		httpResponse(w, err.Error(), statusFromError(err))

		return
	}

	httpResponseJSON(w, workflow.ToRunRecord(result), http.StatusOK)
}

// ListRunsAPI handles GET /api/v1/runs with optional workflow_id and limit
// query parameters.
func (s *Server) ListRunsAPI(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.runStore.(service.RunLister)
	if !ok {
		httpResponseJSON(w, []service.RunRecord{}, http.StatusOK)

		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			httpResponse(w, "limit must be a positive integer", http.StatusBadRequest)

			return
		}
		limit = v
	}

	runs, err := lister.List(r.Context(), service.RunFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Limit:      limit,
	})
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)

		return
	}

	if runs == nil {
		runs = []service.RunRecord{}
	}

	httpResponseJSON(w, runs, http.StatusOK)
}

// GetRunAPI handles GET /api/v1/runs/{id}.
func (s *Server) GetRunAPI(w http.ResponseWriter, r *http.Request) {
	id := pathSuffix(r, "/runs/")
	if id == "" {
		httpResponse(w, "run id is required", http.StatusBadRequest)

		return
	}

	if s.runStore == nil {
		httpResponse(w, "no run store configured", http.StatusNotFound)

		return
	}

	rec, err := s.runStore.Get(r.Context(), id)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)

		return
	}

	if rec == nil {
		httpResponse(w, fmt.Sprintf("run %q not found", id), http.StatusNotFound)

		return
	}

	httpResponseJSON(w, rec, http.StatusOK)
}

// ListJobsAPI handles GET /api/v1/jobs.
func (s *Server) ListJobsAPI(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		httpResponseJSON(w, []any{}, http.StatusOK)

		return
	}

	httpResponseJSON(w, s.scheduler.Jobs(), http.StatusOK)
}

// pathSuffix extracts the tail of the URL path after the given marker.
func pathSuffix(r *http.Request, marker string) string {
	_, rest, ok := strings.Cut(r.URL.Path, marker)
	if !ok {
		return ""
	}

	return strings.TrimSuffix(rest, "/")
}

// statusFromError maps error kinds to HTTP status codes.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
