// Package webhook serves the HTTP surface: health, the websocket endpoint,
// the task API with its run-now trigger, and read access to trips and
// transcripts.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/user/tripclaw/internal/scheduler"
	"github.com/user/tripclaw/internal/session"
	"github.com/user/tripclaw/internal/state"
	"github.com/user/tripclaw/internal/types"
)

// TaskRunner runs a stored task immediately.
type TaskRunner interface {
	RunNow(ctx context.Context, id types.TaskID) error
}

// Deps are the collaborators of a Server. Nil fields disable the routes that
// need them.
type Deps struct {
	Tasks         types.TaskStore
	Runner        TaskRunner
	Trips         types.TripStore
	Conversations types.ConversationStore
	Sessions      *session.Registry
	WebSocket     http.Handler
}

// Server is the HTTP handler for all endpoints.
type Server struct {
	deps Deps
	mux  *http.ServeMux
}

// NewServer creates a Server and registers its routes.
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)

	s.mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	s.mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)
	s.mux.HandleFunc("POST /webhook/{id}", s.handleRunTask)

	s.mux.HandleFunc("GET /api/trips", s.handleListTrips)
	s.mux.HandleFunc("POST /api/trips", s.handleCreateTrip)
	s.mux.HandleFunc("GET /api/trips/{trip}/itinerary", s.handleItinerary)
	s.mux.HandleFunc("GET /api/trips/{trip}/conversations", s.handleListConversations)
	s.mux.HandleFunc("GET /api/trips/{trip}/conversations/{conv}/transcript", s.handleTranscript)
	s.mux.HandleFunc("POST /api/trips/{trip}/conversations/{conv}/reset", s.handleReset)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps store errors to responses.
func writeStoreError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, state.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	slog.Error(op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.deps.Sessions != nil {
		resp["sessions"] = s.deps.Sessions.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.WebSocket == nil {
		writeError(w, http.StatusServiceUnavailable, "websocket not configured")
		return
	}
	s.deps.WebSocket.ServeHTTP(w, r)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Tasks.List(r.Context())
	if err != nil {
		writeStoreError(w, "list tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// createTaskRequest is the JSON body for POST /api/tasks.
type createTaskRequest struct {
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Schedule types.Schedule    `json:"schedule"`
	Options  types.TaskOptions `json:"options"`
	Payload  json.RawMessage   `json:"payload"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "name and type are required")
		return
	}
	if err := scheduler.ValidateSchedule(req.Schedule); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid schedule: %v", err))
		return
	}
	next, _ := scheduler.ResolveRunAt(req.Schedule.RunAt, req.Schedule.Timezone)

	task := &types.Task{
		Name:     req.Name,
		Type:     req.Type,
		Schedule: req.Schedule,
		Enabled:  true,
		NextRun:  &next,
		Options:  req.Options,
		Payload:  req.Payload,
	}
	if err := s.deps.Tasks.Create(r.Context(), task); err != nil {
		writeStoreError(w, "create task", err)
		return
	}
	slog.Info("task created", "task_id", task.ID, "type", task.Type, "next_run", next)
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Tasks.Get(r.Context(), types.TaskID(r.PathValue("id")))
	if err != nil {
		writeStoreError(w, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Tasks.Delete(r.Context(), types.TaskID(r.PathValue("id"))); err != nil {
		writeStoreError(w, "delete task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	id := types.TaskID(r.PathValue("id"))
	if _, err := s.deps.Tasks.Get(r.Context(), id); err != nil {
		writeStoreError(w, "get task", err)
		return
	}
	if err := s.deps.Runner.RunNow(r.Context(), id); err != nil {
		slog.Warn("manual task run failed", "task_id", id, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTrips(w http.ResponseWriter, r *http.Request) {
	trips, err := s.deps.Trips.List(r.Context())
	if err != nil {
		writeStoreError(w, "list trips", err)
		return
	}
	writeJSON(w, http.StatusOK, trips)
}

type createTripRequest struct {
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req createTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if _, err := scheduler.LoadZone(req.Timezone); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	trip := &types.Trip{Name: req.Name, Timezone: req.Timezone}
	if err := s.deps.Trips.Create(r.Context(), trip); err != nil {
		writeStoreError(w, "create trip", err)
		return
	}
	writeJSON(w, http.StatusCreated, trip)
}

func (s *Server) handleItinerary(w http.ResponseWriter, r *http.Request) {
	tripID := types.TripID(r.PathValue("trip"))
	if _, err := s.deps.Trips.Get(r.Context(), tripID); err != nil {
		writeStoreError(w, "get trip", err)
		return
	}
	content, err := s.deps.Trips.ReadItinerary(r.Context(), tripID)
	if err != nil {
		writeStoreError(w, "read itinerary", err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Write([]byte(content))
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.deps.Conversations.List(r.Context(), types.TripID(r.PathValue("trip")))
	if err != nil {
		writeStoreError(w, "list conversations", err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	tripID := types.TripID(r.PathValue("trip"))
	convID := types.ConversationID(r.PathValue("conv"))

	if _, err := s.deps.Conversations.Get(r.Context(), tripID, convID); err != nil {
		writeStoreError(w, "get conversation", err)
		return
	}

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.deps.Conversations.Transcript(r.Context(), tripID, convID, limit)
	if err != nil {
		writeStoreError(w, "read transcript", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions not configured")
		return
	}
	tripID := types.TripID(r.PathValue("trip"))
	convID := types.ConversationID(r.PathValue("conv"))

	if _, err := s.deps.Conversations.Get(r.Context(), tripID, convID); err != nil {
		writeStoreError(w, "get conversation", err)
		return
	}
	actor, err := s.deps.Sessions.Get(r.Context(), tripID, convID)
	if err != nil {
		writeStoreError(w, "open conversation", err)
		return
	}
	if err := actor.Reset(r.Context()); err != nil {
		writeStoreError(w, "reset conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
