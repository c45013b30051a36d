package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/linkdo/linkdo/internal/schema"
	"github.com/linkdo/linkdo/internal/similarity"
	"github.com/linkdo/linkdo/internal/store"
)

// workspaceHeader carries the tenant id; every /api route requires it.
const workspaceHeader = "X-Workspace-ID"

// workspaceHandler is a handler that has already resolved the workspace.
type workspaceHandler func(w http.ResponseWriter, r *http.Request, workspaceID string)

func (s *Server) withWorkspace(next workspaceHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workspaceID := r.Header.Get(workspaceHeader)
		if workspaceID == "" {
			writeErr(w, http.StatusBadRequest, "missing "+workspaceHeader+" header")
			return
		}
		next(w, r, workspaceID)
	}
}

// statusRecorder captures the response code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		s.logger.Printf("[%s] %s %s -> %d (%v)", id, r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

// writeStoreErr maps store sentinel errors onto HTTP statuses.
func writeStoreErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicate):
		writeErr(w, http.StatusConflict, err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	return json.NewDecoder(r.Body).Decode(out)
}

// ---- tasks ----

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request, workspaceID string) {
	filter := store.TaskFilter{Tag: r.URL.Query().Get("tag")}

	tasks, err := s.store.ListTasks(r.Context(), workspaceID, filter)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if tasks == nil {
		tasks = []*schema.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, workspaceID string) {
	task, err := s.store.GetTask(r.Context(), workspaceID, r.PathValue("id"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type taskCreateRequest struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Priority    schema.Priority `json:"priority"`
	Status      schema.Status   `json:"status"`
	Category    string          `json:"category"`
	Tags        []string        `json:"tags"`
	DueDate     *time.Time      `json:"due_date"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request, workspaceID string) {
	var req taskCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	task := &schema.Task{
		WorkspaceID: workspaceID,
		ID:          req.ID,
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		Status:      req.Status,
		Category:    req.Category,
		Tags:        req.Tags,
		DueDate:     req.DueDate,
	}
	task.SetDefaults()
	if err := task.Validate(); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	task.Embedding = s.embedTask(r, task)

	if err := s.store.InsertTask(r.Context(), task); err != nil {
		writeStoreErr(w, err)
		return
	}

	// Best-effort: the task is already persisted, inference failures only
	// cost the automatic links.
	if edges, err := s.engine.InferEdges(r.Context(), task); err != nil {
		s.logger.Printf("WARNING: edge inference for %s failed: %v", task.ID, err)
	} else {
		for _, edge := range edges {
			s.hub.PublishEdge(workspaceID, edge, "created")
		}
	}

	s.hub.PublishTask(workspaceID, task, "created")
	writeJSON(w, http.StatusCreated, task)
}

type taskPatchRequest struct {
	Title       *string          `json:"title"`
	Description *string          `json:"description"`
	Priority    *schema.Priority `json:"priority"`
	Status      *schema.Status   `json:"status"`
	Category    *string          `json:"category"`
	Tags        *[]string        `json:"tags"`
	DueDate     *time.Time       `json:"due_date"`
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request, workspaceID string) {
	var req taskPatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	task, err := s.store.GetTask(r.Context(), workspaceID, r.PathValue("id"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	if req.Title != nil {
		task.Title = *req.Title
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.Priority != nil {
		task.Priority = *req.Priority
	}
	if req.Status != nil {
		task.Status = *req.Status
	}
	if req.Category != nil {
		task.Category = *req.Category
	}
	if req.Tags != nil {
		task.Tags = *req.Tags
	}
	if req.DueDate != nil {
		task.DueDate = req.DueDate
	}

	if err := task.Validate(); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpdateTask(r.Context(), task); err != nil {
		writeStoreErr(w, err)
		return
	}

	s.hub.PublishTask(workspaceID, task, "updated")
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request, workspaceID string) {
	id := r.PathValue("id")
	if err := s.store.DeleteTask(r.Context(), workspaceID, id); err != nil {
		writeStoreErr(w, err)
		return
	}

	s.hub.PublishTask(workspaceID, &schema.Task{WorkspaceID: workspaceID, ID: id}, "deleted")
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func (s *Server) handleDeleteTaskCascade(w http.ResponseWriter, r *http.Request, workspaceID string) {
	id := r.PathValue("id")

	if _, err := s.store.GetTask(r.Context(), workspaceID, id); err != nil {
		writeStoreErr(w, err)
		return
	}

	// Edges first so a crash between the two statements leaves no orphan
	// edge referencing a deleted task.
	deletedEdges, err := s.store.DeleteEdgesForTask(r.Context(), workspaceID, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if err := s.store.DeleteTask(r.Context(), workspaceID, id); err != nil {
		writeStoreErr(w, err)
		return
	}

	s.hub.PublishTask(workspaceID, &schema.Task{WorkspaceID: workspaceID, ID: id}, "deleted")
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            id,
		"deleted":       true,
		"deleted_edges": deletedEdges,
	})
}

func (s *Server) handleSimilarTasks(w http.ResponseWriter, r *http.Request, workspaceID string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "invalid limit: "+raw)
			return
		}
		limit = n
	}

	matches, err := s.ranker.RankSimilar(r.Context(), workspaceID, r.PathValue("id"), limit)
	if err != nil {
		if errors.Is(err, similarity.ErrNoEmbedding) {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

// ---- edges ----

func (s *Server) handleListEdges(w http.ResponseWriter, r *http.Request, workspaceID string) {
	edges, err := s.store.ListEdges(r.Context(), workspaceID)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if edges == nil {
		edges = []*schema.Edge{}
	}
	writeJSON(w, http.StatusOK, edges)
}

type edgeCreateRequest struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Weight *float64 `json:"weight"`
}

func (s *Server) handleCreateEdge(w http.ResponseWriter, r *http.Request, workspaceID string) {
	var req edgeCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	// Both endpoints must exist; same policy as the sync path.
	for _, id := range []string{req.Source, req.Target} {
		if _, err := s.store.GetTask(r.Context(), workspaceID, id); err != nil {
			writeStoreErr(w, err)
			return
		}
	}

	weight := 0.5
	if req.Weight != nil {
		weight = *req.Weight
	}

	edge := &schema.Edge{
		WorkspaceID: workspaceID,
		Source:      req.Source,
		Target:      req.Target,
		Weight:      weight,
	}
	if err := edge.Validate(); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.InsertEdge(r.Context(), edge); err != nil {
		writeStoreErr(w, err)
		return
	}

	s.hub.PublishEdge(workspaceID, edge, "created")
	writeJSON(w, http.StatusCreated, edge)
}

func (s *Server) handleDeleteEdge(w http.ResponseWriter, r *http.Request, workspaceID string) {
	source, target := r.PathValue("source"), r.PathValue("target")

	if err := s.store.DeleteEdge(r.Context(), workspaceID, source, target); err != nil {
		writeStoreErr(w, err)
		return
	}

	s.hub.PublishEdge(workspaceID, &schema.Edge{WorkspaceID: workspaceID, Source: source, Target: target}, "deleted")
	writeJSON(w, http.StatusOK, map[string]any{"source": source, "target": target, "deleted": true})
}

// ---- sync ----

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, workspaceID string) {
	var req schema.SyncRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	resp, err := s.reconciler.Sync(r.Context(), workspaceID, req.Tasks, req.Edges, time.Now().UTC())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.hub.PublishSync(workspaceID, resp.Stats, resp.SyncedAt)
	writeJSON(w, http.StatusOK, resp)
}

// ---- graph ----

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request, workspaceID string) {
	tasks, err := s.store.ListTasks(r.Context(), workspaceID, store.TaskFilter{})
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	edges, err := s.store.ListEdges(r.Context(), workspaceID)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if tasks == nil {
		tasks = []*schema.Task{}
	}
	if edges == nil {
		edges = []*schema.Edge{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "edges": edges})
}

// ---- tags ----

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request, workspaceID string) {
	tags, err := s.store.ListTags(r.Context(), workspaceID)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

type suggestRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (s *Server) handleSuggestTags(w http.ResponseWriter, r *http.Request, workspaceID string) {
	if s.suggester == nil {
		writeErr(w, http.StatusServiceUnavailable, "tag suggestion is not configured")
		return
	}

	var req suggestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Title == "" {
		writeErr(w, http.StatusBadRequest, "title is required")
		return
	}

	existing, err := s.store.ListTags(r.Context(), workspaceID)
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	tags, err := s.suggester.SuggestTags(r.Context(), req.Title, req.Description, existing)
	if err != nil {
		// No safe default for suggestions; surface the upstream failure.
		writeErr(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

// ---- health ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"database": "connected",
		"clients":  s.hub.ClientCount(),
	})
}

// embedTask computes the embedding for a task, degrading to an empty
// vector when the external call fails.
func (s *Server) embedTask(r *http.Request, task *schema.Task) []float32 {
	vec, err := s.embedder.Embed(r.Context(), task.EmbeddingText())
	if err != nil {
		s.logger.Printf("WARNING: embedding for task %s failed, storing empty vector: %v", task.ID, err)
		return []float32{}
	}
	if vec == nil {
		vec = []float32{}
	}
	return vec
}
