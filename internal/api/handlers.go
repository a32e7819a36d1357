package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/sheetloop/internal/store"
)

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ThreadListResponse is returned by GET /threads.
type ThreadListResponse struct {
	Threads []*store.Thread `json:"threads"`
}

// FileRef is an attachment reference in a transcript.
type FileRef struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// TurnResponse is one turn of a transcript.
type TurnResponse struct {
	ID          string        `json:"id"`
	TurnNumber  int           `json:"turn_number"`
	Query       string        `json:"user_query"`
	Status      string        `json:"status"`
	Error       *string       `json:"error,omitempty"`
	Files       []FileRef     `json:"files,omitempty"`
	Steps       []*store.Step `json:"steps"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// ThreadResponse is returned by GET /threads/{thread_id}.
type ThreadResponse struct {
	Thread *store.Thread   `json:"thread"`
	Turns  []TurnResponse `json:"turns"`
}

// RenameRequest is the JSON body for PATCH /threads/{thread_id}.
type RenameRequest struct {
	Title string `json:"title"`
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleListThreads handles GET /threads.
func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	threads, err := s.threads.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list threads", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list threads")
		return
	}
	if threads == nil {
		threads = []*store.Thread{}
	}
	respondJSON(w, http.StatusOK, ThreadListResponse{Threads: threads})
}

// handleGetThread handles GET /threads/{thread_id}.
func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	thread, err := s.threads.GetByID(r.Context(), threadID)
	if err != nil {
		s.writeLookupError(w, err, "thread")
		return
	}

	turns, err := s.turns.ListByThread(r.Context(), threadID)
	if err != nil {
		s.logger.Error("failed to list turns", "thread_id", threadID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load thread")
		return
	}

	resp := ThreadResponse{Thread: thread, Turns: make([]TurnResponse, 0, len(turns))}
	for _, t := range turns {
		steps, err := s.steps.GetByTurnID(r.Context(), t.ID)
		if err != nil {
			s.logger.Error("failed to get steps", "turn_id", t.ID, "error", err)
			steps = nil
		}
		if steps == nil {
			steps = []*store.Step{}
		}
		files, err := s.files.GetMany(r.Context(), t.FileIDs)
		if err != nil {
			s.logger.Error("failed to resolve turn files", "turn_id", t.ID, "error", err)
		}
		tr := TurnResponse{
			ID:          t.ID,
			TurnNumber:  t.TurnNumber,
			Query:       t.Query,
			Status:      string(t.Status),
			Error:       t.Error,
			Steps:       steps,
			CreatedAt:   t.CreatedAt,
			CompletedAt: t.CompletedAt,
		}
		for _, f := range files {
			tr.Files = append(tr.Files, FileRef{ID: f.ID, Filename: f.Filename, Path: f.Path})
		}
		resp.Turns = append(resp.Turns, tr)
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleRenameThread handles PATCH /threads/{thread_id}.
func (s *Server) handleRenameThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	var req RenameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		s.writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := s.threads.Rename(r.Context(), threadID, title); err != nil {
		s.writeLookupError(w, err, "thread")
		return
	}
	thread, err := s.threads.GetByID(r.Context(), threadID)
	if err != nil {
		s.writeLookupError(w, err, "thread")
		return
	}
	s.logger.Info("thread renamed", "thread_id", threadID)
	respondJSON(w, http.StatusOK, thread)
}

// handleDeleteThread handles DELETE /threads/{thread_id}.
func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	if err := s.threads.Delete(r.Context(), threadID); err != nil {
		s.writeLookupError(w, err, "thread")
		return
	}
	s.logger.Info("thread deleted", "thread_id", threadID)
	w.WriteHeader(http.StatusNoContent)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

// writeLookupError maps a missing row to 404 and anything else to 500.
func (s *Server) writeLookupError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, sql.ErrNoRows) {
		s.writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	s.logger.Error("lookup failed", "what", what, "error", err)
	s.writeError(w, http.StatusInternalServerError, "failed to load "+what)
}
