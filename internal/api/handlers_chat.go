package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	"github.com/mattjoyce/sheetloop/internal/pipeline"
	"github.com/mattjoyce/sheetloop/internal/sse"
	"github.com/mattjoyce/sheetloop/internal/store"
)

// ChatRequest is the JSON body for POST /excel/chat.
type ChatRequest struct {
	Query    string   `json:"query"`
	FileIDs  []string `json:"file_ids"`
	ThreadID string   `json:"thread_id,omitempty"`
}

// SessionEvent opens every chat stream.
type SessionEvent struct {
	ThreadID string `json:"thread_id"`
	TurnID   string `json:"turn_id"`
}

// ErrorEvent reports a failure outside any step.
type ErrorEvent struct {
	Message string `json:"message"`
}

// handleChat handles POST /excel/chat. It creates the thread when none is
// given, announces the session and streams the pipeline run.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		s.writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	ctx := r.Context()
	var thread *store.Thread
	var err error
	if req.ThreadID != "" {
		thread, err = s.threads.GetByID(ctx, req.ThreadID)
		if err != nil {
			s.writeLookupError(w, err, "thread")
			return
		}
	} else {
		thread, err = s.threads.Create(ctx, store.TitleFromQuery(req.Query))
		if err != nil {
			s.logger.Error("failed to create thread", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to create thread")
			return
		}
	}

	files, err := s.files.GetMany(ctx, req.FileIDs)
	if err != nil {
		s.logger.Error("failed to resolve files", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to resolve files")
		return
	}
	if len(files) != len(req.FileIDs) {
		s.writeError(w, http.StatusBadRequest, "unknown file id")
		return
	}
	inputs := make([]pipeline.InputFile, 0, len(files))
	fileIDs := make([]string, 0, len(files))
	for _, f := range files {
		inputs = append(inputs, pipeline.InputFile{ID: f.ID, Filename: f.Filename, Path: f.Path})
		fileIDs = append(fileIDs, f.ID)
	}

	turn, err := s.turns.Create(ctx, thread.ID, req.Query, fileIDs)
	if err != nil {
		s.logger.Error("failed to create turn", "thread_id", thread.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create turn")
		return
	}

	sw, err := sse.NewWriter(w)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log := s.logger.With("thread_id", thread.ID, "turn_id", turn.ID)
	log.Info("chat turn started", "files", len(inputs))

	stop := s.heartbeat(ctx, sw)
	defer stop()

	if err := sw.Event("session", SessionEvent{ThreadID: thread.ID, TurnID: turn.ID}); err != nil {
		s.finishTurn(ctx, log, turn.ID, thread.ID, pipeline.Result{}, err)
		return
	}

	rec := &pipeline.Recorder{
		Steps:  s.steps,
		TurnID: turn.ID,
		Next:   stampedEmitter(sw, thread.ID, turn.ID),
		Logger: log,
	}
	res, runErr := s.runner.Run(ctx, pipeline.Request{TurnID: turn.ID, Query: req.Query, Files: inputs}, rec)
	if runErr != nil && ctx.Err() == nil {
		_ = sw.Event("error", ErrorEvent{Message: runErr.Error()})
	}
	s.finishTurn(ctx, log, turn.ID, thread.ID, res, runErr)
}

// finishTurn records the outcome. It outlives the request context so a
// disconnected client still leaves a terminal turn behind.
func (s *Server) finishTurn(ctx context.Context, log *slog.Logger, turnID, threadID string, res pipeline.Result, runErr error) {
	bg := context.WithoutCancel(ctx)
	status := store.TurnStatusCompleted
	var errMsg *string
	switch {
	case runErr != nil && ctx.Err() != nil:
		status = store.TurnStatusCancelled
	case runErr != nil:
		status = store.TurnStatusFailed
		msg := runErr.Error()
		errMsg = &msg
	case !res.Success:
		status = store.TurnStatusFailed
		msg := strings.Join(res.Errors, "; ")
		errMsg = &msg
	}
	if err := s.turns.UpdateStatus(bg, turnID, status, errMsg); err != nil {
		log.Warn("failed to record turn status", "error", err)
	}
	if err := s.threads.Touch(bg, threadID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		log.Warn("failed to touch thread", "error", err)
	}
	log.Info("chat turn finished", "status", status)
}

// stampedEmitter writes step events as default SSE events carrying the
// thread and turn ids.
func stampedEmitter(sw *sse.Writer, threadID, turnID string) pipeline.Emitter {
	return pipeline.EmitterFunc(func(_ context.Context, ev pipeline.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if threadID != "" {
			if data, err = sjson.SetBytes(data, "thread_id", threadID); err != nil {
				return err
			}
		}
		if turnID != "" {
			if data, err = sjson.SetBytes(data, "turn_id", turnID); err != nil {
				return err
			}
		}
		return sw.Event("", json.RawMessage(data))
	})
}

// heartbeat writes a comment every interval until stopped or ctx ends. The
// returned stop waits for the writer goroutine to exit.
func (s *Server) heartbeat(ctx context.Context, sw *sse.Writer) func() {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(s.config.StreamHeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := sw.Comment("heartbeat"); err != nil {
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}
