package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mattjoyce/sheetloop/internal/conversation"
	"github.com/mattjoyce/sheetloop/internal/reconcile"
)

// Thread is a thread summary as listed by the backend.
type Thread struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	TurnCount int       `json:"turn_count"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedAt time.Time `json:"created_at"`
}

// File is an attachment reference in a transcript.
type File struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// Step is one persisted pipeline step of a transcript turn.
type Step struct {
	StageID     string          `json:"stage_id"`
	Step        string          `json:"step"`
	Status      string          `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// TranscriptTurn is one turn of a thread transcript.
type TranscriptTurn struct {
	ID          string     `json:"id"`
	TurnNumber  int        `json:"turn_number"`
	Query       string     `json:"user_query"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Files       []File     `json:"files,omitempty"`
	Steps       []Step     `json:"steps"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ThreadDetail is a thread with its full transcript.
type ThreadDetail struct {
	Thread Thread           `json:"thread"`
	Turns  []TranscriptTurn `json:"turns"`
}

// ListThreads returns the most recently updated threads first.
func (c *Client) ListThreads(ctx context.Context, limit int) ([]Thread, error) {
	path := "/threads"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var out struct {
		Threads []Thread `json:"threads"`
	}
	if err := c.do(ctx, "list threads", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Threads, nil
}

// GetThread fetches a thread transcript.
func (c *Client) GetThread(ctx context.Context, id string) (*ThreadDetail, error) {
	var out ThreadDetail
	if err := c.do(ctx, "get thread "+id, http.MethodGet, "/threads/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LoadTranscript implements conversation.History.
func (c *Client) LoadTranscript(ctx context.Context, threadID string) ([]conversation.HistoricalTurn, error) {
	detail, err := c.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	turns := make([]conversation.HistoricalTurn, 0, len(detail.Turns))
	for _, t := range detail.Turns {
		ht := conversation.HistoricalTurn{
			ID:          t.ID,
			Query:       t.Query,
			Status:      t.Status,
			Error:       t.Error,
			CreatedAt:   t.CreatedAt,
			CompletedAt: t.CompletedAt,
		}
		for _, f := range t.Files {
			ht.Attachments = append(ht.Attachments, conversation.Attachment{ID: f.ID, Filename: f.Filename, Path: f.Path})
		}
		for _, s := range t.Steps {
			ht.Steps = append(ht.Steps, reconcile.Snapshot{
				Step:        reconcile.StepName(s.Step),
				Key:         s.StageID,
				Status:      s.Status,
				Output:      s.Output,
				Error:       s.Error,
				StartedAt:   s.StartedAt,
				CompletedAt: s.CompletedAt,
			})
		}
		turns = append(turns, ht)
	}
	return turns, nil
}

// DeleteThread removes a thread and its transcript.
func (c *Client) DeleteThread(ctx context.Context, id string) error {
	return c.do(ctx, "delete thread "+id, http.MethodDelete, "/threads/"+url.PathEscape(id), nil, nil)
}

// RenameThread changes a thread title.
func (c *Client) RenameThread(ctx context.Context, id, title string) (*Thread, error) {
	var out Thread
	in := map[string]string{"title": title}
	if err := c.do(ctx, "rename thread "+id, http.MethodPatch, "/threads/"+url.PathEscape(id), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
