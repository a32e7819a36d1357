package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/sheetloop/internal/reconcile"
	"github.com/mattjoyce/sheetloop/internal/sse"
)

var (
	ErrTurnActive          = errors.New("another turn is still processing")
	ErrEmptyQuery          = errors.New("query is empty")
	ErrAttachmentsRequired = errors.New("at least one resolved attachment is required")
	ErrNotRetryable        = errors.New("turn cannot be retried")
	ErrTurnNotFound        = errors.New("turn not found")
)

// Status is the aggregate status of an assistant response.
type Status string

const (
	StatusPending     Status = "pending"
	StatusStreaming   Status = "streaming"
	StatusDone        Status = "done"
	StatusError       Status = "error"
	StatusInterrupted Status = "interrupted"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether no further events change the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusError, StatusInterrupted, StatusCancelled:
		return true
	}
	return false
}

// AttachmentPolicy decides when a submission must carry attachments.
type AttachmentPolicy string

const (
	AttachmentsFirstTurn AttachmentPolicy = "first_turn"
	AttachmentsAlways    AttachmentPolicy = "always"
	AttachmentsNever     AttachmentPolicy = "never"
)

// Attachment is a resolved server-side file referenced by a turn.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Path     string `json:"path,omitempty"`
}

// UserMessage is created optimistically at submit time.
type UserMessage struct {
	ID          string       `json:"id"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Completion is the turn-level outcome reported by the complete marker.
type Completion struct {
	Success    bool     `json:"success"`
	Errors     []string `json:"errors,omitempty"`
	OutputFile string   `json:"output_file,omitempty"`
}

// AssistantMessage is the response placeholder, updated in place as events arrive.
type AssistantMessage struct {
	ID           string                 `json:"id"`
	Status       Status                 `json:"status"`
	Steps        []reconcile.Record     `json:"steps"`
	OutputFiles  []reconcile.OutputFile `json:"output_files,omitempty"`
	Insights     reconcile.Insights     `json:"insights"`
	Error        string                 `json:"error,omitempty"`
	Completion   *Completion            `json:"completion,omitempty"`
	ServerTurnID string                 `json:"server_turn_id,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// Turn is one user request and its assistant response.
type Turn struct {
	ID        string            `json:"id"`
	User      UserMessage       `json:"user"`
	Assistant *AssistantMessage `json:"assistant,omitempty"`
}

// CanRetry reports whether RetryTurn accepts this turn.
func (t Turn) CanRetry() bool {
	if t.Assistant == nil {
		return false
	}
	switch t.Assistant.Status {
	case StatusError, StatusInterrupted, StatusCancelled:
		return true
	}
	return false
}

// Submission is the input of SubmitTurn.
type Submission struct {
	Query       string
	Attachments []Attachment
	// ThreadID continues an existing server conversation.
	ThreadID string
}

// StreamRequest is the body of the chat stream request.
type StreamRequest struct {
	Query    string   `json:"query"`
	FileIDs  []string `json:"file_ids"`
	ThreadID string   `json:"thread_id,omitempty"`
}

// Stream is the handle of an open event stream.
type Stream interface {
	Abort()
}

// Streamer opens the event stream for one turn.
type Streamer interface {
	StreamTurn(ctx context.Context, req StreamRequest, h sse.Handlers) (Stream, error)
}

// HistoricalTurn is one persisted turn of a transcript.
type HistoricalTurn struct {
	ID          string
	Query       string
	Attachments []Attachment
	Status      string
	Steps       []reconcile.Snapshot
	Error       string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// History fetches persisted transcripts.
type History interface {
	LoadTranscript(ctx context.Context, threadID string) ([]HistoricalTurn, error)
}

// Hooks are notified after state changes. They run outside the conversation
// lock and may call back into the Conversation.
type Hooks struct {
	OnChange func(turn Turn)
	// OnSessionCreated fires once when the server assigns a thread id.
	OnSessionCreated func(threadID string)
	// OnOutputFiles carries the tab switch intent of an artifact step.
	OnOutputFiles func(turnID string, files []reconcile.OutputFile)
	// OnSettled fires once per stream after it closed or was cancelled.
	OnSettled func(turn Turn)
}
