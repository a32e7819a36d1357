// Package conversation owns the turn list of one conversation and folds the
// event stream of the active turn into it.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/sheetloop/internal/reconcile"
	"github.com/mattjoyce/sheetloop/internal/sse"
)

// Options configures a Conversation.
type Options struct {
	Pipeline         reconcile.Pipeline
	AttachmentPolicy AttachmentPolicy
	Streamer         Streamer
	History          History
	Hooks            Hooks
	Logger           *slog.Logger
	Now              func() time.Time
	NewID            func() string
}

// Conversation is safe for concurrent use. Stream callbacks, the CLI and
// hooks may all call into it.
type Conversation struct {
	reconciler *reconcile.Reconciler
	policy     AttachmentPolicy
	streamer   Streamer
	history    History
	hooks      Hooks
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string

	mu       sync.Mutex
	turns    []*Turn
	threadID string
	active   *activeStream
	gen      uint64
}

// activeStream is the bookkeeping of the single open stream.
type activeStream struct {
	gen        uint64
	turnID     string
	stream     Stream
	index      reconcile.Index
	stepFailed bool
	failure    string
	transport  error
}

// New creates a Conversation. A Streamer is required.
func New(opts Options) (*Conversation, error) {
	if opts.Streamer == nil {
		return nil, errors.New("conversation: streamer is required")
	}
	if opts.Pipeline.Name == "" {
		opts.Pipeline = reconcile.Staged()
	}
	if opts.AttachmentPolicy == "" {
		opts.AttachmentPolicy = AttachmentsFirstTurn
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Conversation{
		reconciler: reconcile.New(opts.Pipeline),
		policy:     opts.AttachmentPolicy,
		streamer:   opts.Streamer,
		history:    opts.History,
		hooks:      opts.Hooks,
		logger:     opts.Logger,
		now:        opts.Now,
		newID:      opts.NewID,
	}, nil
}

// Pipeline returns the pipeline events are reconciled against.
func (c *Conversation) Pipeline() reconcile.Pipeline {
	return c.reconciler.Pipeline()
}

// CanSubmit reports whether SubmitTurn would accept sub.
func (c *Conversation) CanSubmit(sub Submission) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkSubmitLocked(sub)
}

func (c *Conversation) checkSubmitLocked(sub Submission) error {
	for _, t := range c.turns {
		if !t.Assistant.Status.Terminal() {
			return ErrTurnActive
		}
	}
	if strings.TrimSpace(sub.Query) == "" {
		return ErrEmptyQuery
	}
	switch c.policy {
	case AttachmentsAlways:
		if len(sub.Attachments) == 0 {
			return ErrAttachmentsRequired
		}
	case AttachmentsFirstTurn:
		if len(c.turns) == 0 && len(sub.Attachments) == 0 {
			return ErrAttachmentsRequired
		}
	}
	return nil
}

// SubmitTurn creates the optimistic user message and a pending assistant
// placeholder, then opens the event stream. Rejected submissions leave the
// state untouched.
func (c *Conversation) SubmitTurn(ctx context.Context, sub Submission) (Turn, error) {
	c.mu.Lock()
	if err := c.checkSubmitLocked(sub); err != nil {
		c.mu.Unlock()
		return Turn{}, err
	}
	var n notifier
	c.abortLocked(&n)

	now := c.now()
	turn := &Turn{
		ID: c.newID(),
		User: UserMessage{
			ID:          c.newID(),
			Content:     sub.Query,
			Attachments: append([]Attachment(nil), sub.Attachments...),
			CreatedAt:   now,
		},
		Assistant: &AssistantMessage{
			ID:        c.newID(),
			Status:    StatusPending,
			Steps:     []reconcile.Record{},
			StartedAt: now,
		},
	}
	c.turns = append(c.turns, turn)
	if sub.ThreadID != "" && c.threadID == "" {
		c.threadID = sub.ThreadID
	}
	req := c.requestLocked(turn)
	gen := c.beginLocked(turn.ID)
	snapshot := turn.clone()
	n.change(snapshot)
	c.mu.Unlock()

	c.logger.Info("turn submitted", "turn_id", turn.ID, "thread_id", req.ThreadID, "attachments", len(req.FileIDs))
	c.fire(n)
	c.open(ctx, gen, req)
	return snapshot, nil
}

// RetryTurn re-submits the user content of a failed, interrupted or cancelled
// turn. The turn and assistant ids are kept; previous steps are discarded.
func (c *Conversation) RetryTurn(ctx context.Context, turnID string) (Turn, error) {
	c.mu.Lock()
	turn := c.findLocked(turnID)
	if turn == nil {
		c.mu.Unlock()
		return Turn{}, ErrTurnNotFound
	}
	if !turn.CanRetry() {
		c.mu.Unlock()
		return Turn{}, ErrNotRetryable
	}
	for _, t := range c.turns {
		if t != turn && !t.Assistant.Status.Terminal() {
			c.mu.Unlock()
			return Turn{}, ErrTurnActive
		}
	}
	var n notifier
	c.abortLocked(&n)

	turn.Assistant = &AssistantMessage{
		ID:        turn.Assistant.ID,
		Status:    StatusPending,
		Steps:     []reconcile.Record{},
		StartedAt: c.now(),
	}
	req := c.requestLocked(turn)
	gen := c.beginLocked(turn.ID)
	snapshot := turn.clone()
	n.change(snapshot)
	c.mu.Unlock()

	c.logger.Info("turn retried", "turn_id", turn.ID, "thread_id", req.ThreadID)
	c.fire(n)
	c.open(ctx, gen, req)
	return snapshot, nil
}

// CancelActive aborts the active stream. A turn that has not reached a
// terminal status becomes cancelled.
func (c *Conversation) CancelActive() {
	c.mu.Lock()
	var n notifier
	c.abortLocked(&n)
	c.mu.Unlock()
	c.fire(n)
}

// Close aborts any open stream, for teardown.
func (c *Conversation) Close() {
	c.CancelActive()
}

// Reset aborts the active stream and starts a new, empty conversation.
func (c *Conversation) Reset() {
	c.mu.Lock()
	var n notifier
	c.abortLocked(&n)
	c.turns = nil
	c.threadID = ""
	c.mu.Unlock()
	c.fire(n)
}

// LoadHistory replaces the turn list with the persisted transcript of threadID.
func (c *Conversation) LoadHistory(ctx context.Context, threadID string) error {
	if c.history == nil {
		return errors.New("conversation: no history source configured")
	}
	c.CancelActive()

	transcript, err := c.history.LoadTranscript(ctx, threadID)
	if err != nil {
		return fmt.Errorf("load history %s: %w", threadID, err)
	}

	turns := make([]*Turn, 0, len(transcript))
	for _, ht := range transcript {
		turns = append(turns, c.restoreTurn(ht))
	}

	c.mu.Lock()
	var n notifier
	c.abortLocked(&n)
	c.turns = turns
	c.threadID = threadID
	for _, t := range turns {
		n.change(t.clone())
	}
	c.mu.Unlock()

	c.logger.Info("history loaded", "thread_id", threadID, "turns", len(turns))
	c.fire(n)
	return nil
}

func (c *Conversation) restoreTurn(ht HistoricalTurn) *Turn {
	p := c.reconciler.Pipeline()
	steps, _ := reconcile.FromHistory(ht.Steps)
	msg := &AssistantMessage{
		ID:           ht.ID + "-assistant",
		Steps:        steps,
		OutputFiles:  reconcile.OutputFiles(steps, p),
		Insights:     reconcile.ExtractInsights(steps, p),
		ServerTurnID: ht.ID,
		StartedAt:    ht.CreatedAt,
		CompletedAt:  ht.CompletedAt,
	}
	switch {
	case ht.Status == "cancelled":
		msg.Status = StatusCancelled
	case reconcile.HasError(steps):
		msg.Status = StatusError
		if se := reconcile.FirstError(steps); se != nil {
			msg.Error = se.Message
		}
	case ht.Status == "error" || ht.Status == "failed":
		msg.Status = StatusError
		msg.Error = ht.Error
	case ht.Status == "" || ht.Status == "done" || ht.Status == "completed" || ht.Status == "success":
		msg.Status = StatusDone
	default:
		msg.Status = StatusInterrupted
	}
	if msg.Error == "" && ht.Error != "" && msg.Status != StatusDone {
		msg.Error = ht.Error
	}
	return &Turn{
		ID: ht.ID,
		User: UserMessage{
			ID:          ht.ID + "-user",
			Content:     ht.Query,
			Attachments: append([]Attachment(nil), ht.Attachments...),
			CreatedAt:   ht.CreatedAt,
		},
		Assistant: msg,
	}
}

// Turns returns a copy of every turn in order.
func (c *Conversation) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Turn, 0, len(c.turns))
	for _, t := range c.turns {
		out = append(out, t.clone())
	}
	return out
}

// Turn returns a copy of the turn with id.
func (c *Conversation) Turn(id string) (Turn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t := c.findLocked(id); t != nil {
		return t.clone(), true
	}
	return Turn{}, false
}

// ActiveTurnID returns the turn whose stream is open, if any.
func (c *Conversation) ActiveTurnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.turnID
}

// IsProcessing reports whether a stream is open.
func (c *Conversation) IsProcessing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// ThreadID returns the server conversation id, once known.
func (c *Conversation) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// OutputFiles returns the output files of every turn, oldest first, without duplicates.
func (c *Conversation) OutputFiles() []reconcile.OutputFile {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := map[string]bool{}
	var files []reconcile.OutputFile
	for _, t := range c.turns {
		for _, f := range t.Assistant.OutputFiles {
			key := f.FileID + "\x00" + f.Filename
			if seen[key] {
				continue
			}
			seen[key] = true
			files = append(files, f)
		}
	}
	return files
}

func (c *Conversation) findLocked(id string) *Turn {
	for _, t := range c.turns {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (c *Conversation) requestLocked(turn *Turn) StreamRequest {
	ids := make([]string, 0, len(turn.User.Attachments))
	for _, a := range turn.User.Attachments {
		ids = append(ids, a.ID)
	}
	return StreamRequest{Query: turn.User.Content, FileIDs: ids, ThreadID: c.threadID}
}

func (c *Conversation) beginLocked(turnID string) uint64 {
	c.gen++
	c.active = &activeStream{gen: c.gen, turnID: turnID}
	return c.gen
}

// abortLocked closes the active stream and cancels its turn when still open.
func (c *Conversation) abortLocked(n *notifier) {
	a := c.active
	if a == nil {
		return
	}
	c.active = nil
	if a.stream != nil {
		n.abort(a.stream)
	}
	turn := c.findLocked(a.turnID)
	if turn == nil {
		return
	}
	msg := turn.Assistant
	if !msg.Status.Terminal() {
		msg.Status = StatusCancelled
		c.finishLocked(msg)
		c.logger.Info("turn cancelled", "turn_id", turn.ID)
	}
	snapshot := turn.clone()
	n.change(snapshot)
	n.settled(snapshot)
}

func (c *Conversation) open(ctx context.Context, gen uint64, req StreamRequest) {
	h := sse.Handlers{
		OnEvent: func(ev sse.Event) { c.handleEvent(gen, ev) },
		OnError: func(err error) { c.handleTransportError(gen, err) },
		OnClose: func() { c.handleClose(gen) },
	}
	stream, err := c.streamer.StreamTurn(ctx, req, h)

	c.mu.Lock()
	var n notifier
	switch {
	case c.active == nil || c.active.gen != gen:
		if err == nil {
			n.abort(stream)
		}
	case err != nil:
		c.logger.Error("open stream failed", "turn_id", c.active.turnID, "error", err)
		c.active.transport = err
		c.settleLocked(&n)
	default:
		c.active.stream = stream
	}
	c.mu.Unlock()
	c.fire(n)
}

func (c *Conversation) finishLocked(msg *AssistantMessage) {
	if msg.CompletedAt == nil {
		completed := c.now()
		msg.CompletedAt = &completed
	}
}

// notifier collects hook calls and aborts to run after the lock is released.
type notifier struct {
	changes  []Turn
	settles  []Turn
	sessions []string
	outputs  []outputNotice
	aborts   []Stream
}

type outputNotice struct {
	turnID string
	files  []reconcile.OutputFile
}

func (n *notifier) change(t Turn)     { n.changes = append(n.changes, t) }
func (n *notifier) settled(t Turn)    { n.settles = append(n.settles, t) }
func (n *notifier) session(id string) { n.sessions = append(n.sessions, id) }
func (n *notifier) abort(s Stream)    { n.aborts = append(n.aborts, s) }
func (n *notifier) output(turnID string, files []reconcile.OutputFile) {
	n.outputs = append(n.outputs, outputNotice{turnID: turnID, files: files})
}

func (c *Conversation) fire(n notifier) {
	for _, s := range n.aborts {
		s.Abort()
	}
	for _, id := range n.sessions {
		if c.hooks.OnSessionCreated != nil {
			c.hooks.OnSessionCreated(id)
		}
	}
	for _, t := range n.changes {
		if c.hooks.OnChange != nil {
			c.hooks.OnChange(t)
		}
	}
	for _, o := range n.outputs {
		if c.hooks.OnOutputFiles != nil {
			c.hooks.OnOutputFiles(o.turnID, o.files)
		}
	}
	for _, t := range n.settles {
		if c.hooks.OnSettled != nil {
			c.hooks.OnSettled(t)
		}
	}
}

func (t *Turn) clone() Turn {
	out := *t
	out.User.Attachments = append([]Attachment(nil), t.User.Attachments...)
	if t.Assistant != nil {
		msg := *t.Assistant
		msg.Steps = make([]reconcile.Record, len(t.Assistant.Steps))
		for i, rec := range t.Assistant.Steps {
			if rec.Error != nil {
				e := *rec.Error
				rec.Error = &e
			}
			msg.Steps[i] = rec
		}
		msg.OutputFiles = append([]reconcile.OutputFile(nil), t.Assistant.OutputFiles...)
		if t.Assistant.Completion != nil {
			comp := *t.Assistant.Completion
			comp.Errors = append([]string(nil), comp.Errors...)
			msg.Completion = &comp
		}
		out.Assistant = &msg
	}
	return out
}
