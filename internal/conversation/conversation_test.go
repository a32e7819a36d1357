package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/sheetloop/internal/reconcile"
	"github.com/mattjoyce/sheetloop/internal/sse"
)

type fakeStream struct {
	mu      sync.Mutex
	aborts  int
	req     StreamRequest
	h       sse.Handlers
	aborted bool
}

func (s *fakeStream) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborts++
	s.aborted = true
}

// emit delivers an event the way the transport does, honoring abort.
func (s *fakeStream) emit(name, data string) {
	s.mu.Lock()
	aborted := s.aborted
	s.mu.Unlock()
	if aborted {
		return
	}
	s.h.OnEvent(sse.Event{Name: name, Data: []byte(data)})
}

func (s *fakeStream) step(data string) { s.emit(sse.DefaultEventName, data) }

func (s *fakeStream) fail(err error) {
	s.h.OnError(err)
	s.h.OnClose()
}

func (s *fakeStream) succeed() {
	s.h.OnClose()
}

type fakeStreamer struct {
	mu      sync.Mutex
	streams []*fakeStream
	openErr error
}

func (f *fakeStreamer) StreamTurn(_ context.Context, req StreamRequest, h sse.Handlers) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := &fakeStream{req: req, h: h}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeStreamer) last(t *testing.T) *fakeStream {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		t.Fatalf("no stream opened")
	}
	return f.streams[len(f.streams)-1]
}

type fakeHistory struct {
	turns []HistoricalTurn
	err   error
}

func (h *fakeHistory) LoadTranscript(_ context.Context, _ string) ([]HistoricalTurn, error) {
	return h.turns, h.err
}

func newTestConversation(t *testing.T, opts Options) (*Conversation, *fakeStreamer) {
	t.Helper()
	fs := &fakeStreamer{}
	if opts.Streamer == nil {
		opts.Streamer = fs
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	seq := 0
	opts.NewID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("new conversation: %v", err)
	}
	return c, fs
}

var sheet = []Attachment{{ID: "file-1", Filename: "data.xlsx"}}

func TestSubmitTurnHappyPath(t *testing.T) {
	var sessions []string
	var tabSwitches int
	var settled []Turn
	c, fs := newTestConversation(t, Options{Hooks: Hooks{
		OnSessionCreated: func(id string) { sessions = append(sessions, id) },
		OnOutputFiles:    func(string, []reconcile.OutputFile) { tabSwitches++ },
		OnSettled:        func(turn Turn) { settled = append(settled, turn) },
	}})

	turn, err := c.SubmitTurn(context.Background(), Submission{Query: "sum column A", Attachments: sheet})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if turn.User.Content != "sum column A" || turn.Assistant.Status != StatusPending || len(turn.Assistant.Steps) != 0 {
		t.Fatalf("unexpected optimistic turn %+v", turn)
	}
	s := fs.last(t)
	if len(s.req.FileIDs) != 1 || s.req.FileIDs[0] != "file-1" || s.req.Query != "sum column A" {
		t.Fatalf("unexpected stream request %+v", s.req)
	}

	s.emit(EventSession, `{"thread_id":"thread-9","turn_id":"server-turn-1"}`)
	s.step(`{"step":"load","status":"running"}`)
	got, _ := c.Turn(turn.ID)
	if len(got.Assistant.Steps) != 1 || got.Assistant.Steps[0].Status != reconcile.StatusRunning {
		t.Fatalf("after load running: %+v", got.Assistant.Steps)
	}
	if got.Assistant.Status != StatusStreaming {
		t.Fatalf("status = %s, want streaming", got.Assistant.Status)
	}

	s.step(`{"step":"load","status":"done","output":{"files":[{"file_id":"file-1"}]}}`)
	got, _ = c.Turn(turn.ID)
	if len(got.Assistant.Steps) != 1 || got.Assistant.Steps[0].Status != reconcile.StatusDone {
		t.Fatalf("after load done: %+v", got.Assistant.Steps)
	}

	s.step(`{"step":"export","status":"done","output":{"output_files":[{"file_id":"f1","filename":"out.xlsx"}]}}`)
	s.succeed()

	got, _ = c.Turn(turn.ID)
	if got.Assistant.Status != StatusDone {
		t.Fatalf("status = %s, want done", got.Assistant.Status)
	}
	files := got.Assistant.OutputFiles
	if len(files) != 1 || files[0].FileID != "f1" || files[0].Filename != "out.xlsx" {
		t.Fatalf("output files = %+v", files)
	}
	if got.ID != turn.ID || got.Assistant.ID != turn.Assistant.ID {
		t.Fatalf("turn identity changed")
	}
	if got.Assistant.ServerTurnID != "server-turn-1" || c.ThreadID() != "thread-9" {
		t.Fatalf("server ids not adopted: turn=%q thread=%q", got.Assistant.ServerTurnID, c.ThreadID())
	}
	if len(sessions) != 1 || tabSwitches != 1 || len(settled) != 1 {
		t.Fatalf("hooks: sessions=%d tabs=%d settled=%d", len(sessions), tabSwitches, len(settled))
	}
	if c.IsProcessing() {
		t.Fatalf("expected no active stream after close")
	}
}

func TestStepErrorMakesTurnRetryable(t *testing.T) {
	c, fs := newTestConversation(t, Options{})
	turn, err := c.SubmitTurn(context.Background(), Submission{Query: "q", Attachments: sheet})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	s := fs.last(t)
	s.step(`{"step":"execute","status":"error","error":"formula invalid"}`)
	s.succeed()

	got, _ := c.Turn(turn.ID)
	if got.Assistant.Status != StatusError {
		t.Fatalf("status = %s, want error", got.Assistant.Status)
	}
	if got.Assistant.Steps[0].Error == nil || got.Assistant.Steps[0].Error.Message != "formula invalid" {
		t.Fatalf("step error = %+v", got.Assistant.Steps[0].Error)
	}
	if !got.CanRetry() {
		t.Fatalf("expected retry to be available")
	}

	retried, err := c.RetryTurn(context.Background(), turn.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.ID != turn.ID || retried.Assistant.ID != turn.Assistant.ID {
		t.Fatalf("retry changed ids")
	}
	if retried.Assistant.Status != StatusPending || len(retried.Assistant.Steps) != 0 {
		t.Fatalf("retry did not reset response: %+v", retried.Assistant)
	}
	if len(fs.streams) != 2 || fs.last(t).req.Query != "q" {
		t.Fatalf("expected a second stream with the same query")
	}
	if len(c.Turns()) != 1 {
		t.Fatalf("retry must not add a turn")
	}
}

func TestStepErrorKeepsFoldingOpenStream(t *testing.T) {
	c, fs := newTestConversation(t, Options{})
	turn, _ := c.SubmitTurn(context.Background(), Submission{Query: "q", Attachments: sheet})
	s := fs.last(t)
	s.step(`{"step":"validate","stage_id":"v1","status":"error","error":"bad plan"}`)
	s.step(`{"step":"export","stage_id":"x1","status":"running"}`)
	s.step(`{"step":"export","stage_id":"x1","status":"done"}`)
	s.succeed()

	got, _ := c.Turn(turn.ID)
	if got.Assistant.Status != StatusError || len(got.Assistant.Steps) != 2 {
		t.Fatalf("status=%s steps=%d", got.Assistant.Status, len(got.Assistant.Steps))
	}
}

func TestTopLevelErrorWithoutSteps(t *testing.T) {
	c, fs := newTestConversation(t, Options{})
	turn, _ := c.SubmitTurn(context.Background(), Submission{Query: "q", Attachments: sheet})
	s := fs.last(t)
	s.emit(EventError, `{"message":"session expired"}`)
	s.step(`{"step":"load","status":"running"}`)
	s.succeed()

	got, _ := c.Turn(turn.ID)
	if got.Assistant.Status != StatusError || got.Assistant.Error != "session expired" {
		t.Fatalf("status=%s error=%q", got.Assistant.Status, got.Assistant.Error)
	}
	if len(got.Assistant.Steps) != 0 {
		t.Fatalf("events after a terminal status must be dropped")
	}
}

func TestTransportErrorAfterStepsInterrupts(t *testing.T) {
	c, fs := newTestConversation(t, Options{})
	turn, _ := c.SubmitTurn(context.Background(), Submission{Query: "q", Attachments: sheet})
	s := fs.last(t)
	s.step(`{"step":"load","status":"done"}`)
	s.step(`{"step":"generate","status":"streaming","delta":"x"}`)
	s.fail(errors.New("connection reset"))

	got, _ := c.Turn(turn.ID)
	if got.Assistant.Status != StatusInterrupted {
		t.Fatalf("status = %s, want interrupted", got.Assistant.Status)
	}
	if got.Assistant.Steps[1].Status != reconcile.StatusStreaming {
		t.Fatalf("open step should keep its last reported status")
	}
	if !got.CanRetry() {
		t.Fatalf("interrupted turn should be retryable")
	}
}

func TestTransportErrorWithoutSteps(t *testing.T) {
	c, fs := newTestConversation(t, Options{})
	turn, _ := c.SubmitTurn(context.Background(), Submission{Query: "q", Attachments: sheet})
	fs.last(t).fail(errors.New("status 502"))

	got, _ := c.Turn(turn.ID)
	if got.Assistant.Status != StatusError || got.Assistant.Error != "status 502" {
		t.Fatalf("status=%s error=%q", got.Assistant.Status, got.Assistant.Error)
	}
}

func TestCloseWithOpenStepsInterrupts(t *testing.T) {
	c, fs := newTestConversation(t, Options{})
	turn, _ := c.SubmitTurn(context.Background(), Submission{Query: "q", Attachments: sheet})
	s := fs.last(t)
	s.step(`{"step":"load","status":"running"}`)
	s.succeed()

	got, _ := c.Turn(turn.ID)
	if got.Assistant.Status != StatusInterrupted {
		t.Fatalf("status = %s, want interrupted", got.Assistant.Status)
	}
}

func TestUnknownStepIsDropped(t *testing.T) {
	c, fs := newTestConversation(t, Options{})
	turn, _ := c.SubmitTurn(context.Background(), Submission{Query: "q", Attachments: sheet})
	s := fs.last(t)
	s.step(`{"step":"load","stage_id":"l1","status":"done"}`)
	s.step(`{"step":"bogus","stage_id":"x","status":"running"}`)
	s.succeed()

	got, _ := c.Turn(turn.ID)
	if len(got.Assistant.Steps) != 1 || got.Assistant.Steps[0].Step != reconcile.StepLoad {
		t.Fatalf("unknown step was stored: %+v", got.Assistant.Steps)
	}
	if got.Assistant.Status != StatusDone {
		t.Fatalf("status = %s, want done", got.Assistant.Status)
	}
}

func TestCompletionFailureWithSteps(t *testing.T) {
	c, fs := newTestConversation(t, Options{})
	turn, _ := c.SubmitTurn(context.Background(), Submission{Query: "q", Attachments: sheet})
	s := fs.last(t)
	s.step(`{"step":"load","status":"done"}`)
	s.step(`{"step":"complete","status":"done","output":{"success":false,"errors":["no rows"]}}`)
	s.succeed()

	got, _ := c.Turn(turn.ID)
	if len(got.Assistant.Steps) != 1 {
		t.Fatalf("completion marker must not be stored as a step")
	}
	if got.Assistant.Completion == nil || got.Assistant.Completion.Success {
		t.Fatalf("completion = %+v", got.Assistant.Completion)
	}
	if got.Assistant.Status != StatusInterrupted || got.Assistant.Error != "no rows" {
		t.Fatalf("status=%s error=%q", got.Assistant.Status, got.Assistant.Error)
	}
}

func TestCancelActiveSuppressesLaterEvents(t *testing.T) {
	var changes int
	c, fs := newTestConversation(t, Options{Hooks: Hooks{OnChange: func(Turn) { changes++ }}})
	turn, _ := c.SubmitTurn(context.Background(), Submission{Query: "q", Attachments: sheet})
	s := fs.last(t)
	s.step(`{"step":"load","status":"running"}`)

	c.CancelActive()
	c.CancelActive()
	if s.aborts == 0 {
		t.Fatalf("expected transport abort")
	}
	before := changes
	cancelled, _ := c.Turn(turn.ID)
	if cancelled.Assistant.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Assistant.Status)
	}

	// Deliver directly, bypassing the transport's own suppression.
	s.h.OnEvent(sse.Event{Name: "message", Data: []byte(`{"step":"load","status":"done"}`)})
	s.h.OnError(errors.New("late"))
	s.h.OnClose()

	got, _ := c.Turn(turn.ID)
	if got.Assistant.Status != StatusCancelled || got.Assistant.Steps[0].Status != reconcile.StatusRunning {
		t.Fatalf("state mutated after cancel: %+v", got.Assistant)
	}
	if changes != before {
		t.Fatalf("hooks fired after cancel")
	}
}

func TestSubmitPreconditions(t *testing.T) {
	c, fs := newTestConversation(t, Options{})
	if _, err := c.SubmitTurn(context.Background(), Submission{Query: "  ", Attachments: sheet}); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
	if _, err := c.SubmitTurn(context.Background(), Submission{Query: "q"}); !errors.Is(err, ErrAttachmentsRequired) {
		t.Fatalf("expected ErrAttachmentsRequired, got %v", err)
	}
	if len(c.Turns()) != 0 || len(fs.streams) != 0 {
		t.Fatalf("rejected submissions changed state")
	}

	if _, err := c.SubmitTurn(context.Background(), Submission{Query: "q", Attachments: sheet}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := c.SubmitTurn(context.Background(), Submission{Query: "again"}); !errors.Is(err, ErrTurnActive) {
		t.Fatalf("expected ErrTurnActive, got %v", err)
	}
	fs.last(t).step(`{"step":"export","status":"done"}`)
	fs.last(t).succeed()

	// Follow-up turns need no attachments under the first_turn policy.
	if err := c.CanSubmit(Submission{Query: "follow up"}); err != nil {
		t.Fatalf("follow-up should be allowed: %v", err)
	}
}

func TestAttachmentPolicies(t *testing.T) {
	always, _ := newTestConversation(t, Options{AttachmentPolicy: AttachmentsAlways})
	never, _ := newTestConversation(t, Options{AttachmentPolicy: AttachmentsNever})
	if err := always.CanSubmit(Submission{Query: "q"}); !errors.Is(err, ErrAttachmentsRequired) {
		t.Fatalf("always: got %v", err)
	}
	if err := never.CanSubmit(Submission{Query: "q"}); err != nil {
		t.Fatalf("never: got %v", err)
	}
}

func TestRetryRejectsDoneTurn(t *testing.T) {
	c, fs := newTestConversation(t, Options{})
	turn, _ := c.SubmitTurn(context.Background(), Submission{Query: "q", Attachments: sheet})
	fs.last(t).succeed()
	if _, err := c.RetryTurn(context.Background(), turn.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
	if _, err := c.RetryTurn(context.Background(), "missing"); !errors.Is(err, ErrTurnNotFound) {
		t.Fatalf("expected ErrTurnNotFound, got %v", err)
	}
}

func TestOpenFailureFailsTurn(t *testing.T) {
	fs := &fakeStreamer{openErr: errors.New("dial refused")}
	c, _ := newTestConversation(t, Options{Streamer: fs})
	turn, err := c.SubmitTurn(context.Background(), Submission{Query: "q", Attachments: sheet})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, _ := c.Turn(turn.ID)
	if got.Assistant.Status != StatusError || got.Assistant.Error != "dial refused" {
		t.Fatalf("status=%s error=%q", got.Assistant.Status, got.Assistant.Error)
	}
}

func TestMalformedEventsAreDropped(t *testing.T) {
	c, fs := newTestConversation(t, Options{})
	turn, _ := c.SubmitTurn(context.Background(), Submission{Query: "q", Attachments: sheet})
	s := fs.last(t)
	s.step(`{"step":`)
	s.step(`{"step":"load","status":"warming"}`)
	s.emit(EventComplete, `nope`)
	s.step(`{"step":"load","status":"running"}`)

	got, _ := c.Turn(turn.ID)
	if len(got.Assistant.Steps) != 1 || got.Assistant.Status != StatusStreaming {
		t.Fatalf("malformed events affected state: %+v", got.Assistant)
	}
}

func TestSingleShotPipeline(t *testing.T) {
	c, fs := newTestConversation(t, Options{Pipeline: reconcile.SingleShot()})
	turn, _ := c.SubmitTurn(context.Background(), Submission{Query: "q", Attachments: sheet})
	s := fs.last(t)
	s.step(`{"action":"load","status":"start","data":{"thread_id":"th-1"}}`)
	s.step(`{"action":"load","status":"done","data":{}}`)
	s.step(`{"action":"analysis","status":"start"}`)
	s.step(`{"action":"analysis","status":"done","data":{"content":"look at column A"}}`)
	s.step(`{"action":"execute","status":"start"}`)
	s.step(`{"action":"execute","status":"done","data":{"output_file":"result.xlsx","formulas":[]}}`)
	s.succeed()

	got, _ := c.Turn(turn.ID)
	if got.Assistant.Status != StatusDone || len(got.Assistant.Steps) != 3 {
		t.Fatalf("status=%s steps=%d", got.Assistant.Status, len(got.Assistant.Steps))
	}
	if len(got.Assistant.OutputFiles) != 1 || got.Assistant.OutputFiles[0].Filename != "result.xlsx" {
		t.Fatalf("output files = %+v", got.Assistant.OutputFiles)
	}
	if got.Assistant.Insights.Analysis != "look at column A" {
		t.Fatalf("insights = %+v", got.Assistant.Insights)
	}
	if c.ThreadID() != "th-1" {
		t.Fatalf("thread id = %q", c.ThreadID())
	}
}

func TestSubmitAbortsStreamStillOpenAfterStepError(t *testing.T) {
	c, fs := newTestConversation(t, Options{})
	if _, err := c.SubmitTurn(context.Background(), Submission{Query: "q", Attachments: sheet}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	first := fs.last(t)
	first.step(`{"step":"load","status":"error","error":"unreadable"}`)

	if _, err := c.SubmitTurn(context.Background(), Submission{Query: "again"}); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.aborts == 0 {
		t.Fatalf("expected the previous stream to be aborted")
	}
	if len(fs.streams) != 2 {
		t.Fatalf("expected two streams, got %d", len(fs.streams))
	}
}

func TestLoadHistoryReplacesTurns(t *testing.T) {
	started := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	hist := &fakeHistory{turns: []HistoricalTurn{
		{
			ID: "t1", Query: "first", Status: "completed", CreatedAt: started,
			Steps: []reconcile.Snapshot{
				{Step: reconcile.StepLoad, Status: "done"},
				{Step: reconcile.StepExport, Status: "done", Output: []byte(`{"output_files":[{"file_id":"o1","filename":"a.xlsx"}]}`)},
			},
		},
		{
			ID: "t2", Query: "second", Status: "failed", CreatedAt: started,
			Steps: []reconcile.Snapshot{{Step: reconcile.StepExecute, Status: "error", Error: []byte(`"formula invalid"`)}},
		},
	}}
	c, fs := newTestConversation(t, Options{History: hist})
	if _, err := c.SubmitTurn(context.Background(), Submission{Query: "q", Attachments: sheet}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	live := fs.last(t)

	if err := c.LoadHistory(context.Background(), "thread-1"); err != nil {
		t.Fatalf("load history: %v", err)
	}
	if live.aborts == 0 {
		t.Fatalf("loading history must abort the open stream")
	}
	turns := c.Turns()
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Assistant.Status != StatusDone || len(turns[0].Assistant.OutputFiles) != 1 {
		t.Fatalf("first turn = %+v", turns[0].Assistant)
	}
	if turns[1].Assistant.Status != StatusError || turns[1].Assistant.Error != "formula invalid" || !turns[1].CanRetry() {
		t.Fatalf("second turn = %+v", turns[1].Assistant)
	}
	if c.ThreadID() != "thread-1" {
		t.Fatalf("thread id = %q", c.ThreadID())
	}
	if files := c.OutputFiles(); len(files) != 1 || files[0].FileID != "o1" {
		t.Fatalf("available files = %+v", files)
	}

	hist.err = errors.New("not found")
	if err := c.LoadHistory(context.Background(), "thread-x"); err == nil {
		t.Fatalf("expected history error")
	}
}

func TestLoadHistoryKeepsCancelledStatus(t *testing.T) {
	hist := &fakeHistory{turns: []HistoricalTurn{{
		ID: "t1", Query: "stop", Status: "cancelled",
		Steps: []reconcile.Snapshot{
			{Step: reconcile.StepLoad, Status: "done"},
			{Step: reconcile.StepGenerate, Status: "running"},
		},
	}}}
	c, _ := newTestConversation(t, Options{History: hist})
	if err := c.LoadHistory(context.Background(), "thread-1"); err != nil {
		t.Fatalf("load history: %v", err)
	}
	got := c.Turns()[0].Assistant
	if got.Status != StatusCancelled || got.Error != "" {
		t.Fatalf("cancelled turn restored as status=%s error=%q", got.Status, got.Error)
	}
	if !c.Turns()[0].CanRetry() {
		t.Fatalf("cancelled turn should be retryable")
	}
}

func TestResetClearsState(t *testing.T) {
	c, fs := newTestConversation(t, Options{})
	_, _ = c.SubmitTurn(context.Background(), Submission{Query: "q", Attachments: sheet})
	fs.last(t).emit(EventSession, `{"thread_id":"th"}`)
	c.Reset()
	if len(c.Turns()) != 0 || c.ThreadID() != "" || c.IsProcessing() {
		t.Fatalf("reset left state behind")
	}
}
