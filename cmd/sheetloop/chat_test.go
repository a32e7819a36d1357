package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/sheetloop/internal/api"
	"github.com/mattjoyce/sheetloop/internal/config"
	"github.com/mattjoyce/sheetloop/internal/conversation"
	"github.com/mattjoyce/sheetloop/internal/fixture"
	"github.com/mattjoyce/sheetloop/internal/pipeline"
	"github.com/mattjoyce/sheetloop/internal/reconcile"
	"github.com/mattjoyce/sheetloop/internal/storage"
	"github.com/mattjoyce/sheetloop/internal/store"
)

const testToken = "test-token"

func TestStepLineShowsErrorAndDuration(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	completed := started.Add(1500 * time.Millisecond)

	done := stepLine(reconcile.Record{Step: reconcile.StepLoad, Status: reconcile.StatusDone, StartedAt: started, CompletedAt: &completed})
	if !strings.HasPrefix(done, "load") || !strings.HasSuffix(done, "1.5s") {
		t.Fatalf("done line = %q", done)
	}

	failed := stepLine(reconcile.Record{
		Step:   reconcile.StepExport,
		Status: reconcile.StatusError,
		Error:  &reconcile.StepError{Code: "export_failed", Message: "disk full"},
	})
	if !strings.Contains(failed, "err=disk full") {
		t.Fatalf("error line = %q", failed)
	}

	streaming := stepLine(reconcile.Record{Step: reconcile.StepGenerate, Status: reconcile.StatusStreaming, StreamContent: "{\"op"})
	if !strings.Contains(streaming, "4 chars streamed") {
		t.Fatalf("streaming line = %q", streaming)
	}
}

func TestChatModelFoldsTurnNotifications(t *testing.T) {
	m := newViewModel(chatRun{Title: "SheetLoop Chat", APIBase: "http://backend/api", Query: "sum"}, nil)
	m.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	m = update(t, m, readyMsg{})
	m = update(t, m, submittedMsg{TurnID: "turn-1"})
	m = update(t, m, sessionMsg("thread-1"))

	turn := conversation.Turn{
		ID:   "turn-1",
		User: conversation.UserMessage{Content: "sum the columns"},
		Assistant: &conversation.AssistantMessage{
			Status: conversation.StatusStreaming,
			Steps: []reconcile.Record{
				{Step: reconcile.StepLoad, Key: "s1", Status: reconcile.StatusDone},
				{Step: reconcile.StepGenerate, Key: "s2", Status: reconcile.StatusRunning},
			},
		},
	}
	m = update(t, m, turnMsg(turn))
	m = update(t, m, turnMsg(turn))
	if got := countEvents(m.events, "generate"); got != 1 {
		t.Fatalf("generate transitions logged %d times, want 1: %v", got, m.events)
	}
	if m.statusLabel() != string(conversation.StatusStreaming) {
		t.Fatalf("status label = %q", m.statusLabel())
	}

	turn.Assistant.Status = conversation.StatusDone
	turn.Assistant.Steps[1].Status = reconcile.StatusDone
	turn.Assistant.Insights = reconcile.Insights{Strategy: "SUM each quarter"}
	turn.Assistant.OutputFiles = []reconcile.OutputFile{{FileID: "f1", Filename: "formulas.csv"}}
	m = update(t, m, settledMsg(turn))

	if m.threadID != "thread-1" || m.statusLabel() != "done" {
		t.Fatalf("thread=%q status=%q", m.threadID, m.statusLabel())
	}
	view := m.View()
	for _, want := range []string{"DONE", "thread-1", "strategy: SUM each quarter", "formulas.csv"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestChatModelSkipsRestoredTurns(t *testing.T) {
	m := newViewModel(chatRun{Title: "SheetLoop Chat"}, nil)
	restored := conversation.Turn{
		ID: "old",
		Assistant: &conversation.AssistantMessage{
			Status: conversation.StatusDone,
			Steps:  []reconcile.Record{{Step: reconcile.StepLoad, Key: "h1", Status: reconcile.StatusDone}},
		},
	}
	m = update(t, m, turnMsg(restored))
	if len(m.events) != 0 {
		t.Fatalf("restored turn logged events: %v", m.events)
	}
	if m.statusLabel() != phasePreparing {
		t.Fatalf("status label = %q", m.statusLabel())
	}
}

func TestChatModelQuitKey(t *testing.T) {
	m := newViewModel(chatRun{}, nil)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
}

func TestPanelHeightsFillTerminal(t *testing.T) {
	steps, events, result := panelHeights(40)
	if steps+events+result != 35 {
		t.Fatalf("panels = %d+%d+%d, want 35", steps, events, result)
	}
	steps, events, result = panelHeights(10)
	if events < 6 || steps < 4 || result < 4 {
		t.Fatalf("small terminal panels = %d/%d/%d", steps, events, result)
	}
}

func TestRunPlainAgainstBackend(t *testing.T) {
	cfg := newTestBackend(t)
	sess := newTestSession(t, cfg, sessionOptions{})

	path := filepath.Join(t.TempDir(), "sales.csv")
	if err := os.WriteFile(path, []byte("region,q1,q2\nnorth,1,2\nsouth,3,4\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := runPlain(ctx, sess, chatRun{Query: "total per quarter", Files: []string{path}}, &out); err != nil {
		t.Fatalf("run plain: %v\n%s", err, out.String())
	}
	for _, want := range []string{"upload sales.csv", "thread ", "export", "turn done", "output: formulas-"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
	if sess.conv.ThreadID() == "" {
		t.Fatalf("expected a thread id after the turn")
	}
}

func TestRunPlainReplaysFixture(t *testing.T) {
	cfg := newTestBackend(t)

	ok := newTestSession(t, cfg, sessionOptions{Scenario: "02-replay", Case: "missing-stage-ids"})
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := runPlain(ctx, ok, chatRun{Query: "legacy events"}, &out); err != nil {
		t.Fatalf("replay: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "strategy: Count rows") {
		t.Fatalf("output missing strategy:\n%s", out.String())
	}

	failing := newTestSession(t, cfg, sessionOptions{Scenario: "02-replay", Case: "export-failure"})
	out.Reset()
	err := runPlain(ctx, failing, chatRun{Query: "export failure"}, &out)
	if err == nil || !strings.Contains(err.Error(), "error") {
		t.Fatalf("expected a failed turn, got %v", err)
	}
	if !strings.Contains(out.String(), "disk full") {
		t.Fatalf("output missing step error:\n%s", out.String())
	}
}

func TestRunPlainRejectsMissingAttachments(t *testing.T) {
	cfg := newTestBackend(t)
	sess := newTestSession(t, cfg, sessionOptions{})
	err := runPlain(context.Background(), sess, chatRun{Query: "no files"}, io.Discard)
	if !errors.Is(err, conversation.ErrAttachmentsRequired) {
		t.Fatalf("expected ErrAttachmentsRequired, got %v", err)
	}
}

func update(t *testing.T, m chatModel, msg tea.Msg) chatModel {
	t.Helper()
	next, _ := m.Update(msg)
	cm, ok := next.(chatModel)
	if !ok {
		t.Fatalf("unexpected model type %T", next)
	}
	return cm
}

func countEvents(events []string, substr string) int {
	n := 0
	for _, e := range events {
		if strings.Contains(e, substr) {
			n++
		}
	}
	return n
}

// newTestBackend serves the real API from a temp database and returns a
// client config pointing at it.
func newTestBackend(t *testing.T) *config.Config {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	db, err := storage.OpenSQLite(ctx, filepath.Join(dir, "sheetloop.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := pipeline.New(pipeline.Options{
		OutputDir: filepath.Join(dir, "outputs"),
		Register:  registerOutput(store.NewFileStore(db)),
		Logger:    logger,
	})
	srv := api.New(api.Config{
		Token:     testToken,
		BasePath:  "/api",
		UploadDir: filepath.Join(dir, "uploads"),
	}, db, runner, fixture.NewCatalog("../../fixtures"), logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	cfg := config.Default()
	cfg.Client.BaseURL = ts.URL + "/api"
	cfg.Client.Token = testToken
	cfg.Client.Timeout = 5 * time.Second
	return cfg
}

func newTestSession(t *testing.T, cfg *config.Config, opts sessionOptions) *session {
	t.Helper()
	sess, err := newSession(cfg, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(sess.close)
	return sess
}
