package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/sheetloop/internal/conversation"
	"github.com/mattjoyce/sheetloop/internal/sse"
	"github.com/mattjoyce/sheetloop/internal/upload"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/api/", "secret", 5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestUploadSendsMultipartAndReportsProgress(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/file/upload" || r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("files")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 0,
			"msg":  "ok",
			"data": []map[string]string{{"id": "file-1", "filename": hdr.Filename, "path": "/uploads/" + string(data)}},
		})
	}))

	content := strings.Repeat("x", 4096)
	var mu sync.Mutex
	var seen []int
	res, err := c.Upload(context.Background(), upload.LocalFile{
		Name: "book.xlsx",
		Size: int64(len(content)),
		Open: func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(content)), nil },
	}, func(p int) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.ID != "file-1" || res.Filename != "book.xlsx" || !strings.HasPrefix(res.Path, "/uploads/") {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(seen) == 0 || seen[len(seen)-1] != 100 {
		t.Fatalf("progress = %v, want to end at 100", seen)
	}
	for _, p := range seen[:len(seen)-1] {
		if p > 99 {
			t.Fatalf("progress reached %d before the server answered", p)
		}
	}
}

func TestUploadEnvelopeFailure(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = w.Write([]byte(`{"code":1,"msg":"unsupported file","data":[]}`))
	}))
	_, err := c.Upload(context.Background(), upload.LocalFile{
		Name: "a.csv",
		Open: func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader("a")), nil },
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "unsupported file") {
		t.Fatalf("expected envelope error, got %v", err)
	}
}

func TestLoadTranscriptMapsTurns(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/threads/th-1" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{
			"thread": {"id": "th-1", "title": "sales", "turn_count": 1},
			"turns": [{
				"id": "turn-1", "turn_number": 1, "user_query": "sum it", "status": "completed",
				"files": [{"id": "f1", "filename": "a.xlsx", "path": "/u/a.xlsx"}],
				"steps": [{"stage_id": "s1", "step": "load", "status": "done", "output": {"rows": 2}}],
				"created_at": "2026-01-02T03:04:05Z"
			}]
		}`))
	}))

	turns, err := c.LoadTranscript(context.Background(), "th-1")
	if err != nil {
		t.Fatalf("load transcript: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("expected one turn, got %d", len(turns))
	}
	got := turns[0]
	if got.Query != "sum it" || got.Status != "completed" || len(got.Attachments) != 1 || got.Attachments[0].ID != "f1" {
		t.Fatalf("unexpected turn %+v", got)
	}
	if len(got.Steps) != 1 || got.Steps[0].Key != "s1" || string(got.Steps[0].Step) != "load" {
		t.Fatalf("unexpected steps %+v", got.Steps)
	}

	_, err = c.GetThread(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCurrentUserPermissions(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"user":{"id":"u1","name":"operator","permissions":["chat","threads"]}}`))
	}))
	u, err := c.CurrentUser(context.Background())
	if err != nil {
		t.Fatalf("current user: %v", err)
	}
	if !u.HasPermission("chat") || u.HasPermission("fixtures") {
		t.Fatalf("unexpected permissions %+v", u.Permissions)
	}
	var nobody *User
	if nobody.HasPermission("chat") {
		t.Fatalf("nil user must hold no permissions")
	}
}

func TestAPIErrorCarriesServerMessage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	}))
	err := c.DeleteThread(context.Background(), "th-1")
	if err == nil || !strings.Contains(err.Error(), "status 401: unauthorized") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestOpenChatStreamsEvents(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req conversation.StreamRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query != "hi" || req.FileIDs == nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		sw, err := sse.NewWriter(w)
		if err != nil {
			return
		}
		_ = sw.Event("session", map[string]string{"thread_id": "th-9"})
		_ = sw.Event("", map[string]string{"step": "load", "stage_id": "s1", "status": "done"})
	}))

	var mu sync.Mutex
	var names []string
	closed := make(chan struct{})
	_, err := c.StreamTurn(context.Background(), conversation.StreamRequest{Query: "hi"}, sse.Handlers{
		OnEvent: func(ev sse.Event) {
			mu.Lock()
			names = append(names, ev.Name)
			mu.Unlock()
		},
		OnClose: func() { close(closed) },
	})
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("stream did not close")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(names) != 2 || names[0] != "session" || names[1] != sse.DefaultEventName {
		t.Fatalf("events = %v", names)
	}
}
