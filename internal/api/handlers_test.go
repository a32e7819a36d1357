package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/sheetloop/internal/fixture"
	"github.com/mattjoyce/sheetloop/internal/pipeline"
	"github.com/mattjoyce/sheetloop/internal/sse"
	"github.com/mattjoyce/sheetloop/internal/storage"
	"github.com/mattjoyce/sheetloop/internal/store"
)

const testToken = "test-token"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	db, err := storage.OpenSQLite(ctx, filepath.Join(dir, "sheetloop.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	files := store.NewFileStore(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := pipeline.New(pipeline.Options{
		OutputDir: filepath.Join(dir, "outputs"),
		Register: func(ctx context.Context, filename, path string, size int64) (string, error) {
			f, err := files.Create(ctx, filename, path, "text/csv", size)
			if err != nil {
				return "", err
			}
			return f.ID, nil
		},
		Logger: logger,
	})
	return New(Config{
		Token:     testToken,
		BasePath:  "/api",
		UploadDir: filepath.Join(dir, "uploads"),
	}, db, runner, fixture.NewCatalog("../../fixtures"), logger)
}

func doRequest(t *testing.T, h http.Handler, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func readEvents(t *testing.T, body []byte) []sse.Event {
	t.Helper()
	r := sse.NewReader(bytes.NewReader(body))
	var out []sse.Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("read events: %v", err)
		}
		out = append(out, ev)
	}
}

func uploadBody(t *testing.T, name, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("files", name)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write([]byte(content))
	_ = mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestHealthzAndAuth(t *testing.T) {
	router := newTestServer(t).setupRoutes()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/threads", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	rr = doRequest(t, router, http.MethodGet, "/api/auth/me", nil, "")
	var me UserResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &me); err != nil || len(me.User.Permissions) == 0 {
		t.Fatalf("auth/me = %s", rr.Body.String())
	}
}

func TestUploadEnvelope(t *testing.T) {
	router := newTestServer(t).setupRoutes()

	body, ct := uploadBody(t, "sales.csv", "a,b\n1,2\n")
	rr := doRequest(t, router, http.MethodPost, "/api/file/upload", body, ct)
	if rr.Code != http.StatusOK {
		t.Fatalf("upload status = %d body=%s", rr.Code, rr.Body.String())
	}
	var env UploadResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Code != 0 || len(env.Data) != 1 || env.Data[0].ID == "" || env.Data[0].ContentType != "text/csv" {
		t.Fatalf("unexpected envelope %+v", env)
	}

	rr = doRequest(t, router, http.MethodGet, "/api/file/"+env.Data[0].ID, nil, "")
	if rr.Code != http.StatusOK || rr.Body.String() != "a,b\n1,2\n" {
		t.Fatalf("download = %d %q", rr.Code, rr.Body.String())
	}

	body, ct = uploadBody(t, "notes.txt", "x")
	rr = doRequest(t, router, http.MethodPost, "/api/file/upload", body, ct)
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil || env.Code == 0 || rr.Code != http.StatusBadRequest {
		t.Fatalf("expected rejected upload, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestChatStreamsAndPersistsTurn(t *testing.T) {
	srv := newTestServer(t)
	router := srv.setupRoutes()

	body, ct := uploadBody(t, "sales.csv", "region,q1,q2\nnorth,1,2\nsouth,3,4\n")
	rr := doRequest(t, router, http.MethodPost, "/api/file/upload", body, ct)
	var env UploadResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &env)

	chat, _ := json.Marshal(ChatRequest{Query: "total per quarter", FileIDs: []string{env.Data[0].ID}})
	rr = doRequest(t, router, http.MethodPost, "/api/excel/chat", bytes.NewReader(chat), "application/json")
	if rr.Code != http.StatusOK || !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/event-stream") {
		t.Fatalf("chat status = %d type=%s", rr.Code, rr.Header().Get("Content-Type"))
	}

	events := readEvents(t, rr.Body.Bytes())
	if len(events) < 3 || events[0].Name != "session" {
		t.Fatalf("expected a session event first, got %d events", len(events))
	}
	var session SessionEvent
	if err := json.Unmarshal(events[0].Data, &session); err != nil || session.ThreadID == "" || session.TurnID == "" {
		t.Fatalf("session = %s", events[0].Data)
	}
	var last struct {
		Step     string `json:"step"`
		ThreadID string `json:"thread_id"`
		Output   struct {
			Success bool `json:"success"`
		} `json:"output"`
	}
	if err := json.Unmarshal(events[len(events)-1].Data, &last); err != nil {
		t.Fatalf("decode last event: %v", err)
	}
	if last.Step != "complete" || !last.Output.Success || last.ThreadID != session.ThreadID {
		t.Fatalf("last event = %s", events[len(events)-1].Data)
	}

	rr = doRequest(t, router, http.MethodGet, "/api/threads/"+session.ThreadID, nil, "")
	var detail ThreadResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode thread: %v", err)
	}
	if len(detail.Turns) != 1 {
		t.Fatalf("expected one turn, got %d", len(detail.Turns))
	}
	turn := detail.Turns[0]
	if turn.Status != string(store.TurnStatusCompleted) || len(turn.Steps) != 5 || len(turn.Files) != 1 {
		t.Fatalf("unexpected turn status=%s steps=%d files=%d", turn.Status, len(turn.Steps), len(turn.Files))
	}

	// A follow-up on the same thread numbers the next turn.
	chat, _ = json.Marshal(ChatRequest{Query: "now averages", ThreadID: session.ThreadID})
	rr = doRequest(t, router, http.MethodPost, "/api/excel/chat", bytes.NewReader(chat), "application/json")
	events = readEvents(t, rr.Body.Bytes())
	var again SessionEvent
	_ = json.Unmarshal(events[0].Data, &again)
	if again.ThreadID != session.ThreadID || again.TurnID == session.TurnID {
		t.Fatalf("follow-up session = %+v", again)
	}
}

func TestChatRejectsBadRequests(t *testing.T) {
	router := newTestServer(t).setupRoutes()

	rr := doRequest(t, router, http.MethodPost, "/api/excel/chat", strings.NewReader(`{"query":"  "}`), "application/json")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty query status = %d", rr.Code)
	}
	rr = doRequest(t, router, http.MethodPost, "/api/excel/chat", strings.NewReader(`{"query":"q","thread_id":"missing"}`), "application/json")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown thread status = %d", rr.Code)
	}
	rr = doRequest(t, router, http.MethodPost, "/api/excel/chat", strings.NewReader(`{"query":"q","file_ids":["nope"]}`), "application/json")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown file status = %d", rr.Code)
	}
}

func TestThreadRenameAndDelete(t *testing.T) {
	srv := newTestServer(t)
	router := srv.setupRoutes()
	thread, err := srv.threads.Create(context.Background(), "old")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	rr := doRequest(t, router, http.MethodPatch, "/api/threads/"+thread.ID, strings.NewReader(`{"title":"Quarterly"}`), "application/json")
	var renamed store.Thread
	if err := json.Unmarshal(rr.Body.Bytes(), &renamed); err != nil || renamed.Title != "Quarterly" {
		t.Fatalf("rename = %d %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, router, http.MethodGet, "/api/threads", nil, "")
	var list ThreadListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil || len(list.Threads) != 1 {
		t.Fatalf("list = %s", rr.Body.String())
	}

	rr = doRequest(t, router, http.MethodDelete, "/api/threads/"+thread.ID, nil, "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
	rr = doRequest(t, router, http.MethodDelete, "/api/threads/"+thread.ID, nil, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", rr.Code)
	}
}

func TestFixtureListAndReplay(t *testing.T) {
	router := newTestServer(t).setupRoutes()

	rr := doRequest(t, router, http.MethodGet, "/api/fixture/list", nil, "")
	var list struct {
		Scenarios []struct {
			ID    string `json:"id"`
			Cases []struct {
				ID string `json:"id"`
			} `json:"cases"`
		} `json:"scenarios"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil || len(list.Scenarios) != 2 {
		t.Fatalf("fixture list = %s", rr.Body.String())
	}

	rr = doRequest(t, router, http.MethodPost, "/api/fixture/run/02-replay/missing-stage-ids", strings.NewReader(`{}`), "application/json")
	events := readEvents(t, rr.Body.Bytes())
	if len(events) != 5 || events[4].Name != "complete" {
		t.Fatalf("replayed %d events", len(events))
	}

	rr = doRequest(t, router, http.MethodPost, "/api/fixture/run/01-sales/totals", strings.NewReader(`{}`), "application/json")
	events = readEvents(t, rr.Body.Bytes())
	if len(events) == 0 || !strings.Contains(string(events[len(events)-1].Data), `"success":true`) {
		t.Fatalf("prompt case did not complete: %d events", len(events))
	}

	rr = doRequest(t, router, http.MethodPost, "/api/fixture/run/01-sales/nope", strings.NewReader(`{}`), "application/json")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown case status = %d", rr.Code)
	}
}
