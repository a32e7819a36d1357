// Package client talks to the sheetloop backend over HTTP and SSE.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mattjoyce/sheetloop/internal/conversation"
	"github.com/mattjoyce/sheetloop/internal/sse"
)

// APIError is a non-2xx answer from the backend.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is an HTTP client for the sheetloop API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	streams    *sse.Client
	logger     *slog.Logger
}

// NewClient creates a new API client. baseURL includes the API base path,
// e.g. http://127.0.0.1:8091/api.
func NewClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		// Streams outlive any request timeout.
		streams: sse.NewClient(&http.Client{}, token, logger),
		logger:  logger,
	}
}

// BaseURL returns the API base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// OpenChat starts a chat turn and dispatches its events to h.
func (c *Client) OpenChat(ctx context.Context, req conversation.StreamRequest, h sse.Handlers) (*sse.Stream, error) {
	if req.FileIDs == nil {
		req.FileIDs = []string{}
	}
	c.logger.Debug("opening chat stream", "thread_id", req.ThreadID, "files", len(req.FileIDs))
	return c.streams.Open(ctx, c.baseURL+"/excel/chat", req, h)
}

// StreamTurn implements conversation.Streamer.
func (c *Client) StreamTurn(ctx context.Context, req conversation.StreamRequest, h sse.Handlers) (conversation.Stream, error) {
	s, err := c.OpenChat(ctx, req, h)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// RunFixture replays a recorded scenario case as a chat stream.
func (c *Client) RunFixture(ctx context.Context, scenario, name string, h sse.Handlers) (*sse.Stream, error) {
	endpoint := fmt.Sprintf("%s/fixture/run/%s/%s", c.baseURL, url.PathEscape(scenario), url.PathEscape(name))
	return c.streams.Open(ctx, endpoint, struct{}{}, h)
}

// FixtureStreamer adapts RunFixture to conversation.Streamer so a fixture
// can drive a conversation like a live backend.
type FixtureStreamer struct {
	Client   *Client
	Scenario string
	Case     string
}

// StreamTurn implements conversation.Streamer.
func (f FixtureStreamer) StreamTurn(ctx context.Context, _ conversation.StreamRequest, h sse.Handlers) (conversation.Stream, error) {
	s, err := f.Client.RunFixture(ctx, f.Scenario, f.Case, h)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// do sends a JSON request and decodes a JSON answer into out when non-nil.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: parse response: %w", op, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// errorMessage extracts {"error": "..."} or falls back to the raw body.
func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
		Msg   string `json:"msg"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Msg != "" {
			return payload.Msg
		}
	}
	return strings.TrimSpace(string(body))
}
