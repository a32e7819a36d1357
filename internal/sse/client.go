package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// Handlers is the callback surface of a stream. Every field is optional.
// Callbacks run on the stream's own goroutine, one at a time, in delivery order.
type Handlers struct {
	OnOpen    func(resp *http.Response)
	OnEvent   func(ev Event)
	Named     map[string]func(ev Event)
	OnError   func(err error)
	OnSuccess func()
	OnClose   func()
}

// StatusError is reported when the server answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream request failed: status %d: %s", e.StatusCode, e.Body)
}

// Client opens event streams.
type Client struct {
	httpClient *http.Client
	token      string
	logger     *slog.Logger
}

// NewClient creates a Client. httpClient must not carry an overall Timeout,
// since streams are long-lived; nil selects a fresh client.
func NewClient(httpClient *http.Client, token string, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{httpClient: httpClient, token: token, logger: logger}
}

// Stream is one open event stream.
type Stream struct {
	cancel    context.CancelFunc
	aborted   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// Abort cancels the underlying request and suppresses every further callback
// except OnClose. It is idempotent and safe after natural completion.
func (s *Stream) Abort() {
	s.aborted.Store(true)
	s.cancel()
}

// Aborted reports whether Abort was called.
func (s *Stream) Aborted() bool {
	return s.aborted.Load()
}

// Done is closed after OnClose has returned.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Open issues a streaming POST of body to endpoint and dispatches events to h
// until the body ends, an error occurs or the stream is aborted. Errors building
// the request are returned directly and no callback fires.
func (c *Client) Open(ctx context.Context, endpoint string, body any, h Handlers) (*Stream, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode stream body: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	s := &Stream{cancel: cancel, done: make(chan struct{})}
	go c.run(streamCtx, s, req, h)
	return s, nil
}

func (c *Client) run(ctx context.Context, s *Stream, req *http.Request, h Handlers) {
	defer close(s.done)
	defer s.cancel()
	defer s.closeOnce.Do(func() {
		if h.OnClose != nil {
			h.OnClose()
		}
	})

	err := c.consume(ctx, s, req, h)
	if s.aborted.Load() || ctx.Err() != nil {
		return
	}
	if err != nil {
		c.logger.Debug("event stream failed", "url", req.URL.String(), "error", err)
		if h.OnError != nil {
			h.OnError(err)
		}
		return
	}
	if h.OnSuccess != nil {
		h.OnSuccess()
	}
}

func (c *Client) consume(ctx context.Context, s *Stream, req *http.Request, h Handlers) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if s.aborted.Load() {
		return nil
	}
	if h.OnOpen != nil {
		h.OnOpen(resp)
	}

	reader := NewReader(resp.Body)
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		if s.aborted.Load() || ctx.Err() != nil {
			return nil
		}
		if h.OnEvent != nil {
			h.OnEvent(ev)
		}
		if fn, ok := h.Named[ev.Name]; ok && fn != nil {
			if s.aborted.Load() {
				return nil
			}
			fn(ev)
		}
	}
}
