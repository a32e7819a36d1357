package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/sheetloop/internal/client"
	"github.com/mattjoyce/sheetloop/internal/config"
	"github.com/mattjoyce/sheetloop/internal/conversation"
	"github.com/mattjoyce/sheetloop/internal/reconcile"
	"github.com/mattjoyce/sheetloop/internal/upload"
)

// clientFlags are the connection flags shared by the client commands.
type clientFlags struct {
	configPath *string
	apiBase    *string
	token      *string
	logFile    *string
}

func addClientFlags(fs *flag.FlagSet) *clientFlags {
	return &clientFlags{
		configPath: fs.String("config", "config.yaml", "path to config file"),
		apiBase:    fs.String("api", "", "backend API base URL (default client.base_url)"),
		token:      fs.String("token", os.Getenv("SHEETLOOP_API_TOKEN"), "Bearer token for API auth"),
		logFile:    fs.String("log-file", "", "append client logs to this file"),
	}
}

// resolve loads the config, which may be absent, and applies the overrides.
func (f *clientFlags) resolve() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(*f.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if base := strings.TrimSpace(*f.apiBase); base != "" {
		cfg.Client.BaseURL = base
	}
	cfg.Client.BaseURL = strings.TrimRight(cfg.Client.BaseURL, "/")
	if tok := strings.TrimSpace(*f.token); tok != "" {
		cfg.Client.Token = tok
	}
	if strings.TrimSpace(cfg.Client.Token) == "" {
		return nil, fmt.Errorf("token is required (use --token, SHEETLOOP_API_TOKEN or client.token)")
	}
	return cfg, nil
}

// logger discards logs unless --log-file is set; the terminal belongs to the view.
func (f *clientFlags) logger(level string) (*slog.Logger, func(), error) {
	if *f.logFile == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}, nil
	}
	file, err := os.OpenFile(*f.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return newLogger(level, file, false), func() { _ = file.Close() }, nil
}

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// Notifications forwarded from the session to whoever drains updates.
type (
	uploadsMsg []upload.Item
	turnMsg    conversation.Turn
	settledMsg conversation.Turn
	sessionMsg string
	outputMsg  []reconcile.OutputFile
)

type sessionOptions struct {
	// Scenario and Case replay a fixture case instead of a live chat turn.
	Scenario string
	Case     string
}

// session wires the backend client, the upload coordinator and one
// conversation. Their hooks are forwarded on updates until close.
type session struct {
	backend *client.Client
	uploads *upload.Coordinator
	conv    *conversation.Conversation
	logger  *slog.Logger

	updates chan tea.Msg
	done    chan struct{}
	once    sync.Once
}

func newSession(cfg *config.Config, opts sessionOptions, logger *slog.Logger) (*session, error) {
	p, err := reconcile.ByName(cfg.Pipeline.Variant)
	if err != nil {
		return nil, err
	}
	p.RequireStageID = cfg.Pipeline.RequireStageID

	backend := client.NewClient(cfg.Client.BaseURL, cfg.Client.Token, cfg.Client.Timeout, logger)
	s := &session{
		backend: backend,
		logger:  logger,
		updates: make(chan tea.Msg, 64),
		done:    make(chan struct{}),
	}
	s.uploads = upload.New(upload.Options{
		Uploader:    backend,
		Accept:      cfg.Upload.Accept,
		Parallelism: cfg.Upload.Parallelism,
		Gate:        upload.Gate(cfg.Upload.Gate),
		Logger:      logger,
		OnChange:    func(items []upload.Item) { s.post(uploadsMsg(items)) },
	})

	var streamer conversation.Streamer = backend
	policy := conversation.AttachmentPolicy(cfg.Upload.Attachments)
	if opts.Scenario != "" {
		streamer = client.FixtureStreamer{Client: backend, Scenario: opts.Scenario, Case: opts.Case}
		policy = conversation.AttachmentsNever
	}
	conv, err := conversation.New(conversation.Options{
		Pipeline:         p,
		AttachmentPolicy: policy,
		Streamer:         streamer,
		History:          backend,
		Logger:           logger,
		Hooks: conversation.Hooks{
			OnChange:         func(t conversation.Turn) { s.post(turnMsg(t)) },
			OnSessionCreated: func(id string) { s.post(sessionMsg(id)) },
			OnOutputFiles:    func(_ string, files []reconcile.OutputFile) { s.post(outputMsg(files)) },
			OnSettled:        func(t conversation.Turn) { s.post(settledMsg(t)) },
		},
	})
	if err != nil {
		return nil, err
	}
	s.conv = conv
	return s, nil
}

// post blocks until the message is drained or the session closed.
func (s *session) post(msg tea.Msg) {
	select {
	case s.updates <- msg:
	case <-s.done:
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conv.Close()
	})
}

// attach uploads paths. It fails when the submit gate stays closed afterwards.
func (s *session) attach(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	locals := make([]upload.LocalFile, 0, len(paths))
	for _, p := range paths {
		f, err := upload.FromPath(p)
		if err != nil {
			return err
		}
		locals = append(locals, f)
	}
	if n := s.uploads.AddFiles(ctx, locals); n == 0 {
		return fmt.Errorf("none of the %d file(s) has a supported extension", len(paths))
	}
	if !s.uploads.Ready() {
		return fmt.Errorf("uploads not ready: %s", uploadFailures(s.uploads.Items()))
	}
	return nil
}

// retryUploads re-runs every failed upload.
func (s *session) retryUploads(ctx context.Context) int {
	retried := 0
	for i, item := range s.uploads.Items() {
		if item.Status != upload.StatusError {
			continue
		}
		if err := s.uploads.Retry(ctx, i); err == nil {
			retried++
		}
	}
	return retried
}

func (s *session) submission(query, threadID string) conversation.Submission {
	var attachments []conversation.Attachment
	for _, r := range s.uploads.Resolved() {
		attachments = append(attachments, conversation.Attachment{ID: r.ID, Filename: r.Filename, Path: r.Path})
	}
	return conversation.Submission{Query: query, Attachments: attachments, ThreadID: threadID}
}

func uploadFailures(items []upload.Item) string {
	var parts []string
	for _, item := range items {
		if item.Status == upload.StatusError {
			parts = append(parts, item.File.Name+": "+item.Error)
		}
	}
	if len(parts) == 0 {
		return "no file resolved"
	}
	return strings.Join(parts, "; ")
}
