package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattjoyce/sheetloop/internal/api"
	"github.com/mattjoyce/sheetloop/internal/config"
	"github.com/mattjoyce/sheetloop/internal/fixture"
	"github.com/mattjoyce/sheetloop/internal/pipeline"
	"github.com/mattjoyce/sheetloop/internal/provider"
	"github.com/mattjoyce/sheetloop/internal/storage"
	"github.com/mattjoyce/sheetloop/internal/store"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "chat":
		err = runChat(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	case "fixture":
		err = runFixture(os.Args[2:])
	case "version":
		fmt.Printf("sheetloop %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: sheetloop <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  serve     Start the workbench backend")
	fmt.Fprintln(os.Stderr, "  chat      Ask a question about spreadsheets and watch the steps")
	fmt.Fprintln(os.Stderr, "  history   List threads or print one transcript")
	fmt.Fprintln(os.Stderr, "  fixture   List fixture scenarios or replay one case")
	fmt.Fprintln(os.Stderr, "  version   Print version")
}

// newLogger builds the process logger for level. Unknown levels mean info.
func newLogger(level string, w io.Writer, asJSON bool) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Service.LogLevel, os.Stdout, true)
	slog.SetDefault(logger)

	logger.Info("starting sheetloop", "version", version, "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	opts := pipeline.Options{
		OutputDir:           filepath.Join(cfg.Server.DataDir, "outputs"),
		MaxGenerateAttempts: cfg.Server.MaxGenerateAttempts,
		StepDelay:           cfg.Server.StepDelay,
		Register:            registerOutput(store.NewFileStore(db)),
		Logger:              logger,
	}
	if provider.Enabled(cfg.LLM) {
		chatModel, err := provider.NewChatModel(ctx, cfg.LLM)
		if err != nil {
			return fmt.Errorf("create llm provider: %w", err)
		}
		opts.Model = chatModel
		logger.Info("generate stage uses llm", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
	} else {
		logger.Info("generate stage uses built-in planner")
	}

	srv := api.New(api.Config{
		Listen:                  cfg.API.Listen,
		Token:                   cfg.API.Token,
		BasePath:                cfg.API.BasePath,
		StreamHeartbeatInterval: cfg.API.StreamHeartbeatInterval,
		UploadDir:               filepath.Join(cfg.Server.DataDir, "uploads"),
		Accept:                  cfg.Upload.Accept,
	}, db, pipeline.New(opts), fixture.NewCatalog(cfg.Server.FixturesDir), logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
		if err := <-errCh; err != nil && err != context.Canceled {
			return err
		}
		return nil
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	}
}

// registerOutput records exported files so the download route can serve them.
func registerOutput(files *store.FileStore) pipeline.RegisterFunc {
	return func(ctx context.Context, filename, path string, size int64) (string, error) {
		f, err := files.Create(ctx, filename, path, "text/csv", size)
		if err != nil {
			return "", err
		}
		return f.ID, nil
	}
}
