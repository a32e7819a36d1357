package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// workspace is the per-turn directory under the output dir. It holds the
// exported files and a prompt log with one entry per generate attempt.
type workspace struct {
	dir        string
	promptPath string
}

// newWorkspace does not touch the disk; the directory is created on first write.
func newWorkspace(baseDir, turnID string) *workspace {
	dir := filepath.Join(baseDir, shortID(turnID))
	return &workspace{
		dir:        dir,
		promptPath: filepath.Join(dir, "prompt.md"),
	}
}

func (w *workspace) ensure() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

// appendPrompt records what a generate attempt was asked.
func (w *workspace) appendPrompt(attempt int, source, system, user string) error {
	if err := w.ensure(); err != nil {
		return err
	}
	f, err := os.OpenFile(w.promptPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open prompt log: %w", err)
	}
	defer f.Close()

	entry := fmt.Sprintf("## Attempt %d (%s) %s\n\n", attempt, source, time.Now().UTC().Format(time.RFC3339))
	if system != "" {
		entry += "### System\n\n```text\n" + system + "\n```\n\n"
	}
	entry += "### User\n\n```text\n" + user + "\n```\n\n"
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("append prompt: %w", err)
	}
	return nil
}

// path returns where a named output lives.
func (w *workspace) path(name string) string {
	return filepath.Join(w.dir, name)
}
