package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mattjoyce/sheetloop/internal/conversation"
	"github.com/mattjoyce/sheetloop/internal/reconcile"
	"github.com/mattjoyce/sheetloop/internal/upload"
)

func stepLine(rec reconcile.Record) string {
	line := fmt.Sprintf("%-9s %-10s", rec.Step, rec.Status)
	if detail := stepDetail(rec); detail != "" {
		line += " " + detail
	}
	return strings.TrimRight(line, " ")
}

func stepDetail(rec reconcile.Record) string {
	switch {
	case rec.Error != nil:
		return "err=" + trimForLog(rec.Error.Message, 60)
	case rec.Status == reconcile.StatusStreaming && rec.StreamContent != "":
		return fmt.Sprintf("%d chars streamed", len(rec.StreamContent))
	case rec.CompletedAt != nil && !rec.StartedAt.IsZero():
		return rec.CompletedAt.Sub(rec.StartedAt).Round(time.Millisecond).String()
	}
	return ""
}

// resultLines are the insights, output files and failure of a settled turn.
func resultLines(t conversation.Turn) []string {
	msg := t.Assistant
	if msg == nil {
		return nil
	}
	var lines []string
	if msg.Error != "" {
		lines = append(lines, "error: "+msg.Error)
	}
	if s := msg.Insights.Strategy; s != "" {
		lines = append(lines, "strategy: "+trimForLog(s, 120))
	}
	for _, l := range strings.Split(msg.Insights.ManualSteps, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, "  "+l)
		}
	}
	if a := msg.Insights.Analysis; a != "" {
		lines = append(lines, "analysis: "+trimForLog(a, 120))
	}
	for _, f := range msg.OutputFiles {
		lines = append(lines, fmt.Sprintf("output: %s (%s)", f.Filename, f.FileID))
	}
	return lines
}

func uploadLine(item upload.Item) string {
	line := fmt.Sprintf("%-24s %8s %-9s %3d%%", trimForLog(item.File.Name, 24), formatBytes(item.File.Size), item.Status, item.Progress)
	if item.Error != "" {
		line += "  " + trimForLog(item.Error, 60)
	}
	return line
}

// printTurn writes a whole turn, used for transcripts and plain output.
func printTurn(w io.Writer, n int, t conversation.Turn) {
	fmt.Fprintf(w, "#%d > %s\n", n, t.User.Content)
	for _, a := range t.User.Attachments {
		fmt.Fprintf(w, "     attached %s\n", a.Filename)
	}
	if t.Assistant == nil {
		return
	}
	fmt.Fprintf(w, "   [%s]\n", t.Assistant.Status)
	for _, rec := range t.Assistant.Steps {
		fmt.Fprintf(w, "     %s\n", stepLine(rec))
	}
	for _, l := range resultLines(t) {
		fmt.Fprintf(w, "   %s\n", l)
	}
}

// plainPrinter logs step status transitions of a live turn as they happen.
type plainPrinter struct {
	w    io.Writer
	now  func() time.Time
	seen map[string]reconcile.Status
}

func newPlainPrinter(w io.Writer) *plainPrinter {
	return &plainPrinter{w: w, now: time.Now, seen: map[string]reconcile.Status{}}
}

// turn prints transitions of a live turn. Terminal snapshots, such as restored
// history, wait for settled.
func (p *plainPrinter) turn(t conversation.Turn) {
	if t.Assistant == nil || t.Assistant.Status.Terminal() {
		return
	}
	p.steps(t)
}

func (p *plainPrinter) steps(t conversation.Turn) {
	if t.Assistant == nil {
		return
	}
	for _, rec := range t.Assistant.Steps {
		if p.seen[rec.Key] == rec.Status {
			continue
		}
		p.seen[rec.Key] = rec.Status
		fmt.Fprintf(p.w, "[%s] %s\n", p.now().Format("15:04:05"), stepLine(rec))
	}
}

func (p *plainPrinter) settled(t conversation.Turn) {
	p.steps(t)
	status := "unknown"
	if t.Assistant != nil {
		status = string(t.Assistant.Status)
	}
	fmt.Fprintf(p.w, "[%s] turn %s\n", p.now().Format("15:04:05"), status)
	for _, l := range resultLines(t) {
		fmt.Fprintf(p.w, "  %s\n", l)
	}
}

func trimForLog(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatBytes(size int64) string {
	if size < 1024 {
		return fmt.Sprintf("%dB", size)
	}
	units := []string{"KB", "MB", "GB", "TB"}
	v := float64(size)
	for _, u := range units {
		v /= 1024.0
		if v < 1024.0 {
			return fmt.Sprintf("%.1f%s", v, u)
		}
	}
	return fmt.Sprintf("%.1fPB", v/1024.0)
}
