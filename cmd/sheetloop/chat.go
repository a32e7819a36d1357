package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/sheetloop/internal/conversation"
	"github.com/mattjoyce/sheetloop/internal/reconcile"
	"github.com/mattjoyce/sheetloop/internal/upload"
)

func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	cf := addClientFlags(fs)
	plain := fs.Bool("plain", false, "print step transitions instead of the TUI")
	threadID := fs.String("thread", "", "continue an existing thread")
	var files stringList
	fs.Var(&files, "file", "attach a spreadsheet (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		return fmt.Errorf("usage: sheetloop chat [--plain] [--file <path>]... [--thread <id>] <query>")
	}

	cfg, err := cf.resolve()
	if err != nil {
		return err
	}
	logger, closeLog, err := cf.logger(cfg.Service.LogLevel)
	if err != nil {
		return err
	}
	defer closeLog()

	sess, err := newSession(cfg, sessionOptions{}, logger)
	if err != nil {
		return err
	}
	defer sess.close()

	run := chatRun{
		Title:    "SheetLoop Chat",
		APIBase:  cfg.Client.BaseURL,
		Query:    query,
		ThreadID: *threadID,
		Files:    files,
	}
	return runTurn(sess, run, *plain)
}

// runTurn drives one turn in the TUI or, with plain, as log lines on stdout.
func runTurn(sess *session, run chatRun, plain bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if plain {
		return runPlain(ctx, sess, run, os.Stdout)
	}
	p := tea.NewProgram(newChatModel(ctx, sess, run), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// chatRun is what one invocation submits.
type chatRun struct {
	Title    string
	APIBase  string
	Query    string
	ThreadID string
	Files    []string
}

// prepare restores the thread and uploads the attachments of run.
func prepare(ctx context.Context, sess *session, run chatRun) error {
	if run.ThreadID != "" {
		if err := sess.conv.LoadHistory(ctx, run.ThreadID); err != nil {
			return err
		}
	}
	return sess.attach(ctx, run.Files)
}

func runPlain(ctx context.Context, sess *session, run chatRun, w io.Writer) error {
	printer := newPlainPrinter(w)
	result := make(chan conversation.Turn, 1)
	go func() {
		uploads := map[string]upload.Status{}
		for {
			select {
			case msg := <-sess.updates:
				switch msg := msg.(type) {
				case uploadsMsg:
					for _, item := range msg {
						if item.Status != upload.StatusUploading && uploads[item.ID] != item.Status {
							fmt.Fprintf(w, "upload %s\n", uploadLine(item))
						}
						uploads[item.ID] = item.Status
					}
				case sessionMsg:
					fmt.Fprintf(w, "thread %s\n", string(msg))
				case turnMsg:
					printer.turn(conversation.Turn(msg))
				case settledMsg:
					t := conversation.Turn(msg)
					printer.settled(t)
					select {
					case result <- t:
					default:
					}
				}
			case <-sess.done:
				return
			}
		}
	}()

	if err := prepare(ctx, sess, run); err != nil {
		return err
	}
	if _, err := sess.conv.SubmitTurn(ctx, sess.submission(run.Query, run.ThreadID)); err != nil {
		return err
	}

	select {
	case t := <-result:
		if t.Assistant != nil && t.Assistant.Status != conversation.StatusDone {
			return fmt.Errorf("turn ended %s", t.Assistant.Status)
		}
		return nil
	case <-ctx.Done():
		sess.conv.CancelActive()
		return ctx.Err()
	}
}

const (
	phasePreparing  = "preparing"
	phaseSubmitting = "submitting"
	phaseRunning    = "running"
)

type readyMsg struct{}

type submittedMsg struct {
	TurnID string
}

type errMsg struct {
	Err error
}

type chatModel struct {
	run      chatRun
	ctx      context.Context
	sess     *session
	updates  <-chan tea.Msg
	now      func() time.Time
	width    int
	height   int
	phase    string
	threadID string
	turns    []conversation.Turn
	uploads  []upload.Item
	outputs  []reconcile.OutputFile
	events   []string
	statuses map[string]reconcile.Status
	err      error
}

func newChatModel(ctx context.Context, sess *session, run chatRun) chatModel {
	m := newViewModel(run, sess.updates)
	m.ctx = ctx
	m.sess = sess
	return m
}

// newViewModel builds the model without a session, which is all the view needs.
func newViewModel(run chatRun, updates <-chan tea.Msg) chatModel {
	return chatModel{
		run:      run,
		ctx:      context.Background(),
		updates:  updates,
		now:      time.Now,
		phase:    phasePreparing,
		threadID: run.ThreadID,
		statuses: map[string]reconcile.Status{},
	}
}

func (m chatModel) Init() tea.Cmd {
	if m.sess == nil {
		return waitForUpdateCmd(m.updates)
	}
	return tea.Batch(
		waitForUpdateCmd(m.updates),
		prepareCmd(m.ctx, m.sess, m.run),
	)
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg.String())
	case readyMsg:
		m.phase = phaseSubmitting
		m.err = nil
		m.appendEvent("submitting query")
		if m.sess == nil {
			return m, nil
		}
		return m, submitCmd(m.ctx, m.sess, m.run)
	case submittedMsg:
		m.phase = phaseRunning
		m.appendEvent("turn " + shortID(msg.TurnID) + " submitted")
		return m, nil
	case errMsg:
		m.err = msg.Err
		m.appendEvent("error: " + msg.Err.Error())
		return m, nil
	case uploadsMsg:
		for _, item := range msg {
			if item.Status != upload.StatusUploading && !m.uploadSettled(item) {
				m.appendEvent("upload " + item.File.Name + " " + string(item.Status))
			}
		}
		m.uploads = msg
		return m, waitForUpdateCmd(m.updates)
	case sessionMsg:
		m.threadID = string(msg)
		m.appendEvent("thread " + m.threadID)
		return m, waitForUpdateCmd(m.updates)
	case outputMsg:
		m.outputs = msg
		m.appendEvent(fmt.Sprintf("output ready: %d file(s)", len(msg)))
		return m, waitForUpdateCmd(m.updates)
	case turnMsg:
		t := conversation.Turn(msg)
		m.upsert(t)
		if t.Assistant != nil && !t.Assistant.Status.Terminal() {
			m.logSteps(t)
		}
		return m, waitForUpdateCmd(m.updates)
	case settledMsg:
		t := conversation.Turn(msg)
		m.upsert(t)
		m.logSteps(t)
		if t.Assistant != nil {
			line := "turn settled status=" + string(t.Assistant.Status)
			if t.Assistant.Error != "" {
				line += " error=" + trimForLog(t.Assistant.Error, 60)
			}
			m.appendEvent(line)
		}
		return m, waitForUpdateCmd(m.updates)
	default:
		return m, nil
	}
}

func (m chatModel) handleKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "q", "ctrl+c":
		if m.sess != nil {
			m.sess.close()
		}
		return m, tea.Quit
	case "c":
		if m.sess != nil && m.sess.conv.IsProcessing() {
			m.appendEvent("cancelling")
			return m, cancelCmd(m.sess)
		}
	case "r":
		if m.sess == nil {
			return m, nil
		}
		if t, ok := m.current(); ok && m.phase == phaseRunning && t.CanRetry() {
			m.appendEvent("retrying turn " + shortID(t.ID))
			return m, retryCmd(m.ctx, m.sess, t.ID)
		}
		if m.phase == phasePreparing && m.err != nil && hasFailedUpload(m.uploads) {
			m.err = nil
			m.appendEvent("retrying failed uploads")
			return m, retryUploadsCmd(m.ctx, m.sess)
		}
	}
	return m, nil
}

func (m *chatModel) upsert(t conversation.Turn) {
	for i := range m.turns {
		if m.turns[i].ID == t.ID {
			m.turns[i] = t
			return
		}
	}
	m.turns = append(m.turns, t)
}

// logSteps records step status transitions as events.
func (m *chatModel) logSteps(t conversation.Turn) {
	if t.Assistant == nil {
		return
	}
	for _, rec := range t.Assistant.Steps {
		if m.statuses[rec.Key] == rec.Status {
			continue
		}
		m.statuses[rec.Key] = rec.Status
		m.appendEvent(stepLine(rec))
	}
}

func (m chatModel) uploadSettled(item upload.Item) bool {
	for _, prev := range m.uploads {
		if prev.ID == item.ID {
			return prev.Status == item.Status
		}
	}
	return false
}

func (m chatModel) current() (conversation.Turn, bool) {
	if len(m.turns) == 0 {
		return conversation.Turn{}, false
	}
	return m.turns[len(m.turns)-1], true
}

func (m chatModel) statusLabel() string {
	if m.phase != phaseRunning {
		return m.phase
	}
	if t, ok := m.current(); ok && t.Assistant != nil {
		return string(t.Assistant.Status)
	}
	return m.phase
}

func (m *chatModel) appendEvent(line string) {
	m.events = append(m.events, fmt.Sprintf("[%s] %s", m.now().Format("15:04:05"), line))
	if len(m.events) > 800 {
		m.events = m.events[len(m.events)-800:]
	}
}

func (m chatModel) View() string {
	accent := lipgloss.Color("#F97316")
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#1C1007")).
		Background(accent).
		Padding(0, 1).
		Render(m.run.Title)

	label := m.statusLabel()
	statusStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#1C1007")).
		Background(accent).
		Padding(0, 1)
	switch conversation.Status(label) {
	case conversation.StatusDone:
		statusStyle = statusStyle.Background(lipgloss.Color("#FDBA74"))
	case conversation.StatusError, conversation.StatusInterrupted:
		statusStyle = statusStyle.Background(lipgloss.Color("#EF4444")).Foreground(lipgloss.Color("#FFF7ED"))
	case conversation.StatusCancelled:
		statusStyle = statusStyle.Background(lipgloss.Color("#6B7280"))
	}

	threadLabel := m.threadID
	if threadLabel == "" {
		threadLabel = "-"
	}
	meta := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FDBA74")).
		Render(fmt.Sprintf("thread=%s  api=%s  files=%d", threadLabel, m.run.APIBase, len(m.uploads)))

	panelWidth := bodyWidth(m.width)
	stepsHeight, eventsHeight, resultHeight := panelHeights(m.height)

	stepsPanel := renderPanel("Steps", m.stepPanelLines(), panelWidth, stepsHeight, accent, true)
	eventLines := m.events
	if len(eventLines) == 0 {
		eventLines = []string{"waiting for events..."}
	}
	eventsPanel := renderPanel("Events", eventLines, panelWidth, eventsHeight, accent, false)
	resultPanel := renderPanel("Result", trimPanelLines(m.resultPanelLines(), resultHeight-1), panelWidth, resultHeight, accent, true)

	return strings.Join([]string{title + " " + statusStyle.Render(strings.ToUpper(label)), meta, stepsPanel, eventsPanel, resultPanel, m.footer()}, "\n")
}

func (m chatModel) footer() string {
	style := lipgloss.NewStyle().Foreground(lipgloss.Color("#FDBA74"))
	if m.err != nil {
		hint := "  q: quit"
		if hasFailedUpload(m.uploads) && m.phase == phasePreparing {
			hint = "  r: retry uploads  q: quit"
		}
		return lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Render("error: " + m.err.Error() + hint)
	}
	keys := []string{"q: quit"}
	if t, ok := m.current(); ok && m.phase == phaseRunning {
		if t.Assistant != nil && !t.Assistant.Status.Terminal() {
			keys = append(keys, "c: cancel")
		}
		if t.CanRetry() {
			keys = append(keys, "r: retry")
		}
	}
	return style.Render(strings.Join(keys, "  "))
}

func (m chatModel) stepPanelLines() []string {
	t, ok := m.current()
	if !ok || t.Assistant == nil {
		return []string{"no turn yet"}
	}
	lines := []string{"> " + trimForLog(t.User.Content, 100)}
	if len(t.Assistant.Steps) == 0 {
		return append(lines, "waiting for the first step...")
	}
	for _, rec := range t.Assistant.Steps {
		lines = append(lines, "  "+stepLine(rec))
	}
	return lines
}

func (m chatModel) resultPanelLines() []string {
	var lines []string
	for _, item := range m.uploads {
		lines = append(lines, "upload "+uploadLine(item))
	}
	t, ok := m.current()
	if ok && t.Assistant != nil && t.Assistant.Status.Terminal() {
		lines = append(lines, resultLines(t)...)
	} else {
		for _, f := range m.outputs {
			lines = append(lines, fmt.Sprintf("output: %s (%s)", f.Filename, f.FileID))
		}
	}
	if len(lines) == 0 {
		lines = []string{"no result yet"}
	}
	return lines
}

func panelHeights(terminalHeight int) (steps, events, result int) {
	available := terminalHeight - 5
	if available < 15 {
		available = 15
	}
	steps = 8
	result = 7
	events = available - steps - result
	if events < 6 {
		events = 6
		remaining := available - events
		steps = remaining / 2
		result = remaining - steps
		if steps < 4 {
			steps = 4
		}
		if result < 4 {
			result = 4
		}
	}
	return steps, events, result
}

func renderPanel(title string, lines []string, width, height int, accent lipgloss.Color, keepHead bool) string {
	if height < 3 {
		height = 3
	}
	contentHeight := height - 1
	if len(lines) > contentHeight {
		if keepHead {
			lines = lines[:contentHeight]
		} else {
			lines = lines[len(lines)-contentHeight:]
		}
	}
	for len(lines) < contentHeight {
		lines = append(lines, "")
	}
	content := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title) + "\n" + strings.Join(lines, "\n")

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Foreground(lipgloss.Color("#FFF7ED")).
		Background(lipgloss.Color("#2A1305")).
		Width(width).
		Height(height).
		Padding(0, 1).
		Render(content)
}

func trimPanelLines(lines []string, maxLines int) []string {
	if maxLines <= 0 {
		return []string{}
	}
	if len(lines) <= maxLines {
		return lines
	}
	trimmed := append([]string{}, lines[:maxLines]...)
	trimmed[maxLines-1] = "..."
	return trimmed
}

func bodyWidth(terminalWidth int) int {
	if terminalWidth <= 0 {
		return 80
	}
	w := terminalWidth - 2
	if w < 40 {
		return 40
	}
	return w
}

func hasFailedUpload(items []upload.Item) bool {
	for _, item := range items {
		if item.Status == upload.StatusError {
			return true
		}
	}
	return false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func waitForUpdateCmd(in <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-in
		if !ok {
			return nil
		}
		return msg
	}
}

func prepareCmd(ctx context.Context, sess *session, run chatRun) tea.Cmd {
	return func() tea.Msg {
		if err := prepare(ctx, sess, run); err != nil {
			return errMsg{Err: err}
		}
		return readyMsg{}
	}
}

func submitCmd(ctx context.Context, sess *session, run chatRun) tea.Cmd {
	return func() tea.Msg {
		t, err := sess.conv.SubmitTurn(ctx, sess.submission(run.Query, run.ThreadID))
		if err != nil {
			return errMsg{Err: err}
		}
		return submittedMsg{TurnID: t.ID}
	}
}

func retryCmd(ctx context.Context, sess *session, turnID string) tea.Cmd {
	return func() tea.Msg {
		t, err := sess.conv.RetryTurn(ctx, turnID)
		if err != nil {
			return errMsg{Err: err}
		}
		return submittedMsg{TurnID: t.ID}
	}
}

// cancelCmd runs off the update loop since cancelling fires hooks that post updates.
func cancelCmd(sess *session) tea.Cmd {
	return func() tea.Msg {
		sess.conv.CancelActive()
		return nil
	}
}

func retryUploadsCmd(ctx context.Context, sess *session) tea.Cmd {
	return func() tea.Msg {
		sess.retryUploads(ctx)
		if !sess.uploads.Ready() {
			return errMsg{Err: errors.New("uploads not ready: " + uploadFailures(sess.uploads.Items()))}
		}
		return readyMsg{}
	}
}
