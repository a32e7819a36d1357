package pipeline

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/mattjoyce/sheetloop/internal/reconcile"
)

// Error codes reported by failing stages.
const (
	CodeFileNotFound = "file_not_found"
	CodeLoadFailed   = "load_failed"
	CodeModelFailed  = "model_failed"
	CodeInvalidPlan  = "invalid_plan"
	CodeExportFailed = "export_failed"
)

// deltaSize is the chunk size the built-in planner streams its plan in.
const deltaSize = 48

// Request is one turn handed to the pipeline.
type Request struct {
	TurnID string
	Query  string
	Files  []InputFile
}

// Result is the outcome carried by the completion marker.
type Result struct {
	Success    bool     `json:"success"`
	Errors     []string `json:"errors"`
	OutputFile string   `json:"output_file,omitempty"`
}

// RegisterFunc records a generated file and returns its file id.
type RegisterFunc func(ctx context.Context, filename, path string, size int64) (string, error)

// Options configures a Runner.
type Options struct {
	// Model streams plans in the generate stage. Nil selects the built-in planner.
	Model               model.BaseChatModel
	OutputDir           string
	MaxGenerateAttempts int
	StepDelay           time.Duration
	Register            RegisterFunc
	Logger              *slog.Logger
	NewID               func() string
}

// Runner executes the staged pipeline. It is safe for concurrent use.
type Runner struct {
	model       model.BaseChatModel
	outputDir   string
	maxAttempts int
	delay       time.Duration
	register    RegisterFunc
	logger      *slog.Logger
	newID       func() string
}

// New creates a Runner.
func New(opts Options) *Runner {
	if opts.MaxGenerateAttempts < 1 {
		opts.MaxGenerateAttempts = 2
	}
	if opts.OutputDir == "" {
		opts.OutputDir = filepath.Join(os.TempDir(), "sheetloop-outputs")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Runner{
		model:       opts.Model,
		outputDir:   opts.OutputDir,
		maxAttempts: opts.MaxGenerateAttempts,
		delay:       opts.StepDelay,
		register:    opts.Register,
		logger:      opts.Logger,
		newID:       opts.NewID,
	}
}

// Run executes every stage for req. Stage failures end the run with an
// unsuccessful completion marker and a nil error; a non-nil error means the
// events could not be delivered or ctx ended.
func (r *Runner) Run(ctx context.Context, req Request, emit Emitter) (Result, error) {
	log := r.logger.With("turn_id", req.TurnID)
	log.Info("pipeline started", "files", len(req.Files))
	ws := newWorkspace(r.outputDir, req.TurnID)

	sheets, failure, err := r.load(ctx, req, emit)
	if err != nil {
		return Result{}, err
	}
	if failure != "" {
		return r.complete(ctx, emit, Result{Errors: []string{failure}})
	}

	var plan Plan
	var issues []string
	for attempt := 1; ; attempt++ {
		content, failure, err := r.generate(ctx, req, sheets, issues, attempt, ws, emit)
		if err != nil {
			return Result{}, err
		}
		if failure != "" {
			return r.complete(ctx, emit, Result{Errors: []string{failure}})
		}
		plan, issues, err = r.validate(ctx, content, attempt, emit)
		if err != nil {
			return Result{}, err
		}
		if len(issues) == 0 {
			break
		}
		if attempt >= r.maxAttempts {
			log.Warn("plan rejected", "attempts", attempt, "issues", len(issues))
			return r.complete(ctx, emit, Result{Errors: issues})
		}
		log.Info("regenerating plan", "attempt", attempt+1, "issues", len(issues))
	}

	if err := r.execute(ctx, plan, emit); err != nil {
		return Result{}, err
	}

	name, failure, err := r.export(ctx, req, plan, ws, emit)
	if err != nil {
		return Result{}, err
	}
	if failure != "" {
		return r.complete(ctx, emit, Result{Errors: []string{failure}})
	}

	res, err := r.complete(ctx, emit, Result{Success: true, OutputFile: name})
	if err == nil {
		log.Info("pipeline completed", "output_file", name, "operations", len(plan.Operations))
	}
	return res, err
}

type stage struct {
	emit Emitter
	step reconcile.StepName
	id   string
}

func (r *Runner) begin(ctx context.Context, emit Emitter, step reconcile.StepName) (*stage, error) {
	if err := r.pause(ctx); err != nil {
		return nil, err
	}
	s := &stage{emit: emit, step: step, id: r.newID()}
	return s, emit.Emit(ctx, Event{Step: step, StageID: s.id, Status: reconcile.StatusRunning})
}

func (s *stage) delta(ctx context.Context, text string) error {
	return s.emit.Emit(ctx, Event{Step: s.step, StageID: s.id, Status: reconcile.StatusStreaming, Delta: text})
}

func (s *stage) done(ctx context.Context, output any) error {
	b, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("encode %s output: %w", s.step, err)
	}
	return s.emit.Emit(ctx, Event{Step: s.step, StageID: s.id, Status: reconcile.StatusDone, Output: b})
}

func (s *stage) fail(ctx context.Context, code, message string) error {
	return s.emit.Emit(ctx, Event{
		Step:    s.step,
		StageID: s.id,
		Status:  reconcile.StatusError,
		Error:   &reconcile.StepError{Code: code, Message: message},
	})
}

func (r *Runner) pause(ctx context.Context) error {
	if r.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(r.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Runner) load(ctx context.Context, req Request, emit Emitter) ([]Sheet, string, error) {
	st, err := r.begin(ctx, emit, reconcile.StepLoad)
	if err != nil {
		return nil, "", err
	}
	sheets := make([]Sheet, 0, len(req.Files))
	for _, f := range req.Files {
		sheet, err := inspect(f)
		if err != nil {
			code := CodeLoadFailed
			if errors.Is(err, errFileMissing) {
				code = CodeFileNotFound
			}
			return nil, err.Error(), st.fail(ctx, code, err.Error())
		}
		sheets = append(sheets, sheet)
	}
	return sheets, "", st.done(ctx, map[string]any{"files": sheets})
}

func (r *Runner) generate(ctx context.Context, req Request, sheets []Sheet, issues []string, attempt int, ws *workspace, emit Emitter) (string, string, error) {
	st, err := r.begin(ctx, emit, reconcile.StepGenerate)
	if err != nil {
		return "", "", err
	}

	user := userPrompt(req.Query, sheets, issues)
	source, system := "planner", ""
	if r.model != nil {
		source, system = "model", systemPrompt
	}
	if err := ws.appendPrompt(attempt, source, system, user); err != nil {
		r.logger.Warn("failed to record prompt", "turn_id", req.TurnID, "error", err)
	}

	var content string
	if r.model == nil {
		content, err = r.plannerStream(ctx, st, req, sheets)
	} else {
		content, err = r.modelStream(ctx, st, user)
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		var emitErr *emitError
		if errors.As(err, &emitErr) {
			return "", "", emitErr.err
		}
		r.logger.Warn("plan generation failed", "turn_id", req.TurnID, "error", err)
		return "", err.Error(), st.fail(ctx, CodeModelFailed, err.Error())
	}
	return content, "", st.done(ctx, map[string]string{"content": content})
}

// emitError separates delivery failures from model failures mid-stream.
type emitError struct{ err error }

func (e *emitError) Error() string { return e.err.Error() }

func (r *Runner) modelStream(ctx context.Context, st *stage, user string) (string, error) {
	messages := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(user),
	}
	sr, err := r.model.Stream(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("stream plan: %w", err)
	}
	defer sr.Close()

	var b strings.Builder
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("receive plan: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		b.WriteString(chunk.Content)
		if err := st.delta(ctx, chunk.Content); err != nil {
			return "", &emitError{err: err}
		}
	}
	return b.String(), nil
}

func (r *Runner) plannerStream(ctx context.Context, st *stage, req Request, sheets []Sheet) (string, error) {
	b, err := json.MarshalIndent(planFor(req.Query, sheets), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode plan: %w", err)
	}
	content := string(b)
	for i := 0; i < len(content); i += deltaSize {
		if err := st.delta(ctx, content[i:min(i+deltaSize, len(content))]); err != nil {
			return "", &emitError{err: err}
		}
	}
	return content, nil
}

// validate checks the generated plan. A rejected plan on an attempt that
// can still be retried finishes the stage as done with valid=false so the
// turn is not failed; the last attempt reports an error.
func (r *Runner) validate(ctx context.Context, content string, attempt int, emit Emitter) (Plan, []string, error) {
	st, err := r.begin(ctx, emit, reconcile.StepValidate)
	if err != nil {
		return Plan{}, nil, err
	}
	plan, issues := parsePlan(content)
	if len(issues) == 0 {
		return plan, nil, st.done(ctx, map[string]any{"valid": true, "operations": len(plan.Operations), "attempt": attempt})
	}
	if attempt >= r.maxAttempts {
		return plan, issues, st.fail(ctx, CodeInvalidPlan, strings.Join(issues, "; "))
	}
	return plan, issues, st.done(ctx, map[string]any{"valid": false, "issues": issues, "attempt": attempt})
}

func (r *Runner) execute(ctx context.Context, plan Plan, emit Emitter) error {
	st, err := r.begin(ctx, emit, reconcile.StepExecute)
	if err != nil {
		return err
	}
	return st.done(ctx, map[string]any{
		"strategy":     plan.Strategy,
		"manual_steps": plan.ManualSteps,
		"formulas":     plan.Operations,
	})
}

func (r *Runner) export(ctx context.Context, req Request, plan Plan, ws *workspace, emit Emitter) (string, string, error) {
	st, err := r.begin(ctx, emit, reconcile.StepExport)
	if err != nil {
		return "", "", err
	}
	name := fmt.Sprintf("formulas-%s.csv", shortID(req.TurnID))
	file, err := r.writeOutput(ctx, ws, name, plan)
	if err != nil {
		r.logger.Error("export failed", "turn_id", req.TurnID, "error", err)
		return "", err.Error(), st.fail(ctx, CodeExportFailed, err.Error())
	}
	return name, "", st.done(ctx, map[string]any{"output_files": []reconcile.OutputFile{file}})
}

func (r *Runner) writeOutput(ctx context.Context, ws *workspace, name string, plan Plan) (reconcile.OutputFile, error) {
	if err := ws.ensure(); err != nil {
		return reconcile.OutputFile{}, err
	}
	path := ws.path(name)
	f, err := os.Create(path)
	if err != nil {
		return reconcile.OutputFile{}, fmt.Errorf("create output file: %w", err)
	}
	w := csv.NewWriter(f)
	_ = w.Write([]string{"cell", "formula", "description"})
	for _, op := range plan.Operations {
		_ = w.Write([]string{op.Cell, op.Formula, op.Description})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return reconcile.OutputFile{}, fmt.Errorf("write output file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return reconcile.OutputFile{}, fmt.Errorf("stat output file: %w", err)
	}
	if err := f.Close(); err != nil {
		return reconcile.OutputFile{}, fmt.Errorf("close output file: %w", err)
	}

	id := name
	if r.register != nil {
		id, err = r.register(ctx, name, path, info.Size())
		if err != nil {
			return reconcile.OutputFile{}, fmt.Errorf("register output file: %w", err)
		}
	}
	return reconcile.OutputFile{FileID: id, Filename: name, Path: path}, nil
}

func (r *Runner) complete(ctx context.Context, emit Emitter, res Result) (Result, error) {
	if res.Errors == nil {
		res.Errors = []string{}
	}
	b, err := json.Marshal(res)
	if err != nil {
		return res, fmt.Errorf("encode completion: %w", err)
	}
	ev := Event{Step: reconcile.StepComplete, StageID: r.newID(), Status: reconcile.StatusDone, Output: b}
	return res, emit.Emit(ctx, ev)
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 12 {
		return id[:12]
	}
	if id == "" {
		return "output"
	}
	return id
}
