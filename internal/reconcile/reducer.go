package reconcile

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// Record is one step instance within a turn.
type Record struct {
	Step          StepName        `json:"step"`
	Key           string          `json:"stage_id"`
	Status        Status          `json:"status"`
	StreamContent string          `json:"stream_content,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         *StepError      `json:"error,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Index maps a correlation key to its position in the records slice.
type Index map[string]int

// BuildIndex derives the index for records.
func BuildIndex(records []Record) Index {
	idx := make(Index, len(records))
	for i, rec := range records {
		idx[rec.Key] = i
	}
	return idx
}

// Effects are side effects of a reduction that are not part of the steps.
type Effects struct {
	OutputFiles []OutputFile
	// ShowOutput asks the view to switch to the output tab.
	ShowOutput bool
}

// Result is the outcome of one Reduce call.
type Result struct {
	Steps   []Record
	Index   Index
	Effects Effects
	// Key is the correlation key the event resolved to.
	Key string
	// Applied is false when the event targeted a terminal record.
	Applied bool
}

// Reconciler applies step events for one pipeline. It is safe for concurrent use.
type Reconciler struct {
	pipeline Pipeline
	seq      atomic.Uint64
}

// New creates a Reconciler for p.
func New(p Pipeline) *Reconciler {
	return &Reconciler{pipeline: p}
}

// Pipeline returns the configured pipeline.
func (r *Reconciler) Pipeline() Pipeline {
	return r.pipeline
}

// Reduce folds ev into prior and returns the next steps and index. prior and
// idx are never modified. A nil or stale idx is rebuilt from prior.
func (r *Reconciler) Reduce(prior []Record, idx Index, ev Event, now time.Time) (Result, error) {
	if !idx.consistent(prior) {
		idx = BuildIndex(prior)
	}

	key := ev.StageID
	if key == "" {
		if r.pipeline.RequireStageID {
			return Result{Steps: prior, Index: idx}, fmt.Errorf("%w: step %s", ErrMissingStageID, ev.Step)
		}
		key = r.fallbackKey(prior, ev.Step, now)
	}

	pos, found := idx[key]
	if found && prior[pos].Status.Terminal() {
		return Result{Steps: prior, Index: idx, Key: key}, nil
	}

	steps := make([]Record, len(prior), len(prior)+1)
	copy(steps, prior)
	next := make(Index, len(idx)+1)
	for k, v := range idx {
		next[k] = v
	}

	var rec Record
	if found {
		rec = steps[pos]
		apply(&rec, ev, now)
		steps[pos] = rec
	} else {
		rec = Record{Step: ev.Step, Key: key, StartedAt: now}
		rec.Status = ev.Status
		if ev.Status == StatusStreaming {
			rec.StreamContent = ev.Delta
		}
		if ev.Status.Terminal() {
			finish(&rec, ev, now)
		}
		steps = append(steps, rec)
		next[key] = len(steps) - 1
	}

	res := Result{Steps: steps, Index: next, Key: key, Applied: true}
	if rec.Status == StatusDone && ev.Status == StatusDone && ev.Step == r.pipeline.ArtifactStep {
		files := ExtractOutputFiles(rec.Output)
		res.Effects = Effects{OutputFiles: files, ShowOutput: len(files) > 0}
	}
	return res, nil
}

func apply(rec *Record, ev Event, now time.Time) {
	switch ev.Status {
	case StatusStreaming:
		rec.Status = StatusStreaming
		rec.StreamContent += ev.Delta
	case StatusRunning:
	case StatusDone, StatusError:
		finish(rec, ev, now)
	}
}

func finish(rec *Record, ev Event, now time.Time) {
	completed := now
	rec.Status = ev.Status
	rec.CompletedAt = &completed
	if ev.Status == StatusDone {
		rec.Output = ev.Output
		return
	}
	rec.Error = ev.Error
	if rec.Error == nil {
		rec.Error = &StepError{Message: "step failed"}
	}
}

// fallbackKey reuses the newest open record of the same step, or synthesizes a
// key unique within this process.
func (r *Reconciler) fallbackKey(prior []Record, step StepName, now time.Time) string {
	for i := len(prior) - 1; i >= 0; i-- {
		if prior[i].Step == step && !prior[i].Status.Terminal() {
			return prior[i].Key
		}
	}
	return fmt.Sprintf("%s-%d-%d", step, now.UnixMilli(), r.seq.Add(1))
}

func (idx Index) consistent(records []Record) bool {
	if idx == nil || len(idx) != len(records) {
		return false
	}
	for k, i := range idx {
		if i < 0 || i >= len(records) || records[i].Key != k {
			return false
		}
	}
	return true
}
