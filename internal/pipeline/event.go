// Package pipeline runs the staged spreadsheet pipeline behind a chat turn
// and emits one step event per stage transition.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/sheetloop/internal/reconcile"
	"github.com/mattjoyce/sheetloop/internal/store"
)

// Event is a staged step event as sent on the wire.
type Event struct {
	Step    reconcile.StepName   `json:"step"`
	StageID string               `json:"stage_id"`
	Status  reconcile.Status     `json:"status"`
	Delta   string               `json:"delta,omitempty"`
	Output  json.RawMessage      `json:"output,omitempty"`
	Error   *reconcile.StepError `json:"error,omitempty"`
}

// Emitter receives step events in order.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev Event) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Recorder persists step events for a turn before forwarding them. Deltas
// are not stored; the completion marker is not a step of the transcript.
type Recorder struct {
	Steps  *store.StepStore
	TurnID string
	Next   Emitter
	Logger *slog.Logger

	status map[string]reconcile.Status
}

// Emit implements Emitter.
func (r *Recorder) Emit(ctx context.Context, ev Event) error {
	if err := r.record(ctx, ev); err != nil {
		if r.Logger != nil {
			r.Logger.Error("failed to record step", "turn_id", r.TurnID, "stage_id", ev.StageID, "error", err)
		}
	}
	if r.Next == nil {
		return nil
	}
	return r.Next.Emit(ctx, ev)
}

func (r *Recorder) record(ctx context.Context, ev Event) error {
	if ev.Step == reconcile.StepComplete {
		return nil
	}
	if r.status == nil {
		r.status = make(map[string]reconcile.Status)
	}
	last, known := r.status[ev.StageID]
	if !known {
		if _, err := r.Steps.Append(ctx, r.TurnID, ev.StageID, string(ev.Step)); err != nil {
			return err
		}
		last = reconcile.StatusRunning
		r.status[ev.StageID] = last
	}
	if last.Terminal() || ev.Status == last {
		return nil
	}
	r.status[ev.StageID] = ev.Status

	var stepErr json.RawMessage
	if ev.Error != nil {
		b, err := json.Marshal(ev.Error)
		if err != nil {
			return fmt.Errorf("encode step error: %w", err)
		}
		stepErr = b
	}
	return r.Steps.UpdateStatus(ctx, r.TurnID, ev.StageID, store.StepStatus(ev.Status), ev.Output, stepErr)
}
