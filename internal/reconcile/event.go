package reconcile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedEvent marks a payload that cannot be decoded into a step event.
	ErrMalformedEvent = errors.New("malformed step event")
	// ErrMissingStageID is returned in strict mode for events without stage_id.
	ErrMissingStageID = errors.New("step event has no stage_id")
)

// Status is the state of one step instance.
type Status string

const (
	StatusRunning   Status = "running"
	StatusStreaming Status = "streaming"
	StatusDone      Status = "done"
	StatusError     Status = "error"
)

// Terminal reports whether s is done or error.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

func (s Status) valid() bool {
	switch s {
	case StatusRunning, StatusStreaming, StatusDone, StatusError:
		return true
	}
	return false
}

// StepError is a failure reported by a step.
type StepError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *StepError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// NormalizeError accepts a JSON string, a {code, message} object or any other
// value and returns at least a message. Empty or null input yields nil.
func NormalizeError(raw json.RawMessage) *StepError {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return &StepError{Message: text}
	}
	var obj struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
		Detail  string          `json:"detail"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && (obj.Message != "" || obj.Detail != "") {
		msg := obj.Message
		if msg == "" {
			msg = obj.Detail
		}
		return &StepError{Code: scalarText(obj.Code), Message: msg}
	}
	return &StepError{Message: string(raw)}
}

func scalarText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// Event is one decoded step event.
type Event struct {
	Step     StepName
	StageID  string
	Status   Status
	Delta    string
	Output   json.RawMessage
	Error    *StepError
	ThreadID string
	TurnID   string
}

type stagedWire struct {
	Step     StepName        `json:"step"`
	StageID  string          `json:"stage_id"`
	Status   string          `json:"status"`
	Delta    string          `json:"delta"`
	Output   json.RawMessage `json:"output"`
	Error    json.RawMessage `json:"error"`
	ThreadID string          `json:"thread_id"`
	TurnID   string          `json:"turn_id"`
}

type singleShotData struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id"`
	TurnID   string `json:"turn_id"`
}

// DecodeEvent parses a step event in either wire dialect: the staged
// {step, stage_id, status, delta, output, error} shape or the single-shot
// {action, status: start|done|error, data} shape.
func DecodeEvent(data []byte) (Event, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if _, ok := probe["action"]; ok {
		if _, hasStep := probe["step"]; !hasStep {
			return decodeSingleShot(data)
		}
	}

	var w stagedWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if w.Step == "" {
		return Event{}, fmt.Errorf("%w: missing step", ErrMalformedEvent)
	}
	status := Status(w.Status)
	if !status.valid() {
		return Event{}, fmt.Errorf("%w: unknown status %q", ErrMalformedEvent, w.Status)
	}
	ev := Event{
		Step:     w.Step,
		StageID:  w.StageID,
		Status:   status,
		Delta:    w.Delta,
		Output:   nullIsEmpty(w.Output),
		ThreadID: w.ThreadID,
		TurnID:   w.TurnID,
	}
	if status == StatusError {
		ev.Error = NormalizeError(w.Error)
		if ev.Error == nil {
			ev.Error = &StepError{Message: "step failed"}
		}
	}
	return ev, nil
}

func decodeSingleShot(data []byte) (Event, error) {
	var w struct {
		Action StepName        `json:"action"`
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if w.Action == "" {
		return Event{}, fmt.Errorf("%w: missing action", ErrMalformedEvent)
	}

	var status Status
	switch w.Status {
	case "start", "running":
		status = StatusRunning
	case "streaming":
		status = StatusStreaming
	case "done":
		status = StatusDone
	case "error":
		status = StatusError
	default:
		return Event{}, fmt.Errorf("%w: unknown status %q", ErrMalformedEvent, w.Status)
	}

	var d singleShotData
	if len(w.Data) > 0 {
		_ = json.Unmarshal(w.Data, &d)
	}
	ev := Event{
		Step:     w.Action,
		Status:   status,
		ThreadID: d.ThreadID,
		TurnID:   d.TurnID,
	}
	switch status {
	case StatusDone:
		ev.Output = nullIsEmpty(w.Data)
	case StatusError:
		msg := d.Message
		if msg == "" {
			msg = "step failed"
		}
		ev.Error = &StepError{Message: msg}
	}
	return ev, nil
}

func nullIsEmpty(raw json.RawMessage) json.RawMessage {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}
