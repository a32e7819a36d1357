package conversation

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/mattjoyce/sheetloop/internal/reconcile"
	"github.com/mattjoyce/sheetloop/internal/sse"
)

// Named events of the chat stream besides step events.
const (
	EventComplete = "complete"
	EventError    = "error"
	EventSession  = "session"
	EventMeta     = "meta"
)

// currentLocked returns the active stream and its turn if gen is still current.
func (c *Conversation) currentLocked(gen uint64) (*activeStream, *Turn) {
	a := c.active
	if a == nil || a.gen != gen {
		return nil, nil
	}
	turn := c.findLocked(a.turnID)
	if turn == nil {
		return nil, nil
	}
	return a, turn
}

// accepting reports whether events may still change the turn. A turn that
// failed on a step keeps folding step events while its stream stays open.
func (a *activeStream) accepting(msg *AssistantMessage) bool {
	if !msg.Status.Terminal() {
		return true
	}
	return msg.Status == StatusError && a.stepFailed
}

func (c *Conversation) handleEvent(gen uint64, ev sse.Event) {
	c.mu.Lock()
	var n notifier
	a, turn := c.currentLocked(gen)
	if a == nil {
		c.mu.Unlock()
		c.logger.Debug("dropping event from inactive stream", "event", ev.Name)
		return
	}

	var changed bool
	switch ev.Name {
	case EventSession:
		var ids struct {
			ThreadID string `json:"thread_id"`
			TurnID   string `json:"turn_id"`
		}
		if err := json.Unmarshal(ev.Data, &ids); err != nil {
			c.logger.Debug("dropping malformed session event", "turn_id", turn.ID, "error", err)
			break
		}
		changed = c.adoptLocked(turn, ids.ThreadID, ids.TurnID, &n)
	case EventComplete:
		var comp Completion
		if err := json.Unmarshal(ev.Data, &comp); err != nil {
			c.logger.Debug("dropping malformed complete event", "turn_id", turn.ID, "error", err)
			break
		}
		changed = c.completeLocked(a, turn, comp)
	case EventError:
		var payload struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			c.logger.Debug("dropping malformed error event", "turn_id", turn.ID, "error", err)
			break
		}
		msg := payload.Message
		if msg == "" {
			msg = payload.Error
		}
		if msg == "" {
			msg = "processing failed"
		}
		changed = c.failLocked(a, turn, msg)
	case EventMeta:
	default:
		changed = c.stepLocked(a, turn, ev.Data, &n)
	}

	if changed {
		n.change(turn.clone())
	}
	c.mu.Unlock()
	c.fire(n)
}

func (c *Conversation) adoptLocked(turn *Turn, threadID, turnID string, n *notifier) bool {
	changed := false
	if threadID != "" && c.threadID == "" {
		c.threadID = threadID
		n.session(threadID)
		c.logger.Info("session created", "turn_id", turn.ID, "thread_id", threadID)
		changed = true
	}
	if turnID != "" && turn.Assistant.ServerTurnID == "" {
		turn.Assistant.ServerTurnID = turnID
		changed = true
	}
	return changed
}

func (c *Conversation) completeLocked(a *activeStream, turn *Turn, comp Completion) bool {
	msg := turn.Assistant
	if !a.accepting(msg) {
		return false
	}
	msg.Completion = &comp
	if !comp.Success && a.failure == "" {
		a.failure = "processing failed"
		if len(comp.Errors) > 0 {
			a.failure = strings.Join(comp.Errors, "; ")
		}
	}
	return true
}

// failLocked records a top-level failure. With no steps recorded the turn
// fails at once; otherwise the close decides between error and interrupted.
func (c *Conversation) failLocked(a *activeStream, turn *Turn, message string) bool {
	msg := turn.Assistant
	if !a.accepting(msg) {
		return false
	}
	c.logger.Warn("turn reported failure", "turn_id", turn.ID, "error", message)
	if a.failure == "" {
		a.failure = message
	}
	if len(msg.Steps) == 0 && !msg.Status.Terminal() {
		msg.Status = StatusError
		msg.Error = message
		c.finishLocked(msg)
	}
	return true
}

func (c *Conversation) stepLocked(a *activeStream, turn *Turn, data []byte, n *notifier) bool {
	ev, err := reconcile.DecodeEvent(data)
	if err != nil {
		c.logger.Debug("dropping malformed step event", "turn_id", turn.ID, "error", err)
		return false
	}
	changed := c.adoptLocked(turn, ev.ThreadID, ev.TurnID, n)

	msg := turn.Assistant
	if !a.accepting(msg) {
		return changed
	}

	p := c.reconciler.Pipeline()
	if p.IsCompletion(ev) {
		switch ev.Status {
		case reconcile.StatusDone:
			var comp Completion
			if len(ev.Output) > 0 {
				if err := json.Unmarshal(ev.Output, &comp); err != nil {
					c.logger.Debug("dropping malformed completion output", "turn_id", turn.ID, "error", err)
					return changed
				}
			} else {
				comp.Success = true
			}
			return c.completeLocked(a, turn, comp) || changed
		case reconcile.StatusError:
			comp := Completion{Success: false}
			if ev.Error != nil {
				comp.Errors = []string{ev.Error.Message}
			}
			return c.completeLocked(a, turn, comp) || changed
		}
		return changed
	}
	if !p.Knows(ev.Step) {
		c.logger.Debug("dropping event for unknown step", "turn_id", turn.ID, "step", ev.Step)
		return changed
	}

	res, err := c.reconciler.Reduce(msg.Steps, a.index, ev, c.now())
	if err != nil {
		if errors.Is(err, reconcile.ErrMissingStageID) {
			c.logger.Warn("rejecting step event without stage_id", "turn_id", turn.ID, "step", ev.Step)
		}
		return changed
	}
	if !res.Applied {
		c.logger.Debug("ignoring event for finished step", "turn_id", turn.ID, "stage_id", res.Key, "step", ev.Step)
		return changed
	}
	msg.Steps = res.Steps
	a.index = res.Index

	if msg.Status == StatusPending {
		msg.Status = StatusStreaming
	}
	if ev.Status == reconcile.StatusError {
		a.stepFailed = true
		if msg.Status != StatusError {
			msg.Status = StatusError
			if ev.Error != nil {
				msg.Error = ev.Error.Message
			}
			c.logger.Warn("step failed", "turn_id", turn.ID, "stage_id", res.Key, "step", ev.Step, "error", msg.Error)
		}
	}
	if len(res.Effects.OutputFiles) > 0 {
		msg.OutputFiles = res.Effects.OutputFiles
		if res.Effects.ShowOutput {
			n.output(turn.ID, res.Effects.OutputFiles)
		}
	}
	return true
}

func (c *Conversation) handleTransportError(gen uint64, err error) {
	c.mu.Lock()
	var n notifier
	a, turn := c.currentLocked(gen)
	if a == nil {
		c.mu.Unlock()
		return
	}
	c.logger.Warn("stream failed", "turn_id", turn.ID, "error", err)
	a.transport = err
	msg := turn.Assistant
	if len(msg.Steps) == 0 && !msg.Status.Terminal() {
		msg.Status = StatusError
		msg.Error = err.Error()
		c.finishLocked(msg)
		n.change(turn.clone())
	}
	c.mu.Unlock()
	c.fire(n)
}

func (c *Conversation) handleClose(gen uint64) {
	c.mu.Lock()
	var n notifier
	if a, _ := c.currentLocked(gen); a == nil {
		c.mu.Unlock()
		return
	}
	c.settleLocked(&n)
	c.mu.Unlock()
	c.fire(n)
}

// settleLocked finalizes the active turn after its stream closed. A turn is
// never left non-terminal and never reported done after an abnormal close.
func (c *Conversation) settleLocked(n *notifier) {
	a := c.active
	c.active = nil
	turn := c.findLocked(a.turnID)
	if turn == nil {
		return
	}
	msg := turn.Assistant
	steps := msg.Steps

	if !msg.Status.Terminal() {
		failure := a.failure
		if a.transport != nil {
			failure = a.transport.Error()
		}
		switch {
		case reconcile.HasError(steps):
			msg.Status = StatusError
		case failure != "" && len(steps) == 0:
			msg.Status = StatusError
			msg.Error = failure
		case failure != "":
			msg.Status = StatusInterrupted
			msg.Error = failure
		case !reconcile.AllTerminal(steps):
			msg.Status = StatusInterrupted
			msg.Error = "processing was interrupted"
		default:
			msg.Status = StatusDone
		}
	}

	p := c.reconciler.Pipeline()
	if len(msg.OutputFiles) == 0 {
		msg.OutputFiles = reconcile.OutputFiles(steps, p)
	}
	if len(msg.OutputFiles) == 0 && msg.Completion != nil && msg.Completion.OutputFile != "" {
		name := msg.Completion.OutputFile
		msg.OutputFiles = []reconcile.OutputFile{{FileID: name, Filename: name, Path: name}}
	}
	msg.Insights = reconcile.ExtractInsights(steps, p)
	c.finishLocked(msg)

	c.logger.Info("turn settled", "turn_id", turn.ID, "thread_id", c.threadID, "status", msg.Status, "steps", len(steps))
	snapshot := turn.clone()
	n.change(snapshot)
	n.settled(snapshot)
}
