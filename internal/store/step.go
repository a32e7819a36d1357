package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StepStatus mirrors the wire status of a pipeline step.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusStreaming StepStatus = "streaming"
	StepStatusDone      StepStatus = "done"
	StepStatusError     StepStatus = "error"
)

// Terminal reports whether the step has finished.
func (s StepStatus) Terminal() bool {
	return s == StepStatusDone || s == StepStatusError
}

// Step is one persisted pipeline stage of a turn.
type Step struct {
	ID          string          `json:"id"`
	TurnID      string          `json:"turn_id"`
	StageID     string          `json:"stage_id"`
	Seq         int             `json:"seq"`
	Step        string          `json:"step"`
	Status      StepStatus      `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// StepStore provides operations on the steps table.
type StepStore struct {
	db *sql.DB
}

// NewStepStore creates a new StepStore.
func NewStepStore(db *sql.DB) *StepStore {
	return &StepStore{db: db}
}

// Append inserts a running step for a turn, sequenced after the last one.
func (s *StepStore) Append(ctx context.Context, turnID, stageID, step string) (*Step, error) {
	var maxSeq sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM steps WHERE turn_id = ?`, turnID).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("max step seq: %w", err)
	}

	now := time.Now().UTC()
	st := &Step{
		ID:        uuid.New().String(),
		TurnID:    turnID,
		StageID:   stageID,
		Seq:       int(maxSeq.Int64) + 1,
		Step:      step,
		Status:    StepStatusRunning,
		StartedAt: &now,
		CreatedAt: now,
	}
	ts := now.Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps (id, turn_id, stage_id, seq, step, status, started_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.TurnID, st.StageID, st.Seq, st.Step, string(st.Status), ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("insert step: %w", err)
	}
	return st, nil
}

// UpdateStatus updates a step's status, output and error. A finished step
// keeps its first terminal status.
func (s *StepStore) UpdateStatus(ctx context.Context, turnID, stageID string, status StepStatus, output, stepErr json.RawMessage) error {
	var completedAt *string
	if status.Terminal() {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		completedAt = &now
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = ?, output = COALESCE(?, output), error = COALESCE(?, error),
		 completed_at = COALESCE(?, completed_at)
		 WHERE turn_id = ? AND stage_id = ? AND status NOT IN (?, ?)`,
		string(status), nullableJSON(output), nullableJSON(stepErr), completedAt,
		turnID, stageID, string(StepStatusDone), string(StepStatusError),
	)
	if err != nil {
		return fmt.Errorf("update step status: %w", err)
	}
	return nil
}

// GetByStageID retrieves one step of a turn.
func (s *StepStore) GetByStageID(ctx context.Context, turnID, stageID string) (*Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, turn_id, stage_id, seq, step, status, output, error, started_at, completed_at, created_at
		 FROM steps WHERE turn_id = ? AND stage_id = ?`, turnID, stageID)
	return scanStep(row)
}

// GetByTurnID retrieves all steps for a turn, ordered by seq.
func (s *StepStore) GetByTurnID(ctx context.Context, turnID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, turn_id, stage_id, seq, step, status, output, error, started_at, completed_at, created_at
		 FROM steps WHERE turn_id = ? ORDER BY seq ASC`, turnID)
	if err != nil {
		return nil, fmt.Errorf("get steps by turn: %w", err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func scanStep(s scanner) (*Step, error) {
	var st Step
	var status string
	var outputJSON, errJSON sql.NullString
	var startedAt, completedAt, createdAt *string

	err := s.Scan(&st.ID, &st.TurnID, &st.StageID, &st.Seq, &st.Step, &status,
		&outputJSON, &errJSON, &startedAt, &completedAt, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan step: %w", err)
	}
	if outputJSON.Valid && outputJSON.String != "" {
		st.Output = json.RawMessage(outputJSON.String)
	}
	if errJSON.Valid && errJSON.String != "" {
		st.Error = json.RawMessage(errJSON.String)
	}
	st.Status = StepStatus(status)
	st.StartedAt = parseTime(startedAt)
	st.CompletedAt = parseTime(completedAt)
	if v := parseTime(createdAt); v != nil {
		st.CreatedAt = *v
	}
	return &st, nil
}
