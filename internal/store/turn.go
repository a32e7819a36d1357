package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TurnStatus represents the lifecycle state of a turn.
type TurnStatus string

const (
	TurnStatusProcessing TurnStatus = "processing"
	TurnStatusCompleted  TurnStatus = "completed"
	TurnStatusFailed     TurnStatus = "failed"
	TurnStatusCancelled  TurnStatus = "cancelled"
)

// Turn is one submitted query and the pipeline run it started.
type Turn struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"thread_id"`
	TurnNumber  int        `json:"turn_number"`
	Query       string     `json:"user_query"`
	FileIDs     []string   `json:"file_ids,omitempty"`
	Status      TurnStatus `json:"status"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TurnStore provides operations on the turns table.
type TurnStore struct {
	db *sql.DB
}

// NewTurnStore creates a new TurnStore.
func NewTurnStore(db *sql.DB) *TurnStore {
	return &TurnStore{db: db}
}

// Create inserts a processing turn numbered after the thread's last turn.
func (s *TurnStore) Create(ctx context.Context, threadID, query string, fileIDs []string) (*Turn, error) {
	var maxNum sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(turn_number) FROM turns WHERE thread_id = ?`, threadID).Scan(&maxNum); err != nil {
		return nil, fmt.Errorf("max turn number: %w", err)
	}

	var filesJSON []byte
	if len(fileIDs) > 0 {
		b, err := json.Marshal(fileIDs)
		if err != nil {
			return nil, fmt.Errorf("marshal file ids: %w", err)
		}
		filesJSON = b
	}

	now := time.Now().UTC()
	t := &Turn{
		ID:         uuid.New().String(),
		ThreadID:   threadID,
		TurnNumber: int(maxNum.Int64) + 1,
		Query:      query,
		FileIDs:    fileIDs,
		Status:     TurnStatusProcessing,
		StartedAt:  &now,
		CreatedAt:  now,
	}
	ts := now.Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, thread_id, turn_number, user_query, file_ids, status, started_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ThreadID, t.TurnNumber, t.Query, nullableJSON(filesJSON), string(t.Status), ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}
	return t, nil
}

// UpdateStatus records a turn's outcome.
func (s *TurnStore) UpdateStatus(ctx context.Context, id string, status TurnStatus, errMsg *string) error {
	var completedAt *string
	if status != TurnStatusProcessing {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		completedAt = &now
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE turns SET status = ?, error = COALESCE(?, error), completed_at = COALESCE(?, completed_at)
		 WHERE id = ?`,
		string(status), errMsg, completedAt, id,
	)
	if err != nil {
		return fmt.Errorf("update turn status: %w", err)
	}
	return nil
}

// GetByID retrieves a turn by its ID.
func (s *TurnStore) GetByID(ctx context.Context, id string) (*Turn, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, turn_number, user_query, file_ids, status, error, started_at, completed_at, created_at
		 FROM turns WHERE id = ?`, id)
	return scanTurn(row)
}

// ListByThread returns a thread's turns in order.
func (s *TurnStore) ListByThread(ctx context.Context, threadID string) ([]*Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, turn_number, user_query, file_ids, status, error, started_at, completed_at, created_at
		 FROM turns WHERE thread_id = ? ORDER BY turn_number ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list turns by thread: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// MarkAbandoned fails turns left processing by a previous server process.
func (s *TurnStore) MarkAbandoned(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE turns SET status = ?, error = COALESCE(error, 'server restarted'), completed_at = ?
		 WHERE status = ?`,
		string(TurnStatusFailed), now, string(TurnStatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("mark abandoned turns: %w", err)
	}
	return res.RowsAffected()
}

func scanTurn(s scanner) (*Turn, error) {
	var t Turn
	var status string
	var filesJSON, errMsg sql.NullString
	var startedAt, completedAt, createdAt *string

	err := s.Scan(&t.ID, &t.ThreadID, &t.TurnNumber, &t.Query, &filesJSON,
		&status, &errMsg, &startedAt, &completedAt, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan turn: %w", err)
	}
	if filesJSON.Valid && filesJSON.String != "" {
		if err := json.Unmarshal([]byte(filesJSON.String), &t.FileIDs); err != nil {
			return nil, fmt.Errorf("decode turn file ids: %w", err)
		}
	}
	if errMsg.Valid {
		v := errMsg.String
		t.Error = &v
	}
	t.Status = TurnStatus(status)
	t.StartedAt = parseTime(startedAt)
	t.CompletedAt = parseTime(completedAt)
	if v := parseTime(createdAt); v != nil {
		t.CreatedAt = *v
	}
	return &t, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
