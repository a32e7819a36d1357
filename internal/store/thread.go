package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxTitleRunes bounds thread titles derived from a first query.
const maxTitleRunes = 60

// Thread is one conversation on the server.
type Thread struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	TurnCount int       `json:"turn_count"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedAt time.Time `json:"created_at"`
}

// ThreadStore provides CRUD operations on the threads table.
type ThreadStore struct {
	db *sql.DB
}

// NewThreadStore creates a new ThreadStore.
func NewThreadStore(db *sql.DB) *ThreadStore {
	return &ThreadStore{db: db}
}

// DB returns the underlying database connection.
func (s *ThreadStore) DB() *sql.DB {
	return s.db
}

// TitleFromQuery derives a thread title from the query that started it.
func TitleFromQuery(query string) string {
	title := strings.Join(strings.Fields(query), " ")
	if title == "" {
		return "Untitled"
	}
	r := []rune(title)
	if len(r) > maxTitleRunes {
		return string(r[:maxTitleRunes-3]) + "..."
	}
	return title
}

// Create inserts a new thread.
func (s *ThreadStore) Create(ctx context.Context, title string) (*Thread, error) {
	now := time.Now().UTC()
	t := &Thread{
		ID:        uuid.New().String(),
		Title:     title,
		UpdatedAt: now,
		CreatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.Title, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	return t, nil
}

// GetByID retrieves a thread by its ID. It returns sql.ErrNoRows if missing.
func (s *ThreadStore) GetByID(ctx context.Context, id string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT t.id, t.title, (SELECT COUNT(*) FROM turns WHERE thread_id = t.id), t.updated_at, t.created_at
		 FROM threads t WHERE t.id = ?`, id)
	return scanThread(row)
}

// List returns the most recently updated threads first.
func (s *ThreadStore) List(ctx context.Context, limit int) ([]*Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.title, (SELECT COUNT(*) FROM turns WHERE thread_id = t.id), t.updated_at, t.created_at
		 FROM threads t ORDER BY t.updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// Rename changes a thread title.
func (s *ThreadStore) Rename(ctx context.Context, id, title string) error {
	return s.exec(ctx, "rename thread",
		`UPDATE threads SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC().Format(time.RFC3339Nano), id)
}

// Touch bumps updated_at so the thread sorts first.
func (s *ThreadStore) Touch(ctx context.Context, id string) error {
	return s.exec(ctx, "touch thread",
		`UPDATE threads SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
}

// Delete removes a thread along with its turns and steps.
func (s *ThreadStore) Delete(ctx context.Context, id string) error {
	return s.exec(ctx, "delete thread", `DELETE FROM threads WHERE id = ?`, id)
}

func (s *ThreadStore) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanThread(s scanner) (*Thread, error) {
	var t Thread
	var updatedAt, createdAt *string
	if err := s.Scan(&t.ID, &t.Title, &t.TurnCount, &updatedAt, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan thread: %w", err)
	}
	if v := parseTime(updatedAt); v != nil {
		t.UpdatedAt = *v
	}
	if v := parseTime(createdAt); v != nil {
		t.CreatedAt = *v
	}
	return &t, nil
}

func parseTime(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}
