package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// File is an uploaded or generated spreadsheet.
type File struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	Path        string    `json:"path"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// FileStore provides operations on the files table.
type FileStore struct {
	db *sql.DB
}

// NewFileStore creates a new FileStore.
func NewFileStore(db *sql.DB) *FileStore {
	return &FileStore{db: db}
}

// Create records a stored file.
func (s *FileStore) Create(ctx context.Context, filename, path, contentType string, size int64) (*File, error) {
	now := time.Now().UTC()
	f := &File{
		ID:          uuid.New().String(),
		Filename:    filename,
		Path:        path,
		ContentType: contentType,
		Size:        size,
		CreatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, filename, path, content_type, size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.Filename, f.Path, f.ContentType, f.Size, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert file: %w", err)
	}
	return f, nil
}

// GetByID retrieves a file record.
func (s *FileStore) GetByID(ctx context.Context, id string) (*File, error) {
	var f File
	var contentType sql.NullString
	var createdAt *string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, filename, path, content_type, size_bytes, created_at FROM files WHERE id = ?`, id,
	).Scan(&f.ID, &f.Filename, &f.Path, &contentType, &f.Size, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get file: %w", err)
	}
	f.ContentType = contentType.String
	if v := parseTime(createdAt); v != nil {
		f.CreatedAt = *v
	}
	return &f, nil
}

// GetMany resolves ids in order, skipping unknown ones.
func (s *FileStore) GetMany(ctx context.Context, ids []string) ([]*File, error) {
	out := make([]*File, 0, len(ids))
	for _, id := range ids {
		f, err := s.GetByID(ctx, id)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
