package api

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// maxUploadMemory bounds the in-memory part of a multipart upload.
const maxUploadMemory = 32 << 20

// UploadResponse is the envelope returned by POST /file/upload. Code 0 is
// success.
type UploadResponse struct {
	Code int            `json:"code"`
	Data []UploadedFile `json:"data"`
	Msg  string         `json:"msg"`
}

// UploadedFile describes one stored upload.
type UploadedFile struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// handleUpload handles POST /file/upload.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		respondJSON(w, http.StatusBadRequest, UploadResponse{Code: 1, Data: []UploadedFile{}, Msg: "invalid multipart body"})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		respondJSON(w, http.StatusBadRequest, UploadResponse{Code: 1, Data: []UploadedFile{}, Msg: "no files in field \"files\""})
		return
	}

	out := make([]UploadedFile, 0, len(headers))
	for _, h := range headers {
		name := filepath.Base(h.Filename)
		if !s.accepts(name) {
			respondJSON(w, http.StatusBadRequest, UploadResponse{Code: 1, Data: []UploadedFile{}, Msg: "unsupported file type: " + name})
			return
		}
		stored, err := s.storeUpload(r, h, name)
		if err != nil {
			s.logger.Error("failed to store upload", "file", name, "error", err)
			respondJSON(w, http.StatusInternalServerError, UploadResponse{Code: 1, Data: []UploadedFile{}, Msg: "failed to store " + name})
			return
		}
		out = append(out, stored)
	}

	s.logger.Info("files uploaded", "count", len(out))
	respondJSON(w, http.StatusOK, UploadResponse{Code: 0, Data: out, Msg: "ok"})
}

func (s *Server) accepts(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if len(s.config.Accept) == 0 {
		return ext == ".xlsx" || ext == ".xls" || ext == ".csv"
	}
	return slices.Contains(s.config.Accept, ext)
}

func (s *Server) storeUpload(r *http.Request, h *multipart.FileHeader, name string) (UploadedFile, error) {
	src, err := h.Open()
	if err != nil {
		return UploadedFile{}, fmt.Errorf("open part: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(s.config.UploadDir, 0o755); err != nil {
		return UploadedFile{}, fmt.Errorf("create upload directory: %w", err)
	}
	path := filepath.Join(s.config.UploadDir, uuid.New().String()+strings.ToLower(filepath.Ext(name)))
	dst, err := os.Create(path)
	if err != nil {
		return UploadedFile{}, fmt.Errorf("create file: %w", err)
	}
	size, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return UploadedFile{}, fmt.Errorf("write file: %w", err)
	}

	contentType := contentTypeFor(name)
	rec, err := s.files.Create(r.Context(), name, path, contentType, size)
	if err != nil {
		_ = os.Remove(path)
		return UploadedFile{}, err
	}
	return UploadedFile{ID: rec.ID, Path: rec.Path, Filename: rec.Filename, ContentType: contentType}, nil
}

// handleDownload handles GET /file/{file_id}.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	f, err := s.files.GetByID(r.Context(), chi.URLParam(r, "file_id"))
	if err != nil {
		s.writeLookupError(w, err, "file")
		return
	}
	serveAttachment(w, r, f.Path, f.Filename)
}

func serveAttachment(w http.ResponseWriter, r *http.Request, path, filename string) {
	w.Header().Set("Content-Type", contentTypeFor(filename))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	http.ServeFile(w, r, path)
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".xls":
		return "application/vnd.ms-excel"
	case ".csv":
		return "text/csv"
	}
	return "application/octet-stream"
}
