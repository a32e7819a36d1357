package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync/atomic"

	"github.com/mattjoyce/sheetloop/internal/upload"
)

// uploadEnvelope is the response of POST /file/upload. A zero code is success.
type uploadEnvelope struct {
	Code int            `json:"code"`
	Data []uploadedFile `json:"data"`
	Msg  string         `json:"msg"`
}

type uploadedFile struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
}

// Upload implements upload.Uploader. The file is streamed as the multipart
// field "files"; progress follows the bytes read from the file and reaches
// 100 only once the server has answered.
func (c *Client) Upload(ctx context.Context, file upload.LocalFile, progress func(percent int)) (upload.Resolved, error) {
	if file.Open == nil {
		return upload.Resolved{}, fmt.Errorf("upload %s: no content", file.Name)
	}
	src, err := file.Open()
	if err != nil {
		return upload.Resolved{}, fmt.Errorf("open %s: %w", file.Name, err)
	}
	defer src.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	counted := &countingReader{r: src, size: file.Size, progress: progress}

	go func() {
		part, err := mw.CreateFormFile("files", file.Name)
		if err == nil {
			_, err = io.Copy(part, counted)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/file/upload", pr)
	if err != nil {
		_ = pr.Close()
		return upload.Resolved{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return upload.Resolved{}, fmt.Errorf("upload %s: %w", file.Name, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return upload.Resolved{}, &APIError{Op: "upload " + file.Name, StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}

	var env uploadEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return upload.Resolved{}, fmt.Errorf("parse upload response: %w", err)
	}
	if env.Code != 0 {
		return upload.Resolved{}, fmt.Errorf("upload %s: %s", file.Name, env.Msg)
	}
	if len(env.Data) == 0 || env.Data[0].ID == "" {
		return upload.Resolved{}, fmt.Errorf("upload %s: response carried no file", file.Name)
	}
	got := env.Data[0]
	if progress != nil {
		progress(100)
	}
	name := got.Filename
	if name == "" {
		name = file.Name
	}
	return upload.Resolved{ID: got.ID, Filename: name, Path: got.Path}, nil
}

type countingReader struct {
	r        io.Reader
	size     int64
	read     atomic.Int64
	progress func(int)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.progress != nil && c.size > 0 {
		total := c.read.Add(int64(n))
		// Hold at 99 until the server confirms.
		c.progress(int(min(99, total*100/c.size)))
	}
	return n, err
}
