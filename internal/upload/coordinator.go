// Package upload tracks local attachments while they upload and exposes the
// resolved server file ids a turn submits with.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrNotRetryable is returned by Retry for items that did not fail.
var ErrNotRetryable = errors.New("upload item is not in error state")

// Status is the state of one upload item.
type Status string

const (
	StatusUploading Status = "uploading"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
)

// Gate decides when resolved attachments are ready for submission.
type Gate string

const (
	// GateAny needs one resolved file and nothing still uploading.
	GateAny Gate = "any"
	// GateAll needs every item resolved.
	GateAll Gate = "all"
)

// LocalFile is a file selected on the client.
type LocalFile struct {
	Name string
	Path string
	Size int64
	Open func() (io.ReadCloser, error)
}

// FromPath describes a file on disk.
func FromPath(path string) (LocalFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return LocalFile{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return LocalFile{}, fmt.Errorf("%s is a directory", path)
	}
	return LocalFile{
		Name: filepath.Base(path),
		Path: path,
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// Resolved is an uploaded file known to the server.
type Resolved struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// Item is one attachment slot.
type Item struct {
	ID           string
	File         LocalFile
	Status       Status
	Progress     int
	ServerFileID string
	ServerPath   string
	Error        string
}

// Uploader sends one file to the server, reporting progress in percent.
type Uploader interface {
	Upload(ctx context.Context, file LocalFile, progress func(percent int)) (Resolved, error)
}

// Options configures a Coordinator.
type Options struct {
	Uploader    Uploader
	Accept      []string
	Parallelism int
	Gate        Gate
	Logger      *slog.Logger
	// OnChange receives snapshots in mutation order. It runs outside the
	// coordinator lock but must not mutate the coordinator.
	OnChange    func(items []Item)
}

// Coordinator owns the attachment list. It is safe for concurrent use.
type Coordinator struct {
	uploader    Uploader
	accept      map[string]bool
	parallelism int
	gate        Gate
	logger      *slog.Logger
	onChange    func([]Item)

	mu       sync.Mutex
	items    []*Item
	resolved []resolvedEntry
	seq      uint64

	notifyMu  sync.Mutex
	delivered uint64
}

// change is a snapshot stamped with the mutation that produced it.
type change struct {
	seq   uint64
	items []Item
}

type resolvedEntry struct {
	itemID string
	Resolved
}

// New creates a Coordinator. The default allow-list is .xlsx, .xls and .csv.
func New(opts Options) *Coordinator {
	if len(opts.Accept) == 0 {
		opts.Accept = []string{".xlsx", ".xls", ".csv"}
	}
	accept := make(map[string]bool, len(opts.Accept))
	for _, ext := range opts.Accept {
		accept[strings.ToLower(ext)] = true
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if opts.Gate == "" {
		opts.Gate = GateAny
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{
		uploader:    opts.Uploader,
		accept:      accept,
		parallelism: opts.Parallelism,
		gate:        opts.Gate,
		logger:      opts.Logger,
		onChange:    opts.OnChange,
	}
}

// Accepts reports whether name has an allowed extension.
func (c *Coordinator) Accepts(name string) bool {
	return c.accept[strings.ToLower(filepath.Ext(name))]
}

// AddFiles queues every accepted file and uploads them, one at a time unless
// parallelism is configured. It blocks until every upload has settled and
// returns the number of files accepted.
func (c *Coordinator) AddFiles(ctx context.Context, files []LocalFile) int {
	var ids []string
	c.mu.Lock()
	for _, f := range files {
		if !c.Accepts(f.Name) {
			c.logger.Debug("skipping file with unsupported extension", "file", f.Name)
			continue
		}
		item := &Item{ID: uuid.NewString(), File: f, Status: StatusUploading}
		c.items = append(c.items, item)
		ids = append(ids, item.ID)
	}
	snapshot := c.changeLocked()
	c.mu.Unlock()

	if len(ids) == 0 {
		return 0
	}
	c.notify(snapshot)

	if c.parallelism == 1 {
		for _, id := range ids {
			c.run(ctx, id)
		}
		return len(ids)
	}

	var g errgroup.Group
	g.SetLimit(c.parallelism)
	for _, id := range ids {
		g.Go(func() error {
			c.run(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return len(ids)
}

// Retry re-runs a failed upload in place.
func (c *Coordinator) Retry(ctx context.Context, index int) error {
	c.mu.Lock()
	if index < 0 || index >= len(c.items) {
		c.mu.Unlock()
		return fmt.Errorf("upload index %d out of range", index)
	}
	item := c.items[index]
	if item.Status != StatusError {
		c.mu.Unlock()
		return ErrNotRetryable
	}
	item.Status = StatusUploading
	item.Progress = 0
	item.Error = ""
	id := item.ID
	snapshot := c.changeLocked()
	c.mu.Unlock()

	c.notify(snapshot)
	c.run(ctx, id)
	return nil
}

// Remove deletes the item at index. It is a no-op while the item uploads.
func (c *Coordinator) Remove(index int) bool {
	c.mu.Lock()
	if index < 0 || index >= len(c.items) {
		c.mu.Unlock()
		return false
	}
	ok := c.removeLocked(c.items[index].ID)
	snapshot := c.changeLocked()
	c.mu.Unlock()
	if ok {
		c.notify(snapshot)
	}
	return ok
}

// RemoveByID deletes an item by its id or by its server file id.
func (c *Coordinator) RemoveByID(id string) bool {
	c.mu.Lock()
	target := ""
	for _, item := range c.items {
		if item.ID == id || (item.ServerFileID != "" && item.ServerFileID == id) {
			target = item.ID
			break
		}
	}
	ok := target != "" && c.removeLocked(target)
	snapshot := c.changeLocked()
	c.mu.Unlock()
	if ok {
		c.notify(snapshot)
	}
	return ok
}

func (c *Coordinator) removeLocked(itemID string) bool {
	for i, item := range c.items {
		if item.ID != itemID {
			continue
		}
		if item.Status == StatusUploading {
			return false
		}
		c.items = append(c.items[:i], c.items[i+1:]...)
		for j, r := range c.resolved {
			if r.itemID == itemID {
				c.resolved = append(c.resolved[:j], c.resolved[j+1:]...)
				break
			}
		}
		return true
	}
	return false
}

// Clear drops every item that is not uploading.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	kept := c.items[:0]
	for _, item := range c.items {
		if item.Status == StatusUploading {
			kept = append(kept, item)
		}
	}
	clear(c.items[len(kept):])
	c.items = kept
	c.resolved = nil
	snapshot := c.changeLocked()
	c.mu.Unlock()
	c.notify(snapshot)
}

// SetFromHistory replaces the list with already resolved files.
func (c *Coordinator) SetFromHistory(files []Resolved) {
	c.mu.Lock()
	c.items = nil
	c.resolved = nil
	for _, f := range files {
		item := &Item{
			ID:           uuid.NewString(),
			File:         LocalFile{Name: f.Filename, Path: f.Path},
			Status:       StatusSuccess,
			Progress:     100,
			ServerFileID: f.ID,
			ServerPath:   f.Path,
		}
		c.items = append(c.items, item)
		c.resolved = append(c.resolved, resolvedEntry{itemID: item.ID, Resolved: f})
	}
	snapshot := c.changeLocked()
	c.mu.Unlock()
	c.notify(snapshot)
}

// Items returns a copy of the attachment list.
func (c *Coordinator) Items() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Resolved returns the resolved attachments in resolution order.
func (c *Coordinator) Resolved() []Resolved {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Resolved, 0, len(c.resolved))
	for _, r := range c.resolved {
		out = append(out, r.Resolved)
	}
	return out
}

// IsUploading reports whether any item is still uploading.
func (c *Coordinator) IsUploading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploadingLocked()
}

// Ready applies the configured gate.
func (c *Coordinator) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uploadingLocked() || len(c.resolved) == 0 {
		return false
	}
	if c.gate == GateAll {
		return len(c.resolved) == len(c.items)
	}
	return true
}

func (c *Coordinator) uploadingLocked() bool {
	for _, item := range c.items {
		if item.Status == StatusUploading {
			return true
		}
	}
	return false
}

func (c *Coordinator) run(ctx context.Context, id string) {
	c.mu.Lock()
	item := c.findLocked(id)
	if item == nil {
		c.mu.Unlock()
		return
	}
	file := item.File
	c.mu.Unlock()

	var res Resolved
	err := errors.New("no uploader configured")
	if c.uploader != nil {
		res, err = c.uploader.Upload(ctx, file, func(p int) { c.progress(id, p) })
	}

	c.mu.Lock()
	item = c.findLocked(id)
	if item == nil {
		c.mu.Unlock()
		return
	}
	if err != nil {
		item.Status = StatusError
		item.Error = err.Error()
		c.logger.Warn("upload failed", "file", file.Name, "error", err)
	} else {
		item.Status = StatusSuccess
		item.Progress = 100
		item.ServerFileID = res.ID
		item.ServerPath = res.Path
		if res.Filename == "" {
			res.Filename = file.Name
		}
		c.resolved = append(c.resolved, resolvedEntry{itemID: id, Resolved: res})
		c.logger.Info("upload finished", "file", file.Name, "file_id", res.ID)
	}
	snapshot := c.changeLocked()
	c.mu.Unlock()
	c.notify(snapshot)
}

func (c *Coordinator) progress(id string, percent int) {
	percent = max(0, min(100, percent))
	c.mu.Lock()
	item := c.findLocked(id)
	if item == nil || item.Status != StatusUploading || percent <= item.Progress {
		c.mu.Unlock()
		return
	}
	item.Progress = percent
	snapshot := c.changeLocked()
	c.mu.Unlock()
	c.notify(snapshot)
}

func (c *Coordinator) findLocked(id string) *Item {
	for _, item := range c.items {
		if item.ID == id {
			return item
		}
	}
	return nil
}

func (c *Coordinator) snapshotLocked() []Item {
	out := make([]Item, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, *item)
	}
	return out
}

func (c *Coordinator) changeLocked() change {
	c.seq++
	return change{seq: c.seq, items: c.snapshotLocked()}
}

// notify delivers ch unless a later snapshot already went out.
func (c *Coordinator) notify(ch change) {
	if c.onChange == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if ch.seq <= c.delivered {
		return
	}
	c.delivered = ch.seq
	c.onChange(ch.items)
}
