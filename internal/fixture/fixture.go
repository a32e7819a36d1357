// Package fixture loads recorded test scenarios. A case either runs its
// prompt through the pipeline against the scenario datasets or replays a
// scripted event sequence.
package fixture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/sheetloop/internal/pipeline"
)

// ErrNotFound is returned for unknown scenarios, cases and datasets.
var ErrNotFound = errors.New("fixture not found")

// Dataset is a spreadsheet shipped with a scenario.
type Dataset struct {
	File        string `yaml:"file" json:"file"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// ScriptedEvent is one event of a replayed case. An empty Event name sends a
// default step event.
type ScriptedEvent struct {
	Event string         `yaml:"event" json:"event,omitempty"`
	Data  map[string]any `yaml:"data" json:"data"`
	Delay time.Duration  `yaml:"delay" json:"delay,omitempty"`
}

// Case is one runnable fixture.
type Case struct {
	ID     string          `yaml:"id" json:"id"`
	Name   string          `yaml:"name" json:"name"`
	Prompt string          `yaml:"prompt" json:"prompt,omitempty"`
	Tags   []string        `yaml:"tags" json:"tags,omitempty"`
	Delay  time.Duration   `yaml:"delay" json:"-"`
	Events []ScriptedEvent `yaml:"events" json:"-"`
}

// Scripted reports whether the case replays events instead of running the pipeline.
func (c *Case) Scripted() bool {
	return len(c.Events) > 0
}

// Scenario groups cases over a set of datasets.
type Scenario struct {
	ID          string    `yaml:"id" json:"id"`
	Name        string    `yaml:"name" json:"name"`
	Description string    `yaml:"description" json:"description,omitempty"`
	Group       string    `yaml:"group" json:"group,omitempty"`
	Tags        []string  `yaml:"tags" json:"tags,omitempty"`
	Datasets    []Dataset `yaml:"datasets" json:"datasets,omitempty"`
	Cases       []Case    `yaml:"cases" json:"cases"`

	dir string
}

// Case returns the case with id.
func (s *Scenario) Case(id string) (*Case, error) {
	for i := range s.Cases {
		if s.Cases[i].ID == id {
			return &s.Cases[i], nil
		}
	}
	return nil, fmt.Errorf("case %s/%s: %w", s.ID, id, ErrNotFound)
}

// Inputs resolves the scenario datasets to pipeline inputs.
func (s *Scenario) Inputs() []pipeline.InputFile {
	out := make([]pipeline.InputFile, 0, len(s.Datasets))
	for _, ds := range s.Datasets {
		out = append(out, pipeline.InputFile{
			ID:       s.ID + "/" + ds.File,
			Filename: ds.File,
			Path:     filepath.Join(s.dir, ds.File),
		})
	}
	return out
}

// Catalog reads scenario files from a directory.
type Catalog struct {
	dir string
}

// NewCatalog creates a Catalog rooted at dir.
func NewCatalog(dir string) *Catalog {
	return &Catalog{dir: dir}
}

// List loads every *.yaml scenario ordered by id. A missing directory is an
// empty catalog.
func (c *Catalog) List() ([]*Scenario, error) {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read fixtures dir: %w", err)
	}
	var out []*Scenario
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		s, err := load(filepath.Join(c.dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Scenario finds a scenario by id.
func (c *Catalog) Scenario(id string) (*Scenario, error) {
	all, err := c.List()
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("scenario %s: %w", id, ErrNotFound)
}

// Dataset returns the on-disk path of a scenario dataset.
func (c *Catalog) Dataset(scenarioID, file string) (string, error) {
	s, err := c.Scenario(scenarioID)
	if err != nil {
		return "", err
	}
	for _, ds := range s.Datasets {
		if ds.File == file {
			return filepath.Join(s.dir, ds.File), nil
		}
	}
	return "", fmt.Errorf("dataset %s/%s: %w", scenarioID, file, ErrNotFound)
}

func load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if s.ID == "" {
		s.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if s.Name == "" {
		s.Name = s.ID
	}
	for i, cs := range s.Cases {
		if cs.ID == "" {
			return nil, fmt.Errorf("fixture %s: cases[%d].id is required", path, i)
		}
		if cs.Prompt == "" && len(cs.Events) == 0 {
			return nil, fmt.Errorf("fixture %s: cases[%d] needs a prompt or events", path, i)
		}
		if strings.Contains(cs.ID, "/") {
			return nil, fmt.Errorf("fixture %s: cases[%d].id must not contain '/'", path, i)
		}
	}
	s.dir = filepath.Dir(path)
	return &s, nil
}

// Sink receives replayed events.
type Sink interface {
	Send(ctx context.Context, name string, data []byte) error
}

// Replay sends the scripted events of c, pausing before each one for its own
// delay or the case delay.
func Replay(ctx context.Context, c *Case, sink Sink) error {
	for i, ev := range c.Events {
		delay := ev.Delay
		if delay == 0 {
			delay = c.Delay
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("encode event %d of %s: %w", i, c.ID, err)
		}
		if err := sink.Send(ctx, ev.Event, data); err != nil {
			return err
		}
	}
	return nil
}
