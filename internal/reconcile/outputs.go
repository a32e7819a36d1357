package reconcile

import (
	"encoding/json"
	"strconv"
	"time"
)

// OutputFile is one file produced by a turn.
type OutputFile struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	Path     string `json:"path,omitempty"`
}

// ExtractOutputFiles reads an artifact step output. Both the
// {output_files: [...]} manifest and the single-shot {output_file: "name"}
// form are understood.
func ExtractOutputFiles(output json.RawMessage) []OutputFile {
	if len(output) == 0 {
		return nil
	}
	var manifest struct {
		OutputFiles []OutputFile    `json:"output_files"`
		OutputFile  json.RawMessage `json:"output_file"`
	}
	if err := json.Unmarshal(output, &manifest); err != nil {
		return nil
	}
	if len(manifest.OutputFiles) > 0 {
		files := make([]OutputFile, 0, len(manifest.OutputFiles))
		for _, f := range manifest.OutputFiles {
			if f.FileID == "" && f.Filename == "" {
				continue
			}
			files = append(files, f)
		}
		return files
	}
	if len(manifest.OutputFile) == 0 {
		return nil
	}
	var name string
	if err := json.Unmarshal(manifest.OutputFile, &name); err == nil && name != "" {
		return []OutputFile{{FileID: name, Filename: name, Path: name}}
	}
	var single OutputFile
	if err := json.Unmarshal(manifest.OutputFile, &single); err == nil && (single.FileID != "" || single.Filename != "") {
		return []OutputFile{single}
	}
	return nil
}

// OutputFiles returns the manifest of the latest done artifact step.
func OutputFiles(records []Record, p Pipeline) []OutputFile {
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Step == p.ArtifactStep && rec.Status == StatusDone {
			return ExtractOutputFiles(rec.Output)
		}
	}
	return nil
}

// Insights is the textual result of a turn.
type Insights struct {
	Strategy    string          `json:"strategy,omitempty"`
	ManualSteps string          `json:"manual_steps,omitempty"`
	Analysis    string          `json:"analysis,omitempty"`
	Formulas    json.RawMessage `json:"formulas,omitempty"`
}

// Empty reports whether no insight was found.
func (in Insights) Empty() bool {
	return in.Strategy == "" && in.ManualSteps == "" && in.Analysis == "" && len(in.Formulas) == 0
}

// ExtractInsights reads strategy and manual steps from the latest done execute
// step and analysis text from the latest done insight step.
func ExtractInsights(records []Record, p Pipeline) Insights {
	var in Insights
	var haveExecute, haveAnalysis bool
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Status != StatusDone || len(rec.Output) == 0 {
			continue
		}
		switch {
		case rec.Step == StepExecute && !haveExecute:
			haveExecute = true
			var out struct {
				Strategy    string          `json:"strategy"`
				ManualSteps string          `json:"manual_steps"`
				Formulas    json.RawMessage `json:"formulas"`
			}
			if err := json.Unmarshal(rec.Output, &out); err == nil {
				in.Strategy = out.Strategy
				in.ManualSteps = out.ManualSteps
				if string(out.Formulas) != "null" {
					in.Formulas = out.Formulas
				}
			}
		case rec.Step == p.InsightStep && rec.Step != StepExecute && !haveAnalysis:
			haveAnalysis = true
			var out struct {
				Content json.RawMessage `json:"content"`
			}
			if err := json.Unmarshal(rec.Output, &out); err == nil {
				var text string
				if json.Unmarshal(out.Content, &text) == nil {
					in.Analysis = text
				}
			}
		}
	}
	return in
}

// HasError reports whether any record is in error.
func HasError(records []Record) bool {
	for _, rec := range records {
		if rec.Status == StatusError {
			return true
		}
	}
	return false
}

// FirstError returns the first step error, or nil.
func FirstError(records []Record) *StepError {
	for _, rec := range records {
		if rec.Status == StatusError && rec.Error != nil {
			return rec.Error
		}
	}
	return nil
}

// AllTerminal reports whether every record is done or error.
func AllTerminal(records []Record) bool {
	for _, rec := range records {
		if !rec.Status.Terminal() {
			return false
		}
	}
	return true
}

// Snapshot is a persisted step as returned by the transcript API.
type Snapshot struct {
	Step        StepName
	Key         string
	Status      string
	Output      json.RawMessage
	Error       json.RawMessage
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// FromHistory rebuilds terminal records from persisted steps without
// replaying intermediate states. A step persisted in any state other than
// done becomes an error.
func FromHistory(snapshots []Snapshot) ([]Record, Index) {
	records := make([]Record, 0, len(snapshots))
	for i, s := range snapshots {
		key := s.Key
		if key == "" {
			key = string(s.Step) + "-history-" + strconv.Itoa(i)
		}
		rec := Record{Step: s.Step, Key: key, CompletedAt: s.CompletedAt}
		if s.StartedAt != nil {
			rec.StartedAt = *s.StartedAt
		}
		if Status(s.Status) == StatusDone {
			rec.Status = StatusDone
			rec.Output = nullIsEmpty(s.Output)
		} else {
			rec.Status = StatusError
			rec.Error = NormalizeError(s.Error)
			if rec.Error == nil {
				rec.Error = &StepError{Message: "step did not complete"}
			}
		}
		if rec.CompletedAt == nil && s.StartedAt != nil {
			completed := *s.StartedAt
			rec.CompletedAt = &completed
		}
		records = append(records, rec)
	}
	return records, BuildIndex(records)
}
