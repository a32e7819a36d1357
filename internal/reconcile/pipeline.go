// Package reconcile folds streamed pipeline step events into an ordered list
// of step records.
package reconcile

import "fmt"

// StepName is one stage of the backend pipeline.
type StepName string

const (
	StepLoad     StepName = "load"
	StepAnalysis StepName = "analysis"
	StepGenerate StepName = "generate"
	StepValidate StepName = "validate"
	StepExecute  StepName = "execute"
	StepExport   StepName = "export"
	StepComplete StepName = "complete"
)

// Pipeline describes one step vocabulary and where its artifacts come from.
type Pipeline struct {
	Name string
	// Steps in pipeline order.
	Steps []StepName
	// CompletionStep is intercepted by the caller and never stored.
	CompletionStep StepName
	// ArtifactStep produces the output file manifest when done.
	ArtifactStep StepName
	// InsightStep carries strategy or analysis text.
	InsightStep StepName
	// RequireStageID rejects events without a correlation id.
	RequireStageID bool
}

// Staged is the load, generate, validate, execute, export pipeline.
func Staged() Pipeline {
	return Pipeline{
		Name:           "staged",
		Steps:          []StepName{StepLoad, StepGenerate, StepValidate, StepExecute, StepExport},
		CompletionStep: StepComplete,
		ArtifactStep:   StepExport,
		InsightStep:    StepExecute,
	}
}

// SingleShot is the load, analysis, generate, execute pipeline.
func SingleShot() Pipeline {
	return Pipeline{
		Name:           "single-shot",
		Steps:          []StepName{StepLoad, StepAnalysis, StepGenerate, StepExecute},
		CompletionStep: StepComplete,
		ArtifactStep:   StepExecute,
		InsightStep:    StepAnalysis,
	}
}

// ByName resolves a configured variant.
func ByName(name string) (Pipeline, error) {
	switch name {
	case "", "staged":
		return Staged(), nil
	case "single-shot":
		return SingleShot(), nil
	default:
		return Pipeline{}, fmt.Errorf("unknown pipeline variant %q", name)
	}
}

// IsCompletion reports whether ev is the synthetic completion marker.
func (p Pipeline) IsCompletion(ev Event) bool {
	return p.CompletionStep != "" && ev.Step == p.CompletionStep
}

// Knows reports whether step belongs to the vocabulary.
func (p Pipeline) Knows(step StepName) bool {
	for _, s := range p.Steps {
		if s == step {
			return true
		}
	}
	return false
}
