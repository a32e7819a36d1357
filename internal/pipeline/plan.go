package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Operation is one formula the plan writes into a cell.
type Operation struct {
	Cell        string `json:"cell"`
	Formula     string `json:"formula"`
	Description string `json:"description,omitempty"`
}

// Plan is the structured answer of the generate stage.
type Plan struct {
	Strategy    string      `json:"strategy"`
	ManualSteps string      `json:"manual_steps"`
	Operations  []Operation `json:"operations"`
}

const systemPrompt = `You plan spreadsheet formulas for the user's request.
Answer with exactly one JSON object and nothing else:
{"strategy": string, "manual_steps": string, "operations": [{"cell": string, "formula": string, "description": string}]}
Every formula starts with "=". Cells use A1 notation.`

func userPrompt(query string, sheets []Sheet, issues []string) string {
	var b strings.Builder
	b.WriteString("Request:\n")
	b.WriteString(query)
	if len(sheets) > 0 {
		manifest, _ := json.MarshalIndent(sheets, "", "  ")
		b.WriteString("\n\nFiles:\n")
		b.Write(manifest)
	}
	if len(issues) > 0 {
		b.WriteString("\n\nYour previous plan was rejected:\n- ")
		b.WriteString(strings.Join(issues, "\n- "))
		b.WriteString("\nReturn a corrected plan.")
	}
	return b.String()
}

// extractJSON trims code fences and prose around the first JSON object.
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return ""
	}
	return content[start : end+1]
}

// parsePlan validates generated content. The plan is usable only when issues
// is empty.
func parsePlan(content string) (Plan, []string) {
	raw := extractJSON(content)
	if raw == "" || !gjson.Valid(raw) {
		return Plan{}, []string{"plan is not a JSON object"}
	}

	var plan Plan
	var issues []string
	plan.Strategy = gjson.Get(raw, "strategy").String()
	plan.ManualSteps = gjson.Get(raw, "manual_steps").String()

	ops := gjson.Get(raw, "operations")
	if !ops.IsArray() || len(ops.Array()) == 0 {
		return plan, []string{"plan has no operations"}
	}
	for i, op := range ops.Array() {
		o := Operation{
			Cell:        strings.ToUpper(strings.TrimSpace(op.Get("cell").String())),
			Formula:     strings.TrimSpace(op.Get("formula").String()),
			Description: op.Get("description").String(),
		}
		if o.Cell == "" {
			issues = append(issues, fmt.Sprintf("operations[%d]: missing cell", i))
		}
		if !strings.HasPrefix(o.Formula, "=") {
			issues = append(issues, fmt.Sprintf("operations[%d]: formula must start with '='", i))
		}
		plan.Operations = append(plan.Operations, o)
	}
	if plan.Strategy == "" {
		issues = append(issues, "plan has no strategy")
	}
	return plan, issues
}

// aggregates maps request keywords to spreadsheet functions, first match wins.
var aggregates = []struct {
	keywords []string
	fn       string
}{
	{[]string{"average", "mean", "avg"}, "AVERAGE"},
	{[]string{"count", "how many"}, "COUNTA"},
	{[]string{"max", "highest", "largest"}, "MAX"},
	{[]string{"min", "lowest", "smallest"}, "MIN"},
	{[]string{"sum", "total", "add"}, "SUM"},
}

// maxPlannedColumns bounds the column summaries of the built-in planner.
const maxPlannedColumns = 5

// planFor builds a deterministic plan from the request and the first sheet.
// It serves when no chat model is configured.
func planFor(query string, sheets []Sheet) Plan {
	fn := "SUM"
	q := strings.ToLower(query)
	for _, a := range aggregates {
		matched := false
		for _, k := range a.keywords {
			if strings.Contains(q, k) {
				matched = true
				break
			}
		}
		if matched {
			fn = a.fn
			break
		}
	}

	source := "the sheet"
	columns := 1
	rows := 99
	if len(sheets) > 0 {
		s := sheets[0]
		source = s.Filename
		if len(s.Columns) > 0 {
			columns = len(s.Columns)
		}
		if s.Rows > 0 {
			rows = s.Rows
		}
	}
	last := rows + 1
	summaryRow := last + 1

	plan := Plan{
		Strategy: fmt.Sprintf("Apply %s to each data column of %s and add a row-wise %s in a new column.", fn, source, fn),
		ManualSteps: fmt.Sprintf("1. Open %s.\n2. Enter the formulas below in the listed cells.\n3. Fill the new column down to row %d.",
			source, last),
	}
	planned := min(columns, maxPlannedColumns)
	for i := 1; i <= planned; i++ {
		col := ColumnName(i)
		name := col
		if len(sheets) > 0 && i <= len(sheets[0].Columns) && sheets[0].Columns[i-1] != "" {
			name = sheets[0].Columns[i-1]
		}
		plan.Operations = append(plan.Operations, Operation{
			Cell:        fmt.Sprintf("%s%d", col, summaryRow),
			Formula:     fmt.Sprintf("=%s(%s2:%s%d)", fn, col, col, last),
			Description: fmt.Sprintf("%s of %s", fn, name),
		})
	}
	if columns > 1 {
		next := ColumnName(columns + 1)
		plan.Operations = append(plan.Operations, Operation{
			Cell:        next + "2",
			Formula:     fmt.Sprintf("=%s(A2:%s2)", fn, ColumnName(columns)),
			Description: fmt.Sprintf("Row %s, fill down", fn),
		})
	}
	return plan
}

// ColumnName converts a 1-based column index to its letter form.
func ColumnName(i int) string {
	var out []byte
	for i > 0 {
		i--
		out = append([]byte{byte('A' + i%26)}, out...)
		i /= 26
	}
	return string(out)
}
