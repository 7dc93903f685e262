package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"github.com/caat/taskwatch/internal/core/ports"
	"github.com/caat/taskwatch/internal/domain"
)

const (
	defaultFetchLimit     = 50
	maxFetchLimit         = 10000
	defaultFetchBatchSize = 10
)

// DefaultOperations wires the built-in operation for every known kind.
func DefaultOperations(artifacts ports.ArtifactStore, stepDelay time.Duration) map[domain.TaskKind]ports.Operation {
	export := &ExportOperation{Artifacts: artifacts, StepDelay: stepDelay}
	ops := map[domain.TaskKind]ports.Operation{
		domain.TaskKindContentFetch: &ContentFetchOperation{StepDelay: stepDelay},
	}
	for _, k := range []domain.TaskKind{
		domain.TaskKindJSON, domain.TaskKindMarkdown, domain.TaskKindCSV,
		domain.TaskKindHTML, domain.TaskKindPDF, domain.TaskKindWord,
	} {
		ops[k] = export
	}
	return ops
}

// ExportOperation writes a manifest of the task in the format its kind names. PDF and
// WORD kinds receive the plain-text rendering; a real renderer plugs in as another Operation.
type ExportOperation struct {
	Artifacts ports.ArtifactStore
	StepDelay time.Duration
}

type manifestField struct {
	Name  string
	Value string
}

func (o *ExportOperation) Run(ctx context.Context, task domain.TaskRecord, progress ports.ProgressReporter) (ports.OperationResult, error) {
	if !task.Kind.IsExport() {
		return ports.OperationResult{}, fmt.Errorf("%w: %s is not an export", ErrTaskInvalidInput, task.Kind)
	}

	if err := progress.Progress(ctx, 10, "Collecting task data"); err != nil {
		return ports.OperationResult{}, err
	}
	if err := pause(ctx, o.StepDelay); err != nil {
		return ports.OperationResult{}, err
	}
	fields := manifestFields(task)

	if err := progress.Progress(ctx, 50, fmt.Sprintf("Rendering %s document", task.Kind)); err != nil {
		return ports.OperationResult{}, err
	}
	if err := pause(ctx, o.StepDelay); err != nil {
		return ports.OperationResult{}, err
	}
	body, err := renderManifest(task.Kind, fields)
	if err != nil {
		return ports.OperationResult{}, fmt.Errorf("failed to render %s: %w", task.Kind, err)
	}

	if err := progress.Progress(ctx, 90, "Storing document"); err != nil {
		return ports.OperationResult{}, err
	}
	name := task.ID + "." + task.Kind.FileExtension()
	location, size, err := o.Artifacts.Save(ctx, name, bytes.NewReader(body))
	if err != nil {
		return ports.OperationResult{}, fmt.Errorf("failed to store artifact: %w", err)
	}
	return ports.OperationResult{ResultLocation: location, ResultSize: size}, nil
}

func manifestFields(task domain.TaskRecord) []manifestField {
	fields := []manifestField{
		{"id", task.ID},
		{"kind", string(task.Kind)},
		{"category", string(task.Category)},
		{"owner", task.Owner},
		{"created_at", task.CreatedAt.UTC().Format(time.RFC3339)},
	}
	keys := make([]string, 0, len(task.Parameters))
	for k := range task.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, manifestField{"parameters." + k, fmt.Sprint(task.Parameters[k])})
	}
	return fields
}

var manifestHTML = template.Must(template.New("manifest").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Task export</title></head>
<body><h1>Task export</h1>
<table>
{{range .}}<tr><th>{{.Name}}</th><td>{{.Value}}</td></tr>
{{end}}</table>
</body></html>
`))

func renderManifest(kind domain.TaskKind, fields []manifestField) ([]byte, error) {
	var buf bytes.Buffer
	switch kind {
	case domain.TaskKindJSON:
		doc := make(map[string]string, len(fields))
		for _, f := range fields {
			doc[f.Name] = f.Value
		}
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return nil, err
		}
	case domain.TaskKindCSV:
		w := csv.NewWriter(&buf)
		_ = w.Write([]string{"field", "value"})
		for _, f := range fields {
			_ = w.Write([]string{f.Name, f.Value})
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
	case domain.TaskKindMarkdown:
		buf.WriteString("# Task export\n\n| Field | Value |\n|---|---|\n")
		for _, f := range fields {
			fmt.Fprintf(&buf, "| %s | %s |\n", f.Name, strings.ReplaceAll(f.Value, "|", `\|`))
		}
	case domain.TaskKindHTML:
		if err := manifestHTML.Execute(&buf, fields); err != nil {
			return nil, err
		}
	default:
		buf.WriteString("Task export\n\n")
		for _, f := range fields {
			fmt.Fprintf(&buf, "%s: %s\n", f.Name, f.Value)
		}
	}
	return buf.Bytes(), nil
}

// ContentFetchOperation walks a counted batch loop standing in for an external
// platform pull. parameters.limit sets the total.
type ContentFetchOperation struct {
	StepDelay time.Duration
	BatchSize int
}

func (o *ContentFetchOperation) Run(ctx context.Context, task domain.TaskRecord, progress ports.ProgressReporter) (ports.OperationResult, error) {
	total, err := fetchLimit(task.Parameters)
	if err != nil {
		return ports.OperationResult{}, err
	}
	batch := o.BatchSize
	if batch <= 0 {
		batch = defaultFetchBatchSize
	}

	if err := progress.Counts(ctx, 0, &total, fmt.Sprintf("Fetching up to %d items", total)); err != nil {
		return ports.OperationResult{}, err
	}
	for fetched := 0; fetched < total; {
		if err := pause(ctx, o.StepDelay); err != nil {
			return ports.OperationResult{}, err
		}
		fetched += batch
		if fetched > total {
			fetched = total
		}
		if err := progress.Counts(ctx, fetched, &total, fmt.Sprintf("Fetched %d of %d items", fetched, total)); err != nil {
			return ports.OperationResult{}, err
		}
	}
	return ports.OperationResult{}, nil
}

func fetchLimit(params domain.JSONB) (int, error) {
	raw, ok := params["limit"]
	if !ok || raw == nil {
		return defaultFetchLimit, nil
	}
	var limit int
	switch v := raw.(type) {
	case float64:
		limit = int(v)
	case int:
		limit = v
	case int64:
		limit = int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: limit must be a whole number", ErrTaskInvalidInput)
		}
		limit = int(n)
	default:
		return 0, fmt.Errorf("%w: limit must be a number", ErrTaskInvalidInput)
	}
	if limit <= 0 || limit > maxFetchLimit {
		return 0, fmt.Errorf("%w: limit must be between 1 and %d", ErrTaskInvalidInput, maxFetchLimit)
	}
	return limit, nil
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
