package services

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caat/taskwatch/internal/domain"
	"github.com/caat/taskwatch/internal/infrastructure/storage"
)

type recordingReporter struct {
	progress []int
	fetched  []int
	total    *int
	messages []string
	err      error
}

func (r *recordingReporter) Progress(_ context.Context, percent int, message string) error {
	r.progress = append(r.progress, percent)
	r.messages = append(r.messages, message)
	return r.err
}

func (r *recordingReporter) Counts(_ context.Context, fetched int, total *int, message string) error {
	r.fetched = append(r.fetched, fetched)
	r.total = total
	r.messages = append(r.messages, message)
	return r.err
}

func (r *recordingReporter) Log(_ context.Context, message string) error {
	r.messages = append(r.messages, message)
	return r.err
}

func exportTask(kind domain.TaskKind) domain.TaskRecord {
	return domain.TaskRecord{
		ID:         "t1",
		Kind:       kind,
		Category:   domain.TaskCategoryManual,
		Owner:      "user-1",
		Parameters: domain.JSONB{"sort": "desc", "from": "2026-01-01"},
		CreatedAt:  time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestExportOperationStoresDocument(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)
	op := &ExportOperation{Artifacts: store}
	rep := &recordingReporter{}

	result, err := op.Run(context.Background(), exportTask(domain.TaskKindCSV), rep)

	require.NoError(t, err)
	assert.Equal(t, "t1.csv", result.ResultLocation)
	assert.Equal(t, []int{10, 50, 90}, rep.progress)

	rc, err := store.Open(context.Background(), result.ResultLocation)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), result.ResultSize)
	assert.Equal(t, "field,value\nid,t1\nkind,CSV\ncategory,MANUAL\nowner,user-1\ncreated_at,2026-03-01T08:00:00Z\nparameters.from,2026-01-01\nparameters.sort,desc\n", string(body))
}

func TestExportOperationStopsWhenReporterRefuses(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)
	op := &ExportOperation{Artifacts: store}

	_, err = op.Run(context.Background(), exportTask(domain.TaskKindPDF), &recordingReporter{err: ErrRunnerTaskNotRunning})
	assert.ErrorIs(t, err, ErrRunnerTaskNotRunning)

	_, err = store.Open(context.Background(), "t1.pdf")
	assert.Error(t, err, "nothing stored")

	_, err = op.Run(context.Background(), exportTask(domain.TaskKindContentFetch), &recordingReporter{})
	assert.ErrorIs(t, err, ErrTaskInvalidInput)
}

func TestRenderManifest(t *testing.T) {
	fields := manifestFields(exportTask(domain.TaskKindJSON))

	raw, err := renderManifest(domain.TaskKindJSON, fields)
	require.NoError(t, err)
	var doc map[string]string
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "user-1", doc["owner"])
	assert.Equal(t, "desc", doc["parameters.sort"])

	raw, err = renderManifest(domain.TaskKindMarkdown, []manifestField{{"note", "a|b"}})
	require.NoError(t, err)
	assert.Equal(t, "# Task export\n\n| Field | Value |\n|---|---|\n| note | a\\|b |\n", string(raw))

	raw, err = renderManifest(domain.TaskKindHTML, []manifestField{{"owner", "<script>"}})
	require.NoError(t, err)
	assert.Contains(t, string(raw), "<tr><th>owner</th><td>&lt;script&gt;</td></tr>")

	raw, err = renderManifest(domain.TaskKindWord, []manifestField{{"owner", "user-1"}})
	require.NoError(t, err)
	assert.Equal(t, "Task export\n\nowner: user-1\n", string(raw))
}

func TestFetchLimit(t *testing.T) {
	testCases := []struct {
		name    string
		params  domain.JSONB
		want    int
		wantErr bool
	}{
		{"default", nil, defaultFetchLimit, false},
		{"null", domain.JSONB{"limit": nil}, defaultFetchLimit, false},
		{"float from json", domain.JSONB{"limit": float64(25)}, 25, false},
		{"int", domain.JSONB{"limit": 7}, 7, false},
		{"json number", domain.JSONB{"limit": json.Number("300")}, 300, false},
		{"fractional json number", domain.JSONB{"limit": json.Number("2.5")}, 0, true},
		{"zero", domain.JSONB{"limit": 0}, 0, true},
		{"too large", domain.JSONB{"limit": maxFetchLimit + 1}, 0, true},
		{"string", domain.JSONB{"limit": "10"}, 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := fetchLimit(tc.params)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrTaskInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestContentFetchOperationReportsCounts(t *testing.T) {
	op := &ContentFetchOperation{BatchSize: 10}
	rep := &recordingReporter{}

	result, err := op.Run(context.Background(), domain.TaskRecord{
		ID:         "f1",
		Kind:       domain.TaskKindContentFetch,
		Parameters: domain.JSONB{"limit": float64(25)},
	}, rep)

	require.NoError(t, err)
	assert.Empty(t, result.ResultLocation)
	assert.Equal(t, []int{0, 10, 20, 25}, rep.fetched)
	require.NotNil(t, rep.total)
	assert.Equal(t, 25, *rep.total)
	assert.Equal(t, "Fetching up to 25 items", rep.messages[0])
	assert.Equal(t, "Fetched 25 of 25 items", rep.messages[len(rep.messages)-1])
}

func TestContentFetchOperationHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	op := &ContentFetchOperation{StepDelay: time.Hour}

	_, err := op.Run(ctx, domain.TaskRecord{Kind: domain.TaskKindContentFetch}, &recordingReporter{})

	assert.ErrorIs(t, err, context.Canceled)
}
