package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestCanTransition(t *testing.T) {
	allowed := map[[2]TaskStatus]bool{
		{TaskStatusPending, TaskStatusPending}:   true,
		{TaskStatusPending, TaskStatusRunning}:   true,
		{TaskStatusPending, TaskStatusCancelled}: true,
		{TaskStatusRunning, TaskStatusRunning}:   true,
		{TaskStatusRunning, TaskStatusCompleted}: true,
		{TaskStatusRunning, TaskStatusFailed}:    true,
		{TaskStatusRunning, TaskStatusCancelled}: true,
	}
	all := []TaskStatus{TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]TaskStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestAbsorbTerminalIsSticky(t *testing.T) {
	// Every ordering of responses: once terminal is applied, status never changes.
	responses := []TaskStatus{
		TaskStatusRunning, TaskStatusPending, TaskStatusCompleted,
		TaskStatusRunning, TaskStatusFailed, TaskStatusPending, TaskStatusCancelled,
	}

	for start := range responses {
		rec := TaskRecord{ID: "t1", Status: TaskStatusPending}
		var terminal TaskStatus
		for i := start; i < start+len(responses); i++ {
			status := responses[i%len(responses)]
			rec.Absorb(TaskRecord{ID: "t1", Status: status, Progress: 10 * i})
			if terminal == "" && rec.Status.IsTerminal() {
				terminal = rec.Status
			}
			if terminal != "" {
				require.Equal(t, terminal, rec.Status, "start=%d step=%d", start, i)
			}
		}
	}
}

func TestAbsorbRejectsRegressionAndForeignRecords(t *testing.T) {
	rec := TaskRecord{ID: "t1", Status: TaskStatusRunning, Progress: 40}

	assert.False(t, rec.Absorb(TaskRecord{ID: "t1", Status: TaskStatusPending}))
	assert.False(t, rec.Absorb(TaskRecord{ID: "other", Status: TaskStatusCompleted}))
	assert.False(t, rec.Absorb(TaskRecord{ID: "t1", Status: "BOGUS"}))
	assert.Equal(t, TaskStatusRunning, rec.Status)
	assert.Equal(t, 40, rec.Progress)
}

func TestAbsorbToleratesPendingToCompleted(t *testing.T) {
	rec := TaskRecord{ID: "t1", Status: TaskStatusPending}

	ok := rec.Absorb(TaskRecord{ID: "t1", Status: TaskStatusCompleted, Progress: 100, ResultLocation: "/files/t1.docx"})

	assert.True(t, ok)
	assert.True(t, rec.Status.IsTerminal())
	assert.Equal(t, "/files/t1.docx", rec.ResultLocation)
}

func TestAbsorbKeepsImmutableFields(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := TaskRecord{ID: "t1", Kind: TaskKindWord, Category: TaskCategoryManual, Owner: "u1", CreatedAt: created, Status: TaskStatusPending}

	rec.Absorb(TaskRecord{ID: "t1", Kind: TaskKindPDF, Category: TaskCategoryScheduled, Owner: "u2", Status: TaskStatusRunning, Progress: 40})

	assert.Equal(t, TaskKindWord, rec.Kind)
	assert.Equal(t, TaskCategoryManual, rec.Category)
	assert.Equal(t, "u1", rec.Owner)
	assert.Equal(t, created, rec.CreatedAt)
	assert.Equal(t, 40, rec.Progress)
}

func TestAbsorbFillsSeededRecord(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := TaskRecord{ID: "t1", Status: TaskStatusPending}

	require.True(t, rec.Absorb(TaskRecord{ID: "t1", Kind: TaskKindCSV, Owner: "u1", CreatedAt: created, Status: TaskStatusRunning}))

	assert.Equal(t, TaskKindCSV, rec.Kind)
	assert.Equal(t, "u1", rec.Owner)
	assert.Equal(t, created, rec.CreatedAt)
}

func TestCompletionPercent(t *testing.T) {
	testCases := []struct {
		name   string
		record TaskRecord
		want   int
	}{
		{"progress only", TaskRecord{Progress: 35}, 35},
		{"zero total falls back to progress", TaskRecord{Progress: 12, FetchedCount: 3, TotalCount: intPtr(0)}, 12},
		{"fraction wins over progress", TaskRecord{Progress: 90, FetchedCount: 1, TotalCount: intPtr(4)}, 25},
		{"fraction rounds", TaskRecord{FetchedCount: 1, TotalCount: intPtr(3)}, 33},
		{"over-fetch clamps", TaskRecord{FetchedCount: 12, TotalCount: intPtr(10)}, 100},
		{"negative progress clamps", TaskRecord{Progress: -5}, 0},
		{"progress above 100 clamps", TaskRecord{Progress: 140}, 100},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.record.CompletionPercent())
		})
	}
}

func TestCompletionPercentMatchesFraction(t *testing.T) {
	for total := 1; total <= 50; total++ {
		for fetched := 0; fetched <= total+5; fetched++ {
			rec := TaskRecord{FetchedCount: fetched, TotalCount: intPtr(total), Progress: 7}
			got := rec.CompletionPercent()
			assert.GreaterOrEqual(t, got, 0)
			assert.LessOrEqual(t, got, 100)
			if fetched <= total {
				expected := float64(fetched) / float64(total) * 100
				assert.InDelta(t, expected, float64(got), 0.5)
			}
		}
	}
}

func TestParseCategoryAndKind(t *testing.T) {
	c, err := ParseTaskCategory(" manual ")
	require.NoError(t, err)
	assert.Equal(t, TaskCategoryManual, c)

	_, err = ParseTaskCategory("hourly")
	assert.ErrorIs(t, err, ErrInvalidCategory)

	k, err := ParseTaskKind("word")
	require.NoError(t, err)
	assert.Equal(t, TaskKindWord, k)
	assert.Equal(t, "docx", k.FileExtension())
	assert.True(t, k.IsExport())
	assert.False(t, TaskKindContentFetch.IsExport())

	_, err = ParseTaskKind("xlsx")
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestListQueryNormalize(t *testing.T) {
	assert.Equal(t, ListQuery{Page: 0, Size: DefaultPageSize}, ListQuery{Page: -3}.Normalize())
	assert.Equal(t, ListQuery{Page: 2, Size: MaxPageSize}, ListQuery{Page: 2, Size: 1000}.Normalize())
	assert.Equal(t, ListQuery{Page: 1, Size: 5}, ListQuery{Page: 1, Size: 5}.Normalize())
}

func TestStringListRoundTripsThroughColumn(t *testing.T) {
	v, err := StringList{"queued", "rendering"}.Value()
	require.NoError(t, err)

	var back StringList
	require.NoError(t, back.Scan([]byte(v.(string))))
	assert.Equal(t, StringList{"queued", "rendering"}, back)

	empty, err := StringList(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", empty)
}

func TestCloneDoesNotShare(t *testing.T) {
	orig := TaskRecord{TotalCount: intPtr(10), LogMessages: StringList{"a"}, Parameters: JSONB{"k": "v"}}
	c := orig.Clone()

	*c.TotalCount = 20
	c.LogMessages[0] = "b"
	c.Parameters["k"] = "w"

	assert.Equal(t, 10, *orig.TotalCount)
	assert.Equal(t, "a", orig.LogMessages[0])
	assert.Equal(t, "v", orig.Parameters["k"])
}

func TestPageHasActive(t *testing.T) {
	assert.False(t, TaskPage{}.HasActive())
	assert.False(t, TaskPage{Content: []TaskRecord{{Status: TaskStatusCompleted}, {Status: TaskStatusFailed}}}.HasActive())
	assert.True(t, TaskPage{Content: []TaskRecord{{Status: TaskStatusCompleted}, {Status: TaskStatusPending}}}.HasActive())
}
