package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ==================== ENUMS ====================

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition can leave s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the task is still queued or executing.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusPending || s == TaskStatusRunning
}

func (s TaskStatus) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

// rank orders statuses along the lifecycle; all terminal states share the top rank.
func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusPending:
		return 0
	case TaskStatusRunning:
		return 1
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return 2
	}
	return -1
}

// CanTransition reports whether the lifecycle graph allows moving from one status to
// another. Staying in the same non-terminal status is allowed so progress can be reported.
//
//	PENDING -> RUNNING -> COMPLETED | FAILED
//	PENDING | RUNNING -> CANCELLED
func CanTransition(from, to TaskStatus) bool {
	if from.IsTerminal() {
		return false
	}
	switch from {
	case TaskStatusPending:
		return to == TaskStatusPending || to == TaskStatusRunning || to == TaskStatusCancelled
	case TaskStatusRunning:
		return to == TaskStatusRunning || to == TaskStatusCompleted ||
			to == TaskStatusFailed || to == TaskStatusCancelled
	}
	return false
}

type TaskCategory string

const (
	TaskCategoryManual    TaskCategory = "MANUAL"
	TaskCategoryScheduled TaskCategory = "SCHEDULED"
)

func (c TaskCategory) Valid() bool {
	return c == TaskCategoryManual || c == TaskCategoryScheduled
}

// ParseTaskCategory accepts any letter case and surrounding whitespace.
func ParseTaskCategory(s string) (TaskCategory, error) {
	c := TaskCategory(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
	}
	return c, nil
}

type TaskKind string

const (
	TaskKindJSON         TaskKind = "JSON"
	TaskKindMarkdown     TaskKind = "MARKDOWN"
	TaskKindCSV          TaskKind = "CSV"
	TaskKindHTML         TaskKind = "HTML"
	TaskKindPDF          TaskKind = "PDF"
	TaskKindWord         TaskKind = "WORD"
	TaskKindContentFetch TaskKind = "CONTENT_FETCH"
)

var exportExtensions = map[TaskKind]string{
	TaskKindJSON:     "json",
	TaskKindMarkdown: "md",
	TaskKindCSV:      "csv",
	TaskKindHTML:     "html",
	TaskKindPDF:      "pdf",
	TaskKindWord:     "docx",
}

// IsExport reports whether the kind produces a downloadable document.
func (k TaskKind) IsExport() bool {
	_, ok := exportExtensions[k]
	return ok
}

func (k TaskKind) Valid() bool {
	return k.IsExport() || k == TaskKindContentFetch
}

// FileExtension is empty for kinds that produce no artifact.
func (k TaskKind) FileExtension() string {
	return exportExtensions[k]
}

func ParseTaskKind(s string) (TaskKind, error) {
	k := TaskKind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
	return k, nil
}

var (
	ErrInvalidCategory = errors.New("task: invalid category, expected MANUAL or SCHEDULED")
	ErrInvalidKind     = errors.New("task: invalid kind")
)

// ==================== JSON COLUMN TYPES ====================

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	}
	return errors.New("failed to scan JSONB: invalid type")
}

// StringList is stored as a JSON array.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, (*[]string)(l))
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(l))
	}
	return errors.New("failed to scan StringList: invalid type")
}

// ==================== ENTITIES ====================

// TaskRecord describes one long-running operation and its progress.
// ID, Category, Kind, Owner and CreatedAt never change after creation.
type TaskRecord struct {
	ID        string       `gorm:"type:uuid;primaryKey" json:"id"`
	Category  TaskCategory `gorm:"size:20;not null;index" json:"category"`
	Kind      TaskKind     `gorm:"size:32;not null;index" json:"kind"`
	Owner     string       `gorm:"size:64;index" json:"owner"`
	CreatedAt time.Time    `gorm:"index" json:"created_at"`

	Status         TaskStatus `gorm:"size:20;not null;default:'PENDING';index" json:"status"`
	Progress       int        `gorm:"not null;default:0" json:"progress"`
	FetchedCount   int        `gorm:"not null;default:0" json:"fetched_count"`
	TotalCount     *int       `json:"total_count,omitempty"`
	ErrorMessage   string     `gorm:"type:text" json:"error_message,omitempty"`
	ResultLocation string     `gorm:"size:512" json:"result_location,omitempty"`
	ResultSize     int64      `gorm:"default:0" json:"result_size,omitempty"`
	LogMessages    StringList `gorm:"type:jsonb" json:"log_messages"`
	Parameters     JSONB      `gorm:"type:jsonb" json:"parameters,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (TaskRecord) TableName() string {
	return "tasks"
}

// CompletionPercent is fetched/total when the total is known, otherwise the
// server-reported progress. The result is clamped to [0,100].
func (t TaskRecord) CompletionPercent() int {
	if t.TotalCount != nil && *t.TotalCount > 0 {
		return clampPercent(int(math.Round(float64(t.FetchedCount) / float64(*t.TotalCount) * 100)))
	}
	return clampPercent(t.Progress)
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// HasArtifact reports whether a finished document can be downloaded.
func (t TaskRecord) HasArtifact() bool {
	return t.Status == TaskStatusCompleted && t.ResultLocation != ""
}

// Absorb overwrites the mutable fields of t with those of a freshly fetched copy.
// It refuses (returns false) when t is already terminal, when fresh belongs to a
// different task, or when fresh would move the status backwards.
func (t *TaskRecord) Absorb(fresh TaskRecord) bool {
	if t.Status.IsTerminal() {
		return false
	}
	if t.ID != "" && fresh.ID != "" && fresh.ID != t.ID {
		return false
	}
	if !fresh.Status.Valid() || fresh.Status.rank() < t.Status.rank() {
		return false
	}

	prev := *t
	*t = fresh.Clone()
	// A record seeded from an id alone learns its immutable fields from the first fetch.
	if prev.ID != "" {
		t.ID = prev.ID
	}
	if prev.Category != "" {
		t.Category = prev.Category
	}
	if prev.Kind != "" {
		t.Kind = prev.Kind
	}
	if prev.Owner != "" {
		t.Owner = prev.Owner
	}
	if !prev.CreatedAt.IsZero() {
		t.CreatedAt = prev.CreatedAt
	}
	return true
}

// Clone returns a copy that shares no slices, maps or pointers with t.
func (t TaskRecord) Clone() TaskRecord {
	c := t
	if t.TotalCount != nil {
		total := *t.TotalCount
		c.TotalCount = &total
	}
	if t.LogMessages != nil {
		c.LogMessages = append(StringList(nil), t.LogMessages...)
	}
	if t.Parameters != nil {
		c.Parameters = make(JSONB, len(t.Parameters))
		for k, v := range t.Parameters {
			c.Parameters[k] = v
		}
	}
	if t.StartedAt != nil {
		at := *t.StartedAt
		c.StartedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return c
}

// ==================== PAGING ====================

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ListQuery selects one page of tasks ordered by creation time, newest first.
// Empty filter fields match everything.
type ListQuery struct {
	Category TaskCategory
	Owner    string
	Kind     TaskKind
	Page     int
	Size     int
}

// Normalize clamps paging to page >= 0 and 1 <= size <= MaxPageSize.
func (q ListQuery) Normalize() ListQuery {
	if q.Page < 0 {
		q.Page = 0
	}
	if q.Size <= 0 {
		q.Size = DefaultPageSize
	}
	if q.Size > MaxPageSize {
		q.Size = MaxPageSize
	}
	return q
}

type TaskPage struct {
	Content       []TaskRecord `json:"content"`
	TotalElements int64        `json:"total_elements"`
	Page          int          `json:"page"`
	Size          int          `json:"size"`
}

// HasActive reports whether any record on the page is still PENDING or RUNNING.
func (p TaskPage) HasActive() bool {
	for _, t := range p.Content {
		if t.Status.IsActive() {
			return true
		}
	}
	return false
}

func (p TaskPage) Clone() TaskPage {
	c := p
	if p.Content != nil {
		c.Content = make([]TaskRecord, len(p.Content))
		for i, t := range p.Content {
			c.Content[i] = t.Clone()
		}
	}
	return c
}
