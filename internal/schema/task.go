// Package schema defines the wire and storage types for the linkdo task graph.
package schema

import (
	"fmt"
	"strings"
	"time"
)

// Priority is the task priority level.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// IsValid reports whether p is a known priority value.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Status is the task workflow state.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
)

// IsValid reports whether s is a known status value.
func (s Status) IsValid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// Task is a node in the workspace graph.
// (WorkspaceID, ID) is the unique key; IDs are client-generated.
// UpdatedAt drives last-write-wins conflict resolution during sync and is
// nil for tasks that were never touched by the sync path.
type Task struct {
	WorkspaceID string     `json:"workspace_id"`
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	Category    string     `json:"category"`
	Tags        []string   `json:"tags"`
	Embedding   []float32  `json:"embedding"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// Validate checks that the task has valid field values.
func (t *Task) Validate() error {
	if t.WorkspaceID == "" {
		return fmt.Errorf("workspace_id is required")
	}
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if !t.Priority.IsValid() {
		return fmt.Errorf("invalid priority: %q", t.Priority)
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid status: %q", t.Status)
	}
	return nil
}

// SetDefaults applies default values for omitted fields.
func (t *Task) SetDefaults() {
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Status == "" {
		t.Status = StatusTodo
	}
	if t.Category == "" {
		t.Category = "general"
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
}

// EmbeddingText is the canonical text fed to the embedding model:
// title, description, then the tags joined by spaces.
func (t *Task) EmbeddingText() string {
	return fmt.Sprintf("%s %s %s", t.Title, t.Description, strings.Join(t.Tags, " "))
}

// HasTag reports whether the task carries the given tag.
func (t *Task) HasTag(tag string) bool {
	for _, have := range t.Tags {
		if have == tag {
			return true
		}
	}
	return false
}
