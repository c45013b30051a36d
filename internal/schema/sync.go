package schema

import "time"

// TaskSync is a client-submitted task mutation for the sync endpoint.
// Fields mirror Task but everything except ID is optional so that soft
// deletes can be expressed with just {id, deleted}.
type TaskSync struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    Priority   `json:"priority,omitempty"`
	Status      Status     `json:"status,omitempty"`
	Category    string     `json:"category,omitempty"`
	Tags        []string   `json:"tags"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	Deleted     bool       `json:"deleted"`
}

// Task converts the mutation into a Task scoped to the given workspace,
// with defaults applied. Embedding and UpdatedAt are left for the
// reconciler to fill in.
func (ts *TaskSync) Task(workspaceID string) *Task {
	t := &Task{
		WorkspaceID: workspaceID,
		ID:          ts.ID,
		Title:       ts.Title,
		Description: ts.Description,
		Priority:    ts.Priority,
		Status:      ts.Status,
		Category:    ts.Category,
		Tags:        ts.Tags,
		DueDate:     ts.DueDate,
	}
	t.SetDefaults()
	return t
}

// EdgeSync is a client-submitted edge mutation for the sync endpoint.
// Edges are matched by the unordered {Source, Target} pair.
type EdgeSync struct {
	Source  string   `json:"source"`
	Target  string   `json:"target"`
	Weight  *float64 `json:"weight,omitempty"`
	Deleted bool     `json:"deleted"`
}

// EffectiveWeight returns the submitted weight, or 0.5 when omitted.
func (es *EdgeSync) EffectiveWeight() float64 {
	if es.Weight == nil {
		return 0.5
	}
	return *es.Weight
}

// SyncRequest is the body of POST /api/sync. LastSyncAt is accepted for
// client bookkeeping but does not influence the merge.
type SyncRequest struct {
	Tasks      []TaskSync `json:"tasks"`
	Edges      []EdgeSync `json:"edges"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// SyncStats counts the outcome of one sync batch.
type SyncStats struct {
	TasksCreated int `json:"tasks_created"`
	TasksUpdated int `json:"tasks_updated"`
	TasksDeleted int `json:"tasks_deleted"`
	EdgesCreated int `json:"edges_created"`
	EdgesUpdated int `json:"edges_updated"`
	EdgesDeleted int `json:"edges_deleted"`
}

// SyncResponse returns the full workspace snapshot after a merge so the
// client can resynchronize local state in one round trip.
type SyncResponse struct {
	Tasks    []*Task   `json:"tasks"`
	Edges    []*Edge   `json:"edges"`
	Stats    SyncStats `json:"sync_stats"`
	SyncedAt time.Time `json:"synced_at"`
}
