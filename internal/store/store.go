// Package store provides workspace-scoped persistence for tasks and edges.
package store

import (
	"context"
	"errors"

	"github.com/linkdo/linkdo/internal/schema"
)

var (
	// ErrNotFound is returned when a referenced task or edge does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an insert collides with an existing
	// task id or edge pair.
	ErrDuplicate = errors.New("already exists")
)

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	// Tag restricts results to tasks carrying this tag (empty = all).
	Tag string
}

// Store is the document-store adapter consumed by the inference engine,
// the sync reconciler and the HTTP handlers. All operations are scoped to
// a workspace and individually atomic; callers performing multi-step
// check-then-insert sequences get no cross-operation isolation.
type Store interface {
	// GetTask returns the task with the given id, or ErrNotFound.
	GetTask(ctx context.Context, workspaceID, id string) (*schema.Task, error)

	// ListTasks returns all tasks in the workspace matching the filter.
	ListTasks(ctx context.Context, workspaceID string, filter TaskFilter) ([]*schema.Task, error)

	// TasksWithAnyTag returns tasks whose tag set intersects tags,
	// excluding the task with excludeID.
	TasksWithAnyTag(ctx context.Context, workspaceID string, tags []string, excludeID string) ([]*schema.Task, error)

	// InsertTask stores a new task, or ErrDuplicate if the id is taken.
	InsertTask(ctx context.Context, task *schema.Task) error

	// UpdateTask overwrites all fields of an existing task, or ErrNotFound.
	UpdateTask(ctx context.Context, task *schema.Task) error

	// DeleteTask removes a task, or ErrNotFound. Edges are not cascaded.
	DeleteTask(ctx context.Context, workspaceID, id string) error

	// ListTags returns the distinct tags used in the workspace, sorted.
	ListTags(ctx context.Context, workspaceID string) ([]string, error)

	// ListEdges returns all edges in the workspace.
	ListEdges(ctx context.Context, workspaceID string) ([]*schema.Edge, error)

	// EdgeBetween returns the edge connecting the unordered pair {a, b},
	// or ErrNotFound.
	EdgeBetween(ctx context.Context, workspaceID, a, b string) (*schema.Edge, error)

	// InsertEdge stores a new edge, or ErrDuplicate when an edge already
	// connects the unordered pair.
	InsertEdge(ctx context.Context, edge *schema.Edge) error

	// UpdateEdgeWeight sets the weight of the edge connecting the
	// unordered pair {a, b}, or ErrNotFound.
	UpdateEdgeWeight(ctx context.Context, workspaceID, a, b string, weight float64) error

	// DeleteEdge removes the edge connecting the unordered pair {a, b},
	// or ErrNotFound.
	DeleteEdge(ctx context.Context, workspaceID, a, b string) error

	// DeleteEdgesForTask removes every edge where the task is source or
	// target and returns how many were removed.
	DeleteEdgesForTask(ctx context.Context, workspaceID, taskID string) (int, error)

	// Ping verifies the underlying store is reachable.
	Ping(ctx context.Context) error
}
