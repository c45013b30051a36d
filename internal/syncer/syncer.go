// Package syncer merges offline client mutation batches into server state.
//
// The merge is last-writer-wins on the task updated_at timestamp: the
// simplest convergent policy for an offline-first client without vector
// clocks. The response carries the full workspace snapshot so the client
// can resynchronize local state in one round trip.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/linkdo/linkdo/internal/embedding"
	"github.com/linkdo/linkdo/internal/infer"
	"github.com/linkdo/linkdo/internal/schema"
	"github.com/linkdo/linkdo/internal/store"
)

// Reconciler applies sync batches against the store.
type Reconciler struct {
	store    store.Store
	embedder embedding.Embedder
	engine   *infer.Engine
	logger   *log.Logger
}

// New creates a Reconciler. If logger is nil, a default logger writing to
// stderr is used.
func New(st store.Store, embedder embedding.Embedder, engine *infer.Engine, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Reconciler{
		store:    st,
		embedder: embedder,
		engine:   engine,
		logger:   logger,
	}
}

// Sync merges the client batch into the workspace and returns the full
// post-merge snapshot with statistics.
//
// All tasks are processed before any edge, in submission order, so edges
// may reference tasks created earlier in the same batch. Per-item
// conflicts, missing references, and embedding failures never fail the
// batch; only store failures abort.
func (r *Reconciler) Sync(ctx context.Context, workspaceID string, tasks []schema.TaskSync, edges []schema.EdgeSync, now time.Time) (*schema.SyncResponse, error) {
	var stats schema.SyncStats

	for i := range tasks {
		if err := r.syncTask(ctx, workspaceID, &tasks[i], now, &stats); err != nil {
			return nil, fmt.Errorf("task %s: %w", tasks[i].ID, err)
		}
	}

	for i := range edges {
		if err := r.syncEdge(ctx, workspaceID, &edges[i], &stats); err != nil {
			return nil, fmt.Errorf("edge %s<->%s: %w", edges[i].Source, edges[i].Target, err)
		}
	}

	snapshotTasks, err := r.store.ListTasks(ctx, workspaceID, store.TaskFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to load task snapshot: %w", err)
	}
	snapshotEdges, err := r.store.ListEdges(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load edge snapshot: %w", err)
	}
	if snapshotTasks == nil {
		snapshotTasks = []*schema.Task{}
	}
	if snapshotEdges == nil {
		snapshotEdges = []*schema.Edge{}
	}

	r.logger.Printf("Synced workspace %s: +%d/~%d/-%d tasks, +%d/~%d/-%d edges",
		workspaceID,
		stats.TasksCreated, stats.TasksUpdated, stats.TasksDeleted,
		stats.EdgesCreated, stats.EdgesUpdated, stats.EdgesDeleted)

	return &schema.SyncResponse{
		Tasks:    snapshotTasks,
		Edges:    snapshotEdges,
		Stats:    stats,
		SyncedAt: now,
	}, nil
}

func (r *Reconciler) syncTask(ctx context.Context, workspaceID string, mut *schema.TaskSync, now time.Time, stats *schema.SyncStats) error {
	existing, err := r.store.GetTask(ctx, workspaceID, mut.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if mut.Deleted {
		if existing == nil {
			return nil // already gone, not an error
		}
		if _, err := r.store.DeleteEdgesForTask(ctx, workspaceID, mut.ID); err != nil {
			return err
		}
		if err := r.store.DeleteTask(ctx, workspaceID, mut.ID); err != nil {
			return err
		}
		stats.TasksDeleted++
		return nil
	}

	if existing != nil {
		// Server wins only when both sides carry a timestamp and the
		// server's is strictly newer.
		if existing.UpdatedAt != nil && mut.UpdatedAt != nil && mut.UpdatedAt.Before(*existing.UpdatedAt) {
			return nil
		}

		task := mut.Task(workspaceID)
		task.Embedding = r.embed(ctx, task)
		task.UpdatedAt = &now
		if err := r.store.UpdateTask(ctx, task); err != nil {
			return err
		}
		stats.TasksUpdated++
		return nil
	}

	task := mut.Task(workspaceID)
	task.Embedding = r.embed(ctx, task)
	task.UpdatedAt = &now
	if err := r.store.InsertTask(ctx, task); err != nil {
		return err
	}
	stats.TasksCreated++

	// Inference runs against the mid-batch task set so tasks created
	// earlier in this batch are candidates too.
	if _, err := r.engine.InferEdges(ctx, task); err != nil {
		r.logger.Printf("WARNING: edge inference for %s failed: %v", task.ID, err)
	}
	return nil
}

func (r *Reconciler) syncEdge(ctx context.Context, workspaceID string, mut *schema.EdgeSync, stats *schema.SyncStats) error {
	existing, err := r.store.EdgeBetween(ctx, workspaceID, mut.Source, mut.Target)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if mut.Deleted {
		if existing == nil {
			return nil
		}
		if err := r.store.DeleteEdge(ctx, workspaceID, mut.Source, mut.Target); err != nil {
			return err
		}
		stats.EdgesDeleted++
		return nil
	}

	// Bad weights are dropped like edges with missing endpoints: one
	// malformed record must not fail the batch, and the update path must
	// not persist what the insert path would reject.
	weight := mut.EffectiveWeight()
	if weight < 0 || weight > 1 {
		r.logger.Printf("Dropping edge %s<->%s: weight %g out of range", mut.Source, mut.Target, weight)
		return nil
	}

	if existing != nil {
		if err := r.store.UpdateEdgeWeight(ctx, workspaceID, mut.Source, mut.Target, weight); err != nil {
			return err
		}
		stats.EdgesUpdated++
		return nil
	}

	// New edges require both endpoints to exist right now; this is
	// stricter than nothing-at-all and mutations referencing unknown
	// tasks are silently dropped.
	for _, id := range []string{mut.Source, mut.Target} {
		if _, err := r.store.GetTask(ctx, workspaceID, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				r.logger.Printf("Dropping edge %s<->%s: task %s does not exist", mut.Source, mut.Target, id)
				return nil
			}
			return err
		}
	}

	edge := &schema.Edge{
		WorkspaceID: workspaceID,
		Source:      mut.Source,
		Target:      mut.Target,
		Weight:      weight,
	}
	if err := r.store.InsertEdge(ctx, edge); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil // raced with inference, the pair is connected either way
		}
		return err
	}
	stats.EdgesCreated++
	return nil
}

// embed computes the task embedding, degrading to an empty vector on
// failure so one bad embedding call cannot fail the batch.
func (r *Reconciler) embed(ctx context.Context, task *schema.Task) []float32 {
	vec, err := r.embedder.Embed(ctx, task.EmbeddingText())
	if err != nil {
		r.logger.Printf("WARNING: embedding for task %s failed, storing empty vector: %v", task.ID, err)
		return []float32{}
	}
	if vec == nil {
		vec = []float32{}
	}
	return vec
}
