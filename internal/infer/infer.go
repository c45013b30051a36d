// Package infer derives weighted edges between tasks that share tags.
package infer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"

	"github.com/linkdo/linkdo/internal/schema"
	"github.com/linkdo/linkdo/internal/store"
)

// Engine computes and inserts tag-overlap edges for newly created tasks.
type Engine struct {
	store  store.Store
	logger *log.Logger
}

// New creates an inference engine. If logger is nil, a default logger
// writing to stderr is used.
func New(st store.Store, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[infer] ", log.LstdFlags)
	}
	return &Engine{store: st, logger: logger}
}

// InferEdges connects task to every existing task in the same workspace
// that shares at least one tag, and returns the edges it created.
//
// The weight is |common| / max(|task.Tags|, |other.Tags|), rounded to two
// decimal places. The denominator is the larger tag-set size, not the
// union size; both create paths use this same formula.
//
// Pairs that already have an edge are skipped. Edge creation is
// best-effort: a failed insert is logged and the loop continues, so a
// task insert is never rolled back over its inferred edges.
func (e *Engine) InferEdges(ctx context.Context, task *schema.Task) ([]*schema.Edge, error) {
	if len(task.Tags) == 0 {
		return nil, nil
	}

	candidates, err := e.store.TasksWithAnyTag(ctx, task.WorkspaceID, task.Tags, task.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to find tag candidates: %w", err)
	}

	var created []*schema.Edge
	for _, candidate := range candidates {
		common := intersectCount(task.Tags, candidate.Tags)
		if common == 0 {
			continue
		}

		_, err := e.store.EdgeBetween(ctx, task.WorkspaceID, task.ID, candidate.ID)
		if err == nil {
			continue // pair already connected
		}
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Printf("WARNING: edge lookup %s<->%s failed: %v", task.ID, candidate.ID, err)
			continue
		}

		edge := &schema.Edge{
			WorkspaceID: task.WorkspaceID,
			Source:      task.ID,
			Target:      candidate.ID,
			Weight:      Weight(task.Tags, candidate.Tags),
		}
		if err := e.store.InsertEdge(ctx, edge); err != nil {
			e.logger.Printf("WARNING: failed to insert inferred edge %s<->%s: %v", task.ID, candidate.ID, err)
			continue
		}
		created = append(created, edge)
	}

	return created, nil
}

// Weight returns the inference weight for two tag sets:
// |a ∩ b| / max(|a|, |b|), rounded to 2 decimal places.
func Weight(a, b []string) float64 {
	common := intersectCount(a, b)
	denom := len(a)
	if len(b) > denom {
		denom = len(b)
	}
	if denom == 0 {
		return 0
	}
	return math.Round(float64(common)/float64(denom)*100) / 100
}

func intersectCount(a, b []string) int {
	set := make(map[string]struct{}, len(a))
	for _, tag := range a {
		set[tag] = struct{}{}
	}
	n := 0
	for _, tag := range b {
		if _, ok := set[tag]; ok {
			n++
			delete(set, tag) // count duplicates once
		}
	}
	return n
}
