// Package similarity ranks tasks by embedding cosine similarity.
package similarity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/linkdo/linkdo/internal/schema"
	"github.com/linkdo/linkdo/internal/store"
)

// DefaultLimit is the number of matches returned when no limit is given.
const DefaultLimit = 5

// ErrNoEmbedding is returned when the reference task has no embedding to
// compare against.
var ErrNoEmbedding = errors.New("task has no embedding")

// Match pairs a task with its similarity to the reference task.
type Match struct {
	Task       *schema.Task `json:"task"`
	Similarity float64      `json:"similarity"`
}

// Ranker finds the tasks most similar to a reference task.
type Ranker struct {
	store store.Store
}

// New creates a Ranker.
func New(st store.Store) *Ranker {
	return &Ranker{store: st}
}

// RankSimilar returns up to limit tasks ordered by descending cosine
// similarity to the reference task, ties broken by ascending task id for
// reproducibility. Candidates without an embedding are excluded rather
// than scored as zero.
//
// Returns store.ErrNotFound if the reference task is absent and
// ErrNoEmbedding if it has no embedding.
func (r *Ranker) RankSimilar(ctx context.Context, workspaceID, taskID string, limit int) ([]Match, error) {
	ref, err := r.store.GetTask(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}
	if len(ref.Embedding) == 0 {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNoEmbedding)
	}

	if limit <= 0 {
		limit = DefaultLimit
	}

	candidates, err := r.store.ListTasks(ctx, workspaceID, store.TaskFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}

	matches := []Match{}
	for _, candidate := range candidates {
		if candidate.ID == ref.ID {
			continue
		}
		if len(candidate.Embedding) == 0 {
			continue
		}
		matches = append(matches, Match{
			Task:       candidate,
			Similarity: Cosine(ref.Embedding, candidate.Embedding),
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Task.ID < matches[j].Task.ID
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Cosine returns the cosine similarity dot(a,b) / (|a|*|b|).
// It returns 0.0 for empty or mismatched-length vectors and when either
// magnitude is zero, guarding divide-by-zero instead of erroring.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0.0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
