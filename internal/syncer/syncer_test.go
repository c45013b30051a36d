package syncer

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/linkdo/linkdo/internal/embedding"
	"github.com/linkdo/linkdo/internal/infer"
	"github.com/linkdo/linkdo/internal/schema"
	"github.com/linkdo/linkdo/internal/store"
)

var testVector = []float32{0.1, 0.2}

func okEmbedder() embedding.Embedder {
	return embedding.Func(func(context.Context, string) ([]float32, error) {
		return testVector, nil
	})
}

func failingEmbedder() embedding.Embedder {
	return embedding.Func(func(context.Context, string) ([]float32, error) {
		return nil, errors.New("embedding endpoint down")
	})
}

func setupReconciler(t *testing.T, embedder embedding.Embedder) (*Reconciler, *store.DB) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	logger := log.New(io.Discard, "", 0)
	return New(db, embedder, infer.New(db, logger), logger), db
}

func syncNow(t *testing.T, r *Reconciler, tasks []schema.TaskSync, edges []schema.EdgeSync) *schema.SyncResponse {
	t.Helper()
	resp, err := r.Sync(context.Background(), "ws1", tasks, edges, time.Now().UTC())
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	return resp
}

func TestSync_CreatesTaskAndInfersEdge(t *testing.T) {
	r, db := setupReconciler(t, okEmbedder())
	ctx := context.Background()

	// t0 exists on the server with the same tag before the client syncs.
	t0 := &schema.Task{
		WorkspaceID: "ws1",
		ID:          "t0",
		Title:       "existing",
		Priority:    schema.PriorityMedium,
		Status:      schema.StatusTodo,
		Category:    "general",
		Tags:        []string{"work"},
	}
	if err := db.InsertTask(ctx, t0); err != nil {
		t.Fatalf("InsertTask() failed: %v", err)
	}

	resp := syncNow(t, r, []schema.TaskSync{
		{ID: "t1", Title: "from client", Tags: []string{"work"}},
	}, nil)

	if resp.Stats.TasksCreated != 1 {
		t.Errorf("tasks created = %d, want 1", resp.Stats.TasksCreated)
	}

	edge, err := db.EdgeBetween(ctx, "ws1", "t1", "t0")
	if err != nil {
		t.Fatalf("inferred edge missing: %v", err)
	}
	if edge.Weight != 1.0 {
		t.Errorf("inferred weight = %g, want 1.0", edge.Weight)
	}

	if len(resp.Tasks) != 2 || len(resp.Edges) != 1 {
		t.Errorf("snapshot = %d tasks, %d edges; want 2, 1", len(resp.Tasks), len(resp.Edges))
	}
}

func TestSync_Idempotent(t *testing.T) {
	r, _ := setupReconciler(t, okEmbedder())

	batchTasks := []schema.TaskSync{
		{ID: "t1", Title: "one", Tags: []string{"work"}},
		{ID: "t2", Title: "two", Tags: []string{"work"}},
	}

	first := syncNow(t, r, batchTasks, nil)
	if first.Stats.TasksCreated != 2 || first.Stats.EdgesCreated != 0 {
		t.Fatalf("first sync stats = %+v", first.Stats)
	}
	if len(first.Edges) != 1 {
		t.Fatalf("first sync snapshot has %d edges, want 1 inferred", len(first.Edges))
	}

	second := syncNow(t, r, batchTasks, nil)
	if second.Stats.TasksCreated != 0 || second.Stats.TasksUpdated != 2 {
		t.Errorf("second sync stats = %+v, want 0 created / 2 updated", second.Stats)
	}
	if len(second.Tasks) != 2 || len(second.Edges) != 1 {
		t.Errorf("second sync snapshot = %d tasks, %d edges; want 2, 1", len(second.Tasks), len(second.Edges))
	}
}

func TestSync_LastWriterWins(t *testing.T) {
	r, db := setupReconciler(t, okEmbedder())
	ctx := context.Background()

	serverTime := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	existing := &schema.Task{
		WorkspaceID: "ws1",
		ID:          "t1",
		Title:       "server title",
		Priority:    schema.PriorityMedium,
		Status:      schema.StatusTodo,
		Category:    "general",
		Tags:        []string{},
		UpdatedAt:   &serverTime,
	}
	if err := db.InsertTask(ctx, existing); err != nil {
		t.Fatalf("InsertTask() failed: %v", err)
	}

	// Stale client mutation: server copy stays.
	stale := serverTime.Add(-time.Hour)
	resp := syncNow(t, r, []schema.TaskSync{
		{ID: "t1", Title: "stale client title", UpdatedAt: &stale},
	}, nil)
	if resp.Stats.TasksUpdated != 0 {
		t.Errorf("stale mutation updated %d tasks, want 0", resp.Stats.TasksUpdated)
	}
	got, err := db.GetTask(ctx, "ws1", "t1")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if got.Title != "server title" {
		t.Errorf("stale mutation applied: title = %q", got.Title)
	}

	// Newer client mutation wins.
	fresh := serverTime.Add(time.Hour)
	resp = syncNow(t, r, []schema.TaskSync{
		{ID: "t1", Title: "fresh client title", UpdatedAt: &fresh},
	}, nil)
	if resp.Stats.TasksUpdated != 1 {
		t.Errorf("fresh mutation updated %d tasks, want 1", resp.Stats.TasksUpdated)
	}
	got, err = db.GetTask(ctx, "ws1", "t1")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if got.Title != "fresh client title" {
		t.Errorf("fresh mutation not applied: title = %q", got.Title)
	}
	if got.UpdatedAt == nil || !got.UpdatedAt.After(serverTime) {
		t.Errorf("UpdatedAt not restamped: %v", got.UpdatedAt)
	}
}

func TestSync_MissingTimestampApplies(t *testing.T) {
	r, db := setupReconciler(t, okEmbedder())
	ctx := context.Background()

	serverTime := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	existing := &schema.Task{
		WorkspaceID: "ws1",
		ID:          "t1",
		Title:       "server title",
		Priority:    schema.PriorityMedium,
		Status:      schema.StatusTodo,
		Category:    "general",
		Tags:        []string{},
		UpdatedAt:   &serverTime,
	}
	if err := db.InsertTask(ctx, existing); err != nil {
		t.Fatalf("InsertTask() failed: %v", err)
	}

	// No client timestamp: the comparison cannot be made, so the
	// mutation applies.
	resp := syncNow(t, r, []schema.TaskSync{{ID: "t1", Title: "untimestamped"}}, nil)
	if resp.Stats.TasksUpdated != 1 {
		t.Errorf("untimestamped mutation updated %d tasks, want 1", resp.Stats.TasksUpdated)
	}
	got, err := db.GetTask(ctx, "ws1", "t1")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if got.Title != "untimestamped" {
		t.Errorf("title = %q, want untimestamped", got.Title)
	}
}

func TestSync_DeleteCascadesEdges(t *testing.T) {
	r, db := setupReconciler(t, okEmbedder())
	ctx := context.Background()

	first := syncNow(t, r, []schema.TaskSync{
		{ID: "t1", Title: "one", Tags: []string{"work"}},
		{ID: "t2", Title: "two", Tags: []string{"work"}},
	}, nil)
	if len(first.Edges) != 1 {
		t.Fatalf("expected 1 inferred edge, got %d", len(first.Edges))
	}

	resp := syncNow(t, r, []schema.TaskSync{{ID: "t1", Deleted: true}}, nil)
	if resp.Stats.TasksDeleted != 1 {
		t.Errorf("tasks deleted = %d, want 1", resp.Stats.TasksDeleted)
	}
	if len(resp.Tasks) != 1 || len(resp.Edges) != 0 {
		t.Errorf("snapshot after delete = %d tasks, %d edges; want 1, 0", len(resp.Tasks), len(resp.Edges))
	}

	edges, err := db.ListEdges(ctx, "ws1")
	if err != nil {
		t.Fatalf("ListEdges() failed: %v", err)
	}
	if len(edges) != 0 {
		t.Errorf("orphan edges remain: %d", len(edges))
	}

	// Deleting an absent task is a no-op, not an error.
	resp = syncNow(t, r, []schema.TaskSync{{ID: "t1", Deleted: true}}, nil)
	if resp.Stats.TasksDeleted != 0 {
		t.Errorf("repeated delete counted: %d", resp.Stats.TasksDeleted)
	}
}

func TestSync_EdgeReversedUpdatesExisting(t *testing.T) {
	r, db := setupReconciler(t, okEmbedder())
	ctx := context.Background()

	syncNow(t, r, []schema.TaskSync{
		{ID: "a", Title: "a"},
		{ID: "b", Title: "b"},
	}, nil)
	w := 0.4
	syncNow(t, r, nil, []schema.EdgeSync{{Source: "a", Target: "b", Weight: &w}})

	// Same pair reversed must update, not duplicate.
	w2 := 0.8
	resp := syncNow(t, r, nil, []schema.EdgeSync{{Source: "b", Target: "a", Weight: &w2}})
	if resp.Stats.EdgesUpdated != 1 || resp.Stats.EdgesCreated != 0 {
		t.Errorf("reversed edge stats = %+v, want 1 updated / 0 created", resp.Stats)
	}

	edges, err := db.ListEdges(ctx, "ws1")
	if err != nil {
		t.Fatalf("ListEdges() failed: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("edge count = %d, want 1", len(edges))
	}
	if edges[0].Weight != 0.8 {
		t.Errorf("weight = %g, want 0.8", edges[0].Weight)
	}
}

func TestSync_EdgeDefaultWeight(t *testing.T) {
	r, db := setupReconciler(t, okEmbedder())

	syncNow(t, r, []schema.TaskSync{
		{ID: "a", Title: "a"},
		{ID: "b", Title: "b"},
	}, nil)
	resp := syncNow(t, r, nil, []schema.EdgeSync{{Source: "a", Target: "b"}})
	if resp.Stats.EdgesCreated != 1 {
		t.Fatalf("edges created = %d, want 1", resp.Stats.EdgesCreated)
	}

	edge, err := db.EdgeBetween(context.Background(), "ws1", "a", "b")
	if err != nil {
		t.Fatalf("EdgeBetween() failed: %v", err)
	}
	if edge.Weight != 0.5 {
		t.Errorf("default weight = %g, want 0.5", edge.Weight)
	}
}

func TestSync_EdgeOutOfRangeWeightDropped(t *testing.T) {
	r, db := setupReconciler(t, okEmbedder())
	ctx := context.Background()

	syncNow(t, r, []schema.TaskSync{
		{ID: "a", Title: "a"},
		{ID: "b", Title: "b"},
		{ID: "c", Title: "c"},
	}, nil)
	good := 0.4
	syncNow(t, r, nil, []schema.EdgeSync{{Source: "a", Target: "b", Weight: &good}})

	// Out-of-range weight on an existing pair: dropped, weight untouched.
	bad := 1.5
	resp := syncNow(t, r, nil, []schema.EdgeSync{{Source: "a", Target: "b", Weight: &bad}})
	if resp.Stats.EdgesUpdated != 0 {
		t.Errorf("out-of-range update counted: %+v", resp.Stats)
	}
	edge, err := db.EdgeBetween(ctx, "ws1", "a", "b")
	if err != nil {
		t.Fatalf("EdgeBetween() failed: %v", err)
	}
	if edge.Weight != 0.4 {
		t.Errorf("weight = %g, want 0.4 unchanged", edge.Weight)
	}

	// Same weight on a new pair: dropped too, and the batch still
	// succeeds.
	negative := -0.1
	resp = syncNow(t, r, nil, []schema.EdgeSync{
		{Source: "b", Target: "c", Weight: &negative},
		{Source: "a", Target: "c", Weight: &good},
	})
	if resp.Stats.EdgesCreated != 1 {
		t.Errorf("edges created = %d, want 1 (bad record dropped, good one kept)", resp.Stats.EdgesCreated)
	}
	if _, err := db.EdgeBetween(ctx, "ws1", "b", "c"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("out-of-range edge persisted: %v", err)
	}
}

func TestSync_EdgeMissingEndpointDropped(t *testing.T) {
	r, db := setupReconciler(t, okEmbedder())

	syncNow(t, r, []schema.TaskSync{{ID: "a", Title: "a"}}, nil)

	resp := syncNow(t, r, nil, []schema.EdgeSync{{Source: "a", Target: "ghost"}})
	if resp.Stats.EdgesCreated != 0 {
		t.Errorf("edge to missing task created: %+v", resp.Stats)
	}

	edges, err := db.ListEdges(context.Background(), "ws1")
	if err != nil {
		t.Fatalf("ListEdges() failed: %v", err)
	}
	if len(edges) != 0 {
		t.Errorf("edges = %d, want 0", len(edges))
	}
}

func TestSync_EdgeReferencesTaskFromSameBatch(t *testing.T) {
	r, _ := setupReconciler(t, okEmbedder())

	// Tasks are applied before edges, so the edge's endpoints exist by
	// the time it is processed.
	resp := syncNow(t, r,
		[]schema.TaskSync{{ID: "a", Title: "a"}, {ID: "b", Title: "b"}},
		[]schema.EdgeSync{{Source: "a", Target: "b"}},
	)
	if resp.Stats.TasksCreated != 2 || resp.Stats.EdgesCreated != 1 {
		t.Errorf("stats = %+v, want 2 tasks / 1 edge created", resp.Stats)
	}
}

func TestSync_EdgeDeleted(t *testing.T) {
	r, db := setupReconciler(t, okEmbedder())

	syncNow(t, r,
		[]schema.TaskSync{{ID: "a", Title: "a"}, {ID: "b", Title: "b"}},
		[]schema.EdgeSync{{Source: "a", Target: "b"}},
	)

	resp := syncNow(t, r, nil, []schema.EdgeSync{{Source: "b", Target: "a", Deleted: true}})
	if resp.Stats.EdgesDeleted != 1 {
		t.Errorf("edges deleted = %d, want 1", resp.Stats.EdgesDeleted)
	}

	edges, err := db.ListEdges(context.Background(), "ws1")
	if err != nil {
		t.Fatalf("ListEdges() failed: %v", err)
	}
	if len(edges) != 0 {
		t.Errorf("edges = %d, want 0", len(edges))
	}

	// Deleting again is a no-op.
	resp = syncNow(t, r, nil, []schema.EdgeSync{{Source: "a", Target: "b", Deleted: true}})
	if resp.Stats.EdgesDeleted != 0 {
		t.Errorf("repeated edge delete counted: %d", resp.Stats.EdgesDeleted)
	}
}

func TestSync_EmbeddingFailureDegrades(t *testing.T) {
	r, db := setupReconciler(t, failingEmbedder())

	resp := syncNow(t, r, []schema.TaskSync{{ID: "t1", Title: "hello"}}, nil)
	if resp.Stats.TasksCreated != 1 {
		t.Fatalf("tasks created = %d, want 1", resp.Stats.TasksCreated)
	}

	got, err := db.GetTask(context.Background(), "ws1", "t1")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if len(got.Embedding) != 0 {
		t.Errorf("embedding = %v, want empty after failure", got.Embedding)
	}
}

func TestSync_EmptyBatchReturnsSnapshot(t *testing.T) {
	r, _ := setupReconciler(t, okEmbedder())

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	resp, err := r.Sync(context.Background(), "ws1", nil, nil, now)
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if resp.Tasks == nil || resp.Edges == nil {
		t.Error("snapshot slices are nil, want empty")
	}
	if resp.Stats != (schema.SyncStats{}) {
		t.Errorf("stats = %+v, want all zero", resp.Stats)
	}
	if !resp.SyncedAt.Equal(now) {
		t.Errorf("SyncedAt = %v, want %v", resp.SyncedAt, now)
	}
}

func TestSync_StatsAcrossMixedBatch(t *testing.T) {
	r, _ := setupReconciler(t, okEmbedder())

	syncNow(t, r,
		[]schema.TaskSync{{ID: "keep", Title: "keep"}, {ID: "gone", Title: "gone"}},
		nil,
	)

	resp := syncNow(t, r,
		[]schema.TaskSync{
			{ID: "keep", Title: "keep v2"},
			{ID: "gone", Deleted: true},
			{ID: "new", Title: "new"},
		},
		nil,
	)

	want := schema.SyncStats{TasksCreated: 1, TasksUpdated: 1, TasksDeleted: 1}
	if resp.Stats != want {
		t.Errorf("stats = %+v, want %+v", resp.Stats, want)
	}
}
