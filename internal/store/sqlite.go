package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/linkdo/linkdo/internal/schema"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB is the SQLite-backed Store implementation.
//
// The database runs embedded with WAL mode so concurrent readers are not
// blocked by writers. Tags are stored as a JSON array string and queried
// through json_each; embeddings are stored as little-endian float32 blobs.
type DB struct {
	conn *sql.DB
	path string
}

var _ Store = (*DB)(nil)

// Open creates a database connection at the specified path, creating the
// parent directory if needed. The caller must call Close when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// Close closes the database connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// Ping implements Store.Ping.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// InitSchema creates the tasks and edges tables if they don't exist.
// Idempotent - safe to call multiple times.
func (db *DB) InitSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS tasks (
		workspace_id TEXT NOT NULL,
		id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'medium',
		status TEXT NOT NULL DEFAULT 'todo',
		category TEXT NOT NULL DEFAULT 'general',
		tags TEXT NOT NULL DEFAULT '[]',  -- JSON array
		embedding BLOB,                   -- little-endian float32
		due_date TEXT,
		updated_at TEXT,
		PRIMARY KEY (workspace_id, id)
	);

	CREATE TABLE IF NOT EXISTS edges (
		workspace_id TEXT NOT NULL,
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		weight REAL NOT NULL DEFAULT 0.5,
		PRIMARY KEY (workspace_id, source, target)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(workspace_id, status);
	CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(workspace_id, source);
	CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(workspace_id, target);
	`

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

const taskColumns = `workspace_id, id, title, description, priority, status,
	category, tags, embedding, due_date, updated_at`

// GetTask implements Store.GetTask.
func (db *DB) GetTask(ctx context.Context, workspaceID, id string) (*schema.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE workspace_id = ? AND id = ?`
	row := db.conn.QueryRowContext(ctx, query, workspaceID, id)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks implements Store.ListTasks.
func (db *DB) ListTasks(ctx context.Context, workspaceID string, filter TaskFilter) ([]*schema.Task, error) {
	var (
		query string
		args  []any
	)

	if filter.Tag != "" {
		// DISTINCT guards against a tag appearing twice in one array.
		query = `SELECT DISTINCT ` + prefixColumns("t.") + `
			FROM tasks t, json_each(t.tags)
			WHERE t.workspace_id = ? AND json_each.value = ?
			ORDER BY t.id`
		args = []any{workspaceID, filter.Tag}
	} else {
		query = `SELECT ` + taskColumns + ` FROM tasks WHERE workspace_id = ? ORDER BY id`
		args = []any{workspaceID}
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// TasksWithAnyTag implements Store.TasksWithAnyTag.
func (db *DB) TasksWithAnyTag(ctx context.Context, workspaceID string, tags []string, excludeID string) ([]*schema.Task, error) {
	if len(tags) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
	query := `SELECT DISTINCT ` + prefixColumns("t.") + `
		FROM tasks t, json_each(t.tags)
		WHERE t.workspace_id = ? AND t.id != ? AND json_each.value IN (` + placeholders + `)
		ORDER BY t.id`

	args := make([]any, 0, len(tags)+2)
	args = append(args, workspaceID, excludeID)
	for _, tag := range tags {
		args = append(args, tag)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by tag: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// InsertTask implements Store.InsertTask.
func (db *DB) InsertTask(ctx context.Context, task *schema.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	tagsJSON, err := json.Marshal(task.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	query := `
	INSERT INTO tasks (` + taskColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(workspace_id, id) DO NOTHING
	`

	res, err := db.conn.ExecContext(ctx, query,
		task.WorkspaceID,
		task.ID,
		task.Title,
		task.Description,
		string(task.Priority),
		string(task.Status),
		task.Category,
		string(tagsJSON),
		embeddingToBlob(task.Embedding),
		timeToNullString(task.DueDate),
		timeToNullString(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", task.ID, ErrDuplicate)
	}
	return nil
}

// UpdateTask implements Store.UpdateTask.
func (db *DB) UpdateTask(ctx context.Context, task *schema.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	tagsJSON, err := json.Marshal(task.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	query := `
	UPDATE tasks SET
		title = ?, description = ?, priority = ?, status = ?,
		category = ?, tags = ?, embedding = ?, due_date = ?, updated_at = ?
	WHERE workspace_id = ? AND id = ?
	`

	res, err := db.conn.ExecContext(ctx, query,
		task.Title,
		task.Description,
		string(task.Priority),
		string(task.Status),
		task.Category,
		string(tagsJSON),
		embeddingToBlob(task.Embedding),
		timeToNullString(task.DueDate),
		timeToNullString(task.UpdatedAt),
		task.WorkspaceID,
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}
	return nil
}

// DeleteTask implements Store.DeleteTask.
func (db *DB) DeleteTask(ctx context.Context, workspaceID, id string) error {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM tasks WHERE workspace_id = ? AND id = ?`, workspaceID, id)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListTags implements Store.ListTags.
func (db *DB) ListTags(ctx context.Context, workspaceID string) ([]string, error) {
	query := `
	SELECT DISTINCT json_each.value
	FROM tasks, json_each(tasks.tags)
	WHERE tasks.workspace_id = ?
	ORDER BY json_each.value
	`

	rows, err := db.conn.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	defer rows.Close()

	tags := []string{}
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tags: %w", err)
	}
	return tags, nil
}

// ListEdges implements Store.ListEdges.
func (db *DB) ListEdges(ctx context.Context, workspaceID string) ([]*schema.Edge, error) {
	query := `SELECT workspace_id, source, target, weight FROM edges
		WHERE workspace_id = ? ORDER BY source, target`

	rows, err := db.conn.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	defer rows.Close()

	var edges []*schema.Edge
	for rows.Next() {
		var edge schema.Edge
		if err := rows.Scan(&edge.WorkspaceID, &edge.Source, &edge.Target, &edge.Weight); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, &edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edges: %w", err)
	}
	return edges, nil
}

// EdgeBetween implements Store.EdgeBetween.
func (db *DB) EdgeBetween(ctx context.Context, workspaceID, a, b string) (*schema.Edge, error) {
	query := `
	SELECT workspace_id, source, target, weight FROM edges
	WHERE workspace_id = ?
	  AND ((source = ? AND target = ?) OR (source = ? AND target = ?))
	`

	var edge schema.Edge
	err := db.conn.QueryRowContext(ctx, query, workspaceID, a, b, b, a).
		Scan(&edge.WorkspaceID, &edge.Source, &edge.Target, &edge.Weight)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query edge %s<->%s: %w", a, b, err)
	}
	return &edge, nil
}

// InsertEdge implements Store.InsertEdge.
//
// The unordered-pair uniqueness check and the insert are separate
// statements; concurrent inserts of the reversed pair can race. Accepted
// weak-consistency trade-off, matching the check-then-insert sync path.
func (db *DB) InsertEdge(ctx context.Context, edge *schema.Edge) error {
	if err := edge.Validate(); err != nil {
		return fmt.Errorf("invalid edge: %w", err)
	}

	if _, err := db.EdgeBetween(ctx, edge.WorkspaceID, edge.Source, edge.Target); err == nil {
		return fmt.Errorf("edge %s<->%s: %w", edge.Source, edge.Target, ErrDuplicate)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO edges (workspace_id, source, target, weight) VALUES (?, ?, ?, ?)`,
		edge.WorkspaceID, edge.Source, edge.Target, edge.Weight)
	if err != nil {
		return fmt.Errorf("failed to insert edge %s<->%s: %w", edge.Source, edge.Target, err)
	}
	return nil
}

// UpdateEdgeWeight implements Store.UpdateEdgeWeight.
func (db *DB) UpdateEdgeWeight(ctx context.Context, workspaceID, a, b string, weight float64) error {
	query := `
	UPDATE edges SET weight = ?
	WHERE workspace_id = ?
	  AND ((source = ? AND target = ?) OR (source = ? AND target = ?))
	`

	res, err := db.conn.ExecContext(ctx, query, weight, workspaceID, a, b, b, a)
	if err != nil {
		return fmt.Errorf("failed to update edge %s<->%s: %w", a, b, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update edge %s<->%s: %w", a, b, err)
	}
	if n == 0 {
		return fmt.Errorf("edge %s<->%s: %w", a, b, ErrNotFound)
	}
	return nil
}

// DeleteEdge implements Store.DeleteEdge.
func (db *DB) DeleteEdge(ctx context.Context, workspaceID, a, b string) error {
	query := `
	DELETE FROM edges
	WHERE workspace_id = ?
	  AND ((source = ? AND target = ?) OR (source = ? AND target = ?))
	`

	res, err := db.conn.ExecContext(ctx, query, workspaceID, a, b, b, a)
	if err != nil {
		return fmt.Errorf("failed to delete edge %s<->%s: %w", a, b, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete edge %s<->%s: %w", a, b, err)
	}
	if n == 0 {
		return fmt.Errorf("edge %s<->%s: %w", a, b, ErrNotFound)
	}
	return nil
}

// DeleteEdgesForTask implements Store.DeleteEdgesForTask.
func (db *DB) DeleteEdgesForTask(ctx context.Context, workspaceID, taskID string) (int, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM edges WHERE workspace_id = ? AND (source = ? OR target = ?)`,
		workspaceID, taskID, taskID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete edges for task %s: %w", taskID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete edges for task %s: %w", taskID, err)
	}
	return int(n), nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*schema.Task, error) {
	var (
		task               schema.Task
		tagsJSON           string
		embedding          []byte
		dueDate, updatedAt sql.NullString
	)

	err := row.Scan(
		&task.WorkspaceID,
		&task.ID,
		&task.Title,
		&task.Description,
		&task.Priority,
		&task.Status,
		&task.Category,
		&tagsJSON,
		&embedding,
		&dueDate,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if tagsJSON != "" && tagsJSON != "null" {
		if err := json.Unmarshal([]byte(tagsJSON), &task.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}
	if task.Tags == nil {
		task.Tags = []string{}
	}

	task.Embedding = blobToEmbedding(embedding)
	task.DueDate = nullStringToTime(dueDate)
	task.UpdatedAt = nullStringToTime(updatedAt)

	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*schema.Task, error) {
	var tasks []*schema.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func prefixColumns(prefix string) string {
	cols := strings.Split(taskColumns, ",")
	for i, c := range cols {
		cols[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// embeddingToBlob encodes a vector as little-endian float32 bytes.
// Empty vectors are stored as NULL.
func embeddingToBlob(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// blobToEmbedding decodes little-endian float32 bytes into a vector.
func blobToEmbedding(b []byte) []float32 {
	if len(b) == 0 {
		return []float32{}
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
