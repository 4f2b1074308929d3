package tasks

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS task_records (
	id               TEXT PRIMARY KEY,
	project_path     TEXT NOT NULL,
	title            TEXT NOT NULL,
	description      TEXT,
	status           TEXT NOT NULL DEFAULT 'open',
	priority         TEXT NOT NULL DEFAULT 'medium',
	assignee         TEXT,
	dependencies     TEXT,
	labels           TEXT,
	estimated_hours  REAL,
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_records_project ON task_records(project_path);
`

// SQLiteStore is the external task-store collaborator, persisted to sqlite. Scoped per
// project_path rather than a single global table, since the core only ever queries "all tasks
// for this project" (ListTasks) rather than by global ID.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if absent) a sqlite-backed task store at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create task store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save upserts one task, scoped to projectPath.
func (s *SQLiteStore) Save(projectPath string, r Record) error {
	deps, err := json.Marshal(r.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}
	labels, err := json.Marshal(r.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO task_records (id, project_path, title, description, status, priority,
			assignee, dependencies, labels, estimated_hours, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, description=excluded.description, status=excluded.status,
			priority=excluded.priority, assignee=excluded.assignee,
			dependencies=excluded.dependencies, labels=excluded.labels,
			estimated_hours=excluded.estimated_hours`,
		r.ID, projectPath, r.Title, r.Description, string(r.Status), string(r.Priority),
		r.Assignee, string(deps), string(labels), r.EstimatedHours,
		r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save task %s: %w", r.ID, err)
	}
	return nil
}

// SetStatus updates one task's status in place. cmd/fleetd's task-completion webhook calls it to
// record a completion or failure its caller reported; the Queue and Assigner never call it.
func (s *SQLiteStore) SetStatus(id string, status Status) error {
	_, err := s.db.Exec(`UPDATE task_records SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set status for task %s: %w", id, err)
	}
	return nil
}

// Delete removes a task.
func (s *SQLiteStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM task_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// ListTasks implements Store: every task recorded for projectPath, in no particular order (Queue
// re-sorts after extracting hints and computing blocked-by state).
func (s *SQLiteStore) ListTasks(projectPath string) []Record {
	rows, err := s.db.Query(`
		SELECT id, title, description, status, priority, assignee, dependencies, labels,
			estimated_hours, created_at
		FROM task_records WHERE project_path = ?`, projectPath)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var status, priority, deps, labels, createdAt string
		var assignee sql.NullString
		var estHours sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.Title, &r.Description, &status, &priority, &assignee,
			&deps, &labels, &estHours, &createdAt); err != nil {
			continue
		}
		r.Status = Status(status)
		r.Priority = Priority(priority)
		r.Assignee = assignee.String
		_ = json.Unmarshal([]byte(deps), &r.Dependencies)
		_ = json.Unmarshal([]byte(labels), &r.Labels)
		if estHours.Valid {
			h := estHours.Float64
			r.EstimatedHours = &h
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, r)
	}
	return out
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
