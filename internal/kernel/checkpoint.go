// Package kernel implements the Control Kernel: the process-wide session
// registry, the wiring between every other component, and process lifecycle (start/stop).
package kernel

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_name     TEXT PRIMARY KEY,
	agent_id         TEXT NOT NULL,
	role             TEXT NOT NULL,
	team_id          TEXT,
	member_id        TEXT,
	project_path     TEXT NOT NULL,
	runtime_kind     TEXT NOT NULL,
	status           TEXT NOT NULL,
	working_status   TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	last_activity_at TEXT NOT NULL
);
`

// Checkpoint persists the session registry so a restart can reattach monitors to sessions the
// SessionBackend still knows about. Grounded on ODSapper-CLIAIMONITOR's internal/persistence
// JSON-file pattern, generalized to a queryable store since the Kernel restore path needs to
// join against live backend state, not just replay a blob.
type Checkpoint struct {
	db *sql.DB
}

// OpenCheckpoint opens (creating if absent) a sqlite-backed checkpoint store at path.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Checkpoint{db: db}, nil
}

// Save upserts one session's checkpointed metadata.
func (c *Checkpoint) Save(s Session) error {
	_, err := c.db.Exec(`
		INSERT INTO sessions (session_name, agent_id, role, team_id, member_id, project_path,
			runtime_kind, status, working_status, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_name) DO UPDATE SET
			agent_id=excluded.agent_id, role=excluded.role, team_id=excluded.team_id,
			member_id=excluded.member_id, project_path=excluded.project_path,
			runtime_kind=excluded.runtime_kind, status=excluded.status,
			working_status=excluded.working_status, last_activity_at=excluded.last_activity_at`,
		s.SessionName, s.AgentID, s.Role, s.TeamID, s.MemberID, s.ProjectPath, s.RuntimeKind,
		string(s.Status), string(s.WorkingStatus), s.CreatedAt.UTC().Format(time.RFC3339Nano),
		s.LastActivityAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save session checkpoint: %w", err)
	}
	return nil
}

// Delete removes a session's checkpointed metadata (Kernel.Start calls it for a checkpointed
// session the backend no longer has).
func (c *Checkpoint) Delete(sessionName string) error {
	_, err := c.db.Exec(`DELETE FROM sessions WHERE session_name = ?`, sessionName)
	if err != nil {
		return fmt.Errorf("delete session checkpoint: %w", err)
	}
	return nil
}

// LoadAll returns every checkpointed session, for restore on Kernel.Start.
func (c *Checkpoint) LoadAll() ([]Session, error) {
	rows, err := c.db.Query(`
		SELECT session_name, agent_id, role, team_id, member_id, project_path, runtime_kind,
			status, working_status, created_at, last_activity_at
		FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("load session checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var status, workingStatus, createdAt, lastActivityAt string
		if err := rows.Scan(&s.SessionName, &s.AgentID, &s.Role, &s.TeamID, &s.MemberID,
			&s.ProjectPath, &s.RuntimeKind, &status, &workingStatus, &createdAt, &lastActivityAt); err != nil {
			return nil, fmt.Errorf("scan session checkpoint: %w", err)
		}
		s.Status = Status(status)
		s.WorkingStatus = WorkingStatus(workingStatus)
		s.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		s.LastActivityAt, _ = time.Parse(time.RFC3339Nano, lastActivityAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (c *Checkpoint) Close() error {
	return c.db.Close()
}
