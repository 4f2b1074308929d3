// Package tasks implements TaskQueue & AutoAssigner: builds an ordered queue of
// open tasks with dependency blocking, matches them to idle agents under role rules and rate
// limits, and emits assignment events. Grounded directly on ODSapper-CLIAIMONITOR's
// internal/tasks/types.go (TaskStatus/Task struct shape) and internal/tasks/queue.go (the
// thread-safe priority-ordered Queue), generalized to a collaborator-owned TaskRecord lifecycle
// (open/in_progress/done/failed).
package tasks

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Status is a TaskRecord's lifecycle state. TaskRecords are owned by an external
// task store; the core only reads them and never mutates status directly.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Priority is a TaskRecord's declared urgency.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PriorityBacklog  Priority = "backlog"
)

// priorityRank is the numeric ordering: critical=1, high=2, medium=3, low=4, backlog=5
// (lower = more urgent).
var priorityRank = map[Priority]int{
	PriorityCritical: 1,
	PriorityHigh:     2,
	PriorityMedium:   3,
	PriorityLow:      4,
	PriorityBacklog:  5,
}

func rankOf(p Priority) int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityBacklog]
}

// Record is a TaskRecord as supplied by the external task-store collaborator.
type Record struct {
	ID             string
	Title          string
	Description    string
	Status         Status
	Priority       Priority
	Assignee       string // role, optional
	CreatedAt      time.Time
	Dependencies   []string
	Labels         []string
	EstimatedHours *float64
}

// Queued is a QueuedTask: a projection over open Records, rebuilt from the task store on every
// queue refresh.
type Queued struct {
	TaskID         string
	RequiredRole   string
	TaskType       string
	Dependencies   []string
	BlockedBy      []string // subset of Dependencies whose task is open or in progress
	Priority       int      // numeric, lower = higher urgency
	CreatedAt      time.Time
	EstimatedHours *float64
}

// AssignmentStatus is an Assignment's lifecycle state.
type AssignmentStatus string

const (
	AssignmentActive    AssignmentStatus = "active"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentFailed    AssignmentStatus = "failed"
)

// Assignment records one task→agent binding. Appended once per assignment, never deleted.
type Assignment struct {
	TaskID      string
	AgentID     string
	SessionName string
	AssignedAt  time.Time
	Status      AssignmentStatus
	CompletedAt *time.Time
}

// dependsOnPattern extracts "depends on: a,b,c" hints from a task description.
var dependsOnPattern = regexp.MustCompile(`(?i)depends on:\s*([a-zA-Z0-9,\-_\s]+)`)

// estimatedPattern extracts "estimated: 8h" hints.
var estimatedPattern = regexp.MustCompile(`(?i)estimated:\s*([0-9]+(?:\.[0-9]+)?)\s*h`)

// labelsPattern extracts "labels: x,y" hints.
var labelsPattern = regexp.MustCompile(`(?i)labels:\s*([a-zA-Z0-9,\-_\s]+)`)

// extractHints parses the optional description-embedded hints. Any hint absent from the
// description leaves the corresponding Record field untouched (hints only supplement, never
// override, explicitly-set fields).
func extractHints(r *Record) {
	if len(r.Dependencies) == 0 {
		if m := dependsOnPattern.FindStringSubmatch(r.Description); m != nil {
			r.Dependencies = splitTrim(m[1])
		}
	}
	if r.EstimatedHours == nil {
		if m := estimatedPattern.FindStringSubmatch(r.Description); m != nil {
			if h, err := strconv.ParseFloat(m[1], 64); err == nil {
				r.EstimatedHours = &h
			}
		}
	}
	if len(r.Labels) == 0 {
		if m := labelsPattern.FindStringSubmatch(r.Description); m != nil {
			r.Labels = splitTrim(m[1])
		}
	}
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// taskTypeOf derives a task's type from its labels: the first label is the type, and a task with
// no labels has none. Labels are not checked against any taskType vocabulary. The spec leaves taskType's source to the collaborator — this is the core's own
// derivation when the store only furnishes labels.
func taskTypeOf(r Record) string {
	if len(r.Labels) == 0 {
		return ""
	}
	return r.Labels[0]
}
