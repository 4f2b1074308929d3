package events

import (
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of event names the core publishes.
type Type string

const (
	TypeContextWarning    Type = "context_warning"
	TypeContextCritical   Type = "context_critical"
	TypeSessionExited     Type = "session_exited"
	TypeTaskAssigned      Type = "task_assigned"
	TypeTaskCompleted     Type = "task_completed"
	TypeTaskFailed        Type = "task_failed"
	TypeNoTasks           Type = "no_tasks"
	TypeAgentIdle         Type = "agent_idle"
	TypeBudgetWarning     Type = "budget_warning"
	TypeBudgetExceeded    Type = "budget_exceeded"

	// Soft-failure events.
	TypeRecoverySuppressed Type = "recovery_suppressed"
	TypeDailyLimit         Type = "daily_limit"
	TypeBufferCapped       Type = "buffer_capped"
	TypeAssignmentError    Type = "assignment_error"
	TypeSessionMissing     Type = "session_missing"
)

// AllTypes returns every event type the bus is ever asked to carry; used to validate
// subscription filters and in tests that want to subscribe to everything explicitly.
func AllTypes() []Type {
	return []Type{
		TypeContextWarning, TypeContextCritical, TypeSessionExited,
		TypeTaskAssigned, TypeTaskCompleted, TypeTaskFailed, TypeNoTasks,
		TypeAgentIdle, TypeBudgetWarning, TypeBudgetExceeded,
		TypeRecoverySuppressed, TypeDailyLimit, TypeBufferCapped,
		TypeAssignmentError, TypeSessionMissing,
	}
}

// Event is the flat JSON payload published on the bus.
type Event struct {
	ID            string                 `json:"id"`
	Type          Type                   `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	AgentID       string                 `json:"agentId,omitempty"`
	SessionName   string                 `json:"sessionName,omitempty"`
	TeamID        string                 `json:"teamId,omitempty"`
	MemberID      string                 `json:"memberId,omitempty"`
	TaskID        string                 `json:"taskId,omitempty"`
	ChangedField  string                 `json:"changedField,omitempty"`
	PreviousValue interface{}            `json:"previousValue,omitempty"`
	NewValue      interface{}            `json:"newValue,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// New creates an event with an auto-generated ID and the current timestamp.
func New(t Type, opts ...Option) *Event {
	e := &Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Option mutates an Event under construction; kept as small setter functions rather than a
// struct literal so call sites read like `events.New(events.TypeTaskAssigned, events.WithTaskID(id))`.
type Option func(*Event)

func WithAgentID(v string) Option      { return func(e *Event) { e.AgentID = v } }
func WithSessionName(v string) Option  { return func(e *Event) { e.SessionName = v } }
func WithTeamID(v string) Option       { return func(e *Event) { e.TeamID = v } }
func WithMemberID(v string) Option     { return func(e *Event) { e.MemberID = v } }
func WithTaskID(v string) Option       { return func(e *Event) { e.TaskID = v } }
func WithChange(field string, prev, next interface{}) Option {
	return func(e *Event) {
		e.ChangedField = field
		e.PreviousValue = prev
		e.NewValue = next
	}
}
func WithMetadata(m map[string]interface{}) Option { return func(e *Event) { e.Metadata = m } }
