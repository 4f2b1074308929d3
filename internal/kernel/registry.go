package kernel

import (
	"fmt"
	"sync"
	"time"
)

// Status is a Session's lifecycle state. Progresses monotonically except on
// explicit recovery, which resets it to StatusStarting, and on exit, which moves it to
// StatusInactive.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusStarting Status = "starting"
	StatusStarted  Status = "started"
	StatusActive   Status = "active"
)

var statusRank = map[Status]int{
	StatusInactive: 0,
	StatusStarting: 1,
	StatusStarted:  2,
	StatusActive:   3,
}

// WorkingStatus is a Session's task-activity state.
type WorkingStatus string

const (
	WorkingIdle       WorkingStatus = "idle"
	WorkingInProgress WorkingStatus = "in_progress"
)

// Session is the Kernel-owned record of one managed PTY-backed agent. At most one
// Session exists per SessionName at any time.
type Session struct {
	SessionName    string
	AgentID        string
	Role           string
	TeamID         string
	MemberID       string
	ProjectPath    string
	RuntimeKind    string
	Status         Status
	WorkingStatus  WorkingStatus
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Registry is the Kernel's exclusive session store; every other component holds only a
// weak reference (lookup by sessionName) into it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds a new Session. Returns an error if sessionName is already registered: at most
// one Session may exist per sessionName.
func (r *Registry) Register(s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.SessionName]; exists {
		return fmt.Errorf("session %q already registered", s.SessionName)
	}
	sc := s
	r.sessions[s.SessionName] = &sc
	return nil
}

// Get returns a copy of the named Session.
func (r *Registry) Get(sessionName string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionName]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns a copy of every registered Session.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// Unregister removes a Session, returning the last known copy if it existed.
func (r *Registry) Unregister(sessionName string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionName]
	if !ok {
		return Session{}, false
	}
	delete(r.sessions, sessionName)
	return *s, true
}

// SetStatus transitions a Session's status. A recovery reset (isRecoveryReset) and an exit to
// StatusInactive are the only allowed non-monotonic transitions.
func (r *Registry) SetStatus(sessionName string, status Status, isRecoveryReset bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionName]
	if !ok {
		return fmt.Errorf("session %q not found", sessionName)
	}
	if !isRecoveryReset && status != StatusInactive && statusRank[status] < statusRank[s.Status] {
		return fmt.Errorf("session %q status cannot regress from %s to %s outside recovery", sessionName, s.Status, status)
	}
	s.Status = status
	return nil
}

// SetWorkingStatus updates a Session's working status (idle/in_progress).
func (r *Registry) SetWorkingStatus(sessionName string, ws WorkingStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionName]
	if !ok {
		return fmt.Errorf("session %q not found", sessionName)
	}
	s.WorkingStatus = ws
	return nil
}

// Touch bumps a Session's LastActivityAt.
func (r *Registry) Touch(sessionName string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionName]; ok {
		s.LastActivityAt = at
	}
}
