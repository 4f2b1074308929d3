// Package exitmonitor implements ExitMonitor: watches a session's PTY output for
// an exit-pattern match and transitions it to inactive exactly once. Grounded on
// ODSapper-CLIAIMONITOR's internal/mcp/presence.go, whose SSEPresenceTracker tracks per-agent
// connect/disconnect state in sync.Maps and fires online/offline callbacks; generalized here from
// presence pings to PTY-output pattern matching.
package exitmonitor

import (
	"log"
	"regexp"
	"sync"

	"github.com/agentmux/fleetd/internal/activity"
	"github.com/agentmux/fleetd/internal/backend"
	"github.com/agentmux/fleetd/internal/events"
)

// StatusSetter is the seam back to the session registry so ExitMonitor can transition a
// session's status downward to inactive without importing the Kernel.
type StatusSetter interface {
	SetSessionInactive(sessionName string)
}

type watch struct {
	mu        sync.Mutex
	patterns  []*regexp.Regexp
	exited    bool
	unsubData backend.Unsubscribe
}

// Monitor watches registered sessions for an exit-pattern match in their PTY output.
type Monitor struct {
	be      backend.SessionBackend
	bus     *events.Bus
	tracker *activity.Tracker
	status  StatusSetter

	mu       sync.Mutex
	watches  map[string]*watch
}

// New creates a Monitor. tracker may be nil if exit detection shouldn't also clear activity
// state (the Kernel passes its shared Tracker in the normal wiring).
func New(be backend.SessionBackend, bus *events.Bus, tracker *activity.Tracker, status StatusSetter) *Monitor {
	return &Monitor{
		be:      be,
		bus:     bus,
		tracker: tracker,
		status:  status,
		watches: make(map[string]*watch),
	}
}

// compilePatterns turns an adapter's exit-pattern strings (declared as regex) into compiled
// matchers. A pattern that fails to compile as regex is
// retained as a literal substring match instead of dropped, since adapters mostly declare plain
// phrases ("Goodbye!") that are valid regex anyway but shouldn't be silently lost if not.
func compilePatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			re = regexp.MustCompile(regexp.QuoteMeta(p))
		}
		out = append(out, re)
	}
	return out
}

// StartMonitoring subscribes to sessionName's PTY output and begins scanning it against
// exitPatterns. Replaces any prior watch for the same session.
func (m *Monitor) StartMonitoring(sessionName string, exitPatterns []string) error {
	if !m.be.SessionExists(sessionName) {
		return backend.ErrSessionNotFound
	}

	m.StopMonitoring(sessionName)

	w := &watch{patterns: compilePatterns(exitPatterns)}
	m.mu.Lock()
	m.watches[sessionName] = w
	m.mu.Unlock()

	w.unsubData = m.be.OnData(sessionName, func(name string, chunk []byte) {
		m.onData(name, chunk, w)
	})
	return nil
}

// StopMonitoring tears down the watch for a session, if any. Idempotent.
func (m *Monitor) StopMonitoring(sessionName string) {
	m.mu.Lock()
	w, ok := m.watches[sessionName]
	delete(m.watches, sessionName)
	m.mu.Unlock()

	if ok && w.unsubData != nil {
		w.unsubData()
	}
}

// IsMonitoring reports whether a session currently has an active exit watch.
func (m *Monitor) IsMonitoring(sessionName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[sessionName]
	return ok
}

func (m *Monitor) onData(sessionName string, chunk []byte, w *watch) {
	w.mu.Lock()
	if w.exited {
		w.mu.Unlock()
		return
	}

	cleaned := activity.StripANSI(string(chunk))
	matched := false
	for _, re := range w.patterns {
		if re.MatchString(cleaned) {
			matched = true
			break
		}
	}
	if !matched {
		w.mu.Unlock()
		return
	}
	w.exited = true
	w.mu.Unlock()

	log.Printf("[EXITMON] exit pattern matched for session %s", sessionName)

	if m.status != nil {
		m.status.SetSessionInactive(sessionName)
	}
	if m.tracker != nil {
		m.tracker.Clear(sessionName)
	}
	if m.bus != nil {
		m.bus.Publish(events.New(events.TypeSessionExited, events.WithSessionName(sessionName)))
	}

	// Unsubscribe as the final step so a match racing in from the same PTY chunk delivery
	// cannot re-enter onData after w.exited is already true but before teardown completes.
	m.StopMonitoring(sessionName)
}
