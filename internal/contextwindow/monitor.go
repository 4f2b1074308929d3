// Package contextwindow implements the ContextWindowMonitor: parses
// context-usage percentages out of PTY output, tracks threshold transitions, triggers recovery
// on critical, and enforces a recovery cooldown. Grounded on ODSapper-CLIAIMONITOR's
// internal/metrics/collector.go (rolling per-session state + threshold checks) and
// internal/metrics/alerts.go (edge-triggered alerting with a dedup window), generalized from
// "test/idle/token" metrics to the spec's context-percent domain.
package contextwindow

import (
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentmux/fleetd/internal/activity"
	"github.com/agentmux/fleetd/internal/backend"
	"github.com/agentmux/fleetd/internal/events"
)

// Level is the four-way context-pressure classification.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelYellow   Level = "yellow"
	LevelRed      Level = "red"
	LevelCritical Level = "critical"
)

// Thresholds holds the yellow/red/critical percentage cut points (defaults: Y=70, R=85, C=95).
type Thresholds struct {
	Yellow   int
	Red      int
	Critical int
}

// DefaultThresholds returns the spec's declared defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Yellow: 70, Red: 85, Critical: 95}
}

func (t Thresholds) levelFor(percent int) Level {
	switch {
	case percent >= t.Critical:
		return LevelCritical
	case percent >= t.Red:
		return LevelRed
	case percent >= t.Yellow:
		return LevelYellow
	default:
		return LevelNormal
	}
}

// Tuning constants.
const (
	CheckInterval            = 5 * time.Second
	StaleDetectionThreshold  = 5 * time.Minute
	MaxBufferSize            = 64 * 1024
	CooldownWindow           = 10 * time.Minute
	MaxRecoveriesPerWindow   = 3
)

// State is the per-session ContextState.
type State struct {
	Level              Level
	ContextPercent     int
	LastDetectedAt      time.Time
	RecoveryTriggered  bool
	RecoveryTimestamps []time.Time
}

// contextPatterns matches the five marker shapes emitted by supported CLIs, all case-insensitive
// and whitespace-tolerant. Each has exactly one capture group for the integer percentage.
var contextPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(\d{1,3})\s*%\s*context\b`),
	regexp.MustCompile(`(?i)(\d{1,3})\s*%\s*of\s*context\b`),
	regexp.MustCompile(`(?i)context\s*:\s*(\d{1,3})\s*%`),
	regexp.MustCompile(`(?i)context\s+(\d{1,3})\s*%`),
	regexp.MustCompile(`(?i)(\d{1,3})\s*%\s*ctx\b`),
}

// extractPercent scans text for any of the context markers and returns the largest valid
// n ∈ [0,100]; invalid/out-of-range matches are ignored.
func extractPercent(text string) (int, bool) {
	best := -1
	for _, re := range contextPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil || n < 0 || n > 100 {
				continue
			}
			if n > best {
				best = n
			}
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

// AgentRegistrar is the collaborator interface ContextWindowMonitor calls during recovery.
type AgentRegistrar interface {
	CreateAgentSession(sessionName, role, teamID, memberID string) (success bool, newSessionName string, err error)
}

// ExitStopper is the seam back to the ExitMonitor so recovery can "stop the ExitMonitor for the
// session" without an import cycle between the two packages.
type ExitStopper interface {
	StopMonitoring(sessionName string)
}

type sessionEntry struct {
	mu        sync.Mutex
	state     State
	memberID  string
	teamID    string
	role      string
	buffer    strings.Builder
	unsubData backend.Unsubscribe
}

// Monitor is the ContextWindowMonitor singleton, with an explicit lifecycle:
// Start(), Stop(), IsRunning().
type Monitor struct {
	be         backend.SessionBackend
	bus        *events.Bus
	tracker    *activity.Tracker
	registrar  AgentRegistrar
	exitMon    ExitStopper
	thresholds Thresholds

	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Monitor. Call Start to begin the stale-sweep loop.
func New(be backend.SessionBackend, bus *events.Bus, tracker *activity.Tracker, registrar AgentRegistrar, exitMon ExitStopper) *Monitor {
	return &Monitor{
		be:         be,
		bus:        bus,
		tracker:    tracker,
		registrar:  registrar,
		exitMon:    exitMon,
		thresholds: DefaultThresholds(),
		now:        time.Now,
		sessions:   make(map[string]*sessionEntry),
	}
}

// SetThresholds overrides the default Y/R/C cut points.
func (m *Monitor) SetThresholds(t Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = t
}

// Start begins the stale-sweep loop.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.sweepLoop(m.stopCh, m.doneCh)
}

// Stop ends the stale-sweep loop. Safe to call when not running.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	close(m.stopCh)
	done := m.doneCh
	m.running = false
	m.mu.Unlock()
	<-done
}

// IsRunning reports whether the stale-sweep loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sweepStale()
		}
	}
}

// sweepStale resets any non-normal session whose lastDetectedAt is older than
// StaleDetectionThreshold, without emitting an event; normal sessions are never reset.
func (m *Monitor) sweepStale() {
	m.mu.Lock()
	entries := make([]*sessionEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	now := m.now()
	for _, e := range entries {
		e.mu.Lock()
		if e.state.Level != LevelNormal && now.Sub(e.state.LastDetectedAt) > StaleDetectionThreshold {
			e.state.Level = LevelNormal
			e.state.RecoveryTriggered = false
		}
		e.mu.Unlock()
	}
}

// StartSessionMonitoring subscribes to a session's data stream and seeds its ContextState.
// Replaces any prior monitoring for the same name.
func (m *Monitor) StartSessionMonitoring(sessionName, memberID, teamID, role string) error {
	if !m.be.SessionExists(sessionName) {
		return backend.ErrSessionNotFound
	}

	m.StopSessionMonitoring(sessionName)

	entry := &sessionEntry{
		state: State{Level: LevelNormal, ContextPercent: 0, LastDetectedAt: m.now()},
		memberID: memberID,
		teamID:   teamID,
		role:     role,
	}

	m.mu.Lock()
	m.sessions[sessionName] = entry
	m.mu.Unlock()

	entry.unsubData = m.be.OnData(sessionName, func(name string, chunk []byte) {
		m.onData(name, chunk)
	})
	return nil
}

// StopSessionMonitoring tears down the subscription and removes all ContextState for a session.
func (m *Monitor) StopSessionMonitoring(sessionName string) {
	m.mu.Lock()
	entry, ok := m.sessions[sessionName]
	delete(m.sessions, sessionName)
	m.mu.Unlock()

	if ok && entry.unsubData != nil {
		entry.unsubData()
	}
}

// GetState returns a copy of a session's current ContextState, and whether it is being
// monitored at all.
func (m *Monitor) GetState(sessionName string) (State, bool) {
	m.mu.Lock()
	entry, ok := m.sessions[sessionName]
	m.mu.Unlock()
	if !ok {
		return State{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state, true
}

func (m *Monitor) onData(sessionName string, chunk []byte) {
	m.mu.Lock()
	entry, ok := m.sessions[sessionName]
	m.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	cleaned := activity.StripANSI(string(chunk))
	entry.buffer.WriteString(cleaned)
	if entry.buffer.Len() > MaxBufferSize {
		// Cap the buffer by dropping the oldest bytes; rebuild from the tail.
		full := entry.buffer.String()
		entry.buffer.Reset()
		entry.buffer.WriteString(full[len(full)-MaxBufferSize:])
		entry.mu.Unlock()
		m.publish(events.New(events.TypeBufferCapped, events.WithSessionName(sessionName)))
		entry.mu.Lock()
	}

	percent, found := extractPercent(entry.buffer.String())
	if found {
		entry.buffer.Reset()
	}
	entry.mu.Unlock()

	if found {
		m.updateContextUsage(sessionName, percent)
	}
}

// updateContextUsage recomputes the session's level from percent and fires exactly one event on
// a level transition; repeats within the same level never re-fire.
func (m *Monitor) updateContextUsage(sessionName string, percent int) {
	m.mu.Lock()
	entry, ok := m.sessions[sessionName]
	thresholds := m.thresholds
	m.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	nextLevel := thresholds.levelFor(percent)
	prevLevel := entry.state.Level
	entry.state.ContextPercent = percent
	entry.state.LastDetectedAt = m.now()

	transitioned := nextLevel != prevLevel
	if transitioned {
		entry.state.Level = nextLevel
	}

	// Capture the event payload before any recovery-driven mutation below.
	var pendingEvent *events.Event
	if transitioned {
		eventType := events.TypeContextWarning
		if nextLevel == LevelCritical {
			eventType = events.TypeContextCritical
		}
		pendingEvent = events.New(eventType,
			events.WithSessionName(sessionName),
			events.WithTeamID(entry.teamID),
			events.WithMemberID(entry.memberID),
			events.WithChange("level", prevLevel, nextLevel),
			events.WithMetadata(map[string]interface{}{"contextPercent": percent}),
		)
	}

	var triggerRecovery bool
	if transitioned && nextLevel == LevelCritical && !entry.state.RecoveryTriggered {
		if m.inCooldownLocked(entry) {
			m.publish(events.New(events.TypeRecoverySuppressed,
				events.WithSessionName(sessionName),
				events.WithMetadata(map[string]interface{}{"contextPercent": percent}),
			))
		} else {
			entry.state.RecoveryTriggered = true
			triggerRecovery = true
		}
	}

	memberID, teamID, role := entry.memberID, entry.teamID, entry.role
	entry.mu.Unlock()

	if pendingEvent != nil {
		m.publish(pendingEvent)
	}

	if triggerRecovery {
		m.recover(sessionName, memberID, teamID, role)
	}
}

// inCooldownLocked must be called with entry.mu held. Recovery is suppressed if the number of
// recovery timestamps within CooldownWindow is already ≥ MaxRecoveriesPerWindow.
func (m *Monitor) inCooldownLocked(entry *sessionEntry) bool {
	now := m.now()
	kept := entry.state.RecoveryTimestamps[:0]
	for _, ts := range entry.state.RecoveryTimestamps {
		if now.Sub(ts) <= CooldownWindow {
			kept = append(kept, ts)
		}
	}
	entry.state.RecoveryTimestamps = kept
	return len(kept) >= MaxRecoveriesPerWindow
}

// recover performs the five recovery steps in order.
func (m *Monitor) recover(sessionName, memberID, teamID, role string) {
	log.Printf("[CTXWIN] triggering recovery for session %s (member=%s team=%s)", sessionName, memberID, teamID)

	if m.exitMon != nil {
		m.exitMon.StopMonitoring(sessionName)
	}
	m.tracker.Clear(sessionName)

	if m.registrar != nil {
		if _, _, err := m.registrar.CreateAgentSession(sessionName, role, teamID, memberID); err != nil {
			log.Printf("[CTXWIN] ERROR: recovery registration failed for %s: %v", sessionName, err)
		}
	}

	m.mu.Lock()
	entry, ok := m.sessions[sessionName]
	m.mu.Unlock()
	if ok {
		entry.mu.Lock()
		entry.state.RecoveryTimestamps = append(entry.state.RecoveryTimestamps, m.now())
		entry.mu.Unlock()
	}

	m.StopSessionMonitoring(sessionName)
}

func (m *Monitor) publish(e *events.Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}
