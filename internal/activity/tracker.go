// Package activity implements the ActivityTracker: a per-session
// last-meaningful-activity timestamp used to drive idle detection. Grounded on the bookkeeping
// style of ODSapper-CLIAIMONITOR's internal/mcp/presence.go (a guarded map of last-seen
// timestamps with a staleness sweep) and internal/metrics/collector.go.
package activity

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// MinMeaningfulOutputBytes is the floor on ANSI-stripped, whitespace-collapsed payload length
// below which output is considered a spinner/cursor-move and must not reset idleness.
const MinMeaningfulOutputBytes = 8

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)
var whitespacePattern = regexp.MustCompile(`\s+`)

// StripANSI removes terminal escape sequences from raw PTY output. Shared by ActivityTracker
// and ContextWindowMonitor, both of which must work on rendered text rather than control codes.
func StripANSI(raw string) string {
	return ansiPattern.ReplaceAllString(raw, "")
}

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

// Tracker records the last-activity timestamp per session behind a single mutex around the map,
// deliberately no finer-grained than that.
type Tracker struct {
	mu   sync.Mutex
	last map[string]time.Time

	now func() time.Time
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{last: make(map[string]time.Time), now: time.Now}
}

// RecordActivity unconditionally sets the session's last-activity timestamp to now.
func (t *Tracker) RecordActivity(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last[name] = t.now()
}

// RecordFilteredActivity records activity only if the ANSI-stripped, whitespace-collapsed
// payload meets MinMeaningfulOutputBytes, preventing spinners/cursor moves from resetting
// idleness.
func (t *Tracker) RecordFilteredActivity(name, raw string) {
	cleaned := collapseWhitespace(StripANSI(raw))
	if len(cleaned) < MinMeaningfulOutputBytes {
		return
	}
	t.RecordActivity(name)
}

// GetIdleTimeMs returns 0 for a never-seen session.
func (t *Tracker) GetIdleTimeMs(name string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.last[name]
	if !ok {
		return 0
	}
	return t.now().Sub(last).Milliseconds()
}

// IsIdleFor returns false for a never-seen session: a session that was never observed is not
// "idle".
func (t *Tracker) IsIdleFor(name string, d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.last[name]
	if !ok {
		return false
	}
	return t.now().Sub(last) >= d
}

// Clear removes all tracked state for a session, used on recovery and on session teardown.
func (t *Tracker) Clear(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, name)
}
