// Package runtime implements the RuntimeAdapter template + variants: a
// capability record plus a detect function per supported agent CLI kind, with shared
// template-method behaviors for readiness polling, detection memoization, and init-script
// composition. Modeled as data + functions rather than subclassing, in the style of
// ODSapper-CLIAIMONITOR's
// internal/agents/spawner.go (command composition, sequential sends with a fixed dwell) and
// internal/wezterm/ops.go (the backend calls this package shells out through).
package runtime

import (
	"bufio"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/agentmux/fleetd/internal/backend"
)

// Kind identifies a supported agent CLI.
type Kind string

const (
	KindClaudeCode Kind = "claude-code"
	KindCodex      Kind = "codex"
	KindGemini     Kind = "gemini"
)

// interCommandDwell is the fixed pause between init-script commands that avoids the target
// CLI's paste detection.
const interCommandDwell = 500 * time.Millisecond

// detectCacheTTL is how long a positive/negative detection memoizes.
const detectCacheTTL = 30 * time.Second

// detectWaitBound is the maximum time a second caller waits on an in-flight detection.
const detectWaitBound = 15 * time.Second
const detectWaitPoll = 500 * time.Millisecond

// detectCacheMaxAge is how old a cache entry may be and still be read by a waiter that joined
// an in-flight detection.
const detectCacheMaxAge = 60 * time.Second

// dangerMarker is the default "skip permissions" marker RuntimeFlags and the prompt-file flag
// are injected before/after; adapters may declare their own equivalent.
const dangerMarker = "--dangerously-skip-permissions"

// Adapter is the capability record + detect function for one runtime kind.
type Adapter struct {
	Kind              Kind
	ReadinessPatterns []string // substring match, case-sensitive as declared
	ErrorPatterns     []string
	ExitPatterns      []string // ExitMonitor compiles each as a regex; an invalid one is matched
	                           // literally.
	DetectFn          func(probe DetectProbe) bool
	InitScriptLines   []string // one command per non-blank, non-# line
	DangerMarker      string   // overrides dangerMarker if non-empty
	PostInitialize    func(sessionName string) // optional

	// ActiveProbeOptIn allows an adapter to request the active "inject a character" detection
	// strategy; passive substring match is the default and active probes are opt-in only. None
	// of the shipped adapters set this.
	ActiveProbeOptIn bool
}

// DetectProbe is the minimal surface a detect function needs: capture text and, only if the
// adapter opted into active probing, a way to write a probe character.
type DetectProbe struct {
	SessionName string
	Capture     func(lineCount int) (string, error)
	Write       func(data []byte) error
}

func (a *Adapter) dangerMarkerOrDefault() string {
	if a.DangerMarker != "" {
		return a.DangerMarker
	}
	return dangerMarker
}

// validate enforces the non-collision rule: a pattern must never be declared as both readiness
// and exit.
func (a *Adapter) validate() error {
	exit := make(map[string]bool, len(a.ExitPatterns))
	for _, p := range a.ExitPatterns {
		exit[p] = true
	}
	for _, p := range a.ReadinessPatterns {
		if exit[p] {
			return fmt.Errorf("runtime %s: pattern %q declared as both readiness and exit", a.Kind, p)
		}
	}
	return nil
}

// GetExitPatterns exposes the adapter's exit patterns for ExitMonitor to consume.
func (a *Adapter) GetExitPatterns() []string {
	return a.ExitPatterns
}

// Template wraps a registered Adapter with the shared, non-overridable behaviors: caching,
// concurrency, and polling.
type Template struct {
	adapter *Adapter
	be      backend.SessionBackend

	mu           sync.Mutex
	cache        map[string]cacheEntry // key: sessionName
	inFlight     map[string]chan struct{}
}

type cacheEntry struct {
	result    bool
	at        time.Time
}

// NewTemplate wraps an Adapter for use against a concrete SessionBackend. Panics only on a
// declaration error the adapter author must fix (non-collision violation) — this happens once
// at registry construction time, never per-call.
func NewTemplate(a *Adapter, be backend.SessionBackend) *Template {
	if err := a.validate(); err != nil {
		panic(err)
	}
	return &Template{
		adapter:  a,
		be:       be,
		cache:    make(map[string]cacheEntry),
		inFlight: make(map[string]chan struct{}),
	}
}

func (t *Template) Kind() Kind { return t.adapter.Kind }

func (t *Template) GetExitPatterns() []string { return t.adapter.GetExitPatterns() }

// WaitForRuntimeReady polls capturePane until a readiness pattern matches (true), an error
// pattern matches (false, fail-fast), or timeoutMs elapses (false). A capture error is logged
// and retried on the next cycle — never fatal.
func (t *Template) WaitForRuntimeReady(sessionName string, timeoutMs, intervalMs int) bool {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	interval := time.Duration(intervalMs) * time.Millisecond

	for {
		if time.Now().After(deadline) || time.Now().Equal(deadline) {
			return false
		}

		text, err := t.be.CapturePane(sessionName, 30)
		if err != nil {
			log.Printf("[RUNTIME] capture error for %s while waiting for readiness: %v", sessionName, err)
			time.Sleep(interval)
			continue
		}

		if matchesAny(text, t.adapter.ReadinessPatterns) {
			return true
		}
		if matchesAny(text, t.adapter.ErrorPatterns) {
			return false
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		if interval < remaining {
			time.Sleep(interval)
		} else {
			time.Sleep(remaining)
		}
	}
}

func matchesAny(haystack string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(haystack, p) {
			return true
		}
	}
	return false
}

// DetectRuntimeWithCommand memoizes detection per (sessionName, runtimeKind) for 30s. If a
// detection for the same key is already in flight, the caller waits up to 15s (in 500ms steps)
// and then reads the cache entry if it is ≤60s old. Concurrent detection is never executed more
// than once per key.
func (t *Template) DetectRuntimeWithCommand(sessionName string, forceRefresh bool) bool {
	key := sessionName

	t.mu.Lock()
	if !forceRefresh {
		if entry, ok := t.cache[key]; ok && time.Since(entry.at) < detectCacheTTL {
			t.mu.Unlock()
			return entry.result
		}
	}
	if wait, inFlight := t.inFlight[key]; inFlight {
		t.mu.Unlock()
		return t.waitForInFlight(key, wait)
	}
	done := make(chan struct{})
	t.inFlight[key] = done
	t.mu.Unlock()

	result := t.runDetect(sessionName)

	t.mu.Lock()
	t.cache[key] = cacheEntry{result: result, at: time.Now()}
	delete(t.inFlight, key)
	close(done)
	t.mu.Unlock()

	return result
}

func (t *Template) waitForInFlight(key string, done chan struct{}) bool {
	waitDeadline := time.Now().Add(detectWaitBound)
	ticker := time.NewTicker(detectWaitPoll)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return t.readCacheWithinAge(key, detectCacheMaxAge)
		case <-ticker.C:
			if time.Now().After(waitDeadline) {
				return t.readCacheWithinAge(key, detectCacheMaxAge)
			}
		}
	}
}

func (t *Template) readCacheWithinAge(key string, maxAge time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.cache[key]
	if !ok || time.Since(entry.at) > maxAge {
		return false
	}
	return entry.result
}

// runDetect invokes the adapter's detect function with a capture/write probe. On any panic
// (standing in for "any thrown error") the result degrades to false.
func (t *Template) runDetect(sessionName string) (result bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[RUNTIME] detection for %s panicked: %v (degrading to false)", sessionName, r)
			result = false
		}
	}()

	probe := DetectProbe{
		SessionName: sessionName,
		Capture: func(lineCount int) (string, error) {
			return t.be.CapturePane(sessionName, lineCount)
		},
	}
	if t.adapter.ActiveProbeOptIn {
		probe.Write = func(data []byte) error { return t.be.Write(sessionName, data) }
	}

	if t.adapter.DetectFn == nil {
		return false
	}
	return t.adapter.DetectFn(probe)
}

// ClearDetectionCache explicitly evicts a session's cached detection result.
func (t *Template) ClearDetectionCache(sessionName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cache, sessionName)
}

// InitOptions configures ExecuteRuntimeInitScript. RuntimeCommandsOverride is the optional
// settings.runtimeCommands[kind] single command: if non-blank, it is used instead of the adapter's
// init script.
type InitOptions struct {
	RuntimeCommandsOverride string
	RuntimeFlags            []string
	PromptFilePath          string
	TargetPath              string
}

// ExecuteRuntimeInitScript composes and sends the init command sequence for sessionName. If
// RuntimeCommandsOverride is non-blank, that single command is used verbatim; otherwise the
// adapter's InitScriptLines are used, one command per non-blank, non-"#" line. The first
// occurrence of the adapter's danger marker in any command line is preceded by each of
// opts.RuntimeFlags and optionally followed by `--append-system-prompt-file "<path>"` (quoted).
// If the marker is absent from a command, flags and prompt-file injection are silently skipped
// for that command. Commands are sent sequentially with a fixed inter-command dwell. Before
// sending, the current command line is cleared once and the working directory is set with
// `cd "<targetPath>"`.
func (t *Template) ExecuteRuntimeInitScript(sessionName string, opts InitOptions) error {
	commands := t.composeCommands(opts)

	if err := t.be.ClearCurrentCommandLine(sessionName); err != nil {
		return fmt.Errorf("clear command line for %s: %w", sessionName, err)
	}
	cdCmd := fmt.Sprintf("cd %q", opts.TargetPath)
	if err := t.sendCommand(sessionName, cdCmd); err != nil {
		return err
	}

	for _, cmd := range commands {
		if err := t.sendCommand(sessionName, cmd); err != nil {
			return fmt.Errorf("send init command to %s: %w", sessionName, err)
		}
	}

	if t.adapter.PostInitialize != nil {
		t.adapter.PostInitialize(sessionName)
	}
	return nil
}

func (t *Template) sendCommand(sessionName, cmd string) error {
	if err := t.be.Write(sessionName, []byte(cmd)); err != nil {
		return err
	}
	if err := t.be.SendKey(sessionName, backend.KeyEnter); err != nil {
		return err
	}
	time.Sleep(interCommandDwell)
	return nil
}

// composeCommands produces the exact ordered command sequence ExecuteRuntimeInitScript will
// send, without sending anything — factored out so it is independently testable and
// deterministic for identical inputs.
func (t *Template) composeCommands(opts InitOptions) []string {
	if strings.TrimSpace(opts.RuntimeCommandsOverride) != "" {
		return []string{t.injectMarkerOnce(opts.RuntimeCommandsOverride, opts)}
	}

	var commands []string
	injected := false
	scanner := bufio.NewScanner(strings.NewReader(strings.Join(t.adapter.InitScriptLines, "\n")))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !injected && strings.Contains(line, t.adapter.dangerMarkerOrDefault()) {
			line = t.injectMarkerOnce(line, opts)
			injected = true
		}
		commands = append(commands, line)
	}
	return commands
}

func (t *Template) injectMarkerOnce(line string, opts InitOptions) string {
	marker := t.adapter.dangerMarkerOrDefault()
	idx := strings.Index(line, marker)
	if idx < 0 {
		return line
	}

	var flagsPrefix string
	if len(opts.RuntimeFlags) > 0 {
		flagsPrefix = strings.Join(opts.RuntimeFlags, " ") + " "
	}

	replacement := flagsPrefix + marker
	if opts.PromptFilePath != "" {
		replacement += fmt.Sprintf(" --append-system-prompt-file %q", opts.PromptFilePath)
	}

	return line[:idx] + replacement + line[idx+len(marker):]
}
