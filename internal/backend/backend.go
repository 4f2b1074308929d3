// Package backend defines the SessionBackend contract the core treats as the
// single source of truth for PTY I/O, and a Multiplexer seam so a real deployment can plug in
// tmux, WezTerm, or a container-exec backend without touching the control plane. Grounded on
// ODSapper-CLIAIMONITOR's internal/wezterm/ops.go, which isolates pane-multiplexer shelling
// behind exactly this kind of small Ops surface.
package backend

import (
	"errors"
	"fmt"
	"sync"
)

// Key is a named, non-printable key SessionBackend.SendKey accepts.
type Key string

const (
	KeyEnter  Key = "Enter"
	KeyCtrlC  Key = "Ctrl-C"
	KeyEscape Key = "Escape"
	KeyCtrlU  Key = "Ctrl-U"
)

// Sentinel errors for the collaborator contract violations the core must distinguish.
var (
	ErrSessionNotFound = errors.New("backend: session not found")
	ErrIOError         = errors.New("backend: io error")
)

// DataCallback receives raw PTY output for one session, in receipt order.
type DataCallback func(sessionName string, chunk []byte)

// Unsubscribe removes a previously registered DataCallback.
type Unsubscribe func()

// Multiplexer is the thin process-facing seam a concrete SessionBackend shells out to (the
// pane/pty provider itself — tmux, WezTerm, a container exec API, ...). It is intentionally
// smaller than SessionBackend: callback delivery, serialization, and capture-pane line-slicing
// are the Backend's job, not the Multiplexer's.
type Multiplexer interface {
	// Spawn creates a new pane/pty running a shell in cwd with the given environment and
	// returns its PID.
	Spawn(name, cwd string, env map[string]string) (pid int, err error)
	// Exists reports whether the named session is still alive.
	Exists(name string) bool
	// Write sends raw bytes as keystrokes to the session.
	Write(name string, data []byte) error
	// Capture returns the last lineCount rendered lines (ANSI included; Backend strips).
	Capture(name string, lineCount int) (string, error)
	// Kill terminates the session.
	Kill(name string) error
}

// SessionBackend is the collaborator contract the core treats as its PTY I/O boundary.
type SessionBackend interface {
	CreateSession(name, cwd string, env map[string]string) (pid int, err error)
	SessionExists(name string) bool
	Write(name string, data []byte) error
	SendKey(name string, key Key) error
	CapturePane(name string, lineCount int) (string, error)
	OnData(name string, cb DataCallback) Unsubscribe
	KillSession(name string) error
	ClearCurrentCommandLine(name string) error
	SetEnv(name, key, value string) error
}

// keyBytes is the literal byte sequence PTY backends expect for each named key.
func keyBytes(k Key) []byte {
	switch k {
	case KeyEnter:
		return []byte("\r")
	case KeyCtrlC:
		return []byte{0x03}
	case KeyEscape:
		return []byte{0x1b}
	case KeyCtrlU:
		return []byte{0x15}
	default:
		return nil
	}
}

// PTYBackend implements SessionBackend on top of a Multiplexer, serializing data-callback
// delivery per session: no two chunks for the same session are ever processed simultaneously,
// but across sessions processing may proceed in parallel.
type PTYBackend struct {
	mux Multiplexer

	mu       sync.RWMutex
	sessions map[string]*sessionState
}

type sessionState struct {
	deliverMu sync.Mutex // serializes this session's callback delivery
	mu        sync.Mutex // guards callbacks, nextID and env
	callbacks map[int]DataCallback
	nextID    int
	env       map[string]string
}

// NewPTYBackend wraps a Multiplexer.
func NewPTYBackend(mux Multiplexer) *PTYBackend {
	return &PTYBackend{mux: mux, sessions: make(map[string]*sessionState)}
}

func (b *PTYBackend) stateFor(name string, create bool) *sessionState {
	b.mu.RLock()
	st, ok := b.sessions[name]
	b.mu.RUnlock()
	if ok || !create {
		return st
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.sessions[name]; ok {
		return st
	}
	st = &sessionState{callbacks: make(map[int]DataCallback), env: make(map[string]string)}
	b.sessions[name] = st
	return st
}

func (b *PTYBackend) CreateSession(name, cwd string, env map[string]string) (int, error) {
	pid, err := b.mux.Spawn(name, cwd, env)
	if err != nil {
		return 0, fmt.Errorf("create session %s: %w", name, err)
	}
	b.stateFor(name, true)
	return pid, nil
}

func (b *PTYBackend) SessionExists(name string) bool {
	return b.mux.Exists(name)
}

func (b *PTYBackend) Write(name string, data []byte) error {
	if !b.mux.Exists(name) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	if err := b.mux.Write(name, data); err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	return nil
}

func (b *PTYBackend) SendKey(name string, key Key) error {
	kb := keyBytes(key)
	if kb == nil {
		// Printable text sent through the same path: treat the key literally as text.
		kb = []byte(key)
	}
	return b.Write(name, kb)
}

func (b *PTYBackend) CapturePane(name string, lineCount int) (string, error) {
	text, err := b.mux.Capture(name, lineCount)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIOError, err)
	}
	return text, nil
}

// OnData registers a callback and returns an Unsubscribe. Delivery happens via Deliver, called
// by whatever drives the Multiplexer's own output stream (a poller or a push source); Deliver
// guarantees in-order, serialized-per-session dispatch.
func (b *PTYBackend) OnData(name string, cb DataCallback) Unsubscribe {
	st := b.stateFor(name, true)
	st.mu.Lock()
	id := st.nextID
	st.nextID++
	st.callbacks[id] = cb
	st.mu.Unlock()

	return func() {
		st.mu.Lock()
		delete(st.callbacks, id)
		st.mu.Unlock()
	}
}

// Deliver fans a chunk of raw PTY output out to every registered callback for name, holding the
// per-session delivery lock so concurrent chunks for the same session are never processed out of
// order or simultaneously. The callback set is copied first, so a callback may unsubscribe.
func (b *PTYBackend) Deliver(name string, chunk []byte) {
	st := b.stateFor(name, false)
	if st == nil {
		return
	}
	st.deliverMu.Lock()
	defer st.deliverMu.Unlock()
	st.mu.Lock()
	cbs := make([]DataCallback, 0, len(st.callbacks))
	for _, cb := range st.callbacks {
		cbs = append(cbs, cb)
	}
	st.mu.Unlock()
	for _, cb := range cbs {
		cb(name, chunk)
	}
}

func (b *PTYBackend) KillSession(name string) error {
	if err := b.mux.Kill(name); err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	b.mu.Lock()
	delete(b.sessions, name)
	b.mu.Unlock()
	return nil
}

func (b *PTYBackend) ClearCurrentCommandLine(name string) error {
	return b.SendKey(name, KeyCtrlU)
}

func (b *PTYBackend) SetEnv(name, key, value string) error {
	st := b.stateFor(name, true)
	st.mu.Lock()
	st.env[key] = value
	st.mu.Unlock()
	return nil
}
