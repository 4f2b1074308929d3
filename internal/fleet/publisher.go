// Package fleet implements the FleetPublisher: a single internal poll loop into
// the aggregate fleet state, hash-diffed and broadcast to SSE subscribers with a heartbeat.
// Grounded on ODSapper-CLIAIMONITOR's internal/server/hub.go (subscriber registry, write-failure
// eviction) and internal/server/heartbeat.go (ticker-driven periodic loop with a context-style
// shutdown signal), generalized from a websocket hub pushing full dashboard state to a
// hash-diffing poll loop pushing only on a content-significant change.
package fleet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	PollInterval      = 2 * time.Second
	HeartbeatInterval = 15 * time.Second
)

// Agent is one row of a FleetSnapshot.
type Agent struct {
	ID            string
	SessionName   string
	Role          string
	ProjectName   string
	Status        string
	CPUPercent    float64
	SessionTokens int64
	Activity      string
}

// Stats summarizes a FleetSnapshot's agents.
type Stats struct {
	ActiveCount  int
	IdleCount    int
	DormantCount int
	TotalTokens  int64
}

// Snapshot is the FleetSnapshot. Immutable once produced.
type Snapshot struct {
	Timestamp time.Time
	Agents    []Agent
	Projects  []string
	Stats     Stats
}

// SnapshotProvider is the Kernel collaborator seam (avoids importing internal/kernel here).
type SnapshotProvider interface {
	GetFleetSnapshot() (Snapshot, error)
}

// ErrorPayload is the error event's data.
type ErrorPayload struct {
	Code    string
	Message string
}

const ErrCodePollError = "POLL_ERROR"

// Sink is one subscriber's write surface. A Sink returning an error on any Send* call is
// unsubscribed.
type Sink interface {
	SendConnected() error
	SendState(Snapshot) error
	SendHeartbeat(time.Time) error
	SendError(ErrorPayload) error
}

// Publisher is the FleetPublisher.
type Publisher struct {
	provider SnapshotProvider
	now      func() time.Time

	mu           sync.Mutex
	subscribers  map[string]Sink
	lastHash     string
	lastSnapshot *Snapshot
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// New creates a Publisher bound to one Kernel snapshot provider.
func New(provider SnapshotProvider) *Publisher {
	return &Publisher{
		provider:    provider,
		now:         time.Now,
		subscribers: make(map[string]Sink),
	}
}

// Subscribe registers sink under id: emit connected immediately; if a snapshot already exists,
// emit state with it too. A 0→1 transition starts the loop and triggers one immediate poll.
func (p *Publisher) Subscribe(id string, sink Sink) {
	p.mu.Lock()
	p.subscribers[id] = sink
	firstSubscriber := len(p.subscribers) == 1
	snapshot := p.lastSnapshot
	p.mu.Unlock()

	if err := sink.SendConnected(); err != nil {
		p.Unsubscribe(id)
		return
	}
	if snapshot != nil {
		if err := sink.SendState(*snapshot); err != nil {
			p.Unsubscribe(id)
			return
		}
	}

	if firstSubscriber {
		p.start()
		go p.pollOnce()
	}
}

// Unsubscribe removes id. A 1→0 transition stops the loop and clears the cached snapshot/hash.
func (p *Publisher) Unsubscribe(id string) {
	p.mu.Lock()
	delete(p.subscribers, id)
	empty := len(p.subscribers) == 0
	if empty {
		p.lastSnapshot = nil
		p.lastHash = ""
	}
	p.mu.Unlock()

	if empty {
		p.stop()
	}
}

// SubscriberCount reports the current number of live subscribers.
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}

// CloseAll force-unsubscribes every live subscriber and stops the poll/heartbeat loop, for use
// during Kernel shutdown.
func (p *Publisher) CloseAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.subscribers))
	for id := range p.subscribers {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Unsubscribe(id)
	}
}

func (p *Publisher) start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.loop()
}

func (p *Publisher) stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stopCh := p.stopCh
	doneCh := p.doneCh
	p.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// IsRunning reports whether the poll/heartbeat loop is currently active.
func (p *Publisher) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Publisher) loop() {
	defer close(p.doneCh)

	pollTicker := time.NewTicker(PollInterval)
	heartbeatTicker := time.NewTicker(HeartbeatInterval)
	defer pollTicker.Stop()
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-pollTicker.C:
			p.pollOnce()
		case <-heartbeatTicker.C:
			p.broadcastHeartbeat()
		}
	}
}

// pollOnce calls the Kernel's snapshot provider once, and broadcasts state only if the
// significance hash changed.
func (p *Publisher) pollOnce() {
	snap, err := p.provider.GetFleetSnapshot()
	if err != nil {
		p.broadcastError(ErrorPayload{Code: ErrCodePollError, Message: err.Error()})
		return
	}

	hash := significanceHash(snap)

	p.mu.Lock()
	changed := hash != p.lastHash
	if changed {
		p.lastHash = hash
		p.lastSnapshot = &snap
	}
	p.mu.Unlock()

	if changed {
		p.broadcastState(snap)
	}
}

// significanceHash concatenates agents.length, stats.activeCount, and each agent's
// (id, status, round(cpuPercent)) sorted lexicographically, then digests it.
func significanceHash(snap Snapshot) string {
	parts := make([]string, 0, len(snap.Agents))
	for _, a := range snap.Agents {
		parts = append(parts, fmt.Sprintf("%s|%s|%d", a.ID, a.Status, int(math.Round(a.CPUPercent))))
	}
	sort.Strings(parts)

	var b strings.Builder
	fmt.Fprintf(&b, "%d|%d|", len(snap.Agents), snap.Stats.ActiveCount)
	b.WriteString(strings.Join(parts, ";"))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func (p *Publisher) broadcastState(snap Snapshot) {
	for id, sink := range p.snapshotSubscribers() {
		if err := sink.SendState(snap); err != nil {
			p.Unsubscribe(id)
		}
	}
}

func (p *Publisher) broadcastHeartbeat() {
	ts := p.now()
	for id, sink := range p.snapshotSubscribers() {
		if err := sink.SendHeartbeat(ts); err != nil {
			p.Unsubscribe(id)
		}
	}
}

func (p *Publisher) broadcastError(payload ErrorPayload) {
	for id, sink := range p.snapshotSubscribers() {
		if err := sink.SendError(payload); err != nil {
			p.Unsubscribe(id)
		}
	}
}

// snapshotSubscribers copies the subscriber map so broadcast loops never hold the lock while
// calling into a Sink (a slow or blocking Sink must not stall Subscribe/Unsubscribe).
func (p *Publisher) snapshotSubscribers() map[string]Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Sink, len(p.subscribers))
	for id, s := range p.subscribers {
		out[id] = s
	}
	return out
}
