package fleet

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu         sync.Mutex
	connected  int
	states     []Snapshot
	heartbeats int
	errors     []ErrorPayload
	failNext   bool
}

func (s *fakeSink) SendConnected() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected++
	return nil
}

func (s *fakeSink) SendState(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		return errors.New("write failed")
	}
	s.states = append(s.states, snap)
	return nil
}

func (s *fakeSink) SendHeartbeat(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return nil
}

func (s *fakeSink) SendError(p ErrorPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, p)
	return nil
}

func (s *fakeSink) stateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

func (s *fakeSink) lastState() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[len(s.states)-1]
}

type fakeProvider struct {
	mu   sync.Mutex
	snap Snapshot
	err  error
}

func (p *fakeProvider) GetFleetSnapshot() (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap, p.err
}

func (p *fakeProvider) set(snap Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap = snap
	p.err = nil
}

func (p *fakeProvider) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestSubscribeEmitsConnectedImmediately(t *testing.T) {
	provider := &fakeProvider{snap: Snapshot{Stats: Stats{ActiveCount: 1}}}
	p := New(provider)
	sink := &fakeSink{}

	p.Subscribe("sub-1", sink)
	defer p.Unsubscribe("sub-1")

	waitFor(t, time.Second, func() bool { return sink.connected == 1 })
	waitFor(t, time.Second, func() bool { return sink.stateCount() >= 1 })
}

func TestZeroToOneStartsLoopAndOneToZeroStopsIt(t *testing.T) {
	provider := &fakeProvider{snap: Snapshot{}}
	p := New(provider)

	if p.IsRunning() {
		t.Fatal("expected loop not running before any subscriber")
	}

	sink := &fakeSink{}
	p.Subscribe("sub-1", sink)
	waitFor(t, time.Second, func() bool { return p.IsRunning() })

	p.Unsubscribe("sub-1")
	if p.IsRunning() {
		t.Fatal("expected loop stopped after last subscriber leaves")
	}
	if p.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", p.SubscriberCount())
	}
}

// TestStateOnlyEmittedOnSignificanceHashChange covers a CPU move that rounds to the same
// integer not emitting state, while an activeCount change does.
func TestStateOnlyEmittedOnSignificanceHashChange(t *testing.T) {
	provider := &fakeProvider{snap: Snapshot{
		Agents: []Agent{{ID: "a1", Status: "active", CPUPercent: 50.0}},
		Stats:  Stats{ActiveCount: 1},
	}}
	p := New(provider)

	sinkA := &fakeSink{}
	sinkB := &fakeSink{}
	p.Subscribe("sub-a", sinkA)
	p.Subscribe("sub-b", sinkB)
	defer p.Unsubscribe("sub-a")
	defer p.Unsubscribe("sub-b")

	waitFor(t, time.Second, func() bool { return sinkA.stateCount() == 1 && sinkB.stateCount() == 1 })

	// Rounds to the same integer (50.4 -> 50): no new state.
	provider.set(Snapshot{
		Agents: []Agent{{ID: "a1", Status: "active", CPUPercent: 50.4}},
		Stats:  Stats{ActiveCount: 1},
	})
	p.pollOnce()
	if sinkA.stateCount() != 1 || sinkB.stateCount() != 1 {
		t.Fatalf("expected no new state on a non-significant CPU change, got %d/%d", sinkA.stateCount(), sinkB.stateCount())
	}

	// activeCount changes: exactly one new state, identical bytes to both subscribers.
	provider.set(Snapshot{
		Agents: []Agent{{ID: "a1", Status: "active", CPUPercent: 50.4}, {ID: "a2", Status: "active", CPUPercent: 10}},
		Stats:  Stats{ActiveCount: 2},
	})
	p.pollOnce()
	if sinkA.stateCount() != 2 || sinkB.stateCount() != 2 {
		t.Fatalf("expected exactly one new state delivered to each subscriber, got %d/%d", sinkA.stateCount(), sinkB.stateCount())
	}
	if sinkA.lastState().Stats.ActiveCount != sinkB.lastState().Stats.ActiveCount {
		t.Fatal("expected identical snapshot delivered to both subscribers")
	}
}

func TestPollErrorEmitsErrorWithoutClearingSnapshot(t *testing.T) {
	provider := &fakeProvider{snap: Snapshot{Stats: Stats{ActiveCount: 1}}}
	p := New(provider)
	sink := &fakeSink{}
	p.Subscribe("sub-1", sink)
	defer p.Unsubscribe("sub-1")

	waitFor(t, time.Second, func() bool { return sink.stateCount() == 1 })

	provider.setErr(errors.New("boom"))
	p.pollOnce()

	sink.mu.Lock()
	errCount := len(sink.errors)
	sink.mu.Unlock()
	if errCount != 1 {
		t.Fatalf("expected one error emitted, got %d", errCount)
	}

	p.mu.Lock()
	stillCached := p.lastSnapshot != nil
	p.mu.Unlock()
	if !stillCached {
		t.Fatal("expected last known good snapshot to remain cached after a poll failure")
	}
}

func TestWriteFailureUnsubscribesSink(t *testing.T) {
	provider := &fakeProvider{snap: Snapshot{Stats: Stats{ActiveCount: 1}}}
	p := New(provider)
	sink := &fakeSink{}
	p.Subscribe("sub-1", sink)

	waitFor(t, time.Second, func() bool { return sink.stateCount() == 1 })

	sink.mu.Lock()
	sink.failNext = true
	sink.mu.Unlock()

	provider.set(Snapshot{Stats: Stats{ActiveCount: 2}})
	p.pollOnce()

	if p.SubscriberCount() != 0 {
		t.Fatalf("expected sink evicted after a write failure, got %d subscribers", p.SubscriberCount())
	}
}
