package exitmonitor

import (
	"testing"
	"time"

	"github.com/agentmux/fleetd/internal/activity"
	"github.com/agentmux/fleetd/internal/backend"
	"github.com/agentmux/fleetd/internal/events"
)

func startTestBus(t *testing.T) (*events.Bus, func()) {
	t.Helper()
	srv, err := events.NewServer(events.ServerConfig{Port: -1})
	if err != nil {
		t.Fatalf("start nats server: %v", err)
	}
	bus, err := events.Connect(srv.URL())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	return bus, func() {
		bus.Close()
		srv.Shutdown()
	}
}

type fakeStatusSetter struct {
	inactive []string
}

func (f *fakeStatusSetter) SetSessionInactive(sessionName string) {
	f.inactive = append(f.inactive, sessionName)
}

func TestExitMatchTransitionsAndUnsubscribes(t *testing.T) {
	bus, closeBus := startTestBus(t)
	defer closeBus()

	sub, unsub := bus.Subscribe([]events.Type{events.TypeSessionExited})
	defer unsub()

	mux := backend.NewFakeMultiplexer()
	be := backend.NewPTYBackend(mux)
	be.CreateSession("dev-1", "/tmp", nil)

	status := &fakeStatusSetter{}
	tracker := activity.New()
	tracker.RecordActivity("dev-1")

	m := New(be, bus, tracker, status)
	if err := m.StartMonitoring("dev-1", []string{"Goodbye!", "Session terminated"}); err != nil {
		t.Fatalf("start monitoring: %v", err)
	}

	be.Deliver("dev-1", []byte("some normal output"))
	if !m.IsMonitoring("dev-1") {
		t.Fatal("expected still monitoring after non-matching output")
	}

	be.Deliver("dev-1", []byte("Session ended. Goodbye!"))

	select {
	case e := <-sub:
		if e.Type != events.TypeSessionExited || e.SessionName != "dev-1" {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session_exited event")
	}

	time.Sleep(50 * time.Millisecond)

	if len(status.inactive) != 1 || status.inactive[0] != "dev-1" {
		t.Fatalf("expected status transitioned to inactive for dev-1, got %v", status.inactive)
	}
	if tracker.GetIdleTimeMs("dev-1") != 0 {
		t.Fatal("expected activity tracker cleared")
	}
	if m.IsMonitoring("dev-1") {
		t.Fatal("expected monitoring stopped after exit match")
	}
}

func TestSecondMatchAfterStopIsIgnored(t *testing.T) {
	bus, closeBus := startTestBus(t)
	defer closeBus()

	mux := backend.NewFakeMultiplexer()
	be := backend.NewPTYBackend(mux)
	be.CreateSession("dev-1", "/tmp", nil)

	status := &fakeStatusSetter{}
	m := New(be, bus, activity.New(), status)
	if err := m.StartMonitoring("dev-1", []string{"bye"}); err != nil {
		t.Fatalf("start monitoring: %v", err)
	}

	be.Deliver("dev-1", []byte("bye"))
	time.Sleep(50 * time.Millisecond)
	be.Deliver("dev-1", []byte("bye"))
	time.Sleep(50 * time.Millisecond)

	if len(status.inactive) != 1 {
		t.Fatalf("expected exactly one transition, got %d", len(status.inactive))
	}
}

func TestStartMonitoringUnknownSession(t *testing.T) {
	bus, closeBus := startTestBus(t)
	defer closeBus()

	be := backend.NewPTYBackend(backend.NewFakeMultiplexer())
	m := New(be, bus, activity.New(), nil)

	if err := m.StartMonitoring("ghost", []string{"bye"}); err == nil {
		t.Fatal("expected error for nonexistent session")
	}
}

func TestStopMonitoringIdempotent(t *testing.T) {
	bus, closeBus := startTestBus(t)
	defer closeBus()

	mux := backend.NewFakeMultiplexer()
	be := backend.NewPTYBackend(mux)
	be.CreateSession("dev-1", "/tmp", nil)

	m := New(be, bus, activity.New(), nil)
	m.StartMonitoring("dev-1", []string{"bye"})
	m.StopMonitoring("dev-1")
	m.StopMonitoring("dev-1")

	if m.IsMonitoring("dev-1") {
		t.Fatal("expected not monitoring")
	}
}
