package kernel

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agentmux/fleetd/internal/activity"
	"github.com/agentmux/fleetd/internal/backend"
	"github.com/agentmux/fleetd/internal/budget"
	"github.com/agentmux/fleetd/internal/contextwindow"
	"github.com/agentmux/fleetd/internal/events"
	"github.com/agentmux/fleetd/internal/exitmonitor"
	"github.com/agentmux/fleetd/internal/fleet"
	"github.com/agentmux/fleetd/internal/runtime"
)

// fakeSink is a minimal fleet.Sink recorder for kernel-level shutdown tests.
type fakeSink struct{}

func (fakeSink) SendConnected() error                { return nil }
func (fakeSink) SendState(fleet.Snapshot) error       { return nil }
func (fakeSink) SendHeartbeat(time.Time) error        { return nil }
func (fakeSink) SendError(fleet.ErrorPayload) error    { return nil }

func startTestBus(t *testing.T) *events.Bus {
	t.Helper()
	srv, err := events.NewServer(events.ServerConfig{Port: -1})
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	bus, err := events.Connect(srv.URL())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus
}

func newTestKernel(t *testing.T) (*Kernel, *backend.FakeMultiplexer) {
	t.Helper()
	mux := backend.NewFakeMultiplexer()
	be := backend.NewPTYBackend(mux)
	bus := startTestBus(t)
	tracker := activity.New()

	runtimes := runtime.NewRegistry(be)
	runtimes.Register(runtime.NewClaudeCodeAdapter())

	checkpointPath := filepath.Join(t.TempDir(), "checkpoint.db")
	cp, err := OpenCheckpoint(checkpointPath)
	if err != nil {
		t.Fatalf("open checkpoint: %v", err)
	}
	t.Cleanup(func() { cp.Close() })

	k := New(Options{
		Backend:     be,
		Bus:         bus,
		Tracker:     tracker,
		Runtimes:    runtimes,
		BudgetMeter: budget.New(t.TempDir(), bus),
		Checkpoint:  cp,
		Clock:       func() time.Time { return time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC) },
	})
	exitMon := exitmonitor.New(be, bus, tracker, k)
	ctxMonitor := contextwindow.New(be, bus, tracker, k, exitMon)
	k.SetMonitors(ctxMonitor, exitMon)
	return k, mux
}

func TestStartRestoresReattachesOnlySessionsBackendStillKnows(t *testing.T) {
	k, mux := newTestKernel(t)

	mux.Spawn("dev-1", "/proj", nil)
	live := Session{
		SessionName: "dev-1", AgentID: "a1", Role: "developer", ProjectPath: "/proj",
		RuntimeKind: string(runtime.KindClaudeCode), Status: StatusActive, WorkingStatus: WorkingIdle,
		CreatedAt: time.Now(), LastActivityAt: time.Now(),
	}
	gone := Session{
		SessionName: "dev-2", AgentID: "a2", Role: "developer", ProjectPath: "/proj",
		RuntimeKind: string(runtime.KindClaudeCode), Status: StatusActive, WorkingStatus: WorkingIdle,
		CreatedAt: time.Now(), LastActivityAt: time.Now(),
	}
	if err := k.checkpoint.Save(live); err != nil {
		t.Fatalf("save live: %v", err)
	}
	if err := k.checkpoint.Save(gone); err != nil {
		t.Fatalf("save gone: %v", err)
	}

	if err := k.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, ok := k.registry.Get("dev-1"); !ok {
		t.Fatal("expected dev-1 to be reattached")
	}
	if _, ok := k.registry.Get("dev-2"); ok {
		t.Fatal("expected dev-2 to be dropped, backend no longer has it")
	}
	if !k.ctxMonitor.IsRunning() {
		t.Fatal("expected context monitor to be running after start")
	}
}

func TestStopEndsPublisherSubscribersAndKillsSessions(t *testing.T) {
	k, mux := newTestKernel(t)
	if err := k.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	mux.Spawn("dev-1", "/proj", nil)
	s := Session{
		SessionName: "dev-1", AgentID: "a1", Role: "developer", ProjectPath: "/proj",
		RuntimeKind: string(runtime.KindClaudeCode), Status: StatusActive, WorkingStatus: WorkingIdle,
		CreatedAt: time.Now(), LastActivityAt: time.Now(),
	}
	if err := k.registry.Register(s); err != nil {
		t.Fatalf("register: %v", err)
	}

	k.Publisher().Subscribe("sub-1", fakeSink{})
	if k.Publisher().SubscriberCount() != 1 {
		t.Fatal("expected one subscriber before stop")
	}

	if err := k.Stop(0); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if k.Publisher().SubscriberCount() != 0 {
		t.Fatal("expected stop to end every fleet publisher subscriber")
	}
	if mux.Exists("dev-1") {
		t.Fatal("expected stop to kill managed sessions")
	}
}

func TestCreateAgentSessionRegistersAndCheckpoints(t *testing.T) {
	k, _ := newTestKernel(t)

	ok, name, err := k.CreateAgentSession("dev-1", "developer", "team-a", "member-a")
	if err != nil || !ok {
		t.Fatalf("create agent session: ok=%v err=%v", ok, err)
	}
	if name != "dev-1" {
		t.Fatalf("expected sessionName dev-1, got %s", name)
	}

	s, found := k.registry.Get("dev-1")
	if !found {
		t.Fatal("expected session registered")
	}
	if s.Status != StatusStarting {
		t.Fatalf("expected new session to start in StatusStarting, got %s", s.Status)
	}

	restored, err := k.checkpoint.LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(restored) != 1 || restored[0].SessionName != "dev-1" {
		t.Fatalf("expected dev-1 checkpointed, got %+v", restored)
	}
}

func TestGetFleetSnapshotProjectsRegisteredSessions(t *testing.T) {
	k, _ := newTestKernel(t)
	if _, _, err := k.CreateAgentSession("dev-1", "developer", "", ""); err != nil {
		t.Fatalf("create agent session: %v", err)
	}
	if err := k.registry.SetStatus("dev-1", StatusActive, false); err != nil {
		t.Fatalf("set active: %v", err)
	}

	snap, err := k.GetFleetSnapshot()
	if err != nil {
		t.Fatalf("get fleet snapshot: %v", err)
	}
	if len(snap.Agents) != 1 {
		t.Fatalf("expected one agent in snapshot, got %d", len(snap.Agents))
	}
	if snap.Stats.ActiveCount != 1 {
		t.Fatalf("expected activeCount 1, got %d", snap.Stats.ActiveCount)
	}
}

func TestSpawnSessionRegistersAndAttachesMonitorsOnReady(t *testing.T) {
	k, mux := newTestKernel(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		mux.PushOutput("dev-1", "Welcome to Claude Code, Ready")
	}()

	name, err := k.SpawnSession(SpawnRequest{
		SessionName:     "dev-1",
		Role:            "developer",
		ProjectPath:     "/proj",
		RuntimeKind:     runtime.KindClaudeCode,
		ReadyTimeoutMs:  2000,
		ReadyIntervalMs: 25,
	})
	if err != nil {
		t.Fatalf("spawn session: %v", err)
	}
	if name != "dev-1" {
		t.Fatalf("expected sessionName dev-1, got %s", name)
	}

	s, ok := k.registry.Get("dev-1")
	if !ok {
		t.Fatal("expected session registered")
	}
	if s.Status != StatusStarted {
		t.Fatalf("expected new session to start in StatusStarted, got %s", s.Status)
	}
	if !mux.Exists("dev-1") {
		t.Fatal("expected backend session to exist")
	}
}

func TestSpawnSessionFailsWhenAlreadyRegistered(t *testing.T) {
	k, _ := newTestKernel(t)
	if _, _, err := k.CreateAgentSession("dev-1", "developer", "", ""); err != nil {
		t.Fatalf("create agent session: %v", err)
	}

	if _, err := k.SpawnSession(SpawnRequest{
		SessionName: "dev-1",
		RuntimeKind: runtime.KindClaudeCode,
	}); err == nil {
		t.Fatal("expected spawn to fail for an already-registered session")
	}
}

func TestSpawnSessionFailsWhenRuntimeNeverBecomesReady(t *testing.T) {
	k, _ := newTestKernel(t)

	_, err := k.SpawnSession(SpawnRequest{
		SessionName:     "dev-1",
		RuntimeKind:     runtime.KindClaudeCode,
		ReadyTimeoutMs:  50,
		ReadyIntervalMs: 10,
	})
	if err == nil {
		t.Fatal("expected spawn to fail when readiness never arrives")
	}
}

func TestAgentInfoImplementsTasksAgentLookup(t *testing.T) {
	k, _ := newTestKernel(t)
	if _, _, err := k.CreateAgentSession("dev-1", "developer", "", ""); err != nil {
		t.Fatalf("create agent session: %v", err)
	}

	role, projectPath, ok := k.AgentInfo("dev-1")
	if !ok || role != "developer" {
		t.Fatalf("expected developer role for dev-1, got role=%s ok=%v", role, ok)
	}
	_ = projectPath

	if _, _, ok := k.AgentInfo("missing"); ok {
		t.Fatal("expected AgentInfo to report false for an unregistered session")
	}
}
