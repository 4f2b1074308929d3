package tasks

import (
	"testing"
	"time"

	"github.com/agentmux/fleetd/internal/config"
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

type fakeStore struct {
	records []Record
}

func (s *fakeStore) ListTasks(projectPath string) []Record {
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

func (s *fakeStore) setStatus(id string, status Status) {
	for i := range s.records {
		if s.records[i].ID == id {
			s.records[i].Status = status
		}
	}
}

type fakeDeliverer struct {
	delivered []string
}

func (d *fakeDeliverer) Deliver(sessionName string, task Record) error {
	d.delivered = append(d.delivered, task.ID)
	return nil
}

type fakeAgentLookup struct {
	role        string
	projectPath string
}

func (f fakeAgentLookup) AgentInfo(sessionName string) (string, string, bool) {
	return f.role, f.projectPath, true
}

// TestAssignNextTaskRespectsDependencyBlocking covers a dependent task being skipped until its
// dependency completes, then becoming assignable.
func TestAssignNextTaskRespectsDependencyBlocking(t *testing.T) {
	bus, closeBus := startTestBus(t)
	defer closeBus()

	now := time.Now().UTC()
	store := &fakeStore{records: []Record{
		{ID: "task-a", Title: "build api", Status: StatusOpen, Priority: PriorityHigh, CreatedAt: now},
		{ID: "task-b", Title: "write docs", Status: StatusOpen, Priority: PriorityHigh, CreatedAt: now.Add(time.Second), Dependencies: []string{"task-a"}},
	}}
	deliverer := &fakeDeliverer{}
	agents := fakeAgentLookup{role: "developer", projectPath: "/proj"}

	cfg := config.DefaultAutoAssignConfig()
	a := New(store, bus, deliverer, agents, func(string) config.AutoAssignConfig { return cfg })
	a.RegisterSession("dev-1", "/proj")

	outcome := a.AssignNextTask("dev-1")
	if outcome != OutcomeAssigned {
		t.Fatalf("expected first assignment to succeed, got %s", outcome)
	}
	if len(deliverer.delivered) != 1 || deliverer.delivered[0] != "task-a" {
		t.Fatalf("expected task-a delivered first (task-b is blocked), got %+v", deliverer.delivered)
	}

	// task-a still active: workload is at capacity (default max 1), so nothing more assigns yet.
	if outcome := a.AssignNextTask("dev-1"); outcome != OutcomeAtCapacity {
		t.Fatalf("expected at_capacity while task-a is active, got %s", outcome)
	}

	// Complete task-a: the store moves it to done and the assigner clears workload, then the
	// freed-up session is retried automatically via HandleTaskCompleted.
	store.setStatus("task-a", StatusDone)
	a.HandleTaskCompleted("dev-1", "task-a")

	if len(deliverer.delivered) != 2 || deliverer.delivered[1] != "task-b" {
		t.Fatalf("expected task-b delivered once task-a completed, got %+v", deliverer.delivered)
	}

	assignments := a.Assignments("/proj")
	if len(assignments) != 2 {
		t.Fatalf("expected 2 recorded assignments, got %d", len(assignments))
	}
	if assignments[0].Status != AssignmentCompleted {
		t.Fatalf("expected task-a assignment marked completed, got %+v", assignments[0])
	}
	if assignments[1].Status != AssignmentActive {
		t.Fatalf("expected task-b assignment active, got %+v", assignments[1])
	}
}

func TestFindNextTaskReturnsAllBlockedWhenEverythingWaitsOnDependencies(t *testing.T) {
	bus, closeBus := startTestBus(t)
	defer closeBus()

	now := time.Now().UTC()
	store := &fakeStore{records: []Record{
		{ID: "task-a", Status: StatusOpen, Priority: PriorityHigh, CreatedAt: now, Dependencies: []string{"task-x"}},
		{ID: "task-x", Status: StatusInProgress, Priority: PriorityHigh, CreatedAt: now},
	}}
	cfg := config.DefaultAutoAssignConfig()
	a := New(store, bus, nil, fakeAgentLookup{role: "developer", projectPath: "/proj"}, func(string) config.AutoAssignConfig { return cfg })
	a.RegisterSession("dev-1", "/proj")

	result := a.FindNextTask(FindRequest{SessionName: "dev-1", Role: "developer", ProjectPath: "/proj"})
	if result.Found {
		t.Fatalf("expected no eligible task, got %+v", result.Task)
	}
	if result.Reason != ReasonAllBlocked {
		t.Fatalf("expected all_blocked, got %s", result.Reason)
	}
}

func TestFindNextTaskRespectsRoleSubstitution(t *testing.T) {
	bus, closeBus := startTestBus(t)
	defer closeBus()

	now := time.Now().UTC()
	store := &fakeStore{records: []Record{
		{ID: "task-a", Status: StatusOpen, Priority: PriorityHigh, CreatedAt: now, Assignee: "developer"},
	}}
	cfg := config.DefaultAutoAssignConfig()
	a := New(store, bus, nil, fakeAgentLookup{role: "frontend-developer", projectPath: "/proj"}, func(string) config.AutoAssignConfig { return cfg })
	a.RegisterSession("fe-1", "/proj")

	result := a.FindNextTask(FindRequest{SessionName: "fe-1", Role: "frontend-developer", ProjectPath: "/proj"})
	if !result.Found || result.Task.TaskID != "task-a" {
		t.Fatalf("expected frontend-developer to substitute for developer, got %+v", result)
	}
}

func TestFindNextTaskRejectsUnsubstitutableRole(t *testing.T) {
	bus, closeBus := startTestBus(t)
	defer closeBus()

	now := time.Now().UTC()
	store := &fakeStore{records: []Record{
		{ID: "task-a", Status: StatusOpen, Priority: PriorityHigh, CreatedAt: now, Assignee: "developer"},
	}}
	cfg := config.DefaultAutoAssignConfig()
	a := New(store, bus, nil, fakeAgentLookup{role: "designer", projectPath: "/proj"}, func(string) config.AutoAssignConfig { return cfg })
	a.RegisterSession("designer-1", "/proj")

	result := a.FindNextTask(FindRequest{SessionName: "designer-1", Role: "designer", ProjectPath: "/proj"})
	if result.Found {
		t.Fatalf("expected designer to be ineligible for a developer-only task, got %+v", result.Task)
	}
	if result.Reason != ReasonRoleMismatch {
		t.Fatalf("expected role_mismatch, got %s", result.Reason)
	}
}

func TestAssignNextTaskEmitsNoTasksWhenQueueEmpty(t *testing.T) {
	bus, closeBus := startTestBus(t)
	defer closeBus()

	sub, unsub := bus.Subscribe([]events.Type{events.TypeNoTasks})
	defer unsub()

	store := &fakeStore{}
	cfg := config.DefaultAutoAssignConfig()
	a := New(store, bus, nil, fakeAgentLookup{role: "developer", projectPath: "/proj"}, func(string) config.AutoAssignConfig { return cfg })
	a.RegisterSession("dev-1", "/proj")

	if outcome := a.AssignNextTask("dev-1"); outcome != OutcomeNoTasks {
		t.Fatalf("expected no_tasks, got %s", outcome)
	}

	select {
	case e := <-sub:
		if e.Type != events.TypeNoTasks {
			t.Fatalf("expected no_tasks event, got %s", e.Type)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected a no_tasks event to be published")
	}
}

func TestAssignNextTaskHonorsCooldown(t *testing.T) {
	bus, closeBus := startTestBus(t)
	defer closeBus()

	now := time.Now().UTC()
	store := &fakeStore{records: []Record{
		{ID: "task-a", Status: StatusOpen, Priority: PriorityHigh, CreatedAt: now},
		{ID: "task-b", Status: StatusOpen, Priority: PriorityHigh, CreatedAt: now.Add(time.Second)},
	}}
	deliverer := &fakeDeliverer{}
	cfg := config.DefaultAutoAssignConfig()
	cfg.Strategy.LoadBalancing.MaxConcurrentTasks = 2
	cfg.Limits.CooldownBetweenTasks = 3600

	a := New(store, bus, deliverer, fakeAgentLookup{role: "developer", projectPath: "/proj"}, func(string) config.AutoAssignConfig { return cfg })
	a.RegisterSession("dev-1", "/proj")

	if outcome := a.AssignNextTask("dev-1"); outcome != OutcomeAssigned {
		t.Fatalf("expected first assignment to succeed, got %s", outcome)
	}
	if outcome := a.AssignNextTask("dev-1"); outcome != OutcomeCooldown {
		t.Fatalf("expected cooldown to block the second assignment, got %s", outcome)
	}
}

func TestMarkTaskFailedFreesWorkloadWithoutRetry(t *testing.T) {
	bus, closeBus := startTestBus(t)
	defer closeBus()

	now := time.Now().UTC()
	store := &fakeStore{records: []Record{
		{ID: "task-a", Status: StatusOpen, Priority: PriorityHigh, CreatedAt: now},
	}}
	deliverer := &fakeDeliverer{}
	cfg := config.DefaultAutoAssignConfig()
	a := New(store, bus, deliverer, fakeAgentLookup{role: "developer", projectPath: "/proj"}, func(string) config.AutoAssignConfig { return cfg })
	a.RegisterSession("dev-1", "/proj")

	a.AssignNextTask("dev-1")
	a.MarkTaskFailed("task-a", "dev-1", "crashed")

	assignments := a.Assignments("/proj")
	if len(assignments) != 1 || assignments[0].Status != AssignmentFailed {
		t.Fatalf("expected task-a marked failed, got %+v", assignments)
	}
	// No automatic retry: the store still reports task-a open, but nothing re-delivers it.
	if len(deliverer.delivered) != 1 {
		t.Fatalf("expected no automatic retry delivery, got %+v", deliverer.delivered)
	}
}
