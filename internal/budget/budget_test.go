package budget

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

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

func TestCalculateCostKnownModel(t *testing.T) {
	bus, closeBus := startTestBus(t)
	defer closeBus()
	m := New(t.TempDir(), bus)

	cost := m.CalculateCost(UsageRecord{Model: "claude-sonnet-4", InputTokens: 1_000_000, OutputTokens: 1_000_000})
	want := 3.0 + 15.0
	if cost < want-0.0001 || cost > want+0.0001 {
		t.Fatalf("expected cost %.4f, got %.4f", want, cost)
	}
}

func TestCalculateCostUnknownModelFallsBackToDefault(t *testing.T) {
	bus, closeBus := startTestBus(t)
	defer closeBus()
	m := New(t.TempDir(), bus)

	cost := m.CalculateCost(UsageRecord{Model: "some-future-model", InputTokens: 1_000_000, OutputTokens: 0})
	want := 3.0
	if cost < want-0.0001 || cost > want+0.0001 {
		t.Fatalf("expected default-rate cost %.4f, got %.4f", want, cost)
	}
}

func TestRecordUsageWritesCrashSafeLog(t *testing.T) {
	bus, closeBus := startTestBus(t)
	defer closeBus()

	dir := t.TempDir()
	m := New(dir, bus)

	rec, err := m.RecordUsage(UsageRecord{
		AgentID: "agent-1", ProjectPath: "/proj", Model: "claude-haiku",
		InputTokens: 1000, OutputTokens: 500, Operation: "edit",
	})
	if err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if rec.EstimatedCost <= 0 {
		t.Fatal("expected a positive estimated cost")
	}

	path := dayLogPath(dir, rec.Timestamp)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected log file to exist: %v", err)
	}
	var logged []UsageRecord
	if err := json.Unmarshal(data, &logged); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	if len(logged) != 1 || logged[0].AgentID != "agent-1" {
		t.Fatalf("unexpected log contents: %+v", logged)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Fatalf("expected no leftover temp file, found %s", e.Name())
		}
	}
}

func TestGetUsageFiltersByScopeAndPeriod(t *testing.T) {
	bus, closeBus := startTestBus(t)
	defer closeBus()
	m := New(t.TempDir(), bus)

	m.RecordUsage(UsageRecord{AgentID: "agent-1", Model: "claude-haiku", InputTokens: 100, OutputTokens: 100, Operation: "edit"})
	m.RecordUsage(UsageRecord{AgentID: "agent-2", Model: "claude-haiku", InputTokens: 100, OutputTokens: 100, Operation: "edit"})

	usage := m.GetUsage("agent-1", PeriodDay)
	if usage.InputTokens != 100 {
		t.Fatalf("expected usage scoped to agent-1 only, got %+v", usage)
	}
}

func TestGetBudgetLookupOrder(t *testing.T) {
	bus, closeBus := startTestBus(t)
	defer closeBus()
	m := New(t.TempDir(), bus)

	globalLimit := 100.0
	agentLimit := 10.0
	m.SetBudget(Config{Scope: ScopeGlobal, ScopeID: "", DailyLimit: &globalLimit, WarningThreshold: 0.8})
	m.SetBudget(Config{Scope: ScopeAgent, ScopeID: "agent-1", DailyLimit: &agentLimit, WarningThreshold: 0.5})

	cfg := m.GetBudget("agent-1")
	if cfg.Scope != ScopeAgent || *cfg.DailyLimit != agentLimit {
		t.Fatalf("expected agent-scoped config to win, got %+v", cfg)
	}

	cfg2 := m.GetBudget("agent-2")
	if cfg2.Scope != ScopeGlobal || *cfg2.DailyLimit != globalLimit {
		t.Fatalf("expected fallback to global config, got %+v", cfg2)
	}
}

func TestGetBudgetDefaultsWhenNoneMatch(t *testing.T) {
	bus, closeBus := startTestBus(t)
	defer closeBus()
	m := New(t.TempDir(), bus)

	cfg := m.GetBudget("agent-1")
	if cfg.WarningThreshold != 0.8 {
		t.Fatalf("expected defaulted config, got %+v", cfg)
	}
}

// TestBudgetExceededFiresOnceOnCrossing covers repeated usage recordings past the daily limit
// firing budget_exceeded exactly once.
func TestBudgetExceededFiresOnceOnCrossing(t *testing.T) {
	bus, closeBus := startTestBus(t)
	defer closeBus()

	sub, unsub := bus.Subscribe([]events.Type{events.TypeBudgetWarning, events.TypeBudgetExceeded})
	defer unsub()

	m := New(t.TempDir(), bus)
	limit := 1.0
	m.SetBudget(Config{Scope: ScopeAgent, ScopeID: "agent-1", DailyLimit: &limit, WarningThreshold: 0.5})

	// claude-haiku default rate table: $0.8/1M input, well within reach with large token counts.
	rec := UsageRecord{AgentID: "agent-1", Model: "claude-haiku", InputTokens: 600_000, OutputTokens: 0, Operation: "edit"}

	m.RecordUsage(rec) // ~$0.48, below both thresholds
	m.RecordUsage(rec) // ~$0.96, crosses warning (0.5 * 1.0)
	m.RecordUsage(rec) // ~$1.44, crosses exceeded
	m.RecordUsage(rec) // still over, must not re-fire

	var warnings, exceeded int
	timeout := time.After(500 * time.Millisecond)
collect:
	for {
		select {
		case e := <-sub:
			switch e.Type {
			case events.TypeBudgetWarning:
				warnings++
			case events.TypeBudgetExceeded:
				exceeded++
			}
		case <-timeout:
			break collect
		}
	}

	if warnings != 1 {
		t.Fatalf("expected exactly 1 budget_warning, got %d", warnings)
	}
	if exceeded != 1 {
		t.Fatalf("expected exactly 1 budget_exceeded, got %d", exceeded)
	}
}

func TestGenerateReportGroupsByAgent(t *testing.T) {
	bus, closeBus := startTestBus(t)
	defer closeBus()
	m := New(t.TempDir(), bus)

	m.RecordUsage(UsageRecord{AgentID: "agent-1", ProjectPath: "/proj", Model: "claude-haiku", InputTokens: 100, Operation: "edit"})
	m.RecordUsage(UsageRecord{AgentID: "agent-2", ProjectPath: "/proj", Model: "claude-haiku", InputTokens: 200, Operation: "edit"})

	report := m.GenerateReport(PeriodDay, "/proj")
	if len(report.ByAgent) != 2 {
		t.Fatalf("expected 2 agents in report, got %d", len(report.ByAgent))
	}
	if report.ByAgent["agent-2"].InputTokens != 200 {
		t.Fatalf("unexpected agent-2 usage: %+v", report.ByAgent["agent-2"])
	}
}
