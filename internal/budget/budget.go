// Package budget implements BudgetMeter: computes per-record cost from a closed
// model-rate table, durably appends usage records to a per-UTC-day log, aggregates spend by
// scope and period, and fires edge-triggered warning/exceeded alerts. Grounded on
// ODSapper-CLIAIMONITOR's internal/persistence/store.go (JSON-file-backed state with a
// read-modify-write mutex) for the on-disk usage log, and internal/metrics/alerts.go's
// shouldAlert dedup-by-last-value idea for the edge-triggered crossing logic.
package budget

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentmux/fleetd/internal/events"
)

// Scope identifies which level a BudgetConfig applies to.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeProject Scope = "project"
	ScopeAgent   Scope = "agent"
)

// Period is an aggregation window for getUsage/generateReport.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// Rate is the per-token cost for one model: a closed mapping from model name to {input, output}.
type Rate struct {
	Input  float64
	Output float64
}

// DefaultRateTable is the closed model-rate mapping. Rates are constants of the system; an
// implementation must not silently invent model keys, so callers always get the
// "default" entry for unrecognized models instead of a zero rate.
func DefaultRateTable() map[string]Rate {
	return map[string]Rate{
		"claude-opus-4":   {Input: 15.0 / 1_000_000, Output: 75.0 / 1_000_000},
		"claude-sonnet-4": {Input: 3.0 / 1_000_000, Output: 15.0 / 1_000_000},
		"claude-haiku":    {Input: 0.8 / 1_000_000, Output: 4.0 / 1_000_000},
		"gpt-4o":          {Input: 2.5 / 1_000_000, Output: 10.0 / 1_000_000},
		"gemini-1.5-pro":  {Input: 1.25 / 1_000_000, Output: 5.0 / 1_000_000},
		"default":         {Input: 3.0 / 1_000_000, Output: 15.0 / 1_000_000},
	}
}

// UsageRecord is one token-usage event.
type UsageRecord struct {
	AgentID       string    `json:"agentId"`
	SessionName   string    `json:"sessionName"`
	ProjectPath   string    `json:"projectPath"`
	Timestamp     time.Time `json:"timestamp"`
	InputTokens   int64     `json:"inputTokens"`
	OutputTokens  int64     `json:"outputTokens"`
	Model         string    `json:"model"`
	Operation     string    `json:"operation"`
	TaskID        string    `json:"taskId,omitempty"`
	EstimatedCost float64   `json:"estimatedCost"`
}

// Config is a BudgetConfig.
type Config struct {
	Scope             Scope
	ScopeID            string
	DailyLimit         *float64
	WeeklyLimit        *float64
	MonthlyLimit       *float64
	MaxTokensPerTask   *int64
	WarningThreshold   float64 // ∈ [0,1]
}

func defaultConfig(scope Scope, scopeID string) Config {
	return Config{Scope: scope, ScopeID: scopeID, WarningThreshold: 0.8}
}

// Usage is the aggregate result of getUsage/generateReport.
type Usage struct {
	InputTokens     int64
	OutputTokens    int64
	EstimatedCost   float64
	ByOperation     map[string]float64
	ByModel         map[string]float64
}

func newUsage() Usage {
	return Usage{ByOperation: make(map[string]float64), ByModel: make(map[string]float64)}
}

// Report groups Usage by agentId.
type Report struct {
	Period Period
	ByAgent map[string]Usage
}

// Meter is the BudgetMeter.
type Meter struct {
	rates   map[string]Rate
	logDir  string
	bus     *events.Bus

	mu       sync.Mutex
	records  []UsageRecord // full in-memory mirror, append-only, used to answer getUsage/getBudget
	configs  map[string]Config // key: scope + ":" + scopeID
	lastPct  map[string]float64 // key: scope+":"+scopeID+":"+period, last emitted crossing percentage
}

// New creates a Meter. logDir holds one JSON file per UTC day (usage-YYYY-MM-DD.json).
func New(logDir string, bus *events.Bus) *Meter {
	return &Meter{
		rates:   DefaultRateTable(),
		logDir:  logDir,
		bus:     bus,
		configs: make(map[string]Config),
		lastPct: make(map[string]float64),
	}
}

// Flush is a no-op: appendToLog writes each UsageRecord synchronously, so there is nothing
// buffered to drain. It exists to satisfy the Kernel shutdown sequence's "flush the
// BudgetMeter" step uniformly alongside the other components.
func (m *Meter) Flush() error {
	return nil
}

// SetRates overrides the default rate table (tests / future repricing).
func (m *Meter) SetRates(rates map[string]Rate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates = rates
}

func configKey(scope Scope, scopeID string) string {
	return string(scope) + ":" + scopeID
}

// SetBudget installs or replaces a BudgetConfig for a scope.
func (m *Meter) SetBudget(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[configKey(cfg.Scope, cfg.ScopeID)] = cfg
}

// CalculateCost computes inputTokens×rate.input + outputTokens×rate.output, falling back to the
// "default" rate entry for an unrecognized model.
func (m *Meter) CalculateCost(r UsageRecord) float64 {
	m.mu.Lock()
	rate, ok := m.rates[r.Model]
	if !ok {
		rate = m.rates["default"]
	}
	m.mu.Unlock()
	return float64(r.InputTokens)*rate.Input + float64(r.OutputTokens)*rate.Output
}

// RecordUsage computes the record's cost, durably appends it to the day's usage log, updates the
// in-memory mirror, and fires budget_warning/budget_exceeded on a first crossing.
func (m *Meter) RecordUsage(r UsageRecord) (UsageRecord, error) {
	r.EstimatedCost = m.CalculateCost(r)
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	if err := m.appendToLog(r); err != nil {
		return r, fmt.Errorf("record usage: %w", err)
	}

	m.mu.Lock()
	m.records = append(m.records, r)
	m.mu.Unlock()

	m.checkCrossings(r.AgentID)
	m.checkCrossings(r.ProjectPath)
	m.checkCrossings("")

	return r, nil
}

func dayLogPath(dir string, day time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("usage-%s.json", day.UTC().Format("2006-01-02")))
}

// appendToLog reads, appends, and rewrites the current UTC day's log file via write-temp-then-
// rename so a crash mid-write never corrupts a prior day's data. See DESIGN.md for why this
// package writes atomically rather than with a plain os.WriteFile.
func (m *Meter) appendToLog(r UsageRecord) error {
	if err := os.MkdirAll(m.logDir, 0755); err != nil {
		return err
	}

	path := dayLogPath(m.logDir, r.Timestamp)

	var existing []UsageRecord
	data, err := os.ReadFile(path)
	if err == nil {
		if unmarshalErr := json.Unmarshal(data, &existing); unmarshalErr != nil {
			return fmt.Errorf("corrupt usage log %s: %w", path, unmarshalErr)
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	existing = append(existing, r)
	out, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(m.logDir, ".usage-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// periodStart returns the UTC-aligned start of the bucket containing now for the given period.
func periodStart(now time.Time, p Period) time.Time {
	now = now.UTC()
	switch p {
	case PeriodWeek:
		offset := int(now.Weekday())
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -offset)
	case PeriodMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// GetUsage sums {inputTokens, outputTokens, estimatedCost} plus per-operation/per-model
// breakdowns for records in the UTC-aligned period bucket whose agentId or projectPath matches
// scopeID.
func (m *Meter) GetUsage(scopeID string, p Period) Usage {
	m.mu.Lock()
	records := append([]UsageRecord(nil), m.records...)
	m.mu.Unlock()

	start := periodStart(time.Now(), p)
	usage := newUsage()
	for _, r := range records {
		if r.Timestamp.Before(start) {
			continue
		}
		if scopeID != "" && r.AgentID != scopeID && r.ProjectPath != scopeID {
			continue
		}
		usage.InputTokens += r.InputTokens
		usage.OutputTokens += r.OutputTokens
		usage.EstimatedCost += r.EstimatedCost
		usage.ByOperation[r.Operation] += r.EstimatedCost
		usage.ByModel[r.Model] += r.EstimatedCost
	}
	return usage
}

// GetBudget returns the first matching BudgetConfig in agent, then project, then global order;
// a defaulted config if none match.
func (m *Meter) GetBudget(scopeID string) Config {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg, ok := m.configs[configKey(ScopeAgent, scopeID)]; ok {
		return cfg
	}
	if cfg, ok := m.configs[configKey(ScopeProject, scopeID)]; ok {
		return cfg
	}
	if cfg, ok := m.configs[configKey(ScopeGlobal, "")]; ok {
		return cfg
	}
	return defaultConfig(ScopeGlobal, scopeID)
}

// GenerateReport groups Usage by agentId for every agent with at least one record in the period.
func (m *Meter) GenerateReport(p Period, projectPath string) Report {
	m.mu.Lock()
	records := append([]UsageRecord(nil), m.records...)
	m.mu.Unlock()

	start := periodStart(time.Now(), p)
	byAgent := make(map[string]Usage)
	for _, r := range records {
		if r.Timestamp.Before(start) {
			continue
		}
		if projectPath != "" && r.ProjectPath != projectPath {
			continue
		}
		u, ok := byAgent[r.AgentID]
		if !ok {
			u = newUsage()
		}
		u.InputTokens += r.InputTokens
		u.OutputTokens += r.OutputTokens
		u.EstimatedCost += r.EstimatedCost
		u.ByOperation[r.Operation] += r.EstimatedCost
		u.ByModel[r.Model] += r.EstimatedCost
		byAgent[r.AgentID] = u
	}
	return Report{Period: p, ByAgent: byAgent}
}

// checkCrossings evaluates every period for scopeID against its effective budget and fires an
// edge-triggered alert the first time spend crosses the warning threshold or the limit itself;
// repeats below the last-emitted percentage never re-fire.
func (m *Meter) checkCrossings(scopeID string) {
	cfg := m.GetBudget(scopeID)

	for _, p := range []Period{PeriodDay, PeriodWeek, PeriodMonth} {
		limit := limitFor(cfg, p)
		if limit == nil || *limit <= 0 {
			continue
		}
		usage := m.GetUsage(scopeID, p)
		pct := usage.EstimatedCost / *limit

		key := configKey(cfg.Scope, scopeID) + ":" + string(p)
		m.mu.Lock()
		last := m.lastPct[key]
		if pct > last {
			m.lastPct[key] = pct
		}
		m.mu.Unlock()

		if last >= 1.0 {
			continue // already exceeded and emitted; no further re-fire
		}
		if pct >= 1.0 {
			m.publish(events.TypeBudgetExceeded, scopeID, p, usage.EstimatedCost, *limit)
		} else if pct >= cfg.WarningThreshold && last < cfg.WarningThreshold {
			m.publish(events.TypeBudgetWarning, scopeID, p, usage.EstimatedCost, *limit)
		}
	}
}

func limitFor(cfg Config, p Period) *float64 {
	switch p {
	case PeriodDay:
		return cfg.DailyLimit
	case PeriodWeek:
		return cfg.WeeklyLimit
	case PeriodMonth:
		return cfg.MonthlyLimit
	}
	return nil
}

func (m *Meter) publish(t events.Type, scopeID string, p Period, spend, limit float64) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.New(t,
		events.WithAgentID(scopeID),
		events.WithMetadata(map[string]interface{}{
			"period": string(p),
			"spend":  spend,
			"limit":  limit,
		}),
	))
	log.Printf("[BUDGET] %s scope=%s period=%s spend=%.4f limit=%.4f", t, scopeID, p, spend, limit)
}
