package kernel

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentmux/fleetd/internal/activity"
	"github.com/agentmux/fleetd/internal/backend"
	"github.com/agentmux/fleetd/internal/budget"
	"github.com/agentmux/fleetd/internal/contextwindow"
	"github.com/agentmux/fleetd/internal/events"
	"github.com/agentmux/fleetd/internal/exitmonitor"
	"github.com/agentmux/fleetd/internal/fleet"
	"github.com/agentmux/fleetd/internal/runtime"
	"github.com/agentmux/fleetd/internal/tasks"
)

// Options wires every collaborator the Kernel owns or delegates to. Grounded on
// ODSapper-CLIAIMONITOR's cmd/cliaimonitor/main.go construction sequence, which builds its
// Captain orchestrator out of
// the same kind of already-constructed component list before Start is called.
// ContextWindowMonitor, ExitMonitor, and the AutoAssigner are deliberately absent here: all three
// need the Kernel itself as a collaborator (AgentRegistrar/StatusSetter/Deliverer/AgentLookup),
// so they're wired in afterward via SetMonitors/SetAssigner, once New has returned a Kernel for
// them to close over.
type Options struct {
	Backend     backend.SessionBackend
	Bus         *events.Bus
	Tracker     *activity.Tracker
	Runtimes    *runtime.Registry
	BudgetMeter *budget.Meter
	Checkpoint  *Checkpoint
	Clock       func() time.Time
}

// Kernel is the Control Kernel: it owns the session registry exclusively, wires
// every monitor/meter/publisher together, and drives process-wide start/stop.
type Kernel struct {
	backend     backend.SessionBackend
	bus         *events.Bus
	tracker     *activity.Tracker
	runtimes    *runtime.Registry
	ctxMonitor  *contextwindow.Monitor
	exitMon     *exitmonitor.Monitor
	budgetMeter *budget.Meter
	assigner    *tasks.Assigner
	checkpoint  *Checkpoint
	now         func() time.Time

	registry  *Registry
	publisher *fleet.Publisher

	mu      sync.Mutex
	started bool
}

// New constructs a Kernel from already-built components. Start must be called before use.
func New(opts Options) *Kernel {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	k := &Kernel{
		backend:     opts.Backend,
		bus:         opts.Bus,
		tracker:     opts.Tracker,
		runtimes:    opts.Runtimes,
		budgetMeter: opts.BudgetMeter,
		checkpoint:  opts.Checkpoint,
		now:         now,
		registry:    newRegistry(),
	}
	k.publisher = fleet.New(k)
	return k
}

// Publisher exposes the FleetPublisher so cmd/fleetd can mount the SSE handler on it.
func (k *Kernel) Publisher() *fleet.Publisher {
	return k.publisher
}

// SetAssigner wires the AutoAssigner after construction. Like the monitors, the Assigner needs
// the Kernel itself as a collaborator (Deliverer, AgentLookup), so it cannot be built before New
// returns.
func (k *Kernel) SetAssigner(a *tasks.Assigner) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.assigner = a
}

// Assigner exposes the AutoAssigner for external callers (e.g. a task-completion webhook) that
// need to report task_completed/task_failed back into the core; the core never writes back
// status itself, completion is always reported externally.
func (k *Kernel) Assigner() *tasks.Assigner {
	return k.assigner
}

// SetMonitors wires the ContextWindowMonitor and ExitMonitor after construction. The two
// monitors each need the Kernel itself as a collaborator (AgentRegistrar, StatusSetter), so they
// cannot be built before New returns; callers build them with this Kernel as the seam and then
// complete the wiring here before calling Start.
func (k *Kernel) SetMonitors(ctxMonitor *contextwindow.Monitor, exitMon *exitmonitor.Monitor) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ctxMonitor = ctxMonitor
	k.exitMon = exitMon
}

// Start restores persisted session metadata, reattaches monitors only for sessions the
// SessionBackend still knows about, and resumes the ActivityTracker.
func (k *Kernel) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return fmt.Errorf("kernel already started")
	}

	if k.checkpoint != nil {
		restored, err := k.checkpoint.LoadAll()
		if err != nil {
			return fmt.Errorf("restore checkpointed sessions: %w", err)
		}
		for _, s := range restored {
			if !k.backend.SessionExists(s.SessionName) {
				log.Printf("kernel: dropping checkpointed session %s, backend no longer has it", s.SessionName)
				_ = k.checkpoint.Delete(s.SessionName)
				continue
			}
			if err := k.registry.Register(s); err != nil {
				log.Printf("kernel: skipping duplicate checkpointed session %s: %v", s.SessionName, err)
				continue
			}
			k.reattachLocked(s)
		}
	}

	k.ctxMonitor.Start()
	k.started = true
	return nil
}

// reattachLocked resumes monitoring for a restored session. Called with k.mu held.
func (k *Kernel) reattachLocked(s Session) {
	if err := k.ctxMonitor.StartSessionMonitoring(s.SessionName, s.MemberID, s.TeamID, s.Role); err != nil {
		log.Printf("kernel: reattach context monitor for %s: %v", s.SessionName, err)
	}
	tmpl, err := k.runtimes.Get(runtime.Kind(s.RuntimeKind))
	if err == nil {
		if err := k.exitMon.StartMonitoring(s.SessionName, tmpl.GetExitPatterns()); err != nil {
			log.Printf("kernel: reattach exit monitor for %s: %v", s.SessionName, err)
		}
	}
	if k.assigner != nil {
		k.assigner.RegisterSession(s.SessionName, s.ProjectPath)
	}
}

// Stop unsubscribes every monitor, flushes the BudgetMeter, ends every FleetPublisher
// subscriber, and terminates managed sessions with a grace period before force-kill.
func (k *Kernel) Stop(killGrace time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.started {
		return nil
	}

	k.publisher.CloseAll()
	k.ctxMonitor.Stop()

	for _, s := range k.registry.List() {
		k.exitMon.StopMonitoring(s.SessionName)
		k.ctxMonitor.StopSessionMonitoring(s.SessionName)
	}

	if err := k.budgetMeter.Flush(); err != nil {
		log.Printf("kernel: flush budget meter: %v", err)
	}

	time.Sleep(killGrace)
	for _, s := range k.registry.List() {
		if err := k.backend.KillSession(s.SessionName); err != nil {
			log.Printf("kernel: kill session %s: %v", s.SessionName, err)
		}
	}

	k.started = false
	return nil
}

// CreateAgentSession implements contextwindow.AgentRegistrar: it creates a fresh PTY session for
// a recovering agent and re-registers it under the same sessionName.
func (k *Kernel) CreateAgentSession(sessionName, role, teamID, memberID string) (bool, string, error) {
	existing, ok := k.registry.Get(sessionName)
	projectPath := ""
	if ok {
		projectPath = existing.ProjectPath
	}

	if _, err := k.backend.CreateSession(sessionName, projectPath, nil); err != nil {
		return false, "", fmt.Errorf("create agent session %s: %w", sessionName, err)
	}

	s := Session{
		SessionName:    sessionName,
		AgentID:        existing.AgentID,
		Role:           role,
		TeamID:         teamID,
		MemberID:       memberID,
		ProjectPath:    projectPath,
		RuntimeKind:    existing.RuntimeKind,
		Status:         StatusStarting,
		WorkingStatus:  WorkingIdle,
		CreatedAt:      k.now(),
		LastActivityAt: k.now(),
	}
	if ok {
		k.registry.Unregister(sessionName)
	}
	if err := k.registry.Register(s); err != nil {
		return false, "", err
	}
	if k.checkpoint != nil {
		_ = k.checkpoint.Save(s)
	}
	return true, sessionName, nil
}

// SpawnRequest describes a brand-new PTY-backed agent session to bring up, as opposed to
// CreateAgentSession's re-registration of an already-known one during recovery.
type SpawnRequest struct {
	SessionName             string
	Role                    string
	TeamID                  string
	MemberID                string
	ProjectPath             string
	RuntimeKind             runtime.Kind
	RuntimeFlags            []string
	PromptFilePath          string
	RuntimeCommandsOverride string
	ReadyTimeoutMs          int
	ReadyIntervalMs         int
}

const (
	defaultReadyTimeoutMs  = 30000
	defaultReadyIntervalMs = 1000
)

// SpawnSession drives the first-time control flow a brand-new agent session needs: detect the
// runtime, run its init script, wait for readiness, register the session, and attach the
// context-window and exit monitors. CreateAgentSession is recovery-only: it creates a fresh
// backend session and re-registers it, without detection, init script, readiness wait or
// monitor attachment.
func (k *Kernel) SpawnSession(req SpawnRequest) (string, error) {
	if _, exists := k.registry.Get(req.SessionName); exists {
		return "", fmt.Errorf("spawn session %s: already registered", req.SessionName)
	}

	tmpl, err := k.runtimes.Get(req.RuntimeKind)
	if err != nil {
		return "", fmt.Errorf("spawn session %s: %w", req.SessionName, err)
	}

	if _, err := k.backend.CreateSession(req.SessionName, req.ProjectPath, nil); err != nil {
		return "", fmt.Errorf("spawn session %s: create backend session: %w", req.SessionName, err)
	}

	if !tmpl.DetectRuntimeWithCommand(req.SessionName, true) {
		log.Printf("kernel: runtime %s not detected for %s, running init script anyway", req.RuntimeKind, req.SessionName)
	}

	initOpts := runtime.InitOptions{
		RuntimeCommandsOverride: req.RuntimeCommandsOverride,
		RuntimeFlags:            req.RuntimeFlags,
		PromptFilePath:          req.PromptFilePath,
		TargetPath:              req.ProjectPath,
	}
	if err := tmpl.ExecuteRuntimeInitScript(req.SessionName, initOpts); err != nil {
		return "", fmt.Errorf("spawn session %s: init script: %w", req.SessionName, err)
	}

	timeoutMs := req.ReadyTimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultReadyTimeoutMs
	}
	intervalMs := req.ReadyIntervalMs
	if intervalMs <= 0 {
		intervalMs = defaultReadyIntervalMs
	}
	if !tmpl.WaitForRuntimeReady(req.SessionName, timeoutMs, intervalMs) {
		return "", fmt.Errorf("spawn session %s: runtime did not become ready", req.SessionName)
	}

	agentID := req.MemberID
	if agentID == "" {
		agentID = req.SessionName
	}

	s := Session{
		SessionName:    req.SessionName,
		AgentID:        agentID,
		Role:           req.Role,
		TeamID:         req.TeamID,
		MemberID:       req.MemberID,
		ProjectPath:    req.ProjectPath,
		RuntimeKind:    string(req.RuntimeKind),
		Status:         StatusStarted,
		WorkingStatus:  WorkingIdle,
		CreatedAt:      k.now(),
		LastActivityAt: k.now(),
	}
	if err := k.registry.Register(s); err != nil {
		return "", fmt.Errorf("spawn session %s: %w", req.SessionName, err)
	}
	if k.checkpoint != nil {
		_ = k.checkpoint.Save(s)
	}

	if err := k.ctxMonitor.StartSessionMonitoring(s.SessionName, s.MemberID, s.TeamID, s.Role); err != nil {
		log.Printf("kernel: start context monitor for %s: %v", s.SessionName, err)
	}
	if err := k.exitMon.StartMonitoring(s.SessionName, tmpl.GetExitPatterns()); err != nil {
		log.Printf("kernel: start exit monitor for %s: %v", s.SessionName, err)
	}
	if k.assigner != nil {
		k.assigner.RegisterSession(s.SessionName, s.ProjectPath)
	}

	return s.SessionName, nil
}

// SetSessionInactive implements exitmonitor.StatusSetter.
func (k *Kernel) SetSessionInactive(sessionName string) {
	if err := k.registry.SetStatus(sessionName, StatusInactive, false); err != nil {
		log.Printf("kernel: set session %s inactive: %v", sessionName, err)
		return
	}
	if k.checkpoint != nil {
		if s, ok := k.registry.Get(sessionName); ok {
			_ = k.checkpoint.Save(s)
		}
	}
}

// Deliver implements tasks.Deliverer: it writes the task's work order to the agent's session and
// presses Enter, the same two-step send ODSapper-CLIAIMONITOR's agent-prompt commands use.
func (k *Kernel) Deliver(sessionName string, task tasks.Record) error {
	if !k.backend.SessionExists(sessionName) {
		return fmt.Errorf("deliver task %s: session %s not found", task.ID, sessionName)
	}
	prompt := fmt.Sprintf("Task %s: %s\n%s\n", task.ID, task.Title, task.Description)
	if err := k.backend.Write(sessionName, []byte(prompt)); err != nil {
		return fmt.Errorf("deliver task %s: %w", task.ID, err)
	}
	if err := k.backend.SendKey(sessionName, backend.KeyEnter); err != nil {
		return fmt.Errorf("deliver task %s: send enter: %w", task.ID, err)
	}
	if err := k.registry.SetWorkingStatus(sessionName, WorkingInProgress); err != nil {
		log.Printf("kernel: set working status for %s: %v", sessionName, err)
	}
	return nil
}

// AgentInfo implements tasks.AgentLookup.
func (k *Kernel) AgentInfo(sessionName string) (role, projectPath string, ok bool) {
	s, found := k.registry.Get(sessionName)
	if !found {
		return "", "", false
	}
	return s.Role, s.ProjectPath, true
}

// GetFleetSnapshot implements fleet.SnapshotProvider: it projects the live session registry and
// budget meter into the FleetSnapshot the SSE stream broadcasts.
func (k *Kernel) GetFleetSnapshot() (fleet.Snapshot, error) {
	sessions := k.registry.List()

	agents := make([]fleet.Agent, 0, len(sessions))
	projectSet := map[string]struct{}{}
	stats := fleet.Stats{}

	for _, s := range sessions {
		usage := k.budgetMeter.GetUsage(s.AgentID, budget.PeriodDay)
		cpu := 0.0

		agents = append(agents, fleet.Agent{
			ID:            s.AgentID,
			SessionName:   s.SessionName,
			Role:          s.Role,
			ProjectName:   s.ProjectPath,
			Status:        string(s.Status),
			CPUPercent:    cpu,
			SessionTokens: usage.InputTokens + usage.OutputTokens,
			Activity:      string(s.WorkingStatus),
		})
		projectSet[s.ProjectPath] = struct{}{}
		stats.TotalTokens += usage.InputTokens + usage.OutputTokens

		switch s.Status {
		case StatusActive:
			stats.ActiveCount++
		case StatusInactive:
			stats.DormantCount++
		default:
			stats.IdleCount++
		}
	}

	projects := make([]string, 0, len(projectSet))
	for p := range projectSet {
		projects = append(projects, p)
	}

	return fleet.Snapshot{
		Timestamp: k.now(),
		Agents:    agents,
		Projects:  projects,
		Stats:     stats,
	}, nil
}

// Registry exposes the session registry for read-only inspection (status endpoints, tests).
func (k *Kernel) Registry() *Registry {
	return k.registry
}
