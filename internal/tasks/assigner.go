package tasks

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentmux/fleetd/internal/config"
	"github.com/agentmux/fleetd/internal/events"
)

// Deliverer hands an assigned task to the agent's session. The delivery command itself is a
// collaborator contract.
type Deliverer interface {
	Deliver(sessionName string, task Record) error
}

// AgentLookup resolves a session's role and project, the minimal agent-directory seam the
// assigner needs without importing the Kernel's session registry directly.
type AgentLookup interface {
	AgentInfo(sessionName string) (role, projectPath string, ok bool)
}

// FindRequest is the input to findNextTask.
type FindRequest struct {
	SessionName        string
	Role               string
	ProjectPath        string
	PreferredTaskTypes []string
}

// FindReason is the distinct no-op reason findNextTask returns when nothing is eligible.
type FindReason string

const (
	ReasonNone         FindReason = ""
	ReasonNoTasks      FindReason = "no_tasks"
	ReasonAllBlocked   FindReason = "all_blocked"
	ReasonRoleMismatch FindReason = "role_mismatch"
)

// FindResult is findNextTask's outcome.
type FindResult struct {
	Found  bool
	Task   Queued
	Reason FindReason
}

type projectState struct {
	mu          sync.Mutex
	queue       *Queue
	assignments []Assignment
	paused      bool
}

type agentState struct {
	workload         int
	lastAssignmentAt time.Time
	dailyCount       int
	dailyCountDate   string // YYYY-MM-DD (UTC), reset boundary
}

// AssignOutcome names the distinct no-op reason assignNextTask stopped at, or OutcomeAssigned on
// success.
type AssignOutcome string

const (
	OutcomeAssigned            AssignOutcome = "assigned"
	OutcomeNoProject           AssignOutcome = "project_not_registered"
	OutcomeDisabledOrPaused    AssignOutcome = "disabled_or_paused"
	OutcomeAtCapacity          AssignOutcome = "at_capacity"
	OutcomeCooldown            AssignOutcome = "cooldown"
	OutcomeDailyLimit          AssignOutcome = "daily_limit"
	OutcomeNoTasks             AssignOutcome = "no_tasks"
)

// Assigner is the AutoAssigner.
type Assigner struct {
	store      Store
	bus        *events.Bus
	deliverer  Deliverer
	agents     AgentLookup
	cfgFor     func(projectPath string) config.AutoAssignConfig
	now        func() time.Time

	mu            sync.Mutex
	projects      map[string]*projectState // projectPath -> state
	agentStates   map[string]*agentState   // sessionName -> state
	agentProjects map[string]string        // sessionName -> projectPath
}

// New creates an Assigner. cfgFor resolves the live AutoAssignConfig for a project (typically
// backed by a config.Loader per project root).
func New(store Store, bus *events.Bus, deliverer Deliverer, agents AgentLookup, cfgFor func(string) config.AutoAssignConfig) *Assigner {
	return &Assigner{
		store:         store,
		bus:           bus,
		deliverer:     deliverer,
		agents:        agents,
		cfgFor:        cfgFor,
		now:           time.Now,
		projects:      make(map[string]*projectState),
		agentStates:   make(map[string]*agentState),
		agentProjects: make(map[string]string),
	}
}

// RegisterSession binds a session to a project, creating the project's Queue on first use.
func (a *Assigner) RegisterSession(sessionName, projectPath string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.agentProjects[sessionName] = projectPath
	if _, ok := a.agentStates[sessionName]; !ok {
		a.agentStates[sessionName] = &agentState{}
	}
	if _, ok := a.projects[projectPath]; !ok {
		cfg := a.cfgFor(projectPath)
		ps := &projectState{queue: NewQueue(a.store, projectPath, cfg.Strategy.Prioritization)}
		a.projects[projectPath] = ps
		ps.queue.Refresh()
	}
}

// RefreshQueue re-pulls and re-sorts a project's queue.
func (a *Assigner) RefreshQueue(projectPath string) {
	a.mu.Lock()
	ps, ok := a.projects[projectPath]
	a.mu.Unlock()
	if !ok {
		return
	}
	ps.queue.Refresh()
}

// FindNextTask filters the project's queue by eligibility, sorts by preferred type then the
// project's prioritization strategy, and returns the head.
func (a *Assigner) FindNextTask(req FindRequest) FindResult {
	a.mu.Lock()
	ps, ok := a.projects[req.ProjectPath]
	cfg := a.cfgFor(req.ProjectPath)
	a.mu.Unlock()
	if !ok {
		return FindResult{Found: false, Reason: ReasonNoTasks}
	}

	all := ps.queue.Snapshot()
	if len(all) == 0 {
		return FindResult{Found: false, Reason: ReasonNoTasks}
	}

	rule, ruleOK := ruleFor(cfg, req.Role)
	exclusiveOwners := exclusiveTaskTypeOwners(cfg)

	var eligible []Queued
	sawBlocked := false
	sawRoleMismatch := false
	for _, t := range all {
		if reason, ok := isEligible(t, req.Role, rule, ruleOK, exclusiveOwners, cfg.Strategy.Dependencies.RespectBlocking); !ok {
			switch reason {
			case ReasonAllBlocked:
				sawBlocked = true
			case ReasonRoleMismatch:
				sawRoleMismatch = true
			}
			continue
		}
		eligible = append(eligible, t)
	}

	if len(eligible) == 0 {
		switch {
		case sawBlocked:
			return FindResult{Found: false, Reason: ReasonAllBlocked}
		case sawRoleMismatch:
			return FindResult{Found: false, Reason: ReasonRoleMismatch}
		default:
			return FindResult{Found: false, Reason: ReasonNoTasks}
		}
	}

	sortPreferredFirst(eligible, req.PreferredTaskTypes)
	return FindResult{Found: true, Task: eligible[0]}
}

func ruleFor(cfg config.AutoAssignConfig, role string) (config.RoleMatchRule, bool) {
	resolved := config.ResolveRole(role)
	for _, r := range cfg.Strategy.RoleMatching {
		if r.Role == role || r.Role == resolved {
			return r, true
		}
	}
	return config.RoleMatchRule{}, false
}

// exclusiveTaskTypeOwners maps a taskType to the single role allowed to claim it, for every
// taskType declared exclusive by some role's rule.
func exclusiveTaskTypeOwners(cfg config.AutoAssignConfig) map[string]string {
	owners := make(map[string]string)
	for _, r := range cfg.Strategy.RoleMatching {
		if !r.Exclusive {
			continue
		}
		for _, tt := range r.TaskTypes {
			owners[tt] = r.Role
		}
	}
	return owners
}

func isEligible(t Queued, role string, rule config.RoleMatchRule, ruleOK bool, exclusiveOwners map[string]string, respectBlocking bool) (FindReason, bool) {
	resolved := config.ResolveRole(role)

	if t.RequiredRole != "" && t.RequiredRole != role {
		if resolved != t.RequiredRole {
			return ReasonRoleMismatch, false
		}
	}

	if t.TaskType != "" {
		if !ruleOK || !contains(rule.TaskTypes, t.TaskType) {
			return ReasonRoleMismatch, false
		}
		if owner, ok := exclusiveOwners[t.TaskType]; ok && owner != resolved {
			return ReasonRoleMismatch, false
		}
	}

	if respectBlocking && len(t.BlockedBy) > 0 {
		return ReasonAllBlocked, false
	}

	return ReasonNone, true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// sortPreferredFirst stable-partitions eligible ahead of the baseline strategy order so that
// tasks matching a preferred type sort first.
func sortPreferredFirst(eligible []Queued, preferred []string) {
	if len(preferred) == 0 {
		return
	}
	isPreferred := func(t Queued) bool { return contains(preferred, t.TaskType) }

	out := make([]Queued, 0, len(eligible))
	for _, t := range eligible {
		if isPreferred(t) {
			out = append(out, t)
		}
	}
	for _, t := range eligible {
		if !isPreferred(t) {
			out = append(out, t)
		}
	}
	copy(eligible, out)
}

// AssignNextTask enforces the preconditions in order, then assigns the head of FindNextTask to
// sessionName.
func (a *Assigner) AssignNextTask(sessionName string) AssignOutcome {
	role, projectPath, ok := a.agentLookup(sessionName)
	if !ok {
		return OutcomeNoProject
	}

	cfg := a.cfgFor(projectPath)

	a.mu.Lock()
	ps, hasProject := a.projects[projectPath]
	ag, hasAgent := a.agentStates[sessionName]
	a.mu.Unlock()
	if !hasProject || !hasAgent {
		return OutcomeNoProject
	}

	ps.mu.Lock()
	paused := ps.paused
	ps.mu.Unlock()
	if !cfg.Enabled || paused {
		return OutcomeDisabledOrPaused
	}

	if ag.workload >= maxOrDefault(cfg.Strategy.LoadBalancing.MaxConcurrentTasks) {
		return OutcomeAtCapacity
	}

	cooldown := time.Duration(cfg.Limits.CooldownBetweenTasks) * time.Second
	if !ag.lastAssignmentAt.IsZero() && a.now().Sub(ag.lastAssignmentAt) < cooldown {
		return OutcomeCooldown
	}

	today := a.now().UTC().Format("2006-01-02")
	if ag.dailyCountDate != today {
		ag.dailyCount = 0
		ag.dailyCountDate = today
	}
	if cfg.Limits.MaxAssignmentsPerDay > 0 && ag.dailyCount >= cfg.Limits.MaxAssignmentsPerDay {
		return OutcomeDailyLimit
	}

	result := a.FindNextTask(FindRequest{SessionName: sessionName, Role: role, ProjectPath: projectPath})
	if !result.Found {
		a.publish(events.TypeNoTasks, sessionName, "", projectPath)
		return OutcomeNoTasks
	}

	record, _ := ps.queue.Record(result.Task.TaskID)

	assignment := Assignment{
		TaskID:      result.Task.TaskID,
		AgentID:     role,
		SessionName: sessionName,
		AssignedAt:  a.now(),
		Status:      AssignmentActive,
	}

	ps.mu.Lock()
	ps.assignments = append(ps.assignments, assignment)
	ps.mu.Unlock()

	ag.workload++
	ag.lastAssignmentAt = a.now()
	ag.dailyCount++

	a.publish(events.TypeTaskAssigned, sessionName, result.Task.TaskID, projectPath)
	ps.queue.Refresh()

	if a.deliverer != nil {
		if err := a.deliverer.Deliver(sessionName, record); err != nil {
			a.bus.Publish(events.New(events.TypeAssignmentError,
				events.WithSessionName(sessionName),
				events.WithTaskID(result.Task.TaskID),
				events.WithMetadata(map[string]interface{}{"error": err.Error()}),
			))
		}
	}

	return OutcomeAssigned
}

func maxOrDefault(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func (a *Assigner) agentLookup(sessionName string) (role, projectPath string, ok bool) {
	if a.agents != nil {
		if role, projectPath, ok = a.agents.AgentInfo(sessionName); ok {
			return role, projectPath, true
		}
	}
	a.mu.Lock()
	projectPath, ok = a.agentProjects[sessionName]
	a.mu.Unlock()
	return "", projectPath, ok
}

// HandleTaskCompleted marks the matching active Assignment completed, emits task_completed, and
// attempts a follow-on assignment for the freed-up session.
func (a *Assigner) HandleTaskCompleted(sessionName, taskID string) {
	_, projectPath, ok := a.agentLookup(sessionName)
	if !ok {
		return
	}
	a.mu.Lock()
	ps, hasProject := a.projects[projectPath]
	ag := a.agentStates[sessionName]
	a.mu.Unlock()
	if !hasProject {
		return
	}

	ps.mu.Lock()
	for i := range ps.assignments {
		if ps.assignments[i].TaskID == taskID && ps.assignments[i].SessionName == sessionName && ps.assignments[i].Status == AssignmentActive {
			now := a.now()
			ps.assignments[i].Status = AssignmentCompleted
			ps.assignments[i].CompletedAt = &now
			break
		}
	}
	ps.mu.Unlock()

	if ag != nil && ag.workload > 0 {
		ag.workload--
	}

	a.publish(events.TypeTaskCompleted, sessionName, taskID, projectPath)
	ps.queue.Refresh()
	a.AssignNextTask(sessionName)
}

// MarkTaskFailed transitions the matching Assignment to failed and emits task_failed. No
// automatic retry.
func (a *Assigner) MarkTaskFailed(taskID, sessionName, reason string) {
	_, projectPath, ok := a.agentLookup(sessionName)
	if !ok {
		return
	}
	a.mu.Lock()
	ps, hasProject := a.projects[projectPath]
	ag := a.agentStates[sessionName]
	a.mu.Unlock()
	if !hasProject {
		return
	}

	ps.mu.Lock()
	for i := range ps.assignments {
		if ps.assignments[i].TaskID == taskID && ps.assignments[i].SessionName == sessionName && ps.assignments[i].Status == AssignmentActive {
			ps.assignments[i].Status = AssignmentFailed
			break
		}
	}
	ps.mu.Unlock()

	if ag != nil && ag.workload > 0 {
		ag.workload--
	}

	if a.bus != nil {
		a.bus.Publish(events.New(events.TypeTaskFailed,
			events.WithSessionName(sessionName),
			events.WithTaskID(taskID),
			events.WithMetadata(map[string]interface{}{"reason": reason}),
		))
	}
}

// Pause/Resume toggle auto-assignment for a project without touching its config file.
func (a *Assigner) Pause(projectPath string) {
	a.mu.Lock()
	ps := a.projects[projectPath]
	a.mu.Unlock()
	if ps != nil {
		ps.mu.Lock()
		ps.paused = true
		ps.mu.Unlock()
	}
}

func (a *Assigner) Resume(projectPath string) {
	a.mu.Lock()
	ps := a.projects[projectPath]
	a.mu.Unlock()
	if ps != nil {
		ps.mu.Lock()
		ps.paused = false
		ps.mu.Unlock()
	}
}

func (a *Assigner) publish(t events.Type, sessionName, taskID, projectPath string) {
	if a.bus == nil {
		return
	}
	opts := []events.Option{events.WithSessionName(sessionName)}
	if taskID != "" {
		opts = append(opts, events.WithTaskID(taskID))
	}
	if projectPath != "" {
		opts = append(opts, events.WithMetadata(map[string]interface{}{"projectPath": projectPath}))
	}
	a.bus.Publish(events.New(t, opts...))
}

// Assignments returns a copy of a project's append-only assignment history.
func (a *Assigner) Assignments(projectPath string) []Assignment {
	a.mu.Lock()
	ps, ok := a.projects[projectPath]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]Assignment, len(ps.assignments))
	copy(out, ps.assignments)
	return out
}

// String helpers for error messages / debug logging.
func (r Record) String() string {
	return fmt.Sprintf("Record{%s %q}", r.ID, r.Title)
}

func (o AssignOutcome) IsSuccess() bool { return o == OutcomeAssigned }
