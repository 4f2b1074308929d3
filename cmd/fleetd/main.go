// Command fleetd runs the Agent Runtime Control Plane: the Kernel, every monitor it wires
// together, and the SSE fleet stream. Flags and shutdown sequencing are grounded on the
// teacher's cmd/cliaimonitor/main.go.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentmux/fleetd/internal/activity"
	"github.com/agentmux/fleetd/internal/backend"
	"github.com/agentmux/fleetd/internal/budget"
	"github.com/agentmux/fleetd/internal/config"
	"github.com/agentmux/fleetd/internal/contextwindow"
	"github.com/agentmux/fleetd/internal/events"
	"github.com/agentmux/fleetd/internal/exitmonitor"
	"github.com/agentmux/fleetd/internal/instance"
	"github.com/agentmux/fleetd/internal/kernel"
	"github.com/agentmux/fleetd/internal/runtime"
	"github.com/agentmux/fleetd/internal/sse"
	"github.com/agentmux/fleetd/internal/tasks"
)

const agentmuxHome = ".agentmux"

func main() {
	port := flag.Int("port", 3000, "HTTP server port")
	dataDir := flag.String("data", "data", "directory for the PID file and session checkpoint")
	natsPort := flag.Int("events-port", -1, "embedded NATS port (-1 picks an ephemeral port)")
	killGrace := flag.Duration("kill-grace", 5*time.Second, "grace period before force-killing sessions on shutdown")

	showStatus := flag.Bool("status", false, "show status of the running instance")
	stop := flag.Bool("stop", false, "stop the running instance gracefully")
	forceStop := flag.Bool("force-stop", false, "force-kill the running instance")
	flag.Parse()

	if !filepath.IsAbs(*dataDir) {
		cwd, err := os.Getwd()
		if err == nil {
			*dataDir = filepath.Join(cwd, *dataDir)
		}
	}
	pidFilePath := filepath.Join(*dataDir, "fleetd.pid")
	instanceMgr := instance.NewManager(pidFilePath, *port)

	if *showStatus {
		printInstanceStatus(instanceMgr)
		return
	}
	if *stop || *forceStop {
		stopRunningInstance(instanceMgr, *forceStop)
		return
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create data dir: %v\n", err)
		os.Exit(1)
	}

	existing, err := instanceMgr.CheckExisting()
	if err != nil {
		fmt.Fprintf(os.Stderr, "check existing instance: %v\n", err)
		os.Exit(1)
	}
	if existing != nil && existing.IsRunning {
		fmt.Fprintf(os.Stderr, "fleetd already running (pid %d)\n", existing.PID)
		os.Exit(1)
	}
	if err := instanceMgr.AcquireLock(); err != nil {
		fmt.Fprintf(os.Stderr, "acquire instance lock: %v\n", err)
		os.Exit(1)
	}
	defer instanceMgr.ReleaseLock()

	srv, err := events.NewServer(events.ServerConfig{Port: *natsPort})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start event bus: %v\n", err)
		os.Exit(1)
	}
	defer srv.Shutdown()

	bus, err := events.Connect(srv.URL())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect event bus: %v\n", err)
		os.Exit(1)
	}
	defer bus.Close()

	panes := backend.NewFakeMultiplexer()
	be := backend.NewPTYBackend(panes)
	tracker := activity.New()

	runtimes := runtime.NewRegistry(be)
	runtimes.Register(runtime.NewClaudeCodeAdapter())
	runtimes.Register(runtime.NewCodexAdapter())
	runtimes.Register(runtime.NewGeminiAdapter())

	usageDir := filepath.Join(*dataDir, agentmuxHome, "usage")
	budgetMeter := budget.New(usageDir, bus)
	loadBudgets(budgetMeter, filepath.Join(*dataDir, agentmuxHome, "budgets.json"))

	checkpointPath := filepath.Join(*dataDir, "sessions.db")
	checkpoint, err := kernel.OpenCheckpoint(checkpointPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open session checkpoint: %v\n", err)
		os.Exit(1)
	}
	defer checkpoint.Close()

	taskStorePath := filepath.Join(*dataDir, "tasks.db")
	taskStore, err := tasks.OpenSQLiteStore(taskStorePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open task store: %v\n", err)
		os.Exit(1)
	}
	defer taskStore.Close()

	loaders := newProjectLoaders()

	k := kernel.New(kernel.Options{
		Backend:     be,
		Bus:         bus,
		Tracker:     tracker,
		Runtimes:    runtimes,
		BudgetMeter: budgetMeter,
		Checkpoint:  checkpoint,
		Clock:       time.Now,
	})

	assigner := tasks.New(taskStore, bus, k, k, loaders.autoAssignFor)
	k.SetAssigner(assigner)

	exitMon := exitmonitor.New(be, bus, tracker, k)
	ctxMonitor := contextwindow.New(be, bus, tracker, k, exitMon)
	k.SetMonitors(ctxMonitor, exitMon)

	if err := k.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "start kernel: %v\n", err)
		os.Exit(1)
	}

	router := mux.NewRouter()
	sse.NewHandler(k.Publisher()).Register(router, "/fleet/stream")
	registerSessionRoutes(router, k)
	registerTaskCompletionRoutes(router, assigner, taskStore, k, budgetMeter)
	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", *port), Handler: router}

	serverErr := make(chan error, 1)
	go func() { serverErr <- httpSrv.ListenAndServe() }()

	if err := instanceMgr.WritePIDFile(os.Getpid()); err != nil {
		fmt.Fprintf(os.Stderr, "warning: write pid file: %v\n", err)
	}
	fmt.Printf("fleetd listening on :%d (fleet stream at /fleet/stream)\n", *port)

	shutdownSig := make(chan os.Signal, 1)
	signal.Notify(shutdownSig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
		}
	case <-shutdownSig:
		fmt.Println("shutting down (signal received)...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "http shutdown: %v\n", err)
	}

	if err := k.Stop(*killGrace); err != nil {
		fmt.Fprintf(os.Stderr, "kernel stop: %v\n", err)
	}

	instanceMgr.RemovePIDFile()
}

func printInstanceStatus(mgr *instance.Manager) {
	info, err := mgr.CheckExisting()
	if err != nil {
		fmt.Fprintf(os.Stderr, "check existing instance: %v\n", err)
		os.Exit(1)
	}
	if info == nil || !info.IsRunning {
		fmt.Println("no instance running")
		return
	}
	fmt.Printf("fleetd running: pid=%d port=%d started=%s\n", info.PID, info.Port, info.StartedAt.Format(time.RFC3339))
}

func stopRunningInstance(mgr *instance.Manager, force bool) {
	info, err := mgr.CheckExisting()
	if err != nil {
		fmt.Fprintf(os.Stderr, "check existing instance: %v\n", err)
		os.Exit(1)
	}
	if info == nil || !info.IsRunning {
		fmt.Println("no instance running")
		return
	}
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	proc, err := os.FindProcess(info.PID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "find process %d: %v\n", info.PID, err)
		os.Exit(1)
	}
	if err := proc.Signal(sig); err != nil {
		fmt.Fprintf(os.Stderr, "signal process %d: %v\n", info.PID, err)
		os.Exit(1)
	}
	fmt.Printf("sent %v to pid %d\n", sig, info.PID)
}

// loadBudgets reads budgets.json and seeds the BudgetMeter's per-scope configs.
// Missing file or parse failure leaves the meter with its zero-value (unlimited) defaults.
func loadBudgets(meter *budget.Meter, path string) {
	file := config.LoadBudgetsFile(path)
	if file.Global != nil {
		meter.SetBudget(toBudgetConfig(budget.ScopeGlobal, "", *file.Global))
	}
	for projectPath, cfg := range file.Projects {
		meter.SetBudget(toBudgetConfig(budget.ScopeProject, projectPath, cfg))
	}
	for agentID, cfg := range file.Agents {
		meter.SetBudget(toBudgetConfig(budget.ScopeAgent, agentID, cfg))
	}
}

func toBudgetConfig(scope budget.Scope, scopeID string, c config.BudgetScopeConfig) budget.Config {
	cfg := budget.Config{
		Scope:            scope,
		ScopeID:          scopeID,
		DailyLimit:       c.DailyLimit,
		WeeklyLimit:      c.WeeklyLimit,
		MonthlyLimit:     c.MonthlyLimit,
		WarningThreshold: c.WarningThreshold,
	}
	if c.MaxTokensPerTask != nil {
		tokens := int64(*c.MaxTokensPerTask)
		cfg.MaxTokensPerTask = &tokens
	}
	return cfg
}

// sessionSpawnRequest is the wire shape for POST /sessions.
type sessionSpawnRequest struct {
	SessionName             string   `json:"sessionName"`
	Role                    string   `json:"role"`
	TeamID                  string   `json:"teamId"`
	MemberID                string   `json:"memberId"`
	ProjectPath             string   `json:"projectPath"`
	RuntimeKind             string   `json:"runtimeKind"`
	RuntimeFlags            []string `json:"runtimeFlags"`
	PromptFilePath          string   `json:"promptFilePath"`
	RuntimeCommandsOverride string   `json:"runtimeCommandsOverride"`
	ReadyTimeoutMs          int      `json:"readyTimeoutMs"`
	ReadyIntervalMs         int      `json:"readyIntervalMs"`
}

// registerSessionRoutes mounts the entry point that creates a brand-new agent session: detect
// the runtime, run its init script, wait for readiness, then register it with the Kernel. This
// is the non-recovery counterpart to ContextWindowMonitor's recovery-only CreateAgentSession
// path.
func registerSessionRoutes(router *mux.Router, k *kernel.Kernel) {
	router.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req sessionSpawnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
			return
		}
		if req.SessionName == "" || req.RuntimeKind == "" {
			http.Error(w, "sessionName and runtimeKind are required", http.StatusBadRequest)
			return
		}

		sessionName, err := k.SpawnSession(kernel.SpawnRequest{
			SessionName:             req.SessionName,
			Role:                    req.Role,
			TeamID:                  req.TeamID,
			MemberID:                req.MemberID,
			ProjectPath:             req.ProjectPath,
			RuntimeKind:             runtime.Kind(req.RuntimeKind),
			RuntimeFlags:            req.RuntimeFlags,
			PromptFilePath:          req.PromptFilePath,
			RuntimeCommandsOverride: req.RuntimeCommandsOverride,
			ReadyTimeoutMs:          req.ReadyTimeoutMs,
			ReadyIntervalMs:         req.ReadyIntervalMs,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"sessionName": sessionName})
	}).Methods(http.MethodPost)
}

// taskUsageReport is the optional token-usage signal a task-completion webhook call carries:
// the only place the actual consumed token counts are known, since ContextWindowMonitor only
// ever tracks a context-window percentage, never raw counts.
type taskUsageReport struct {
	inputTokens  int64
	outputTokens int64
	model        string
}

func parseTaskUsageReport(r *http.Request) taskUsageReport {
	q := r.URL.Query()
	in, _ := strconv.ParseInt(q.Get("inputTokens"), 10, 64)
	out, _ := strconv.ParseInt(q.Get("outputTokens"), 10, 64)
	model := q.Get("model")
	if model == "" {
		model = "default"
	}
	return taskUsageReport{inputTokens: in, outputTokens: out, model: model}
}

// recordTaskUsage feeds the completion/failure webhook's reported token counts into the
// BudgetMeter, keyed by the session's current AgentID/ProjectPath. A report with zero tokens
// (the common case for callers that don't track usage) still records the operation at zero
// cost, which is harmless since GetUsage/GetBudget only ever sum what's recorded.
func recordTaskUsage(meter *budget.Meter, k *kernel.Kernel, sessionName, taskID, operation string, usage taskUsageReport) {
	s, ok := k.Registry().Get(sessionName)
	if !ok {
		return
	}
	if _, err := meter.RecordUsage(budget.UsageRecord{
		AgentID:      s.AgentID,
		SessionName:  sessionName,
		ProjectPath:  s.ProjectPath,
		Timestamp:    time.Now(),
		InputTokens:  usage.inputTokens,
		OutputTokens: usage.outputTokens,
		Model:        usage.model,
		Operation:    operation,
		TaskID:       taskID,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "record task usage for %s: %v\n", taskID, err)
	}
}

// registerTaskCompletionRoutes mounts the webhook the external task store uses to report
// completion/failure back into the AutoAssigner: the core never writes back status itself,
// completion is reported externally. The same call also feeds the BudgetMeter with whatever
// token counts the caller reports.
func registerTaskCompletionRoutes(router *mux.Router, assigner *tasks.Assigner, store *tasks.SQLiteStore, k *kernel.Kernel, meter *budget.Meter) {
	router.HandleFunc("/tasks/{id}/completed", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		sessionName := r.URL.Query().Get("sessionName")
		_ = store.SetStatus(id, tasks.StatusDone)
		recordTaskUsage(meter, k, sessionName, id, "task_completed", parseTaskUsageReport(r))
		assigner.HandleTaskCompleted(sessionName, id)
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	router.HandleFunc("/tasks/{id}/failed", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		sessionName := r.URL.Query().Get("sessionName")
		reason := r.URL.Query().Get("reason")
		_ = store.SetStatus(id, tasks.StatusFailed)
		recordTaskUsage(meter, k, sessionName, id, "task_failed", parseTaskUsageReport(r))
		assigner.MarkTaskFailed(id, sessionName, reason)
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)
}

// projectLoaders lazily creates one config.Loader per project path, since auto-assign.yaml is
// scoped per project.
type projectLoaders struct {
	loaders map[string]*config.Loader
}

func newProjectLoaders() *projectLoaders {
	return &projectLoaders{loaders: make(map[string]*config.Loader)}
}

func (p *projectLoaders) autoAssignFor(projectPath string) config.AutoAssignConfig {
	l, ok := p.loaders[projectPath]
	if !ok {
		autoAssignPath := filepath.Join(projectPath, agentmuxHome, "auto-assign.yaml")
		l = config.NewLoader(autoAssignPath, "", "")
		p.loaders[projectPath] = l
	}
	return l.AutoAssign()
}
