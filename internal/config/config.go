// Package config loads the on-disk configuration files the runtime depends on: the per-project
// auto-assign.yaml, the global/project/agent budgets file, and the runtime-config.json that
// describes each supported agent CLI. Loaders are read-through with an in-memory cache and an
// explicit Reload, grounded on ODSapper-CLIAIMONITOR's internal/types/config.go +
// internal/supervisor/scanner.go (both read YAML off disk with gopkg.in/yaml.v3).
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Prioritization is the TaskQueue sort strategy.
type Prioritization string

const (
	PrioritizationPriority Prioritization = "priority"
	PrioritizationFIFO     Prioritization = "fifo"
	PrioritizationDeadline Prioritization = "deadline"
)

// RoleMatchRule is one entry of strategy.roleMatching in auto-assign.yaml.
type RoleMatchRule struct {
	Role      string   `yaml:"role"`
	TaskTypes []string `yaml:"taskTypes"`
	Exclusive bool     `yaml:"exclusive,omitempty"`
}

// AutoAssignConfig is the parsed contents of <projectPath>/<AGENTMUX_HOME>/auto-assign.yaml.
type AutoAssignConfig struct {
	Enabled  bool `yaml:"enabled"`
	Strategy struct {
		Prioritization Prioritization  `yaml:"prioritization"`
		RoleMatching   []RoleMatchRule `yaml:"roleMatching"`
		LoadBalancing  struct {
			MaxConcurrentTasks int `yaml:"maxConcurrentTasks"`
		} `yaml:"loadBalancing"`
		Dependencies struct {
			RespectBlocking bool `yaml:"respectBlocking"`
		} `yaml:"dependencies"`
	} `yaml:"strategy"`
	Limits struct {
		MaxAssignmentsPerDay  int `yaml:"maxAssignmentsPerDay"`
		CooldownBetweenTasks  int `yaml:"cooldownBetweenTasks"` // seconds
	} `yaml:"limits"`
}

// DefaultAutoAssignConfig is the conservative default: dependency blocking respected,
// priority-ordered, one task at a time, no artificial rate limiting unless configured.
func DefaultAutoAssignConfig() AutoAssignConfig {
	var c AutoAssignConfig
	c.Enabled = true
	c.Strategy.Prioritization = PrioritizationPriority
	c.Strategy.LoadBalancing.MaxConcurrentTasks = 1
	c.Strategy.Dependencies.RespectBlocking = true
	c.Limits.MaxAssignmentsPerDay = 0 // 0 = unlimited
	c.Limits.CooldownBetweenTasks = 0
	return c
}

// LoadAutoAssignConfig reads auto-assign.yaml, defaulting with a warning on any error.
func LoadAutoAssignConfig(path string) AutoAssignConfig {
	cfg := DefaultAutoAssignConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[CONFIG] WARNING: failed to read auto-assign config %s: %v (using defaults)", path, err)
		}
		return cfg
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		log.Printf("[CONFIG] WARNING: failed to parse auto-assign config %s: %v (using defaults)", path, err)
		return DefaultAutoAssignConfig()
	}
	return cfg
}

// BudgetScopeConfig is one {dailyLimit, weeklyLimit, monthlyLimit, maxTokensPerTask,
// warningThreshold} entry, keyed by scope in BudgetsFile.
type BudgetScopeConfig struct {
	DailyLimit       *float64 `json:"dailyLimit,omitempty" yaml:"dailyLimit,omitempty"`
	WeeklyLimit      *float64 `json:"weeklyLimit,omitempty" yaml:"weeklyLimit,omitempty"`
	MonthlyLimit     *float64 `json:"monthlyLimit,omitempty" yaml:"monthlyLimit,omitempty"`
	MaxTokensPerTask *int     `json:"maxTokensPerTask,omitempty" yaml:"maxTokensPerTask,omitempty"`
	WarningThreshold float64  `json:"warningThreshold" yaml:"warningThreshold"`
}

// BudgetsFile is the parsed contents of budgets.json or budgets.yaml.
type BudgetsFile struct {
	Global   *BudgetScopeConfig           `json:"global,omitempty" yaml:"global,omitempty"`
	Projects map[string]BudgetScopeConfig `json:"projects,omitempty" yaml:"projects,omitempty"`
	Agents   map[string]BudgetScopeConfig `json:"agents,omitempty" yaml:"agents,omitempty"`
}

// LoadBudgetsFile reads budgets.json or budgets.yaml based on extension; returns an empty
// BudgetsFile (global-less, no overrides) on any read/parse error.
func LoadBudgetsFile(path string) BudgetsFile {
	var file BudgetsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[CONFIG] WARNING: failed to read budgets file %s: %v (using defaults)", path, err)
		}
		return file
	}

	ext := filepath.Ext(path)
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			log.Printf("[CONFIG] WARNING: failed to parse budgets yaml %s: %v (using defaults)", path, err)
			return BudgetsFile{}
		}
	default:
		if err := json.Unmarshal(data, &file); err != nil {
			log.Printf("[CONFIG] WARNING: failed to parse budgets json %s: %v (using defaults)", path, err)
			return BudgetsFile{}
		}
	}
	return file
}

// RuntimeVariant describes one entry of runtime-config.json's "runtimes" map.
type RuntimeVariant struct {
	DisplayName string `json:"displayName"`
	InitScript  string `json:"initScript"`
	WelcomeMessage string `json:"welcomeMessage"`
	TimeoutMs   int    `json:"timeout"`
	Description string `json:"description"`
}

// RuntimeConfigFile is the parsed contents of config/runtime-config.json.
type RuntimeConfigFile struct {
	Runtimes map[string]RuntimeVariant `json:"runtimes"`
	// RuntimeCommands overrides an adapter's init script entirely with a single verbatim
	// command, keyed by runtime kind.
	RuntimeCommands map[string]string `json:"runtimeCommands,omitempty"`
}

// LoadRuntimeConfigFile reads config/runtime-config.json; returns an empty file (adapters fall
// back to their built-in init scripts) on any error.
func LoadRuntimeConfigFile(path string) RuntimeConfigFile {
	var file RuntimeConfigFile
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[CONFIG] WARNING: failed to read runtime config %s: %v (using built-ins)", path, err)
		}
		return file
	}
	if err := json.Unmarshal(data, &file); err != nil {
		log.Printf("[CONFIG] WARNING: failed to parse runtime config %s: %v (using built-ins)", path, err)
		return RuntimeConfigFile{}
	}
	return file
}

// Loader is a read-through cache over the three config files above, with an explicit Reload.
// cmd/fleetd creates one Loader per project path, lazily, on first use.
type Loader struct {
	autoAssignPath   string
	budgetsPath      string
	runtimeConfigPath string

	mu          sync.RWMutex
	autoAssign  AutoAssignConfig
	budgets     BudgetsFile
	runtimeCfg  RuntimeConfigFile
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(autoAssignPath, budgetsPath, runtimeConfigPath string) *Loader {
	l := &Loader{
		autoAssignPath:    autoAssignPath,
		budgetsPath:       budgetsPath,
		runtimeConfigPath: runtimeConfigPath,
	}
	l.Reload()
	return l
}

// Reload re-reads every configured file from disk.
func (l *Loader) Reload() {
	autoAssign := DefaultAutoAssignConfig()
	if l.autoAssignPath != "" {
		autoAssign = LoadAutoAssignConfig(l.autoAssignPath)
	}
	var budgets BudgetsFile
	if l.budgetsPath != "" {
		budgets = LoadBudgetsFile(l.budgetsPath)
	}
	var runtimeCfg RuntimeConfigFile
	if l.runtimeConfigPath != "" {
		runtimeCfg = LoadRuntimeConfigFile(l.runtimeConfigPath)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.autoAssign = autoAssign
	l.budgets = budgets
	l.runtimeCfg = runtimeCfg
}

func (l *Loader) AutoAssign() AutoAssignConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.autoAssign
}

func (l *Loader) Budgets() BudgetsFile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.budgets
}

func (l *Loader) RuntimeConfig() RuntimeConfigFile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.runtimeCfg
}

// RoleSubstitution is the closed role-substitution graph used when no agent with a task's exact
// role is available. It is a system constant, not configuration, and is not read from project
// files.
var RoleSubstitution = map[string]string{
	"frontend-developer": "developer",
	"backend-developer":  "developer",
	"qa":                  "tester",
}

// ResolveRole returns the role that should be used to evaluate a RoleMatchRule for the given
// actual agent role: the role itself, or its substitution target if declared.
func ResolveRole(role string) string {
	if sub, ok := RoleSubstitution[role]; ok {
		return sub
	}
	return role
}

// EnsureDir creates the directory for a config path if missing.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir %s: %w", dir, err)
	}
	return nil
}
