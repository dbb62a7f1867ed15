// Package config loads warden configuration from YAML with environment
// overrides. Loading never fails on a missing file; defaults describe a
// standard repository layout (staging/, workspace/, reports/, dataset/).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all warden configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Paths        PathsConfig        `yaml:"paths"`
	Policy       PolicyConfig       `yaml:"policy"`
	Sandbox      SandboxConfig      `yaml:"sandbox"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	LoopDetect   LoopDetectConfig   `yaml:"loop_detect"`
	Direct       DirectConfig       `yaml:"direct"`
	Quality      QualityConfig      `yaml:"quality"`
	Collab       CollabConfig       `yaml:"collab"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// PathsConfig names the filesystem layout the process operates on.
type PathsConfig struct {
	// PermanentRoot is the append-only canonical store promotions land in.
	PermanentRoot string `yaml:"permanent_root"`
	// StagingRoot is the scratch area agents write intermediate files to.
	StagingRoot string `yaml:"staging_root"`
	// WorkspaceRoot is the working tree mounted into the sandbox.
	WorkspaceRoot string `yaml:"workspace_root"`
	// ReportsRoot holds the ledger, run reports and the manifest index.
	ReportsRoot string `yaml:"reports_root"`
	// ManifestPath is the NDJSON promotion manifest.
	ManifestPath string `yaml:"manifest_path"`
	// LedgerPath is the NDJSON action ledger.
	LedgerPath string `yaml:"ledger_path"`
	// IndexPath is the SQLite manifest index database.
	IndexPath string `yaml:"index_path"`
}

// PolicyConfig describes which roots are writable, which are protected,
// and which action types plans may use.
type PolicyConfig struct {
	WriteRoots         []string `yaml:"write_roots"`
	ProtectedRORoots   []string `yaml:"protected_ro_roots"`
	AllowedActionTypes []string `yaml:"allowed_action_types"`
	// BlockedCommandPatterns extends the built-in passthrough command screen.
	BlockedCommandPatterns []string `yaml:"blocked_command_patterns"`
}

// SandboxConfig names the pre-started container commands run inside.
type SandboxConfig struct {
	ContainerName string `yaml:"container_name"`
	WorkingDir    string `yaml:"working_dir"`
	Shell         string `yaml:"shell"`
	// StartHint is shown when the container is not running.
	StartHint string `yaml:"start_hint"`
}

// ExecutorConfig bounds action execution.
type ExecutorConfig struct {
	ContainerCmdTimeout string `yaml:"container_cmd_timeout"`
	PassthroughTimeout  string `yaml:"passthrough_timeout"`
}

// OrchestratorConfig tunes the adaptive run loop.
type OrchestratorConfig struct {
	// AdaptationFactor times plan length gives the fix-retry ceiling.
	AdaptationFactor int  `yaml:"adaptation_factor"`
	MaxParallel      int  `yaml:"max_parallel"`
	ThreeStage       bool `yaml:"three_stage"`
	HistoryWindow    int  `yaml:"history_window"`
}

// LoopDetectConfig tunes the repetition detector.
type LoopDetectConfig struct {
	WindowSize          int     `yaml:"window_size"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// DirectConfig tunes supervised passthrough sessions.
type DirectConfig struct {
	CommandBudget     int    `yaml:"command_budget"`
	MaxLoopDetections int    `yaml:"max_loop_detections"`
	PublishPrefix     string `yaml:"publish_prefix"`
	CommandTimeout    string `yaml:"command_timeout"`
}

// QualityRule is a user-supplied suspicion heuristic as a CEL expression
// over an `obs` variable. A rule that evaluates true downgrades quality.
type QualityRule struct {
	Name    string `yaml:"name"`
	Expr    string `yaml:"expr"`
	Level   string `yaml:"level"` // suspicious or bad
	Message string `yaml:"message"`
}

// QualityConfig lists additional quality rules.
type QualityConfig struct {
	Rules []QualityRule `yaml:"rules"`
}

// CollabConfig names the external reasoning collaborator command.
type CollabConfig struct {
	// Command is the argv of the collaborator CLI; the JSON request goes to
	// its stdin and the decision is extracted from its stdout.
	Command []string `yaml:"command"`
	Timeout string   `yaml:"timeout"`
}

// LoggingConfig configures the category file loggers.
type LoggingConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, text
	Dir        string          `yaml:"dir"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "warden",
		Version: "0.3.0",

		Paths: PathsConfig{
			PermanentRoot: "dataset",
			StagingRoot:   "staging",
			WorkspaceRoot: "workspace",
			ReportsRoot:   "reports",
			ManifestPath:  "dataset/.manifests/dataset_manifest.jsonl",
			LedgerPath:    "reports/ledger.jsonl",
			IndexPath:     "reports/manifest_index.db",
		},

		Policy: PolicyConfig{
			WriteRoots:       []string{"staging", "workspace", "reports"},
			ProtectedRORoots: []string{"dataset", "evidence"},
			AllowedActionTypes: []string{
				"fs.write", "fs.append", "fs.move",
				"ingest.promote", "ingest.promote_glob",
				"exec.container_cmd", "agent.passthrough_shell",
			},
		},

		Sandbox: SandboxConfig{
			ContainerName: "agent-sandbox",
			WorkingDir:    "/workspace",
			Shell:         "bash",
			StartHint:     "scripts/start_agent_sandbox.sh",
		},

		Executor: ExecutorConfig{
			ContainerCmdTimeout: "20m",
			PassthroughTimeout:  "1h",
		},

		Orchestrator: OrchestratorConfig{
			AdaptationFactor: 3,
			MaxParallel:      4,
			HistoryWindow:    5,
		},

		LoopDetect: LoopDetectConfig{
			WindowSize:          5,
			SimilarityThreshold: 0.8,
		},

		Direct: DirectConfig{
			CommandBudget:     40,
			MaxLoopDetections: 3,
			PublishPrefix:     "direct",
			CommandTimeout:    "30m",
		},

		Collab: CollabConfig{
			Timeout: "120s",
		},

		Logging: LoggingConfig{
			Enabled: false,
			Level:   "info",
			Format:  "text",
			Dir:     "reports/logs",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies WARDEN_* environment variables on top of the
// loaded values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("WARDEN_SANDBOX"); v != "" {
		c.Sandbox.ContainerName = v
	}
	if v := os.Getenv("WARDEN_SANDBOX_WORKDIR"); v != "" {
		c.Sandbox.WorkingDir = v
	}
	if v := os.Getenv("WARDEN_PERMANENT_ROOT"); v != "" {
		c.Paths.PermanentRoot = v
	}
	if v := os.Getenv("WARDEN_STAGING_ROOT"); v != "" {
		c.Paths.StagingRoot = v
	}
	if v := os.Getenv("WARDEN_LEDGER"); v != "" {
		c.Paths.LedgerPath = v
	}
	if v := os.Getenv("WARDEN_MANIFEST"); v != "" {
		c.Paths.ManifestPath = v
	}
	if v := os.Getenv("WARDEN_COLLAB_CMD"); v != "" {
		c.Collab.Command = strings.Fields(v)
	}
	if v := os.Getenv("WARDEN_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
		c.Logging.Enabled = true
	}
}

// ContainerCmdTimeoutDuration parses the exec.container_cmd bound.
func (c *ExecutorConfig) ContainerCmdTimeoutDuration() time.Duration {
	return parseDurationOr(c.ContainerCmdTimeout, 20*time.Minute)
}

// PassthroughTimeoutDuration parses the agent.passthrough_shell bound.
func (c *ExecutorConfig) PassthroughTimeoutDuration() time.Duration {
	return parseDurationOr(c.PassthroughTimeout, time.Hour)
}

// TimeoutDuration parses the collaborator call bound.
func (c *CollabConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(c.Timeout, 2*time.Minute)
}

// CommandTimeoutDuration parses the per-command bound for direct sessions.
func (c *DirectConfig) CommandTimeoutDuration() time.Duration {
	return parseDurationOr(c.CommandTimeout, 30*time.Minute)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
