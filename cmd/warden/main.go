package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"warden/internal/config"
	"warden/internal/executor"
	"warden/internal/gateway"
	"warden/internal/ledger"
	"warden/internal/logging"
	"warden/internal/policy"
	"warden/internal/quality"
	"warden/internal/sandbox"
)

var (
	// Global flags
	cfgPath string
	baseDir string
	verbose bool
	jsonOut bool

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "warden - evidence-protecting substrate for autonomous agents",
	Long: `warden runs agent plans against a guarded filesystem: writable
scratch roots, protected read-only roots, and a one-way promotion
gateway into an append-only dataset.

Every action lands in an NDJSON ledger; promoted files are hashed and
recorded in a permanent manifest. Failed actions are diagnosed with an
external collaborator under a bounded adaptation budget.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if baseDir == "" {
			baseDir, _ = os.Getwd()
		}
		baseDir, err = filepath.Abs(baseDir)
		if err != nil {
			return fmt.Errorf("failed to resolve base dir: %w", err)
		}

		cfg, err = config.Load(resolveBase(cfgPath))
		if err != nil {
			return err
		}

		logCfg := cfg.Logging
		if verbose && logCfg.Enabled {
			logCfg.Level = "debug"
		}
		if err := logging.Configure(logging.Settings{
			Enabled:    logCfg.Enabled,
			Level:      logCfg.Level,
			JSONFormat: logCfg.Format == "json",
			Categories: logCfg.Categories,
			Dir:        resolveBase(logCfg.Dir),
		}); err != nil {
			return fmt.Errorf("failed to configure logging: %w", err)
		}

		logger.Debug("configured",
			zap.String("base", baseDir),
			zap.String("config", cfgPath))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "warden.yaml", "Configuration file")
	rootCmd.PersistentFlags().StringVarP(&baseDir, "base", "b", "", "Base directory (default: current)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Emit raw JSON instead of tables")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(directCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(ledgerCmd)
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitCode(code int, format string, args ...any) error {
	return &exitError{code: code, msg: fmt.Sprintf(format, args...)}
}

// resolveBase anchors a relative path at the base directory.
func resolveBase(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

// services bundles the wired substrate every subcommand builds on.
type services struct {
	pol   *policy.Policy
	gw    *gateway.Gateway
	led   *ledger.Writer
	box   sandbox.Runner
	exec  *executor.Executor
	check *quality.Checker
}

func openServices() (*services, error) {
	pol, err := policy.New(baseDir, cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}

	gw, err := gateway.New(pol, cfg.Paths.PermanentRoot, cfg.Paths.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	if cfg.Paths.IndexPath != "" {
		if ix, err := gateway.OpenIndex(resolveBase(cfg.Paths.IndexPath)); err != nil {
			logger.Warn("manifest index unavailable", zap.Error(err))
		} else {
			gw.AttachIndex(ix)
		}
	}

	led, err := ledger.NewWriter(resolveBase(cfg.Paths.LedgerPath))
	if err != nil {
		gw.Close()
		return nil, fmt.Errorf("ledger: %w", err)
	}

	box := sandbox.NewDocker(cfg.Sandbox)
	check, err := quality.NewChecker(baseDir, cfg.Quality)
	if err != nil {
		led.Close()
		gw.Close()
		return nil, fmt.Errorf("quality rules: %w", err)
	}

	return &services{
		pol:   pol,
		gw:    gw,
		led:   led,
		box:   box,
		exec:  executor.New(pol, gw, box, led, cfg.Executor),
		check: check,
	}, nil
}

func (s *services) Close() {
	if err := s.led.Close(); err != nil {
		logger.Warn("ledger close", zap.Error(err))
	}
	if err := s.gw.Close(); err != nil {
		logger.Warn("gateway close", zap.Error(err))
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.msg != "" {
				fmt.Fprintln(os.Stderr, ee.msg)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
