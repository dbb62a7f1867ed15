package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"warden/internal/action"
	"warden/internal/collab"
	"warden/internal/orchestrator"
)

var (
	runParallel   bool
	runThreeStage bool
)

var runCmd = &cobra.Command{
	Use:   "run [plan.json...]",
	Short: "Execute one or more plans through the adaptive loop",
	Long: `Loads each plan, validates it against the plan schema, and drives it
action by action. Suspicious or failed actions are referred to the
configured collaborator, whose fixes are executed under the same policy
and counted against the adaptation budget.

With --parallel, multiple plan files run as independent chunks on a
bounded worker pool; one chunk failing never cancels another.

Exit codes: 0 every plan completed; 1 a plan failed or aborted;
2 the adaptation budget ran out.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlans,
}

func init() {
	runCmd.Flags().BoolVar(&runParallel, "parallel", false, "Run plan files as parallel chunks")
	runCmd.Flags().BoolVar(&runThreeStage, "three-stage", false, "Use the diagnose/fix/review adaptation pipeline")
}

func runPlans(cmd *cobra.Command, args []string) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	cli, err := collab.NewCLI(cfg.Collab)
	if err != nil {
		return fmt.Errorf("run needs a collaborator: %w", err)
	}

	opts := orchestrator.Options{
		Executor:     svc.exec,
		Quality:      svc.check,
		Collaborator: cli,
		Ledger:       svc.led,
		Policy:       svc.pol,
		WriteRoots:   cfg.Policy.WriteRoots,
		ReportsRoot:  resolveBase(cfg.Paths.ReportsRoot),
		Config:       cfg.Orchestrator,
		LoopConfig:   cfg.LoopDetect,
	}
	if runThreeStage || cfg.Orchestrator.ThreeStage {
		opts.ThreeStage = cli
	}
	orch, err := orchestrator.New(opts)
	if err != nil {
		return err
	}

	ctx, stop := notifyContext()
	defer stop()

	var results []orchestrator.ChunkResult
	if runParallel && len(args) > 1 {
		chunks := make([]orchestrator.Chunk, 0, len(args))
		for _, path := range args {
			plan, err := action.Load(path)
			if err != nil {
				return err
			}
			chunks = append(chunks, orchestrator.Chunk{
				Name: strings.TrimSuffix(filepath.Base(path), ".json"),
				Plan: plan,
			})
		}
		results = orch.RunChunks(ctx, chunks)
	} else {
		for _, path := range args {
			plan, err := action.Load(path)
			if err != nil {
				return err
			}
			res := orch.Run(ctx, plan)
			results = append(results, orchestrator.ChunkResult{Name: plan.PlanID, Result: res})
			logger.Info("run finished",
				zap.String("plan", plan.PlanID),
				zap.Bool("ok", res.OK),
				zap.String("reason", res.Reason))
			if !res.OK {
				break
			}
		}
	}

	if jsonOut {
		if err := printJSON(results); err != nil {
			return err
		}
	} else {
		renderRunResults(results)
	}

	allOK := true
	budget := false
	for _, cr := range results {
		if cr.Result == nil || !cr.Result.OK {
			allOK = false
		}
		if cr.Result != nil && cr.Result.BudgetExhausted {
			budget = true
		}
	}
	switch {
	case allOK:
		return nil
	case budget:
		return exitCode(2, "adaptation budget exhausted")
	default:
		return exitCode(1, "")
	}
}

func renderRunResults(results []orchestrator.ChunkResult) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Plan", "OK", "Executed", "Adaptations", "Loops", "Reason"})
	for _, cr := range results {
		r := cr.Result
		if r == nil {
			continue
		}
		tw.AppendRow(table.Row{cr.Name, r.OK, r.Executed, r.Adaptations, r.LoopsDetected, r.Reason})
	}
	tw.Render()
}

// notifyContext cancels on SIGINT/SIGTERM so runs abort at the next
// action boundary.
func notifyContext() (context.Context, func()) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
