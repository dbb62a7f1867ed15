package main

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"warden/internal/collab"
	"warden/internal/direct"
)

var directBudget int

var directCmd = &cobra.Command{
	Use:   "direct [task-file or task text]",
	Short: "Run a supervised passthrough session in the sandbox",
	Long: `The collaborator proposes shell commands one at a time; each passes
the command safety screen before running in the sandbox. The session
ends when the collaborator signals DONE, the command budget runs out,
or repeated command loops demand a human. Whatever lands in staging is
promoted under direct/<session>/ when the session ends.

Exit codes: 0 session succeeded; 1 it did not; 3 it stopped for a human.`,
	Args: cobra.ExactArgs(1),
	RunE: runDirect,
}

func init() {
	directCmd.Flags().IntVar(&directBudget, "budget", 0, "Max commands this session may issue (default from config)")
}

func runDirect(cmd *cobra.Command, args []string) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	cli, err := collab.NewCLI(cfg.Collab)
	if err != nil {
		return fmt.Errorf("direct mode needs a collaborator: %w", err)
	}

	task := direct.Task{Name: args[0], Text: args[0]}
	if data, err := os.ReadFile(resolveBase(args[0])); err == nil {
		task.Text = string(data)
	}

	dcfg := cfg.Direct
	if directBudget > 0 {
		dcfg.CommandBudget = directBudget
	}
	session, err := direct.New(direct.Options{
		Policy:      svc.pol,
		Sandbox:     svc.box,
		Gateway:     svc.gw,
		Ledger:      svc.led,
		Director:    cli,
		Config:      dcfg,
		LoopConfig:  cfg.LoopDetect,
		Workdir:     cfg.Sandbox.WorkingDir,
		StagingRoot: cfg.Paths.StagingRoot,
	})
	if err != nil {
		return err
	}

	ctx, stop := notifyContext()
	defer stop()

	res := session.Run(ctx, task)
	logger.Info("session finished",
		zap.String("session", res.SessionID),
		zap.Bool("ok", res.OK),
		zap.Bool("needs_human", res.NeedsHuman))

	if jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Session", "OK", "Turns", "Refusals", "Loops", "Published", "Reason"})
		tw.AppendRow(table.Row{
			res.SessionID, res.OK, res.Turns, res.Refusals,
			res.LoopsDetected, res.Published, res.Reason,
		})
		tw.Render()
	}

	switch {
	case res.NeedsHuman:
		return exitCode(3, "session %s needs a human: %s", res.SessionID, res.Reason)
	case !res.OK:
		return exitCode(1, "")
	default:
		return nil
	}
}
