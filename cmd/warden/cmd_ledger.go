package main

import (
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"warden/internal/ledger"
)

var (
	ledgerTailN      int
	ledgerKindFilter string
	ledgerPlanFilter string
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the action ledger",
}

var ledgerTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent ledger records",
	RunE:  runLedgerTail,
}

var ledgerStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Aggregate record counts per kind",
	RunE:  runLedgerStats,
}

func init() {
	ledgerTailCmd.Flags().IntVarP(&ledgerTailN, "lines", "n", 20, "Number of records")
	ledgerTailCmd.Flags().StringVar(&ledgerKindFilter, "kind", "", "Only records of this kind")
	ledgerTailCmd.Flags().StringVar(&ledgerPlanFilter, "plan", "", "Only records from this plan")

	ledgerCmd.AddCommand(ledgerTailCmd)
	ledgerCmd.AddCommand(ledgerStatsCmd)
}

func runLedgerTail(cmd *cobra.Command, args []string) error {
	path := resolveBase(cfg.Paths.LedgerPath)

	var recs []ledger.Record
	var err error
	if ledgerKindFilter == "" && ledgerPlanFilter == "" {
		recs, err = ledger.Tail(path, ledgerTailN)
	} else {
		// Filters need the full scan; trim afterwards.
		recs, err = ledger.ReadAll(path)
		if err == nil {
			filtered := recs[:0]
			for _, r := range recs {
				if ledgerKindFilter != "" && r.Kind != ledgerKindFilter {
					continue
				}
				if ledgerPlanFilter != "" && r.String("plan_id") != ledgerPlanFilter {
					continue
				}
				filtered = append(filtered, r)
			}
			recs = filtered
			if len(recs) > ledgerTailN {
				recs = recs[len(recs)-ledgerTailN:]
			}
		}
	}
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(recs)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"TS", "Kind", "Plan", "Action", "OK"})
	for _, r := range recs {
		ok := ""
		if _, has := r.Fields["ok"]; has {
			if r.Bool("ok") {
				ok = "yes"
			} else {
				ok = "no"
			}
		}
		tw.AppendRow(table.Row{r.TS, r.Kind, r.String("plan_id"), r.String("action"), ok})
	}
	tw.Render()
	return nil
}

func runLedgerStats(cmd *cobra.Command, args []string) error {
	stats, err := ledger.ComputeStats(resolveBase(cfg.Paths.LedgerPath))
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(stats)
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Metric", "Value"})
	tw.AppendRow(table.Row{"records", stats.Total})
	tw.AppendRow(table.Row{"ok", stats.OKCount})
	tw.AppendRow(table.Row{"failed", stats.Failed})
	tw.AppendRow(table.Row{"first", stats.FirstTS})
	tw.AppendRow(table.Row{"last", stats.LastTS})
	for _, kind := range sortedKeys(stats.ByKind) {
		tw.AppendRow(table.Row{"kind: " + kind, stats.ByKind[kind]})
	}
	tw.Render()
	return nil
}
