package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"warden/internal/gateway"
)

var (
	manifestPlanFilter  string
	manifestActorFilter string
	manifestTagFilter   string
	manifestSince       string
	manifestUntil       string
	manifestUseIndex    bool
	manifestLimit       int
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Inspect the promotion manifest",
}

var manifestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List promotion records, newest last",
	RunE:  runManifestList,
}

var manifestStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Aggregate promotion counts and sizes",
	RunE:  runManifestStats,
}

var manifestRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the SQLite index from the manifest",
	Long: `The NDJSON manifest is the source of truth; the index is a queryable
cache. Rebuilding replaces the index contents with one row per manifest
record.`,
	RunE: runManifestRebuild,
}

func init() {
	manifestListCmd.Flags().StringVar(&manifestPlanFilter, "plan", "", "Only records from this plan")
	manifestListCmd.Flags().StringVar(&manifestActorFilter, "actor", "", "Only records from this actor")
	manifestListCmd.Flags().StringVar(&manifestTagFilter, "tag", "", "Only records carrying this tag")
	manifestListCmd.Flags().StringVar(&manifestSince, "since", "", "Only records at or after this time (RFC3339 or YYYY-MM-DD)")
	manifestListCmd.Flags().StringVar(&manifestUntil, "until", "", "Only records at or before this time (RFC3339 or YYYY-MM-DD)")
	manifestListCmd.Flags().BoolVar(&manifestUseIndex, "index", false, "Query the SQLite index instead of scanning the manifest")
	manifestListCmd.Flags().IntVarP(&manifestLimit, "limit", "n", 0, "Show at most this many records (0 = all)")

	manifestCmd.AddCommand(manifestListCmd)
	manifestCmd.AddCommand(manifestStatsCmd)
	manifestCmd.AddCommand(manifestRebuildCmd)
}

func manifestFilter() (gateway.Filter, error) {
	f := gateway.Filter{
		PlanID: manifestPlanFilter,
		Actor:  manifestActorFilter,
		Tag:    manifestTagFilter,
	}
	var err error
	if f.Since, err = parseWhen(manifestSince); err != nil {
		return f, fmt.Errorf("bad --since: %w", err)
	}
	if f.Until, err = parseWhen(manifestUntil); err != nil {
		return f, fmt.Errorf("bad --until: %w", err)
	}
	return f, nil
}

func parseWhen(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func runManifestList(cmd *cobra.Command, args []string) error {
	filter, err := manifestFilter()
	if err != nil {
		return err
	}

	var recs []gateway.ManifestRecord
	if manifestUseIndex {
		if cfg.Paths.IndexPath == "" {
			return fmt.Errorf("no index path configured")
		}
		ix, err := gateway.OpenIndex(resolveBase(cfg.Paths.IndexPath))
		if err != nil {
			return err
		}
		defer ix.Close()
		if recs, err = ix.Query(filter); err != nil {
			return err
		}
	} else {
		all, err := gateway.ReadManifest(resolveBase(cfg.Paths.ManifestPath))
		if err != nil {
			return err
		}
		recs = gateway.FilterRecords(all, filter)
	}
	if manifestLimit > 0 && len(recs) > manifestLimit {
		recs = recs[len(recs)-manifestLimit:]
	}

	if jsonOut {
		return printJSON(recs)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"TS", "Dst", "Bytes", "SHA256", "Actor", "Plan"})
	for _, r := range recs {
		tw.AppendRow(table.Row{r.TS, r.Dst, r.Bytes, shortHash(r.SHA256), r.Actor, r.PlanID})
	}
	tw.Render()
	return nil
}

func runManifestStats(cmd *cobra.Command, args []string) error {
	stats, err := gateway.ComputeManifestStats(resolveBase(cfg.Paths.ManifestPath))
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
	tw.AppendRow(table.Row{"bytes", stats.TotalBytes})
	tw.AppendRow(table.Row{"first", stats.FirstTS})
	tw.AppendRow(table.Row{"last", stats.LastTS})
	for _, actor := range sortedKeys(stats.ByActor) {
		tw.AppendRow(table.Row{"by actor: " + actor, stats.ByActor[actor]})
	}
	for _, plan := range sortedKeys(stats.ByPlan) {
		tw.AppendRow(table.Row{"by plan: " + plan, stats.ByPlan[plan]})
	}
	for _, day := range sortedKeys(stats.ByDay) {
		tw.AppendRow(table.Row{"by day: " + day, stats.ByDay[day]})
	}
	tw.Render()
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func runManifestRebuild(cmd *cobra.Command, args []string) error {
	if cfg.Paths.IndexPath == "" {
		return fmt.Errorf("no index path configured")
	}
	recs, err := gateway.ReadManifest(resolveBase(cfg.Paths.ManifestPath))
	if err != nil {
		return err
	}

	ix, err := gateway.OpenIndex(resolveBase(cfg.Paths.IndexPath))
	if err != nil {
		return err
	}
	defer ix.Close()

	if err := ix.RebuildFrom(recs); err != nil {
		return err
	}
	fmt.Printf("indexed %d records\n", len(recs))
	return nil
}
