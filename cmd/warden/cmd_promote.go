package main

import (
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"warden/internal/action"
)

var (
	promoteTags []string
	promotePlan string
)

var promoteCmd = &cobra.Command{
	Use:   "promote [src] [relative-dst]",
	Short: "Promote one file into the permanent dataset",
	Long: `Copies src into <permanent-root>/<UTC date>/<relative-dst>, hashes the
stored copy, and appends a manifest record. An existing destination is a
collision and fails; promoted files are never overwritten.`,
	Args: cobra.ExactArgs(2),
	RunE: runPromote,
}

func init() {
	promoteCmd.Flags().StringArrayVar(&promoteTags, "tag", nil, "key:value tag recorded in the manifest (repeatable)")
	promoteCmd.Flags().StringVar(&promotePlan, "plan", "cli", "Plan id recorded in the manifest")
}

func runPromote(cmd *cobra.Command, args []string) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	tags := make(map[string]string, len(promoteTags))
	for _, t := range promoteTags {
		k, v, _ := strings.Cut(t, ":")
		tags[k] = v
	}
	items := []action.PromoteItem{{
		Src:         args[0],
		RelativeDst: args[1],
		Tags:        tags,
	}}
	results := svc.gw.Promote(items, promotePlan, "cli")

	if jsonOut {
		if err := printJSON(results); err != nil {
			return err
		}
	} else {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Src", "OK", "Dst", "SHA256", "Error"})
		for _, r := range results {
			tw.AppendRow(table.Row{r.Src, r.OK, r.Dst, shortHash(r.SHA256), r.Error})
		}
		tw.Render()
	}

	for _, r := range results {
		if !r.OK {
			return exitCode(1, "")
		}
	}
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
