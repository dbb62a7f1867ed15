package orchestrator

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"warden/internal/action"
	"warden/internal/executor"
)

const (
	previewLimit   = 2000
	maxReports     = 5
	maxReportBytes = 1 << 20
)

// buildObservation flattens an executed action into the document that
// quality rules and collaborators reason over.
func buildObservation(base string, roots []string, act action.Action, r *executor.Result) map[string]any {
	obs := map[string]any{
		"type": string(act.Type),
		"ok":   r.OK,
	}
	if r.Error != "" {
		obs["error"] = r.Error
	}

	switch act.Type {
	case action.TypeWrite, action.TypeAppend:
		obs["path"] = r.Path
		obs["bytes"] = r.Bytes
		if prev, size, err := filePreview(r.Path); err == nil {
			obs["size"] = size
			obs["preview"] = prev
		}
	case action.TypeMove:
		obs["src"] = r.Src
		obs["dst"] = r.Dst
	case action.TypePromote, action.TypePromoteGlob:
		promoted := 0
		items := make([]map[string]any, 0, len(r.Items))
		for _, it := range r.Items {
			entry := map[string]any{"src": it.Src, "ok": it.OK}
			if it.Dst != "" {
				entry["dst"] = it.Dst
			}
			if it.SHA256 != "" {
				entry["sha256"] = it.SHA256
			}
			if it.Error != "" {
				entry["error"] = it.Error
			}
			if it.OK {
				promoted++
			}
			items = append(items, entry)
		}
		obs["items"] = items
		obs["promoted"] = promoted
		obs["failed"] = len(r.Items) - promoted
	case action.TypeContainerCmd, action.TypePassthroughShell:
		if r.Exec != nil {
			obs["exit"] = r.Exec.ExitCode
			obs["stdout"] = preview(r.Exec.Stdout)
			obs["stderr"] = preview(r.Exec.Stderr)
			obs["duration_ms"] = r.Exec.Duration.Milliseconds()
			if r.Exec.Killed {
				obs["killed"] = true
				obs["kill_reason"] = r.Exec.KillReason
			}
			if reports := collectReports(r.Exec.Stdout, base, roots); len(reports) > 0 {
				obs["reports"] = reports
			}
		}
	}
	return obs
}

func preview(s string) string {
	if len(s) > previewLimit {
		return s[:previewLimit]
	}
	return s
}

func filePreview(path string) (string, int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fi.Size(), err
	}
	defer f.Close()
	buf := make([]byte, previewLimit)
	n, _ := io.ReadFull(f, buf)
	return string(buf[:n]), fi.Size(), nil
}

// collectReports parses JSON and JSONL report files a command named in
// its stdout, when they live under one of the write roots. Collaborators
// diagnose from parsed reports far better than from a stdout snippet.
func collectReports(stdout, base string, roots []string) map[string]any {
	reports := make(map[string]any)
	for _, tok := range strings.Fields(stdout) {
		tok = strings.Trim(tok, `,.;:"'()[]`)
		if !strings.HasSuffix(tok, ".json") && !strings.HasSuffix(tok, ".jsonl") {
			continue
		}

		path := tok
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		path = filepath.Clean(path)
		if !underAny(path, roots) {
			continue
		}
		if _, seen := reports[tok]; seen {
			continue
		}

		parsed, err := parseReport(path)
		if err != nil {
			continue
		}
		reports[tok] = parsed
		if len(reports) >= maxReports {
			break
		}
	}
	return reports
}

func parseReport(path string) (any, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.Size() > maxReportBytes {
		return nil, fmt.Errorf("report too large: %d bytes", fi.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if strings.HasSuffix(path, ".jsonl") {
		var rows []any
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var row any
			if err := json.Unmarshal([]byte(line), &row); err != nil {
				return nil, fmt.Errorf("bad jsonl line: %w", err)
			}
			rows = append(rows, row)
		}
		return rows, nil
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func underAny(path string, roots []string) bool {
	for _, root := range roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func absAgainst(base, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

// mergeChanged unions the watcher-observed set with what the fixer
// claims it changed.
func mergeChanged(watched, claimed []string) []string {
	set := make(map[string]struct{}, len(watched)+len(claimed))
	for _, p := range watched {
		if p != "" {
			set[p] = struct{}{}
		}
	}
	for _, p := range claimed {
		if p != "" {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
