package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/action"
	"warden/internal/executor"
	"warden/internal/gateway"
	"warden/internal/sandbox"
)

func obsRoots(t *testing.T) (string, []string) {
	t.Helper()
	base := t.TempDir()
	roots := []string{filepath.Join(base, "staging"), filepath.Join(base, "workspace")}
	for _, root := range roots {
		require.NoError(t, os.MkdirAll(root, 0o755))
	}
	return base, roots
}

func TestBuildObservationWrite(t *testing.T) {
	base, roots := obsRoots(t)
	path := filepath.Join(base, "staging", "note.md")
	require.NoError(t, os.WriteFile(path, []byte("# finding\n"), 0o644))

	res := &executor.Result{Type: action.TypeWrite, OK: true, Path: path, Bytes: 10}
	obs := buildObservation(base, roots, action.Action{Type: action.TypeWrite}, res)

	assert.Equal(t, "fs.write", obs["type"])
	assert.Equal(t, true, obs["ok"])
	assert.Equal(t, path, obs["path"])
	assert.Equal(t, 10, obs["bytes"])
	assert.Equal(t, int64(10), obs["size"])
	assert.Equal(t, "# finding\n", obs["preview"])
	assert.NotContains(t, obs, "error")
}

func TestBuildObservationWritePreviewTruncated(t *testing.T) {
	base, roots := obsRoots(t)
	path := filepath.Join(base, "staging", "big.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 3000)), 0o644))

	res := &executor.Result{Type: action.TypeWrite, OK: true, Path: path, Bytes: 3000}
	obs := buildObservation(base, roots, action.Action{Type: action.TypeWrite}, res)

	assert.Len(t, obs["preview"], previewLimit)
	assert.Equal(t, int64(3000), obs["size"])
}

func TestBuildObservationMoveFailure(t *testing.T) {
	base, roots := obsRoots(t)
	res := &executor.Result{
		Type:  action.TypeMove,
		OK:    false,
		Error: "failed to stat src: no such file",
		Src:   filepath.Join(base, "staging", "gone.txt"),
		Dst:   filepath.Join(base, "workspace", "gone.txt"),
	}
	obs := buildObservation(base, roots, action.Action{Type: action.TypeMove}, res)

	assert.Equal(t, false, obs["ok"])
	assert.Equal(t, res.Error, obs["error"])
	assert.Equal(t, res.Src, obs["src"])
	assert.Equal(t, res.Dst, obs["dst"])
}

func TestBuildObservationPromote(t *testing.T) {
	base, roots := obsRoots(t)
	res := &executor.Result{
		Type: action.TypePromote,
		OK:   false,
		Items: []gateway.Result{
			{Src: "staging/a.json", Dst: "dataset/2026-08-25/reports/a.json", OK: true, SHA256: "abc123"},
			{Src: "staging/b.json", OK: false, Error: "dst exists: dataset/2026-08-25/reports/b.json"},
		},
	}
	obs := buildObservation(base, roots, action.Action{Type: action.TypePromote}, res)

	want := map[string]any{
		"type":     "ingest.promote",
		"ok":       false,
		"promoted": 1,
		"failed":   1,
		"items": []map[string]any{
			{"src": "staging/a.json", "ok": true, "dst": "dataset/2026-08-25/reports/a.json", "sha256": "abc123"},
			{"src": "staging/b.json", "ok": false, "error": "dst exists: dataset/2026-08-25/reports/b.json"},
		},
	}
	if diff := cmp.Diff(want, obs); diff != "" {
		t.Errorf("promote observation mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildObservationExecParsesNamedReports(t *testing.T) {
	base, roots := obsRoots(t)
	require.NoError(t, os.WriteFile(
		filepath.Join(base, "staging", "scan.json"),
		[]byte(`{"total_videos": 5000, "suitable_real_count": 0}`), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(base, "staging", "rows.jsonl"),
		[]byte("{\"id\": 1}\n{\"id\": 2}\n"), 0o644))
	// Outside every write root; must not be read.
	require.NoError(t, os.MkdirAll(filepath.Join(base, "dataset"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(base, "dataset", "gold.json"), []byte(`{"rows": 9}`), 0o644))

	res := &executor.Result{
		Type: action.TypeContainerCmd,
		OK:   true,
		Exec: &sandbox.Result{
			Cmd:      "python scan.py",
			ExitCode: 0,
			Stdout:   "Wrote staging/scan.json.\nAppended staging/rows.jsonl and dataset/gold.json\n",
			Duration: 1200 * time.Millisecond,
		},
	}
	obs := buildObservation(base, roots, action.Action{Type: action.TypeContainerCmd}, res)

	assert.Equal(t, 0, obs["exit"])
	assert.EqualValues(t, 1200, obs["duration_ms"])
	reports, ok := obs["reports"].(map[string]any)
	require.True(t, ok, "reports should be attached")

	scan, ok := reports["staging/scan.json"].(map[string]any)
	require.True(t, ok, "json report keyed by the token the command printed")
	assert.EqualValues(t, 5000, scan["total_videos"])

	rows, ok := reports["staging/rows.jsonl"].([]any)
	require.True(t, ok, "jsonl report decodes per line")
	assert.Len(t, rows, 2)

	assert.NotContains(t, reports, "dataset/gold.json")
}

func TestBuildObservationExecNoReports(t *testing.T) {
	base, roots := obsRoots(t)
	res := &executor.Result{
		Type: action.TypeContainerCmd,
		OK:   false,
		Exec: &sandbox.Result{
			Cmd:        "python train.py",
			ExitCode:   -1,
			Stdout:     "epoch 1\n",
			Stderr:     "killed",
			Killed:     true,
			KillReason: "timeout after 20m0s",
		},
	}
	obs := buildObservation(base, roots, action.Action{Type: action.TypeContainerCmd}, res)

	assert.Equal(t, true, obs["killed"])
	assert.Equal(t, "timeout after 20m0s", obs["kill_reason"])
	assert.NotContains(t, obs, "reports")
}

func TestCollectReportsSkipsUnparseable(t *testing.T) {
	base, roots := obsRoots(t)
	require.NoError(t, os.WriteFile(
		filepath.Join(base, "staging", "broken.json"), []byte("{not json"), 0o644))

	reports := collectReports("see staging/broken.json staging/missing.json", base, roots)
	assert.Empty(t, reports)
}

func TestMergeChanged(t *testing.T) {
	got := mergeChanged(
		[]string{"/w/b.py", "/w/a.py", ""},
		[]string{"/w/a.py", "/w/c.py"},
	)
	assert.Equal(t, []string{"/w/a.py", "/w/b.py", "/w/c.py"}, got)

	assert.Empty(t, mergeChanged(nil, nil))
}
