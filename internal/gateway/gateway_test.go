package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/action"
	"warden/internal/config"
	"warden/internal/policy"
)

func newTestGateway(t *testing.T) (*Gateway, string) {
	t.Helper()
	base := t.TempDir()
	for _, d := range []string{"staging", "workspace", "dataset"} {
		require.NoError(t, os.MkdirAll(filepath.Join(base, d), 0755))
	}

	pol, err := policy.New(base, config.PolicyConfig{
		WriteRoots:       []string{"staging", "workspace"},
		ProtectedRORoots: []string{"dataset"},
	})
	require.NoError(t, err)

	gw, err := New(pol, "dataset", "dataset/.manifests/dataset_manifest.jsonl")
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })
	return gw, base
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func datePrefix() string {
	return time.Now().UTC().Format("2006/01/02")
}

func TestPromoteSingleItem(t *testing.T) {
	gw, base := newTestGateway(t)
	src := writeFile(t, filepath.Join(base, "staging", "report.json"), `{"n": 42}`)

	results := gw.Promote([]action.PromoteItem{
		{Src: src, RelativeDst: "reports/report.json", Tags: map[string]string{"kind": "report"}},
	}, "plan-1", "tester")

	require.Len(t, results, 1)
	res := results[0]
	require.True(t, res.OK, "error: %s", res.Error)

	wantDst := filepath.Join(base, "dataset", filepath.FromSlash(datePrefix()), "reports", "report.json")
	assert.Equal(t, wantDst, res.Dst)

	copied, err := os.ReadFile(res.Dst)
	require.NoError(t, err)
	assert.Equal(t, `{"n": 42}`, string(copied))

	sum := sha256.Sum256(copied)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.SHA256, "hash must describe the stored copy")

	records, err := ReadManifest(gw.ManifestPath())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, res.Dst, records[0].Dst)
	assert.Equal(t, res.SHA256, records[0].SHA256)
	assert.Equal(t, int64(len(copied)), records[0].Bytes)
	assert.Equal(t, "plan-1", records[0].PlanID)
	assert.Equal(t, "tester", records[0].Actor)
	assert.Equal(t, map[string]string{"kind": "report"}, records[0].Tags)
}

func TestPromoteIsIdempotentSafe(t *testing.T) {
	gw, base := newTestGateway(t)
	src := writeFile(t, filepath.Join(base, "staging", "once.txt"), "original")

	first := gw.Promote([]action.PromoteItem{{Src: src, RelativeDst: "once.txt"}}, "p", "a")
	require.True(t, first[0].OK)

	// Change the source and retry: the stored copy must survive.
	writeFile(t, src, "tampered")
	second := gw.Promote([]action.PromoteItem{{Src: src, RelativeDst: "once.txt"}}, "p", "a")
	require.False(t, second[0].OK)
	assert.Equal(t, "dst exists", second[0].Error)

	stored, err := os.ReadFile(first[0].Dst)
	require.NoError(t, err)
	assert.Equal(t, "original", string(stored))

	records, err := ReadManifest(gw.ManifestPath())
	require.NoError(t, err)
	assert.Len(t, records, 1, "failed retry must not append a manifest record")
}

func TestPromoteMissingSrc(t *testing.T) {
	gw, base := newTestGateway(t)

	results := gw.Promote([]action.PromoteItem{
		{Src: filepath.Join(base, "staging", "absent.txt"), RelativeDst: "absent.txt"},
	}, "", "")

	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Equal(t, "missing src", results[0].Error)
}

func TestPromoteRefusesProtectedSource(t *testing.T) {
	gw, base := newTestGateway(t)
	src := writeFile(t, filepath.Join(base, "dataset", "canonical.bin"), "already permanent")

	results := gw.Promote([]action.PromoteItem{{Src: src, RelativeDst: "copy.bin"}}, "", "")

	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Equal(t, "src not under writable roots", results[0].Error)
}

func TestPromoteRefusesOutsideRoots(t *testing.T) {
	gw, base := newTestGateway(t)
	src := writeFile(t, filepath.Join(base, "elsewhere", "file.txt"), "x")

	results := gw.Promote([]action.PromoteItem{{Src: src, RelativeDst: "file.txt"}}, "", "")
	assert.False(t, results[0].OK)
	assert.Equal(t, "src not under writable roots", results[0].Error)
}

func TestPromoteZeroLengthFile(t *testing.T) {
	gw, base := newTestGateway(t)
	src := writeFile(t, filepath.Join(base, "staging", "empty.dat"), "")

	results := gw.Promote([]action.PromoteItem{{Src: src, RelativeDst: "empty.dat"}}, "p", "a")
	require.True(t, results[0].OK)

	sum := sha256.Sum256(nil)
	assert.Equal(t, hex.EncodeToString(sum[:]), results[0].SHA256)

	records, err := ReadManifest(gw.ManifestPath())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(0), records[0].Bytes)
}

func TestPromoteDefaultsRelativeDstToBasename(t *testing.T) {
	gw, base := newTestGateway(t)
	src := writeFile(t, filepath.Join(base, "workspace", "deep", "nested", "result.csv"), "a,b\n")

	results := gw.Promote([]action.PromoteItem{{Src: src}}, "p", "a")
	require.True(t, results[0].OK)
	assert.Equal(t, "result.csv", filepath.Base(results[0].Dst))
}

func TestPromoteItemsIndependent(t *testing.T) {
	gw, base := newTestGateway(t)
	good := writeFile(t, filepath.Join(base, "staging", "good.txt"), "ok")

	results := gw.Promote([]action.PromoteItem{
		{Src: filepath.Join(base, "staging", "gone.txt"), RelativeDst: "gone.txt"},
		{Src: good, RelativeDst: "good.txt"},
	}, "p", "a")

	require.Len(t, results, 2)
	assert.False(t, results[0].OK)
	assert.True(t, results[1].OK, "a failed item must not block the rest of the batch")
}

func TestPromoteGlobPreservesLayout(t *testing.T) {
	gw, base := newTestGateway(t)
	writeFile(t, filepath.Join(base, "staging", "a.json"), "{}")
	writeFile(t, filepath.Join(base, "staging", "sub", "b.json"), "{}")
	writeFile(t, filepath.Join(base, "staging", "sub", "deep", "c.txt"), "c")

	results, err := gw.PromoteGlob("staging", "**/*", "direct/s1", map[string]string{"mode": "direct"}, "plan-g", "direct")
	require.NoError(t, err)
	require.Len(t, results, 3)

	var dsts []string
	for _, res := range results {
		require.True(t, res.OK, "error: %s", res.Error)
		rel, err := filepath.Rel(filepath.Join(base, "dataset", filepath.FromSlash(datePrefix())), res.Dst)
		require.NoError(t, err)
		dsts = append(dsts, filepath.ToSlash(rel))
	}
	assert.ElementsMatch(t, []string{
		"direct/s1/a.json",
		"direct/s1/sub/b.json",
		"direct/s1/sub/deep/c.txt",
	}, dsts)
}

func TestPromoteGlobPatternFilter(t *testing.T) {
	gw, base := newTestGateway(t)
	writeFile(t, filepath.Join(base, "staging", "keep.json"), "{}")
	writeFile(t, filepath.Join(base, "staging", "sub", "also.json"), "{}")
	writeFile(t, filepath.Join(base, "staging", "skip.txt"), "no")

	results, err := gw.PromoteGlob("staging", "*.json", "run", nil, "p", "a")
	require.NoError(t, err)
	require.Len(t, results, 2, "pattern matches at any depth")
	for _, res := range results {
		assert.True(t, res.OK)
	}
}

func TestPromoteGlobMissingDir(t *testing.T) {
	gw, _ := newTestGateway(t)
	_, err := gw.PromoteGlob("no-such-dir", "**/*", "x", nil, "p", "a")
	assert.Error(t, err)
}

func TestMatchRel(t *testing.T) {
	cases := []struct {
		pattern string
		rel     string
		want    bool
	}{
		{"**/*", "a.json", true},
		{"**/*", "sub/deep/c.txt", true},
		{"*.json", "a.json", true},
		{"*.json", "sub/b.json", true},
		{"*.json", "note.txt", false},
		{"**/*.json", "sub/deep/d.json", true},
		{"sub/*.json", "sub/b.json", true},
		{"sub/*.json", "other/b.json", false},
		{"sub/*.json", "deep/sub/b.json", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchRel(tc.pattern, tc.rel), "pattern=%q rel=%q", tc.pattern, tc.rel)
	}
}

func TestManifestStats(t *testing.T) {
	gw, base := newTestGateway(t)
	writeFile(t, filepath.Join(base, "staging", "one.txt"), "11")
	writeFile(t, filepath.Join(base, "staging", "two.txt"), "2222")

	gw.Promote([]action.PromoteItem{
		{Src: filepath.Join(base, "staging", "one.txt"), RelativeDst: "one.txt"},
		{Src: filepath.Join(base, "staging", "two.txt"), RelativeDst: "two.txt"},
	}, "plan-s", "stats")

	stats, err := ComputeManifestStats(gw.ManifestPath())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, int64(6), stats.TotalBytes)
	assert.Equal(t, 2, stats.ByActor["stats"])
	assert.Equal(t, 2, stats.ByPlan["plan-s"])
	assert.Len(t, stats.ByDay, 1, "both promotions landed on the same day")
}

func TestManifestFilter(t *testing.T) {
	recs := []ManifestRecord{
		{TS: "2026-08-20T10:00:00Z", Dst: "/perm/a", Actor: "executor", PlanID: "p1", Tags: map[string]string{"mode": "plan"}},
		{TS: "2026-08-22T10:00:00Z", Dst: "/perm/b", Actor: "direct", PlanID: "p2", Tags: map[string]string{"session": "s1"}},
		{TS: "2026-08-24T10:00:00Z", Dst: "/perm/c", Actor: "direct", PlanID: "p2"},
	}

	assert.Len(t, FilterRecords(recs, Filter{}), 3)
	assert.Len(t, FilterRecords(recs, Filter{PlanID: "p2"}), 2)
	assert.Len(t, FilterRecords(recs, Filter{Actor: "executor"}), 1)
	assert.Len(t, FilterRecords(recs, Filter{Tag: "session:s1"}), 1)
	assert.Len(t, FilterRecords(recs, Filter{Tag: "mode"}), 1, "bare key matches any value")

	since := time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	got := FilterRecords(recs, Filter{Since: since, Until: until})
	require.Len(t, got, 1)
	assert.Equal(t, "/perm/b", got[0].Dst)

	bad := ManifestRecord{TS: "not-a-time", Dst: "/perm/x"}
	assert.False(t, Filter{Since: since}.Match(bad), "unparseable timestamps fail date bounds")
}
