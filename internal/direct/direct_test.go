package direct_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/collab"
	"warden/internal/config"
	"warden/internal/direct"
	"warden/internal/gateway"
	"warden/internal/ledger"
	"warden/internal/policy"
	"warden/internal/sandbox"
)

// fakeDirector scripts the command sequence; the last entry repeats.
type fakeDirector struct {
	mu          sync.Mutex
	commands    []string
	errs        []error
	breakout    string
	breakoutErr error

	requests  []collab.NextCommandRequest
	breakouts []collab.BreakoutRequest
}

func (f *fakeDirector) NextCommand(_ context.Context, req collab.NextCommandRequest) (collab.NextCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	i := len(f.requests) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return collab.NextCommand{}, f.errs[i]
	}
	if len(f.commands) == 0 {
		return collab.NextCommand{}, errors.New("unscripted next command")
	}
	if i >= len(f.commands) {
		i = len(f.commands) - 1
	}
	return collab.NextCommand{Command: f.commands[i]}, nil
}

func (f *fakeDirector) SuggestBreakout(_ context.Context, req collab.BreakoutRequest) (collab.Breakout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breakouts = append(f.breakouts, req)
	if f.breakoutErr != nil {
		return collab.Breakout{}, f.breakoutErr
	}
	return collab.Breakout{Command: f.breakout, Reason: "try a different angle"}, nil
}

// scriptRunner records executed commands and answers from a per-command
// script, defaulting to a clean exit.
type scriptRunner struct {
	mu       sync.Mutex
	commands []string
	results  map[string]sandbox.Result
}

func (r *scriptRunner) Name() string { return "fake-sandbox" }

func (r *scriptRunner) Check(context.Context) error { return nil }

func (r *scriptRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

func (r *scriptRunner) Run(_ context.Context, cmd string, _ sandbox.RunOpts) (*sandbox.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
	if res, ok := r.results[cmd]; ok {
		res.Cmd = cmd
		return &res, nil
	}
	return &sandbox.Result{Cmd: cmd, ExitCode: 0, Stdout: "ok\n"}, nil
}

type directEnv struct {
	base         string
	pol          *policy.Policy
	gw           *gateway.Gateway
	led          *ledger.Writer
	box          *scriptRunner
	ledgerPath   string
	manifestPath string
}

func newDirectEnv(t *testing.T) *directEnv {
	t.Helper()
	base := t.TempDir()
	for _, dir := range []string{"staging", "workspace", "reports", "dataset"} {
		require.NoError(t, os.MkdirAll(filepath.Join(base, dir), 0o755))
	}

	pol, err := policy.New(base, config.PolicyConfig{
		WriteRoots:       []string{"staging", "workspace", "reports"},
		ProtectedRORoots: []string{"dataset"},
	})
	require.NoError(t, err)

	manifestPath := "dataset/.manifests/dataset_manifest.jsonl"
	gw, err := gateway.New(pol, "dataset", manifestPath)
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })

	ledgerPath := filepath.Join(base, "reports", "ledger.ndjson")
	led, err := ledger.NewWriter(ledgerPath)
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	return &directEnv{
		base:         base,
		pol:          pol,
		gw:           gw,
		led:          led,
		box:          &scriptRunner{},
		ledgerPath:   ledgerPath,
		manifestPath: filepath.Join(base, manifestPath),
	}
}

func (e *directEnv) session(t *testing.T, dir collab.Director, cfg config.DirectConfig) *direct.Session {
	t.Helper()
	s, err := direct.New(direct.Options{
		Policy:      e.pol,
		Sandbox:     e.box,
		Gateway:     e.gw,
		Ledger:      e.led,
		Director:    dir,
		Config:      cfg,
		Workdir:     "/workspace",
		StagingRoot: "staging",
	})
	require.NoError(t, err)
	return s
}

func (e *directEnv) kinds(t *testing.T) []string {
	t.Helper()
	recs, err := ledger.ReadAll(e.ledgerPath)
	require.NoError(t, err)
	var kinds []string
	for _, r := range recs {
		kinds = append(kinds, r.Kind)
	}
	return kinds
}

func (e *directEnv) stage(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(e.base, "staging", rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

var sessionIDRe = regexp.MustCompile(`^\d+-[0-9a-f]{8}$`)

func TestSessionDoneAndPublish(t *testing.T) {
	env := newDirectEnv(t)
	fd := &fakeDirector{commands: []string{
		"python collect.py --out staging/versions.json",
		`echo "DONE: collected version evidence"`,
	}}
	env.stage(t, "versions.json", `{"cuda": "12.4"}`)
	s := env.session(t, fd, config.DirectConfig{})

	res := s.Run(context.Background(), direct.Task{Name: "tasks/collect_versions.md"})
	require.True(t, res.OK)
	assert.True(t, res.Completed)
	assert.Regexp(t, sessionIDRe, res.SessionID)
	assert.Equal(t, "collected version evidence", res.Summary)
	assert.Equal(t, 2, res.Turns)
	assert.Equal(t, 1, res.Published)

	// The DONE echo is a sentinel, never an executed command.
	assert.Equal(t, []string{"python collect.py --out staging/versions.json"}, env.box.ran())

	assert.Equal(t, []string{
		ledger.KindDirectStart,
		ledger.KindDirectCmd,
		ledger.KindDirectCmdResult,
		ledger.KindDirectCmd,
		ledger.KindDirectDone,
		ledger.KindDirectPublish,
		ledger.KindDirectEnd,
	}, env.kinds(t))

	recs, err := gateway.ReadManifest(env.manifestPath)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Dst, filepath.Join("direct", res.SessionID, "versions.json"))
	assert.Equal(t, "direct", recs[0].Tags["mode"])
	assert.Equal(t, res.SessionID, recs[0].Tags["session"])
	assert.Equal(t, "direct", recs[0].Actor)
}

func TestBareDoneSentinel(t *testing.T) {
	env := newDirectEnv(t)
	fd := &fakeDirector{commands: []string{"DONE: nothing to do"}}
	s := env.session(t, fd, config.DirectConfig{})

	res := s.Run(context.Background(), direct.Task{Name: "tasks/noop.md"})
	assert.True(t, res.OK)
	assert.True(t, res.Completed)
	assert.Equal(t, "nothing to do", res.Summary)
	assert.Empty(t, env.box.ran())
}

func TestRefusedCommandFedBack(t *testing.T) {
	env := newDirectEnv(t)
	fd := &fakeDirector{commands: []string{
		"rm -rf workspace/tmp",
		"ls staging",
		`echo "DONE: cleaned up"`,
	}}
	s := env.session(t, fd, config.DirectConfig{})

	res := s.Run(context.Background(), direct.Task{Name: "tasks/cleanup.md"})
	assert.True(t, res.Completed)
	assert.Equal(t, 1, res.Refusals)

	// Only the allowed command reached the sandbox.
	assert.Equal(t, []string{"ls staging"}, env.box.ran())

	// The refusal text is in the history the collaborator sees next.
	require.Len(t, fd.requests, 3)
	joined := ""
	for _, h := range fd.requests[1].History {
		joined += h + "\n"
	}
	assert.Contains(t, joined, "[REFUSED]")
	assert.Contains(t, joined, "rm")
}

func TestBudgetExhausted(t *testing.T) {
	env := newDirectEnv(t)
	fd := &fakeDirector{commands: []string{"nvidia-smi"}}
	s := env.session(t, fd, config.DirectConfig{CommandBudget: 3, MaxLoopDetections: 99})

	res := s.Run(context.Background(), direct.Task{Name: "tasks/probe.md"})
	assert.False(t, res.OK)
	assert.False(t, res.Completed)
	assert.Equal(t, 3, res.Turns)
	assert.Equal(t, "command budget exhausted", res.Reason)
	assert.Zero(t, res.Published)
	assert.Len(t, fd.requests, 3)
}

func TestBudgetExhaustedStillPublishesEvidence(t *testing.T) {
	env := newDirectEnv(t)
	fd := &fakeDirector{commands: []string{"python probe.py"}}
	env.stage(t, "gpu_info.txt", "RTX 4090")
	s := env.session(t, fd, config.DirectConfig{CommandBudget: 2, MaxLoopDetections: 99})

	res := s.Run(context.Background(), direct.Task{Name: "tasks/probe.md"})
	assert.False(t, res.Completed)
	assert.Equal(t, 1, res.Published)
	assert.True(t, res.OK, "published evidence makes an unfinished session worth keeping")
	assert.Contains(t, env.kinds(t), ledger.KindDirectPublish)
}

func TestLoopBreakoutRuns(t *testing.T) {
	env := newDirectEnv(t)
	fd := &fakeDirector{
		commands: []string{
			"make test", "make test", "make test",
			`echo "DONE: tests pass"`,
		},
		breakout: "make test VERBOSE=1",
	}
	s := env.session(t, fd, config.DirectConfig{})

	res := s.Run(context.Background(), direct.Task{Name: "tasks/tests.md"})
	require.True(t, res.Completed)
	assert.Equal(t, 1, res.LoopsDetected)

	// Third identical command trips the detector; its breakout
	// replacement is what actually runs.
	assert.Equal(t, []string{"make test", "make test", "make test VERBOSE=1"}, env.box.ran())

	require.Len(t, fd.breakouts, 1)
	assert.Equal(t, "exact_repeat", fd.breakouts[0].LoopType)
	assert.InDelta(t, 0.95, fd.breakouts[0].Confidence, 0.001)
	assert.Contains(t, fd.breakouts[0].Commands, "make test")
}

func TestRepeatedLoopsNeedHuman(t *testing.T) {
	env := newDirectEnv(t)
	fd := &fakeDirector{
		commands: []string{"make test"},
		breakout: "", // no better idea
	}
	s := env.session(t, fd, config.DirectConfig{CommandBudget: 10})

	res := s.Run(context.Background(), direct.Task{Name: "tasks/tests.md"})
	assert.False(t, res.OK)
	assert.True(t, res.NeedsHuman)
	assert.Equal(t, 3, res.LoopsDetected)
	assert.Contains(t, res.Reason, "human")

	loopKinds := 0
	for _, k := range env.kinds(t) {
		if k == ledger.KindDirectLoop {
			loopKinds++
		}
	}
	assert.Equal(t, 3, loopKinds)
}

func TestNeedsHumanOverridesPublishedEvidence(t *testing.T) {
	env := newDirectEnv(t)
	fd := &fakeDirector{commands: []string{"make test"}}
	env.stage(t, "partial.log", "attempt 1 failed")
	s := env.session(t, fd, config.DirectConfig{CommandBudget: 10})

	res := s.Run(context.Background(), direct.Task{Name: "tasks/tests.md"})
	assert.True(t, res.NeedsHuman)
	assert.Equal(t, 1, res.Published, "evidence is still protected")
	assert.False(t, res.OK)
}

func TestCommandTimeoutContinues(t *testing.T) {
	env := newDirectEnv(t)
	env.box.results = map[string]sandbox.Result{
		"python train.py": {ExitCode: -1, Killed: true, KillReason: "timeout after 30m0s"},
	}
	fd := &fakeDirector{commands: []string{
		"python train.py",
		`echo "DONE: gave up on training"`,
	}}
	s := env.session(t, fd, config.DirectConfig{})

	res := s.Run(context.Background(), direct.Task{Name: "tasks/train.md"})
	assert.True(t, res.Completed)
	assert.Contains(t, env.kinds(t), ledger.KindDirectTimeout)

	require.Len(t, fd.requests, 2)
	joined := ""
	for _, h := range fd.requests[1].History {
		joined += h + "\n"
	}
	assert.Contains(t, joined, "[TIMEOUT]")
}

func TestPublishFailureDoesNotUnsucceed(t *testing.T) {
	env := newDirectEnv(t)
	// A dangling symlink stages fine but cannot be copied.
	require.NoError(t, os.Symlink(
		filepath.Join(env.base, "staging", "never-written.bin"),
		filepath.Join(env.base, "staging", "broken.bin")))
	fd := &fakeDirector{commands: []string{`echo "DONE: staged"`}}
	s := env.session(t, fd, config.DirectConfig{})

	res := s.Run(context.Background(), direct.Task{Name: "tasks/stage.md"})
	assert.True(t, res.Completed)
	assert.True(t, res.OK, "a publish failure is ledgered, not fatal")
	assert.Zero(t, res.Published)
	assert.Contains(t, env.kinds(t), ledger.KindDirectPublish)
}

func TestDirectorFailureEndsSession(t *testing.T) {
	env := newDirectEnv(t)
	fd := &fakeDirector{errs: []error{errors.New("model overloaded")}}
	s := env.session(t, fd, config.DirectConfig{})

	res := s.Run(context.Background(), direct.Task{Name: "tasks/any.md"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "collaborator failed")
	assert.Equal(t, 1, res.Turns)
}

func TestHistoryWindowBounded(t *testing.T) {
	env := newDirectEnv(t)
	fd := &fakeDirector{commands: []string{"date"}}
	s := env.session(t, fd, config.DirectConfig{CommandBudget: 12, MaxLoopDetections: 99})

	_ = s.Run(context.Background(), direct.Task{
		Name: "tasks/clock.md",
		Text: "Record the sandbox clock drift into staging/clock.txt",
	})
	require.Len(t, fd.requests, 12)
	last := fd.requests[11]
	assert.LessOrEqual(t, len(last.History), 8)
	assert.Equal(t, 12, last.Turn)
	assert.Equal(t, 12, last.Budget)
	assert.Equal(t, "Record the sandbox clock drift into staging/clock.txt", last.Task,
		"the collaborator sees the task text, not the file name")
}
