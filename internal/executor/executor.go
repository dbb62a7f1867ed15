// Package executor dispatches typed plan actions against the filesystem,
// the promotion gateway, and the sandbox. Dispatch is strict: unknown
// types hard-fail, policy refusals fail without side effects, and every
// dispatch appends exactly one ledger record, success or failure.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"warden/internal/action"
	"warden/internal/config"
	"warden/internal/gateway"
	"warden/internal/ledger"
	"warden/internal/logging"
	"warden/internal/policy"
	"warden/internal/sandbox"
)

var (
	// ErrUnknownAction rejects action types outside the typed vocabulary.
	ErrUnknownAction = errors.New("unknown action type")
	// ErrTimeout marks a command cut off at its execution bound.
	ErrTimeout = errors.New("execution timed out")
)

// Result is the outcome of one dispatched action. Err carries the typed
// failure for classification; Error mirrors it for reports.
type Result struct {
	Label    string           `json:"label"`
	Type     action.Type      `json:"type"`
	OK       bool             `json:"ok"`
	Error    string           `json:"error,omitempty"`
	Path     string           `json:"path,omitempty"`
	Src      string           `json:"src,omitempty"`
	Dst      string           `json:"dst,omitempty"`
	Bytes    int              `json:"bytes,omitempty"`
	Exec     *sandbox.Result  `json:"exec,omitempty"`
	Items    []gateway.Result `json:"items,omitempty"`
	Duration time.Duration    `json:"duration"`

	Err error `json:"-"`
}

// Executor binds the dispatch table to its collaborating services.
type Executor struct {
	pol *policy.Policy
	gw  *gateway.Gateway
	box sandbox.Runner
	led *ledger.Writer
	cfg config.ExecutorConfig
}

// New returns an executor over the given policy, gateway, sandbox and
// ledger.
func New(pol *policy.Policy, gw *gateway.Gateway, box sandbox.Runner, led *ledger.Writer, cfg config.ExecutorConfig) *Executor {
	return &Executor{pol: pol, gw: gw, box: box, led: led, cfg: cfg}
}

// Execute runs one action and appends its ledger record. Failures come
// back in the Result, never as a second return; the caller decides what a
// failure means for the run.
func (e *Executor) Execute(ctx context.Context, planID string, idx int, act action.Action) *Result {
	res := &Result{Label: act.Label(idx), Type: act.Type}
	started := time.Now()

	logging.Executor("dispatch %s type=%s", res.Label, act.Type)

	switch {
	case !act.Type.Known():
		res.Err = fmt.Errorf("%w: %q", ErrUnknownAction, string(act.Type))
	case !e.pol.Allows(string(act.Type)):
		res.Err = fmt.Errorf("%w: action type %q not permitted", policy.ErrViolation, act.Type)
	default:
		switch act.Type {
		case action.TypeWrite:
			e.fsWrite(act, res, false)
		case action.TypeAppend:
			e.fsWrite(act, res, true)
		case action.TypeMove:
			e.fsMove(act, res)
		case action.TypePromote:
			e.promote(act, res, planID)
		case action.TypePromoteGlob:
			e.promoteGlob(act, res, planID)
		case action.TypeContainerCmd:
			e.runInSandbox(ctx, act, res, e.cfg.ContainerCmdTimeoutDuration(), false)
		case action.TypePassthroughShell:
			e.runInSandbox(ctx, act, res, e.cfg.PassthroughTimeoutDuration(), true)
		}
	}

	res.Duration = time.Since(started)
	res.OK = res.Err == nil
	if res.Err != nil {
		res.Error = res.Err.Error()
		logging.ExecutorWarn("%s failed: %v", res.Label, res.Err)
	}

	e.record(planID, res)
	return res
}

// abs resolves an action path against the policy base.
func (e *Executor) abs(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(e.pol.Base(), path)
}

func (e *Executor) fsWrite(act action.Action, res *Result, appendMode bool) {
	params, err := act.WriteParams()
	if err != nil {
		res.Err = err
		return
	}
	target := e.abs(params.Path)
	res.Path = target

	// Re-verify at execution time: the path may have grown a symlink or
	// the plan may predate a policy change.
	if !e.pol.AllowsWrite(target) {
		res.Err = fmt.Errorf("%w: not writable: %s", policy.ErrViolation, params.Path)
		return
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		res.Err = fmt.Errorf("failed to create parent dir: %w", err)
		return
	}

	if appendMode {
		f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			res.Err = fmt.Errorf("failed to open for append: %w", err)
			return
		}
		_, werr := f.WriteString(params.Content)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			res.Err = fmt.Errorf("failed to append: %w", werr)
			return
		}
	} else {
		if err := os.WriteFile(target, []byte(params.Content), 0644); err != nil {
			res.Err = fmt.Errorf("failed to write: %w", err)
			return
		}
	}
	res.Bytes = len(params.Content)
}

func (e *Executor) fsMove(act action.Action, res *Result) {
	params, err := act.MoveParams()
	if err != nil {
		res.Err = err
		return
	}
	src := e.abs(params.Src)
	dst := e.abs(params.Dst)
	res.Src, res.Dst = src, dst

	// A move writes at both ends: it removes src and creates dst.
	if !e.pol.AllowsWrite(src) {
		res.Err = fmt.Errorf("%w: move source not writable: %s", policy.ErrViolation, params.Src)
		return
	}
	if !e.pol.AllowsWrite(dst) {
		res.Err = fmt.Errorf("%w: move destination not writable: %s", policy.ErrViolation, params.Dst)
		return
	}

	info, err := os.Stat(src)
	if err != nil {
		res.Err = fmt.Errorf("failed to stat src: %w", err)
		return
	}
	if info.IsDir() {
		res.Err = fmt.Errorf("move src is a directory: %s", params.Src)
		return
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		res.Err = fmt.Errorf("failed to create parent dir: %w", err)
		return
	}
	if err := moveFile(src, dst); err != nil {
		res.Err = err
		return
	}
	res.Bytes = int(info.Size())
}

func (e *Executor) promote(act action.Action, res *Result, planID string) {
	params, err := act.PromoteParams()
	if err != nil {
		res.Err = err
		return
	}
	res.Items = e.gw.Promote(params.Items, planID, "executor")
	res.Err = aggregate(res.Items)
}

func (e *Executor) promoteGlob(act action.Action, res *Result, planID string) {
	params, err := act.PromoteGlobParams()
	if err != nil {
		res.Err = err
		return
	}
	items, err := e.gw.PromoteGlob(params.SrcDir, params.Pattern,
		params.RelativeDstPrefix, params.Tags, planID, "executor")
	if err != nil {
		res.Err = fmt.Errorf("failed to walk %s: %w", params.SrcDir, err)
		return
	}
	res.Items = items
	res.Err = aggregate(items)
}

// aggregate folds per-item outcomes into the action verdict: the action
// succeeds only when every item did.
func aggregate(items []gateway.Result) error {
	failed := 0
	collisions := 0
	firstErr := ""
	for _, item := range items {
		if item.OK {
			continue
		}
		failed++
		if item.Collision() {
			collisions++
		}
		if firstErr == "" {
			firstErr = item.Error
		}
	}
	if failed == 0 {
		return nil
	}
	if collisions > 0 {
		return fmt.Errorf("%w: %d of %d items failed (%s)",
			gateway.ErrCollision, failed, len(items), firstErr)
	}
	return fmt.Errorf("%d of %d items failed (%s)", failed, len(items), firstErr)
}

func (e *Executor) runInSandbox(ctx context.Context, act action.Action, res *Result, timeout time.Duration, screened bool) {
	params, err := act.ExecParams()
	if err != nil {
		res.Err = err
		return
	}

	// Passthrough text bypasses typed path checks, so it gets the command
	// screen before anything runs.
	if screened {
		if err := e.pol.CheckCommand(params.Cmd); err != nil {
			res.Err = err
			return
		}
	}

	if err := e.box.Check(ctx); err != nil {
		res.Err = err
		return
	}

	exec, err := e.box.Run(ctx, params.Cmd, sandbox.RunOpts{
		Workdir: params.Workdir,
		Timeout: timeout,
	})
	if err != nil {
		res.Err = err
		return
	}
	res.Exec = exec

	switch {
	case exec.Killed && strings.HasPrefix(exec.KillReason, "timeout"):
		res.Err = fmt.Errorf("%w: %s", ErrTimeout, exec.KillReason)
	case exec.Killed:
		res.Err = fmt.Errorf("killed: %s", exec.KillReason)
	case exec.ExitCode != 0:
		res.Err = fmt.Errorf("command exited %d", exec.ExitCode)
	}
}

// record appends the single ledger line for this dispatch.
func (e *Executor) record(planID string, res *Result) {
	fields := map[string]any{
		"plan_id": planID,
		"action":  res.Label,
		"ok":      res.OK,
	}
	if res.Error != "" {
		fields["error"] = res.Error
	}

	switch res.Type {
	case action.TypeWrite, action.TypeAppend:
		fields["path"] = res.Path
		fields["bytes"] = res.Bytes
	case action.TypeMove:
		fields["src"] = res.Src
		fields["dst"] = res.Dst
	case action.TypePromote, action.TypePromoteGlob:
		fields["items"] = len(res.Items)
		promoted := 0
		for _, item := range res.Items {
			if item.OK {
				promoted++
			}
		}
		fields["promoted"] = promoted
	case action.TypeContainerCmd, action.TypePassthroughShell:
		if res.Exec != nil {
			fields["cmd"] = res.Exec.Cmd
			fields["exit"] = res.Exec.ExitCode
			fields["killed"] = res.Exec.Killed
			fields["duration_ms"] = res.Exec.Duration.Milliseconds()
		}
	default:
		fields["type"] = string(res.Type)
	}

	if err := e.led.Append(kindFor(res.Type), fields); err != nil {
		logging.ExecutorWarn("ledger append failed for %s: %v", res.Label, err)
	}
}

func kindFor(t action.Type) string {
	switch t {
	case action.TypeWrite:
		return ledger.KindFSWrite
	case action.TypeAppend:
		return ledger.KindFSAppend
	case action.TypeMove:
		return ledger.KindFSMove
	case action.TypePromote:
		return ledger.KindPromote
	case action.TypePromoteGlob:
		return ledger.KindPromoteGlob
	case action.TypeContainerCmd:
		return ledger.KindContainerCmd
	case action.TypePassthroughShell:
		return ledger.KindPassthroughShell
	default:
		return ledger.KindUnknownAction
	}
}

// moveFile renames, falling back to copy-and-remove across devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open src: %w", err)
	}
	info, err := in.Stat()
	if err != nil {
		in.Close()
		return fmt.Errorf("failed to stat src: %w", err)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		in.Close()
		return fmt.Errorf("failed to create dst: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		in.Close()
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to copy: %w", err)
	}
	in.Close()
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close dst: %w", err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("failed to remove src after copy: %w", err)
	}
	return nil
}
