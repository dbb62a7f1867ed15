// Package sandbox runs shell commands inside a pre-started container.
// The container is provisioned out of band (docker create + start with the
// workspace mounted); this package only execs into it, so a missing or
// stopped container is an availability error, never a provisioning step.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"warden/internal/config"
	"warden/internal/logging"
)

// ErrUnavailable marks every failure to reach the container. Callers fail
// fast on it instead of attempting the command.
var ErrUnavailable = errors.New("sandbox unavailable")

// Result is the outcome of one command. A deadline hit sets Killed and
// KillReason instead of an exit code; partial output is preserved.
type Result struct {
	Cmd        string        `json:"cmd"`
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	Duration   time.Duration `json:"duration"`
	Killed     bool          `json:"killed"`
	KillReason string        `json:"kill_reason,omitempty"`
}

// RunOpts bounds one command. A zero Workdir keeps the container default;
// a zero Timeout falls back to five minutes.
type RunOpts struct {
	Workdir string
	Timeout time.Duration
}

// Runner is the execution surface the executor and direct sessions depend
// on. Check must be cheap enough to call before every command.
type Runner interface {
	Name() string
	Check(ctx context.Context) error
	Run(ctx context.Context, cmd string, opts RunOpts) (*Result, error)
}

// Docker execs commands in a named long-running container. State inside the
// container persists across commands, which is the point: setup done by one
// action is visible to the next.
type Docker struct {
	mu         sync.Mutex
	dockerPath string
	container  string
	workdir    string
	shell      string
	startHint  string
	execCount  int
	lastExecAt time.Time
}

// NewDocker resolves the docker binary and remembers the target container.
// Binary absence is reported by Check, not here, so construction never fails.
func NewDocker(cfg config.SandboxConfig) *Docker {
	d := &Docker{
		container: cfg.ContainerName,
		workdir:   cfg.WorkingDir,
		shell:     cfg.Shell,
		startHint: cfg.StartHint,
	}
	if d.container == "" {
		d.container = "agent-sandbox"
	}
	if d.shell == "" {
		d.shell = "bash"
	}
	if path, err := exec.LookPath("docker"); err == nil {
		d.dockerPath = path
		logging.SandboxDebug("docker binary: %s", path)
	} else {
		logging.SandboxWarn("docker binary not found in PATH")
	}
	return d
}

// Name returns the container name commands run inside.
func (d *Docker) Name() string { return d.container }

// Check verifies the container is up. The returned error wraps
// ErrUnavailable and carries the operator hint for starting the sandbox.
func (d *Docker) Check(ctx context.Context) error {
	if d.dockerPath == "" {
		return fmt.Errorf("%w: docker binary not found in PATH", ErrUnavailable)
	}

	psCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(psCtx, d.dockerPath, "ps",
		"--filter", "name="+d.container, "--format", "{{.Names}}")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: docker ps failed: %v", ErrUnavailable, err)
	}

	// name= filters by substring; require an exact line.
	for _, line := range strings.Split(stdout.String(), "\n") {
		if strings.TrimSpace(line) == d.container {
			return nil
		}
	}
	return fmt.Errorf("%w: %s container not running. Run: %s",
		ErrUnavailable, d.container, d.startHint)
}

// Run execs cmd through the container shell with a hard deadline. Non-zero
// exits and deadline kills are reported in the Result, not as errors; only
// a failure to invoke docker itself returns an error.
func (d *Docker) Run(ctx context.Context, cmd string, opts RunOpts) (*Result, error) {
	if d.dockerPath == "" {
		return nil, fmt.Errorf("%w: docker binary not found in PATH", ErrUnavailable)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	logging.Sandbox("exec in %s (timeout=%s): %s", d.container, timeout, cmd)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCmd := exec.CommandContext(execCtx, d.dockerPath, d.execArgs(cmd, opts.Workdir)...)
	var stdoutBuf, stderrBuf bytes.Buffer
	execCmd.Stdout = &stdoutBuf
	execCmd.Stderr = &stderrBuf

	started := time.Now()
	err := execCmd.Run()

	res := &Result{
		Cmd:      cmd,
		ExitCode: 0,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(started),
	}

	if err != nil {
		switch {
		case execCtx.Err() == context.DeadlineExceeded:
			res.Killed = true
			res.KillReason = fmt.Sprintf("timeout after %s", timeout)
			res.ExitCode = -1
			logging.SandboxWarn("exec killed after %s: %s", timeout, cmd)
		case execCtx.Err() == context.Canceled:
			res.Killed = true
			res.KillReason = "context canceled"
			res.ExitCode = -1
		default:
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitCode()
				logging.SandboxDebug("exec exited %d: %s", res.ExitCode, cmd)
			} else {
				return nil, fmt.Errorf("failed to exec in container: %w", err)
			}
		}
	}

	d.mu.Lock()
	d.execCount++
	d.lastExecAt = time.Now()
	d.mu.Unlock()

	logging.SandboxDebug("exec done: exit=%d killed=%v duration=%s",
		res.ExitCode, res.Killed, res.Duration)
	return res, nil
}

// ExecCount reports how many commands ran in this process.
func (d *Docker) ExecCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.execCount
}

func (d *Docker) execArgs(cmd, workdir string) []string {
	if workdir == "" {
		workdir = d.workdir
	}
	args := []string{"exec"}
	if workdir != "" {
		args = append(args, "-w", workdir)
	}
	args = append(args, d.container, d.shell, "-c", cmd)
	return args
}
