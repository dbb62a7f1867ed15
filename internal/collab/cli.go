package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"warden/internal/config"
	"warden/internal/logging"
)

// CLI talks to an external collaborator process: one invocation per
// question, the request as a JSON envelope on stdin, the answer extracted
// from whatever the process prints. The same binary serves both the
// single-decision protocol and the three-stage one, switched by the
// envelope kind.
type CLI struct {
	argv    []string
	timeout time.Duration
}

var (
	_ Collaborator = (*CLI)(nil)
	_ ThreeStage   = (*CLI)(nil)
)

// NewCLI builds the subprocess collaborator from configuration.
func NewCLI(cfg config.CollabConfig) (*CLI, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("collaborator command not configured")
	}
	return &CLI{argv: cfg.Command, timeout: cfg.TimeoutDuration()}, nil
}

type envelope struct {
	Kind    string `json:"kind"`
	Request any    `json:"request"`
}

// call runs one collaborator invocation and returns the extracted JSON
// answer.
func (c *CLI) call(ctx context.Context, kind string, req any) ([]byte, error) {
	data, err := json.Marshal(envelope{Kind: kind, Request: req})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", kind, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(callCtx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.CollabDebug("%s: %d request bytes to %s", kind, len(data), c.argv[0])
	if err := cmd.Run(); err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("collaborator %s timed out after %s", kind, c.timeout)
		}
		return nil, fmt.Errorf("collaborator %s failed: %w (stderr: %s)",
			kind, err, firstLine(stderr.String()))
	}

	raw, err := ExtractJSON(stdout.String())
	if err != nil {
		return nil, fmt.Errorf("%s response: %w", kind, err)
	}
	return raw, nil
}

// Decide asks for an adaptation decision and validates it before handing
// it back.
func (c *CLI) Decide(ctx context.Context, req DecisionRequest) (Decision, error) {
	raw, err := c.call(ctx, "decide", req)
	if err != nil {
		return Decision{}, err
	}

	var dec Decision
	if err := json.Unmarshal(raw, &dec); err != nil {
		return Decision{}, fmt.Errorf("%w: decision not decodable: %v", ErrProtocol, err)
	}
	if err := dec.Validate(); err != nil {
		return Decision{}, err
	}
	if err := validateDecisionJSON(raw); err != nil {
		return Decision{}, err
	}

	logging.Collab("decision for %s[%d]: %s (%s)", req.PlanID, req.ActionIndex, dec.Decision, dec.Reason)
	return dec, nil
}

// Diagnose runs the read-only first stage.
func (c *CLI) Diagnose(ctx context.Context, req DiagnoseRequest) (Diagnosis, error) {
	raw, err := c.call(ctx, "diagnose", req)
	if err != nil {
		return Diagnosis{}, err
	}
	var diag Diagnosis
	if err := json.Unmarshal(raw, &diag); err != nil {
		return Diagnosis{}, fmt.Errorf("%w: diagnosis not decodable: %v", ErrProtocol, err)
	}
	if diag.RootCause == "" {
		return Diagnosis{}, fmt.Errorf("%w: diagnosis missing root_cause", ErrProtocol)
	}
	return diag, nil
}

// ApplyFix runs the stage that may write files.
func (c *CLI) ApplyFix(ctx context.Context, req FixRequest) (FixOutcome, error) {
	raw, err := c.call(ctx, "fix", req)
	if err != nil {
		return FixOutcome{}, err
	}
	var out FixOutcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return FixOutcome{}, fmt.Errorf("%w: fix outcome not decodable: %v", ErrProtocol, err)
	}
	return out, nil
}

// Review runs the gating stage.
func (c *CLI) Review(ctx context.Context, req ReviewRequest) (ReviewVerdict, error) {
	raw, err := c.call(ctx, "review", req)
	if err != nil {
		return ReviewVerdict{}, err
	}
	var verdict ReviewVerdict
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return ReviewVerdict{}, fmt.Errorf("%w: review verdict not decodable: %v", ErrProtocol, err)
	}
	return verdict, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
