// Package collab defines the reasoning collaborator the orchestrator
// consults when an action degrades, and a subprocess implementation that
// talks JSON over stdin/stdout. Everything a collaborator returns is
// untrusted input: decisions are validated against a closed enum and a
// schema before the orchestrator acts on them.
package collab

import (
	"context"
	"errors"
	"fmt"

	"warden/internal/action"
	"warden/internal/quality"
)

// ErrProtocol marks collaborator output that cannot be trusted: missing
// or malformed JSON, out-of-enum decisions, bad fix action shapes.
var ErrProtocol = errors.New("collaborator protocol error")

// Decisions the orchestrator accepts. Anything else aborts the run.
const (
	DecisionContinue    = "continue"
	DecisionFixAndRetry = "fix_and_retry"
	DecisionSkip        = "skip"
	DecisionAbort       = "abort"
)

// HistoryEntry is the compact view of one executed action shared with the
// collaborator. Full results stay local; the collaborator sees outcomes.
type HistoryEntry struct {
	Index      int    `json:"index"`
	ActionID   string `json:"action_id,omitempty"`
	ActionType string `json:"action_type"`
	Success    bool   `json:"success"`
	Summary    string `json:"summary"`
}

// DecisionRequest is everything the collaborator gets to reason over.
type DecisionRequest struct {
	PlanID      string             `json:"plan_id"`
	Task        string             `json:"task,omitempty"`
	ActionIndex int                `json:"action_index"`
	Action      action.Action      `json:"action"`
	Observation map[string]any     `json:"observation"`
	Quality     quality.Assessment `json:"quality"`
	History     []HistoryEntry     `json:"history"`
}

// Decision is the collaborator's proposal. FixActions only matter for
// fix_and_retry and are re-checked against the action allowlist by the
// orchestrator; a collaborator cannot grant itself new powers.
type Decision struct {
	Decision   string          `json:"decision"`
	FixActions []action.Action `json:"fix_actions,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// Validate enforces the closed decision enum.
func (d Decision) Validate() error {
	if d.Decision == "" {
		return fmt.Errorf("%w: missing decision field", ErrProtocol)
	}
	switch d.Decision {
	case DecisionContinue, DecisionFixAndRetry, DecisionSkip, DecisionAbort:
		return nil
	default:
		return fmt.Errorf("%w: invalid decision %q", ErrProtocol, d.Decision)
	}
}

// Collaborator proposes what to do about a degraded action.
type Collaborator interface {
	Decide(ctx context.Context, req DecisionRequest) (Decision, error)
}

// DiagnoseRequest carries the failure evidence for the first stage.
type DiagnoseRequest struct {
	PlanID      string             `json:"plan_id"`
	Task        string             `json:"task,omitempty"`
	ActionIndex int                `json:"action_index"`
	Action      action.Action      `json:"action"`
	Observation map[string]any     `json:"observation"`
	Quality     quality.Assessment `json:"quality"`
}

// Diagnosis is the first-stage verdict. The diagnosing stage must not
// modify files; it only names the cause and what a fix should do.
type Diagnosis struct {
	ErrorType     string   `json:"error_type"`
	RootCause     string   `json:"root_cause"`
	SuggestedFix  string   `json:"suggested_fix"`
	AffectedFiles []string `json:"affected_files,omitempty"`
	Confidence    float64  `json:"confidence"`
}

// FixRequest hands the diagnosis to the stage allowed to write.
type FixRequest struct {
	PlanID      string        `json:"plan_id"`
	ActionIndex int           `json:"action_index"`
	Action      action.Action `json:"action"`
	Diagnosis   Diagnosis     `json:"diagnosis"`
}

// FixOutcome reports what the fixing stage claims it changed. The real
// changed-file set is captured independently by the orchestrator.
type FixOutcome struct {
	Applied bool     `json:"applied"`
	Changes []string `json:"changes,omitempty"`
	Notes   string   `json:"notes,omitempty"`
}

// ReviewRequest shows the reviewer the diagnosis, the claimed fix, and
// the observed changed files.
type ReviewRequest struct {
	PlanID       string     `json:"plan_id"`
	ActionIndex  int        `json:"action_index"`
	Diagnosis    Diagnosis  `json:"diagnosis"`
	Fix          FixOutcome `json:"fix"`
	ChangedFiles []string   `json:"changed_files"`
}

// ReviewVerdict gates the retry: not approved means the run aborts.
type ReviewVerdict struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// ThreeStage splits adaptation into diagnose, apply, review so that the
// stage that writes is not the stage that judges.
type ThreeStage interface {
	Diagnose(ctx context.Context, req DiagnoseRequest) (Diagnosis, error)
	ApplyFix(ctx context.Context, req FixRequest) (FixOutcome, error)
	Review(ctx context.Context, req ReviewRequest) (ReviewVerdict, error)
}
