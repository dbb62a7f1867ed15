// Package orchestrator drives a plan through the adaptive run loop:
// each action is executed, its outcome graded, and on a non-good grade
// an external collaborator decides whether to continue, skip, fix and
// retry, or abort. Fix actions pass the same policy checks as plan
// actions, and a hard adaptation budget bounds retry work per run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"warden/internal/action"
	"warden/internal/collab"
	"warden/internal/config"
	"warden/internal/executor"
	"warden/internal/ledger"
	"warden/internal/logging"
	"warden/internal/loopdetect"
	"warden/internal/policy"
	"warden/internal/quality"
)

// ErrBudgetExhausted ends a run that used its full fix-retry allowance.
// Kept distinct from a collaborator abort so operators can tell "kept
// trying and ran out" from "agent said stop".
var ErrBudgetExhausted = errors.New("adaptation budget exhausted")

// ReasonCompleted is the terminal reason of a fully advanced run.
const ReasonCompleted = "completed"

// State names a phase of the run loop.
type State string

const (
	StatePending    State = "PENDING"
	StateExecuting  State = "EXECUTING"
	StateEvaluating State = "EVALUATING"
	StateAdvance    State = "ADVANCE"
	StateDiagnosing State = "DIAGNOSING"
	StateFixing     State = "FIXING"
	StateRetrying   State = "RETRYING"
	StateAborted    State = "ABORTED"
	StateDone       State = "DONE"
)

// HistoryEntry is one executed plan action with its grade. History is
// never trimmed within a run; collaborators get a bounded summary of
// its tail.
type HistoryEntry struct {
	Index   int                `json:"index"`
	Attempt int                `json:"attempt"`
	Action  action.Action      `json:"action"`
	Result  *executor.Result   `json:"result"`
	Quality quality.Assessment `json:"quality"`
}

// FixRecord is one collaborator-proposed fix action that was executed.
type FixRecord struct {
	ForIndex int              `json:"for_index"`
	Action   action.Action    `json:"action"`
	Result   *executor.Result `json:"result"`
}

// RunResult is the terminal outcome of one plan run.
type RunResult struct {
	PlanID          string         `json:"plan_id"`
	OK              bool           `json:"ok"`
	Reason          string         `json:"reason"`
	State           State          `json:"state"`
	Executed        int            `json:"executed"`
	Adaptations     int            `json:"adaptations"`
	LoopsDetected   int            `json:"loops_detected"`
	BudgetExhausted bool           `json:"budget_exhausted,omitempty"`
	History         []HistoryEntry `json:"history"`
	Fixes           []FixRecord    `json:"fixes,omitempty"`
	Started         time.Time      `json:"started"`
	Finished        time.Time      `json:"finished"`
	ReportPath      string         `json:"report_path,omitempty"`
}

// Options wires the orchestrator's collaborating services. Exactly one
// of Collaborator or ThreeStage selects the adaptation protocol; when
// both are set, ThreeStage wins.
type Options struct {
	Executor     *executor.Executor
	Quality      *quality.Checker
	Collaborator collab.Collaborator
	ThreeStage   collab.ThreeStage
	Ledger       *ledger.Writer
	Policy       *policy.Policy
	// WriteRoots are scanned for report files named in command output
	// and watched for changes while a three-stage fix runs. Relative
	// entries resolve against the policy base.
	WriteRoots []string
	// ReportsRoot receives one run report JSON per run; empty disables.
	ReportsRoot string
	Config      config.OrchestratorConfig
	LoopConfig  config.LoopDetectConfig
}

// Orchestrator runs plans. Safe for concurrent Run calls: per-run state
// lives in the RunResult and ledger/manifest appends serialize in their
// writers.
type Orchestrator struct {
	exec        *executor.Executor
	check       *quality.Checker
	decider     collab.Collaborator
	three       collab.ThreeStage
	led         *ledger.Writer
	pol         *policy.Policy
	writeRoots  []string
	reportsRoot string
	factor      int
	window      int
	maxParallel int
	loopCfg     config.LoopDetectConfig
}

// New validates the wiring and applies config defaults.
func New(opts Options) (*Orchestrator, error) {
	if opts.Executor == nil || opts.Quality == nil || opts.Ledger == nil || opts.Policy == nil {
		return nil, errors.New("orchestrator needs executor, quality checker, ledger and policy")
	}
	if opts.Collaborator == nil && opts.ThreeStage == nil {
		return nil, errors.New("orchestrator needs a collaborator")
	}

	factor := opts.Config.AdaptationFactor
	if factor <= 0 {
		factor = 3
	}
	window := opts.Config.HistoryWindow
	if window <= 0 {
		window = 5
	}

	base := opts.Policy.Base()
	roots := make([]string, 0, len(opts.WriteRoots))
	for _, r := range opts.WriteRoots {
		roots = append(roots, absAgainst(base, r))
	}
	reportsRoot := opts.ReportsRoot
	if reportsRoot != "" {
		reportsRoot = absAgainst(base, reportsRoot)
	}

	return &Orchestrator{
		exec:        opts.Executor,
		check:       opts.Quality,
		decider:     opts.Collaborator,
		three:       opts.ThreeStage,
		led:         opts.Ledger,
		pol:         opts.Policy,
		writeRoots:  roots,
		reportsRoot: reportsRoot,
		factor:      factor,
		window:      window,
		maxParallel: opts.Config.MaxParallel,
		loopCfg:     opts.LoopConfig,
	}, nil
}

// Run executes every plan action in order. All failure modes come back
// in the result; the history is complete even for aborted runs.
func (o *Orchestrator) Run(ctx context.Context, plan *action.Plan) *RunResult {
	res := &RunResult{PlanID: plan.PlanID, State: StatePending, Started: time.Now().UTC()}
	budget := o.factor * len(plan.Actions)
	det := loopdetect.New(o.loopCfg.WindowSize, o.loopCfg.SimilarityThreshold)

	o.append(ledger.KindRunStart, map[string]any{
		"plan_id": plan.PlanID,
		"actions": len(plan.Actions),
		"budget":  budget,
	})
	logging.Orchestrator("run %s: %d actions, adaptation budget %d", plan.PlanID, len(plan.Actions), budget)

	attempts := make([]int, len(plan.Actions))
	idx := 0
	for idx < len(plan.Actions) {
		// Aborts land between action boundaries; a running sandbox
		// command is bounded by its own timeout.
		if err := ctx.Err(); err != nil {
			return o.finish(res, det, StateAborted, false, fmt.Sprintf("run canceled: %v", err))
		}

		act := plan.Actions[idx]
		attempts[idx]++
		o.setState(res, StateExecuting)
		r := o.exec.Execute(ctx, plan.PlanID, idx, act)

		o.setState(res, StateEvaluating)
		obs := o.observe(det, act, r)
		qa := o.check.Check(act, r, obs)
		res.History = append(res.History, HistoryEntry{
			Index:   idx,
			Attempt: attempts[idx],
			Action:  act,
			Result:  r,
			Quality: qa,
		})
		res.Executed++

		if qa.Level == quality.LevelGood {
			o.setState(res, StateAdvance)
			idx++
			continue
		}

		o.append(ledger.KindQualityIssue, map[string]any{
			"plan_id": plan.PlanID,
			"action":  r.Label,
			"quality": qa.Level,
			"issues":  qa.Issues,
		})
		logging.Orchestrator("action %s graded %s: %s", r.Label, qa.Level, strings.Join(qa.Issues, "; "))

		var advance bool
		var term *termination
		if o.three != nil {
			advance, term = o.adaptThreeStage(ctx, plan, idx, act, r, obs, qa, budget, res)
		} else {
			advance, term = o.adaptDecide(ctx, plan, idx, act, r, obs, qa, budget, res)
		}
		if term != nil {
			return o.finish(res, det, term.state, false, term.reason)
		}
		if advance {
			o.setState(res, StateAdvance)
			idx++
		}
	}

	return o.finish(res, det, StateDone, true, ReasonCompleted)
}

// termination carries an early exit out of the adaptation paths.
type termination struct {
	state  State
	reason string
}

// adaptDecide consults the single-call collaborator and dispatches on
// its decision.
func (o *Orchestrator) adaptDecide(ctx context.Context, plan *action.Plan, idx int, act action.Action, r *executor.Result, obs map[string]any, qa quality.Assessment, budget int, res *RunResult) (bool, *termination) {
	dec, err := o.decider.Decide(ctx, collab.DecisionRequest{
		PlanID:      plan.PlanID,
		ActionIndex: idx,
		Action:      act,
		Observation: obs,
		Quality:     qa,
		History:     o.summarize(res.History),
	})
	if err != nil {
		if errors.Is(err, collab.ErrProtocol) {
			return false, &termination{StateAborted, fmt.Sprintf("collaborator protocol error: %v", err)}
		}
		// The call itself failed. A succeeded-but-suspicious action
		// proceeds; a failed one cannot.
		if r.OK {
			logging.OrchestratorWarn("collaborator unavailable but %s succeeded, continuing: %v", r.Label, err)
			return true, nil
		}
		return false, &termination{StateAborted, fmt.Sprintf("collaborator unavailable: %v", err)}
	}

	o.append(ledger.KindDecision, map[string]any{
		"plan_id":  plan.PlanID,
		"action":   r.Label,
		"decision": dec.Decision,
		"reason":   dec.Reason,
	})
	logging.Orchestrator("decision for %s: %s (%s)", r.Label, dec.Decision, dec.Reason)

	switch dec.Decision {
	case collab.DecisionContinue, collab.DecisionSkip:
		return true, nil
	case collab.DecisionAbort:
		reason := dec.Reason
		if reason == "" {
			reason = "collaborator abort"
		}
		return false, &termination{StateAborted, reason}
	}

	if term := o.applyFixActions(ctx, plan, idx, act, dec.FixActions, budget, res); term != nil {
		return false, term
	}
	o.setState(res, StateRetrying)
	return false, nil
}

// applyFixActions vets and runs a collaborator's fix list. The same
// action index is retried afterwards; any failure here ends the run.
func (o *Orchestrator) applyFixActions(ctx context.Context, plan *action.Plan, idx int, act action.Action, fixes []action.Action, budget int, res *RunResult) *termination {
	if len(fixes) == 0 {
		return &termination{StateAborted, "fix_and_retry with no fix actions"}
	}
	// A fix must not grant new capabilities.
	for _, fix := range fixes {
		if !fix.Type.Known() || !o.pol.Allows(string(fix.Type)) {
			return &termination{StateAborted, fmt.Sprintf("fix action type %q not allowed", fix.Type)}
		}
	}
	if res.Adaptations >= budget {
		res.BudgetExhausted = true
		return &termination{StateAborted, ErrBudgetExhausted.Error()}
	}

	o.setState(res, StateFixing)
	for j := range fixes {
		fix := fixes[j]
		if fix.ID == "" {
			fix.ID = fmt.Sprintf("%s_fix_%d", act.Label(idx), j)
		}
		fr := o.exec.Execute(ctx, plan.PlanID, j, fix)
		res.Fixes = append(res.Fixes, FixRecord{ForIndex: idx, Action: fix, Result: fr})
		o.append(ledger.KindFixApplied, map[string]any{
			"plan_id": plan.PlanID,
			"action":  act.Label(idx),
			"fix":     fr.Label,
			"ok":      fr.OK,
		})
		if !fr.OK {
			return &termination{StateAborted, fmt.Sprintf("fix action %s failed: %s", fr.Label, fr.Error)}
		}
	}

	res.Adaptations++
	o.append(ledger.KindAdaptation, map[string]any{
		"plan_id":     plan.PlanID,
		"action":      act.Label(idx),
		"adaptations": res.Adaptations,
	})
	return nil
}

// adaptThreeStage runs the diagnose, fix, review sequence. The stage
// that writes is bracketed by a filesystem watcher so the reviewer sees
// the actual changed-file set, not just what the fixer claims.
func (o *Orchestrator) adaptThreeStage(ctx context.Context, plan *action.Plan, idx int, act action.Action, r *executor.Result, obs map[string]any, qa quality.Assessment, budget int, res *RunResult) (bool, *termination) {
	if res.Adaptations >= budget {
		res.BudgetExhausted = true
		return false, &termination{StateAborted, ErrBudgetExhausted.Error()}
	}

	o.setState(res, StateDiagnosing)
	diag, err := o.three.Diagnose(ctx, collab.DiagnoseRequest{
		PlanID:      plan.PlanID,
		ActionIndex: idx,
		Action:      act,
		Observation: obs,
		Quality:     qa,
	})
	if err != nil {
		if !errors.Is(err, collab.ErrProtocol) && r.OK {
			logging.OrchestratorWarn("diagnosis unavailable but %s succeeded, continuing: %v", r.Label, err)
			return true, nil
		}
		return false, &termination{StateAborted, fmt.Sprintf("diagnosis failed: %v", err)}
	}
	logging.Orchestrator("diagnosis for %s: %s (confidence %.2f)", r.Label, diag.ErrorType, diag.Confidence)

	o.setState(res, StateFixing)
	watcher, werr := watchChanges(o.writeRoots)
	if werr != nil {
		logging.OrchestratorWarn("change watcher unavailable: %v", werr)
	}
	out, ferr := o.three.ApplyFix(ctx, collab.FixRequest{
		PlanID:      plan.PlanID,
		ActionIndex: idx,
		Action:      act,
		Diagnosis:   diag,
	})
	var changed []string
	if watcher != nil {
		changed = watcher.Stop()
	}
	if ferr != nil {
		return false, &termination{StateAborted, fmt.Sprintf("fix stage failed: %v", ferr)}
	}
	changed = mergeChanged(changed, out.Changes)

	verdict, rerr := o.three.Review(ctx, collab.ReviewRequest{
		PlanID:       plan.PlanID,
		ActionIndex:  idx,
		Diagnosis:    diag,
		Fix:          out,
		ChangedFiles: changed,
	})
	if rerr != nil {
		return false, &termination{StateAborted, fmt.Sprintf("review stage failed: %v", rerr)}
	}
	if !verdict.Approved {
		reason := verdict.Reason
		if reason == "" {
			reason = "review rejected fix"
		}
		return false, &termination{StateAborted, reason}
	}

	res.Adaptations++
	o.append(ledger.KindFixApplied, map[string]any{
		"plan_id":  plan.PlanID,
		"action":   r.Label,
		"changes":  changed,
		"approved": true,
	})
	o.append(ledger.KindAdaptation, map[string]any{
		"plan_id":     plan.PlanID,
		"action":      r.Label,
		"adaptations": res.Adaptations,
	})
	o.setState(res, StateRetrying)
	return false, nil
}

// observe builds the action observation and folds in loop detection for
// sandbox commands. The detection is advisory context, never a verdict.
func (o *Orchestrator) observe(det *loopdetect.Detector, act action.Action, r *executor.Result) map[string]any {
	obs := buildObservation(o.pol.Base(), o.writeRoots, act, r)
	if act.Type == action.TypeContainerCmd || act.Type == action.TypePassthroughShell {
		if params, err := act.ExecParams(); err == nil {
			if d := det.Observe(params.Cmd); d.IsLoop {
				obs["loop"] = map[string]any{"type": d.Type, "confidence": d.Confidence}
				logging.Orchestrator("loop detected: %s (confidence %.2f)", d.Type, d.Confidence)
			}
		}
	}
	return obs
}

// summarize bounds the history handed to collaborators. The full
// history stays in the run result.
func (o *Orchestrator) summarize(entries []HistoryEntry) []collab.HistoryEntry {
	start := 0
	if len(entries) > o.window {
		start = len(entries) - o.window
	}
	out := make([]collab.HistoryEntry, 0, len(entries)-start)
	for _, e := range entries[start:] {
		verdict := "ok"
		if !e.Result.OK {
			verdict = "failed"
		}
		out = append(out, collab.HistoryEntry{
			Index:      e.Index,
			ActionID:   e.Action.ID,
			ActionType: string(e.Action.Type),
			Success:    e.Result.OK,
			Summary:    fmt.Sprintf("%s -> %s", e.Action.Type, verdict),
		})
	}
	return out
}

func (o *Orchestrator) finish(res *RunResult, det *loopdetect.Detector, state State, ok bool, reason string) *RunResult {
	o.setState(res, state)
	res.OK = ok
	res.Reason = reason
	res.LoopsDetected = det.LoopsDetected()
	res.Finished = time.Now().UTC()

	if path, err := o.writeReport(res); err != nil {
		logging.OrchestratorWarn("run report not written: %v", err)
	} else if path != "" {
		res.ReportPath = path
	}

	o.append(ledger.KindRunEnd, map[string]any{
		"plan_id":     res.PlanID,
		"ok":          res.OK,
		"reason":      res.Reason,
		"executed":    res.Executed,
		"adaptations": res.Adaptations,
	})
	logging.Orchestrator("run %s finished: ok=%v reason=%q executed=%d adaptations=%d",
		res.PlanID, res.OK, res.Reason, res.Executed, res.Adaptations)
	return res
}

func (o *Orchestrator) setState(res *RunResult, next State) {
	if res.State != next {
		logging.OrchestratorDebug("run %s: %s -> %s", res.PlanID, res.State, next)
		res.State = next
	}
}

func (o *Orchestrator) append(kind string, fields map[string]any) {
	if err := o.led.Append(kind, fields); err != nil {
		logging.OrchestratorWarn("ledger append failed: %v", err)
	}
}
