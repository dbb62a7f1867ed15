package orchestrator_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/action"
	"warden/internal/collab"
	"warden/internal/config"
	"warden/internal/orchestrator"
)

// fakeThreeStage scripts one diagnose/fix/review round. The fix hook
// runs while the change watcher is armed.
type fakeThreeStage struct {
	diag      collab.Diagnosis
	diagErr   error
	applyHook func() collab.FixOutcome
	applyErr  error
	verdict   collab.ReviewVerdict
	reviewErr error

	diagnoses []collab.DiagnoseRequest
	reviews   []collab.ReviewRequest
}

func (f *fakeThreeStage) Diagnose(_ context.Context, req collab.DiagnoseRequest) (collab.Diagnosis, error) {
	f.diagnoses = append(f.diagnoses, req)
	if f.diagErr != nil {
		return collab.Diagnosis{}, f.diagErr
	}
	return f.diag, nil
}

func (f *fakeThreeStage) ApplyFix(context.Context, collab.FixRequest) (collab.FixOutcome, error) {
	if f.applyErr != nil {
		return collab.FixOutcome{}, f.applyErr
	}
	if f.applyHook != nil {
		return f.applyHook(), nil
	}
	return collab.FixOutcome{Applied: true}, nil
}

func (f *fakeThreeStage) Review(_ context.Context, req collab.ReviewRequest) (collab.ReviewVerdict, error) {
	f.reviews = append(f.reviews, req)
	if f.reviewErr != nil {
		return collab.ReviewVerdict{}, f.reviewErr
	}
	return f.verdict, nil
}

func TestThreeStageFixApproved(t *testing.T) {
	env := newRunEnv(t)
	staged := filepath.Join(env.base, "staging", "data.txt")
	fts := &fakeThreeStage{
		diag: collab.Diagnosis{
			ErrorType:    "missing_input",
			RootCause:    "data.txt was never staged",
			SuggestedFix: "write the staged input",
			Confidence:   0.9,
		},
		applyHook: func() collab.FixOutcome {
			if err := os.WriteFile(staged, []byte("recovered"), 0o644); err != nil {
				return collab.FixOutcome{Applied: false, Notes: err.Error()}
			}
			return collab.FixOutcome{Applied: true, Changes: []string{staged}}
		},
		verdict: collab.ReviewVerdict{Approved: true},
	}
	o := env.orchestrator(t, orchestrator.Options{ThreeStage: fts})

	plan := &action.Plan{PlanID: "three-1", Actions: []action.Action{
		moveAction("m1", "staging/data.txt", "staging/out/data.txt"),
	}}

	res := o.Run(context.Background(), plan)
	require.True(t, res.OK)
	assert.Equal(t, 1, res.Adaptations)
	assert.Len(t, res.History, 2)

	require.Len(t, fts.diagnoses, 1)
	assert.Equal(t, 0, fts.diagnoses[0].ActionIndex)
	require.Len(t, fts.reviews, 1)
	assert.Equal(t, "missing_input", fts.reviews[0].Diagnosis.ErrorType)
	assert.Contains(t, fts.reviews[0].ChangedFiles, staged,
		"reviewer sees the changed-file set")
}

func TestThreeStageReviewRejectAborts(t *testing.T) {
	env := newRunEnv(t)
	fts := &fakeThreeStage{
		diag:    collab.Diagnosis{ErrorType: "logic_error", RootCause: "bad glob", Confidence: 0.7},
		verdict: collab.ReviewVerdict{Approved: false, Reason: "fix touches the dataset layout"},
	}
	o := env.orchestrator(t, orchestrator.Options{ThreeStage: fts})

	plan := &action.Plan{PlanID: "three-2", Actions: []action.Action{
		moveAction("m1", "staging/missing.txt", "staging/out.txt"),
	}}

	res := o.Run(context.Background(), plan)
	assert.False(t, res.OK)
	assert.Equal(t, "fix touches the dataset layout", res.Reason)
	assert.Equal(t, orchestrator.StateAborted, res.State)
	assert.Zero(t, res.Adaptations, "a rejected fix is not an adaptation")
}

func TestThreeStageDiagnoseFailureAborts(t *testing.T) {
	env := newRunEnv(t)
	fts := &fakeThreeStage{
		diagErr: fmt.Errorf("%w: diagnosis missing root_cause", collab.ErrProtocol),
	}
	o := env.orchestrator(t, orchestrator.Options{ThreeStage: fts})

	plan := &action.Plan{PlanID: "three-3", Actions: []action.Action{
		moveAction("m1", "staging/missing.txt", "staging/out.txt"),
	}}

	res := o.Run(context.Background(), plan)
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "diagnosis failed")
}

func TestThreeStageFixStageFailureAborts(t *testing.T) {
	env := newRunEnv(t)
	fts := &fakeThreeStage{
		diag:     collab.Diagnosis{ErrorType: "missing_input", RootCause: "not staged", Confidence: 0.9},
		applyErr: fmt.Errorf("collaborator fix failed: exit 1"),
	}
	o := env.orchestrator(t, orchestrator.Options{ThreeStage: fts})

	plan := &action.Plan{PlanID: "three-4", Actions: []action.Action{
		moveAction("m1", "staging/missing.txt", "staging/out.txt"),
	}}

	res := o.Run(context.Background(), plan)
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "fix stage failed")
	assert.Empty(t, fts.reviews, "no review without an applied fix")
}

func TestThreeStageBudget(t *testing.T) {
	env := newRunEnv(t)
	// The fix is approved every round but never repairs the move.
	fts := &fakeThreeStage{
		diag:    collab.Diagnosis{ErrorType: "missing_input", RootCause: "not staged", Confidence: 0.9},
		verdict: collab.ReviewVerdict{Approved: true},
	}
	o := env.orchestrator(t, orchestrator.Options{
		ThreeStage: fts,
		Config:     config.OrchestratorConfig{AdaptationFactor: 2},
	})

	plan := &action.Plan{PlanID: "three-5", Actions: []action.Action{
		moveAction("m1", "staging/missing.txt", "staging/out.txt"),
	}}

	res := o.Run(context.Background(), plan)
	assert.False(t, res.OK)
	assert.True(t, res.BudgetExhausted)
	assert.Equal(t, orchestrator.ErrBudgetExhausted.Error(), res.Reason)
	assert.Equal(t, 2, res.Adaptations)
	assert.Len(t, fts.diagnoses, 2, "the exhausted round never reaches diagnosis")
}
