package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// runReport is the terminal summary written under the reports root.
type runReport struct {
	PlanID        string    `json:"plan_id"`
	OK            bool      `json:"ok"`
	Reason        string    `json:"reason"`
	Executed      int       `json:"executed"`
	Adaptations   int       `json:"adaptations"`
	LoopsDetected int       `json:"loops_detected"`
	Started       time.Time `json:"started"`
	Finished      time.Time `json:"finished"`
}

// writeReport persists the run summary. One file per run, named by plan
// and finish time, so parallel chunks never contend for a shared name.
func (o *Orchestrator) writeReport(res *RunResult) (string, error) {
	if o.reportsRoot == "" {
		return "", nil
	}
	if err := os.MkdirAll(o.reportsRoot, 0755); err != nil {
		return "", fmt.Errorf("failed to create reports dir: %w", err)
	}

	name := fmt.Sprintf("run_%s_%s.json",
		sanitizeName(res.PlanID), res.Finished.Format("20060102T150405.000Z"))
	path := filepath.Join(o.reportsRoot, name)

	data, err := json.MarshalIndent(runReport{
		PlanID:        res.PlanID,
		OK:            res.OK,
		Reason:        res.Reason,
		Executed:      res.Executed,
		Adaptations:   res.Adaptations,
		LoopsDetected: res.LoopsDetected,
		Started:       res.Started,
		Finished:      res.Finished,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode run report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return "", fmt.Errorf("failed to write run report: %w", err)
	}
	return path, nil
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "plan"
	}
	return b.String()
}
