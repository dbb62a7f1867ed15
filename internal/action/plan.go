package action

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/gowebpki/jcs"
)

// Plan is an ordered batch of actions executed as a unit.
type Plan struct {
	PlanID  string   `json:"plan_id"`
	Actions []Action `json:"actions"`
}

// ErrPlanNotApproved is returned when a review envelope carries
// approved:false (or no approval at all).
var ErrPlanNotApproved = errors.New("plan not approved")

// reviewEnvelope is the wrapper a plan reviewer emits around a plan.
type reviewEnvelope struct {
	Approved *bool           `json:"approved"`
	Plan     json.RawMessage `json:"plan"`
}

// Digest returns the hex sha256 of the canonical (RFC 8785) form of a
// JSON document. Key order and whitespace do not affect the result.
func Digest(raw []byte) (string, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize plan: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Parse validates raw plan JSON against the plan schema and decodes it.
// A missing plan_id is filled from the canonical digest so that ledger
// records always correlate to something stable.
func Parse(raw []byte) (*Plan, error) {
	if err := ValidatePlan(raw); err != nil {
		return nil, err
	}
	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	if plan.PlanID == "" {
		digest, err := Digest(raw)
		if err != nil {
			return nil, err
		}
		plan.PlanID = "plan-" + digest[:12]
	}
	return &plan, nil
}

// Load reads a plan file. Both a bare plan document and a review
// envelope ({approved, plan}) are accepted; an envelope must carry
// approved:true or the load fails with ErrPlanNotApproved.
func Load(path string) (*Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}

	var env reviewEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Plan) > 0 {
		if env.Approved == nil || !*env.Approved {
			return nil, ErrPlanNotApproved
		}
		raw = env.Plan
	}

	return Parse(raw)
}
