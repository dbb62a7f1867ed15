//go:build property
// +build property

// Property-based tests for loop detection invariants.
package loopdetect_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"warden/internal/loopdetect"
)

// TestTripleRepeatAlwaysDetected verifies any command observed three
// times in a row is flagged as an exact repeat.
func TestTripleRepeatAlwaysDetected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("three consecutive repeats always flag", prop.ForAll(
		func(cmd string) bool {
			if cmd == "" {
				return true // Skip empty commands
			}
			d := loopdetect.New(5, 0.8)
			d.Observe(cmd)
			d.Observe(cmd)
			det := d.Observe(cmd)
			return det.IsLoop &&
				det.Type == loopdetect.TypeExactRepeat &&
				det.Confidence == 0.95
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestShortHistoryNeverFlags verifies fewer than three observed
// commands can never report a loop.
func TestShortHistoryNeverFlags(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("under three commands is never a loop", prop.ForAll(
		func(a, b string) bool {
			d := loopdetect.New(5, 0.8)
			if d.Observe(a).IsLoop {
				return false
			}
			return !d.Observe(b).IsLoop
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestDetectionDeterminism verifies the same command stream always
// produces the same sequence of detections.
func TestDetectionDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("detection is a pure function of the stream", prop.ForAll(
		func(cmds []string) bool {
			d1 := loopdetect.New(5, 0.8)
			d2 := loopdetect.New(5, 0.8)
			for _, cmd := range cmds {
				det1 := d1.Observe(cmd)
				det2 := d2.Observe(cmd)
				if det1 != det2 {
					return false
				}
			}
			return d1.LoopsDetected() == d2.LoopsDetected()
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestConfidenceBounds verifies reported confidence stays in [0,1].
func TestConfidenceBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("confidence is always within [0,1]", prop.ForAll(
		func(cmds []string) bool {
			d := loopdetect.New(5, 0.8)
			for _, cmd := range cmds {
				det := d.Observe(cmd)
				if det.Confidence < 0 || det.Confidence > 1 {
					return false
				}
				if det.IsLoop && det.Type == "" {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
