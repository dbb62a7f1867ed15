// Package loopdetect flags repetitive command patterns in agent
// sessions: exact repeats, short cycles, and near-identical
// variations. Detection is advisory; callers decide whether to
// break out, warn, or escalate.
package loopdetect

import (
	"fmt"
	"strings"
	"sync"

	"warden/internal/logging"
)

// Loop types reported in Detection.Type.
const (
	TypeExactRepeat      = "exact_repeat"
	TypeCycle            = "cycle"
	TypeSimilarVariation = "similar_variation"
)

const (
	defaultWindowSize          = 5
	defaultSimilarityThreshold = 0.8
)

// Detection is the outcome of one loop check.
type Detection struct {
	IsLoop     bool    `json:"is_loop"`
	Type       string  `json:"loop_type,omitempty"`
	Pattern    string  `json:"pattern,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Stats summarizes detector state for reporting.
type Stats struct {
	TotalCommands int      `json:"total_commands"`
	LoopsDetected int      `json:"loops_detected"`
	Recent        []string `json:"recent_commands"`
}

// Detector watches a sliding window of recent commands. Checks run in
// priority order: exact repeats, then positional cycles, then similar
// variations; the first hit wins.
type Detector struct {
	mu            sync.Mutex
	history       []string
	windowSize    int
	threshold     float64
	loopsDetected int
}

// New builds a detector. Zero or negative arguments fall back to a
// window of 5 commands and a similarity threshold of 0.8.
func New(windowSize int, similarityThreshold float64) *Detector {
	if windowSize <= 0 {
		windowSize = defaultWindowSize
	}
	if similarityThreshold <= 0 {
		similarityThreshold = defaultSimilarityThreshold
	}
	return &Detector{
		windowSize: windowSize,
		threshold:  similarityThreshold,
	}
}

// Add records a command without running detection.
func (d *Detector) Add(command string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.add(command)
}

func (d *Detector) add(command string) {
	d.history = append(d.history, command)
	if len(d.history) > d.windowSize {
		d.history = d.history[1:]
	}
}

// Observe records a command and checks for a loop.
func (d *Detector) Observe(command string) Detection {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.add(command)
	return d.detect()
}

// Check runs detection against the current window without recording
// anything new.
func (d *Detector) Check() Detection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detect()
}

func (d *Detector) detect() Detection {
	if len(d.history) < 3 {
		return Detection{}
	}

	det := d.checkExactRepeats()
	if !det.IsLoop {
		det = d.checkCycles()
	}
	if !det.IsLoop {
		det = d.checkSimilarVariations()
	}
	if det.IsLoop {
		d.loopsDetected++
		logging.Loop("%s (confidence %.2f): %s", det.Type, det.Confidence, det.Pattern)
	}
	return det
}

// checkExactRepeats fires when the latest command appears 3+ times in
// the window.
func (d *Detector) checkExactRepeats() Detection {
	latest := d.history[len(d.history)-1]
	count := 0
	for _, cmd := range d.history {
		if cmd == latest {
			count++
		}
	}
	if count >= 3 {
		return Detection{
			IsLoop:     true,
			Type:       TypeExactRepeat,
			Pattern:    fmt.Sprintf("Command '%s' repeated %d times", latest, count),
			Confidence: 0.95,
		}
	}
	return Detection{}
}

// checkCycles fires on positional A-B-A-B (last 4) or A-B-C-A-B-C
// (last 6) patterns.
func (d *Detector) checkCycles() Detection {
	h := d.history
	n := len(h)

	if n >= 4 && h[n-1] == h[n-3] && h[n-2] == h[n-4] {
		return Detection{
			IsLoop:     true,
			Type:       TypeCycle,
			Pattern:    fmt.Sprintf("2-cycle detected: '%s' -> '%s'", h[n-2], h[n-1]),
			Confidence: 0.9,
		}
	}
	if n >= 6 && h[n-1] == h[n-4] && h[n-2] == h[n-5] && h[n-3] == h[n-6] {
		return Detection{
			IsLoop:     true,
			Type:       TypeCycle,
			Pattern:    fmt.Sprintf("3-cycle detected: %s", strings.Join(h[n-3:], " -> ")),
			Confidence: 0.9,
		}
	}
	return Detection{}
}

// checkSimilarVariations fires when the last 3 commands average at or
// above the similarity threshold across all pairs. Confidence is the
// average itself.
func (d *Detector) checkSimilarVariations() Detection {
	recent := d.history[len(d.history)-3:]

	var sum float64
	var pairs int
	for i := 0; i < len(recent); i++ {
		for j := i + 1; j < len(recent); j++ {
			sum += similarity(recent[i], recent[j])
			pairs++
		}
	}
	if pairs == 0 {
		return Detection{}
	}

	avg := sum / float64(pairs)
	if avg >= d.threshold {
		return Detection{
			IsLoop:     true,
			Type:       TypeSimilarVariation,
			Pattern:    fmt.Sprintf("Similar commands repeated (avg similarity: %.0f%%)", avg*100),
			Confidence: avg,
		}
	}
	return Detection{}
}

// History returns a copy of the current window, oldest first.
func (d *Detector) History() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.history))
	copy(out, d.history)
	return out
}

// Reset clears the window and the detection counter.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = nil
	d.loopsDetected = 0
}

// LoopsDetected returns how many checks have fired since the last
// reset.
func (d *Detector) LoopsDetected() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loopsDetected
}

// Stats returns a snapshot of detector state.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	recent := d.history
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	out := make([]string, len(recent))
	copy(out, recent)

	return Stats{
		TotalCommands: len(d.history),
		LoopsDetected: d.loopsDetected,
		Recent:        out,
	}
}
