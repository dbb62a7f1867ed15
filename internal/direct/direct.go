// Package direct runs supervised passthrough sessions: the collaborator
// proposes shell commands one at a time, the policy screen and the
// sandbox bound what they can do, and every event lands in the ledger.
// The session protects evidence; it does not pre-approve work.
package direct

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"warden/internal/collab"
	"warden/internal/config"
	"warden/internal/gateway"
	"warden/internal/ledger"
	"warden/internal/logging"
	"warden/internal/loopdetect"
	"warden/internal/policy"
	"warden/internal/sandbox"
)

const (
	defaultBudget   = 40
	defaultMaxLoops = 3
	defaultPrefix   = "direct"

	// History entries sent to the collaborator and the stored tail of
	// each command's output.
	historyWindow = 8
	outputTail    = 1000
)

// Options wires a session to its collaborating services.
type Options struct {
	Policy   *policy.Policy
	Sandbox  sandbox.Runner
	Gateway  *gateway.Gateway
	Ledger   *ledger.Writer
	Director collab.Director

	Config     config.DirectConfig
	LoopConfig config.LoopDetectConfig

	// Workdir is the working directory inside the sandbox.
	Workdir string
	// StagingRoot holds session artifacts published on completion.
	// Relative paths resolve against the policy base.
	StagingRoot string
}

// Task is one session's assignment. Name is the short label that lands
// in the ledger and the publish tags; Text is the full instruction the
// collaborator works from.
type Task struct {
	Name string
	Text string
}

// Result summarizes one finished session.
type Result struct {
	SessionID     string    `json:"session_id"`
	Task          string    `json:"task"`
	Completed     bool      `json:"completed"`
	OK            bool      `json:"ok"`
	NeedsHuman    bool      `json:"needs_human,omitempty"`
	Reason        string    `json:"reason"`
	Summary       string    `json:"summary,omitempty"`
	Turns         int       `json:"turns"`
	Refusals      int       `json:"refusals"`
	LoopsDetected int       `json:"loops_detected"`
	Published     int       `json:"published"`
	Started       time.Time `json:"started"`
	Finished      time.Time `json:"finished"`
}

// Session executes direct runs. Safe for sequential reuse; each Run gets
// a fresh id and loop detector.
type Session struct {
	pol *policy.Policy
	box sandbox.Runner
	gw  *gateway.Gateway
	led *ledger.Writer
	dir collab.Director

	budget     int
	maxLoops   int
	prefix     string
	cmdTimeout time.Duration
	loopCfg    config.LoopDetectConfig
	workdir    string
	staging    string
}

// New validates the wiring.
func New(opts Options) (*Session, error) {
	if opts.Policy == nil || opts.Sandbox == nil || opts.Ledger == nil {
		return nil, errors.New("direct session needs policy, sandbox, and ledger")
	}
	if opts.Director == nil {
		return nil, errors.New("direct session needs a command director")
	}
	if opts.Gateway == nil {
		return nil, errors.New("direct session needs the promotion gateway")
	}

	s := &Session{
		pol:        opts.Policy,
		box:        opts.Sandbox,
		gw:         opts.Gateway,
		led:        opts.Ledger,
		dir:        opts.Director,
		budget:     opts.Config.CommandBudget,
		maxLoops:   opts.Config.MaxLoopDetections,
		prefix:     opts.Config.PublishPrefix,
		cmdTimeout: opts.Config.CommandTimeoutDuration(),
		loopCfg:    opts.LoopConfig,
		workdir:    opts.Workdir,
		staging:    opts.StagingRoot,
	}
	if s.budget <= 0 {
		s.budget = defaultBudget
	}
	if s.maxLoops <= 0 {
		s.maxLoops = defaultMaxLoops
	}
	if s.prefix == "" {
		s.prefix = defaultPrefix
	}
	if s.staging == "" {
		s.staging = "staging"
	}
	if !filepath.IsAbs(s.staging) {
		s.staging = filepath.Join(opts.Policy.Base(), s.staging)
	}
	return s, nil
}

// Run drives one session until the collaborator signals DONE, the
// command budget runs out, repeated loops demand a human, or the context
// is canceled. Staged artifacts are published regardless of how the
// session ended.
func (s *Session) Run(ctx context.Context, task Task) *Result {
	if task.Text == "" {
		task.Text = task.Name
	}
	res := &Result{
		SessionID: newSessionID(),
		Task:      task.Name,
		Started:   time.Now().UTC(),
	}
	det := loopdetect.New(s.loopCfg.WindowSize, s.loopCfg.SimilarityThreshold)

	s.append(ledger.KindDirectStart, map[string]any{
		"session": res.SessionID,
		"task":    task.Name,
		"budget":  s.budget,
	})
	logging.Direct("session %s: %s (budget %d commands)", res.SessionID, task.Name, s.budget)

	var history []string
	for turn := 1; turn <= s.budget; turn++ {
		if err := ctx.Err(); err != nil {
			res.Reason = fmt.Sprintf("session canceled: %v", err)
			break
		}
		res.Turns = turn

		nc, err := s.dir.NextCommand(ctx, collab.NextCommandRequest{
			SessionID: res.SessionID,
			Task:      task.Text,
			Turn:      turn,
			Budget:    s.budget,
			History:   tailEntries(history, historyWindow),
		})
		if err != nil {
			res.Reason = fmt.Sprintf("collaborator failed: %v", err)
			logging.DirectWarn("session %s turn %d: %v", res.SessionID, turn, err)
			break
		}
		cmd := nc.Command

		history = append(history, "$ "+cmd)
		s.append(ledger.KindDirectCmd, map[string]any{
			"session": res.SessionID, "turn": turn, "cmd": cmd,
		})

		if summary, done := doneSentinel(cmd); done {
			res.Completed = true
			res.Summary = summary
			res.Reason = "done"
			s.append(ledger.KindDirectDone, map[string]any{
				"session": res.SessionID, "turn": turn, "completion_cmd": cmd,
			})
			logging.Direct("session %s done at turn %d: %s", res.SessionID, turn, summary)
			break
		}

		if hit := det.Observe(cmd); hit.IsLoop {
			res.LoopsDetected++
			s.append(ledger.KindDirectLoop, map[string]any{
				"session":    res.SessionID,
				"turn":       turn,
				"loop_type":  hit.Type,
				"confidence": hit.Confidence,
				"detections": res.LoopsDetected,
			})
			if res.LoopsDetected >= s.maxLoops {
				res.NeedsHuman = true
				res.Reason = fmt.Sprintf("%d command loops detected; handing to a human", res.LoopsDetected)
				logging.DirectWarn("session %s: %s", res.SessionID, res.Reason)
				break
			}

			bk, berr := s.dir.SuggestBreakout(ctx, collab.BreakoutRequest{
				SessionID:  res.SessionID,
				Task:       task.Text,
				Turn:       turn,
				LoopType:   hit.Type,
				Confidence: hit.Confidence,
				Commands:   det.History(),
			})
			if berr != nil || bk.Command == "" {
				if berr != nil {
					logging.DirectWarn("session %s breakout failed: %v", res.SessionID, berr)
				}
				history = append(history, "[LOOP DETECTED] vary the approach")
				continue
			}
			cmd = bk.Command
			history = append(history, "$ "+cmd)
			s.append(ledger.KindDirectCmd, map[string]any{
				"session": res.SessionID, "turn": turn, "cmd": cmd, "breakout": true,
			})
		}

		if err := s.pol.CheckCommand(cmd); err != nil {
			res.Refusals++
			history = append(history, "[REFUSED] "+err.Error())
			s.append(ledger.KindDirectCmdResult, map[string]any{
				"session": res.SessionID, "turn": turn,
				"ok": false, "refused": true, "error": err.Error(),
			})
			logging.Direct("session %s refused: %s", res.SessionID, err)
			continue
		}

		r, err := s.box.Run(ctx, cmd, sandbox.RunOpts{Workdir: s.workdir, Timeout: s.cmdTimeout})
		if err != nil {
			history = append(history, "[ERROR: "+err.Error()+"]")
			s.append(ledger.KindDirectCmdResult, map[string]any{
				"session": res.SessionID, "turn": turn, "ok": false, "error": err.Error(),
			})
			logging.DirectWarn("session %s exec failed: %v", res.SessionID, err)
			continue
		}
		if r.Killed {
			history = append(history, "[TIMEOUT] "+r.KillReason)
			s.append(ledger.KindDirectTimeout, map[string]any{
				"session": res.SessionID, "turn": turn, "cmd": cmd, "reason": r.KillReason,
			})
			continue
		}

		output := strings.TrimSpace(r.Stdout + r.Stderr)
		if output == "" {
			history = append(history, "[no output]")
		} else {
			history = append(history, tailChars(output, outputTail))
		}
		s.append(ledger.KindDirectCmdResult, map[string]any{
			"session":    res.SessionID,
			"turn":       turn,
			"ok":         r.ExitCode == 0,
			"exit":       r.ExitCode,
			"output_len": len(output),
		})
	}
	if res.Reason == "" {
		res.Reason = "command budget exhausted"
	}

	res.Published = s.publish(res.SessionID, task.Name)
	res.OK = (res.Completed || res.Published > 0) && !res.NeedsHuman
	res.Finished = time.Now().UTC()

	s.append(ledger.KindDirectEnd, map[string]any{
		"session":     res.SessionID,
		"turns":       res.Turns,
		"completed":   res.Completed,
		"needs_human": res.NeedsHuman,
		"refusals":    res.Refusals,
		"published":   res.Published,
	})
	logging.Direct("session %s finished: turns=%d completed=%v published=%d (%s)",
		res.SessionID, res.Turns, res.Completed, res.Published, res.Reason)
	return res
}

// publish promotes everything staged during the session. Failures are
// ledgered but never retroactively fail the session.
func (s *Session) publish(session, task string) int {
	if countFiles(s.staging) == 0 {
		return 0
	}

	tags := map[string]string{"session": session, "mode": "direct", "task": task}
	relPrefix := s.prefix + "/" + session + "/"
	items, err := s.gw.PromoteGlob(s.staging, "**/*", relPrefix, tags, "direct-"+session, "direct")
	if err != nil {
		s.append(ledger.KindDirectPublish, map[string]any{
			"session": session, "ok": false, "error": err.Error(),
		})
		logging.DirectWarn("session %s publish failed: %v", session, err)
		return 0
	}

	promoted, failed := 0, 0
	for _, it := range items {
		if it.OK {
			promoted++
		} else {
			failed++
		}
	}
	s.append(ledger.KindDirectPublish, map[string]any{
		"session": session, "ok": failed == 0, "promoted": promoted, "failed": failed,
	})
	logging.Direct("session %s published %d files (%d failed)", session, promoted, failed)
	return promoted
}

func (s *Session) append(kind string, fields map[string]any) {
	if err := s.led.Append(kind, fields); err != nil {
		logging.DirectWarn("ledger append %s failed: %v", kind, err)
	}
}

func newSessionID() string {
	u := uuid.New()
	return fmt.Sprintf("%d-%x", time.Now().Unix(), u[:4])
}

// doneSentinel recognizes completion: either a bare "DONE: summary" or
// the echoed form a shell-minded collaborator produces. The echo never
// actually runs.
var doneRe = regexp.MustCompile(`(?i)echo\s+["']DONE\b:?\s*(.*)`)

func doneSentinel(cmd string) (string, bool) {
	trimmed := strings.TrimSpace(cmd)
	if rest, ok := strings.CutPrefix(trimmed, "DONE:"); ok {
		return strings.TrimSpace(rest), true
	}
	if m := doneRe.FindStringSubmatch(trimmed); m != nil {
		return strings.Trim(strings.TrimSpace(m[1]), `"'`), true
	}
	return "", false
}

func tailEntries(entries []string, n int) []string {
	if len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}

func tailChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func countFiles(root string) int {
	count := 0
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return nil
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	return count
}
