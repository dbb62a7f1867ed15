// Package quality grades an executed action's observation as good,
// suspicious, or bad. Built-in heuristics catch the cheap-to-detect
// failure shapes (failed action, report files that are missing, empty, or
// zero-filled); configured CEL rules add deployment-specific suspicion on
// top. The grade is advisory: the orchestrator decides what to do with it.
package quality

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/cel-go/cel"

	"warden/internal/action"
	"warden/internal/config"
	"warden/internal/executor"
	"warden/internal/logging"
)

const (
	LevelGood       = "good"
	LevelSuspicious = "suspicious"
	LevelBad        = "bad"
)

// Assessment is the graded outcome. Issues say what looked wrong,
// Suggestions say what to try about it.
type Assessment struct {
	Level       string   `json:"quality"`
	Issues      []string `json:"issues"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Good reports whether the action needs no collaborator attention.
func (a Assessment) Good() bool { return a.Level == LevelGood }

type compiledRule struct {
	name    string
	level   string
	message string
	prg     cel.Program
}

// Checker runs the built-in heuristics and the configured rules.
type Checker struct {
	base  string
	rules []compiledRule
}

// NewChecker compiles the configured rules. A rule that does not compile
// is a configuration error, surfaced at startup rather than mid-run.
func NewChecker(base string, cfg config.QualityConfig) (*Checker, error) {
	env, err := cel.NewEnv(cel.Variable("obs", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("failed to create rule environment: %w", err)
	}

	c := &Checker{base: base}
	for _, rule := range cfg.Rules {
		ast, issues := env.Compile(rule.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("bad quality rule %q: %w", rule.Name, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("bad quality rule %q: %w", rule.Name, err)
		}

		level := rule.Level
		switch level {
		case LevelSuspicious, LevelBad:
		case "":
			level = LevelSuspicious
		default:
			return nil, fmt.Errorf("quality rule %q: level must be suspicious or bad, got %q", rule.Name, level)
		}
		message := rule.Message
		if message == "" {
			message = fmt.Sprintf("rule %s matched", rule.Name)
		}
		c.rules = append(c.rules, compiledRule{
			name:    rule.Name,
			level:   level,
			message: message,
			prg:     prg,
		})
	}
	return c, nil
}

// Check grades one executed action. The obs map is the observation the
// collaborator will also see; configured rules evaluate against it.
func (c *Checker) Check(act action.Action, res *executor.Result, obs map[string]any) Assessment {
	assessment := c.builtin(act, res)

	for _, rule := range c.rules {
		hit, err := evalRule(rule, obs)
		if err != nil {
			logging.QualityDebug("rule %s errored, skipping: %v", rule.name, err)
			continue
		}
		if !hit {
			continue
		}
		logging.Quality("rule %s hit: %s", rule.name, rule.message)
		assessment.Issues = append(assessment.Issues, rule.message)
		if worse(rule.level, assessment.Level) {
			assessment.Level = rule.level
		}
	}
	return assessment
}

func evalRule(rule compiledRule, obs map[string]any) (bool, error) {
	if obs == nil {
		obs = map[string]any{}
	}
	out, _, err := rule.prg.Eval(map[string]any{"obs": obs})
	if err != nil {
		return false, err
	}
	hit, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %s: result not bool", rule.name)
	}
	return hit, nil
}

// builtin applies the always-on heuristics.
func (c *Checker) builtin(act action.Action, res *executor.Result) Assessment {
	if act.Type == action.TypeContainerCmd && res.Exec != nil {
		if params, err := act.ExecParams(); err == nil &&
			strings.Contains(strings.ToLower(params.Cmd), "analyze") {
			if issues := c.reportIssues(res.Exec.Stdout); len(issues) > 0 {
				return Assessment{
					Level:  LevelSuspicious,
					Issues: issues,
					Suggestions: []string{
						"Check if data extraction logic is working correctly",
						"Verify file parsing (e.g., .info.json vs .json naming)",
						"Consider using additional metadata sources",
					},
				}
			}
			return Assessment{Level: LevelGood}
		}
	}

	if res.OK {
		return Assessment{Level: LevelGood}
	}
	issue := res.Error
	if issue == "" {
		issue = "Action failed"
	}
	return Assessment{
		Level:       LevelBad,
		Issues:      []string{issue},
		Suggestions: []string{"Check error message and retry with fixes"},
	}
}

// reportIssues inspects staging files an analysis command claims to have
// written: missing, empty, or zero-count-despite-large-scan reports are
// all suspicious.
func (c *Checker) reportIssues(stdout string) []string {
	var outputFiles []string
	for _, line := range strings.Split(stdout, "\n") {
		if !strings.Contains(line, "staging/") {
			continue
		}
		for _, word := range strings.Fields(line) {
			if strings.HasPrefix(word, "staging/") &&
				(strings.Contains(word, "json") || strings.Contains(word, "md")) {
				outputFiles = append(outputFiles, strings.TrimRight(word, ",.;:"))
			}
		}
	}

	var issues []string
	for _, fpath := range outputFiles {
		full := fpath
		if !filepath.IsAbs(full) {
			full = filepath.Join(c.base, filepath.FromSlash(fpath))
		}
		info, err := os.Stat(full)
		if err != nil {
			issues = append(issues, fmt.Sprintf("Output file mentioned but not found: %s", fpath))
			continue
		}
		if info.Size() == 0 {
			issues = append(issues, fmt.Sprintf("Output file is empty: %s", fpath))
			continue
		}
		if strings.HasSuffix(full, ".json") {
			issues = append(issues, zeroCountIssues(full, fpath)...)
		}
	}
	return issues
}

// zeroCountIssues flags reports whose headline counts are zero even though
// the scan covered a large population.
func zeroCountIssues(full, display string) []string {
	data, err := os.ReadFile(full)
	if err != nil {
		return []string{fmt.Sprintf("Could not read %s: %v", display, err)}
	}
	var report map[string]any
	if err := json.Unmarshal(data, &report); err != nil {
		return []string{fmt.Sprintf("Could not parse JSON in %s: %v", display, err)}
	}

	total, ok := asFloat(report["total_videos"])
	if !ok || total <= 1000 {
		return nil
	}
	var issues []string
	for _, key := range []string{"suitable_real_count", "total_real", "selected"} {
		val, present := report[key]
		if present && zeroish(val) {
			issues = append(issues, fmt.Sprintf(
				"Suspicious: %s=%v despite %v total videos scanned", key, val, report["total_videos"]))
		}
	}
	return issues
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func zeroish(v any) bool {
	switch x := v.(type) {
	case float64:
		return x == 0
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

func worse(a, b string) bool {
	return rank(a) > rank(b)
}

func rank(level string) int {
	switch level {
	case LevelBad:
		return 2
	case LevelSuspicious:
		return 1
	default:
		return 0
	}
}
