package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// CommandScreen is the regex blocklist applied to raw passthrough shell
// commands before they reach the sandbox. It exists because passthrough
// text bypasses the typed action dispatch where path checks normally
// happen; the screen catches the obviously destructive shapes.
type CommandScreen struct {
	rules []screenRule
}

type screenRule struct {
	re     *regexp.Regexp
	reason string
}

// Built-in shapes refused regardless of configuration.
var builtinPatterns = []struct {
	pattern string
	reason  string
}{
	{`\brm\b`, "'rm' not allowed (delete inside staging/ instead, it is scratch space)"},
	{`\bdocker\s+(\S+\s+)*prune\b`, "docker prune not allowed"},
	{`\bdocker\s+rm\b`, "docker rm not allowed"},
	{`\bdocker\s+run\s+(\S+\s+)*--rm\b`, "docker run --rm not allowed"},
	{`\bmkfs\b`, "filesystem formatting not allowed"},
	{`\bdd\s+(\S+\s+)*of=/dev/`, "raw device writes not allowed"},
}

// NewCommandScreen compiles the built-in patterns, redirect guards for each
// protected root, and any extra configured patterns.
func NewCommandScreen(protectedRoots, extraPatterns []string) (*CommandScreen, error) {
	s := &CommandScreen{}

	for _, bp := range builtinPatterns {
		re, err := regexp.Compile(bp.pattern)
		if err != nil {
			return nil, fmt.Errorf("bad builtin command pattern %q: %w", bp.pattern, err)
		}
		s.rules = append(s.rules, screenRule{re: re, reason: bp.reason})
	}

	// Shell redirection or tee into a protected root sidesteps the typed
	// fs.* path checks entirely, so refuse it at the text level.
	for _, root := range protectedRoots {
		root = strings.TrimSuffix(root, "/")
		if root == "" {
			continue
		}
		quoted := regexp.QuoteMeta(root)
		pattern := fmt.Sprintf(`(>>?\s*/?%s/|\btee\s+(-a\s+)?/?%s/)`, quoted, quoted)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad redirect pattern for root %q: %w", root, err)
		}
		s.rules = append(s.rules, screenRule{
			re:     re,
			reason: fmt.Sprintf("direct write into %s/ not allowed (promote from staging/ instead)", root),
		})
	}

	for _, p := range extraPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("bad blocked command pattern %q: %w", p, err)
		}
		s.rules = append(s.rules, screenRule{re: re, reason: fmt.Sprintf("matches blocked pattern %q", p)})
	}

	return s, nil
}

// Check returns a descriptive error when the command matches a blocked
// shape, nil otherwise.
func (s *CommandScreen) Check(cmd string) error {
	for _, rule := range s.rules {
		if rule.re.MatchString(cmd) {
			return fmt.Errorf("%w: %s", ErrViolation, rule.reason)
		}
	}
	return nil
}
