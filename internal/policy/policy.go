// Package policy implements the static safety predicates every action is
// checked against: writable-root containment, protected-root containment,
// and the allowed action type set. Predicates are pure; enforcement lives
// with the callers, which must check protection before writability
// (protection wins on overlap).
package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"warden/internal/config"
	"warden/internal/logging"
)

// ErrViolation marks every policy refusal, wrapped with the specific
// reason. Callers classify on it with errors.Is.
var ErrViolation = errors.New("policy violation")

// Policy holds resolved roots and the allowed action type set. Built once
// per process, never mutated afterwards.
type Policy struct {
	base           string
	writeRoots     []string
	protectedRoots []string
	allowed        map[string]bool
	screen         *CommandScreen
}

// New resolves the configured roots against base and compiles the command
// screen. Roots may be relative to base or absolute.
func New(base string, cfg config.PolicyConfig) (*Policy, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base dir: %w", err)
	}

	p := &Policy{
		base:    absBase,
		allowed: make(map[string]bool, len(cfg.AllowedActionTypes)),
	}

	for _, r := range cfg.WriteRoots {
		resolved, err := p.resolveRoot(r)
		if err != nil {
			return nil, fmt.Errorf("bad write root %q: %w", r, err)
		}
		p.writeRoots = append(p.writeRoots, resolved)
	}
	for _, r := range cfg.ProtectedRORoots {
		resolved, err := p.resolveRoot(r)
		if err != nil {
			return nil, fmt.Errorf("bad protected root %q: %w", r, err)
		}
		p.protectedRoots = append(p.protectedRoots, resolved)
	}
	for _, t := range cfg.AllowedActionTypes {
		p.allowed[t] = true
	}

	screen, err := NewCommandScreen(cfg.ProtectedRORoots, cfg.BlockedCommandPatterns)
	if err != nil {
		return nil, err
	}
	p.screen = screen

	logging.PolicyDebug("policy loaded: %d write roots, %d protected roots, %d action types",
		len(p.writeRoots), len(p.protectedRoots), len(p.allowed))
	return p, nil
}

// Base returns the directory roots were resolved against.
func (p *Policy) Base() string { return p.base }

// IsWritable reports whether path resolves under one of the write roots.
func (p *Policy) IsWritable(path string) bool {
	resolved, err := p.resolve(path)
	if err != nil {
		logging.PolicyDebug("IsWritable(%s): resolve failed: %v", path, err)
		return false
	}
	return underAny(resolved, p.writeRoots)
}

// IsProtected reports whether path resolves under one of the protected
// read-only roots.
func (p *Policy) IsProtected(path string) bool {
	resolved, err := p.resolve(path)
	if err != nil {
		// Unresolvable paths are treated as protected.
		logging.PolicyDebug("IsProtected(%s): resolve failed: %v", path, err)
		return true
	}
	return underAny(resolved, p.protectedRoots)
}

// AllowsWrite combines the two containment checks with protection winning:
// a path under both a write root and a protected root is not writable.
func (p *Policy) AllowsWrite(path string) bool {
	if p.IsProtected(path) {
		logging.PolicyDebug("write refused, protected: %s", path)
		return false
	}
	return p.IsWritable(path)
}

// Allows reports whether the action type is explicitly permitted. Unknown
// types are rejected.
func (p *Policy) Allows(actionType string) bool {
	return p.allowed[actionType]
}

// AllowedTypes returns the permitted action types, for reporting.
func (p *Policy) AllowedTypes() []string {
	out := make([]string, 0, len(p.allowed))
	for t := range p.allowed {
		out = append(out, t)
	}
	return out
}

// CheckCommand screens a raw passthrough shell command. Returns nil when
// the command passes.
func (p *Policy) CheckCommand(cmd string) error {
	return p.screen.Check(cmd)
}

// resolveRoot makes a configured root absolute without requiring it to
// exist yet.
func (p *Policy) resolveRoot(root string) (string, error) {
	if !filepath.IsAbs(root) {
		root = filepath.Join(p.base, root)
	}
	return resolvePath(root)
}

// resolve turns a candidate path into its absolute, symlink-resolved form.
// Relative paths are taken relative to base.
func (p *Policy) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.base, path)
	}
	return resolvePath(path)
}

// resolvePath follows symlinks through the deepest existing ancestor so a
// not-yet-created file is judged by where it will land.
func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	remainder := ""
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			if remainder == "" {
				return resolved, nil
			}
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			// Ran out of ancestors; nothing on the way exists.
			return abs, nil
		}
		remainder = filepath.Join(filepath.Base(cur), remainder)
		cur = parent
	}
}

func underAny(path string, roots []string) bool {
	for _, root := range roots {
		if underRoot(path, root) {
			return true
		}
	}
	return false
}

func underRoot(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
