// Package gateway is the only write path into the permanent store.
// Files are promoted from writable scratch roots into a dated layout,
// hashed after the copy, and recorded in an append-only manifest.
package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"warden/internal/action"
	"warden/internal/logging"
	"warden/internal/policy"
)

// ErrCollision classifies a promotion refused because the destination is
// already occupied. The stored file is never touched.
var ErrCollision = errors.New("promotion collision")

// Result is the per-item outcome of a promotion. Items succeed or
// fail independently; callers decide if partial success is enough.
type Result struct {
	Src    string `json:"src"`
	Dst    string `json:"dst,omitempty"`
	OK     bool   `json:"ok"`
	SHA256 string `json:"sha256,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Collision reports whether the item failed on an occupied destination.
func (r Result) Collision() bool {
	return !r.OK && r.Error == "dst exists"
}

// Gateway promotes files into the permanent root. All appends to the
// manifest go through one writer, so concurrent promotions serialize.
type Gateway struct {
	policy        *policy.Policy
	permanentRoot string
	manifest      *Manifest
	index         *Index
}

// New opens a gateway over the given permanent root and manifest path.
// Relative paths resolve against the policy base.
func New(pol *policy.Policy, permanentRoot, manifestPath string) (*Gateway, error) {
	if !filepath.IsAbs(permanentRoot) {
		permanentRoot = filepath.Join(pol.Base(), permanentRoot)
	}
	if !filepath.IsAbs(manifestPath) {
		manifestPath = filepath.Join(pol.Base(), manifestPath)
	}

	manifest, err := OpenManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		policy:        pol,
		permanentRoot: permanentRoot,
		manifest:      manifest,
	}, nil
}

// AttachIndex enables the queryable promotion index. The manifest
// stays the source of truth; index failures degrade to a warning.
func (g *Gateway) AttachIndex(ix *Index) {
	g.index = ix
}

// ManifestPath returns the manifest file location.
func (g *Gateway) ManifestPath() string {
	return g.manifest.Path()
}

// Close releases the manifest writer and index.
func (g *Gateway) Close() error {
	var firstErr error
	if err := g.manifest.Close(); err != nil {
		firstErr = err
	}
	if g.index != nil {
		if err := g.index.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Promote copies each item into <permanent_root>/<UTC date>/<relative_dst>,
// hashes the copy, and appends one manifest record per success. Sources
// must exist and sit under a writable root; an existing destination
// fails that item so retried plans never clobber prior promotions.
func (g *Gateway) Promote(items []action.PromoteItem, planID, actor string) []Result {
	defer logging.StartTimer(logging.CategoryGateway, "promote").Stop()

	if planID == "" {
		planID = "unknown"
	}
	if actor == "" {
		actor = "executor"
	}

	datePrefix := time.Now().UTC().Format("2006/01/02")
	results := make([]Result, 0, len(items))

	for _, item := range items {
		results = append(results, g.promoteOne(item, datePrefix, planID, actor))
	}
	return results
}

func (g *Gateway) promoteOne(item action.PromoteItem, datePrefix, planID, actor string) Result {
	src := item.Src
	if !filepath.IsAbs(src) {
		src = filepath.Join(g.policy.Base(), src)
	}
	if resolved, err := filepath.EvalSymlinks(src); err == nil {
		src = resolved
	}

	info, err := os.Stat(src)
	if err != nil || info.IsDir() {
		return Result{Src: src, OK: false, Error: "missing src"}
	}
	if !g.policy.IsWritable(src) {
		return Result{Src: src, OK: false, Error: "src not under writable roots"}
	}

	rel := item.RelativeDst
	if rel == "" {
		rel = filepath.Base(src)
	}
	dst := filepath.Join(g.permanentRoot, datePrefix, filepath.FromSlash(rel))

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return Result{Src: src, OK: false, Error: fmt.Sprintf("failed to create dst dir: %v", err)}
	}
	if _, err := os.Stat(dst); err == nil {
		return Result{Src: src, OK: false, Error: "dst exists"}
	}

	if err := copyFile(src, dst); err != nil {
		return Result{Src: src, OK: false, Error: fmt.Sprintf("copy failed: %v", err)}
	}

	// Hash the stored copy, not the source, so the manifest always
	// describes the bytes that actually landed.
	digest, err := sha256File(dst)
	if err != nil {
		return Result{Src: src, OK: false, Error: fmt.Sprintf("hash failed: %v", err)}
	}
	stat, err := os.Stat(dst)
	if err != nil {
		return Result{Src: src, OK: false, Error: fmt.Sprintf("stat failed: %v", err)}
	}

	rec := ManifestRecord{
		TS:     time.Now().UTC().Format(time.RFC3339),
		Src:    src,
		Dst:    dst,
		SHA256: digest,
		Bytes:  stat.Size(),
		Actor:  actor,
		PlanID: planID,
		Tags:   item.Tags,
	}
	if err := g.manifest.Append(rec); err != nil {
		return Result{Src: src, OK: false, Error: fmt.Sprintf("failed to record manifest: %v", err)}
	}
	if g.index != nil {
		if err := g.index.Insert(rec); err != nil {
			logging.GatewayWarn("index insert failed for %s: %v", dst, err)
		}
	}

	logging.Gateway("promoted %s -> %s (%d bytes)", src, dst, stat.Size())
	return Result{Src: src, Dst: dst, OK: true, SHA256: digest}
}

// PromoteGlob walks srcDir for files matching pattern, preserves each
// file's relative path under relPrefix, and delegates to Promote. The
// collision and hashing rules live in one place.
func (g *Gateway) PromoteGlob(srcDir, pattern, relPrefix string, tags map[string]string, planID, actor string) ([]Result, error) {
	root := srcDir
	if !filepath.IsAbs(root) {
		root = filepath.Join(g.policy.Base(), root)
	}
	if pattern == "" {
		pattern = "**/*"
	}

	var items []action.PromoteItem
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matchRel(pattern, rel) {
			return nil
		}
		items = append(items, action.PromoteItem{
			Src:         p,
			RelativeDst: path.Join(relPrefix, rel),
			Tags:        tags,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	logging.GatewayDebug("glob %s under %s matched %d files", pattern, root, len(items))
	return g.Promote(items, planID, actor), nil
}

// matchRel applies a recursive glob to a slash-separated relative
// path: a leading **/ is implied, and the remaining pattern matches
// the trailing path segments.
func matchRel(pattern, rel string) bool {
	pattern = strings.TrimPrefix(pattern, "**/")
	if pattern == "*" || pattern == "**" {
		return true
	}

	psegs := strings.Split(pattern, "/")
	rsegs := strings.Split(rel, "/")
	if len(rsegs) < len(psegs) {
		return false
	}
	tail := rsegs[len(rsegs)-len(psegs):]
	for i := range psegs {
		ok, err := path.Match(psegs[i], tail[i])
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// sha256File streams a file through sha256.
func sha256File(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyFile copies contents and mode. The destination must not exist.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
