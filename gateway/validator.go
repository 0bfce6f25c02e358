// Package gateway exposes the retrieval toolset over MCP: session lifecycle,
// bounded filesystem access, scored search, span and chunk reads with
// provenance tracking, and a `complete` tool that runs the recursion engine
// over a prompt plus session context.
//
// Every file-touching tool resolves paths through a PathValidator confined to
// a set of allowed roots. Surfaced file content is screened for
// instruction-like text; hits annotate the response with a warning but never
// block the read.
package gateway

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relmlabs/relm"
)

// restrictedNames are path segments that are never served, regardless of
// where they appear under an allowed root.
var restrictedNames = map[string]struct{}{
	".git":         {},
	"__pycache__":  {},
	".venv":        {},
	"node_modules": {},
	".env":         {},
	"secrets":      {},
	"credentials":  {},
	".ssh":         {},
	".aws":         {},
	".gnupg":       {},
}

// restrictedSuffixes block key material by extension.
var restrictedSuffixes = []string{".pem", ".key", ".p12", ".pfx", ".keystore"}

// restrictedSegment reports whether a single path element is blocked.
func restrictedSegment(name string) bool {
	lower := strings.ToLower(name)
	if _, ok := restrictedNames[lower]; ok {
		return true
	}
	if strings.HasPrefix(lower, ".env.") {
		return true
	}
	for _, suffix := range restrictedSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// PathValidator confines file access to a set of allowed roots. Resolve
// rejects traversal, follows symlinks to their target, and requires the
// resolved path to sit inside at least one root.
type PathValidator struct {
	roots []string
}

// NewPathValidator builds a validator over the given roots. Each root must
// exist; roots are stored in resolved, absolute form.
func NewPathValidator(roots []string) (*PathValidator, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("gateway: at least one allowed root required")
	}
	resolved := make([]string, 0, len(roots))
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("gateway: resolve root %q: %w", root, err)
		}
		real, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, fmt.Errorf("gateway: resolve root %q: %w", root, err)
		}
		resolved = append(resolved, real)
	}
	return &PathValidator{roots: resolved}, nil
}

// Roots returns the resolved allowed roots.
func (v *PathValidator) Roots() []string {
	out := make([]string, len(v.roots))
	copy(out, v.roots)
	return out
}

// Resolve validates p and returns its resolved absolute form. Relative paths
// are tried against each root in order; the first that exists wins. The
// target must exist: symlinks are followed and the final path must be inside
// at least one allowed root.
func (v *PathValidator) Resolve(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return "", fmt.Errorf("path traversal rejected: %q", p)
		}
	}

	candidates := []string{p}
	if !filepath.IsAbs(p) {
		candidates = candidates[:0]
		for _, root := range v.roots {
			candidates = append(candidates, filepath.Join(root, p))
		}
	}

	var lastErr error
	for _, cand := range candidates {
		real, err := filepath.EvalSymlinks(cand)
		if err != nil {
			lastErr = err
			continue
		}
		if !v.contained(real) {
			lastErr = fmt.Errorf("path outside allowed roots: %q", p)
			continue
		}
		if seg, ok := firstRestricted(real, v.roots); ok {
			return "", &relm.ErrInvariant{Op: "path.validate", Reason: "restricted name: " + seg}
		}
		return real, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("path not found: %q", p)
	}
	return "", lastErr
}

// contained reports whether real sits inside any allowed root.
func (v *PathValidator) contained(real string) bool {
	for _, root := range v.roots {
		if real == root || strings.HasPrefix(real, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// firstRestricted checks the path elements below the containing root and
// returns the first blocked segment. Elements of the root itself are exempt
// so a root may legitimately live under e.g. a dot directory.
func firstRestricted(real string, roots []string) (string, bool) {
	rel := real
	for _, root := range roots {
		if real == root {
			return "", false
		}
		if strings.HasPrefix(real, root+string(filepath.Separator)) {
			rel = strings.TrimPrefix(real, root+string(filepath.Separator))
			break
		}
	}
	for _, seg := range strings.Split(rel, string(filepath.Separator)) {
		if restrictedSegment(seg) {
			return seg, true
		}
	}
	return "", false
}

// Stat resolves p and stats the result in one step.
func (v *PathValidator) Stat(p string) (string, os.FileInfo, error) {
	real, err := v.Resolve(p)
	if err != nil {
		return "", nil, err
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", nil, err
	}
	return real, info, nil
}
