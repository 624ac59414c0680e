package broker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrPathOutsideMediaRoot = errors.New("broker: path outside configured media roots")

// resolveMediaPath canonicalizes path (symlink-resolved, absolute) and
// confirms it falls under one of roots, matching the tool guard's
// sandbox-confinement approach (internal/toolguard/path.go) applied to the
// broker's media-root set instead of a single per-scope sandbox.
func resolveMediaPath(path string, roots []string) (string, error) {
	if len(roots) == 0 {
		return "", fmt.Errorf("broker: no media roots configured")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			real = abs // allow a not-yet-created outbound path (write target)
		} else {
			return "", fmt.Errorf("broker: cannot resolve path: %w", err)
		}
	}

	for _, root := range roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rootReal, err := filepath.EvalSymlinks(rootAbs)
		if err != nil {
			rootReal = rootAbs
		}
		if real == rootReal || strings.HasPrefix(real, rootReal+string(filepath.Separator)) {
			return real, nil
		}
	}
	return "", ErrPathOutsideMediaRoot
}
