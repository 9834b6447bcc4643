package publish

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

// NormalizeArtifactPath turns a caller-provided logical path into the form
// used for object keys: forward slashes, no leading slash, no "." or ".."
// segments. A path pointing at a directory (trailing slash or empty) gets
// the file's base name appended.
func NormalizeArtifactPath(artifactPath, filePath string) string {
	normalized := strings.ReplaceAll(artifactPath, `\`, "/")
	endsWithSlash := strings.HasSuffix(normalized, "/")

	normalized = path.Clean(normalized)
	normalized = strings.TrimPrefix(normalized, "/")
	for strings.HasPrefix(normalized, "../") {
		normalized = strings.TrimPrefix(normalized, "../")
	}
	if normalized == "." || normalized == ".." {
		normalized = ""
	}

	if normalized == "" {
		return filepath.Base(filePath)
	}
	if endsWithSlash {
		return normalized + "/" + filepath.Base(filePath)
	}
	return normalized
}

// InputResolver expands glob patterns into the {file -> artifact path} map
// a Publisher consumes. Artifact paths of matches are relative to the
// pattern's fixed base directory.
type InputResolver struct {
	logger       log.Logger
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
}

// NewInputResolver creates an InputResolver with OS-backed path helpers.
func NewInputResolver(logger log.Logger) *InputResolver {
	return &InputResolver{
		logger:       logger,
		pathModifier: pathutil.NewPathModifier(),
		pathChecker:  pathutil.NewPathChecker(),
	}
}

// Expand resolves the given paths and patterns. Plain paths map to their
// base name, pattern matches to their path relative to the pattern base.
// Missing paths are logged and skipped, not failed.
func (r *InputResolver) Expand(patterns []string) (map[string]string, error) {
	resolved := map[string]string{}

	for _, pattern := range patterns {
		if !strings.ContainsAny(pattern, "*?[{") {
			absPath, err := r.pathModifier.AbsPath(pattern)
			if err != nil {
				return nil, fmt.Errorf("resolve path %s: %w", pattern, err)
			}
			exists, err := r.pathChecker.IsPathExists(absPath)
			if err != nil {
				r.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
			}
			if !exists {
				r.logger.Warnf("Upload path doesn't exist: %s", pattern)
				continue
			}
			resolved[absPath] = filepath.Base(absPath)
			continue
		}

		base, rest := doublestar.SplitPattern(pattern)
		absBase, err := r.pathModifier.AbsPath(base)
		if err != nil {
			return nil, fmt.Errorf("resolve pattern base %s: %w", base, err)
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), rest, doublestar.WithNoFollow())
		if err != nil {
			r.logger.Warnf("Error in path pattern '%s': %s", pattern, err)
			continue
		}
		if matches == nil {
			r.logger.Warnf("No match for path pattern: %s", pattern)
			continue
		}

		for _, match := range matches {
			absMatch := filepath.Join(absBase, match)
			info, err := os.Stat(absMatch)
			if err != nil || info.IsDir() {
				continue
			}
			resolved[absMatch] = filepath.ToSlash(match)
		}
	}

	return resolved, nil
}
