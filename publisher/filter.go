package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters resolution events using glob patterns
type GlobFilter struct {
	xidGlobs      []glob.Glob
	resourceGlobs []glob.Glob
}

// NewGlobFilter creates a new glob-based filter
// Empty patterns match everything
func NewGlobFilter(xidPatterns, resourcePatterns []string) (*GlobFilter, error) {
	xids, err := compileGlobs("xid", xidPatterns)
	if err != nil {
		return nil, err
	}
	resources, err := compileGlobs("resource", resourcePatterns)
	if err != nil {
		return nil, err
	}
	return &GlobFilter{xidGlobs: xids, resourceGlobs: resources}, nil
}

func compileGlobs(kind string, patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", kind, pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// Match returns true if the resource and xid match the configured patterns
func (f *GlobFilter) Match(resource, xid string) bool {
	return matchAny(f.resourceGlobs, resource) && matchAny(f.xidGlobs, xid)
}

func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
