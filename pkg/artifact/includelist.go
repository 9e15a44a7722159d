package artifact

import (
	"path"
	"strings"

	"github.com/ryanuber/go-glob"
)

// This is to represent the "include-exclude" predicate used for
// deciding which files end up in an archive.

// DefaultExcludes are glob patterns filtered out of every archive,
// in addition to whatever the caller excludes: version control
// metadata, dependency caches, test suites, local environment files,
// and packaging leftovers. A trailing slash marks a directory
// pattern; those drop the whole subtree.
var DefaultExcludes = []string{
	".git/",
	".hg/",
	".svn/",
	"node_modules/",
	"__pycache__/",
	"tests/",
	"__tests__/",
	"*.pyc",
	".env",
	".env.*",
	".DS_Store",
	"*.zip",
}

// ExcludeIncludeGlob decides whether a path belongs in the archive,
// using glob patterns. Note that Include and Exclude are treated
// differently -- see the method IsIncluded.
type ExcludeIncludeGlob struct {
	Include []string
	Exclude []string
}

// matchExclude gives exclude patterns subtree semantics: a pattern
// naming a directory ("tests/", or just "tests") matches the
// directory itself and everything under it. go-glob alone matches
// only the literal when a pattern has no wildcard, which would let a
// directory exclude keep the directory's files.
func matchExclude(pattern, p string) bool {
	pattern = strings.TrimSuffix(pattern, "/")
	if pattern == "" {
		return false
	}
	return glob.Glob(pattern, p) || glob.Glob(pattern+"/*", p)
}

// IsExcluded reports whether the path matches an exclude pattern,
// the caller's or one of the defaults.
func (ei ExcludeIncludeGlob) IsExcluded(p string) bool {
	p = path.Clean(p)
	for _, ex := range ei.Exclude {
		if matchExclude(ex, p) {
			return true
		}
	}
	for _, ex := range DefaultExcludes {
		if matchExclude(ex, p) {
			return true
		}
	}
	return false
}

// IsIncluded applies the logic:
//   - if the path matches any exclude pattern, don't include it
//   - otherwise, if there are no include patterns, include it
//   - otherwise, if it matches an include pattern, include it
//   - otherwise don't include it.
//
// Paths are matched slash-separated, relative to the source root.
func (ei ExcludeIncludeGlob) IsIncluded(p string) bool {
	if ei.IsExcluded(p) {
		return false
	}
	if len(ei.Include) == 0 {
		return true
	}
	p = path.Clean(p)
	for _, in := range ei.Include {
		if glob.Glob(in, p) {
			return true
		}
	}
	return false
}
