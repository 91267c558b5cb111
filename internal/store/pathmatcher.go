package store

import (
	"strings"

	"github.com/armon/go-radix"
)

// PathMatcher is a prefix tree of path patterns, built once by the route
// builder (C11) and never mutated after that — it is part of the Route
// snapshot and shares its copy-on-publish lifecycle.
type PathMatcher struct {
	tree *radix.Tree
}

// NewPathMatcher builds a PathMatcher from a set of path prefixes. An empty
// set still yields a usable matcher that matches nothing, distinct from a
// nil *PathMatcher (which the Route contract treats as "match all").
func NewPathMatcher(prefixes []string) *PathMatcher {
	tree := radix.New()
	for _, p := range prefixes {
		tree.Insert(p, struct{}{})
	}
	return &PathMatcher{tree: tree}
}

// Match reports whether path is covered by any inserted prefix. A prefix
// covers a path on a segment boundary: "/api" matches "/api/v1/things" but
// not "/apiary".
func (m *PathMatcher) Match(path string) bool {
	if m == nil {
		return true
	}
	matched := false
	m.tree.WalkPath(path, func(prefix string, _ interface{}) bool {
		if prefix == path || strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/' {
			matched = true
		}
		return matched
	})
	return matched
}
