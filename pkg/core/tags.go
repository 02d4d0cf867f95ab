package core

import (
	"regexp"
	"strings"
)

// Tags are hierarchical paths of lowercase segments joined by ':', e.g.
// "robotics:arm:calibration". Every prefix of a tag is itself a tag, so
// adding the example above also creates "robotics" and "robotics:arm".

// DefaultMaxTagDepth bounds the number of segments in a tag path.
const DefaultMaxTagDepth = 4

var tagPattern = regexp.MustCompile(`^[a-z0-9\-]+(:[a-z0-9\-]+)*$`)

// ValidTagName reports whether name is a well-formed tag path at or below
// maxDepth. Beyond the segment alphabet, a valid tag has no duplicate
// segments and, when deeper than one level, distinct first and last segments.
func ValidTagName(name string, maxDepth int) bool {
	if name == "" || !tagPattern.MatchString(name) {
		return false
	}
	segs := strings.Split(name, ":")
	if len(segs) > maxDepth {
		return false
	}
	seen := make(map[string]struct{}, len(segs))
	for _, s := range segs {
		if _, dup := seen[s]; dup {
			return false
		}
		seen[s] = struct{}{}
	}
	if len(segs) > 1 && segs[0] == segs[len(segs)-1] {
		return false
	}
	return true
}

// SplitTag returns the segments of a tag path.
func SplitTag(name string) []string {
	return strings.Split(name, ":")
}

// TagDepth returns the number of segments in a tag path.
func TagDepth(name string) int {
	return strings.Count(name, ":") + 1
}

// TagAncestors expands a tag path into its hierarchical closure, shallowest
// first: "a:b:c" -> ["a", "a:b", "a:b:c"].
func TagAncestors(name string) []string {
	segs := strings.Split(name, ":")
	out := make([]string, 0, len(segs))
	for i := 1; i <= len(segs); i++ {
		out = append(out, strings.Join(segs[:i], ":"))
	}
	return out
}

// TagRoot returns the first segment of a tag path.
func TagRoot(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i]
	}
	return name
}

// CommonPrefixDepth counts how many leading segments two pre-split tag paths
// share.
func CommonPrefixDepth(a, b []string) int {
	n := min(len(a), len(b))
	d := 0
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			break
		}
		d++
	}
	return d
}
