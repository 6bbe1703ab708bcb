// Package filter evaluates a file path against a rule's match
// conditions (spec.md §4.5): path-fragment substrings, extensions,
// ignored directory names, a regular expression, and a size bound.
//
// No library in the retrieval pack targets this concern more precisely
// than the standard library's own path/regexp/strconv primitives, so
// this package is deliberately stdlib-only (recorded in DESIGN.md).
package filter

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/wimleers/fileconveyor/internal/model"
)

// Match evaluates f against path in the order spec.md §4.5 mandates for
// early exit: paths -> extensions -> ignoredDirs -> pattern -> size.
// deleted indicates the event is a DELETED event, in which case the
// size condition is skipped entirely (the file no longer exists to
// stat).
func Match(f *model.Filter, path string, deleted bool) bool {
	if f == nil {
		return true
	}
	if !matchPaths(f.Paths, path) {
		return false
	}
	if !matchExtensions(f.Extensions, path) {
		return false
	}
	if !matchIgnoredDirs(f.IgnoredDirs, path) {
		return false
	}
	if !matchPattern(f.Pattern, path) {
		return false
	}
	if !deleted && !matchSize(f.Size, path) {
		return false
	}
	return true
}

// matchPaths reports whether path's directory portion contains any of
// the fragments, each compared with a trailing separator appended.
func matchPaths(fragments []string, path string) bool {
	if len(fragments) == 0 {
		return true
	}
	dir := filepath.Dir(path)
	if !strings.HasSuffix(dir, string(filepath.Separator)) {
		dir += string(filepath.Separator)
	}
	for _, frag := range fragments {
		f := frag
		if !strings.HasSuffix(f, "/") {
			f += "/"
		}
		f = filepath.FromSlash(f)
		if strings.Contains(dir, f) {
			return true
		}
	}
	return false
}

func matchExtensions(exts []string, path string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	for _, e := range exts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

// matchIgnoredDirs reports false (no match) if any path segment equals
// any ignored name.
func matchIgnoredDirs(ignored []string, path string) bool {
	if len(ignored) == 0 {
		return true
	}
	segments := strings.Split(filepath.ToSlash(path), "/")
	for _, seg := range segments {
		for _, ig := range ignored {
			if seg == ig {
				return false
			}
		}
	}
	return true
}

// matchPattern anchors the match at the start of path, mirroring
// Python's re.match (_examples/original_source/code/daemon/filter.py:
// self.pattern.match(filepath)) rather than MatchString's unanchored
// substring search: a pattern must match the full path from its first
// character, though it need not consume the whole string.
func matchPattern(pattern *regexp.Regexp, path string) bool {
	if pattern == nil {
		return true
	}
	loc := pattern.FindStringIndex(path)
	return loc != nil && loc[0] == 0
}

func matchSize(cond model.SizeCondition, path string) bool {
	if !cond.Enabled {
		return true
	}
	info, err := os.Stat(path)
	if err != nil {
		// A size condition that cannot be evaluated (file vanished
		// between event and filter stage) does not match.
		return false
	}
	size := info.Size()
	if cond.Maximum {
		return size <= cond.Threshold
	}
	return size >= cond.Threshold
}
