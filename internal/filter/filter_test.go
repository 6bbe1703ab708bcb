package filter

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wimleers/fileconveyor/internal/model"
)

func TestMatchNilFilterMatchesEverything(t *testing.T) {
	assert.True(t, Match(nil, "/any/path.txt", false))
}

func TestMatchPaths(t *testing.T) {
	f := &model.Filter{Paths: []string{"images"}}
	assert.True(t, Match(f, "/srv/www/images/logo.png", false))
	assert.False(t, Match(f, "/srv/www/css/style.css", false))
}

func TestMatchExtensionsCaseInsensitive(t *testing.T) {
	f := &model.Filter{Extensions: []string{"jpg", "png"}}
	assert.True(t, Match(f, "/a/b.PNG", false))
	assert.True(t, Match(f, "/a/b.jpg", false))
	assert.False(t, Match(f, "/a/b.gif", false))
}

func TestMatchIgnoredDirs(t *testing.T) {
	f := &model.Filter{IgnoredDirs: []string{"CVS", ".svn"}}
	assert.False(t, Match(f, "/a/CVS/file.txt", false))
	assert.True(t, Match(f, "/a/src/file.txt", false))
}

func TestMatchPattern(t *testing.T) {
	f := &model.Filter{Pattern: regexp.MustCompile(`.*\.css$`)}
	assert.True(t, Match(f, "/a/b.css", false))
	assert.False(t, Match(f, "/a/b.js", false))
}

func TestMatchPatternIsAnchoredAtStart(t *testing.T) {
	// A pattern must match from the beginning of the path, mirroring
	// Python's re.match rather than an unanchored substring search: a
	// fragment that only appears partway through the path must not match.
	f := &model.Filter{Pattern: regexp.MustCompile(`/foo/`)}
	assert.False(t, Match(f, "/bar/foo/baz", false))
	assert.True(t, Match(f, "/foo/baz", false))
}

func TestMatchSizeMaximum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "small.txt")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0644))

	f := &model.Filter{Size: model.SizeCondition{Enabled: true, Maximum: true, Threshold: 10}}
	assert.True(t, Match(f, path, false))

	f2 := &model.Filter{Size: model.SizeCondition{Enabled: true, Maximum: true, Threshold: 2}}
	assert.False(t, Match(f2, path, false))
}

func TestMatchSizeSkippedForDeletedEvents(t *testing.T) {
	f := &model.Filter{Size: model.SizeCondition{Enabled: true, Maximum: true, Threshold: 1}}
	// The file does not exist on disk (it was deleted); the size
	// condition must be skipped entirely rather than failing closed.
	assert.True(t, Match(f, "/does/not/exist.txt", true))
}

func TestEvaluationOrderShortCircuitsOnPaths(t *testing.T) {
	f := &model.Filter{
		Paths:      []string{"images"},
		Extensions: []string{"png"},
	}
	assert.False(t, Match(f, "/a/css/logo.png", false))
}
