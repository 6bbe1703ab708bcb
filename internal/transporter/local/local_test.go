package local

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wimleers/fileconveyor/internal/model"
	"github.com/wimleers/fileconveyor/internal/transporter"
)

func TestSyncFileCopiesWhenOutsideSymlinkRoot(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()
	src := filepath.Join(srcDir, "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0644))

	tr, err := New(model.Server{Settings: map[string]string{
		"location": destDir, "url": "http://cdn.example/", "symlinkWithin": "/nonexistent-root",
	}})
	require.NoError(t, err)
	defer tr.Stop()

	done := make(chan string, 1)
	tr.SyncFile(src, "a.txt", transporter.AddModify, func(url string) { done <- url }, func(error) { t.Fatal("unexpected error") })

	select {
	case url := <-done:
		assert.Equal(t, "http://cdn.example/a.txt", url)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sync")
	}

	data, err := os.ReadFile(filepath.Join(destDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	info, err := os.Lstat(filepath.Join(destDir, "a.txt"))
	require.NoError(t, err)
	assert.Zero(t, info.Mode()&os.ModeSymlink)
}

func TestSyncFileSymlinksWhenWithinConfiguredRoot(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()
	src := filepath.Join(srcDir, "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0644))

	tr, err := New(model.Server{Settings: map[string]string{
		"location": destDir, "url": "http://cdn.example", "symlinkWithin": srcDir,
	}})
	require.NoError(t, err)
	defer tr.Stop()

	done := make(chan struct{}, 1)
	tr.SyncFile(src, "a.txt", transporter.AddModify, func(string) { done <- struct{}{} }, func(error) { t.Fatal("unexpected error") })
	<-done

	info, err := os.Lstat(filepath.Join(destDir, "a.txt"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink)
}

func TestSyncFileDeleteIsIdempotent(t *testing.T) {
	destDir := t.TempDir()
	tr, err := New(model.Server{Settings: map[string]string{
		"location": destDir, "url": "http://cdn.example", "symlinkWithin": "",
	}})
	require.NoError(t, err)
	defer tr.Stop()

	done := make(chan struct{}, 1)
	tr.SyncFile("", "nonexistent.txt", transporter.Delete, func(string) { done <- struct{}{} }, func(error) { t.Fatal("delete of missing file should not error") })
	<-done
}

func TestMissingRequiredSettingsFailsConstruction(t *testing.T) {
	_, err := New(model.Server{Settings: map[string]string{}})
	assert.ErrorIs(t, err, transporter.ErrConnection)
}
