package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePIDFileCreatesParentDirAndContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "fileconveyor.pid")

	require.NoError(t, writePIDFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(data[:len(data)-1]))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestRootCommandRequiresAtMostOneConfigArg(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"one.xml", "two.xml"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.Execute()
	assert.Error(t, err, "more than one positional config-file argument should be rejected before run() is reached")
}
