// Package test provides shared fixtures and fakes for package tests.
package test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Context returns a context cancelled when the test ends.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// TempFile writes content to a file under a fresh temp dir and returns its path.
func TempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755), "failed to create dir")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "failed to write temp file")
	return path
}

// Chdir changes to dir and restores the working directory on cleanup.
func Chdir(t *testing.T, dir string) {
	t.Helper()
	original, err := os.Getwd()
	require.NoError(t, err, "failed to get working directory")
	require.NoError(t, os.Chdir(dir), "failed to change directory")
	t.Cleanup(func() {
		assert.NoError(t, os.Chdir(original), "failed to restore working directory")
	})
}

// Eventually polls cond until it holds or the timeout passes.
func Eventually(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond, msgAndArgs...)
}

// SkipIfShort skips the test if -short flag is provided.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping test in short mode")
	}
}
