package commands

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birchsec/birch/internal/config"
	"github.com/birchsec/birch/internal/logging"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()

	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	fn()

	_ = w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return buf.String()
}

func TestCollectValues(t *testing.T) {
	t.Parallel()

	t.Run("merges flags and file lines", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "values.txt")
		require.NoError(t, os.WriteFile(path, []byte("# generated 2026-08-01\nfile-one\n\n  file-two  \n# trailing comment\n"), 0o600))

		values, err := collectValues([]string{"flag-one"}, path)
		require.NoError(t, err)
		assert.Equal(t, []string{"flag-one", "file-one", "file-two"}, values)
	})

	t.Run("missing file returns a usable error", func(t *testing.T) {
		t.Parallel()
		_, err := collectValues(nil, "/nonexistent/values.txt")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "from-file")
	})

	t.Run("no file means flags only", func(t *testing.T) {
		t.Parallel()
		values, err := collectValues([]string{"a", "b"}, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, values)
	})
}

func TestPoolCommandFlags(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Logger: logging.New(false, true)}
	cmd := NewPoolCommand(cfg)

	subs := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		subs[sub.Name()] = true
	}
	for _, name := range []string{"init", "add", "status", "list"} {
		assert.True(t, subs[name], "%s subcommand should exist", name)
	}
}

func TestPoolInitRequiresValues(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Logger: logging.New(false, true)}
	cmd := NewPoolCommand(cfg)
	cmd.SetArgs([]string{"init", "api-key", "--env", "staging"})

	err := cmd.Execute()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "values")
}

func TestPoolLifecycle(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv

	cfg := writeTestConfig(t, &config.Definition{Version: 1, PoolLowWatermark: 2})

	t.Run("init seeds the pool", func(t *testing.T) {
		cmd := NewPoolCommand(cfg)
		cmd.SetArgs([]string{"init", "api-key", "--env", "staging", "--key", "sk-alpha-1234", "--key", "sk-beta-5678"})
		require.NoError(t, cmd.Execute())
	})

	t.Run("init without overwrite refuses to clobber", func(t *testing.T) {
		cmd := NewPoolCommand(cfg)
		cmd.SetArgs([]string{"init", "api-key", "--env", "staging", "--key", "sk-other"})
		err := cmd.Execute()
		assert.Error(t, err)
	})

	t.Run("add appends from a file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "more.txt")
		require.NoError(t, os.WriteFile(path, []byte("sk-gamma-9abc\n"), 0o600))

		cmd := NewPoolCommand(cfg)
		cmd.SetArgs([]string{"add", "api-key", "--env", "staging", "--from-file", path})
		require.NoError(t, cmd.Execute())
	})

	t.Run("status reports depth", func(t *testing.T) {
		output := captureStdout(t, func() {
			cmd := NewPoolCommand(cfg)
			cmd.SetArgs([]string{"status"})
			require.NoError(t, cmd.Execute())
		})
		assert.Contains(t, output, "api-key (staging)")
		assert.Contains(t, output, "available=3")
	})

	t.Run("list masks values", func(t *testing.T) {
		output := captureStdout(t, func() {
			cmd := NewPoolCommand(cfg)
			cmd.SetArgs([]string{"list", "api-key", "--env", "staging"})
			require.NoError(t, cmd.Execute())
		})
		assert.Contains(t, output, "***1234")
		assert.Contains(t, output, "***5678")
		assert.NotContains(t, output, "sk-alpha-1234")
	})

	t.Run("status on an empty store suggests init", func(t *testing.T) {
		t.Setenv("BIRCH_DIR", t.TempDir())
		output := captureStdout(t, func() {
			cmd := NewPoolCommand(cfg)
			cmd.SetArgs([]string{"status"})
			require.NoError(t, cmd.Execute())
		})
		assert.Contains(t, output, "No pools initialized")
	})
}
