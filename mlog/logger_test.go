package mlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	_, err := NewLogger(&LogConfig{Level: "verbose"})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "swproxy.log")
	lg, err := NewLogger(&LogConfig{Level: "warn", File: path, Production: true})
	require.NoError(t, err)
	lg.Info("dropped")
	lg.Warn("kept")
	require.NoError(t, lg.Sync())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(b)
	assert.NotContains(t, out, "dropped")
	assert.True(t, strings.Contains(out, `"msg":"kept"`), out)
}

func TestNewLogger_defaultLevel(t *testing.T) {
	lg, err := NewLogger(&LogConfig{})
	require.NoError(t, err)
	assert.True(t, lg.Core().Enabled(0))
	assert.NotNil(t, L())
	assert.NotNil(t, Nop())
}
