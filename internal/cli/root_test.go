package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_Version(t *testing.T) {
	var out bytes.Buffer
	cmd := GetRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), version)
}

func TestRootCmd_HasServeCommand(t *testing.T) {
	names := []string{}
	for _, c := range GetRootCmd().Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "serve")
}

func TestServe_RejectsInvalidConfig(t *testing.T) {
	var out bytes.Buffer
	cmd := GetRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	// No API key configured anywhere; validation must fail before any
	// network work happens.
	t.Setenv("STREAMD_RUNTIME_API_KEY", "")
	t.Setenv("HOME", t.TempDir())
	cmd.SetArgs([]string{"serve", "--config", "/nonexistent-dir/streamd.json"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "invalid configuration") ||
		strings.Contains(err.Error(), "config"))
}
