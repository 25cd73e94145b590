package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// decodeData parses a --format json success response into v.
func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

// writeConfig writes a YAML config using db plus extra lines.
func writeConfig(t *testing.T, dir, db string, extra ...string) string {
	t.Helper()
	src := fmt.Sprintf("database: %s\n", db)
	for _, line := range extra {
		src += line + "\n"
	}
	path := filepath.Join(dir, "offsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "offsync", cmd.Use)
	assert.Contains(t, cmd.Long, "offline")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"run", "enqueue", "sync", "status", "export", "import", "clear", "sweep", "validate", "test"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	require.NotNil(t, cmd.PersistentFlags().Lookup("db"))
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "xml"`)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, filepath.Join(dir, "x.db"), "max_retries: 0")

	_, err := execute(t, "--config", path, "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
