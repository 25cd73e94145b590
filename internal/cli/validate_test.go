package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("max_retries: 5\nbase_backoff: 2s\n"), 0o644))

	out, err := execute(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")

	out, err = execute(t, "-v", "--format", "json", "validate", good)
	require.NoError(t, err)
	var res ValidationResult
	decodeData(t, out, &res)
	assert.True(t, res.Valid)
	require.NotNil(t, res.Config)
	assert.Equal(t, 5, res.Config.MaxRetries)
}

func TestValidateCommand_Invalid(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("max_retries: -1\n"), 0o644))

	out, err := execute(t, "validate", bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "E_INVALID_CONFIG")

	_, err = execute(t, "validate", filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
