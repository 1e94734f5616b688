package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	s := Default()
	require.NoError(t, s.Validate())
	assert.Equal(t, 4, s.Retry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, s.Retry.BaseDelay.Std())
	assert.Equal(t, 5*time.Second, s.Retry.MaxDelay.Std())
	assert.Equal(t, 60*time.Second, s.Readiness.Timeout.Std())
	assert.Equal(t, 0, s.Parallelism)
}

// TestLoad_PartialOverride verifies that a JSONC file with comments and
// trailing commas overrides only the fields it sets.
func TestLoad_PartialOverride(t *testing.T) {
	path := writeSettings(t, `{
		// be patient with slow daemons
		"retry": {"maxAttempts": 6, "baseDelay": "1s", "maxDelay": "30s",},
		"parallelism": 2, /* two at a time */
	}`)

	s, err := Load(path, false)
	require.NoError(t, err)

	assert.Equal(t, 6, s.Retry.MaxAttempts)
	assert.Equal(t, time.Second, s.Retry.BaseDelay.Std())
	assert.Equal(t, 30*time.Second, s.Retry.MaxDelay.Std())
	assert.Equal(t, 2.0, s.Retry.Multiplier, "unset fields keep defaults")
	assert.Equal(t, 2, s.Parallelism)
	assert.Equal(t, 10*time.Second, s.StopTimeout.Std())
}

func TestLoad_NumericDuration(t *testing.T) {
	path := writeSettings(t, `{"stopTimeout": 1000000000}`)

	s, err := Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, time.Second, s.StopTimeout.Std())
}

func TestLoad_Missing(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	s, err := Load(path, true)
	require.NoError(t, err)
	assert.Equal(t, Default(), s)

	_, err = Load(path, false)
	assert.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(`{"parallelism": 3}`), 0o644))

	s, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Parallelism)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{name: "bad duration", content: `{"stopTimeout": "soon"}`, errMsg: "invalid duration"},
		{name: "zero attempts", content: `{"retry": {"maxAttempts": 0}}`, errMsg: "maxAttempts"},
		{name: "jitter above one", content: `{"retry": {"jitter": 1.5}}`, errMsg: "jitter"},
		{name: "negative parallelism", content: `{"parallelism": -1}`, errMsg: "parallelism"},
		{name: "max below base", content: `{"retry": {"baseDelay": "10s", "maxDelay": "1s"}}`, errMsg: "maxDelay"},
		{name: "not json", content: `retry = 4`, errMsg: "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeSettings(t, tt.content), false)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	data, err := Duration(1500 * time.Millisecond).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(data))
}
