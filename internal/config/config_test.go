package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"AGENTREPLAY_DATA_DIR", "AGENTREPLAY_DB_PATH", "AGENTREPLAY_JUDGE_PROVIDER",
		"AGENTREPLAY_JUDGE_MODEL", "AGENTREPLAY_JUDGE_TIMEOUT", "AGENTREPLAY_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ".agent-replay", cfg.DataDir)
	assert.Equal(t, ".agent-replay/traces.db", cfg.DatabasePath)
	assert.Equal(t, "openai", cfg.JudgeProvider)
	assert.Equal(t, "gpt-4o-mini", cfg.JudgeModel)
	assert.Equal(t, 60*time.Second, cfg.JudgeTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AGENTREPLAY_DATA_DIR", "/tmp/recorder")
	t.Setenv("AGENTREPLAY_DB_PATH", "/tmp/recorder/other.db")
	t.Setenv("AGENTREPLAY_JUDGE_MODEL", "gpt-4o")
	t.Setenv("AGENTREPLAY_JUDGE_TIMEOUT", "90s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/recorder", cfg.DataDir)
	assert.Equal(t, "/tmp/recorder/other.db", cfg.DatabasePath)
	assert.Equal(t, "gpt-4o", cfg.JudgeModel)
	assert.Equal(t, 90*time.Second, cfg.JudgeTimeout)
}

func TestLoadBadDurationFallsBack(t *testing.T) {
	t.Setenv("AGENTREPLAY_JUDGE_TIMEOUT", "soon")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.JudgeTimeout)
}

func TestValidate(t *testing.T) {
	cfg := Config{DatabasePath: "", JudgeTimeout: time.Second}
	assert.Error(t, cfg.Validate())

	cfg = Config{DatabasePath: "x.db", JudgeTimeout: 0}
	assert.Error(t, cfg.Validate())

	cfg = Config{DatabasePath: "x.db", JudgeTimeout: time.Second}
	assert.NoError(t, cfg.Validate())
}
