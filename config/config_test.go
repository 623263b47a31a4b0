package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{KeyToken, KeyBaseURL, KeyUserID, KeySourceAPIBaseURL, KeySessionIdleMs, KeyInvocationName} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, DefaultSourceAPIBaseURL, cfg.SourceAPIBaseURL)
	assert.Equal(t, 8*time.Second, cfg.SessionIdle)
	assert.Empty(t, cfg.Token)
	assert.ErrorContains(t, cfg.Validate(), KeyToken)
}

func TestLoad_Environment(t *testing.T) {
	clearEnv(t)
	t.Setenv(KeyToken, "device-token")
	t.Setenv(KeyBaseURL, "http://localhost:3000")
	t.Setenv(KeyUserID, "user-1")
	t.Setenv(KeySessionIdleMs, "250")
	t.Setenv(KeyInvocationName, "simple player")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "device-token", cfg.Token)
	assert.Equal(t, "http://localhost:3000", cfg.BaseURL)
	assert.Equal(t, "user-1", cfg.UserID)
	assert.Equal(t, 250*time.Millisecond, cfg.SessionIdle)
	assert.Equal(t, "simple player", cfg.InvocationName)
	assert.NoError(t, cfg.Validate())
	assert.NotContains(t, cfg.String(), "device-token")
}

func TestLoad_DotEnvFile(t *testing.T) {
	clearEnv(t)
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		"VIRTUAL_DEVICE_TOKEN=from-file\n"+
			"BESPOKEN_USER_ID=file-user\n"+
			"token.SKILL_NAME=simple player\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("token.SKILL_NAME") })

	cfg, err := Load(envFile)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Token)
	assert.Equal(t, "file-user", cfg.UserID)
	assert.Equal(t, "simple player", cfg.Tokens["SKILL_NAME"])
}

func TestLoad_ProcessEnvWinsOverDotEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(KeyToken, "from-process")
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("VIRTUAL_DEVICE_TOKEN=from-file\n"), 0644))

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, "from-process", cfg.Token)
}

func TestLoad_InvalidSessionIdle(t *testing.T) {
	clearEnv(t)
	t.Setenv(KeySessionIdleMs, "-5")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorContains(t, err, KeySessionIdleMs)
}

func TestTokens(t *testing.T) {
	tokens := Tokens([]string{
		"PATH=/usr/bin",
		"token.INVOCATION=simple player",
		"token.GREETING=hello=world",
		"token.=ignored",
		"tokenized=no",
	})
	assert.Equal(t, map[string]string{
		"INVOCATION": "simple player",
		"GREETING":   "hello=world",
	}, tokens)
}
