package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"TWINOPS_CONFIG_FILE", "TWINOPS_TWIN_BASE_URL", "TWINOPS_MQTT_BROKER_PORT",
		"TWINOPS_APPROVAL_TTL_SECONDS", "TWINOPS_TOOL_CONCURRENCY_LIMIT",
	} {
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoad_DefaultsWithNoOverrides(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)
}

func TestLoad_EnvVarOverridesDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("TWINOPS_TWIN_BASE_URL", "https://twin.example.com")
	t.Setenv("TWINOPS_TOOL_CONCURRENCY_LIMIT", "16")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "https://twin.example.com", cfg.TwinBaseURL)
	require.Equal(t, 16, cfg.ToolConcurrencyLimit)
}

func TestLoad_YAMLOverlayAppliesBeforeEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("twin_base_url: https://from-yaml.example.com\ntool_concurrency_limit: 4\n"), 0o644))

	t.Setenv("TWINOPS_CONFIG_FILE", path)
	t.Setenv("TWINOPS_TOOL_CONCURRENCY_LIMIT", "32")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "https://from-yaml.example.com", cfg.TwinBaseURL)
	require.Equal(t, 32, cfg.ToolConcurrencyLimit, "env var must win over the YAML overlay")
}

func TestLoad_MissingConfigFileErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("TWINOPS_CONFIG_FILE", "/nonexistent/profile.yaml")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_InvalidIntEnvVarIsIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("TWINOPS_MQTT_BROKER_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, Defaults().MQTTBrokerPort, cfg.MQTTBrokerPort)
}
