package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "LOG_LEVEL", "POLICY_DIR", "DATA_DIR", "PLUGIN_TIMEOUT"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "./policies", cfg.PolicyDir)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, 5*time.Second, cfg.PluginTimeout)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("POLICY_DIR", "/etc/drivergate/policies")
	t.Setenv("TICKET_URL", "https://tickets.internal")
	t.Setenv("TICKET_TOKEN", "s3cret")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("PLUGIN_TIMEOUT", "30s")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "/etc/drivergate/policies", cfg.PolicyDir)
	assert.Equal(t, "https://tickets.internal", cfg.TicketURL)
	assert.Equal(t, "s3cret", cfg.TicketToken)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 30*time.Second, cfg.PluginTimeout)
}

func TestPluginTimeoutPlainSeconds(t *testing.T) {
	t.Setenv("PLUGIN_TIMEOUT", "15")
	assert.Equal(t, 15*time.Second, Load().PluginTimeout)

	t.Setenv("PLUGIN_TIMEOUT", "not-a-duration")
	assert.Equal(t, 5*time.Second, Load().PluginTimeout)
}

const profileYAML = `
name: EU Fleet
code: eu
quarantine:
  storage_type: s3
  bucket: drivergate-quarantine-eu
  region: eu-central-1
dispatch:
  ticket_rpm: 30
  notify_rpm: 120
  burst: 10
retention:
  verdict_days: 365
  audit_log_days: 730
`

func writeProfile(t *testing.T, dir, code, content string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+code+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "eu", profileYAML)

	p, err := LoadProfile(dir, "EU")
	require.NoError(t, err)
	assert.Equal(t, "EU Fleet", p.Name)
	assert.Equal(t, "eu", p.Code)
	assert.Equal(t, "s3", p.Quarantine.StorageType)
	assert.Equal(t, "drivergate-quarantine-eu", p.Quarantine.Bucket)
	assert.Equal(t, 30, p.Dispatch.TicketRPM)
	assert.Equal(t, 730, p.Retention.AuditLogDays)
}

func TestLoadProfileMissing(t *testing.T) {
	_, err := LoadProfile(t.TempDir(), "nowhere")
	require.Error(t, err)
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "eu", profileYAML)
	writeProfile(t, dir, "us", "name: US Fleet\nquarantine:\n  storage_type: fs\n")

	profiles, err := LoadAllProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "eu", profiles["eu"].Code)
	// Code falls back to the filename when the YAML omits it.
	assert.Equal(t, "us", profiles["us"].Code)
	assert.Equal(t, "fs", profiles["us"].Quarantine.StorageType)
}
