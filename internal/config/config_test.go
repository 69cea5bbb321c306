package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMinimal(t *testing.T) {
	path := writeConfig(t, `
tenant_id: acme
device_id: ws-042
server_url: wss://opsis.example.net/agent
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.TenantID)
	assert.Equal(t, "ws-042", cfg.DeviceID)
	assert.Equal(t, 30, cfg.HeartbeatIntervalSeconds)
	assert.Equal(t, 5, cfg.FlapTransitions)
	assert.Equal(t, 600, cfg.FlapWindowSeconds)
	assert.Equal(t, 300, cfg.EscalationCooldownSeconds)
	assert.Equal(t, 10, cfg.BatchWindowSeconds)
	assert.Equal(t, 50, cfg.QueueCapacity)
	assert.Equal(t, 60, cfg.StepTimeoutSeconds)
	assert.Equal(t, filepath.Join(cfg.DataDir, "runbooks"), cfg.RunbooksDir)
}

func TestLoadMissingTenant(t *testing.T) {
	path := writeConfig(t, `
device_id: ws-042
server_url: wss://opsis.example.net/agent
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant_id")
}

func TestClamping(t *testing.T) {
	path := writeConfig(t, `
tenant_id: acme
device_id: ws-042
server_url: wss://opsis.example.net/agent
heartbeat_interval_seconds: 1
queue_capacity: 100000
batch_window_seconds: 900
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.HeartbeatIntervalSeconds)
	assert.Equal(t, 500, cfg.QueueCapacity)
	assert.Equal(t, 60, cfg.BatchWindowSeconds)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPSIS_DATA_DIR", "/tmp/opsis-test")
	t.Setenv("OPSIS_DRY_RUN", "yes")
	path := writeConfig(t, `
tenant_id: acme
device_id: ws-042
server_url: wss://opsis.example.net/agent
data_dir: /var/lib/other
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/opsis-test", cfg.DataDir)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, "/tmp/opsis-test/remediation-memory.json", cfg.MemoryPath())
}

func TestDeviceIDFallsBackToHostname(t *testing.T) {
	path := writeConfig(t, `
tenant_id: acme
server_url: wss://opsis.example.net/agent
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.DeviceID)
}
