package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearGatewayEnv(t *testing.T) {
	for _, key := range []string{
		EnvGatewayBaseURL, EnvGatewaySubscriptionKey, EnvGatewayAPIUserID, EnvGatewayAPIUserSecret,
	} {
		t.Setenv(key, "")
	}
}

func TestLoadFromFile_Defaults(t *testing.T) {
	clearGatewayEnv(t)
	path := writeConfig(t, "app:\n  environment: test\n")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "skyfi-billing", cfg.App.Name)
	assert.Equal(t, ModeInProcess, cfg.Workflow.Mode)
	assert.Equal(t, 3*time.Second, cfg.Workflow.PollIntervalDuration())
	assert.Equal(t, 10, cfg.Workflow.MaxPollAttempts)
	assert.Equal(t, 60*time.Second, cfg.Workflow.PurchaseLockTTLDuration())
	assert.Equal(t, "UGX", cfg.Gateway.Currency)
	assert.Equal(t, "sandbox", cfg.Gateway.TargetEnvironment)
	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.Equal(t, "X-User-Id", cfg.HTTP.UserIDHeader)
	assert.False(t, cfg.Gateway.IsConfigured())
	assert.Len(t, cfg.Gateway.Missing(), 4)
}

func TestLoadFromFile_GatewayFromEnvironment(t *testing.T) {
	t.Setenv(EnvGatewayBaseURL, "https://sandbox.momodeveloper.mtn.com")
	t.Setenv(EnvGatewaySubscriptionKey, "sub-key")
	t.Setenv(EnvGatewayAPIUserID, "api-user")
	t.Setenv(EnvGatewayAPIUserSecret, "api-secret")
	path := writeConfig(t, "gateway:\n  target_environment: mtnuganda\n")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.True(t, cfg.Gateway.IsConfigured())
	assert.Equal(t, "https://sandbox.momodeveloper.mtn.com", cfg.Gateway.BaseURL)
	assert.Equal(t, "mtnuganda", cfg.Gateway.TargetEnvironment)
}

func TestLoadFromFile_ExpandsPlaceholders(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("SKYFI_DB_HOST", "db.internal")
	path := writeConfig(t, "database:\n  postgres:\n    host: ${SKYFI_DB_HOST}\n    database: skyfi\n    user: app\n")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Postgres.Host)
	assert.True(t, cfg.Database.Postgres.IsConfigured())
	assert.Equal(t, 5432, cfg.Database.Postgres.Port)
}

func TestLoadFromFile_UnsetPlaceholderLeavesIntegrationOff(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("SKYFI_DB_HOST", "")
	t.Setenv("SKYFI_REDIS", "")
	path := writeConfig(t, "database:\n  postgres:\n    host: ${SKYFI_DB_HOST}\n    database: skyfi\n    user: app\n  redis:\n    address: ${SKYFI_REDIS}\n")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Empty(t, cfg.Database.Postgres.Host)
	assert.False(t, cfg.Database.Postgres.IsConfigured())
	assert.Empty(t, cfg.Database.Redis.Address)
}

func TestLoadFromFile_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown mode", body: "workflow:\n  mode: cron\n"},
		{name: "zeebe without broker", body: "workflow:\n  mode: zeebe\n"},
		{name: "negative poll interval", body: "workflow:\n  poll_interval: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearGatewayEnv(t)
			t.Setenv("ZEEBE_ADDRESS", "")
			_, err := LoadFromFile(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestGetWorkerConfig(t *testing.T) {
	cfg := &Config{Workers: map[string]WorkerConfig{
		"check-payment-status": {Enabled: false, MaxJobsActive: 2},
	}}

	assert.False(t, IsWorkerEnabled(cfg, "check-payment-status"))
	assert.True(t, IsWorkerEnabled(cfg, "initiate-payment"))
	assert.Equal(t, 5, GetWorkerConfig(cfg, "initiate-payment").MaxJobsActive)
	assert.Equal(t, 2, GetWorkerConfig(cfg, "check-payment-status").MaxJobsActive)
}
