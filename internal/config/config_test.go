package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearVerifyEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"VERIFY_REDIS_URL", "VERIFY_PHIACTA_API_URL", "VERIFY_PHIACTA_API_KEY",
		"VERIFY_SIGNING_KEY_PATH", "VERIFY_LISTEN_ADDR", "VERIFY_CORS_ALLOWED_ORIGINS",
		"VERIFY_MAX_CONCURRENT_JOBS", "VERIFY_MAX_CODE_SIZE_BYTES",
		"VERIFY_CONTAINER_TIMEOUT_SECONDS", "VERIFY_CONTAINER_MEMORY_LIMIT_MB",
		"VERIFY_CONTAINER_CPU_LIMIT", "VERIFY_CONTAINER_NETWORK_DISABLED",
		"VERIFY_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearVerifyEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultRedisURL, cfg.RedisURL)
	assert.Equal(t, DefaultPhiactaAPIURL, cfg.PhiactaAPIURL)
	assert.Equal(t, DefaultSigningKeyPath, cfg.SigningKeyPath)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultMaxConcurrentJobs, cfg.MaxConcurrentJobs)
	assert.Equal(t, DefaultMaxCodeSizeBytes, cfg.MaxCodeSizeBytes)
	assert.Equal(t, DefaultContainerTimeoutSeconds, cfg.ContainerTimeoutSeconds)
	assert.Equal(t, DefaultContainerMemoryLimitMB, cfg.ContainerMemoryLimitMB)
	assert.Equal(t, DefaultContainerCPULimit, cfg.ContainerCPULimit)
	assert.True(t, cfg.ContainerNetworkDisabled)
	assert.Empty(t, cfg.CORSAllowedOrigins)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	clearVerifyEnv(t)
	t.Setenv("VERIFY_REDIS_URL", "redis://cache.internal:6380/2")
	t.Setenv("VERIFY_PHIACTA_API_URL", "https://api.phiacta.example")
	t.Setenv("VERIFY_PHIACTA_API_KEY", "token-123")
	t.Setenv("VERIFY_MAX_CONCURRENT_JOBS", "8")
	t.Setenv("VERIFY_MAX_CODE_SIZE_BYTES", "2048")
	t.Setenv("VERIFY_CONTAINER_CPU_LIMIT", "2.5")
	t.Setenv("VERIFY_CONTAINER_NETWORK_DISABLED", "false")
	t.Setenv("VERIFY_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example ,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://cache.internal:6380/2", cfg.RedisURL)
	assert.Equal(t, "https://api.phiacta.example", cfg.PhiactaAPIURL)
	assert.Equal(t, "token-123", cfg.PhiactaAPIKey)
	assert.Equal(t, 8, cfg.MaxConcurrentJobs)
	assert.Equal(t, 2048, cfg.MaxCodeSizeBytes)
	assert.Equal(t, 2.5, cfg.ContainerCPULimit)
	assert.False(t, cfg.ContainerNetworkDisabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-numeric worker count", "VERIFY_MAX_CONCURRENT_JOBS", "many"},
		{"zero worker count", "VERIFY_MAX_CONCURRENT_JOBS", "0"},
		{"negative code size", "VERIFY_MAX_CODE_SIZE_BYTES", "-1"},
		{"bad redis scheme", "VERIFY_REDIS_URL", "http://localhost:6379"},
		{"relative api url", "VERIFY_PHIACTA_API_URL", "/not/absolute"},
		{"bad bool", "VERIFY_CONTAINER_NETWORK_DISABLED", "maybe"},
		{"zero cpu", "VERIFY_CONTAINER_CPU_LIMIT", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearVerifyEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
		})
	}
}
