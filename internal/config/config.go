// Package config loads and validates the service configuration from
// environment variables. All variables use the VERIFY_ prefix.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultRedisURL                = "redis://localhost:6379/0"
	DefaultPhiactaAPIURL           = "http://localhost:8000"
	DefaultSigningKeyPath          = "keys/ed25519.pem"
	DefaultListenAddr              = ":8090"
	DefaultMaxConcurrentJobs       = 4
	DefaultMaxCodeSizeBytes        = 1 << 20 // 1 MiB
	DefaultContainerTimeoutSeconds = 300
	DefaultContainerMemoryLimitMB  = 512
	DefaultContainerCPULimit       = 1.0
)

// Config holds the validated runtime configuration.
type Config struct {
	// RedisURL is the connection string for the job queue backend.
	RedisURL string

	// PhiactaAPIURL is the base URL of the upstream claims API.
	PhiactaAPIURL string
	// PhiactaAPIKey authenticates callbacks to the claims API. Empty
	// disables authenticated submission.
	PhiactaAPIKey string

	// SigningKeyPath points at the PKCS#8 PEM Ed25519 private key used to
	// sign results. A missing file triggers ephemeral dev-mode keys.
	SigningKeyPath string

	// ListenAddr is the HTTP bind address of the API server.
	ListenAddr string

	// CORSAllowedOrigins lists origins allowed to call the API from a
	// browser. Empty means no cross-origin access.
	CORSAllowedOrigins []string

	// MaxConcurrentJobs is the number of worker goroutines consuming the
	// queue.
	MaxConcurrentJobs int

	// MaxCodeSizeBytes caps the size of submitted code payloads.
	MaxCodeSizeBytes int

	// Container execution limits applied when a job does not override them.
	ContainerTimeoutSeconds  int
	ContainerMemoryLimitMB   int
	ContainerCPULimit        float64
	ContainerNetworkDisabled bool

	// LogLevel is consumed by the logging package at startup.
	LogLevel string
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		RedisURL:                 getEnv("VERIFY_REDIS_URL", DefaultRedisURL),
		PhiactaAPIURL:            getEnv("VERIFY_PHIACTA_API_URL", DefaultPhiactaAPIURL),
		PhiactaAPIKey:            os.Getenv("VERIFY_PHIACTA_API_KEY"),
		SigningKeyPath:           getEnv("VERIFY_SIGNING_KEY_PATH", DefaultSigningKeyPath),
		ListenAddr:               getEnv("VERIFY_LISTEN_ADDR", DefaultListenAddr),
		CORSAllowedOrigins:       splitOrigins(os.Getenv("VERIFY_CORS_ALLOWED_ORIGINS")),
		ContainerNetworkDisabled: true,
		LogLevel:                 getEnv("VERIFY_LOG_LEVEL", "info"),
	}

	var err error
	if cfg.MaxConcurrentJobs, err = getEnvInt("VERIFY_MAX_CONCURRENT_JOBS", DefaultMaxConcurrentJobs); err != nil {
		return nil, err
	}
	if cfg.MaxCodeSizeBytes, err = getEnvInt("VERIFY_MAX_CODE_SIZE_BYTES", DefaultMaxCodeSizeBytes); err != nil {
		return nil, err
	}
	if cfg.ContainerTimeoutSeconds, err = getEnvInt("VERIFY_CONTAINER_TIMEOUT_SECONDS", DefaultContainerTimeoutSeconds); err != nil {
		return nil, err
	}
	if cfg.ContainerMemoryLimitMB, err = getEnvInt("VERIFY_CONTAINER_MEMORY_LIMIT_MB", DefaultContainerMemoryLimitMB); err != nil {
		return nil, err
	}
	if cfg.ContainerCPULimit, err = getEnvFloat("VERIFY_CONTAINER_CPU_LIMIT", DefaultContainerCPULimit); err != nil {
		return nil, err
	}
	if raw := os.Getenv("VERIFY_CONTAINER_NETWORK_DISABLED"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("VERIFY_CONTAINER_NETWORK_DISABLED: %w", err)
		}
		cfg.ContainerNetworkDisabled = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	var problems []string

	if _, err := url.Parse(c.RedisURL); err != nil || !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
		problems = append(problems, fmt.Sprintf("VERIFY_REDIS_URL %q is not a redis:// URL", c.RedisURL))
	}
	if u, err := url.Parse(c.PhiactaAPIURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Sprintf("VERIFY_PHIACTA_API_URL %q is not an absolute URL", c.PhiactaAPIURL))
	}
	if c.MaxConcurrentJobs < 1 {
		problems = append(problems, "VERIFY_MAX_CONCURRENT_JOBS must be at least 1")
	}
	if c.MaxCodeSizeBytes < 1 {
		problems = append(problems, "VERIFY_MAX_CODE_SIZE_BYTES must be positive")
	}
	if c.ContainerTimeoutSeconds < 1 {
		problems = append(problems, "VERIFY_CONTAINER_TIMEOUT_SECONDS must be positive")
	}
	if c.ContainerMemoryLimitMB < 1 {
		problems = append(problems, "VERIFY_CONTAINER_MEMORY_LIMIT_MB must be positive")
	}
	if c.ContainerCPULimit <= 0 {
		problems = append(problems, "VERIFY_CONTAINER_CPU_LIMIT must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	var origins []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
