package stage

import (
	"research/internal/config"
	"research/pkg/backoff"
	"research/pkg/circuitbreaker"
	"time"
)

// Config holds settings for the remote stage client.
type Config struct {
	BaseURL    string        // stage backend root, e.g. http://stages:8000
	Timeout    time.Duration // per request (default: 5m)
	SigningKey string        // HMAC key for X-Signature-256, empty disables signing
	Retries    int           // attempts per call (default: 3)
	Backoff    backoff.Config
	Breaker    circuitbreaker.Config
}

// LoadConfigFromEnv loads stage client configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BaseURL:    config.GetEnv("STAGE_BASE_URL", ""),
		Timeout:    config.GetDurationEnv("STAGE_TIMEOUT", 5*time.Minute),
		SigningKey: config.GetSecretFile(config.GetEnv("STAGE_SIGNING_KEY_FILE", "")),
		Retries:    config.GetIntEnv("STAGE_RETRIES", 3),
		Breaker: circuitbreaker.Config{
			Threshold: config.GetIntEnv("STAGE_BREAKER_THRESHOLD", 5),
			Cooldown:  config.GetDurationEnv("STAGE_BREAKER_COOLDOWN", 30*time.Second),
		},
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = 500 * time.Millisecond
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 10 * time.Second
	}
	return c
}
