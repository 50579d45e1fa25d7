package dispatcher

import (
	"research/internal/config"
	"time"
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize      int           // pending events per job (default: 1024)
	Shards          int           // lock stripes for the lane table (default: 8)
	DeliveryTimeout time.Duration // bound on one broadcast (default: 10s)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:      config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 1024),
		Shards:          config.GetIntEnv("DISPATCHER_SHARDS", 8),
		DeliveryTimeout: config.GetDurationEnv("DISPATCHER_DELIVERY_TIMEOUT", 10*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.Shards <= 0 {
		c.Shards = 8
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	return c
}
