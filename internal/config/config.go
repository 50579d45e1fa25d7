// Package config provides configuration loading from environment variables.
package config

import (
	"path/filepath"
	"time"
)

// ServiceConfig holds configuration for the research service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	DataDir          string // Root for job working directories and artifacts
	DatabasePath     string
	PersonaCount     int
	ChatHistoryLimit int // Turns included in snapshots and chat prompts
	StoreRetries     int // Attempts for a failed store write before the job fails
	MaxDescription   int // Upper bound on request description length in bytes
	WSWriteTimeout   time.Duration
	WorkerDrainWait  time.Duration // Time to let running pipelines finish on shutdown

	CreatePerMinute int // Sustained job creations allowed per minute (0 disables the limit)
	CreateBurst     int
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	dataDir := GetEnv("DATA_DIR", "./data")
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		DataDir:           dataDir,
		DatabasePath:      GetEnv("DATABASE_PATH", filepath.Join(dataDir, "research.db")),
		PersonaCount:      GetIntEnv("PERSONA_COUNT", 4),
		ChatHistoryLimit:  GetIntEnv("CHAT_HISTORY_LIMIT", 50),
		StoreRetries:      GetIntEnv("STORE_WRITE_RETRIES", 3),
		MaxDescription:    GetIntEnv("MAX_DESCRIPTION_BYTES", 8192),
		WSWriteTimeout:    GetDurationEnv("WS_WRITE_TIMEOUT", 10*time.Second),
		WorkerDrainWait:   GetDurationEnv("WORKER_DRAIN_WAIT", 30*time.Second),
		CreatePerMinute:   GetIntEnv("CREATE_JOBS_PER_MINUTE", 60),
		CreateBurst:       GetIntEnv("CREATE_JOBS_BURST", 10),
	}
}
