package pipeline

import (
	"time"

	"github.com/search-transparency/runner/internal/config"
)

// Config holds the pipeline runner's tunable parameters, sourced from
// environment variables with sensible defaults.
type Config struct {
	MaxRetries               int
	RetryDelay               time.Duration
	CollectorOutputDir       string
	ManualAuditSamplePercent int
}

// LoadConfig reads pipeline configuration from the environment.
func LoadConfig() Config {
	return Config{
		MaxRetries:               config.GetEnvInt("SCHEDULER_MAX_RETRIES", 3),
		RetryDelay:               config.GetEnvDuration("SCHEDULER_RETRY_DELAY", 10*time.Second),
		CollectorOutputDir:       config.GetEnvStr("COLLECTOR_OUTPUT_DIR", "data/serp"),
		ManualAuditSamplePercent: config.GetEnvInt("SCHEDULER_MANUAL_AUDIT_SAMPLE_PERCENT", 5),
	}
}
