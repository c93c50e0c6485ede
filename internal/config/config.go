package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	FleetPath     string
	Queue         QueueConfig
	Worker        WorkerConfig
	Rollout       RolloutConfig
	StateStore    StateStoreConfig
	API           APIConfig
	Observability ObservabilityConfig
}

// QueueConfig configures the in-memory task queue
type QueueConfig struct {
	BufferSize int
}

// WorkerConfig configures the rollout coordinator behavior
type WorkerConfig struct {
	PollInterval  time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	Concurrency   int
}

// RolloutConfig carries process-wide rollout defaults. Per-group plans
// in the fleet manifest override these.
type RolloutConfig struct {
	SoakTime       time.Duration
	MaxFailureRate float64
	PolicyExpr     string
}

// StateStoreConfig configures the state store
type StateStoreConfig struct {
	Type       string
	SQLitePath string
}

// APIConfig configures the HTTP API server
type APIConfig struct {
	Enabled  bool
	Port     int
	APIKey   string
	ReadOnly bool
}

// ObservabilityConfig configures logging and metrics
type ObservabilityConfig struct {
	LogLevel        string
	MetricsPort     int
	HealthCheckPort int
}

// Load loads configuration from environment variables and the fleet
// manifest.
func Load() (*Config, error) {
	fleetPath := getEnv("PATCHLINE_FLEET", "fleet.yml")

	// Fleet manifest defaults feed the worker's poll and soak settings.
	var pollInterval, soakTime time.Duration
	if data, err := os.ReadFile(fleetPath); err == nil {
		var fleetDefaults struct {
			Defaults struct {
				PollInterval string `yaml:"pollInterval"`
				SoakTime     string `yaml:"soakTime"`
			} `yaml:"defaults"`
		}
		if err := yaml.Unmarshal(data, &fleetDefaults); err == nil {
			if fleetDefaults.Defaults.PollInterval != "" {
				if d, err := parseInterval(fleetDefaults.Defaults.PollInterval); err == nil {
					pollInterval = d
				}
			}
			if fleetDefaults.Defaults.SoakTime != "" {
				if d, err := parseInterval(fleetDefaults.Defaults.SoakTime); err == nil {
					soakTime = d
				}
			}
		}
	}

	if pollInterval == 0 {
		pollInterval = 5 * time.Second
	}
	if soakTime == 0 {
		soakTime = time.Hour
	}

	cfg := &Config{
		FleetPath: fleetPath,
		Queue: QueueConfig{
			BufferSize: getEnvInt("QUEUE_BUFFER_SIZE", 1000),
		},
		Worker: WorkerConfig{
			PollInterval:  pollInterval,
			RetryAttempts: getEnvInt("WORKER_RETRY_ATTEMPTS", 3),
			RetryBackoff:  getEnvDuration("WORKER_RETRY_BACKOFF", 10*time.Second),
			Concurrency:   getEnvInt("WORKER_CONCURRENCY", 3),
		},
		Rollout: RolloutConfig{
			SoakTime:       soakTime,
			MaxFailureRate: getEnvFloat("ROLLOUT_MAX_FAILURE_RATE", 0.01),
			PolicyExpr:     getEnv("ROLLOUT_POLICY_EXPR", ""),
		},
		StateStore: StateStoreConfig{
			Type:       getEnv("STATE_STORE_TYPE", "sqlite"),
			SQLitePath: getEnv("SQLITE_PATH", "patchline.db"),
		},
		API: APIConfig{
			Enabled:  getEnvBool("API_ENABLED", true),
			Port:     getEnvInt("API_PORT", 8080),
			APIKey:   getEnv("API_KEY", ""),
			ReadOnly: getEnvBool("API_READ_ONLY", false),
		},
		Observability: ObservabilityConfig{
			LogLevel:        getEnv("LOG_LEVEL", "info"),
			MetricsPort:     getEnvInt("METRICS_PORT", 9090),
			HealthCheckPort: getEnvInt("HEALTH_CHECK_PORT", 8081),
		},
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.FleetPath == "" {
		return fmt.Errorf("fleet manifest path is required")
	}

	if _, err := os.Stat(c.FleetPath); os.IsNotExist(err) {
		return fmt.Errorf("fleet manifest not found: %s", c.FleetPath)
	}

	if c.StateStore.Type != "sqlite" && c.StateStore.Type != "memory" {
		return fmt.Errorf("invalid state store type: %s (must be sqlite or memory)", c.StateStore.Type)
	}

	if c.StateStore.Type == "sqlite" && c.StateStore.SQLitePath == "" {
		return fmt.Errorf("sqlite path is required when using sqlite state store")
	}

	if c.Rollout.MaxFailureRate < 0 || c.Rollout.MaxFailureRate > 1 {
		return fmt.Errorf("max failure rate must be within [0, 1], got %f", c.Rollout.MaxFailureRate)
	}

	if c.Queue.BufferSize <= 0 {
		return fmt.Errorf("queue buffer size must be positive, got %d", c.Queue.BufferSize)
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be positive, got %d", c.Worker.Concurrency)
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intValue int
		if _, err := fmt.Sscanf(value, "%d", &intValue); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var floatValue float64
		if _, err := fmt.Sscanf(value, "%f", &floatValue); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// parseInterval parses interval notation (e.g., "2m", "3h", "7d") into time.Duration
func parseInterval(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("invalid interval format: %s", interval)
	}

	unit := interval[len(interval)-1]
	valueStr := interval[:len(interval)-1]

	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return 0, fmt.Errorf("invalid interval value: %s", interval)
	}

	if value <= 0 {
		return 0, fmt.Errorf("interval value must be positive: %s", interval)
	}

	switch unit {
	case 's':
		return time.Duration(value) * time.Second, nil
	case 'm':
		return time.Duration(value) * time.Minute, nil
	case 'h':
		return time.Duration(value) * time.Hour, nil
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid interval unit (must be s, m, h, or d): %s", interval)
	}
}
