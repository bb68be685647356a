package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Application
	AppName string
	Debug   bool
	Port    string

	// Logging
	LogLevel string
	LogJSON  bool

	// Authentication
	JWTSecret    string
	WebhookToken string // optional shared secret for the lifecycle webhook

	// State store
	RedisURL          string
	StoreRPCTimeoutMs int

	// Cloud / auto-scaling group
	AWSRegion         string
	ASGName           string
	MaxInstances      int
	WarmSpareTarget   int
	CloudRPCTimeoutMs int

	// Allocation
	AllocationTimeoutMs int

	// Idle reaper
	IdleTimeoutMs     int
	CleanupIntervalMs int
	ReaperBatchLimit  int

	// Lifecycle readiness polling
	ReadinessMaxAttempts int
	ReadinessBackoffMs   int

	// Pool / capacity reconciler
	ReconcileIntervalMs int

	// Event audit storage (both optional; empty URL disables the sink)
	DatabaseURL    string
	InfluxDBURL    string
	InfluxDBToken  string
	InfluxDBOrg    string
	InfluxDBBucket string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int
}

var AppConfig *Config

// Load loads configuration from environment
func Load() *Config {
	// Load .env file if exists
	_ = godotenv.Load()

	config := &Config{
		AppName:  getEnv("APP_NAME", "Workbench"),
		Debug:    getEnvBool("DEBUG", false),
		Port:     getEnv("PORT", "8090"),
		LogLevel: getEnv("LOG_LEVEL", "INFO"),
		LogJSON:  getEnvBool("LOG_JSON", false),

		JWTSecret:    getEnv("JWT_SECRET", ""),
		WebhookToken: getEnv("WEBHOOK_TOKEN", ""),

		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
		StoreRPCTimeoutMs: getEnvInt("STORE_RPC_TIMEOUT_MS", 2000),

		AWSRegion:         getEnv("AWS_REGION", "us-east-1"),
		ASGName:           getEnv("ASG_NAME", ""),
		MaxInstances:      getEnvInt("MAX_INSTANCES", 10),
		WarmSpareTarget:   getEnvInt("WARM_SPARE_TARGET", 1),
		CloudRPCTimeoutMs: getEnvInt("CLOUD_RPC_TIMEOUT_MS", 10000),

		AllocationTimeoutMs: getEnvInt("ALLOCATION_TIMEOUT_MS", 30000),

		IdleTimeoutMs:     getEnvInt("IDLE_TIMEOUT_MS", 300000),
		CleanupIntervalMs: getEnvInt("CLEANUP_INTERVAL_MS", 60000),
		ReaperBatchLimit:  getEnvInt("REAPER_BATCH_LIMIT", 100),

		ReadinessMaxAttempts: getEnvInt("READINESS_MAX_ATTEMPTS", 3),
		ReadinessBackoffMs:   getEnvInt("READINESS_BACKOFF_MS", 60000),

		ReconcileIntervalMs: getEnvInt("RECONCILE_INTERVAL_MS", 300000),

		DatabaseURL:    getEnv("DATABASE_URL", ""),
		InfluxDBURL:    getEnv("INFLUXDB_URL", ""),
		InfluxDBToken:  getEnv("INFLUXDB_TOKEN", ""),
		InfluxDBOrg:    getEnv("INFLUXDB_ORG", "workbench"),
		InfluxDBBucket: getEnv("INFLUXDB_BUCKET", "events"),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),
	}

	AppConfig = config
	return config
}

// Validate reports startup-fatal misconfiguration.
func (c *Config) Validate() error {
	if c.ASGName == "" {
		return fmt.Errorf("ASG_NAME is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.MaxInstances < 1 {
		return fmt.Errorf("MAX_INSTANCES must be at least 1, got %d", c.MaxInstances)
	}
	if c.WarmSpareTarget < 0 {
		return fmt.Errorf("WARM_SPARE_TARGET must not be negative, got %d", c.WarmSpareTarget)
	}
	if c.ReadinessMaxAttempts < 1 {
		return fmt.Errorf("READINESS_MAX_ATTEMPTS must be at least 1, got %d", c.ReadinessMaxAttempts)
	}
	return nil
}

func (c *Config) AllocationTimeout() time.Duration {
	return time.Duration(c.AllocationTimeoutMs) * time.Millisecond
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMs) * time.Millisecond
}

func (c *Config) ReadinessBackoff() time.Duration {
	return time.Duration(c.ReadinessBackoffMs) * time.Millisecond
}

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalMs) * time.Millisecond
}

func (c *Config) CloudRPCTimeout() time.Duration {
	return time.Duration(c.CloudRPCTimeoutMs) * time.Millisecond
}

func (c *Config) StoreRPCTimeout() time.Duration {
	return time.Duration(c.StoreRPCTimeoutMs) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("Invalid boolean for %s, using default: %v", key, defaultValue)
			return defaultValue
		}
		return boolVal
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intVal, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("Invalid integer for %s, using default: %d", key, defaultValue)
			return defaultValue
		}
		return intVal
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.Printf("Invalid float for %s, using default: %.2f", key, defaultValue)
			return defaultValue
		}
		return floatVal
	}
	return defaultValue
}
