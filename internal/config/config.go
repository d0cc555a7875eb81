/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	BaseURL     string // Public base URL (e.g., http://192.168.10.4:8080)
	DBBackend   DatabaseBackend
	DBDSN       string
	DataRoot    string
	MetricsBind string

	// Acquisition engine configuration
	QueueCapacity int // shared instruction queue capacity

	// Simulated stage/camera, used until a real hardware bridge is attached
	SimFrameWidth  int
	SimFrameHeight int
	SimPixelSize   string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Multi-instance event fan-out
	RedisEventsEnabled bool
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	InstanceID         string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("LUMEN_ENV", "development"),
		HTTPBind:    getEnv("LUMEN_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("LUMEN_HTTP_PORT", 8080),
		BaseURL:     getEnv("LUMEN_BASE_URL", ""),
		DBBackend:   DatabaseBackend(getEnv("LUMEN_DB_BACKEND", string(DatabaseSQLite))),
		DBDSN:       getEnv("LUMEN_DB_DSN", "file:lumenscope.db"),
		DataRoot:    getEnv("LUMEN_DATA_ROOT", "./data"),
		MetricsBind: getEnv("LUMEN_METRICS_BIND", "127.0.0.1:9000"),

		QueueCapacity: getEnvInt("LUMEN_QUEUE_CAPACITY", 256),

		SimFrameWidth:  getEnvInt("LUMEN_SIM_FRAME_WIDTH", 2048),
		SimFrameHeight: getEnvInt("LUMEN_SIM_FRAME_HEIGHT", 2048),
		SimPixelSize:   getEnv("LUMEN_SIM_PIXEL_SIZE", "20x"),

		TracingEnabled:    getEnvBool("LUMEN_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("LUMEN_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("LUMEN_TRACING_SAMPLE_RATE", 1.0),

		RedisEventsEnabled: getEnvBool("LUMEN_REDIS_EVENTS_ENABLED", false),
		RedisAddr:          getEnv("LUMEN_REDIS_ADDR", "localhost:6379"),
		RedisPassword:      getEnv("LUMEN_REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("LUMEN_REDIS_DB", 0),
		InstanceID:         getEnv("LUMEN_INSTANCE_ID", ""),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("LUMEN_DB_DSN must be provided")
	}

	if cfg.QueueCapacity < 1 {
		return nil, fmt.Errorf("LUMEN_QUEUE_CAPACITY must be at least 1, got %d", cfg.QueueCapacity)
	}

	if cfg.TracingSampleRate < 0 || cfg.TracingSampleRate > 1 {
		return nil, fmt.Errorf("LUMEN_TRACING_SAMPLE_RATE must be between 0 and 1, got %v", cfg.TracingSampleRate)
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "true" || v == "1" || v == "yes" {
			return true
		}
		if v == "false" || v == "0" || v == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}
