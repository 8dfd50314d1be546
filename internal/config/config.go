package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for a matchflow process.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Bus       BusConfig
	Tracker   TrackerConfig
	Matching  MatchingConfig
	Inference InferenceConfig
	Stages    StageConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	APIKeyHash      string
	RateLimitPerMin int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type BusConfig struct {
	Driver         string
	NATSURL        string
	Stream         string
	MaxDeliver     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	AckWait        time.Duration
}

type TrackerConfig struct {
	Backend string
	TTL     time.Duration
}

// MatchingConfig holds the acceptance thresholds of the aggregation engine.
type MatchingConfig struct {
	BestMin float64
	ConsMin int
	Accept  float64
	TopK    int
}

type InferenceConfig struct {
	BaseURL string
	Timeout time.Duration
}

// StageConfig holds the per-consumer prefetch limits.
type StageConfig struct {
	SegmentationConcurrency int
	FeatureConcurrency      int
	MatchingConcurrency     int
	PhaseConcurrency        int
	EvidenceConcurrency     int
}

var validBusDrivers = map[string]bool{
	"nats":   true,
	"memory": true,
}

var validTrackerBackends = map[string]bool{
	"redis":  true,
	"memory": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("MATCHFLOW_PORT", 8080),
			Env:             envString("MATCHFLOW_ENV", "development"),
			APIKeyHash:      os.Getenv("API_KEY_HASH"),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Bus: BusConfig{
			Driver:         envString("BUS_DRIVER", "nats"),
			NATSURL:        os.Getenv("NATS_URL"),
			Stream:         envString("BUS_STREAM", "MATCHFLOW"),
			MaxDeliver:     envInt("BUS_MAX_DELIVER", 10),
			RetryBaseDelay: envDuration("BUS_RETRY_BASE_DELAY", time.Second),
			RetryMaxDelay:  envDuration("BUS_RETRY_MAX_DELAY", time.Minute),
			AckWait:        envDuration("BUS_ACK_WAIT", 5*time.Minute),
		},
		Tracker: TrackerConfig{
			Backend: envString("TRACKER_BACKEND", "redis"),
			TTL:     envDuration("TRACKER_TTL", 24*time.Hour),
		},
		Matching: MatchingConfig{
			BestMin: envFloat("MATCH_BEST_MIN", 0.88),
			ConsMin: envInt("MATCH_CONS_MIN", 2),
			Accept:  envFloat("MATCH_ACCEPT", 0.80),
			TopK:    envInt("MATCH_TOP_K", 20),
		},
		Inference: InferenceConfig{
			BaseURL: envString("INFERENCE_BASE_URL", "http://localhost:9000"),
			Timeout: envDurationSecs("INFERENCE_TIMEOUT_SECS", 60*time.Second),
		},
		Stages: StageConfig{
			SegmentationConcurrency: envInt("SEGMENTATION_CONCURRENCY", 1),
			FeatureConcurrency:      envInt("FEATURE_CONCURRENCY", 2),
			MatchingConcurrency:     envInt("MATCHING_CONCURRENCY", 1),
			PhaseConcurrency:        envInt("PHASE_CONCURRENCY", 16),
			EvidenceConcurrency:     envInt("EVIDENCE_CONCURRENCY", 8),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validBusDrivers[c.Bus.Driver] {
		return fmt.Errorf("BUS_DRIVER must be one of nats, memory; got %q", c.Bus.Driver)
	}
	if c.Bus.Driver == "nats" && c.Bus.NATSURL == "" {
		return fmt.Errorf("NATS_URL is required when BUS_DRIVER is nats")
	}
	if c.Bus.MaxDeliver < 1 {
		return fmt.Errorf("BUS_MAX_DELIVER must be at least 1, got %d", c.Bus.MaxDeliver)
	}

	if !validTrackerBackends[c.Tracker.Backend] {
		return fmt.Errorf("TRACKER_BACKEND must be one of redis, memory; got %q", c.Tracker.Backend)
	}

	if !unitInterval(c.Matching.BestMin) {
		return fmt.Errorf("MATCH_BEST_MIN must be within [0,1], got %v", c.Matching.BestMin)
	}
	if !unitInterval(c.Matching.Accept) {
		return fmt.Errorf("MATCH_ACCEPT must be within [0,1], got %v", c.Matching.Accept)
	}
	if c.Matching.ConsMin < 1 {
		return fmt.Errorf("MATCH_CONS_MIN must be at least 1, got %d", c.Matching.ConsMin)
	}
	if c.Matching.TopK < 1 {
		return fmt.Errorf("MATCH_TOP_K must be at least 1, got %d", c.Matching.TopK)
	}

	if !strings.HasPrefix(c.Inference.BaseURL, "http://") && !strings.HasPrefix(c.Inference.BaseURL, "https://") {
		return fmt.Errorf("INFERENCE_BASE_URL must start with http:// or https://, got %q", c.Inference.BaseURL)
	}

	for name, v := range map[string]int{
		"SEGMENTATION_CONCURRENCY": c.Stages.SegmentationConcurrency,
		"FEATURE_CONCURRENCY":      c.Stages.FeatureConcurrency,
		"MATCHING_CONCURRENCY":     c.Stages.MatchingConcurrency,
		"PHASE_CONCURRENCY":        c.Stages.PhaseConcurrency,
		"EVIDENCE_CONCURRENCY":     c.Stages.EvidenceConcurrency,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, v)
		}
	}

	return nil
}

func unitInterval(v float64) bool {
	return v >= 0 && v <= 1
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
