// Package config provides unified configuration loading for memtier.
// Precedence: defaults, then YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete memtier configuration.
type Config struct {
	// Memory configures the coordinator.
	Memory MemoryConfig `yaml:"memory"`

	// Janitor configures vector retention cleanup.
	Janitor JanitorConfig `yaml:"janitor"`

	// Audit configures cross-tier reconciliation.
	Audit AuditConfig `yaml:"audit"`

	// Redis configures the cache tier backend.
	Redis RedisConfig `yaml:"redis"`

	// Mongo configures the record tier backend.
	Mongo MongoConfig `yaml:"mongo"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`
}

// MemoryConfig configures the memory coordinator.
type MemoryConfig struct {
	// AllowedClients is the client allow-list. Empty means unrestricted.
	AllowedClients []string `yaml:"allowed_clients"`
	// CacheTTL bounds staleness of cached retrieval results.
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// PruneDays is the default age threshold for pruning.
	PruneDays int `yaml:"prune_days"`
	// MinImportance is the default retention score floor.
	MinImportance float64 `yaml:"min_importance"`
	// SummarizeThreshold is the text length above which pruning summarizes
	// before archiving.
	SummarizeThreshold int `yaml:"summarize_threshold"`
	// MaxChunkSize bounds summarization chunk sizes in characters.
	MaxChunkSize int `yaml:"max_chunk_size"`
	// TierTimeout bounds each per-tier call during retrieve.
	TierTimeout time.Duration `yaml:"tier_timeout"`
}

// JanitorConfig configures the retention janitor.
type JanitorConfig struct {
	// SimilarityThreshold marks vector pairs at or above it as duplicates.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	// MaxDeletionPercentage aborts cleanup when exceeded.
	MaxDeletionPercentage float64 `yaml:"max_deletion_percentage"`
	// DryRun detects without deleting.
	DryRun bool `yaml:"dry_run"`
	// BatchSize bounds the pairwise comparison window.
	BatchSize int `yaml:"batch_size"`
}

// AuditConfig configures the consistency auditor.
type AuditConfig struct {
	// ExpiryDays is the conversation staleness cutoff.
	ExpiryDays int `yaml:"expiry_days"`
	// SampleSize bounds orphan and missing-embedding scans.
	SampleSize int `yaml:"sample_size"`
}

// RedisConfig configures the Redis cache tier.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// MongoConfig configures the MongoDB record tier.
type MongoConfig struct {
	URI      string        `yaml:"uri"`
	Database string        `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Memory: MemoryConfig{
			CacheTTL:           300 * time.Second,
			PruneDays:          180,
			MinImportance:      0.3,
			SummarizeThreshold: 200,
			MaxChunkSize:       4000,
			TierTimeout:        5 * time.Second,
		},
		Janitor: JanitorConfig{
			SimilarityThreshold:   0.98,
			MaxDeletionPercentage: 5.0,
			DryRun:                false,
			BatchSize:             1000,
		},
		Audit: AuditConfig{
			ExpiryDays: 30,
			SampleSize: 100,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "memtier",
			Timeout:  10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, and environment
// variables, in that order of precedence.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides configuration from recognized environment variables.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("ALLOWED_CLIENTS"); v != "" {
		cfg.Memory.AllowedClients = splitList(v)
	}
	if v := os.Getenv("CACHE_TTL_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CACHE_TTL_SECONDS %q: %w", v, err)
		}
		cfg.Memory.CacheTTL = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("PRUNE_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PRUNE_DAYS %q: %w", v, err)
		}
		cfg.Memory.PruneDays = days
	}
	if v := os.Getenv("MIN_IMPORTANCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid MIN_IMPORTANCE %q: %w", v, err)
		}
		cfg.Memory.MinImportance = f
	}
	if v := os.Getenv("SIMILARITY_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid SIMILARITY_THRESHOLD %q: %w", v, err)
		}
		cfg.Janitor.SimilarityThreshold = f
	}
	if v := os.Getenv("MAX_DELETION_PERCENTAGE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid MAX_DELETION_PERCENTAGE %q: %w", v, err)
		}
		cfg.Janitor.MaxDeletionPercentage = f
	}
	if v := os.Getenv("DRY_RUN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DRY_RUN %q: %w", v, err)
		}
		cfg.Janitor.DryRun = b
	}
	if v := os.Getenv("EXPIRY_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid EXPIRY_DAYS %q: %w", v, err)
		}
		cfg.Audit.ExpiryDays = days
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("MONGO_DATABASE"); v != "" {
		cfg.Mongo.Database = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Memory.CacheTTL <= 0 {
		return fmt.Errorf("memory.cache_ttl must be positive")
	}
	if c.Memory.MinImportance < 0 || c.Memory.MinImportance > 1 {
		return fmt.Errorf("memory.min_importance must be in [0,1]")
	}
	if c.Janitor.SimilarityThreshold <= 0 || c.Janitor.SimilarityThreshold > 1 {
		return fmt.Errorf("janitor.similarity_threshold must be in (0,1]")
	}
	if c.Janitor.MaxDeletionPercentage < 0 || c.Janitor.MaxDeletionPercentage > 100 {
		return fmt.Errorf("janitor.max_deletion_percentage must be in [0,100]")
	}
	if c.Audit.ExpiryDays <= 0 {
		return fmt.Errorf("audit.expiry_days must be positive")
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
