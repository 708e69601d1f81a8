package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/V4T54L/agentlens-ingest/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	RedisAddr   string `env:"REDIS_ADDR,required"`
	PostgresURL string `env:"POSTGRES_URL,required"`

	EventStream   string `env:"EVENT_STREAM" envDefault:"agentlens:events"`
	DLQStream     string `env:"DLQ_STREAM" envDefault:"agentlens:events:dlq"`
	ConsumerGroup string `env:"CONSUMER_GROUP" envDefault:"event-writers"`
	ConsumerName  string `env:"CONSUMER_NAME"`

	BatchSize         int           `env:"BATCH_SIZE" envDefault:"50"`
	BlockMs           int           `env:"BLOCK_MS" envDefault:"5000"`
	MaxRetries        int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryBackoff      time.Duration `env:"RETRY_BACKOFF" envDefault:"2s"`
	ClaimMaxFailures  int           `env:"CLAIM_MAX_FAILURES" envDefault:"5"`
	ClaimRetryBackoff time.Duration `env:"CLAIM_RETRY_BACKOFF" envDefault:"1s"`

	DLQAppendAttempts    int           `env:"DLQ_APPEND_ATTEMPTS" envDefault:"3"`
	DLQAppendBackoff     time.Duration `env:"DLQ_APPEND_BACKOFF" envDefault:"200ms"`
	DLQSpillPath         string        `env:"DLQ_SPILL_PATH" envDefault:"./data/dlq-spill"`
	DLQSpillSegmentBytes int64         `env:"DLQ_SPILL_SEGMENT_BYTES" envDefault:"16777216"`  // 16MB
	DLQSpillMaxBytes     int64         `env:"DLQ_SPILL_MAX_BYTES" envDefault:"268435456"`     // 256MB
	DLQReplayInterval    time.Duration `env:"DLQ_REPLAY_INTERVAL" envDefault:"5s"`
	DLQReplayRate        float64       `env:"DLQ_REPLAY_RATE" envDefault:"100"`

	AdminAddr      string `env:"ADMIN_ADDR" envDefault:":9091"`
	PriceTablePath string `env:"PRICE_TABLE_PATH"`
	RunMigrations  bool   `env:"RUN_MIGRATIONS" envDefault:"true"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Block is the claim block timeout.
func (c *Config) Block() time.Duration {
	return time.Duration(c.BlockMs) * time.Millisecond
}

// priceFile is the on-disk layout of a price table override:
//
//	models:
//	  gpt-4o: {input_per_1k: 0.005, output_per_1k: 0.015}
type priceFile struct {
	Models map[string]domain.ModelPrice `yaml:"models"`
}

// LoadPriceTable returns the default prices, overridden by the YAML file at
// path when path is set.
func LoadPriceTable(path string) (domain.PriceTable, error) {
	prices := domain.DefaultPriceTable()
	if path == "" {
		return prices, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read price table %s: %w", path, err)
	}
	var f priceFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse price table %s: %w", path, err)
	}
	for model, p := range f.Models {
		if p.InputPer1K < 0 || p.OutputPer1K < 0 {
			return nil, fmt.Errorf("%w: negative price for model %q", domain.ErrInvalidConfig, model)
		}
	}
	return prices.Merge(f.Models), nil
}
