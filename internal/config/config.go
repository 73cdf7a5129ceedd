package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	DB struct {
		URL      string `mapstructure:"url"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
		MaxConns int32  `mapstructure:"max_conns"`
	} `mapstructure:"db"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Worker struct {
		PollIntervalMs    int `mapstructure:"poll_interval_ms"`
		StaleThresholdMs  int `mapstructure:"stale_threshold_ms"`
		StageTimeoutMs    int `mapstructure:"stage_timeout_ms"`
		Concurrency       int `mapstructure:"concurrency"`
		MaxStagesPerClaim int `mapstructure:"max_stages_per_claim"`
	} `mapstructure:"worker"`
	Secrets struct {
		MasterKey string `mapstructure:"master_key"`
	} `mapstructure:"secrets"`
	Fallback struct {
		Enabled    bool     `mapstructure:"enabled"`
		Categories []string `mapstructure:"categories"`
	} `mapstructure:"fallback"`
	Blob struct {
		Driver string `mapstructure:"driver"`
		FS     struct {
			Root    string `mapstructure:"root"`
			BaseURL string `mapstructure:"base_url"`
		} `mapstructure:"fs"`
		R2 struct {
			AccountID       string `mapstructure:"account_id"`
			AccessKeyID     string `mapstructure:"access_key_id"`
			SecretAccessKey string `mapstructure:"secret_access_key"`
			Bucket          string `mapstructure:"bucket"`
			Endpoint        string `mapstructure:"endpoint"`
		} `mapstructure:"r2"`
	} `mapstructure:"blob"`
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Providers []ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig declares an HTTP-backed provider.
type ProviderConfig struct {
	ID             string  `mapstructure:"id"`
	URL            string  `mapstructure:"url"`
	TimeoutMs      int     `mapstructure:"timeout_ms"`
	RequestsPerSec float64 `mapstructure:"requests_per_sec"`
	Burst          int     `mapstructure:"burst"`
	MaxRetries     int     `mapstructure:"max_retries"`
}

// PollInterval is the idle sleep between empty poll attempts.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalMs) * time.Millisecond
}

// StaleThreshold is how long a claimed row may go without an update
// before another worker may reclaim it.
func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.Worker.StaleThresholdMs) * time.Millisecond
}

// StageTimeout bounds a single provider dispatch.
func (c *Config) StageTimeout() time.Duration {
	return time.Duration(c.Worker.StageTimeoutMs) * time.Millisecond
}

// DSN returns the Postgres connection string, preferring db.url.
func (c *Config) DSN() string {
	if c.DB.URL != "" {
		return c.DB.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

// LoadConfig loads the configuration from a file and the environment.
// An empty path searches for config.yaml in . and ./config; a missing
// file is not an error, everything can come from the environment.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.name", "flowforge")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("worker.poll_interval_ms", 2000)
	v.SetDefault("worker.stale_threshold_ms", 300000)
	v.SetDefault("worker.stage_timeout_ms", 60000)
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.max_stages_per_claim", 50)
	v.SetDefault("fallback.enabled", true)
	v.SetDefault("fallback.categories", []string{"not_configured", "provider_not_found"})
	v.SetDefault("blob.driver", "fs")
	v.SetDefault("blob.fs.root", "./data/blobs")
	v.SetDefault("server.addr", ":8080")
}

// bindLegacyEnv maps the flat variable names used by existing deployments.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("db.url", "DATABASE_URL")
	_ = v.BindEnv("worker.poll_interval_ms", "WORKER_POLL_INTERVAL_MS")
	_ = v.BindEnv("worker.stale_threshold_ms", "WORKER_STALE_RUN_MS")
	_ = v.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	_ = v.BindEnv("secrets.master_key", "SECRETS_MASTER_KEY")
	_ = v.BindEnv("blob.r2.account_id", "CF_R2_ACCOUNT_ID")
	_ = v.BindEnv("blob.r2.access_key_id", "CF_R2_ACCESS_KEY_ID")
	_ = v.BindEnv("blob.r2.secret_access_key", "CF_R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("blob.r2.bucket", "CF_R2_BUCKET_NAME")
	_ = v.BindEnv("blob.r2.endpoint", "CF_R2_ENDPOINT")
}

// Validate checks values that would otherwise fail much later.
func (c *Config) Validate() error {
	if c.Worker.PollIntervalMs <= 0 {
		return fmt.Errorf("worker.poll_interval_ms must be positive, got %d", c.Worker.PollIntervalMs)
	}
	if c.Worker.StaleThresholdMs <= 0 {
		return fmt.Errorf("worker.stale_threshold_ms must be positive, got %d", c.Worker.StaleThresholdMs)
	}
	if c.Worker.StageTimeoutMs <= 0 {
		return fmt.Errorf("worker.stage_timeout_ms must be positive, got %d", c.Worker.StageTimeoutMs)
	}
	if c.Worker.StaleThresholdMs <= c.Worker.StageTimeoutMs {
		return fmt.Errorf("worker.stale_threshold_ms (%d) must exceed worker.stage_timeout_ms (%d) or live stages get reclaimed",
			c.Worker.StaleThresholdMs, c.Worker.StageTimeoutMs)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	switch c.Blob.Driver {
	case "fs", "r2":
	default:
		return fmt.Errorf("blob.driver must be fs or r2, got %q", c.Blob.Driver)
	}
	for _, p := range c.Providers {
		if p.ID == "" || p.URL == "" {
			return errors.New("providers entries need both id and url")
		}
	}
	return nil
}
