package config

import (
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configPathEnv     = "IMAGEGUARD_CONFIG"
	logLevelEnv       = "IMAGEGUARD_LOG_LEVEL"
	inferenceURLEnv   = "IMAGEGUARD_INFERENCE_URL"
	inferenceKeyEnv   = "IMAGEGUARD_INFERENCE_API_KEY"
	httpAddrEnv       = "IMAGEGUARD_HTTP_ADDR"
	databaseDSNEnv    = "DATABASE_DSN"
	databaseDriverEnv = "DATABASE_DRIVER"

	defaultCacheTTL = 30 * time.Minute
)

var defaultBlockingLabels = []string{"Porn", "Sexy", "Hentai"}

// Config holds high-level settings required across the application.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Server   ServerConfig   `yaml:"server"`
	Engine   EngineConfig   `yaml:"engine"`
	Cache    CacheConfig    `yaml:"cache"`
	Images   ImagesConfig   `yaml:"images"`
	Blocking BlockingConfig `yaml:"blocking"`
	Storage  StorageConfig  `yaml:"storage"`
}

// LoggingConfig selects the slog level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// EngineConfig describes the model-serving endpoint and dispatch limits.
type EngineConfig struct {
	InferenceURL string        `yaml:"inferenceUrl"`
	APIKey       string        `yaml:"apiKey"`
	Timeout      time.Duration `yaml:"timeout"`
	Concurrency  int           `yaml:"concurrency"`
	ReadyBackoff time.Duration `yaml:"readyBackoff"`
}

// CacheConfig controls record retention.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// ImagesConfig bounds which images are worth classifying.
type ImagesConfig struct {
	MinWidth  int   `yaml:"minWidth"`
	MinHeight int   `yaml:"minHeight"`
	MaxBytes  int64 `yaml:"maxBytes"`
}

// BlockingConfig lists the labels whose top score blocks an image.
type BlockingConfig struct {
	Labels []string `yaml:"labels"`
}

// StorageConfig points at the optional verdict store. An empty DSN disables it.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Load reads YAML configuration (if present) and applies environment overrides.
func Load() Config {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.Validate()

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv(httpAddrEnv); v != "" {
		c.Server.Addr = v
	}

	if v := os.Getenv(inferenceURLEnv); v != "" {
		c.Engine.InferenceURL = v
	}

	if v := os.Getenv(inferenceKeyEnv); v != "" {
		c.Engine.APIKey = v
	}

	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Storage.DSN = v
	}

	if v := os.Getenv(databaseDriverEnv); v != "" {
		c.Storage.Driver = v
	}
}

// Validate replaces out-of-range values with defaults.
func (c *Config) Validate() {
	d := defaultConfig()

	if c.Engine.Concurrency < 1 {
		c.Engine.Concurrency = 1
	}
	if c.Engine.Timeout <= 0 {
		c.Engine.Timeout = d.Engine.Timeout
	}
	if c.Engine.ReadyBackoff <= 0 {
		c.Engine.ReadyBackoff = d.Engine.ReadyBackoff
	}
	c.Engine.InferenceURL = strings.TrimRight(c.Engine.InferenceURL, "/")

	if c.Cache.TTL <= 0 {
		c.Cache.TTL = defaultCacheTTL
	}
	if c.Cache.SweepInterval <= 0 {
		c.Cache.SweepInterval = c.Cache.TTL
	}

	if c.Images.MinWidth < 0 {
		c.Images.MinWidth = 0
	}
	if c.Images.MinHeight < 0 {
		c.Images.MinHeight = 0
	}
	if c.Images.MaxBytes <= 0 {
		c.Images.MaxBytes = d.Images.MaxBytes
	}

	labels := c.Blocking.Labels[:0:0]
	for _, l := range c.Blocking.Labels {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}
	if len(labels) == 0 {
		labels = append([]string(nil), defaultBlockingLabels...)
	}
	c.Blocking.Labels = labels

	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = d.Storage.Driver
	}
}

func mergeConfig(base, override Config) Config {
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}

	if override.Server.Addr != "" {
		base.Server.Addr = override.Server.Addr
	}
	if override.Server.ShutdownTimeout != 0 {
		base.Server.ShutdownTimeout = override.Server.ShutdownTimeout
	}

	if override.Engine.InferenceURL != "" {
		base.Engine.InferenceURL = override.Engine.InferenceURL
	}
	if override.Engine.APIKey != "" {
		base.Engine.APIKey = override.Engine.APIKey
	}
	if override.Engine.Timeout != 0 {
		base.Engine.Timeout = override.Engine.Timeout
	}
	if override.Engine.Concurrency != 0 {
		base.Engine.Concurrency = override.Engine.Concurrency
	}
	if override.Engine.ReadyBackoff != 0 {
		base.Engine.ReadyBackoff = override.Engine.ReadyBackoff
	}

	if override.Cache.TTL != 0 {
		base.Cache.TTL = override.Cache.TTL
	}
	if override.Cache.SweepInterval != 0 {
		base.Cache.SweepInterval = override.Cache.SweepInterval
	}

	if override.Images.MinWidth != 0 {
		base.Images.MinWidth = override.Images.MinWidth
	}
	if override.Images.MinHeight != 0 {
		base.Images.MinHeight = override.Images.MinHeight
	}
	if override.Images.MaxBytes != 0 {
		base.Images.MaxBytes = override.Images.MaxBytes
	}

	if len(override.Blocking.Labels) > 0 {
		base.Blocking.Labels = override.Blocking.Labels
	}

	if override.Storage.Driver != "" {
		base.Storage.Driver = override.Storage.Driver
	}
	if override.Storage.DSN != "" {
		base.Storage.DSN = override.Storage.DSN
	}

	return base
}

func defaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Engine: EngineConfig{
			InferenceURL: "http://localhost:8501",
			Timeout:      30 * time.Second,
			Concurrency:  1,
			ReadyBackoff: 5 * time.Second,
		},
		Cache:    CacheConfig{TTL: defaultCacheTTL},
		Images:   ImagesConfig{MinWidth: 32, MinHeight: 32, MaxBytes: 10 << 20},
		Blocking: BlockingConfig{Labels: append([]string(nil), defaultBlockingLabels...)},
		Storage:  StorageConfig{Driver: "postgres"},
	}
}
