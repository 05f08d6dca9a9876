// Package config loads the lectio configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// maxConfigSize bounds the configuration file read by LoadConfig.
const maxConfigSize = 1 << 20

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Model      ModelConfig      `yaml:"model"`
	Retry      RetryConfig      `yaml:"retry"`
	Engine     EngineConfig     `yaml:"engine"`
	Store      StoreConfig      `yaml:"store"`
	Reference  ReferenceConfig  `yaml:"reference"`
	Morphology MorphologyConfig `yaml:"morphology"`
	Guard      GuardConfig      `yaml:"guard"`
	Sweeper    SweeperConfig    `yaml:"sweeper"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds the HTTP listeners.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RateLimit is requests per second per client address; zero disables it.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// ModelConfig selects the language model provider.
type ModelConfig struct {
	// Provider is one of openai, gemini, vertexai, bedrock or mock.
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	ProjectID string `yaml:"project_id"`
	Location  string `yaml:"location"`
	Region    string `yaml:"region"`

	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	StrictSchema      bool    `yaml:"strict_schema"`
}

// RetryConfig bounds every model invocation.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	Jitter         float64       `yaml:"jitter"`
}

type EngineConfig struct {
	MaxTurns            int          `yaml:"max_turns"`
	FeedbackLanguage    string       `yaml:"feedback_language"`
	SerializeSessions   bool         `yaml:"serialize_sessions"`
	AnalysisParallelism int          `yaml:"analysis_parallelism"`
	Temperatures        Temperatures `yaml:"temperatures"`
}

type Temperatures struct {
	Turn     float64 `yaml:"turn"`
	Analysis float64 `yaml:"analysis"`
	Review   float64 `yaml:"review"`
}

// StoreConfig selects the session store backend.
type StoreConfig struct {
	// Backend is one of memory, sqlite, redis or firestore.
	Backend    string          `yaml:"backend"`
	SQLitePath string          `yaml:"sqlite_path"`
	Redis      RedisConfig     `yaml:"redis"`
	Firestore  FirestoreConfig `yaml:"firestore"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
	PoolSize int           `yaml:"pool_size"`
}

type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	Collection      string `yaml:"collection"`
}

// ReferenceConfig locates the reading library.
type ReferenceConfig struct {
	Catalog   string        `yaml:"catalog"`
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// MorphologyConfig points at the Latin analyzer service. An empty URL
// disables vocabulary enrichment.
type MorphologyConfig struct {
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxHints int           `yaml:"max_hints"`
}

type GuardConfig struct {
	MinRatio   float64 `yaml:"min_ratio"`
	MinShare   float64 `yaml:"min_share"`
	MixedShare float64 `yaml:"mixed_share"`
}

// SweeperConfig schedules the job that ends idle sessions.
type SweeperConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Schedule   string        `yaml:"schedule"`
	IdleAfter  time.Duration `yaml:"idle_after"`
	BatchSize  int           `yaml:"batch_size"`
	// RunTimeout bounds one sweep, including the reviews it generates.
	RunTimeout time.Duration `yaml:"run_timeout"`
}

type TracingConfig struct {
	// Exporter is one of otlp, stdout or none.
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var (
	providers = []string{"openai", "gemini", "vertexai", "bedrock", "mock"}
	backends  = []string{"memory", "sqlite", "redis", "firestore"}
	exporters = []string{"otlp", "stdout", "none"}
	levels    = []string{"debug", "info", "warn", "error"}
	formats   = []string{"text", "json"}
)

// Default returns the configuration used for every key a file leaves out.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MetricsAddr:     ":9090",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    2 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			RateLimit:       2,
			RateBurst:       10,
		},
		Model: ModelConfig{Provider: "openai", Burst: 1},
		Retry: RetryConfig{
			MaxAttempts:    3,
			BaseDelay:      time.Second,
			MaxDelay:       8 * time.Second,
			AttemptTimeout: 30 * time.Second,
			Jitter:         0.2,
		},
		Engine: EngineConfig{
			MaxTurns:            10,
			FeedbackLanguage:    "en",
			SerializeSessions:   true,
			AnalysisParallelism: 4,
			Temperatures:        Temperatures{Turn: 0.7, Analysis: 0.1, Review: 0.5},
		},
		Store: StoreConfig{
			Backend:    "memory",
			SQLitePath: "data/lectio.db",
			Redis:      RedisConfig{Addr: "localhost:6379", Prefix: "lectio:", PoolSize: 10},
			Firestore:  FirestoreConfig{Collection: "tutor_sessions"},
		},
		Reference:  ReferenceConfig{CacheSize: 256, CacheTTL: 10 * time.Minute},
		Morphology: MorphologyConfig{Timeout: 30 * time.Second, MaxHints: 20},
		Guard:      GuardConfig{MinRatio: 0.1, MinShare: 0.35, MixedShare: 0.3},
		Sweeper:    SweeperConfig{Schedule: "@every 5m", IdleAfter: 30 * time.Minute, BatchSize: 50, RunTimeout: 4 * time.Minute},
		Tracing:    TracingConfig{Exporter: "none", SampleRatio: 1},
		Log:        LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig loads configuration from a YAML file on top of Default and
// applies environment overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := readLimited(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

func readLimited(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxConfigSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(data) > maxConfigSize {
		return nil, fmt.Errorf("config file too large (max %d bytes)", maxConfigSize)
	}
	return data, nil
}

// ApplyEnv overrides fields from environment variables found by lookup.
// Provider credentials only fill empty fields.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	fill := func(key string, dst *string) {
		if *dst == "" {
			str(key, dst)
		}
	}

	str("LECTIO_ADDR", &c.Server.Addr)
	str("LECTIO_METRICS_ADDR", &c.Server.MetricsAddr)
	str("LECTIO_PROVIDER", &c.Model.Provider)
	str("LECTIO_MODEL", &c.Model.Model)
	str("LECTIO_STORE", &c.Store.Backend)
	str("LECTIO_SQLITE_PATH", &c.Store.SQLitePath)
	str("LECTIO_CATALOG", &c.Reference.Catalog)
	str("LECTIO_LOG_LEVEL", &c.Log.Level)
	str("MORPHOLOGY_URL", &c.Morphology.URL)
	str("REDIS_ADDR", &c.Store.Redis.Addr)
	str("REDIS_PASSWORD", &c.Store.Redis.Password)
	str("OTEL_TRACES_EXPORTER", &c.Tracing.Exporter)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Tracing.Endpoint)

	switch c.Model.Provider {
	case "openai":
		fill("OPENAI_API_KEY", &c.Model.APIKey)
	case "gemini":
		fill("GEMINI_API_KEY", &c.Model.APIKey)
	case "vertexai":
		fill("GOOGLE_CLOUD_PROJECT", &c.Model.ProjectID)
		fill("VERTEX_AI_LOCATION", &c.Model.Location)
	case "bedrock":
		fill("AWS_REGION", &c.Model.Region)
	}
	fill("GOOGLE_CLOUD_PROJECT", &c.Store.Firestore.ProjectID)
	fill("GOOGLE_APPLICATION_CREDENTIALS", &c.Store.Firestore.CredentialsFile)

	if v, ok := lookup("LECTIO_MAX_TURNS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxTurns = n
		}
	}
	if v, ok := lookup("LECTIO_SWEEPER_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Sweeper.Enabled = b
		}
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	out.Model.APIKey = mask(c.Model.APIKey)
	out.Store.Redis.Password = mask(c.Store.Redis.Password)
	return &out
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	oneOf := func(field, v string, allowed []string) {
		check(slices.Contains(allowed, v), "%s: %q is not one of %s", field, v, strings.Join(allowed, ", "))
	}

	oneOf("model.provider", c.Model.Provider, providers)
	oneOf("store.backend", c.Store.Backend, backends)
	oneOf("tracing.exporter", c.Tracing.Exporter, exporters)
	oneOf("log.level", strings.ToLower(c.Log.Level), levels)
	oneOf("log.format", c.Log.Format, formats)

	check(c.Retry.MaxAttempts >= 1, "retry.max_attempts must be at least 1")
	check(c.Retry.BaseDelay >= 0, "retry.base_delay must not be negative")
	check(c.Retry.AttemptTimeout >= 0, "retry.attempt_timeout must not be negative")
	check(c.Retry.Jitter >= 0 && c.Retry.Jitter < 1, "retry.jitter must be in [0, 1)")
	check(c.Engine.MaxTurns >= 2, "engine.max_turns must be at least 2")
	check(c.Engine.AnalysisParallelism >= 1, "engine.analysis_parallelism must be at least 1")
	for name, t := range map[string]float64{
		"turn": c.Engine.Temperatures.Turn, "analysis": c.Engine.Temperatures.Analysis, "review": c.Engine.Temperatures.Review,
	} {
		check(t >= 0 && t <= 2, "engine.temperatures.%s must be in [0, 2]", name)
	}
	check(c.Server.RateLimit >= 0, "server.rate_limit must not be negative")
	check(c.Model.RequestsPerSecond >= 0, "model.requests_per_second must not be negative")
	check(c.Guard.MinShare > c.Guard.MixedShare || c.Guard.MixedShare == 0,
		"guard.min_share must exceed guard.mixed_share")
	check(c.Tracing.SampleRatio >= 0 && c.Tracing.SampleRatio <= 1, "tracing.sample_ratio must be in [0, 1]")

	switch c.Store.Backend {
	case "sqlite":
		check(c.Store.SQLitePath != "", "store.sqlite_path is required for the sqlite backend")
	case "redis":
		check(c.Store.Redis.Addr != "", "store.redis.addr is required for the redis backend")
	case "firestore":
		check(c.Store.Firestore.ProjectID != "", "store.firestore.project_id is required for the firestore backend")
	}
	if c.Sweeper.Enabled {
		check(c.Sweeper.Schedule != "", "sweeper.schedule is required when the sweeper is enabled")
		check(c.Sweeper.IdleAfter > 0, "sweeper.idle_after must be positive")
		check(c.Sweeper.RunTimeout >= 0, "sweeper.run_timeout must not be negative")
	}

	return errors.Join(errs...)
}
