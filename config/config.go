package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Provider     ProviderConfig     `yaml:"provider"`
	Storage      StorageConfig      `yaml:"storage"`
	Redis        RedisConfig        `yaml:"redis"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig configures the HTTP trigger surface
type ServerConfig struct {
	Port string `yaml:"port"`
	// TickSecret, when set, must be presented as a bearer token on the tick endpoint
	TickSecret string `yaml:"tick_secret"`
}

// DatabaseConfig points at the Postgres job store
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// ProviderConfig configures the GPU provider endpoint
type ProviderConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig configures the S3-compatible object store
type StorageConfig struct {
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	DatasetBucket   string        `yaml:"dataset_bucket"`
	ModelsBucket    string        `yaml:"models_bucket"`
	SignedURLTTL    time.Duration `yaml:"signed_url_ttl"`
	Timeout         time.Duration `yaml:"timeout"`
}

// RedisConfig configures the shared tick lease. An empty Addr disables it.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LeaseKey string        `yaml:"lease_key"`
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// OrchestratorConfig tunes each tick
type OrchestratorConfig struct {
	SubmitBatchSize      int           `yaml:"submit_batch_size"`
	ReconcileBatchSize   int           `yaml:"reconcile_batch_size"`
	MaterializeBatchSize int           `yaml:"materialize_batch_size"`
	MaxParallelJobs      int           `yaml:"max_parallel_jobs"`
	BaseModel            string        `yaml:"base_model"`
	CallbackURL          string        `yaml:"callback_url"`
	StaleSubmissionAfter time.Duration `yaml:"stale_submission_after"`
	TickInterval         time.Duration `yaml:"tick_interval"`
}

// LogConfig configures logrus
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
	// File, when set, also writes logs to a rotated file
	File string `yaml:"file"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Database: DatabaseConfig{
			URL: "postgres://localhost/training_orchestrator?sslmode=disable",
		},
		Provider: ProviderConfig{Timeout: 30 * time.Second},
		Storage: StorageConfig{
			Region:        "us-east-1",
			DatasetBucket: "lora-datasets",
			ModelsBucket:  "lora-models",
			SignedURLTTL:  24 * time.Hour,
			Timeout:       30 * time.Second,
		},
		Redis: RedisConfig{
			LeaseKey: "training-orchestrator:tick",
			LeaseTTL: 5 * time.Minute,
		},
		Orchestrator: OrchestratorConfig{
			SubmitBatchSize:      5,
			ReconcileBatchSize:   50,
			MaterializeBatchSize: 10,
			MaxParallelJobs:      4,
			BaseModel:            "mistralai/Mistral-7B-v0.1",
			StaleSubmissionAfter: 10 * time.Minute,
			TickInterval:         30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE if set, then environment variables
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("unmarshal config failed: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Server.Port = getEnv("SERVER_PORT", c.Server.Port)
	c.Server.TickSecret = getEnv("TICK_SECRET", c.Server.TickSecret)
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)

	c.Provider.URL = getEnv("GPU_CLUSTER_API_URL", c.Provider.URL)
	c.Provider.APIKey = getEnv("GPU_CLUSTER_API_KEY", c.Provider.APIKey)

	c.Storage.Region = getEnv("AWS_REGION", c.Storage.Region)
	c.Storage.Endpoint = getEnv("S3_ENDPOINT", c.Storage.Endpoint)
	c.Storage.AccessKeyID = getEnv("S3_ACCESS_KEY_ID", c.Storage.AccessKeyID)
	c.Storage.SecretAccessKey = getEnv("S3_SECRET_ACCESS_KEY", c.Storage.SecretAccessKey)
	c.Storage.DatasetBucket = getEnv("DATASET_BUCKET", c.Storage.DatasetBucket)
	c.Storage.ModelsBucket = getEnv("MODELS_BUCKET", c.Storage.ModelsBucket)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.LeaseKey = getEnv("TICK_LEASE_KEY", c.Redis.LeaseKey)

	c.Orchestrator.BaseModel = getEnv("BASE_MODEL", c.Orchestrator.BaseModel)
	c.Orchestrator.CallbackURL = getEnv("CALLBACK_URL", c.Orchestrator.CallbackURL)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)

	durations := map[string]*time.Duration{
		"PROVIDER_TIMEOUT":       &c.Provider.Timeout,
		"STORAGE_TIMEOUT":        &c.Storage.Timeout,
		"SIGNED_URL_TTL":         &c.Storage.SignedURLTTL,
		"TICK_LEASE_TTL":         &c.Redis.LeaseTTL,
		"STALE_SUBMISSION_AFTER": &c.Orchestrator.StaleSubmissionAfter,
		"TICK_INTERVAL":          &c.Orchestrator.TickInterval,
	}
	for key, target := range durations {
		if err := envDuration(key, target); err != nil {
			return err
		}
	}

	ints := map[string]*int{
		"REDIS_DB":               &c.Redis.DB,
		"SUBMIT_BATCH_SIZE":      &c.Orchestrator.SubmitBatchSize,
		"RECONCILE_BATCH_SIZE":   &c.Orchestrator.ReconcileBatchSize,
		"MATERIALIZE_BATCH_SIZE": &c.Orchestrator.MaterializeBatchSize,
		"MAX_PARALLEL_JOBS":      &c.Orchestrator.MaxParallelJobs,
	}
	for key, target := range ints {
		if err := envInt(key, target); err != nil {
			return err
		}
	}

	return envBool("S3_USE_PATH_STYLE", &c.Storage.UsePathStyle)
}

// Validate rejects settings no tick could run with
func (c *Config) Validate() error {
	if c.Orchestrator.SubmitBatchSize < 0 || c.Orchestrator.ReconcileBatchSize < 0 ||
		c.Orchestrator.MaterializeBatchSize < 0 || c.Orchestrator.MaxParallelJobs < 0 {
		return fmt.Errorf("batch sizes and parallelism must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format %q", c.Log.Format)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envDuration(key string, target *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*target = d
	return nil
}

func envInt(key string, target *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*target = n
	return nil
}

func envBool(key string, target *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*target = b
	return nil
}
