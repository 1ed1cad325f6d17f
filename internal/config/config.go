// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type RegistryConfig struct {
	DefaultUses              int    `yaml:"default_uses"`
	TokenMode                string `yaml:"token_mode"` // alphabet | numeric
	TokenLength              int    `yaml:"token_length"`
	TokenAlphabet            string `yaml:"token_alphabet"`
	NumericCap               int64  `yaml:"numeric_cap"`
	AllowMultipleRedemptions bool   `yaml:"allow_multiple_redemptions"`
	CaseInsensitiveTokens    *bool  `yaml:"case_insensitive_tokens"` // nil -> true
	MaxGenerateAttempts      int    `yaml:"max_generate_attempts"`
	UUIDPrincipals           bool   `yaml:"uuid_principals"`
}

// CaseInsensitive resolves the tri-state flag.
func (r RegistryConfig) CaseInsensitive() bool {
	return r.CaseInsensitiveTokens == nil || *r.CaseInsensitiveTokens
}

type FileStoreConfig struct {
	Path         string `yaml:"path"`
	BackupSuffix string `yaml:"backup_suffix"`
}

type BoltStoreConfig struct {
	Path   string `yaml:"path"`
	Bucket string `yaml:"bucket"`
}

type RedisStoreConfig struct {
	Key string `yaml:"key"`
}

type PostgresStoreConfig struct {
	URL   string `yaml:"url"`
	Table string `yaml:"table"`
}

type StorageConfig struct {
	Backend  string              `yaml:"backend"` // file | bolt | redis | postgres
	File     FileStoreConfig     `yaml:"file"`
	Bolt     BoltStoreConfig     `yaml:"bolt"`
	Redis    RedisStoreConfig    `yaml:"redis"`
	Postgres PostgresStoreConfig `yaml:"postgres"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type HTTPConfig struct {
	Port         int           `yaml:"port"`
	APIKey       string        `yaml:"api_key"`
	JWTSecret    string        `yaml:"jwt_secret"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
	SecureCookie bool          `yaml:"secure_cookie"`
}

type DispatchConfig struct {
	Mode       string        `yaml:"mode"` // noop | webhook
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
	Retries    int           `yaml:"retries"`
	Workers    int           `yaml:"workers"`
}

type AutosaveConfig struct {
	Interval time.Duration `yaml:"interval"` // 0 disables
}

type RateLimitConfig struct {
	Backend string        `yaml:"backend"` // memory | redis | off
	Limit   int           `yaml:"limit"`
	Window  time.Duration `yaml:"window"`
}

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Registry  RegistryConfig  `yaml:"registry"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	HTTP      HTTPConfig      `yaml:"http"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Autosave  AutosaveConfig  `yaml:"autosave"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	Runtime RuntimeConfig `yaml:"-"`
}

// Default returns a config with every default applied and no file read.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// LoadConfig reads the YAML file at path, applies .env / environment
// overrides, fills defaults and validates. A missing file is an error.
func LoadConfig(path string, dev bool) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, err
	}
	cfg.Runtime.Dev = dev
	return cfg, nil
}

// Parse decodes YAML bytes into a validated config.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyEnv() {
	if v := os.Getenv("CCODE_API_KEY"); v != "" {
		cfg.HTTP.APIKey = v
	}
	if v := os.Getenv("CCODE_JWT_SECRET"); v != "" {
		cfg.HTTP.JWTSecret = v
	}
	if v := os.Getenv("CCODE_DATABASE_URL"); v != "" {
		cfg.Storage.Postgres.URL = v
	}
	if v := os.Getenv("CCODE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	r := &cfg.Registry
	if r.DefaultUses <= 0 {
		r.DefaultUses = 1
	}
	r.TokenMode = strings.ToLower(strings.TrimSpace(r.TokenMode))
	if r.TokenMode == "" {
		r.TokenMode = "alphabet"
	}
	if r.TokenLength <= 0 {
		r.TokenLength = 6
	}
	if r.TokenAlphabet == "" {
		r.TokenAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	}
	if r.NumericCap <= 0 {
		r.NumericCap = 9999
	}
	if r.MaxGenerateAttempts <= 0 {
		r.MaxGenerateAttempts = 1000
	}

	s := &cfg.Storage
	s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
	if s.Backend == "" {
		s.Backend = "file"
	}
	if s.File.Path == "" {
		s.File.Path = "data/codes.jsonl"
	}
	if s.File.BackupSuffix == "" {
		s.File.BackupSuffix = ".bck"
	}
	if s.Bolt.Path == "" {
		s.Bolt.Path = "data/codes.db"
	}
	if s.Bolt.Bucket == "" {
		s.Bolt.Bucket = "codes"
	}
	if s.Redis.Key == "" {
		s.Redis.Key = "ccode:records"
	}
	if s.Postgres.Table == "" {
		s.Postgres.Table = "code_records"
	}

	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.SessionTTL <= 0 {
		cfg.HTTP.SessionTTL = 30 * time.Minute
	}

	if cfg.Dispatch.Mode == "" {
		cfg.Dispatch.Mode = "noop"
	}
	if cfg.Dispatch.Timeout <= 0 {
		cfg.Dispatch.Timeout = 5 * time.Second
	}
	if cfg.Dispatch.Workers <= 0 {
		cfg.Dispatch.Workers = 4
	}

	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = "memory"
	}
	if cfg.RateLimit.Limit <= 0 {
		cfg.RateLimit.Limit = 10
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = time.Minute
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (cfg *Config) Validate() error {
	switch cfg.Registry.TokenMode {
	case "alphabet":
		if len(cfg.Registry.TokenAlphabet) < 2 {
			return errors.New("registry.token_alphabet needs at least 2 characters")
		}
	case "numeric":
	default:
		return fmt.Errorf("registry.token_mode %q must be alphabet or numeric", cfg.Registry.TokenMode)
	}

	switch cfg.Storage.Backend {
	case "file", "bolt":
	case "redis":
		if cfg.Redis.URL == "" {
			return errors.New("redis.url is required for storage.backend=redis")
		}
	case "postgres":
		if cfg.Storage.Postgres.URL == "" {
			return errors.New("storage.postgres.url is required for storage.backend=postgres")
		}
	default:
		return fmt.Errorf("storage.backend %q must be file, bolt, redis or postgres", cfg.Storage.Backend)
	}

	switch cfg.Dispatch.Mode {
	case "noop":
	case "webhook":
		if cfg.Dispatch.WebhookURL == "" {
			return errors.New("dispatch.webhook_url is required for dispatch.mode=webhook")
		}
	default:
		return fmt.Errorf("dispatch.mode %q must be noop or webhook", cfg.Dispatch.Mode)
	}

	switch cfg.RateLimit.Backend {
	case "memory", "off":
	case "redis":
		if cfg.Redis.URL == "" {
			return errors.New("redis.url is required for rate_limit.backend=redis")
		}
	default:
		return fmt.Errorf("rate_limit.backend %q must be memory, redis or off", cfg.RateLimit.Backend)
	}
	return nil
}
