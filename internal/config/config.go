// Package config loads the server configuration from the environment and an
// optional YAML file. Environment variables take precedence over the file,
// and the file over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable, e.g. UIDLICENSE_HTTP_ADDR.
const EnvPrefix = "UIDLICENSE"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
)

// Config is the complete server configuration.
type Config struct {
	HTTPAddr        string        `yaml:"http_addr" envconfig:"HTTP_ADDR" default:":8080"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	AllowedOrigins  []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`

	// LicenseExpiry is "block" (expired licenses only block activation) or
	// "mark" (expired licenses are persisted as EXPIRED when read).
	LicenseExpiry string `yaml:"license_expiry" envconfig:"LICENSE_EXPIRY" default:"block"`

	Log       LogConfig       `yaml:"log" envconfig:"LOG"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
	Admin     AdminConfig     `yaml:"admin" envconfig:"ADMIN"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Receipts  ReceiptConfig   `yaml:"receipts" envconfig:"RECEIPTS"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format string `yaml:"format" envconfig:"FORMAT" default:"json"`
}

// StoreConfig selects and configures the storage backend.
type StoreConfig struct {
	Driver        string `yaml:"driver" envconfig:"DRIVER" default:"memory"`
	MongoURI      string `yaml:"mongo_uri" envconfig:"MONGO_URI"`
	MongoDatabase string `yaml:"mongo_database" envconfig:"MONGO_DATABASE" default:"uidlicense"`
	PostgresURL   string `yaml:"postgres_url" envconfig:"POSTGRES_URL"`
	TablePrefix   string `yaml:"table_prefix" envconfig:"TABLE_PREFIX" default:"uidlicense"`
}

// AdminConfig enables the admin API. It is disabled when JWTSecret is empty.
type AdminConfig struct {
	JWTSecret string `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	JWTIssuer string `yaml:"jwt_issuer" envconfig:"JWT_ISSUER" default:"uidlicense"`
}

// RateLimitConfig limits activation attempts per client address. RedisURL
// shares the limit across instances; otherwise it is per process.
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	Requests int           `yaml:"requests" envconfig:"REQUESTS" default:"30"`
	Window   time.Duration `yaml:"window" envconfig:"WINDOW" default:"1m"`
	RedisURL string        `yaml:"redis_url" envconfig:"REDIS_URL"`
}

// ReceiptConfig enables signed binding receipts.
type ReceiptConfig struct {
	// SigningKey is a base64 Ed25519 seed or private key.
	SigningKey string `yaml:"signing_key" envconfig:"SIGNING_KEY"`
}

// Load reads the configuration. path names an optional YAML file; a missing
// file is an error only when path is non-empty.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if path != "" {
		fileCfg, present, err := loadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
		overlay(reflect.ValueOf(&cfg).Elem(), reflect.ValueOf(fileCfg).Elem(), present, EnvPrefix)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// loadFromFile decodes the file twice: into a Config for typed values, and
// into a generic map recording which keys the file actually sets.
func loadFromFile(path string) (*Config, map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, err
	}
	present := map[string]any{}
	if err := yaml.Unmarshal(data, &present); err != nil {
		return nil, nil, err
	}
	return &cfg, present, nil
}

// overlay copies every value the file sets into dst, zero values included,
// unless the field's environment variable is set.
func overlay(dst, file reflect.Value, present map[string]any, prefix string) {
	t := dst.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key := prefix + "_" + f.Tag.Get("envconfig")
		raw, ok := present[strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]]
		if !ok {
			continue
		}
		if f.Type.Kind() == reflect.Struct {
			if sub, ok := raw.(map[string]any); ok {
				overlay(dst.Field(i), file.Field(i), sub, key)
			}
			continue
		}
		if _, set := os.LookupEnv(key); set {
			continue
		}
		dst.Field(i).Set(file.Field(i))
	}
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverMemory:
	case DriverMongo:
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("store.mongo_uri is required for the mongo driver"))
		}
	case DriverPostgres:
		if c.Store.PostgresURL == "" {
			errs = append(errs, errors.New("store.postgres_url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	switch c.LicenseExpiry {
	case "block", "mark":
	default:
		errs = append(errs, fmt.Errorf("license_expiry must be block or mark, got %q", c.LicenseExpiry))
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	if c.Admin.JWTSecret != "" && len(c.Admin.JWTSecret) < 32 {
		errs = append(errs, errors.New("admin.jwt_secret must be at least 32 bytes"))
	}

	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("rate_limit.requests and rate_limit.window must be positive"))
	}

	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be positive"))
	}

	return errors.Join(errs...)
}
