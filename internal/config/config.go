package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/example/fruit-quality/internal/imageprep"
)

// EnvPrefix namespaces every environment override, e.g. FQ_ML_SERVICE_URL
// or FQ_IMAGE__WIDTH for nested keys.
const EnvPrefix = "FQ_"

type Config struct {
	HTTPAddr        string                `koanf:"http_addr"`
	GRPCAddr        string                `koanf:"grpc_addr"`
	ShutdownTimeout time.Duration         `koanf:"shutdown_timeout"`
	LogLevel        string                `koanf:"log_level"`
	MLServiceURL    string                `koanf:"ml_service_url"`
	MLTimeout       time.Duration         `koanf:"ml_timeout"`
	HealthInterval  time.Duration         `koanf:"health_interval"`
	Image           imageprep.ImageConfig `koanf:"image"`
	DatabaseDSN     string                `koanf:"database_dsn"`
	RedisAddr       string                `koanf:"redis_addr"`
	ResultTTL       time.Duration         `koanf:"result_ttl"`
	JWTSecret       string                `koanf:"jwt_secret"`
	JWTAudience     string                `koanf:"jwt_audience"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		HTTPAddr:        ":8080",
		GRPCAddr:        ":9090",
		ShutdownTimeout: 15 * time.Second,
		LogLevel:        "info",
		MLTimeout:       30 * time.Second,
		HealthInterval:  30 * time.Second,
		Image:           imageprep.DefaultImageConfig,
		DatabaseDSN:     "host=postgres user=postgres password=postgres dbname=fruitquality port=5432 sslmode=disable",
		RedisAddr:       "redis:6379",
		ResultTTL:       5 * time.Minute,
	}
}

// Load layers defaults, the optional YAML file at path and FQ_* environment
// variables, in that order. A missing file is only an error when path was
// given explicitly.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	} else if _, err := os.Stat("config.yaml"); err == nil {
		if err := k.Load(file.Provider("config.yaml"), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file config.yaml: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// Validate rejects settings the gateway cannot start with. An empty
// ml_service_url is allowed: every classification then fails with a
// connection error, as the client contract requires.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr must not be empty"))
	}
	if c.MLTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ml_timeout must be positive, got %s", c.MLTimeout))
	}
	if c.HealthInterval <= 0 {
		errs = append(errs, fmt.Errorf("health_interval must be positive, got %s", c.HealthInterval))
	}
	if c.ResultTTL <= 0 {
		errs = append(errs, fmt.Errorf("result_ttl must be positive, got %s", c.ResultTTL))
	}
	if err := c.Image.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("image: %w", err))
	}
	return errors.Join(errs...)
}
