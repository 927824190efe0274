package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"

	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"

	FallbackNone = "none"
	FallbackFile = "file"

	defaultDBPath   = "./dev.db"
	defaultPort     = "8080"
	defaultFilePath = "./ratetable_versions.json"
)

// Config holds application configuration sourced from an optional config.yaml,
// a .env file and the process environment, in increasing priority.
type Config struct {
	AppEnv    string `mapstructure:"app_env"`
	Port      string `mapstructure:"port"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	StorageBackend  string `mapstructure:"storage_backend"`
	StorageFallback string `mapstructure:"storage_fallback"`

	DBPath      string `mapstructure:"db_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	FilePath    string `mapstructure:"file_path"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`

	DynamoDBTable    string `mapstructure:"dynamodb_table"`
	DynamoDBEndpoint string `mapstructure:"dynamodb_endpoint"`
	AWSRegion        string `mapstructure:"aws_region"`

	StoreMaxAttempts  int           `mapstructure:"store_max_attempts"`
	StoreRetryBackoff time.Duration `mapstructure:"store_retry_backoff"`

	SeedDefaults bool `mapstructure:"seed_defaults"`
}

// IsDev reports whether the process runs in the development environment.
func (c Config) IsDev() bool {
	return c.AppEnv == EnvDevelopment
}

// Load reads configuration and returns a validated Config.
func Load() (Config, error) {
	// Best-effort: production injects real environment variables.
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", EnvDevelopment)
	v.SetDefault("port", defaultPort)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "")
	v.SetDefault("storage_backend", BackendSQLite)
	v.SetDefault("storage_fallback", FallbackNone)
	v.SetDefault("db_path", defaultDBPath)
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("file_path", defaultFilePath)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_prefix", "cabinetry:ratetable")
	v.SetDefault("dynamodb_table", "")
	v.SetDefault("dynamodb_endpoint", "")
	v.SetDefault("aws_region", "us-east-1")
	v.SetDefault("store_max_attempts", 3)
	v.SetDefault("store_retry_backoff", "100ms")
	v.SetDefault("seed_defaults", true)
}

func applyDefaults(cfg *Config) {
	cfg.AppEnv = strings.ToLower(strings.TrimSpace(cfg.AppEnv))
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	cfg.StorageFallback = strings.ToLower(strings.TrimSpace(cfg.StorageFallback))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	if cfg.LogFormat == "" {
		if cfg.IsDev() {
			cfg.LogFormat = "console"
		} else {
			cfg.LogFormat = "json"
		}
	}
	if cfg.StorageFallback == "" {
		cfg.StorageFallback = FallbackNone
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath
	}
	if cfg.FilePath == "" {
		cfg.FilePath = defaultFilePath
	}
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
}

func validate(cfg Config) error {
	switch cfg.StorageBackend {
	case BackendSQLite, BackendFile, BackendRedis:
	case BackendPostgres:
		if cfg.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required for the postgres backend")
		}
	case BackendDynamoDB:
		if cfg.DynamoDBTable == "" {
			return errors.New("DYNAMODB_TABLE is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	switch cfg.StorageFallback {
	case FallbackNone:
	case FallbackFile:
		if cfg.StorageBackend == BackendFile {
			return errors.New("STORAGE_FALLBACK=file needs a primary other than file")
		}
	default:
		return fmt.Errorf("unknown STORAGE_FALLBACK %q", cfg.StorageFallback)
	}

	if cfg.StoreMaxAttempts < 1 {
		return fmt.Errorf("STORE_MAX_ATTEMPTS must be at least 1, got %d", cfg.StoreMaxAttempts)
	}
	if cfg.StoreRetryBackoff < 0 {
		return fmt.Errorf("STORE_RETRY_BACKOFF must not be negative, got %s", cfg.StoreRetryBackoff)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("unknown LOG_FORMAT %q", cfg.LogFormat)
	}
	return nil
}
