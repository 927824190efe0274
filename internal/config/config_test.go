package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configKeys = []string{
	"APP_ENV", "PORT", "LOG_LEVEL", "LOG_FORMAT", "STORAGE_BACKEND", "STORAGE_FALLBACK",
	"DB_PATH", "POSTGRES_DSN", "FILE_PATH", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"REDIS_PREFIX", "DYNAMODB_TABLE", "DYNAMODB_ENDPOINT", "AWS_REGION",
	"STORE_MAX_ATTEMPTS", "STORE_RETRY_BACKOFF", "SEED_DEFAULTS",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range configKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsDev())
	assert.Equal(t, defaultPort, cfg.Port)
	assert.Equal(t, defaultDBPath, cfg.DBPath)
	assert.Equal(t, BackendSQLite, cfg.StorageBackend)
	assert.Equal(t, FallbackNone, cfg.StorageFallback)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, 3, cfg.StoreMaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.StoreRetryBackoff)
	assert.True(t, cfg.SeedDefaults)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("APP_ENV", "Production")
	t.Setenv("PORT", "9090")
	t.Setenv("STORAGE_BACKEND", "redis")
	t.Setenv("STORAGE_FALLBACK", "file")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("STORE_MAX_ATTEMPTS", "5")
	t.Setenv("STORE_RETRY_BACKOFF", "250ms")
	t.Setenv("SEED_DEFAULTS", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.IsDev())
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, BackendRedis, cfg.StorageBackend)
	assert.Equal(t, FallbackFile, cfg.StorageFallback)
	assert.Equal(t, "cache:6379", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, 5, cfg.StoreMaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.StoreRetryBackoff)
	assert.False(t, cfg.SeedDefaults)
}

func TestLoad_RejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{"STORAGE_BACKEND": "mongo"}},
		{"postgres without dsn", map[string]string{"STORAGE_BACKEND": "postgres"}},
		{"dynamodb without table", map[string]string{"STORAGE_BACKEND": "dynamodb"}},
		{"file fallback for file primary", map[string]string{"STORAGE_BACKEND": "file", "STORAGE_FALLBACK": "file"}},
		{"unknown fallback", map[string]string{"STORAGE_FALLBACK": "s3"}},
		{"zero attempts", map[string]string{"STORE_MAX_ATTEMPTS": "0"}},
		{"unknown log format", map[string]string{"LOG_FORMAT": "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			assert.Error(t, err)
		})
	}
}
