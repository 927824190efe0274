package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeDotEnv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}
	return path
}

func TestLoadDotEnv_ParsesStorageSettings(t *testing.T) {
	want := map[string]string{
		"STORAGE_BACKEND": "redis",
		"REDIS_ADDR":      "cache:6379",
		"REDIS_PASSWORD":  "s3cr3t value",
		"DB_PATH":         "/var/lib/cabinetry/pricing.db",
	}
	for k := range want {
		t.Setenv(k, "")
	}

	path := writeDotEnv(t, `
# storage
STORAGE_BACKEND=redis
export REDIS_ADDR=cache:6379

REDIS_PASSWORD='s3cr3t value'
DB_PATH="/var/lib/cabinetry/pricing.db"
`)
	if err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}

	for k, v := range want {
		if got := os.Getenv(k); got != v {
			t.Fatalf("%s=%q, want %q", k, got, v)
		}
	}
}

func TestLoadDotEnv_ProcessEnvironmentWins(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "postgres")
	t.Setenv("PORT", "")

	path := writeDotEnv(t, "STORAGE_BACKEND=file\nPORT=9090\n")
	if err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}

	if got := os.Getenv("STORAGE_BACKEND"); got != "postgres" {
		t.Fatalf("STORAGE_BACKEND=%q, want %q", got, "postgres")
	}
	if got := os.Getenv("PORT"); got != "9090" {
		t.Fatalf("PORT=%q, want %q", got, "9090")
	}
}

func TestLoadDotEnv_MissingFileIsNotAnError(t *testing.T) {
	if err := loadDotEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
}
