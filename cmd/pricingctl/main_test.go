package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Simplici0/cabinetry/internal/config"
	"github.com/Simplici0/cabinetry/internal/pricing"
	"github.com/Simplici0/cabinetry/internal/ratetable"
	"github.com/Simplici0/cabinetry/internal/versions"
	"github.com/Simplici0/cabinetry/internal/versions/versionstest"
)

const luxuryKitchen = `{"projectType":"kitchen","cabinetType":"luxury","linearMeter":10}`

func testApp(t *testing.T, backend string) *app {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		AppEnv:            "test",
		LogLevel:          "error",
		LogFormat:         "json",
		StorageBackend:    backend,
		StorageFallback:   config.FallbackNone,
		DBPath:            filepath.Join(dir, "pricing.db"),
		FilePath:          filepath.Join(dir, "versions.json"),
		StoreMaxAttempts:  1,
		StoreRetryBackoff: 0,
	}
	return &app{loadConfig: func() (config.Config, error) { return cfg, nil }}
}

func run(t *testing.T, a *app, stdin string, args ...string) (string, error) {
	t.Helper()
	defer a.shutdown()
	cmd := newRootCmd(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func tableFile(t *testing.T, base float64) string {
	t.Helper()
	raw, err := json.Marshal(versionstest.Table(base))
	require.NoError(t, err)
	return writeFile(t, "table.json", string(raw))
}

func listVersions(t *testing.T, a *app) []versions.Record {
	t.Helper()
	out, err := run(t, a, "", "versions", "list", "--json")
	require.NoError(t, err)
	var records []versions.Record
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	return records
}

func estimateTotal(t *testing.T, out string) int64 {
	t.Helper()
	var res pricing.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	return res.Total
}

func TestEstimateFromStdinUsesDefaults(t *testing.T) {
	a := testApp(t, config.BackendFile)

	out, err := run(t, a, luxuryKitchen, "estimate", "-f", "-")
	require.NoError(t, err)
	assert.Equal(t, int64(12000), estimateTotal(t, out))
}

func TestEstimateRejectsInvalidRequest(t *testing.T) {
	a := testApp(t, config.BackendFile)
	path := writeFile(t, "bad.json", `{"projectType":"garage","cabinetType":"luxury","linearMeter":10}`)

	_, err := run(t, a, "", "estimate", "-f", path)
	require.ErrorIs(t, err, pricing.ErrInvalidRequest)
}

func TestConfigImportShowAndHistoricalEstimate(t *testing.T) {
	a := testApp(t, config.BackendSQLite)

	out, err := run(t, a, "", "config", "import", tableFile(t, 1500))
	require.NoError(t, err)
	assert.Contains(t, out, "imported rate table as version")

	out, err = run(t, a, "", "config", "show")
	require.NoError(t, err)
	var shown ratetable.RateTable
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, 1500.0, shown.BaseRates[ratetable.CategoryBase])

	first := listVersions(t, a)
	require.Len(t, first, 1)
	assert.Equal(t, versions.KindImport, first[0].Kind)

	_, err = run(t, a, "", "config", "import", tableFile(t, 2000))
	require.NoError(t, err)

	out, err = run(t, a, luxuryKitchen, "estimate")
	require.NoError(t, err)
	assert.Equal(t, int64(20000), estimateTotal(t, out))

	out, err = run(t, a, luxuryKitchen, "estimate", "--version", strconv.FormatInt(first[0].Timestamp, 10))
	require.NoError(t, err)
	assert.Equal(t, int64(15000), estimateTotal(t, out))
}

func TestConfigImportRejectsInvalidTable(t *testing.T) {
	a := testApp(t, config.BackendFile)
	path := writeFile(t, "table.json", `{"baseRates":{"base":-5}}`)

	_, err := run(t, a, "", "config", "import", path)
	require.ErrorIs(t, err, ratetable.ErrInvalid)
	assert.Empty(t, listVersions(t, a))
}

func TestConfigExportToFile(t *testing.T) {
	a := testApp(t, config.BackendFile)
	dest := filepath.Join(t.TempDir(), "export.json")

	_, err := run(t, a, "", "config", "export", "-o", dest)
	require.NoError(t, err)

	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	var exported ratetable.RateTable
	require.NoError(t, json.Unmarshal(raw, &exported))
	assert.True(t, exported.Equal(ratetable.Default()))
}

func TestVersionsRestore(t *testing.T) {
	a := testApp(t, config.BackendFile)

	_, err := run(t, a, "", "config", "import", tableFile(t, 1500))
	require.NoError(t, err)
	_, err = run(t, a, "", "config", "import", tableFile(t, 2000))
	require.NoError(t, err)

	records := listVersions(t, a)
	require.Len(t, records, 2)
	oldest := records[1].Timestamp

	out, err := run(t, a, "", "versions", "restore", strconv.FormatInt(oldest, 10))
	require.NoError(t, err)
	assert.Contains(t, out, "restored version "+strconv.FormatInt(oldest, 10))

	records = listVersions(t, a)
	require.Len(t, records, 3)
	assert.Equal(t, versions.KindRestore, records[0].Kind)
	assert.Equal(t, oldest, records[0].RestoredFrom)

	out, err = run(t, a, "", "versions", "show", strconv.FormatInt(records[0].Timestamp, 10))
	require.NoError(t, err)
	var shown versions.Record
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, 1500.0, shown.RateTable.BaseRates[ratetable.CategoryBase])
}

func TestVersionsLookupErrors(t *testing.T) {
	a := testApp(t, config.BackendFile)

	_, err := run(t, a, "", "versions", "show", "42")
	require.ErrorIs(t, err, versions.ErrVersionNotFound)

	_, err = run(t, a, "", "versions", "restore", "not-a-number")
	require.Error(t, err)

	_, err = run(t, a, "", "versions", "show")
	require.Error(t, err)
}

func TestVersionsListTable(t *testing.T) {
	a := testApp(t, config.BackendFile)

	out, err := run(t, a, "", "versions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No versions recorded.")

	_, err = run(t, a, "", "seed")
	require.NoError(t, err)

	out, err = run(t, a, "", "versions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "TIMESTAMP")
	assert.Contains(t, out, string(versions.KindImport))
}

func TestSeedIsIdempotent(t *testing.T) {
	a := testApp(t, config.BackendSQLite)

	out, err := run(t, a, "", "seed")
	require.NoError(t, err)
	assert.Contains(t, out, "seeded 1 version(s)")

	out, err = run(t, a, "", "seed")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing seeded")
	assert.Len(t, listVersions(t, a), 1)
}

func TestMigrate(t *testing.T) {
	a := testApp(t, config.BackendSQLite)

	out, err := run(t, a, "", "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema at version 2")

	out, err = run(t, a, "", "migrate", "--backend", config.BackendFile)
	require.NoError(t, err)
	assert.Contains(t, out, "backend file has no schema to migrate")
}

func TestUnknownBackendFails(t *testing.T) {
	a := testApp(t, config.BackendFile)

	_, err := run(t, a, "", "config", "show", "--backend", "mongo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage backend")
}
