package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kiranshivaraju/lumina/internal/config"
	"github.com/kiranshivaraju/lumina/internal/license"
	"github.com/kiranshivaraju/lumina/internal/store"
	"github.com/kiranshivaraju/lumina/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// useJSONStore points the CLI at a fresh JSON store and returns its path.
func useJSONStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "licenses.json")
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("STORAGE_TYPE", "json")
	t.Setenv("STORAGE_JSON_PATH", path)
	return path
}

func ctl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, &out)
	return out.String(), err
}

func mustCtl(t *testing.T, args ...string) string {
	t.Helper()
	out, err := ctl(t, args...)
	require.NoError(t, err, out)
	return out
}

func createLicense(t *testing.T, args ...string) *models.License {
	t.Helper()
	out := mustCtl(t, append([]string{"create", "-product", "Pro", "-customer", "Acme"}, args...)...)
	var l models.License
	require.NoError(t, json.Unmarshal([]byte(out), &l))
	return &l
}

func TestRun_Usage(t *testing.T) {
	useJSONStore(t)

	_, err := ctl(t)
	assert.ErrorIs(t, err, errUsage)

	_, err = ctl(t, "frobnicate")
	assert.ErrorIs(t, err, errUsage)

	_, err = ctl(t, "get")
	assert.ErrorIs(t, err, errUsage)

	_, err = ctl(t, "create", "-nope")
	assert.ErrorIs(t, err, errUsage)
}

func TestPrintUsage_ListsEveryCommand(t *testing.T) {
	var buf bytes.Buffer
	printUsage(&buf)
	for name := range commands {
		assert.Contains(t, buf.String(), name)
	}
}

func TestCreateGetList(t *testing.T) {
	useJSONStore(t)

	l := createLicense(t, "-max-activations", "3", "-no-binding", "-ip", "10.0.0.1,10.0.0.2", "-expiry", "2031-05-01")
	assert.Regexp(t, `^LS-\d{4}-[A-Z0-9]{16}$`, l.Key)
	assert.Equal(t, 3, l.MaxActivations)
	assert.False(t, l.MachineBinding)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, l.IPWhitelist)
	require.NotNil(t, l.ExpiryDate)
	assert.Equal(t, "2031-05-01", l.ExpiryDate.UTC().Format(time.DateOnly))

	var got models.License
	require.NoError(t, json.Unmarshal([]byte(mustCtl(t, "get", l.Key)), &got))
	assert.Equal(t, l.Key, got.Key)

	table := mustCtl(t, "list")
	assert.Contains(t, table, l.Key)
	assert.Contains(t, table, "0/3")
	assert.Contains(t, table, "2031-05-01")

	masked := mustCtl(t, "list", "-mask")
	assert.NotContains(t, masked, l.Key)
	assert.Contains(t, masked, models.MaskKey(l.Key))

	var listed []models.License
	require.NoError(t, json.Unmarshal([]byte(mustCtl(t, "list", "-json", "-product", "Other")), &listed))
	assert.Empty(t, listed)
}

func TestCreate_ValidationError(t *testing.T) {
	useJSONStore(t)

	_, err := ctl(t, "create", "-customer", "Acme")
	require.Error(t, err)
	assert.ErrorIs(t, err, license.ErrInvalidInput)

	_, err = ctl(t, "create", "-product", "Pro", "-customer", "Acme", "-expiry", "next year")
	require.Error(t, err)
}

func TestList_InvalidStatus(t *testing.T) {
	useJSONStore(t)
	_, err := ctl(t, "list", "-status", "paused")
	assert.ErrorIs(t, err, errUsage)
}

func TestDisableEnableDelete(t *testing.T) {
	useJSONStore(t)
	l := createLicense(t)

	assert.Contains(t, mustCtl(t, "disable", l.Key), "disabled")
	assert.Contains(t, mustCtl(t, "list", "-status", "disabled"), l.Key)

	assert.Contains(t, mustCtl(t, "enable", l.Key), "active")

	mustCtl(t, "delete", l.Key)
	_, err := ctl(t, "get", l.Key)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestActivationCommands(t *testing.T) {
	path := useJSONStore(t)
	l := createLicense(t, "-max-activations", "2")

	// Seed two activations directly in the store file.
	s, err := store.OpenFile(path)
	require.NoError(t, err)
	_, err = s.AtomicUpdate(context.Background(), l.Key, func(cur *models.License) error {
		for _, code := range []string{"machine-a", "machine-b"} {
			c := code
			cur.Activations = append(cur.Activations, models.Activation{MachineCode: &c, ActivatedAt: time.Now()})
		}
		return nil
	})
	require.NoError(t, err)

	var acts []models.Activation
	require.NoError(t, json.Unmarshal([]byte(mustCtl(t, "activations", l.Key)), &acts))
	require.Len(t, acts, 2)

	assert.Contains(t, mustCtl(t, "rm-activation", l.Key, "machine-a"), "1 of 2")

	_, err = ctl(t, "rm-activation", l.Key, "machine-a")
	require.Error(t, err)

	assert.Contains(t, mustCtl(t, "reset-activations", l.Key), "all 2")
	require.NoError(t, json.Unmarshal([]byte(mustCtl(t, "activations", l.Key)), &acts))
	assert.Empty(t, acts)
}

func TestExport(t *testing.T) {
	useJSONStore(t)
	a := createLicense(t)
	b := createLicense(t)

	var doc struct {
		Licenses []models.License `json:"licenses"`
		Metadata struct {
			TotalLicenses int `json:"total_licenses"`
		} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal([]byte(mustCtl(t, "export")), &doc))
	assert.Equal(t, 2, doc.Metadata.TotalLicenses)
	assert.Len(t, doc.Licenses, 2)

	file := filepath.Join(t.TempDir(), "export.json")
	assert.Contains(t, mustCtl(t, "export", "-o", file), "exported 2 licenses")

	exported, err := store.OpenFile(file)
	require.NoError(t, err)
	for _, key := range []string{a.Key, b.Key} {
		_, err := exported.Get(context.Background(), key)
		assert.NoError(t, err, key)
	}
}

func TestMigrate_ToSQLite(t *testing.T) {
	useJSONStore(t)
	createLicense(t)
	createLicense(t)
	target := filepath.Join(t.TempDir(), "licenses.db")

	out := mustCtl(t, "migrate", "-to", "sqlite", "-path", target, "-dry-run")
	assert.Contains(t, out, "dry run: 2 licenses: 2 migrated")

	out = mustCtl(t, "migrate", "-to", "sqlite", "-path", target)
	assert.Contains(t, out, "2 licenses: 2 migrated, 0 skipped, 0 failed")

	out = mustCtl(t, "migrate", "-to", "sqlite", "-path", target)
	assert.Contains(t, out, "2 licenses: 0 migrated, 2 skipped, 0 failed")

	dst, err := store.OpenSQLite(target)
	require.NoError(t, err)
	defer dst.Close()
	all, err := store.Collect(dst.List(context.Background(), store.Filter{}))
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMigrate_RejectsBadTargets(t *testing.T) {
	path := useJSONStore(t)

	_, err := ctl(t, "migrate")
	assert.ErrorIs(t, err, errUsage)

	_, err = ctl(t, "migrate", "-to", "json", "-path", path)
	assert.ErrorIs(t, err, errUsage)

	t.Setenv("DATABASE_URL", "")
	_, err = ctl(t, "migrate", "-to", "postgres")
	assert.ErrorIs(t, err, errUsage)
}

func TestTargetConfig(t *testing.T) {
	src := config.Defaults()

	dst, err := targetConfig(src, config.StorageSQLite, "", "")
	require.NoError(t, err)
	assert.Equal(t, config.StorageSQLite, dst.Storage.Type)
	assert.Equal(t, src.Storage.SQLitePath, dst.Storage.SQLitePath)
	assert.Equal(t, config.StorageJSON, src.Storage.Type, "source config untouched")

	dst, err = targetConfig(src, config.StoragePostgres, "", "postgres://u:p@db/lumina")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db/lumina", dst.Database.URL)

	_, err = targetConfig(src, config.StorageJSON, "", "")
	assert.ErrorIs(t, err, errUsage)
}

func TestStringList(t *testing.T) {
	var s stringList
	require.NoError(t, s.Set("a, b"))
	require.NoError(t, s.Set("c"))
	assert.Equal(t, stringList{"a", "b", "c"}, s)
	assert.Equal(t, "a,b,c", s.String())
}

func TestParseDate(t *testing.T) {
	d, err := parseDate("2030-01-02")
	require.NoError(t, err)
	assert.Equal(t, "2030-01-02T23:59:59Z", d.Format(time.RFC3339))

	d, err = parseDate("2030-01-02T10:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, 8, d.UTC().Hour())

	_, err = parseDate("tomorrow")
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "YYYY-MM-DD"))
}
