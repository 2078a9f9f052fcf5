package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.App.Env)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, []string{"*"}, cfg.HTTP.CORSOrigins)
	assert.Equal(t, "database/riego.db", cfg.Ledger.DBPath)
	assert.Equal(t, "database/cuotas.db", cfg.Ledger.FeesDBPath)
	assert.Equal(t, 10*time.Second, cfg.Ledger.BusyTimeout)
	assert.Equal(t, "SIN CICLO", cfg.Ledger.DefaultCycleLabel)
	assert.Equal(t, 15*time.Minute, cfg.Ledger.CheckpointInterval)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("CORS_ORIGINS", "http://localhost:3000, http://caja.local")
	t.Setenv("LEDGER_BUSY_TIMEOUT", "3s")
	t.Setenv("DEFAULT_CYCLE_LABEL", "2025-A")
	t.Setenv("CHECKPOINT_INTERVAL", "0")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
	assert.Equal(t, []string{"http://localhost:3000", "http://caja.local"}, cfg.HTTP.CORSOrigins)
	assert.Equal(t, 3*time.Second, cfg.Ledger.BusyTimeout)
	assert.Equal(t, "2025-A", cfg.Ledger.DefaultCycleLabel)
	assert.Zero(t, cfg.Ledger.CheckpointInterval)
}

func TestLoad_EnvFileAndOverride(t *testing.T) {
	dir := t.TempDir()
	content := "LEDGER_DB_PATH=/srv/riego.db\nLOG_LEVEL=debug\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600))
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "/srv/riego.db", cfg.Ledger.DBPath)
	assert.Equal(t, "warn", cfg.App.LogLevel, "environment wins over the file")
}

func TestLoad_Rejects(t *testing.T) {
	t.Setenv("LEDGER_BUSY_TIMEOUT", "0s")
	_, err := Load(t.TempDir())
	assert.Error(t, err)

	t.Setenv("LEDGER_BUSY_TIMEOUT", "1s")
	t.Setenv("LEDGER_DB_PATH", "same.db")
	t.Setenv("FEES_DB_PATH", "same.db")
	_, err = Load(t.TempDir())
	assert.Error(t, err)
}
