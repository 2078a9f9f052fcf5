/*
config.go - Application configuration

PURPOSE:
  Reads settings from environment variables and, when present, from a .env
  or config.env file. Environment variables win over file values. Every key
  has a default so the server starts with no configuration at all.

KEYS:
  APP_ENV                development | production (default development)
  LOG_LEVEL              trace, debug, info, warn, error (default info)
  HTTP_ADDR              listen address (default :8080)
  CORS_ORIGINS           comma separated origins (default *)
  LEDGER_DB_PATH         irrigation ledger database (default database/riego.db)
  FEES_DB_PATH           fee ledger database (default database/cuotas.db)
  LEDGER_BUSY_TIMEOUT    retry ceiling for a locked database (default 10s)
  DEFAULT_CYCLE_LABEL    ciclo_actual seeded into a new database (default SIN CICLO)
  CHECKPOINT_INTERVAL    periodic WAL checkpoint, 0 disables (default 15m)
  HTTP_SHUTDOWN_TIMEOUT  grace period for in-flight requests (default 15s)
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/warp/irrigation-ledger/ledger"
)

type Config struct {
	App    AppConfig
	HTTP   HTTPConfig
	Ledger LedgerConfig
}

type AppConfig struct {
	Env      string
	LogLevel string
}

type HTTPConfig struct {
	Addr            string
	CORSOrigins     []string
	ShutdownTimeout time.Duration
}

type LedgerConfig struct {
	DBPath             string
	FeesDBPath         string
	BusyTimeout        time.Duration
	DefaultCycleLabel  string
	CheckpointInterval time.Duration
}

// Load reads the configuration. Config files are looked up in dirs, or in
// the working directory and ./config when none are given.
func Load(dirs ...string) (*Config, error) {
	if len(dirs) == 0 {
		dirs = []string{".", "./config"}
	}

	v := viper.New()
	v.SetConfigType("env")
	for _, dir := range dirs {
		v.AddConfigPath(dir)
	}
	for _, name := range []string{".env", "config.env"} {
		v.SetConfigName(name)
		_ = v.MergeInConfig() // a missing file is fine
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := &Config{
		App: AppConfig{
			Env:      getString(v, "APP_ENV", "development"),
			LogLevel: getString(v, "LOG_LEVEL", "info"),
		},
		HTTP: HTTPConfig{
			Addr:            getString(v, "HTTP_ADDR", ":8080"),
			CORSOrigins:     getList(v, "CORS_ORIGINS", []string{"*"}),
			ShutdownTimeout: getDuration(v, "HTTP_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Ledger: LedgerConfig{
			DBPath:             getString(v, "LEDGER_DB_PATH", "database/riego.db"),
			FeesDBPath:         getString(v, "FEES_DB_PATH", "database/cuotas.db"),
			BusyTimeout:        getDuration(v, "LEDGER_BUSY_TIMEOUT", 10*time.Second),
			DefaultCycleLabel:  getString(v, "DEFAULT_CYCLE_LABEL", ledger.DefaultCycleLabel),
			CheckpointInterval: getDuration(v, "CHECKPOINT_INTERVAL", 15*time.Minute),
		},
	}

	if cfg.Ledger.BusyTimeout <= 0 {
		return nil, fmt.Errorf("LEDGER_BUSY_TIMEOUT must be positive, got %s", cfg.Ledger.BusyTimeout)
	}
	if cfg.Ledger.DBPath == cfg.Ledger.FeesDBPath {
		return nil, fmt.Errorf("LEDGER_DB_PATH and FEES_DB_PATH must differ")
	}
	return cfg, nil
}

// IsDevelopment selects the console log writer.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

func getString(v *viper.Viper, key, def string) string {
	if v.IsSet(key) {
		if s := strings.TrimSpace(v.GetString(key)); s != "" {
			return s
		}
	}
	return def
}

func getDuration(v *viper.Viper, key string, def time.Duration) time.Duration {
	if !v.IsSet(key) {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		return def
	}
	return d
}

func getList(v *viper.Viper, key string, def []string) []string {
	raw := getString(v, key, "")
	if raw == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
