package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "./stock.db", cfg.Database.Path)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, time.Hour, cfg.Scheduler.Interval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: A config file setting the port and the scheduler
	// WHEN: STOCK_SERVER_PORT is also set
	// THEN: The environment wins, the file fills in the rest

	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "stock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
scheduler:
  enabled: true
  interval: 30m
log:
  format: text
`), 0o600))
	t.Setenv("STOCK_SERVER_PORT", "9100")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("STOCK_DATABASE_DRIVER=postgres\nSTOCK_DATABASE_URL=postgres://localhost/stock\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("STOCK_DATABASE_DRIVER")
		os.Unsetenv("STOCK_DATABASE_URL")
	})

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/stock", cfg.Database.URL)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := config.Load("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := config.Config{
		Server:   config.ServerConfig{Port: 8080},
		Database: config.DatabaseConfig{Driver: "sqlite", Path: "x.db"},
	}
	require.NoError(t, base.Validate())

	pg := base
	pg.Database = config.DatabaseConfig{Driver: "postgres"}
	assert.Error(t, pg.Validate(), "postgres needs a url")

	unknown := base
	unknown.Database.Driver = "mysql"
	assert.Error(t, unknown.Validate())

	badPort := base
	badPort.Server.Port = 0
	assert.Error(t, badPort.Validate())

	sched := base
	sched.Scheduler = config.SchedulerConfig{Enabled: true}
	assert.Error(t, sched.Validate())
}
