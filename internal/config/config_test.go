package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 80, cfg.Dispatch.WorkerCount)
	assert.Equal(t, 300*time.Second, cfg.Clock.SyncInterval)
	assert.Equal(t, "安全链接", cfg.Dispatch.SuccessMarker)
}

func TestLoad_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "sniper.yaml")

	content := `
platform: jd
clock:
  sync_interval: 60s
  retries: 5
dispatch:
  worker_count: 12
  submit_timeout: 2s
  advance: 150ms
  form:
    item_id: "42"
monitor:
  retry_count: 4
  retry_interval: 250ms
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "jd", cfg.Platform)
	assert.Equal(t, 60*time.Second, cfg.Clock.SyncInterval)
	assert.Equal(t, 5, cfg.Clock.Retries)
	assert.Equal(t, 12, cfg.Dispatch.WorkerCount)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.SubmitTimeout)
	assert.Equal(t, 150*time.Millisecond, cfg.Dispatch.Advance)
	assert.Equal(t, "42", cfg.Dispatch.Form["item_id"])
	assert.Equal(t, 4, cfg.Monitor.RetryCount)
	assert.Equal(t, 250*time.Millisecond, cfg.Monitor.RetryInterval)

	// untouched sections keep their defaults
	assert.Equal(t, 10*time.Millisecond, cfg.Dispatch.PollInterval)
	assert.Equal(t, "chrome_120", cfg.HTTP.Profile)
}

func TestLoad_ShippedDefaultFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "taobao", cfg.Platform)
	assert.Equal(t, 8, cfg.Clock.ReportUTCOffsetHours)
	assert.Equal(t, 1, cfg.Dispatch.Quantity)
	assert.Empty(t, cfg.Dispatch.Form)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("dispatch: [unclosed"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Dispatch.WorkerCount = 0
	cfg.Dispatch.SubmitTimeout = 0
	cfg.Dispatch.Quantity = 0
	cfg.Platform = "amazon"

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Contains(t, err.Error(), "worker_count")
	assert.Contains(t, err.Error(), "submit_timeout")
	assert.Contains(t, err.Error(), "quantity")
	assert.Contains(t, err.Error(), `"amazon"`)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SNIPER_COOKIE", "cookie2=abc")
	t.Setenv("SNIPER_LOG_LEVEL", "debug")

	cfg, err := Parse([]byte("platform: taobao\n"))
	require.NoError(t, err)
	assert.Equal(t, "cookie2=abc", cfg.Target.Cookie)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestResolvePath(t *testing.T) {
	t.Setenv("SNIPER_CONFIG", "")
	t.Setenv("CONFIG_PATH", "")
	assert.Equal(t, DefaultPath, ResolvePath(""))

	t.Setenv("CONFIG_PATH", "legacy.yaml")
	assert.Equal(t, "legacy.yaml", ResolvePath(""))

	t.Setenv("SNIPER_CONFIG", "sniper.yaml")
	assert.Equal(t, "sniper.yaml", ResolvePath(""))
	assert.Equal(t, "flag.yaml", ResolvePath("flag.yaml"))
}

func TestReportZone(t *testing.T) {
	zone := ClockConfig{ReportUTCOffsetHours: 8}.ReportZone()
	_, offset := time.Date(2024, 1, 1, 0, 0, 0, 0, zone).Zone()
	assert.Equal(t, 8*3600, offset)
}
