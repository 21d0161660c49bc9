package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// 验证默认值
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "postgres", cfg.Database.User)
	assert.Equal(t, "wisefido_medication", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.Equal(t, "http://localhost:8090", cfg.Notifier.BaseURL)
	assert.Equal(t, 3, cfg.Notifier.MaxRetries)
	assert.Equal(t, 1*time.Second, cfg.Notifier.RetryWait)

	assert.Equal(t, 5*time.Minute, cfg.Sweep.MissedDoseInterval)
	assert.Equal(t, 200, cfg.Sweep.ArchiveBatchSize)

	assert.Equal(t, "medication:prefs:", cfg.Cache.PreferencesKeyPrefix)
	assert.Equal(t, 10*time.Minute, cfg.Cache.PreferencesTTL)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Setenv("DB_HOST", "test-host")
	os.Setenv("DB_PORT", "15432")
	os.Setenv("DB_NAME", "test-db")
	os.Setenv("REDIS_ADDR", "test-redis:6380")
	os.Setenv("NOTIFIER_BASE_URL", "http://dispatcher:9000")
	os.Setenv("SWEEP_MISSED_INTERVAL", "30s")
	os.Setenv("LOG_LEVEL", "debug")
	defer os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, 15432, cfg.Database.Port)
	assert.Equal(t, "test-db", cfg.Database.Database)
	assert.Equal(t, "test-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "http://dispatcher:9000", cfg.Notifier.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Sweep.MissedDoseInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestGetDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host: "db", Port: 5432, User: "u", Password: "p",
		Database: "meds", SSLMode: "disable",
	}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=meds sslmode=disable", cfg.GetDSN())
}
