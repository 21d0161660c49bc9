package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Config 用药引擎服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig

	// 通知分发器（外部协作方）
	Notifier struct {
		BaseURL      string
		Timeout      time.Duration
		MaxRetries   int           // 超过后记为永久失败
		RetryWait    time.Duration // 指数退避基数
		RetryMaxWait time.Duration
	}

	// 后台扫描配置
	Sweep struct {
		// 漏服检测
		MissedDoseInterval time.Duration
		// 每日归档（按病人时区滚动）
		DailyResetInterval time.Duration
		ArchiveBatchSize   int
	}

	// 时间偏好缓存
	Cache struct {
		PreferencesKeyPrefix string
		PreferencesTTL       time.Duration
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（环境变量 + 默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "wisefido_medication")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.Notifier.BaseURL = getEnv("NOTIFIER_BASE_URL", "http://localhost:8090")
	cfg.Notifier.Timeout = getEnvDuration("NOTIFIER_TIMEOUT", 10*time.Second)
	cfg.Notifier.MaxRetries = getEnvInt("NOTIFIER_MAX_RETRIES", 3)
	cfg.Notifier.RetryWait = getEnvDuration("NOTIFIER_RETRY_WAIT", 1*time.Second)
	cfg.Notifier.RetryMaxWait = getEnvDuration("NOTIFIER_RETRY_MAX_WAIT", 8*time.Second)

	cfg.Sweep.MissedDoseInterval = getEnvDuration("SWEEP_MISSED_INTERVAL", 5*time.Minute)
	cfg.Sweep.DailyResetInterval = getEnvDuration("SWEEP_DAILY_RESET_INTERVAL", 15*time.Minute)
	cfg.Sweep.ArchiveBatchSize = getEnvInt("SWEEP_ARCHIVE_BATCH_SIZE", 200)

	cfg.Cache.PreferencesKeyPrefix = getEnv("CACHE_PREFS_PREFIX", "medication:prefs:")
	cfg.Cache.PreferencesTTL = getEnvDuration("CACHE_PREFS_TTL", 10*time.Minute)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
