package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Quota    QuotaConfig
	Window   WindowConfig
	Provider ProviderConfig
	Queue    QueueConfig
	Webhook  WebhookConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

type QuotaConfig struct {
	DailyLimit int
	Window     time.Duration
}

type WindowConfig struct {
	StartHour int
	EndHour   int
}

type ProviderConfig struct {
	URL          string
	APIKey       string
	LanguageCode string
	Timeout      time.Duration
	TPS          float64
}

type QueueConfig struct {
	PollInterval time.Duration
	Workers      int64
	MaxAttempts  int
	BackoffBase  time.Duration
}

type WebhookConfig struct {
	Secret string
}

func LoadAll() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: mustEnv("POSTGRES_URL"),
		},
		Redis: RedisConfig{
			Address:  mustEnv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Quota: QuotaConfig{
			DailyLimit: getEnvInt("QUOTA_DAILY_LIMIT", 3),
			Window:     time.Duration(getEnvInt("QUOTA_WINDOW_SECONDS", 86400)) * time.Second,
		},
		Window: WindowConfig{
			StartHour: getEnvInt("SEND_WINDOW_START_HOUR", 9),
			EndHour:   getEnvInt("SEND_WINDOW_END_HOUR", 21),
		},
		Provider: ProviderConfig{
			URL:          mustEnv("PROVIDER_URL"),
			APIKey:       os.Getenv("PROVIDER_API_KEY"),
			LanguageCode: getEnv("PROVIDER_LANGUAGE_CODE", "es_AR"),
			Timeout:      time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 10)) * time.Second,
			TPS:          float64(getEnvInt("PROVIDER_TPS", 10)),
		},
		Queue: QueueConfig{
			PollInterval: time.Duration(getEnvInt("QUEUE_POLL_INTERVAL_MS", 500)) * time.Millisecond,
			Workers:      int64(getEnvInt("QUEUE_WORKERS", 4)),
			MaxAttempts:  getEnvInt("QUEUE_MAX_ATTEMPTS", 5),
			BackoffBase:  time.Duration(getEnvInt("QUEUE_BACKOFF_BASE_MS", 2000)) * time.Millisecond,
		},
		Webhook: WebhookConfig{
			Secret: mustEnv("WEBHOOK_SECRET"),
		},
	}

	validate(cfg)
	return cfg, nil
}

func validate(cfg *Config) {
	if cfg.Quota.DailyLimit <= 0 {
		panic("QUOTA_DAILY_LIMIT must be > 0")
	}
	if cfg.Quota.Window <= 0 {
		panic("QUOTA_WINDOW_SECONDS must be > 0")
	}
	if cfg.Window.StartHour < 0 || cfg.Window.StartHour > 23 {
		panic("SEND_WINDOW_START_HOUR must be 0..23")
	}
	if cfg.Window.EndHour < 0 || cfg.Window.EndHour > 23 {
		panic("SEND_WINDOW_END_HOUR must be 0..23")
	}
	if cfg.Window.StartHour == cfg.Window.EndHour {
		panic("send window must not be empty")
	}
	if cfg.Queue.Workers <= 0 {
		panic("QUEUE_WORKERS must be > 0")
	}
	if cfg.Queue.MaxAttempts <= 0 {
		panic("QUEUE_MAX_ATTEMPTS must be > 0")
	}
	if cfg.Queue.PollInterval <= 0 {
		panic("QUEUE_POLL_INTERVAL_MS must be > 0")
	}
	if cfg.Provider.TPS <= 0 {
		panic("PROVIDER_TPS must be > 0")
	}
}

func mustEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("missing required env var: %s", key))
	}
	return val
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Sprintf("invalid int for env %s: %s", key, v))
	}
	return i
}
