package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all process configuration loaded from environment variables.
type Config struct {
	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	LogLevel      string

	// Queue
	QueueStream        string
	ConsumerGroup      string
	ConsumerName       string
	PELReclaimInterval time.Duration
	PELMinIdle         time.Duration

	// Collaborators
	RatesURL    string
	PluginsFile string
	ExpoHost    string

	// Surfaces
	HTTPAddr        string
	AdminTOTPSecret string
	AlertWebhookURL string

	// Optional Telegram alert channel
	TelegramBotToken string
	TelegramChatID   string

	// Daemons
	DaemonPeriod time.Duration
}

// Load reads configuration from the environment, after applying an optional
// .env file in the working directory.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] .env: %v", err)
	}

	host, _ := os.Hostname()
	return &Config{
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/push.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		QueueStream:        getEnv("QUEUE_STREAM", "push:outbox"),
		ConsumerGroup:      getEnv("CONSUMER_GROUP", "pushsender"),
		ConsumerName:       getEnv("CONSUMER_NAME", getEnv("HOSTNAME", host)),
		PELReclaimInterval: time.Duration(getEnvInt("PEL_RECLAIM_INTERVAL_SEC", 30)) * time.Second,
		PELMinIdle:         time.Duration(getEnvInt("PEL_MIN_IDLE_MS", 60000)) * time.Millisecond,

		RatesURL:    getEnv("RATES_URL", "http://localhost:8087"),
		PluginsFile: getEnv("PLUGINS_FILE", "config/plugins.yaml"),
		ExpoHost:    getEnv("EXPO_HOST", ""),

		HTTPAddr:        getEnv("HTTP_ADDR", ":8008"),
		AdminTOTPSecret: getEnv("ADMIN_TOTP_SECRET", ""),
		AlertWebhookURL: getEnv("ALERT_WEBHOOK_URL", ""),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		DaemonPeriod: getEnvDuration("DAEMON_PERIOD", 10*time.Minute),
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
