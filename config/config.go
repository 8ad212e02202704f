package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Binance USD-M futures credentials
	BinanceAPIKey    string
	BinanceSecretKey string
	UseTestnet       bool
	DryRun           bool // validate and log orders without sending them

	// Account / symbol configuration
	Symbol       string
	Interval     string // kline interval, e.g. "1d"
	Leverage     int
	MarginType   string // ISOLATED or CROSSED
	KlineHistory int    // candles fetched per data refresh

	// Scheduler
	PollInterval  time.Duration // sleep between loop ticks
	CheckInterval time.Duration // connectivity sub-timer
	TimeLess      time.Duration // signed pre/post window straddle around a close
	TimeOffset    float64       // daily close offset in days from midnight
	IntervalDays  float64       // close interval in days (fractional allowed)
	RunAtStart    bool          // execute one strategy cycle immediately on start

	// Broker
	StrictModify bool // reject invalid stop/take replacements instead of ignoring

	// Notification
	TelegramToken  string
	TelegramChatID string
	TOTPSecret     string // gates the full-shutdown bot command when set
	WebhookURL     string // optional generic alert webhook

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	AlertCapacity int // ring buffer size for alert history
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		BinanceAPIKey:    mustEnv("BINANCE_API_KEY"),
		BinanceSecretKey: mustEnv("BINANCE_SECRET_KEY"),
		UseTestnet:       getBool("BINANCE_TESTNET", false),
		DryRun:           getBool("BINANCE_DRY_RUN", true),

		Symbol:       getEnv("SYMBOL", "BTCUSDT"),
		Interval:     getEnv("KLINE_INTERVAL", "1d"),
		Leverage:     getInt("LEVERAGE", 1),
		MarginType:   getEnv("MARGIN_TYPE", "ISOLATED"),
		KlineHistory: getInt("KLINE_HISTORY", 50),

		PollInterval:  getDuration("POLL_INTERVAL", 30*time.Second),
		CheckInterval: getDuration("CHECK_INTERVAL", 30*time.Second),
		TimeLess:      getDuration("TIME_LESS", -60*time.Second),
		TimeOffset:    getFloat("TIME_OFFSET_DAYS", 0),
		IntervalDays:  getFloat("INTERVAL_DAYS", 1),
		RunAtStart:    getBool("RUN_AT_START", false),

		StrictModify: getBool("BROKER_STRICT_MODIFY", false),

		TelegramToken:  getEnv("TELEGRAM_TOKEN", ""),
		TelegramChatID: getEnv("TELEGRAM_CHAT_ID", ""),
		TOTPSecret:     getEnv("SHUTDOWN_TOTP_SECRET", ""),
		WebhookURL:     getEnv("WEBHOOK_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/journal.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		AlertCapacity: getInt("ALERT_CAPACITY", 10),
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int for %s: %q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid float for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid bool for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid duration for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return d
}
