package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type APIConfig struct {
	BaseURL        string
	WSBaseURL      string
	RequestTimeout time.Duration
}

type ChatConfig struct {
	HeartbeatInterval    time.Duration
	ReconnectPolicy      string // "fixed" | "exponential"
	ReconnectDelay       time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	ToastDuration        time.Duration
}

type DatabaseConfig struct {
	Driver string // "sqlite" | "postgres"
	DSN    string
}

type Config struct {
	ListenAddr string
	// TelegramUserID scopes stored credentials when running inside the
	// Telegram Mini App host. Empty means the plain keys.
	TelegramUserID string
	API            APIConfig
	Chat           ChatConfig
	Database       DatabaseConfig
	LogLevel       string
	Debug          bool
}

func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		API: APIConfig{
			BaseURL:        "http://localhost:8001",
			RequestTimeout: 15 * time.Second,
		},
		Chat: ChatConfig{
			HeartbeatInterval: 30 * time.Second,
			ReconnectPolicy:   "fixed",
			ReconnectDelay:    3 * time.Second,
			ReconnectMaxDelay: 30 * time.Second,
			ToastDuration:     3 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "mystery.db",
		},
		LogLevel: "info",
	}
}

// Load reads an optional .env file and then applies environment overrides
// on top of Default().
func Load() (*Config, error) {
	for _, location := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(location); err == nil {
			break
		}
	}
	return FromEnv(os.Getenv)
}

func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := Default()
	var err error

	if v := getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	cfg.TelegramUserID = getenv("TELEGRAM_USER_ID")
	if v := getenv("API_BASE_URL"); v != "" {
		cfg.API.BaseURL = strings.TrimRight(v, "/")
	}
	cfg.API.WSBaseURL = strings.TrimRight(getenv("WS_BASE_URL"), "/")
	if cfg.API.WSBaseURL == "" {
		cfg.API.WSBaseURL = WSBase(cfg.API.BaseURL)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"REQUEST_TIMEOUT", &cfg.API.RequestTimeout},
		{"HEARTBEAT_INTERVAL", &cfg.Chat.HeartbeatInterval},
		{"RECONNECT_DELAY", &cfg.Chat.ReconnectDelay},
		{"RECONNECT_MAX_DELAY", &cfg.Chat.ReconnectMaxDelay},
		{"TOAST_DURATION", &cfg.Chat.ToastDuration},
	}
	for _, d := range durations {
		if v := getenv(d.key); v != "" {
			if *d.dst, err = time.ParseDuration(v); err != nil {
				return nil, fmt.Errorf("%s: %w", d.key, err)
			}
		}
	}

	if v := getenv("RECONNECT_POLICY"); v != "" {
		switch v {
		case "fixed", "exponential":
			cfg.Chat.ReconnectPolicy = v
		default:
			return nil, fmt.Errorf("RECONNECT_POLICY: unknown policy %q", v)
		}
	}
	if v := getenv("RECONNECT_MAX_ATTEMPTS"); v != "" {
		if cfg.Chat.ReconnectMaxAttempts, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("RECONNECT_MAX_ATTEMPTS: %w", err)
		}
	}

	if v := getenv("DB_DRIVER"); v != "" {
		switch v {
		case "sqlite", "postgres":
			cfg.Database.Driver = v
		default:
			return nil, fmt.Errorf("DB_DRIVER: unsupported driver %q", v)
		}
	}
	if v := getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	} else if cfg.Database.Driver == "postgres" {
		return nil, fmt.Errorf("DATABASE_URL is required when DB_DRIVER is postgres")
	}

	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	cfg.Debug = getenv("DEBUG") == "true"

	return cfg, nil
}

// WSBase maps an http(s) API base to its ws(s) counterpart.
func WSBase(apiBase string) string {
	switch {
	case strings.HasPrefix(apiBase, "https://"):
		return "wss://" + strings.TrimPrefix(apiBase, "https://")
	case strings.HasPrefix(apiBase, "http://"):
		return "ws://" + strings.TrimPrefix(apiBase, "http://")
	}
	return apiBase
}
