// Package config loads relay settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Store backends.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreBadger = "badger"
)

// Config holds every setting of the relay.
type Config struct {
	Host      string `env:"CHAT_HOST" envDefault:"localhost" validate:"required"`
	Port      int    `env:"CHAT_PORT" envDefault:"8080" validate:"min=1,max=65535"`
	LogLevel  string `env:"CHAT_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	LogFormat string `env:"CHAT_LOG_FORMAT" envDefault:"text" validate:"oneof=text json"`

	Store        string `env:"CHAT_STORE" envDefault:"sqlite" validate:"oneof=memory file sqlite badger"`
	StorePath    string `env:"CHAT_STORE_PATH" envDefault:"data/chat.db" validate:"required_unless=Store memory"`
	HistoryLimit int    `env:"CHAT_HISTORY_LIMIT" envDefault:"30" validate:"min=0,max=1000"`
	SendBuffer   int    `env:"CHAT_SEND_BUFFER" envDefault:"256" validate:"min=1"`

	AllowedOrigins []string `env:"CHAT_ALLOWED_ORIGINS" envSeparator:","`

	RedisURL    string `env:"REDIS_URL"`
	RedisPrefix string `env:"CHAT_REDIS_PREFIX" envDefault:"chat:"`

	ReadTimeout     time.Duration `env:"CHAT_READ_TIMEOUT" envDefault:"15s" validate:"gt=0"`
	WriteTimeout    time.Duration `env:"CHAT_WRITE_TIMEOUT" envDefault:"15s" validate:"gt=0"`
	ShutdownTimeout time.Duration `env:"CHAT_SHUTDOWN_TIMEOUT" envDefault:"10s" validate:"gt=0"`

	NgrokEnabled   bool   `env:"NGROK_ENABLED"`
	NgrokAuthToken string `env:"NGROK_AUTHTOKEN" validate:"required_if=NgrokEnabled true"`
	NgrokDomain    string `env:"NGROK_DOMAIN"`
}

// Load reads envFile when it exists, then parses and validates the process
// environment. Variables already set win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return Parse(env.Options{})
}

// Parse builds a Config from opts. Tests pass an explicit Environment.
func Parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.AllowedOrigins = normalizeOrigins(cfg.AllowedOrigins)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Addr is the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			out = append(out, strings.ToLower(o))
		}
	}
	return out
}
