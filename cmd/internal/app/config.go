package app

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"roomrelay/cmd/internal/realtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every Config variable.
const EnvPrefix = "RELAY_"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"` // json | pretty

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`

	// DatabaseURL selects the history store by scheme: empty keeps history in memory,
	// postgres:// uses pgx, sqlite: or file: uses SQLite, badger: uses an embedded badger directory
	// (badger::memory: for an in-memory instance).
	DatabaseURL string `env:"DATABASE_URL"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"DB_MIN_CONNS" envDefault:"0"`

	// BrokerURL selects the fanout broker by scheme: empty is in-process, otherwise amqp://,
	// redis:// or nats://.
	BrokerURL     string `env:"BROKER_URL"`
	HistoryLimit  int    `env:"HISTORY_LIMIT" envDefault:"50"`
	ChannelBuffer int    `env:"CHANNEL_BUFFER" envDefault:"256"`

	// If true, /readyz returns 503 unless a durable store is configured and reachable.
	ReadinessRequireDB bool `env:"READINESS_REQUIRE_DB" envDefault:"false"`

	// GuestsAllowed admits usernames that are not in the directory, displayed as themselves.
	GuestsAllowed bool `env:"GUESTS_ALLOWED" envDefault:"false"`

	// CORS for the /api routes. An empty list disables CORS handling.
	CORSAllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS" envDefault:"false"`
	CORSMaxAgeSeconds    int      `env:"CORS_MAX_AGE_SECONDS" envDefault:"600"`

	WS realtime.WSConfig `envPrefix:"WS_"`
}

// LoadConfig loads Config from environment variables with defaults.
// A .env file in the working directory is applied first when present; real variables win.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: EnvPrefix})
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
