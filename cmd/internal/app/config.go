package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"beacon/cmd/internal/realtime"

	"github.com/caarlos0/env/v11"
)

// envPrefix is prepended to every variable name in Config.
const envPrefix = "BEACON_"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	// 0 disables it; /ws sets its own per-frame write deadlines.
	WriteTimeout   time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"0s"`
	IdleTimeout    time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes int           `env:"HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`

	// Store selection: DatabaseURL wins, then SQLitePath, else in-memory.
	DatabaseURL   string        `env:"DATABASE_URL"`
	DBSchema      string        `env:"DB_SCHEMA" envDefault:"beacon"`
	DBMaxConns    int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns    int32         `env:"DB_MIN_CONNS" envDefault:"0"`
	DBAutoMigrate bool          `env:"DB_AUTO_MIGRATE" envDefault:"true"`
	SQLitePath    string        `env:"SQLITE_PATH"`
	RelayChannel  string        `env:"RELAY_CHANNEL" envDefault:"beacon_messages"`
	GapTimeout    time.Duration `env:"GAP_TIMEOUT" envDefault:"2s"`

	// If true, /readyz returns 503 unless a durable store is configured and reachable.
	ReadinessRequireDB bool `env:"READINESS_REQUIRE_DB" envDefault:"false"`

	WSDevInsecure       bool          `env:"WS_DEV_INSECURE" envDefault:"false"`
	WSOriginRequired    bool          `env:"WS_ORIGIN_REQUIRED" envDefault:"true"`
	WSAllowedOrigins    []string      `env:"WS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost,http://127.0.0.1"`
	WSWriteTimeout      time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"5s"`
	WSReadIdleTimeout   time.Duration `env:"WS_READ_IDLE_TIMEOUT" envDefault:"2m"`
	WSHelloTimeout      time.Duration `env:"WS_HELLO_TIMEOUT" envDefault:"10s"`
	WSSendQueue         int           `env:"WS_SEND_QUEUE" envDefault:"256"`
	WSHeartbeatInterval time.Duration `env:"WS_HEARTBEAT_INTERVAL" envDefault:"25s"`
	WSHeartbeatTimeout  time.Duration `env:"WS_HEARTBEAT_TIMEOUT" envDefault:"5s"`
	WSPublishRate       float64       `env:"WS_PUBLISH_RATE" envDefault:"20"`
	WSPublishBurst      int           `env:"WS_PUBLISH_BURST" envDefault:"40"`
	WSRecoveryWindow    time.Duration `env:"WS_RECOVERY_WINDOW" envDefault:"2m"`
	WSRecoveryReap      time.Duration `env:"WS_RECOVERY_REAP_INTERVAL" envDefault:"15s"`
}

// LoadConfig loads Config from the process environment and validates it.
func LoadConfig() (Config, error) {
	return loadConfigFrom(env.ToMap(os.Environ()))
}

func loadConfigFrom(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix:      envPrefix,
		Environment: environ,
	}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.SQLitePath = strings.TrimSpace(c.SQLitePath)

	origins := c.WSAllowedOrigins[:0]
	for _, o := range c.WSAllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.WSAllowedOrigins = origins
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("BEACON_HTTP_ADDR is required"))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("BEACON_LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	if c.DBMinConns < 0 || c.DBMaxConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		errs = append(errs, fmt.Errorf("invalid pool bounds: min=%d max=%d", c.DBMinConns, c.DBMaxConns))
	}
	if c.DatabaseURL != "" && strings.TrimSpace(c.RelayChannel) == "" {
		errs = append(errs, errors.New("BEACON_RELAY_CHANNEL is required with BEACON_DATABASE_URL"))
	}
	if c.GapTimeout <= 0 {
		errs = append(errs, errors.New("BEACON_GAP_TIMEOUT must be > 0"))
	}
	if c.WSOriginRequired && len(c.WSAllowedOrigins) == 0 {
		errs = append(errs, errors.New("BEACON_WS_ALLOWED_ORIGINS is empty while origin is required"))
	}
	if c.WSSendQueue <= 0 {
		errs = append(errs, errors.New("BEACON_WS_SEND_QUEUE must be > 0"))
	}
	if c.WSPublishRate <= 0 || c.WSPublishBurst <= 0 {
		errs = append(errs, errors.New("BEACON_WS_PUBLISH_RATE and BEACON_WS_PUBLISH_BURST must be > 0"))
	}
	if c.WSRecoveryWindow < 0 {
		errs = append(errs, errors.New("BEACON_WS_RECOVERY_WINDOW must be >= 0"))
	}
	if c.WSRecoveryWindow > 0 && c.WSRecoveryReap <= 0 {
		errs = append(errs, errors.New("BEACON_WS_RECOVERY_REAP_INTERVAL must be > 0"))
	}

	return errors.Join(errs...)
}

// GatewayConfig maps the WS_* settings onto the gateway.
func (c Config) GatewayConfig() realtime.GatewayConfig {
	return realtime.GatewayConfig{
		DevInsecure:       c.WSDevInsecure,
		OriginRequired:    c.WSOriginRequired,
		AllowedOrigins:    c.WSAllowedOrigins,
		WriteTimeout:      c.WSWriteTimeout,
		ReadIdleTimeout:   c.WSReadIdleTimeout,
		HelloTimeout:      c.WSHelloTimeout,
		SendQueueSize:     c.WSSendQueue,
		HeartbeatInterval: c.WSHeartbeatInterval,
		HeartbeatTimeout:  c.WSHeartbeatTimeout,
		PublishRate:       c.WSPublishRate,
		PublishBurst:      c.WSPublishBurst,
		RecoveryWindow:    c.WSRecoveryWindow,
	}
}

// storeKind names the log backend the config selects.
func (c Config) storeKind() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.SQLitePath != "":
		return "sqlite"
	default:
		return "memory"
	}
}
