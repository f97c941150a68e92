package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every environment variable read by the agent.
const EnvPrefix = "POSAGENT"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App     AppConfig
	Backend BackendConfig
	Store   StoreConfig
	Redis   RedisConfig
	NATS    NATSConfig
	Station StationConfig
	Bus     BusConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Store.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Station.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"POSAGENT_APP_ENV" default:"dev"`
	StatusPort   string `envconfig:"POSAGENT_STATUS_PORT" default:"7070"`
	LogLevel     string `envconfig:"POSAGENT_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"POSAGENT_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type BackendConfig struct {
	BaseURL        string        `envconfig:"POSAGENT_BACKEND_BASE_URL" required:"true"`
	RequestTimeout time.Duration `envconfig:"POSAGENT_BACKEND_REQUEST_TIMEOUT" default:"10s"`
	ReadRetries    uint64        `envconfig:"POSAGENT_BACKEND_READ_RETRIES" default:"3"`
	RetryBackoff   time.Duration `envconfig:"POSAGENT_BACKEND_RETRY_BACKOFF" default:"250ms"`
}

// StoreConfig selects the shared state store backing the cross-tab bus.
type StoreConfig struct {
	Driver     string `envconfig:"POSAGENT_STORE_DRIVER" default:"redis"`
	SQLitePath string `envconfig:"POSAGENT_STORE_SQLITE_PATH" default:"posagent-shared.db"`
}

func (s StoreConfig) validate() error {
	switch strings.ToLower(s.Driver) {
	case "redis", "sqlite", "memory":
		return nil
	}
	return fmt.Errorf("unsupported store driver %q", s.Driver)
}

type RedisConfig struct {
	URL          string        `envconfig:"POSAGENT_REDIS_URL"`
	Address      string        `envconfig:"POSAGENT_REDIS_ADDR"`
	Password     string        `envconfig:"POSAGENT_REDIS_PASSWORD"`
	DB           int           `envconfig:"POSAGENT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"POSAGENT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"POSAGENT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"POSAGENT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"POSAGENT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"POSAGENT_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// NATSConfig configures the optional low-latency broadcast channel.
// An empty URL disables it; the durable store signal always remains.
type NATSConfig struct {
	URL     string `envconfig:"POSAGENT_NATS_URL"`
	Subject string `envconfig:"POSAGENT_NATS_SUBJECT" default:"posagent.events"`
}

func (n NATSConfig) Enabled() bool {
	return strings.TrimSpace(n.URL) != ""
}

type StationConfig struct {
	Mode           string        `envconfig:"POSAGENT_STATION_MODE" default:"guest"`
	AutoAssignMode string        `envconfig:"POSAGENT_STATION_AUTO_ASSIGN" default:"always-new"`
	PoolSize       int           `envconfig:"POSAGENT_STATION_POOL_SIZE" default:"20"`
	AssignDelayMax time.Duration `envconfig:"POSAGENT_STATION_ASSIGN_DELAY_MAX" default:"400ms"`
	ClaimDebounce  time.Duration `envconfig:"POSAGENT_STATION_CLAIM_DEBOUNCE" default:"600ms"`
	PollInterval   time.Duration `envconfig:"POSAGENT_STATION_POLL_INTERVAL" default:"15s"`

	// SessionFile persists the agent's session identity across restarts so a
	// locked station can be restored after a crash or reboot.
	SessionFile string `envconfig:"POSAGENT_STATION_SESSION_FILE" default:"posagent-session.id"`

	// UTCOffsetMinutes fixes the business civil zone used for order dates.
	UTCOffsetMinutes int `envconfig:"POSAGENT_STATION_UTC_OFFSET_MINUTES" default:"480"`
}

func (s StationConfig) validate() error {
	switch strings.ToLower(s.Mode) {
	case "guest", "admin":
	default:
		return fmt.Errorf("unsupported station mode %q", s.Mode)
	}
	switch strings.ToLower(s.AutoAssignMode) {
	case "always-new", "prefer-last-shared":
	default:
		return fmt.Errorf("unsupported auto-assign mode %q", s.AutoAssignMode)
	}
	if s.PoolSize <= 0 {
		return fmt.Errorf("station pool size must be positive")
	}
	return nil
}

func (s StationConfig) IsAdmin() bool {
	return strings.EqualFold(s.Mode, "admin")
}

// BusinessZone returns the fixed-offset civil zone for order business dates.
func (s StationConfig) BusinessZone() *time.Location {
	return time.FixedZone("business", s.UTCOffsetMinutes*60)
}

type BusConfig struct {
	SnapshotPollInterval time.Duration `envconfig:"POSAGENT_SNAPSHOT_POLL_INTERVAL" default:"30s"`
	RefreshMinInterval   time.Duration `envconfig:"POSAGENT_SNAPSHOT_REFRESH_MIN_INTERVAL" default:"2s"`
	DedupTTL             time.Duration `envconfig:"POSAGENT_BUS_DEDUP_TTL" default:"24h"`
}
