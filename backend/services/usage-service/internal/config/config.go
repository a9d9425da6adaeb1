package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "aquatrack/backend/libs/config"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

const (
	defaultHTTPPort = "8084"
	// maxPingInterval stays below the websocket read deadline.
	maxPingInterval = 90 * time.Second
)

// Config defines usage service configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Storage   StorageConfig   `yaml:"storage"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Cards     CardsConfig     `yaml:"cards"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

type HTTPConfig struct {
	Port         string        `yaml:"port" env:"USAGE_HTTP_PORT"`
	ReadTimeout  time.Duration `yaml:"readTimeout" env:"USAGE_HTTP_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"writeTimeout" env:"USAGE_HTTP_WRITE_TIMEOUT"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" env:"USAGE_STORAGE_DRIVER"`
}

type DatabaseConfig struct {
	DSN      string `yaml:"dsn" env:"USAGE_POSTGRES_DSN"`
	MaxConns int32  `yaml:"maxConns" env:"USAGE_POSTGRES_MAX_CONNS"`
	MinConns int32  `yaml:"minConns" env:"USAGE_POSTGRES_MIN_CONNS"`
}

// RedisConfig enables the pub/sub command transport when Addr is set.
type RedisConfig struct {
	Addr          string `yaml:"addr" env:"USAGE_REDIS_ADDR"`
	Password      string `yaml:"password" env:"USAGE_REDIS_PASSWORD"`
	DB            int    `yaml:"db" env:"USAGE_REDIS_DB"`
	ChannelPrefix string `yaml:"channelPrefix" env:"USAGE_REDIS_CHANNEL_PREFIX"`
}

type AuthConfig struct {
	JWTSecret     string        `yaml:"jwtSecret" env:"USAGE_JWT_SECRET"`
	Issuer        string        `yaml:"issuer" env:"USAGE_JWT_ISSUER"`
	TokenTTL      time.Duration `yaml:"tokenTTL" env:"USAGE_JWT_TTL"`
	DeviceKeyCost int           `yaml:"deviceKeyCost" env:"USAGE_DEVICE_KEY_COST"`
	// TrustDeviceHeaders skips device key checks. Only valid with the memory driver.
	TrustDeviceHeaders bool `yaml:"trustDeviceHeaders" env:"USAGE_TRUST_DEVICE_HEADERS"`
}

type SessionsConfig struct {
	DispatchTimeout       time.Duration `yaml:"dispatchTimeout" env:"USAGE_DISPATCH_TIMEOUT"`
	MaxDuration           time.Duration `yaml:"maxDuration" env:"USAGE_SESSION_MAX_DURATION"`
	SweepInterval         time.Duration `yaml:"sweepInterval" env:"USAGE_SESSION_SWEEP_INTERVAL"`
	BulkChunkSize         int           `yaml:"bulkChunkSize" env:"USAGE_BULK_CHUNK_SIZE"`
	BulkConcurrency       int           `yaml:"bulkConcurrency" env:"USAGE_BULK_CONCURRENCY"`
	EstimateRatePerMinute float64       `yaml:"estimateRatePerMinute" env:"USAGE_ESTIMATE_RATE"`
}

type ScoringConfig struct {
	Timezone            string  `yaml:"timezone" env:"USAGE_SCORING_TIMEZONE"`
	WaterBaseline       float64 `yaml:"waterBaseline" env:"USAGE_WATER_BASELINE"`
	ElectricityBaseline float64 `yaml:"electricityBaseline" env:"USAGE_ELECTRICITY_BASELINE"`
	ChunkSize           int     `yaml:"chunkSize" env:"USAGE_SCORING_CHUNK_SIZE"`
	Concurrency         int     `yaml:"concurrency" env:"USAGE_SCORING_CONCURRENCY"`
}

type CardsConfig struct {
	CacheSize int           `yaml:"cacheSize" env:"USAGE_CARD_CACHE_SIZE"`
	CacheTTL  time.Duration `yaml:"cacheTTL" env:"USAGE_CARD_CACHE_TTL"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `yaml:"pingInterval" env:"USAGE_WS_PING_INTERVAL"`
	WriteTimeout time.Duration `yaml:"writeTimeout" env:"USAGE_WS_WRITE_TIMEOUT"`
}

// Default returns the configuration used before file and env overrides.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:         defaultHTTPPort,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{Driver: DriverPostgres},
		Redis:   RedisConfig{ChannelPrefix: "devices"},
		Auth: AuthConfig{
			Issuer:   "aquatrack",
			TokenTTL: 24 * time.Hour,
		},
		Sessions: SessionsConfig{
			DispatchTimeout:       3 * time.Second,
			MaxDuration:           2 * time.Hour,
			SweepInterval:         time.Minute,
			BulkChunkSize:         50,
			BulkConcurrency:       8,
			EstimateRatePerMinute: 2.0,
		},
		Scoring: ScoringConfig{
			Timezone:            "UTC",
			WaterBaseline:       100,
			ElectricityBaseline: 1800,
			ChunkSize:           50,
			Concurrency:         4,
		},
		Cards: CardsConfig{
			CacheSize: 4096,
			CacheTTL:  5 * time.Minute,
		},
		WebSocket: WebSocketConfig{
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads configuration via shared helper.
func Load() (*Config, error) {
	cfg := Default()
	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			errs = append(errs, errors.New("config: database dsn required for postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver))
	}

	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("config: jwt secret required"))
	}
	if c.Auth.TrustDeviceHeaders && c.Storage.Driver != DriverMemory {
		errs = append(errs, errors.New("config: trustDeviceHeaders is only allowed with the memory driver"))
	}
	if c.Sessions.DispatchTimeout <= 0 {
		errs = append(errs, errors.New("config: sessions.dispatchTimeout must be positive"))
	}
	if c.Sessions.MaxDuration < 0 || c.Sessions.SweepInterval < 0 {
		errs = append(errs, errors.New("config: session sweep durations must not be negative"))
	}
	if c.Scoring.WaterBaseline <= 0 || c.Scoring.ElectricityBaseline <= 0 {
		errs = append(errs, errors.New("config: scoring baselines must be positive"))
	}
	if c.WebSocket.PingInterval >= maxPingInterval {
		errs = append(errs, fmt.Errorf("config: websocket.pingInterval must be below %s", maxPingInterval))
	}
	if _, err := time.LoadLocation(c.Scoring.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("config: scoring timezone: %w", err))
	}
	return errors.Join(errs...)
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = defaultHTTPPort
	}
	if strings.Contains(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// ScoringLocation returns the timezone calendar days are keyed in.
func (c *Config) ScoringLocation() *time.Location {
	loc, err := time.LoadLocation(c.Scoring.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RedisEnabled reports whether the pub/sub transport is configured.
func (c *Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}

// SweepEnabled reports whether the timeout sweeper should run.
func (c *Config) SweepEnabled() bool {
	return c.Sessions.MaxDuration > 0 && c.Sessions.SweepInterval > 0
}
