// Package config loads the gateway configuration from environment variables,
// optionally layered over a YAML file named by GATEWAY_CONFIG whose keys are
// the lower-cased variable names. Every variable has a default except the credential secret and, for the
// postgres driver, the database URL. Invalid overrides are collected and
// reported together so a misconfigured deployment fails with one message.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileEnv names the variable holding the optional YAML config path.
const FileEnv = "GATEWAY_CONFIG"

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds every runtime tunable of the gateway process.
type Config struct {
	ListenAddr     string
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxFrameBytes  int64

	HandshakeTimeout  time.Duration
	AuthFailureGrace  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	IdleTimeout       time.Duration
	HandlerTimeout    time.Duration
	StoreTimeout      time.Duration

	CredentialSecret   string
	CredentialLeeway   time.Duration
	NonceHorizon       time.Duration
	EncryptAuthPayload bool

	StoreDriver   string
	DatabaseURL   string
	RunMigrations bool

	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RedisTrackKeys     bool
	CacheTTL           time.Duration
	CacheMaxEntries    int
	CacheOpTimeout     time.Duration
	CacheRecheckInterval time.Duration

	NATSURL      string
	NodeName     string
	SeedChannels []string

	ContentFilter bool
	BlockedTerms  []string

	LogLevel          string
	LogFormat         string
	DefaultWireFormat string
}

// Default returns the configuration used when no variable is set. The
// credential secret and database URL are left empty.
func Default() Config {
	node, _ := os.Hostname()
	if node == "" {
		node = "gateway-1"
	}
	return Config{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Second,
		MaxFrameBytes:  64 << 10,

		HandshakeTimeout:  10 * time.Second,
		AuthFailureGrace:  250 * time.Millisecond,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		IdleTimeout:       3 * time.Minute,
		HandlerTimeout:    10 * time.Second,
		StoreTimeout:      3 * time.Second,

		CredentialLeeway:   5 * time.Second,
		NonceHorizon:       5 * time.Minute,
		EncryptAuthPayload: true,

		StoreDriver:   DriverPostgres,
		RunMigrations: true,

		CacheTTL:           120 * time.Second,
		CacheMaxEntries:    10000,
		CacheOpTimeout:     500 * time.Millisecond,
		CacheRecheckInterval: 5 * time.Second,

		NodeName:     node,
		SeedChannels: []string{"general"},

		LogLevel:          "info",
		LogFormat:         "json",
		DefaultWireFormat: "binary",
	}
}

// Load reads the configuration. Environment variables take precedence over
// the file. List values are comma-separated strings in both.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	if path := os.Getenv(FileEnv); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return load(v.GetString)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Default()
	p := &parser{getenv: getenv}

	p.str("LISTEN_ADDR", &cfg.ListenAddr)
	p.positiveInt("WORKER_POOL_SIZE", &cfg.WorkerPoolSize)
	p.positiveInt("MAX_CONNECTIONS", &cfg.MaxConnections)
	p.duration("READ_TIMEOUT", &cfg.ReadTimeout)
	p.duration("WRITE_TIMEOUT", &cfg.WriteTimeout)
	p.positiveInt64("MAX_FRAME_BYTES", &cfg.MaxFrameBytes)

	p.duration("HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout)
	p.duration("AUTH_FAILURE_GRACE", &cfg.AuthFailureGrace)
	p.duration("HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	p.duration("HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout)
	p.duration("IDLE_TIMEOUT", &cfg.IdleTimeout)
	p.duration("HANDLER_TIMEOUT", &cfg.HandlerTimeout)
	p.duration("STORE_TIMEOUT", &cfg.StoreTimeout)

	p.str("CREDENTIAL_SECRET", &cfg.CredentialSecret)
	p.duration("CREDENTIAL_LEEWAY", &cfg.CredentialLeeway)
	p.duration("NONCE_HORIZON", &cfg.NonceHorizon)
	p.boolean("ENCRYPT_AUTH_PAYLOAD", &cfg.EncryptAuthPayload)

	p.str("STORE_DRIVER", &cfg.StoreDriver)
	p.str("DATABASE_URL", &cfg.DatabaseURL)
	p.boolean("RUN_MIGRATIONS", &cfg.RunMigrations)

	p.str("REDIS_ADDR", &cfg.RedisAddr)
	p.str("REDIS_PASSWORD", &cfg.RedisPassword)
	p.nonNegativeInt("REDIS_DB", &cfg.RedisDB)
	p.boolean("REDIS_TRACK_KEYS", &cfg.RedisTrackKeys)
	p.duration("CACHE_TTL", &cfg.CacheTTL)
	p.positiveInt("CACHE_MAX_ENTRIES", &cfg.CacheMaxEntries)
	p.duration("CACHE_OP_TIMEOUT", &cfg.CacheOpTimeout)
	p.duration("CACHE_RECHECK_INTERVAL", &cfg.CacheRecheckInterval)

	p.str("NATS_URL", &cfg.NATSURL)
	p.str("NODE_NAME", &cfg.NodeName)
	p.list("SEED_CHANNELS", &cfg.SeedChannels)

	p.boolean("CONTENT_FILTER", &cfg.ContentFilter)
	p.list("BLOCKED_TERMS", &cfg.BlockedTerms)

	p.str("LOG_LEVEL", &cfg.LogLevel)
	p.str("LOG_FORMAT", &cfg.LogFormat)
	p.str("DEFAULT_WIRE_FORMAT", &cfg.DefaultWireFormat)

	if err := cfg.Validate(); err != nil {
		p.problems = append(p.problems, err.Error())
	}

	if len(p.problems) > 0 {
		return Config{}, fmt.Errorf("config: %s", strings.Join(p.problems, "; "))
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.CredentialSecret) == "" {
		problems = append(problems, "CREDENTIAL_SECRET must be set")
	}
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL must be set for the postgres driver")
		}
	case DriverMemory:
	default:
		problems = append(problems, fmt.Sprintf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver))
	}
	switch c.DefaultWireFormat {
	case "binary", "json":
	default:
		problems = append(problems, fmt.Sprintf("DEFAULT_WIRE_FORMAT must be binary or json, got %q", c.DefaultWireFormat))
	}
	if c.IdleTimeout <= c.HeartbeatInterval {
		problems = append(problems, "IDLE_TIMEOUT must be longer than HEARTBEAT_INTERVAL")
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.New(strings.Join(problems, "; "))
}

type parser struct {
	getenv   func(string) string
	problems []string
}

func (p *parser) raw(key string) (string, bool) {
	v := strings.TrimSpace(p.getenv(key))
	return v, v != ""
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.raw(key); ok {
		*dst = v
	}
}

// list reads a comma-separated value, dropping empty items.
func (p *parser) list(key string, dst *[]string) {
	v, ok := p.raw(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.raw(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		p.problems = append(p.problems, fmt.Sprintf("%s must be a positive duration, got %q", key, v))
		return
	}
	*dst = d
}

func (p *parser) positiveInt(key string, dst *int) {
	v, ok := p.raw(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		p.problems = append(p.problems, fmt.Sprintf("%s must be a positive integer, got %q", key, v))
		return
	}
	*dst = n
}

func (p *parser) nonNegativeInt(key string, dst *int) {
	v, ok := p.raw(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		p.problems = append(p.problems, fmt.Sprintf("%s must be a non-negative integer, got %q", key, v))
		return
	}
	*dst = n
}

func (p *parser) positiveInt64(key string, dst *int64) {
	v, ok := p.raw(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		p.problems = append(p.problems, fmt.Sprintf("%s must be a positive integer, got %q", key, v))
		return
	}
	*dst = n
}

func (p *parser) boolean(key string, dst *bool) {
	v, ok := p.raw(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.problems = append(p.problems, fmt.Sprintf("%s must be a boolean, got %q", key, v))
		return
	}
	*dst = b
}
