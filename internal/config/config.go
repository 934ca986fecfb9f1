package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/gc-lover/necpgame-monorepo-sub025/internal/gateway"
	"github.com/gc-lover/necpgame-monorepo-sub025/internal/session"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "STATESYNC_"

type Config struct {
	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout" env:"HEARTBEAT_TIMEOUT"`
	SweepInterval      time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	ReconnectRetention time.Duration `yaml:"reconnect_retention" env:"RECONNECT_RETENTION"`
	ClosedRetention    time.Duration `yaml:"closed_retention" env:"CLOSED_RETENTION"`
	MaxSessions        int           `yaml:"max_sessions" env:"MAX_SESSIONS"`

	SubscriberQueueDepth int           `yaml:"subscriber_queue_depth" env:"SUBSCRIBER_QUEUE_DEPTH"`
	SubscriptionIdleTTL  time.Duration `yaml:"subscription_idle_ttl" env:"SUBSCRIPTION_IDLE_TTL"`

	StoreRetry StoreRetry `yaml:"store_retry" envPrefix:"STORE_RETRY_"`

	SnapshotEvery   time.Duration `yaml:"snapshot_every" env:"SNAPSHOT_EVERY"`
	IndexQueueDepth int           `yaml:"index_queue_depth" env:"INDEX_QUEUE_DEPTH"`

	// JournalQueueDepth sizes the internal firehose feeding the event journal.
	JournalQueueDepth int `yaml:"journal_queue_depth" env:"JOURNAL_QUEUE_DEPTH"`

	// PublicWSBase overrides the scheme and host used in websocket_url,
	// e.g. "wss://sync.example.com". Empty derives it from the request.
	PublicWSBase string `yaml:"public_ws_base" env:"PUBLIC_WS_BASE"`

	Offsite Offsite `yaml:"offsite" envPrefix:"OFFSITE_"`
}

// Offsite names an S3-compatible bucket that receives snapshots and
// completed journal files. Leaving Endpoint empty disables it.
type Offsite struct {
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Region          string `yaml:"region" env:"REGION"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`
	AccessKeyID     string `yaml:"-" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"-" env:"SECRET_ACCESS_KEY"`
}

func (o Offsite) Enabled() bool { return o.Endpoint != "" }

type StoreRetry struct {
	MaxTries        uint          `yaml:"max_tries" env:"MAX_TRIES"`
	InitialInterval time.Duration `yaml:"initial_interval" env:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
}

func Defaults() Config {
	return Config{
		HeartbeatTimeout:     30 * time.Second,
		SweepInterval:        5 * time.Second,
		ReconnectRetention:   5 * time.Minute,
		ClosedRetention:      10 * time.Minute,
		MaxSessions:          100000,
		SubscriberQueueDepth: 256,
		SubscriptionIdleTTL:  2 * time.Minute,
		StoreRetry: StoreRetry{
			MaxTries:        5,
			InitialInterval: 20 * time.Millisecond,
			MaxInterval:     500 * time.Millisecond,
		},
		SnapshotEvery:     time.Minute,
		IndexQueueDepth:   4096,
		JournalQueueDepth: 65536,
		Offsite:           Offsite{Region: "auto"},
	}
}

// Load layers defaults, the optional YAML file at path and STATESYNC_*
// environment overrides, in that order.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Normalize fills zero values from Defaults.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	d := Defaults()
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.ReconnectRetention == 0 {
		c.ReconnectRetention = d.ReconnectRetention
	}
	if c.ClosedRetention == 0 {
		c.ClosedRetention = d.ClosedRetention
	}
	if c.SubscriberQueueDepth == 0 {
		c.SubscriberQueueDepth = d.SubscriberQueueDepth
	}
	if c.StoreRetry.MaxTries == 0 {
		c.StoreRetry.MaxTries = d.StoreRetry.MaxTries
	}
	if c.StoreRetry.InitialInterval == 0 {
		c.StoreRetry.InitialInterval = d.StoreRetry.InitialInterval
	}
	if c.StoreRetry.MaxInterval == 0 {
		c.StoreRetry.MaxInterval = d.StoreRetry.MaxInterval
	}
	if c.IndexQueueDepth == 0 {
		c.IndexQueueDepth = d.IndexQueueDepth
	}
	if c.JournalQueueDepth == 0 {
		c.JournalQueueDepth = d.JournalQueueDepth
	}
	c.PublicWSBase = strings.TrimRight(strings.TrimSpace(c.PublicWSBase), "/")
	c.Offsite.Endpoint = strings.TrimSpace(c.Offsite.Endpoint)
	if c.Offsite.Region == "" {
		c.Offsite.Region = d.Offsite.Region
	}
}

func (c Config) Validate() error {
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat_timeout must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be > 0")
	}
	if c.SweepInterval > c.HeartbeatTimeout {
		return fmt.Errorf("sweep_interval (%s) must not exceed heartbeat_timeout (%s)", c.SweepInterval, c.HeartbeatTimeout)
	}
	if c.ReconnectRetention <= 0 || c.ClosedRetention <= 0 {
		return fmt.Errorf("reconnect_retention and closed_retention must be > 0")
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("max_sessions must be >= 0")
	}
	if c.SubscriberQueueDepth <= 0 {
		return fmt.Errorf("subscriber_queue_depth must be > 0")
	}
	if c.SubscriptionIdleTTL < 0 {
		return fmt.Errorf("subscription_idle_ttl must be >= 0")
	}
	if c.StoreRetry.InitialInterval > c.StoreRetry.MaxInterval {
		return fmt.Errorf("store_retry.initial_interval must not exceed store_retry.max_interval")
	}
	if c.JournalQueueDepth < c.SubscriberQueueDepth {
		return fmt.Errorf("journal_queue_depth must be >= subscriber_queue_depth")
	}
	if c.SnapshotEvery < 0 {
		return fmt.Errorf("snapshot_every must be >= 0")
	}
	if c.PublicWSBase != "" && !strings.HasPrefix(c.PublicWSBase, "ws://") && !strings.HasPrefix(c.PublicWSBase, "wss://") {
		return fmt.Errorf("public_ws_base must start with ws:// or wss://")
	}
	if o := c.Offsite; o.Enabled() && (o.Bucket == "" || o.AccessKeyID == "" || o.SecretAccessKey == "") {
		return fmt.Errorf("offsite.endpoint requires offsite.bucket and STATESYNC_OFFSITE_ACCESS_KEY_ID/SECRET_ACCESS_KEY")
	}
	return nil
}

func (c Config) Session() session.Config {
	return session.Config{
		HeartbeatTimeout:   c.HeartbeatTimeout,
		ReconnectRetention: c.ReconnectRetention,
		ClosedRetention:    c.ClosedRetention,
		MaxSessions:        c.MaxSessions,
	}
}

func (c Config) Gateway() gateway.Config {
	return gateway.Config{
		SweepInterval:       c.SweepInterval,
		SubscriptionIdleTTL: c.SubscriptionIdleTTL,
		StoreRetry: gateway.RetryConfig{
			MaxTries:        c.StoreRetry.MaxTries,
			InitialInterval: c.StoreRetry.InitialInterval,
			MaxInterval:     c.StoreRetry.MaxInterval,
		},
	}
}
