package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env        string           `yaml:"env" env:"ENV" env-default:"local"`
	InstanceID string           `yaml:"instance_id" env:"INSTANCE_ID"`
	HTTP       HTTPConfig       `yaml:"http"`
	Redis      RedisConfig      `yaml:"redis"`
	Heartbeat  HeartbeatConfig  `yaml:"heartbeat"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Peers      PeersConfig      `yaml:"peers"`
	Mailbox    MailboxConfig    `yaml:"mailbox"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	WebRTC     WebRTCConfig     `yaml:"webrtc"`
}

type HTTPConfig struct {
	Address         string        `yaml:"address" env:"HTTP_ADDRESS" env-default:":3004"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" env-separator:"," env-default:"*"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// RedisConfig describes the mirror store. An empty address runs the
// coordinator in memory-only mode.
type RedisConfig struct {
	Address   string        `yaml:"address" env:"REDIS_ADDR"`
	Password  string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB        int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	Mandatory bool          `yaml:"mandatory" env:"REDIS_MANDATORY" env-default:"false"`
	OpTimeout time.Duration `yaml:"op_timeout" env:"REDIS_OP_TIMEOUT" env-default:"2s"`
}

type HeartbeatConfig struct {
	PingInterval    time.Duration `yaml:"ping_interval" env:"PING_INTERVAL" env-default:"60s"`
	CheckInterval   time.Duration `yaml:"check_interval" env:"HEARTBEAT_CHECK_INTERVAL" env-default:"30s"`
	Timeout         time.Duration `yaml:"timeout" env:"HEARTBEAT_TIMEOUT" env-default:"3m"`
	MaxMissedPings  int           `yaml:"max_missed_pings" env:"MAX_MISSED_PINGS" env-default:"3"`
	ResponsiveBelow int           `yaml:"responsive_below" env:"RESPONSIVE_BELOW" env-default:"2"`
}

type ReconcilerConfig struct {
	Interval       time.Duration `yaml:"interval" env:"RECONCILER_INTERVAL" env-default:"5m"`
	GuestRetention time.Duration `yaml:"guest_retention" env:"GUEST_RETENTION" env-default:"24h"`
}

type PeersConfig struct {
	URLs    []string      `yaml:"urls" env:"PEER_SERVICE_URLS" env-separator:","`
	Timeout time.Duration `yaml:"timeout" env:"PEER_TIMEOUT" env-default:"5s"`
}

type MailboxConfig struct {
	MaxInvites int `yaml:"max_invites" env:"MAILBOX_MAX_INVITES" env-default:"50"`
}

type WebSocketConfig struct {
	SendBuffer      int   `yaml:"send_buffer" env:"WS_SEND_BUFFER" env-default:"64"`
	MaxMessageBytes int64 `yaml:"max_message_bytes" env:"WS_MAX_MESSAGE_BYTES" env-default:"65536"`
}

type WebRTCConfig struct {
	STUNServers []string `yaml:"stun_servers" env:"STUN_SERVERS" env-separator:","`
}

// MustLoad loads the config from path (or from the environment only when
// path is empty or missing) and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic("cannot read config: " + err.Error())
	}
	return cfg
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	var cfg Config

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, err
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.HTTP.Address == "" {
		c.HTTP.Address = ":3004"
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		c.HTTP.AllowedOrigins = []string{"*"}
	}
	if len(c.WebRTC.STUNServers) == 0 {
		c.WebRTC.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
}

// Validate rejects settings the schedulers cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Heartbeat.PingInterval <= 0:
		return errors.New("config: heartbeat.ping_interval must be positive")
	case c.Heartbeat.CheckInterval <= 0:
		return errors.New("config: heartbeat.check_interval must be positive")
	case c.Heartbeat.Timeout <= 0:
		return errors.New("config: heartbeat.timeout must be positive")
	case c.Heartbeat.MaxMissedPings < 1:
		return errors.New("config: heartbeat.max_missed_pings must be at least 1")
	case c.Heartbeat.ResponsiveBelow > c.Heartbeat.MaxMissedPings:
		return errors.New("config: heartbeat.responsive_below cannot exceed max_missed_pings")
	case c.Reconciler.Interval <= 0:
		return errors.New("config: reconciler.interval must be positive")
	case c.Reconciler.GuestRetention <= 0:
		return errors.New("config: reconciler.guest_retention must be positive")
	case c.Mailbox.MaxInvites < 1:
		return errors.New("config: mailbox.max_invites must be at least 1")
	}
	return nil
}

// MirrorTTL is the expiry applied to mirrored records. It covers the longest
// window in which a silent connection can still be considered alive, plus
// one timeout check period so records outlive the check that evicts them.
func (c *Config) MirrorTTL() time.Duration {
	ttl := c.Heartbeat.Timeout
	if byPings := time.Duration(c.Heartbeat.MaxMissedPings) * c.Heartbeat.PingInterval; byPings > ttl {
		ttl = byPings
	}
	return ttl + c.Heartbeat.CheckInterval
}
