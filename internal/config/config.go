// Package config loads driverlink settings from defaults, an optional YAML
// file and DRIVERLINK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "DRIVERLINK"

// Offer policies for a second offer arriving while one is pending.
const (
	PolicyFirstWins  = "first_wins"
	PolicyLatestWins = "latest_wins"
)

// Poll modes.
const (
	PollAlways   = "always"
	PollDegraded = "degraded"
)

type Config struct {
	Server     Server
	Auth       Auth
	Connection Connection
	Heartbeat  Heartbeat
	Network    Network
	Offer      Offer
	Decision   Decision
	Poll       Poll
	Location   Location
	Store      Store
	Notice     Notice
	Notify     Notify
	Surface    Surface
	Log        Log
	Metrics    Metrics
}

type Server struct {
	ChannelURL string // ws(s):// endpoint of the dispatch channel
	APIBase    string // REST base URL
	UserType   string
}

type Auth struct {
	Token     string
	TokenFile string
	WorkerID  string // skips the user-details lookup when set
}

type Connection struct {
	HandshakeTimeout time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	Randomization    float64
	WakeInterval     time.Duration // minimum spacing of reachability wake-ups
	WakeBurst        int
}

type Heartbeat struct {
	Interval       time.Duration
	PongTimeout    time.Duration
	StaleThreshold uint
}

type Network struct {
	Debounce  time.Duration
	StateFile string
}

type Offer struct {
	TTL    time.Duration
	Grace  time.Duration
	Policy string
}

type Decision struct {
	AckTimeout   time.Duration
	RESTFallback bool
}

type Poll struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
	Mode     string
}

type Location struct {
	Enabled   bool
	Interval  time.Duration
	Retries   int
	RetryStep time.Duration
	File      string // JSON {latitude, longitude} kept current by the host
}

type Store struct {
	DSN       string
	Retention time.Duration
}

type Notice struct {
	RedisURL string
	Channel  string
}

type Notify struct {
	Enabled   bool
	BaseURL   string
	Secret    string
	PushToken string
	Attempts  int
}

type Surface struct {
	ConnectionStreak time.Duration
}

type Log struct {
	Level  string
	Format string
}

type Metrics struct {
	Addr string
}

// SetDefaults registers every key with its default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.channel_url", "ws://localhost:8080/ws")
	v.SetDefault("server.api_base", "http://localhost:8080")
	v.SetDefault("server.user_type", "driver")

	v.SetDefault("auth.token", "")
	v.SetDefault("auth.token_file", "")
	v.SetDefault("auth.worker_id", "")

	v.SetDefault("connection.handshake_timeout", 20*time.Second)
	v.SetDefault("connection.backoff_base", 2*time.Second)
	v.SetDefault("connection.backoff_max", 10*time.Second)
	v.SetDefault("connection.randomization", 0.5)
	v.SetDefault("connection.wake_interval", time.Second)
	v.SetDefault("connection.wake_burst", 1)

	v.SetDefault("heartbeat.interval", 20*time.Second)
	v.SetDefault("heartbeat.pong_timeout", 5*time.Second)
	v.SetDefault("heartbeat.stale_threshold", 3)

	v.SetDefault("network.debounce", 500*time.Millisecond)
	v.SetDefault("network.state_file", "")

	v.SetDefault("offer.ttl", 120*time.Second)
	v.SetDefault("offer.grace", 3*time.Second)
	v.SetDefault("offer.policy", PolicyFirstWins)

	v.SetDefault("decision.ack_timeout", 2*time.Second)
	v.SetDefault("decision.rest_fallback", true)

	v.SetDefault("poll.enabled", true)
	v.SetDefault("poll.interval", 5*time.Second)
	v.SetDefault("poll.timeout", 4*time.Second)
	v.SetDefault("poll.mode", PollAlways)

	v.SetDefault("location.enabled", false)
	v.SetDefault("location.interval", 30*time.Second)
	v.SetDefault("location.retries", 3)
	v.SetDefault("location.retry_step", 2*time.Second)
	v.SetDefault("location.file", "")

	v.SetDefault("store.dsn", "memory://")
	v.SetDefault("store.retention", 30*time.Minute)

	v.SetDefault("notice.redis_url", "")
	v.SetDefault("notice.channel", "driverlink:notices")

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.base_url", "")
	v.SetDefault("notify.secret", "")
	v.SetDefault("notify.push_token", "")
	v.SetDefault("notify.attempts", 3)

	v.SetDefault("surface.connection_streak", 3*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("metrics.addr", "")
}

// NewViper returns a viper instance wired for defaults and environment
// overrides. When path is non-empty that file is read; otherwise an optional
// driverlink.yaml in the working directory is picked up.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("driverlink")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load reads and validates the configuration.
func Load(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	cfg := FromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromViper copies settings out of v.
func FromViper(v *viper.Viper) *Config {
	return &Config{
		Server: Server{
			ChannelURL: v.GetString("server.channel_url"),
			APIBase:    strings.TrimRight(v.GetString("server.api_base"), "/"),
			UserType:   v.GetString("server.user_type"),
		},
		Auth: Auth{
			Token:     v.GetString("auth.token"),
			TokenFile: v.GetString("auth.token_file"),
			WorkerID:  v.GetString("auth.worker_id"),
		},
		Connection: Connection{
			HandshakeTimeout: v.GetDuration("connection.handshake_timeout"),
			BackoffBase:      v.GetDuration("connection.backoff_base"),
			BackoffMax:       v.GetDuration("connection.backoff_max"),
			Randomization:    v.GetFloat64("connection.randomization"),
			WakeInterval:     v.GetDuration("connection.wake_interval"),
			WakeBurst:        v.GetInt("connection.wake_burst"),
		},
		Heartbeat: Heartbeat{
			Interval:       v.GetDuration("heartbeat.interval"),
			PongTimeout:    v.GetDuration("heartbeat.pong_timeout"),
			StaleThreshold: v.GetUint("heartbeat.stale_threshold"),
		},
		Network: Network{
			Debounce:  v.GetDuration("network.debounce"),
			StateFile: v.GetString("network.state_file"),
		},
		Offer: Offer{
			TTL:    v.GetDuration("offer.ttl"),
			Grace:  v.GetDuration("offer.grace"),
			Policy: v.GetString("offer.policy"),
		},
		Decision: Decision{
			AckTimeout:   v.GetDuration("decision.ack_timeout"),
			RESTFallback: v.GetBool("decision.rest_fallback"),
		},
		Poll: Poll{
			Enabled:  v.GetBool("poll.enabled"),
			Interval: v.GetDuration("poll.interval"),
			Timeout:  v.GetDuration("poll.timeout"),
			Mode:     v.GetString("poll.mode"),
		},
		Location: Location{
			Enabled:   v.GetBool("location.enabled"),
			Interval:  v.GetDuration("location.interval"),
			Retries:   v.GetInt("location.retries"),
			RetryStep: v.GetDuration("location.retry_step"),
			File:      v.GetString("location.file"),
		},
		Store: Store{
			DSN:       v.GetString("store.dsn"),
			Retention: v.GetDuration("store.retention"),
		},
		Notice: Notice{
			RedisURL: v.GetString("notice.redis_url"),
			Channel:  v.GetString("notice.channel"),
		},
		Notify: Notify{
			Enabled:   v.GetBool("notify.enabled"),
			BaseURL:   strings.TrimRight(v.GetString("notify.base_url"), "/"),
			Secret:    v.GetString("notify.secret"),
			PushToken: v.GetString("notify.push_token"),
			Attempts:  v.GetInt("notify.attempts"),
		},
		Surface: Surface{ConnectionStreak: v.GetDuration("surface.connection_streak")},
		Log:     Log{Level: v.GetString("log.level"), Format: v.GetString("log.format")},
		Metrics: Metrics{Addr: v.GetString("metrics.addr")},
	}
}

// Default returns the built-in configuration without reading files or env.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	return FromViper(v)
}

// Validate rejects settings the agent cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"connection.handshake_timeout": c.Connection.HandshakeTimeout,
		"connection.backoff_base":      c.Connection.BackoffBase,
		"heartbeat.interval":           c.Heartbeat.Interval,
		"heartbeat.pong_timeout":       c.Heartbeat.PongTimeout,
		"offer.ttl":                    c.Offer.TTL,
		"decision.ack_timeout":         c.Decision.AckTimeout,
		"poll.interval":                c.Poll.Interval,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	if c.Connection.BackoffMax < c.Connection.BackoffBase {
		errs = append(errs, fmt.Errorf("connection.backoff_max (%s) must be >= connection.backoff_base (%s)",
			c.Connection.BackoffMax, c.Connection.BackoffBase))
	}
	if c.Connection.Randomization < 0 || c.Connection.Randomization > 1 {
		errs = append(errs, fmt.Errorf("connection.randomization must be in [0,1]"))
	}
	if c.Heartbeat.PongTimeout >= c.Heartbeat.Interval {
		errs = append(errs, fmt.Errorf("heartbeat.pong_timeout must be shorter than heartbeat.interval"))
	}
	if c.Heartbeat.StaleThreshold == 0 {
		errs = append(errs, fmt.Errorf("heartbeat.stale_threshold must be >= 1"))
	}
	if c.Network.Debounce < 0 || c.Offer.Grace < 0 {
		errs = append(errs, fmt.Errorf("network.debounce and offer.grace must be >= 0"))
	}
	switch c.Offer.Policy {
	case PolicyFirstWins, PolicyLatestWins:
	default:
		errs = append(errs, fmt.Errorf("unknown offer.policy %q", c.Offer.Policy))
	}
	switch c.Poll.Mode {
	case PollAlways, PollDegraded:
	default:
		errs = append(errs, fmt.Errorf("unknown poll.mode %q", c.Poll.Mode))
	}
	if c.Location.Enabled && c.Location.Interval <= 0 {
		errs = append(errs, fmt.Errorf("location.interval must be > 0"))
	}
	if c.Location.Enabled && c.Location.File == "" {
		errs = append(errs, fmt.Errorf("location.file is required when location.enabled"))
	}
	if c.Server.ChannelURL == "" {
		errs = append(errs, fmt.Errorf("server.channel_url is required"))
	}
	return errors.Join(errs...)
}
