package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/logging"
	"github.com/spf13/viper"
)

const (
	envPrefix = "GRIDCOLLAB"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	Database       DatabaseConfig
	Log            LogConfig
	Auth           AuthConfig
	Presence       PresenceConfig
	Typing         TypingConfig
	Locks          LocksConfig
	Reaper         ReaperConfig
	Activity       ActivityConfig
	Limits         LimitsConfig
	Redis          RedisConfig
	Notify         NotifyConfig
}

type DatabaseConfig struct {
	Driver string
	Path   string
	DSN    string
}

type LogConfig struct {
	Level  string
	Format string
}

type AuthConfig struct {
	SigningSecret string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
}

type PresenceConfig struct {
	TTL time.Duration
	// CursorRate is the client-side cursor throttle advertised in the channel greeting.
	CursorRate int
}

type TypingConfig struct {
	TTL          time.Duration
	StopDebounce time.Duration
}

type LocksConfig struct {
	IdleTimeout time.Duration
}

type ReaperConfig struct {
	Interval time.Duration
}

type ActivityConfig struct {
	FeedCapacity     int
	AppendAttempts   int
	RetryBackoff     time.Duration
	SubscriberBuffer int
}

type LimitsConfig struct {
	SignalsPerSecond float64
	SignalBurst      int
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

type NotifyConfig struct {
	Workers   int
	QueueSize int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", "0.0.0.0:8080")
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", DriverSQLite)
	configViper.SetDefault("database.path", "gridcollab.db")
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", "info")
	configViper.SetDefault("log.format", logging.FormatJSON)
	configViper.SetDefault("auth.issuer", "gridcollab-auth")
	configViper.SetDefault("auth.audience", "gridcollab-api")
	configViper.SetDefault("auth.token_ttl_minutes", 60)
	configViper.SetDefault("presence.ttl", "10s")
	configViper.SetDefault("presence.cursor_rate", 10)
	configViper.SetDefault("typing.ttl", "5s")
	configViper.SetDefault("typing.stop_debounce", "3s")
	configViper.SetDefault("locks.idle_timeout", "60s")
	configViper.SetDefault("reaper.interval", "2s")
	configViper.SetDefault("activity.feed_capacity", 200)
	configViper.SetDefault("activity.append_attempts", 3)
	configViper.SetDefault("activity.retry_backoff", "100ms")
	configViper.SetDefault("activity.subscriber_buffer", 256)
	configViper.SetDefault("limits.signals_per_second", 20)
	configViper.SetDefault("limits.signal_burst", 40)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.channel", "gridcollab:mentions")
	configViper.SetDefault("notify.workers", 2)
	configViper.SetDefault("notify.queue_size", 256)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		Database: DatabaseConfig{
			Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			Path:   configViper.GetString("database.path"),
			DSN:    configViper.GetString("database.dsn"),
		},
		Log: LogConfig{
			Level:  configViper.GetString("log.level"),
			Format: configViper.GetString("log.format"),
		},
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			Audience:      configViper.GetString("auth.audience"),
			TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		},
		Presence: PresenceConfig{
			TTL:        configViper.GetDuration("presence.ttl"),
			CursorRate: configViper.GetInt("presence.cursor_rate"),
		},
		Typing: TypingConfig{
			TTL:          configViper.GetDuration("typing.ttl"),
			StopDebounce: configViper.GetDuration("typing.stop_debounce"),
		},
		Locks:  LocksConfig{IdleTimeout: configViper.GetDuration("locks.idle_timeout")},
		Reaper: ReaperConfig{Interval: configViper.GetDuration("reaper.interval")},
		Activity: ActivityConfig{
			FeedCapacity:     configViper.GetInt("activity.feed_capacity"),
			AppendAttempts:   configViper.GetInt("activity.append_attempts"),
			RetryBackoff:     configViper.GetDuration("activity.retry_backoff"),
			SubscriberBuffer: configViper.GetInt("activity.subscriber_buffer"),
		},
		Limits: LimitsConfig{
			SignalsPerSecond: configViper.GetFloat64("limits.signals_per_second"),
			SignalBurst:      configViper.GetInt("limits.signal_burst"),
		},
		Redis: RedisConfig{
			Address:  strings.TrimSpace(configViper.GetString("redis.address")),
			Password: configViper.GetString("redis.password"),
			DB:       configViper.GetInt("redis.db"),
			Channel:  configViper.GetString("redis.channel"),
		},
		Notify: NotifyConfig{
			Workers:   configViper.GetInt("notify.workers"),
			QueueSize: configViper.GetInt("notify.queue_size"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.Database.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	for key, value := range map[string]time.Duration{
		"presence.ttl":         c.Presence.TTL,
		"typing.ttl":           c.Typing.TTL,
		"typing.stop_debounce": c.Typing.StopDebounce,
		"locks.idle_timeout":   c.Locks.IdleTimeout,
		"reaper.interval":      c.Reaper.Interval,
	} {
		if value <= 0 {
			return fmt.Errorf("%s must be a positive duration", key)
		}
	}
	if c.Typing.StopDebounce >= c.Typing.TTL {
		return fmt.Errorf("typing.stop_debounce must be shorter than typing.ttl")
	}
	if c.Activity.FeedCapacity <= 0 || c.Activity.AppendAttempts <= 0 || c.Activity.SubscriberBuffer <= 0 {
		return fmt.Errorf("activity.feed_capacity, activity.append_attempts and activity.subscriber_buffer must be positive")
	}
	if c.Activity.RetryBackoff < 0 {
		return fmt.Errorf("activity.retry_backoff must not be negative")
	}
	if c.Redis.Address != "" && strings.TrimSpace(c.Redis.Channel) == "" {
		return fmt.Errorf("redis.channel is required when redis.address is set")
	}
	return nil
}
