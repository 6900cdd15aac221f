package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/weiawesome/wes-io-live/relay-service/internal/feed"
	"github.com/weiawesome/wes-io-live/relay-service/internal/hub"
	"github.com/weiawesome/wes-io-live/relay-service/internal/upstream"
	pkgconfig "github.com/weiawesome/wes-io-live/relay-service/pkg/config"
)

type Config struct {
	Server    ServerConfig
	Feed      feed.Config
	Session   SessionConfig
	WebSocket WebSocketConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type SessionConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffGrowth  float64       `mapstructure:"backoff_growth"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads ./config/config.yaml, or the file named by CONFIG_FILE, and
// applies defaults and environment overrides.
func Load() (*Config, error) {
	var (
		v   *viper.Viper
		err error
	)
	if path := pkgconfig.GetEnv("CONFIG_FILE", ""); path != "" {
		v, err = pkgconfig.LoadFile(path)
	} else {
		v, err = pkgconfig.Load("./config", "config")
	}
	if err != nil {
		return nil, err
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("feed.driver", "websocket")
	v.SetDefault("feed.stream_id", "")
	v.SetDefault("feed.buffer_size", 256)
	v.SetDefault("feed.websocket.url", "ws://localhost:8089/live/{stream_id}")
	v.SetDefault("feed.websocket.handshake_timeout", "10s")
	v.SetDefault("feed.websocket.max_message_size", 1<<20)
	v.SetDefault("feed.redis.address", "localhost:6379")
	v.SetDefault("feed.redis.password", "")
	v.SetDefault("feed.redis.db", 0)
	v.SetDefault("feed.redis.channel", "tiktok:live:{stream_id}:events")
	v.SetDefault("feed.kafka.brokers", "localhost:9092")
	v.SetDefault("feed.kafka.topic", "tiktok-live-events")
	v.SetDefault("feed.kafka.group_id", "relay-service")
	v.SetDefault("session.max_attempts", 15)
	v.SetDefault("session.backoff_base", "1s")
	v.SetDefault("session.backoff_growth", 1.5)
	v.SetDefault("session.backoff_max", "15s")
	v.SetDefault("session.connect_timeout", "30s")
	v.SetDefault("websocket.ping_interval", "20s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("feed.stream_id", "STREAM_ID", "TIKTOK_USERNAME")
	v.BindEnv("feed.driver", "FEED_DRIVER")
	v.BindEnv("feed.websocket.url", "FEED_WEBSOCKET_URL")
	v.BindEnv("feed.redis.address", "REDIS_ADDRESS")
	v.BindEnv("feed.redis.password", "REDIS_PASSWORD")
	v.BindEnv("feed.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("feed.kafka.topic", "KAFKA_TOPIC")
	v.BindEnv("feed.kafka.group_id", "KAFKA_GROUP_ID")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Parse durations
	cfg.Feed.WebSocket.HandshakeTimeout = parseDuration(v, "feed.websocket.handshake_timeout", 10*time.Second)
	cfg.Session.BackoffBase = parseDuration(v, "session.backoff_base", time.Second)
	cfg.Session.BackoffMax = parseDuration(v, "session.backoff_max", 15*time.Second)
	cfg.Session.ConnectTimeout = parseDuration(v, "session.connect_timeout", 30*time.Second)
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 20*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)

	cfg.Feed.StreamID = strings.TrimSpace(cfg.Feed.StreamID)

	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Feed.StreamID == "" {
		errs = append(errs, errors.New("feed.stream_id is required (STREAM_ID or TIKTOK_USERNAME)"))
	}
	if c.Session.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("session.max_attempts must be at least 1, got %d", c.Session.MaxAttempts))
	}
	if c.Session.BackoffGrowth < 1 {
		errs = append(errs, fmt.Errorf("session.backoff_growth must be at least 1, got %g", c.Session.BackoffGrowth))
	}
	if c.Session.BackoffBase <= 0 || c.Session.BackoffMax <= 0 || c.Session.BackoffMax < c.Session.BackoffBase {
		errs = append(errs, errors.New("session backoff bounds must be positive with backoff_max >= backoff_base"))
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.WriteWait <= 0 {
		errs = append(errs, errors.New("websocket.ping_interval and websocket.write_wait must be positive"))
	}
	if c.WebSocket.SendBuffer < 1 {
		errs = append(errs, fmt.Errorf("websocket.send_buffer must be at least 1, got %d", c.WebSocket.SendBuffer))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// UpstreamConfig returns the session reconnect policy.
func (c *Config) UpstreamConfig() upstream.Config {
	return upstream.Config{
		MaxAttempts: c.Session.MaxAttempts,
		Backoff: upstream.Backoff{
			Base:   c.Session.BackoffBase,
			Growth: c.Session.BackoffGrowth,
			Max:    c.Session.BackoffMax,
		},
		ConnectTimeout: c.Session.ConnectTimeout,
	}
}

// HubConfig returns the downstream websocket settings.
func (c *Config) HubConfig() hub.Config {
	return hub.Config{
		WriteWait:      c.WebSocket.WriteWait,
		MaxMessageSize: c.WebSocket.MaxMessageSize,
		SendBuffer:     c.WebSocket.SendBuffer,
	}
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
