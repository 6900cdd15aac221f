package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/relay-service/internal/domain"
	"github.com/weiawesome/wes-io-live/relay-service/internal/upstream"
)

var (
	ErrUnknownDriver   = errors.New("unknown feed driver")
	ErrMissingStreamID = errors.New("feed stream id is required")
	ErrRejected        = errors.New("feed rejected the session")
	ErrMalformedFrame  = errors.New("malformed feed frame")
)

// Driver is an upstream.Feed that owns process-level resources.
type Driver interface {
	upstream.Feed
	Close() error
}

// Config selects and configures the feed driver.
type Config struct {
	Driver     string          `mapstructure:"driver"` // "websocket", "redis", "kafka"
	StreamID   string          `mapstructure:"stream_id"`
	BufferSize int             `mapstructure:"buffer_size"`
	WebSocket  WebSocketConfig `mapstructure:"websocket"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
}

type WebSocketConfig struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Driver:     "websocket",
		BufferSize: 256,
		WebSocket: WebSocketConfig{
			URL:              "ws://localhost:8089/live/{stream_id}",
			HandshakeTimeout: 10 * time.Second,
			MaxMessageSize:   1 << 20,
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
			Channel: "tiktok:live:{stream_id}:events",
		},
		Kafka: KafkaConfig{
			Brokers: "localhost:9092",
			Topic:   "tiktok-live-events",
			GroupID: "relay-service",
		},
	}
}

// NewFeed creates the feed driver named by cfg.Driver.
func NewFeed(cfg Config) (Driver, error) {
	if strings.TrimSpace(cfg.StreamID) == "" {
		return nil, ErrMissingStreamID
	}
	switch strings.ToLower(cfg.Driver) {
	case "", "websocket":
		return NewWebSocketFeed(cfg.WebSocket, cfg.StreamID, cfg.BufferSize), nil
	case "redis":
		return NewRedisFeed(cfg.Redis, cfg.StreamID, cfg.BufferSize), nil
	case "kafka":
		return NewKafkaFeed(cfg.Kafka, cfg.StreamID, cfg.BufferSize), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// expandStreamID substitutes the {stream_id} placeholder.
func expandStreamID(template, streamID string) string {
	return strings.ReplaceAll(template, "{stream_id}", streamID)
}

// decodeFrame parses a {"event": name, "data": {...}} frame.
func decodeFrame(raw []byte) (domain.FeedEvent, error) {
	var env domain.FeedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.FeedEvent{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if strings.TrimSpace(env.Event) == "" {
		return domain.FeedEvent{}, fmt.Errorf("%w: missing event name", ErrMalformedFrame)
	}
	return domain.NewFeedEvent(env.Event, env.Data), nil
}

// link is one established upstream session. Closing it is idempotent and
// unblocks any pending emit.
type link struct {
	done    chan struct{}
	once    sync.Once
	closeFn func() error
	err     error
}

func newLink(closeFn func() error) *link {
	return &link{done: make(chan struct{}), closeFn: closeFn}
}

func (l *link) close() error {
	l.once.Do(func() {
		close(l.done)
		if l.closeFn != nil {
			l.err = l.closeFn()
		}
	})
	return l.err
}

func (l *link) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// stream holds the state every driver shares: the long-lived events
// channel and the current link.
type stream struct {
	streamID string
	events   chan domain.FeedEvent
	logger   zerolog.Logger

	mu      sync.Mutex
	current *link
}

func newStream(streamID string, bufferSize int, logger zerolog.Logger) *stream {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &stream{
		streamID: streamID,
		events:   make(chan domain.FeedEvent, bufferSize),
		logger:   logger,
	}
}

// Events returns the channel shared across reconnects.
func (s *stream) Events() <-chan domain.FeedEvent {
	return s.events
}

// Disconnect closes the current link without reporting a disconnect.
func (s *stream) Disconnect() error {
	s.mu.Lock()
	l := s.current
	s.current = nil
	s.mu.Unlock()

	if l == nil {
		return nil
	}
	return l.close()
}

// attach makes l current, closing whatever it replaces.
func (s *stream) attach(l *link) {
	s.mu.Lock()
	prev := s.current
	s.current = l
	s.mu.Unlock()

	if prev != nil {
		if err := prev.close(); err != nil {
			s.logger.Debug().Err(err).Msg("close replaced feed link")
		}
	}
}

// emit delivers evt unless l is closed first.
func (s *stream) emit(l *link, evt domain.FeedEvent) bool {
	if l.closed() {
		return false
	}
	select {
	case s.events <- evt:
		return true
	case <-l.done:
		return false
	}
}

// lost reports the end of an established link that was not closed on
// purpose: an error event followed by disconnected.
func (s *stream) lost(l *link, cause error) {
	if l.closed() {
		return
	}
	s.logger.Warn().Err(cause).Msg("feed link lost")
	if cause != nil {
		s.emit(l, domain.NewErrorEvent(cause.Error()))
	}
	s.emit(l, domain.NewDisconnectedEvent())
	_ = l.close()
}
