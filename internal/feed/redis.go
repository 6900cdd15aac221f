package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/wes-io-live/relay-service/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live/relay-service/pkg/log"
)

// RedisFeed subscribes to a Redis pub/sub channel that a connector
// sidecar publishes event frames to.
//
// The session counts as connected once the subscription is confirmed.
// Connector lifecycle frames published on the channel are forwarded
// as-is, so an in-band "disconnected" triggers a resubscribe.
type RedisFeed struct {
	*stream
	client  *redis.Client
	channel string
}

// NewRedisFeed creates a Redis feed. No connection is made until Connect.
func NewRedisFeed(cfg RedisConfig, streamID string, bufferSize int) *RedisFeed {
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultConfig().Redis.Channel
	}
	channel = expandStreamID(channel, streamID)

	logger := pkglog.Component("feed").With().
		Str(pkglog.FieldDriver, "redis").
		Str(pkglog.FieldStreamID, streamID).
		Str("channel", channel).
		Logger()

	return &RedisFeed{
		stream: newStream(streamID, bufferSize, logger),
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		channel: channel,
	}
}

// Channel returns the subscribed channel name.
func (f *RedisFeed) Channel() string {
	return f.channel
}

// Connect subscribes to the channel and waits for the confirmation.
func (f *RedisFeed) Connect(ctx context.Context) error {
	if err := f.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	ps := f.client.Subscribe(ctx, f.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", f.channel, err)
	}

	l := newLink(ps.Close)
	f.attach(l)
	f.emit(l, domain.NewConnectedEvent(f.streamID))

	f.logger.Debug().Msg("redis feed subscribed")
	go f.readLoop(l, ps)
	return nil
}

// Close drops the subscription and the Redis client.
func (f *RedisFeed) Close() error {
	return errors.Join(f.Disconnect(), f.client.Close())
}

func (f *RedisFeed) readLoop(l *link, ps *redis.PubSub) {
	ch := ps.Channel()

	for {
		select {
		case <-l.done:
			return
		case msg, ok := <-ch:
			if !ok {
				f.lost(l, errors.New("redis subscription closed"))
				return
			}

			evt, err := decodeFrame([]byte(msg.Payload))
			if err != nil {
				f.logger.Debug().Err(err).Msg("skip feed frame")
				continue
			}
			if !f.emit(l, evt) {
				return
			}
		}
	}
}
