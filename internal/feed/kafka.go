package feed

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/weiawesome/wes-io-live/relay-service/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live/relay-service/pkg/log"
)

const (
	kafkaPollTimeoutMs     = 500
	kafkaMetadataTimeoutMs = 10000
)

// KafkaFeed consumes event frames from a Kafka topic. Messages are keyed
// by stream id; messages with another non-empty key are skipped.
type KafkaFeed struct {
	*stream
	cfg KafkaConfig
}

// NewKafkaFeed creates a Kafka feed. The consumer is created on Connect.
func NewKafkaFeed(cfg KafkaConfig, streamID string, bufferSize int) *KafkaFeed {
	defaults := DefaultConfig().Kafka
	if cfg.Topic == "" {
		cfg.Topic = defaults.Topic
	}
	if cfg.GroupID == "" {
		cfg.GroupID = defaults.GroupID
	}

	logger := pkglog.Component("feed").With().
		Str(pkglog.FieldDriver, "kafka").
		Str(pkglog.FieldStreamID, streamID).
		Str("topic", cfg.Topic).
		Logger()

	return &KafkaFeed{
		stream: newStream(streamID, bufferSize, logger),
		cfg:    cfg,
	}
}

// GroupID returns the consumer group used for this stream.
func (f *KafkaFeed) GroupID() string {
	return fmt.Sprintf("%s-%s", f.cfg.GroupID, sanitizeGroupID(f.streamID))
}

// Connect creates a consumer, subscribes and checks the topic is visible
// on the brokers.
func (f *KafkaFeed) Connect(ctx context.Context) error {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":       f.cfg.Brokers,
		"group.id":                f.GroupID(),
		"auto.offset.reset":       "latest",
		"enable.auto.commit":      true,
		"auto.commit.interval.ms": 5000,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	if err := c.Subscribe(f.cfg.Topic, nil); err != nil {
		c.Close()
		return fmt.Errorf("failed to subscribe to topic %s: %w", f.cfg.Topic, err)
	}

	topic := f.cfg.Topic
	if _, err := c.GetMetadata(&topic, false, metadataTimeoutMs(ctx)); err != nil {
		c.Close()
		return fmt.Errorf("failed to fetch metadata for topic %s: %w", topic, err)
	}

	// The poll loop owns the consumer and closes it on exit.
	l := newLink(nil)
	f.attach(l)
	f.emit(l, domain.NewConnectedEvent(f.streamID))

	f.logger.Debug().Str("group_id", f.GroupID()).Msg("kafka feed subscribed")
	go f.pollLoop(l, c)
	return nil
}

// Close stops the current consumer.
func (f *KafkaFeed) Close() error {
	return f.Disconnect()
}

func (f *KafkaFeed) pollLoop(l *link, c *kafka.Consumer) {
	defer func() {
		if err := c.Close(); err != nil {
			f.logger.Debug().Err(err).Msg("close kafka consumer")
		}
	}()

	for {
		if l.closed() {
			return
		}

		ev := c.Poll(kafkaPollTimeoutMs)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			if !acceptKey(e.Key, f.streamID) {
				continue
			}
			evt, err := decodeFrame(e.Value)
			if err != nil {
				f.logger.Debug().Err(err).Msg("skip feed frame")
				continue
			}
			if !f.emit(l, evt) {
				return
			}

		case kafka.Error:
			f.logger.Warn().Err(e).Int("code", int(e.Code())).Bool("fatal", e.IsFatal()).Msg("kafka feed error")
			if e.IsFatal() {
				f.lost(l, e)
				return
			}

		default:
			// Offsets committed, rebalances and stats.
		}
	}
}

// acceptKey keeps unkeyed messages and messages keyed by streamID.
func acceptKey(key []byte, streamID string) bool {
	return len(key) == 0 || string(key) == streamID
}

func metadataTimeoutMs(ctx context.Context) int {
	deadline, ok := ctx.Deadline()
	if !ok {
		return kafkaMetadataTimeoutMs
	}
	ms := int(time.Until(deadline).Milliseconds())
	if ms <= 0 {
		return 1
	}
	if ms > kafkaMetadataTimeoutMs {
		return kafkaMetadataTimeoutMs
	}
	return ms
}

var groupIDRegexp = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitizeGroupID(s string) string {
	return groupIDRegexp.ReplaceAllString(s, "-")
}
