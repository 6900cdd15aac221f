package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/relay-service/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live/relay-service/pkg/log"
)

var (
	ErrSessionStopped = errors.New("upstream session stopped")
	ErrNotExhausted   = errors.New("upstream session is still retrying")
	ErrNotStarted     = errors.New("upstream session not started")
)

// State is the lifecycle state of the upstream session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnectScheduled
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectScheduled:
		return "reconnect_scheduled"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config configures the reconnect policy.
type Config struct {
	MaxAttempts    int
	Backoff        Backoff
	ConnectTimeout time.Duration
}

// DefaultConfig allows 15 attempts with the default backoff.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    15,
		Backoff:        DefaultBackoff(),
		ConnectTimeout: 30 * time.Second,
	}
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	State       State      `json:"-"`
	StateName   string     `json:"state"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	RoomID      string     `json:"room_id,omitempty"`
}

// EventSink receives every event the session forwards downstream.
type EventSink func(domain.FeedEvent)

// timer is the part of *time.Timer the session needs.
type timer interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) timer

func realAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// Session owns the single upstream connection and its reconnect state
// machine. At most one retry timer is pending at any time.
type Session struct {
	feed   Feed
	sink   EventSink
	cfg    Config
	logger zerolog.Logger

	mu          sync.Mutex
	state       State
	attempt     int
	roomID      string
	retry       timer
	retryGen    uint64
	nextRetryAt time.Time

	afterFunc afterFunc
	now       func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSession creates a session over feed that forwards events to sink.
func NewSession(feed Feed, sink EventSink, cfg Config) *Session {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.Backoff.Base <= 0 || cfg.Backoff.Growth < 1 || cfg.Backoff.Max <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	return &Session{
		feed:      feed,
		sink:      sink,
		cfg:       cfg,
		logger:    pkglog.Component("upstream"),
		state:     StateDisconnected,
		afterFunc: realAfterFunc,
		now:       time.Now,
	}
}

// Start runs the event loop and makes the first connect attempt.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return ErrSessionStopped
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.eventLoop()

	s.beginConnectLocked()
	return nil
}

// Halt makes the session terminal and cancels any pending retry. Later
// feed events are dropped. The live upstream connection stays open until
// Stop.
func (s *Session) Halt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return
	}
	s.state = StateStopped
	s.cancelRetryLocked()
	s.logger.Info().Msg("upstream session halted")
}

// Stop halts the session, tears down the live connection and waits for
// background work to finish.
func (s *Session) Stop() {
	s.Halt()

	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if err := s.feed.Disconnect(); err != nil {
			s.logger.Debug().Err(err).Msg("feed disconnect")
		}
		s.wg.Wait()
		s.logger.Info().Msg("upstream session stopped")
	})
}

// Restart resets the attempt counter and reconnects a session that gave
// up after exhausting its attempts.
func (s *Session) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateStopped:
		return ErrSessionStopped
	case StateDisconnected:
		if s.ctx == nil {
			return ErrNotStarted
		}
		s.attempt = 0
		s.beginConnectLocked()
		return nil
	default:
		return ErrNotExhausted
	}
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:       s.state,
		StateName:   s.state.String(),
		Attempt:     s.attempt,
		MaxAttempts: s.cfg.MaxAttempts,
		RoomID:      s.roomID,
	}
	if s.state == StateReconnectScheduled {
		at := s.nextRetryAt
		snap.NextRetryAt = &at
	}
	return snap
}

func (s *Session) beginConnectLocked() {
	s.cancelRetryLocked()
	s.state = StateConnecting
	attempt := s.attempt

	s.wg.Add(1)
	go s.connect(attempt)
}

func (s *Session) connect(attempt int) {
	defer s.wg.Done()

	s.logger.Info().Int(pkglog.FieldAttempt, attempt).Msg("connecting to upstream feed")

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	err := s.feed.Connect(ctx)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return
	}
	if s.state != StateConnecting {
		// A connected event from the feed already moved the state forward.
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Int(pkglog.FieldAttempt, s.attempt).Msg("upstream connect failed")
		s.failLocked()
		return
	}
	s.markConnectedLocked()
}

func (s *Session) markConnectedLocked() {
	s.state = StateConnected
	s.attempt = 0
	s.cancelRetryLocked()
	s.logger.Info().Str(pkglog.FieldRoomID, s.roomID).Msg("upstream connected")
}

// failLocked applies the failure branch: schedule another attempt unless
// the ceiling has been reached.
func (s *Session) failLocked() {
	prior := s.attempt
	s.attempt++

	if s.attempt >= s.cfg.MaxAttempts {
		s.cancelRetryLocked()
		s.state = StateDisconnected
		s.logger.Error().
			Int(pkglog.FieldAttempt, s.attempt).
			Msg("upstream reconnect attempts exhausted, staying disconnected")
		return
	}

	s.scheduleRetryLocked(s.cfg.Backoff.Delay(prior))
}

// scheduleRetryLocked replaces any pending retry timer with a new one.
func (s *Session) scheduleRetryLocked(delay time.Duration) {
	s.cancelRetryLocked()

	gen := s.retryGen
	s.state = StateReconnectScheduled
	s.nextRetryAt = s.now().Add(delay)
	s.retry = s.afterFunc(delay, func() { s.fireRetry(gen) })

	s.logger.Info().
		Int(pkglog.FieldAttempt, s.attempt).
		Int64(pkglog.FieldDelay, delay.Milliseconds()).
		Msg("upstream reconnect scheduled")
}

func (s *Session) cancelRetryLocked() {
	s.retryGen++
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.nextRetryAt = time.Time{}
}

func (s *Session) fireRetry(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A timer stopped after it already fired must not reconnect.
	if gen != s.retryGen || s.state != StateReconnectScheduled {
		return
	}
	s.retry = nil
	s.beginConnectLocked()
}

func (s *Session) eventLoop() {
	defer s.wg.Done()

	events := s.feed.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(evt)
		}
	}
}

func (s *Session) handleEvent(evt domain.FeedEvent) {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}

	reconnect := false
	switch evt.Kind() {
	case domain.EventConnected:
		var p domain.ConnectedPayload
		if err := decodePayload(evt, &p); err == nil {
			s.roomID = string(p.RoomID)
		}
		if s.state != StateConnected {
			s.markConnectedLocked()
		}
	case domain.EventDisconnected:
		reconnect = s.state == StateConnected
		s.logger.Warn().Str(pkglog.FieldState, s.state.String()).Msg("upstream disconnected")
	case domain.EventError:
		s.logger.Warn().RawJSON("payload", rawOrNull(evt.Data)).Msg("upstream error event")
	}
	s.mu.Unlock()

	// Forward before the state machine reacts so tiktok_disconnected reaches
	// clients ahead of any retry activity.
	if s.sink != nil {
		s.sink(evt)
	}

	if reconnect {
		s.mu.Lock()
		if s.state == StateConnected {
			s.failLocked()
		}
		s.mu.Unlock()
	}
}

func decodePayload(evt domain.FeedEvent, v interface{}) error {
	if len(evt.Data) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(evt.Data, v)
}

func rawOrNull(data json.RawMessage) []byte {
	if len(data) == 0 || !json.Valid(data) {
		return []byte("null")
	}
	return data
}
