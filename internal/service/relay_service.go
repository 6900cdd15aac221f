package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/relay-service/internal/domain"
	"github.com/weiawesome/wes-io-live/relay-service/internal/hub"
	"github.com/weiawesome/wes-io-live/relay-service/internal/normalizer"
	"github.com/weiawesome/wes-io-live/relay-service/internal/upstream"
	pkglog "github.com/weiawesome/wes-io-live/relay-service/pkg/log"
)

var (
	ErrAlreadyStarted = errors.New("relay service already started")
	ErrStopped        = errors.New("relay service stopped")
)

// Config holds relay service configuration.
type Config struct {
	StreamID         string
	LivenessInterval time.Duration
	Session          upstream.Config
}

type relayService struct {
	registry *hub.Registry
	monitor  *hub.Monitor
	session  *upstream.Session
	config   Config
	logger   zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc

	removedMu sync.Mutex
	removed   map[string]uint64
}

// NewRelayService wires the registry, the liveness monitor and the
// upstream session over feed.
func NewRelayService(feed upstream.Feed, cfg Config) RelayService {
	s := &relayService{
		registry: hub.NewRegistry(),
		config:   cfg,
		logger:   pkglog.Component("relay").With().Str(pkglog.FieldStreamID, cfg.StreamID).Logger(),
		removed:  make(map[string]uint64),
	}
	s.registry.OnRemove(s.countRemoval)
	s.monitor = hub.NewMonitor(s.registry, cfg.LivenessInterval)
	s.session = upstream.NewSession(feed, s.HandleFeedEvent, cfg.Session)
	return s
}

func (s *relayService) HandleFeedEvent(evt domain.FeedEvent) {
	msg := normalizer.Normalize(evt)

	delivered, err := s.registry.Broadcast(msg)
	if err != nil {
		s.logger.Error().Err(err).Str(pkglog.FieldEvent, evt.Name).Msg("failed to broadcast feed event")
		return
	}

	s.logger.Debug().
		Str(pkglog.FieldEvent, evt.Name).
		Str("type", msg.Type()).
		Int(pkglog.FieldClients, delivered).
		Msg("feed event broadcast")
}

func (s *relayService) HandleConnect(conn hub.Conn) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		conn.Close()
		return ErrStopped
	}
	return s.registry.Add(conn)
}

func (s *relayService) HandleDisconnect(conn hub.Conn) {
	s.registry.Remove(conn)
}

func (s *relayService) HandlePong(conn hub.Conn) {
	s.registry.MarkAlive(conn)
}

func (s *relayService) Status() Status {
	s.removedMu.Lock()
	removed := make(map[string]uint64, len(s.removed))
	for reason, n := range s.removed {
		removed[reason] = n
	}
	s.removedMu.Unlock()

	return Status{
		StreamID: s.config.StreamID,
		Clients:  s.registry.Count(),
		Upstream: s.session.Snapshot(),
		Removed:  removed,
	}
}

func (s *relayService) RestartUpstream() error {
	if err := s.session.Restart(); err != nil {
		return err
	}
	s.logger.Info().Msg("upstream session restarted")
	return nil
}

func (s *relayService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}

	if err := s.session.Start(ctx); err != nil {
		return err
	}
	monitorCtx, cancel := context.WithCancel(ctx)
	go s.monitor.Run(monitorCtx)

	s.cancel = cancel
	s.started = true
	s.logger.Info().Msg("relay service started")
	return nil
}

// Stop cancels the liveness timer, then the upstream retry timer, then
// force-closes every downstream connection and finally closes the
// upstream session.
func (s *relayService) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started {
		<-s.monitor.Done()
	}

	s.session.Halt()
	s.registry.CloseAll()
	s.session.Stop()

	s.logger.Info().Msg("relay service stopped")
	return nil
}

func (s *relayService) countRemoval(conn hub.Conn, reason string) {
	s.removedMu.Lock()
	s.removed[reason]++
	s.removedMu.Unlock()
}
