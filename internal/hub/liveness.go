package hub

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	pkglog "github.com/weiawesome/wes-io-live/relay-service/pkg/log"
)

// DefaultLivenessInterval is the probe period used when none is configured.
const DefaultLivenessInterval = 20 * time.Second

// Monitor evicts downstream connections that stop answering probes.
// A connection silent for one full interval after a probe is removed on
// the next cycle.
type Monitor struct {
	registry *Registry
	interval time.Duration
	logger   zerolog.Logger
	doneCh   chan struct{}
}

// NewMonitor creates a liveness monitor over registry.
func NewMonitor(registry *Registry, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultLivenessInterval
	}
	return &Monitor{
		registry: registry,
		interval: interval,
		logger:   pkglog.Component("liveness"),
		doneCh:   make(chan struct{}),
	}
}

// Done is closed when Run returns.
func (m *Monitor) Done() <-chan struct{} { return m.doneCh }

// Run sweeps the registry every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs a single probe cycle and returns how many connections were evicted.
func (m *Monitor) Sweep() int {
	stale, probe := m.registry.sweep()

	evicted := 0
	for _, conn := range stale {
		if m.registry.evict(conn, ReasonLiveness) {
			evicted++
		}
	}

	for _, conn := range probe {
		if err := conn.Ping(); err != nil {
			m.logger.Debug().Err(err).Str(pkglog.FieldClientID, conn.ID()).Msg("ping failed, evicting client")
			if m.registry.evict(conn, ReasonSendFailed) {
				evicted++
			}
		}
	}

	if evicted > 0 {
		m.logger.Info().Int("evicted", evicted).Int(pkglog.FieldClients, m.registry.Count()).Msg("liveness sweep")
	}
	return evicted
}
