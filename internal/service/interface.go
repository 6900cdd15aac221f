package service

import (
	"context"

	"github.com/weiawesome/wes-io-live/relay-service/internal/domain"
	"github.com/weiawesome/wes-io-live/relay-service/internal/hub"
	"github.com/weiawesome/wes-io-live/relay-service/internal/upstream"
)

// Status is the relay state reported by the status API.
type Status struct {
	StreamID string            `json:"stream_id"`
	Clients  int               `json:"clients"`
	Upstream upstream.Snapshot `json:"upstream"`

	// Removed counts downstream removals by reason since start.
	Removed map[string]uint64 `json:"removed"`
}

// RelayService defines the interface for the event relay.
type RelayService interface {
	// HandleFeedEvent normalizes an upstream event and fans it out.
	HandleFeedEvent(evt domain.FeedEvent)

	// HandleConnect registers a downstream connection.
	HandleConnect(conn hub.Conn) error

	// HandleDisconnect unregisters a downstream connection.
	HandleDisconnect(conn hub.Conn)

	// HandlePong records a liveness acknowledgment from conn.
	HandlePong(conn hub.Conn)

	// Status returns the current relay state.
	Status() Status

	// RestartUpstream reconnects an upstream session that gave up.
	RestartUpstream() error

	// Start starts the upstream session and the liveness monitor.
	Start(ctx context.Context) error

	// Stop shuts the relay down. It is terminal.
	Stop() error
}
