package upstream

import (
	"context"

	"github.com/weiawesome/wes-io-live/relay-service/internal/domain"
)

// Feed is the upstream live-event source.
//
// Connect establishes the session; on success the feed emits a
// "connected" event carrying the room id. When an established session
// ends the feed emits "disconnected". Events() lives as long as the feed
// itself and is shared across reconnects.
type Feed interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Events() <-chan domain.FeedEvent
}
