package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/relay-service/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live/relay-service/pkg/log"
)

var (
	ErrClientClosed   = errors.New("client closed")
	ErrSendBufferFull = errors.New("client send buffer full")
)

// Removal reasons reported to the OnRemove hook.
const (
	ReasonClosed     = "closed"
	ReasonSendFailed = "send_failed"
	ReasonLiveness   = "liveness"
	ReasonShutdown   = "shutdown"
)

// Conn is a downstream connection as seen by the registry.
type Conn interface {
	ID() string
	// Send queues data for delivery. It must not block on a slow peer.
	Send(data []byte) error
	// Ping sends a transport-level liveness probe.
	Ping() error
	Close() error
}

type entry struct {
	conn  Conn
	alive bool
}

// Registry tracks the live set of downstream connections.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*entry

	// broadcastMu serializes broadcasts so every connection observes
	// messages in call order.
	broadcastMu sync.Mutex

	onRemove func(conn Conn, reason string)
	now      func() time.Time
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*entry),
		now:     time.Now,
		logger:  pkglog.Component("registry"),
	}
}

// OnRemove sets a hook invoked after a connection leaves the registry.
// Must be called before the registry is shared.
func (r *Registry) OnRemove(fn func(conn Conn, reason string)) {
	r.onRemove = fn
}

// Add registers conn and sends it the connection acknowledgment. A
// connection whose acknowledgment cannot be delivered is removed again.
// The acknowledgment is always the first message conn receives.
func (r *Registry) Add(conn Conn) error {
	data, err := json.Marshal(domain.NewConnectionMessage(r.now()))
	if err != nil {
		return fmt.Errorf("marshal connection message: %w", err)
	}

	r.broadcastMu.Lock()
	defer r.broadcastMu.Unlock()

	r.mu.Lock()
	r.clients[conn.ID()] = &entry{conn: conn, alive: true}
	total := len(r.clients)
	r.mu.Unlock()

	r.logger.Info().Str(pkglog.FieldClientID, conn.ID()).Int(pkglog.FieldClients, total).Msg("client registered")

	if err := conn.Send(data); err != nil {
		r.remove(conn, ReasonSendFailed)
		return fmt.Errorf("send connection message: %w", err)
	}
	return nil
}

// Remove unregisters conn. Removing an absent connection is a no-op.
// It reports whether conn was registered.
func (r *Registry) Remove(conn Conn) bool {
	return r.remove(conn, ReasonClosed)
}

func (r *Registry) remove(conn Conn, reason string) bool {
	r.mu.Lock()
	e, ok := r.clients[conn.ID()]
	// Only drop the entry that belongs to this handle.
	if ok && e.conn == conn {
		delete(r.clients, conn.ID())
	} else {
		ok = false
	}
	total := len(r.clients)
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.logger.Info().
		Str(pkglog.FieldClientID, conn.ID()).
		Str(pkglog.FieldReason, reason).
		Int(pkglog.FieldClients, total).
		Msg("client unregistered")

	if r.onRemove != nil {
		r.onRemove(conn, reason)
	}
	return true
}

// Broadcast serializes msg once and sends it to every registered
// connection. A connection that fails to accept the message is removed
// and closed; the others are unaffected. It returns the number of
// connections the message was handed to.
func (r *Registry) Broadcast(msg domain.OutboundMessage) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshal %s message: %w", msg.Type(), err)
	}
	return r.BroadcastRaw(data), nil
}

// BroadcastRaw sends pre-serialized data to every registered connection.
func (r *Registry) BroadcastRaw(data []byte) int {
	r.broadcastMu.Lock()
	defer r.broadcastMu.Unlock()

	delivered := 0
	for _, conn := range r.snapshot() {
		if err := conn.Send(data); err != nil {
			r.logger.Debug().Err(err).Str(pkglog.FieldClientID, conn.ID()).Msg("send failed, evicting client")
			r.evict(conn, ReasonSendFailed)
			continue
		}
		delivered++
	}
	return delivered
}

// MarkAlive records a probe acknowledgment from conn.
func (r *Registry) MarkAlive(conn Conn) {
	r.mu.Lock()
	if e, ok := r.clients[conn.ID()]; ok && e.conn == conn {
		e.alive = true
	}
	r.mu.Unlock()
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Contains reports whether conn is registered.
func (r *Registry) Contains(conn Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[conn.ID()]
	return ok && e.conn == conn
}

// evict removes conn and closes it in the background. Closing a client
// whose peer stopped reading can block, and callers of evict hold
// broadcastMu or run the liveness cycle.
func (r *Registry) evict(conn Conn, reason string) bool {
	if !r.remove(conn, reason) {
		return false
	}
	go conn.Close()
	return true
}

// CloseAll removes and closes every connection. Connections are closed
// concurrently; it returns once all of them are closed.
func (r *Registry) CloseAll() {
	var wg sync.WaitGroup
	for _, conn := range r.snapshot() {
		if !r.remove(conn, ReasonShutdown) {
			continue
		}
		wg.Add(1)
		go func(conn Conn) {
			defer wg.Done()
			conn.Close()
		}(conn)
	}
	wg.Wait()
}

// sweep runs one liveness cycle: stale entries are returned for eviction,
// live ones have their flag cleared and are returned for probing.
func (r *Registry) sweep() (stale, probe []Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.clients {
		if !e.alive {
			stale = append(stale, e.conn)
			continue
		}
		e.alive = false
		probe = append(probe, e.conn)
	}
	return stale, probe
}

func (r *Registry) snapshot() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.clients))
	for _, e := range r.clients {
		conns = append(conns, e.conn)
	}
	return conns
}
