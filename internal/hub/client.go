package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	pkglog "github.com/weiawesome/wes-io-live/relay-service/pkg/log"
)

// Config holds the downstream websocket settings.
type Config struct {
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

// DefaultConfig mirrors the relay defaults.
func DefaultConfig() Config {
	return Config{
		WriteWait:      10 * time.Second,
		MaxMessageSize: 65536,
		SendBuffer:     256,
	}
}

// Client is a downstream websocket connection.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	ping   chan struct{}
	done   chan struct{}
	config Config
	logger zerolog.Logger

	closeOnce sync.Once
}

// NewClient wraps an upgraded websocket connection.
func NewClient(id string, conn *websocket.Conn, cfg Config) *Client {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultConfig().SendBuffer
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultConfig().WriteWait
	}
	return &Client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, cfg.SendBuffer),
		ping:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		config: cfg,
		logger: pkglog.Component("client").With().Str(pkglog.FieldClientID, id).Logger(),
	}
}

// ID returns the client identity.
func (c *Client) ID() string { return c.id }

// Send queues data without blocking.
func (c *Client) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrSendBufferFull
	}
}

// Ping queues a websocket ping for WritePump. It never blocks; a ping that
// is still queued absorbs the new one.
func (c *Client) Ping() error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.ping <- struct{}{}:
	default:
	}
	return nil
}

// Close terminates the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		// Waits for the write lock, so a peer that stopped reading delays
		// this call until the deadline.
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// ReadPump reads until the peer goes away. Inbound data frames are
// ignored; pongs are reported through onPong. onClose runs once the read
// side fails, covering both close and error events.
func (c *Client) ReadPump(onPong func(), onClose func()) {
	defer func() {
		if onClose != nil {
			onClose()
		}
		c.Close()
	}()

	if c.config.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.config.MaxMessageSize)
	}
	c.conn.SetPongHandler(func(string) error {
		if onPong != nil {
			onPong()
		}
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

// WritePump drains the send buffer in order and writes queued pings until
// the client closes. It is the only writer of data and ping frames.
func (c *Client) WritePump() {
	defer c.Close()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Debug().Err(err).Msg("websocket writer failed")
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				c.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}

		case <-c.ping:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("websocket ping failed")
				return
			}
		}
	}
}
