package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-live/relay-service/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live/relay-service/pkg/log"
)

// WebSocketFeed reads events from a connector bridge that pushes
// {"event": name, "data": {...}} text frames.
//
// The bridge announces a joined room with a "connected" frame. Connect
// waits for the first frame: "connected" is passed through, "error" fails
// the attempt, and any other event implies the room is live.
type WebSocketFeed struct {
	*stream
	cfg    WebSocketConfig
	dialer *websocket.Dialer
}

// NewWebSocketFeed creates a bridge feed for streamID.
func NewWebSocketFeed(cfg WebSocketConfig, streamID string, bufferSize int) *WebSocketFeed {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	logger := pkglog.Component("feed").With().
		Str(pkglog.FieldDriver, "websocket").
		Str(pkglog.FieldStreamID, streamID).
		Logger()

	return &WebSocketFeed{
		stream: newStream(streamID, bufferSize, logger),
		cfg:    cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// URL returns the bridge URL for the configured stream.
func (f *WebSocketFeed) URL() string {
	return expandStreamID(f.cfg.URL, url.PathEscape(f.streamID))
}

// Connect dials the bridge and waits for its first frame.
func (f *WebSocketFeed) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("Accept", "application/json")

	target := f.URL()
	conn, resp, err := f.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial feed bridge: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial feed bridge: %w", err)
	}
	if f.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(f.cfg.MaxMessageSize)
	}

	hello, err := readHello(ctx, conn)
	if err != nil {
		conn.Close()
		return err
	}

	l := newLink(func() error {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return conn.Close()
	})
	f.attach(l)

	if hello.Kind() == domain.EventConnected {
		f.emit(l, hello)
	} else {
		f.emit(l, domain.NewConnectedEvent(f.streamID))
		f.emit(l, hello)
	}

	f.logger.Debug().Str("url", target).Msg("feed bridge connected")
	go f.readLoop(l, conn)
	return nil
}

// Close releases the current connection.
func (f *WebSocketFeed) Close() error {
	return f.Disconnect()
}

func (f *WebSocketFeed) readLoop(l *link, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			f.lost(l, err)
			return
		}

		evt, err := decodeFrame(data)
		if err != nil {
			f.logger.Debug().Err(err).Msg("skip feed frame")
			continue
		}
		if !f.emit(l, evt) {
			return
		}
	}
}

// readHello reads the first frame, bounded by ctx.
func readHello(ctx context.Context, conn *websocket.Conn) (domain.FeedEvent, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})

	_, data, err := conn.ReadMessage()
	if !stop() {
		return domain.FeedEvent{}, fmt.Errorf("await feed hello: %w", ctx.Err())
	}
	if err != nil {
		return domain.FeedEvent{}, fmt.Errorf("await feed hello: %w", err)
	}

	evt, err := decodeFrame(data)
	if err != nil {
		return domain.FeedEvent{}, err
	}
	if evt.Kind() == domain.EventError {
		var p domain.ErrorPayload
		_ = json.Unmarshal(evt.Data, &p)
		return domain.FeedEvent{}, fmt.Errorf("%w: %s", ErrRejected, p.Message)
	}
	return evt, nil
}
