package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// Outbound message types sent to downstream clients.
const (
	MsgTypeConnection         = "connection"
	MsgTypeTikTokConnected    = "tiktok_connected"
	MsgTypeTikTokDisconnected = "tiktok_disconnected"
	MsgTypeChat               = "chat"
	MsgTypeGift               = "gift"
	MsgTypeLike               = "like"
	MsgTypeFollow             = "follow"
	MsgTypeViewers            = "viewers"
	MsgTypeError              = "error"

	// MsgTypeGenericPrefix prefixes passthrough messages for unknown events.
	MsgTypeGenericPrefix = "generic:"
)

// Connection status values for the welcome message.
const (
	StatusConnected = "connected"
)

// Field is one kind-specific key/value pair of an outbound message.
type Field struct {
	Key   string
	Value interface{}
}

// OutboundMessage is the canonical envelope broadcast to downstream clients.
// It is immutable once built; fields serialize in insertion order between
// "type" and "timestamp".
type OutboundMessage struct {
	msgType   string
	fields    []Field
	timestamp int64
}

// NewOutboundMessage builds a message stamped with at.
func NewOutboundMessage(msgType string, at time.Time, fields ...Field) OutboundMessage {
	cp := make([]Field, len(fields))
	copy(cp, fields)
	return OutboundMessage{
		msgType:   msgType,
		fields:    cp,
		timestamp: at.UnixMilli(),
	}
}

// NewConnectionMessage is the acknowledgment sent to a newly registered client.
func NewConnectionMessage(at time.Time) OutboundMessage {
	return NewOutboundMessage(MsgTypeConnection, at, Field{Key: "status", Value: StatusConnected})
}

// Type returns the outbound message type.
func (m OutboundMessage) Type() string { return m.msgType }

// Timestamp returns the epoch-millisecond timestamp.
func (m OutboundMessage) Timestamp() int64 { return m.timestamp }

// Field returns the value stored under key.
func (m OutboundMessage) Field(key string) (interface{}, bool) {
	for _, f := range m.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Fields returns a copy of the kind-specific fields.
func (m OutboundMessage) Fields() []Field {
	cp := make([]Field, len(m.fields))
	copy(cp, m.fields)
	return cp
}

// MarshalJSON writes {"type":..., <fields>..., "timestamp":...}.
func (m OutboundMessage) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	if err := writeJSON(&buf, m.msgType); err != nil {
		return nil, err
	}
	for _, f := range m.fields {
		if f.Key == "type" || f.Key == "timestamp" {
			continue
		}
		buf.WriteByte(',')
		if err := writeJSON(&buf, f.Key); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeJSON(&buf, f.Value); err != nil {
			return nil, err
		}
	}
	buf.WriteString(`,"timestamp":`)
	if err := writeJSON(&buf, m.timestamp); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, v interface{}) error {
	if raw, ok := v.(json.RawMessage); ok && len(raw) == 0 {
		v = nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}
