package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Upstream event names as emitted by the live feed.
const (
	FeedEventConnected    = "connected"
	FeedEventDisconnected = "disconnected"
	FeedEventChat         = "chat"
	FeedEventGift         = "gift"
	FeedEventLike         = "like"
	FeedEventFollow       = "follow"
	FeedEventViewerCount  = "viewer-count"
	FeedEventRoomUser     = "roomUser" // connector name for viewer-count
	FeedEventError        = "error"
)

// EventKind is the closed set of upstream events the relay understands.
type EventKind int

const (
	EventOther EventKind = iota
	EventConnected
	EventDisconnected
	EventChat
	EventGift
	EventLike
	EventFollow
	EventViewerCount
	EventError
)

var eventKindNames = map[string]EventKind{
	FeedEventConnected:    EventConnected,
	FeedEventDisconnected: EventDisconnected,
	FeedEventChat:         EventChat,
	FeedEventGift:         EventGift,
	FeedEventLike:         EventLike,
	FeedEventFollow:       EventFollow,
	FeedEventViewerCount:  EventViewerCount,
	FeedEventRoomUser:     EventViewerCount,
	FeedEventError:        EventError,
}

// ParseEventKind maps an upstream event name to its kind.
// Names outside the known set map to EventOther.
func ParseEventKind(name string) EventKind {
	if k, ok := eventKindNames[name]; ok {
		return k
	}
	return EventOther
}

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return FeedEventConnected
	case EventDisconnected:
		return FeedEventDisconnected
	case EventChat:
		return FeedEventChat
	case EventGift:
		return FeedEventGift
	case EventLike:
		return FeedEventLike
	case EventFollow:
		return FeedEventFollow
	case EventViewerCount:
		return FeedEventViewerCount
	case EventError:
		return FeedEventError
	default:
		return "other"
	}
}

// FeedEvent is a single event received from the upstream feed.
type FeedEvent struct {
	Name       string
	Data       json.RawMessage
	ReceivedAt time.Time
}

// Kind returns the parsed kind of the event.
func (e FeedEvent) Kind() EventKind {
	return ParseEventKind(e.Name)
}

// NewFeedEvent creates a feed event stamped with the current time.
// A nil payload is kept as nil and normalized downstream.
func NewFeedEvent(name string, data json.RawMessage) FeedEvent {
	return FeedEvent{
		Name:       strings.TrimSpace(name),
		Data:       data,
		ReceivedAt: time.Now(),
	}
}

// NewErrorEvent builds an error feed event carrying message.
func NewErrorEvent(message string) FeedEvent {
	data, _ := json.Marshal(ErrorPayload{Message: message})
	return NewFeedEvent(FeedEventError, data)
}

// NewConnectedEvent builds a connected feed event for roomID.
func NewConnectedEvent(roomID string) FeedEvent {
	data, _ := json.Marshal(ConnectedPayload{RoomID: FlexString(roomID)})
	return NewFeedEvent(FeedEventConnected, data)
}

// NewDisconnectedEvent builds a disconnected feed event.
func NewDisconnectedEvent() FeedEvent {
	return NewFeedEvent(FeedEventDisconnected, json.RawMessage(`{}`))
}

// FeedEnvelope is the wire shape used by every feed driver:
// {"event": "<name>", "data": {...}}.
type FeedEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Upstream payloads.

// FeedUser identifies the viewer behind an event.
type FeedUser struct {
	UniqueID string `json:"uniqueId"`
	Nickname string `json:"nickname,omitempty"`
}

type ConnectedPayload struct {
	RoomID FlexString `json:"roomId"`
}

type ChatPayload struct {
	User    FeedUser `json:"user"`
	Comment string   `json:"comment"`
}

type GiftPayload struct {
	User     FeedUser `json:"user"`
	GiftName string   `json:"giftName"`
	GiftID   int64    `json:"giftId"`
}

type LikePayload struct {
	User      FeedUser `json:"user"`
	LikeCount int64    `json:"likeCount"`
}

type FollowPayload struct {
	User FeedUser `json:"user"`
}

type ViewerCountPayload struct {
	ViewerCount int64 `json:"viewerCount"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// FlexString decodes from either a JSON string or a JSON number.
type FlexString string

func (s *FlexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = FlexString(v)
		return nil
	}
	if string(b) == "null" {
		*s = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = FlexString(n.String())
	return nil
}
