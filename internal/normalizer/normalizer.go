// Package normalizer maps upstream feed events onto the outbound message
// format consumed by downstream devices.
package normalizer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/weiawesome/wes-io-live/relay-service/internal/domain"
)

// Normalize converts evt into an outbound message stamped with the current time.
func Normalize(evt domain.FeedEvent) domain.OutboundMessage {
	return NormalizeAt(evt, time.Now())
}

// NormalizeAt converts evt into an outbound message stamped with at.
// It never fails: unknown events pass through as "generic:<name>", and a
// payload that does not decode yields zero-valued fields.
func NormalizeAt(evt domain.FeedEvent, at time.Time) domain.OutboundMessage {
	switch evt.Kind() {
	case domain.EventConnected:
		var p domain.ConnectedPayload
		decode(evt.Data, &p)
		return domain.NewOutboundMessage(domain.MsgTypeTikTokConnected, at,
			domain.Field{Key: "roomId", Value: string(p.RoomID)},
		)

	case domain.EventDisconnected:
		return domain.NewOutboundMessage(domain.MsgTypeTikTokDisconnected, at)

	case domain.EventChat:
		var p domain.ChatPayload
		decode(evt.Data, &p)
		return domain.NewOutboundMessage(domain.MsgTypeChat, at,
			domain.Field{Key: "username", Value: p.User.UniqueID},
			domain.Field{Key: "message", Value: p.Comment},
		)

	case domain.EventGift:
		var p domain.GiftPayload
		decode(evt.Data, &p)
		name := p.GiftName
		if name == "" {
			name = fmt.Sprintf("Gift %d", p.GiftID)
		}
		return domain.NewOutboundMessage(domain.MsgTypeGift, at,
			domain.Field{Key: "username", Value: p.User.UniqueID},
			domain.Field{Key: "giftName", Value: name},
			domain.Field{Key: "giftId", Value: p.GiftID},
		)

	case domain.EventLike:
		var p domain.LikePayload
		decode(evt.Data, &p)
		return domain.NewOutboundMessage(domain.MsgTypeLike, at,
			domain.Field{Key: "username", Value: p.User.UniqueID},
			domain.Field{Key: "likeCount", Value: p.LikeCount},
		)

	case domain.EventFollow:
		var p domain.FollowPayload
		decode(evt.Data, &p)
		return domain.NewOutboundMessage(domain.MsgTypeFollow, at,
			domain.Field{Key: "username", Value: p.User.UniqueID},
		)

	case domain.EventViewerCount:
		var p domain.ViewerCountPayload
		decode(evt.Data, &p)
		return domain.NewOutboundMessage(domain.MsgTypeViewers, at,
			domain.Field{Key: "count", Value: p.ViewerCount},
		)

	case domain.EventError:
		var p domain.ErrorPayload
		decode(evt.Data, &p)
		return domain.NewOutboundMessage(domain.MsgTypeError, at,
			domain.Field{Key: "message", Value: p.Message},
		)

	default:
		return domain.NewOutboundMessage(genericType(evt.Name), at,
			domain.Field{Key: "data", Value: passthrough(evt.Data)},
		)
	}
}

func genericType(name string) string {
	return domain.MsgTypeGenericPrefix + strings.ToLower(name)
}

// decode is best effort; v keeps its zero value on failure.
func decode(data json.RawMessage, v interface{}) {
	if len(data) == 0 {
		return
	}
	_ = json.Unmarshal(data, v)
}

// passthrough returns the raw payload when it is valid JSON, otherwise the
// payload as a JSON string so the message still serializes.
func passthrough(data json.RawMessage) interface{} {
	if len(data) == 0 {
		return nil
	}
	if json.Valid(data) {
		return data
	}
	return string(data)
}
