package protocol

import (
	"encoding/json"
	"strings"
)

// Op is the relay frame operation.
type Op string

const (
	OpSubscribe   Op = "subscribe"   // client → relay: join a channel
	OpUnsubscribe Op = "unsubscribe" // client → relay: leave a channel
	OpPublish     Op = "publish"     // client → relay: broadcast on a channel
	OpEvent       Op = "event"       // relay → client: broadcast delivery
	OpError       Op = "error"       // relay → client: request rejected
)

// EventSignal is the only broadcast event name the call core publishes.
const EventSignal = "signal"

// Frame is the JSON structure spoken over the relay websocket.
type Frame struct {
	Op      Op              `json:"op"`
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ChannelName returns the namespaced relay channel owned by a user.
func ChannelName(namespace, userID string) string {
	return namespace + ":" + userID
}

// ChannelOwner extracts the user from a namespaced channel name. It returns
// false when the channel does not belong to namespace.
func ChannelOwner(namespace, channel string) (string, bool) {
	prefix := namespace + ":"
	if !strings.HasPrefix(channel, prefix) || len(channel) == len(prefix) {
		return "", false
	}
	return channel[len(prefix):], true
}
