// Package relay is a small publish/subscribe relay for signaling envelopes:
// clients subscribe to namespaced channels over a websocket and publish
// events to other channels, either over the same socket or through a plain
// HTTP POST.
package relay

import (
	"sync"

	"github.com/1ureka/duocall/internal/protocol"
)

// Hub maps channel names to their subscribers.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*client]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{channels: make(map[string]map[*client]struct{})}
}

func (h *Hub) subscribe(channel string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[*client]struct{})
		h.channels[channel] = subs
	}
	subs[c] = struct{}{}
}

func (h *Hub) unsubscribe(channel string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.channels[channel]
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
}

// drop removes c from every channel.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, subs := range h.channels {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.channels, name)
		}
	}
}

// Publish delivers an event frame to every subscriber of channel and
// returns how many subscribers accepted it. Slow subscribers whose queue is
// full miss the event; delivery is best-effort.
func (h *Hub) Publish(channel, event string, data []byte) int {
	frame := protocol.Frame{Op: protocol.OpEvent, Channel: channel, Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for c := range h.channels[channel] {
		if c.enqueue(frame) {
			n++
		}
	}
	return n
}

// Subscribers returns the number of subscribers of channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Channels returns the number of channels with at least one subscriber.
func (h *Hub) Channels() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}
