package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/1ureka/duocall/internal/protocol"
	"github.com/1ureka/duocall/internal/util"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendQueueSize  = 64
)

// client is one websocket subscriber. readPump and writePump each own one
// side of the connection.
type client struct {
	srv     *Server
	conn    *websocket.Conn
	send    chan protocol.Frame
	limiter *rate.Limiter
	log     util.Scope

	// Channels this client subscribed to; touched only by readPump.
	subs map[string]struct{}
}

func (c *client) enqueue(f protocol.Frame) bool {
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// readPump handles subscribe/unsubscribe/publish frames until the socket
// fails. It unregisters the client on exit.
func (c *client) readPump(cancel context.CancelFunc) {
	defer func() {
		c.srv.hub.drop(c)
		c.srv.metrics.connections.Dec()
		cancel()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.opts.PongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debugf("read failed: %v", err)
			}
			return
		}

		var f protocol.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.reject("malformed frame")
			continue
		}
		if f.Channel == "" {
			c.reject("missing channel")
			continue
		}

		switch f.Op {
		case protocol.OpSubscribe:
			c.srv.hub.subscribe(f.Channel, c)
			c.subs[f.Channel] = struct{}{}
			c.log.Debugf("subscribed %s", f.Channel)

		case protocol.OpUnsubscribe:
			c.srv.hub.unsubscribe(f.Channel, c)
			delete(c.subs, f.Channel)

		case protocol.OpPublish:
			if !c.limiter.Allow() {
				c.srv.metrics.rejected.WithLabelValues("rate").Inc()
				c.reject("rate limited")
				continue
			}
			n := c.srv.hub.Publish(f.Channel, f.Event, f.Data)
			c.srv.metrics.published.WithLabelValues("ws").Inc()
			c.log.Debugf("published %s on %s to %d subscriber(s)", f.Event, f.Channel, n)

		default:
			c.reject("unknown op")
		}
	}
}

// writePump drains the send queue and pings the peer.
func (c *client) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.srv.opts.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *client) reject(reason string) {
	c.enqueue(protocol.Frame{Op: protocol.OpError, Error: reason})
}
