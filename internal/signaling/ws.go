package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/duocall/internal/protocol"
)

const (
	writeWait      = 5 * time.Second
	maxMessageSize = 64 * 1024 // SDP blobs stay well below this
)

// wsConn is one relay websocket. Writes are serialized by mu; the single
// reader is Binding.readLoop.
type wsConn struct {
	raw      *websocket.Conn
	pongWait time.Duration

	mu   sync.Mutex
	once sync.Once
	done chan struct{}
}

// dial connects to the relay websocket endpoint.
func dial(ctx context.Context, url string, pongWait time.Duration) (*wsConn, error) {
	raw, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	c := &wsConn{raw: raw, pongWait: pongWait, done: make(chan struct{})}
	raw.SetReadLimit(maxMessageSize)
	_ = raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(pongWait))
	})
	return c, nil
}

// writeFrame writes one JSON frame, guarded by a mutex.
func (c *wsConn) writeFrame(f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isDone() {
		return ErrNotConnected
	}
	_ = c.raw.SetWriteDeadline(time.Now().Add(writeWait))
	return c.raw.WriteJSON(f)
}

// ping sends a ping control frame.
func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		_ = c.raw.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.mu.Unlock()
		c.raw.Close()
	})
}

func (c *wsConn) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
