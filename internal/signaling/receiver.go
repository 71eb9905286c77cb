package signaling

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/duocall/internal/protocol"
	"github.com/1ureka/duocall/internal/util"
)

// readLoop reads relay frames until the connection fails or is replaced.
// Failures of the current connection are reported on Faults.
func (b *Binding) readLoop(c *wsConn) {
	defer c.close()

	for {
		var f protocol.Frame
		if err := c.raw.ReadJSON(&f); err != nil {
			if !b.current(c) {
				return // replaced or closed on purpose
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = errors.New("relay closed the connection")
			}
			b.log.Warnf("read failed: %v", err)
			b.fault(fmt.Errorf("read: %w", err))
			return
		}

		switch f.Op {
		case protocol.OpEvent:
			if f.Event != protocol.EventSignal {
				b.log.Debugf("ignoring event %q on %s", f.Event, f.Channel)
				continue
			}
			b.deliver(f.Data)

		case protocol.OpError:
			b.log.Warnf("relay error: %s", f.Error)
			b.fault(fmt.Errorf("relay: %s", f.Error))

		default:
			b.log.Debugf("ignoring frame op %q", f.Op)
		}
	}
}

// deliver decodes, dedupes and routes one signal payload.
func (b *Binding) deliver(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		b.log.Warnf("dropping malformed envelope: %v", err)
		util.Stats.AddDropped()
		return
	}
	if env.To != "" && env.To != b.opts.SelfID {
		b.log.Debugf("dropping %s addressed to %s", env.Kind, util.Tag(env.To))
		util.Stats.AddDropped()
		return
	}
	if env.ID != "" {
		if dup, _ := b.seen.ContainsOrAdd(env.ID, struct{}{}); dup {
			b.log.Debugf("dropping duplicate %s %s", env.Kind, env.ID)
			util.Stats.AddDropped()
			return
		}
	}

	util.Stats.AddReceived()
	if h := b.handler.Load(); h != nil {
		(*h)(env)
	}
}

// pingLoop keeps the relay connection alive and detects silent stalls that
// the read deadline alone would only notice after a full pong wait.
func (b *Binding) pingLoop(c *wsConn) {
	ticker := time.NewTicker(c.pongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.ping(); err != nil {
				if b.current(c) {
					b.fault(fmt.Errorf("ping: %w", err))
				}
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}
