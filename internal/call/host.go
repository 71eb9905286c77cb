package call

import (
	"context"
	"errors"
	"time"

	"github.com/1ureka/duocall/internal/protocol"
	"github.com/1ureka/duocall/internal/webrtc"
)

var (
	errInactive = errors.New("no activity and the connection failed")
	errOffline  = errors.New("network stayed offline")
	errGaveUp   = errors.New("reconnection attempts exhausted")
)

// The methods below take the session context handed to the Monitor. Work
// for a session that has since been cleaned up is skipped.

func (c *Controller) withSession(ctx context.Context, fn func(s *session)) bool {
	ran := false
	err := c.query(ctx, func() {
		if ctx.Err() != nil {
			return
		}
		fn(c.sess)
		ran = true
	})
	return err == nil && ran
}

// ConnectionState reports the live peer's connection state, or StateClosed.
func (c *Controller) ConnectionState(ctx context.Context) webrtc.ConnectionState {
	state := webrtc.StateClosed
	c.withSession(ctx, func(s *session) {
		if c.livePeer() {
			state = s.peer.ConnectionState()
		}
	})
	return state
}

// NeedsReconnect reports whether the session's peer lost its path.
func (c *Controller) NeedsReconnect(ctx context.Context) bool {
	need := false
	c.withSession(ctx, func(*session) { need = c.needsReconnect() })
	return need
}

func (c *Controller) needsReconnect() bool {
	if !c.livePeer() || !c.sess.active {
		return false
	}
	switch c.sess.peer.ConnectionState() {
	case webrtc.StateDisconnected, webrtc.StateFailed:
		return true
	}
	return false
}

// RestartICE renegotiates with fresh ICE credentials. Only the initiator
// offers; the responder waits for the restart offer.
func (c *Controller) RestartICE(ctx context.Context) error {
	var err error
	if !c.withSession(ctx, func(s *session) {
		if !c.livePeer() {
			err = webrtc.ErrDestroyed
			return
		}
		if s.role != webrtc.RoleInitiator {
			return
		}
		c.log.Infof("restarting ICE")
		err = s.peer.Negotiate(true)
	}) {
		return context.Canceled
	}
	return err
}

// SendKeepAlive sends a heartbeat to the remote user of a connected call.
func (c *Controller) SendKeepAlive(ctx context.Context) error {
	c.withSession(ctx, func(s *session) {
		if c.state == StateConnected && s.target != "" {
			c.send(protocol.KindKeepAlive, nil)
		}
	})
	return ctx.Err()
}

// ConnectionLost ends the session after prolonged silence on a failed
// connection.
func (c *Controller) ConnectionLost(ctx context.Context) {
	c.withSession(ctx, func(*session) { c.fail(FailureConnectionLost, errInactive) })
}

// Unrecoverable ends the session after reconnection gave up. Nothing is
// sent; the path to the remote user is gone.
func (c *Controller) Unrecoverable(ctx context.Context) {
	c.withSession(ctx, func(*session) { c.abort(FailureUnrecoverable, errGaveUp) })
}

// Unload hangs up synchronously because the process is going away. The
// end-call envelope is queued before it returns.
func (c *Controller) Unload(ctx context.Context) error {
	return c.query(ctx, c.endCall)
}

// MarkActivity records a sign of life coming from the environment.
func (c *Controller) MarkActivity() {
	c.post(func() {
		if c.sess.active {
			c.monitor.MarkActivity()
		}
	})
}

// Offline starts the grace timer of an active call; the call ends with
// FailureConnectionLost unless Online is called before it fires.
func (c *Controller) Offline(grace time.Duration) {
	c.post(func() { c.offline(grace) })
}

func (c *Controller) offline(grace time.Duration) {
	s := c.sess
	if !s.active || s.graceCancel != nil {
		return
	}
	c.log.Warnf("network offline, ending the call in %s unless it returns", grace)
	ctx, cancel := context.WithCancel(s.ctx)
	s.graceCancel = cancel
	gen := s.gen
	go func() {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
			c.post(func() {
				if gen == c.sess.gen && ctx.Err() == nil {
					c.fail(FailureConnectionLost, errOffline)
				}
			})
		case <-ctx.Done():
		}
	}()
}

// Online cancels a pending grace timer and checks the connection again.
func (c *Controller) Online() {
	c.post(func() {
		s := c.sess
		if s.graceCancel != nil {
			s.graceCancel()
			s.graceCancel = nil
			c.log.Infof("network back")
		}
		if !s.active {
			return
		}
		c.monitor.MarkActivity()
		if c.needsReconnect() {
			c.monitor.Degraded(s.ctx, "network restored")
		}
	})
}
