// Package signaling binds the local user to its namespaced relay channel.
// Inbound signal events are decoded, deduplicated and handed to a single
// handler; outbound envelopes go over the websocket first and fall back to a
// plain HTTP POST carrying the same body.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/1ureka/duocall/internal/protocol"
	"github.com/1ureka/duocall/internal/util"
)

const dedupeSize = 512 // recently seen envelope IDs

var (
	ErrBindingClosed = errors.New("signaling: binding closed")
	ErrNotConnected  = errors.New("signaling: relay websocket not connected")
	ErrNoRecipient   = errors.New("signaling: envelope has no recipient")
)

// Handler receives every inbound envelope addressed to the local user, in
// relay delivery order.
type Handler func(protocol.Envelope)

// Options configures a Binding.
type Options struct {
	SelfID      string
	Namespace   string
	URL         string // ws(s) relay endpoint
	FallbackURL string // http(s) request/response endpoint; empty disables the fallback
	DialTimeout time.Duration
	PongWait    time.Duration
	SendTimeout time.Duration
	HTTPClient  *http.Client
}

// Binding is the per-user relay subscription. It is constructed once per
// process and shared by the call controller (send/receive) and the
// resilience manager (fault stream, recreation).
type Binding struct {
	opts     Options
	channel  string
	log      util.Scope
	fallback *fallbackClient
	seen     *lru.Cache[string, struct{}]

	handler atomic.Pointer[Handler]
	faults  chan error

	mu     sync.Mutex
	conn   *wsConn // nil while disconnected
	closed bool
}

// New creates a binding; call Open to subscribe.
func New(opts Options) (*Binding, error) {
	if opts.SelfID == "" || opts.Namespace == "" {
		return nil, errors.New("signaling: self id and namespace are required")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}

	seen, err := lru.New[string, struct{}](dedupeSize)
	if err != nil {
		return nil, fmt.Errorf("dedupe cache: %w", err)
	}

	b := &Binding{
		opts:    opts,
		channel: protocol.ChannelName(opts.Namespace, opts.SelfID),
		log:     util.NewScope("relay").WithTag(opts.SelfID),
		seen:    seen,
		faults:  make(chan error, 16),
	}
	if opts.FallbackURL != "" {
		b.fallback = newFallbackClient(opts.FallbackURL, opts.HTTPClient, opts.SendTimeout)
	}
	return b, nil
}

// SelfID returns the local user identifier the binding is subscribed for.
func (b *Binding) SelfID() string { return b.opts.SelfID }

// OnEnvelope registers the inbound handler. It survives Recreate.
func (b *Binding) OnEnvelope(fn Handler) {
	b.handler.Store(&fn)
}

// Faults streams channel-level errors (read failures, missed pongs, failed
// websocket writes, relay error frames). It is never closed.
func (b *Binding) Faults() <-chan error { return b.faults }

// Connected reports whether the websocket subscription is currently live.
func (b *Binding) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && !b.conn.isDone()
}

// Open dials the relay and subscribes to the local user's channel.
func (b *Binding) Open(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBindingClosed
	}
	b.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, b.opts.DialTimeout)
	defer cancel()

	c, err := dial(dialCtx, b.opts.URL, b.opts.PongWait)
	if err != nil {
		return err
	}
	if err := c.writeFrame(protocol.Frame{Op: protocol.OpSubscribe, Channel: b.channel}); err != nil {
		c.close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		c.close()
		return ErrBindingClosed
	}
	old := b.conn
	b.conn = c
	b.mu.Unlock()

	if old != nil {
		old.close()
	}

	go b.readLoop(c)
	go b.pingLoop(c)

	b.log.Infof("subscribed to %s", b.channel)
	return nil
}

// Recreate tears down the current subscription and dials a new one. The
// registered handler and the dedupe window are kept.
func (b *Binding) Recreate(ctx context.Context) error {
	b.mu.Lock()
	old := b.conn
	b.conn = nil
	b.mu.Unlock()

	if old != nil {
		old.close()
	}
	util.Stats.AddChannelRecreate()
	return b.Open(ctx)
}

// Send delivers env to the recipient's channel. The websocket is tried
// first; on any failure the fallback endpoint is tried once with the
// identical envelope body. Both failing returns the joined error.
func (b *Binding) Send(ctx context.Context, env protocol.Envelope) error {
	if env.To == "" {
		return ErrNoRecipient
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	b.mu.Lock()
	closed, c := b.closed, b.conn
	b.mu.Unlock()
	if closed {
		return ErrBindingClosed
	}

	wsErr := ErrNotConnected
	if c != nil && !c.isDone() {
		wsErr = c.writeFrame(protocol.Frame{
			Op:      protocol.OpPublish,
			Channel: protocol.ChannelName(b.opts.Namespace, env.To),
			Event:   protocol.EventSignal,
			Data:    data,
		})
		if wsErr == nil {
			util.Stats.AddSent()
			return nil
		}
		b.fault(fmt.Errorf("publish: %w", wsErr))
	}

	if b.fallback == nil {
		return wsErr
	}

	b.log.Debugf("websocket send failed (%v), using fallback for %s", wsErr, env.Kind)
	if err := b.fallback.post(ctx, data); err != nil {
		return errors.Join(wsErr, err)
	}
	util.Stats.AddSent()
	util.Stats.AddFallback()
	return nil
}

// Close unsubscribes and shuts the binding down. Further Open/Send calls
// fail with ErrBindingClosed.
func (b *Binding) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	c := b.conn
	b.conn = nil
	b.mu.Unlock()

	if c == nil {
		return nil
	}
	// Best effort; the relay drops subscriptions of closed sockets anyway.
	_ = c.writeFrame(protocol.Frame{Op: protocol.OpUnsubscribe, Channel: b.channel})
	c.close()
	b.log.Infof("unsubscribed from %s", b.channel)
	return nil
}

// fault reports a channel-level error without blocking.
func (b *Binding) fault(err error) {
	select {
	case b.faults <- err:
	default:
	}
}

// current reports whether c is still the active connection.
func (b *Binding) current(c *wsConn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn == c && !b.closed
}
