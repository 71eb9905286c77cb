package signaling

import (
	"context"
	"errors"
	"sync"

	"github.com/1ureka/duocall/internal/protocol"
	"github.com/1ureka/duocall/internal/util"
)

const outboxSize = 64 // pending envelope capacity

// ErrOutboxFull is returned by Enqueue when the queue is saturated.
var ErrOutboxFull = errors.New("signaling: outbox full")

// Transport is the send primitive the Outbox drains into. *Binding
// implements it.
type Transport interface {
	Send(ctx context.Context, env protocol.Envelope) error
}

// Outbox is a single-writer goroutine that sends envelopes in the order they
// were enqueued, so wire order equals emission order.
type Outbox struct {
	tr    Transport
	inbox chan protocol.Envelope
	log   util.Scope

	mu       sync.Mutex
	stopping bool
	drained  chan struct{}
}

// NewOutbox creates an Outbox and starts its loop. The loop exits when ctx
// is cancelled or after Close drained the queue.
func NewOutbox(ctx context.Context, tr Transport) *Outbox {
	o := &Outbox{
		tr:      tr,
		inbox:   make(chan protocol.Envelope, outboxSize),
		log:     util.NewScope("outbox"),
		drained: make(chan struct{}),
	}
	go o.loop(ctx)
	return o
}

func (o *Outbox) loop(ctx context.Context) {
	defer close(o.drained)

	for {
		select {
		case env, ok := <-o.inbox:
			if !ok {
				return
			}
			// Send failures are never fatal to the call; liveness is judged
			// by health polling.
			if err := o.tr.Send(ctx, env); err != nil {
				o.log.Warnf("send %s to %s failed: %v", env.Kind, util.Tag(env.To), err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Enqueue schedules env for sending. It never blocks: a saturated queue
// drops env and returns ErrOutboxFull.
func (o *Outbox) Enqueue(env protocol.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopping {
		return ErrBindingClosed
	}

	select {
	case o.inbox <- env:
		return nil
	default:
		util.Stats.AddDropped()
		return ErrOutboxFull
	}
}

// Close stops accepting envelopes and waits until the queued ones were
// attempted or ctx expires.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.stopping {
		o.stopping = true
		close(o.inbox)
	}
	o.mu.Unlock()

	select {
	case <-o.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
