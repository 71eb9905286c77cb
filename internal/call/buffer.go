package call

import (
	"errors"
	"time"

	"github.com/1ureka/duocall/internal/protocol"
)

var errNotBufferable = errors.New("call: only negotiation envelopes with payload are buffered")

// signalBuffer holds inbound negotiation envelopes that arrived before a peer
// existed to consume them. Envelopes are stored verbatim in arrival order.
type signalBuffer struct {
	entries []protocol.Envelope
}

func (b *signalBuffer) push(env protocol.Envelope) error {
	if !env.Kind.Negotiation() || !env.HasPayload() {
		return errNotBufferable
	}
	b.entries = append(b.entries, env)
	return nil
}

// drain returns the buffered envelopes and leaves the buffer empty.
func (b *signalBuffer) drain() []protocol.Envelope {
	out := b.entries
	b.entries = nil
	return out
}

// holds reports whether an envelope of kind is waiting.
func (b *signalBuffer) holds(kind protocol.Kind) bool {
	for _, env := range b.entries {
		if env.Kind == kind {
			return true
		}
	}
	return false
}

func (b *signalBuffer) reset()   { b.entries = nil }
func (b *signalBuffer) len() int { return len(b.entries) }

type pendingSignal struct {
	env protocol.Envelope
	at  time.Time
}

// outboundBuffer holds locally produced signals emitted while no target was
// known. It is bounded by size and age; the oldest entry goes first.
type outboundBuffer struct {
	max     int
	ttl     time.Duration
	entries []pendingSignal
}

// push stores env and returns how many entries were evicted to make room or
// because they expired.
func (b *outboundBuffer) push(env protocol.Envelope, now time.Time) int {
	evicted := b.expire(now)
	if b.max <= 0 {
		return evicted
	}
	for len(b.entries) >= b.max {
		b.entries = b.entries[1:]
		evicted++
	}
	b.entries = append(b.entries, pendingSignal{env: env, at: now})
	return evicted
}

// flush returns the unexpired entries addressed to target and empties the
// buffer.
func (b *outboundBuffer) flush(target string, now time.Time) []protocol.Envelope {
	b.expire(now)
	out := make([]protocol.Envelope, 0, len(b.entries))
	for _, p := range b.entries {
		out = append(out, p.env.Addressed(target))
	}
	b.entries = nil
	return out
}

func (b *outboundBuffer) expire(now time.Time) int {
	if b.ttl <= 0 {
		return 0
	}
	n := 0
	for n < len(b.entries) && now.Sub(b.entries[n].at) > b.ttl {
		n++
	}
	b.entries = b.entries[n:]
	return n
}

func (b *outboundBuffer) reset()   { b.entries = nil }
func (b *outboundBuffer) len() int { return len(b.entries) }
