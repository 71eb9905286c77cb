// Package protocol defines the signaling envelope exchanged between two call
// peers and the frame format spoken with the relay.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what an envelope carries.
type Kind string

const (
	KindOffer      Kind = "offer"       // SDP offer
	KindAnswer     Kind = "answer"      // SDP answer
	KindCandidate  Kind = "candidate"   // trickled ICE candidate
	KindEndCall    Kind = "end-call"    // hang-up notification
	KindKeepAlive  Kind = "keep-alive"  // liveness heartbeat, no payload
	KindMuteStatus Kind = "mute-status" // sender's microphone mute flag
)

// Negotiation reports whether envelopes of this kind carry negotiation
// payload. Only these kinds may ever be buffered.
func (k Kind) Negotiation() bool {
	switch k {
	case KindOffer, KindAnswer, KindCandidate:
		return true
	}
	return false
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindCandidate, KindEndCall, KindKeepAlive, KindMuteStatus:
		return true
	}
	return false
}

// Envelope is one signaling message unit. Envelopes are treated as immutable
// once built; buffers store them verbatim.
type Envelope struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Muted   *bool           `json:"muted,omitempty"`
	SentAt  int64           `json:"sentAt"` // unix millis
}

// NewEnvelope builds an envelope with a fresh ID and the current timestamp.
func NewEnvelope(kind Kind, from, to string, payload json.RawMessage) Envelope {
	return Envelope{
		ID:      uuid.NewString(),
		Kind:    kind,
		From:    from,
		To:      to,
		Payload: payload,
		SentAt:  time.Now().UnixMilli(),
	}
}

// NewMuteStatus builds a mute-status envelope.
func NewMuteStatus(from, to string, muted bool) Envelope {
	env := NewEnvelope(KindMuteStatus, from, to, nil)
	env.Muted = &muted
	return env
}

// HasPayload reports whether the envelope carries a non-empty payload.
func (e Envelope) HasPayload() bool {
	return len(e.Payload) > 0 && string(e.Payload) != "null"
}

// Addressed returns a copy of e addressed to the given user.
func (e Envelope) Addressed(to string) Envelope {
	e.To = to
	return e
}
