package webrtc

import (
	"encoding/json"

	"github.com/1ureka/duocall/internal/protocol"
)

// Event is one notification from a Peer. The set of variants is closed:
// EventLocalSignal, EventConnected, EventInterrupted, EventRemoteTrack,
// EventVoiceActivity, EventError and EventClosed.
type Event interface {
	isEvent()
}

// EventSink receives every event of a Peer in emission order. It is never
// invoked after Destroy returned.
type EventSink func(Event)

// EventLocalSignal carries a negotiation message produced locally (offer,
// answer or candidate) that must reach the remote party.
type EventLocalSignal struct {
	Kind    protocol.Kind
	Payload json.RawMessage
}

// EventConnected fires when the aggregate connection state reaches
// connected, including after a successful ICE restart.
type EventConnected struct{}

// EventInterrupted fires when the connection drops to disconnected. It may
// still recover on its own.
type EventInterrupted struct{}

// EventRemoteTrack fires when the remote audio track arrives.
type EventRemoteTrack struct {
	Stream RemoteStream
}

// EventVoiceActivity reports the remote party starting or stopping to speak.
type EventVoiceActivity struct {
	Speaking bool
}

// EventError reports a classified failure.
type EventError struct {
	Kind ErrorKind
	Err  error
}

// EventClosed fires once when the underlying connection closes without a
// local Destroy.
type EventClosed struct{}

func (EventLocalSignal) isEvent()   {}
func (EventConnected) isEvent()     {}
func (EventInterrupted) isEvent()   {}
func (EventRemoteTrack) isEvent()   {}
func (EventVoiceActivity) isEvent() {}
func (EventError) isEvent()         {}
func (EventClosed) isEvent()        {}

// RemoteStream describes the remote audio track handed to the UI.
type RemoteStream struct {
	StreamID string
	TrackID  string
	Codec    string
}

// SignalingPhase is the negotiation phase of a Peer.
type SignalingPhase int

const (
	PhaseStable          SignalingPhase = iota // no exchange in progress
	PhaseHaveLocalOffer                        // waiting for the answer to our offer
	PhaseHaveRemoteOffer                       // remote offer applied, answer pending
	PhaseClosed
)

func (p SignalingPhase) String() string {
	switch p {
	case PhaseStable:
		return "stable"
	case PhaseHaveLocalOffer:
		return "have-local-offer"
	case PhaseHaveRemoteOffer:
		return "have-remote-offer"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}

// ConnectionState is the aggregate connection state of a Peer.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Role is the side a Peer plays in the initial negotiation.
type Role int

const (
	RoleInitiator Role = iota // creates the offer
	RoleResponder             // waits for the offer
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}
