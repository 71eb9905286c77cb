// Package call implements the call controller: the single owner of call
// state that arbitrates between local intents, remote signals, peer events
// and environment events.
package call

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/1ureka/duocall/internal/media"
	"github.com/1ureka/duocall/internal/protocol"
	"github.com/1ureka/duocall/internal/webrtc"
)

// State is the authoritative call state of the local user.
type State int

const (
	StateIdle      State = iota // initial and terminal state of every attempt
	StateCalling                // we placed a call and wait for it to connect
	StateReceiving              // an offer arrived; waiting for answer/reject
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateReceiving:
		return "receiving"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// FailureKind classifies user-visible failures.
type FailureKind int

const (
	FailureGeneric FailureKind = iota
	FailureDeviceDenied
	FailureDeviceAbsent
	FailureDeviceBusy
	FailureDeviceConstraints
	FailureDeviceInsecure
	FailureDeviceAborted
	FailureConnectionFailed
	FailureConnectionLost
	FailureUnrecoverable
	FailureEndedByPeer
)

// Message returns the human-readable text shown for the failure.
func (k FailureKind) Message() string {
	switch k {
	case FailureDeviceDenied:
		return "microphone access was denied"
	case FailureDeviceAbsent:
		return "no microphone was found"
	case FailureDeviceBusy:
		return "the microphone is in use or could not be opened"
	case FailureDeviceConstraints:
		return "the microphone does not support the required audio settings"
	case FailureDeviceInsecure:
		return "microphone access is not allowed in this context"
	case FailureDeviceAborted:
		return "the microphone request was cancelled"
	case FailureConnectionFailed:
		return "could not establish or maintain the connection"
	case FailureConnectionLost:
		return "connection lost"
	case FailureUnrecoverable:
		return "the connection could not be recovered"
	case FailureEndedByPeer:
		return "the other party ended the call"
	}
	return "the call failed"
}

func (k FailureKind) String() string { return k.Message() }

// failureFromMedia maps a media acquisition error to its FailureKind.
func failureFromMedia(err error) FailureKind {
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		return FailureDeviceDenied
	case errors.Is(err, media.ErrDeviceNotFound):
		return FailureDeviceAbsent
	case errors.Is(err, media.ErrDeviceBusy):
		return FailureDeviceBusy
	case errors.Is(err, media.ErrConstraintsUnsupported):
		return FailureDeviceConstraints
	case errors.Is(err, media.ErrInsecureContext):
		return FailureDeviceInsecure
	case errors.Is(err, media.ErrAborted):
		return FailureDeviceAborted
	}
	return FailureGeneric
}

var (
	ErrInvalidTarget = errors.New("call: invalid target user")
	ErrStopped       = errors.New("call: controller stopped")
)

// Callbacks are the notifications delivered to the UI. They run in order on
// a dedicated goroutine, so a callback may call back into the Controller.
// Any of them may be nil.
type Callbacks struct {
	OnStateChange         func(State)
	OnRemoteStream        func(webrtc.RemoteStream)
	OnLocalStream         func(media.Stream)
	OnError               func(kind FailureKind, message string)
	OnNotice              func(message string)
	OnIncomingCall        func(callerID string)
	OnRemoteMuteChanged   func(muted bool)
	OnRemoteVoiceActivity func(speaking bool)
}

// Peer is the negotiation primitive the controller drives. *webrtc.Peer
// implements it.
type Peer interface {
	Negotiate(iceRestart bool) error
	Signal(kind protocol.Kind, payload json.RawMessage) error
	SignalingPhase() webrtc.SignalingPhase
	HasLocalDescription() bool
	HasRemoteDescription() bool
	ConnectionState() webrtc.ConnectionState
	SetMuted(muted bool) error
	Destroy()
	Destroyed() bool
}

// PeerFactory creates peers.
type PeerFactory interface {
	NewPeer(role webrtc.Role, local media.Stream, sink webrtc.EventSink) (Peer, error)
}

// PeerFactoryFunc adapts a function to PeerFactory.
type PeerFactoryFunc func(role webrtc.Role, local media.Stream, sink webrtc.EventSink) (Peer, error)

func (f PeerFactoryFunc) NewPeer(role webrtc.Role, local media.Stream, sink webrtc.EventSink) (Peer, error) {
	return f(role, local, sink)
}

// Outbound queues envelopes for ordered delivery. *signaling.Outbox
// implements it.
type Outbound interface {
	Enqueue(env protocol.Envelope) error
}

// Monitor watches the liveness of the current session. Every method must
// return without blocking. *resilience.Manager implements it.
type Monitor interface {
	// StartSession begins health polling; it stops when ctx is done.
	StartSession(ctx context.Context)
	// Connected resets the reconnection counter and starts keep-alives.
	Connected(ctx context.Context)
	// MarkActivity records that the session showed signs of life.
	MarkActivity()
	// Degraded asks for bounded reconnection attempts.
	Degraded(ctx context.Context, reason string)
	// Reconnecting reports whether attempts are in flight.
	Reconnecting() bool
}

// Snapshot is a read-only view of the controller state.
type Snapshot struct {
	State          State
	SessionID      string
	Generation     uint64
	Target         string
	IncomingCaller string
	Active         bool // isCallActive: negotiation was started or accepted
	HasPeer        bool // a peer reference is held, destroyed or not
	PeerLive       bool // that peer is not destroyed
	Buffered       int  // inbound envelopes waiting for a peer
	OutboundQueued int  // local signals waiting for a target
	Muted          bool
	RemoteMuted    bool
}

type noopMonitor struct{}

func (noopMonitor) StartSession(context.Context)     {}
func (noopMonitor) Connected(context.Context)        {}
func (noopMonitor) MarkActivity()                    {}
func (noopMonitor) Degraded(context.Context, string) {}
func (noopMonitor) Reconnecting() bool               { return false }
