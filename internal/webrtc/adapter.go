package webrtc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/protocol"
	"github.com/1ureka/duocall/internal/util"
)

// Peer wraps one pion PeerConnection.
//
// Remote candidates that arrive before the remote description are held and
// applied once it is set. Local candidates gathered before the matching
// local description was emitted are held too, so the remote side always sees
// the description first.
//
// The sink is called with internal locks held: it must return quickly and
// must not call back into the Peer.
type Peer struct {
	pc   *webrtc.PeerConnection
	role Role
	log  util.Scope

	emitMu   sync.RWMutex
	sink     EventSink
	detached bool

	senders []localSender

	mu            sync.Mutex
	muted         bool
	state         ConnectionState
	remotePending []webrtc.ICECandidateInit
	localHeld     []webrtc.ICECandidateInit
	localReady    bool // the current local description was emitted
	closedEmitted bool
}

func newPeer(pc *webrtc.PeerConnection, role Role, sink EventSink) *Peer {
	p := &Peer{
		pc:   pc,
		role: role,
		sink: sink,
		log:  util.NewScope("peer").WithTag(fmt.Sprintf("%p", pc)),
	}

	pc.OnICECandidate(p.handleLocalCandidate)
	pc.OnConnectionStateChange(p.handleStateChange)
	pc.OnTrack(p.handleTrack)

	p.log.Debugf("created as %s", role)
	return p
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// Negotiate creates an offer, applies it locally and emits it. With
// iceRestart the offer carries fresh ICE credentials on a live session.
func (p *Peer) Negotiate(iceRestart bool) error {
	if p.Destroyed() {
		return wrap("negotiate", ErrDestroyed)
	}
	offer, err := p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return wrap("create offer", err)
	}
	return p.describeLocal(offer, protocol.KindOffer)
}

// Signal applies a remote negotiation payload. An offer is answered
// immediately.
func (p *Peer) Signal(kind protocol.Kind, payload json.RawMessage) error {
	if p.Destroyed() {
		return wrap("signal", ErrDestroyed)
	}

	switch kind {
	case protocol.KindOffer, protocol.KindAnswer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(payload, &sd); err != nil {
			return wrap("decode description", err)
		}
		if string(kind) != sd.Type.String() {
			return wrap("apply description", fmt.Errorf("%w: %s payload under %s", ErrWrongPhase, sd.Type, kind))
		}
		if err := p.pc.SetRemoteDescription(sd); err != nil {
			return wrap("set remote description", err)
		}
		p.applyRemotePending()

		if kind == protocol.KindAnswer {
			return nil
		}
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return wrap("create answer", err)
		}
		return p.describeLocal(answer, protocol.KindAnswer)

	case protocol.KindCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal(payload, &init); err != nil {
			return wrap("decode candidate", err)
		}
		p.mu.Lock()
		if p.pc.RemoteDescription() == nil {
			p.remotePending = append(p.remotePending, init)
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()
		return wrap("add candidate", p.pc.AddICECandidate(init))
	}

	return wrap("signal", fmt.Errorf("%w: %s is not a negotiation kind", ErrWrongPhase, kind))
}

// describeLocal applies sd locally, emits it, then releases the local
// candidates gathered meanwhile.
func (p *Peer) describeLocal(sd webrtc.SessionDescription, kind protocol.Kind) error {
	p.mu.Lock()
	p.localReady = false
	p.mu.Unlock()

	if err := p.pc.SetLocalDescription(sd); err != nil {
		return wrap("set local description", err)
	}
	payload, err := json.Marshal(sd)
	if err != nil {
		return wrap("encode description", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.emit(EventLocalSignal{Kind: kind, Payload: payload})
	for _, c := range p.localHeld {
		p.emitCandidate(c)
	}
	p.localHeld = nil
	p.localReady = true
	return nil
}

func (p *Peer) applyRemotePending() {
	p.mu.Lock()
	pending := p.remotePending
	p.remotePending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.log.Debugf("held candidate rejected: %v", err)
		}
	}
}

// ---------------------------------------------------------------------------
// State queries
// ---------------------------------------------------------------------------

// SignalingPhase returns the current negotiation phase.
func (p *Peer) SignalingPhase() SignalingPhase {
	switch p.pc.SignalingState() {
	case webrtc.SignalingStateHaveLocalOffer, webrtc.SignalingStateHaveLocalPranswer:
		return PhaseHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer, webrtc.SignalingStateHaveRemotePranswer:
		return PhaseHaveRemoteOffer
	case webrtc.SignalingStateClosed:
		return PhaseClosed
	}
	return PhaseStable
}

func (p *Peer) HasLocalDescription() bool  { return p.pc.LocalDescription() != nil }
func (p *Peer) HasRemoteDescription() bool { return p.pc.RemoteDescription() != nil }

// ConnectionState returns the last observed aggregate state.
func (p *Peer) ConnectionState() ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetMuted stops or resumes sending local audio by detaching the tracks
// from their senders. The capture itself keeps running.
func (p *Peer) SetMuted(muted bool) error {
	p.mu.Lock()
	if p.muted == muted {
		p.mu.Unlock()
		return nil
	}
	p.muted = muted
	p.mu.Unlock()

	for _, s := range p.senders {
		var track webrtc.TrackLocal
		if !muted {
			track = s.track
		}
		if err := s.sender.ReplaceTrack(track); err != nil {
			return wrap("replace track", err)
		}
	}
	return nil
}

// Role returns the side this peer was created for.
func (p *Peer) Role() Role { return p.role }

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Destroy detaches the sink, replaces every pion handler with a no-op and
// closes the connection. It is safe to call more than once.
func (p *Peer) Destroy() {
	p.emitMu.Lock()
	if p.detached {
		p.emitMu.Unlock()
		return
	}
	p.detached = true
	p.sink = nil
	p.emitMu.Unlock()

	p.pc.OnICECandidate(func(*webrtc.ICECandidate) {})
	p.pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
	p.pc.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {})

	if err := p.pc.Close(); err != nil && ClassifyError(err) != ErrorExpectedClose {
		p.log.Debugf("close: %v", err)
	}
	p.log.Debugf("destroyed")
}

// Destroyed reports whether Destroy was called.
func (p *Peer) Destroyed() bool {
	p.emitMu.RLock()
	defer p.emitMu.RUnlock()
	return p.detached
}

// ---------------------------------------------------------------------------
// pion callbacks
// ---------------------------------------------------------------------------

func (p *Peer) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return // gathering complete
	}
	init := c.ToJSON()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.localReady {
		p.localHeld = append(p.localHeld, init)
		return
	}
	p.emitCandidate(init)
}

func (p *Peer) emitCandidate(init webrtc.ICECandidateInit) {
	payload, err := json.Marshal(init)
	if err != nil {
		p.log.Warnf("encode candidate: %v", err)
		return
	}
	p.emit(EventLocalSignal{Kind: protocol.KindCandidate, Payload: payload})
}

func (p *Peer) handleStateChange(s webrtc.PeerConnectionState) {
	state := mapState(s)
	p.log.Debugf("connection state: %s", state)

	p.mu.Lock()
	p.state = state
	firstClose := state == StateClosed && !p.closedEmitted
	if firstClose {
		p.closedEmitted = true
	}
	p.mu.Unlock()

	switch state {
	case StateConnected:
		p.emit(EventConnected{})
	case StateDisconnected:
		p.emit(EventInterrupted{})
	case StateFailed:
		p.emit(EventError{Kind: ErrorConnectionFailed, Err: ErrConnectionFailed})
	case StateClosed:
		if firstClose {
			p.emit(EventClosed{})
		}
	}
}

func (p *Peer) handleTrack(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	p.emit(EventRemoteTrack{Stream: RemoteStream{
		StreamID: track.StreamID(),
		TrackID:  track.ID(),
		Codec:    track.Codec().MimeType,
	}})

	if id := audioLevelID(recv); id != 0 {
		go watchVoice(track, id, func(speaking bool) {
			p.emit(EventVoiceActivity{Speaking: speaking})
		})
		return
	}
	p.log.Debugf("remote track has no audio level extension, voice activity disabled")
}

// emit hands ev to the sink unless the peer was destroyed.
func (p *Peer) emit(ev Event) {
	p.emitMu.RLock()
	defer p.emitMu.RUnlock()
	if p.detached || p.sink == nil {
		return
	}
	p.sink(ev)
}

type localSender struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

func mapState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	}
	return StateNew
}
