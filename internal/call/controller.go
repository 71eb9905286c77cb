package call

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/duocall/internal/media"
	"github.com/1ureka/duocall/internal/protocol"
	"github.com/1ureka/duocall/internal/util"
	"github.com/1ureka/duocall/internal/webrtc"
)

const (
	defaultOutboundMax = 64
	defaultOutboundTTL = 30 * time.Second
)

// Options configures a Controller.
type Options struct {
	SelfID      string
	Peers       PeerFactory
	Media       media.Source
	Constraints media.AudioConstraints
	Out         Outbound
	Callbacks   Callbacks

	// Bounds of the buffer for local signals emitted before a target is
	// known. Zero values select 64 entries and 30 seconds.
	OutboundMax int
	OutboundTTL time.Duration

	// OnConnectionFailure, when set, runs on its own goroutine every time a
	// call fails with FailureConnectionFailed.
	OnConnectionFailure func()

	Now func() time.Time
}

// session holds every piece of mutable per-call state. It is replaced as a
// whole on cleanup; continuations that captured an older generation are
// discarded.
type session struct {
	gen    uint64
	id     string
	ctx    context.Context // cancelled on cleanup; owns every session timer
	cancel context.CancelFunc

	role           webrtc.Role
	target         string
	incomingCaller string
	active         bool
	muted          bool
	remoteMuted    bool

	peer   Peer
	local  media.Stream
	remote *webrtc.RemoteStream

	inbound  signalBuffer
	outbound outboundBuffer

	graceCancel context.CancelFunc
}

// Controller owns the call state. Every mutation runs on the goroutine
// started by Run; public methods post work to it and never block on peer
// operations.
type Controller struct {
	opts  Options
	log   util.Scope
	inbox *mailbox
	notes *mailbox
	done  chan struct{}
	snap  atomic.Pointer[Snapshot]

	started atomic.Bool

	// owned by the Run goroutine
	state   State
	gen     uint64
	sess    *session
	monitor Monitor
}

// New creates a Controller. Run must be called to start processing.
func New(opts Options) (*Controller, error) {
	switch {
	case opts.SelfID == "":
		return nil, errors.New("call: self id is required")
	case opts.Peers == nil:
		return nil, errors.New("call: peer factory is required")
	case opts.Media == nil:
		return nil, errors.New("call: media source is required")
	case opts.Out == nil:
		return nil, errors.New("call: outbound transport is required")
	}
	if opts.OutboundMax == 0 {
		opts.OutboundMax = defaultOutboundMax
	}
	if opts.OutboundTTL == 0 {
		opts.OutboundTTL = defaultOutboundTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Controller{
		opts:    opts,
		inbox:   newMailbox(),
		notes:   newMailbox(),
		done:    make(chan struct{}),
		monitor: noopMonitor{},
	}
	c.freshSession()
	c.publish()
	return c, nil
}

// SetMonitor installs the liveness monitor. It takes effect before any work
// posted after it.
func (c *Controller) SetMonitor(m Monitor) {
	if m == nil {
		m = noopMonitor{}
	}
	c.post(func() { c.monitor = m })
}

// Run processes posted work until ctx is cancelled. On exit the current
// session is torn down without notifying the remote user.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("call: controller already running")
	}
	go c.notifyLoop()

	defer func() {
		c.inbox.close()
		c.cleanup("controller stopped")
		c.publish()
		close(c.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.inbox.wake:
			for _, fn := range c.inbox.take() {
				fn()
			}
			c.publish()
		}
	}
}

// Done is closed after Run returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) notifyLoop() {
	for {
		select {
		case <-c.notes.wake:
			for _, fn := range c.notes.take() {
				fn()
			}
		case <-c.done:
			for _, fn := range c.notes.close() {
				fn()
			}
			return
		}
	}
}

func (c *Controller) post(fn func()) bool { return c.inbox.put(fn) }

// query runs fn on the loop and waits for it.
func (c *Controller) query(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !c.post(func() { fn(); close(finished) }) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) notify(fn func()) { c.notes.put(fn) }

// Snapshot returns the state as of the last processed batch of work.
func (c *Controller) Snapshot() Snapshot { return *c.snap.Load() }

// IncomingCallerID returns the user whose offer awaits an answer, if any.
func (c *Controller) IncomingCallerID() string { return c.Snapshot().IncomingCaller }

// CallActive reports whether negotiation was started or accepted.
func (c *Controller) CallActive() bool { return c.Snapshot().Active }

// LocalStream returns the captured local stream, or nil.
func (c *Controller) LocalStream(ctx context.Context) (media.Stream, error) {
	var s media.Stream
	err := c.query(ctx, func() { s = c.sess.local })
	return s, err
}

func (c *Controller) publish() {
	s := c.sess
	c.snap.Store(&Snapshot{
		State:          c.state,
		SessionID:      s.id,
		Generation:     s.gen,
		Target:         s.target,
		IncomingCaller: s.incomingCaller,
		Active:         s.active,
		HasPeer:        s.peer != nil,
		PeerLive:       c.livePeer(),
		Buffered:       s.inbound.len(),
		OutboundQueued: s.outbound.len(),
		Muted:          s.muted,
		RemoteMuted:    s.remoteMuted,
	})
}

func (c *Controller) freshSession() {
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c.sess = &session{
		gen:      c.gen,
		id:       uuid.NewString(),
		ctx:      ctx,
		cancel:   cancel,
		outbound: outboundBuffer{max: c.opts.OutboundMax, ttl: c.opts.OutboundTTL},
	}
	c.log = util.NewScope("call").WithTag(c.sess.id)
}

func (c *Controller) livePeer() bool {
	return c.sess.peer != nil && !c.sess.peer.Destroyed()
}

func (c *Controller) setState(next State) {
	if c.state == next {
		return
	}
	c.log.Infof("state %s -> %s", c.state, next)
	c.state = next
	if cb := c.opts.Callbacks.OnStateChange; cb != nil {
		c.notify(func() { cb(next) })
	}
}

// cleanup releases everything the session holds and returns to idle.
func (c *Controller) cleanup(reason string) {
	s := c.sess
	s.cancel()
	if s.peer != nil {
		s.peer.Destroy()
	}
	if s.local != nil {
		if err := s.local.Close(); err != nil {
			c.log.Warnf("release local media: %v", err)
		}
	}
	if n := s.inbound.len() + s.outbound.len(); n > 0 {
		c.log.Debugf("discarding %d buffered signals", n)
	}
	if s.active {
		util.Stats.AddCallEnded()
	}
	if c.state != StateIdle || s.active {
		c.log.Infof("call over: %s", reason)
	}

	c.freshSession()
	c.setState(StateIdle)
}

// fail ends the call, tells the remote user, and surfaces kind to the user.
func (c *Controller) fail(kind FailureKind, err error) {
	if kind == FailureConnectionFailed && c.opts.OnConnectionFailure != nil {
		go c.opts.OnConnectionFailure()
	}
	if c.sess.target != "" && (c.state != StateIdle || c.sess.active) {
		c.send(protocol.KindEndCall, nil)
	}
	c.abort(kind, err)
}

// abort is fail without the end-call signal.
func (c *Controller) abort(kind FailureKind, err error) {
	c.log.Errorf("%s: %v", kind.Message(), err)
	c.cleanup(kind.Message())
	if cb := c.opts.Callbacks.OnError; cb != nil {
		msg := kind.Message()
		c.notify(func() { cb(kind, msg) })
	}
}

func (c *Controller) send(kind protocol.Kind, payload []byte) {
	s := c.sess
	env := protocol.NewEnvelope(kind, c.opts.SelfID, s.target, payload)
	if s.target == "" {
		if n := s.outbound.push(env, c.opts.Now()); n > 0 {
			c.log.Warnf("outbound buffer full, dropped %d old signals", n)
		}
		util.Stats.AddBuffered()
		return
	}
	c.enqueue(env)
}

func (c *Controller) enqueue(env protocol.Envelope) {
	if err := c.opts.Out.Enqueue(env); err != nil {
		c.log.Warnf("queue %s for %s: %v", env.Kind, util.Tag(env.To), err)
	}
}

func (c *Controller) drop(env protocol.Envelope, why string) {
	util.Stats.AddDropped()
	c.log.Debugf("dropped %s from %s: %s", env.Kind, util.Tag(env.From), why)
}

// StartCall places a call to target. A call already in progress makes it a
// logged no-op.
func (c *Controller) StartCall(target string) error {
	if target == "" || target == c.opts.SelfID {
		return ErrInvalidTarget
	}
	if !c.post(func() { c.startCall(target) }) {
		return ErrStopped
	}
	return nil
}

func (c *Controller) startCall(target string) {
	if c.state != StateIdle || c.livePeer() {
		c.log.Warnf("call to %s ignored: already %s", util.Tag(target), c.state)
		return
	}
	s := c.sess
	if s.target != "" && s.target != target {
		s.outbound.reset()
	}
	s.target = target
	s.role = webrtc.RoleInitiator
	s.active = true
	util.Stats.AddCallStarted()
	c.log.Infof("calling %s", util.Tag(target))
	c.setState(StateCalling)
	c.monitor.StartSession(s.ctx)
	c.acquire(s)
}

// AnswerCall accepts the pending incoming call. An empty callerID accepts
// whoever is calling.
func (c *Controller) AnswerCall(callerID string) error {
	if !c.post(func() { c.answerCall(callerID) }) {
		return ErrStopped
	}
	return nil
}

func (c *Controller) answerCall(callerID string) {
	s := c.sess
	switch {
	case c.state != StateReceiving || s.incomingCaller == "" || s.active:
		c.log.Warnf("answer ignored: no call is ringing")
		return
	case callerID != "" && callerID != s.incomingCaller:
		c.log.Warnf("answer ignored: %s is not calling", util.Tag(callerID))
		return
	case c.livePeer():
		c.log.Warnf("answer ignored: a peer session is already live")
		return
	}
	c.log.Infof("answering %s", util.Tag(s.incomingCaller))
	s.incomingCaller = ""
	s.role = webrtc.RoleResponder
	s.active = true
	util.Stats.AddCallStarted()
	c.monitor.StartSession(s.ctx)
	c.monitor.MarkActivity()
	c.acquire(s)
}

// RejectCall declines the pending incoming call.
func (c *Controller) RejectCall() error {
	if !c.post(c.rejectCall) {
		return ErrStopped
	}
	return nil
}

func (c *Controller) rejectCall() {
	s := c.sess
	if c.state != StateReceiving || s.active {
		c.log.Warnf("reject ignored: no call is ringing")
		return
	}
	c.send(protocol.KindEndCall, nil)
	c.cleanup("rejected")
}

// EndCall hangs up. It always succeeds locally and is idempotent: only a
// call in progress notifies the remote user.
func (c *Controller) EndCall() error {
	if !c.post(c.endCall) {
		return ErrStopped
	}
	return nil
}

func (c *Controller) endCall() {
	s := c.sess
	if s.target != "" && (c.state != StateIdle || s.active) {
		c.send(protocol.KindEndCall, nil)
	}
	c.cleanup("ended locally")
}

// ForceReset synchronously tears everything down without any network
// signal.
func (c *Controller) ForceReset(ctx context.Context) error {
	return c.query(ctx, func() { c.cleanup("force reset") })
}

// SendMuteStatus mutes or unmutes the local microphone and tells the remote
// user about it.
func (c *Controller) SendMuteStatus(muted bool) error {
	if !c.post(func() { c.setMuted(muted) }) {
		return ErrStopped
	}
	return nil
}

func (c *Controller) setMuted(muted bool) {
	s := c.sess
	s.muted = muted
	if c.livePeer() {
		if err := s.peer.SetMuted(muted); err != nil {
			c.log.Warnf("mute: %v", err)
		}
	}
	if s.target == "" {
		return
	}
	c.enqueue(protocol.NewMuteStatus(c.opts.SelfID, s.target, muted))
}

// SetPeerUserID sets the remote user. Signals emitted while no target was
// known are flushed to it.
func (c *Controller) SetPeerUserID(id string) error {
	if id == c.opts.SelfID && id != "" {
		return ErrInvalidTarget
	}
	if !c.post(func() { c.setTarget(id) }) {
		return ErrStopped
	}
	return nil
}

func (c *Controller) setTarget(id string) {
	s := c.sess
	if id != s.target && (s.active || c.state != StateIdle || s.incomingCaller != "") {
		c.log.Warnf("cannot retarget to %s while %s", util.Tag(id), c.state)
		return
	}
	s.target = id
	if id == "" {
		return
	}
	for _, env := range s.outbound.flush(id, c.opts.Now()) {
		c.enqueue(env)
	}
}

// HandleIncomingSignal routes one envelope received from the relay. It is
// safe to call from any goroutine.
func (c *Controller) HandleIncomingSignal(env protocol.Envelope) {
	c.post(func() { c.incomingSignal(env) })
}

func (c *Controller) incomingSignal(env protocol.Envelope) {
	s := c.sess
	if env.From == "" || env.From == c.opts.SelfID {
		c.drop(env, "bad sender")
		return
	}

	switch env.Kind {
	case protocol.KindEndCall:
		c.remoteEnd(env)
		return
	case protocol.KindKeepAlive:
		if env.From == s.target && s.active {
			c.monitor.MarkActivity()
		}
		return
	case protocol.KindMuteStatus:
		if env.From != s.target || env.Muted == nil {
			c.drop(env, "not from the current peer")
			return
		}
		c.monitor.MarkActivity()
		muted := *env.Muted
		s.remoteMuted = muted
		if cb := c.opts.Callbacks.OnRemoteMuteChanged; cb != nil {
			c.notify(func() { cb(muted) })
		}
		return
	}
	if !env.Kind.Negotiation() {
		c.drop(env, "unknown kind")
		return
	}

	if env.Kind == protocol.KindOffer && c.state == StateIdle && (s.target == "" || s.target == env.From) {
		c.ring(env)
		return
	}
	if env.Kind == protocol.KindOffer && c.state == StateReceiving && env.From == s.target && s.inbound.holds(protocol.KindOffer) {
		c.drop(env, "offer already pending")
		return
	}
	if s.target == "" || env.From != s.target {
		c.drop(env, "not from the current peer")
		return
	}
	if s.active {
		c.monitor.MarkActivity()
	}

	if c.livePeer() {
		c.apply(env)
		return
	}
	if err := s.inbound.push(env); err != nil {
		c.drop(env, err.Error())
		return
	}
	util.Stats.AddBuffered()
	c.log.Debugf("buffered %s from %s (%d waiting)", env.Kind, util.Tag(env.From), s.inbound.len())
}

func (c *Controller) ring(offer protocol.Envelope) {
	s := c.sess
	s.target = offer.From
	s.incomingCaller = offer.From
	if err := s.inbound.push(offer); err != nil {
		c.drop(offer, err.Error())
		s.target, s.incomingCaller = "", ""
		return
	}
	c.log.Infof("incoming call from %s", util.Tag(offer.From))
	c.setState(StateReceiving)
	if cb := c.opts.Callbacks.OnIncomingCall; cb != nil {
		from := offer.From
		c.notify(func() { cb(from) })
	}
}

func (c *Controller) remoteEnd(env protocol.Envelope) {
	s := c.sess
	if s.target == "" || env.From != s.target || (c.state == StateIdle && !s.active) {
		c.drop(env, "no call with this user")
		return
	}
	c.log.Infof("%s ended the call", util.Tag(env.From))
	c.cleanup("ended by peer")
	if cb := c.opts.Callbacks.OnNotice; cb != nil {
		msg := FailureEndedByPeer.Message()
		c.notify(func() { cb(msg) })
	}
}

// apply hands env to the live peer if its negotiation phase can accept it.
func (c *Controller) apply(env protocol.Envelope) {
	p := c.sess.peer
	switch env.Kind {
	case protocol.KindOffer:
		if p.HasRemoteDescription() && p.SignalingPhase() != webrtc.PhaseStable {
			c.drop(env, "offer during negotiation")
			return
		}
	case protocol.KindAnswer:
		if p.SignalingPhase() != webrtc.PhaseHaveLocalOffer {
			c.drop(env, "no offer outstanding")
			return
		}
	case protocol.KindCandidate:
		if !p.HasLocalDescription() {
			c.drop(env, "candidate before local description")
			return
		}
	}

	err := p.Signal(env.Kind, env.Payload)
	if err == nil {
		return
	}
	switch webrtc.ClassifyError(err) {
	case webrtc.ErrorExpectedClose, webrtc.ErrorNegotiationState:
		c.log.Debugf("%s not applied: %v", env.Kind, err)
	case webrtc.ErrorConnectionFailed:
		c.fail(FailureConnectionFailed, err)
	default:
		c.log.Warnf("%s rejected: %v", env.Kind, err)
	}
}

// processBuffered replays buffered envelopes in arrival order into the live
// peer. Without one the buffer is left intact.
func (c *Controller) processBuffered() {
	s := c.sess
	if !c.livePeer() || s.inbound.len() == 0 {
		return
	}
	pending := s.inbound.drain()
	c.log.Debugf("replaying %d buffered signals", len(pending))
	for _, env := range pending {
		if s != c.sess || !c.livePeer() {
			c.log.Debugf("skipping buffered %s: session gone", env.Kind)
			continue
		}
		c.apply(env)
	}
}

func (c *Controller) acquire(s *session) {
	gen, ctx := s.gen, s.ctx
	go func() {
		stream, err := c.opts.Media.Acquire(ctx, c.opts.Constraints)
		if !c.post(func() { c.mediaReady(gen, stream, err) }) && stream != nil {
			stream.Close()
		}
	}()
}

func (c *Controller) mediaReady(gen uint64, stream media.Stream, err error) {
	if gen != c.sess.gen {
		if stream != nil {
			stream.Close()
		}
		c.log.Debugf("discarding media of an ended attempt")
		return
	}
	if err != nil {
		c.fail(failureFromMedia(err), err)
		return
	}

	s := c.sess
	s.local = stream
	if cb := c.opts.Callbacks.OnLocalStream; cb != nil {
		c.notify(func() { cb(stream) })
	}
	c.createPeer()
}

func (c *Controller) createPeer() {
	s := c.sess
	if c.livePeer() {
		s.peer.Destroy()
	}
	gen := s.gen
	peer, err := c.opts.Peers.NewPeer(s.role, s.local, func(ev webrtc.Event) {
		c.post(func() { c.peerEvent(gen, ev) })
	})
	if err != nil {
		c.fail(FailureGeneric, err)
		return
	}
	s.peer = peer
	if s.muted {
		if err := peer.SetMuted(true); err != nil {
			c.log.Warnf("mute: %v", err)
		}
	}
	if s.role == webrtc.RoleInitiator {
		if err := peer.Negotiate(false); err != nil {
			c.peerError(webrtc.ClassifyError(err), err)
			return
		}
	}
	c.processBuffered()
}

func (c *Controller) peerEvent(gen uint64, ev webrtc.Event) {
	s := c.sess
	if gen != s.gen || s.peer == nil {
		c.log.Debugf("discarding %T of an ended attempt", ev)
		return
	}

	switch ev := ev.(type) {
	case webrtc.EventLocalSignal:
		c.send(ev.Kind, ev.Payload)
	case webrtc.EventConnected:
		c.monitor.MarkActivity()
		c.monitor.Connected(s.ctx)
		c.setState(StateConnected)
	case webrtc.EventInterrupted:
		c.log.Warnf("connection interrupted")
		c.monitor.Degraded(s.ctx, "connection interrupted")
	case webrtc.EventRemoteTrack:
		stream := ev.Stream
		s.remote = &stream
		if cb := c.opts.Callbacks.OnRemoteStream; cb != nil {
			c.notify(func() { cb(stream) })
		}
	case webrtc.EventVoiceActivity:
		if cb := c.opts.Callbacks.OnRemoteVoiceActivity; cb != nil {
			speaking := ev.Speaking
			c.notify(func() { cb(speaking) })
		}
	case webrtc.EventError:
		c.peerError(ev.Kind, ev.Err)
	case webrtc.EventClosed:
		c.cleanup("connection closed")
	}
}

func (c *Controller) peerError(kind webrtc.ErrorKind, err error) {
	switch kind {
	case webrtc.ErrorExpectedClose, webrtc.ErrorNegotiationState:
		c.log.Debugf("ignoring %s: %v", kind, err)
	case webrtc.ErrorConnectionFailed:
		if c.monitor.Reconnecting() {
			c.log.Warnf("connection failed while reconnecting: %v", err)
			return
		}
		c.fail(FailureConnectionFailed, err)
	default:
		c.fail(FailureGeneric, err)
	}
}
