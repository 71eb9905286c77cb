package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pion "github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/media"
	"github.com/1ureka/duocall/internal/protocol"
	"github.com/1ureka/duocall/internal/webrtc"
)

// fakePeer models the negotiation phases closely enough to exercise the
// controller's guards.
type fakePeer struct {
	mu        sync.Mutex
	role      webrtc.Role
	sink      webrtc.EventSink
	phase     webrtc.SignalingPhase
	local     bool
	remote    bool
	state     webrtc.ConnectionState
	applied   []protocol.Kind
	restarts  int
	muted     bool
	destroyed bool
	// failNext makes the next Signal of a kind fail once.
	failNext map[protocol.Kind]error
}

func (p *fakePeer) Negotiate(iceRestart bool) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return webrtc.ErrDestroyed
	}
	if iceRestart {
		p.restarts++
	}
	p.phase = webrtc.PhaseHaveLocalOffer
	p.local = true
	p.mu.Unlock()
	p.sink(webrtc.EventLocalSignal{Kind: protocol.KindOffer, Payload: json.RawMessage(`{"type":"offer"}`)})
	return nil
}

func (p *fakePeer) Signal(kind protocol.Kind, payload json.RawMessage) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return webrtc.ErrDestroyed
	}
	if err, ok := p.failNext[kind]; ok {
		delete(p.failNext, kind)
		p.mu.Unlock()
		return err
	}
	p.applied = append(p.applied, kind)
	answer := false
	switch kind {
	case protocol.KindOffer:
		p.remote, p.local = true, true
		p.phase = webrtc.PhaseStable
		answer = true
	case protocol.KindAnswer:
		p.remote = true
		p.phase = webrtc.PhaseStable
	}
	p.mu.Unlock()
	if answer {
		p.sink(webrtc.EventLocalSignal{Kind: protocol.KindAnswer, Payload: json.RawMessage(`{"type":"answer"}`)})
	}
	return nil
}

func (p *fakePeer) SignalingPhase() webrtc.SignalingPhase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

func (p *fakePeer) HasLocalDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePeer) ConnectionState() webrtc.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePeer) setState(s webrtc.ConnectionState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *fakePeer) SetMuted(muted bool) error {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Destroy() {
	p.mu.Lock()
	p.destroyed = true
	p.mu.Unlock()
}

func (p *fakePeer) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

func (p *fakePeer) appliedKinds() []protocol.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Kind(nil), p.applied...)
}

// emit delivers ev the way the real adapter does, from a foreign goroutine.
func (p *fakePeer) emit(ev webrtc.Event) { p.sink(ev) }

type fakeFactory struct {
	mu       sync.Mutex
	peers    []*fakePeer
	err      error
	failNext map[protocol.Kind]error
}

func (f *fakeFactory) NewPeer(role webrtc.Role, _ media.Stream, sink webrtc.EventSink) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{role: role, sink: sink, state: webrtc.StateNew, failNext: f.failNext}
	f.failNext = nil
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeStream struct {
	id     string
	closed atomic.Bool
}

func (s *fakeStream) ID() string { return s.id }

func (s *fakeStream) Tracks() []pion.TrackLocal { return nil }

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeSource struct {
	mu      sync.Mutex
	err     error
	gate    chan struct{}
	streams []*fakeStream
}

func (s *fakeSource) Acquire(ctx context.Context, _ media.AudioConstraints) (media.Stream, error) {
	s.mu.Lock()
	gate, err := s.gate, s.err
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	st := &fakeStream{id: fmt.Sprintf("stream-%d", time.Now().UnixNano())}
	s.mu.Lock()
	s.streams = append(s.streams, st)
	s.mu.Unlock()
	return st, nil
}

func (s *fakeSource) last() *fakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streams) == 0 {
		return nil
	}
	return s.streams[len(s.streams)-1]
}

type fakeOut struct {
	mu   sync.Mutex
	sent []protocol.Envelope
}

func (o *fakeOut) Enqueue(env protocol.Envelope) error {
	o.mu.Lock()
	o.sent = append(o.sent, env)
	o.mu.Unlock()
	return nil
}

func (o *fakeOut) envelopes(kind protocol.Kind) []protocol.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range o.sent {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

type fakeMonitor struct {
	mu           sync.Mutex
	sessions     []context.Context
	connected    int
	degraded     []string
	activity     atomic.Int32
	reconnecting atomic.Bool
}

func (m *fakeMonitor) StartSession(ctx context.Context) {
	m.mu.Lock()
	m.sessions = append(m.sessions, ctx)
	m.mu.Unlock()
}

func (m *fakeMonitor) Connected(context.Context) {
	m.mu.Lock()
	m.connected++
	m.mu.Unlock()
}

func (m *fakeMonitor) MarkActivity() { m.activity.Add(1) }

func (m *fakeMonitor) Degraded(_ context.Context, reason string) {
	m.mu.Lock()
	m.degraded = append(m.degraded, reason)
	m.mu.Unlock()
}

func (m *fakeMonitor) Reconnecting() bool { return m.reconnecting.Load() }

func (m *fakeMonitor) session(i int) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.sessions) {
		return nil
	}
	return m.sessions[i]
}

// recorder keeps the callbacks in delivery order as short strings.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) count(ev string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == ev {
			n++
		}
	}
	return n
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnStateChange:         func(s State) { r.add("state:%s", s) },
		OnRemoteStream:        func(webrtc.RemoteStream) { r.add("remote-stream") },
		OnLocalStream:         func(media.Stream) { r.add("local-stream") },
		OnError:               func(k FailureKind, _ string) { r.add("error:%s", k) },
		OnNotice:              func(msg string) { r.add("notice:%s", msg) },
		OnIncomingCall:        func(from string) { r.add("incoming:%s", from) },
		OnRemoteMuteChanged:   func(m bool) { r.add("remote-muted:%t", m) },
		OnRemoteVoiceActivity: func(s bool) { r.add("speaking:%t", s) },
	}
}

type harness struct {
	t        *testing.T
	c        *Controller
	peers    *fakeFactory
	src      *fakeSource
	out      *fakeOut
	mon      *fakeMonitor
	rec      *recorder
	failures atomic.Int32
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		peers: &fakeFactory{},
		src:   &fakeSource{},
		out:   &fakeOut{},
		mon:   &fakeMonitor{},
		rec:   &recorder{},
	}
	opts := Options{
		SelfID:              "alice",
		Peers:               h.peers,
		Media:               h.src,
		Out:                 h.out,
		Callbacks:           h.rec.callbacks(),
		OnConnectionFailure: func() { h.failures.Add(1) },
	}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.SetMonitor(h.mon)
	h.c = c

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})
	return h
}

// settle waits until everything posted so far was processed.
func (h *harness) settle() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.c.query(ctx, func() {}); err != nil {
		h.t.Fatalf("settle: %v", err)
	}
}

func (h *harness) eventually(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) peer() *fakePeer {
	h.t.Helper()
	h.eventually("peer", func() bool { return h.peers.count() > 0 })
	h.settle()
	return h.peers.last()
}

func (h *harness) deliver(kind protocol.Kind, from string, payload string) {
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	h.c.HandleIncomingSignal(protocol.NewEnvelope(kind, from, "alice", raw))
}
