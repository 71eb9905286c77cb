package call

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/1ureka/duocall/internal/media"
	"github.com/1ureka/duocall/internal/protocol"
	"github.com/1ureka/duocall/internal/webrtc"
)

const (
	offerJSON = `{"type":"offer","sdp":"v=0"}`
	candJSON  = `{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host"}`
)

func TestStartCallCreatesInitiatorAndSendsOffer(t *testing.T) {
	h := newHarness(t)
	if err := h.c.StartCall("bob"); err != nil {
		t.Fatal(err)
	}
	p := h.peer()

	if p.role != webrtc.RoleInitiator {
		t.Fatalf("role = %s, want initiator", p.role)
	}
	offers := h.out.envelopes(protocol.KindOffer)
	if len(offers) != 1 || offers[0].From != "alice" || offers[0].To != "bob" {
		t.Fatalf("offers = %+v", offers)
	}
	snap := h.c.Snapshot()
	if snap.State != StateCalling || !snap.Active || !snap.PeerLive || snap.Target != "bob" {
		t.Fatalf("snapshot = %+v", snap)
	}
	h.eventually("local stream callback", func() bool { return h.rec.count("local-stream") == 1 })
}

func TestStartCallRejectsBadTargets(t *testing.T) {
	h := newHarness(t)
	for _, target := range []string{"", "alice"} {
		if err := h.c.StartCall(target); !errors.Is(err, ErrInvalidTarget) {
			t.Fatalf("StartCall(%q) = %v", target, err)
		}
	}
}

func TestStartCallWhileActiveIsNoop(t *testing.T) {
	h := newHarness(t)
	h.c.StartCall("bob")
	h.peer()

	h.c.StartCall("carol")
	h.settle()
	time.Sleep(20 * time.Millisecond)

	if n := h.peers.count(); n != 1 {
		t.Fatalf("peers = %d, want 1", n)
	}
	if got := h.c.Snapshot().Target; got != "bob" {
		t.Fatalf("target = %q", got)
	}
}

func TestIncomingOfferRingsAndBuffers(t *testing.T) {
	h := newHarness(t)
	h.deliver(protocol.KindOffer, "bob", offerJSON)
	h.settle()

	snap := h.c.Snapshot()
	if snap.State != StateReceiving || snap.IncomingCaller != "bob" || snap.Buffered != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.HasPeer || snap.Active {
		t.Fatal("ringing must not create a peer or activate the call")
	}
	if h.c.IncomingCallerID() != "bob" {
		t.Fatalf("IncomingCallerID = %q", h.c.IncomingCallerID())
	}
	h.eventually("incoming callback", func() bool { return h.rec.count("incoming:bob") == 1 })
}

func TestBufferedSignalsReplayInOrderOnAnswer(t *testing.T) {
	h := newHarness(t)
	h.deliver(protocol.KindOffer, "bob", offerJSON)
	h.deliver(protocol.KindCandidate, "bob", candJSON)
	h.deliver(protocol.KindCandidate, "bob", candJSON)
	h.settle()
	if got := h.c.Snapshot().Buffered; got != 3 {
		t.Fatalf("buffered = %d, want 3", got)
	}

	h.c.AnswerCall("bob")
	p := h.peer()

	want := []protocol.Kind{protocol.KindOffer, protocol.KindCandidate, protocol.KindCandidate}
	if got := p.appliedKinds(); !slices.Equal(got, want) {
		t.Fatalf("applied = %v, want %v", got, want)
	}
	if p.role != webrtc.RoleResponder {
		t.Fatalf("role = %s", p.role)
	}
	h.eventually("answer sent", func() bool { return len(h.out.envelopes(protocol.KindAnswer)) == 1 })

	snap := h.c.Snapshot()
	if snap.Buffered != 0 || snap.IncomingCaller != "" || !snap.Active {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestAnswerRequiresMatchingCaller(t *testing.T) {
	h := newHarness(t)
	h.c.AnswerCall("bob")
	h.settle()
	if h.c.Snapshot().Active {
		t.Fatal("answer without ringing activated a call")
	}

	h.deliver(protocol.KindOffer, "bob", offerJSON)
	h.c.AnswerCall("carol")
	h.settle()
	time.Sleep(20 * time.Millisecond)
	if h.peers.count() != 0 || h.c.Snapshot().Active {
		t.Fatal("answering the wrong caller created a session")
	}
}

func TestSignalsFromOtherUsersDropped(t *testing.T) {
	h := newHarness(t)
	h.deliver(protocol.KindOffer, "bob", offerJSON)
	h.deliver(protocol.KindOffer, "carol", offerJSON)
	h.deliver(protocol.KindCandidate, "carol", candJSON)
	h.settle()

	snap := h.c.Snapshot()
	if snap.IncomingCaller != "bob" || snap.Buffered != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	h.c.AnswerCall("")
	p := h.peer()
	h.deliver(protocol.KindCandidate, "carol", candJSON)
	h.settle()
	if got := p.appliedKinds(); !slices.Equal(got, []protocol.Kind{protocol.KindOffer}) {
		t.Fatalf("applied = %v", got)
	}
}

func TestStrayNegotiationWhileIdleDropped(t *testing.T) {
	h := newHarness(t)
	h.deliver(protocol.KindCandidate, "bob", candJSON)
	h.deliver(protocol.KindAnswer, "bob", `{"type":"answer"}`)
	h.settle()
	if snap := h.c.Snapshot(); snap.Buffered != 0 || snap.State != StateIdle {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestNonNegotiationNeverBuffered(t *testing.T) {
	h := newHarness(t)
	h.deliver(protocol.KindOffer, "bob", offerJSON)
	h.deliver(protocol.KindKeepAlive, "bob", "")
	h.c.HandleIncomingSignal(protocol.NewMuteStatus("bob", "alice", true))
	h.deliver(protocol.KindCandidate, "bob", "")
	h.settle()

	if got := h.c.Snapshot().Buffered; got != 1 {
		t.Fatalf("buffered = %d, want only the offer", got)
	}
}

func TestEndCallIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.c.StartCall("bob")
	p := h.peer()
	stream := h.src.last()

	h.c.EndCall()
	h.c.EndCall()
	h.settle()

	if n := len(h.out.envelopes(protocol.KindEndCall)); n != 1 {
		t.Fatalf("end-call sent %d times, want 1", n)
	}
	if !p.Destroyed() || !stream.closed.Load() {
		t.Fatal("resources not released")
	}
	snap := h.c.Snapshot()
	if snap.State != StateIdle || snap.HasPeer || snap.Target != "" || snap.Active {
		t.Fatalf("snapshot = %+v", snap)
	}
	if ctx := h.mon.session(0); ctx == nil || ctx.Err() == nil {
		t.Fatal("session context not cancelled")
	}
}

func TestRemoteEndCallCleansUpWithoutReply(t *testing.T) {
	h := newHarness(t)
	h.c.StartCall("bob")
	p := h.peer()

	h.deliver(protocol.KindEndCall, "carol", "")
	h.settle()
	if h.c.Snapshot().State == StateIdle {
		t.Fatal("end-call from a stranger ended the call")
	}

	h.deliver(protocol.KindEndCall, "bob", "")
	h.settle()
	if !p.Destroyed() || h.c.Snapshot().State != StateIdle {
		t.Fatal("call not cleaned up")
	}
	if n := len(h.out.envelopes(protocol.KindEndCall)); n != 0 {
		t.Fatalf("replied with %d end-call envelopes", n)
	}
	h.eventually("notice", func() bool { return h.rec.count("notice:"+FailureEndedByPeer.Message()) == 1 })
}

func TestRejectCallNotifiesCaller(t *testing.T) {
	h := newHarness(t)
	h.deliver(protocol.KindOffer, "bob", offerJSON)
	h.c.RejectCall()
	h.settle()

	ends := h.out.envelopes(protocol.KindEndCall)
	if len(ends) != 1 || ends[0].To != "bob" {
		t.Fatalf("end-call = %+v", ends)
	}
	if snap := h.c.Snapshot(); snap.State != StateIdle || snap.Buffered != 0 || snap.IncomingCaller != "" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStalePeerEventsIgnored(t *testing.T) {
	h := newHarness(t)
	h.c.StartCall("bob")
	old := h.peer()
	h.c.EndCall()
	h.settle()

	h.c.StartCall("bob")
	h.eventually("second peer", func() bool { return h.peers.count() == 2 })
	h.settle()

	old.emit(webrtc.EventConnected{})
	old.emit(webrtc.EventError{Kind: webrtc.ErrorInternal, Err: errors.New("late")})
	h.settle()

	if snap := h.c.Snapshot(); snap.State != StateCalling || !snap.PeerLive {
		t.Fatalf("stale events changed the new call: %+v", snap)
	}
}

func TestStaleMediaReleased(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.src.gate = gate

	h.c.StartCall("bob")
	h.settle()
	h.c.EndCall()
	h.settle()
	close(gate)

	h.eventually("stream", func() bool { return h.src.last() != nil })
	h.eventually("stream released", func() bool { return h.src.last().closed.Load() })
	h.settle()
	if h.peers.count() != 0 {
		t.Fatal("peer created for an ended attempt")
	}
}

func TestMediaFailureMapsToFailureKind(t *testing.T) {
	tests := []struct {
		err  error
		want FailureKind
	}{
		{media.ErrPermissionDenied, FailureDeviceDenied},
		{fmt.Errorf("open: %w", media.ErrDeviceNotFound), FailureDeviceAbsent},
		{media.ErrDeviceBusy, FailureDeviceBusy},
		{media.ErrConstraintsUnsupported, FailureDeviceConstraints},
		{media.ErrInsecureContext, FailureDeviceInsecure},
		{media.ErrAborted, FailureDeviceAborted},
		{errors.New("boom"), FailureGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			h := newHarness(t)
			h.src.err = tt.err
			h.c.StartCall("bob")
			h.eventually("error callback", func() bool { return h.rec.count("error:"+tt.want.String()) == 1 })
			if snap := h.c.Snapshot(); snap.State != StateIdle || snap.HasPeer {
				t.Fatalf("snapshot = %+v", snap)
			}
		})
	}
}

func TestConnectedEventReachesMonitor(t *testing.T) {
	h := newHarness(t)
	h.c.StartCall("bob")
	p := h.peer()

	p.emit(webrtc.EventConnected{})
	p.emit(webrtc.EventRemoteTrack{Stream: webrtc.RemoteStream{StreamID: "s", TrackID: "t"}})
	p.emit(webrtc.EventVoiceActivity{Speaking: true})
	h.settle()

	if h.c.Snapshot().State != StateConnected {
		t.Fatal("state not connected")
	}
	h.mon.mu.Lock()
	connected := h.mon.connected
	h.mon.mu.Unlock()
	if connected != 1 {
		t.Fatalf("monitor connected = %d", connected)
	}
	h.eventually("remote stream", func() bool { return h.rec.count("remote-stream") == 1 })
	h.eventually("voice", func() bool { return h.rec.count("speaking:true") == 1 })
}

func TestConnectionFailureEndsCall(t *testing.T) {
	h := newHarness(t)
	h.c.StartCall("bob")
	p := h.peer()

	p.emit(webrtc.EventError{Kind: webrtc.ErrorConnectionFailed, Err: webrtc.ErrConnectionFailed})
	h.eventually("error", func() bool { return h.rec.count("error:"+FailureConnectionFailed.String()) == 1 })
	h.eventually("diagnostics hook", func() bool { return h.failures.Load() == 1 })
	if !p.Destroyed() {
		t.Fatal("peer not destroyed")
	}
}

func TestConnectionFailureWhileReconnectingIsTolerated(t *testing.T) {
	h := newHarness(t)
	h.mon.reconnecting.Store(true)
	h.c.StartCall("bob")
	p := h.peer()

	p.emit(webrtc.EventError{Kind: webrtc.ErrorConnectionFailed, Err: webrtc.ErrConnectionFailed})
	h.settle()
	if !h.c.Snapshot().PeerLive {
		t.Fatal("call ended while reconnection was in flight")
	}
}

func TestExpectedErrorsAreSwallowed(t *testing.T) {
	h := newHarness(t)
	h.c.StartCall("bob")
	p := h.peer()

	p.emit(webrtc.EventError{Kind: webrtc.ErrorExpectedClose, Err: webrtc.ErrDestroyed})
	p.emit(webrtc.EventError{Kind: webrtc.ErrorNegotiationState, Err: webrtc.ErrWrongPhase})
	h.settle()
	if snap := h.c.Snapshot(); snap.State != StateCalling || !snap.PeerLive {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestInterruptionAsksForReconnection(t *testing.T) {
	h := newHarness(t)
	h.c.StartCall("bob")
	p := h.peer()

	p.emit(webrtc.EventInterrupted{})
	h.settle()
	h.mon.mu.Lock()
	defer h.mon.mu.Unlock()
	if len(h.mon.degraded) != 1 {
		t.Fatalf("degraded = %v", h.mon.degraded)
	}
}

func TestPeerClosedReturnsToIdleWithoutSignal(t *testing.T) {
	h := newHarness(t)
	h.c.StartCall("bob")
	p := h.peer()

	p.emit(webrtc.EventClosed{})
	h.settle()
	if h.c.Snapshot().State != StateIdle {
		t.Fatal("not idle")
	}
	if n := len(h.out.envelopes(protocol.KindEndCall)); n != 0 {
		t.Fatalf("end-call sent %d times", n)
	}
}

func TestNegotiationGuards(t *testing.T) {
	h := newHarness(t)
	h.deliver(protocol.KindOffer, "bob", offerJSON)
	h.c.AnswerCall("bob")
	p := h.peer()

	// Stable responder: an answer has nothing to answer.
	h.deliver(protocol.KindAnswer, "bob", `{"type":"answer"}`)
	// ICE restart offer from the initiator is accepted in stable phase.
	h.deliver(protocol.KindOffer, "bob", offerJSON)
	h.settle()

	want := []protocol.Kind{protocol.KindOffer, protocol.KindOffer}
	if got := p.appliedKinds(); !slices.Equal(got, want) {
		t.Fatalf("applied = %v, want %v", got, want)
	}
}

func TestCandidateBeforeLocalDescriptionDropped(t *testing.T) {
	h := newHarness(t)
	h.c.StartCall("bob")
	p := h.peer()
	p.mu.Lock()
	p.local = false
	p.mu.Unlock()

	h.deliver(protocol.KindCandidate, "bob", candJSON)
	h.settle()
	if got := p.appliedKinds(); len(got) != 0 {
		t.Fatalf("applied = %v", got)
	}
}

func TestMuteStatusBothWays(t *testing.T) {
	h := newHarness(t)
	h.c.StartCall("bob")
	p := h.peer()

	h.c.SendMuteStatus(true)
	h.settle()
	p.mu.Lock()
	muted := p.muted
	p.mu.Unlock()
	if !muted {
		t.Fatal("peer not muted")
	}
	sent := h.out.envelopes(protocol.KindMuteStatus)
	if len(sent) != 1 || sent[0].Muted == nil || !*sent[0].Muted {
		t.Fatalf("mute-status = %+v", sent)
	}

	h.c.HandleIncomingSignal(protocol.NewMuteStatus("bob", "alice", true))
	h.c.HandleIncomingSignal(protocol.NewMuteStatus("carol", "alice", false))
	h.settle()
	if !h.c.Snapshot().RemoteMuted {
		t.Fatal("remote mute not tracked")
	}
	h.eventually("remote mute callback", func() bool { return h.rec.count("remote-muted:true") == 1 })
	if h.rec.count("remote-muted:false") != 0 {
		t.Fatal("mute status from a stranger was applied")
	}
}

func TestMuteWithoutTargetSendsNothing(t *testing.T) {
	h := newHarness(t)
	h.c.SendMuteStatus(true)
	h.settle()
	if n := len(h.out.envelopes(protocol.KindMuteStatus)); n != 0 {
		t.Fatalf("sent %d mute-status envelopes", n)
	}
}

func TestForceResetIsSynchronous(t *testing.T) {
	h := newHarness(t)
	h.c.StartCall("bob")
	p := h.peer()

	if err := h.c.ForceReset(context.Background()); err != nil {
		t.Fatal(err)
	}
	if snap := h.c.Snapshot(); snap.State != StateIdle || snap.HasPeer {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !p.Destroyed() {
		t.Fatal("peer alive after reset")
	}
	if n := len(h.out.envelopes(protocol.KindEndCall)); n != 0 {
		t.Fatal("force reset sent a signal")
	}
}

func TestUnloadQueuesEndCallBeforeReturning(t *testing.T) {
	h := newHarness(t)
	h.c.StartCall("bob")
	h.peer()

	if err := h.c.Unload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(h.out.envelopes(protocol.KindEndCall)); n != 1 {
		t.Fatalf("end-call queued %d times", n)
	}
}

func TestOfflineGraceEndsCall(t *testing.T) {
	h := newHarness(t)
	h.c.StartCall("bob")
	h.peer()

	h.c.Offline(20 * time.Millisecond)
	h.eventually("connection lost", func() bool { return h.rec.count("error:"+FailureConnectionLost.String()) == 1 })
	if h.c.Snapshot().State != StateIdle {
		t.Fatal("not idle")
	}
}

func TestOnlineCancelsGrace(t *testing.T) {
	h := newHarness(t)
	h.c.StartCall("bob")
	h.peer()

	h.c.Offline(50 * time.Millisecond)
	h.c.Online()
	time.Sleep(120 * time.Millisecond)
	h.settle()
	if !h.c.Snapshot().Active {
		t.Fatal("call ended although the network came back")
	}
}

func TestCleanupCancelsGraceTimer(t *testing.T) {
	h := newHarness(t)
	h.c.StartCall("bob")
	h.peer()
	h.c.Offline(50 * time.Millisecond)
	h.c.EndCall()
	h.settle()

	h.c.StartCall("bob")
	h.eventually("second peer", func() bool { return h.peers.count() == 2 })
	time.Sleep(120 * time.Millisecond)
	h.settle()
	if !h.c.Snapshot().Active {
		t.Fatal("grace timer of the first call ended the second")
	}
}

func TestHostCallsIgnoreEndedSessions(t *testing.T) {
	h := newHarness(t)
	h.c.StartCall("bob")
	h.peer()
	old := h.mon.session(0)
	h.c.EndCall()
	h.settle()

	h.c.StartCall("bob")
	h.eventually("second peer", func() bool { return h.peers.count() == 2 })
	h.settle()

	h.c.ConnectionLost(old)
	h.c.Unrecoverable(old)
	h.settle()
	if !h.c.Snapshot().Active {
		t.Fatal("stale host call ended the new session")
	}
	if got := h.c.ConnectionState(old); got != webrtc.StateClosed {
		t.Fatalf("ConnectionState(old) = %s", got)
	}
}

func TestHostReconnectHooks(t *testing.T) {
	h := newHarness(t)
	h.c.StartCall("bob")
	p := h.peer()
	ctx := h.mon.session(0)

	if h.c.NeedsReconnect(ctx) {
		t.Fatal("new connection needs no reconnect")
	}
	p.setState(webrtc.StateDisconnected)
	if !h.c.NeedsReconnect(ctx) {
		t.Fatal("disconnected peer should need reconnect")
	}
	if err := h.c.RestartICE(ctx); err != nil {
		t.Fatal(err)
	}
	p.mu.Lock()
	restarts := p.restarts
	p.mu.Unlock()
	if restarts != 1 {
		t.Fatalf("restarts = %d", restarts)
	}

	p.emit(webrtc.EventConnected{})
	h.settle()
	if err := h.c.SendKeepAlive(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(h.out.envelopes(protocol.KindKeepAlive)); n != 1 {
		t.Fatalf("keep-alives = %d", n)
	}

	h.c.ConnectionLost(ctx)
	h.eventually("connection lost", func() bool { return h.rec.count("error:"+FailureConnectionLost.String()) == 1 })
}

func TestResponderWaitsForRestartOffer(t *testing.T) {
	h := newHarness(t)
	h.deliver(protocol.KindOffer, "bob", offerJSON)
	h.c.AnswerCall("bob")
	p := h.peer()

	if err := h.c.RestartICE(h.mon.session(0)); err != nil {
		t.Fatal(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.restarts != 0 {
		t.Fatal("responder offered an ICE restart")
	}
}

func TestStateCallbacksInOrder(t *testing.T) {
	h := newHarness(t)
	h.c.StartCall("bob")
	p := h.peer()
	p.emit(webrtc.EventConnected{})
	h.c.EndCall()
	h.settle()

	want := []string{"state:calling", "state:connected", "state:idle"}
	h.eventually("state callbacks", func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		var states []string
		for _, e := range h.rec.events {
			if len(e) > 6 && e[:6] == "state:" {
				states = append(states, e)
			}
		}
		return slices.Equal(states, want)
	})
}

func TestRunStopsAndRejectsWork(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	c, err := New(Options{SelfID: "x", Peers: h.peers, Media: h.src, Out: h.out})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
	if err := c.StartCall("bob"); !errors.Is(err, ErrStopped) {
		t.Fatalf("StartCall after stop = %v", err)
	}
	if err := c.Run(context.Background()); err == nil {
		t.Fatal("second Run succeeded")
	}
}

func TestRingingCallCannotBeRetargeted(t *testing.T) {
	h := newHarness(t)
	h.deliver(protocol.KindOffer, "bob", offerJSON)
	h.settle()

	h.c.SetPeerUserID("carol")
	h.c.SetPeerUserID("")
	h.settle()
	if snap := h.c.Snapshot(); snap.Target != "bob" || snap.IncomingCaller != "bob" {
		t.Fatalf("snapshot = %+v", snap)
	}

	h.c.AnswerCall("bob")
	h.peer()
	h.eventually("answer sent", func() bool { return len(h.out.envelopes(protocol.KindAnswer)) == 1 })
	if to := h.out.envelopes(protocol.KindAnswer)[0].To; to != "bob" {
		t.Fatalf("answer addressed to %q", to)
	}

	h.c.SetPeerUserID("carol")
	h.deliver(protocol.KindEndCall, "bob", "")
	h.settle()
	if snap := h.c.Snapshot(); snap.State != StateIdle || snap.Target != "" {
		t.Fatalf("caller's hang-up not honoured: %+v", snap)
	}
	h.eventually("hang-up notice", func() bool { return h.rec.count("notice:"+FailureEndedByPeer.Message()) == 1 })
}

func TestOutgoingCallCannotBeRetargeted(t *testing.T) {
	h := newHarness(t)
	h.c.StartCall("bob")
	h.peer()
	h.c.SetPeerUserID("carol")
	h.settle()
	if got := h.c.Snapshot().Target; got != "bob" {
		t.Fatalf("target = %q", got)
	}
}

func TestFailedReplayStillEmptiesBuffer(t *testing.T) {
	h := newHarness(t)
	h.peers.mu.Lock()
	h.peers.failNext = map[protocol.Kind]error{protocol.KindCandidate: errors.New("malformed candidate")}
	h.peers.mu.Unlock()

	h.deliver(protocol.KindOffer, "bob", offerJSON)
	h.deliver(protocol.KindCandidate, "bob", candJSON)
	h.deliver(protocol.KindCandidate, "bob", candJSON)
	h.settle()

	h.c.AnswerCall("bob")
	p := h.peer()

	want := []protocol.Kind{protocol.KindOffer, protocol.KindCandidate}
	if got := p.appliedKinds(); !slices.Equal(got, want) {
		t.Fatalf("applied = %v, want %v", got, want)
	}
	snap := h.c.Snapshot()
	if snap.Buffered != 0 || !snap.PeerLive || !snap.Active {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestForceResetRecoversStuckState(t *testing.T) {
	testCases := []struct {
		name  string
		setup func(t *testing.T, h *harness)
	}{
		{"calling with a destroyed peer", func(t *testing.T, h *harness) {
			h.c.StartCall("bob")
			h.peer().Destroy()
			h.settle()
			if snap := h.c.Snapshot(); !snap.HasPeer || snap.PeerLive || snap.Target != "bob" {
				t.Fatalf("setup snapshot = %+v", snap)
			}
		}},
		{"ringing", func(t *testing.T, h *harness) {
			h.deliver(protocol.KindOffer, "bob", offerJSON)
			h.deliver(protocol.KindCandidate, "bob", candJSON)
			h.settle()
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			tc.setup(t, h)

			if err := h.c.ForceReset(context.Background()); err != nil {
				t.Fatal(err)
			}
			snap := h.c.Snapshot()
			if snap.State != StateIdle || snap.Target != "" || snap.IncomingCaller != "" {
				t.Fatalf("snapshot = %+v", snap)
			}
			if snap.HasPeer || snap.Active || snap.Buffered != 0 {
				t.Fatalf("snapshot = %+v", snap)
			}
			if n := len(h.out.envelopes(protocol.KindEndCall)); n != 0 {
				t.Fatal("force reset sent a signal")
			}

			before := h.peers.count()
			h.c.StartCall("carol")
			h.eventually("new peer", func() bool { return h.peers.count() == before+1 })
		})
	}
}

func TestUnrecoverableEndsWithoutSignal(t *testing.T) {
	h := newHarness(t)
	h.c.StartCall("bob")
	p := h.peer()

	h.c.Unrecoverable(h.mon.session(0))
	h.settle()
	if snap := h.c.Snapshot(); snap.State != StateIdle || snap.Active {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !p.Destroyed() {
		t.Fatal("peer alive after giving up")
	}
	h.eventually("unrecoverable error", func() bool { return h.rec.count("error:"+FailureUnrecoverable.String()) == 1 })
	if n := len(h.out.envelopes(protocol.KindEndCall)); n != 0 {
		t.Fatalf("end-call sent %d times", n)
	}
}

func TestRepeatedOfferWhileRingingDropped(t *testing.T) {
	h := newHarness(t)
	h.deliver(protocol.KindOffer, "bob", offerJSON)
	h.deliver(protocol.KindOffer, "bob", offerJSON)
	h.settle()
	if got := h.c.Snapshot().Buffered; got != 1 {
		t.Fatalf("buffered = %d, want 1", got)
	}

	h.c.AnswerCall("bob")
	p := h.peer()
	if got := p.appliedKinds(); !slices.Equal(got, []protocol.Kind{protocol.KindOffer}) {
		t.Fatalf("applied = %v", got)
	}
	h.eventually("answer sent", func() bool { return len(h.out.envelopes(protocol.KindAnswer)) == 1 })
	h.settle()
	if n := len(h.out.envelopes(protocol.KindAnswer)); n != 1 {
		t.Fatalf("answers = %d", n)
	}
}
