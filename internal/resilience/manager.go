// Package resilience keeps a call alive: keep-alives, health polling,
// bounded ICE-restart reconnection and signaling channel recreation.
package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/duocall/internal/config"
	"github.com/1ureka/duocall/internal/util"
	"github.com/1ureka/duocall/internal/webrtc"
)

// Host is the call side the Manager acts on. Every method receives the
// session context given to StartSession and must ignore calls for a session
// that has ended. *call.Controller implements it.
type Host interface {
	ConnectionState(ctx context.Context) webrtc.ConnectionState
	NeedsReconnect(ctx context.Context) bool
	RestartICE(ctx context.Context) error
	SendKeepAlive(ctx context.Context) error
	ConnectionLost(ctx context.Context)
	Unrecoverable(ctx context.Context)
}

// Channel is a signaling channel that can be rebuilt. *signaling.Binding
// implements it.
type Channel interface {
	Faults() <-chan error
	Connected() bool
	Recreate(ctx context.Context) error
}

// Options tunes the Manager.
type Options struct {
	KeepAliveInterval     time.Duration
	HealthPollInterval    time.Duration
	InactivityThreshold   time.Duration
	Reconnect             Backoff
	MaxAttempts           int
	ChannelFaultThreshold int
	ChannelBackoff        Backoff
}

// OptionsFrom converts the configuration section.
func OptionsFrom(c config.Resilience) Options {
	return Options{
		KeepAliveInterval:   c.KeepAliveInterval,
		HealthPollInterval:  c.HealthPollInterval,
		InactivityThreshold: c.InactivityThreshold,
		Reconnect: Backoff{
			Base:   c.ReconnectBaseDelay,
			Factor: c.ReconnectFactor,
			Max:    c.ReconnectMaxDelay,
		},
		MaxAttempts:           c.ReconnectMaxAttempts,
		ChannelFaultThreshold: c.ChannelFaultThreshold,
		ChannelBackoff: Backoff{
			Base:   c.ChannelRecreateBackoff,
			Factor: 2,
			Max:    c.ReconnectMaxDelay,
		},
	}
}

// Manager watches one session at a time. Its methods never block the
// caller; the work runs on goroutines bound to the session context.
type Manager struct {
	opts Options
	host Host
	log  util.Scope
	now  func() time.Time

	lastActivity atomic.Int64 // unix nanos
	attempts     atomic.Int32
	inFlight     atomic.Bool
	recovered    chan struct{}

	mu          sync.Mutex
	keepAliveOn context.Context // session whose keep-alive loop runs
}

// New creates a Manager acting on host.
func New(host Host, opts Options) *Manager {
	m := &Manager{
		opts:      opts,
		host:      host,
		log:       util.NewScope("resilience"),
		now:       time.Now,
		recovered: make(chan struct{}, 1),
	}
	m.MarkActivity()
	return m
}

// MarkActivity records a sign of life.
func (m *Manager) MarkActivity() { m.lastActivity.Store(m.now().UnixNano()) }

// Idle returns the time since the last sign of life.
func (m *Manager) Idle() time.Duration {
	return m.now().Sub(time.Unix(0, m.lastActivity.Load()))
}

// Reconnecting reports whether reconnection attempts are in flight.
func (m *Manager) Reconnecting() bool { return m.inFlight.Load() }

// Attempts returns the reconnection attempts made since the last success.
func (m *Manager) Attempts() int { return int(m.attempts.Load()) }

// StartSession begins health polling for the session bound to ctx.
func (m *Manager) StartSession(ctx context.Context) {
	m.MarkActivity()
	m.attempts.Store(0)
	go m.healthLoop(ctx)
}

// healthLoop ends the session once it was silent past the inactivity
// threshold while its connection reports failed.
func (m *Manager) healthLoop(ctx context.Context) {
	t := time.NewTicker(m.opts.HealthPollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		idle := m.Idle()
		if idle < m.opts.InactivityThreshold {
			continue
		}
		if state := m.host.ConnectionState(ctx); state == webrtc.StateFailed {
			m.log.Errorf("no activity for %s and connection %s", idle.Round(time.Second), state)
			m.host.ConnectionLost(ctx)
			return
		}
	}
}

// Connected resets the reconnection counter and starts keep-alives for the
// session, once per session.
func (m *Manager) Connected(ctx context.Context) {
	m.attempts.Store(0)
	m.MarkActivity()
	select {
	case m.recovered <- struct{}{}:
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keepAliveOn == ctx {
		return
	}
	m.keepAliveOn = ctx
	go m.keepAliveLoop(ctx)
}

func (m *Manager) keepAliveLoop(ctx context.Context) {
	t := time.NewTicker(m.opts.KeepAliveInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.host.SendKeepAlive(ctx); err != nil && ctx.Err() == nil {
				m.log.Warnf("keep-alive: %v", err)
			}
		}
	}
}

// Degraded starts bounded reconnection attempts unless some are already in
// flight.
func (m *Manager) Degraded(ctx context.Context, reason string) {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.log.Debugf("%s: reconnection already in flight", reason)
		return
	}
	go func() {
		defer m.inFlight.Store(false)
		m.reconnect(ctx, reason)
	}()
}

func (m *Manager) reconnect(ctx context.Context, reason string) {
	select {
	case <-m.recovered:
	default:
	}

	for {
		attempt := int(m.attempts.Add(1))
		if attempt > m.opts.MaxAttempts {
			m.log.Errorf("giving up after %d reconnection attempts", m.opts.MaxAttempts)
			m.host.Unrecoverable(ctx)
			return
		}

		delay := m.opts.Reconnect.Delay(attempt)
		m.log.Warnf("%s: reconnection attempt %d/%d in %s", reason, attempt, m.opts.MaxAttempts, delay)
		if !sleep(ctx, delay) {
			return
		}
		if !m.host.NeedsReconnect(ctx) {
			m.log.Infof("connection recovered on its own")
			return
		}

		util.Stats.AddReconnect()
		if err := m.host.RestartICE(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warnf("ICE restart: %v", err)
		}

		t := time.NewTimer(delay)
		select {
		case <-m.recovered:
			t.Stop()
			m.log.Infof("reconnected after %d attempts", attempt)
			return
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// WatchChannel recreates ch when it dies or when faults pile up past the
// threshold. It runs until ctx is done and is independent of call state.
func (m *Manager) WatchChannel(ctx context.Context, ch Channel) {
	poll := time.NewTicker(m.opts.HealthPollInterval)
	defer poll.Stop()

	faults := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			if ch.Connected() {
				faults = 0
				continue
			}
			m.log.Warnf("signaling channel is down")
		case err := <-ch.Faults():
			faults++
			m.log.Debugf("signaling fault %d/%d: %v", faults, m.opts.ChannelFaultThreshold, err)
			if ch.Connected() && faults < m.opts.ChannelFaultThreshold {
				continue
			}
		}

		if !m.recreate(ctx, ch) {
			return
		}
		faults = 0
		drain(ch.Faults())
	}
}

func (m *Manager) recreate(ctx context.Context, ch Channel) bool {
	for attempt := 1; ; attempt++ {
		err := ch.Recreate(ctx)
		if err == nil {
			m.log.Infof("signaling channel recreated")
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		delay := m.opts.ChannelBackoff.Delay(attempt)
		m.log.Warnf("recreate signaling channel (attempt %d): %v, retrying in %s", attempt, err, delay)
		if !sleep(ctx, delay) {
			return false
		}
	}
}

func drain(ch <-chan error) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
