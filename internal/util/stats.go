package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide call/signaling counter.
var Stats = &stats{}

type stats struct {
	CallsStarted     atomic.Int64 // outgoing startCall + accepted incoming calls
	CallsEnded       atomic.Int64 // every transition back to idle
	SignalsSent      atomic.Int64 // envelopes handed to the relay (any path)
	SignalsReceived  atomic.Int64 // envelopes delivered by the relay
	SignalsDropped   atomic.Int64 // rejected by routing or negotiation guards
	SignalsBuffered  atomic.Int64 // pushed onto the pre-session buffer
	FallbackSends    atomic.Int64 // envelopes sent over the HTTP fallback path
	ReconnectAttempt atomic.Int64 // reconnection attempts started
	ChannelRecreates atomic.Int64 // relay subscriptions recreated
}

func (s *stats) AddCallStarted()     { s.CallsStarted.Add(1) }
func (s *stats) AddCallEnded()       { s.CallsEnded.Add(1) }
func (s *stats) AddSent()            { s.SignalsSent.Add(1) }
func (s *stats) AddReceived()        { s.SignalsReceived.Add(1) }
func (s *stats) AddDropped()         { s.SignalsDropped.Add(1) }
func (s *stats) AddBuffered()        { s.SignalsBuffered.Add(1) }
func (s *stats) AddFallback()        { s.FallbackSends.Add(1) }
func (s *stats) AddReconnect()       { s.ReconnectAttempt.Add(1) }
func (s *stats) AddChannelRecreate() { s.ChannelRecreates.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Prometheus exposition
// ──────────────────────────────────────────────────────────────────────────────

// RegisterMetrics exposes the Stats counters on reg as Prometheus counters.
func RegisterMetrics(reg prometheus.Registerer) error {
	counters := []struct {
		name string
		help string
		v    *atomic.Int64
	}{
		{"calls_started_total", "Calls started or accepted.", &Stats.CallsStarted},
		{"calls_ended_total", "Calls that returned to idle.", &Stats.CallsEnded},
		{"signals_sent_total", "Signaling envelopes sent.", &Stats.SignalsSent},
		{"signals_received_total", "Signaling envelopes received.", &Stats.SignalsReceived},
		{"signals_dropped_total", "Signaling envelopes dropped by guards.", &Stats.SignalsDropped},
		{"signals_buffered_total", "Signaling envelopes buffered before a session existed.", &Stats.SignalsBuffered},
		{"fallback_sends_total", "Envelopes sent over the HTTP fallback.", &Stats.FallbackSends},
		{"reconnect_attempts_total", "Reconnection attempts started.", &Stats.ReconnectAttempt},
		{"channel_recreates_total", "Relay subscriptions recreated.", &Stats.ChannelRecreates},
	}

	for _, c := range counters {
		v := c.v
		collector := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "duocall",
			Name:      c.name,
			Help:      c.help,
		}, func() float64 { return float64(v.Load()) })
		if err := reg.Register(collector); err != nil {
			return fmt.Errorf("register %s: %w", c.name, err)
		}
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs call statistics every
// interval when something changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur.delta(prev)))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	started, ended, sent, recv, dropped, reconnects int64
}

func takeSnapshot() snapshot {
	return snapshot{
		started:    Stats.CallsStarted.Load(),
		ended:      Stats.CallsEnded.Load(),
		sent:       Stats.SignalsSent.Load(),
		recv:       Stats.SignalsReceived.Load(),
		dropped:    Stats.SignalsDropped.Load(),
		reconnects: Stats.ReconnectAttempt.Load(),
	}
}

func (s snapshot) delta(prev snapshot) snapshot {
	return snapshot{
		started:    s.started - prev.started,
		ended:      s.ended - prev.ended,
		sent:       s.sent - prev.sent,
		recv:       s.recv - prev.recv,
		dropped:    s.dropped - prev.dropped,
		reconnects: s.reconnects - prev.reconnects,
	}
}

// formatStats returns a formatted string of the stats delta for the logger.
func formatStats(d snapshot) string {
	return fmt.Sprintf("Calls: %2d↑ %2d↓ | Signals: %3d out %3d in %2d dropped | Reconnects: %d",
		d.started,
		d.ended,
		d.sent,
		d.recv,
		d.dropped,
		d.reconnects,
	)
}
