// Package lifecycle turns host environment events (process termination,
// suspend/resume, network reachability) into call controller actions.
package lifecycle

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/1ureka/duocall/internal/util"
)

// ErrUnloaded is returned by Watch after a termination signal was handled.
var ErrUnloaded = errors.New("lifecycle: process is unloading")

// Host receives the guard's decisions. *call.Controller implements it.
type Host interface {
	// Unload hangs up synchronously; the end-call must be queued on return.
	Unload(ctx context.Context) error
	MarkActivity()
	Offline(grace time.Duration)
	Online()
	CallActive() bool
}

// Options tunes the Guard.
type Options struct {
	OfflineGrace  time.Duration
	ProbeInterval time.Duration
	// ProbeAddr is the host:port dialled to judge reachability. Empty
	// disables probing.
	ProbeAddr     string
	UnloadTimeout time.Duration
	Dial          func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Guard debounces environment events before they reach the host.
type Guard struct {
	host Host
	opts Options
	log  util.Scope

	online     atomic.Bool
	unloadOnce sync.Once
	unloadErr  error
	flushers   []func(ctx context.Context) error
}

// New creates a Guard. The network is assumed reachable until a probe says
// otherwise.
func New(host Host, opts Options) *Guard {
	if opts.UnloadTimeout <= 0 {
		opts.UnloadTimeout = 2 * time.Second
	}
	if opts.Dial == nil {
		var d net.Dialer
		opts.Dial = d.DialContext
	}
	g := &Guard{host: host, opts: opts, log: util.NewScope("lifecycle")}
	g.online.Store(true)
	return g
}

// AfterUnload registers fn to run once the host has hung up, e.g. to drain
// the outbound queue. Must be called before Watch.
func (g *Guard) AfterUnload(fn func(ctx context.Context) error) {
	g.flushers = append(g.flushers, fn)
}

// OnUnload hangs up and flushes outbound signals within UnloadTimeout. Only
// the first call has an effect.
func (g *Guard) OnUnload() error {
	g.unloadOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.opts.UnloadTimeout)
		defer cancel()

		g.log.Infof("unloading")
		errs := []error{g.host.Unload(ctx)}
		for _, fn := range g.flushers {
			errs = append(errs, fn(ctx))
		}
		g.unloadErr = errors.Join(errs...)
	})
	return g.unloadErr
}

// OnVisibilityChange records activity when the process becomes visible
// again.
func (g *Guard) OnVisibilityChange(hidden bool) {
	if hidden {
		g.log.Debugf("hidden")
		return
	}
	g.log.Debugf("visible again")
	g.host.MarkActivity()
}

// OnOffline starts the host's grace timer if a call is active.
func (g *Guard) OnOffline() {
	if !g.online.Swap(false) {
		return
	}
	g.log.Warnf("network unreachable")
	if g.host.CallActive() {
		g.host.Offline(g.opts.OfflineGrace)
	}
}

// OnOnline cancels the grace timer and lets the host re-check the call.
func (g *Guard) OnOnline() {
	if g.online.Swap(true) {
		return
	}
	g.log.Infof("network reachable again")
	g.host.Online()
}

// Online reports the last known reachability.
func (g *Guard) Online() bool { return g.online.Load() }

// Watch translates process signals and reachability probes into guard
// events until ctx is done. SIGTERM, SIGHUP and interrupt unload and end the
// watch with ErrUnloaded; SIGCONT counts as becoming visible again.
func (g *Guard) Watch(ctx context.Context) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGCONT)
	defer signal.Stop(sigs)

	var probe <-chan time.Time
	if g.opts.ProbeAddr != "" && g.opts.ProbeInterval > 0 {
		t := time.NewTicker(g.opts.ProbeInterval)
		defer t.Stop()
		probe = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-sigs:
			if sig == syscall.SIGCONT {
				g.OnVisibilityChange(false)
				continue
			}
			g.log.Infof("received %s", sig)
			if err := g.OnUnload(); err != nil {
				g.log.Warnf("unload: %v", err)
			}
			return ErrUnloaded
		case <-probe:
			if g.Probe(ctx) {
				g.OnOnline()
			} else {
				g.OnOffline()
			}
		}
	}
}

// Probe dials ProbeAddr once and reports whether it answered.
func (g *Guard) Probe(ctx context.Context) bool {
	timeout := g.opts.ProbeInterval
	if timeout <= 0 || timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := g.opts.Dial(ctx, "tcp", g.opts.ProbeAddr)
	if err != nil {
		g.log.Debugf("probe %s: %v", g.opts.ProbeAddr, err)
		return false
	}
	conn.Close()
	return true
}
