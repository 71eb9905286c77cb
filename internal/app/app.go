// Package app wires the call stack of one local user: relay binding,
// ordered outbox, peer factory, media source, call controller, resilience
// manager and lifecycle guard.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/duocall/internal/call"
	"github.com/1ureka/duocall/internal/config"
	"github.com/1ureka/duocall/internal/diag"
	"github.com/1ureka/duocall/internal/lifecycle"
	"github.com/1ureka/duocall/internal/media"
	"github.com/1ureka/duocall/internal/resilience"
	"github.com/1ureka/duocall/internal/signaling"
	"github.com/1ureka/duocall/internal/util"
	"github.com/1ureka/duocall/internal/webrtc"
)

// Options configures New.
type Options struct {
	Config    config.Config
	Callbacks call.Callbacks
	// Source captures the microphone; nil selects the platform default.
	Source media.Source
	// Peers overrides the pion-backed peer factory.
	Peers call.PeerFactory
}

// App is the assembled call stack.
type App struct {
	cfg        config.Config
	Binding    *signaling.Binding
	Outbox     *signaling.Outbox
	Controller *call.Controller
	Resilience *resilience.Manager
	Guard      *lifecycle.Guard

	stopOutbox context.CancelFunc
}

// New builds every component and wires them together. Nothing touches the
// network until Run.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	binding, err := signaling.New(signaling.Options{
		SelfID:      cfg.UserID,
		Namespace:   cfg.Relay.Namespace,
		URL:         cfg.Relay.URL,
		FallbackURL: cfg.Relay.FallbackURL,
		DialTimeout: cfg.Relay.DialTimeout,
		PongWait:    cfg.Relay.PongWait,
		SendTimeout: cfg.Relay.SendTimeout,
	})
	if err != nil {
		return nil, err
	}

	// The outbox outlives the caller's context so the unload path can still
	// drain the final end-call.
	outCtx, stopOutbox := context.WithCancel(context.Background())
	outbox := signaling.NewOutbox(outCtx, binding)

	peers := opts.Peers
	if peers == nil {
		factory, err := webrtc.NewFactory(webrtc.FactoryOptions{STUNServers: cfg.ICE.STUNServers})
		if err != nil {
			stopOutbox()
			return nil, err
		}
		peers = call.PeerFactoryFunc(func(role webrtc.Role, local media.Stream, sink webrtc.EventSink) (call.Peer, error) {
			p, err := factory.New(role, local, sink)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}
	source := opts.Source
	if source == nil {
		source = media.DefaultSource()
	}

	ctrl, err := call.New(call.Options{
		SelfID:              cfg.UserID,
		Peers:               peers,
		Media:               source,
		Constraints:         media.DefaultConstraints(),
		Out:                 outbox,
		Callbacks:           opts.Callbacks,
		OutboundMax:         cfg.Outbound.BufferMax,
		OutboundTTL:         cfg.Outbound.BufferTTL,
		OnConnectionFailure: diagnose(cfg.ICE),
	})
	if err != nil {
		stopOutbox()
		return nil, err
	}
	binding.OnEnvelope(ctrl.HandleIncomingSignal)

	mgr := resilience.New(ctrl, resilience.OptionsFrom(cfg.Resilience))
	ctrl.SetMonitor(mgr)

	guard := lifecycle.New(ctrl, lifecycle.Options{
		OfflineGrace:  cfg.Lifecycle.OfflineGrace,
		ProbeInterval: cfg.Lifecycle.ConnectivityProbe,
		ProbeAddr:     probeAddr(cfg.Relay.URL),
		UnloadTimeout: cfg.Relay.SendTimeout,
	})
	guard.AfterUnload(outbox.Close)

	return &App{
		cfg:        cfg,
		Binding:    binding,
		Outbox:     outbox,
		Controller: ctrl,
		Resilience: mgr,
		Guard:      guard,
		stopOutbox: stopOutbox,
	}, nil
}

// Run drives the stack until ctx is cancelled or a termination signal
// unloads it. Either way a call in progress is hung up and the end-call is
// flushed before the relay subscription is closed.
func (a *App) Run(ctx context.Context) error {
	ctrlCtx, stopCtrl := context.WithCancel(context.Background())
	defer stopCtrl()
	go a.Controller.Run(ctrlCtx)

	if err := a.Binding.Open(ctx); err != nil {
		util.LogWarning("relay unreachable, retrying in the background: %v", err)
	} else {
		util.LogSuccess("signed in as %s", a.cfg.UserID)
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go a.Resilience.WatchChannel(watchCtx, a.Binding)
	util.StartStatsReporter(watchCtx, a.cfg.StatsInterval)
	if a.cfg.MetricsAddr != "" {
		go func() {
			if err := ServeMetrics(watchCtx, a.cfg.MetricsAddr); err != nil {
				util.LogWarning("metrics: %v", err)
			}
		}()
	}

	if a.cfg.Role == config.RoleCaller {
		if err := a.Controller.StartCall(a.cfg.PeerID); err != nil {
			util.LogError("call %s: %v", a.cfg.PeerID, err)
		}
	}

	guardDone := make(chan error, 1)
	go func() { guardDone <- a.Guard.Watch(watchCtx) }()

	var err error
	select {
	case <-ctx.Done():
	case err = <-guardDone:
	case <-a.Controller.Done():
		err = call.ErrStopped
	}
	stopWatch()

	if uerr := a.Guard.OnUnload(); uerr != nil {
		util.LogWarning("unload: %v", uerr)
	}
	stopCtrl()
	<-a.Controller.Done()
	a.Binding.Close()
	a.stopOutbox()

	if errors.Is(err, lifecycle.ErrUnloaded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// diagnose returns the connection-failure hook that runs a STUN pass.
func diagnose(ice config.ICE) func() {
	if !ice.Diagnostics || len(ice.STUNServers) == 0 {
		return nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		rep, err := diag.Run(ctx, diag.Options{
			Servers:  ice.STUNServers,
			Samples:  5,
			Interval: 100 * time.Millisecond,
			Timeout:  time.Second,
		})
		if err != nil && len(rep.Probes) == 0 {
			util.LogWarning("diagnostics: %v", err)
			return
		}
		diag.Log(rep)
	}
}

// probeAddr derives the host:port used for reachability probes from the
// relay URL.
func probeAddr(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "wss", "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// ServeMetrics exposes the call counters on addr until ctx is done.
func ServeMetrics(ctx context.Context, addr string) error {
	reg := prometheus.NewRegistry()
	if err := util.RegisterMetrics(reg); err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	srv := &http.Server{Addr: addr, Handler: engine}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	util.LogInfo("metrics on http://%s/metrics", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
