package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/1ureka/duocall/internal/protocol"
	"github.com/1ureka/duocall/internal/util"
)

// Options configures a relay Server.
type Options struct {
	Addr         string
	Namespace    string        // channel namespace used by POST /api/signal
	PongWait     time.Duration // read deadline extended by every pong
	PublishRate  rate.Limit    // per-connection publish rate
	PublishBurst int
	Registry     *prometheus.Registry // nil creates a private registry
}

type metrics struct {
	connections prometheus.Gauge
	published   *prometheus.CounterVec
	rejected    *prometheus.CounterVec
}

// Server exposes the hub over websocket and HTTP.
type Server struct {
	opts     Options
	hub      *Hub
	upgrader websocket.Upgrader
	metrics  metrics
	engine   *gin.Engine
	log      util.Scope
}

// NewServer builds the gin engine and registers the relay metrics.
func NewServer(opts Options) (*Server, error) {
	if opts.Namespace == "" {
		return nil, errors.New("relay: namespace is required")
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PublishRate <= 0 {
		opts.PublishRate = 20
	}
	if opts.PublishBurst <= 0 {
		opts.PublishBurst = 40
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	s := &Server{
		opts: opts,
		hub:  NewHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: util.NewScope("relay"),
	}

	s.metrics = metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duocall_relay", Name: "connections",
			Help: "Open websocket connections.",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duocall_relay", Name: "published_total",
			Help: "Events published, by ingress path.",
		}, []string{"path"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duocall_relay", Name: "rejected_total",
			Help: "Publish requests rejected, by reason.",
		}, []string{"reason"}),
	}
	channels := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "duocall_relay", Name: "channels",
		Help: "Channels with at least one subscriber.",
	}, func() float64 { return float64(s.hub.Channels()) })

	for _, c := range []prometheus.Collector{s.metrics.connections, s.metrics.published, s.metrics.rejected, channels} {
		if err := opts.Registry.Register(c); err != nil {
			return nil, fmt.Errorf("register relay metrics: %w", err)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), s.logRequests())

	engine.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})))
	engine.GET("/ws", s.handleWS)
	engine.POST("/api/signal", s.handleSignal)

	s.engine = engine
	return s, nil
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on opts.Addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.opts.Addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Infof("listening on %s (namespace %q)", s.opts.Addr, s.opts.Namespace)

	select {
	case err := <-errCh:
		return fmt.Errorf("relay server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debugf("upgrade failed: %v", err)
		return
	}

	cl := &client{
		srv:     s,
		conn:    conn,
		send:    make(chan protocol.Frame, sendQueueSize),
		limiter: rate.NewLimiter(s.opts.PublishRate, s.opts.PublishBurst),
		log:     util.NewScope("relay").WithTag(conn.RemoteAddr().String()),
		subs:    make(map[string]struct{}),
	}
	s.metrics.connections.Inc()

	ctx, cancel := context.WithCancel(context.Background())
	go cl.writePump(ctx)
	go cl.readPump(cancel)
}

// handleSignal is the request/response fallback: the body is one encoded
// envelope, published on the recipient's channel.
func (s *Server) handleSignal(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxMessageSize+1))
	if err != nil || len(body) > maxMessageSize {
		s.metrics.rejected.WithLabelValues("size").Inc()
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return
	}

	env, err := protocol.Decode(body)
	if err != nil {
		s.metrics.rejected.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if env.To == "" {
		s.metrics.rejected.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing recipient"})
		return
	}

	channel := protocol.ChannelName(s.opts.Namespace, env.To)
	n := s.hub.Publish(channel, protocol.EventSignal, body)
	s.metrics.published.WithLabelValues("http").Inc()
	c.JSON(http.StatusAccepted, gin.H{"delivered": n})
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debugf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
