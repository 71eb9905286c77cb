// duocall-relay: reference publish/subscribe relay.
//
// It serves namespaced channels over WebSocket at /ws, the plain HTTP
// fallback at POST /api/signal, /healthz and /metrics.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/1ureka/duocall/internal/relay"
	"github.com/1ureka/duocall/internal/util"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := flag.String("addr", ":8787", "Listen address")
	namespace := flag.String("namespace", "duocall", "Channel namespace used by the HTTP fallback")
	pongWait := flag.Duration("pongWait", 60*time.Second, "Drop clients silent for this long")
	publishRate := flag.Float64("rate", 20, "Publishes per second allowed per connection")
	burst := flag.Int("burst", 40, "Publish burst per connection")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	srv, err := relay.NewServer(relay.Options{
		Addr:         *addr,
		Namespace:    *namespace,
		PongWait:     *pongWait,
		PublishRate:  rate.Limit(*publishRate),
		PublishBurst: *burst,
	})
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("relay stopped")
}
