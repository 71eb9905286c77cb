// duocall: CLI entry point.
//
// This tool places and receives one-to-one audio calls over WebRTC. Offers,
// answers and ICE candidates travel through a publish/subscribe relay (see
// cmd/duocall-relay); audio flows peer to peer once connected.
//
// It can be launched interactively (no -user flag) or non-interactively via
// CLI flags (-user, -peer, -role, -relay, -fallback, -config).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/duocall/internal/app"
	"github.com/1ureka/duocall/internal/call"
	"github.com/1ureka/duocall/internal/config"
	"github.com/1ureka/duocall/internal/util"
	"github.com/1ureka/duocall/internal/webrtc"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.String("config", "", "Optional YAML config file")
	user := flag.String("user", "", "Local user id")
	peer := flag.String("peer", "", "Remote user id (required for -role caller)")
	role := flag.String("role", "", "Role: caller or callee")
	relayURL := flag.String("relay", "", "Relay WebSocket URL, e.g. ws://127.0.0.1:8787/ws")
	fallbackURL := flag.String("fallback", "", "Relay HTTP fallback URL, e.g. http://127.0.0.1:8787/api/signal")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("load config: %v", err)
		os.Exit(1)
	}
	applyFlag(&cfg.UserID, *user)
	applyFlag(&cfg.PeerID, *peer)
	applyFlag((*string)(&cfg.Role), *role)
	applyFlag(&cfg.Relay.URL, *relayURL)
	applyFlag(&cfg.Relay.FallbackURL, *fallbackURL)
	applyFlag(&cfg.MetricsAddr, *metricsAddr)
	if *debugMode {
		cfg.Debug = true
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("duocall — v%s", version))
	pterm.Println()

	if cfg.UserID == "" {
		askIdentity(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("signed out")
}

// ---------------------------------------------------------------------------
// Run mode
// ---------------------------------------------------------------------------

// run assembles the call stack and serves console commands until the user
// quits or the process is told to stop.
func run(ctx context.Context, cfg config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := app.New(app.Options{
		Config: cfg,
		Callbacks: call.Callbacks{
			OnStateChange: func(s call.State) { util.LogInfo("call state: %s", s) },
			OnRemoteStream: func(rs webrtc.RemoteStream) {
				util.LogSuccess("receiving audio (%s)", rs.Codec)
			},
			OnError: func(_ call.FailureKind, msg string) { util.LogError("call failed: %s", msg) },
			OnNotice: func(msg string) { util.LogWarning("%s", msg) },
			OnIncomingCall: func(from string) {
				pterm.Println()
				pterm.Info.Printfln("incoming call from %s: type 'answer' or 'reject'", from)
			},
			OnRemoteMuteChanged: func(muted bool) {
				if muted {
					util.LogInfo("remote microphone muted")
				} else {
					util.LogInfo("remote microphone unmuted")
				}
			},
			OnRemoteVoiceActivity: func(speaking bool) {
				if speaking {
					util.LogDebug("remote is speaking")
				}
			},
		},
	})
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	go readCommands(ctx, cancel, a.Controller)

	printHelp()
	return <-done
}

// readCommands dispatches console lines to the controller.
func readCommands(ctx context.Context, quit context.CancelFunc, c *call.Controller) {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = l
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		var err error
		switch fields[0] {
		case "call":
			if len(fields) != 2 {
				util.LogWarning("usage: call <user>")
				continue
			}
			err = c.StartCall(fields[1])
		case "answer":
			err = c.AnswerCall(c.IncomingCallerID())
		case "reject":
			err = c.RejectCall()
		case "end", "hangup":
			err = c.EndCall()
		case "mute":
			err = c.SendMuteStatus(true)
		case "unmute":
			err = c.SendMuteStatus(false)
		case "reset":
			err = c.ForceReset(ctx)
		case "status":
			printStatus(c.Snapshot())
		case "help":
			printHelp()
		case "quit", "exit":
			quit()
			return
		default:
			util.LogWarning("unknown command %q, type 'help'", fields[0])
		}
		if err != nil {
			util.LogError("%s: %v", fields[0], err)
		}
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func applyFlag(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

// askIdentity prompts for the local user and, optionally, whom to call.
func askIdentity(cfg *config.Config) {
	for cfg.UserID == "" {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Your user id").
			Show()
		cfg.UserID = strings.TrimSpace(raw)
		pterm.Println()
	}

	mode, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Wait  — Receive calls", "Call  — Call someone now"}).
		WithDefaultText("Select what to do").
		Show()
	pterm.Println()

	if !strings.HasPrefix(mode, "Call") {
		cfg.Role = config.RoleCallee
		return
	}
	cfg.Role = config.RoleCaller
	for cfg.PeerID == "" || cfg.PeerID == cfg.UserID {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("User id to call").
			Show()
		cfg.PeerID = strings.TrimSpace(raw)
		pterm.Println()
		if cfg.PeerID == cfg.UserID {
			util.LogWarning("you cannot call yourself")
		}
	}
}

func printHelp() {
	pterm.DefaultBulletList.WithItems([]pterm.BulletListItem{
		{Level: 0, Text: "call <user>   place a call"},
		{Level: 0, Text: "answer        accept the ringing call"},
		{Level: 0, Text: "reject        decline the ringing call"},
		{Level: 0, Text: "end           hang up"},
		{Level: 0, Text: "mute|unmute   toggle the microphone"},
		{Level: 0, Text: "status        show the call state"},
		{Level: 0, Text: "reset         drop everything without notifying the peer"},
		{Level: 0, Text: "quit          hang up and exit"},
	}).Render()
}

func printStatus(s call.Snapshot) {
	target := s.Target
	if target == "" {
		target = "-"
	}
	pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"state", "peer", "active", "muted", "remote muted", "buffered"},
		{s.State.String(), target, fmt.Sprint(s.Active), fmt.Sprint(s.Muted), fmt.Sprint(s.RemoteMuted), fmt.Sprint(s.Buffered)},
	}).Render()
}
