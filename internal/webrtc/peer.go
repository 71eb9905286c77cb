// Package webrtc adapts a pion PeerConnection to the call controller's
// vocabulary: remote payloads in, typed events out, plus the negotiation
// state queries the controller's guards need.
package webrtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/media"
	"github.com/1ureka/duocall/internal/util"
)

const audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// FactoryOptions configures every PeerConnection the Factory builds.
type FactoryOptions struct {
	STUNServers []string

	// ICE timeouts; zero keeps pion's defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// Factory builds Peers sharing one pion API (codecs, interceptors,
// settings).
type Factory struct {
	api  *webrtc.API
	opts FactoryOptions
}

// NewFactory registers the default codecs, the audio-level header extension
// and the default interceptors (NACK, RTCP reports, TWCC).
func NewFactory(opts FactoryOptions) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	if err := m.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: audioLevelURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: util.PionLoggerFactory{}}
	if opts.DisconnectedTimeout > 0 || opts.FailedTimeout > 0 || opts.KeepAliveInterval > 0 {
		se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	return &Factory{api: api, opts: opts}, nil
}

// New creates a Peer for role, sending the tracks of local (which may be
// nil for receive-only). Events go to sink.
func (f *Factory) New(role Role, local media.Stream, sink EventSink) (*Peer, error) {
	var cfg webrtc.Configuration
	if len(f.opts.STUNServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: f.opts.STUNServers}}
	}
	pc, err := f.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	var senders []localSender
	if local != nil {
		for _, track := range local.Tracks() {
			sender, err := pc.AddTrack(track)
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("add local track: %w", err)
			}
			senders = append(senders, localSender{sender: sender, track: track})
		}
	}
	// An audio m-line must exist even without a local track.
	if len(senders) == 0 {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add audio transceiver: %w", err)
		}
	}

	p := newPeer(pc, role, sink)
	p.senders = senders
	return p, nil
}
