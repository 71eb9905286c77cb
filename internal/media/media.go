// Package media acquires the local audio-only capture stream used by a call.
package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Device errors. Each maps to its own user-facing message in the call
// controller.
var (
	ErrPermissionDenied       = errors.New("media: permission denied")
	ErrDeviceNotFound         = errors.New("media: no capture device")
	ErrDeviceBusy             = errors.New("media: device could not be opened")
	ErrConstraintsUnsupported = errors.New("media: constraints not satisfiable")
	ErrInsecureContext        = errors.New("media: capture not allowed in this context")
	ErrAborted                = errors.New("media: acquisition aborted")
)

// AudioConstraints describes the requested capture. Calls always use
// DefaultConstraints.
type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	Video            bool
	SampleRate       int
	ChannelCount     int
}

// DefaultConstraints is audio only with echo cancellation, noise suppression
// and automatic gain.
func DefaultConstraints() AudioConstraints {
	return AudioConstraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       48000,
		ChannelCount:     1,
	}
}

// Stream is an acquired local capture.
type Stream interface {
	ID() string
	Tracks() []webrtc.TrackLocal
	Close() error
}

// Source acquires local streams.
type Source interface {
	Acquire(ctx context.Context, c AudioConstraints) (Stream, error)
}

// ---------------------------------------------------------------------------
// Silent source
// ---------------------------------------------------------------------------

// opusSilence is one 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// SilentSource produces a single Opus track carrying silence. It is used on
// platforms without a capture driver and in tests.
type SilentSource struct{}

// Acquire implements Source.
func (SilentSource) Acquire(ctx context.Context, c AudioConstraints) (Stream, error) {
	if c.Video {
		return nil, ErrConstraintsUnsupported
	}
	if err := ctx.Err(); err != nil {
		return nil, ErrAborted
	}

	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", id,
	)
	if err != nil {
		return nil, err
	}

	s := &silentStream{id: id, track: track, done: make(chan struct{})}
	go s.pump()
	return s, nil
}

type silentStream struct {
	id    string
	track *webrtc.TrackLocalStaticSample
	once  sync.Once
	done  chan struct{}
}

func (s *silentStream) ID() string                  { return s.id }
func (s *silentStream) Tracks() []webrtc.TrackLocal { return []webrtc.TrackLocal{s.track} }

func (s *silentStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *silentStream) pump() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Errors only mean no receiver is bound yet.
			_ = s.track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: frameDuration})
		case <-s.done:
			return
		}
	}
}
