//go:build linux

package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/util"
)

// DeviceSource captures the default microphone through pion/mediadevices and
// encodes it with Opus.
type DeviceSource struct{}

// DefaultSource returns the platform capture source.
func DefaultSource() Source { return DeviceSource{} }

// Acquire implements Source.
func (DeviceSource) Acquire(ctx context.Context, c AudioConstraints) (Stream, error) {
	if c.Video {
		return nil, ErrConstraintsUnsupported
	}

	hasInput := false
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.AudioInput {
			hasInput = true
			util.LogDebug("media: audio input %q", d.Label)
		}
	}
	if !hasInput {
		return nil, ErrDeviceNotFound
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("%w: opus encoder: %v", ErrConstraintsUnsupported, err)
	}
	selector := mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams))

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		s, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Audio: func(mc *mediadevices.MediaTrackConstraints) {
				// The capture driver delivers raw PCM; echo cancellation, noise
				// suppression and gain are left to the device.
				mc.SampleRate = prop.Int(c.SampleRate)
				mc.ChannelCount = prop.Int(c.ChannelCount)
				mc.SampleSize = prop.Int(16)
				mc.Latency = prop.Duration(20 * time.Millisecond)
			},
			Codec: selector,
		})
		resCh <- result{s, err}
	}()

	select {
	case <-ctx.Done():
		// Release whatever the driver opens after we gave up.
		go func() {
			if r := <-resCh; r.err == nil {
				closeTracks(r.stream.GetTracks())
			}
		}()
		return nil, ErrAborted
	case r := <-resCh:
		if r.err != nil {
			return nil, classifyDeviceError(r.err)
		}
		tracks := r.stream.GetAudioTracks()
		if len(tracks) == 0 {
			return nil, ErrDeviceNotFound
		}
		return &deviceStream{id: uuid.NewString(), tracks: tracks}, nil
	}
}

func classifyDeviceError(err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
}

type deviceStream struct {
	id     string
	tracks []mediadevices.Track
}

func (s *deviceStream) ID() string { return s.id }

func (s *deviceStream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *deviceStream) Close() error {
	return closeTracks(s.tracks)
}

func closeTracks(tracks []mediadevices.Track) error {
	var errs []error
	for _, t := range tracks {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
