package webrtc

import (
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	voiceLevelThreshold = 40                     // -dBov; lower is louder
	voiceAttackPackets  = 3                      // consecutive loud packets to start speaking
	voiceRelease        = 400 * time.Millisecond // quiet time to stop speaking
)

// audioLevelID returns the negotiated RFC 6464 extension ID, or 0.
func audioLevelID(recv *webrtc.RTPReceiver) uint8 {
	if recv == nil {
		return 0
	}
	for _, ext := range recv.GetParameters().HeaderExtensions {
		if ext.URI == audioLevelURI {
			return uint8(ext.ID)
		}
	}
	return 0
}

// watchVoice reads RTP from track until it ends and reports speaking
// transitions derived from the audio level extension.
func watchVoice(track *webrtc.TrackRemote, extID uint8, onChange func(bool)) {
	var det voiceDetector
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if det.speaking {
				onChange(false)
			}
			return
		}
		raw := pkt.GetExtension(extID)
		if raw == nil {
			continue
		}
		var lvl rtp.AudioLevelExtension
		if err := lvl.Unmarshal(raw); err != nil {
			continue
		}
		if changed, speaking := det.observe(lvl.Level, time.Now()); changed {
			onChange(speaking)
		}
	}
}

// voiceDetector applies attack/release hysteresis to audio levels so a
// single loud packet or a short pause does not flap the indicator.
type voiceDetector struct {
	speaking bool
	loudRun  int
	lastLoud time.Time
}

// observe feeds one level sample and reports whether the speaking state
// changed.
func (d *voiceDetector) observe(level uint8, now time.Time) (changed, speaking bool) {
	if level <= voiceLevelThreshold {
		d.loudRun++
		d.lastLoud = now
		if !d.speaking && d.loudRun >= voiceAttackPackets {
			d.speaking = true
			return true, true
		}
		return false, d.speaking
	}

	d.loudRun = 0
	if d.speaking && now.Sub(d.lastLoud) >= voiceRelease {
		d.speaking = false
		return true, false
	}
	return false, d.speaking
}
