//go:build !linux

package media

import "github.com/1ureka/duocall/internal/util"

// DefaultSource returns the platform capture source. Without a capture
// driver a silent track keeps the call negotiable.
func DefaultSource() Source {
	util.LogWarning("media: no capture driver on this platform, sending silence")
	return SilentSource{}
}
