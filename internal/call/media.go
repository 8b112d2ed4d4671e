package call

import "context"

// Track kinds
const (
	TrackKindAudio = "audio"
	TrackKindVideo = "video"
)

// MediaTrack is one captured device track. Enabled toggles whether the
// track produces media without releasing the device; Stop releases it
// permanently.
type MediaTrack interface {
	Kind() string
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// MediaStream groups the tracks acquired for one session.
type MediaStream interface {
	Tracks() []MediaTrack

	// Stop stops every track, releasing the underlying devices.
	Stop()
}

// MediaDevices acquires local capture devices. GetUserMedia may block
// indefinitely on a permission prompt, which is why it takes a context.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, audio, video bool) (MediaStream, error)
}
