// Package source acquires, tracks, and releases live capture
// sources. The manager is the only owner of source lifecycles: other
// components borrow tracks read-only and must never close them.
package source

import (
	"sync/atomic"

	"github.com/educast/studio/internal/media"
)

// VideoTrack delivers decoded frames from a live source. Frames
// returns a channel that is closed when the track ends.
type VideoTrack interface {
	Frames() <-chan media.Frame
}

// AudioTrack delivers PCM chunks from a live source
type AudioTrack interface {
	Chunks() <-chan media.AudioChunk
	SampleRate() int
	Channels() int
}

// Constraints narrows device selection for camera and microphone
// acquisition.
type Constraints struct {
	DeviceID   string
	Width      int
	Height     int
	FrameRate  int
	SampleRate int
	Channels   int
}

// Capture is a live device capture. Production implementations wrap
// OS capture processes; the synthetic implementations in this package
// serve the demo mode and tests.
type Capture interface {
	Kind() media.SourceKind
	Video() VideoTrack // nil for audio-only kinds
	Audio() AudioTrack // nil when the capture has no audio
	// Done is closed when the capture ends from the device side
	// (unplug, OS stop button).
	Done() <-chan struct{}
	// Close releases the underlying device. Idempotent.
	Close() error
}

// CaptureOpener acquires a capture of one kind. Openers report the
// typed acquisition failures of the engine: permission denied, device
// unavailable, user cancelled, unsupported, constraints
// unsatisfiable.
type CaptureOpener interface {
	Open(kind media.SourceKind, constraints Constraints) (Capture, error)
}

// Handle is an acquired source tracked by the manager
type Handle struct {
	ID       string
	Kind     media.SourceKind
	DeviceID string

	capture Capture
	// active is read without the manager's lock
	active atomic.Bool
}

// Active reports whether the handle's tracks are still live
func (h *Handle) Active() bool {
	return h != nil && h.active.Load()
}

// Video returns the handle's video track, nil for audio-only kinds
func (h *Handle) Video() VideoTrack {
	if h == nil || h.capture == nil {
		return nil
	}
	return h.capture.Video()
}

// Audio returns the handle's audio track if the capture has one
func (h *Handle) Audio() AudioTrack {
	if h == nil || h.capture == nil {
		return nil
	}
	return h.capture.Audio()
}
