// Package cue records slide transitions against the recording clock
// so they can be attached to the uploaded lesson as metadata.
package cue

import (
	"sync"

	"github.com/educast/studio/internal/media"
)

// Clock reports the current recording pts in milliseconds. The
// recorder's stats clock is the usual implementation.
type Clock func() int64

// Recorder collects slide cues ordered by pts. A cue older than the
// current pts is ignored, so out-of-order notifications from the host
// cannot corrupt the sequence.
type Recorder struct {
	clock Clock

	mu   sync.Mutex
	cues []media.SlideCue
}

// NewRecorder creates a cue recorder on the given clock
func NewRecorder(clock Clock) *Recorder {
	return &Recorder{clock: clock}
}

// Mark records a transition to slideIndex at the current pts. It
// returns the recorded cue and false when the cue was rejected as
// stale.
func (r *Recorder) Mark(slideIndex int) (media.SlideCue, bool) {
	return r.MarkAt(slideIndex, r.clock())
}

// MarkAt records a transition at an explicit pts
func (r *Recorder) MarkAt(slideIndex int, pts int64) (media.SlideCue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.cues); n > 0 && pts < r.cues[n-1].PTS {
		return media.SlideCue{}, false
	}
	c := media.SlideCue{PTS: pts, SlideIndex: slideIndex}
	r.cues = append(r.cues, c)
	return c, true
}

// Cues returns the recorded cues in pts order
func (r *Recorder) Cues() []media.SlideCue {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]media.SlideCue, len(r.cues))
	copy(out, r.cues)
	return out
}

// Reset clears recorded cues for a new recording
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cues = nil
}
