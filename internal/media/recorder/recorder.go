// Package recorder encodes the composite video track and the mixed
// audio track into a streamed WebM container and finalizes a blob.
package recorder

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/educast/studio/internal/media"
	"github.com/educast/studio/internal/media/ebml"
)

// State enumerates the recorder lifecycle
type State string

const (
	StateIdle       State = "idle"
	StateArmed      State = "armed"
	StateRecording  State = "recording"
	StatePaused     State = "paused"
	StateFinalizing State = "finalizing"
	StateFinalized  State = "finalized"
	StateFailed     State = "failed"
)

const (
	videoTrackNumber = 1
	audioTrackNumber = 2
)

// Options configures a recording
type Options struct {
	Width      int
	Height     int
	FPS        int
	BitrateBps int

	AudioRate     int
	AudioChannels int

	// VideoEncoder is required. AudioEncoder nil records video only.
	VideoEncoder VideoEncoder
	AudioEncoder AudioEncoder

	WritingApp string
}

// Stats is a live snapshot of recording progress
type Stats struct {
	State         State `json:"state"`
	DurationMs    int64 `json:"duration_ms"`
	ApproxBytes   int64 `json:"approx_bytes"`
	DroppedFrames int64 `json:"dropped_frames"`
	BitrateBps    int   `json:"bitrate_bps"`
}

type ctrlKind int

const (
	ctrlPause ctrlKind = iota
	ctrlResume
	ctrlStop
)

// Recorder is the recording state machine:
//
//	IDLE → ARMED → RECORDING ⇄ PAUSED → FINALIZING → FINALIZED
//	any → FAILED on encoder error
//
// Pause freezes pts progression; resume continues one frame interval
// after the last written frame so the output timeline has no gap.
type Recorder struct {
	logger hclog.Logger
	opts   Options

	mu       sync.Mutex
	state    State
	buf      bytes.Buffer
	muxer    *ebml.Muxer
	ctrl     chan ctrlKind
	done     chan struct{}
	blob     *media.Blob
	finalErr error

	paused   bool
	resuming bool
	adjust   int64
	lastOut  int64
	wroteAny bool
	dropped  int64
}

// New creates a recorder in the idle state
func New(logger hclog.Logger, opts Options) *Recorder {
	if opts.WritingApp == "" {
		opts.WritingApp = "educast-studio"
	}
	return &Recorder{
		logger: logger.Named("recorder"),
		opts:   opts,
		state:  StateIdle,
		ctrl:   make(chan ctrlKind, 4),
		done:   make(chan struct{}),
	}
}

// State returns the current state
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start arms the recorder on the given tracks. The state advances to
// recording when the first payload is written.
func (r *Recorder) Start(video <-chan media.Frame, audio <-chan media.AudioChunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateIdle {
		return fmt.Errorf("recorder cannot start from state %s", r.state)
	}
	if r.opts.FPS <= 0 {
		return fmt.Errorf("recorder requires a positive frame rate")
	}
	if r.opts.VideoEncoder == nil {
		return fmt.Errorf("recorder requires a video encoder")
	}
	if audio != nil && r.opts.AudioEncoder == nil {
		return fmt.Errorf("audio track supplied without an audio encoder")
	}

	tracks := []ebml.TrackInfo{{
		Number:  videoTrackNumber,
		Type:    ebml.TrackTypeVideo,
		CodecID: r.opts.VideoEncoder.CodecID(),
		Width:   r.opts.Width,
		Height:  r.opts.Height,
	}}
	if audio != nil {
		tracks = append(tracks, ebml.TrackInfo{
			Number:     audioTrackNumber,
			Type:       ebml.TrackTypeAudio,
			CodecID:    r.opts.AudioEncoder.CodecID(),
			SampleRate: float64(r.opts.AudioRate),
			Channels:   r.opts.AudioChannels,
		})
	}
	r.muxer = ebml.NewMuxer(&r.buf, r.opts.WritingApp, tracks)
	if err := r.muxer.Start(); err != nil {
		return fmt.Errorf("start muxer: %w", err)
	}
	r.state = StateArmed
	go r.run(video, audio)
	r.logger.Info("recorder armed", "width", r.opts.Width, "height", r.opts.Height, "fps", r.opts.FPS)
	return nil
}

// Pause freezes the output timeline. Frames arriving while paused are
// discarded.
func (r *Recorder) Pause() error {
	return r.control(ctrlPause, StateRecording)
}

// Resume continues recording after a pause
func (r *Recorder) Resume() error {
	return r.control(ctrlResume, StatePaused)
}

func (r *Recorder) control(kind ctrlKind, want State) error {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	if state != want {
		return fmt.Errorf("recorder is %s", state)
	}
	r.ctrl <- kind
	return nil
}

// Stop finalizes the recording. It is always accepted and always
// returns: with the finalized blob, with the partial blob and an
// encoder error, or with ErrRecordingTooShort.
func (r *Recorder) Stop() (*media.Blob, error) {
	r.mu.Lock()
	switch r.state {
	case StateIdle:
		r.mu.Unlock()
		return nil, fmt.Errorf("recorder never started")
	case StateFinalized, StateFailed:
		blob, err := r.blob, r.finalErr
		r.mu.Unlock()
		return blob, err
	}
	r.mu.Unlock()

	select {
	case r.ctrl <- ctrlStop:
	default: // stop already requested
	}
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blob, r.finalErr
}

// Dispose tears the recorder down on any exit path. A recorder that
// was still running is stopped and its result discarded.
func (r *Recorder) Dispose() {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	if state == StateIdle || state == StateFinalized || state == StateFailed {
		r.closeEncoders()
		return
	}
	r.Stop()
	r.closeEncoders()
}

// Stats returns live recording statistics
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	approx := int64(0)
	if r.muxer != nil {
		approx = int64(r.buf.Len())
	}
	return Stats{
		State:         r.state,
		DurationMs:    r.lastOut,
		ApproxBytes:   approx,
		DroppedFrames: r.dropped,
		BitrateBps:    r.opts.BitrateBps,
	}
}

// run is the recording loop. It owns all muxer writes.
func (r *Recorder) run(video <-chan media.Frame, audio <-chan media.AudioChunk) {
	defer close(r.done)
	for {
		select {
		case kind := <-r.ctrl:
			switch kind {
			case ctrlPause:
				r.setState(StatePaused)
				r.mu.Lock()
				r.paused = true
				r.mu.Unlock()
				r.logger.Info("recording paused", "pts", r.lastOut)
			case ctrlResume:
				r.mu.Lock()
				r.paused = false
				r.resuming = true
				r.mu.Unlock()
				r.setState(StateRecording)
				r.logger.Info("recording resumed", "pts", r.lastOut)
			case ctrlStop:
				r.finalize()
				return
			}
		case frame, ok := <-video:
			if !ok {
				r.finalize()
				return
			}
			if r.skipWhilePaused(frame.PTS, true) {
				continue
			}
			if err := r.writeVideo(frame); err != nil {
				r.fail(err)
				return
			}
		case chunk, ok := <-audio:
			if !ok {
				audio = nil // video continues without audio
				continue
			}
			if r.skipWhilePaused(chunk.PTS, false) {
				continue
			}
			if err := r.writeAudio(chunk); err != nil {
				r.fail(err)
				return
			}
		}
	}
}

// skipWhilePaused drops payloads while paused and, on the first video
// frame after resume, rebases the pts adjustment so the output
// timeline continues one frame interval after the pause point.
func (r *Recorder) skipWhilePaused(pts int64, isVideo bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		r.dropped++
		return true
	}
	if r.resuming {
		if !isVideo {
			// Audio between resume and the next video frame would
			// land before the rebase; drop it.
			return true
		}
		frameInterval := int64(1000 / r.opts.FPS)
		r.adjust = pts - r.lastOut - frameInterval
		r.resuming = false
	}
	return false
}

func (r *Recorder) writeVideo(frame media.Frame) error {
	payload, keyframe, err := r.opts.VideoEncoder.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode video: %w", err)
	}
	r.mu.Lock()
	out := frame.PTS - r.adjust
	if r.wroteAny && out <= r.lastOut {
		out = r.lastOut + 1
	}
	// The muxer writes into r.buf, which Stats reads; the write must
	// happen under the same lock.
	if err := r.muxer.WriteBlock(videoTrackNumber, out, keyframe, payload); err != nil {
		r.mu.Unlock()
		return err
	}
	first := r.markWroteLocked(out)
	r.mu.Unlock()
	if first {
		r.setState(StateRecording)
		r.logger.Debug("first payload written")
	}
	return nil
}

func (r *Recorder) writeAudio(chunk media.AudioChunk) error {
	payload, err := r.opts.AudioEncoder.Encode(chunk)
	if err != nil {
		return fmt.Errorf("encode audio: %w", err)
	}
	r.mu.Lock()
	out := chunk.PTS - r.adjust
	if out < 0 {
		out = 0
	}
	if err := r.muxer.WriteBlock(audioTrackNumber, out, true, payload); err != nil {
		r.mu.Unlock()
		return err
	}
	first := r.markWroteLocked(out)
	r.mu.Unlock()
	if first {
		r.setState(StateRecording)
		r.logger.Debug("first payload written")
	}
	return nil
}

// markWroteLocked tracks the last written timestamp and reports
// whether this was the first write. Caller holds r.mu.
func (r *Recorder) markWroteLocked(out int64) bool {
	first := !r.wroteAny
	r.wroteAny = true
	if out > r.lastOut {
		r.lastOut = out
	}
	return first
}

func (r *Recorder) setState(state State) {
	r.mu.Lock()
	// Terminal states are never overwritten.
	if r.state != StateFinalized && r.state != StateFailed {
		r.state = state
	}
	r.mu.Unlock()
}

// finalize flushes buffered data and validates the result
func (r *Recorder) finalize() {
	r.setState(StateFinalizing)
	r.closeEncoders()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.muxer.Finalize(); err != nil {
		r.failLocked(fmt.Errorf("finalize muxer: %w", err))
		return
	}
	frameInterval := int64(1000 / r.opts.FPS)
	duration := r.lastOut + frameInterval
	blob := &media.Blob{
		Data:             append([]byte(nil), r.buf.Bytes()...),
		Container:        media.ContainerWebM,
		VideoCodec:       r.opts.VideoEncoder.CodecID(),
		ApproxDurationMs: duration,
	}
	if r.opts.AudioEncoder != nil {
		blob.AudioCodec = r.opts.AudioEncoder.CodecID()
	}

	if !r.wroteAny || blob.SizeBytes() < media.MinimumViableBlobBytes ||
		duration < media.MinimumRecordingDuration.Milliseconds() {
		r.state = StateFailed
		r.blob = blob
		r.finalErr = fmt.Errorf("%w: %d bytes, %d ms", media.ErrRecordingTooShort, blob.SizeBytes(), duration)
		r.logger.Warn("recording too short", "bytes", blob.SizeBytes(), "duration_ms", duration)
		return
	}
	r.state = StateFinalized
	r.blob = blob
	r.logger.Info("recording finalized", "bytes", blob.SizeBytes(), "duration_ms", duration)
}

// fail moves to the failed state keeping the partial blob
func (r *Recorder) fail(err error) {
	r.closeEncoders()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.muxer.Finalize()
	r.failLocked(err)
}

// failLocked records the failure and the partial blob. Caller holds
// r.mu.
func (r *Recorder) failLocked(err error) {
	r.state = StateFailed
	partial := &media.Blob{
		Data:             append([]byte(nil), r.buf.Bytes()...),
		Container:        media.ContainerWebM,
		VideoCodec:       r.opts.VideoEncoder.CodecID(),
		ApproxDurationMs: r.lastOut,
	}
	r.blob = partial
	r.finalErr = fmt.Errorf("%w: %v", media.ErrEncoderFailure, err)
	r.logger.Error("recording failed", "error", err, "partial_bytes", partial.SizeBytes())
}

func (r *Recorder) closeEncoders() {
	if r.opts.VideoEncoder != nil {
		r.opts.VideoEncoder.Close()
	}
	if r.opts.AudioEncoder != nil {
		r.opts.AudioEncoder.Close()
	}
}
