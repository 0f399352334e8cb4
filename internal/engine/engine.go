// Package engine assembles the recording pipeline: acquired sources
// feed the compositor and the audio mixer, whose outputs the recorder
// encodes into a WebM blob that is repaired, persisted, and offered
// for upload.
package engine

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/educast/studio/internal/config"
	"github.com/educast/studio/internal/events"
	"github.com/educast/studio/internal/media"
	"github.com/educast/studio/internal/media/audiomix"
	"github.com/educast/studio/internal/media/compositor"
	"github.com/educast/studio/internal/media/cue"
	"github.com/educast/studio/internal/media/recorder"
	"github.com/educast/studio/internal/media/repair"
	"github.com/educast/studio/internal/media/source"
	"github.com/educast/studio/internal/media/trim"
	"github.com/educast/studio/internal/sessionstore"
	"github.com/educast/studio/internal/upload"
)

// minDegradedFPS is the floor the degradation response will not
// reduce the frame rate below.
const minDegradedFPS = 15

// EncoderFactory builds the video encoder for a recording. The
// default selects between the ffmpeg VPX encoder and the in-process
// raw encoder from configuration; tests inject their own.
type EncoderFactory func(width, height, fps, bitrateBps int) (recorder.VideoEncoder, error)

// StartOptions configures one recording
type StartOptions struct {
	Profile      media.QualityProfile `json:"profile"`
	Layout       media.LayoutVariant  `json:"layout"`
	AudioEnabled bool                 `json:"audio_enabled"`
}

// Stats aggregates the live state of a recording
type Stats struct {
	Recorder    recorder.Stats       `json:"recorder"`
	Compositor  compositor.PerfStats `json:"compositor"`
	AudioLevels map[string]float64   `json:"audio_levels,omitempty"`
	Profile     media.QualityProfile `json:"profile"`
}

// Engine owns one recording at a time and every component under it
type Engine struct {
	logger   hclog.Logger
	cfg      *config.Config
	bus      *events.Bus
	sources  *source.Manager
	store    *sessionstore.Store
	uploader *upload.Coordinator

	newEncoder EncoderFactory

	mu        sync.Mutex
	comp      *compositor.Compositor
	mixer     *audiomix.Mixer
	rec       *recorder.Recorder
	cues      *cue.Recorder
	session   *media.RecordingSession
	fps       int
	recording bool
	starting  bool
	teeStop   chan struct{}

	frameMu   sync.Mutex
	lastFrame *image.RGBA
}

// New creates the engine. The opener supplies device captures; the
// synthetic opener serves demo deployments and tests.
func New(logger hclog.Logger, cfg *config.Config, bus *events.Bus, opener source.CaptureOpener,
	store *sessionstore.Store, uploader *upload.Coordinator) *Engine {
	e := &Engine{
		logger:   logger.Named("engine"),
		cfg:      cfg,
		bus:      bus,
		sources:  source.NewManager(logger, opener),
		store:    store,
		uploader: uploader,
	}
	e.newEncoder = e.defaultEncoder
	return e
}

// SetEncoderFactory overrides encoder construction, used by tests
func (e *Engine) SetEncoderFactory(factory EncoderFactory) {
	e.newEncoder = factory
}

// Sources returns the source manager
func (e *Engine) Sources() *source.Manager {
	return e.sources
}

func (e *Engine) defaultEncoder(width, height, fps, bitrateBps int) (recorder.VideoEncoder, error) {
	if e.cfg.Studio.Encoder == "raw" {
		return &recorder.RawVideoEncoder{Width: width, Height: height}, nil
	}
	return recorder.NewVPXEncoder(media.CodecVP8, width, height, fps, bitrateBps)
}

// AcquireSource acquires a capture of the given kind. Re-acquiring a
// held kind swaps the device; a recording in progress picks up the new
// tracks without restarting.
func (e *Engine) AcquireSource(kind media.SourceKind, constraints source.Constraints) (*source.Handle, error) {
	var handle *source.Handle
	var err error
	switch kind {
	case media.SourceCamera:
		handle, err = e.sources.AcquireCamera(constraints)
	case media.SourceScreen:
		handle, err = e.sources.AcquireScreen()
	case media.SourceMicrophone:
		handle, err = e.sources.AcquireMicrophone(constraints)
	default:
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}
	if err != nil {
		return nil, err
	}

	e.sources.OnSourceLost(handle, e.sourceLost)
	e.attachIfRecording(handle)
	e.publish(events.EventSourceAcquired, "", fmt.Sprintf("%s acquired", kind), map[string]interface{}{
		"kind":      string(kind),
		"handle_id": handle.ID,
	})
	return handle, nil
}

// ReleaseSource releases the held capture of a kind. Releasing a kind
// that is not held is a no-op.
func (e *Engine) ReleaseSource(kind media.SourceKind) {
	handle, ok := e.sources.Held(kind)
	if !ok {
		return
	}
	e.detach(handle)
	e.sources.Release(handle)
	e.publish(events.EventSourceReleased, "", fmt.Sprintf("%s released", kind), map[string]interface{}{
		"kind":      string(kind),
		"handle_id": handle.ID,
	})
}

// sourceLost detaches a device-side ended source and reports it. The
// recording continues: the region renders as missing, the mix drops
// the input.
func (e *Engine) sourceLost(handle *source.Handle) {
	e.detach(handle)
	e.publish(events.EventSourceLost, e.sessionID(), fmt.Sprintf("%s lost", handle.Kind), map[string]interface{}{
		"kind":      string(handle.Kind),
		"handle_id": handle.ID,
	})
}

func (e *Engine) attachIfRecording(handle *source.Handle) {
	e.mu.Lock()
	comp, mixer := e.comp, e.mixer
	recording := e.recording
	e.mu.Unlock()
	if !recording {
		return
	}
	if comp != nil && handle.Video() != nil {
		if err := comp.AddSource(handle); err != nil {
			e.logger.Warn("attach video failed", "kind", handle.Kind, "error", err)
		}
	}
	if mixer != nil && handle.Audio() != nil {
		if err := mixer.AddInput(handle.ID, handle.Audio()); err != nil {
			e.logger.Warn("attach audio failed", "kind", handle.Kind, "error", err)
		}
	}
}

func (e *Engine) detach(handle *source.Handle) {
	e.mu.Lock()
	comp, mixer := e.comp, e.mixer
	e.mu.Unlock()
	if comp != nil {
		comp.RemoveSource(handle.ID)
	}
	if mixer != nil {
		mixer.RemoveInput(handle.ID)
	}
}

// StartRecording builds the pipeline for the held sources and starts
// it. At least one video source must be held.
func (e *Engine) StartRecording(opts StartOptions) (*media.RecordingSession, error) {
	e.mu.Lock()
	if e.recording || e.starting {
		e.mu.Unlock()
		return nil, fmt.Errorf("a recording is already in progress")
	}
	// Claim the slot before unlocking: the pipeline build below runs
	// without the lock, and a second Start must not slip in meanwhile.
	e.starting = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.starting = false
		e.mu.Unlock()
	}()

	if !e.hasVideoSource() {
		return nil, fmt.Errorf("no video source held: %w", media.ErrDeviceUnavailable)
	}
	if opts.Profile == "" {
		opts.Profile = media.QualityProfile(e.cfg.Studio.QualityProfile)
	}
	if opts.Layout == "" {
		opts.Layout = media.LayoutPictureInPicture
	}

	width, height, fps := opts.Profile.Dimensions()
	comp := compositor.New(e.logger, compositor.OutputConfig{Width: width, Height: height, FPS: fps},
		media.NewLayout(opts.Layout))

	videoEnc, err := e.newEncoder(width, height, fps, opts.Profile.Bitrate())
	if err != nil {
		return nil, fmt.Errorf("create video encoder: %w", err)
	}

	recOpts := recorder.Options{
		Width:      width,
		Height:     height,
		FPS:        fps,
		BitrateBps: opts.Profile.Bitrate(),
	}
	recOpts.VideoEncoder = videoEnc

	var mixer *audiomix.Mixer
	var audioOut <-chan media.AudioChunk
	if opts.AudioEnabled {
		mixer = audiomix.NewMixer(e.logger, e.cfg.Studio.AudioRate, e.cfg.Studio.AudioChannels)
		audioOut = mixer.Output()
		recOpts.AudioRate = e.cfg.Studio.AudioRate
		recOpts.AudioChannels = e.cfg.Studio.AudioChannels
		recOpts.AudioEncoder = &recorder.PCMAudioEncoder{}
	}

	rec := recorder.New(e.logger, recOpts)
	teeStop := make(chan struct{})
	if err := rec.Start(e.teeFrames(comp.Output(), teeStop), audioOut); err != nil {
		videoEnc.Close()
		close(teeStop)
		return nil, err
	}

	session := &media.RecordingSession{
		ID:             uuid.New().String(),
		StartedAt:      time.Now(),
		SourcesUsed:    e.sources.HeldKinds(),
		AudioEnabled:   opts.AudioEnabled,
		QualityProfile: opts.Profile,
	}

	comp.OnDegraded = func(stats compositor.PerfStats) { e.degrade(session.ID, stats) }
	comp.OnLayoutChange = func(pts int64, layout media.Layout) {
		e.publish(events.EventLayoutChanged, session.ID, fmt.Sprintf("layout switched to %s", layout.Variant),
			map[string]interface{}{"pts": pts, "variant": string(layout.Variant)})
	}

	e.mu.Lock()
	e.comp = comp
	e.mixer = mixer
	e.rec = rec
	e.session = session
	e.fps = fps
	e.recording = true
	e.teeStop = teeStop
	e.cues = cue.NewRecorder(func() int64 { return rec.Stats().DurationMs })
	e.mu.Unlock()

	for _, kind := range e.sources.HeldKinds() {
		if handle, ok := e.sources.Held(kind); ok {
			e.attachIfRecording(handle)
		}
	}

	if err := comp.Start(); err != nil {
		rec.Dispose()
		e.teardownPipeline()
		return nil, err
	}
	if mixer != nil {
		if err := mixer.Start(); err != nil {
			comp.Stop()
			rec.Dispose()
			e.teardownPipeline()
			return nil, err
		}
	}

	e.publish(events.EventRecordingStarted, session.ID, "recording started", map[string]interface{}{
		"profile": string(opts.Profile),
		"layout":  string(opts.Layout),
		"audio":   opts.AudioEnabled,
	})
	e.logger.Info("recording started", "session_id", session.ID, "profile", string(opts.Profile))
	return session, nil
}

// teeFrames forwards the composite track to the recorder while caching
// the latest frame for the poster. After stop it keeps draining so the
// compositor can shut down cleanly.
func (e *Engine) teeFrames(in <-chan media.Frame, stop <-chan struct{}) <-chan media.Frame {
	out := make(chan media.Frame, 4)
	go func() {
		defer close(out)
		for frame := range in {
			e.frameMu.Lock()
			e.lastFrame = frame.Image
			e.frameMu.Unlock()
			select {
			case out <- frame:
			case <-stop:
			}
		}
	}()
	return out
}

// PauseRecording freezes the output timeline
func (e *Engine) PauseRecording() error {
	rec, session := e.pipeline()
	if rec == nil {
		return fmt.Errorf("no recording in progress")
	}
	if err := rec.Pause(); err != nil {
		return err
	}
	e.publish(events.EventRecordingPaused, session.ID, "recording paused", nil)
	return nil
}

// ResumeRecording continues after a pause
func (e *Engine) ResumeRecording() error {
	rec, session := e.pipeline()
	if rec == nil {
		return fmt.Errorf("no recording in progress")
	}
	if err := rec.Resume(); err != nil {
		return err
	}
	e.publish(events.EventRecordingResumed, session.ID, "recording resumed", nil)
	return nil
}

// SetLayout stages a layout switch for the next frame
func (e *Engine) SetLayout(variant media.LayoutVariant) error {
	e.mu.Lock()
	comp := e.comp
	e.mu.Unlock()
	if comp == nil {
		return fmt.Errorf("no recording in progress")
	}
	return comp.SetLayout(media.NewLayout(variant))
}

// MarkSlide records a slide transition at the current recording pts
func (e *Engine) MarkSlide(slideIndex int) (media.SlideCue, error) {
	e.mu.Lock()
	cues := e.cues
	e.mu.Unlock()
	if cues == nil {
		return media.SlideCue{}, fmt.Errorf("no recording in progress")
	}
	c, ok := cues.Mark(slideIndex)
	if !ok {
		return media.SlideCue{}, fmt.Errorf("cue rejected: older than last recorded cue")
	}
	return c, nil
}

// SetGain adjusts one source's contribution to the mix
func (e *Engine) SetGain(kind media.SourceKind, gain float64) error {
	mixer, handle, err := e.mixerInput(kind)
	if err != nil {
		return err
	}
	return mixer.SetGain(handle.ID, gain)
}

// SetMuted mutes or unmutes one source in the mix
func (e *Engine) SetMuted(kind media.SourceKind, muted bool) error {
	mixer, handle, err := e.mixerInput(kind)
	if err != nil {
		return err
	}
	return mixer.SetMuted(handle.ID, muted)
}

func (e *Engine) mixerInput(kind media.SourceKind) (*audiomix.Mixer, *source.Handle, error) {
	e.mu.Lock()
	mixer := e.mixer
	e.mu.Unlock()
	if mixer == nil {
		return nil, nil, fmt.Errorf("audio is not enabled")
	}
	handle, ok := e.sources.Held(kind)
	if !ok {
		return nil, nil, fmt.Errorf("no %s held", kind)
	}
	return mixer, handle, nil
}

// StopRecording finalizes the blob, repairs its container, persists
// the session, and tears the pipeline down. Held sources stay held.
func (e *Engine) StopRecording() (*media.RecordingSession, error) {
	e.mu.Lock()
	if !e.recording {
		e.mu.Unlock()
		return nil, fmt.Errorf("no recording in progress")
	}
	rec, comp, mixer := e.rec, e.comp, e.mixer
	session, cues := e.session, e.cues
	e.mu.Unlock()

	blob, err := rec.Stop()
	e.teardownPipeline()
	comp.Stop()
	if mixer != nil {
		mixer.Stop()
	}

	now := time.Now()
	session.EndedAt = &now
	session.LayoutHistory = comp.LayoutHistory()
	if cues != nil {
		session.SlideCues = cues.Cues()
	}

	if err != nil {
		e.publish(events.EventRecordingFailed, session.ID, "recording failed", map[string]interface{}{
			"error": err.Error(),
		})
		return session, err
	}

	repaired, result := repair.Repair(blob)
	if result.Repaired {
		e.publish(events.EventContainerRepaired, session.ID, "container header repaired", map[string]interface{}{
			"segment_offset": result.SegmentOffset,
			"unverified":     result.Unverified,
		})
	}

	e.frameMu.Lock()
	poster := e.lastFrame
	e.frameMu.Unlock()
	var posterImg image.Image
	if poster != nil {
		posterImg = poster
	}
	if _, err := e.store.Save(session, repaired, posterImg); err != nil {
		return session, fmt.Errorf("persist session: %w", err)
	}
	session.BlobRef = session.ID

	e.publish(events.EventRecordingFinalized, session.ID, "recording finalized", map[string]interface{}{
		"bytes":       repaired.SizeBytes(),
		"duration_ms": repaired.ApproxDurationMs,
	})
	e.logger.Info("recording stopped", "session_id", session.ID, "bytes", repaired.SizeBytes())
	return session, nil
}

func (e *Engine) teardownPipeline() {
	e.mu.Lock()
	if e.teeStop != nil {
		close(e.teeStop)
		e.teeStop = nil
	}
	e.rec = nil
	e.comp = nil
	e.mixer = nil
	e.cues = nil
	e.recording = false
	e.mu.Unlock()
}

// degrade responds to sustained slow rendering by lowering the frame
// rate. Resolution is pinned for the life of a recording because the
// encoder geometry is fixed at start.
func (e *Engine) degrade(sessionID string, stats compositor.PerfStats) {
	e.mu.Lock()
	comp := e.comp
	fps := e.fps
	e.mu.Unlock()
	if comp == nil || fps <= minDegradedFPS {
		e.publish(events.EventPerformanceDegraded, sessionID, "performance degraded", map[string]interface{}{
			"fps": stats.FPS, "cpu": stats.CPUPercent,
		})
		return
	}

	newFPS := fps / 2
	if newFPS < minDegradedFPS {
		newFPS = minDegradedFPS
	}
	e.mu.Lock()
	e.fps = newFPS
	session := e.session
	e.mu.Unlock()

	var width, height int
	if session != nil {
		width, height, _ = session.QualityProfile.Dimensions()
	}
	comp.Reconfigure(compositor.OutputConfig{Width: width, Height: height, FPS: newFPS})

	e.publish(events.EventPerformanceDegraded, sessionID, "performance degraded", map[string]interface{}{
		"fps": stats.FPS, "cpu": stats.CPUPercent,
	})
	e.publish(events.EventQualityReduced, sessionID, fmt.Sprintf("frame rate reduced to %d", newFPS),
		map[string]interface{}{"fps": newFPS})
	e.logger.Warn("quality reduced", "session_id", sessionID, "fps", newFPS)
}

// Trim cuts a stored recording to an interval and persists the result
func (e *Engine) Trim(sessionID string, startMs, endMs int64) (*trim.Result, error) {
	_, blob, err := e.store.Load(sessionID)
	if err != nil {
		return nil, err
	}
	result, err := trim.Trim(blob, trim.Interval{StartMs: startMs, EndMs: endMs})
	if err != nil {
		return nil, err
	}
	if !result.NoOp {
		if err := e.store.UpdateBlob(sessionID, result.Blob); err != nil {
			return nil, err
		}
	}
	e.publish(events.EventTrimCompleted, sessionID, "trim completed", map[string]interface{}{
		"start_ms":        startMs,
		"end_ms":          endMs,
		"drift_ms":        result.DriftMs,
		"seek_inaccurate": result.SeekInaccurate,
		"no_op":           result.NoOp,
	})
	return result, nil
}

// Upload publishes a stored recording as a lesson and blocks until
// server processing finishes.
func (e *Engine) Upload(ctx context.Context, sessionID, courseID, title, description string) (string, error) {
	session, blob, err := e.store.Load(sessionID)
	if err != nil {
		return "", err
	}
	return e.uploader.Upload(ctx, upload.Request{
		SessionID:   sessionID,
		CourseID:    courseID,
		Title:       title,
		Description: description,
		Blob:        blob,
		SlideCues:   session.SlideCues,
	})
}

// Stats returns a live snapshot of the running recording
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	rec, comp, mixer, session := e.rec, e.comp, e.mixer, e.session
	e.mu.Unlock()

	var stats Stats
	if rec != nil {
		stats.Recorder = rec.Stats()
	}
	if comp != nil {
		stats.Compositor = comp.Stats()
	}
	if mixer != nil {
		stats.AudioLevels = mixer.Levels()
	}
	if session != nil {
		stats.Profile = session.QualityProfile
	}
	return stats
}

// Session returns the active recording session, if any
func (e *Engine) Session() *media.RecordingSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Recording reports whether a recording is in progress
func (e *Engine) Recording() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recording
}

func (e *Engine) pipeline() (*recorder.Recorder, *media.RecordingSession) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, e.session
}

func (e *Engine) hasVideoSource() bool {
	for _, kind := range e.sources.HeldKinds() {
		if kind.HasVideo() {
			return true
		}
	}
	return false
}

func (e *Engine) sessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return ""
	}
	return e.session.ID
}

func (e *Engine) publish(eventType events.EventType, sessionID, message string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:      eventType,
		Source:    "engine",
		SessionID: sessionID,
		Message:   message,
		Data:      data,
	})
}

// Dispose tears everything down: a running recording is stopped and
// discarded, every held source is released.
func (e *Engine) Dispose() {
	e.mu.Lock()
	rec, comp, mixer := e.rec, e.comp, e.mixer
	e.mu.Unlock()

	if rec != nil {
		rec.Dispose()
	}
	e.teardownPipeline()
	if comp != nil {
		comp.Stop()
	}
	if mixer != nil {
		mixer.Stop()
	}
	e.sources.Dispose()
	e.logger.Info("engine disposed")
}
