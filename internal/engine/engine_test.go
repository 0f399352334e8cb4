package engine

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/educast/studio/internal/config"
	"github.com/educast/studio/internal/media"
	"github.com/educast/studio/internal/media/recorder"
	"github.com/educast/studio/internal/media/source"
	"github.com/educast/studio/internal/sessionstore"
	"github.com/educast/studio/internal/upload"
)

// stubEncoder emits a fixed payload per frame so pipeline tests do not
// depend on encoder output size.
type stubEncoder struct{}

func (stubEncoder) Encode(media.Frame) ([]byte, bool, error) {
	return bytes.Repeat([]byte{0x5A}, 256), true, nil
}
func (stubEncoder) CodecID() string { return "V_VP8" }
func (stubEncoder) Close() error    { return nil }

func newTestEngine(t *testing.T, uploadBaseURL string) *Engine {
	t.Helper()
	logger := hclog.NewNullLogger()

	cfg := config.Default()
	cfg.Studio.DataDir = t.TempDir()
	cfg.Studio.Encoder = "raw"
	cfg.Studio.QualityProfile = string(media.QualitySD480)

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	store, err := sessionstore.NewStore(logger, db, cfg.Studio.DataDir)
	require.NoError(t, err)

	client := upload.NewClient(logger, uploadBaseURL)
	watcher := upload.NewStatusWatcher(logger, client, upload.WatcherConfig{
		InitialBackoff:  5 * time.Millisecond,
		MaxBackoff:      20 * time.Millisecond,
		MaxPollAttempts: 10,
	})
	uploader := upload.NewCoordinator(logger, client, watcher, nil, upload.RetryPolicy{})

	opener := &source.SyntheticOpener{
		Width: 854, Height: 480, FrameRate: 30,
		SampleRate: cfg.Studio.AudioRate, Channels: cfg.Studio.AudioChannels,
	}
	eng := New(logger, cfg, nil, opener, store, uploader)
	eng.SetEncoderFactory(func(width, height, fps, bitrateBps int) (recorder.VideoEncoder, error) {
		return stubEncoder{}, nil
	})
	t.Cleanup(eng.Dispose)
	return eng
}

// recordFor starts a recording and waits until the output timeline
// reaches atLeastMs.
func recordFor(t *testing.T, eng *Engine, opts StartOptions, atLeastMs int64) *media.RecordingSession {
	t.Helper()
	session, err := eng.StartRecording(opts)
	require.NoError(t, err)
	require.True(t, eng.Recording())

	require.Eventually(t, func() bool {
		return eng.Stats().Recorder.DurationMs >= atLeastMs
	}, 15*time.Second, 20*time.Millisecond, "recorder never reached %dms", atLeastMs)
	return session
}

func TestEngineRecordLifecycle(t *testing.T) {
	eng := newTestEngine(t, "http://localhost:0")

	_, err := eng.AcquireSource(media.SourceCamera, source.Constraints{})
	require.NoError(t, err)
	_, err = eng.AcquireSource(media.SourceMicrophone, source.Constraints{})
	require.NoError(t, err)

	session := recordFor(t, eng, StartOptions{AudioEnabled: true}, 1300)
	assert.Equal(t, media.QualitySD480, session.QualityProfile)
	assert.ElementsMatch(t, []media.SourceKind{media.SourceCamera, media.SourceMicrophone}, session.SourcesUsed)

	cueMark, err := eng.MarkSlide(1)
	require.NoError(t, err)
	assert.Positive(t, cueMark.PTS)

	require.NoError(t, eng.SetLayout(media.LayoutSideBySide))

	done, err := eng.StopRecording()
	require.NoError(t, err)
	assert.False(t, eng.Recording())
	require.NotNil(t, done.EndedAt)
	require.Len(t, done.SlideCues, 1)
	assert.Equal(t, 1, done.SlideCues[0].SlideIndex)
	assert.NotEmpty(t, done.LayoutHistory)
	assert.Equal(t, session.ID, done.BlobRef)

	// The session and its artifact are persisted.
	stored, blob, err := eng.store.Load(session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, stored.ID)
	assert.GreaterOrEqual(t, blob.SizeBytes(), int64(media.MinimumViableBlobBytes))
	assert.GreaterOrEqual(t, blob.ApproxDurationMs, int64(1000))

	// A poster thumbnail is written from the last composed frame.
	assert.FileExists(t, filepath.Join(eng.cfg.Studio.DataDir, session.ID+".webp"))

	// Held sources survive the stop.
	assert.Len(t, eng.Sources().HeldKinds(), 2)
}

func TestEngineStartRequiresVideoSource(t *testing.T) {
	eng := newTestEngine(t, "http://localhost:0")

	_, err := eng.StartRecording(StartOptions{})
	assert.ErrorIs(t, err, media.ErrDeviceUnavailable)

	// A microphone alone is not enough.
	_, err = eng.AcquireSource(media.SourceMicrophone, source.Constraints{})
	require.NoError(t, err)
	_, err = eng.StartRecording(StartOptions{})
	assert.ErrorIs(t, err, media.ErrDeviceUnavailable)
}

func TestEngineOneRecordingAtATime(t *testing.T) {
	eng := newTestEngine(t, "http://localhost:0")
	_, err := eng.AcquireSource(media.SourceCamera, source.Constraints{})
	require.NoError(t, err)

	recordFor(t, eng, StartOptions{}, 1100)
	_, err = eng.StartRecording(StartOptions{})
	assert.Error(t, err)

	_, err = eng.StopRecording()
	require.NoError(t, err)
	_, err = eng.StopRecording()
	assert.Error(t, err)
}

// Simultaneous starts race for the same pipeline slot; exactly one may
// win, even before the first has finished building.
func TestEngineConcurrentStartsSingleWinner(t *testing.T) {
	eng := newTestEngine(t, "http://localhost:0")
	_, err := eng.AcquireSource(media.SourceCamera, source.Constraints{})
	require.NoError(t, err)

	errs := make([]error, 4)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = eng.StartRecording(StartOptions{})
		}(i)
	}
	wg.Wait()

	started := 0
	for _, err := range errs {
		if err == nil {
			started++
		}
	}
	assert.Equal(t, 1, started)
	require.True(t, eng.Recording())

	require.Eventually(t, func() bool {
		return eng.Stats().Recorder.DurationMs >= 1100
	}, 15*time.Second, 20*time.Millisecond)
	_, err = eng.StopRecording()
	require.NoError(t, err)
}

func TestEngineTooShortRecordingFails(t *testing.T) {
	eng := newTestEngine(t, "http://localhost:0")
	_, err := eng.AcquireSource(media.SourceCamera, source.Constraints{})
	require.NoError(t, err)

	recordFor(t, eng, StartOptions{}, 100)
	_, err = eng.StopRecording()
	assert.ErrorIs(t, err, media.ErrRecordingTooShort)
	assert.False(t, eng.Recording())

	// The engine recovers: a proper recording works afterwards.
	recordFor(t, eng, StartOptions{}, 1100)
	_, err = eng.StopRecording()
	assert.NoError(t, err)
}

func TestEnginePauseResume(t *testing.T) {
	eng := newTestEngine(t, "http://localhost:0")
	_, err := eng.AcquireSource(media.SourceCamera, source.Constraints{})
	require.NoError(t, err)

	recordFor(t, eng, StartOptions{}, 600)
	require.NoError(t, eng.PauseRecording())

	paused := eng.Stats().Recorder.DurationMs
	time.Sleep(300 * time.Millisecond)
	// The output timeline does not advance while paused.
	assert.LessOrEqual(t, eng.Stats().Recorder.DurationMs, paused+50)

	require.NoError(t, eng.ResumeRecording())
	require.Eventually(t, func() bool {
		return eng.Stats().Recorder.DurationMs >= 1100
	}, 15*time.Second, 20*time.Millisecond)

	session, err := eng.StopRecording()
	require.NoError(t, err)

	_, blob, err := eng.store.Load(session.ID)
	require.NoError(t, err)
	// The pause gap is cut out of the artifact.
	assert.Less(t, blob.ApproxDurationMs, int64(2500))
}

func TestEngineOperationsRequireRecording(t *testing.T) {
	eng := newTestEngine(t, "http://localhost:0")

	assert.Error(t, eng.PauseRecording())
	assert.Error(t, eng.ResumeRecording())
	assert.Error(t, eng.SetLayout(media.LayoutSideBySide))
	_, err := eng.MarkSlide(1)
	assert.Error(t, err)
	_, err = eng.StopRecording()
	assert.Error(t, err)
}

func TestEngineGainAndMute(t *testing.T) {
	eng := newTestEngine(t, "http://localhost:0")
	_, err := eng.AcquireSource(media.SourceCamera, source.Constraints{})
	require.NoError(t, err)
	_, err = eng.AcquireSource(media.SourceMicrophone, source.Constraints{})
	require.NoError(t, err)

	// Without audio in the recording there is no mix to adjust.
	recordFor(t, eng, StartOptions{}, 100)
	assert.Error(t, eng.SetGain(media.SourceMicrophone, 0.5))
	eng.StopRecording()

	recordFor(t, eng, StartOptions{AudioEnabled: true}, 1100)
	assert.NoError(t, eng.SetGain(media.SourceMicrophone, 0.5))
	assert.NoError(t, eng.SetMuted(media.SourceMicrophone, true))
	assert.Error(t, eng.SetGain(media.SourceScreen, 0.5), "screen is not held")
	eng.StopRecording()
}

func TestEngineSourceLostMidRecording(t *testing.T) {
	eng := newTestEngine(t, "http://localhost:0")
	_, err := eng.AcquireSource(media.SourceCamera, source.Constraints{})
	require.NoError(t, err)
	screen, err := eng.AcquireSource(media.SourceScreen, source.Constraints{})
	require.NoError(t, err)

	recordFor(t, eng, StartOptions{}, 600)

	source.EndFromDevice(screen)
	require.Eventually(t, func() bool {
		_, held := eng.Sources().Held(media.SourceScreen)
		return !held
	}, time.Second, 5*time.Millisecond)

	// The recording rides through the loss.
	assert.True(t, eng.Recording())
	require.Eventually(t, func() bool {
		return eng.Stats().Recorder.DurationMs >= 1100
	}, 15*time.Second, 20*time.Millisecond)
	_, err = eng.StopRecording()
	assert.NoError(t, err)
}

func TestEngineTrimPersists(t *testing.T) {
	eng := newTestEngine(t, "http://localhost:0")
	_, err := eng.AcquireSource(media.SourceCamera, source.Constraints{})
	require.NoError(t, err)

	session := recordFor(t, eng, StartOptions{}, 2200)
	_, err = eng.StopRecording()
	require.NoError(t, err)

	_, blob, err := eng.store.Load(session.ID)
	require.NoError(t, err)
	full := blob.ApproxDurationMs

	// The full window is a no-op and leaves the artifact alone.
	result, err := eng.Trim(session.ID, 0, full)
	require.NoError(t, err)
	assert.True(t, result.NoOp)

	result, err = eng.Trim(session.ID, 700, full)
	require.NoError(t, err)
	assert.False(t, result.NoOp)

	_, trimmed, err := eng.store.Load(session.ID)
	require.NoError(t, err)
	assert.Less(t, trimmed.ApproxDurationMs, full)
	assert.Equal(t, result.Blob.ApproxDurationMs, trimmed.ApproxDurationMs)

	_, err = eng.Trim("missing", 0, 1000)
	assert.ErrorIs(t, err, media.ErrSessionNotFound)
}

func TestEngineUpload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/courses/course-1/lessons", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"lesson-9"}`))
	})
	mux.HandleFunc("/videos/upload", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/videos/status/lesson-9", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":"ready","percent":100}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	eng := newTestEngine(t, srv.URL)
	_, err := eng.AcquireSource(media.SourceCamera, source.Constraints{})
	require.NoError(t, err)

	session := recordFor(t, eng, StartOptions{}, 1300)
	_, err = eng.StopRecording()
	require.NoError(t, err)

	lessonID, err := eng.Upload(context.Background(), session.ID, "course-1", "Lesson Nine", "")
	require.NoError(t, err)
	assert.Equal(t, "lesson-9", lessonID)

	_, err = eng.Upload(context.Background(), "missing", "course-1", "x", "")
	assert.ErrorIs(t, err, media.ErrSessionNotFound)
}

func TestEngineDisposeMidRecording(t *testing.T) {
	eng := newTestEngine(t, "http://localhost:0")
	_, err := eng.AcquireSource(media.SourceCamera, source.Constraints{})
	require.NoError(t, err)

	recordFor(t, eng, StartOptions{}, 300)
	eng.Dispose()

	assert.False(t, eng.Recording())
	assert.Empty(t, eng.Sources().HeldKinds())
}
