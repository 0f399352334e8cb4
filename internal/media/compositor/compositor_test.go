package compositor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/educast/studio/internal/media"
	"github.com/educast/studio/internal/media/source"
)

func testConfig() OutputConfig {
	return OutputConfig{Width: 64, Height: 36, FPS: 30}
}

func newTestSources(t *testing.T) *source.Manager {
	t.Helper()
	opener := &source.SyntheticOpener{Width: 32, Height: 18, FrameRate: 60, SampleRate: 48000, Channels: 2}
	m := source.NewManager(hclog.NewNullLogger(), opener)
	t.Cleanup(m.Dispose)
	return m
}

func TestCompositorProducesMonotonicFrames(t *testing.T) {
	c := New(hclog.NewNullLogger(), testConfig(), media.NewLayout(media.LayoutCameraOnly))
	require.NoError(t, c.Start())
	defer c.Stop()

	interval := int64(1000 / 30)
	var prev int64 = -interval
	for i := 0; i < 5; i++ {
		select {
		case frame := <-c.Output():
			assert.Equal(t, 64, frame.Image.Bounds().Dx())
			assert.Equal(t, 36, frame.Image.Bounds().Dy())
			assert.Equal(t, prev+interval, frame.PTS)
			prev = frame.PTS
		case <-time.After(time.Second):
			t.Fatal("no composite frame produced")
		}
	}
}

func TestCompositorStartTwice(t *testing.T) {
	c := New(hclog.NewNullLogger(), testConfig(), media.NewLayout(media.LayoutScreenOnly))
	require.NoError(t, c.Start())
	assert.Error(t, c.Start())
	c.Stop()
}

func TestCompositorRejectsInvalidLayout(t *testing.T) {
	bad := media.Layout{Variant: "custom", Placements: map[media.SourceRole]media.Rect{
		media.RoleCamera: {X: 0.9, Y: 0.9, W: 0.5, H: 0.5},
	}}
	c := New(hclog.NewNullLogger(), testConfig(), bad)
	assert.Error(t, c.Start())

	c = New(hclog.NewNullLogger(), testConfig(), media.NewLayout(media.LayoutScreenOnly))
	assert.Error(t, c.SetLayout(bad))
}

func TestCompositorStopClosesOutput(t *testing.T) {
	c := New(hclog.NewNullLogger(), testConfig(), media.NewLayout(media.LayoutScreenOnly))
	require.NoError(t, c.Start())
	c.Stop()
	// Idempotent.
	c.Stop()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-c.Output():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestCompositorLayoutSwitchIsRecorded(t *testing.T) {
	c := New(hclog.NewNullLogger(), testConfig(), media.NewLayout(media.LayoutPictureInPicture))

	var switchPTS atomic.Int64
	switchPTS.Store(-1)
	c.OnLayoutChange = func(pts int64, layout media.Layout) {
		if layout.Variant == media.LayoutSideBySide {
			switchPTS.Store(pts)
		}
	}
	require.NoError(t, c.Start())
	defer c.Stop()

	// Let a few frames render under the initial layout.
	for i := 0; i < 3; i++ {
		<-c.Output()
	}
	require.NoError(t, c.SetLayout(media.NewLayout(media.LayoutSideBySide)))

	require.Eventually(t, func() bool { return switchPTS.Load() >= 0 },
		time.Second, 5*time.Millisecond)

	history := c.LayoutHistory()
	require.Len(t, history, 2)
	assert.Equal(t, media.LayoutPictureInPicture, history[0].Layout.Variant)
	assert.Equal(t, int64(0), history[0].PTS)
	assert.Equal(t, media.LayoutSideBySide, history[1].Layout.Variant)
	assert.Equal(t, switchPTS.Load(), history[1].PTS)
	assert.Greater(t, history[1].PTS, history[0].PTS)

	// The output keeps flowing across the switch.
	select {
	case <-c.Output():
	case <-time.After(time.Second):
		t.Fatal("output stalled after layout switch")
	}
}

func TestCompositorMissingRegionRendersBackground(t *testing.T) {
	c := New(hclog.NewNullLogger(), testConfig(), media.NewLayout(media.LayoutCameraOnly))
	require.NoError(t, c.Start())
	defer c.Stop()

	frame := <-c.Output()
	// No source attached: the corner is plain background and the
	// center carries the missing-source indicator.
	assert.Equal(t, backgroundColor, frame.Image.RGBAAt(0, 0))
	assert.Equal(t, indicatorColor, frame.Image.RGBAAt(32, 18))
}

func TestCompositorRendersAttachedSource(t *testing.T) {
	sources := newTestSources(t)
	cam, err := sources.AcquireCamera(source.Constraints{})
	require.NoError(t, err)

	c := New(hclog.NewNullLogger(), testConfig(), media.NewLayout(media.LayoutCameraOnly))
	require.NoError(t, c.AddSource(cam))
	require.NoError(t, c.Start())
	defer c.Stop()

	require.Eventually(t, func() bool {
		select {
		case frame := <-c.Output():
			return frame.Image.RGBAAt(2, 2) != backgroundColor
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond, "camera content never reached the composite")
}

func TestCompositorRemoveSourceFallsBack(t *testing.T) {
	sources := newTestSources(t)
	cam, err := sources.AcquireCamera(source.Constraints{})
	require.NoError(t, err)

	c := New(hclog.NewNullLogger(), testConfig(), media.NewLayout(media.LayoutCameraOnly))
	require.NoError(t, c.AddSource(cam))
	require.NoError(t, c.Start())
	defer c.Stop()

	c.RemoveSource(cam.ID)
	require.Eventually(t, func() bool {
		select {
		case frame := <-c.Output():
			return frame.Image.RGBAAt(0, 0) == backgroundColor
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)
}

func TestCompositorRejectsAudioOnlySource(t *testing.T) {
	sources := newTestSources(t)
	mic, err := sources.AcquireMicrophone(source.Constraints{})
	require.NoError(t, err)

	c := New(hclog.NewNullLogger(), testConfig(), media.NewLayout(media.LayoutCameraOnly))
	assert.Error(t, c.AddSource(mic))
}

func TestCompositorReconfigureKeepsRunning(t *testing.T) {
	c := New(hclog.NewNullLogger(), testConfig(), media.NewLayout(media.LayoutScreenOnly))
	require.NoError(t, c.Start())
	defer c.Stop()

	<-c.Output()
	c.Reconfigure(OutputConfig{Width: 64, Height: 36, FPS: 15})
	// A second reconfigure while one is pending keeps the latest.
	c.Reconfigure(OutputConfig{Width: 64, Height: 36, FPS: 15})

	require.Eventually(t, func() bool {
		select {
		case frame := <-c.Output():
			return frame.Image.Bounds().Dx() == 64
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)
}
