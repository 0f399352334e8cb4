// Package compositor produces a single output video track at a fixed
// frame rate from the video tracks of the acquired sources, laid out
// according to the active layout.
package compositor

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/hashicorp/go-hclog"

	"github.com/educast/studio/internal/media"
	"github.com/educast/studio/internal/media/source"
)

// OutputConfig is the composite output geometry
type OutputConfig struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	FPS    int `json:"fps"`
}

// backgroundColor fills the frame and any region whose source is
// missing.
var backgroundColor = color.RGBA{R: 24, G: 24, B: 28, A: 255}

// indicatorColor marks a region whose source is absent, so a viewer
// can tell a dead region from plain background.
var indicatorColor = color.RGBA{R: 64, G: 64, B: 72, A: 255}

type sourceState struct {
	handleID string
	role     media.SourceRole
	track    source.VideoTrack

	mu   sync.Mutex
	last *image.RGBA
	gone bool
}

// Compositor drives the draw loop. The output never stalls: slow
// inputs repeat their last frame, absent inputs render as background
// with an indicator.
type Compositor struct {
	logger hclog.Logger

	mu       sync.Mutex
	cfg      OutputConfig
	layout   media.Layout
	pending  *media.Layout
	sources  map[media.SourceRole]*sourceState
	running  bool
	stopCh   chan struct{}
	reconfig chan OutputConfig

	out chan media.Frame
	pts int64

	history []media.LayoutEntry
	perf    *perfMonitor

	// OnDegraded, when set, is called once per sustained episode of
	// output below the fps threshold.
	OnDegraded func(stats PerfStats)
	// OnLayoutChange, when set, is called with the pts of the first
	// frame drawn under the new layout.
	OnLayoutChange func(pts int64, layout media.Layout)
}

// New creates a compositor with an initial layout
func New(logger hclog.Logger, cfg OutputConfig, layout media.Layout) *Compositor {
	return &Compositor{
		logger:   logger.Named("compositor"),
		cfg:      cfg,
		layout:   layout,
		sources:  make(map[media.SourceRole]*sourceState),
		out:      make(chan media.Frame, 4),
		reconfig: make(chan OutputConfig, 1),
		perf:     newPerfMonitor(),
	}
}

// Start begins the draw loop
func (c *Compositor) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("compositor already started")
	}
	if !c.layout.Valid() {
		return fmt.Errorf("invalid layout: placements outside unit square")
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.history = append(c.history, media.LayoutEntry{PTS: 0, Layout: c.layout})
	go c.drawLoop(c.stopCh)
	c.logger.Info("compositor started", "width", c.cfg.Width, "height", c.cfg.Height, "fps", c.cfg.FPS)
	return nil
}

// Stop halts the draw loop and closes the output track
func (c *Compositor) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)
}

// Output returns the composite track
func (c *Compositor) Output() <-chan media.Frame {
	return c.out
}

// SetLayout stages a layout switch. It takes effect at the next frame
// boundary; no frame is drawn with a mix of old and new placements.
func (c *Compositor) SetLayout(layout media.Layout) error {
	if !layout.Valid() {
		return fmt.Errorf("invalid layout: placements outside unit square")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = &layout
	return nil
}

// Reconfigure applies a new output geometry without restarting the
// pipeline, used when the application reduces quality in response to
// degradation.
func (c *Compositor) Reconfigure(cfg OutputConfig) {
	select {
	case c.reconfig <- cfg:
	default:
		// A previous reconfigure is still pending; the latest one
		// wins when the loop drains the channel.
		<-c.reconfig
		c.reconfig <- cfg
	}
}

// AddSource attaches a handle's video track to its role's region.
// Audio-only handles are rejected.
func (c *Compositor) AddSource(handle *source.Handle) error {
	track := handle.Video()
	if track == nil {
		return fmt.Errorf("source %s has no video track", handle.Kind)
	}
	role := media.RoleCamera
	if handle.Kind == media.SourceScreen {
		role = media.RoleScreen
	}
	state := &sourceState{handleID: handle.ID, role: role, track: track}
	c.mu.Lock()
	c.sources[role] = state
	c.mu.Unlock()
	go c.drainFrames(state)
	c.logger.Debug("source attached", "role", role, "handle_id", handle.ID)
	return nil
}

// RemoveSource detaches a source by handle id. The region falls back
// to background on the next frame.
func (c *Compositor) RemoveSource(handleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for role, state := range c.sources {
		if state.handleID == handleID {
			state.mu.Lock()
			state.gone = true
			state.mu.Unlock()
			delete(c.sources, role)
			return
		}
	}
}

// LayoutHistory returns layout switches in pts order
func (c *Compositor) LayoutHistory() []media.LayoutEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]media.LayoutEntry, len(c.history))
	copy(out, c.history)
	return out
}

// Stats returns the current performance snapshot
func (c *Compositor) Stats() PerfStats {
	return c.perf.snapshot()
}

// drainFrames caches the latest frame of one source
func (c *Compositor) drainFrames(state *sourceState) {
	for frame := range state.track.Frames() {
		state.mu.Lock()
		if state.gone {
			state.mu.Unlock()
			return
		}
		state.last = frame.Image
		state.mu.Unlock()
	}
	// Track ended: keep the last frame cached. The manager decides
	// whether the source is lost; the region keeps rendering until
	// RemoveSource.
}

// drawLoop renders at the target rate. pts advances by exactly one
// frame interval per tick, so composite pts is strictly increasing
// regardless of wall-clock jitter.
func (c *Compositor) drawLoop(stop <-chan struct{}) {
	c.mu.Lock()
	fps := c.cfg.FPS
	c.mu.Unlock()

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	startedAt := time.Now()

	for {
		select {
		case <-stop:
			close(c.out)
			return
		case cfg := <-c.reconfig:
			c.mu.Lock()
			c.cfg = cfg
			c.mu.Unlock()
			if cfg.FPS != fps && cfg.FPS > 0 {
				fps = cfg.FPS
				ticker.Reset(time.Second / time.Duration(fps))
			}
			c.logger.Info("output reconfigured", "width", cfg.Width, "height", cfg.Height, "fps", cfg.FPS)
		case <-ticker.C:
			c.renderFrame(fps)
			if stats, degraded := c.perf.checkDegraded(time.Now(), startedAt); degraded {
				c.logger.Warn("performance degraded", "fps", stats.FPS, "dropped", stats.DroppedFrames, "cpu", stats.CPUPercent)
				if c.OnDegraded != nil {
					c.OnDegraded(stats)
				}
			}
		}
	}
}

// renderFrame draws one composite frame and delivers it
func (c *Compositor) renderFrame(fps int) {
	c.mu.Lock()
	if c.pending != nil {
		c.layout = *c.pending
		c.pending = nil
		c.history = append(c.history, media.LayoutEntry{PTS: c.pts, Layout: c.layout})
		if c.OnLayoutChange != nil {
			// Called outside the render path would race with stop;
			// the callback must be cheap.
			go c.OnLayoutChange(c.pts, c.layout)
		}
	}
	cfg := c.cfg
	layout := c.layout
	states := make(map[media.SourceRole]*sourceState, len(c.sources))
	for role, s := range c.sources {
		states[role] = s
	}
	pts := c.pts
	c.pts += int64(1000 / fps)
	c.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: backgroundColor}, image.Point{}, draw.Src)

	// Screen renders under camera when both are placed.
	for _, role := range []media.SourceRole{media.RoleScreen, media.RoleCamera} {
		rect, placed := layout.Placements[role]
		if !placed {
			continue
		}
		region := image.Rect(
			int(rect.X*float64(cfg.Width)),
			int(rect.Y*float64(cfg.Height)),
			int((rect.X+rect.W)*float64(cfg.Width)),
			int((rect.Y+rect.H)*float64(cfg.Height)),
		)
		state := states[role]
		var latest *image.RGBA
		if state != nil {
			state.mu.Lock()
			latest = state.last
			state.mu.Unlock()
		}
		if latest == nil {
			drawMissingRegion(img, region)
			continue
		}
		scaled := imaging.Resize(latest, region.Dx(), region.Dy(), imaging.Linear)
		draw.Draw(img, region, scaled, image.Point{}, draw.Src)
	}

	frame := media.Frame{Image: img, PTS: pts}
	now := time.Now()
	select {
	case c.out <- frame:
		c.perf.recordRender(now)
	default:
		c.perf.recordDrop(now)
	}
}

// drawMissingRegion fills an unbacked region with background plus a
// subtle centered indicator.
func drawMissingRegion(img *image.RGBA, region image.Rectangle) {
	draw.Draw(img, region, &image.Uniform{C: backgroundColor}, image.Point{}, draw.Src)
	w, h := region.Dx()/8, region.Dy()/8
	cx, cy := region.Min.X+region.Dx()/2, region.Min.Y+region.Dy()/2
	marker := image.Rect(cx-w/2, cy-h/2, cx+w/2, cy+h/2)
	draw.Draw(img, marker, &image.Uniform{C: indicatorColor}, image.Point{}, draw.Src)
}
