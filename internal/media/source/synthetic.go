package source

import (
	"image"
	"image/color"
	"math"
	"sync"
	"time"

	"github.com/educast/studio/internal/media"
)

// SyntheticOpener opens deterministic in-process captures: a moving
// test pattern for video kinds and a sine tone for audio. Used by the
// service's demo mode and the test suite. Fail can be set per kind to
// exercise acquisition error paths.
type SyntheticOpener struct {
	Width      int
	Height     int
	FrameRate  int
	SampleRate int
	Channels   int

	mu   sync.Mutex
	Fail map[media.SourceKind]error
}

// Open acquires a synthetic capture of the requested kind
func (o *SyntheticOpener) Open(kind media.SourceKind, constraints Constraints) (Capture, error) {
	o.mu.Lock()
	err := o.Fail[kind]
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}

	width, height, fps := o.Width, o.Height, o.FrameRate
	if constraints.Width > 0 {
		width = constraints.Width
	}
	if constraints.Height > 0 {
		height = constraints.Height
	}
	if constraints.FrameRate > 0 {
		fps = constraints.FrameRate
	}
	if width == 0 {
		width, height, fps = 1280, 720, 30
	}
	rate, channels := o.SampleRate, o.Channels
	if constraints.SampleRate > 0 {
		rate = constraints.SampleRate
	}
	if rate == 0 {
		rate, channels = 48000, 2
	}
	if channels == 0 {
		channels = 2
	}

	c := &syntheticCapture{
		kind: kind,
		done: make(chan struct{}),
	}
	if kind.HasVideo() {
		c.video = newPatternTrack(kind, width, height, fps, c.done)
	}
	if kind == media.SourceMicrophone || kind == media.SourceScreen {
		c.audio = newToneTrack(kind, rate, channels, c.done)
	} else if kind == media.SourceCamera && constraints.Channels > 0 {
		c.audio = newToneTrack(kind, rate, constraints.Channels, c.done)
	}
	return c, nil
}

// FailWith arranges for the next Open of kind to fail with err
func (o *SyntheticOpener) FailWith(kind media.SourceKind, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Fail == nil {
		o.Fail = make(map[media.SourceKind]error)
	}
	o.Fail[kind] = err
}

type syntheticCapture struct {
	kind  media.SourceKind
	video *patternTrack
	audio *toneTrack

	closeOnce sync.Once
	done      chan struct{}
}

func (c *syntheticCapture) Kind() media.SourceKind { return c.kind }

func (c *syntheticCapture) Video() VideoTrack {
	if c.video == nil {
		return nil
	}
	return c.video
}

func (c *syntheticCapture) Audio() AudioTrack {
	if c.audio == nil {
		return nil
	}
	return c.audio
}

func (c *syntheticCapture) Done() <-chan struct{} { return c.done }

func (c *syntheticCapture) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// EndFromDevice simulates the OS ending the capture (screen share
// stop button, device unplug).
func (c *syntheticCapture) EndFromDevice() {
	c.Close()
}

// EndFromDevice simulates the device-side end of a handle's capture.
// Only synthetic captures support this; other captures ignore it.
func EndFromDevice(h *Handle) {
	if c, ok := h.capture.(*syntheticCapture); ok {
		c.EndFromDevice()
	}
}

// patternTrack renders a moving color pattern at the configured rate
type patternTrack struct {
	frames chan media.Frame
}

func newPatternTrack(kind media.SourceKind, width, height, fps int, done <-chan struct{}) *patternTrack {
	t := &patternTrack{frames: make(chan media.Frame, 4)}
	go func() {
		defer close(t.frames)
		interval := time.Second / time.Duration(fps)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		start := time.Now()
		seq := 0
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				frame := media.Frame{
					Image: renderPattern(kind, width, height, seq),
					PTS:   time.Since(start).Milliseconds(),
				}
				seq++
				select {
				case t.frames <- frame:
				default: // consumer is slow, drop
				}
			}
		}
	}()
	return t
}

func (t *patternTrack) Frames() <-chan media.Frame { return t.frames }

// renderPattern draws a solid base hue per kind with a moving bar so
// consecutive frames differ.
func renderPattern(kind media.SourceKind, width, height, seq int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	base := color.RGBA{R: 32, G: 48, B: 96, A: 255}
	if kind == media.SourceScreen {
		base = color.RGBA{R: 40, G: 40, B: 40, A: 255}
	}
	barX := (seq * 8) % width
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := base
			if x >= barX && x < barX+16 {
				c = color.RGBA{R: 220, G: 220, B: 80, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// toneTrack produces a 440 Hz sine in 20 ms chunks
type toneTrack struct {
	chunks     chan media.AudioChunk
	sampleRate int
	channels   int
}

func newToneTrack(kind media.SourceKind, sampleRate, channels int, done <-chan struct{}) *toneTrack {
	t := &toneTrack{
		chunks:     make(chan media.AudioChunk, 8),
		sampleRate: sampleRate,
		channels:   channels,
	}
	go func() {
		defer close(t.chunks)
		const chunkMs = 20
		framesPerChunk := sampleRate * chunkMs / 1000
		ticker := time.NewTicker(chunkMs * time.Millisecond)
		defer ticker.Stop()
		start := time.Now()
		phase := 0.0
		freq := 440.0
		if kind == media.SourceScreen {
			freq = 220.0 // system audio gets a distinct tone
		}
		step := 2 * math.Pi * freq / float64(sampleRate)
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				samples := make([]int16, framesPerChunk*channels)
				for i := 0; i < framesPerChunk; i++ {
					v := int16(math.Sin(phase) * 8000)
					phase += step
					for ch := 0; ch < channels; ch++ {
						samples[i*channels+ch] = v
					}
				}
				chunk := media.AudioChunk{
					Samples:    samples,
					Channels:   channels,
					SampleRate: sampleRate,
					PTS:        time.Since(start).Milliseconds(),
				}
				select {
				case t.chunks <- chunk:
				default:
				}
			}
		}
	}()
	return t
}

func (t *toneTrack) Chunks() <-chan media.AudioChunk { return t.chunks }
func (t *toneTrack) SampleRate() int                 { return t.sampleRate }
func (t *toneTrack) Channels() int                   { return t.channels }
