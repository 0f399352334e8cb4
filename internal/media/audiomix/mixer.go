// Package audiomix sums the audio of every active source into one
// output track with per-source gain and mute, and publishes RMS
// levels for metering.
package audiomix

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/educast/studio/internal/media"
	"github.com/educast/studio/internal/media/source"
)

// gainRampMs is how long a newly added input takes to ramp from
// silence to its configured gain, so mid-recording additions do not
// glitch the output.
const gainRampMs = 20

// levelInterval bounds how often RMS levels are recomputed
const levelInterval = time.Second / 30

// chunkMs is the output chunk size
const chunkMs = 20

type input struct {
	handleID string
	track    source.AudioTrack

	mu       sync.Mutex
	gain     float64
	muted    bool
	rms      float64
	rampLeft float64 // fraction of ramp remaining, 1 → 0
	pending  []int16 // mono-ized samples awaiting mixing
}

// effectiveGain returns the gain after mute and ramp
func (in *input) effectiveGain() float64 {
	if in.muted {
		return 0
	}
	return in.gain * (1 - in.rampLeft)
}

// Mixer sums active inputs into one PCM output track
type Mixer struct {
	logger     hclog.Logger
	sampleRate int
	channels   int

	mu      sync.Mutex
	inputs  map[string]*input
	started bool
	stopCh  chan struct{}
	out     chan media.AudioChunk

	lastLevels time.Time
	levels     map[string]float64
}

// NewMixer creates a mixer producing output at the given layout
func NewMixer(logger hclog.Logger, sampleRate, channels int) *Mixer {
	return &Mixer{
		logger:     logger.Named("audio-mixer"),
		sampleRate: sampleRate,
		channels:   channels,
		inputs:     make(map[string]*input),
		out:        make(chan media.AudioChunk, 8),
		levels:     make(map[string]float64),
	}
}

// Start begins producing mixed output chunks
func (m *Mixer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("mixer already started")
	}
	m.started = true
	m.stopCh = make(chan struct{})
	go m.mixLoop(m.stopCh)
	return nil
}

// Stop stops the mixer and closes the output track
func (m *Mixer) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	close(m.stopCh)
}

// Output returns the mixed track. With no inputs the track carries
// silence of the configured channel layout.
func (m *Mixer) Output() <-chan media.AudioChunk {
	return m.out
}

// SampleRate returns the output sample rate
func (m *Mixer) SampleRate() int { return m.sampleRate }

// Channels returns the output channel count
func (m *Mixer) Channels() int { return m.channels }

// AddInput starts mixing a source's audio track. Re-adding an input
// mid-recording ramps its gain from zero.
func (m *Mixer) AddInput(handleID string, track source.AudioTrack) error {
	if track == nil {
		return fmt.Errorf("handle has no audio track")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.inputs[handleID]; exists {
		return fmt.Errorf("input already added: %s", handleID)
	}
	in := &input{handleID: handleID, track: track, gain: 1.0, rampLeft: 1.0}
	m.inputs[handleID] = in
	go m.drain(in)
	m.logger.Debug("input added", "handle_id", handleID)
	return nil
}

// RemoveInput stops mixing an input. Unknown ids are ignored.
func (m *Mixer) RemoveInput(handleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inputs, handleID)
	delete(m.levels, handleID)
}

// SetGain sets an input's gain in [0,1]
func (m *Mixer) SetGain(handleID string, gain float64) error {
	if gain < 0 || gain > 1 {
		return fmt.Errorf("gain out of range: %f", gain)
	}
	m.mu.Lock()
	in, ok := m.inputs[handleID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("input not found: %s", handleID)
	}
	in.mu.Lock()
	in.gain = gain
	in.mu.Unlock()
	return nil
}

// SetMuted mutes or unmutes an input. Mute behaves as gain zero but
// preserves the configured gain for unmute.
func (m *Mixer) SetMuted(handleID string, muted bool) error {
	m.mu.Lock()
	in, ok := m.inputs[handleID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("input not found: %s", handleID)
	}
	in.mu.Lock()
	in.muted = muted
	in.mu.Unlock()
	return nil
}

// Levels returns the post-gain RMS level of each input in [0,1]
func (m *Mixer) Levels() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.levels))
	for id, v := range m.levels {
		out[id] = v
	}
	return out
}

// drain moves an input's track data into its pending buffer until the
// track ends or the input is removed.
func (m *Mixer) drain(in *input) {
	for chunk := range in.track.Chunks() {
		m.mu.Lock()
		_, active := m.inputs[in.handleID]
		m.mu.Unlock()
		if !active {
			return
		}
		mono := downmix(chunk)
		in.mu.Lock()
		in.pending = append(in.pending, mono...)
		// Cap buffered audio at one second to bound memory if the
		// mix loop stalls.
		if max := chunk.SampleRate; len(in.pending) > max {
			in.pending = in.pending[len(in.pending)-max:]
		}
		in.mu.Unlock()
	}
}

// mixLoop emits one mixed chunk per tick
func (m *Mixer) mixLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(chunkMs * time.Millisecond)
	defer ticker.Stop()
	start := time.Now()
	framesPerChunk := m.sampleRate * chunkMs / 1000

	for {
		select {
		case <-stop:
			close(m.out)
			return
		case <-ticker.C:
			chunk := m.mixChunk(framesPerChunk)
			chunk.PTS = time.Since(start).Milliseconds()
			select {
			case m.out <- chunk:
			default: // consumer slow; drop rather than stall
			}
		}
	}
}

// mixChunk sums framesPerChunk frames from every input
func (m *Mixer) mixChunk(frames int) media.AudioChunk {
	m.mu.Lock()
	inputs := make([]*input, 0, len(m.inputs))
	for _, in := range m.inputs {
		inputs = append(inputs, in)
	}
	updateLevels := time.Since(m.lastLevels) >= levelInterval
	if updateLevels {
		m.lastLevels = time.Now()
	}
	m.mu.Unlock()

	mixed := make([]float64, frames)
	rampStep := float64(chunkMs) / gainRampMs

	for _, in := range inputs {
		in.mu.Lock()
		take := frames
		if take > len(in.pending) {
			take = len(in.pending)
		}
		gain := in.effectiveGain()
		var sumSquares float64
		for i := 0; i < take; i++ {
			v := float64(in.pending[i]) / math.MaxInt16 * gain
			mixed[i] += v
			sumSquares += v * v
		}
		in.pending = in.pending[take:]
		if in.rampLeft > 0 {
			in.rampLeft -= rampStep
			if in.rampLeft < 0 {
				in.rampLeft = 0
			}
		}
		if take > 0 {
			in.rms = math.Sqrt(sumSquares / float64(take))
		} else {
			in.rms = 0
		}
		rms := in.rms
		in.mu.Unlock()

		if updateLevels {
			m.mu.Lock()
			m.levels[in.handleID] = rms
			m.mu.Unlock()
		}
	}

	samples := make([]int16, frames*m.channels)
	for i, v := range mixed {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		s := int16(v * math.MaxInt16)
		for ch := 0; ch < m.channels; ch++ {
			samples[i*m.channels+ch] = s
		}
	}
	return media.AudioChunk{
		Samples:    samples,
		Channels:   m.channels,
		SampleRate: m.sampleRate,
	}
}

// downmix folds an input chunk to mono. Inputs are expected to share
// the mixer's sample rate; lesson sources are opened with the same
// constraints.
func downmix(chunk media.AudioChunk) []int16 {
	if chunk.Channels <= 0 {
		return nil
	}
	frames := len(chunk.Samples) / chunk.Channels
	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for ch := 0; ch < chunk.Channels; ch++ {
			sum += int(chunk.Samples[i*chunk.Channels+ch])
		}
		mono[i] = int16(sum / chunk.Channels)
	}
	return mono
}
