package audiomix

import (
	"math"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/educast/studio/internal/media"
)

type fakeTrack struct {
	ch         chan media.AudioChunk
	sampleRate int
	channels   int
}

func newFakeTrack(sampleRate, channels int) *fakeTrack {
	return &fakeTrack{ch: make(chan media.AudioChunk, 16), sampleRate: sampleRate, channels: channels}
}

func (f *fakeTrack) Chunks() <-chan media.AudioChunk { return f.ch }
func (f *fakeTrack) SampleRate() int                 { return f.sampleRate }
func (f *fakeTrack) Channels() int                   { return f.channels }

func newTestMixer() *Mixer {
	return NewMixer(hclog.NewNullLogger(), 48000, 2)
}

// addPending registers an input with buffered samples, skipping the
// track drain goroutine so tests stay deterministic.
func addPending(m *Mixer, id string, samples []int16) *input {
	in := &input{handleID: id, gain: 1.0, pending: samples}
	m.mu.Lock()
	m.inputs[id] = in
	m.mu.Unlock()
	return in
}

func constSamples(n int, v int16) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestDownmixAveragesChannels(t *testing.T) {
	chunk := media.AudioChunk{
		Samples:  []int16{100, 300, -200, 200, 0, 0},
		Channels: 2,
	}
	mono := downmix(chunk)
	assert.Equal(t, []int16{200, 0, 0}, mono)
}

func TestDownmixMonoPassthrough(t *testing.T) {
	chunk := media.AudioChunk{Samples: []int16{1, 2, 3}, Channels: 1}
	assert.Equal(t, []int16{1, 2, 3}, downmix(chunk))
}

func TestDownmixInvalidChannels(t *testing.T) {
	assert.Nil(t, downmix(media.AudioChunk{Samples: []int16{1}, Channels: 0}))
}

func TestMixChunkAppliesGain(t *testing.T) {
	m := newTestMixer()
	in := addPending(m, "mic", constSamples(960, 16384))
	require.NoError(t, m.SetGain("mic", 0.5))
	in.rampLeft = 0

	chunk := m.mixChunk(960)
	require.Len(t, chunk.Samples, 960*2)
	// 16384/32767 * 0.5 ≈ 0.25 full scale, interleaved to both
	// channels.
	want := int16(float64(16384) / math.MaxInt16 * 0.5 * math.MaxInt16)
	assert.InDelta(t, want, chunk.Samples[0], 1)
	assert.Equal(t, chunk.Samples[0], chunk.Samples[1])
}

func TestMixChunkMutePreservesGain(t *testing.T) {
	m := newTestMixer()
	in := addPending(m, "mic", constSamples(960, 10000))
	in.rampLeft = 0
	require.NoError(t, m.SetMuted("mic", true))

	chunk := m.mixChunk(960)
	for _, s := range chunk.Samples[:8] {
		assert.Zero(t, s)
	}

	// Unmuting restores the configured gain, not zero.
	require.NoError(t, m.SetMuted("mic", false))
	in.mu.Lock()
	assert.Equal(t, 1.0, in.gain)
	in.mu.Unlock()
}

func TestMixChunkClampsSum(t *testing.T) {
	m := newTestMixer()
	for _, id := range []string{"a", "b"} {
		in := addPending(m, id, constSamples(960, math.MaxInt16))
		in.rampLeft = 0
	}
	chunk := m.mixChunk(960)
	assert.Equal(t, int16(math.MaxInt16), chunk.Samples[0])
}

func TestMixChunkRampsNewInput(t *testing.T) {
	m := newTestMixer()
	addPending(m, "mic", constSamples(1920, 16384)).rampLeft = 1.0

	// First chunk is silent while the ramp opens.
	first := m.mixChunk(960)
	assert.Zero(t, first.Samples[0])

	// One chunk covers the full ramp window, so the second chunk is
	// at configured gain.
	second := m.mixChunk(960)
	assert.NotZero(t, second.Samples[0])
}

func TestMixChunkSilenceWithNoInputs(t *testing.T) {
	m := newTestMixer()
	chunk := m.mixChunk(960)
	require.Len(t, chunk.Samples, 960*2)
	for _, s := range chunk.Samples {
		require.Zero(t, s)
	}
	assert.Equal(t, 48000, chunk.SampleRate)
	assert.Equal(t, 2, chunk.Channels)
}

func TestLevels(t *testing.T) {
	m := newTestMixer()
	in := addPending(m, "mic", constSamples(960, 16384))
	in.rampLeft = 0
	addPending(m, "system", constSamples(960, 0)).rampLeft = 0

	m.mixChunk(960)
	levels := m.Levels()
	require.Contains(t, levels, "mic")
	require.Contains(t, levels, "system")
	assert.InDelta(t, 0.5, levels["mic"], 0.01)
	assert.Zero(t, levels["system"])
}

func TestAddInputValidation(t *testing.T) {
	m := newTestMixer()
	assert.Error(t, m.AddInput("mic", nil))

	track := newFakeTrack(48000, 1)
	require.NoError(t, m.AddInput("mic", track))
	assert.Error(t, m.AddInput("mic", track))
}

func TestSetGainValidation(t *testing.T) {
	m := newTestMixer()
	require.NoError(t, m.AddInput("mic", newFakeTrack(48000, 1)))

	assert.Error(t, m.SetGain("mic", -0.1))
	assert.Error(t, m.SetGain("mic", 1.1))
	assert.Error(t, m.SetGain("ghost", 0.5))
	assert.Error(t, m.SetMuted("ghost", true))
}

func TestRemoveInputClearsLevels(t *testing.T) {
	m := newTestMixer()
	in := addPending(m, "mic", constSamples(960, 16384))
	in.rampLeft = 0
	m.mixChunk(960)
	require.Contains(t, m.Levels(), "mic")

	m.RemoveInput("mic")
	assert.NotContains(t, m.Levels(), "mic")
	// Removing twice is a no-op.
	m.RemoveInput("mic")
}

func TestDrainBuffersTrackAudio(t *testing.T) {
	m := newTestMixer()
	track := newFakeTrack(48000, 2)
	require.NoError(t, m.AddInput("mic", track))

	track.ch <- media.AudioChunk{
		Samples:    constSamples(960*2, 8000),
		Channels:   2,
		SampleRate: 48000,
	}
	close(track.ch)

	require.Eventually(t, func() bool {
		m.mu.Lock()
		in := m.inputs["mic"]
		m.mu.Unlock()
		in.mu.Lock()
		defer in.mu.Unlock()
		return len(in.pending) == 960
	}, time.Second, 5*time.Millisecond)
}

func TestStartStopClosesOutput(t *testing.T) {
	m := newTestMixer()
	require.NoError(t, m.Start())
	assert.Error(t, m.Start())

	// Output produces chunks while running.
	select {
	case chunk := <-m.Output():
		assert.Equal(t, 2, chunk.Channels)
	case <-time.After(time.Second):
		t.Fatal("no mixed chunk produced")
	}

	m.Stop()
	// Stop is idempotent and the output channel closes.
	m.Stop()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-m.Output():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
