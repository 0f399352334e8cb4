// Package media defines the shared value types of the recording
// engine: frames, audio chunks, blobs, layouts, and quality profiles.
package media

import (
	"image"
	"time"
)

// SourceKind identifies what a capture source provides
type SourceKind string

const (
	SourceCamera     SourceKind = "camera"
	SourceScreen     SourceKind = "screen"
	SourceMicrophone SourceKind = "microphone"
)

// HasVideo reports whether sources of this kind carry a video track
func (k SourceKind) HasVideo() bool {
	return k == SourceCamera || k == SourceScreen
}

// HasAudio reports whether sources of this kind may carry an audio track
func (k SourceKind) HasAudio() bool {
	return k == SourceCamera || k == SourceScreen || k == SourceMicrophone
}

// Container identifies the recorded container format
type Container string

const (
	ContainerWebM Container = "webm"
	ContainerMP4  Container = "mp4"
)

// MimeType returns the MIME type for the container
func (c Container) MimeType() string {
	switch c {
	case ContainerMP4:
		return "video/mp4"
	default:
		return "video/webm"
	}
}

// Video codecs declared in recorded containers
const (
	CodecVP8  = "vp8"
	CodecVP9  = "vp9"
	CodecAVC1 = "avc1"
)

// Audio codecs declared in recorded containers
const (
	CodecOpus = "opus"
	CodecAAC  = "aac"
)

// Frame is a single decoded video frame with its presentation
// timestamp in milliseconds from the start of the recording.
type Frame struct {
	Image *image.RGBA
	PTS   int64
}

// AudioChunk is a block of interleaved PCM samples with its
// presentation timestamp in milliseconds from the start of the
// recording.
type AudioChunk struct {
	Samples    []int16
	Channels   int
	SampleRate int
	PTS        int64
}

// DurationMs returns the playable duration of the chunk
func (c AudioChunk) DurationMs() int64 {
	if c.Channels == 0 || c.SampleRate == 0 {
		return 0
	}
	frames := len(c.Samples) / c.Channels
	return int64(frames) * 1000 / int64(c.SampleRate)
}

// Blob is a finalized recorded artifact
type Blob struct {
	Data             []byte    `json:"-"`
	Container        Container `json:"container"`
	VideoCodec       string    `json:"video_codec"`
	AudioCodec       string    `json:"audio_codec"`
	ApproxDurationMs int64     `json:"approx_duration_ms"`
}

// SizeBytes returns the size of the blob payload
func (b *Blob) SizeBytes() int64 {
	return int64(len(b.Data))
}

// MinimumViableBlobBytes is the smallest blob the recorder will
// finalize; anything below this is treated as a failed recording.
const MinimumViableBlobBytes = 5 * 1024

// MinimumRecordingDuration is the shortest recording the recorder
// will finalize.
const MinimumRecordingDuration = time.Second

// MinimumTrimDuration is the shortest interval the trimmer accepts.
const MinimumTrimDuration = 500 * time.Millisecond

// MaximumUploadBytes bounds the artifact size accepted for upload.
const MaximumUploadBytes = 2 << 30

// LayoutEntry records a layout switch against the recording clock
type LayoutEntry struct {
	PTS    int64  `json:"pts"`
	Layout Layout `json:"layout"`
}

// SlideCue records a slide transition against the recording clock
type SlideCue struct {
	PTS        int64 `json:"pts"`
	SlideIndex int   `json:"slide_index"`
}

// RecordingSession describes one recording from start to finalize.
// Layout history and slide cues share the recording's monotonic pts
// space.
type RecordingSession struct {
	ID             string         `json:"id"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	SourcesUsed    []SourceKind   `json:"sources_used"`
	LayoutHistory  []LayoutEntry  `json:"layout_history"`
	SlideCues      []SlideCue     `json:"slide_cues"`
	AudioEnabled   bool           `json:"audio_enabled"`
	QualityProfile QualityProfile `json:"quality_profile"`
	BlobRef        string         `json:"blob_ref,omitempty"`
}
