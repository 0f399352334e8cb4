// Package trim produces a new blob containing only a requested
// interval of a recording. Trimming works at the container level:
// blocks inside the window are re-muxed with rebased timestamps, and
// the cut-in point snaps to the nearest preceding video keyframe when
// the requested start is not independently decodable.
package trim

import (
	"bytes"
	"fmt"

	"github.com/educast/studio/internal/media"
	"github.com/educast/studio/internal/media/ebml"
)

// Interval is a trim window in milliseconds from recording start
type Interval struct {
	StartMs int64 `json:"start_ms"`
	EndMs   int64 `json:"end_ms"`
}

// Duration returns the window length in milliseconds
func (iv Interval) Duration() int64 {
	return iv.EndMs - iv.StartMs
}

// Result carries the trimmed blob and cut accuracy metadata
type Result struct {
	Blob *media.Blob `json:"-"`
	// SeekInaccurate is true when the cut-in snapped to a preceding
	// keyframe instead of the requested start.
	SeekInaccurate bool `json:"seek_inaccurate"`
	// DriftMs is how far before the requested start the first video
	// frame of the output lies. Zero when the seek was exact.
	DriftMs int64 `json:"drift_ms"`
	// NoOp is true when the window covered the whole recording and
	// the input blob was returned unchanged.
	NoOp bool `json:"no_op"`
}

// Trim extracts [iv.StartMs, iv.EndMs] from the blob. A window
// covering the full recording is a no-op returning the input blob
// object unchanged.
func Trim(blob *media.Blob, iv Interval) (*Result, error) {
	if iv.StartMs < 0 || iv.StartMs >= iv.EndMs {
		return nil, fmt.Errorf("invalid trim interval [%d, %d]", iv.StartMs, iv.EndMs)
	}
	if iv.EndMs > blob.ApproxDurationMs {
		return nil, fmt.Errorf("trim end %d ms beyond recording duration %d ms", iv.EndMs, blob.ApproxDurationMs)
	}
	if iv.Duration() < media.MinimumTrimDuration.Milliseconds() {
		return nil, fmt.Errorf("trim interval shorter than %s", media.MinimumTrimDuration)
	}
	if iv.StartMs == 0 && iv.EndMs >= blob.ApproxDurationMs {
		return &Result{Blob: blob, NoOp: true}, nil
	}

	doc, err := ebml.Parse(blob.Data)
	if err != nil {
		return nil, fmt.Errorf("parse recording: %w", err)
	}
	if len(doc.Tracks) == 0 {
		return nil, fmt.Errorf("recording has no tracks")
	}

	videoTrack, hasVideo := findTrack(doc, ebml.TrackTypeVideo)
	if !hasVideo {
		return nil, fmt.Errorf("recording has no video track")
	}

	// Seek: the cut-in is the latest video keyframe at or before the
	// requested start.
	cutIn, found := seekKeyframe(doc, videoTrack, iv.StartMs)
	if !found {
		return nil, fmt.Errorf("no keyframe at or before %d ms", iv.StartMs)
	}

	var out bytes.Buffer
	muxer := ebml.NewMuxer(&out, "educast-studio", doc.Tracks)
	if err := muxer.Start(); err != nil {
		return nil, fmt.Errorf("start trim muxer: %w", err)
	}

	for _, cluster := range doc.Clusters {
		for _, block := range cluster.Blocks {
			if block.PTS < cutIn || block.PTS > iv.EndMs {
				continue
			}
			// Audio is windowed to the same interval as video.
			rebased := block.PTS - cutIn
			if err := muxer.WriteBlock(block.Track, rebased, block.Keyframe, block.Data); err != nil {
				return nil, fmt.Errorf("write trimmed block: %w", err)
			}
		}
	}
	if _, err := muxer.Finalize(); err != nil {
		return nil, fmt.Errorf("finalize trim: %w", err)
	}

	trimmed := &media.Blob{
		Data:             out.Bytes(),
		Container:        blob.Container,
		VideoCodec:       blob.VideoCodec,
		AudioCodec:       blob.AudioCodec,
		ApproxDurationMs: iv.EndMs - cutIn,
	}
	result := &Result{Blob: trimmed}
	if cutIn < iv.StartMs {
		result.SeekInaccurate = true
		result.DriftMs = iv.StartMs - cutIn
	}
	return result, nil
}

// findTrack returns the number of the first track of the given type
func findTrack(doc *ebml.Document, trackType int) (uint64, bool) {
	for _, t := range doc.Tracks {
		if t.Type == trackType {
			return t.Number, true
		}
	}
	return 0, false
}

// seekKeyframe returns the pts of the latest video keyframe at or
// before startMs.
func seekKeyframe(doc *ebml.Document, videoTrack uint64, startMs int64) (int64, bool) {
	best := int64(-1)
	for _, cluster := range doc.Clusters {
		for _, block := range cluster.Blocks {
			if block.Track != videoTrack || !block.Keyframe {
				continue
			}
			if block.PTS <= startMs && block.PTS > best {
				best = block.PTS
			}
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}
