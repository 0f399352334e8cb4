// Package repair normalizes recorded blobs so the canonical EBML
// document header is present for downstream remuxers. Some capture
// paths emit a nonstandard preamble before the first Segment; this
// package splices the canonical header in front of it.
package repair

import (
	"github.com/educast/studio/internal/media"
	"github.com/educast/studio/internal/media/ebml"
)

// scanLimit bounds how far into a damaged blob the Segment element is
// searched for.
const scanLimit = 4096

// Result describes what the repairer did
type Result struct {
	// Repaired is true when a canonical header was spliced in
	Repaired bool `json:"repaired"`
	// Unverified is true when the blob could not be recognized and
	// was returned unchanged.
	Unverified bool `json:"unverified"`
	// SegmentOffset is the offset of the Segment element in the
	// returned blob, when one was located.
	SegmentOffset int `json:"segment_offset"`
	// HeaderBytes is the size of the spliced header, zero when the
	// blob passed through unchanged.
	HeaderBytes int `json:"header_bytes"`
}

// Repair returns a blob whose leading bytes are the canonical EBML
// header. The input blob is never modified; output is deterministic
// for the same input, and repairing an already-repaired blob returns
// it unchanged. Repair never fails: an unrecognizable blob is
// returned as-is with Unverified set.
func Repair(blob *media.Blob) (*media.Blob, Result) {
	data := blob.Data
	if len(data) == 0 {
		return blob, Result{Unverified: true}
	}

	if ebml.HasCanonicalHeader(data) {
		offset, _ := ebml.FindSegment(data, scanLimit)
		return blob, Result{SegmentOffset: offset}
	}

	offset, found := ebml.FindSegment(data, scanLimit)
	if !found {
		return blob, Result{Unverified: true}
	}

	// Bytes before the located Segment are a nonstandard preamble no
	// parser can use; they are not carried into the output.
	header := ebml.CanonicalHeader()
	out := make([]byte, 0, len(header)+len(data)-offset)
	out = append(out, header...)
	out = append(out, data[offset:]...)

	repaired := &media.Blob{
		Data:             out,
		Container:        blob.Container,
		VideoCodec:       blob.VideoCodec,
		AudioCodec:       blob.AudioCodec,
		ApproxDurationMs: blob.ApproxDurationMs,
	}
	return repaired, Result{
		Repaired:      true,
		SegmentOffset: len(header),
		HeaderBytes:   len(header),
	}
}
