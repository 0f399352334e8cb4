package recorder

import (
	"fmt"

	"github.com/educast/studio/internal/media"
)

// VideoEncoder turns composite frames into encoded block payloads
type VideoEncoder interface {
	// Encode returns the encoded payload and whether it is a keyframe
	Encode(frame media.Frame) (payload []byte, keyframe bool, err error)
	CodecID() string // Matroska codec id, e.g. V_VP8
	Close() error
}

// AudioEncoder turns PCM chunks into encoded block payloads
type AudioEncoder interface {
	Encode(chunk media.AudioChunk) ([]byte, error)
	CodecID() string
	Close() error
}

// RawVideoEncoder stores frames uncompressed. It exists for the demo
// mode and tests, where determinism matters more than size; real
// recordings use the VPX encoder.
type RawVideoEncoder struct {
	Width  int
	Height int
}

// Encode packs the frame's RGBA pixels verbatim
func (e *RawVideoEncoder) Encode(frame media.Frame) ([]byte, bool, error) {
	img := frame.Image
	if img == nil {
		return nil, false, fmt.Errorf("nil frame image")
	}
	bounds := img.Bounds()
	if bounds.Dx() != e.Width || bounds.Dy() != e.Height {
		return nil, false, fmt.Errorf("frame is %dx%d, expected %dx%d",
			bounds.Dx(), bounds.Dy(), e.Width, e.Height)
	}
	out := make([]byte, len(img.Pix))
	copy(out, img.Pix)
	// Every uncompressed frame is independently decodable.
	return out, true, nil
}

// CodecID returns the uncompressed video codec id
func (e *RawVideoEncoder) CodecID() string { return "V_UNCOMPRESSED" }

// Close is a no-op for the raw encoder
func (e *RawVideoEncoder) Close() error { return nil }

// PCMAudioEncoder passes interleaved samples through as little-endian
// 16-bit PCM blocks.
type PCMAudioEncoder struct{}

// Encode packs the chunk's samples little-endian
func (e *PCMAudioEncoder) Encode(chunk media.AudioChunk) ([]byte, error) {
	out := make([]byte, len(chunk.Samples)*2)
	for i, s := range chunk.Samples {
		out[i*2] = byte(uint16(s))
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out, nil
}

// CodecID returns the PCM codec id
func (e *PCMAudioEncoder) CodecID() string { return "A_PCM/INT/LIT" }

// Close is a no-op for the PCM encoder
func (e *PCMAudioEncoder) Close() error { return nil }

// codecIDFor maps a declared codec name to its Matroska codec id
func codecIDFor(codec string) string {
	switch codec {
	case media.CodecVP8:
		return "V_VP8"
	case media.CodecVP9:
		return "V_VP9"
	case media.CodecAVC1:
		return "V_MPEG4/ISO/AVC"
	case media.CodecOpus:
		return "A_OPUS"
	case media.CodecAAC:
		return "A_AAC"
	default:
		return codec
	}
}
