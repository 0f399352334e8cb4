// Package ebml implements the subset of EBML framing the recording
// engine needs: variable-length integers, element headers, the
// canonical WebM document header, and cluster/block framing.
package ebml

import (
	"errors"
	"math"
)

// Element IDs used by the WebM container family
const (
	IDEBML               uint32 = 0x1A45DFA3
	IDEBMLVersion        uint32 = 0x4286
	IDEBMLReadVersion    uint32 = 0x42F7
	IDEBMLMaxIDLength    uint32 = 0x42F2
	IDEBMLMaxSizeLength  uint32 = 0x42F3
	IDDocType            uint32 = 0x4282
	IDDocTypeVersion     uint32 = 0x4287
	IDDocTypeReadVersion uint32 = 0x4285

	IDSegment       uint32 = 0x18538067
	IDInfo          uint32 = 0x1549A966
	IDTimecodeScale uint32 = 0x2AD7B1
	IDMuxingApp     uint32 = 0x4D80
	IDWritingApp    uint32 = 0x5741
	IDDuration      uint32 = 0x4489

	IDTracks            uint32 = 0x1654AE6B
	IDTrackEntry        uint32 = 0xAE
	IDTrackNumber       uint32 = 0xD7
	IDTrackUID          uint32 = 0x73C5
	IDTrackType         uint32 = 0x83
	IDCodecID           uint32 = 0x86
	IDVideo             uint32 = 0xE0
	IDPixelWidth        uint32 = 0xB0
	IDPixelHeight       uint32 = 0xBA
	IDAudio             uint32 = 0xE1
	IDSamplingFrequency uint32 = 0xB5
	IDChannels          uint32 = 0x9F

	IDCluster     uint32 = 0x1F43B675
	IDTimecode    uint32 = 0xE7
	IDSimpleBlock uint32 = 0xA3
)

// Track types from the Matroska specification
const (
	TrackTypeVideo = 1
	TrackTypeAudio = 2
)

// UnknownSize is the streaming marker for elements whose size is not
// known when the header is written. Encoded on 8 bytes.
const UnknownSize = int64(-1)

// ErrInvalidVint is returned when a variable-length integer cannot be
// decoded from the input.
var ErrInvalidVint = errors.New("ebml: invalid vint")

// VintWidth returns how many bytes the value needs as a size vint
func VintWidth(value int64) int {
	for width := 1; width <= 8; width++ {
		// Each width reserves one marker bit per byte, and the
		// all-ones pattern is the unknown-size marker.
		if value < (int64(1)<<(7*width))-1 {
			return width
		}
	}
	return 8
}

// AppendVint appends value as a size vint of the given width
func AppendVint(dst []byte, value int64, width int) []byte {
	marker := byte(1 << (8 - width))
	for i := 0; i < width; i++ {
		shift := uint(8 * (width - i - 1))
		b := byte(value >> shift)
		if i == 0 {
			b |= marker
		}
		dst = append(dst, b)
	}
	return dst
}

// AppendUnknownSize appends the 8-byte unknown-size marker
func AppendUnknownSize(dst []byte) []byte {
	return append(dst, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
}

// AppendID appends an element ID. IDs are stored with their marker
// bits included, so they are written out verbatim big-endian.
func AppendID(dst []byte, id uint32) []byte {
	switch {
	case id >= 0x10000000:
		return append(dst, byte(id>>24), byte(id>>16), byte(id>>8), byte(id))
	case id >= 0x200000:
		return append(dst, byte(id>>16), byte(id>>8), byte(id))
	case id >= 0x4000:
		return append(dst, byte(id>>8), byte(id))
	default:
		return append(dst, byte(id))
	}
}

// DecodeVint decodes a size vint from the head of buf, returning the
// value and the number of bytes consumed. The unknown-size marker
// decodes to UnknownSize.
func DecodeVint(buf []byte) (value int64, n int, err error) {
	if len(buf) == 0 {
		return 0, 0, ErrInvalidVint
	}
	first := buf[0]
	if first == 0 {
		return 0, 0, ErrInvalidVint
	}
	width := 1
	for mask := byte(0x80); mask > 0 && first&mask == 0; mask >>= 1 {
		width++
	}
	if width > 8 || len(buf) < width {
		return 0, 0, ErrInvalidVint
	}
	value = int64(first & (0xFF >> width))
	allOnes := value == int64(0xFF>>width)
	for i := 1; i < width; i++ {
		value = value<<8 | int64(buf[i])
		if buf[i] != 0xFF {
			allOnes = false
		}
	}
	if allOnes {
		return UnknownSize, width, nil
	}
	return value, width, nil
}

// DecodeID decodes an element ID from the head of buf, returning the
// ID with marker bits included and the number of bytes consumed.
func DecodeID(buf []byte) (id uint32, n int, err error) {
	if len(buf) == 0 {
		return 0, 0, ErrInvalidVint
	}
	first := buf[0]
	width := 0
	switch {
	case first&0x80 != 0:
		width = 1
	case first&0x40 != 0:
		width = 2
	case first&0x20 != 0:
		width = 3
	case first&0x10 != 0:
		width = 4
	default:
		return 0, 0, ErrInvalidVint
	}
	if len(buf) < width {
		return 0, 0, ErrInvalidVint
	}
	for i := 0; i < width; i++ {
		id = id<<8 | uint32(buf[i])
	}
	return id, width, nil
}

// AppendElement appends a complete element: ID, size, payload
func AppendElement(dst []byte, id uint32, payload []byte) []byte {
	dst = AppendID(dst, id)
	dst = AppendVint(dst, int64(len(payload)), VintWidth(int64(len(payload))))
	return append(dst, payload...)
}

// AppendUint appends an unsigned integer element using the minimal
// byte width Matroska allows.
func AppendUint(dst []byte, id uint32, value uint64) []byte {
	width := 1
	for v := value >> 8; v > 0; v >>= 8 {
		width++
	}
	payload := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		payload[i] = byte(value)
		value >>= 8
	}
	return AppendElement(dst, id, payload)
}

// AppendFloat appends a 64-bit float element
func AppendFloat(dst []byte, id uint32, value float64) []byte {
	bits := math.Float64bits(value)
	payload := []byte{
		byte(bits >> 56), byte(bits >> 48), byte(bits >> 40), byte(bits >> 32),
		byte(bits >> 24), byte(bits >> 16), byte(bits >> 8), byte(bits),
	}
	return AppendElement(dst, id, payload)
}

// AppendString appends a string element
func AppendString(dst []byte, id uint32, value string) []byte {
	return AppendElement(dst, id, []byte(value))
}
