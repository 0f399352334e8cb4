package ebml

import (
	"bytes"
	"fmt"
	"math"
)

// Block is one SimpleBlock with its absolute timestamp resolved
type Block struct {
	Track    uint64
	PTS      int64
	Keyframe bool
	Data     []byte
}

// Cluster is a parsed cluster: its timecode and blocks in order
type Cluster struct {
	Timecode int64
	Blocks   []Block
}

// Document is a parsed WebM recording. Only the elements the engine
// operates on are retained; unknown elements are skipped.
type Document struct {
	DocType  string
	Tracks   []TrackInfo
	Clusters []Cluster
}

// DurationMs returns the last block timestamp in the document
func (d *Document) DurationMs() int64 {
	var last int64
	for _, c := range d.Clusters {
		for _, b := range c.Blocks {
			if b.PTS > last {
				last = b.PTS
			}
		}
	}
	return last
}

// segmentMagic is the Segment element ID as raw bytes, used for
// bounded-prefix resynchronization on damaged documents.
var segmentMagic = []byte{0x18, 0x53, 0x80, 0x67}

// ebmlMagic is the EBML document header ID as raw bytes
var ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

// HasCanonicalHeader reports whether data begins with the EBML
// document header signature.
func HasCanonicalHeader(data []byte) bool {
	return bytes.HasPrefix(data, ebmlMagic)
}

// FindSegment scans at most limit bytes for the Segment element ID
// and returns its offset.
func FindSegment(data []byte, limit int) (int, bool) {
	if limit > len(data) {
		limit = len(data)
	}
	idx := bytes.Index(data[:limit], segmentMagic)
	if idx < 0 {
		return 0, false
	}
	return idx, true
}

// Parse reads a WebM document from data. Documents with unknown-size
// segments and clusters are accepted; parsing stops cleanly at a
// truncated tail so partially written recordings remain readable.
func Parse(data []byte) (*Document, error) {
	if !HasCanonicalHeader(data) {
		return nil, fmt.Errorf("ebml: no document header")
	}
	doc := &Document{}
	pos := 0

	id, size, n, err := header(data[pos:])
	if err != nil {
		return nil, err
	}
	if id != IDEBML || size == UnknownSize {
		return nil, fmt.Errorf("ebml: malformed document header")
	}
	doc.DocType = parseDocType(data[pos+n : pos+n+int(size)])
	pos += n + int(size)

	id, size, n, err = header(data[pos:])
	if err != nil || id != IDSegment {
		return nil, fmt.Errorf("ebml: expected segment at offset %d", pos)
	}
	pos += n
	end := len(data)
	if size != UnknownSize && pos+int(size) < end {
		end = pos + int(size)
	}

	for pos < end {
		id, size, n, err = header(data[pos:end])
		if err != nil {
			break // truncated tail
		}
		pos += n
		if size == UnknownSize {
			// Unknown-size child: runs to the end of the segment.
			size = int64(end - pos)
		}
		if pos+int(size) > end {
			break
		}
		body := data[pos : pos+int(size)]
		switch id {
		case IDTracks:
			doc.Tracks = parseTracks(body)
		case IDCluster:
			cluster, cerr := parseCluster(body)
			if cerr == nil {
				doc.Clusters = append(doc.Clusters, cluster)
			}
		}
		pos += int(size)
	}
	return doc, nil
}

// header decodes an element ID and size from the head of buf
func header(buf []byte) (id uint32, size int64, n int, err error) {
	id, idN, err := DecodeID(buf)
	if err != nil {
		return 0, 0, 0, err
	}
	size, sizeN, err := DecodeVint(buf[idN:])
	if err != nil {
		return 0, 0, 0, err
	}
	return id, size, idN + sizeN, nil
}

func parseDocType(body []byte) string {
	pos := 0
	for pos < len(body) {
		id, size, n, err := header(body[pos:])
		if err != nil || size == UnknownSize {
			return ""
		}
		pos += n
		if pos+int(size) > len(body) {
			return ""
		}
		if id == IDDocType {
			return string(body[pos : pos+int(size)])
		}
		pos += int(size)
	}
	return ""
}

func parseTracks(body []byte) []TrackInfo {
	var tracks []TrackInfo
	pos := 0
	for pos < len(body) {
		id, size, n, err := header(body[pos:])
		if err != nil || size == UnknownSize || pos+n+int(size) > len(body) {
			break
		}
		if id == IDTrackEntry {
			tracks = append(tracks, parseTrackEntry(body[pos+n:pos+n+int(size)]))
		}
		pos += n + int(size)
	}
	return tracks
}

func parseTrackEntry(body []byte) TrackInfo {
	var t TrackInfo
	pos := 0
	for pos < len(body) {
		id, size, n, err := header(body[pos:])
		if err != nil || size == UnknownSize || pos+n+int(size) > len(body) {
			break
		}
		val := body[pos+n : pos+n+int(size)]
		switch id {
		case IDTrackNumber:
			t.Number = parseUint(val)
		case IDTrackType:
			t.Type = int(parseUint(val))
		case IDCodecID:
			t.CodecID = string(val)
		case IDVideo:
			t.Width, t.Height = parseVideo(val)
		case IDAudio:
			t.SampleRate, t.Channels = parseAudio(val)
		}
		pos += n + int(size)
	}
	return t
}

func parseVideo(body []byte) (width, height int) {
	pos := 0
	for pos < len(body) {
		id, size, n, err := header(body[pos:])
		if err != nil || size == UnknownSize || pos+n+int(size) > len(body) {
			break
		}
		val := body[pos+n : pos+n+int(size)]
		switch id {
		case IDPixelWidth:
			width = int(parseUint(val))
		case IDPixelHeight:
			height = int(parseUint(val))
		}
		pos += n + int(size)
	}
	return width, height
}

func parseAudio(body []byte) (rate float64, channels int) {
	pos := 0
	for pos < len(body) {
		id, size, n, err := header(body[pos:])
		if err != nil || size == UnknownSize || pos+n+int(size) > len(body) {
			break
		}
		val := body[pos+n : pos+n+int(size)]
		switch id {
		case IDSamplingFrequency:
			rate = parseFloat(val)
		case IDChannels:
			channels = int(parseUint(val))
		}
		pos += n + int(size)
	}
	return rate, channels
}

func parseCluster(body []byte) (Cluster, error) {
	var cluster Cluster
	pos := 0
	for pos < len(body) {
		id, size, n, err := header(body[pos:])
		if err != nil || size == UnknownSize || pos+n+int(size) > len(body) {
			return cluster, fmt.Errorf("ebml: truncated cluster at %d", pos)
		}
		val := body[pos+n : pos+n+int(size)]
		switch id {
		case IDTimecode:
			cluster.Timecode = int64(parseUint(val))
		case IDSimpleBlock:
			if block, ok := parseSimpleBlock(val, cluster.Timecode); ok {
				cluster.Blocks = append(cluster.Blocks, block)
			}
		}
		pos += n + int(size)
	}
	return cluster, nil
}

func parseSimpleBlock(body []byte, clusterTC int64) (Block, bool) {
	track, n, err := DecodeVint(body)
	if err != nil || len(body) < n+3 {
		return Block{}, false
	}
	rel := int16(uint16(body[n])<<8 | uint16(body[n+1]))
	flags := body[n+2]
	return Block{
		Track:    uint64(track),
		PTS:      clusterTC + int64(rel),
		Keyframe: flags&0x80 != 0,
		Data:     body[n+3:],
	}, true
}

func parseUint(body []byte) uint64 {
	var v uint64
	for _, b := range body {
		v = v<<8 | uint64(b)
	}
	return v
}

func parseFloat(body []byte) float64 {
	if len(body) == 8 {
		return math.Float64frombits(parseUint(body))
	}
	if len(body) == 4 {
		return float64(math.Float32frombits(uint32(parseUint(body))))
	}
	return 0
}
