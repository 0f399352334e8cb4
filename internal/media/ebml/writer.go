package ebml

import (
	"fmt"
	"io"
)

// TrackInfo describes one track written into a WebM document
type TrackInfo struct {
	Number     uint64
	Type       int // TrackTypeVideo or TrackTypeAudio
	CodecID    string
	Width      int
	Height     int
	SampleRate float64
	Channels   int
}

// maxClusterSpanMs bounds how much of the timeline one cluster covers.
// SimpleBlock timecodes are signed 16-bit offsets from the cluster
// timecode, so the span must stay well below 32768 ms.
const maxClusterSpanMs = 5000

// Muxer writes a streamed WebM document: canonical header, an
// unknown-size Segment, then clusters of SimpleBlocks. Clusters are
// buffered and flushed with a known size at each cluster boundary.
type Muxer struct {
	w           io.Writer
	writingApp  string
	tracks      []TrackInfo
	started     bool
	clusterTC   int64
	clusterBuf  []byte
	clusterOpen bool
	written     int64
}

// NewMuxer creates a muxer writing to w
func NewMuxer(w io.Writer, writingApp string, tracks []TrackInfo) *Muxer {
	return &Muxer{w: w, writingApp: writingApp, tracks: tracks}
}

// CanonicalHeader returns the canonical EBML document header for the
// webm doctype. Repairing a broken recording splices exactly these
// bytes in front of the first Segment.
func CanonicalHeader() []byte {
	var payload []byte
	payload = AppendUint(payload, IDEBMLVersion, 1)
	payload = AppendUint(payload, IDEBMLReadVersion, 1)
	payload = AppendUint(payload, IDEBMLMaxIDLength, 4)
	payload = AppendUint(payload, IDEBMLMaxSizeLength, 8)
	payload = AppendString(payload, IDDocType, "webm")
	payload = AppendUint(payload, IDDocTypeVersion, 4)
	payload = AppendUint(payload, IDDocTypeReadVersion, 2)
	return AppendElement(nil, IDEBML, payload)
}

// Start writes the document header, segment opening, info, and tracks
func (m *Muxer) Start() error {
	if m.started {
		return fmt.Errorf("ebml: muxer already started")
	}
	out := CanonicalHeader()

	// Segment with unknown size: the document stays valid if the
	// producer dies mid-recording.
	out = AppendID(out, IDSegment)
	out = AppendUnknownSize(out)

	var info []byte
	info = AppendUint(info, IDTimecodeScale, 1_000_000) // 1 ms ticks
	info = AppendString(info, IDMuxingApp, m.writingApp)
	info = AppendString(info, IDWritingApp, m.writingApp)
	out = AppendElement(out, IDInfo, info)

	var tracks []byte
	for _, t := range m.tracks {
		var entry []byte
		entry = AppendUint(entry, IDTrackNumber, t.Number)
		entry = AppendUint(entry, IDTrackUID, t.Number)
		entry = AppendUint(entry, IDTrackType, uint64(t.Type))
		entry = AppendString(entry, IDCodecID, t.CodecID)
		switch t.Type {
		case TrackTypeVideo:
			var video []byte
			video = AppendUint(video, IDPixelWidth, uint64(t.Width))
			video = AppendUint(video, IDPixelHeight, uint64(t.Height))
			entry = AppendElement(entry, IDVideo, video)
		case TrackTypeAudio:
			var audio []byte
			audio = AppendFloat(audio, IDSamplingFrequency, t.SampleRate)
			audio = AppendUint(audio, IDChannels, uint64(t.Channels))
			entry = AppendElement(entry, IDAudio, audio)
		}
		tracks = AppendElement(tracks, IDTrackEntry, entry)
	}
	out = AppendElement(out, IDTracks, tracks)

	n, err := m.w.Write(out)
	m.written += int64(n)
	if err != nil {
		return fmt.Errorf("ebml: write document header: %w", err)
	}
	m.started = true
	return nil
}

// WriteBlock appends one encoded frame or audio chunk as a
// SimpleBlock. pts is absolute milliseconds from recording start; pts
// must be nondecreasing across calls.
func (m *Muxer) WriteBlock(track uint64, pts int64, keyframe bool, payload []byte) error {
	if !m.started {
		return fmt.Errorf("ebml: muxer not started")
	}
	if m.clusterOpen && pts-m.clusterTC >= maxClusterSpanMs {
		if err := m.flushCluster(); err != nil {
			return err
		}
	}
	if !m.clusterOpen {
		m.clusterTC = pts
		m.clusterBuf = AppendUint(m.clusterBuf[:0], IDTimecode, uint64(pts))
		m.clusterOpen = true
	}

	rel := pts - m.clusterTC
	var block []byte
	block = AppendVint(block, int64(track), VintWidth(int64(track)))
	block = append(block, byte(rel>>8), byte(rel))
	flags := byte(0)
	if keyframe {
		flags |= 0x80
	}
	block = append(block, flags)
	block = append(block, payload...)
	m.clusterBuf = AppendElement(m.clusterBuf, IDSimpleBlock, block)
	return nil
}

// flushCluster writes the buffered cluster with a known size
func (m *Muxer) flushCluster() error {
	if !m.clusterOpen {
		return nil
	}
	out := AppendElement(nil, IDCluster, m.clusterBuf)
	n, err := m.w.Write(out)
	m.written += int64(n)
	if err != nil {
		return fmt.Errorf("ebml: write cluster: %w", err)
	}
	m.clusterOpen = false
	return nil
}

// Finalize flushes any buffered cluster and returns the total bytes
// written. The segment keeps its streaming unknown-size marker, which
// is what downstream remuxers expect from a live recording.
func (m *Muxer) Finalize() (int64, error) {
	if err := m.flushCluster(); err != nil {
		return m.written, err
	}
	return m.written, nil
}

// BytesWritten returns how many bytes have reached the writer so far
func (m *Muxer) BytesWritten() int64 {
	return m.written
}
