package recorder

import (
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/educast/studio/internal/media"
)

// VPXEncoder encodes frames to VP8 or VP9 through an ffmpeg child
// process: raw RGBA in on stdin, an IVF stream out on stdout. IVF
// framing is a fixed 32-byte file header followed by a 12-byte header
// per frame, which keeps the payload parsing trivial.
type VPXEncoder struct {
	codec  string
	width  int
	height int

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader

	mu         sync.Mutex
	headerRead bool
	closeOnce  sync.Once
	closeErr   error
}

// NewVPXEncoder starts the encoder process. codec is vp8 or vp9.
func NewVPXEncoder(codec string, width, height, fps, bitrateBps int) (*VPXEncoder, error) {
	var lib string
	switch codec {
	case media.CodecVP8:
		lib = "libvpx"
	case media.CodecVP9:
		lib = "libvpx-vp9"
	default:
		return nil, fmt.Errorf("%w: video codec %q", media.ErrUnsupported, codec)
	}

	cmd := exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.Itoa(fps),
		"-i", "pipe:0",
		"-c:v", lib,
		"-b:v", strconv.Itoa(bitrateBps),
		"-deadline", "realtime",
		"-cpu-used", "8",
		"-f", "ivf",
		"pipe:1",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %v", media.ErrUnsupported, err)
	}
	return &VPXEncoder{
		codec:  codec,
		width:  width,
		height: height,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
	}, nil
}

// Encode feeds one frame and reads back one encoded IVF frame.
// libvpx in realtime mode emits one packet per input frame, so the
// write/read pairing holds.
func (e *VPXEncoder) Encode(frame media.Frame) ([]byte, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	img := frame.Image
	if img == nil {
		return nil, false, fmt.Errorf("nil frame image")
	}
	if _, err := e.stdin.Write(img.Pix); err != nil {
		return nil, false, fmt.Errorf("%w: feed encoder: %v", media.ErrEncoderFailure, err)
	}

	if !e.headerRead {
		var fileHeader [32]byte
		if _, err := io.ReadFull(e.stdout, fileHeader[:]); err != nil {
			return nil, false, fmt.Errorf("%w: read ivf header: %v", media.ErrEncoderFailure, err)
		}
		e.headerRead = true
	}

	var frameHeader [12]byte
	if _, err := io.ReadFull(e.stdout, frameHeader[:]); err != nil {
		return nil, false, fmt.Errorf("%w: read ivf frame header: %v", media.ErrEncoderFailure, err)
	}
	size := binary.LittleEndian.Uint32(frameHeader[:4])
	payload := make([]byte, size)
	if _, err := io.ReadFull(e.stdout, payload); err != nil {
		return nil, false, fmt.Errorf("%w: read ivf frame: %v", media.ErrEncoderFailure, err)
	}

	// VP8/VP9: lowest bit of the first payload byte clear means
	// keyframe.
	keyframe := len(payload) > 0 && payload[0]&0x01 == 0
	return payload, keyframe, nil
}

// CodecID returns the Matroska codec id for the configured codec
func (e *VPXEncoder) CodecID() string { return codecIDFor(e.codec) }

// Close shuts the encoder process down
func (e *VPXEncoder) Close() error {
	e.closeOnce.Do(func() {
		e.stdin.Close()
		e.closeErr = e.cmd.Wait()
	})
	return e.closeErr
}
