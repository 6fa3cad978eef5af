// Package recorder captures the local media stream to a playable container.
// Start/stop only: the finished file is the single way recording data becomes
// available, and nothing here distributes it.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/schoolportally/live-backend/internal/media"
)

var (
	// ErrAlreadyRecording is returned when start is called while active.
	ErrAlreadyRecording = errors.New("recording already in progress")
	// ErrNotRecording is returned when stop is called while idle.
	ErrNotRecording = errors.New("no recording in progress")
)

const (
	// RTP payload types in the SDP handed to ffmpeg (must match the rewrite
	// in WriteRTP).
	payloadTypeVideo = 96
	payloadTypeAudio = 97
	// Default max recording duration (2 hours).
	defaultMaxDurationSec = 7200
)

// activeRecording is the state of one in-flight recording.
type activeRecording struct {
	recordingID uuid.UUID
	outputPath  string
	sdpPath     string
	cmd         *exec.Cmd
	videoConn   *net.UDPConn
	audioConn   *net.UDPConn
	mu          sync.Mutex
}

// sink implements media.RecordingSink by relaying RTP to ffmpeg's UDP ports.
type sink struct {
	rec *activeRecording
}

// WriteRTP forwards one packet to ffmpeg, rewriting the payload type to match
// the recording SDP.
func (s *sink) WriteRTP(kind webrtc.RTPCodecType, packet []byte) {
	if len(packet) < 2 {
		return
	}
	s.rec.mu.Lock()
	defer s.rec.mu.Unlock()
	pt := byte(payloadTypeVideo)
	if kind == webrtc.RTPCodecTypeAudio {
		pt = payloadTypeAudio
	}
	// Payload type lives in the lower 7 bits of the second byte.
	packet[1] = (packet[1] & 0x80) | pt

	conn := s.rec.videoConn
	if kind == webrtc.RTPCodecTypeAudio {
		conn = s.rec.audioConn
	}
	// The conns are pre-connected to ffmpeg's ports, so plain Write is the
	// only send that works on them.
	if conn != nil {
		_, _ = conn.Write(packet)
	}
}

// Controller records the local outgoing stream. It taps the media controller,
// so recording continues across renegotiation (screen share included): the
// tap follows the stream, not any specific sent track.
type Controller struct {
	tap       media.StreamTap
	outputDir string
	maxDurSec int
	log       *zap.Logger

	mu     sync.Mutex
	active *activeRecording
}

// NewController creates a recording controller writing under outputDir.
func NewController(tap media.StreamTap, outputDir string, log *zap.Logger) *Controller {
	if outputDir == "" {
		outputDir = os.TempDir()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		tap:       tap,
		outputDir: outputDir,
		maxDurSec: defaultMaxDurationSec,
		log:       log,
	}
}

// SetMaxDuration bounds a single recording in seconds.
func (c *Controller) SetMaxDuration(sec int) { c.maxDurSec = sec }

// Active reports whether a recording is in progress.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// buildSDP generates the SDP ffmpeg uses to receive the tapped RTP.
func buildSDP(tracks []media.TrackInfo, videoPort, audioPort int) string {
	s := "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"
	for _, t := range tracks {
		port := videoPort
		pt := payloadTypeVideo
		codec := "VP8"
		clock := "90000"
		if t.Kind == webrtc.RTPCodecTypeAudio {
			port = audioPort
			pt = payloadTypeAudio
			codec = "opus"
			clock = "48000"
		}
		switch t.MimeType {
		case webrtc.MimeTypeVP8, "video/vp8":
			codec = "VP8"
			clock = "90000"
		case webrtc.MimeTypeVP9, "video/vp9":
			codec = "VP9"
			clock = "90000"
		case webrtc.MimeTypeH264, "video/h264":
			codec = "H264"
			clock = "90000"
		case webrtc.MimeTypeOpus, "audio/OPUS":
			codec = "opus"
			clock = "48000"
		case webrtc.MimeTypePCMU:
			codec = "PCMU"
			clock = "8000"
		}
		kind := "video"
		if t.Kind == webrtc.RTPCodecTypeAudio {
			kind = "audio"
		}
		s += fmt.Sprintf("m=%s %d RTP/AVP %d\r\na=rtpmap:%d %s/%s\r\n", kind, port, pt, pt, codec, clock)
	}
	return s
}

func freeUDPPort(fallback int) int {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return fallback
	}
	port := listener.LocalAddr().(*net.UDPAddr).Port
	_ = listener.Close()
	return port
}

// Start begins buffering the local stream into a new container file. Fails
// with ErrAlreadyRecording while active.
func (c *Controller) Start(_ context.Context, recordingID uuid.UUID) (string, error) {
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return "", ErrAlreadyRecording
	}
	c.mu.Unlock()

	tracks := c.tap.TrackInfos()
	if len(tracks) == 0 {
		return "", fmt.Errorf("no local tracks: acquire media before recording")
	}

	videoPort := freeUDPPort(5000)
	audioPort := freeUDPPort(5002)

	sdp := buildSDP(tracks, videoPort, audioPort)
	dir := filepath.Join(c.outputDir, "recordings")
	_ = os.MkdirAll(dir, 0750)
	outputPath := filepath.Join(dir, recordingID.String()+".mp4")
	sdpPath := filepath.Join(dir, recordingID.String()+".sdp")
	if err := os.WriteFile(sdpPath, []byte(sdp), 0600); err != nil {
		return "", fmt.Errorf("write sdp: %w", err)
	}

	// Stop is explicit, so ffmpeg does not run under a request context.
	cmd := exec.Command("ffmpeg",
		"-f", "sdp", "-i", sdpPath,
		"-c", "copy",
		"-t", fmt.Sprintf("%d", c.maxDurSec),
		"-y",
		outputPath,
	)
	if err := cmd.Start(); err != nil {
		_ = os.Remove(sdpPath)
		return "", fmt.Errorf("start ffmpeg: %w", err)
	}

	videoAddr, _ := net.ResolveUDPAddr("udp", fmt.Sprintf("127.0.0.1:%d", videoPort))
	audioAddr, _ := net.ResolveUDPAddr("udp", fmt.Sprintf("127.0.0.1:%d", audioPort))
	videoConn, err1 := net.DialUDP("udp", nil, videoAddr)
	audioConn, err2 := net.DialUDP("udp", nil, audioAddr)
	if err1 != nil || err2 != nil {
		_ = cmd.Process.Kill()
		if videoConn != nil {
			_ = videoConn.Close()
		}
		if audioConn != nil {
			_ = audioConn.Close()
		}
		_ = os.Remove(sdpPath)
		return "", fmt.Errorf("udp dial: %v / %v", err1, err2)
	}

	rec := &activeRecording{
		recordingID: recordingID,
		outputPath:  outputPath,
		sdpPath:     sdpPath,
		cmd:         cmd,
		videoConn:   videoConn,
		audioConn:   audioConn,
	}

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		_ = cmd.Process.Kill()
		_ = videoConn.Close()
		_ = audioConn.Close()
		_ = os.Remove(sdpPath)
		return "", ErrAlreadyRecording
	}
	c.active = rec
	c.mu.Unlock()

	c.tap.SetRecordingSink(&sink{rec: rec})
	c.log.Info("recording started",
		zap.String("recording_id", recordingID.String()),
		zap.String("output", outputPath))
	return outputPath, nil
}

// Stop finalizes the buffered stream into the container file and returns its
// path. The finished file is the only way recording data becomes available.
func (c *Controller) Stop() (string, error) {
	c.mu.Lock()
	rec := c.active
	c.active = nil
	c.mu.Unlock()
	if rec == nil {
		return "", ErrNotRecording
	}

	c.tap.ClearRecordingSink()

	rec.mu.Lock()
	cmd := rec.cmd
	videoConn := rec.videoConn
	audioConn := rec.audioConn
	rec.videoConn = nil
	rec.audioConn = nil
	rec.cmd = nil
	rec.mu.Unlock()

	if videoConn != nil {
		_ = videoConn.Close()
	}
	if audioConn != nil {
		_ = audioConn.Close()
	}

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(os.Interrupt)
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			_ = cmd.Process.Kill()
		}
	}

	_ = os.Remove(rec.sdpPath)
	c.log.Info("recording stopped",
		zap.String("recording_id", rec.recordingID.String()),
		zap.String("output", rec.outputPath))
	return rec.outputPath, nil
}
