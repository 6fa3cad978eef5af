// Package media owns the local capture devices: camera, microphone and
// screen. It enforces the session's permission policy before touching any
// device and manages the single active outgoing video source.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pion/webrtc/v3"
)

// Source delivers the encoded RTP stream of one capture device. Read returns
// one packet per call and io.EOF once the capture has ended (device closed,
// or the user stopped a screen share at the platform level).
type Source interface {
	Read(buf []byte) (int, error)
	Codec() webrtc.RTPCodecCapability
	Close() error
}

// Provider opens platform capture devices. Failures map to
// ErrDeviceUnavailable at the controller boundary.
type Provider interface {
	OpenCamera(ctx context.Context) (Source, error)
	OpenMicrophone(ctx context.Context) (Source, error)
	OpenScreen(ctx context.Context) (Source, error)
}

// RTPProviderConfig configures the UDP RTP provider used by the headless
// agent: each device is an local UDP port fed by an external encoder.
type RTPProviderConfig struct {
	CameraAddr     string
	MicrophoneAddr string
	ScreenAddr     string
	// ScreenIdleTimeout ends the screen source after this long without a
	// packet, which is how an externally stopped share is detected.
	ScreenIdleTimeout time.Duration
}

// RTPProvider implements Provider over loopback UDP RTP streams.
type RTPProvider struct {
	cfg RTPProviderConfig
}

// NewRTPProvider creates a UDP-backed capture provider.
func NewRTPProvider(cfg RTPProviderConfig) *RTPProvider {
	if cfg.ScreenIdleTimeout <= 0 {
		cfg.ScreenIdleTimeout = 5 * time.Second
	}
	return &RTPProvider{cfg: cfg}
}

// OpenCamera opens the camera RTP port (VP8).
func (p *RTPProvider) OpenCamera(_ context.Context) (Source, error) {
	return openUDPSource(p.cfg.CameraAddr, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, 0)
}

// OpenMicrophone opens the microphone RTP port (opus).
func (p *RTPProvider) OpenMicrophone(_ context.Context) (Source, error) {
	return openUDPSource(p.cfg.MicrophoneAddr, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, 0)
}

// OpenScreen opens the screen-capture RTP port (VP8) with idle detection.
func (p *RTPProvider) OpenScreen(_ context.Context) (Source, error) {
	return openUDPSource(p.cfg.ScreenAddr, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, p.cfg.ScreenIdleTimeout)
}

func openUDPSource(addr string, codec webrtc.RTPCodecCapability, idle time.Duration) (Source, error) {
	if addr == "" {
		return nil, errors.New("no capture address configured")
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &udpSource{conn: conn, codec: codec, idle: idle}, nil
}

type udpSource struct {
	conn  *net.UDPConn
	codec webrtc.RTPCodecCapability
	idle  time.Duration
}

func (s *udpSource) Read(buf []byte) (int, error) {
	if s.idle > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idle))
	}
	n, _, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return 0, io.EOF
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, io.EOF
		}
		return 0, err
	}
	return n, nil
}

func (s *udpSource) Codec() webrtc.RTPCodecCapability { return s.codec }

func (s *udpSource) Close() error { return s.conn.Close() }
