package recorder

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/schoolportally/live-backend/internal/media"
)

func TestBuildSDP_VideoAndAudio(t *testing.T) {
	tracks := []media.TrackInfo{
		{Kind: webrtc.RTPCodecTypeVideo, MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		{Kind: webrtc.RTPCodecTypeAudio, MimeType: webrtc.MimeTypeOpus, ClockRate: 48000},
	}

	sdp := buildSDP(tracks, 5000, 5002)

	if !strings.HasPrefix(sdp, "v=0\r\n") {
		t.Error("missing version line")
	}
	if !strings.Contains(sdp, "m=video 5000 RTP/AVP 96") {
		t.Errorf("missing video media line:\n%s", sdp)
	}
	if !strings.Contains(sdp, "a=rtpmap:96 VP8/90000") {
		t.Errorf("missing video rtpmap:\n%s", sdp)
	}
	if !strings.Contains(sdp, "m=audio 5002 RTP/AVP 97") {
		t.Errorf("missing audio media line:\n%s", sdp)
	}
	if !strings.Contains(sdp, "a=rtpmap:97 opus/48000") {
		t.Errorf("missing audio rtpmap:\n%s", sdp)
	}
}

func TestBuildSDP_H264(t *testing.T) {
	tracks := []media.TrackInfo{
		{Kind: webrtc.RTPCodecTypeVideo, MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
	}

	sdp := buildSDP(tracks, 5000, 5002)

	if !strings.Contains(sdp, "a=rtpmap:96 H264/90000") {
		t.Errorf("expected H264 rtpmap:\n%s", sdp)
	}
	if strings.Contains(sdp, "m=audio") {
		t.Error("audio media line present without an audio track")
	}
}

func TestStop_WithoutActiveRecording(t *testing.T) {
	c := NewController(nil, t.TempDir(), nil)

	if _, err := c.Stop(); err != ErrNotRecording {
		t.Fatalf("expected ErrNotRecording, got %v", err)
	}
	if c.Active() {
		t.Error("idle controller reports active")
	}
}

func TestSinkWriteRTP_RewritesPayloadType(t *testing.T) {
	rec := &activeRecording{}
	s := &sink{rec: rec}

	// Marker bit set (0x80) with payload type 111; the rewrite must keep the
	// marker and swap the type.
	packet := []byte{0x80, 0x80 | 111, 0x00, 0x01}
	s.WriteRTP(webrtc.RTPCodecTypeVideo, packet)
	if packet[1] != 0x80|payloadTypeVideo {
		t.Errorf("video payload type not rewritten: %#x", packet[1])
	}

	packet = []byte{0x80, 111, 0x00, 0x01}
	s.WriteRTP(webrtc.RTPCodecTypeAudio, packet)
	if packet[1] != payloadTypeAudio {
		t.Errorf("audio payload type not rewritten: %#x", packet[1])
	}
}

func TestSinkWriteRTP_DeliversToReceiverPort(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	conn, err := net.DialUDP("udp", nil, listener.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	s := &sink{rec: &activeRecording{videoConn: conn}}
	packet := []byte{0x80, 0x80 | 111, 0x12, 0x34, 0xAA, 0xBB}
	s.WriteRTP(webrtc.RTPCodecTypeVideo, packet)

	_ = listener.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	n, _, err := listener.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("packet never arrived: %v", err)
	}
	want := []byte{0x80, 0x80 | payloadTypeVideo, 0x12, 0x34, 0xAA, 0xBB}
	if !bytes.Equal(buf[:n], want) {
		t.Errorf("received %#v, want %#v", buf[:n], want)
	}
}
