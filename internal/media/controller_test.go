package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/schoolportally/live-backend/internal/models"
)

// fakeSource feeds packets from a channel; closing the channel ends the
// capture.
type fakeSource struct {
	ch        chan []byte
	codec     webrtc.RTPCodecCapability
	closeOnce sync.Once
}

func newFakeSource(codec webrtc.RTPCodecCapability) *fakeSource {
	return &fakeSource{ch: make(chan []byte, 16), codec: codec}
}

func (s *fakeSource) Read(buf []byte) (int, error) {
	pkt, ok := <-s.ch
	if !ok {
		return 0, io.EOF
	}
	return copy(buf, pkt), nil
}

func (s *fakeSource) Codec() webrtc.RTPCodecCapability { return s.codec }

func (s *fakeSource) Close() error {
	s.closeOnce.Do(func() { close(s.ch) })
	return nil
}

var (
	vp8Codec  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	opusCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
)

// fakeProvider hands out preset sources, or fails when a device is missing.
type fakeProvider struct {
	camera *fakeSource
	mic    *fakeSource
	screen *fakeSource
}

func (p *fakeProvider) OpenCamera(context.Context) (Source, error) {
	if p.camera == nil {
		return nil, errors.New("no camera")
	}
	return p.camera, nil
}

func (p *fakeProvider) OpenMicrophone(context.Context) (Source, error) {
	if p.mic == nil {
		return nil, errors.New("no microphone")
	}
	return p.mic, nil
}

func (p *fakeProvider) OpenScreen(context.Context) (Source, error) {
	if p.screen == nil {
		return nil, errors.New("no screen")
	}
	return p.screen, nil
}

// mockSwitcher records outgoing video substitutions.
type mockSwitcher struct {
	mu     sync.Mutex
	tracks []webrtc.TrackLocal
}

func (m *mockSwitcher) ReplaceOutgoingVideo(track webrtc.TrackLocal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = append(m.tracks, track)
	return nil
}

func (m *mockSwitcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracks)
}

func (m *mockSwitcher) lastTrack() webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tracks) == 0 {
		return nil
	}
	return m.tracks[len(m.tracks)-1]
}

// mockBroadcaster records state announcements.
type mockBroadcaster struct {
	mu      sync.Mutex
	toggles []string
	shares  []bool
}

func (m *mockBroadcaster) SendMediaToggle(kind string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := "off"
	if enabled {
		state = "on"
	}
	m.toggles = append(m.toggles, kind+":"+state)
	return nil
}

func (m *mockBroadcaster) SendScreenShare(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shares = append(m.shares, enabled)
	return nil
}

func (m *mockBroadcaster) lastShare() (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.shares) == 0 {
		return false, false
	}
	return m.shares[len(m.shares)-1], true
}

func allPerms() models.PermissionSet {
	return models.PermissionSet{Camera: true, Microphone: true, ScreenShare: true, Chat: true, HandRaising: true}
}

func newTestController(provider Provider, perms models.PermissionSet) (*Controller, *mockSwitcher, *mockBroadcaster) {
	switcher := &mockSwitcher{}
	broadcaster := &mockBroadcaster{}
	return NewController(provider, switcher, broadcaster, perms, nil), switcher, broadcaster
}

func TestAcquire_PermissionDenied(t *testing.T) {
	provider := &fakeProvider{camera: newFakeSource(vp8Codec)}
	c, _, _ := newTestController(provider, models.PermissionSet{})
	defer c.Close()

	err := c.Acquire(context.Background(), true, false)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if c.CameraTrack() != nil {
		t.Error("camera track created despite denial")
	}
}

func TestAcquire_DeniedCameraStillAcquiresMicrophone(t *testing.T) {
	provider := &fakeProvider{camera: newFakeSource(vp8Codec), mic: newFakeSource(opusCodec)}
	perms := allPerms()
	perms.Camera = false
	c, _, _ := newTestController(provider, perms)
	defer c.Close()

	err := c.Acquire(context.Background(), true, true)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied for the camera, got %v", err)
	}
	if c.CameraTrack() != nil {
		t.Error("camera track created despite denial")
	}
	if c.AudioTrack() == nil {
		t.Error("permitted microphone not acquired alongside the denied camera")
	}
}

func TestAcquire_DeviceUnavailable(t *testing.T) {
	c, _, _ := newTestController(&fakeProvider{}, allPerms())
	defer c.Close()

	err := c.Acquire(context.Background(), true, false)
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestAcquire_CreatesTracks(t *testing.T) {
	provider := &fakeProvider{camera: newFakeSource(vp8Codec), mic: newFakeSource(opusCodec)}
	c, _, _ := newTestController(provider, allPerms())
	defer c.Close()

	if err := c.Acquire(context.Background(), true, true); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if c.CameraTrack() == nil {
		t.Error("missing camera track")
	}
	if c.AudioTrack() == nil {
		t.Error("missing audio track")
	}
	if c.OutgoingVideoTrack() != c.CameraTrack() {
		t.Error("outgoing video should be the camera while not sharing")
	}
}

func TestToggleVideo_WithoutDevice(t *testing.T) {
	c, _, _ := newTestController(&fakeProvider{}, allPerms())
	defer c.Close()

	if _, err := c.ToggleVideo(); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestToggleVideo_FlipsAndBroadcastsWithoutRenegotiation(t *testing.T) {
	provider := &fakeProvider{camera: newFakeSource(vp8Codec)}
	c, switcher, broadcaster := newTestController(provider, allPerms())
	defer c.Close()

	if err := c.Acquire(context.Background(), true, false); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	enabled, err := c.ToggleVideo()
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if enabled {
		t.Error("expected camera off after first toggle")
	}
	enabled, _ = c.ToggleVideo()
	if !enabled {
		t.Error("expected camera on after second toggle")
	}

	broadcaster.mu.Lock()
	toggles := append([]string(nil), broadcaster.toggles...)
	broadcaster.mu.Unlock()
	if len(toggles) != 2 || toggles[0] != "camera:off" || toggles[1] != "camera:on" {
		t.Errorf("unexpected toggle broadcasts: %v", toggles)
	}
	if switcher.callCount() != 0 {
		t.Error("mute toggle must not touch peer links")
	}
}

func TestStartScreenShare_PermissionDenied(t *testing.T) {
	provider := &fakeProvider{screen: newFakeSource(vp8Codec)}
	perms := allPerms()
	perms.ScreenShare = false
	c, _, _ := newTestController(provider, perms)
	defer c.Close()

	if err := c.StartScreenShare(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestScreenShare_SubstitutesAndRestoresVideo(t *testing.T) {
	provider := &fakeProvider{camera: newFakeSource(vp8Codec), screen: newFakeSource(vp8Codec)}
	c, switcher, broadcaster := newTestController(provider, allPerms())
	defer c.Close()

	if err := c.Acquire(context.Background(), true, false); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	cameraTrack := c.CameraTrack()

	if err := c.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("start screen share: %v", err)
	}
	if !c.ScreenSharing() {
		t.Fatal("not sharing after start")
	}
	if switcher.callCount() != 1 {
		t.Fatalf("expected 1 substitution, got %d", switcher.callCount())
	}
	if switcher.lastTrack() == cameraTrack {
		t.Error("substituted track should be the screen, not the camera")
	}
	if share, ok := broadcaster.lastShare(); !ok || !share {
		t.Error("screen share start not broadcast")
	}

	// Starting again while sharing is a no-op.
	if err := c.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if switcher.callCount() != 1 {
		t.Error("second start substituted again")
	}

	if err := c.StopScreenShare(); err != nil {
		t.Fatalf("stop screen share: %v", err)
	}
	if c.ScreenSharing() {
		t.Error("still sharing after stop")
	}
	if switcher.lastTrack() != cameraTrack {
		t.Error("camera track not restored after stop")
	}
	if share, ok := broadcaster.lastShare(); !ok || share {
		t.Error("screen share stop not broadcast")
	}
}

func TestScreenShare_AutoStopsWhenSourceEnds(t *testing.T) {
	screen := newFakeSource(vp8Codec)
	provider := &fakeProvider{screen: screen}
	c, _, broadcaster := newTestController(provider, allPerms())
	defer c.Close()

	if err := c.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("start screen share: %v", err)
	}

	// Ending the capture externally (the platform stopped the share) must
	// stop the share without an explicit call.
	_ = screen.Close()

	deadline := time.Now().Add(2 * time.Second)
	for c.ScreenSharing() {
		if time.Now().After(deadline) {
			t.Fatal("share still active after source ended")
		}
		time.Sleep(10 * time.Millisecond)
	}
	deadline = time.Now().Add(2 * time.Second)
	for {
		if share, ok := broadcaster.lastShare(); ok && !share {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("share stop never broadcast")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecordingSink_ReceivesLocalStream(t *testing.T) {
	camera := newFakeSource(vp8Codec)
	provider := &fakeProvider{camera: camera}
	c, _, _ := newTestController(provider, allPerms())
	defer c.Close()

	if err := c.Acquire(context.Background(), true, false); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	packets := make(chan []byte, 1)
	c.SetRecordingSink(sinkFunc(func(kind webrtc.RTPCodecType, packet []byte) {
		if kind == webrtc.RTPCodecTypeVideo {
			select {
			case packets <- packet:
			default:
			}
		}
	}))

	// Minimal RTP header: version 2, no extensions.
	rtp := make([]byte, 12)
	rtp[0] = 0x80
	camera.ch <- rtp

	select {
	case got := <-packets:
		if len(got) != len(rtp) {
			t.Errorf("expected %d byte packet, got %d", len(rtp), len(got))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sink never received the packet")
	}

	c.ClearRecordingSink()
	infos := c.TrackInfos()
	if len(infos) != 1 || infos[0].Kind != webrtc.RTPCodecTypeVideo {
		t.Errorf("unexpected track infos: %+v", infos)
	}
}

type sinkFunc func(kind webrtc.RTPCodecType, packet []byte)

func (f sinkFunc) WriteRTP(kind webrtc.RTPCodecType, packet []byte) { f(kind, packet) }
