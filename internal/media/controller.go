package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/schoolportally/live-backend/internal/models"
)

var (
	// ErrPermissionDenied means the session settings forbid the capability
	// for this participant. Recoverable: the participant continues without it.
	ErrPermissionDenied = errors.New("permission denied by session policy")
	// ErrDeviceUnavailable means the platform denied or lacks the device.
	// Recoverable, same handling as ErrPermissionDenied.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
)

const rtpBufferSize = 1500

var rtpBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, rtpBufferSize)
		return &b
	},
}

// Broadcaster announces local media state changes over the signaling channel.
type Broadcaster interface {
	SendMediaToggle(kind string, enabled bool) error
	SendScreenShare(enabled bool) error
}

// VideoSwitcher applies an outgoing video substitution uniformly to every
// active peer link.
type VideoSwitcher interface {
	ReplaceOutgoingVideo(track webrtc.TrackLocal) error
}

// RecordingSink receives a copy of the local outgoing RTP stream. WriteRTP is
// called from the pump goroutines and must not block.
type RecordingSink interface {
	WriteRTP(kind webrtc.RTPCodecType, packet []byte)
}

// outTrack is one local capture pumped into a sendable track. enabled is the
// constant-time mute gate; active marks the current outgoing video source.
type outTrack struct {
	kind    webrtc.RTPCodecType
	src     Source
	local   *webrtc.TrackLocalStaticRTP
	enabled atomic.Bool
	active  atomic.Bool
}

// Controller owns the local capture devices and the screen-share capture.
type Controller struct {
	provider Provider
	links    VideoSwitcher
	signaler Broadcaster
	log      *zap.Logger

	mu     sync.Mutex
	perms  models.PermissionSet
	camera *outTrack
	mic    *outTrack
	screen *outTrack
	sink   RecordingSink
}

// NewController creates a media controller bound to the participant's
// resolved permission set.
func NewController(provider Provider, links VideoSwitcher, signaler Broadcaster, perms models.PermissionSet, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		provider: provider,
		links:    links,
		signaler: signaler,
		perms:    perms,
		log:      log,
	}
}

// SetPermissions applies an owner-issued permission override. Acquired
// devices are not touched; a newly granted capability takes effect on the
// next Acquire.
func (c *Controller) SetPermissions(perms models.PermissionSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perms = perms
}

// Acquire requests camera and/or microphone per the session's permission
// policy. Each device is attempted independently: a denied camera never
// blocks a permitted microphone. Failures are recoverable; the participant
// continues with whatever was granted.
func (c *Controller) Acquire(ctx context.Context, wantVideo, wantAudio bool) error {
	c.mu.Lock()
	perms := c.perms
	haveCamera := c.camera != nil
	haveMic := c.mic != nil
	c.mu.Unlock()

	var videoErr, audioErr error
	if wantVideo && !haveCamera {
		videoErr = c.acquireCamera(ctx, perms)
	}
	if wantAudio && !haveMic {
		audioErr = c.acquireMicrophone(ctx, perms)
	}
	return errors.Join(videoErr, audioErr)
}

func (c *Controller) acquireCamera(ctx context.Context, perms models.PermissionSet) error {
	if !perms.Camera {
		return fmt.Errorf("camera: %w", ErrPermissionDenied)
	}
	src, err := c.provider.OpenCamera(ctx)
	if err != nil {
		return fmt.Errorf("camera: %w: %v", ErrDeviceUnavailable, err)
	}
	track, err := c.newOutTrack(src, webrtc.RTPCodecTypeVideo, "camera")
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("camera: %w: %v", ErrDeviceUnavailable, err)
	}
	track.active.Store(true)
	c.mu.Lock()
	c.camera = track
	sharing := c.screen != nil
	c.mu.Unlock()
	if sharing {
		// Screen share holds the video slot; the camera waits.
		track.active.Store(false)
	}
	go c.pump(track)
	return nil
}

func (c *Controller) acquireMicrophone(ctx context.Context, perms models.PermissionSet) error {
	if !perms.Microphone {
		return fmt.Errorf("microphone: %w", ErrPermissionDenied)
	}
	src, err := c.provider.OpenMicrophone(ctx)
	if err != nil {
		return fmt.Errorf("microphone: %w: %v", ErrDeviceUnavailable, err)
	}
	track, err := c.newOutTrack(src, webrtc.RTPCodecTypeAudio, "microphone")
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("microphone: %w: %v", ErrDeviceUnavailable, err)
	}
	track.active.Store(true)
	c.mu.Lock()
	c.mic = track
	c.mu.Unlock()
	go c.pump(track)
	return nil
}

func (c *Controller) newOutTrack(src Source, kind webrtc.RTPCodecType, id string) (*outTrack, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(src.Codec(), id, "local-"+uuid.New().String())
	if err != nil {
		return nil, err
	}
	t := &outTrack{kind: kind, src: src, local: local}
	t.enabled.Store(true)
	return t, nil
}

// CameraTrack returns the camera's sendable track, or nil.
func (c *Controller) CameraTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.camera == nil {
		return nil
	}
	return c.camera.local
}

// AudioTrack returns the microphone's sendable track, or nil.
func (c *Controller) AudioTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mic == nil {
		return nil
	}
	return c.mic.local
}

// OutgoingVideoTrack returns the active outgoing video track: the screen
// track while sharing, the camera track otherwise, or nil.
func (c *Controller) OutgoingVideoTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.screen != nil {
		return c.screen.local
	}
	if c.camera != nil {
		return c.camera.local
	}
	return nil
}

// ToggleVideo flips the camera's enabled flag without renegotiating and
// broadcasts the change. Returns the new state.
func (c *Controller) ToggleVideo() (bool, error) {
	c.mu.Lock()
	track := c.camera
	c.mu.Unlock()
	if track == nil {
		return false, ErrDeviceUnavailable
	}
	enabled := !track.enabled.Load()
	track.enabled.Store(enabled)
	if err := c.signaler.SendMediaToggle("camera", enabled); err != nil {
		c.log.Debug("broadcast media toggle", zap.Error(err))
	}
	return enabled, nil
}

// ToggleAudio flips the microphone's enabled flag without renegotiating and
// broadcasts the change. Returns the new state.
func (c *Controller) ToggleAudio() (bool, error) {
	c.mu.Lock()
	track := c.mic
	c.mu.Unlock()
	if track == nil {
		return false, ErrDeviceUnavailable
	}
	enabled := !track.enabled.Load()
	track.enabled.Store(enabled)
	if err := c.signaler.SendMediaToggle("microphone", enabled); err != nil {
		c.log.Debug("broadcast media toggle", zap.Error(err))
	}
	return enabled, nil
}

// StartScreenShare requests a screen capture and substitutes it for the
// outgoing video track on every active link. No-op if already sharing.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	c.mu.Lock()
	if c.screen != nil {
		c.mu.Unlock()
		return nil
	}
	perms := c.perms
	c.mu.Unlock()

	if !perms.ScreenShare {
		return ErrPermissionDenied
	}
	src, err := c.provider.OpenScreen(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	track, err := c.newOutTrack(src, webrtc.RTPCodecTypeVideo, "screen")
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	track.active.Store(true)

	c.mu.Lock()
	c.screen = track
	if c.camera != nil {
		c.camera.active.Store(false)
	}
	c.mu.Unlock()

	go c.pump(track)

	if err := c.links.ReplaceOutgoingVideo(track.local); err != nil {
		c.log.Warn("replace outgoing video", zap.Error(err))
	}
	if err := c.signaler.SendScreenShare(true); err != nil {
		c.log.Debug("broadcast screen share", zap.Error(err))
	}
	return nil
}

// StopScreenShare stops the screen capture and restores the camera track (or
// no video track when the camera is off). No-op when not sharing.
func (c *Controller) StopScreenShare() error {
	c.mu.Lock()
	track := c.screen
	c.screen = nil
	var restore webrtc.TrackLocal
	if c.camera != nil {
		c.camera.active.Store(true)
		restore = c.camera.local
	}
	c.mu.Unlock()

	if track == nil {
		return nil
	}
	_ = track.src.Close()

	if err := c.links.ReplaceOutgoingVideo(restore); err != nil {
		c.log.Warn("restore outgoing video", zap.Error(err))
	}
	if err := c.signaler.SendScreenShare(false); err != nil {
		c.log.Debug("broadcast screen share", zap.Error(err))
	}
	return nil
}

// ScreenSharing reports whether a screen capture is active.
func (c *Controller) ScreenSharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screen != nil
}

// TrackInfo describes one local track for building a recording SDP.
type TrackInfo struct {
	Kind      webrtc.RTPCodecType
	MimeType  string
	ClockRate uint32
}

// StreamTap is the surface the recording controller uses: describe the local
// stream and tap its RTP.
type StreamTap interface {
	TrackInfos() []TrackInfo
	SetRecordingSink(sink RecordingSink)
	ClearRecordingSink()
}

// TrackInfos describes the current local tracks. The video entry follows the
// active source, so a recording spans camera and screen alike.
func (c *Controller) TrackInfos() []TrackInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []TrackInfo
	video := c.camera
	if c.screen != nil {
		video = c.screen
	}
	if video != nil {
		codec := video.src.Codec()
		out = append(out, TrackInfo{Kind: webrtc.RTPCodecTypeVideo, MimeType: codec.MimeType, ClockRate: codec.ClockRate})
	}
	if c.mic != nil {
		codec := c.mic.src.Codec()
		out = append(out, TrackInfo{Kind: webrtc.RTPCodecTypeAudio, MimeType: codec.MimeType, ClockRate: codec.ClockRate})
	}
	return out
}

// SetRecordingSink taps the local outgoing stream for recording. One sink at
// a time.
func (c *Controller) SetRecordingSink(sink RecordingSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// ClearRecordingSink removes the recording tap.
func (c *Controller) ClearRecordingSink() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = nil
}

func (c *Controller) currentSink() RecordingSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink
}

// pump forwards RTP from a source into its sendable track while enabled,
// and feeds the recording sink. Exits on source EOF; a screen source ending
// externally triggers an automatic StopScreenShare.
func (c *Controller) pump(t *outTrack) {
	for {
		ptr := rtpBufferPool.Get().(*[]byte)
		buf := *ptr
		n, err := t.src.Read(buf)
		if err != nil {
			rtpBufferPool.Put(ptr)
			c.onSourceEnded(t)
			return
		}
		if !t.enabled.Load() || !t.active.Load() {
			rtpBufferPool.Put(ptr)
			continue
		}
		_, _ = t.local.Write(buf[:n])
		if sink := c.currentSink(); sink != nil {
			// The sink may hold the packet past this iteration, so it gets
			// its own copy instead of a pooled buffer.
			packet := make([]byte, n)
			copy(packet, buf[:n])
			sink.WriteRTP(t.kind, packet)
		}
		rtpBufferPool.Put(ptr)
	}
}

func (c *Controller) onSourceEnded(t *outTrack) {
	c.mu.Lock()
	isScreen := c.screen == t
	isCamera := c.camera == t
	isMic := c.mic == t
	if isCamera {
		c.camera = nil
	}
	if isMic {
		c.mic = nil
	}
	c.mu.Unlock()

	if isScreen {
		c.log.Info("screen capture ended externally")
		if err := c.StopScreenShare(); err != nil {
			c.log.Warn("auto stop screen share", zap.Error(err))
		}
	}
}

// Close releases every capture device.
func (c *Controller) Close() {
	c.mu.Lock()
	tracks := []*outTrack{c.camera, c.mic, c.screen}
	c.camera, c.mic, c.screen = nil, nil, nil
	c.mu.Unlock()
	for _, t := range tracks {
		if t != nil {
			_ = t.src.Close()
		}
	}
}
