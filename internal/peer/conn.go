// Package peer owns one negotiated media connection per remote participant,
// using the signaling channel purely as a relay for handshake payloads.
package peer

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v3"
)

// Conn abstracts the platform peer connection primitive so links can be
// exercised in tests without a network.
type Conn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (TrackSender, error)
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(track *webrtc.TrackRemote))
	OnStateChange(fn func(state webrtc.PeerConnectionState))
	Close() error
}

// TrackSender is the sending half of one outgoing track, supporting in-place
// substitution without renegotiating from scratch.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// ConnFactory creates the underlying connection for a new link.
type ConnFactory func() (Conn, error)

// NewPionFactory returns a ConnFactory backed by pion with default codecs and
// a NACK responder.
func NewPionFactory(iceServers []webrtc.ICEServer) ConnFactory {
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	cfg := webrtc.Configuration{ICEServers: iceServers}
	return func() (Conn, error) {
		mediaEngine := &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
		registry := &interceptor.Registry{}
		responder, err := nack.NewResponderInterceptor()
		if err != nil {
			return nil, fmt.Errorf("create nack responder: %w", err)
		}
		registry.Add(responder)

		api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(registry))
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, fmt.Errorf("create peer connection: %w", err)
		}
		return &pionConn{pc: pc}, nil
	}
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sdp)
}

func (c *pionConn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sdp)
}

func (c *pionConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(cand)
}

func (c *pionConn) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	return c.pc.AddTrack(track)
}

func (c *pionConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		fn(cand.ToJSON())
	})
}

func (c *pionConn) OnTrack(fn func(track *webrtc.TrackRemote)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (c *pionConn) OnStateChange(fn func(state webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *pionConn) Close() error { return c.pc.Close() }
