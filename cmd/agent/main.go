// Package main runs the headless class agent. It joins a live session as a
// regular participant, publishes loopback RTP captures over the peer mesh,
// records the local stream to disk and registers the finished file with the
// server when the session ends.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	ossignal "os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/schoolportally/live-backend/config"
	"github.com/schoolportally/live-backend/internal/auth"
	"github.com/schoolportally/live-backend/internal/media"
	"github.com/schoolportally/live-backend/internal/models"
	"github.com/schoolportally/live-backend/internal/peer"
	"github.com/schoolportally/live-backend/internal/recorder"
	"github.com/schoolportally/live-backend/internal/signal"
	"github.com/schoolportally/live-backend/internal/signalclient"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Agent.SessionID == "" || cfg.Agent.Token == "" {
		logger.Fatal("AGENT_SESSION_ID and AGENT_TOKEN are required")
	}
	sessionID, err := uuid.Parse(cfg.Agent.SessionID)
	if err != nil {
		logger.Fatal("parse session id", zap.Error(err))
	}
	selfID, role, err := identityFromToken(cfg.Agent.Token)
	if err != nil {
		logger.Fatal("parse token", zap.Error(err))
	}
	apiBase, err := apiBaseURL(cfg.Agent.ServerURL)
	if err != nil {
		logger.Fatal("parse server url", zap.Error(err))
	}

	client := signalclient.NewClient(signalclient.Config{
		ServerURL:     cfg.Agent.ServerURL,
		SessionID:     sessionID,
		ParticipantID: selfID,
		Name:          cfg.Agent.Name,
		Role:          role,
		Token:         cfg.Agent.Token,
		Logger:        logger,
	})

	manager := peer.NewManager(
		peer.NewPionFactory(iceServers(cfg)),
		client,
		time.Duration(cfg.WebRTC.NegotiationTimeoutSec)*time.Second,
		logger,
	)

	provider := media.NewRTPProvider(media.RTPProviderConfig{
		CameraAddr:     cfg.Agent.CameraAddr,
		MicrophoneAddr: cfg.Agent.MicrophoneAddr,
		ScreenAddr:     cfg.Agent.ScreenAddr,
	})
	mediaCtl := media.NewController(provider, manager, client, models.PermissionSet{}, logger)

	rec := recorder.NewController(mediaCtl, cfg.Recording.OutputDir, logger)
	rec.SetMaxDuration(cfg.Recording.MaxDurationSec)

	a := &agent{
		log:       logger,
		client:    client,
		manager:   manager,
		media:     mediaCtl,
		recorder:  rec,
		selfID:    selfID,
		sessionID: sessionID,
		token:     cfg.Agent.Token,
		apiBase:   apiBase,
		done:      make(chan struct{}),
	}
	a.registerHandlers()
	go a.drainEvents()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		logger.Fatal("connect signaling channel", zap.Error(err))
	}
	logger.Info("agent joined session",
		zap.String("session_id", sessionID.String()),
		zap.String("participant_id", selfID.String()))

	quit := make(chan os.Signal, 1)
	ossignal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-a.done:
	}

	a.shutdown()
	logger.Info("agent stopped")
}

// agent wires the signaling client, the peer mesh, the local media controller
// and the recorder into one headless participant.
type agent struct {
	log       *zap.Logger
	client    *signalclient.Client
	manager   *peer.Manager
	media     *media.Controller
	recorder  *recorder.Controller
	selfID    uuid.UUID
	sessionID uuid.UUID
	token     string
	apiBase   string

	setupOnce sync.Once
	quitOnce  sync.Once
	stopOnce  sync.Once
	startedAt time.Time
	done      chan struct{}
}

func (a *agent) registerHandlers() {
	a.client.Handle(signal.KindResyncResponse, a.onResync)
	a.client.Handle(signal.KindOffer, a.onOffer)
	a.client.Handle(signal.KindAnswer, a.onAnswer)
	a.client.Handle(signal.KindICECandidate, a.onICECandidate)
	a.client.Handle(signal.KindLeave, a.onLeave)
	a.client.Handle(signal.KindKick, a.onKick)
	a.client.Handle(signal.KindEndSession, func(signal.Message) { a.quit() })
	a.client.Handle(signal.KindPermissionUpdate, a.onPermissionUpdate)
	a.client.Handle(signal.KindJoin, func(msg signal.Message) {
		// The joiner dials existing participants after its own resync, so
		// there is nothing to initiate from this side.
		a.log.Debug("participant joined", zap.String("participant_id", msg.SenderID))
	})
}

// onResync applies the server's authoritative roster: permissions for this
// participant, first-time media setup, and a dial to every joined participant
// this agent has no link with yet.
func (a *agent) onResync(msg signal.Message) {
	var payload signal.ResyncResponsePayload
	if err := msg.Decode(&payload); err != nil {
		a.log.Warn("decode resync response", zap.Error(err))
		return
	}

	for _, p := range payload.Participants {
		if p.ID == a.selfID {
			a.media.SetPermissions(p.Permissions)
			break
		}
	}

	a.setupOnce.Do(func() { a.setup(payload) })

	for _, p := range payload.Participants {
		if p.ID == a.selfID || p.Membership != models.MemberJoined || p.Connection == models.ConnDisconnected {
			continue
		}
		if a.manager.Link(p.ID) != nil {
			continue
		}
		if err := a.manager.Connect(p.ID); err != nil {
			a.log.Warn("connect to participant", zap.String("participant_id", p.ID.String()), zap.Error(err))
		}
	}
}

func (a *agent) setup(payload signal.ResyncResponsePayload) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.media.Acquire(ctx, true, true); err != nil {
		// Both failure modes are recoverable: the agent stays in the session
		// without the missing device.
		a.log.Warn("acquire media", zap.Error(err))
	}
	a.manager.SetLocalTracks(a.media.AudioTrack(), a.media.OutgoingVideoTrack())

	if payload.Settings.EnableRecording {
		recordingID := uuid.New()
		path, err := a.recorder.Start(ctx, recordingID)
		if err != nil {
			a.log.Error("start recording", zap.Error(err))
			return
		}
		a.startedAt = time.Now()
		a.log.Info("session recording started", zap.String("path", path))
	}
}

func (a *agent) onOffer(msg signal.Message) {
	from, sdp, ok := a.decodeSDP(msg)
	if !ok {
		return
	}
	if err := a.manager.HandleOffer(from, sdp); err != nil {
		a.log.Warn("handle offer", zap.String("participant_id", from.String()), zap.Error(err))
	}
}

func (a *agent) onAnswer(msg signal.Message) {
	from, sdp, ok := a.decodeSDP(msg)
	if !ok {
		return
	}
	if err := a.manager.HandleAnswer(from, sdp); err != nil {
		a.log.Warn("handle answer", zap.String("participant_id", from.String()), zap.Error(err))
	}
}

func (a *agent) onICECandidate(msg signal.Message) {
	from, err := uuid.Parse(msg.SenderID)
	if err != nil {
		return
	}
	var cand webrtc.ICECandidateInit
	if err := msg.Decode(&cand); err != nil {
		a.log.Warn("decode ice candidate", zap.Error(err))
		return
	}
	if err := a.manager.HandleICECandidate(from, cand); err != nil {
		a.log.Warn("handle ice candidate", zap.String("participant_id", from.String()), zap.Error(err))
	}
}

func (a *agent) decodeSDP(msg signal.Message) (uuid.UUID, webrtc.SessionDescription, bool) {
	from, err := uuid.Parse(msg.SenderID)
	if err != nil {
		return uuid.Nil, webrtc.SessionDescription{}, false
	}
	var payload signal.SDPPayload
	if err := msg.Decode(&payload); err != nil {
		a.log.Warn("decode sdp payload", zap.Error(err))
		return uuid.Nil, webrtc.SessionDescription{}, false
	}
	return from, webrtc.SessionDescription{Type: webrtc.NewSDPType(payload.Type), SDP: payload.SDP}, true
}

func (a *agent) onLeave(msg signal.Message) {
	if from, err := uuid.Parse(msg.SenderID); err == nil {
		a.manager.CloseLink(from)
	}
}

func (a *agent) onKick(msg signal.Message) {
	var payload signal.KickPayload
	if err := msg.Decode(&payload); err != nil {
		return
	}
	if payload.ParticipantID == a.selfID.String() {
		a.log.Info("kicked from session", zap.String("reason", payload.Reason))
		a.quit()
		return
	}
	if id, err := uuid.Parse(payload.ParticipantID); err == nil {
		a.manager.CloseLink(id)
	}
}

func (a *agent) onPermissionUpdate(msg signal.Message) {
	var payload signal.PermissionUpdatePayload
	if err := msg.Decode(&payload); err != nil {
		return
	}
	if payload.ParticipantID == a.selfID.String() {
		a.media.SetPermissions(payload.Permissions)
	}
}

// drainEvents consumes the peer manager's event stream. Remote tracks are
// read and discarded so their receive buffers keep flowing; the agent only
// records its own outgoing stream.
func (a *agent) drainEvents() {
	for e := range a.manager.Events() {
		switch e.Kind {
		case peer.EventLinkConnected:
			a.log.Info("peer link connected", zap.String("participant_id", e.RemoteID.String()))
		case peer.EventNegotiationFailed:
			a.log.Warn("peer negotiation failed", zap.String("participant_id", e.RemoteID.String()), zap.Error(e.Err))
		case peer.EventLinkClosed:
			a.log.Debug("peer link closed", zap.String("participant_id", e.RemoteID.String()))
		case peer.EventRemoteTrack:
			go drainTrack(e.Track)
		}
	}
}

func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func (a *agent) quit() {
	a.quitOnce.Do(func() { close(a.done) })
}

// shutdown stops the recording, registers the finished file with the server
// and tears down every connection.
func (a *agent) shutdown() {
	a.stopOnce.Do(func() {
		if a.recorder.Active() {
			path, err := a.recorder.Stop()
			if err != nil {
				a.log.Error("stop recording", zap.Error(err))
			} else {
				duration := int(time.Since(a.startedAt).Seconds())
				if err := a.registerRecording(path, duration); err != nil {
					a.log.Error("register recording", zap.String("path", path), zap.Error(err))
				} else {
					a.log.Info("recording registered", zap.String("path", path), zap.Int("duration_sec", duration))
				}
			}
		}
		a.manager.CloseAll()
		a.client.Leave()
		a.media.Close()
	})
}

// registerRecording reports the finished file over the REST API so the upload
// worker ships it to object storage.
func (a *agent) registerRecording(path string, durationSec int) error {
	body, err := json.Marshal(map[string]any{
		"local_path":   path,
		"duration_sec": durationSec,
	})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/sessions/%s/recordings", a.apiBase, a.sessionID)
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.token)

	httpClient := &http.Client{Timeout: 15 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("register recording: status %d", resp.StatusCode)
	}
	return nil
}

// identityFromToken reads the participant id and role out of the portal JWT.
// The server is the verifier; the agent only needs its own identity.
func identityFromToken(token string) (uuid.UUID, string, error) {
	claims := &auth.Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return uuid.Nil, "", err
	}
	if claims.UserID == uuid.Nil {
		return uuid.Nil, "", fmt.Errorf("token has no user id")
	}
	return claims.UserID, claims.Role, nil
}

// apiBaseURL derives the REST base from the ws endpoint (ws://host/ws
// becomes http://host).
func apiBaseURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws")
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(cfg.WebRTC.ICEUrls) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.WebRTC.ICEUrls})
	}
	if cfg.TURN.Enabled && cfg.TURN.PublicIP != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{fmt.Sprintf("turn:%s:%d", cfg.TURN.PublicIP, cfg.TURN.Port)},
			Username:   cfg.TURN.Username,
			Credential: cfg.TURN.Password,
		})
	}
	return servers
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
