package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/schoolportally/live-backend/internal/models"
	"github.com/schoolportally/live-backend/internal/session"
	"github.com/schoolportally/live-backend/internal/signal"
)

// serverSender marks frames originated by the server itself.
const serverSender = "server"

// Coordinator applies signaling messages to live session state and decides
// how each kind fans out. Negotiation messages are relayed point-to-point
// without inspection; presence and state messages update the registry first
// and broadcast after.
type Coordinator struct {
	hub      *Hub
	sessions *session.Manager
	service  *session.Service
	logger   *zap.Logger
}

// NewCoordinator creates the message coordinator.
func NewCoordinator(hub *Hub, sessions *session.Manager, service *session.Service, logger *zap.Logger) *Coordinator {
	return &Coordinator{hub: hub, sessions: sessions, service: service, logger: logger}
}

// SessionLive reports whether a session has an active store.
func (co *Coordinator) SessionLive(sessionID uuid.UUID) bool {
	return co.sessions.Get(sessionID) != nil
}

// Handle dispatches one inbound message.
func (co *Coordinator) Handle(c *Client, msg signal.Message) {
	st := co.sessions.Get(c.SessionID)
	if st == nil {
		c.closeConn()
		return
	}

	switch msg.Type {
	case signal.KindJoin:
		co.handleJoin(c, st, msg)
	case signal.KindLeave:
		st.Registry.SetMembership(c.ParticipantID, models.MemberLeft)
		st.Registry.SetConnection(c.ParticipantID, models.ConnDisconnected)
		co.hub.Broadcast(c.SessionID, msg)
	case signal.KindChat:
		co.handleChat(c, st, msg)
	case signal.KindMediaToggle:
		var p signal.MediaTogglePayload
		if msg.Decode(&p) != nil {
			return
		}
		st.Registry.OnMediaToggle(c.ParticipantID, p.Kind, p.Enabled)
		co.hub.Broadcast(c.SessionID, msg)
	case signal.KindHandRaise:
		if !co.allowed(st, c.ParticipantID, func(p models.PermissionSet) bool { return p.HandRaising }) {
			return
		}
		var p signal.HandRaisePayload
		if msg.Decode(&p) != nil {
			return
		}
		st.Registry.OnHandRaise(c.ParticipantID, p.Raised)
		co.hub.Broadcast(c.SessionID, msg)
	case signal.KindScreenShare:
		var p signal.ScreenSharePayload
		if msg.Decode(&p) != nil {
			return
		}
		if p.Enabled && !co.allowed(st, c.ParticipantID, func(ps models.PermissionSet) bool { return ps.ScreenShare }) {
			return
		}
		st.Registry.OnScreenShare(c.ParticipantID, p.Enabled)
		co.hub.Broadcast(c.SessionID, msg)
	case signal.KindOffer, signal.KindAnswer, signal.KindICECandidate:
		// Pure relay. The payload is opaque to the server.
		recipient, err := uuid.Parse(msg.RecipientID)
		if err != nil {
			return
		}
		co.hub.SendToParticipant(c.SessionID, recipient, msg)
	case signal.KindEndSession:
		co.handleEndSession(c, st, msg)
	case signal.KindResyncRequest:
		co.sendResync(c, st)
	case signal.KindPermissionUpdate:
		co.handlePermissionUpdate(c, st, msg)
	case signal.KindAdmit:
		co.handleAdmit(c, st, msg)
	case signal.KindKick:
		co.handleKick(c, st, msg)
	default:
		// resync-response and other server-originated kinds are not accepted
		// from clients.
	}
}

// OnDisconnect marks the participant disconnected. Membership is kept so a
// reconnect within the session keeps its admitted state.
func (co *Coordinator) OnDisconnect(c *Client) {
	if st := co.sessions.Get(c.SessionID); st != nil {
		st.Registry.SetConnection(c.ParticipantID, models.ConnDisconnected)
	}
}

func (co *Coordinator) handleJoin(c *Client, st *session.Store, msg signal.Message) {
	var p signal.JoinPayload
	if err := msg.Decode(&p); err != nil {
		co.logger.Debug("bad join payload", zap.Error(err))
		return
	}
	settings := st.Session.Settings

	role := c.Role
	if st.Session.OwnerID == c.ParticipantID {
		role = models.RoleOwner
	}
	perms := models.ResolvePermissions(settings, role)

	membership := models.MemberJoined
	if settings.EnableWaitingRoom && role != models.RoleOwner {
		membership = models.MemberWaiting
	}
	joinedAt := time.Now()
	// A rejoin keeps the admitted state and original join time.
	if prev, ok := st.Registry.Get(c.ParticipantID); ok && prev.Membership == models.MemberJoined {
		membership = models.MemberJoined
		joinedAt = prev.JoinedAt
		perms = prev.Permissions
	}

	st.Registry.OnJoin(models.Participant{
		ID:         c.ParticipantID,
		Name:       p.Name,
		Role:       role,
		Connection: models.ConnConnected,
		Membership: membership,
		Media: models.MediaState{
			CameraOn:     perms.Camera && !settings.AutoCameraOffOnJoin,
			MicrophoneOn: perms.Microphone && !settings.AutoMuteOnJoin,
		},
		Permissions: perms,
		JoinedAt:    joinedAt,
	})
	st.NotePeak(st.Registry.ConnectedCount())

	co.sendResync(c, st)
	co.hub.Broadcast(c.SessionID, msg)
}

func (co *Coordinator) handleChat(c *Client, st *session.Store, msg signal.Message) {
	if !co.allowed(st, c.ParticipantID, func(p models.PermissionSet) bool { return p.Chat }) {
		return
	}
	var p signal.ChatPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	// The server enforces the length bound even when the sender did not.
	p.Content = signal.TruncateChat(p.Content, st.Session.Settings.MaxChatMessageLength)

	sender, _ := st.Registry.Get(c.ParticipantID)
	entry := models.ChatMessage{
		ID:         uuid.New(),
		SessionID:  c.SessionID,
		AuthorID:   c.ParticipantID,
		AuthorName: sender.Name,
		Content:    p.Content,
		Private:    p.Private,
		SentAt:     time.Now(),
	}

	if p.Private && msg.RecipientID != "" {
		if !st.Session.Settings.EnablePrivateChat {
			return
		}
		recipient, err := uuid.Parse(msg.RecipientID)
		if err != nil {
			return
		}
		entry.RecipientID = &recipient
		st.AppendChat(entry)
		out, err := signal.NewDirect(signal.KindChat, msg.SenderID, msg.RecipientID, p)
		if err != nil {
			return
		}
		co.hub.SendToParticipant(c.SessionID, recipient, out)
		co.hub.SendToParticipant(c.SessionID, c.ParticipantID, out)
		return
	}

	st.AppendChat(entry)
	out, err := signal.New(signal.KindChat, msg.SenderID, p)
	if err != nil {
		return
	}
	co.hub.Broadcast(c.SessionID, out)
}

func (co *Coordinator) handleEndSession(c *Client, st *session.Store, msg signal.Message) {
	if !co.isOwner(st, c.ParticipantID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := co.service.End(ctx, c.SessionID, c.ParticipantID); err != nil {
		co.logger.Error("end session", zap.Error(err), zap.String("session_id", c.SessionID.String()))
		return
	}
	co.hub.Broadcast(c.SessionID, msg)
	co.hub.CloseSession(c.SessionID)
}

func (co *Coordinator) handlePermissionUpdate(c *Client, st *session.Store, msg signal.Message) {
	if !co.isOwner(st, c.ParticipantID) {
		return
	}
	var p signal.PermissionUpdatePayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	target, err := uuid.Parse(p.ParticipantID)
	if err != nil {
		return
	}
	st.Registry.SetPermissions(target, p.Permissions)
	co.hub.Broadcast(c.SessionID, msg)
}

func (co *Coordinator) handleAdmit(c *Client, st *session.Store, msg signal.Message) {
	if !co.isOwner(st, c.ParticipantID) {
		return
	}
	var p signal.AdmitPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	target, err := uuid.Parse(p.ParticipantID)
	if err != nil {
		return
	}
	st.Registry.SetMembership(target, models.MemberJoined)
	st.NotePeak(st.Registry.ConnectedCount())
	co.hub.Broadcast(c.SessionID, msg)
}

func (co *Coordinator) handleKick(c *Client, st *session.Store, msg signal.Message) {
	if !co.isOwner(st, c.ParticipantID) {
		return
	}
	var p signal.KickPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	target, err := uuid.Parse(p.ParticipantID)
	if err != nil {
		return
	}
	st.Registry.SetMembership(target, models.MemberLeft)
	co.hub.Broadcast(c.SessionID, msg)
	co.hub.Disconnect(c.SessionID, target)
}

func (co *Coordinator) sendResync(c *Client, st *session.Store) {
	payload := signal.ResyncResponsePayload{
		Settings:     st.Session.Settings,
		Participants: st.Registry.List(),
	}
	out, err := signal.NewDirect(signal.KindResyncResponse, serverSender, c.ParticipantID.String(), payload)
	if err != nil {
		co.logger.Warn("encode resync", zap.Error(err))
		return
	}
	co.hub.SendToParticipant(c.SessionID, c.ParticipantID, out)
}

func (co *Coordinator) isOwner(st *session.Store, id uuid.UUID) bool {
	return st.Session.OwnerID == id
}

func (co *Coordinator) allowed(st *session.Store, id uuid.UUID, check func(models.PermissionSet) bool) bool {
	p, ok := st.Registry.Get(id)
	if !ok {
		return false
	}
	return check(p.Permissions)
}
