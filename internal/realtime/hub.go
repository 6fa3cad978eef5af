// Package realtime carries the server side of the session signaling channel:
// one websocket per participant, a hub keyed by session, and Redis pub/sub
// for cross-instance fanout.
package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/schoolportally/live-backend/internal/signal"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// AudienceChangeHandler is called when the connected count changes for a
// session (peak tracking).
type AudienceChangeHandler func(sessionID uuid.UUID, count int)

// RedisPublisher publishes a signaling frame for cross-instance fanout.
type RedisPublisher interface {
	PublishSessionFrame(sessionID uuid.UUID, origin string, frame []byte) error
}

// RedisSubscriber subscribes to a session's channel and invokes handler for
// incoming frames.
type RedisSubscriber interface {
	SubscribeSession(sessionID uuid.UUID, handler func(origin string, frame []byte)) (cancel func(), err error)
}

// Hub maintains session_id -> participant_id -> connection and routes
// signaling messages. Local delivery plus Redis publish keeps every instance
// consistent; frames published by this instance are skipped on receipt.
type Hub struct {
	// sessionID -> participantID -> client
	sessions   map[uuid.UUID]map[uuid.UUID]*Client
	subs       map[uuid.UUID]func()
	mu         sync.RWMutex
	instanceID string
	logger     *zap.Logger
	redis      RedisPublisher
	redisSub   RedisSubscriber
	onAudience AudienceChangeHandler
}

// NewHub creates a signaling hub.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	return &Hub{
		sessions:   make(map[uuid.UUID]map[uuid.UUID]*Client),
		subs:       make(map[uuid.UUID]func()),
		instanceID: uuid.New().String(),
		logger:     logger,
		redis:      redisPub,
		redisSub:   redisSub,
	}
}

// SetAudienceChangeHandler sets the callback for connected-count changes.
func (h *Hub) SetAudienceChangeHandler(fn AudienceChangeHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onAudience = fn
}

// Register adds a client to a session room, starting the Redis subscription
// for the session if this is the first local client. A second connection for
// the same participant replaces the first; the old socket is closed.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.sessions[c.SessionID] == nil {
		h.sessions[c.SessionID] = make(map[uuid.UUID]*Client)
		if h.redisSub != nil {
			sessionID := c.SessionID
			cancel, err := h.redisSub.SubscribeSession(sessionID, func(origin string, frame []byte) {
				if origin == h.instanceID {
					return
				}
				h.deliverFrame(sessionID, frame)
			})
			if err == nil {
				h.subs[sessionID] = cancel
			} else {
				h.logger.Warn("session fanout subscribe failed", zap.Error(err), zap.String("session_id", sessionID.String()))
			}
		}
	}
	old := h.sessions[c.SessionID][c.ParticipantID]
	h.sessions[c.SessionID][c.ParticipantID] = c
	count := len(h.sessions[c.SessionID])
	onAudience := h.onAudience
	h.mu.Unlock()

	if old != nil {
		old.closeConn()
	}
	if onAudience != nil {
		onAudience(c.SessionID, count)
	}
	h.logger.Debug("participant connected",
		zap.String("participant_id", c.ParticipantID.String()),
		zap.String("session_id", c.SessionID.String()))
}

// Unregister removes a client from its session room. The Redis subscription
// is cancelled when the last local client leaves. A client that was replaced
// by a newer connection for the same participant is ignored.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	var count int
	if m, ok := h.sessions[c.SessionID]; ok {
		if m[c.ParticipantID] != c {
			h.mu.Unlock()
			return
		}
		delete(m, c.ParticipantID)
		count = len(m)
		if count == 0 {
			delete(h.sessions, c.SessionID)
			if cancel, ok := h.subs[c.SessionID]; ok {
				cancel()
				delete(h.subs, c.SessionID)
			}
		}
	}
	onAudience := h.onAudience
	h.mu.Unlock()
	if onAudience != nil && count > 0 {
		onAudience(c.SessionID, count)
	}
	h.logger.Debug("participant disconnected",
		zap.String("participant_id", c.ParticipantID.String()),
		zap.String("session_id", c.SessionID.String()))
}

// deliverFrame routes a marshaled message to local clients: directed frames
// go to one participant, everything else to the whole room.
func (h *Hub) deliverFrame(sessionID uuid.UUID, frame []byte) {
	msg, err := signal.Parse(frame)
	if err != nil {
		return
	}
	if msg.Directed() {
		id, err := uuid.Parse(msg.RecipientID)
		if err != nil {
			return
		}
		h.sendLocal(sessionID, id, frame)
		return
	}
	h.broadcastLocal(sessionID, frame)
}

func (h *Hub) broadcastLocal(sessionID uuid.UUID, frame []byte) {
	h.mu.RLock()
	clients := h.sessions[sessionID]
	targets := make([]*Client, 0, len(clients))
	for _, c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- frame:
		default:
			// buffer full, skip
		}
	}
}

func (h *Hub) sendLocal(sessionID, participantID uuid.UUID, frame []byte) bool {
	h.mu.RLock()
	c := h.sessions[sessionID][participantID]
	h.mu.RUnlock()
	if c == nil {
		return false
	}
	select {
	case c.send <- frame:
	default:
	}
	return true
}

// Broadcast sends a message to every client in a session, locally and through
// Redis for other instances.
func (h *Hub) Broadcast(sessionID uuid.UUID, msg signal.Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.broadcastLocal(sessionID, frame)
	if h.redis != nil {
		_ = h.redis.PublishSessionFrame(sessionID, h.instanceID, frame)
	}
}

// SendToParticipant delivers a message to one participant. Negotiation relay
// uses this; if the recipient is connected to another instance the frame
// reaches it over Redis.
func (h *Hub) SendToParticipant(sessionID, participantID uuid.UUID, msg signal.Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	delivered := h.sendLocal(sessionID, participantID, frame)
	if !delivered && h.redis != nil {
		_ = h.redis.PublishSessionFrame(sessionID, h.instanceID, frame)
	}
}

// AudienceCount returns the number of connected clients in a session on this
// instance.
func (h *Hub) AudienceCount(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// CloseSession force-closes every local connection in a session. Called after
// end-session so lingering sockets do not hold the room open.
func (h *Hub) CloseSession(sessionID uuid.UUID) {
	h.mu.RLock()
	clients := h.sessions[sessionID]
	targets := make([]*Client, 0, len(clients))
	for _, c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.closeConn()
	}
}

// Disconnect force-closes one participant's connection, if present locally.
func (h *Hub) Disconnect(sessionID, participantID uuid.UUID) {
	h.mu.RLock()
	c := h.sessions[sessionID][participantID]
	h.mu.RUnlock()
	if c != nil {
		c.closeConn()
	}
}
