// Package signalclient maintains the participant side of the session
// signaling channel: one logical connection per session with automatic
// reconnect and per-kind message dispatch.
package signalclient

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/schoolportally/live-backend/internal/signal"
)

const (
	// DefaultReconnectInterval is the fixed delay between reconnect
	// attempts. Retries are unbounded; only leaving the session stops them.
	DefaultReconnectInterval = 3 * time.Second

	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 256
)

// Status is the transport state, surfaced so the UI can show a transient
// reconnecting indicator.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusClosed       Status = "closed"
)

// Config configures a signaling client.
type Config struct {
	// ServerURL is the ws endpoint, e.g. ws://host:8080/ws.
	ServerURL     string
	SessionID     uuid.UUID
	ParticipantID uuid.UUID
	Name          string
	Role          string
	Token         string
	// MaxChatLength truncates outgoing chat at the sender. Zero disables.
	MaxChatLength     int
	ReconnectInterval time.Duration
	Logger            *zap.Logger
}

// Handler processes one received message kind.
type Handler func(msg signal.Message)

// Client is the session signaling channel. Messages sent while the transport
// is down are dropped, not queued; reconnect re-sends a fresh join plus a
// resync request so the server restores a consistent roster view.
type Client struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	connStop chan struct{}
	handlers map[signal.Kind]Handler
	status   Status
	onStatus func(Status)

	// writeMu serializes all conn writes: the write pump, the join
	// handshake and the leave frame. The websocket permits one writer.
	writeMu sync.Mutex

	out  chan signal.Message
	done chan struct{}
}

// NewClient creates a signaling client. Register handlers before Connect.
func NewClient(cfg Config) *Client {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		log:      log,
		handlers: make(map[signal.Kind]Handler),
		status:   StatusReconnecting,
		out:      make(chan signal.Message, sendBuffer),
		done:     make(chan struct{}),
	}
}

// Handle registers the handler for one message kind. Exactly one handler per
// kind; a later registration replaces the earlier one.
func (c *Client) Handle(kind signal.Kind, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = h
}

// OnStatusChange registers a transport status callback.
func (c *Client) OnStatusChange(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = fn
}

// Status returns the transport state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	fn := c.onStatus
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Connect opens the transport and immediately announces the participant. On
// transport loss the client reconnects with a fixed delay until Leave or ctx
// cancellation.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	go c.run(ctx)
	return nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("session_id", c.cfg.SessionID.String())
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.connStop = stop
	c.mu.Unlock()

	go c.writeLoop(conn, stop)
	c.setStatus(StatusConnected)

	// A fresh join (plus resync request) is the whole reconciliation story:
	// the server replies with the authoritative roster.
	if err := c.sendNow(c.joinMessage()); err != nil {
		return err
	}
	resync, _ := signal.New(signal.KindResyncRequest, c.senderID(), nil)
	return c.sendNow(resync)
}

func (c *Client) senderID() string { return c.cfg.ParticipantID.String() }

func (c *Client) joinMessage() signal.Message {
	msg, _ := signal.New(signal.KindJoin, c.senderID(), signal.JoinPayload{
		Name: c.cfg.Name,
		Role: c.cfg.Role,
	})
	return msg
}

// run owns the read loop and the reconnect cycle.
func (c *Client) run(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		stop := c.connStop
		c.mu.Unlock()
		if conn != nil {
			// Unblock the read loop when the caller cancels.
			go func() {
				select {
				case <-ctx.Done():
					_ = conn.Close()
				case <-stop:
				}
			}()
		}
		c.readLoop()
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			c.Leave()
			return
		default:
		}

		c.setStatus(StatusReconnecting)
		for {
			select {
			case <-c.done:
				return
			case <-ctx.Done():
				c.Leave()
				return
			case <-time.After(c.cfg.ReconnectInterval):
			}
			if err := c.dial(ctx); err != nil {
				c.log.Debug("reconnect attempt failed", zap.Error(err))
				continue
			}
			c.log.Info("signaling channel reconnected", zap.String("session_id", c.cfg.SessionID.String()))
			break
		}
	}
}

func (c *Client) readLoop() {
	c.mu.Lock()
	conn := c.conn
	stop := c.connStop
	c.mu.Unlock()
	if conn == nil {
		return
	}
	defer func() {
		close(stop)
		_ = conn.Close()
	}()

	conn.SetReadLimit(65536)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := signal.Parse(data)
		if err != nil {
			c.log.Warn("ignoring malformed message", zap.Error(err))
			continue
		}
		c.mu.Lock()
		handler := c.handlers[msg.Type]
		c.mu.Unlock()
		if handler == nil {
			c.log.Debug("no handler for message kind", zap.String("kind", string(msg.Type)))
			continue
		}
		handler(msg)
	}
}

func (c *Client) writeLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case msg := <-c.out:
			if err := c.writeJSON(conn, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send enqueues a message for transmission. While the transport is down the
// message is dropped: reconnect reconciles state through a fresh join, not a
// replay.
func (c *Client) Send(msg signal.Message) error {
	if c.Status() != StatusConnected {
		c.log.Debug("message dropped while disconnected", zap.String("kind", string(msg.Type)))
		return nil
	}
	select {
	case c.out <- msg:
	default:
		c.log.Warn("send buffer full, message dropped", zap.String("kind", string(msg.Type)))
	}
	return nil
}

// writeJSON is the single point every conn write goes through.
func (c *Client) writeJSON(conn *websocket.Conn, msg signal.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// sendNow writes directly, bypassing the queue. Used for the join handshake
// right after dialing, before status consumers catch up.
func (c *Client) sendNow(msg signal.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.writeJSON(conn, msg)
}

// SendChat broadcasts a chat message, truncated to the session's max length
// before transmission.
func (c *Client) SendChat(content string, private bool, recipientID string) error {
	payload := signal.ChatPayload{
		Content: signal.TruncateChat(content, c.cfg.MaxChatLength),
		Private: private,
	}
	msg, err := signal.NewDirect(signal.KindChat, c.senderID(), recipientID, payload)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// SendHandRaise broadcasts a hand-raise change.
func (c *Client) SendHandRaise(raised bool) error {
	msg, err := signal.New(signal.KindHandRaise, c.senderID(), signal.HandRaisePayload{Raised: raised})
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// SendMediaToggle broadcasts a camera/microphone flag change.
func (c *Client) SendMediaToggle(kind string, enabled bool) error {
	msg, err := signal.New(signal.KindMediaToggle, c.senderID(), signal.MediaTogglePayload{Kind: kind, Enabled: enabled})
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// SendScreenShare broadcasts a screen-share change.
func (c *Client) SendScreenShare(enabled bool) error {
	msg, err := signal.New(signal.KindScreenShare, c.senderID(), signal.ScreenSharePayload{Enabled: enabled})
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// SendOffer relays an SDP offer to one remote participant.
func (c *Client) SendOffer(recipientID uuid.UUID, sdp webrtc.SessionDescription) error {
	msg, err := signal.NewDirect(signal.KindOffer, c.senderID(), recipientID.String(), signal.SDPPayload{
		Type: sdp.Type.String(),
		SDP:  sdp.SDP,
	})
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// SendAnswer relays an SDP answer to one remote participant.
func (c *Client) SendAnswer(recipientID uuid.UUID, sdp webrtc.SessionDescription) error {
	msg, err := signal.NewDirect(signal.KindAnswer, c.senderID(), recipientID.String(), signal.SDPPayload{
		Type: sdp.Type.String(),
		SDP:  sdp.SDP,
	})
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// SendICECandidate relays one ICE candidate to one remote participant.
func (c *Client) SendICECandidate(recipientID uuid.UUID, cand webrtc.ICECandidateInit) error {
	msg, err := signal.NewDirect(signal.KindICECandidate, c.senderID(), recipientID.String(), cand)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// Leave announces departure, stops reconnecting and closes the transport.
func (c *Client) Leave() {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
	}
	close(c.done)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		leave, _ := signal.New(signal.KindLeave, c.senderID(), nil)
		_ = c.writeJSON(conn, leave)
		_ = conn.Close()
	}
	c.setStatus(StatusClosed)
}
