// Package signal defines the wire protocol for live-class session coordination.
// Every message is a tagged envelope with one typed payload per kind; decoding
// fails closed so a malformed or unknown message can never take a session down.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"

	"github.com/schoolportally/live-backend/internal/models"
)

// Kind identifies the message variant.
type Kind string

const (
	KindJoin         Kind = "join"
	KindLeave        Kind = "leave"
	KindChat         Kind = "chat"
	KindMediaToggle  Kind = "media-toggle"
	KindHandRaise    Kind = "hand-raise"
	KindScreenShare  Kind = "screen-share"
	KindOffer        Kind = "webrtc-offer"
	KindAnswer       Kind = "webrtc-answer"
	KindICECandidate Kind = "webrtc-ice-candidate"
	KindEndSession   Kind = "end-session"

	// Reconnect reconciliation: a rejoining participant asks for the roster
	// instead of relying on best-effort rebroadcast.
	KindResyncRequest  Kind = "resync-request"
	KindResyncResponse Kind = "resync-response"

	// Owner control messages.
	KindPermissionUpdate Kind = "permission-update"
	KindAdmit            Kind = "admit"
	KindKick             Kind = "kick"

	// Server-originated engagement broadcasts. Never accepted from clients.
	KindPollLaunch       Kind = "poll-launch"
	KindPollClose        Kind = "poll-close"
	KindQuestionAsked    Kind = "question-asked"
	KindQuestionApproved Kind = "question-approved"
)

var validKinds = map[Kind]struct{}{
	KindJoin: {}, KindLeave: {}, KindChat: {}, KindMediaToggle: {},
	KindHandRaise: {}, KindScreenShare: {}, KindOffer: {}, KindAnswer: {},
	KindICECandidate: {}, KindEndSession: {}, KindResyncRequest: {},
	KindResyncResponse: {}, KindPermissionUpdate: {}, KindAdmit: {}, KindKick: {},
	KindPollLaunch: {}, KindPollClose: {}, KindQuestionAsked: {}, KindQuestionApproved: {},
}

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	_, ok := validKinds[k]
	return ok
}

// ErrUnknownKind is returned when decoding a message whose kind is not part of
// the protocol. Callers log and ignore; it is never fatal.
var ErrUnknownKind = errors.New("unknown message kind")

// Message is the wire envelope. Negotiation and other point-to-point messages
// carry a recipient id; presence and state messages are broadcast and leave it
// empty.
type Message struct {
	Type        Kind            `json:"type"`
	SenderID    string          `json:"senderId"`
	RecipientID string          `json:"recipientId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Directed reports whether the message is addressed to a single recipient.
func (m Message) Directed() bool { return m.RecipientID != "" }

// Decode unmarshals the payload into v. The payload may be empty for kinds
// that carry no fields (leave, end-session, resync-request).
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// New builds a broadcast message.
func New(kind Kind, senderID string, payload any) (Message, error) {
	return NewDirect(kind, senderID, "", payload)
}

// NewDirect builds a point-to-point message.
func NewDirect(kind Kind, senderID, recipientID string, payload any) (Message, error) {
	m := Message{Type: kind, SenderID: senderID, RecipientID: recipientID}
	if payload == nil {
		return m, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	m.Payload = raw
	return m, nil
}

// Parse decodes a raw frame into a Message and rejects unknown kinds.
func Parse(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("parse message: %w", err)
	}
	if !m.Type.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, m.Type)
	}
	return m, nil
}

// Media kinds used in media-toggle payloads.
const (
	MediaCamera     = "camera"
	MediaMicrophone = "microphone"
)

// JoinPayload announces a participant entering (or re-entering) the session.
type JoinPayload struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// ChatPayload carries one chat message. Content is truncated at the sender to
// the session's max chat length; the server enforces the same bound.
type ChatPayload struct {
	Content string `json:"content"`
	Private bool   `json:"private,omitempty"`
}

// MediaTogglePayload flips a camera or microphone flag. It never triggers
// renegotiation; track enabled state changes locally and this message only
// synchronizes registries.
type MediaTogglePayload struct {
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}

// HandRaisePayload raises or lowers a hand.
type HandRaisePayload struct {
	Raised bool `json:"raised"`
}

// ScreenSharePayload announces screen share start/stop.
type ScreenSharePayload struct {
	Enabled bool `json:"enabled"`
}

// SDPPayload carries an offer or answer.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload carries one ICE candidate.
type ICECandidatePayload = webrtc.ICECandidateInit

// ResyncResponsePayload is the server's authoritative roster, sent directly to
// a joining or rejoining participant.
type ResyncResponsePayload struct {
	Settings     models.SessionSettings `json:"settings"`
	Participants []models.Participant   `json:"participants"`
}

// PermissionUpdatePayload is an owner-issued override of one attendee's
// permission set.
type PermissionUpdatePayload struct {
	ParticipantID string               `json:"participantId"`
	Permissions   models.PermissionSet `json:"permissions"`
}

// AdmitPayload moves a waiting participant into the session.
type AdmitPayload struct {
	ParticipantID string `json:"participantId"`
}

// KickPayload removes a participant from the session.
type KickPayload struct {
	ParticipantID string `json:"participantId"`
	Reason        string `json:"reason,omitempty"`
}

// TruncateChat bounds a chat message to max runes. A non-positive max leaves
// the content unchanged.
func TruncateChat(content string, max int) string {
	if max <= 0 {
		return content
	}
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	return string(runes[:max])
}
