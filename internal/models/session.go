package models

import (
	"time"

	"github.com/google/uuid"
)

// Session lifecycle statuses.
const (
	SessionScheduled = "scheduled"
	SessionLive      = "live"
	SessionEnded     = "ended"
)

// SessionSettings is the fixed set of capability flags negotiated at session
// creation. Immutable for the session's lifetime; per-participant overrides are
// applied on the Participant, never here.
type SessionSettings struct {
	AllowStudentCamera      bool `json:"allow_student_camera"`
	AllowStudentMicrophone  bool `json:"allow_student_microphone"`
	AllowStudentScreenShare bool `json:"allow_student_screen_share"`
	AllowStudentChat        bool `json:"allow_student_chat"`
	AutoMuteOnJoin          bool `json:"auto_mute_on_join"`
	AutoCameraOffOnJoin     bool `json:"auto_camera_off_on_join"`
	EnableWaitingRoom       bool `json:"enable_waiting_room"`
	EnableRecording         bool `json:"enable_recording"`
	EnableHandRaising       bool `json:"enable_hand_raising"`
	EnablePrivateChat       bool `json:"enable_private_chat"`
	MaxChatMessageLength    int  `json:"max_chat_message_length"`
}

// DefaultSettings returns the settings applied when a teacher starts a class
// without explicit configuration.
func DefaultSettings() SessionSettings {
	return SessionSettings{
		AllowStudentCamera:      true,
		AllowStudentMicrophone:  true,
		AllowStudentScreenShare: false,
		AllowStudentChat:        true,
		AutoMuteOnJoin:          true,
		AutoCameraOffOnJoin:     false,
		EnableWaitingRoom:       false,
		EnableRecording:         true,
		EnableHandRaising:       true,
		EnablePrivateChat:       false,
		MaxChatMessageLength:    500,
	}
}

// Session represents one live class instance.
type Session struct {
	ID        uuid.UUID       `json:"id"`
	Title     string          `json:"title"`
	OwnerID   uuid.UUID       `json:"owner_id"`
	Settings  SessionSettings `json:"settings"`
	Status    string          `json:"status"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
