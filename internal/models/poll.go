package models

import (
	"time"

	"github.com/google/uuid"
)

// Poll represents a multiple-choice poll launched during a session.
type Poll struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Question  string    `json:"question"`
	Options   []string  `json:"options"`
	Launched  bool      `json:"launched"`
	Closed    bool      `json:"closed"`
	CreatedAt time.Time `json:"created_at"`
}

// PollAnswer records a participant's answer. One per participant per poll;
// a later answer replaces the earlier one.
type PollAnswer struct {
	PollID        uuid.UUID `json:"poll_id"`
	ParticipantID uuid.UUID `json:"participant_id"`
	Option        int       `json:"option"`
	AnsweredAt    time.Time `json:"answered_at"`
}
