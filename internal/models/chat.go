package models

import (
	"time"

	"github.com/google/uuid"
)

// ChatMessage is one chat entry in a session. Private messages carry the
// recipient and are delivered point-to-point instead of broadcast.
type ChatMessage struct {
	ID          uuid.UUID  `json:"id"`
	SessionID   uuid.UUID  `json:"session_id"`
	AuthorID    uuid.UUID  `json:"author_id"`
	AuthorName  string     `json:"author_name"`
	Content     string     `json:"content"`
	Private     bool       `json:"private"`
	RecipientID *uuid.UUID `json:"recipient_id,omitempty"`
	SentAt      time.Time  `json:"sent_at"`
}
