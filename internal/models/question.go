package models

import (
	"time"

	"github.com/google/uuid"
)

// Question represents a Q&A item raised by a participant.
type Question struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	AuthorID  uuid.UUID `json:"author_id"`
	Content   string    `json:"content"`
	Approved  bool      `json:"approved"`
	Answered  bool      `json:"answered"`
	Votes     int       `json:"votes"`
	CreatedAt time.Time `json:"created_at"`
}
