package models

import (
	"time"

	"github.com/google/uuid"
)

// Recording statuses.
const (
	RecordingPending   = "pending"
	RecordingUploading = "uploading"
	RecordingCompleted = "completed"
	RecordingFailed    = "failed"
)

// Recording is the archive metadata for one finished local recording.
type Recording struct {
	ID          uuid.UUID `json:"id"`
	SessionID   uuid.UUID `json:"session_id"`
	Status      string    `json:"status"`
	LocalPath   string    `json:"local_path,omitempty"`
	S3Key       string    `json:"s3_key,omitempty"`
	S3URL       string    `json:"s3_url,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	DurationSec int       `json:"duration_sec"`
	CreatedAt   time.Time `json:"created_at"`
}
