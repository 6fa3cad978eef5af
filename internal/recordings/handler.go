package recordings

import (
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/schoolportally/live-backend/internal/middleware"
	"github.com/schoolportally/live-backend/internal/models"
	"github.com/schoolportally/live-backend/internal/session"
	"github.com/schoolportally/live-backend/pkg/queue"
	"github.com/schoolportally/live-backend/pkg/response"
	"github.com/schoolportally/live-backend/pkg/storage"
)

// RegisterRequest is the body for POST /sessions/:id/recordings. The
// recording agent reports a finished local file; the upload worker ships it
// to S3 asynchronously.
type RegisterRequest struct {
	LocalPath   string `json:"local_path" binding:"required"`
	DurationSec int    `json:"duration_sec"`
}

// Handler handles recording HTTP endpoints.
type Handler struct {
	repo        *Repository
	sessionRepo *session.Repository
	s3          *storage.S3
	queue       *queue.Queue
	logger      *zap.Logger
}

// NewHandler creates a recordings handler.
func NewHandler(repo *Repository, sessionRepo *session.Repository, s3 *storage.S3, q *queue.Queue, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, sessionRepo: sessionRepo, s3: s3, queue: q, logger: logger}
}

// Register handles POST /sessions/:id/recordings (owner only). Creates the
// pending row and enqueues the upload job.
func (h *Handler) Register(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	sess, ok := h.ownedSession(c, sessionID)
	if !ok {
		return
	}
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	var size int64
	if info, err := os.Stat(req.LocalPath); err == nil {
		size = info.Size()
	}
	rec := &models.Recording{
		SessionID:   sess.ID,
		Status:      models.RecordingPending,
		LocalPath:   req.LocalPath,
		DurationSec: req.DurationSec,
		SizeBytes:   size,
	}
	if err := h.repo.Create(c.Request.Context(), rec); err != nil {
		h.logger.Error("create recording row failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		response.Internal(c, "failed to register recording")
		return
	}
	if err := h.queue.EnqueueRecordingUpload(c.Request.Context(), queue.RecordingUploadPayload{
		RecordingID: rec.ID,
		SessionID:   sess.ID,
		LocalPath:   req.LocalPath,
	}); err != nil {
		h.logger.Error("enqueue recording upload failed", zap.Error(err), zap.String("recording_id", rec.ID.String()))
		response.Internal(c, "failed to enqueue upload")
		return
	}
	response.Created(c, rec)
}

// ListBySession handles GET /sessions/:id/recordings (owner only).
func (h *Handler) ListBySession(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	if _, ok := h.ownedSession(c, sessionID); !ok {
		return
	}
	list, err := h.repo.ListBySession(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("list recordings failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		response.Internal(c, "failed to list recordings")
		return
	}
	response.OK(c, list)
}

// GenerateDownloadURL handles GET /recordings/:id/download-url (owner only).
func (h *Handler) GenerateDownloadURL(c *gin.Context) {
	recordingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	rec, err := h.repo.GetByID(c.Request.Context(), recordingID)
	if err != nil {
		response.NotFound(c, "recording not found")
		return
	}
	if _, ok := h.ownedSession(c, rec.SessionID); !ok {
		return
	}
	if rec.Status != models.RecordingCompleted || rec.S3Key == "" {
		response.BadRequest(c, "recording not ready for download")
		return
	}
	if h.s3 == nil {
		response.ServiceUnavailable(c, "recording storage not configured")
		return
	}
	expire := h.s3.PresignExpire()
	url, err := h.s3.GeneratePresignedDownloadURL(c.Request.Context(), h.s3.RecordingsBucket(), rec.S3Key, expire)
	if err != nil {
		h.logger.Error("presign recording download failed", zap.Error(err), zap.String("recording_id", recordingID.String()))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, gin.H{"download_url": url, "expires_in": int(expire.Seconds())})
}

func (h *Handler) ownedSession(c *gin.Context, sessionID uuid.UUID) (*models.Session, bool) {
	sess, err := h.sessionRepo.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		response.NotFound(c, "session not found")
		return nil, false
	}
	callerID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	if sess.OwnerID != callerID {
		response.Forbidden(c, "not authorized for this session's recordings")
		return nil, false
	}
	return sess, true
}
