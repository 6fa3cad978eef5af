package session

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/schoolportally/live-backend/internal/middleware"
	"github.com/schoolportally/live-backend/internal/models"
	"github.com/schoolportally/live-backend/internal/signal"
	"github.com/schoolportally/live-backend/pkg/response"
)

// Notifier pushes owner actions taken over REST into the signaling channel so
// connected participants observe them immediately.
type Notifier interface {
	Broadcast(sessionID uuid.UUID, msg signal.Message)
	Disconnect(sessionID, participantID uuid.UUID)
}

// CreateRequest is the body for POST /sessions.
type CreateRequest struct {
	Title    string                  `json:"title" binding:"required"`
	Settings *models.SessionSettings `json:"settings"`
}

// Handler handles session HTTP endpoints.
type Handler struct {
	svc    *Service
	repo   *Repository
	notify Notifier
}

// NewHandler creates a session handler.
func NewHandler(svc *Service, repo *Repository, notify Notifier) *Handler {
	return &Handler{svc: svc, repo: repo, notify: notify}
}

// Create handles POST /sessions (teacher only).
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ownerID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	settings := models.DefaultSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}
	sess, err := h.svc.Create(c.Request.Context(), req.Title, ownerID, settings)
	if err != nil {
		response.Internal(c, "failed to create session")
		return
	}
	response.Created(c, sess)
}

// GetByID handles GET /sessions/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	sess, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "session not found")
		return
	}
	response.OK(c, sess)
}

// List handles GET /sessions. Returns sessions owned by the current user.
func (h *Handler) List(c *gin.Context) {
	ownerID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	list, err := h.repo.ListByOwner(c.Request.Context(), ownerID)
	if err != nil {
		response.Internal(c, "failed to list sessions")
		return
	}
	response.OK(c, list)
}

// Start handles POST /sessions/:id/start (owner only).
func (h *Handler) Start(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	callerID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	st, err := h.svc.Start(c.Request.Context(), id, callerID)
	if err != nil {
		switch err {
		case ErrNotOwner:
			response.Forbidden(c, "only the owner can start this session")
		case ErrSessionNotLive:
			response.Conflict(c, "session has already ended")
		default:
			response.Internal(c, "failed to start session")
		}
		return
	}
	response.OK(c, st.Session)
}

// End handles POST /sessions/:id/end (owner only).
func (h *Handler) End(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	callerID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	if err := h.svc.End(c.Request.Context(), id, callerID); err != nil {
		switch err {
		case ErrNotOwner:
			response.Forbidden(c, "only the owner can end this session")
		case ErrSessionNotLive:
			response.NotFound(c, "session is not live")
		default:
			response.Internal(c, "failed to end session")
		}
		return
	}
	msg, _ := signal.New(signal.KindEndSession, callerID.String(), nil)
	h.notify.Broadcast(id, msg)
	response.NoContent(c)
}

// Participants handles GET /sessions/:id/participants (live roster).
func (h *Handler) Participants(c *gin.Context) {
	st, ok := h.liveStore(c)
	if !ok {
		return
	}
	response.OK(c, st.Registry.List())
}

// Count handles GET /sessions/:id/count.
func (h *Handler) Count(c *gin.Context) {
	st, ok := h.liveStore(c)
	if !ok {
		return
	}
	response.OK(c, gin.H{"session_id": st.Session.ID, "count": st.Registry.ConnectedCount()})
}

// Waiting handles GET /sessions/:id/waiting (owner only).
func (h *Handler) Waiting(c *gin.Context) {
	st, ok := h.ownedLiveStore(c)
	if !ok {
		return
	}
	response.OK(c, st.Registry.WaitingList())
}

type participantRequest struct {
	ParticipantID string `json:"participant_id" binding:"required,uuid"`
	Reason        string `json:"reason"`
}

// Admit handles POST /sessions/:id/admit (owner only). Moves a waiting
// participant into the session and announces it.
func (h *Handler) Admit(c *gin.Context) {
	st, ok := h.ownedLiveStore(c)
	if !ok {
		return
	}
	var req participantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	target, _ := uuid.Parse(req.ParticipantID)
	if _, found := st.Registry.Get(target); !found {
		response.NotFound(c, "participant not found")
		return
	}
	st.Registry.SetMembership(target, models.MemberJoined)
	st.NotePeak(st.Registry.ConnectedCount())

	callerID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	msg, _ := signal.New(signal.KindAdmit, callerID.String(), signal.AdmitPayload{ParticipantID: req.ParticipantID})
	h.notify.Broadcast(st.Session.ID, msg)
	response.NoContent(c)
}

// Kick handles POST /sessions/:id/kick (owner only). Removes a participant
// and drops their connection.
func (h *Handler) Kick(c *gin.Context) {
	st, ok := h.ownedLiveStore(c)
	if !ok {
		return
	}
	var req participantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	target, _ := uuid.Parse(req.ParticipantID)
	if _, found := st.Registry.Get(target); !found {
		response.NotFound(c, "participant not found")
		return
	}
	st.Registry.SetMembership(target, models.MemberLeft)

	callerID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	msg, _ := signal.New(signal.KindKick, callerID.String(), signal.KickPayload{
		ParticipantID: req.ParticipantID,
		Reason:        req.Reason,
	})
	h.notify.Broadcast(st.Session.ID, msg)
	h.notify.Disconnect(st.Session.ID, target)
	response.NoContent(c)
}

// UpdatePermissions handles PATCH /sessions/:id/participants/:pid/permissions
// (owner only). Overrides one attendee's permission set for the rest of the
// session.
func (h *Handler) UpdatePermissions(c *gin.Context) {
	st, ok := h.ownedLiveStore(c)
	if !ok {
		return
	}
	target, err := uuid.Parse(c.Param("pid"))
	if err != nil {
		response.BadRequest(c, "invalid participant id")
		return
	}
	if _, found := st.Registry.Get(target); !found {
		response.NotFound(c, "participant not found")
		return
	}
	var perms models.PermissionSet
	if err := c.ShouldBindJSON(&perms); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	st.Registry.SetPermissions(target, perms)

	callerID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	msg, _ := signal.New(signal.KindPermissionUpdate, callerID.String(), signal.PermissionUpdatePayload{
		ParticipantID: target.String(),
		Permissions:   perms,
	})
	h.notify.Broadcast(st.Session.ID, msg)
	response.OK(c, perms)
}

func (h *Handler) liveStore(c *gin.Context) (*Store, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return nil, false
	}
	st := h.svc.Live().Get(id)
	if st == nil {
		response.NotFound(c, "session is not live")
		return nil, false
	}
	return st, true
}

func (h *Handler) ownedLiveStore(c *gin.Context) (*Store, bool) {
	st, ok := h.liveStore(c)
	if !ok {
		return nil, false
	}
	callerID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	if st.Session.OwnerID != callerID {
		response.Forbidden(c, "only the owner can manage this session")
		return nil, false
	}
	return st, true
}
