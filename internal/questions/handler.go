// Package questions exposes the Q&A endpoints for live sessions. Questions
// live in the session store and are archived at session end.
package questions

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/schoolportally/live-backend/internal/middleware"
	"github.com/schoolportally/live-backend/internal/session"
	"github.com/schoolportally/live-backend/internal/signal"
	"github.com/schoolportally/live-backend/pkg/response"
)

// AskRequest is the body for POST /sessions/:id/questions.
type AskRequest struct {
	Content string `json:"content" binding:"required,max=1000"`
}

// Handler handles Q&A HTTP endpoints.
type Handler struct {
	live   *session.Manager
	notify session.Notifier
}

// NewHandler creates a Q&A handler.
func NewHandler(live *session.Manager, notify session.Notifier) *Handler {
	return &Handler{live: live, notify: notify}
}

// Ask handles POST /sessions/:id/questions.
func (h *Handler) Ask(c *gin.Context) {
	st, ok := h.store(c)
	if !ok {
		return
	}
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	q := st.AddQuestion(userID, req.Content)

	msg, _ := signal.New(signal.KindQuestionAsked, userID.String(), q)
	h.notify.Broadcast(st.Session.ID, msg)
	response.Created(c, q)
}

// Approve handles POST /sessions/:id/questions/:qid/approve (owner only).
func (h *Handler) Approve(c *gin.Context) {
	st, ok := h.store(c)
	if !ok {
		return
	}
	callerID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	if st.Session.OwnerID != callerID {
		response.Forbidden(c, "only the owner can approve questions")
		return
	}
	qid, err := uuid.Parse(c.Param("qid"))
	if err != nil {
		response.BadRequest(c, "invalid question id")
		return
	}
	q, err := st.ApproveQuestion(qid)
	if err != nil {
		response.NotFound(c, "question not found")
		return
	}

	msg, _ := signal.New(signal.KindQuestionApproved, callerID.String(), q)
	h.notify.Broadcast(st.Session.ID, msg)
	response.OK(c, q)
}

// Upvote handles POST /sessions/:id/questions/:qid/upvote.
func (h *Handler) Upvote(c *gin.Context) {
	st, ok := h.store(c)
	if !ok {
		return
	}
	qid, err := uuid.Parse(c.Param("qid"))
	if err != nil {
		response.BadRequest(c, "invalid question id")
		return
	}
	q, err := st.UpvoteQuestion(qid)
	if err != nil {
		response.NotFound(c, "question not found")
		return
	}
	response.OK(c, q)
}

func (h *Handler) store(c *gin.Context) (*session.Store, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return nil, false
	}
	st := h.live.Get(id)
	if st == nil {
		response.NotFound(c, "session is not live")
		return nil, false
	}
	return st, true
}
