// Package polls exposes the in-class poll endpoints. Polls live in the
// session store for the duration of the class and are archived with
// everything else at session end.
package polls

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/schoolportally/live-backend/internal/middleware"
	"github.com/schoolportally/live-backend/internal/session"
	"github.com/schoolportally/live-backend/internal/signal"
	"github.com/schoolportally/live-backend/pkg/response"
)

// CreateRequest is the body for POST /sessions/:id/polls.
type CreateRequest struct {
	Question string   `json:"question" binding:"required"`
	Options  []string `json:"options" binding:"required,min=2,max=10"`
}

// AnswerRequest is the body for POST /sessions/:id/polls/:pid/answer.
type AnswerRequest struct {
	Option int `json:"option"`
}

// Handler handles poll HTTP endpoints.
type Handler struct {
	live   *session.Manager
	notify session.Notifier
}

// NewHandler creates a polls handler.
func NewHandler(live *session.Manager, notify session.Notifier) *Handler {
	return &Handler{live: live, notify: notify}
}

// Create handles POST /sessions/:id/polls (owner only).
func (h *Handler) Create(c *gin.Context) {
	st, ok := h.ownedStore(c)
	if !ok {
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	p := st.AddPoll(req.Question, req.Options)
	response.Created(c, p)
}

// Launch handles POST /sessions/:id/polls/:pid/launch (owner only).
func (h *Handler) Launch(c *gin.Context) {
	st, ok := h.ownedStore(c)
	if !ok {
		return
	}
	pollID, err := uuid.Parse(c.Param("pid"))
	if err != nil {
		response.BadRequest(c, "invalid poll id")
		return
	}
	p, err := st.LaunchPoll(pollID)
	if err != nil {
		response.NotFound(c, "poll not found")
		return
	}

	callerID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	msg, _ := signal.New(signal.KindPollLaunch, callerID.String(), p)
	h.notify.Broadcast(st.Session.ID, msg)
	response.OK(c, p)
}

// Close handles POST /sessions/:id/polls/:pid/close (owner only).
func (h *Handler) Close(c *gin.Context) {
	st, ok := h.ownedStore(c)
	if !ok {
		return
	}
	pollID, err := uuid.Parse(c.Param("pid"))
	if err != nil {
		response.BadRequest(c, "invalid poll id")
		return
	}
	p, err := st.ClosePoll(pollID)
	if err != nil {
		response.NotFound(c, "poll not found")
		return
	}

	callerID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	msg, _ := signal.New(signal.KindPollClose, callerID.String(), p)
	h.notify.Broadcast(st.Session.ID, msg)
	response.OK(c, p)
}

// Answer handles POST /sessions/:id/polls/:pid/answer. A later answer from
// the same participant replaces the earlier one.
func (h *Handler) Answer(c *gin.Context) {
	st, ok := h.store(c)
	if !ok {
		return
	}
	pollID, err := uuid.Parse(c.Param("pid"))
	if err != nil {
		response.BadRequest(c, "invalid poll id")
		return
	}
	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	if err := st.AnswerPoll(pollID, userID, req.Option); err != nil {
		response.NotFound(c, "poll is not open for answers")
		return
	}
	response.OK(c, gin.H{"poll_id": pollID, "option": req.Option})
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

func (h *Handler) ownedStore(c *gin.Context) (*session.Store, bool) {
	st, ok := h.store(c)
	if !ok {
		return nil, false
	}
	callerID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	if st.Session.OwnerID != callerID {
		response.Forbidden(c, "only the owner can manage polls")
		return nil, false
	}
	return st, true
}
