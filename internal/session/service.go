package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/schoolportally/live-backend/internal/models"
)

// ErrNotOwner is returned when a non-owner attempts an owner-only operation.
var ErrNotOwner = errors.New("only the session owner may do this")

// Service drives the session lifecycle: create with frozen settings, start,
// and end with a single archival write.
type Service struct {
	repo *Repository
	live *Manager
	log  *zap.Logger
}

// NewService creates a session service.
func NewService(repo *Repository, live *Manager, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, live: live, log: log}
}

// Live returns the live-session manager.
func (s *Service) Live() *Manager { return s.live }

// Create schedules a new session. Settings are frozen here; a zero max chat
// length falls back to the default.
func (s *Service) Create(ctx context.Context, title string, ownerID uuid.UUID, settings models.SessionSettings) (*models.Session, error) {
	if settings.MaxChatMessageLength <= 0 {
		settings.MaxChatMessageLength = models.DefaultSettings().MaxChatMessageLength
	}
	sess := &models.Session{
		Title:    title,
		OwnerID:  ownerID,
		Settings: settings,
		Status:   models.SessionScheduled,
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Start transitions a session to live and opens its in-memory store.
func (s *Service) Start(ctx context.Context, id, callerID uuid.UUID) (*Store, error) {
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess.OwnerID != callerID {
		return nil, ErrNotOwner
	}
	if sess.Status == models.SessionEnded {
		return nil, ErrSessionNotLive
	}
	if err := s.repo.MarkLive(ctx, id); err != nil {
		return nil, fmt.Errorf("mark live: %w", err)
	}
	sess.Status = models.SessionLive
	st := s.live.GetOrCreate(*sess)
	s.log.Info("session started", zap.String("session_id", id.String()))
	return st, nil
}

// End archives the live store and marks the session ended. The store is
// removed whether or not archival succeeds, so a stuck archive can never pin
// a finished room in memory.
func (s *Service) End(ctx context.Context, id, callerID uuid.UUID) error {
	st := s.live.Get(id)
	if st == nil {
		return ErrSessionNotLive
	}
	if st.Session.OwnerID != callerID {
		return ErrNotOwner
	}
	snap := st.Snapshot()
	s.live.Remove(id)
	if err := s.repo.Archive(ctx, id, snap); err != nil {
		s.log.Error("archive session", zap.Error(err), zap.String("session_id", id.String()))
		return fmt.Errorf("archive session: %w", err)
	}
	s.log.Info("session ended",
		zap.String("session_id", id.String()),
		zap.Int("participants", len(snap.Participants)),
		zap.Int("chat_messages", len(snap.Chat)))
	return nil
}
