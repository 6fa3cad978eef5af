package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/schoolportally/live-backend/internal/models"
)

// Repository persists session metadata and the end-of-session archive. Live
// state never goes through here.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a scheduled session with its frozen settings.
func (r *Repository) Create(ctx context.Context, s *models.Session) error {
	settings, err := json.Marshal(s.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	const query = `INSERT INTO sessions (id, title, owner_id, settings, status)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)
		RETURNING id, created_at`
	return r.pool.QueryRow(ctx, query, s.Title, s.OwnerID, settings, s.Status).
		Scan(&s.ID, &s.CreatedAt)
}

// GetByID returns a session by id.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	const query = `SELECT id, title, owner_id, settings, status, started_at, ended_at, created_at
		FROM sessions WHERE id = $1`
	var (
		s        models.Session
		settings []byte
	)
	err := r.pool.QueryRow(ctx, query, id).
		Scan(&s.ID, &s.Title, &s.OwnerID, &settings, &s.Status, &s.StartedAt, &s.EndedAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(settings, &s.Settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	return &s, nil
}

// ListByOwner returns the owner's sessions, newest first.
func (r *Repository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Session, error) {
	const query = `SELECT id, title, owner_id, settings, status, started_at, ended_at, created_at
		FROM sessions WHERE owner_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		var (
			s        models.Session
			settings []byte
		)
		if err := rows.Scan(&s.ID, &s.Title, &s.OwnerID, &settings, &s.Status, &s.StartedAt, &s.EndedAt, &s.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(settings, &s.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkLive sets the session status to live.
func (r *Repository) MarkLive(ctx context.Context, id uuid.UUID) error {
	const query = `UPDATE sessions SET status = 'live', started_at = NOW() WHERE id = $1 AND status = 'scheduled'`
	_, err := r.pool.Exec(ctx, query, id)
	return err
}

// Archive writes the final participant list, chat, poll and Q&A logs and
// marks the session ended, all in one transaction.
func (r *Repository) Archive(ctx context.Context, sessionID uuid.UUID, snap Snapshot) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const endQuery = `UPDATE sessions SET status = 'ended', ended_at = NOW(), peak_participants = $2 WHERE id = $1`
	if _, err := tx.Exec(ctx, endQuery, sessionID, snap.Peak); err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	const participantQuery = `INSERT INTO session_participants
		(session_id, participant_id, name, role, membership, hand_raised, joined_at, left_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, participant_id) DO UPDATE
		SET membership = EXCLUDED.membership, left_at = EXCLUDED.left_at`
	for _, p := range snap.Participants {
		if _, err := tx.Exec(ctx, participantQuery,
			sessionID, p.ID, p.Name, p.Role, p.Membership, p.HandRaised, p.JoinedAt, p.LeftAt); err != nil {
			return fmt.Errorf("archive participant: %w", err)
		}
	}

	const chatQuery = `INSERT INTO chat_messages (id, session_id, author_id, author_name, content, private, recipient_id, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	for _, m := range snap.Chat {
		if _, err := tx.Exec(ctx, chatQuery,
			m.ID, sessionID, m.AuthorID, m.AuthorName, m.Content, m.Private, m.RecipientID, m.SentAt); err != nil {
			return fmt.Errorf("archive chat: %w", err)
		}
	}

	const pollQuery = `INSERT INTO polls (id, session_id, question, options, launched, closed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for _, p := range snap.Polls {
		options, err := json.Marshal(p.Options)
		if err != nil {
			return fmt.Errorf("marshal poll options: %w", err)
		}
		if _, err := tx.Exec(ctx, pollQuery,
			p.ID, sessionID, p.Question, options, p.Launched, p.Closed, p.CreatedAt); err != nil {
			return fmt.Errorf("archive poll: %w", err)
		}
	}

	const answerQuery = `INSERT INTO poll_answers (poll_id, participant_id, option, answered_at)
		VALUES ($1, $2, $3, $4)`
	for _, a := range snap.PollAnswers {
		if _, err := tx.Exec(ctx, answerQuery, a.PollID, a.ParticipantID, a.Option, a.AnsweredAt); err != nil {
			return fmt.Errorf("archive poll answer: %w", err)
		}
	}

	const questionQuery = `INSERT INTO questions (id, session_id, author_id, content, approved, answered, votes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	for _, q := range snap.Questions {
		if _, err := tx.Exec(ctx, questionQuery,
			q.ID, sessionID, q.AuthorID, q.Content, q.Approved, q.Answered, q.Votes, q.CreatedAt); err != nil {
			return fmt.Errorf("archive question: %w", err)
		}
	}

	return tx.Commit(ctx)
}
