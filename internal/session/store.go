package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schoolportally/live-backend/internal/models"
)

var (
	// ErrSessionNotLive is returned for operations on a session without an
	// active store.
	ErrSessionNotLive = errors.New("session is not live")
	// ErrPollNotFound is returned when a poll id has no live entry.
	ErrPollNotFound = errors.New("poll not found")
	// ErrQuestionNotFound is returned when a question id has no live entry.
	ErrQuestionNotFound = errors.New("question not found")
)

// Store holds all live state for one running session: the participant
// registry plus chat, polls, Q&A and the peak participant count. Nothing here
// touches persistence; the whole store is archived once at session end.
type Store struct {
	Session  models.Session
	Registry *Registry

	mu        sync.Mutex
	chat      []models.ChatMessage
	polls     map[uuid.UUID]*models.Poll
	answers   []models.PollAnswer
	questions map[uuid.UUID]*models.Question
	peak      int
}

func newStore(s models.Session) *Store {
	return &Store{
		Session:   s,
		Registry:  NewRegistry(),
		polls:     make(map[uuid.UUID]*models.Poll),
		questions: make(map[uuid.UUID]*models.Question),
	}
}

// AppendChat records a delivered chat message.
func (s *Store) AppendChat(m models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat = append(s.chat, m)
}

// AddPoll registers a new poll.
func (s *Store) AddPoll(question string, options []string) models.Poll {
	p := models.Poll{
		ID:        uuid.New(),
		SessionID: s.Session.ID,
		Question:  question,
		Options:   options,
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls[p.ID] = &p
	return p
}

// LaunchPoll marks a poll as launched and returns it.
func (s *Store) LaunchPoll(id uuid.UUID) (models.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[id]
	if !ok {
		return models.Poll{}, ErrPollNotFound
	}
	p.Launched = true
	return *p, nil
}

// ClosePoll marks a poll as closed and returns it.
func (s *Store) ClosePoll(id uuid.UUID) (models.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[id]
	if !ok {
		return models.Poll{}, ErrPollNotFound
	}
	p.Closed = true
	return *p, nil
}

// AnswerPoll records an answer, replacing the participant's earlier one.
func (s *Store) AnswerPoll(pollID, participantID uuid.UUID, option int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[pollID]
	if !ok {
		return ErrPollNotFound
	}
	if !p.Launched || p.Closed {
		return ErrPollNotFound
	}
	for i := range s.answers {
		if s.answers[i].PollID == pollID && s.answers[i].ParticipantID == participantID {
			s.answers[i].Option = option
			s.answers[i].AnsweredAt = time.Now()
			return nil
		}
	}
	s.answers = append(s.answers, models.PollAnswer{
		PollID:        pollID,
		ParticipantID: participantID,
		Option:        option,
		AnsweredAt:    time.Now(),
	})
	return nil
}

// AddQuestion registers a new Q&A item.
func (s *Store) AddQuestion(authorID uuid.UUID, content string) models.Question {
	q := models.Question{
		ID:        uuid.New(),
		SessionID: s.Session.ID,
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questions[q.ID] = &q
	return q
}

// ApproveQuestion marks a question approved and returns it.
func (s *Store) ApproveQuestion(id uuid.UUID) (models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[id]
	if !ok {
		return models.Question{}, ErrQuestionNotFound
	}
	q.Approved = true
	return *q, nil
}

// UpvoteQuestion increments a question's vote count and returns it.
func (s *Store) UpvoteQuestion(id uuid.UUID) (models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[id]
	if !ok {
		return models.Question{}, ErrQuestionNotFound
	}
	q.Votes++
	return *q, nil
}

// NotePeak records the participant count high-water mark.
func (s *Store) NotePeak(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if count > s.peak {
		s.peak = count
	}
}

// Snapshot is the archival view of a finished session.
type Snapshot struct {
	Participants []models.Participant
	Chat         []models.ChatMessage
	Polls        []models.Poll
	PollAnswers  []models.PollAnswer
	Questions    []models.Question
	Peak         int
}

// Snapshot collects everything the archive needs at session end.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Participants: s.Registry.List(),
		Chat:         append([]models.ChatMessage(nil), s.chat...),
		PollAnswers:  append([]models.PollAnswer(nil), s.answers...),
		Peak:         s.peak,
	}
	for _, p := range s.polls {
		snap.Polls = append(snap.Polls, *p)
	}
	for _, q := range s.questions {
		snap.Questions = append(snap.Questions, *q)
	}
	return snap
}

// Manager tracks the store for every live session.
type Manager struct {
	mu     sync.RWMutex
	stores map[uuid.UUID]*Store
}

// NewManager creates an empty live-session manager.
func NewManager() *Manager {
	return &Manager{stores: make(map[uuid.UUID]*Store)}
}

// GetOrCreate returns the store for a session, creating it on first use.
func (m *Manager) GetOrCreate(s models.Session) *Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.stores[s.ID]; ok {
		return st
	}
	st := newStore(s)
	m.stores[s.ID] = st
	return st
}

// Get returns the store for a live session, or nil.
func (m *Manager) Get(id uuid.UUID) *Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stores[id]
}

// Remove drops a session's store after archival.
func (m *Manager) Remove(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stores, id)
}
