// Package session holds the in-memory state of live class sessions and their
// archival persistence at session end.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schoolportally/live-backend/internal/models"
)

// Registry is the authoritative in-memory view of who is in a session. It is
// a pure state container: it reflects signaling events and answers derived
// queries, with no network or media side effects of its own. All derived
// views are recomputed on read.
type Registry struct {
	mu           sync.RWMutex
	participants map[uuid.UUID]*models.Participant
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{participants: make(map[uuid.UUID]*models.Participant)}
}

// OnJoin inserts a participant. A duplicate id replaces the existing entry
// with the latest attributes (reconnect-as-rejoin), so two joins for the same
// id always leave exactly one entry.
func (r *Registry) OnJoin(p models.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := p
	r.participants[p.ID] = &cp
}

// OnLeave removes a participant. Tearing down any peer link for the id is the
// caller's cleanup, not the registry's.
func (r *Registry) OnLeave(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.participants, id)
}

// OnMediaToggle updates a participant's camera or microphone flag. Unknown
// ids are a no-op: the message may have arrived before the join.
func (r *Registry) OnMediaToggle(id uuid.UUID, kind string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok {
		return
	}
	switch kind {
	case "camera":
		p.Media.CameraOn = enabled
	case "microphone":
		p.Media.MicrophoneOn = enabled
	}
}

// OnHandRaise updates a participant's hand-raised flag. Unknown ids are a
// no-op.
func (r *Registry) OnHandRaise(id uuid.UUID, raised bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.participants[id]; ok {
		p.HandRaised = raised
	}
}

// OnScreenShare updates a participant's screen-sharing flag. Unknown ids are
// a no-op.
func (r *Registry) OnScreenShare(id uuid.UUID, sharing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.participants[id]; ok {
		p.Media.ScreenSharing = sharing
	}
}

// SetConnection updates a participant's connection status. Unknown ids are a
// no-op.
func (r *Registry) SetConnection(id uuid.UUID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.participants[id]; ok {
		p.Connection = status
	}
}

// SetMembership updates a participant's membership status. Unknown ids are a
// no-op.
func (r *Registry) SetMembership(id uuid.UUID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok {
		return
	}
	p.Membership = status
	if status == models.MemberLeft {
		now := time.Now()
		p.LeftAt = &now
	}
}

// SetPermissions applies an owner override of one participant's permission
// set. Unknown ids are a no-op.
func (r *Registry) SetPermissions(id uuid.UUID, perms models.PermissionSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.participants[id]; ok {
		p.Permissions = perms
	}
}

// Get returns a copy of the participant, if present.
func (r *Registry) Get(id uuid.UUID) (models.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[id]
	if !ok {
		return models.Participant{}, false
	}
	return *p, true
}

// List returns a snapshot of all participants.
func (r *Registry) List() []models.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	return out
}

// ConnectedCount returns the number of joined participants with a live
// connection.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.participants {
		if p.Membership == models.MemberJoined && p.Connection == models.ConnConnected {
			n++
		}
	}
	return n
}

// WaitingList returns participants held in the waiting room. Only meaningful
// when the session enables it.
func (r *Registry) WaitingList() []models.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Participant
	for _, p := range r.participants {
		if p.Membership == models.MemberWaiting {
			out = append(out, *p)
		}
	}
	return out
}

// ByRole groups participants by role.
func (r *Registry) ByRole() map[string][]models.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]models.Participant)
	for _, p := range r.participants {
		out[p.Role] = append(out[p.Role], *p)
	}
	return out
}
