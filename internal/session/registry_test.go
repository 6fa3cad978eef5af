package session

import (
	"testing"

	"github.com/google/uuid"

	"github.com/schoolportally/live-backend/internal/models"
)

func joined(id uuid.UUID, name string) models.Participant {
	return models.Participant{
		ID:         id,
		Name:       name,
		Role:       models.RoleAttendee,
		Connection: models.ConnConnected,
		Membership: models.MemberJoined,
	}
}

func TestRegistry_DuplicateJoinReplacesEntry(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()

	r.OnJoin(joined(id, "first"))
	r.OnJoin(joined(id, "second"))

	if len(r.List()) != 1 {
		t.Fatalf("expected 1 entry after duplicate join, got %d", len(r.List()))
	}
	p, ok := r.Get(id)
	if !ok {
		t.Fatal("participant missing")
	}
	if p.Name != "second" {
		t.Errorf("expected latest attributes, got name %q", p.Name)
	}
}

func TestRegistry_UnknownIDsAreNoops(t *testing.T) {
	r := NewRegistry()
	unknown := uuid.New()

	r.OnMediaToggle(unknown, "camera", true)
	r.OnHandRaise(unknown, true)
	r.OnScreenShare(unknown, true)
	r.SetConnection(unknown, models.ConnDisconnected)
	r.SetMembership(unknown, models.MemberLeft)
	r.OnLeave(unknown)

	if len(r.List()) != 0 {
		t.Errorf("no-op updates created entries: %d", len(r.List()))
	}
}

func TestRegistry_MediaToggle(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()
	r.OnJoin(joined(id, "a"))

	r.OnMediaToggle(id, "camera", true)
	r.OnMediaToggle(id, "microphone", true)
	r.OnMediaToggle(id, "camera", false)

	p, _ := r.Get(id)
	if p.Media.CameraOn {
		t.Error("camera should be off after second toggle")
	}
	if !p.Media.MicrophoneOn {
		t.Error("microphone should be on")
	}
}

func TestRegistry_ConnectedCountExcludesWaitingAndDisconnected(t *testing.T) {
	r := NewRegistry()

	r.OnJoin(joined(uuid.New(), "a"))

	waiting := joined(uuid.New(), "b")
	waiting.Membership = models.MemberWaiting
	r.OnJoin(waiting)

	gone := joined(uuid.New(), "c")
	gone.Connection = models.ConnDisconnected
	r.OnJoin(gone)

	if got := r.ConnectedCount(); got != 1 {
		t.Errorf("expected connected count 1, got %d", got)
	}
	if got := len(r.WaitingList()); got != 1 {
		t.Errorf("expected 1 waiting, got %d", got)
	}
}

func TestRegistry_MembershipLeftSetsLeftAt(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()
	r.OnJoin(joined(id, "a"))

	r.SetMembership(id, models.MemberLeft)

	p, _ := r.Get(id)
	if p.Membership != models.MemberLeft {
		t.Errorf("expected membership left, got %q", p.Membership)
	}
	if p.LeftAt == nil {
		t.Error("expected LeftAt to be set")
	}
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()
	r.OnJoin(joined(id, "a"))

	p, _ := r.Get(id)
	p.Name = "mutated"

	fresh, _ := r.Get(id)
	if fresh.Name != "a" {
		t.Error("Get leaked a reference into the registry")
	}
}
