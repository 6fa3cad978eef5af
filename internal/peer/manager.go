package peer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// DefaultNegotiationTimeout bounds an offer/answer exchange. A hung peer is
// torn down rather than retried so it cannot block the rest of the session.
const DefaultNegotiationTimeout = 15 * time.Second

// ErrNegotiationFailed marks an offer/answer/ICE exchange that could not
// complete. The link is removed; signaling state for that participant is
// unaffected.
var ErrNegotiationFailed = errors.New("negotiation failed")

// Signaler relays handshake payloads to a specific remote participant.
type Signaler interface {
	SendOffer(recipientID uuid.UUID, sdp webrtc.SessionDescription) error
	SendAnswer(recipientID uuid.UUID, sdp webrtc.SessionDescription) error
	SendICECandidate(recipientID uuid.UUID, cand webrtc.ICECandidateInit) error
}

// EventKind identifies a manager event.
type EventKind int

const (
	// EventLinkConnected fires when a link reaches the connected state.
	EventLinkConnected EventKind = iota
	// EventLinkClosed fires when a link leaves the active set for any reason.
	EventLinkClosed
	// EventNegotiationFailed fires before EventLinkClosed when the teardown
	// was caused by a failed or timed-out negotiation.
	EventNegotiationFailed
	// EventRemoteTrack fires when a remote media track arrives.
	EventRemoteTrack
)

// Event is one state change emitted by the manager.
type Event struct {
	Kind     EventKind
	RemoteID uuid.UUID
	Track    *webrtc.TrackRemote
	Err      error
}

// Manager owns every peer link of the local participant.
type Manager struct {
	factory  ConnFactory
	signaler Signaler
	log      *zap.Logger
	timeout  time.Duration

	mu         sync.Mutex
	links      map[uuid.UUID]*Link
	localAudio webrtc.TrackLocal
	localVideo webrtc.TrackLocal

	events chan Event
}

// NewManager creates a peer connection manager. A zero timeout falls back to
// the default.
func NewManager(factory ConnFactory, signaler Signaler, timeout time.Duration, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultNegotiationTimeout
	}
	return &Manager{
		factory:  factory,
		signaler: signaler,
		log:      log,
		timeout:  timeout,
		links:    make(map[uuid.UUID]*Link),
		events:   make(chan Event, 64),
	}
}

// Events returns the manager's event stream. Consumers must drain it; events
// are dropped (with a log) when the buffer is full.
func (m *Manager) Events() <-chan Event { return m.events }

// SetLocalTracks sets the tracks attached to every link created afterwards.
// Existing links are not touched; use ReplaceOutgoingVideo for substitution.
func (m *Manager) SetLocalTracks(audio, video webrtc.TrackLocal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localAudio = audio
	m.localVideo = video
}

// Link returns the active link for a remote id, or nil.
func (m *Manager) Link(remoteID uuid.UUID) *Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[remoteID]
}

// ActiveCount returns the number of active links.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// Connect creates a link to the remote participant and sends an offer. An
// existing link for the same id is torn down first.
func (m *Manager) Connect(remoteID uuid.UUID) error {
	link, err := m.createLink(remoteID)
	if err != nil {
		return err
	}
	link.setState(StateOffering)
	if err := m.sendOffer(link); err != nil {
		m.failLink(link, err)
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	return nil
}

// HandleOffer reacts to a remote offer: a renegotiation offer reuses the
// existing connected link; otherwise a fresh link answers it.
func (m *Manager) HandleOffer(from uuid.UUID, sdp webrtc.SessionDescription) error {
	m.mu.Lock()
	link := m.links[from]
	m.mu.Unlock()

	if link != nil {
		switch link.State() {
		case StateConnected, StateRenegotiating:
			return m.answerRenegotiation(link, sdp)
		default:
			// Stale or glare: the remote restarted negotiation. Replace the
			// link so there is never more than one per id.
			m.closeLink(link, nil)
		}
	}

	link, err := m.createLink(from)
	if err != nil {
		return err
	}
	link.setState(StateAnswering)
	if err := m.sendAnswer(link, sdp); err != nil {
		m.failLink(link, err)
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	return nil
}

// HandleAnswer applies a remote answer. Answers for unknown links (already
// closed, or the participant left meanwhile) are discarded.
func (m *Manager) HandleAnswer(from uuid.UUID, sdp webrtc.SessionDescription) error {
	m.mu.Lock()
	link := m.links[from]
	m.mu.Unlock()
	if link == nil {
		m.log.Debug("answer for unknown link discarded", zap.String("remote_id", from.String()))
		return nil
	}
	if err := link.applyRemoteDescription(sdp); err != nil {
		m.failLink(link, err)
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	if link.State() == StateRenegotiating {
		link.setState(StateConnected)
		link.disarmTimeout()
	}
	return nil
}

// HandleICECandidate buffers or applies a candidate. Candidates for unknown
// links are discarded, not treated as errors.
func (m *Manager) HandleICECandidate(from uuid.UUID, cand webrtc.ICECandidateInit) error {
	m.mu.Lock()
	link := m.links[from]
	m.mu.Unlock()
	if link == nil {
		return nil
	}
	if err := link.addICECandidate(cand); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// ReplaceOutgoingVideo substitutes the outgoing video track on every active
// link and renegotiates each one in place. A nil track stops outgoing video
// (camera was off when screen share stopped).
func (m *Manager) ReplaceOutgoingVideo(track webrtc.TrackLocal) error {
	m.mu.Lock()
	m.localVideo = track
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	var firstErr error
	for _, link := range links {
		replaced, err := link.replaceVideo(track)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			m.failLink(link, err)
			continue
		}
		if replaced && link.State() == StateConnected {
			link.setState(StateRenegotiating)
			if err := m.sendOffer(link); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				m.failLink(link, err)
			}
		}
	}
	return firstErr
}

// CloseLink tears down the link for a remote that left. No-op for unknown
// ids.
func (m *Manager) CloseLink(remoteID uuid.UUID) {
	m.mu.Lock()
	link := m.links[remoteID]
	m.mu.Unlock()
	if link != nil {
		m.closeLink(link, nil)
	}
}

// CloseAll tears down every link (local leave or session end).
func (m *Manager) CloseAll() {
	m.mu.Lock()
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()
	for _, l := range links {
		m.closeLink(l, nil)
	}
}

func (m *Manager) createLink(remoteID uuid.UUID) (*Link, error) {
	m.mu.Lock()
	old := m.links[remoteID]
	m.mu.Unlock()
	if old != nil {
		m.closeLink(old, nil)
	}

	conn, err := m.factory()
	if err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	link := newLink(remoteID, conn)

	conn.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		if err := m.signaler.SendICECandidate(remoteID, cand); err != nil {
			m.log.Debug("send ice candidate", zap.Error(err), zap.String("remote_id", remoteID.String()))
		}
	})
	conn.OnTrack(func(track *webrtc.TrackRemote) {
		m.emit(Event{Kind: EventRemoteTrack, RemoteID: remoteID, Track: track})
	})
	conn.OnStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			link.setState(StateConnected)
			link.disarmTimeout()
			m.emit(Event{Kind: EventLinkConnected, RemoteID: remoteID})
		case webrtc.PeerConnectionStateFailed:
			m.failLink(link, errors.New("connection failed"))
		}
	})

	m.mu.Lock()
	audio, video := m.localAudio, m.localVideo
	m.links[remoteID] = link
	m.mu.Unlock()

	if err := link.attachLocalTracks(audio, video); err != nil {
		m.failLink(link, err)
		return nil, fmt.Errorf("attach tracks: %w", err)
	}
	return link, nil
}

func (m *Manager) sendOffer(link *Link) error {
	offer, err := link.conn.CreateOffer()
	if err != nil {
		return err
	}
	if err := link.conn.SetLocalDescription(offer); err != nil {
		return err
	}
	link.armTimeout(m.timeout, func() { m.onNegotiationTimeout(link) })
	return m.signaler.SendOffer(link.remoteID, offer)
}

func (m *Manager) sendAnswer(link *Link, offer webrtc.SessionDescription) error {
	if err := link.applyRemoteDescription(offer); err != nil {
		return err
	}
	answer, err := link.conn.CreateAnswer()
	if err != nil {
		return err
	}
	if err := link.conn.SetLocalDescription(answer); err != nil {
		return err
	}
	link.armTimeout(m.timeout, func() { m.onNegotiationTimeout(link) })
	return m.signaler.SendAnswer(link.remoteID, answer)
}

// answerRenegotiation applies a renegotiation offer on a connected link. Both
// descriptions are set synchronously so the link stays connected.
func (m *Manager) answerRenegotiation(link *Link, offer webrtc.SessionDescription) error {
	if err := link.applyRemoteDescription(offer); err != nil {
		m.failLink(link, err)
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	answer, err := link.conn.CreateAnswer()
	if err != nil {
		m.failLink(link, err)
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	if err := link.conn.SetLocalDescription(answer); err != nil {
		m.failLink(link, err)
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	link.setState(StateConnected)
	return m.signaler.SendAnswer(link.remoteID, answer)
}

func (m *Manager) onNegotiationTimeout(link *Link) {
	m.mu.Lock()
	current := m.links[link.remoteID]
	m.mu.Unlock()
	if current != link {
		return
	}
	switch link.State() {
	case StateConnected, StateClosed:
		return
	}
	m.failLink(link, fmt.Errorf("%w: timeout after %s in state %s", ErrNegotiationFailed, m.timeout, link.State()))
}

// failLink removes the link and reports the failure upward; the remote is
// treated as disconnected for media purposes.
func (m *Manager) failLink(link *Link, err error) {
	m.log.Warn("peer link failed",
		zap.String("remote_id", link.remoteID.String()),
		zap.String("state", link.State().String()),
		zap.Error(err))
	m.emit(Event{Kind: EventNegotiationFailed, RemoteID: link.remoteID, Err: err})
	m.closeLink(link, err)
}

func (m *Manager) closeLink(link *Link, err error) {
	m.mu.Lock()
	if m.links[link.remoteID] == link {
		delete(m.links, link.remoteID)
	}
	m.mu.Unlock()
	link.close()
	m.emit(Event{Kind: EventLinkClosed, RemoteID: link.remoteID, Err: err})
}

func (m *Manager) emit(e Event) {
	select {
	case m.events <- e:
	default:
		m.log.Warn("event dropped", zap.Int("kind", int(e.Kind)), zap.String("remote_id", e.RemoteID.String()))
	}
}
