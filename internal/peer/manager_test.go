package peer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// mockSender records outgoing video substitutions.
type mockSender struct {
	mu       sync.Mutex
	replaced []webrtc.TrackLocal
}

func (m *mockSender) ReplaceTrack(track webrtc.TrackLocal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaced = append(m.replaced, track)
	return nil
}

// mockConn records calls for verification and exposes the registered
// callbacks so tests can drive connection state.
type mockConn struct {
	mu            sync.Mutex
	remoteDesc    *webrtc.SessionDescription
	localDesc     *webrtc.SessionDescription
	candidates    []webrtc.ICECandidateInit
	senders       []*mockSender
	onState       func(webrtc.PeerConnectionState)
	closed        bool
	failSetRemote bool
}

func (m *mockConn) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (m *mockConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (m *mockConn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localDesc = &sdp
	return nil
}

func (m *mockConn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSetRemote {
		return errors.New("bad sdp")
	}
	m.remoteDesc = &sdp
	return nil
}

func (m *mockConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, cand)
	return nil
}

func (m *mockConn) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sender := &mockSender{}
	m.senders = append(m.senders, sender)
	return sender, nil
}

func (m *mockConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {}

func (m *mockConn) OnTrack(fn func(track *webrtc.TrackRemote)) {}

func (m *mockConn) OnStateChange(fn func(state webrtc.PeerConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) stateFn() func(webrtc.PeerConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onState
}

func (m *mockConn) candidateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.candidates)
}

func (m *mockConn) candidateAt(i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.candidates[i].Candidate
}

// mockFactory hands out mockConns and remembers them in creation order.
type mockFactory struct {
	mu    sync.Mutex
	conns []*mockConn
}

func (f *mockFactory) create() (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &mockConn{}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *mockFactory) conn(i int) *mockConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

// recordingSignaler counts handshake messages per recipient.
type recordingSignaler struct {
	mu      sync.Mutex
	offers  map[uuid.UUID]int
	answers map[uuid.UUID]int
}

func newRecordingSignaler() *recordingSignaler {
	return &recordingSignaler{offers: make(map[uuid.UUID]int), answers: make(map[uuid.UUID]int)}
}

func (s *recordingSignaler) SendOffer(recipientID uuid.UUID, sdp webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[recipientID]++
	return nil
}

func (s *recordingSignaler) SendAnswer(recipientID uuid.UUID, sdp webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[recipientID]++
	return nil
}

func (s *recordingSignaler) SendICECandidate(recipientID uuid.UUID, cand webrtc.ICECandidateInit) error {
	return nil
}

func (s *recordingSignaler) offerCount(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offers[id]
}

func (s *recordingSignaler) answerCount(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answers[id]
}

// fakeTrack is a minimal TrackLocal; the mock conn never binds it.
type fakeTrack struct{ id string }

func (t *fakeTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *fakeTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *fakeTrack) ID() string                            { return t.id }
func (t *fakeTrack) RID() string                           { return "" }
func (t *fakeTrack) StreamID() string                      { return "test" }
func (t *fakeTrack) Kind() webrtc.RTPCodecType             { return webrtc.RTPCodecTypeVideo }

func waitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func TestConnect_SendsOfferAndCreatesLink(t *testing.T) {
	factory := &mockFactory{}
	sig := newRecordingSignaler()
	m := NewManager(factory.create, sig, time.Minute, nil)
	remote := uuid.New()

	if err := m.Connect(remote); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if m.ActiveCount() != 1 {
		t.Fatalf("expected 1 link, got %d", m.ActiveCount())
	}
	if sig.offerCount(remote) != 1 {
		t.Errorf("expected 1 offer sent, got %d", sig.offerCount(remote))
	}
	if state := m.Link(remote).State(); state != StateOffering {
		t.Errorf("expected offering state, got %s", state)
	}
}

func TestConnect_ReplacesExistingLink(t *testing.T) {
	factory := &mockFactory{}
	m := NewManager(factory.create, newRecordingSignaler(), time.Minute, nil)
	remote := uuid.New()

	if err := m.Connect(remote); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if err := m.Connect(remote); err != nil {
		t.Fatalf("second connect: %v", err)
	}

	if m.ActiveCount() != 1 {
		t.Fatalf("expected exactly 1 link per remote id, got %d", m.ActiveCount())
	}
	if !factory.conn(0).closed {
		t.Error("old connection was not closed")
	}
	if factory.conn(1).closed {
		t.Error("replacement connection should stay open")
	}
}

func TestHandleAnswer_UnknownLinkDiscarded(t *testing.T) {
	factory := &mockFactory{}
	m := NewManager(factory.create, newRecordingSignaler(), time.Minute, nil)

	err := m.HandleAnswer(uuid.New(), webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	if err != nil {
		t.Fatalf("stale answer should be discarded, got %v", err)
	}
	if m.ActiveCount() != 0 {
		t.Errorf("discarded answer created a link")
	}
}

func TestHandleICECandidate_BufferedUntilRemoteDescription(t *testing.T) {
	factory := &mockFactory{}
	m := NewManager(factory.create, newRecordingSignaler(), time.Minute, nil)
	remote := uuid.New()

	if err := m.Connect(remote); err != nil {
		t.Fatalf("connect: %v", err)
	}

	first := webrtc.ICECandidateInit{Candidate: "candidate-1"}
	second := webrtc.ICECandidateInit{Candidate: "candidate-2"}
	if err := m.HandleICECandidate(remote, first); err != nil {
		t.Fatalf("ice: %v", err)
	}
	if err := m.HandleICECandidate(remote, second); err != nil {
		t.Fatalf("ice: %v", err)
	}

	conn := factory.conn(0)
	if conn.candidateCount() != 0 {
		t.Fatalf("candidates applied before remote description: %d", conn.candidateCount())
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	if err := m.HandleAnswer(remote, answer); err != nil {
		t.Fatalf("answer: %v", err)
	}

	if conn.candidateCount() != 2 {
		t.Fatalf("expected 2 flushed candidates, got %d", conn.candidateCount())
	}
	if conn.candidateAt(0) != "candidate-1" || conn.candidateAt(1) != "candidate-2" {
		t.Error("candidates flushed out of receipt order")
	}

	// Later candidates apply directly.
	if err := m.HandleICECandidate(remote, webrtc.ICECandidateInit{Candidate: "candidate-3"}); err != nil {
		t.Fatalf("ice after remote desc: %v", err)
	}
	if conn.candidateCount() != 3 {
		t.Errorf("expected direct apply after remote description, got %d", conn.candidateCount())
	}
}

func TestHandleICECandidate_UnknownLinkDiscarded(t *testing.T) {
	factory := &mockFactory{}
	m := NewManager(factory.create, newRecordingSignaler(), time.Minute, nil)

	if err := m.HandleICECandidate(uuid.New(), webrtc.ICECandidateInit{Candidate: "c"}); err != nil {
		t.Fatalf("expected silent discard, got %v", err)
	}
}

func TestHandleOffer_AnswersWithNewLink(t *testing.T) {
	factory := &mockFactory{}
	sig := newRecordingSignaler()
	m := NewManager(factory.create, sig, time.Minute, nil)
	remote := uuid.New()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	if err := m.HandleOffer(remote, offer); err != nil {
		t.Fatalf("handle offer: %v", err)
	}

	if sig.answerCount(remote) != 1 {
		t.Errorf("expected 1 answer, got %d", sig.answerCount(remote))
	}
	if m.Link(remote).State() != StateAnswering {
		t.Errorf("expected answering state, got %s", m.Link(remote).State())
	}
}

func TestHandleOffer_RenegotiationReusesConnectedLink(t *testing.T) {
	factory := &mockFactory{}
	sig := newRecordingSignaler()
	m := NewManager(factory.create, sig, time.Minute, nil)
	remote := uuid.New()

	if err := m.Connect(remote); err != nil {
		t.Fatalf("connect: %v", err)
	}
	factory.conn(0).stateFn()(webrtc.PeerConnectionStateConnected)
	waitEvent(t, m.Events(), EventLinkConnected)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 renegotiate"}
	if err := m.HandleOffer(remote, offer); err != nil {
		t.Fatalf("renegotiation offer: %v", err)
	}

	if m.ActiveCount() != 1 {
		t.Fatalf("renegotiation must not create a second link")
	}
	if factory.conn(0).closed {
		t.Error("connected link was torn down by a renegotiation offer")
	}
	if sig.answerCount(remote) != 1 {
		t.Errorf("expected renegotiation answer, got %d", sig.answerCount(remote))
	}
	if m.Link(remote).State() != StateConnected {
		t.Errorf("expected connected after renegotiation, got %s", m.Link(remote).State())
	}
}

func TestNegotiationTimeout_TearsDownLink(t *testing.T) {
	factory := &mockFactory{}
	m := NewManager(factory.create, newRecordingSignaler(), 20*time.Millisecond, nil)
	remote := uuid.New()

	if err := m.Connect(remote); err != nil {
		t.Fatalf("connect: %v", err)
	}

	e := waitEvent(t, m.Events(), EventNegotiationFailed)
	if e.RemoteID != remote {
		t.Errorf("failure for wrong remote: %s", e.RemoteID)
	}
	if !errors.Is(e.Err, ErrNegotiationFailed) {
		t.Errorf("expected ErrNegotiationFailed, got %v", e.Err)
	}
	waitEvent(t, m.Events(), EventLinkClosed)
	if m.ActiveCount() != 0 {
		t.Errorf("timed-out link still active")
	}
}

func TestReplaceOutgoingVideo_RenegotiatesConnectedLinksOnly(t *testing.T) {
	factory := &mockFactory{}
	sig := newRecordingSignaler()
	m := NewManager(factory.create, sig, time.Minute, nil)
	m.SetLocalTracks(nil, &fakeTrack{id: "camera"})

	connectedID := uuid.New()
	offeringID := uuid.New()
	if err := m.Connect(connectedID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Connect(offeringID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	factory.conn(0).stateFn()(webrtc.PeerConnectionStateConnected)
	waitEvent(t, m.Events(), EventLinkConnected)

	screen := &fakeTrack{id: "screen"}
	if err := m.ReplaceOutgoingVideo(screen); err != nil {
		t.Fatalf("replace outgoing video: %v", err)
	}

	if got := sig.offerCount(connectedID); got != 2 {
		t.Errorf("connected link should renegotiate, got %d offers", got)
	}
	if got := sig.offerCount(offeringID); got != 1 {
		t.Errorf("mid-handshake link must not renegotiate, got %d offers", got)
	}

	conn := factory.conn(0)
	conn.mu.Lock()
	sender := conn.senders[0]
	conn.mu.Unlock()
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.replaced) != 1 || sender.replaced[0] != webrtc.TrackLocal(screen) {
		t.Error("video sender did not receive the substituted track")
	}
}

func TestCloseAll_TearsDownEveryLink(t *testing.T) {
	factory := &mockFactory{}
	m := NewManager(factory.create, newRecordingSignaler(), time.Minute, nil)

	for i := 0; i < 3; i++ {
		if err := m.Connect(uuid.New()); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
	m.CloseAll()

	if m.ActiveCount() != 0 {
		t.Errorf("expected 0 links, got %d", m.ActiveCount())
	}
	for i := 0; i < 3; i++ {
		if !factory.conn(i).closed {
			t.Errorf("conn %d not closed", i)
		}
	}
}
