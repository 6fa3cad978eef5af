package signalclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/schoolportally/live-backend/internal/signal"
)

// wsServer is a minimal signaling endpoint: it records every message and
// keeps the connections so tests can drop them.
type wsServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	msgs  []signal.Message
	conns []*websocket.Conn
}

func newWsServer(t *testing.T) *wsServer {
	s := &wsServer{t: t}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("session_id") == "" || r.URL.Query().Get("token") == "" {
			http.Error(w, "missing params", http.StatusBadRequest)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		for {
			var msg signal.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			s.mu.Lock()
			s.msgs = append(s.msgs, msg)
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) messages() []signal.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signal.Message(nil), s.msgs...)
}

func (s *wsServer) countKind(kind signal.Kind) int {
	n := 0
	for _, m := range s.messages() {
		if m.Type == kind {
			n++
		}
	}
	return n
}

func (s *wsServer) dropConnections() {
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns...)
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// sendToClient pushes a server-originated frame over the latest connection.
func (s *wsServer) sendToClient(msg signal.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		s.t.Fatal("no client connection")
	}
	if err := s.conns[len(s.conns)-1].WriteJSON(msg); err != nil {
		s.t.Fatalf("write to client: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newTestClient(server *wsServer) *Client {
	return NewClient(Config{
		ServerURL:         server.url(),
		SessionID:         uuid.New(),
		ParticipantID:     uuid.New(),
		Name:              "Student",
		Role:              "attendee",
		Token:             "test-token",
		MaxChatLength:     10,
		ReconnectInterval: 50 * time.Millisecond,
	})
}

func TestConnect_SendsJoinThenResyncRequest(t *testing.T) {
	server := newWsServer(t)
	client := newTestClient(server)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Leave()

	waitFor(t, "handshake", func() bool { return len(server.messages()) >= 2 })

	msgs := server.messages()
	if msgs[0].Type != signal.KindJoin {
		t.Fatalf("expected join first, got %q", msgs[0].Type)
	}
	var join signal.JoinPayload
	if err := msgs[0].Decode(&join); err != nil {
		t.Fatalf("decode join: %v", err)
	}
	if join.Name != "Student" || join.Role != "attendee" {
		t.Errorf("unexpected join payload: %+v", join)
	}
	if msgs[1].Type != signal.KindResyncRequest {
		t.Errorf("expected resync request after join, got %q", msgs[1].Type)
	}
	if client.Status() != StatusConnected {
		t.Errorf("expected connected status, got %q", client.Status())
	}
}

func TestSend_DroppedWhileDisconnected(t *testing.T) {
	server := newWsServer(t)
	client := newTestClient(server)

	// Never connected: sends are dropped quietly, not queued and not errors.
	if err := client.SendHandRaise(true); err != nil {
		t.Fatalf("expected silent drop, got %v", err)
	}
	if got := client.Status(); got != StatusReconnecting {
		t.Errorf("expected reconnecting before first dial, got %q", got)
	}
	if len(server.messages()) != 0 {
		t.Error("dropped message reached the server")
	}
}

func TestReconnect_RejoinsAfterTransportLoss(t *testing.T) {
	server := newWsServer(t)
	client := newTestClient(server)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Leave()
	waitFor(t, "first join", func() bool { return server.countKind(signal.KindJoin) >= 1 })

	server.dropConnections()

	// The client must come back on its own with a fresh join and resync
	// request; no replay of anything sent before the loss.
	waitFor(t, "rejoin", func() bool { return server.countKind(signal.KindJoin) >= 2 })
	waitFor(t, "resync after rejoin", func() bool { return server.countKind(signal.KindResyncRequest) >= 2 })
	waitFor(t, "reconnected status", func() bool { return client.Status() == StatusConnected })
}

func TestDispatch_InvokesRegisteredHandler(t *testing.T) {
	server := newWsServer(t)
	client := newTestClient(server)

	received := make(chan signal.Message, 1)
	client.Handle(signal.KindChat, func(msg signal.Message) {
		select {
		case received <- msg:
		default:
		}
	})

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Leave()
	waitFor(t, "handshake", func() bool { return len(server.messages()) >= 2 })

	chat, _ := signal.New(signal.KindChat, "other-participant", signal.ChatPayload{Content: "hello"})
	server.sendToClient(chat)

	select {
	case msg := <-received:
		var payload signal.ChatPayload
		if err := msg.Decode(&payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload.Content != "hello" {
			t.Errorf("expected hello, got %q", payload.Content)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestSendChat_TruncatesAtSender(t *testing.T) {
	server := newWsServer(t)
	client := newTestClient(server)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Leave()
	waitFor(t, "handshake", func() bool { return len(server.messages()) >= 2 })

	if err := client.SendChat("0123456789ABCDEF", false, ""); err != nil {
		t.Fatalf("send chat: %v", err)
	}
	waitFor(t, "chat delivery", func() bool { return server.countKind(signal.KindChat) >= 1 })

	for _, msg := range server.messages() {
		if msg.Type != signal.KindChat {
			continue
		}
		var payload signal.ChatPayload
		if err := msg.Decode(&payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload.Content != "0123456789" {
			t.Errorf("expected 10-rune truncation, got %q", payload.Content)
		}
	}
}

func TestSend_ConcurrentWithReconnectHandshake(t *testing.T) {
	server := newWsServer(t)
	client := newTestClient(server)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Leave()
	waitFor(t, "handshake", func() bool { return len(server.messages()) >= 2 })

	// Queued sends race the join handshake written right after each redial.
	// Both paths write on the same conn, so they must serialize.
	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					_ = client.SendHandRaise(true)
				}
			}
		}()
	}

	for round := 0; round < 3; round++ {
		want := round + 2
		server.dropConnections()
		waitFor(t, "rejoin", func() bool { return server.countKind(signal.KindJoin) >= want })
	}
	close(done)
	wg.Wait()

	waitFor(t, "connected after churn", func() bool { return client.Status() == StatusConnected })
	if server.countKind(signal.KindHandRaise) == 0 {
		t.Error("no hand-raise survived the reconnect churn")
	}
}

func TestConnect_ContextCancelClosesTransport(t *testing.T) {
	server := newWsServer(t)
	client := newTestClient(server)

	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "handshake", func() bool { return len(server.messages()) >= 2 })

	// The conn is healthy: cancellation alone must tear it down.
	cancel()
	waitFor(t, "closed status", func() bool { return client.Status() == StatusClosed })

	joins := server.countKind(signal.KindJoin)
	time.Sleep(200 * time.Millisecond)
	if server.countKind(signal.KindJoin) != joins {
		t.Error("client reconnected after cancellation")
	}
}

func TestLeave_AnnouncesAndCloses(t *testing.T) {
	server := newWsServer(t)
	client := newTestClient(server)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "handshake", func() bool { return len(server.messages()) >= 2 })

	client.Leave()

	waitFor(t, "leave message", func() bool { return server.countKind(signal.KindLeave) >= 1 })
	if client.Status() != StatusClosed {
		t.Errorf("expected closed status, got %q", client.Status())
	}

	// Leave is terminal: no reconnect attempts afterwards.
	joins := server.countKind(signal.KindJoin)
	time.Sleep(200 * time.Millisecond)
	if server.countKind(signal.KindJoin) != joins {
		t.Error("client reconnected after Leave")
	}
}
