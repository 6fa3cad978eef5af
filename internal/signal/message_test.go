package signal

import (
	"errors"
	"strings"
	"testing"
)

func TestParse_ValidMessage(t *testing.T) {
	data := []byte(`{"type":"chat","senderId":"abc","payload":{"content":"hi"}}`)

	msg, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Type != KindChat {
		t.Errorf("expected kind chat, got %q", msg.Type)
	}
	if msg.SenderID != "abc" {
		t.Errorf("expected sender abc, got %q", msg.SenderID)
	}
	if msg.Directed() {
		t.Error("broadcast message reported as directed")
	}
}

func TestParse_UnknownKindRejected(t *testing.T) {
	data := []byte(`{"type":"self-destruct","senderId":"abc"}`)

	_, err := Parse(data)
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestParse_MalformedJSON(t *testing.T) {
	if _, err := Parse([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestNewDirect_RoundTrip(t *testing.T) {
	msg, err := NewDirect(KindOffer, "sender-1", "recipient-2", SDPPayload{Type: "offer", SDP: "v=0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !msg.Directed() {
		t.Fatal("directed message reported as broadcast")
	}

	var payload SDPPayload
	if err := msg.Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.SDP != "v=0" {
		t.Errorf("expected sdp v=0, got %q", payload.SDP)
	}
}

func TestDecode_EmptyPayloadIsNoop(t *testing.T) {
	msg, err := New(KindLeave, "sender-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var payload ChatPayload
	if err := msg.Decode(&payload); err != nil {
		t.Fatalf("decode empty payload: %v", err)
	}
	if payload.Content != "" {
		t.Errorf("expected zero payload, got %+v", payload)
	}
}

func TestTruncateChat(t *testing.T) {
	if got := TruncateChat("hello", 10); got != "hello" {
		t.Errorf("short content changed: %q", got)
	}
	if got := TruncateChat("hello world", 5); got != "hello" {
		t.Errorf("expected hello, got %q", got)
	}
	if got := TruncateChat(strings.Repeat("x", 100), 0); len(got) != 100 {
		t.Errorf("zero max should leave content unchanged, got len %d", len(got))
	}
}

func TestTruncateChat_RuneBoundary(t *testing.T) {
	// 4 multi-byte runes; truncation must count runes, not bytes.
	content := "日本語です"
	got := TruncateChat(content, 2)
	if got != "日本" {
		t.Errorf("expected 日本, got %q", got)
	}
}
