package delivery

import (
	"sync"
	"testing"
	"time"

	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/logging"
)

type fakeResender struct {
	mu       sync.Mutex
	resent   int
	gone     bool
}

func (f *fakeResender) ResendTo(connID string, env *envelope.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone {
		return false
	}
	f.resent++
	return true
}

func newTestEnvelope(t *testing.T) *envelope.Envelope {
	t.Helper()
	e, err := envelope.New(envelope.TypeDeliver, "alice", "bob", envelope.SendPayload{Body: "hi"})
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	return e
}

func TestAckClearsMatchingConnection(t *testing.T) {
	resender := &fakeResender{}
	m := NewManager(Config{AckTimeout: time.Hour, MaxAttempts: 5, DeliveryTTL: time.Hour}, resender, nil, logging.New("test", false))

	env := newTestEnvelope(t)
	m.Track(env, "conn-1", "bob", "alice")

	if m.Ack(env.ID, "conn-2") {
		t.Fatal("ack from wrong connection must be ignored")
	}
	if !m.Has(env.ID) {
		t.Fatal("expected pending entry to survive a spoofed ack")
	}
	if !m.Ack(env.ID, "conn-1") {
		t.Fatal("expected ack from the right connection to clear pending")
	}
	if m.Has(env.ID) {
		t.Fatal("expected pending entry cleared after valid ack")
	}
}

func TestRetryUntilMaxAttempts(t *testing.T) {
	resender := &fakeResender{}
	var dropped []string
	var mu sync.Mutex
	cfg := Config{AckTimeout: 10 * time.Millisecond, MaxAttempts: 3, DeliveryTTL: time.Hour}
	m := NewManager(cfg, resender, func(p Pending, reason string) {
		mu.Lock()
		dropped = append(dropped, reason)
		mu.Unlock()
	}, logging.New("test", false))

	env := newTestEnvelope(t)
	m.Track(env, "conn-1", "bob", "alice")

	deadline := time.After(2 * time.Second)
	for m.Has(env.ID) {
		select {
		case <-deadline:
			t.Fatal("pending delivery never dropped")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 1 || dropped[0] != "max_attempts" {
		t.Fatalf("expected one max_attempts drop, got %+v", dropped)
	}
	resender.mu.Lock()
	defer resender.mu.Unlock()
	if resender.resent != cfg.MaxAttempts-1 {
		t.Fatalf("expected %d resends, got %d", cfg.MaxAttempts-1, resender.resent)
	}
}

func TestDropForConnectionClearsOnlyThatConnection(t *testing.T) {
	resender := &fakeResender{}
	m := NewManager(Config{AckTimeout: time.Hour, MaxAttempts: 5, DeliveryTTL: time.Hour}, resender, nil, logging.New("test", false))

	e1 := newTestEnvelope(t)
	e2 := newTestEnvelope(t)
	m.Track(e1, "conn-1", "bob", "alice")
	m.Track(e2, "conn-2", "carol", "alice")

	dropped := m.DropForConnection("conn-1")
	if len(dropped) != 1 || dropped[0] != e1.ID {
		t.Fatalf("expected only conn-1's entry dropped, got %+v", dropped)
	}
	if m.Has(e1.ID) {
		t.Fatal("conn-1 entry should be gone")
	}
	if !m.Has(e2.ID) {
		t.Fatal("conn-2 entry should remain")
	}
}

func TestConnectionGoneDropsImmediately(t *testing.T) {
	resender := &fakeResender{gone: true}
	dropReason := make(chan string, 1)
	cfg := Config{AckTimeout: 10 * time.Millisecond, MaxAttempts: 5, DeliveryTTL: time.Hour}
	m := NewManager(cfg, resender, func(p Pending, reason string) { dropReason <- reason }, logging.New("test", false))

	env := newTestEnvelope(t)
	m.Track(env, "conn-1", "bob", "alice")

	select {
	case reason := <-dropReason:
		if reason != "connection_gone" {
			t.Fatalf("expected connection_gone, got %s", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected drop notification")
	}
}
