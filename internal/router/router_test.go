package router

import (
	"sync"
	"testing"

	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/logging"
	"github.com/agentrelay/relay/internal/storage"
)

type fakeConn struct {
	mu       sync.Mutex
	received []*envelope.Envelope
	accept   bool
}

func newFakeConn(accept bool) *fakeConn { return &fakeConn{accept: accept} }

func (c *fakeConn) Send(env *envelope.Envelope) bool {
	if !c.accept {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, env)
	return true
}

func (c *fakeConn) envelopes() []*envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*envelope.Envelope, len(c.received))
	copy(out, c.received)
	return out
}

func newTestRouter(t *testing.T) (*Router, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	return New(store, nil, logging.New("test", false)), store
}

func registerAgent(t *testing.T, r *Router, connID, agentName string) *fakeConn {
	t.Helper()
	conn := newFakeConn(true)
	if _, err := r.Register(connID, conn, envelope.HelloPayload{AgentName: agentName}); err != nil {
		t.Fatalf("Register(%s): %v", agentName, err)
	}
	return conn
}

func TestDirectSendDeliversAndAcks(t *testing.T) {
	r, store := newTestRouter(t)
	registerAgent(t, r, "conn-alice", "alice")
	bobConn := registerAgent(t, r, "conn-bob", "bob")

	if err := r.HandleSend("alice", "bob", "", envelope.SendPayload{Kind: envelope.KindMessage, Body: "hi"}); err != nil {
		t.Fatalf("HandleSend: %v", err)
	}

	delivered := bobConn.envelopes()
	if len(delivered) != 1 || delivered[0].Type != envelope.TypeDeliver {
		t.Fatalf("expected one DELIVER to bob, got %+v", delivered)
	}
	if !r.dm.Has(delivered[0].ID) {
		t.Fatal("expected delivery tracked pending ack")
	}

	r.HandleAck("conn-bob", envelope.AckPayload{AckID: delivered[0].ID})
	if r.dm.Has(delivered[0].ID) {
		t.Fatal("expected ack to clear pending delivery")
	}

	row, err := store.GetMessageByID(delivered[0].ID)
	if err != nil {
		t.Fatalf("GetMessageByID: %v", err)
	}
	if row.Status != storage.StatusAcked {
		t.Fatalf("expected acked status, got %s", row.Status)
	}
}

func TestBroadcastSkipsSlowPeerButDeliversOthers(t *testing.T) {
	r, store := newTestRouter(t)
	registerAgent(t, r, "conn-alice", "alice")
	bobConn := registerAgent(t, r, "conn-bob", "bob")

	carolConn := newFakeConn(false) // simulates a full outbound queue / slow peer
	if _, err := r.Register("conn-carol", carolConn, envelope.HelloPayload{AgentName: "carol"}); err != nil {
		t.Fatalf("Register(carol): %v", err)
	}

	if err := r.HandleSend("alice", envelope.BroadcastTarget, "", envelope.SendPayload{Body: "all"}); err != nil {
		t.Fatalf("HandleSend: %v", err)
	}

	if len(bobConn.envelopes()) != 1 {
		t.Fatalf("expected bob to receive the broadcast, got %+v", bobConn.envelopes())
	}
	if len(carolConn.envelopes()) != 0 {
		t.Fatal("fakeConn with accept=false should record nothing")
	}

	// spec.md §5 Backpressure: a full outbound queue must not exempt the
	// recipient from reliable delivery. carol's connection is still
	// registered, so the DELIVER attempted against it must be tracked for
	// retry (spec.md §8 testable property 2) and its store row must remain
	// unread until a retry succeeds and is ACKed (spec.md §8 scenario 2).
	rows, err := store.GetMessages(storage.Query{To: "carol"})
	if err != nil {
		t.Fatalf("GetMessages(to=carol): %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one stored row for carol, got %d", len(rows))
	}
	if rows[0].Status != storage.StatusUnread {
		t.Fatalf("expected carol's row to remain unread, got %s", rows[0].Status)
	}
	if !r.dm.Has(rows[0].ID) {
		t.Fatal("expected carol's delivery to be tracked for retry despite the failed initial send")
	}
}

func TestChannelMessageExcludesSender(t *testing.T) {
	r, _ := newTestRouter(t)
	aliceConn := registerAgent(t, r, "conn-alice", "alice")
	bobConn := registerAgent(t, r, "conn-bob", "bob")

	r.HandleChannelJoin("alice", "room")
	r.HandleChannelJoin("bob", "room")

	r.HandleChannelMessage("alice", "room", envelope.SendPayload{Body: "hello room"})

	found := false
	for _, env := range bobConn.envelopes() {
		if env.Type == envelope.TypeDeliver {
			found = true
		}
	}
	if !found {
		t.Fatal("expected bob to receive the channel message")
	}
	for _, env := range aliceConn.envelopes() {
		var p envelope.SendPayload
		if err := env.UnmarshalPayload(&p); err == nil && p.Body == "hello room" {
			t.Fatal("expected the sender not to receive its own channel message")
		}
	}
}

func TestReregisterEvictsAndClearsState(t *testing.T) {
	r, _ := newTestRouter(t)
	registerAgent(t, r, "conn-a1", "alice")
	r.HandleSubscribe("alice", "topic1")
	r.HandleChannelJoin("alice", "room")

	registerAgent(t, r, "conn-a2", "alice")

	r.mu.Lock()
	_, stillOldConn := r.connections["conn-a1"]
	newConnID, hasAgent := r.agents["alice"]
	_, subscribed := r.subscribers["topic1"]
	r.mu.Unlock()

	if stillOldConn {
		t.Fatal("expected old connection state cleared on re-register")
	}
	if !hasAgent || newConnID != "conn-a2" {
		t.Fatalf("expected alice bound to the new connection, got %q", newConnID)
	}
	if subscribed {
		t.Fatal("expected old connection's subscriptions cleared")
	}
}

func TestUnregisterDropsPendingDeliveries(t *testing.T) {
	r, _ := newTestRouter(t)
	registerAgent(t, r, "conn-alice", "alice")
	registerAgent(t, r, "conn-bob", "bob")

	if err := r.HandleSend("alice", "bob", "", envelope.SendPayload{Body: "hi"}); err != nil {
		t.Fatalf("HandleSend: %v", err)
	}
	if r.dm.Count() != 1 {
		t.Fatalf("expected one pending delivery, got %d", r.dm.Count())
	}

	r.Unregister("conn-bob", "disconnect")
	if r.dm.Count() != 0 {
		t.Fatalf("expected pending delivery dropped on disconnect, got %d", r.dm.Count())
	}
}

func TestShadowReceivesOutgoingCopyNotAckTracked(t *testing.T) {
	r, store := newTestRouter(t)
	registerAgent(t, r, "conn-alice", "alice")
	registerAgent(t, r, "conn-bob", "bob")
	shadowConn := registerAgent(t, r, "conn-shadow", "watcher")

	r.BindShadow("alice", "watcher", []string{SpeakOnAllMessages}, true, true)

	if err := r.HandleSend("alice", "bob", "", envelope.SendPayload{Body: "hi"}); err != nil {
		t.Fatalf("HandleSend: %v", err)
	}

	shadowEnvs := shadowConn.envelopes()
	if len(shadowEnvs) != 1 {
		t.Fatalf("expected one shadow copy, got %+v", shadowEnvs)
	}
	var payload envelope.SendPayload
	if err := shadowEnvs[0].UnmarshalPayload(&payload); err != nil {
		t.Fatalf("UnmarshalPayload: %v", err)
	}
	if payload.Data["_shadowCopy"] != true {
		t.Fatalf("expected _shadowCopy tag, got %+v", payload.Data)
	}
	if r.dm.Has(shadowEnvs[0].ID) {
		t.Fatal("shadow copies must not be ack-tracked")
	}
	if _, err := store.GetMessageByID(shadowEnvs[0].ID); err == nil {
		t.Fatal("shadow copies must not be persisted as separate rows")
	}
}

func TestProcessingMarkAndClear(t *testing.T) {
	r, _ := newTestRouter(t)
	registerAgent(t, r, "conn-alice", "alice")
	registerAgent(t, r, "conn-bob", "bob")

	r.markProcessing("bob", "msg-1")
	if !r.IsProcessing("bob") {
		t.Fatal("expected bob marked processing")
	}
	r.clearProcessing("bob")
	if r.IsProcessing("bob") {
		t.Fatal("expected processing cleared")
	}
}
