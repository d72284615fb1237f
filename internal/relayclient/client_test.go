package relayclient

import (
	"net"
	"testing"
	"time"

	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/logging"
	"github.com/agentrelay/relay/internal/protocol"
)

// fakeDaemon accepts one connection, performs the HELLO/HELLO_ACK handshake
// on the server side, then hands the raw protocol.Conn back to the test so
// it can drive DELIVER/ACK exchanges.
func fakeDaemon(t *testing.T, ln net.Listener) *protocol.Conn {
	t.Helper()
	nc, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	srv := protocol.NewConn("daemon-side", nc, logging.New("test", false))

	hello, err := srv.ReadEnvelope()
	if err != nil {
		t.Fatalf("read HELLO: %v", err)
	}
	if hello.Type != envelope.TypeHello {
		t.Fatalf("expected HELLO, got %s", hello.Type)
	}
	ack, err := envelope.New(envelope.TypeHelloAck, "", "", envelope.HelloAckPayload{
		V:         envelope.ProtocolVersion,
		SessionID: "sess-1",
	})
	if err != nil {
		t.Fatalf("build HELLO_ACK: %v", err)
	}
	if !srv.Send(ack) {
		t.Fatal("failed to send HELLO_ACK")
	}
	return srv
}

func TestConnectPerformsHandshakeAndSetsSessionID(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan *protocol.Conn, 1)
	go func() { done <- fakeDaemon(t, ln) }()

	c := New(Config{Address: "tcp:" + ln.Addr().String(), AgentName: "alice"})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	srv := <-done
	defer srv.Close()

	if c.SessionID() != "sess-1" {
		t.Fatalf("expected session id sess-1, got %q", c.SessionID())
	}
}

func TestDeliverDispatchesToHandlerAndSendsAck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan *protocol.Conn, 1)
	go func() { done <- fakeDaemon(t, ln) }()

	c := New(Config{Address: "tcp:" + ln.Addr().String(), AgentName: "alice"})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	srv := <-done
	defer srv.Close()

	received := make(chan envelope.SendPayload, 1)
	c.OnDeliver(func(env *envelope.Envelope, payload envelope.SendPayload) {
		received <- payload
	})

	deliverEnv, err := envelope.New(envelope.TypeDeliver, "bob", "alice", envelope.SendPayload{Kind: envelope.KindMessage, Body: "hi"})
	if err != nil {
		t.Fatalf("build DELIVER: %v", err)
	}
	deliverEnv.Delivery = &envelope.Delivery{Seq: 1, SessionID: "sess-1"}
	if !srv.Send(deliverEnv) {
		t.Fatal("failed to send DELIVER")
	}

	select {
	case payload := <-received:
		if payload.Body != "hi" {
			t.Fatalf("expected body %q, got %q", "hi", payload.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for DELIVER dispatch")
	}

	ackEnv, err := srv.ReadEnvelope()
	if err != nil {
		t.Fatalf("read ACK: %v", err)
	}
	if ackEnv.Type != envelope.TypeAck {
		t.Fatalf("expected ACK, got %s", ackEnv.Type)
	}
	var ackPayload envelope.AckPayload
	if err := ackEnv.UnmarshalPayload(&ackPayload); err != nil {
		t.Fatalf("unmarshal ACK payload: %v", err)
	}
	if ackPayload.AckID != deliverEnv.ID {
		t.Fatalf("expected ack for %q, got %q", deliverEnv.ID, ackPayload.AckID)
	}
}

func TestSendBeforeConnectReturnsError(t *testing.T) {
	c := New(Config{Address: "tcp:127.0.0.1:1", AgentName: "alice"})
	err := c.Send("bob", "", envelope.SendPayload{Kind: envelope.KindMessage, Body: "hi"})
	if err == nil {
		t.Fatal("expected error sending before Connect")
	}
}

func TestSplitAddressRejectsUnknownScheme(t *testing.T) {
	if _, _, err := splitAddress("ftp:example.com"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}
