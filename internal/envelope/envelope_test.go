package envelope

import (
	"encoding/json"
	"testing"
)

func TestNewSetsRequiredFields(t *testing.T) {
	e, err := New(TypeSend, "alice", "bob", SendPayload{Kind: KindMessage, Body: "hi"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.ID == "" {
		t.Fatal("expected generated id")
	}
	if e.V != ProtocolVersion {
		t.Fatalf("expected protocol version %d, got %d", ProtocolVersion, e.V)
	}
	if err := e.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsWrongVersion(t *testing.T) {
	e, _ := New(TypeSend, "alice", "bob", SendPayload{Body: "hi"})
	e.V = 99
	if err := e.Validate(); err == nil {
		t.Fatal("expected version mismatch error")
	}
}

func TestValidateRequiresToOnSend(t *testing.T) {
	e, _ := New(TypeSend, "alice", "", SendPayload{Body: "hi"})
	if err := e.Validate(); err == nil {
		t.Fatal("expected missing-to error")
	}
}

func TestCloneDeepCopiesPayloadAndDelivery(t *testing.T) {
	e, _ := New(TypeSend, "alice", "bob", SendPayload{Body: "hi"})
	e.Delivery = &Delivery{Seq: 1, SessionID: "s1"}

	clone := e.Clone()
	clone.Delivery.Seq = 2
	clone.Payload[0] = 'x'

	if e.Delivery.Seq != 1 {
		t.Fatalf("mutating clone's delivery mutated original: %d", e.Delivery.Seq)
	}
	if string(e.Payload) == string(clone.Payload) {
		t.Fatal("mutating clone's payload mutated original")
	}
}

func TestToJSONFromJSONRoundTrip(t *testing.T) {
	e, _ := New(TypeDeliver, "alice", "bob", SendPayload{Body: "hi"})
	e.Delivery = &Delivery{Seq: 3, SessionID: "sess-1"}

	data, err := e.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	got, err := FromJSON(data)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if got.ID != e.ID || got.Delivery.Seq != 3 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestUnmarshalPayload(t *testing.T) {
	e, _ := New(TypeSend, "alice", "bob", SendPayload{Body: "hello", Thread: "t1"})
	var p SendPayload
	if err := e.UnmarshalPayload(&p); err != nil {
		t.Fatalf("UnmarshalPayload: %v", err)
	}
	if p.Body != "hello" || p.Thread != "t1" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestNewWithIDPreservesID(t *testing.T) {
	raw, _ := json.Marshal(SendPayload{Body: "replay"})
	e := NewWithID("fixed-id", TypeDeliver, "alice", "bob", raw)
	if e.ID != "fixed-id" {
		t.Fatalf("expected preserved id, got %s", e.ID)
	}
}
