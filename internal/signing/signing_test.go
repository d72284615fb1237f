package signing

import (
	"testing"
	"time"

	"github.com/agentrelay/relay/internal/envelope"
)

func newTestKeyStore(t *testing.T) *KeyStore {
	t.Helper()
	ks, err := NewKeyStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewKeyStore: %v", err)
	}
	return ks
}

func TestEd25519SignAndVerifyRoundTrip(t *testing.T) {
	ks := newTestKeyStore(t)
	key, err := ks.GenerateKey("alice", AlgoEd25519, 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	sig, err := SignMessage(`{"body":"hi"}`, "alice", key)
	if err != nil {
		t.Fatalf("SignMessage: %v", err)
	}
	if err := VerifyMessage(`{"body":"hi"}`, "alice", sig, key); err != nil {
		t.Fatalf("VerifyMessage: %v", err)
	}
}

func TestHMACSignAndVerifyRoundTrip(t *testing.T) {
	ks := newTestKeyStore(t)
	key, err := ks.GenerateKey("bob", AlgoHMACSHA256, 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	sig, err := SignMessage("payload-bytes", "bob", key)
	if err != nil {
		t.Fatalf("SignMessage: %v", err)
	}
	if err := VerifyMessage("payload-bytes", "bob", sig, key); err != nil {
		t.Fatalf("VerifyMessage: %v", err)
	}
}

func TestVerifyRejectsTamperedContent(t *testing.T) {
	ks := newTestKeyStore(t)
	key, _ := ks.GenerateKey("carol", AlgoEd25519, 0)
	sig, _ := SignMessage("original", "carol", key)

	err := VerifyMessage("tampered", "carol", sig, key)
	verr, ok := err.(*ErrVerification)
	if !ok {
		t.Fatalf("expected *ErrVerification, got %v", err)
	}
	if verr.Reason != "signature mismatch" {
		t.Fatalf("expected signature mismatch reason, got %q", verr.Reason)
	}
}

func TestVerifyRejectsExpiredKey(t *testing.T) {
	ks := newTestKeyStore(t)
	key, err := ks.GenerateKey("dan", AlgoEd25519, time.Nanosecond)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	time.Sleep(time.Millisecond)

	sig, _ := SignMessage("content", "dan", key)
	err = VerifyMessage("content", "dan", sig, key)
	verr, ok := err.(*ErrVerification)
	if !ok {
		t.Fatalf("expected *ErrVerification, got %v", err)
	}
	if verr.Reason != "signer key expired" {
		t.Fatalf("expected expired-key reason, got %q", verr.Reason)
	}
}

func TestLoadAgentKeyReturnsNilForMissing(t *testing.T) {
	ks := newTestKeyStore(t)
	key, err := ks.LoadAgentKey("nobody")
	if err != nil {
		t.Fatalf("LoadAgentKey: %v", err)
	}
	if key != nil {
		t.Fatal("expected nil key for an agent with no file on disk")
	}
}

func TestPolicyAllowsUnsignedFromAllowlist(t *testing.T) {
	ks := newTestKeyStore(t)
	p := NewPolicy(ks, true, []string{"trusted-bot"})

	env := &envelope.Envelope{From: "trusted-bot"}
	if err := p.Verify(env); err != nil {
		t.Fatalf("expected allowlisted unsigned sender to pass: %v", err)
	}

	env2 := &envelope.Envelope{From: "stranger"}
	if err := p.Verify(env2); err == nil {
		t.Fatal("expected non-allowlisted unsigned sender to fail under requireSignatures")
	}
}

func TestAttachSignsEnvelopeInPlace(t *testing.T) {
	ks := newTestKeyStore(t)
	key, _ := ks.GenerateKey("eve", AlgoHMACSHA256, 0)

	env, err := envelope.New(envelope.TypeSend, "eve", "frank", envelope.SendPayload{Body: "hi"})
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	if err := Attach(env, "eve", key); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if env.Sig == nil {
		t.Fatal("expected _sig attached")
	}
	if err := VerifyMessage(string(env.Payload), "eve", env.Sig, key); err != nil {
		t.Fatalf("expected attached signature to verify: %v", err)
	}
}
