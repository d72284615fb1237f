package router

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/agentrelay/relay/internal/envelope"
)

// TestMetricsUpdateOnRegisterAndSend is a smoke test that Register/Unregister
// and a successful SEND touch the shared metrics registry without panicking
// (the registry is process-wide, so this only asserts the call sites are
// wired, not absolute counter values across the test binary).
func TestMetricsUpdateOnRegisterAndSend(t *testing.T) {
	r, _ := newTestRouter(t)

	before := testutil.ToFloat64(registrations.WithLabelValues("carol"))
	registerAgent(t, r, "conn-1", "carol")
	after := testutil.ToFloat64(registrations.WithLabelValues("carol"))
	if after != before+1 {
		t.Fatalf("expected registrations_total{carol} to increment by 1, got %v -> %v", before, after)
	}

	registerAgent(t, r, "conn-2", "dave")
	if err := r.HandleSend("carol", "dave", "", envelope.SendPayload{Kind: envelope.KindMessage, Body: "hi"}); err != nil {
		t.Fatalf("HandleSend: %v", err)
	}
	if got := testutil.ToFloat64(envelopesDelivered.WithLabelValues("sent")); got < 1 {
		t.Fatalf("expected envelopes_delivered_total{sent} >= 1, got %v", got)
	}

	r.Unregister("conn-1", "disconnect")
	r.Unregister("conn-2", "disconnect")
}
