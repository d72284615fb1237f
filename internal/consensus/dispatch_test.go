package consensus

import (
	"testing"

	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/logging"
)

func TestDispatchIgnoresNonActionPayloads(t *testing.T) {
	e := New(&fakeBroadcaster{}, logging.New("test", false))
	_, ok, err := e.Dispatch("alice", envelope.SendPayload{Kind: envelope.KindMessage, Body: "hi"})
	if ok || err != nil {
		t.Fatalf("expected a plain message to fall through, got ok=%v err=%v", ok, err)
	}
}

func TestDispatchProposeCreatesProposal(t *testing.T) {
	e := New(&fakeBroadcaster{}, logging.New("test", false))
	result, ok, err := e.Dispatch("alice", envelope.SendPayload{
		Kind: envelope.KindAction,
		Body: "propose",
		Data: map[string]interface{}{
			"title":         "ship it",
			"participants":  []interface{}{"alice", "bob"},
			"consensusType": "majority",
			"timeoutMs":     float64(60_000),
		},
	})
	if !ok || err != nil {
		t.Fatalf("Dispatch propose: ok=%v err=%v", ok, err)
	}
	p, isProposal := result.(*Proposal)
	if !isProposal {
		t.Fatalf("expected *Proposal result, got %T", result)
	}
	if p.Proposer != "alice" || p.ConsensusType != TypeMajority {
		t.Fatalf("unexpected proposal: %+v", p)
	}
}

func TestDispatchVoteRoutesToEngine(t *testing.T) {
	e := New(&fakeBroadcaster{}, logging.New("test", false))
	p := e.Propose(ProposeInput{Title: "ship it", Proposer: "alice", Participants: []string{"alice", "bob"}, ConsensusType: TypeUnanimous, TimeoutMs: 60_000})

	_, ok, err := e.Dispatch("bob", envelope.SendPayload{
		Kind: envelope.KindAction,
		Body: "vote",
		Data: map[string]interface{}{"proposalId": p.ID, "value": "approve"},
	})
	if !ok || err != nil {
		t.Fatalf("Dispatch vote: ok=%v err=%v", ok, err)
	}
	got, _ := e.Get(p.ID)
	if got.Votes["bob"].Value != VoteApprove {
		t.Fatalf("expected bob's vote recorded, got %+v", got.Votes)
	}
}

func TestDispatchVoteByNonParticipantReturnsError(t *testing.T) {
	e := New(&fakeBroadcaster{}, logging.New("test", false))
	p := e.Propose(ProposeInput{Title: "ship it", Proposer: "alice", Participants: []string{"alice", "bob"}, ConsensusType: TypeUnanimous, TimeoutMs: 60_000})

	_, ok, err := e.Dispatch("mallory", envelope.SendPayload{
		Kind: envelope.KindAction,
		Body: "vote",
		Data: map[string]interface{}{"proposalId": p.ID, "value": "approve"},
	})
	if !ok || err == nil {
		t.Fatalf("expected non-participant vote to be handled with an error, got ok=%v err=%v", ok, err)
	}
}
