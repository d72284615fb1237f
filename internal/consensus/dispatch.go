package consensus

import (
	"fmt"

	"github.com/agentrelay/relay/internal/envelope"
)

// Dispatch interprets a `KindAction` SEND payload as a PROPOSE/VOTE/CANCEL
// command (spec.md §4.6: "Consumes PROPOSE/VOTE text commands embedded in
// SEND bodies"). Body carries the command verb; Data carries its structured
// arguments, following SPEC_FULL.md's guidance to treat payload.data as a
// schemaless map interpreted only by the consumer that understands its
// keys. ok is false when payload isn't a consensus action at all (the
// caller should fall through to ordinary SEND handling in that case).
func (e *Engine) Dispatch(from string, payload envelope.SendPayload) (result interface{}, ok bool, err error) {
	if payload.Kind != envelope.KindAction {
		return nil, false, nil
	}
	data := payload.Data

	switch payload.Body {
	case "propose":
		in := ProposeInput{
			Title:         stringField(data, "title"),
			Description:   stringField(data, "description"),
			Proposer:      from,
			Participants:  stringSliceField(data, "participants"),
			ConsensusType: Type(stringField(data, "consensusType")),
			Threshold:     floatField(data, "threshold"),
			Quorum:        intField(data, "quorum"),
			Weights:       weightsField(data, "weights"),
			TimeoutMs:     int64(intField(data, "timeoutMs")),
		}
		if len(in.Participants) == 0 {
			return nil, true, fmt.Errorf("consensus: propose requires participants")
		}
		return e.Propose(in), true, nil

	case "vote":
		id := stringField(data, "proposalId")
		value := VoteValue(stringField(data, "value"))
		reason := stringField(data, "reason")
		p, accepted := e.Vote(id, from, value, reason)
		if !accepted {
			return p, true, fmt.Errorf("consensus: vote rejected for proposal %s", id)
		}
		return p, true, nil

	case "cancel":
		id := stringField(data, "proposalId")
		if !e.Cancel(id, from) {
			return nil, true, fmt.Errorf("consensus: cancel rejected for proposal %s", id)
		}
		return nil, true, nil

	default:
		return nil, false, nil
	}
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func floatField(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func intField(data map[string]interface{}, key string) int {
	return int(floatField(data, key))
}

func stringSliceField(data map[string]interface{}, key string) []string {
	raw, ok := data[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func weightsField(data map[string]interface{}, key string) map[string]int {
	raw, ok := data[key].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]int, len(raw))
	for k, v := range raw {
		switch n := v.(type) {
		case float64:
			out[k] = int(n)
		case int:
			out[k] = n
		}
	}
	return out
}
