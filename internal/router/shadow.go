package router

import (
	"github.com/agentrelay/relay/internal/envelope"
)

// Shadow trigger constants (spec.md §4.2).
const (
	SpeakOnExplicitAsk = "EXPLICIT_ASK"
	SpeakOnAllMessages = "ALL_MESSAGES"
)

const (
	shadowDirectionOutgoing = "outgoing"
	shadowDirectionIncoming = "incoming"
)

// BindShadow attaches shadowAgent to primary, atomically replacing any prior
// binding of that shadow (spec.md §3 Shadow relationship: "a shadow has
// exactly one primary; binding re-binding atomically replaces the prior
// entry").
func (r *Router) BindShadow(primary, shadowAgent string, speakOn []string, receiveIncoming, receiveOutgoing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prevPrimary, ok := r.primaryOf[shadowAgent]; ok {
		r.removeShadowBindingLocked(prevPrimary, shadowAgent)
	}

	binding := shadowBinding{
		shadowAgent:     shadowAgent,
		speakOn:         speakOn,
		receiveIncoming: receiveIncoming,
		receiveOutgoing: receiveOutgoing,
	}
	r.shadowsOf[primary] = append(r.shadowsOf[primary], binding)
	r.primaryOf[shadowAgent] = primary
}

// removeShadowBindingLocked removes shadowAgent's binding from primary's
// list. Caller holds r.mu.
func (r *Router) removeShadowBindingLocked(primary, shadowAgent string) {
	bindings := r.shadowsOf[primary]
	out := bindings[:0]
	for _, b := range bindings {
		if b.shadowAgent != shadowAgent {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		delete(r.shadowsOf, primary)
	} else {
		r.shadowsOf[primary] = out
	}
	if r.primaryOf[shadowAgent] == primary {
		delete(r.primaryOf, shadowAgent)
	}
}

// shadowFanOut delivers outgoing copies to the sender's shadows and incoming
// copies to each direct recipient's shadows (spec.md §4.2 "Shadow fan-out
// runs after the primary delivery for every routed SEND"). to is the literal
// SEND target (used only to decide whether this was a direct send, for the
// incoming side); broadcast SENDs have no single recipient to shadow the
// incoming side of.
func (r *Router) shadowFanOut(senderName string, recipients []string, to, topic string, payload envelope.SendPayload) {
	r.mu.Lock()
	outgoingShadows := append([]shadowBinding(nil), r.shadowsOf[senderName]...)
	var incomingShadows map[string][]shadowBinding
	if to != envelope.BroadcastTarget {
		incomingShadows = make(map[string][]shadowBinding, len(recipients))
		for _, rcpt := range recipients {
			incomingShadows[rcpt] = append([]shadowBinding(nil), r.shadowsOf[rcpt]...)
		}
	}
	r.mu.Unlock()

	for _, b := range outgoingShadows {
		if b.receiveOutgoing {
			r.sendShadowCopy(senderName, b.shadowAgent, senderName, topic, payload, shadowDirectionOutgoing)
		}
	}
	for rcpt, bindings := range incomingShadows {
		for _, b := range bindings {
			if b.receiveIncoming {
				r.sendShadowCopy(senderName, b.shadowAgent, rcpt, topic, payload, shadowDirectionIncoming)
			}
		}
	}
}

// sendShadowCopy delivers one tagged copy to a shadow agent. Shadow copies
// are never persisted and never entered into the reliable-delivery state
// machine (SPEC_FULL.md Open Question 2): they are observability-only and
// must not compete with the primary for retry/ACK bookkeeping.
func (r *Router) sendShadowCopy(senderName, shadowAgent, shadowOf, topic string, payload envelope.SendPayload, direction string) {
	data := map[string]interface{}{}
	for k, v := range payload.Data {
		data[k] = v
	}
	data["_shadowCopy"] = true
	data["_shadowOf"] = shadowOf
	data["_shadowDirection"] = direction
	shadowed := payload
	shadowed.Data = data

	r.deliverTo(senderName, shadowAgent, topic, shadowed, false, true)
}

// emitShadowTrigger delivers a synthetic SHADOW_TRIGGER SEND to every shadow
// of primary whose speakOn contains trigger or ALL_MESSAGES, marking each as
// processing since they're expected to respond (spec.md §4.2 Shadow
// trigger).
func (r *Router) emitShadowTrigger(primary, trigger string) {
	r.mu.Lock()
	bindings := append([]shadowBinding(nil), r.shadowsOf[primary]...)
	r.mu.Unlock()

	payload := envelope.SendPayload{
		Kind: envelope.KindSystem,
		Body: "SHADOW_TRIGGER:" + trigger,
		Data: map[string]interface{}{"_shadowTrigger": trigger},
	}

	for _, b := range bindings {
		if !matchesTrigger(b.speakOn, trigger) {
			continue
		}
		r.deliverTo(primary, b.shadowAgent, "", payload, false, false)
	}
}

func matchesTrigger(speakOn []string, trigger string) bool {
	for _, s := range speakOn {
		if s == trigger || s == SpeakOnAllMessages {
			return true
		}
	}
	return false
}
