package router

import (
	"github.com/agentrelay/relay/internal/envelope"
)

// HandleSubscribe adds agentName to topic's subscriber set (spec.md §3
// Subscription set: session-scoped, not persisted).
func (r *Router) HandleSubscribe(agentName, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscribers[topic] == nil {
		r.subscribers[topic] = make(map[string]bool)
	}
	r.subscribers[topic][agentName] = true
}

// HandleUnsubscribe removes agentName from topic's subscriber set, garbage
// collecting the topic entry once empty.
func (r *Router) HandleUnsubscribe(agentName, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.subscribers[topic]
	if members == nil {
		return
	}
	delete(members, agentName)
	if len(members) == 0 {
		delete(r.subscribers, topic)
	}
}

// HandleChannelJoin adds agentName to channel's membership and notifies the
// existing members with a JOIN system envelope.
func (r *Router) HandleChannelJoin(agentName, channel string) {
	r.mu.Lock()
	if r.channels[channel] == nil {
		r.channels[channel] = make(map[string]bool)
	}
	existing := make([]string, 0, len(r.channels[channel]))
	for name := range r.channels[channel] {
		existing = append(existing, name)
	}
	r.channels[channel][agentName] = true
	if r.memberOf[agentName] == nil {
		r.memberOf[agentName] = make(map[string]bool)
	}
	r.memberOf[agentName][channel] = true
	r.mu.Unlock()

	notice := envelope.SendPayload{
		Kind: envelope.KindSystem,
		Body: "JOIN",
		Data: map[string]interface{}{"channel": channel, "agentName": agentName},
	}
	for _, member := range existing {
		r.deliverTo("relay", member, "", notice, false, false)
	}
}

// HandleChannelLeave removes agentName from channel's membership, notifying
// the remaining members, and garbage collects the channel once empty.
func (r *Router) HandleChannelLeave(agentName, channel string) {
	r.mu.Lock()
	members := r.channels[channel]
	if members == nil {
		r.mu.Unlock()
		return
	}
	delete(members, agentName)
	delete(r.memberOf[agentName], channel)
	if len(r.memberOf[agentName]) == 0 {
		delete(r.memberOf, agentName)
	}
	remaining := make([]string, 0, len(members))
	for name := range members {
		remaining = append(remaining, name)
	}
	if len(members) == 0 {
		delete(r.channels, channel)
	}
	r.mu.Unlock()

	notice := envelope.SendPayload{
		Kind: envelope.KindSystem,
		Body: "LEAVE",
		Data: map[string]interface{}{"channel": channel, "agentName": agentName},
	}
	for _, member := range remaining {
		r.deliverTo("relay", member, "", notice, false, false)
	}
}

// HandleChannelMessage fans payload out to every member of channel except
// senderName.
func (r *Router) HandleChannelMessage(senderName, channel string, payload envelope.SendPayload) {
	r.mu.Lock()
	members := r.channels[channel]
	recipients := make([]string, 0, len(members))
	for name := range members {
		if name != senderName {
			recipients = append(recipients, name)
		}
	}
	r.mu.Unlock()

	for _, recipient := range recipients {
		r.deliverTo(senderName, recipient, channel, payload, false, false)
	}
}

// BroadcastConsensus implements consensus.Broadcaster: it fans a proposal
// lifecycle notice (created, resolved) out to the proposal's
// participants as a system SEND on the proposal's thread, the same
// deliverTo fan-out HandleChannelMessage uses for channel members.
func (r *Router) BroadcastConsensus(participants []string, thread, body string, data map[string]interface{}) {
	notice := envelope.SendPayload{
		Kind:   envelope.KindSystem,
		Body:   body,
		Thread: thread,
		Data:   data,
	}
	for _, participant := range participants {
		r.deliverTo("relay", participant, "", notice, false, false)
	}
}
