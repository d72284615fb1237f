package router

import (
	"encoding/json"
	"fmt"

	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/metrics"
	"github.com/agentrelay/relay/internal/storage"
)

// ErrUnknownRecipient is returned for a direct SEND with no matching agent
// (spec.md §4.2: "soft failure — the SEND is neither persisted nor
// retried").
var ErrUnknownRecipient = fmt.Errorf("unknown recipient")

var (
	envelopesDelivered = metrics.Default().Counter("envelopes_delivered_total", "DELIVER envelopes handed to a live connection", "status")
)

// HandleSend routes a SEND from senderName (spec.md §4.2 SEND routing +
// DELIVER creation). A router operation never throws back to the connection
// reader (spec.md §4.2 Failure handling); callers that want to know about a
// soft failure get ErrUnknownRecipient back but must not close the
// connection over it.
func (r *Router) HandleSend(senderName string, to, topic string, payload envelope.SendPayload) error {
	r.clearProcessing(senderName)
	recipients, err := r.resolveRecipients(senderName, to, topic)
	if err != nil {
		return err
	}

	isBroadcast := to == envelope.BroadcastTarget
	for _, recipientName := range recipients {
		r.deliverTo(senderName, recipientName, topic, payload, isBroadcast, false)
	}

	r.shadowFanOut(senderName, recipients, to, topic, payload)
	return nil
}

// resolveRecipients computes the SEND's recipient set.
func (r *Router) resolveRecipients(senderName, to, topic string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if to == envelope.BroadcastTarget {
		if topic != "" {
			members := r.subscribers[topic]
			out := make([]string, 0, len(members))
			for name := range members {
				if name != senderName {
					out = append(out, name)
				}
			}
			return out, nil
		}
		out := make([]string, 0, len(r.agents))
		for name := range r.agents {
			if name != senderName {
				out = append(out, name)
			}
		}
		return out, nil
	}

	if _, ok := r.agents[to]; !ok {
		return nil, ErrUnknownRecipient
	}
	return []string{to}, nil
}

// deliverTo builds and sends one DELIVER to recipientName, persists it, and
// enters it into the reliable-delivery machinery. isShadowCopy controls
// whether the envelope id participates in ACK tracking at all — per
// spec.md §4.2, shadow copies are never tracked for ACK the way the primary
// is.
func (r *Router) deliverTo(senderName, recipientName, topic string, payload envelope.SendPayload, isBroadcast, isShadowCopy bool) {
	r.mu.Lock()
	connID, ok := r.agents[recipientName]
	if !ok {
		r.mu.Unlock()
		return
	}
	meta := r.connections[connID]
	seq := meta.nextSeq(topic, senderName)
	sessionID := meta.sessionID
	conn := meta.conn
	r.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		r.log.Warnf("marshal send payload: %v", err)
		return
	}

	deliverEnv, err := envelope.New(envelope.TypeDeliver, senderName, recipientName, json.RawMessage(raw))
	if err != nil {
		r.log.Warnf("build deliver envelope: %v", err)
		return
	}
	deliverEnv.Payload = raw
	deliverEnv.Topic = topic
	deliverEnv.Delivery = &envelope.Delivery{Seq: seq, SessionID: sessionID}

	if r.sig != nil {
		if err := r.sig.Verify(deliverEnv); err != nil {
			r.log.Warnf("signature rejected for %s: %v", deliverEnv.ID, err)
			return
		}
	}

	sent := conn.Send(deliverEnv)
	if sent {
		envelopesDelivered.WithLabelValues("sent").Inc()
	} else {
		envelopesDelivered.WithLabelValues("queued_full").Inc()
	}

	if isShadowCopy {
		return // shadow copies are never persisted or ACK-tracked (SPEC_FULL.md Open Question 2)
	}

	// Persist regardless of send success: a dropped send due to backpressure
	// still needs a store row so session replay can retry it later
	// (spec.md §5 Backpressure).
	r.persist(deliverEnv, payload, recipientName, topic, isBroadcast)

	// Track for retry regardless of whether the initial send succeeded: a
	// full outbound queue still leaves the recipient connection registered,
	// so spec.md §5 Backpressure requires reliable delivery to keep retrying
	// it on the normal ack-timeout schedule rather than dropping it silently
	// on the spot.
	r.dm.Track(deliverEnv, connID, recipientName, senderName)
	if sent {
		r.markProcessing(recipientName, deliverEnv.ID)
	}
}

func (r *Router) persist(env *envelope.Envelope, payload envelope.SendPayload, to, topic string, isBroadcast bool) {
	row := storage.StoredMessage{
		ID:                env.ID,
		TS:                env.Timestamp,
		From:              env.From,
		To:                to,
		Topic:             topic,
		Kind:              string(payload.Kind),
		Body:              payload.Body,
		Data:              payload.Data,
		Thread:            payload.Thread,
		DeliverySeq:       env.Delivery.Seq,
		DeliverySessionID: env.Delivery.SessionID,
		Status:            storage.StatusUnread,
		IsUrgent:          payload.Importance == envelope.ImportanceUrgent || payload.Importance == envelope.ImportanceHigh,
		IsBroadcast:       isBroadcast,
	}
	if err := r.store.SaveMessage(row); err != nil {
		r.log.Warnf("persist message %s: %v", env.ID, err)
	}
}
