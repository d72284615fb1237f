// Package envelope defines the wire record for all agent-relay traffic.
//
// Every message crossing a connection is a versioned, typed Envelope. The
// type tag drives a sum-type-style dispatch in the protocol codec and the
// router; handlers close to the wire are the only place that interpret the
// untyped payload.data map (see SendPayload, DeliverEnvelope).
//
// Called by: protocol codec, router, delivery manager, signing.
// Calls: encoding/json, github.com/google/uuid.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the only version this daemon accepts at handshake.
const ProtocolVersion = 1

// Type is the envelope's wire type tag.
type Type string

const (
	TypeHello          Type = "HELLO"
	TypeHelloAck       Type = "HELLO_ACK"
	TypeSend           Type = "SEND"
	TypeDeliver        Type = "DELIVER"
	TypeAck            Type = "ACK"
	TypeSubscribe      Type = "SUBSCRIBE"
	TypeUnsubscribe    Type = "UNSUBSCRIBE"
	TypeChannelJoin    Type = "CHANNEL_JOIN"
	TypeChannelLeave   Type = "CHANNEL_LEAVE"
	TypeChannelMessage Type = "CHANNEL_MESSAGE"
	TypePing           Type = "PING"
	TypePong           Type = "PONG"
)

// BroadcastTarget is the literal "to" value meaning "everyone but the sender
// (or the topic's subscribers, when a topic is set)".
const BroadcastTarget = "*"

// Signature is the compact _sig side-channel attached by internal/signing.
type Signature struct {
	Sig       string `json:"s"`
	KeyID     string `json:"k"`
	SignedAt  int64  `json:"t"`
	Algorithm string `json:"a"`
}

// Delivery carries the recipient-scoped sequencing info that turns a SEND
// into a DELIVER (spec: DeliverEnvelope).
type Delivery struct {
	Seq       int64  `json:"seq"`
	SessionID string `json:"session_id"`
}

// Envelope is the single wire record for every message type.
type Envelope struct {
	V         int             `json:"v"`
	Type      Type            `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"ts"` // milliseconds since epoch
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Delivery  *Delivery       `json:"delivery,omitempty"`
	Sig       *Signature      `json:"_sig,omitempty"`
}

// New builds an envelope of the given type with a freshly marshaled payload.
func New(typ Type, from, to string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Envelope{
		V:         ProtocolVersion,
		Type:      typ,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UnixMilli(),
		From:      from,
		To:        to,
		Payload:   raw,
	}, nil
}

// NewWithID builds an envelope re-using a caller-supplied id, used by session
// replay which must preserve the original DELIVER's id.
func NewWithID(id string, typ Type, from, to string, payload json.RawMessage) *Envelope {
	return &Envelope{
		V:         ProtocolVersion,
		Type:      typ,
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
		From:      from,
		To:        to,
		Payload:   payload,
	}
}

// Importance levels for SendPayload.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
	ImportanceUrgent Importance = "urgent"
)

// Kind values for SendPayload.
type Kind string

const (
	KindMessage Kind = "message"
	KindAction  Kind = "action"
	KindSystem  Kind = "system"
)

// SendPayload is the body of a SEND/CHANNEL_MESSAGE envelope.
type SendPayload struct {
	Kind       Kind                   `json:"kind"`
	Body       string                 `json:"body"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Thread     string                 `json:"thread,omitempty"`
	Importance Importance             `json:"importance,omitempty"`
	ReplyTo    string                 `json:"replyTo,omitempty"`
}

// HelloPayload is the body of a HELLO envelope (client handshake request).
type HelloPayload struct {
	V                int    `json:"v"`
	AgentName        string `json:"agentName"`
	CLI              string `json:"cli,omitempty"`
	Program          string `json:"program,omitempty"`
	Model            string `json:"model,omitempty"`
	Task             string `json:"task,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	SessionID        string `json:"sessionId,omitempty"`
	ResumeToken      string `json:"resumeToken,omitempty"`
}

// HelloAckPayload is the body of the server's HELLO_ACK reply.
type HelloAckPayload struct {
	V             int      `json:"v"`
	SessionID     string   `json:"sessionId"`
	PendingReplay []string `json:"pendingReplay,omitempty"`
}

// AckPayload is the body of an ACK envelope.
type AckPayload struct {
	AckID string `json:"ack_id"`
}

// ChannelPayload is the body of CHANNEL_JOIN/CHANNEL_LEAVE.
type ChannelPayload struct {
	Channel string `json:"channel"`
}

// UnmarshalPayload decodes e.Payload into v.
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s: empty payload", e.ID)
	}
	return json.Unmarshal(e.Payload, v)
}

// Clone returns a deep copy, used when fanning the same logical message out
// to multiple recipients with per-recipient Delivery blocks.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Payload != nil {
		clone.Payload = make(json.RawMessage, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}
	if e.Delivery != nil {
		d := *e.Delivery
		clone.Delivery = &d
	}
	if e.Sig != nil {
		s := *e.Sig
		clone.Sig = &s
	}
	return &clone
}

// ToJSON serializes the envelope for the wire.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes an envelope read off the wire.
func FromJSON(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ValidationError mirrors the teacher's field+message shape.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Validate checks protocol-required fields are present for typ.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "envelope id is required"}
	}
	if e.Type == "" {
		return &ValidationError{Field: "type", Message: "type is required"}
	}
	if e.V != ProtocolVersion {
		return &ValidationError{Field: "v", Message: fmt.Sprintf("unsupported protocol version %d", e.V)}
	}
	switch e.Type {
	case TypeHello:
		// from/to not yet known before HELLO_ACK
	case TypeSend, TypeChannelMessage:
		if e.From == "" {
			return &ValidationError{Field: "from", Message: "from is required"}
		}
		if e.To == "" && e.Type == TypeSend {
			return &ValidationError{Field: "to", Message: "to is required"}
		}
		if len(e.Payload) == 0 {
			return &ValidationError{Field: "payload", Message: "payload is required"}
		}
	case TypeDeliver:
		if e.Delivery == nil {
			return &ValidationError{Field: "delivery", Message: "delivery block is required on DELIVER"}
		}
	case TypeAck:
		if len(e.Payload) == 0 {
			return &ValidationError{Field: "payload", Message: "ack payload is required"}
		}
	}
	return nil
}
