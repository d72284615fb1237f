package protocol

import (
	"fmt"

	"github.com/agentrelay/relay/internal/envelope"
)

// ParseHello validates that env is a well-formed HELLO and decodes its
// payload. Any envelope received before a successful handshake that is not
// HELLO is a protocol violation the caller must close the connection for.
func ParseHello(env *envelope.Envelope) (*envelope.HelloPayload, error) {
	if env.Type != envelope.TypeHello {
		return nil, fmt.Errorf("expected HELLO, got %s", env.Type)
	}
	var hello envelope.HelloPayload
	if err := env.UnmarshalPayload(&hello); err != nil {
		return nil, fmt.Errorf("decode HELLO payload: %w", err)
	}
	if hello.AgentName == "" {
		return nil, fmt.Errorf("HELLO missing agentName")
	}
	if hello.V != 0 && hello.V != envelope.ProtocolVersion {
		return nil, fmt.Errorf("HELLO protocol version mismatch: %d", hello.V)
	}
	return &hello, nil
}

// BuildHelloAck constructs the server's HELLO_ACK reply envelope.
func BuildHelloAck(sessionID string, pendingReplay []string) (*envelope.Envelope, error) {
	return envelope.New(envelope.TypeHelloAck, "", "", envelope.HelloAckPayload{
		V:             envelope.ProtocolVersion,
		SessionID:     sessionID,
		PendingReplay: pendingReplay,
	})
}
