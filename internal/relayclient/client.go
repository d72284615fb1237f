// Package relayclient provides client-side connectivity to an agent-relay
// daemon: connect, HELLO handshake, SEND, and DELIVER/ACK handling.
//
// Grounded in internal/client/broker.go's BrokerClient: the same
// dial-then-handshake Connect(), a background listener goroutine (here
// dispatching each DELIVER to the registered OnDeliver handlers), and the
// same idempotent Connect/Disconnect contract — generalized from a JSON-RPC
// call/response protocol to the router's JSON envelope stream, and from
// topic-only pub/sub to direct SEND/DELIVER/ACK with reconnect-and-replay.
package relayclient

import (
	"fmt"
	"net"
	"sync"

	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/logging"
	"github.com/agentrelay/relay/internal/protocol"

	"github.com/google/uuid"
)

// Client manages one agent's connection to the relay daemon.
type Client struct {
	address   string
	agentName string
	cli       string
	program   string
	debug     bool

	mu          sync.Mutex
	conn        *protocol.Conn
	netConn     net.Conn
	sessionID   string
	resumeToken string

	deliverHandlers []func(*envelope.Envelope, envelope.SendPayload)
	handlersMux     sync.RWMutex
}

// Config describes how to dial and identify to the daemon.
type Config struct {
	Address   string // "unix:/path/to.sock" or "tcp:host:port"
	AgentName string
	CLI       string
	Program   string
	Debug     bool
}

// New creates a disconnected Client. Call Connect before sending anything.
func New(cfg Config) *Client {
	return &Client{
		address:   cfg.Address,
		agentName: cfg.AgentName,
		cli:       cfg.CLI,
		program:   cfg.Program,
		debug:     cfg.Debug,
	}
}

// Connect dials the daemon, performs the HELLO/HELLO_ACK handshake, and
// starts the background read loop. Idempotent: calling it while already
// connected returns immediately.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	network, address, err := splitAddress(c.address)
	if err != nil {
		return err
	}
	netConn, err := net.Dial(network, address)
	if err != nil {
		return fmt.Errorf("relayclient: dial %s: %w", c.address, err)
	}

	conn := protocol.NewConn(uuid.New().String(), netConn, logging.New("relayclient", c.debug))

	hello := envelope.HelloPayload{
		V:           envelope.ProtocolVersion,
		AgentName:   c.agentName,
		CLI:         c.cli,
		Program:     c.program,
		SessionID:   c.sessionID,
		ResumeToken: c.resumeToken,
	}
	helloEnv, err := envelope.New(envelope.TypeHello, "", "", hello)
	if err != nil {
		conn.Close()
		return fmt.Errorf("relayclient: build HELLO: %w", err)
	}
	if !conn.Send(helloEnv) {
		conn.Close()
		return fmt.Errorf("relayclient: failed to send HELLO")
	}

	ackEnv, err := conn.ReadEnvelope()
	if err != nil {
		conn.Close()
		return fmt.Errorf("relayclient: read HELLO_ACK: %w", err)
	}
	if ackEnv.Type != envelope.TypeHelloAck {
		conn.Close()
		return fmt.Errorf("relayclient: expected HELLO_ACK, got %s", ackEnv.Type)
	}
	var ack envelope.HelloAckPayload
	if err := ackEnv.UnmarshalPayload(&ack); err != nil {
		conn.Close()
		return fmt.Errorf("relayclient: parse HELLO_ACK: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.netConn = netConn
	c.sessionID = ack.SessionID
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// splitAddress parses "unix:<path>" or "tcp:<host:port>".
func splitAddress(addr string) (network, address string, err error) {
	for _, prefix := range []string{"unix:", "tcp:"} {
		if len(addr) > len(prefix) && addr[:len(prefix)] == prefix {
			return prefix[:len(prefix)-1], addr[len(prefix):], nil
		}
	}
	return "", "", fmt.Errorf("relayclient: address %q must start with unix: or tcp:", addr)
}

// Disconnect closes the connection. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.netConn = nil
	return err
}

func (c *Client) readLoop(conn *protocol.Conn) {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			return
		}
		switch env.Type {
		case envelope.TypeDeliver:
			var payload envelope.SendPayload
			if err := env.UnmarshalPayload(&payload); err != nil {
				continue
			}
			c.dispatchDeliver(env, payload)
			c.ack(env.ID)
		case envelope.TypePing:
			pong, err := envelope.New(envelope.TypePong, "", "", nil)
			if err == nil {
				conn.Send(pong)
			}
		}
	}
}

func (c *Client) dispatchDeliver(env *envelope.Envelope, payload envelope.SendPayload) {
	c.handlersMux.RLock()
	handlers := append([]func(*envelope.Envelope, envelope.SendPayload){}, c.deliverHandlers...)
	c.handlersMux.RUnlock()
	for _, h := range handlers {
		h(env, payload)
	}
}

func (c *Client) ack(envID string) {
	ackEnv, err := envelope.New(envelope.TypeAck, c.agentName, "", envelope.AckPayload{AckID: envID})
	if err != nil {
		return
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Send(ackEnv)
	}
}

// OnDeliver registers a handler invoked for every DELIVER received. The
// client ACKs automatically once handlers have run.
func (c *Client) OnDeliver(handler func(env *envelope.Envelope, payload envelope.SendPayload)) {
	c.handlersMux.Lock()
	defer c.handlersMux.Unlock()
	c.deliverHandlers = append(c.deliverHandlers, handler)
}

// Send routes a message to another agent (or "*" to broadcast), optionally
// scoped to a topic.
func (c *Client) Send(to, topic string, payload envelope.SendPayload) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relayclient: not connected")
	}
	env, err := envelope.New(envelope.TypeSend, c.agentName, to, payload)
	if err != nil {
		return fmt.Errorf("relayclient: build SEND: %w", err)
	}
	env.Topic = topic
	if !conn.Send(env) {
		return fmt.Errorf("relayclient: outbound queue full")
	}
	return nil
}

// Subscribe adds the client to a topic's broadcast audience.
func (c *Client) Subscribe(topic string) error {
	return c.sendControl(envelope.TypeSubscribe, topic)
}

// Unsubscribe removes the client from a topic.
func (c *Client) Unsubscribe(topic string) error {
	return c.sendControl(envelope.TypeUnsubscribe, topic)
}

// JoinChannel joins a named channel.
func (c *Client) JoinChannel(channel string) error {
	return c.sendControl(envelope.TypeChannelJoin, channel)
}

// LeaveChannel leaves a named channel.
func (c *Client) LeaveChannel(channel string) error {
	return c.sendControl(envelope.TypeChannelLeave, channel)
}

func (c *Client) sendControl(typ envelope.Type, channelOrTopic string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relayclient: not connected")
	}
	env, err := envelope.New(typ, c.agentName, "", envelope.ChannelPayload{Channel: channelOrTopic})
	if err != nil {
		return err
	}
	env.Topic = channelOrTopic
	if !conn.Send(env) {
		return fmt.Errorf("relayclient: outbound queue full")
	}
	return nil
}

// SessionID returns the session id assigned at the last successful
// handshake. The next Connect presents it as the HELLO sessionId so the
// daemon can replay that session's undelivered messages.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SetResumeToken configures the token presented on the next Connect, asking
// the daemon to replay undelivered messages for the matching prior session.
func (c *Client) SetResumeToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumeToken = token
}
