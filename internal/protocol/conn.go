// Package protocol implements the connection and codec layer: a
// bidirectional stream of JSON envelopes per spec.md §4.1, written and read
// with encoding/json's Encoder/Decoder (one envelope per line, no length
// prefix).
//
// Grounded in internal/broker/service.go's net.Conn + json.Encoder/Decoder
// handling and internal/client/broker.go's background writer-goroutine
// idiom, generalized so a slow peer's outbound queue never blocks the
// router's single mutation path (spec.md §5 backpressure).
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/logging"
)

// DefaultOutboundQueueSize bounds each connection's outbound buffer.
const DefaultOutboundQueueSize = 256

// Conn wraps one accepted net.Conn with a streaming JSON codec and a
// dedicated writer goroutine. Send is non-blocking: it returns false if the
// outbound queue is full, which is the router's signal to skip this peer for
// the current fan-out and rely on reliable delivery to retry.
type Conn struct {
	ID   string
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder

	outbound chan *envelope.Envelope
	closed   chan struct{}
	closeMu  sync.Mutex
	didClose bool

	log *logging.Logger
}

// NewConn wraps a dialed or accepted net.Conn and starts its writer
// goroutine. Callers must call Close when done.
func NewConn(id string, nc net.Conn, log *logging.Logger) *Conn {
	c := &Conn{
		ID:       id,
		conn:     nc,
		enc:      json.NewEncoder(nc),
		dec:      json.NewDecoder(bufio.NewReader(nc)),
		outbound: make(chan *envelope.Envelope, DefaultOutboundQueueSize),
		closed:   make(chan struct{}),
		log:      log,
	}
	go c.writeLoop()
	return c
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case env, ok := <-c.outbound:
			if !ok {
				return
			}
			if err := c.enc.Encode(env); err != nil {
				c.log.Warnf("conn %s: write failed: %v", c.ID, err)
				c.Close()
				return
			}
		}
	}
}

// Send enqueues env for the writer goroutine. Returns false without
// blocking if the outbound queue is full or the connection is closed.
func (c *Conn) Send(env *envelope.Envelope) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.outbound <- env:
		return true
	default:
		return false
	}
}

// ReadEnvelope blocks for the next complete envelope, validating protocol
// version and required fields. Any violation is a transport-level error the
// caller must treat as a reason to close the connection.
func (c *Conn) ReadEnvelope() (*envelope.Envelope, error) {
	var env envelope.Envelope
	if err := c.dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	return &env, nil
}

// Close shuts the connection down idempotently.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.didClose {
		return nil
	}
	c.didClose = true
	close(c.closed)
	return c.conn.Close()
}

// RemoteAddr exposes the underlying transport's remote address for logging.
func (c *Conn) RemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// SetReadDeadline sets the underlying connection's read deadline d from now
// (d <= 0 clears it); used to detect dead peers on a read loop without
// blocking forever.
func (c *Conn) SetReadDeadline(d time.Duration) error {
	if d <= 0 {
		return c.conn.SetReadDeadline(time.Time{})
	}
	return c.conn.SetReadDeadline(time.Now().Add(d))
}
