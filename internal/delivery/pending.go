// Package delivery implements the ACK-based reliable delivery state machine
// described in spec.md §4.3: once a DELIVER has been handed to a live
// connection, retry until ACKed, exhausted, expired, or the connection is
// gone.
//
// Grounded in internal/broker/service.go's pipe/timeout handling, generalized
// from a one-shot receive-with-timeout into a persistent per-envelope retry
// timer table.
package delivery

import (
	"sync"
	"time"

	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/logging"
)

// Defaults per spec.md §4.3.
const (
	DefaultAckTimeout  = 2000 * time.Millisecond
	DefaultMaxAttempts = 5
	DefaultDeliveryTTL = 60_000 * time.Millisecond
)

// Config tunes the retry machinery.
type Config struct {
	AckTimeout  time.Duration
	MaxAttempts int
	DeliveryTTL time.Duration
}

// DefaultConfig returns spec.md's defaults.
func DefaultConfig() Config {
	return Config{AckTimeout: DefaultAckTimeout, MaxAttempts: DefaultMaxAttempts, DeliveryTTL: DefaultDeliveryTTL}
}

// Pending is the tracked state for one in-flight DELIVER (spec.md §3).
type Pending struct {
	Envelope     *envelope.Envelope
	ConnectionID string
	Recipient    string
	Sender       string
	Attempts     int
	FirstSentAt  time.Time
	timer        *time.Timer
}

// Resender is implemented by whatever can put bytes back on the wire for a
// connection id — the router, in production.
type Resender interface {
	// ResendTo re-sends env on connID. Returns false if the connection is
	// gone (the caller should treat that as delivery exhaustion).
	ResendTo(connID string, env *envelope.Envelope) bool
}

// ExhaustionHandler is invoked when a pending delivery is dropped without
// having been ACKed — used to implement SPEC_FULL.md Open Question 1 (notify
// the original sender).
type ExhaustionHandler func(p Pending, reason string)

// Manager owns the pending-delivery table and its retry timers. All
// mutating operations are serialized by mu, matching spec.md §5's
// requirement that the pending table and its timer are created/cancelled
// atomically.
type Manager struct {
	cfg      Config
	resender Resender
	onDrop   ExhaustionHandler
	log      *logging.Logger

	mu      sync.Mutex
	pending map[string]*Pending // envelope id -> pending
}

// NewManager constructs a Manager. onDrop may be nil.
func NewManager(cfg Config, resender Resender, onDrop ExhaustionHandler, log *logging.Logger) *Manager {
	return &Manager{cfg: cfg, resender: resender, onDrop: onDrop, log: log, pending: make(map[string]*Pending)}
}

// Track registers a freshly-sent DELIVER and arms its retry timer. Must be
// called by the same critical section that performed the send, per spec.md
// §5 ("a DELIVER is persisted and tracked in the pending table before the
// next envelope for the same recipient is processed").
func (m *Manager) Track(env *envelope.Envelope, connID, recipient, sender string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := &Pending{
		Envelope:     env,
		ConnectionID: connID,
		Recipient:    recipient,
		Sender:       sender,
		Attempts:     1,
		FirstSentAt:  time.Now(),
	}
	p.timer = time.AfterFunc(m.cfg.AckTimeout, func() { m.onTimerFire(env.ID) })
	m.pending[env.ID] = p
}

// Has reports whether id is currently pending.
func (m *Manager) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[id]
	return ok
}

// Ack clears a pending delivery if ackID is pending AND the ack arrived on
// the same connection that received the original DELIVER (anti-spoof, spec
// §4.3 step 3). Returns true if the entry was cleared.
func (m *Manager) Ack(ackID, fromConnID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[ackID]
	if !ok {
		return false // unknown ids are silently dropped
	}
	if p.ConnectionID != fromConnID {
		return false // ACKs from other connections are ignored
	}
	p.timer.Stop()
	delete(m.pending, ackID)
	return true
}

// DropForConnection removes every pending entry bound to connID (called on
// disconnect, spec §4.3 step 4). The rows remain unread in storage and are
// eligible for session replay; this call does not touch storage.
func (m *Manager) DropForConnection(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dropped []string
	for id, p := range m.pending {
		if p.ConnectionID == connID {
			p.timer.Stop()
			delete(m.pending, id)
			dropped = append(dropped, id)
		}
	}
	return dropped
}

func (m *Manager) onTimerFire(id string) {
	m.mu.Lock()
	p, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return // cleared by an ACK or disconnect that raced the timer
	}

	if time.Since(p.FirstSentAt) > m.cfg.DeliveryTTL {
		delete(m.pending, id)
		m.mu.Unlock()
		m.log.Debugf("delivery %s dropped: ttl exceeded", id)
		m.notifyDrop(*p, "ttl_exceeded")
		return
	}
	if p.Attempts >= m.cfg.MaxAttempts {
		delete(m.pending, id)
		m.mu.Unlock()
		m.log.Debugf("delivery %s dropped: max attempts reached", id)
		m.notifyDrop(*p, "max_attempts")
		return
	}

	p.Attempts++
	connID := p.ConnectionID
	env := p.Envelope
	m.mu.Unlock()

	if !m.resender.ResendTo(connID, env) {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		m.log.Debugf("delivery %s dropped: connection gone", id)
		m.notifyDrop(*p, "connection_gone")
		return
	}

	m.mu.Lock()
	if cur, ok := m.pending[id]; ok {
		cur.timer = time.AfterFunc(m.cfg.AckTimeout, func() { m.onTimerFire(id) })
	}
	m.mu.Unlock()
}

func (m *Manager) notifyDrop(p Pending, reason string) {
	if m.onDrop != nil {
		m.onDrop(p, reason)
	}
}

// Count returns the number of currently pending deliveries, for tests and
// observability.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
