// Package router implements the Router component of spec.md §4.2: the hub
// owning connections, the agent address book, topic subscriptions,
// channels, shadow relationships, and processing state. Every mutation
// runs under a single coarse lock (spec.md §5 permits "a coarse per-Router
// lock held across a full operation" as an alternative to an actor/queue
// model); this keeps register/unregister/deliver atomic with respect to
// each other, which is the invariant the spec cares about.
//
// Grounded in the teacher's broker Topic/Pipe/Connection bookkeeping and
// handleConnect/handlePublish/handleSubscribe dispatch, generalized from
// pub/sub-only fan-out into direct delivery with ACK tracking, channels, and
// shadow observers.
package router

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentrelay/relay/internal/delivery"
	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/logging"
	"github.com/agentrelay/relay/internal/metrics"
	"github.com/agentrelay/relay/internal/storage"
)

var (
	connectedAgents = metrics.Default().Gauge("connected_agents", "Agents currently registered with the router")
	registrations   = metrics.Default().Counter("registrations_total", "Agent HELLO registrations handled", "agent")
	disconnects     = metrics.Default().Counter("disconnects_total", "Connections unregistered, by reason", "reason")
)

// ProcessingTimeout is how long an agent can hold a DELIVER before the
// processing indicator clears on its own (spec.md §4.2, §5).
const ProcessingTimeout = 30 * time.Second

// Sender is the minimal contract the router needs from a live connection.
// protocol.Conn satisfies this.
type Sender interface {
	Send(env *envelope.Envelope) bool
}

// connMeta is the per-connection state the router owns (spec.md §3
// Connection). Sequence counters are connection-scoped, never shared across
// sessions (spec.md §4.1).
type connMeta struct {
	conn      Sender
	agentName string
	sessionID string
	cli       string
	program   string
	model     string
	seqs      map[string]int64 // "topic\x00peer" -> last seq issued
}

type shadowBinding struct {
	shadowAgent      string
	speakOn          []string
	receiveIncoming  bool
	receiveOutgoing  bool
}

type processingState struct {
	startedAt time.Time
	messageID string
	timer     *time.Timer
}

// SignatureVerifier lets the router enforce spec.md §4.9's verification
// policy at the routing boundary before an envelope is ever delivered.
type SignatureVerifier interface {
	// Verify returns nil if env's _sig (or its absence) is acceptable.
	Verify(env *envelope.Envelope) error
}

// Router is the message-routing hub.
type Router struct {
	log   *logging.Logger
	store storage.Store
	dm    *delivery.Manager
	sig   SignatureVerifier // optional

	mu sync.Mutex

	connections  map[string]*connMeta        // connID -> meta
	agents       map[string]string           // agentName -> connID
	subscribers  map[string]map[string]bool  // topic -> agentName set
	channels     map[string]map[string]bool  // channel -> member agentName set
	memberOf     map[string]map[string]bool  // agentName -> channel set
	shadowsOf    map[string][]shadowBinding  // primary agentName -> bindings
	primaryOf    map[string]string           // shadow agentName -> primary agentName
	processing   map[string]*processingState // agentName -> state
}

// New constructs a Router. store and log must be non-nil; sig may be nil to
// disable signature verification.
func New(store storage.Store, sig SignatureVerifier, log *logging.Logger) *Router {
	r := &Router{
		log:         log,
		store:       store,
		sig:         sig,
		connections: make(map[string]*connMeta),
		agents:      make(map[string]string),
		subscribers: make(map[string]map[string]bool),
		channels:    make(map[string]map[string]bool),
		memberOf:    make(map[string]map[string]bool),
		shadowsOf:   make(map[string][]shadowBinding),
		primaryOf:   make(map[string]string),
		processing:  make(map[string]*processingState),
	}
	r.dm = delivery.NewManager(delivery.DefaultConfig(), r, r.onDeliveryDropped, log)
	return r
}

// ResendTo implements delivery.Resender.
func (r *Router) ResendTo(connID string, env *envelope.Envelope) bool {
	r.mu.Lock()
	meta, ok := r.connections[connID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return meta.conn.Send(env)
}

func (r *Router) onDeliveryDropped(p delivery.Pending, reason string) {
	r.log.Debugf("delivery %s to %s dropped: %s", p.Envelope.ID, p.Recipient, reason)
	// SPEC_FULL.md Open Question 1: surface a DELIVER_FAILED notice to the
	// original sender, best-effort (never retried, failure is only logged).
	r.mu.Lock()
	senderConnID, ok := r.agents[p.Sender]
	var senderConn Sender
	if ok {
		senderConn = r.connections[senderConnID].conn
	}
	r.mu.Unlock()
	if senderConn == nil {
		return
	}
	notice, err := envelope.New(envelope.TypeSend, "relay", p.Sender, envelope.SendPayload{
		Kind: envelope.KindSystem,
		Body: "DELIVER_FAILED",
		Data: map[string]interface{}{
			"originalId": p.Envelope.ID,
			"to":         p.Recipient,
			"reason":     reason,
		},
	})
	if err != nil {
		return
	}
	if !senderConn.Send(notice) {
		r.log.Debugf("failed to deliver DELIVER_FAILED notice to %s", p.Sender)
	}
}

// RegisterResult is returned by Register.
type RegisterResult struct {
	SessionID     string
	PendingReplay []storage.StoredMessage
}

// Register completes the handshake: evicts any prior connection registered
// under the same agent name (last-writer-wins, spec.md §4.1), records the
// new connection, opens a session, and resolves session replay candidates.
func (r *Router) Register(connID string, conn Sender, hello envelope.HelloPayload) (*RegisterResult, error) {
	r.mu.Lock()

	if priorConnID, exists := r.agents[hello.AgentName]; exists {
		r.evictLocked(priorConnID)
	}

	sessionID := uuid.New().String()
	r.connections[connID] = &connMeta{
		conn:      conn,
		agentName: hello.AgentName,
		sessionID: sessionID,
		cli:       hello.CLI,
		program:   hello.Program,
		model:     hello.Model,
		seqs:      make(map[string]int64),
	}
	r.agents[hello.AgentName] = connID
	agentCount := len(r.agents)
	r.mu.Unlock()

	registrations.WithLabelValues(hello.AgentName).Inc()
	connectedAgents.WithLabelValues().Set(float64(agentCount))

	if err := r.store.StartSession(storage.Session{
		ID:        sessionID,
		AgentName: hello.AgentName,
		CLI:       hello.CLI,
		StartedAt: time.Now(),
	}); err != nil {
		r.log.Warnf("start session for %s: %v", hello.AgentName, err)
	}

	result := &RegisterResult{SessionID: sessionID}

	replaySessionID := resolveReplaySession(r.store, hello)
	if replaySessionID != "" {
		pending, err := r.store.GetPendingMessagesForSession(hello.AgentName, replaySessionID)
		if err != nil {
			r.log.Warnf("session replay lookup for %s: %v", hello.AgentName, err)
		} else {
			result.PendingReplay = pending
		}
	}
	return result, nil
}

func resolveReplaySession(store storage.Store, hello envelope.HelloPayload) string {
	if hello.ResumeToken != "" {
		if s, err := store.GetSessionByResumeToken(hello.ResumeToken); err == nil {
			return s.ID
		}
	}
	if hello.SessionID != "" {
		return hello.SessionID
	}
	return ""
}

// ReplayPending re-sends each pending row to the just-registered connection
// as a DELIVER, preserving the original id and deliverySeq (spec.md §4.3
// session replay), entering each back into the reliable-delivery machinery.
func (r *Router) ReplayPending(connID string, rows []storage.StoredMessage) {
	r.mu.Lock()
	meta, ok := r.connections[connID]
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, row := range rows {
		payload := envelope.SendPayload{Kind: envelope.Kind(row.Kind), Body: row.Body, Data: row.Data, Thread: row.Thread}
		raw, err := jsonMarshal(payload)
		if err != nil {
			continue
		}
		deliverEnv := envelope.NewWithID(row.ID, envelope.TypeDeliver, row.From, row.To, raw)
		deliverEnv.Delivery = &envelope.Delivery{Seq: row.DeliverySeq, SessionID: meta.sessionID}
		if meta.conn.Send(deliverEnv) {
			r.dm.Track(deliverEnv, connID, row.To, row.From)
			r.markProcessing(row.To, row.ID)
		}
	}
}

// evictLocked closes out priorConnID's registration. Caller holds r.mu.
func (r *Router) evictLocked(connID string) {
	meta, ok := r.connections[connID]
	if !ok {
		return
	}
	r.clearConnectionStateLocked(connID, meta.agentName)
	delete(r.connections, connID)
}

// Unregister tears down connID's registration: subscriptions, shadows,
// processing state, and pending deliveries bound to this connection are all
// cleared (spec.md §3 Connection lifecycle), and the session is closed.
func (r *Router) Unregister(connID, closedBy string) {
	r.mu.Lock()
	meta, ok := r.connections[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	sessionID := meta.sessionID
	r.clearConnectionStateLocked(connID, meta.agentName)
	delete(r.connections, connID)
	agentCount := len(r.agents)
	r.mu.Unlock()

	disconnects.WithLabelValues(closedBy).Inc()
	connectedAgents.WithLabelValues().Set(float64(agentCount))

	r.dm.DropForConnection(connID)
	if err := r.store.EndSession(sessionID, closedBy); err != nil {
		r.log.Debugf("end session %s: %v", sessionID, err)
	}
}

// clearConnectionStateLocked removes agent/subscription/channel/shadow/
// processing state for connID+agentName. Caller holds r.mu.
func (r *Router) clearConnectionStateLocked(connID, agentName string) {
	if r.agents[agentName] == connID {
		delete(r.agents, agentName)
	}
	for topic, members := range r.subscribers {
		delete(members, agentName)
		if len(members) == 0 {
			delete(r.subscribers, topic)
		}
	}
	for ch := range r.memberOf[agentName] {
		delete(r.channels[ch], agentName)
		if len(r.channels[ch]) == 0 {
			delete(r.channels, ch)
		}
	}
	delete(r.memberOf, agentName)

	if primary, isShadow := r.primaryOf[agentName]; isShadow {
		r.removeShadowBindingLocked(primary, agentName)
	}
	delete(r.shadowsOf, agentName)

	if ps, ok := r.processing[agentName]; ok {
		if ps.timer != nil {
			ps.timer.Stop()
		}
		delete(r.processing, agentName)
	}
}

// markProcessing records that agentName received a DELIVER and starts the
// 30s auto-clear timer (spec.md §4.2).
func (r *Router) markProcessing(agentName, messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ps, ok := r.processing[agentName]; ok && ps.timer != nil {
		ps.timer.Stop()
	}
	ps := &processingState{startedAt: time.Now(), messageID: messageID}
	ps.timer = time.AfterFunc(ProcessingTimeout, func() { r.clearProcessing(agentName) })
	r.processing[agentName] = ps
}

// clearProcessing clears the processing indicator for agentName, called
// either by the timeout or when the agent next sends a SEND (HandleSend).
func (r *Router) clearProcessing(agentName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ps, ok := r.processing[agentName]; ok {
		if ps.timer != nil {
			ps.timer.Stop()
		}
		delete(r.processing, agentName)
	}
}

// IsProcessing reports whether agentName currently has an outstanding
// DELIVER it hasn't responded to.
func (r *Router) IsProcessing(agentName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.processing[agentName]
	return ok
}

// LocalAgents returns the names currently registered on this daemon,
// consumed by internal/cloudsync as its RosterProvider.LocalRoster.
func (r *Router) LocalAgents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	return names
}

// HandleAck processes an ACK envelope from connID (spec.md §4.3 step 3).
func (r *Router) HandleAck(connID string, ack envelope.AckPayload) {
	if !r.dm.Ack(ack.AckID, connID) {
		return
	}
	if err := r.store.UpdateMessageStatus(ack.AckID, storage.StatusAcked); err != nil {
		r.log.Debugf("update status on ack %s: %v", ack.AckID, err)
	}
}

// nextSeq returns the monotonically increasing per-(topic,peer) sequence
// for the recipient's connection (spec.md §4.1 getNextSeq). Caller holds r.mu.
func (meta *connMeta) nextSeq(topic, peer string) int64 {
	key := topic + "\x00" + peer
	meta.seqs[key]++
	return meta.seqs[key]
}

func jsonMarshal(v interface{}) (json.RawMessage, error) {
	return json.Marshal(v)
}
