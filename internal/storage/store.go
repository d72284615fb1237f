// Package storage implements the batched write-ahead store described in
// spec.md §4.4: an append-dominated log of StoredMessage rows plus session
// bookkeeping, with two adapters satisfying the same Store interface — an
// in-memory one bounded to the last 1,000 rows (used for tests) and a
// batched persistent one backed by BadgerDB (see badger_backend.go).
//
// Grounded in internal/storage/client.go's request/response shape (renamed
// from a broker-proxied remote KV client to an in-process store, since the
// spec requires storage to run inside the daemon, not behind a pub/sub
// round trip) and the sibling omni module's internal/storage/badger.go for
// the persistent backend.
package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status values a StoredMessage progresses through. Monotonic only:
// unread -> read -> acked (see SPEC_FULL.md Open Question 3).
type Status string

const (
	StatusUnread Status = "unread"
	StatusRead   Status = "read"
	StatusAcked  Status = "acked"
)

var statusRank = map[Status]int{StatusUnread: 0, StatusRead: 1, StatusAcked: 2}

// ErrStatusRegression is returned when updateMessageStatus is asked to move
// a row backward.
var ErrStatusRegression = fmt.Errorf("status update would regress")

// ErrNotFound is returned when a row lookup misses.
var ErrNotFound = fmt.Errorf("message not found")

// StoredMessage is the persisted row shape (spec.md §3).
type StoredMessage struct {
	ID                string                 `msgpack:"id"`
	TS                int64                  `msgpack:"ts"`
	From              string                 `msgpack:"from"`
	To                string                 `msgpack:"to"`
	Topic             string                 `msgpack:"topic,omitempty"`
	Kind              string                 `msgpack:"kind"`
	Body              string                 `msgpack:"body"`
	Data              map[string]interface{} `msgpack:"data,omitempty"`
	PayloadMeta       map[string]interface{} `msgpack:"payload_meta,omitempty"`
	Thread            string                 `msgpack:"thread,omitempty"`
	DeliverySeq       int64                  `msgpack:"delivery_seq,omitempty"`
	DeliverySessionID string                 `msgpack:"delivery_session_id,omitempty"`
	SessionID         string                 `msgpack:"session_id,omitempty"`
	Status            Status                 `msgpack:"status"`
	IsUrgent          bool                   `msgpack:"is_urgent"`
	IsBroadcast       bool                   `msgpack:"is_broadcast"`
}

// Query filters getMessages results (spec.md §4.4).
type Query struct {
	From       string
	To         string
	Topic      string
	Thread     string
	SinceTS    int64
	UnreadOnly bool
	UrgentOnly bool
	Order      string // "asc" | "desc"
	Limit      int
}

// QueryResult wraps a row with its computed reply count.
type QueryResult struct {
	StoredMessage
	ReplyCount int
}

// Session is the session-table row (spec.md §3).
type Session struct {
	ID           string
	AgentName    string
	CLI          string
	ProjectID    string
	StartedAt    time.Time
	EndedAt      *time.Time
	MessageCount int
	Summary      string
	ResumeToken  string
	ClosedBy     string
}

// Metrics exposes the batched adapter's counters (spec.md §4.4).
type Metrics struct {
	BatchesWritten      int64
	MessagesWritten     int64
	FlushDueToSize      int64
	FlushDueToBytes     int64
	FlushDueToTime      int64
	FlushFailures       int64
	PendingCount        int64
	PendingBytes        int64
}

// Store is the interface both adapters satisfy.
type Store interface {
	SaveMessage(msg StoredMessage) error
	GetMessageByID(id string) (*StoredMessage, error)
	GetMessages(q Query) ([]QueryResult, error)
	UpdateMessageStatus(id string, status Status) error
	GetPendingMessagesForSession(agentName, sessionID string) ([]StoredMessage, error)

	StartSession(s Session) error
	EndSession(id, closedBy string) error
	GetRecentSessions(limit int) ([]Session, error)
	GetSessionByResumeToken(token string) (*Session, error)
	IncrementSessionMessageCount(id string) error

	Flush() error
	Close() error
	Metrics() Metrics
	ResetMetrics()
}

// MemoryStore is the bounded in-memory adapter used for tests (spec.md
// §4.4: "bounded to the last 1,000 messages").
type MemoryStore struct {
	mu       sync.RWMutex
	messages []StoredMessage
	byID     map[string]int // index into messages
	sessions map[string]*Session
	byToken  map[string]string // resumeToken -> session id
	maxRows  int
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]int),
		sessions: make(map[string]*Session),
		byToken:  make(map[string]string),
		maxRows:  1000,
	}
}

func (m *MemoryStore) SaveMessage(msg StoredMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.Status == "" {
		msg.Status = StatusUnread
	}
	if idx, ok := m.byID[msg.ID]; ok {
		m.messages[idx] = msg
		return nil
	}
	m.messages = append(m.messages, msg)
	m.byID[msg.ID] = len(m.messages) - 1
	if len(m.messages) > m.maxRows {
		drop := len(m.messages) - m.maxRows
		m.messages = m.messages[drop:]
		m.byID = make(map[string]int, len(m.messages))
		for i, row := range m.messages {
			m.byID[row.ID] = i
		}
	}
	return nil
}

func (m *MemoryStore) GetMessageByID(id string) (*StoredMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	row := m.messages[idx]
	return &row, nil
}

func (m *MemoryStore) replyCount(id string) int {
	n := 0
	for _, row := range m.messages {
		if row.Thread == id {
			n++
		}
	}
	return n
}

func (m *MemoryStore) GetMessages(q Query) ([]QueryResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []QueryResult
	for _, row := range m.messages {
		if q.From != "" && row.From != q.From {
			continue
		}
		if q.To != "" && row.To != q.To {
			continue
		}
		if q.Topic != "" && row.Topic != q.Topic {
			continue
		}
		if q.Thread != "" && row.Thread != q.Thread {
			continue
		}
		if q.SinceTS != 0 && row.TS < q.SinceTS {
			continue
		}
		if q.UnreadOnly && row.Status != StatusUnread {
			continue
		}
		if q.UrgentOnly && !row.IsUrgent {
			continue
		}
		out = append(out, QueryResult{StoredMessage: row, ReplyCount: m.replyCount(row.ID)})
	}

	desc := q.Order == "desc"
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].TS > out[j].TS
		}
		return out[i].TS < out[j].TS
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateMessageStatus(id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	current := m.messages[idx].Status
	if current == "" {
		current = StatusUnread
	}
	if statusRank[status] < statusRank[current] {
		return ErrStatusRegression
	}
	m.messages[idx].Status = status
	return nil
}

func (m *MemoryStore) GetPendingMessagesForSession(agentName, sessionID string) ([]StoredMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []StoredMessage
	for _, row := range m.messages {
		if row.To == agentName && row.DeliverySessionID == sessionID && row.Status == StatusUnread {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeliverySeq < out[j].DeliverySeq })
	return out, nil
}

func (m *MemoryStore) StartSession(s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	m.sessions[s.ID] = &cp
	if s.ResumeToken != "" {
		m.byToken[s.ResumeToken] = s.ID
	}
	return nil
}

func (m *MemoryStore) EndSession(id, closedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	s.EndedAt = &now
	s.ClosedBy = closedBy
	return nil
}

func (m *MemoryStore) GetRecentSessions(limit int) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetSessionByResumeToken(token string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	s := *m.sessions[id]
	return &s, nil
}

func (m *MemoryStore) IncrementSessionMessageCount(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.MessageCount++
	}
	// best-effort: unknown session id is not an error.
	return nil
}

func (m *MemoryStore) Flush() error       { return nil }
func (m *MemoryStore) Close() error       { return nil }
func (m *MemoryStore) Metrics() Metrics   { return Metrics{} }
func (m *MemoryStore) ResetMetrics()      {}
