package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/agentrelay/relay/internal/logging"
)

// Default batch-flush triggers (spec.md §4.4).
const (
	DefaultMaxBatchSize    = 50
	DefaultMaxBatchBytes   = 256 * 1024
	DefaultMaxBatchDelayMs = 50
)

// Backend is the minimal persistent key/value contract BatchedAdapter needs.
// BadgerBackend (badger_backend.go) is the production implementation;
// tests may supply a fake.
type Backend interface {
	BatchSet(items map[string][]byte) error
	Get(key []byte) ([]byte, error)
	Scan(prefix []byte, limit int) (map[string][]byte, error)
	Delete(key []byte) error
	Close() error
}

// BatchConfig tunes the flush triggers.
type BatchConfig struct {
	MaxBatchSize    int
	MaxBatchBytes   int
	MaxBatchDelayMs int
}

// DefaultBatchConfig returns spec.md's defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize:    DefaultMaxBatchSize,
		MaxBatchBytes:   DefaultMaxBatchBytes,
		MaxBatchDelayMs: DefaultMaxBatchDelayMs,
	}
}

type queuedRow struct {
	key   string
	value []byte
	msg   StoredMessage
}

// BatchedAdapter implements Store over a persistent Backend, batching writes
// per spec.md §4.4: flush triggers on queue length, pending bytes, or time
// since first enqueue; flush is serialized; a failed write re-queues the
// whole batch at the head for the next trigger to retry.
type BatchedAdapter struct {
	backend Backend
	cfg     BatchConfig
	log     *logging.Logger

	mu           sync.Mutex
	queue        []queuedRow
	dedup        map[uint64]int // fingerprint(id) -> index in queue, for same-batch dedup
	pendingBytes int
	firstEnqueue time.Time
	flushTimer   *time.Timer
	flushing     bool
	flushDone    chan struct{} // closed when an in-flight flush completes
	closed       bool

	metricsMu sync.Mutex
	metrics   Metrics

	sessions   sync.Map // id -> *Session
	tokenIndex sync.Map // resumeToken -> id
}

// NewBatchedAdapter constructs an adapter over backend with cfg's triggers.
func NewBatchedAdapter(backend Backend, cfg BatchConfig, log *logging.Logger) *BatchedAdapter {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if cfg.MaxBatchDelayMs <= 0 {
		cfg.MaxBatchDelayMs = DefaultMaxBatchDelayMs
	}
	return &BatchedAdapter{backend: backend, cfg: cfg, log: log}
}

func messageKey(id string) []byte { return []byte("msg:" + id) }

func (b *BatchedAdapter) SaveMessage(msg StoredMessage) error {
	if msg.Status == "" {
		msg.Status = StatusUnread
	}
	encoded, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode stored message: %w", err)
	}

	b.mu.Lock()
	if len(b.queue) == 0 {
		b.firstEnqueue = time.Now()
	}
	if b.dedup == nil {
		b.dedup = make(map[uint64]int)
	}
	fp := fingerprint(msg.ID)
	if idx, ok := b.dedup[fp]; ok && b.queue[idx].msg.ID == msg.ID {
		// Same id already queued this batch window: replace in place rather
		// than double-enqueue (e.g. a status touch-up before the next flush).
		b.pendingBytes += len(encoded) - len(b.queue[idx].value)
		b.queue[idx] = queuedRow{key: string(messageKey(msg.ID)), value: encoded, msg: msg}
	} else {
		b.queue = append(b.queue, queuedRow{key: string(messageKey(msg.ID)), value: encoded, msg: msg})
		b.dedup[fp] = len(b.queue) - 1
		b.pendingBytes += len(encoded)
	}
	size := len(b.queue)
	bytes := b.pendingBytes
	b.armTimerLocked()
	b.mu.Unlock()

	b.metricsMu.Lock()
	b.metrics.PendingCount = int64(size)
	b.metrics.PendingBytes = int64(bytes)
	b.metricsMu.Unlock()

	if size >= b.cfg.MaxBatchSize {
		return b.flush(flushReasonSize)
	}
	if bytes >= b.cfg.MaxBatchBytes {
		return b.flush(flushReasonBytes)
	}
	return nil
}

func (b *BatchedAdapter) armTimerLocked() {
	if b.flushTimer != nil {
		return
	}
	delay := time.Duration(b.cfg.MaxBatchDelayMs) * time.Millisecond
	b.flushTimer = time.AfterFunc(delay, func() {
		_ = b.flush(flushReasonTime)
	})
}

type flushReason int

const (
	flushReasonSize flushReason = iota
	flushReasonBytes
	flushReasonTime
	flushReasonManual
)

// Flush forces a synchronous drain, used by close() per spec.md §4.4.
func (b *BatchedAdapter) Flush() error {
	return b.flush(flushReasonManual)
}

// flush is idempotent and serialized: a caller that finds a flush in flight
// waits for it to finish instead of racing the backend, then returns nil. It
// does not see that flush's error and does not drain rows enqueued after the
// in-flight flush took its batch.
func (b *BatchedAdapter) flush(reason flushReason) error {
	b.mu.Lock()
	if b.flushing {
		done := b.flushDone
		b.mu.Unlock()
		<-done
		return nil
	}
	if len(b.queue) == 0 {
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.mu.Unlock()
		return nil
	}
	batch := b.queue
	b.queue = nil
	b.dedup = nil
	b.pendingBytes = 0
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	b.flushing = true
	done := make(chan struct{})
	b.flushDone = done
	b.mu.Unlock()

	items := make(map[string][]byte, len(batch))
	for _, row := range batch {
		items[row.key] = row.value
	}
	err := b.backend.BatchSet(items)

	b.mu.Lock()
	b.flushing = false
	close(done)
	if err != nil {
		// re-enqueue the whole batch at the head for the next trigger.
		b.queue = append(batch, b.queue...)
		b.dedup = make(map[uint64]int, len(b.queue))
		for i, row := range b.queue {
			b.dedup[fingerprint(row.msg.ID)] = i
		}
		if len(b.queue) > 0 {
			b.firstEnqueue = time.Now()
			b.armTimerLocked()
		}
		b.mu.Unlock()

		b.metricsMu.Lock()
		b.metrics.FlushFailures++
		b.metricsMu.Unlock()
		return fmt.Errorf("flush batch: %w", err)
	}
	b.mu.Unlock()

	b.metricsMu.Lock()
	b.metrics.BatchesWritten++
	b.metrics.MessagesWritten += int64(len(batch))
	switch reason {
	case flushReasonSize:
		b.metrics.FlushDueToSize++
	case flushReasonBytes:
		b.metrics.FlushDueToBytes++
	case flushReasonTime:
		b.metrics.FlushDueToTime++
	}
	b.metrics.PendingCount = 0
	b.metrics.PendingBytes = 0
	b.metricsMu.Unlock()
	return nil
}

func (b *BatchedAdapter) GetMessageByID(id string) (*StoredMessage, error) {
	b.mu.Lock()
	for i := len(b.queue) - 1; i >= 0; i-- {
		if b.queue[i].msg.ID == id {
			row := b.queue[i].msg
			b.mu.Unlock()
			return &row, nil
		}
	}
	b.mu.Unlock()

	data, err := b.backend.Get(messageKey(id))
	if err != nil {
		return nil, ErrNotFound
	}
	var row StoredMessage
	if err := msgpack.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("decode stored message: %w", err)
	}
	return &row, nil
}

func (b *BatchedAdapter) allRows() ([]StoredMessage, error) {
	raw, err := b.backend.Scan([]byte("msg:"), 0)
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	rows := make([]StoredMessage, 0, len(raw)+8)
	seen := make(map[string]bool, len(raw))
	for _, data := range raw {
		var row StoredMessage
		if err := msgpack.Unmarshal(data, &row); err != nil {
			continue
		}
		rows = append(rows, row)
		seen[row.ID] = true
	}

	b.mu.Lock()
	for _, q := range b.queue {
		if !seen[q.msg.ID] {
			rows = append(rows, q.msg)
		}
	}
	b.mu.Unlock()
	return rows, nil
}

func (b *BatchedAdapter) replyCount(rows []StoredMessage, id string) int {
	n := 0
	for _, row := range rows {
		if row.Thread == id {
			n++
		}
	}
	return n
}

func (b *BatchedAdapter) GetMessages(q Query) ([]QueryResult, error) {
	rows, err := b.allRows()
	if err != nil {
		return nil, err
	}
	var out []QueryResult
	for _, row := range rows {
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
		out = append(out, QueryResult{StoredMessage: row, ReplyCount: b.replyCount(rows, row.ID)})
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

// UpdateMessageStatus is never batched: it runs synchronously so the ACK
// path never races a pending flush (spec.md §4.4).
func (b *BatchedAdapter) UpdateMessageStatus(id string, status Status) error {
	b.mu.Lock()
	for b.flushing {
		// the row may be in a batch not yet visible to the backend
		done := b.flushDone
		b.mu.Unlock()
		<-done
		b.mu.Lock()
	}
	for i := range b.queue {
		if b.queue[i].msg.ID == id {
			current := b.queue[i].msg.Status
			if current == "" {
				current = StatusUnread
			}
			if statusRank[status] < statusRank[current] {
				b.mu.Unlock()
				return ErrStatusRegression
			}
			b.queue[i].msg.Status = status
			encoded, err := msgpack.Marshal(b.queue[i].msg)
			if err != nil {
				b.mu.Unlock()
				return fmt.Errorf("encode status update: %w", err)
			}
			b.queue[i].value = encoded
			b.mu.Unlock()
			return nil
		}
	}
	b.mu.Unlock()

	data, err := b.backend.Get(messageKey(id))
	if err != nil {
		return ErrNotFound
	}
	var row StoredMessage
	if err := msgpack.Unmarshal(data, &row); err != nil {
		return fmt.Errorf("decode stored message: %w", err)
	}
	current := row.Status
	if current == "" {
		current = StatusUnread
	}
	if statusRank[status] < statusRank[current] {
		return ErrStatusRegression
	}
	row.Status = status
	encoded, err := msgpack.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode status update: %w", err)
	}
	return b.backend.BatchSet(map[string][]byte{string(messageKey(id)): encoded})
}

func (b *BatchedAdapter) GetPendingMessagesForSession(agentName, sessionID string) ([]StoredMessage, error) {
	rows, err := b.allRows()
	if err != nil {
		return nil, err
	}
	var out []StoredMessage
	for _, row := range rows {
		if row.To == agentName && row.DeliverySessionID == sessionID && row.Status == StatusUnread {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeliverySeq < out[j].DeliverySeq })
	return out, nil
}

func sessionKey(id string) string { return "session:" + id }

func (b *BatchedAdapter) StartSession(s Session) error {
	cp := s
	b.sessions.Store(sessionKey(s.ID), &cp)
	if s.ResumeToken != "" {
		b.tokenIndex.Store(s.ResumeToken, s.ID)
	}
	return nil
}

func (b *BatchedAdapter) EndSession(id, closedBy string) error {
	v, ok := b.sessions.Load(sessionKey(id))
	if !ok {
		return ErrNotFound
	}
	s := v.(*Session)
	now := time.Now()
	s.EndedAt = &now
	s.ClosedBy = closedBy
	return nil
}

func (b *BatchedAdapter) GetRecentSessions(limit int) ([]Session, error) {
	var out []Session
	b.sessions.Range(func(_, v interface{}) bool {
		out = append(out, *v.(*Session))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *BatchedAdapter) GetSessionByResumeToken(token string) (*Session, error) {
	id, ok := b.tokenIndex.Load(token)
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := b.sessions.Load(sessionKey(id.(string)))
	if !ok {
		return nil, ErrNotFound
	}
	s := *v.(*Session)
	return &s, nil
}

// IncrementSessionMessageCount is best-effort and monotonic (spec.md §4.4).
func (b *BatchedAdapter) IncrementSessionMessageCount(id string) error {
	v, ok := b.sessions.Load(sessionKey(id))
	if !ok {
		return nil
	}
	v.(*Session).MessageCount++
	return nil
}

func (b *BatchedAdapter) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	if err := b.Flush(); err != nil {
		b.log.Warnf("final flush on close failed: %v", err)
	}
	return b.backend.Close()
}

func (b *BatchedAdapter) Metrics() Metrics {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	return b.metrics
}

func (b *BatchedAdapter) ResetMetrics() {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	b.metrics = Metrics{}
}
