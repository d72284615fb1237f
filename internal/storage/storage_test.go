package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/agentrelay/relay/internal/logging"
)

func TestMemoryStoreSaveAndGet(t *testing.T) {
	s := NewMemoryStore()
	msg := StoredMessage{ID: "m1", TS: 1, From: "alice", To: "bob", Kind: "message", Body: "hi"}
	if err := s.SaveMessage(msg); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	got, err := s.GetMessageByID("m1")
	if err != nil {
		t.Fatalf("GetMessageByID: %v", err)
	}
	if got.Body != "hi" || got.Status != StatusUnread {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestMemoryStoreStatusMonotonic(t *testing.T) {
	s := NewMemoryStore()
	_ = s.SaveMessage(StoredMessage{ID: "m1", Status: StatusAcked})
	if err := s.UpdateMessageStatus("m1", StatusRead); err != ErrStatusRegression {
		t.Fatalf("expected regression error, got %v", err)
	}
	if err := s.UpdateMessageStatus("m1", StatusAcked); err != nil {
		t.Fatalf("same-state update should succeed: %v", err)
	}
}

func TestMemoryStoreReplyCount(t *testing.T) {
	s := NewMemoryStore()
	_ = s.SaveMessage(StoredMessage{ID: "root", TS: 1})
	_ = s.SaveMessage(StoredMessage{ID: "r1", TS: 2, Thread: "root"})
	_ = s.SaveMessage(StoredMessage{ID: "r2", TS: 3, Thread: "root"})

	rows, err := s.GetMessages(Query{})
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	for _, row := range rows {
		if row.ID == "root" && row.ReplyCount != 2 {
			t.Fatalf("expected replyCount 2, got %d", row.ReplyCount)
		}
	}
}

func TestMemoryStorePendingMessagesForSession(t *testing.T) {
	s := NewMemoryStore()
	_ = s.SaveMessage(StoredMessage{ID: "m1", To: "alice", DeliverySessionID: "s1", DeliverySeq: 2, Status: StatusUnread})
	_ = s.SaveMessage(StoredMessage{ID: "m2", To: "alice", DeliverySessionID: "s1", DeliverySeq: 1, Status: StatusUnread})
	_ = s.SaveMessage(StoredMessage{ID: "m3", To: "alice", DeliverySessionID: "s2", DeliverySeq: 1, Status: StatusUnread})

	pending, err := s.GetPendingMessagesForSession("alice", "s1")
	if err != nil {
		t.Fatalf("GetPendingMessagesForSession: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "m2" {
		t.Fatalf("expected [m2,m1] ordered by seq, got %+v", pending)
	}
}

type fakeBackend struct {
	data   map[string][]byte
	failN  int // fail the next N BatchSet calls
}

func newFakeBackend() *fakeBackend { return &fakeBackend{data: map[string][]byte{}} }

func (f *fakeBackend) BatchSet(items map[string][]byte) error {
	if f.failN > 0 {
		f.failN--
		return errBackendFail
	}
	for k, v := range items {
		f.data[k] = v
	}
	return nil
}
func (f *fakeBackend) Get(key []byte) ([]byte, error) {
	v, ok := f.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}
func (f *fakeBackend) Scan(prefix []byte, limit int) (map[string][]byte, error) {
	out := map[string][]byte{}
	for k, v := range f.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == string(prefix) {
			out[k] = v
		}
	}
	return out, nil
}
func (f *fakeBackend) Delete(key []byte) error { delete(f.data, string(key)); return nil }
func (f *fakeBackend) Close() error            { return nil }

var errBackendFail = errors.New("simulated backend failure")

func TestBatchedAdapterFlushesOnSize(t *testing.T) {
	backend := newFakeBackend()
	cfg := BatchConfig{MaxBatchSize: 3, MaxBatchBytes: 1 << 20, MaxBatchDelayMs: 10_000}
	adapter := NewBatchedAdapter(backend, cfg, logging.New("test", false))

	for i := 0; i < 3; i++ {
		if err := adapter.SaveMessage(StoredMessage{ID: string(rune('a' + i)), TS: int64(i)}); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	m := adapter.Metrics()
	if m.FlushDueToSize != 1 || m.MessagesWritten != 3 {
		t.Fatalf("expected one size-triggered flush of 3 rows, got %+v", m)
	}
}

func TestBatchedAdapterRetriesFailedFlush(t *testing.T) {
	backend := newFakeBackend()
	backend.failN = 1
	cfg := BatchConfig{MaxBatchSize: 1, MaxBatchBytes: 1 << 20, MaxBatchDelayMs: 10_000}
	adapter := NewBatchedAdapter(backend, cfg, logging.New("test", false))

	if err := adapter.SaveMessage(StoredMessage{ID: "m1"}); err == nil {
		t.Fatal("expected first flush to fail")
	}
	if err := adapter.Flush(); err != nil {
		t.Fatalf("retry flush should succeed: %v", err)
	}
	if _, err := backend.Get(messageKey("m1")); err != nil {
		t.Fatalf("expected message eventually persisted: %v", err)
	}
}

func TestBatchedAdapterStatusNotBatched(t *testing.T) {
	backend := newFakeBackend()
	cfg := BatchConfig{MaxBatchSize: 100, MaxBatchBytes: 1 << 20, MaxBatchDelayMs: 10_000}
	adapter := NewBatchedAdapter(backend, cfg, logging.New("test", false))

	_ = adapter.SaveMessage(StoredMessage{ID: "m1", Status: StatusUnread})
	if err := adapter.UpdateMessageStatus("m1", StatusAcked); err != nil {
		t.Fatalf("UpdateMessageStatus: %v", err)
	}
	got, err := adapter.GetMessageByID("m1")
	if err != nil {
		t.Fatalf("GetMessageByID: %v", err)
	}
	if got.Status != StatusAcked {
		t.Fatalf("expected synchronous status update, got %s", got.Status)
	}
}

func TestBatchedAdapterTimeFlush(t *testing.T) {
	backend := newFakeBackend()
	cfg := BatchConfig{MaxBatchSize: 100, MaxBatchBytes: 1 << 20, MaxBatchDelayMs: 20}
	adapter := NewBatchedAdapter(backend, cfg, logging.New("test", false))

	_ = adapter.SaveMessage(StoredMessage{ID: "m1"})
	time.Sleep(100 * time.Millisecond)

	m := adapter.Metrics()
	if m.FlushDueToTime != 1 {
		t.Fatalf("expected a time-triggered flush, got %+v", m)
	}
}
