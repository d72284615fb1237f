package storage

import (
	"fmt"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// BadgerConfig mirrors the sibling omni module's storage.Config, trimmed to
// the knobs this daemon actually tunes.
type BadgerConfig struct {
	Dir              string
	SyncWrites       bool
	ValueLogFileSize int64
	Compression      options.CompressionType
}

// DefaultBadgerConfig returns sane defaults for a local relay daemon's data
// directory.
func DefaultBadgerConfig(dir string) BadgerConfig {
	return BadgerConfig{
		Dir:              dir,
		SyncWrites:       false,
		ValueLogFileSize: 1 << 28,
		Compression:      options.Snappy,
	}
}

// BadgerBackend is the persistent Backend implementation, grounded in
// omni/internal/storage/badger.go's BadgerStore.
type BadgerBackend struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// NewBadgerBackend opens (or creates) a BadgerDB at cfg.Dir.
func NewBadgerBackend(cfg BadgerConfig) (*BadgerBackend, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.SyncWrites = cfg.SyncWrites
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	opts.Compression = cfg.Compression
	opts.Logger = nil // the daemon's own logging.Logger wraps errors instead

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

func (bb *BadgerBackend) isClosed() bool {
	bb.mu.RLock()
	defer bb.mu.RUnlock()
	return bb.closed
}

func (bb *BadgerBackend) BatchSet(items map[string][]byte) error {
	if bb.isClosed() {
		return fmt.Errorf("backend closed")
	}
	return bb.db.Update(func(txn *badger.Txn) error {
		for k, v := range items {
			if err := txn.Set([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (bb *BadgerBackend) Get(key []byte) ([]byte, error) {
	if bb.isClosed() {
		return nil, fmt.Errorf("backend closed")
	}
	var value []byte
	err := bb.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	return value, err
}

func (bb *BadgerBackend) Delete(key []byte) error {
	if bb.isClosed() {
		return fmt.Errorf("backend closed")
	}
	return bb.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (bb *BadgerBackend) Scan(prefix []byte, limit int) (map[string][]byte, error) {
	if bb.isClosed() {
		return nil, fmt.Errorf("backend closed")
	}
	result := make(map[string][]byte)
	count := 0
	err := bb.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix) && (limit <= 0 || count < limit); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			result[string(item.Key())] = value
			count++
		}
		return nil
	})
	return result, err
}

func (bb *BadgerBackend) Close() error {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.closed {
		return nil
	}
	bb.closed = true
	return bb.db.Close()
}

// fingerprint returns a short dedup key for an enqueued row id, used to
// short-circuit a double-enqueue of the same message id within one open
// batch window without doing a full map scan.
func fingerprint(id string) uint64 {
	return xxhash.Sum64String(id)
}
