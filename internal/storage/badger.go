package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerConfig holds configuration for a BadgerStore.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *zap.Logger
}

// BadgerStore implements Store on top of an embedded BadgerDB.
// BadgerDB transactions give Write its all-or-nothing semantics.
type BadgerStore struct {
	db       *badger.DB
	inMemory bool
}

// badgerLogger adapts zap to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// OpenBadger opens a BadgerStore with the given configuration.
//
// Parameters:
//   - cfg: Path is required unless InMemory is true
//
// Returns:
//   - The opened store; callers must Close it
//   - Error if the path is missing or BadgerDB cannot be opened
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	return &BadgerStore{db: db, inMemory: cfg.InMemory}, nil
}

// Get retrieves a value by key
func (s *BadgerStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// List returns the keys with the given prefix in BadgerDB key order,
// which is ascending byte order.
func (s *BadgerStore) List(prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	return keys, nil
}

// Write applies the batch in a single read-write transaction
func (s *BadgerStore) Write(b *Batch) error {
	if b == nil || len(b.ops) == 0 {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, op := range b.ops {
			var err error
			if op.delete {
				err = txn.Delete([]byte(op.key))
			} else {
				err = txn.Set([]byte(op.key), op.value)
			}
			if err != nil {
				return fmt.Errorf("batch %s: %w", op.key, err)
			}
		}
		return nil
	})
}

// Stats walks every key and sums value sizes
func (s *BadgerStore) Stats() StoreStats {
	var stats StoreStats
	_ = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			stats.Keys++
			stats.Bytes += int(it.Item().ValueSize())
		}
		return nil
	})
	return stats
}

// Close closes the underlying database
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// GCRunner runs periodic value log garbage collection on a BadgerStore.
type GCRunner struct {
	store    *BadgerStore
	logger   *zap.Logger
	interval time.Duration
	ratio    float64
}

// NewGCRunner creates a garbage collection runner.
//
// Parameters:
//   - store: the BadgerStore to collect; must not be nil
//   - interval: how often to run GC; must be positive
//   - ratio: minimum garbage ratio (0.0-1.0] that triggers a rewrite
//   - logger: receives GC results
func NewGCRunner(store *BadgerStore, interval time.Duration, ratio float64, logger *zap.Logger) (*GCRunner, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if ratio <= 0 || ratio > 1 {
		return nil, errors.New("ratio must be in (0, 1]")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GCRunner{
		store:    store,
		interval: interval,
		ratio:    ratio,
		logger:   logger.Named("badger-gc"),
	}, nil
}

// Run collects garbage every interval until ctx is canceled.
// In-memory stores have no value log, so Run just waits for cancellation.
func (r *GCRunner) Run(ctx context.Context) error {
	if r.store.inMemory {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.runGC()
		}
	}
}

func (r *GCRunner) runGC() {
	err := r.store.db.RunValueLogGC(r.ratio)
	switch {
	case err == nil:
		r.logger.Debug("value log GC completed")
	case errors.Is(err, badger.ErrNoRewrite):
	default:
		r.logger.Warn("value log GC failed", zap.Error(err))
	}
}
