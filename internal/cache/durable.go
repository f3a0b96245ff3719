package cache

import (
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// DurableConfig configures the badger database behind the durable tier.
type DurableConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in RAM. Used by tests.
	InMemory   bool
	SyncWrites bool
	Logger     *zap.Logger
}

// OpenDurable opens the badger database used by the durable tier. The caller owns the
// returned handle and closes it after every cache built on it.
func OpenDurable(cfg DurableConfig) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("cache: durable path is required")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("cache: create durable directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{logger: cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cache: open durable store: %w", err)
	}
	return db, nil
}

type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

type durableTier[T any] struct {
	db        *badger.DB
	namespace string
}

func (d *durableTier[T]) storageKey(key string) []byte {
	return []byte(d.namespace + key)
}

// get returns the raw blob for key, or nil when absent.
func (d *durableTier[T]) get(key string) ([]byte, error) {
	var blob []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(d.storageKey(key))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	return blob, err
}

func (d *durableTier[T]) put(entry Entry[T]) error {
	blob, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(d.storageKey(entry.Key), blob)
	})
}

func (d *durableTier[T]) remove(key string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(d.storageKey(key))
	})
}
