// Package cache provides the two-tier cache behind region loading: a bounded in-memory
// LRU that never evicts pinned keys, and a durable badger tier fed by a write-back worker.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/geomemo/internal/metrics"
)

// Strategy selects the tiers a cache uses.
type Strategy string

const (
	// StrategyMemoryOnly keeps entries in the LRU only.
	StrategyMemoryOnly Strategy = "memory"
	// StrategyDurableOnly reads and writes badger synchronously.
	StrategyDurableOnly Strategy = "durable"
	// StrategyTiered reads memory then durable and writes durable in the background.
	StrategyTiered Strategy = "tiered"
)

// Tier names the tier an entry was served from.
type Tier string

const (
	TierMemory  Tier = "memory"
	TierDurable Tier = "durable"
)

const (
	// DefaultMemoryEntries bounds the memory tier when Config leaves it unset.
	DefaultMemoryEntries = 128
	defaultWriteQueue    = 256
	defaultNamespace     = "cache/"
)

var (
	// ErrClosed rejects writes after Close.
	ErrClosed = errors.New("cache: closed")
	// ErrMissingDurableStore reports a durable strategy without a badger handle.
	ErrMissingDurableStore = errors.New("cache: durable strategy requires a database")
	// ErrUnknownStrategy reports an unrecognised strategy name.
	ErrUnknownStrategy = errors.New("cache: unknown strategy")
)

var noOpLogger = zap.NewNop()

// ParseStrategy maps a configuration value onto a Strategy.
func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(raw))) {
	case StrategyMemoryOnly:
		return StrategyMemoryOnly, nil
	case StrategyDurableOnly:
		return StrategyDurableOnly, nil
	case StrategyTiered, "":
		return StrategyTiered, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, raw)
	}
}

// Entry is a cached value with its insertion time.
type Entry[T any] struct {
	Key        string    `json:"key"`
	Value      T         `json:"value"`
	InsertedAt time.Time `json:"inserted_at"`
	Tier       Tier      `json:"-"`
}

// Age reports how long ago the entry was written.
func (e Entry[T]) Age(now time.Time) time.Duration {
	return now.Sub(e.InsertedAt)
}

// Config describes a cache.
type Config struct {
	Strategy      Strategy
	MemoryEntries int
	// DB backs the durable tier. Required unless Strategy is StrategyMemoryOnly.
	DB *badger.DB
	// Namespace prefixes durable keys so several caches can share one database.
	Namespace  string
	WriteQueue int
	// Pinned reports keys the memory tier must keep.
	Pinned  func(key string) bool
	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics *metrics.Collectors
}

// Tiered is a concurrent cache. Writes and invalidations of one key are serialized;
// readers never observe a partially written entry.
type Tiered[T any] struct {
	strategy Strategy
	memory   *memoryTier[T]
	durable  *durableTier[T]
	clock    clockwork.Clock
	logger   *zap.Logger
	metrics  *metrics.Collectors
	locks    *keyLocks

	pinMu  sync.RWMutex
	pinned func(string) bool

	closeMu sync.RWMutex
	closed  bool

	pendingMu   sync.Mutex
	drained     *sync.Cond
	pending     map[string]Entry[T]
	outstanding int
	queue       chan string
	workerDone  chan struct{}
}

// New constructs a cache and, for the tiered strategy, starts its write-back worker.
func New[T any](cfg Config) (*Tiered[T], error) {
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyTiered
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}
	if strategy != StrategyMemoryOnly && cfg.DB == nil {
		return nil, ErrMissingDurableStore
	}
	capacity := cfg.MemoryEntries
	if capacity <= 0 {
		capacity = DefaultMemoryEntries
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	cache := &Tiered[T]{
		strategy: strategy,
		clock:    clock,
		logger:   logger.With(zap.String("cache", strings.TrimSuffix(namespace, "/"))),
		metrics:  cfg.Metrics,
		locks:    newKeyLocks(),
		pinned:   cfg.Pinned,
		pending:  make(map[string]Entry[T]),
	}
	cache.drained = sync.NewCond(&cache.pendingMu)
	if strategy != StrategyDurableOnly {
		memory, err := newMemoryTier[T](capacity)
		if err != nil {
			return nil, fmt.Errorf("cache: memory tier: %w", err)
		}
		cache.memory = memory
	}
	if strategy != StrategyMemoryOnly {
		cache.durable = &durableTier[T]{db: cfg.DB, namespace: namespace}
	}
	if strategy == StrategyTiered {
		queueSize := cfg.WriteQueue
		if queueSize <= 0 {
			queueSize = defaultWriteQueue
		}
		cache.queue = make(chan string, queueSize)
		cache.workerDone = make(chan struct{})
		go cache.writeBack()
	}
	return cache, nil
}

// Strategy reports the configured strategy.
func (c *Tiered[T]) Strategy() Strategy {
	return c.strategy
}

// SetPinned replaces the pin oracle consulted on eviction.
func (c *Tiered[T]) SetPinned(pinned func(key string) bool) {
	c.pinMu.Lock()
	c.pinned = pinned
	c.pinMu.Unlock()
}

func (c *Tiered[T]) pinOracle() func(string) bool {
	c.pinMu.RLock()
	defer c.pinMu.RUnlock()
	return c.pinned
}

// Get returns the entry for key. A durable hit under the tiered strategy is promoted
// into memory.
func (c *Tiered[T]) Get(ctx context.Context, key string) (Entry[T], bool) {
	if ctx.Err() != nil {
		return Entry[T]{}, false
	}
	if c.memory != nil {
		if entry, ok := c.memory.get(key); ok {
			c.metrics.CacheHit(string(TierMemory))
			entry.Tier = TierMemory
			return entry, true
		}
		c.metrics.CacheMiss(string(TierMemory))
	}
	if c.durable == nil {
		return Entry[T]{}, false
	}
	if entry, ok := c.pendingEntry(key); ok {
		c.metrics.CacheHit(string(TierMemory))
		entry.Tier = TierMemory
		return entry, true
	}
	entry, ok := c.readDurable(key)
	if !ok {
		c.metrics.CacheMiss(string(TierDurable))
		return Entry[T]{}, false
	}
	c.metrics.CacheHit(string(TierDurable))
	if c.memory != nil {
		c.promote(entry)
	}
	entry.Tier = TierDurable
	return entry, true
}

func (c *Tiered[T]) pendingEntry(key string) (Entry[T], bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	entry, ok := c.pending[key]
	return entry, ok
}

func (c *Tiered[T]) readDurable(key string) (Entry[T], bool) {
	blob, err := c.durable.get(key)
	if err != nil {
		c.logError("cache.get", "durable_read_failed", err, key)
		return Entry[T]{}, false
	}
	if blob == nil {
		return Entry[T]{}, false
	}
	entry, err := decodeEntry[T](blob)
	if err != nil {
		c.discard(key, err)
		return Entry[T]{}, false
	}
	return entry, true
}

// discard drops a blob the codec cannot read. A concurrent writer may already have
// replaced it, so the delete runs under the key lock after a second read.
func (c *Tiered[T]) discard(key string, cause error) {
	unlock := c.locks.lock(key)
	defer unlock()
	blob, err := c.durable.get(key)
	if err != nil || blob == nil {
		return
	}
	if _, err := decodeEntry[T](blob); err == nil {
		return
	}
	if err := c.durable.remove(key); err != nil {
		c.logError("cache.discard", "durable_delete_failed", err, key)
		return
	}
	c.metrics.CacheDiscard()
	c.logger.Warn("discarded unreadable cache blob", zap.String("key", key), zap.Error(cause))
}

func (c *Tiered[T]) promote(entry Entry[T]) {
	unlock := c.locks.lock(entry.Key)
	defer unlock()
	if c.memory.contains(entry.Key) {
		return
	}
	entry.Tier = TierMemory
	c.recordEvictions(c.memory.put(entry, c.pinOracle()))
}

// Put stores value under key. The memory tier is written before Put returns; under the
// tiered strategy the durable copy follows from the write-back worker.
func (c *Tiered[T]) Put(ctx context.Context, key string, value T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	entry := Entry[T]{Key: key, Value: value, InsertedAt: c.clock.Now().UTC()}
	unlock := c.locks.lock(key)
	switch c.strategy {
	case StrategyMemoryOnly:
		entry.Tier = TierMemory
		c.recordEvictions(c.memory.put(entry, c.pinOracle()))
		unlock()
		return nil
	case StrategyDurableOnly:
		entry.Tier = TierDurable
		err := c.durable.put(entry)
		unlock()
		if err != nil {
			c.logError("cache.put", "durable_write_failed", err, key)
			return fmt.Errorf("cache: put %q: %w", key, err)
		}
		return nil
	}

	entry.Tier = TierMemory
	c.recordEvictions(c.memory.put(entry, c.pinOracle()))
	c.pendingMu.Lock()
	_, queued := c.pending[key]
	c.pending[key] = entry
	if !queued {
		c.outstanding++
	}
	c.pendingMu.Unlock()
	unlock()
	if !queued {
		c.queue <- key
	}
	return nil
}

// Invalidate removes key from every tier, including a durable write still queued.
func (c *Tiered[T]) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := c.locks.lock(key)
	defer unlock()
	if c.memory != nil {
		c.memory.remove(key)
	}
	c.pendingMu.Lock()
	delete(c.pending, key)
	c.pendingMu.Unlock()
	if c.durable != nil {
		if err := c.durable.remove(key); err != nil {
			c.logError("cache.invalidate", "durable_delete_failed", err, key)
			return fmt.Errorf("cache: invalidate %q: %w", key, err)
		}
	}
	return nil
}

// Len reports the number of entries held in memory.
func (c *Tiered[T]) Len() int {
	if c.memory == nil {
		return 0
	}
	return c.memory.len()
}

// Flush blocks until every queued durable write has been applied.
func (c *Tiered[T]) Flush() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for c.outstanding > 0 {
		c.drained.Wait()
	}
}

// Close stops accepting writes, drains the write-back queue and stops the worker. The
// badger handle stays open.
func (c *Tiered[T]) Close() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	if c.queue != nil {
		close(c.queue)
	}
	c.closeMu.Unlock()
	if c.workerDone != nil {
		<-c.workerDone
	}
}

func (c *Tiered[T]) writeBack() {
	defer close(c.workerDone)
	for key := range c.queue {
		c.flushKey(key)
	}
}

func (c *Tiered[T]) flushKey(key string) {
	unlock := c.locks.lock(key)
	c.pendingMu.Lock()
	entry, ok := c.pending[key]
	delete(c.pending, key)
	c.pendingMu.Unlock()
	if ok {
		entry.Tier = TierDurable
		if err := c.durable.put(entry); err != nil {
			c.logError("cache.write_back", "durable_write_failed", err, key)
		}
	}
	unlock()

	c.pendingMu.Lock()
	c.outstanding--
	if c.outstanding == 0 {
		c.drained.Broadcast()
	}
	c.pendingMu.Unlock()
}

func (c *Tiered[T]) recordEvictions(evicted []string) {
	for range evicted {
		c.metrics.CacheEviction()
	}
	if len(evicted) > 0 {
		c.logger.Debug("evicted cache entries", zap.Strings("keys", evicted))
	}
}

func (c *Tiered[T]) logError(operation, reason string, err error, key string) {
	c.logger.Error("cache error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("key", key),
		zap.Error(err))
}
