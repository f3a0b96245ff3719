// Package regions decides when a map region is served from cache and when it is fetched,
// and guarantees a single in-flight load per region.
package regions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/MarcoPoloResearchLab/geomemo/internal/cache"
	"github.com/MarcoPoloResearchLab/geomemo/internal/geo"
	"github.com/MarcoPoloResearchLab/geomemo/internal/metrics"
	"github.com/MarcoPoloResearchLab/geomemo/internal/notes"
)

const (
	opLoadRegion = "regions.load"

	forcedFlightSuffix = "|force"

	DefaultInitialMaxAge        = 30 * time.Minute
	DefaultForegroundMaxAge     = 2 * time.Minute
	DefaultForegroundForceAfter = 10 * time.Minute
	DefaultNewAreaMaxAge        = 30 * time.Minute
	DefaultFetchTimeout         = 10 * time.Second
)

// Source names what satisfied a load.
type Source string

const (
	SourceCache  Source = "cache"
	SourceRemote Source = "remote"
	// SourceStale is a cached region served because the remote fetch failed.
	SourceStale Source = "stale_cache"
)

var (
	errMissingFetcher = errors.New("regions: fetcher is required")
	errMissingCache   = errors.New("regions: cache is required")
	errMissingMarkers = errors.New("regions: marker applier is required")

	noOpLogger = zap.NewNop()
)

// Fetcher is the remote path of a region load.
type Fetcher interface {
	FetchRegion(ctx context.Context, keys []geo.SpatialKey) (notes.RegionSnapshot, error)
}

// Cache stores region snapshots by signature.
type Cache interface {
	Get(ctx context.Context, key string) (cache.Entry[notes.RegionSnapshot], bool)
	Put(ctx context.Context, key string, value notes.RegionSnapshot) error
	Invalidate(ctx context.Context, key string) error
}

type pinnable interface {
	SetPinned(pinned func(key string) bool)
}

// MarkerApplier receives loaded regions. Markers outside the region stay in state but
// stop being visible.
type MarkerApplier interface {
	ApplyRegion(region geo.Region, snapshot notes.RegionSnapshot)
}

// MemoApplier receives the memos of loaded regions.
type MemoApplier interface {
	ApplyRegion(snapshot notes.RegionSnapshot)
}

// Settings holds the staleness policy of the named load variants.
type Settings struct {
	InitialMaxAge        time.Duration
	ForegroundMaxAge     time.Duration
	ForegroundForceAfter time.Duration
	NewAreaMaxAge        time.Duration
	FetchTimeout         time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.InitialMaxAge <= 0 {
		s.InitialMaxAge = DefaultInitialMaxAge
	}
	if s.ForegroundMaxAge <= 0 {
		s.ForegroundMaxAge = DefaultForegroundMaxAge
	}
	if s.ForegroundForceAfter <= 0 {
		s.ForegroundForceAfter = DefaultForegroundForceAfter
	}
	if s.NewAreaMaxAge <= 0 {
		s.NewAreaMaxAge = DefaultNewAreaMaxAge
	}
	if s.FetchTimeout <= 0 {
		s.FetchTimeout = DefaultFetchTimeout
	}
	return s
}

// Config wires a Coordinator.
type Config struct {
	Fetcher Fetcher
	Cache   Cache
	Markers MarkerApplier
	Memos   MemoApplier
	// Selected reports the spatial key of the selected marker, if any. Regions holding
	// it are pinned in the memory tier.
	Selected func() (geo.SpatialKey, bool)
	Clock    clockwork.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Collectors
	Settings Settings
}

// Result describes a completed load.
type Result struct {
	Source   Source
	Region   geo.Region
	Snapshot notes.RegionSnapshot
	Age      time.Duration
}

type policy struct {
	maxAge time.Duration
	force  bool
}

// Coordinator funnels every region load through one de-duplication point.
type Coordinator struct {
	fetcher  Fetcher
	cache    Cache
	markers  MarkerApplier
	memos    MemoApplier
	selected func() (geo.SpatialKey, bool)
	clock    clockwork.Clock
	logger   *zap.Logger
	metrics  *metrics.Collectors
	settings Settings

	group singleflight.Group

	mu      sync.RWMutex
	visible geo.Region
	shown   bool
	// known holds the signatures this process cached or served from cache.
	known map[string]geo.Region
}

// NewCoordinator validates cfg and registers the coordinator as the cache pin oracle
// when the cache supports one.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Fetcher == nil {
		return nil, errMissingFetcher
	}
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	if cfg.Markers == nil {
		return nil, errMissingMarkers
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	coordinator := &Coordinator{
		fetcher:  cfg.Fetcher,
		cache:    cfg.Cache,
		markers:  cfg.Markers,
		memos:    cfg.Memos,
		selected: cfg.Selected,
		clock:    clock,
		logger:   logger.With(zap.String("component", "regions")),
		metrics:  cfg.Metrics,
		settings: cfg.Settings.withDefaults(),
		known:    make(map[string]geo.Region),
	}
	if target, ok := cfg.Cache.(pinnable); ok {
		target.SetPinned(coordinator.IsPinned)
	}
	return coordinator, nil
}

// LoadRegion loads key and its neighbours, from cache when fresh under the initial-load
// window unless force is set.
func (c *Coordinator) LoadRegion(ctx context.Context, key geo.SpatialKey, neighbors []geo.SpatialKey, force bool) (Result, error) {
	return c.load(ctx, geo.NewRegion(key, neighbors), policy{maxAge: c.settings.InitialMaxAge, force: force})
}

// InitialLoad is the first load after start-up.
func (c *Coordinator) InitialLoad(ctx context.Context, key geo.SpatialKey, neighbors []geo.SpatialKey) (Result, error) {
	return c.load(ctx, geo.NewRegion(key, neighbors), policy{maxAge: c.settings.InitialMaxAge})
}

// ForegroundRefresh reloads the visible region when the app returns to the foreground.
// A short absence tolerates a recent cache entry; an absence beyond the force threshold
// always refetches.
func (c *Coordinator) ForegroundRefresh(ctx context.Context, key geo.SpatialKey, neighbors []geo.SpatialKey, awayFor time.Duration) (Result, error) {
	return c.load(ctx, geo.NewRegion(key, neighbors), policy{
		maxAge: c.settings.ForegroundMaxAge,
		force:  awayFor >= c.settings.ForegroundForceAfter,
	})
}

// LoadNewArea loads a region the map just panned to.
func (c *Coordinator) LoadNewArea(ctx context.Context, key geo.SpatialKey, neighbors []geo.SpatialKey) (Result, error) {
	return c.load(ctx, geo.NewRegion(key, neighbors), policy{maxAge: c.settings.NewAreaMaxAge})
}

// Invalidate drops the cached snapshot of a region.
func (c *Coordinator) Invalidate(ctx context.Context, key geo.SpatialKey, neighbors []geo.SpatialKey) error {
	signature := geo.NewRegion(key, neighbors).Signature()
	c.mu.Lock()
	delete(c.known, signature)
	c.mu.Unlock()
	return c.cache.Invalidate(ctx, signature)
}

// InvalidateContaining drops every cached region known to this coordinator that covers
// key, so the next load of those regions goes to the remote store.
func (c *Coordinator) InvalidateContaining(ctx context.Context, key geo.SpatialKey) error {
	c.mu.Lock()
	var signatures []string
	for signature, region := range c.known {
		if region.Contains(key) {
			signatures = append(signatures, signature)
			delete(c.known, signature)
		}
	}
	c.mu.Unlock()
	var errs []error
	for _, signature := range signatures {
		if err := c.cache.Invalidate(ctx, signature); err != nil {
			errs = append(errs, fmt.Errorf("regions: invalidate %s: %w", signature, err))
		}
	}
	return errors.Join(errs...)
}

// Visible returns the region most recently applied to the managers.
func (c *Coordinator) Visible() (geo.Region, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.visible, c.shown
}

// IsPinned reports whether the cache entry for cacheKey backs the visible region or the
// region of the selected marker.
func (c *Coordinator) IsPinned(cacheKey string) bool {
	c.mu.RLock()
	visible, shown := c.visible, c.shown
	c.mu.RUnlock()
	if shown && visible.Signature() == cacheKey {
		return true
	}
	if c.selected == nil {
		return false
	}
	selectedKey, ok := c.selected()
	if !ok {
		return false
	}
	region, err := geo.ParseSignature(cacheKey)
	if err != nil {
		return false
	}
	return region.Contains(selectedKey)
}

// load attaches to an in-flight load of the same region or starts one. A forced load only
// shares a flight with other forced loads, so it never receives a cache-served result.
// The shared load runs detached from ctx so a caller giving up does not abort it for the
// others.
func (c *Coordinator) load(ctx context.Context, region geo.Region, p policy) (Result, error) {
	signature := region.Signature()
	flight := signature
	if p.force {
		flight += forcedFlightSuffix
	}
	detached := context.WithoutCancel(ctx)
	resultCh := c.group.DoChan(flight, func() (interface{}, error) {
		return c.resolve(detached, region, signature, p)
	})
	select {
	case outcome := <-resultCh:
		if outcome.Err != nil {
			return Result{}, outcome.Err
		}
		result := outcome.Val.(Result)
		if outcome.Shared {
			c.logger.Debug("attached to in-flight region load", zap.String("signature", signature))
		}
		return result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *Coordinator) resolve(ctx context.Context, region geo.Region, signature string, p policy) (Result, error) {
	now := c.clock.Now()
	cached, hit := c.cache.Get(ctx, signature)
	if hit && !p.force && cached.Age(now) <= p.maxAge {
		c.remember(signature, region)
		c.apply(region, cached.Value)
		c.metrics.RegionLoad(string(SourceCache))
		return Result{Source: SourceCache, Region: region, Snapshot: cached.Value, Age: cached.Age(now)}, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.settings.FetchTimeout)
	defer cancel()
	c.metrics.RemoteFetch()
	snapshot, err := c.fetcher.FetchRegion(fetchCtx, region.Keys())
	if err != nil {
		if hit {
			c.logger.Warn("region fetch failed, serving cached copy",
				zap.String("operation", opLoadRegion),
				zap.String("reason", "remote_fetch_failed"),
				zap.String("signature", signature),
				zap.Error(err))
			c.remember(signature, region)
			c.apply(region, cached.Value)
			c.metrics.RegionLoad(string(SourceStale))
			return Result{Source: SourceStale, Region: region, Snapshot: cached.Value, Age: cached.Age(now)}, nil
		}
		c.logger.Error("region load failed",
			zap.String("operation", opLoadRegion),
			zap.String("reason", "remote_fetch_failed"),
			zap.String("signature", signature),
			zap.Error(err))
		if notes.KindOf(err) == notes.KindUnknown {
			err = notes.TransientRemote(opLoadRegion, err)
		}
		return Result{}, fmt.Errorf("regions: load %s: %w", signature, err)
	}

	if err := c.cache.Put(ctx, signature, snapshot); err != nil {
		c.logger.Warn("region cache write failed",
			zap.String("operation", opLoadRegion),
			zap.String("reason", "cache_write_failed"),
			zap.String("signature", signature),
			zap.Error(err))
	} else {
		c.remember(signature, region)
	}
	c.apply(region, snapshot)
	c.metrics.RegionLoad(string(SourceRemote))
	return Result{Source: SourceRemote, Region: region, Snapshot: snapshot}, nil
}

func (c *Coordinator) remember(signature string, region geo.Region) {
	c.mu.Lock()
	c.known[signature] = region
	c.mu.Unlock()
}

// apply publishes the markers before the memos so memo counts land on known markers.
func (c *Coordinator) apply(region geo.Region, snapshot notes.RegionSnapshot) {
	c.mu.Lock()
	c.visible = region
	c.shown = true
	c.mu.Unlock()
	c.markers.ApplyRegion(region, snapshot)
	if c.memos != nil {
		c.memos.ApplyRegion(snapshot)
	}
}
