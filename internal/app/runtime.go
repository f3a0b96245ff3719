// Package app wires the process-lifetime client runtime: stores, cache, remote client,
// edit mode and the notes managers. UI code attaches to it and detaches freely.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/geomemo/internal/auth"
	"github.com/MarcoPoloResearchLab/geomemo/internal/cache"
	"github.com/MarcoPoloResearchLab/geomemo/internal/config"
	"github.com/MarcoPoloResearchLab/geomemo/internal/database"
	"github.com/MarcoPoloResearchLab/geomemo/internal/editmode"
	"github.com/MarcoPoloResearchLab/geomemo/internal/events"
	"github.com/MarcoPoloResearchLab/geomemo/internal/geo"
	"github.com/MarcoPoloResearchLab/geomemo/internal/localstore"
	"github.com/MarcoPoloResearchLab/geomemo/internal/metrics"
	"github.com/MarcoPoloResearchLab/geomemo/internal/notes"
	"github.com/MarcoPoloResearchLab/geomemo/internal/regions"
	"github.com/MarcoPoloResearchLab/geomemo/internal/remote"
)

const regionCacheNamespace = "regions"

var errClosed = errors.New("app: runtime is closed")

// Config describes how a Runtime is assembled. Only Client is required.
type Config struct {
	Client     config.ClientConfig
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	Clock      clockwork.Clock
	HTTPClient *http.Client
	// DurableInMemory keeps the region cache database in RAM.
	DurableInMemory bool
}

// Runtime owns the root scope every manager task hangs off. It lives as long as the
// process; attachments come and go underneath it.
type Runtime struct {
	ctx    context.Context
	cancel context.CancelFunc

	logger    *zap.Logger
	metrics   *metrics.Collectors
	precision uint

	db        *gorm.DB
	cacheDB   *badger.DB
	local     *localstore.Store
	regionsDB *cache.Tiered[notes.RegionSnapshot]

	editMode  *editmode.Machine
	markers   *notes.MarkerManager
	memos     *notes.MemoManager
	temporary *notes.TemporaryMarkerManager
	loader    *regions.Coordinator

	closeOnce sync.Once
	closeErr  error
}

// New assembles a Runtime. Nothing is restored or fetched until Start.
func New(cfg Config) (*Runtime, error) {
	client := cfg.Client
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	registerer := cfg.Registerer
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	collectors, err := metrics.New(registerer)
	if err != nil {
		return nil, fmt.Errorf("app: register metrics: %w", err)
	}
	strategy, err := cache.ParseStrategy(client.CacheStrategy)
	if err != nil {
		return nil, err
	}
	identity, err := auth.NewTokenIdentity(client.AccessToken, clock.Now)
	if err != nil {
		return nil, fmt.Errorf("app: access token: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runtime := &Runtime{
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
		metrics:   collectors,
		precision: client.GeoPrecision,
	}
	if runtime.precision == 0 {
		runtime.precision = geo.DefaultPrecision
	}
	if err := runtime.open(cfg, strategy, identity, clock); err != nil {
		_ = runtime.release()
		return nil, err
	}
	return runtime, nil
}

func (r *Runtime) open(cfg Config, strategy cache.Strategy, identity *auth.TokenIdentity, clock clockwork.Clock) error {
	client := cfg.Client

	db, err := database.OpenSQLite(client.DatabasePath, r.logger, database.ClientSchema())
	if err != nil {
		return err
	}
	r.db = db
	r.local, err = localstore.NewStore(localstore.Config{Database: db, Logger: r.logger})
	if err != nil {
		return err
	}

	if strategy != cache.StrategyMemoryOnly {
		r.cacheDB, err = cache.OpenDurable(cache.DurableConfig{
			Path:     client.CachePath,
			InMemory: cfg.DurableInMemory,
			Logger:   r.logger,
		})
		if err != nil {
			return err
		}
	}
	r.regionsDB, err = cache.New[notes.RegionSnapshot](cache.Config{
		Strategy:      strategy,
		MemoryEntries: client.MemoryCacheEntries,
		DB:            r.cacheDB,
		Namespace:     regionCacheNamespace,
		Clock:         clock,
		Logger:        r.logger,
		Metrics:       r.metrics,
	})
	if err != nil {
		return err
	}

	remoteStore, err := remote.NewClient(remote.Config{
		BaseURL:    client.RemoteURL,
		Tokens:     identity,
		HTTPClient: cfg.HTTPClient,
		Logger:     r.logger,
	})
	if err != nil {
		return err
	}

	r.editMode = editmode.NewMachine(editmode.Config{
		Parent:         r.ctx,
		Duration:       client.EditModeDuration,
		TickInterval:   client.TickInterval,
		ReplayCapacity: client.ReplayCapacity,
		Clock:          clock,
		Logger:         r.logger,
		BusOptions:     []events.Option{events.WithMetrics(r.metrics)},
	})

	notesConfig := notes.Config{
		Parent:      r.ctx,
		RemoteStore: remoteStore,
		LocalStore:  r.local,
		Identity:    identity,
		WriteGate:   r.editMode,
		Clock:       clock,
		Logger:      r.logger,
		Metrics:     r.metrics,
		Confirmed:   r.invalidateAround,
		Settings: notes.Settings{
			Precision:       r.precision,
			MemoCap:         client.MemoCap,
			MemoMaxLength:   client.MemoMaxLength,
			UploadDebounce:  client.UploadDebounce,
			InactivityGrace: client.InactivityGrace,
			RemoteTimeout:   client.RemoteTimeout,
			RetryAttempts:   client.RetryAttempts,
			RetryInitial:    client.RetryInitial,
			RetryMax:        client.RetryMax,
			ReplayCapacity:  client.ReplayCapacity,
		},
	}
	r.markers, err = notes.NewMarkerManager(notesConfig)
	if err != nil {
		return err
	}
	r.memos, err = notes.NewMemoManager(notesConfig, r.markers)
	if err != nil {
		return err
	}
	r.temporary = notes.NewTemporaryMarkerManager(r.markers, r.memos)

	r.loader, err = regions.NewCoordinator(regions.Config{
		Fetcher:  remoteStore,
		Cache:    r.regionsDB,
		Markers:  r.markers,
		Memos:    r.memos,
		Selected: r.selectedKey,
		Clock:    clock,
		Logger:   r.logger,
		Metrics:  r.metrics,
		Settings: regions.Settings{
			InitialMaxAge:        client.InitialMaxAge,
			ForegroundMaxAge:     client.ForegroundMaxAge,
			ForegroundForceAfter: client.ForegroundForce,
			FetchTimeout:         client.RemoteTimeout,
		},
	})
	return err
}

// invalidateAround drops the cached regions covering key once the remote store
// acknowledged a change there, so later loads of those regions refetch.
func (r *Runtime) invalidateAround(key geo.SpatialKey) {
	if key == "" || r.loader == nil {
		return
	}
	if err := r.loader.InvalidateContaining(r.ctx, key); err != nil {
		r.logger.Warn("region cache invalidation failed",
			zap.String("operation", "app.invalidate_regions"),
			zap.String("reason", "cache_invalidate_failed"),
			zap.String("spatial_key", key.String()),
			zap.Error(err))
	}
}

// Start restores every unsynced mutation from the local store and resumes its upload.
// Markers are restored before memos so memos find their parents.
func (r *Runtime) Start(ctx context.Context) error {
	if r.ctx.Err() != nil {
		return errClosed
	}
	if err := r.markers.Restore(ctx); err != nil {
		return err
	}
	return r.memos.Restore(ctx)
}

// Markers returns the marker manager.
func (r *Runtime) Markers() *notes.MarkerManager {
	return r.markers
}

// Memos returns the memo manager.
func (r *Runtime) Memos() *notes.MemoManager {
	return r.memos
}

// Temporary returns the drop-a-pin flow.
func (r *Runtime) Temporary() *notes.TemporaryMarkerManager {
	return r.temporary
}

// EditMode returns the process-wide edit mode machine.
func (r *Runtime) EditMode() *editmode.Machine {
	return r.editMode
}

// Regions returns the spatial load coordinator.
func (r *Runtime) Regions() *regions.Coordinator {
	return r.loader
}

// Metrics returns the collectors shared by the runtime components.
func (r *Runtime) Metrics() *metrics.Collectors {
	return r.metrics
}

// RegionAround returns the region cell holding position plus its eight neighbours.
// Region cells are one geohash level coarser than marker keys.
func (r *Runtime) RegionAround(position geo.Position) (geo.SpatialKey, []geo.SpatialKey) {
	precision := r.precision
	if precision > 1 {
		precision--
	}
	key := geo.KeyOf(position, precision)
	return key, geo.Neighbors(key)
}

// LoadAround performs the start-up load of the region around position.
func (r *Runtime) LoadAround(ctx context.Context, position geo.Position) (regions.Result, error) {
	key, neighbors := r.RegionAround(position)
	return r.loader.InitialLoad(ctx, key, neighbors)
}

// OfflineMarkers reads the markers around position from the local store only. It serves
// the map while the remote store is unreachable and no cached region covers the area.
func (r *Runtime) OfflineMarkers(ctx context.Context, position geo.Position) ([]notes.Marker, error) {
	key, neighbors := r.RegionAround(position)
	return r.local.MarkersInRegion(ctx, geo.NewRegion(key, neighbors).Keys())
}

func (r *Runtime) selectedKey() (geo.SpatialKey, bool) {
	selection := r.markers.Selection()
	if selection.MarkerID == "" {
		return "", false
	}
	marker, ok := r.markers.Get(selection.MarkerID)
	if !ok {
		return "", false
	}
	return marker.SpatialKey, true
}

// Close cancels every task, drains the cache write-back queue and closes the databases.
// Unsynced mutations stay in the local store for the next Start.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.release()
	})
	return r.closeErr
}

func (r *Runtime) release() error {
	r.cancel()
	if r.memos != nil {
		r.memos.Close()
		r.memos.Wait()
	}
	if r.markers != nil {
		r.markers.Close()
		r.markers.Wait()
	}
	if r.editMode != nil {
		r.editMode.Close()
	}
	if r.regionsDB != nil {
		r.regionsDB.Close()
		r.regionsDB = nil
	}
	var errs []error
	if r.cacheDB != nil {
		if err := r.cacheDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("app: close cache database: %w", err))
		}
		r.cacheDB = nil
	}
	if r.db != nil {
		sqlDB, err := r.db.DB()
		if err == nil {
			err = sqlDB.Close()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("app: close local database: %w", err))
		}
		r.db = nil
	}
	return errors.Join(errs...)
}
