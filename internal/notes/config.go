package notes

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/geomemo/internal/events"
	"github.com/MarcoPoloResearchLab/geomemo/internal/geo"
	"github.com/MarcoPoloResearchLab/geomemo/internal/metrics"
)

var (
	errMissingRemoteStore = errors.New("remote store is required")
	errMissingLocalStore  = errors.New("local store is required")
	errMissingIdentity    = errors.New("identity provider is required")
	errMissingMarkers     = errors.New("marker manager is required")
	noOpLogger            = zap.NewNop()
)

// Settings are the tunables shared by the managers.
type Settings struct {
	Precision       uint
	MemoCap         int
	MemoMaxLength   int
	UploadDebounce  time.Duration
	InactivityGrace time.Duration
	RemoteTimeout   time.Duration
	RetryAttempts   int
	RetryInitial    time.Duration
	RetryMax        time.Duration
	ReplayCapacity  int
}

// DefaultSettings returns the production tunables.
func DefaultSettings() Settings {
	return Settings{
		Precision:       6,
		MemoCap:         DefaultMemoCap,
		MemoMaxLength:   DefaultMemoMaxLength,
		UploadDebounce:  300 * time.Millisecond,
		InactivityGrace: 2 * time.Minute,
		RemoteTimeout:   10 * time.Second,
		RetryAttempts:   3,
		RetryInitial:    200 * time.Millisecond,
		RetryMax:        5 * time.Second,
		ReplayCapacity:  events.DefaultReplayCapacity,
	}
}

func (s Settings) withDefaults() Settings {
	defaults := DefaultSettings()
	if s.Precision == 0 {
		s.Precision = defaults.Precision
	}
	if s.MemoCap <= 0 {
		s.MemoCap = defaults.MemoCap
	}
	if s.MemoMaxLength <= 0 {
		s.MemoMaxLength = defaults.MemoMaxLength
	}
	if s.UploadDebounce < 0 {
		s.UploadDebounce = 0
	}
	if s.InactivityGrace <= 0 {
		s.InactivityGrace = defaults.InactivityGrace
	}
	if s.RemoteTimeout <= 0 {
		s.RemoteTimeout = defaults.RemoteTimeout
	}
	if s.RetryAttempts <= 0 {
		s.RetryAttempts = defaults.RetryAttempts
	}
	if s.RetryInitial <= 0 {
		s.RetryInitial = defaults.RetryInitial
	}
	if s.RetryMax <= 0 {
		s.RetryMax = defaults.RetryMax
	}
	if s.ReplayCapacity < 0 {
		s.ReplayCapacity = 0
	}
	return s
}

func (s Settings) retryPolicy() retryPolicy {
	return retryPolicy{
		attempts: s.RetryAttempts,
		initial:  s.RetryInitial,
		max:      s.RetryMax,
		timeout:  s.RemoteTimeout,
	}
}

// Config describes the collaborators of the managers. Parent is the process-lifetime
// scope: reconciliation tasks live until it ends, independent of any observer.
type Config struct {
	Parent      context.Context
	RemoteStore RemoteStore
	LocalStore  LocalStore
	Identity    IdentityProvider
	IDProvider  IDProvider
	WriteGate   WriteGate
	Clock       clockwork.Clock
	Logger      *zap.Logger
	Metrics     *metrics.Collectors
	Settings    Settings
	// Confirmed is called with the spatial key of a marker once the remote store
	// acknowledged a change to it or one of its memos.
	Confirmed func(key geo.SpatialKey)
}

func (cfg Config) resolve(operation string) (Config, error) {
	if cfg.RemoteStore == nil {
		return Config{}, newServiceError(operation, "missing_remote_store", errMissingRemoteStore)
	}
	if cfg.LocalStore == nil {
		return Config{}, newServiceError(operation, "missing_local_store", errMissingLocalStore)
	}
	if cfg.Identity == nil {
		return Config{}, newServiceError(operation, "missing_identity", errMissingIdentity)
	}
	if cfg.Parent == nil {
		cfg.Parent = context.Background()
	}
	if cfg.IDProvider == nil {
		cfg.IDProvider = NewUUIDProvider()
	}
	if cfg.WriteGate == nil {
		cfg.WriteGate = OpenGate
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = noOpLogger
	}
	if cfg.Confirmed == nil {
		cfg.Confirmed = func(geo.SpatialKey) {}
	}
	cfg.Settings = cfg.Settings.withDefaults()
	return cfg, nil
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("notes manager error", attrs...)
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
