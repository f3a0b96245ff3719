// Package localstore is the sqlite-backed local-first record of the user's mutations.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/geomemo/internal/geo"
	"github.com/MarcoPoloResearchLab/geomemo/internal/notes"
)

const (
	opSaveMarker      = "localstore.save_marker"
	opDeleteMarker    = "localstore.delete_marker"
	opSaveMemo        = "localstore.save_memo"
	opDeleteMemo      = "localstore.delete_memo"
	opPendingMarkers  = "localstore.pending_markers"
	opPendingMemos    = "localstore.pending_memos"
	opMarkersInRegion = "localstore.markers_in_region"
)

var (
	errMissingDatabase = errors.New("localstore: database handle is required")

	noOpLogger = zap.NewNop()
)

// MarkerRecord is the persisted form of a marker.
type MarkerRecord struct {
	MarkerID         string  `gorm:"column:marker_id;primaryKey;size:190;not null"`
	OwnerID          string  `gorm:"column:owner_id;size:190;not null;index"`
	Lat              float64 `gorm:"column:lat;not null"`
	Lon              float64 `gorm:"column:lon;not null"`
	SpatialKey       string  `gorm:"column:spatial_key;size:12;not null;index"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
	Version          int64   `gorm:"column:version;not null"`
	Status           string  `gorm:"column:status;size:16;not null;index"`
	IsDeleted        bool    `gorm:"column:is_deleted;not null"`
	MemoCount        int     `gorm:"column:memo_count;not null"`
	LastError        string  `gorm:"column:last_error;type:text"`
}

// TableName provides the explicit table binding for GORM.
func (MarkerRecord) TableName() string {
	return "local_markers"
}

// MemoRecord is the persisted form of a memo.
type MemoRecord struct {
	MemoID           string `gorm:"column:memo_id;primaryKey;size:190;not null"`
	MarkerID         string `gorm:"column:marker_id;size:190;not null;index"`
	Content          string `gorm:"column:content;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
	Version          int64  `gorm:"column:version;not null"`
	Status           string `gorm:"column:status;size:16;not null;index"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null"`
	LastError        string `gorm:"column:last_error;type:text"`
}

// TableName provides the explicit table binding for GORM.
func (MemoRecord) TableName() string {
	return "local_memos"
}

// Models lists the tables the store needs migrated.
func Models() []interface{} {
	return []interface{}{&MarkerRecord{}, &MemoRecord{}}
}

// Config wires a Store.
type Config struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store implements notes.LocalStore on gorm.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore validates cfg and constructs a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// SaveMarker upserts a marker.
func (s *Store) SaveMarker(ctx context.Context, marker notes.Marker) error {
	record := markerRecordFrom(marker)
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		s.logError(opSaveMarker, "marker_save_failed", err, zap.String("marker_id", record.MarkerID))
		return notes.FatalLocal(opSaveMarker, err)
	}
	return nil
}

// DeleteMarker removes a marker and its memos in one transaction.
func (s *Store) DeleteMarker(ctx context.Context, id notes.MarkerID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("marker_id = ?", id.String()).Delete(&MemoRecord{}).Error; err != nil {
			return fmt.Errorf("delete memos: %w", err)
		}
		if err := tx.Where("marker_id = ?", id.String()).Delete(&MarkerRecord{}).Error; err != nil {
			return fmt.Errorf("delete marker: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logError(opDeleteMarker, "marker_delete_failed", err, zap.String("marker_id", id.String()))
		return notes.FatalLocal(opDeleteMarker, err)
	}
	return nil
}

// SaveMemo upserts a memo.
func (s *Store) SaveMemo(ctx context.Context, memo notes.Memo) error {
	record := memoRecordFrom(memo)
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		s.logError(opSaveMemo, "memo_save_failed", err, zap.String("memo_id", record.MemoID))
		return notes.FatalLocal(opSaveMemo, err)
	}
	return nil
}

// DeleteMemo removes a memo.
func (s *Store) DeleteMemo(ctx context.Context, id notes.MemoID) error {
	if err := s.db.WithContext(ctx).Where("memo_id = ?", id.String()).Delete(&MemoRecord{}).Error; err != nil {
		s.logError(opDeleteMemo, "memo_delete_failed", err, zap.String("memo_id", id.String()))
		return notes.FatalLocal(opDeleteMemo, err)
	}
	return nil
}

// PendingMarkers returns markers the remote store has not acknowledged, oldest first.
func (s *Store) PendingMarkers(ctx context.Context) ([]notes.Marker, error) {
	var records []MarkerRecord
	err := s.db.WithContext(ctx).
		Where("status <> ?", string(notes.StatusSynced)).
		Order("created_at_s ASC, marker_id ASC").
		Find(&records).Error
	if err != nil {
		s.logError(opPendingMarkers, "marker_query_failed", err)
		return nil, notes.FatalLocal(opPendingMarkers, err)
	}
	return markersFrom(records), nil
}

// PendingMemos returns memos the remote store has not acknowledged, oldest first.
func (s *Store) PendingMemos(ctx context.Context) ([]notes.Memo, error) {
	var records []MemoRecord
	err := s.db.WithContext(ctx).
		Where("status <> ?", string(notes.StatusSynced)).
		Order("created_at_s ASC, memo_id ASC").
		Find(&records).Error
	if err != nil {
		s.logError(opPendingMemos, "memo_query_failed", err)
		return nil, notes.FatalLocal(opPendingMemos, err)
	}
	memos := make([]notes.Memo, 0, len(records))
	for _, record := range records {
		memos = append(memos, record.toMemo())
	}
	return memos, nil
}

// MarkersInRegion returns the live markers whose spatial key falls inside any of keys.
// Keys may be coarser than the stored precision.
func (s *Store) MarkersInRegion(ctx context.Context, keys []geo.SpatialKey) ([]notes.Marker, error) {
	clauses := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys))
	for _, key := range keys {
		// Geohashes never contain LIKE wildcards; anything else is not a cell.
		valid, err := geo.NewSpatialKey(key.String())
		if err != nil {
			continue
		}
		clauses = append(clauses, "spatial_key LIKE ?")
		args = append(args, valid.String()+"%")
	}
	if len(clauses) == 0 {
		return nil, nil
	}
	var records []MarkerRecord
	err := s.db.WithContext(ctx).
		Where("is_deleted = ?", false).
		Where("("+strings.Join(clauses, " OR ")+")", args...).
		Order("created_at_s ASC, marker_id ASC").
		Find(&records).Error
	if err != nil {
		s.logError(opMarkersInRegion, "marker_query_failed", err)
		return nil, notes.FatalLocal(opMarkersInRegion, err)
	}
	return markersFrom(records), nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("local store operation failed", allFields...)
}

func markerRecordFrom(marker notes.Marker) MarkerRecord {
	return MarkerRecord{
		MarkerID:         marker.ID.String(),
		OwnerID:          marker.OwnerID,
		Lat:              marker.Position.Lat,
		Lon:              marker.Position.Lon,
		SpatialKey:       marker.SpatialKey.String(),
		CreatedAtSeconds: marker.CreatedAt.Unix(),
		UpdatedAtSeconds: marker.UpdatedAt.Unix(),
		Version:          marker.Version,
		Status:           string(marker.Status),
		IsDeleted:        marker.Deleted,
		MemoCount:        marker.MemoCount,
		LastError:        marker.Error,
	}
}

func (r MarkerRecord) toMarker() notes.Marker {
	return notes.Marker{
		ID:         notes.MarkerID(r.MarkerID),
		OwnerID:    r.OwnerID,
		Position:   geo.Position{Lat: r.Lat, Lon: r.Lon},
		SpatialKey: geo.SpatialKey(r.SpatialKey),
		CreatedAt:  time.Unix(r.CreatedAtSeconds, 0).UTC(),
		UpdatedAt:  time.Unix(r.UpdatedAtSeconds, 0).UTC(),
		Version:    r.Version,
		Status:     notes.SyncStatus(r.Status),
		Deleted:    r.IsDeleted,
		MemoCount:  r.MemoCount,
		Error:      r.LastError,
	}
}

func markersFrom(records []MarkerRecord) []notes.Marker {
	markers := make([]notes.Marker, 0, len(records))
	for _, record := range records {
		markers = append(markers, record.toMarker())
	}
	return markers
}

func memoRecordFrom(memo notes.Memo) MemoRecord {
	return MemoRecord{
		MemoID:           memo.ID.String(),
		MarkerID:         memo.MarkerID.String(),
		Content:          memo.Content,
		CreatedAtSeconds: memo.CreatedAt.Unix(),
		UpdatedAtSeconds: memo.UpdatedAt.Unix(),
		Version:          memo.Version,
		Status:           string(memo.Status),
		IsDeleted:        memo.Deleted,
		LastError:        memo.Error,
	}
}

func (r MemoRecord) toMemo() notes.Memo {
	return notes.Memo{
		ID:        notes.MemoID(r.MemoID),
		MarkerID:  notes.MarkerID(r.MarkerID),
		Content:   r.Content,
		CreatedAt: time.Unix(r.CreatedAtSeconds, 0).UTC(),
		UpdatedAt: time.Unix(r.UpdatedAtSeconds, 0).UTC(),
		Version:   r.Version,
		Status:    notes.SyncStatus(r.Status),
		Deleted:   r.IsDeleted,
		Error:     r.LastError,
	}
}
