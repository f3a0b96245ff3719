package remotestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/geomemo/internal/geo"
	"github.com/MarcoPoloResearchLab/geomemo/internal/notes"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	errMissingParent     = errors.New("parent marker does not exist")
	noOpLogger           = zap.NewNop()
)

// ServiceError reports an infrastructure failure the caller cannot act on.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "remotestore.service.new"
	opCreateMarker  = "remotestore.create_marker"
	opUpdateMarker  = "remotestore.update_marker"
	opDeleteMarker  = "remotestore.delete_marker"
	opCreateMemo    = "remotestore.create_memo"
	opUpdateMemo    = "remotestore.update_memo"
	opDeleteMemo    = "remotestore.delete_memo"
	opFetchRegion   = "remotestore.fetch_region"
	maxRegionKeys   = 32
	defaultMaxMemos = notes.DefaultMemoCap
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider notes.IDProvider
	Logger     *zap.Logger
	// Precision is the geohash length markers are bucketed at.
	Precision     uint
	MemoCap       int
	MemoMaxLength int
}

// Service applies marker and memo writes for authenticated owners.
type Service struct {
	db            *gorm.DB
	clock         func() time.Time
	idProvider    notes.IDProvider
	logger        *zap.Logger
	precision     uint
	memoCap       int
	memoMaxLength int
}

// NewService validates cfg and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	precision := cfg.Precision
	if precision == 0 {
		precision = geo.DefaultPrecision
	}
	memoCap := cfg.MemoCap
	if memoCap <= 0 {
		memoCap = defaultMaxMemos
	}

	return &Service{
		db:            cfg.Database,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		logger:        logger,
		precision:     precision,
		memoCap:       memoCap,
		memoMaxLength: cfg.MemoMaxLength,
	}, nil
}

// CreateMarker stores a new marker. Repeating a create the store already accepted returns
// the stored copy.
func (s *Service) CreateMarker(ctx context.Context, ownerID string, marker notes.Marker) (notes.Marker, error) {
	return s.writeMarker(ctx, opCreateMarker, ownerID, OperationTypeCreate, marker)
}

// UpdateMarker moves a marker. marker.Version must equal the stored version.
func (s *Service) UpdateMarker(ctx context.Context, ownerID string, marker notes.Marker) (notes.Marker, error) {
	return s.writeMarker(ctx, opUpdateMarker, ownerID, OperationTypeUpdate, marker)
}

// DeleteMarker soft-deletes a marker together with its memos.
func (s *Service) DeleteMarker(ctx context.Context, ownerID string, id notes.MarkerID) error {
	_, err := s.writeMarker(ctx, opDeleteMarker, ownerID, OperationTypeDelete, notes.Marker{ID: id})
	return err
}

func (s *Service) writeMarker(ctx context.Context, op, ownerID string, operation OperationType, marker notes.Marker) (notes.Marker, error) {
	if strings.TrimSpace(ownerID) == "" {
		return notes.Marker{}, notes.Validation(op, errMissingUserID)
	}
	markerID, err := notes.NewMarkerID(marker.ID.String())
	if err != nil {
		return notes.Marker{}, notes.Validation(op, err)
	}
	var position geo.Position
	if operation != OperationTypeDelete {
		position, err = geo.NewPosition(marker.Position.Lat, marker.Position.Lon)
		if err != nil {
			return notes.Marker{}, notes.Validation(op, fmt.Errorf("%w: %v", notes.ErrInvalidPosition, err))
		}
	}

	var result notes.Marker
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing MarkerRow
		var existingState *rowState
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("marker_id = ?", markerID.String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			existingState = nil
		} else if err != nil {
			s.logError(op, "marker_select_failed", err, zap.String("marker_id", markerID.String()))
			return newServiceError(op, "marker_select_failed", err)
		} else {
			existingState = existing.state()
		}

		appliedAt := s.clock().UTC()
		outcome, err := resolveWrite(existingState, writeRequest{
			Entity:           EntityTypeMarker,
			EntityID:         markerID.String(),
			OwnerID:          ownerID,
			Operation:        operation,
			Version:          marker.Version,
			CreatedAtSeconds: marker.CreatedAt.Unix(),
			UpdatedAtSeconds: marker.UpdatedAt.Unix(),
		}, appliedAt)
		if err != nil {
			return err
		}
		if outcome.Replayed {
			result = existing.toMarker()
			return nil
		}

		row := existing
		row.MarkerID = markerID.String()
		row.apply(outcome.State)
		if operation != OperationTypeDelete {
			row.Lat = position.Lat
			row.Lon = position.Lon
			row.SpatialKey = geo.KeyOf(position, s.precision).String()
		}
		if err := tx.Save(&row).Error; err != nil {
			s.logError(op, "marker_save_failed", err, zap.String("marker_id", row.MarkerID))
			return newServiceError(op, "marker_save_failed", err)
		}
		if operation == OperationTypeDelete {
			cascade := tx.Model(&MemoRow{}).
				Where("marker_id = ? AND is_deleted = ?", row.MarkerID, false).
				Updates(map[string]interface{}{
					"is_deleted":   true,
					"version":      gorm.Expr("version + 1"),
					"updated_at_s": appliedAt.Unix(),
				})
			if cascade.Error != nil {
				s.logError(op, "memo_cascade_failed", cascade.Error, zap.String("marker_id", row.MarkerID))
				return newServiceError(op, "memo_cascade_failed", cascade.Error)
			}
		}
		if err := s.recordChange(tx, op, outcome.Audit); err != nil {
			return err
		}
		result = row.toMarker()
		return nil
	})
	if txErr != nil {
		return notes.Marker{}, txErr
	}
	return result, nil
}

// CreateMemo stores a memo under a live marker of the same owner.
func (s *Service) CreateMemo(ctx context.Context, ownerID string, memo notes.Memo) (notes.Memo, error) {
	return s.writeMemo(ctx, opCreateMemo, ownerID, OperationTypeCreate, memo)
}

// UpdateMemo replaces memo content. memo.Version must equal the stored version.
func (s *Service) UpdateMemo(ctx context.Context, ownerID string, memo notes.Memo) (notes.Memo, error) {
	return s.writeMemo(ctx, opUpdateMemo, ownerID, OperationTypeUpdate, memo)
}

// DeleteMemo soft-deletes a memo.
func (s *Service) DeleteMemo(ctx context.Context, ownerID string, id notes.MemoID) error {
	_, err := s.writeMemo(ctx, opDeleteMemo, ownerID, OperationTypeDelete, notes.Memo{ID: id})
	return err
}

func (s *Service) writeMemo(ctx context.Context, op, ownerID string, operation OperationType, memo notes.Memo) (notes.Memo, error) {
	if strings.TrimSpace(ownerID) == "" {
		return notes.Memo{}, notes.Validation(op, errMissingUserID)
	}
	memoID, err := notes.NewMemoID(memo.ID.String())
	if err != nil {
		return notes.Memo{}, notes.Validation(op, err)
	}
	var content notes.Content
	if operation != OperationTypeDelete {
		content, err = notes.NewContent(memo.Content, s.memoMaxLength)
		if err != nil {
			return notes.Memo{}, notes.Validation(op, err)
		}
	}

	var result notes.Memo
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing MemoRow
		var existingState *rowState
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("memo_id = ?", memoID.String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			existingState = nil
		} else if err != nil {
			s.logError(op, "memo_select_failed", err, zap.String("memo_id", memoID.String()))
			return newServiceError(op, "memo_select_failed", err)
		} else {
			existingState = existing.state()
		}

		appliedAt := s.clock().UTC()
		outcome, err := resolveWrite(existingState, writeRequest{
			Entity:           EntityTypeMemo,
			EntityID:         memoID.String(),
			OwnerID:          ownerID,
			Operation:        operation,
			Version:          memo.Version,
			CreatedAtSeconds: memo.CreatedAt.Unix(),
			UpdatedAtSeconds: memo.UpdatedAt.Unix(),
		}, appliedAt)
		if err != nil {
			return err
		}
		if outcome.Replayed {
			result = existing.toMemo()
			return nil
		}

		row := existing
		row.MemoID = memoID.String()
		if operation == OperationTypeCreate {
			if err := s.checkParent(tx, op, ownerID, memo.MarkerID); err != nil {
				return err
			}
			row.MarkerID = memo.MarkerID.String()
		}
		row.apply(outcome.State)
		if operation != OperationTypeDelete {
			row.Content = content.String()
		}
		if err := tx.Save(&row).Error; err != nil {
			s.logError(op, "memo_save_failed", err, zap.String("memo_id", row.MemoID))
			return newServiceError(op, "memo_save_failed", err)
		}
		if err := s.recordChange(tx, op, outcome.Audit); err != nil {
			return err
		}
		result = row.toMemo()
		return nil
	})
	if txErr != nil {
		return notes.Memo{}, txErr
	}
	return result, nil
}

// checkParent requires a live parent marker with room for another memo.
func (s *Service) checkParent(tx *gorm.DB, op, ownerID string, markerID notes.MarkerID) error {
	var parent MarkerRow
	err := tx.Where("marker_id = ? AND owner_id = ? AND is_deleted = ?", markerID.String(), ownerID, false).
		Take(&parent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notes.NotFound(op, fmt.Errorf("%w: %s", errMissingParent, markerID))
	}
	if err != nil {
		s.logError(op, "marker_select_failed", err, zap.String("marker_id", markerID.String()))
		return newServiceError(op, "marker_select_failed", err)
	}
	var live int64
	if err := tx.Model(&MemoRow{}).
		Where("marker_id = ? AND is_deleted = ?", markerID.String(), false).
		Count(&live).Error; err != nil {
		s.logError(op, "memo_count_failed", err, zap.String("marker_id", markerID.String()))
		return newServiceError(op, "memo_count_failed", err)
	}
	if live >= int64(s.memoCap) {
		return notes.Validation(op, fmt.Errorf("%w: %d memos", notes.ErrMemoCapReached, live))
	}
	return nil
}

func (s *Service) recordChange(tx *gorm.DB, op string, audit *EntityChange) error {
	if audit == nil {
		return nil
	}
	changeID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(op, "id_generation_failed", err, zap.String("entity_id", audit.EntityID))
		return newServiceError(op, "id_generation_failed", err)
	}
	audit.ChangeID = changeID
	if err := tx.Create(audit).Error; err != nil {
		s.logError(op, "audit_insert_failed", err, zap.String("entity_id", audit.EntityID))
		return newServiceError(op, "audit_insert_failed", err)
	}
	return nil
}

// FetchRegion returns the owner's live markers and memos inside keys, plus the
// identifiers of entities deleted there.
func (s *Service) FetchRegion(ctx context.Context, ownerID string, keys []geo.SpatialKey) (notes.RegionSnapshot, error) {
	if strings.TrimSpace(ownerID) == "" {
		return notes.RegionSnapshot{}, notes.Validation(opFetchRegion, errMissingUserID)
	}
	if len(keys) == 0 || len(keys) > maxRegionKeys {
		return notes.RegionSnapshot{}, notes.Validation(opFetchRegion, fmt.Errorf("between 1 and %d keys are required", maxRegionKeys))
	}
	clauses := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys))
	for _, raw := range keys {
		key, err := geo.NewSpatialKey(raw.String())
		if err != nil {
			return notes.RegionSnapshot{}, notes.Validation(opFetchRegion, err)
		}
		clauses = append(clauses, "spatial_key LIKE ?")
		args = append(args, key.String()+"%")
	}

	db := s.db.WithContext(ctx)
	var markerRows []MarkerRow
	if err := db.Where("owner_id = ?", ownerID).
		Where("("+strings.Join(clauses, " OR ")+")", args...).
		Order("created_at_s ASC, marker_id ASC").
		Find(&markerRows).Error; err != nil {
		s.logError(opFetchRegion, "marker_query_failed", err, zap.String("user_id", ownerID))
		return notes.RegionSnapshot{}, newServiceError(opFetchRegion, "marker_query_failed", err)
	}

	snapshot := notes.RegionSnapshot{
		Markers:       make([]notes.Marker, 0, len(markerRows)),
		Memos:         make([]notes.Memo, 0),
		DeletedIDs:    make([]string, 0),
		SyncTimestamp: s.clock().UTC(),
	}
	if len(markerRows) == 0 {
		return snapshot, nil
	}

	markerIDs := make([]string, 0, len(markerRows))
	for _, row := range markerRows {
		markerIDs = append(markerIDs, row.MarkerID)
	}
	var memoRows []MemoRow
	if err := db.Where("marker_id IN ?", markerIDs).
		Order("created_at_s ASC, memo_id ASC").
		Find(&memoRows).Error; err != nil {
		s.logError(opFetchRegion, "memo_query_failed", err, zap.String("user_id", ownerID))
		return notes.RegionSnapshot{}, newServiceError(opFetchRegion, "memo_query_failed", err)
	}

	memoCounts := make(map[string]int, len(markerRows))
	for _, row := range memoRows {
		if row.IsDeleted {
			snapshot.DeletedIDs = append(snapshot.DeletedIDs, row.MemoID)
			continue
		}
		memoCounts[row.MarkerID]++
		snapshot.Memos = append(snapshot.Memos, row.toMemo())
	}
	for _, row := range markerRows {
		if row.IsDeleted {
			snapshot.DeletedIDs = append(snapshot.DeletedIDs, row.MarkerID)
			continue
		}
		marker := row.toMarker()
		marker.MemoCount = memoCounts[row.MarkerID]
		snapshot.Markers = append(snapshot.Markers, marker)
	}
	return snapshot, nil
}

func (r MarkerRow) state() *rowState {
	return &rowState{
		OwnerID:          r.OwnerID,
		CreatedAtSeconds: r.CreatedAtSeconds,
		UpdatedAtSeconds: r.UpdatedAtSeconds,
		IsDeleted:        r.IsDeleted,
		Version:          r.Version,
	}
}

func (r *MarkerRow) apply(state rowState) {
	r.OwnerID = state.OwnerID
	r.CreatedAtSeconds = state.CreatedAtSeconds
	r.UpdatedAtSeconds = state.UpdatedAtSeconds
	r.IsDeleted = state.IsDeleted
	r.Version = state.Version
}

func (r MemoRow) state() *rowState {
	return &rowState{
		OwnerID:          r.OwnerID,
		CreatedAtSeconds: r.CreatedAtSeconds,
		UpdatedAtSeconds: r.UpdatedAtSeconds,
		IsDeleted:        r.IsDeleted,
		Version:          r.Version,
	}
}

func (r *MemoRow) apply(state rowState) {
	r.OwnerID = state.OwnerID
	r.CreatedAtSeconds = state.CreatedAtSeconds
	r.UpdatedAtSeconds = state.UpdatedAtSeconds
	r.IsDeleted = state.IsDeleted
	r.Version = state.Version
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("remote store service error", attrs...)
}
