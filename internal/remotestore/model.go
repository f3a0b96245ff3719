// Package remotestore is the server side of marker and memo sync: a versioned entity
// store that rejects stale writes.
package remotestore

import (
	"time"

	"github.com/MarcoPoloResearchLab/geomemo/internal/geo"
	"github.com/MarcoPoloResearchLab/geomemo/internal/notes"
)

// OperationType names the mutation recorded in the change log.
type OperationType string

const (
	OperationTypeCreate OperationType = "create"
	OperationTypeUpdate OperationType = "update"
	OperationTypeDelete OperationType = "delete"
)

// EntityType names the kind of row a change touched.
type EntityType string

const (
	EntityTypeMarker EntityType = "marker"
	EntityTypeMemo   EntityType = "memo"
)

// MarkerRow is the authoritative copy of a marker.
type MarkerRow struct {
	MarkerID         string  `gorm:"column:marker_id;primaryKey;size:190;not null"`
	OwnerID          string  `gorm:"column:owner_id;size:190;not null;index:idx_markers_owner_cell,priority:1"`
	Lat              float64 `gorm:"column:lat;not null"`
	Lon              float64 `gorm:"column:lon;not null"`
	SpatialKey       string  `gorm:"column:spatial_key;size:12;not null;index:idx_markers_owner_cell,priority:2"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
	IsDeleted        bool    `gorm:"column:is_deleted;not null;default:false"`
	Version          int64   `gorm:"column:version;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (MarkerRow) TableName() string {
	return "markers"
}

// MemoRow is the authoritative copy of a memo.
type MemoRow struct {
	MemoID           string `gorm:"column:memo_id;primaryKey;size:190;not null"`
	MarkerID         string `gorm:"column:marker_id;size:190;not null;index"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index"`
	Content          string `gorm:"column:content;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
	Version          int64  `gorm:"column:version;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (MemoRow) TableName() string {
	return "memos"
}

// EntityChange is the audit trail of accepted writes.
type EntityChange struct {
	ChangeID         string        `gorm:"column:change_id;primaryKey;size:190;not null"`
	OwnerID          string        `gorm:"column:owner_id;size:190;not null;index:idx_entity_changes_owner_time,priority:1"`
	EntityType       EntityType    `gorm:"column:entity_type;size:16;not null"`
	EntityID         string        `gorm:"column:entity_id;size:190;not null"`
	AppliedAtSeconds int64         `gorm:"column:applied_at_s;not null;index:idx_entity_changes_owner_time,priority:2"`
	Operation        OperationType `gorm:"column:op;size:16;not null"`
	PreviousVersion  *int64        `gorm:"column:prev_version"`
	NewVersion       int64         `gorm:"column:new_version;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EntityChange) TableName() string {
	return "entity_changes"
}

// Models lists the tables the store needs migrated.
func Models() []interface{} {
	return []interface{}{&MarkerRow{}, &MemoRow{}, &EntityChange{}}
}

func (r MarkerRow) toMarker() notes.Marker {
	return notes.Marker{
		ID:         notes.MarkerID(r.MarkerID),
		OwnerID:    r.OwnerID,
		Position:   geo.Position{Lat: r.Lat, Lon: r.Lon},
		SpatialKey: geo.SpatialKey(r.SpatialKey),
		CreatedAt:  time.Unix(r.CreatedAtSeconds, 0).UTC(),
		UpdatedAt:  time.Unix(r.UpdatedAtSeconds, 0).UTC(),
		Version:    r.Version,
		Status:     notes.StatusSynced,
		Deleted:    r.IsDeleted,
	}
}

func (r MemoRow) toMemo() notes.Memo {
	return notes.Memo{
		ID:        notes.MemoID(r.MemoID),
		MarkerID:  notes.MarkerID(r.MarkerID),
		Content:   r.Content,
		CreatedAt: time.Unix(r.CreatedAtSeconds, 0).UTC(),
		UpdatedAt: time.Unix(r.UpdatedAtSeconds, 0).UTC(),
		Version:   r.Version,
		Status:    notes.StatusSynced,
		Deleted:   r.IsDeleted,
	}
}
