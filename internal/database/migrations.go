package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/geomemo/internal/geo"
)

const (
	migrationBackfillLocalSpatialKeys  = "2026-09-02_backfill_local_spatial_keys"
	migrationBackfillServerSpatialKeys = "2026-09-02_backfill_server_spatial_keys"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger, migrations []migrationDefinition) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

type spatialRow struct {
	MarkerID string  `gorm:"column:marker_id"`
	Lat      float64 `gorm:"column:lat"`
	Lon      float64 `gorm:"column:lon"`
}

// backfillSpatialKeys derives the geohash of rows written before spatial keys were stored.
func backfillSpatialKeys(table string) func(*gorm.DB) error {
	return func(db *gorm.DB) error {
		var rows []spatialRow
		if err := db.Table(table).
			Select("marker_id, lat, lon").
			Where("spatial_key = '' OR spatial_key IS NULL").
			Find(&rows).Error; err != nil {
			return err
		}
		return db.Transaction(func(tx *gorm.DB) error {
			for _, row := range rows {
				key := geo.KeyOf(geo.Position{Lat: row.Lat, Lon: row.Lon}, geo.DefaultPrecision)
				if err := tx.Table(table).
					Where("marker_id = ?", row.MarkerID).
					Update("spatial_key", key.String()).Error; err != nil {
					return err
				}
			}
			return nil
		})
	}
}
