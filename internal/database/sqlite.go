package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/geomemo/internal/localstore"
	"github.com/MarcoPoloResearchLab/geomemo/internal/remotestore"
)

// Schema names the tables and data migrations of one database role.
type Schema struct {
	Name       string
	Models     []interface{}
	Migrations []migrationDefinition
}

// ClientSchema is the local-first store of the client runtime.
func ClientSchema() Schema {
	return Schema{
		Name:   "client",
		Models: localstore.Models(),
		Migrations: []migrationDefinition{
			{name: migrationBackfillLocalSpatialKeys, apply: backfillSpatialKeys("local_markers")},
		},
	}
}

// ServerSchema is the authoritative store of the sync server.
func ServerSchema() Schema {
	return Schema{
		Name:   "server",
		Models: remotestore.Models(),
		Migrations: []migrationDefinition{
			{name: migrationBackfillServerSpatialKeys, apply: backfillSpatialKeys("markers")},
		},
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger, schema Schema) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	models := append([]interface{}{&migrationRecord{}}, schema.Models...)
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger, schema.Migrations); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path), zap.String("schema", schema.Name))
	}

	return db, nil
}
