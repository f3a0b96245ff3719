package localstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/geomemo/internal/geo"
	"github.com/MarcoPoloResearchLab/geomemo/internal/notes"
)

func mustStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "local.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewStore(Config{Database: db})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store, db
}

func testMarker(id string, lat, lon float64, status notes.SyncStatus, createdAt int64) notes.Marker {
	position := geo.Position{Lat: lat, Lon: lon}
	return notes.Marker{
		ID:         notes.MarkerID(id),
		OwnerID:    "user-1",
		Position:   position,
		SpatialKey: geo.KeyOf(position, geo.DefaultPrecision),
		CreatedAt:  time.Unix(createdAt, 0).UTC(),
		UpdatedAt:  time.Unix(createdAt, 0).UTC(),
		Status:     status,
	}
}

func testMemo(id, markerID string, status notes.SyncStatus, createdAt int64) notes.Memo {
	return notes.Memo{
		ID:        notes.MemoID(id),
		MarkerID:  notes.MarkerID(markerID),
		Content:   "coffee here",
		CreatedAt: time.Unix(createdAt, 0).UTC(),
		UpdatedAt: time.Unix(createdAt, 0).UTC(),
		Status:    status,
	}
}

func TestNewStoreRequiresDatabase(t *testing.T) {
	if _, err := NewStore(Config{}); err == nil {
		t.Fatalf("expected missing database error")
	}
}

func TestSaveMarkerUpsertsAndRoundTrips(t *testing.T) {
	store, _ := mustStore(t)
	ctx := context.Background()
	marker := testMarker("m1", 37.7749, -122.4194, notes.StatusLocal, 1700000000)
	marker.MemoCount = 2
	marker.Error = "timeout"
	if err := store.SaveMarker(ctx, marker); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	marker.Status = notes.StatusPending
	if err := store.SaveMarker(ctx, marker); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	pending, err := store.PendingMarkers(ctx)
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one row after upsert, got %d", len(pending))
	}
	stored := pending[0]
	if stored.Status != notes.StatusPending || stored.MemoCount != 2 || stored.Error != "timeout" {
		t.Fatalf("unexpected stored marker %+v", stored)
	}
	if stored.Position != marker.Position || stored.SpatialKey != marker.SpatialKey || !stored.CreatedAt.Equal(marker.CreatedAt) {
		t.Fatalf("expected position and timestamps preserved, got %+v", stored)
	}
}

func TestPendingQueriesSkipSyncedRows(t *testing.T) {
	store, _ := mustStore(t)
	ctx := context.Background()
	rows := []notes.Marker{
		testMarker("m-synced", 37.77, -122.41, notes.StatusSynced, 100),
		testMarker("m-late", 37.77, -122.41, notes.StatusLocal, 300),
		testMarker("m-early", 37.77, -122.41, notes.StatusConflict, 200),
	}
	for _, marker := range rows {
		if err := store.SaveMarker(ctx, marker); err != nil {
			t.Fatalf("unexpected save error: %v", err)
		}
	}
	for _, memo := range []notes.Memo{
		testMemo("n-synced", "m-synced", notes.StatusSynced, 100),
		testMemo("n-pending", "m-late", notes.StatusPending, 300),
	} {
		if err := store.SaveMemo(ctx, memo); err != nil {
			t.Fatalf("unexpected save error: %v", err)
		}
	}

	markers, err := store.PendingMarkers(ctx)
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(markers) != 2 || markers[0].ID != "m-early" || markers[1].ID != "m-late" {
		t.Fatalf("expected unsynced markers oldest first, got %+v", markers)
	}
	memos, err := store.PendingMemos(ctx)
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(memos) != 1 || memos[0].ID != "n-pending" || memos[0].Content != "coffee here" {
		t.Fatalf("unexpected pending memos %+v", memos)
	}
}

func TestDeleteMarkerCascadesToMemos(t *testing.T) {
	store, db := mustStore(t)
	ctx := context.Background()
	if err := store.SaveMarker(ctx, testMarker("m1", 1, 1, notes.StatusSynced, 1)); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if err := store.SaveMarker(ctx, testMarker("m2", 1, 1, notes.StatusSynced, 1)); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	for _, memo := range []notes.Memo{
		testMemo("n1", "m1", notes.StatusLocal, 1),
		testMemo("n2", "m1", notes.StatusLocal, 2),
		testMemo("n3", "m2", notes.StatusLocal, 3),
	} {
		if err := store.SaveMemo(ctx, memo); err != nil {
			t.Fatalf("unexpected save error: %v", err)
		}
	}

	if err := store.DeleteMarker(ctx, "m1"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	var markerCount, memoCount int64
	db.Model(&MarkerRecord{}).Count(&markerCount)
	db.Model(&MemoRecord{}).Count(&memoCount)
	if markerCount != 1 || memoCount != 1 {
		t.Fatalf("expected only m2 and its memo left, got %d markers and %d memos", markerCount, memoCount)
	}

	if err := store.DeleteMemo(ctx, "n3"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	db.Model(&MemoRecord{}).Count(&memoCount)
	if memoCount != 0 {
		t.Fatalf("expected no memos left, got %d", memoCount)
	}
}

func TestMarkersInRegionMatchesCellPrefixes(t *testing.T) {
	store, _ := mustStore(t)
	ctx := context.Background()
	sanFrancisco := testMarker("sf", 37.7749, -122.4194, notes.StatusSynced, 1)
	oakland := testMarker("oak", 37.8044, -122.2712, notes.StatusSynced, 2)
	tokyo := testMarker("tyo", 35.6762, 139.6503, notes.StatusSynced, 3)
	gone := testMarker("gone", 37.7749, -122.4194, notes.StatusLocal, 4)
	gone.Deleted = true
	for _, marker := range []notes.Marker{sanFrancisco, oakland, tokyo, gone} {
		if err := store.SaveMarker(ctx, marker); err != nil {
			t.Fatalf("unexpected save error: %v", err)
		}
	}

	testCases := []struct {
		name     string
		keys     []geo.SpatialKey
		expected []notes.MarkerID
	}{
		{name: "exact cell", keys: []geo.SpatialKey{sanFrancisco.SpatialKey}, expected: []notes.MarkerID{"sf"}},
		{name: "coarse cell", keys: []geo.SpatialKey{"9q"}, expected: []notes.MarkerID{"sf", "oak"}},
		{name: "several cells", keys: []geo.SpatialKey{sanFrancisco.SpatialKey, tokyo.SpatialKey[:4]}, expected: []notes.MarkerID{"sf", "tyo"}},
		{name: "wildcards are literal", keys: []geo.SpatialKey{"%"}, expected: nil},
		{name: "no keys", keys: nil, expected: nil},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			markers, err := store.MarkersInRegion(ctx, testCase.keys)
			if err != nil {
				t.Fatalf("unexpected query error: %v", err)
			}
			if len(markers) != len(testCase.expected) {
				t.Fatalf("expected %v, got %+v", testCase.expected, markers)
			}
			for index, marker := range markers {
				if marker.ID != testCase.expected[index] {
					t.Fatalf("expected %v, got %+v", testCase.expected, markers)
				}
			}
		})
	}
}

func TestFailuresAreFatalLocal(t *testing.T) {
	store, db := mustStore(t)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unexpected sql handle error: %v", err)
	}
	_ = sqlDB.Close()
	err = store.SaveMarker(context.Background(), testMarker("m1", 1, 1, notes.StatusLocal, 1))
	if !notes.IsKind(err, notes.KindFatalLocal) {
		t.Fatalf("expected a fatal local error, got %v", err)
	}
}
