package notes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/geomemo/internal/events"
	"github.com/MarcoPoloResearchLab/geomemo/internal/geo"
	"github.com/MarcoPoloResearchLab/geomemo/internal/metrics"
	"github.com/MarcoPoloResearchLab/geomemo/internal/state"
	"github.com/MarcoPoloResearchLab/geomemo/internal/tasks"
)

const (
	opMarkerManagerNew  = "notes.marker_manager.new"
	opCreateMarker      = "notes.marker.create"
	opMoveMarker        = "notes.marker.move"
	opDeleteMarker      = "notes.marker.delete"
	opSelectMarker      = "notes.marker.select"
	opReconcileMarker   = "notes.marker.reconcile"
	opRestoreMarkers    = "notes.marker.restore"
	opInactivityCleanup = "notes.marker.inactivity_cleanup"
	opDropTemporary     = "notes.temporary.drop"
	opCommitTemporary   = "notes.temporary.commit"

	entityMarker        = "marker"
	inactivityKeyPrefix = "inactivity:"
)

// memoCascade lets the marker lifecycle remove and restore the memos of a marker
// without the marker side depending on MemoManager.
type memoCascade interface {
	Count(markerID MarkerID) int
	detachMemos(markerID MarkerID) []Memo
	reattachMemos(memos []Memo)
}

// MarkerManager owns marker state, the marker event bus and the reconciliation and
// inactivity tasks of every marker.
type MarkerManager struct {
	remote    RemoteStore
	local     LocalStore
	identity  IdentityProvider
	ids       IDProvider
	gate      WriteGate
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   *metrics.Collectors
	settings  Settings
	retry     retryPolicy
	confirmed func(geo.SpatialKey)

	store *state.Store[MarkerState]
	bus   *events.Bus[MarkerEvent]
	tasks *tasks.Coordinator

	cascadeMu sync.RWMutex
	cascade   memoCascade

	// countMu orders memo count updates against each other and against the inactivity
	// cleanup, so a count is always read from live memo state.
	countMu sync.Mutex

	removedMu sync.RWMutex
	removed   map[MarkerID]struct{}
}

// NewMarkerManager constructs a MarkerManager rooted at cfg.Parent.
func NewMarkerManager(cfg Config) (*MarkerManager, error) {
	resolved, err := cfg.resolve(opMarkerManagerNew)
	if err != nil {
		return nil, err
	}
	manager := &MarkerManager{
		remote:    resolved.RemoteStore,
		local:     resolved.LocalStore,
		identity:  resolved.Identity,
		ids:       resolved.IDProvider,
		gate:      resolved.WriteGate,
		clock:     resolved.Clock,
		logger:    resolved.Logger.With(zap.String("manager", entityMarker)),
		metrics:   resolved.Metrics,
		settings:  resolved.Settings,
		retry:     resolved.Settings.retryPolicy(),
		confirmed: resolved.Confirmed,
		store:     state.NewStore(MarkerState{Markers: map[MarkerID]Marker{}}, events.WithName("marker_state")),
		bus: events.NewBus[MarkerEvent](
			events.WithName("marker_events"),
			events.WithReplayCapacity(resolved.Settings.ReplayCapacity),
			events.WithLogger(resolved.Logger),
			events.WithMetrics(resolved.Metrics),
		),
		removed: make(map[MarkerID]struct{}),
	}
	manager.tasks = tasks.NewCoordinator(tasks.Config{
		Parent: resolved.Parent,
		Name:   "markers",
		Clock:  resolved.Clock,
		Logger: manager.logger,
	})
	return manager, nil
}

// Events returns the marker event bus.
func (m *MarkerManager) Events() *events.Bus[MarkerEvent] {
	return m.bus
}

// State returns the current marker snapshot.
func (m *MarkerManager) State() MarkerState {
	return m.store.Snapshot()
}

// Observe subscribes handler to marker snapshots, starting with the current one.
func (m *MarkerManager) Observe(handler func(MarkerState)) *events.Subscription {
	return m.store.Observe(handler)
}

// ObserveContext is Observe bounded by ctx.
func (m *MarkerManager) ObserveContext(ctx context.Context, handler func(MarkerState)) *events.Subscription {
	return m.store.ObserveContext(ctx, handler)
}

// Close cancels the marker tasks and detaches every observer.
func (m *MarkerManager) Close() {
	m.tasks.Close()
	m.bus.Close()
	m.store.Close()
}

// Wait blocks until no marker task is running.
func (m *MarkerManager) Wait() {
	m.tasks.Wait()
}

// Create drops a marker at position. The marker is visible immediately and uploaded
// in the background.
func (m *MarkerManager) Create(ctx context.Context, position geo.Position) (Marker, error) {
	marker, err := m.newMarker(ctx, opCreateMarker, position, StatusLocal)
	if err != nil {
		return Marker{}, err
	}
	if err := m.insert(opCreateMarker, marker, nil); err != nil {
		return Marker{}, err
	}
	m.persist(ctx, opCreateMarker, marker)
	m.bus.Publish(MarkerEvent{Kind: EventCreated, Marker: marker})
	m.armInactivity(marker.ID)
	m.scheduleReconcile(marker.ID, m.settings.UploadDebounce, nil)
	m.gate.Touch()
	return marker, nil
}

// Move relocates a marker. Its spatial key is recomputed from the new position.
func (m *MarkerManager) Move(ctx context.Context, id MarkerID, position geo.Position) (Marker, error) {
	validated, err := geo.NewPosition(position.Lat, position.Lon)
	if err != nil {
		return Marker{}, Validation(opMoveMarker, fmt.Errorf("%w: %v", ErrInvalidPosition, err))
	}
	var moved Marker
	var moveErr error
	allowed := m.gate.ValidateWritable(func() {
		m.store.UpdateIf(func(current MarkerState) (MarkerState, bool) {
			existing, ok := current.Markers[id]
			if !ok || existing.Deleted {
				moveErr = Validation(opMoveMarker, ErrMarkerNotFound)
				return current, false
			}
			existing.Position = validated
			existing.SpatialKey = geo.KeyOf(validated, m.settings.Precision)
			existing.UpdatedAt = m.clock.Now().UTC()
			existing.Revision++
			existing.Error = ""
			if existing.Status != StatusTemporary {
				existing.Status = StatusLocal
			}
			moved = existing
			return current.withMarker(existing), true
		})
	}, nil)
	if !allowed {
		return Marker{}, Validation(opMoveMarker, ErrWriteModeOff)
	}
	if moveErr != nil {
		return Marker{}, moveErr
	}
	m.bus.Publish(MarkerEvent{Kind: EventUpdated, Marker: moved})
	if moved.Status != StatusTemporary {
		m.persist(ctx, opMoveMarker, moved)
		m.scheduleReconcile(moved.ID, m.settings.UploadDebounce, nil)
	}
	m.gate.Touch()
	return moved, nil
}

// Delete soft-deletes a marker and removes its memos from state before the marker
// leaves the visible set. The remote delete runs in the background.
func (m *MarkerManager) Delete(ctx context.Context, id MarkerID) error {
	err := m.delete(ctx, opDeleteMarker, id, true)
	if err == nil {
		m.gate.Touch()
	}
	return err
}

func (m *MarkerManager) delete(ctx context.Context, op string, id MarkerID, gated bool) error {
	var deleted Marker
	var detached []Memo
	var deleteErr error
	apply := func() {
		m.countMu.Lock()
		deleted, detached, deleteErr = m.softDelete(op, id)
		m.countMu.Unlock()
	}
	if gated {
		if !m.gate.ValidateWritable(apply, nil) {
			return Validation(op, ErrWriteModeOff)
		}
	} else {
		apply()
	}
	if deleteErr != nil {
		m.reattachMemos(detached)
		return deleteErr
	}
	m.finishDelete(ctx, op, deleted, detached)
	return nil
}

// softDelete detaches the memos of a marker and marks it deleted. On error the caller
// reattaches the returned memos.
func (m *MarkerManager) softDelete(op string, id MarkerID) (Marker, []Memo, error) {
	existing, ok := m.lookup(id)
	if !ok || existing.Deleted {
		return Marker{}, nil, Validation(op, ErrMarkerNotFound)
	}
	var detached []Memo
	if existing.Status != StatusTemporary {
		detached = m.detachMemos(id)
	}
	var deleted Marker
	var deleteErr error
	m.store.UpdateIf(func(current MarkerState) (MarkerState, bool) {
		existing, ok := current.Markers[id]
		if !ok || existing.Deleted {
			deleteErr = Validation(op, ErrMarkerNotFound)
			return current, false
		}
		deleted = existing
		if existing.Status == StatusTemporary {
			return current.withoutMarker(id), true
		}
		existing.Deleted = true
		existing.Visible = false
		existing.Status = StatusLocal
		existing.MemoCount = 0
		existing.UpdatedAt = m.clock.Now().UTC()
		existing.Revision++
		existing.Error = ""
		next := current.withMarker(existing)
		if next.Selection.MarkerID == id {
			next.Selection = DialogSelection{}
		}
		deleted = existing
		return next, true
	})
	return deleted, detached, deleteErr
}

func (m *MarkerManager) finishDelete(ctx context.Context, op string, deleted Marker, detached []Memo) {
	m.cancelInactivity(deleted.ID)
	m.bus.Publish(MarkerEvent{Kind: EventDeleted, Marker: deleted})
	if deleted.Status == StatusTemporary {
		return
	}
	m.persist(ctx, op, deleted)
	m.scheduleReconcile(deleted.ID, m.settings.UploadDebounce, detached)
}

// Select opens the dialog for a marker.
func (m *MarkerManager) Select(id MarkerID) error {
	var selected Marker
	var selectErr error
	m.store.UpdateIf(func(current MarkerState) (MarkerState, bool) {
		existing, ok := current.Markers[id]
		if !ok || existing.Deleted {
			selectErr = Validation(opSelectMarker, ErrMarkerNotFound)
			return current, false
		}
		selected = existing
		current.Selection = DialogSelection{
			Visible:     true,
			MarkerID:    id,
			IsTemporary: existing.Status == StatusTemporary,
		}
		return current, true
	})
	if selectErr != nil {
		return selectErr
	}
	m.bus.Publish(MarkerEvent{Kind: EventSelected, Marker: selected})
	return nil
}

// ClearSelection closes the marker dialog.
func (m *MarkerManager) ClearSelection() {
	_, changed := m.store.UpdateIf(func(current MarkerState) (MarkerState, bool) {
		if !current.Selection.Visible && current.Selection.MarkerID == "" {
			return current, false
		}
		current.Selection = DialogSelection{}
		return current, true
	})
	if changed {
		m.bus.Publish(MarkerEvent{Kind: EventSelectionCleared})
	}
}

// Selection returns the current dialog projection.
func (m *MarkerManager) Selection() DialogSelection {
	return m.store.Snapshot().Selection
}

// Get returns a marker that is not deleted.
func (m *MarkerManager) Get(id MarkerID) (Marker, bool) {
	marker, ok := m.lookup(id)
	if !ok || marker.Deleted {
		return Marker{}, false
	}
	return marker, true
}

func (m *MarkerManager) lookup(id MarkerID) (Marker, bool) {
	marker, ok := m.store.Snapshot().Markers[id]
	return marker, ok
}

// Visible returns the markers currently shown on the map, oldest first.
func (m *MarkerManager) Visible() []Marker {
	snapshot := m.store.Snapshot()
	visible := make([]Marker, 0, len(snapshot.Markers))
	for _, marker := range snapshot.Markers {
		if marker.Visible && !marker.Deleted {
			visible = append(visible, marker)
		}
	}
	sortMarkers(visible)
	return visible
}

// InRegion returns the markers that fall into any of keys, visible or not.
func (m *MarkerManager) InRegion(keys []geo.SpatialKey) []Marker {
	snapshot := m.store.Snapshot()
	matched := make([]Marker, 0)
	for _, marker := range snapshot.Markers {
		if marker.Deleted {
			continue
		}
		for _, key := range keys {
			if key.Contains(marker.SpatialKey) {
				matched = append(matched, marker)
				break
			}
		}
	}
	sortMarkers(matched)
	return matched
}

// ApplyRegion merges a remote region snapshot in a single transition. Local mutations
// the remote store has not acknowledged win over the remote copy, and so does a synced
// marker with a newer version. Markers whose delete the remote store confirmed are never
// brought back. Markers outside region stay in state but are no longer visible.
func (m *MarkerManager) ApplyRegion(region geo.Region, snapshot RegionSnapshot) {
	deleted := make(map[MarkerID]struct{}, len(snapshot.DeletedIDs))
	for _, id := range snapshot.DeletedIDs {
		deleted[MarkerID(id)] = struct{}{}
	}
	m.store.Update(func(current MarkerState) MarkerState {
		next := make(map[MarkerID]Marker, len(current.Markers)+len(snapshot.Markers))
		for id, marker := range current.Markers {
			next[id] = marker
		}
		for _, remote := range snapshot.Markers {
			if m.wasRemoved(remote.ID) {
				continue
			}
			local, ok := next[remote.ID]
			if ok && (local.Status != StatusSynced || local.Deleted || remote.Version < local.Version) {
				continue
			}
			remote.Status = StatusSynced
			remote.Deleted = false
			remote.Error = ""
			if remote.SpatialKey == "" {
				remote.SpatialKey = geo.KeyOf(remote.Position, m.settings.Precision)
			}
			if ok {
				remote.MemoCount = local.MemoCount
				remote.Revision = local.Revision
			}
			next[remote.ID] = remote
		}
		for id := range deleted {
			if local, ok := next[id]; ok && local.Status == StatusSynced {
				delete(next, id)
			}
		}
		for id, marker := range next {
			shown := region.Contains(marker.SpatialKey) ||
				marker.Status == StatusTemporary ||
				id == current.Selection.MarkerID
			marker.Visible = shown && !marker.Deleted
			next[id] = marker
		}
		current.Markers = next
		if _, ok := next[current.Selection.MarkerID]; !ok {
			current.Selection = DialogSelection{}
		}
		return current
	})
	m.bus.Publish(MarkerEvent{Kind: EventRegionApplied})
}

// Restore loads unsynced markers from the local store and resumes their reconciliation.
// A marker that never reached the remote store can only own unsynced memos, so its memo
// count starts at zero and is rebuilt by MemoManager.Restore; its inactivity cleanup is
// armed again and the first restored memo disarms it.
func (m *MarkerManager) Restore(ctx context.Context) error {
	markers, err := m.local.PendingMarkers(ctx)
	if err != nil {
		wrapped := FatalLocal(opRestoreMarkers, err)
		m.reportLocal(opRestoreMarkers, Marker{}, wrapped)
		return wrapped
	}
	if len(markers) == 0 {
		return nil
	}
	for index, marker := range markers {
		marker.Visible = !marker.Deleted
		if neverUploaded(marker) {
			marker.MemoCount = 0
		}
		markers[index] = marker
	}
	m.store.Update(func(current MarkerState) MarkerState {
		next := current
		for _, marker := range markers {
			next = next.withMarker(marker)
		}
		return next
	})
	for _, marker := range markers {
		m.bus.Publish(MarkerEvent{Kind: EventRestored, Marker: marker})
		if neverUploaded(marker) {
			m.armInactivity(marker.ID)
		}
		if marker.Status.NeedsUpload() {
			m.scheduleReconcile(marker.ID, 0, nil)
		}
	}
	m.logger.Info("restored unsynced markers", zap.Int("count", len(markers)))
	return nil
}

func neverUploaded(marker Marker) bool {
	return !marker.Deleted && marker.Status != StatusTemporary && marker.Version == 0
}

func (m *MarkerManager) newMarker(ctx context.Context, op string, position geo.Position, status SyncStatus) (Marker, error) {
	validated, err := geo.NewPosition(position.Lat, position.Lon)
	if err != nil {
		return Marker{}, Validation(op, fmt.Errorf("%w: %v", ErrInvalidPosition, err))
	}
	owner, err := m.identity.CurrentUserID(ctx)
	if err != nil {
		return Marker{}, Validation(op, fmt.Errorf("%w: %v", ErrUnauthenticated, err))
	}
	if owner == "" {
		return Marker{}, Validation(op, ErrUnauthenticated)
	}
	rawID, err := m.ids.NewID()
	if err != nil {
		logError(m.logger, op, "id_generation_failed", err)
		return Marker{}, FatalLocal(op, err)
	}
	id, err := NewMarkerID(rawID)
	if err != nil {
		return Marker{}, Validation(op, err)
	}
	now := m.clock.Now().UTC()
	return Marker{
		ID:         id,
		OwnerID:    owner,
		Position:   validated,
		SpatialKey: geo.KeyOf(validated, m.settings.Precision),
		CreatedAt:  now,
		UpdatedAt:  now,
		Status:     status,
		Visible:    true,
		Revision:   1,
	}, nil
}

// insert applies an optimistic creation if the write gate allows it.
func (m *MarkerManager) insert(op string, marker Marker, selection *DialogSelection) error {
	allowed := m.gate.ValidateWritable(func() {
		m.store.Update(func(current MarkerState) MarkerState {
			next := current.withMarker(marker)
			if selection != nil {
				next.Selection = *selection
			}
			return next
		})
	}, nil)
	if !allowed {
		return Validation(op, ErrWriteModeOff)
	}
	return nil
}

func (m *MarkerManager) persist(ctx context.Context, op string, marker Marker) {
	if err := m.local.SaveMarker(context.WithoutCancel(ctx), marker); err != nil {
		m.reportLocal(op, marker, FatalLocal(op, err))
	}
}

func (m *MarkerManager) reportLocal(op string, marker Marker, err error) {
	logError(m.logger, op, "local_store_failed", err, zap.String("marker_id", marker.ID.String()))
	message := errorMessage(err)
	m.store.Update(func(current MarkerState) MarkerState {
		current.Error = message
		return current
	})
	m.bus.Publish(MarkerEvent{Kind: EventError, Marker: marker, Err: err})
}

func (m *MarkerManager) scheduleReconcile(id MarkerID, debounce time.Duration, detached []Memo) {
	m.tasks.Launch(id.String(), debounce, func(ctx context.Context) error {
		return m.reconcile(ctx, id, detached)
	})
}

func (m *MarkerManager) reconcile(ctx context.Context, id MarkerID, detached []Memo) error {
	marker, ok := m.lookup(id)
	if !ok || marker.Status == StatusTemporary {
		return nil
	}
	if marker.Deleted {
		return m.reconcileDelete(ctx, marker, detached)
	}
	if !marker.Status.NeedsUpload() {
		return nil
	}
	return m.reconcileUpsert(ctx, marker)
}

func (m *MarkerManager) reconcileUpsert(ctx context.Context, marker Marker) error {
	m.markPending(marker.ID)
	err := m.retry.run(ctx, opReconcileMarker, m.logger, func(attemptCtx context.Context) error {
		current, ok := m.lookup(marker.ID)
		if !ok || current.Deleted {
			return nil
		}
		var acknowledged Marker
		var err error
		if current.Version == 0 {
			acknowledged, err = m.remote.CreateMarker(attemptCtx, current)
		} else {
			acknowledged, err = m.remote.UpdateMarker(attemptCtx, current)
		}
		if err != nil {
			return err
		}
		m.acknowledge(ctx, current, acknowledged)
		return nil
	})
	if err == nil {
		return nil
	}
	if tasks.IsCancellation(err) {
		return err
	}
	m.markConflict(ctx, marker.ID, err, nil)
	return nil
}

func (m *MarkerManager) markPending(id MarkerID) {
	m.store.UpdateIf(func(current MarkerState) (MarkerState, bool) {
		existing, ok := current.Markers[id]
		if !ok || existing.Status != StatusLocal {
			return current, false
		}
		existing.Status = StatusPending
		return current.withMarker(existing), true
	})
}

// acknowledge merges server-assigned fields. A marker edited while the upload was in
// flight keeps its local status so the pending reconciliation uploads the newer revision.
func (m *MarkerManager) acknowledge(ctx context.Context, sent, acknowledged Marker) {
	var merged Marker
	_, changed := m.store.UpdateIf(func(current MarkerState) (MarkerState, bool) {
		existing, ok := current.Markers[sent.ID]
		if !ok {
			return current, false
		}
		existing.Version = acknowledged.Version
		if !acknowledged.CreatedAt.IsZero() {
			existing.CreatedAt = acknowledged.CreatedAt
		}
		if existing.Revision == sent.Revision && !existing.Deleted {
			if !acknowledged.UpdatedAt.IsZero() {
				existing.UpdatedAt = acknowledged.UpdatedAt
			}
			existing.Status = StatusSynced
			existing.Error = ""
		}
		merged = existing
		next := current.withMarker(existing)
		if merged.Status == StatusSynced {
			next.Error = ""
		}
		return next, true
	})
	if !changed {
		return
	}
	m.persist(ctx, opReconcileMarker, merged)
	if merged.Status == StatusSynced {
		m.confirmed(merged.SpatialKey)
		m.metrics.Reconciliation(entityMarker, outcomeSynced)
		m.bus.Publish(MarkerEvent{Kind: EventSynced, Marker: merged})
	}
}

func (m *MarkerManager) reconcileDelete(ctx context.Context, marker Marker, detached []Memo) error {
	err := m.retry.run(ctx, opReconcileMarker, m.logger, func(attemptCtx context.Context) error {
		err := m.remote.DeleteMarker(attemptCtx, marker.ID)
		if IsKind(err, KindNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		if tasks.IsCancellation(err) {
			return err
		}
		m.markConflict(ctx, marker.ID, err, detached)
		return nil
	}

	m.remember(marker.ID)
	m.confirmed(marker.SpatialKey)
	if localErr := m.local.DeleteMarker(context.WithoutCancel(ctx), marker.ID); localErr != nil {
		m.reportLocal(opReconcileMarker, marker, FatalLocal(opReconcileMarker, localErr))
	}
	var removed Marker
	_, changed := m.store.UpdateIf(func(current MarkerState) (MarkerState, bool) {
		existing, ok := current.Markers[marker.ID]
		if !ok || !existing.Deleted {
			return current, false
		}
		removed = existing
		return current.withoutMarker(marker.ID), true
	})
	if changed {
		m.metrics.Reconciliation(entityMarker, outcomeRemoved)
		m.bus.Publish(MarkerEvent{Kind: EventRemoved, Marker: removed})
	}
	return nil
}

// markConflict records a reconciliation that failed for good. A failed delete brings the
// marker and its memos back so the user sees what did not go through.
func (m *MarkerManager) markConflict(ctx context.Context, id MarkerID, cause error, detached []Memo) {
	logError(m.logger, opReconcileMarker, "reconciliation_failed", cause, zap.String("marker_id", id.String()))
	message := errorMessage(cause)
	var conflicted Marker
	var resurfaced bool
	_, changed := m.store.UpdateIf(func(current MarkerState) (MarkerState, bool) {
		existing, ok := current.Markers[id]
		if !ok {
			return current, false
		}
		if existing.Deleted {
			existing.Deleted = false
			existing.Visible = true
			existing.Revision++
			resurfaced = true
		}
		existing.Status = StatusConflict
		existing.Error = message
		conflicted = existing
		next := current.withMarker(existing)
		next.Error = message
		return next, true
	})
	if !changed {
		return
	}
	if resurfaced {
		m.reattachMemos(detached)
		conflicted, _ = m.lookup(id)
	}
	m.persist(ctx, opReconcileMarker, conflicted)
	m.metrics.Reconciliation(entityMarker, outcomeConflict)
	m.bus.Publish(MarkerEvent{Kind: EventError, Marker: conflicted, Err: cause})
}

// remember records a marker whose delete the remote store confirmed. Region snapshots
// served from cache may still list it.
func (m *MarkerManager) remember(id MarkerID) {
	m.removedMu.Lock()
	m.removed[id] = struct{}{}
	m.removedMu.Unlock()
}

func (m *MarkerManager) wasRemoved(id MarkerID) bool {
	m.removedMu.RLock()
	defer m.removedMu.RUnlock()
	_, ok := m.removed[id]
	return ok
}

func inactivityKey(id MarkerID) string {
	return inactivityKeyPrefix + id.String()
}

func (m *MarkerManager) armInactivity(id MarkerID) {
	m.tasks.Launch(inactivityKey(id), m.settings.InactivityGrace, func(ctx context.Context) error {
		return m.cleanupInactive(ctx, id)
	})
}

func (m *MarkerManager) cancelInactivity(id MarkerID) {
	m.tasks.Cancel(inactivityKey(id))
}

// InactivityArmed reports whether the cleanup timer of a marker is pending.
func (m *MarkerManager) InactivityArmed(id MarkerID) bool {
	return m.tasks.IsActive(inactivityKey(id))
}

// cleanupInactive deletes a marker that still owns no memo. The check and the soft
// delete run under countMu, so a memo created meanwhile either lands first and keeps
// the marker or finds the marker gone. A timer disarmed while waiting for countMu
// does nothing.
func (m *MarkerManager) cleanupInactive(ctx context.Context, id MarkerID) error {
	m.countMu.Lock()
	if ctx.Err() != nil {
		m.countMu.Unlock()
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	marker, ok := m.lookup(id)
	if !ok || marker.Deleted || marker.Status == StatusTemporary || m.liveMemoCount(id) > 0 {
		m.countMu.Unlock()
		return nil
	}
	m.logger.Info("deleting marker without memos", zap.String("marker_id", id.String()))
	deleted, detached, err := m.softDelete(opInactivityCleanup, id)
	m.countMu.Unlock()
	if err != nil {
		m.reattachMemos(detached)
		if IsKind(err, KindValidation) {
			return nil
		}
		return err
	}
	m.finishDelete(ctx, opInactivityCleanup, deleted, detached)
	return nil
}

// setMemoCount refreshes the memo count of a marker from live memo state. The first
// memo disarms the inactivity cleanup; removing the last one arms it again when rearm
// is set.
func (m *MarkerManager) setMemoCount(id MarkerID, rearm bool) {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	m.syncMemoCountLocked(id, rearm)
}

// withMemoCount runs fn and refreshes the count of id while holding countMu.
func (m *MarkerManager) withMemoCount(id MarkerID, rearm bool, fn func() bool) {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	if fn() {
		m.syncMemoCountLocked(id, rearm)
	}
}

func (m *MarkerManager) syncMemoCountLocked(id MarkerID, rearm bool) {
	count := m.liveMemoCount(id)
	var previous int
	var status SyncStatus
	_, changed := m.store.UpdateIf(func(current MarkerState) (MarkerState, bool) {
		existing, ok := current.Markers[id]
		if !ok || existing.Deleted || existing.MemoCount == count {
			return current, false
		}
		previous = existing.MemoCount
		status = existing.Status
		existing.MemoCount = count
		return current.withMarker(existing), true
	})
	if !changed || status == StatusTemporary {
		return
	}
	switch {
	case previous == 0 && count > 0:
		m.cancelInactivity(id)
	case previous > 0 && count == 0 && rearm:
		m.armInactivity(id)
	}
}

func (m *MarkerManager) liveMemoCount(id MarkerID) int {
	m.cascadeMu.RLock()
	cascade := m.cascade
	m.cascadeMu.RUnlock()
	if cascade == nil {
		if marker, ok := m.lookup(id); ok {
			return marker.MemoCount
		}
		return 0
	}
	return cascade.Count(id)
}

// awaitUpload blocks while a reconciliation of the marker is scheduled or running.
func (m *MarkerManager) awaitUpload(ctx context.Context, id MarkerID) error {
	handle, ok := m.tasks.Lookup(id.String())
	if !ok {
		return nil
	}
	select {
	case <-handle.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MarkerManager) setCascade(cascade memoCascade) {
	m.cascadeMu.Lock()
	m.cascade = cascade
	m.cascadeMu.Unlock()
}

func (m *MarkerManager) detachMemos(id MarkerID) []Memo {
	m.cascadeMu.RLock()
	cascade := m.cascade
	m.cascadeMu.RUnlock()
	if cascade == nil {
		return nil
	}
	return cascade.detachMemos(id)
}

func (m *MarkerManager) reattachMemos(memos []Memo) {
	if len(memos) == 0 {
		return
	}
	m.cascadeMu.RLock()
	cascade := m.cascade
	m.cascadeMu.RUnlock()
	if cascade != nil {
		cascade.reattachMemos(memos)
	}
}

func (m *MarkerManager) createTemporary(ctx context.Context, position geo.Position) (Marker, error) {
	marker, err := m.newMarker(ctx, opDropTemporary, position, StatusTemporary)
	if err != nil {
		return Marker{}, err
	}
	selection := DialogSelection{Visible: true, MarkerID: marker.ID, IsTemporary: true}
	if err := m.insert(opDropTemporary, marker, &selection); err != nil {
		return Marker{}, err
	}
	m.bus.Publish(MarkerEvent{Kind: EventCreated, Marker: marker})
	m.bus.Publish(MarkerEvent{Kind: EventSelected, Marker: marker})
	m.gate.Touch()
	return marker, nil
}

// promote turns a temporary marker into a regular one and schedules its first upload.
func (m *MarkerManager) promote(ctx context.Context, id MarkerID) (Marker, error) {
	var promoted Marker
	_, changed := m.store.UpdateIf(func(current MarkerState) (MarkerState, bool) {
		existing, ok := current.Markers[id]
		if !ok || existing.Status != StatusTemporary {
			return current, false
		}
		existing.Status = StatusLocal
		existing.UpdatedAt = m.clock.Now().UTC()
		existing.Revision++
		promoted = existing
		next := current.withMarker(existing)
		if next.Selection.MarkerID == id {
			next.Selection.IsTemporary = false
		}
		return next, true
	})
	if !changed {
		return Marker{}, Validation(opCommitTemporary, ErrNoTemporaryMarker)
	}
	m.persist(ctx, opCommitTemporary, promoted)
	m.bus.Publish(MarkerEvent{Kind: EventCreated, Marker: promoted})
	if promoted.MemoCount == 0 {
		m.armInactivity(id)
	}
	m.scheduleReconcile(id, m.settings.UploadDebounce, nil)
	return promoted, nil
}

func (m *MarkerManager) discardTemporary(id MarkerID) (Marker, bool) {
	var discarded Marker
	_, changed := m.store.UpdateIf(func(current MarkerState) (MarkerState, bool) {
		existing, ok := current.Markers[id]
		if !ok || existing.Status != StatusTemporary {
			return current, false
		}
		discarded = existing
		return current.withoutMarker(id), true
	})
	if changed {
		m.bus.Publish(MarkerEvent{Kind: EventRemoved, Marker: discarded})
	}
	return discarded, changed
}
