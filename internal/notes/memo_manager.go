package notes

import (
	"context"
	"errors"
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
	opMemoManagerNew = "notes.memo_manager.new"
	opCreateMemo     = "notes.memo.create"
	opEditMemo       = "notes.memo.edit"
	opDeleteMemo     = "notes.memo.delete"
	opSelectMemo     = "notes.memo.select"
	opReconcileMemo  = "notes.memo.reconcile"
	opRestoreMemos   = "notes.memo.restore"

	entityMemo = "memo"
)

var errParentNotSynced = errors.New("parent marker is not synced")

// MemoManager owns memo state and the memo event bus. It is bound to a MarkerManager
// for parent checks, memo counts and cascading deletes.
type MemoManager struct {
	markers   *MarkerManager
	remote    RemoteStore
	local     LocalStore
	ids       IDProvider
	gate      WriteGate
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   *metrics.Collectors
	settings  Settings
	retry     retryPolicy
	confirmed func(geo.SpatialKey)

	store *state.Store[MemoState]
	bus   *events.Bus[MemoEvent]
	tasks *tasks.Coordinator

	removedMu sync.RWMutex
	removed   map[MemoID]struct{}
}

// NewMemoManager constructs a MemoManager and registers it for cascades on markers.
func NewMemoManager(cfg Config, markers *MarkerManager) (*MemoManager, error) {
	if markers == nil {
		return nil, newServiceError(opMemoManagerNew, "missing_marker_manager", errMissingMarkers)
	}
	resolved, err := cfg.resolve(opMemoManagerNew)
	if err != nil {
		return nil, err
	}
	manager := &MemoManager{
		markers:   markers,
		remote:    resolved.RemoteStore,
		local:     resolved.LocalStore,
		ids:       resolved.IDProvider,
		gate:      resolved.WriteGate,
		clock:     resolved.Clock,
		logger:    resolved.Logger.With(zap.String("manager", entityMemo)),
		metrics:   resolved.Metrics,
		settings:  resolved.Settings,
		retry:     resolved.Settings.retryPolicy(),
		confirmed: resolved.Confirmed,
		store:     state.NewStore(MemoState{Memos: map[MemoID]Memo{}}, events.WithName("memo_state")),
		bus: events.NewBus[MemoEvent](
			events.WithName("memo_events"),
			events.WithReplayCapacity(resolved.Settings.ReplayCapacity),
			events.WithLogger(resolved.Logger),
			events.WithMetrics(resolved.Metrics),
		),
		removed: make(map[MemoID]struct{}),
	}
	manager.tasks = tasks.NewCoordinator(tasks.Config{
		Parent: resolved.Parent,
		Name:   "memos",
		Clock:  resolved.Clock,
		Logger: manager.logger,
	})
	markers.setCascade(manager)
	return manager, nil
}

// Events returns the memo event bus.
func (m *MemoManager) Events() *events.Bus[MemoEvent] {
	return m.bus
}

// State returns the current memo snapshot.
func (m *MemoManager) State() MemoState {
	return m.store.Snapshot()
}

// Observe subscribes handler to memo snapshots, starting with the current one.
func (m *MemoManager) Observe(handler func(MemoState)) *events.Subscription {
	return m.store.Observe(handler)
}

// ObserveContext is Observe bounded by ctx.
func (m *MemoManager) ObserveContext(ctx context.Context, handler func(MemoState)) *events.Subscription {
	return m.store.ObserveContext(ctx, handler)
}

// Close cancels memo tasks and detaches every observer.
func (m *MemoManager) Close() {
	m.tasks.Close()
	m.bus.Close()
	m.store.Close()
}

// Wait blocks until no memo task is running.
func (m *MemoManager) Wait() {
	m.tasks.Wait()
}

// Create attaches a memo to a marker. The cap is checked in the same transition that
// inserts the memo, so concurrent creates cannot overshoot it.
func (m *MemoManager) Create(ctx context.Context, markerID MarkerID, rawContent string) (Memo, error) {
	content, err := NewContent(rawContent, m.settings.MemoMaxLength)
	if err != nil {
		return Memo{}, Validation(opCreateMemo, err)
	}
	rawID, err := m.ids.NewID()
	if err != nil {
		logError(m.logger, opCreateMemo, "id_generation_failed", err)
		return Memo{}, FatalLocal(opCreateMemo, err)
	}
	id, err := NewMemoID(rawID)
	if err != nil {
		return Memo{}, Validation(opCreateMemo, err)
	}

	var created Memo
	var createErr error
	allowed := m.gate.ValidateWritable(func() {
		m.markers.withMemoCount(markerID, true, func() bool {
			if _, ok := m.markers.Get(markerID); !ok {
				createErr = Validation(opCreateMemo, ErrMarkerNotFound)
				return false
			}
			now := m.clock.Now().UTC()
			_, inserted := m.store.UpdateIf(func(current MemoState) (MemoState, bool) {
				count := current.liveCount(markerID)
				if count >= m.settings.MemoCap {
					createErr = Validation(opCreateMemo, fmt.Errorf("%w: %d of %d", ErrMemoCapReached, count, m.settings.MemoCap))
					return current, false
				}
				created = Memo{
					ID:        id,
					MarkerID:  markerID,
					Content:   content.String(),
					CreatedAt: now,
					UpdatedAt: now,
					Status:    StatusLocal,
					Revision:  1,
				}
				return current.withMemo(created), true
			})
			return inserted
		})
	}, nil)
	if !allowed {
		return Memo{}, Validation(opCreateMemo, ErrWriteModeOff)
	}
	if createErr != nil {
		return Memo{}, createErr
	}

	m.persist(ctx, opCreateMemo, created)
	m.bus.Publish(MemoEvent{Kind: EventCreated, Memo: created})
	m.scheduleReconcile(created.ID, m.settings.UploadDebounce)
	m.gate.Touch()
	return created, nil
}

// Edit replaces the content of a memo.
func (m *MemoManager) Edit(ctx context.Context, id MemoID, rawContent string) (Memo, error) {
	content, err := NewContent(rawContent, m.settings.MemoMaxLength)
	if err != nil {
		return Memo{}, Validation(opEditMemo, err)
	}
	var edited Memo
	var editErr error
	allowed := m.gate.ValidateWritable(func() {
		m.store.UpdateIf(func(current MemoState) (MemoState, bool) {
			existing, ok := current.Memos[id]
			if !ok || existing.Deleted {
				editErr = Validation(opEditMemo, ErrMemoNotFound)
				return current, false
			}
			existing.Content = content.String()
			existing.UpdatedAt = m.clock.Now().UTC()
			existing.Status = StatusLocal
			existing.Error = ""
			existing.Revision++
			edited = existing
			return current.withMemo(existing), true
		})
	}, nil)
	if !allowed {
		return Memo{}, Validation(opEditMemo, ErrWriteModeOff)
	}
	if editErr != nil {
		return Memo{}, editErr
	}
	m.persist(ctx, opEditMemo, edited)
	m.bus.Publish(MemoEvent{Kind: EventUpdated, Memo: edited})
	m.scheduleReconcile(id, m.settings.UploadDebounce)
	m.gate.Touch()
	return edited, nil
}

// Delete soft-deletes a memo and schedules the remote delete.
func (m *MemoManager) Delete(ctx context.Context, id MemoID) error {
	var deleted Memo
	var deleteErr error
	allowed := m.gate.ValidateWritable(func() {
		m.store.UpdateIf(func(current MemoState) (MemoState, bool) {
			existing, ok := current.Memos[id]
			if !ok || existing.Deleted {
				deleteErr = Validation(opDeleteMemo, ErrMemoNotFound)
				return current, false
			}
			existing.Deleted = true
			existing.Status = StatusLocal
			existing.UpdatedAt = m.clock.Now().UTC()
			existing.Error = ""
			existing.Revision++
			deleted = existing
			next := current.withMemo(existing)
			if next.SelectedMemoID == id {
				next.SelectedMemoID = ""
			}
			return next, true
		})
	}, nil)
	if !allowed {
		return Validation(opDeleteMemo, ErrWriteModeOff)
	}
	if deleteErr != nil {
		return deleteErr
	}
	m.markers.setMemoCount(deleted.MarkerID, true)
	m.persist(ctx, opDeleteMemo, deleted)
	m.bus.Publish(MemoEvent{Kind: EventDeleted, Memo: deleted})
	m.scheduleReconcile(id, m.settings.UploadDebounce)
	m.gate.Touch()
	return nil
}

// Select highlights a memo.
func (m *MemoManager) Select(id MemoID) error {
	var selected Memo
	var selectErr error
	m.store.UpdateIf(func(current MemoState) (MemoState, bool) {
		existing, ok := current.Memos[id]
		if !ok || existing.Deleted {
			selectErr = Validation(opSelectMemo, ErrMemoNotFound)
			return current, false
		}
		selected = existing
		current.SelectedMemoID = id
		return current, true
	})
	if selectErr != nil {
		return selectErr
	}
	m.bus.Publish(MemoEvent{Kind: EventSelected, Memo: selected})
	return nil
}

// ClearSelection clears the highlighted memo.
func (m *MemoManager) ClearSelection() {
	_, changed := m.store.UpdateIf(func(current MemoState) (MemoState, bool) {
		if current.SelectedMemoID == "" {
			return current, false
		}
		current.SelectedMemoID = ""
		return current, true
	})
	if changed {
		m.bus.Publish(MemoEvent{Kind: EventSelectionCleared})
	}
}

// Get returns a memo that is not deleted.
func (m *MemoManager) Get(id MemoID) (Memo, bool) {
	memo, ok := m.store.Snapshot().Memos[id]
	if !ok || memo.Deleted {
		return Memo{}, false
	}
	return memo, true
}

// ForMarker returns the live memos of a marker, oldest first.
func (m *MemoManager) ForMarker(markerID MarkerID) []Memo {
	snapshot := m.store.Snapshot()
	memos := make([]Memo, 0)
	for _, memo := range snapshot.Memos {
		if memo.MarkerID == markerID && !memo.Deleted {
			memos = append(memos, memo)
		}
	}
	sortMemos(memos)
	return memos
}

// Count returns the number of live memos of a marker.
func (m *MemoManager) Count(markerID MarkerID) int {
	return m.store.Snapshot().liveCount(markerID)
}

// ApplyRegion merges the memos of a remote region snapshot in a single transition and
// refreshes the memo counts of the affected markers.
func (m *MemoManager) ApplyRegion(snapshot RegionSnapshot) {
	deleted := make(map[string]struct{}, len(snapshot.DeletedIDs))
	for _, id := range snapshot.DeletedIDs {
		deleted[id] = struct{}{}
	}
	touched := make(map[MarkerID]struct{})
	for _, marker := range snapshot.Markers {
		touched[marker.ID] = struct{}{}
	}
	m.store.Update(func(current MemoState) MemoState {
		next := current.clone()
		for _, remote := range snapshot.Memos {
			if m.wasRemoved(remote.ID) || m.markers.wasRemoved(remote.MarkerID) {
				continue
			}
			local, ok := next.Memos[remote.ID]
			if ok && (local.Status != StatusSynced || local.Deleted || remote.Version < local.Version) {
				continue
			}
			if _, gone := deleted[remote.MarkerID.String()]; gone {
				continue
			}
			remote.Status = StatusSynced
			remote.Deleted = false
			remote.Error = ""
			if ok {
				remote.Revision = local.Revision
			}
			next.Memos[remote.ID] = remote
			touched[remote.MarkerID] = struct{}{}
		}
		for id, memo := range next.Memos {
			if memo.Status != StatusSynced {
				continue
			}
			_, memoGone := deleted[id.String()]
			_, parentGone := deleted[memo.MarkerID.String()]
			if memoGone || parentGone {
				delete(next.Memos, id)
				touched[memo.MarkerID] = struct{}{}
			}
		}
		if _, ok := next.Memos[next.SelectedMemoID]; !ok {
			next.SelectedMemoID = ""
		}
		return next
	})
	for markerID := range touched {
		m.markers.setMemoCount(markerID, false)
	}
	m.bus.Publish(MemoEvent{Kind: EventRegionApplied})
}

// Restore loads unsynced memos of known markers from the local store and resumes their
// reconciliation. Markers must be restored first.
func (m *MemoManager) Restore(ctx context.Context) error {
	memos, err := m.local.PendingMemos(ctx)
	if err != nil {
		wrapped := FatalLocal(opRestoreMemos, err)
		m.reportLocal(opRestoreMemos, Memo{}, wrapped)
		return wrapped
	}
	restored := make([]Memo, 0, len(memos))
	for _, memo := range memos {
		if _, ok := m.markers.Get(memo.MarkerID); ok {
			restored = append(restored, memo)
		}
	}
	if len(restored) == 0 {
		return nil
	}
	m.insertAll(restored)
	for _, memo := range restored {
		m.bus.Publish(MemoEvent{Kind: EventRestored, Memo: memo})
		if memo.Status.NeedsUpload() {
			m.scheduleReconcile(memo.ID, 0)
		}
	}
	m.logger.Info("restored unsynced memos", zap.Int("count", len(restored)))
	return nil
}

// detachMemos removes every memo of a marker from state in one transition and stops
// their reconciliation. The local rows stay until the marker delete is confirmed.
func (m *MemoManager) detachMemos(markerID MarkerID) []Memo {
	var detached []Memo
	m.store.UpdateIf(func(current MemoState) (MemoState, bool) {
		next := current.clone()
		for id, memo := range next.Memos {
			if memo.MarkerID == markerID {
				detached = append(detached, memo)
				delete(next.Memos, id)
			}
		}
		if len(detached) == 0 {
			return current, false
		}
		if _, ok := next.Memos[next.SelectedMemoID]; !ok {
			next.SelectedMemoID = ""
		}
		return next, true
	})
	sortMemos(detached)
	for _, memo := range detached {
		m.tasks.Cancel(memo.ID.String())
		m.bus.Publish(MemoEvent{Kind: EventDeleted, Memo: memo})
	}
	return detached
}

// reattachMemos brings back memos removed by a marker delete that did not go through.
func (m *MemoManager) reattachMemos(memos []Memo) {
	if len(memos) == 0 {
		return
	}
	m.insertAll(memos)
	for _, memo := range memos {
		m.bus.Publish(MemoEvent{Kind: EventRestored, Memo: memo})
		if memo.Status.NeedsUpload() || memo.Deleted {
			m.scheduleReconcile(memo.ID, m.settings.UploadDebounce)
		}
	}
}

func (m *MemoManager) insertAll(memos []Memo) {
	touched := make(map[MarkerID]struct{})
	m.store.Update(func(current MemoState) MemoState {
		next := current.clone()
		for _, memo := range memos {
			next.Memos[memo.ID] = memo
			touched[memo.MarkerID] = struct{}{}
		}
		return next
	})
	for markerID := range touched {
		m.markers.setMemoCount(markerID, true)
	}
}

func (m *MemoManager) persist(ctx context.Context, op string, memo Memo) {
	if err := m.local.SaveMemo(context.WithoutCancel(ctx), memo); err != nil {
		m.reportLocal(op, memo, FatalLocal(op, err))
	}
}

func (m *MemoManager) reportLocal(op string, memo Memo, err error) {
	logError(m.logger, op, "local_store_failed", err, zap.String("memo_id", memo.ID.String()))
	message := errorMessage(err)
	m.store.Update(func(current MemoState) MemoState {
		current.Error = message
		return current
	})
	m.bus.Publish(MemoEvent{Kind: EventError, Memo: memo, Err: err})
}

func (m *MemoManager) scheduleReconcile(id MemoID, debounce time.Duration) {
	m.tasks.Launch(id.String(), debounce, func(ctx context.Context) error {
		return m.reconcile(ctx, id)
	})
}

func (m *MemoManager) lookup(id MemoID) (Memo, bool) {
	memo, ok := m.store.Snapshot().Memos[id]
	return memo, ok
}

func (m *MemoManager) reconcile(ctx context.Context, id MemoID) error {
	memo, ok := m.lookup(id)
	if !ok {
		return nil
	}
	if memo.Deleted {
		return m.reconcileDelete(ctx, memo)
	}
	if !memo.Status.NeedsUpload() {
		return nil
	}
	return m.reconcileUpsert(ctx, memo)
}

func (m *MemoManager) reconcileUpsert(ctx context.Context, memo Memo) error {
	m.markPending(memo.ID)
	err := m.retry.run(ctx, opReconcileMemo, m.logger, func(attemptCtx context.Context) error {
		current, ok := m.lookup(memo.ID)
		if !ok || current.Deleted {
			return nil
		}
		if current.Version == 0 {
			if err := m.awaitParent(ctx, current.MarkerID); err != nil {
				return err
			}
		}
		var acknowledged Memo
		var err error
		if current.Version == 0 {
			acknowledged, err = m.remote.CreateMemo(attemptCtx, current)
		} else {
			acknowledged, err = m.remote.UpdateMemo(attemptCtx, current)
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
	m.markConflict(ctx, memo.ID, err)
	return nil
}

// awaitParent waits for the first upload of the parent marker. A parent that still has
// no server version afterwards is reported as transient so the memo upload retries.
func (m *MemoManager) awaitParent(ctx context.Context, markerID MarkerID) error {
	if err := m.markers.awaitUpload(ctx, markerID); err != nil {
		return err
	}
	parent, ok := m.markers.lookup(markerID)
	if !ok {
		return NotFound(opReconcileMemo, ErrMarkerNotFound)
	}
	if parent.Version == 0 {
		return TransientRemote(opReconcileMemo, errParentNotSynced)
	}
	return nil
}

func (m *MemoManager) markPending(id MemoID) {
	m.store.UpdateIf(func(current MemoState) (MemoState, bool) {
		existing, ok := current.Memos[id]
		if !ok || existing.Status != StatusLocal {
			return current, false
		}
		existing.Status = StatusPending
		return current.withMemo(existing), true
	})
}

func (m *MemoManager) acknowledge(ctx context.Context, sent, acknowledged Memo) {
	var merged Memo
	_, changed := m.store.UpdateIf(func(current MemoState) (MemoState, bool) {
		existing, ok := current.Memos[sent.ID]
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
		next := current.withMemo(existing)
		if merged.Status == StatusSynced {
			next.Error = ""
		}
		return next, true
	})
	if !changed {
		return
	}
	m.persist(ctx, opReconcileMemo, merged)
	if merged.Status == StatusSynced {
		m.confirmParent(merged.MarkerID)
		m.metrics.Reconciliation(entityMemo, outcomeSynced)
		m.bus.Publish(MemoEvent{Kind: EventSynced, Memo: merged})
	}
}

func (m *MemoManager) reconcileDelete(ctx context.Context, memo Memo) error {
	err := m.retry.run(ctx, opReconcileMemo, m.logger, func(attemptCtx context.Context) error {
		err := m.remote.DeleteMemo(attemptCtx, memo.ID)
		if IsKind(err, KindNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		if tasks.IsCancellation(err) {
			return err
		}
		m.markConflict(ctx, memo.ID, err)
		return nil
	}
	m.remember(memo.ID)
	m.confirmParent(memo.MarkerID)
	if localErr := m.local.DeleteMemo(context.WithoutCancel(ctx), memo.ID); localErr != nil {
		m.reportLocal(opReconcileMemo, memo, FatalLocal(opReconcileMemo, localErr))
	}
	var removed Memo
	_, changed := m.store.UpdateIf(func(current MemoState) (MemoState, bool) {
		existing, ok := current.Memos[memo.ID]
		if !ok || !existing.Deleted {
			return current, false
		}
		removed = existing
		return current.withoutMemo(memo.ID), true
	})
	if changed {
		m.metrics.Reconciliation(entityMemo, outcomeRemoved)
		m.bus.Publish(MemoEvent{Kind: EventRemoved, Memo: removed})
	}
	return nil
}

func (m *MemoManager) confirmParent(markerID MarkerID) {
	if parent, ok := m.markers.lookup(markerID); ok {
		m.confirmed(parent.SpatialKey)
	}
}

func (m *MemoManager) remember(id MemoID) {
	m.removedMu.Lock()
	m.removed[id] = struct{}{}
	m.removedMu.Unlock()
}

func (m *MemoManager) wasRemoved(id MemoID) bool {
	m.removedMu.RLock()
	defer m.removedMu.RUnlock()
	_, ok := m.removed[id]
	return ok
}

// markConflict records a reconciliation that failed for good. A failed delete brings the
// memo back. When that pushes the marker past the memo cap the memo is kept, since the
// remote store still has it, and the overshoot is reported with ErrMemoCapReached.
func (m *MemoManager) markConflict(ctx context.Context, id MemoID, cause error) {
	logError(m.logger, opReconcileMemo, "reconciliation_failed", cause, zap.String("memo_id", id.String()))
	reported := cause
	var conflicted Memo
	var resurfaced bool
	_, changed := m.store.UpdateIf(func(current MemoState) (MemoState, bool) {
		existing, ok := current.Memos[id]
		if !ok {
			return current, false
		}
		if existing.Deleted {
			existing.Deleted = false
			existing.Revision++
			resurfaced = true
		}
		next := current.withMemo(existing)
		if count := next.liveCount(existing.MarkerID); resurfaced && count > m.settings.MemoCap {
			reported = Conflict(opReconcileMemo, fmt.Errorf("%w: %d of %d after a failed delete: %w", ErrMemoCapReached, count, m.settings.MemoCap, cause))
		}
		message := errorMessage(reported)
		existing.Status = StatusConflict
		existing.Error = message
		conflicted = existing
		next.Memos[id] = existing
		next.Error = message
		return next, true
	})
	if !changed {
		return
	}
	if resurfaced {
		m.markers.setMemoCount(conflicted.MarkerID, true)
	}
	m.persist(ctx, opReconcileMemo, conflicted)
	m.metrics.Reconciliation(entityMemo, outcomeConflict)
	m.bus.Publish(MemoEvent{Kind: EventError, Memo: conflicted, Err: reported})
}
