package notes

// EventKind names what happened to an entity.
type EventKind string

const (
	// EventCreated is published when a local creation has been applied.
	EventCreated EventKind = "created"
	// EventUpdated is published when a local edit has been applied.
	EventUpdated EventKind = "updated"
	// EventDeleted is published when a local delete has been applied.
	EventDeleted EventKind = "deleted"
	// EventSynced is published when the remote store acknowledged a mutation.
	EventSynced EventKind = "synced"
	// EventRemoved is published when a delete was confirmed and the entity left state.
	EventRemoved EventKind = "removed"
	// EventRestored is published when an entity comes back into state after a failed
	// delete or on startup.
	EventRestored EventKind = "restored"
	// EventSelected is published when the selection changes.
	EventSelected EventKind = "selected"
	// EventSelectionCleared is published when the selection is cleared.
	EventSelectionCleared EventKind = "selection_cleared"
	// EventRegionApplied is published after a region load was merged into state.
	EventRegionApplied EventKind = "region_applied"
	// EventError is published when a background operation failed.
	EventError EventKind = "error"
)

// MarkerEvent is published on the MarkerManager bus.
type MarkerEvent struct {
	Kind   EventKind
	Marker Marker
	Err    error
}

// MemoEvent is published on the MemoManager bus.
type MemoEvent struct {
	Kind EventKind
	Memo Memo
	Err  error
}
