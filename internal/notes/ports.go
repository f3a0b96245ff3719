package notes

import (
	"context"

	"github.com/MarcoPoloResearchLab/geomemo/internal/geo"
)

// RemoteStore is the server the managers reconcile with. Implementations classify
// failures with NotFound, Conflict and TransientRemote.
type RemoteStore interface {
	CreateMarker(ctx context.Context, marker Marker) (Marker, error)
	UpdateMarker(ctx context.Context, marker Marker) (Marker, error)
	// DeleteMarker deletes a marker and, remotely, its memos.
	DeleteMarker(ctx context.Context, id MarkerID) error
	CreateMemo(ctx context.Context, memo Memo) (Memo, error)
	UpdateMemo(ctx context.Context, memo Memo) (Memo, error)
	DeleteMemo(ctx context.Context, id MemoID) error
	FetchRegion(ctx context.Context, keys []geo.SpatialKey) (RegionSnapshot, error)
}

// LocalStore is the local-first record of the user's mutations. It outlives the process
// and is the only durable copy of anything not yet synced.
type LocalStore interface {
	SaveMarker(ctx context.Context, marker Marker) error
	// DeleteMarker removes a marker together with its memos in one transaction.
	DeleteMarker(ctx context.Context, id MarkerID) error
	SaveMemo(ctx context.Context, memo Memo) error
	DeleteMemo(ctx context.Context, id MemoID) error
	// PendingMarkers returns markers whose status is not synced.
	PendingMarkers(ctx context.Context) ([]Marker, error)
	// PendingMemos returns memos whose status is not synced.
	PendingMemos(ctx context.Context) ([]Memo, error)
	MarkersInRegion(ctx context.Context, keys []geo.SpatialKey) ([]Marker, error)
}

// IdentityProvider resolves the signed-in user.
type IdentityProvider interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// IDProvider issues entity identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// WriteGate decides whether mutations are currently allowed. editmode.Machine satisfies it.
type WriteGate interface {
	ValidateWritable(onAllowed, onDenied func()) bool
	Touch()
}

type openGate struct{}

func (openGate) ValidateWritable(onAllowed, _ func()) bool {
	if onAllowed != nil {
		onAllowed()
	}
	return true
}

func (openGate) Touch() {}

// OpenGate is a WriteGate that always allows mutations.
var OpenGate WriteGate = openGate{}
