package notes

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/geomemo/internal/geo"
)

// TemporaryMarkerManager drives the "drop a pin, write a memo" flow. A dropped pin is
// only visible locally; it reaches the remote store once its first memo is committed
// and is discarded without a trace when abandoned.
type TemporaryMarkerManager struct {
	markers *MarkerManager
	memos   *MemoManager

	mu      sync.Mutex
	current MarkerID
}

// NewTemporaryMarkerManager binds the flow to the marker and memo managers.
func NewTemporaryMarkerManager(markers *MarkerManager, memos *MemoManager) *TemporaryMarkerManager {
	return &TemporaryMarkerManager{markers: markers, memos: memos}
}

// Drop places a temporary marker and selects it. A previous temporary marker that was
// never committed is abandoned.
func (t *TemporaryMarkerManager) Drop(ctx context.Context, position geo.Position) (Marker, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	marker, err := t.markers.createTemporary(ctx, position)
	if err != nil {
		return Marker{}, err
	}
	if t.current != "" {
		t.markers.discardTemporary(t.current)
	}
	t.current = marker.ID
	return marker, nil
}

// Commit writes the first memo onto the temporary marker and makes the marker
// permanent. On a validation failure the pin stays temporary.
func (t *TemporaryMarkerManager) Commit(ctx context.Context, content string) (Marker, Memo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == "" {
		return Marker{}, Memo{}, Validation(opCommitTemporary, ErrNoTemporaryMarker)
	}
	if _, ok := t.markers.Get(t.current); !ok {
		t.current = ""
		return Marker{}, Memo{}, Validation(opCommitTemporary, ErrNoTemporaryMarker)
	}
	memo, err := t.memos.Create(ctx, t.current, content)
	if err != nil {
		return Marker{}, Memo{}, err
	}
	marker, err := t.markers.promote(ctx, t.current)
	if err != nil {
		return Marker{}, Memo{}, err
	}
	t.current = ""
	return marker, memo, nil
}

// Abandon discards the temporary marker. The remote store never hears of it.
func (t *TemporaryMarkerManager) Abandon() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == "" {
		return false
	}
	_, discarded := t.markers.discardTemporary(t.current)
	t.current = ""
	return discarded
}

// Current returns the pending temporary marker.
func (t *TemporaryMarkerManager) Current() (Marker, bool) {
	t.mu.Lock()
	id := t.current
	t.mu.Unlock()
	if id == "" {
		return Marker{}, false
	}
	marker, ok := t.markers.Get(id)
	if !ok || marker.Status != StatusTemporary {
		return Marker{}, false
	}
	return marker, true
}
