package notes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/geomemo/internal/geo"
)

const (
	opCreateMarkerCall = "create_marker"
	opUpdateMarkerCall = "update_marker"
	opDeleteMarkerCall = "delete_marker"
	opCreateMemoCall   = "create_memo"
	opUpdateMemoCall   = "update_memo"
	opDeleteMemoCall   = "delete_memo"
	opFetchRegionCall  = "fetch_region"
)

var errNetworkDown = errors.New("network down")

type fakeRemote struct {
	mu       sync.Mutex
	version  int64
	markers  map[MarkerID]Marker
	memos    map[MemoID]Memo
	calls    map[string]int
	failures map[string][]error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		markers:  make(map[MarkerID]Marker),
		memos:    make(map[MemoID]Memo),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
	}
}

func (f *fakeRemote) failNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

func (f *fakeRemote) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeRemote) marker(id MarkerID) (Marker, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	marker, ok := f.markers[id]
	return marker, ok
}

func (f *fakeRemote) memo(id MemoID) (Memo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	memo, ok := f.memos[id]
	return memo, ok
}

func (f *fakeRemote) forget(id MarkerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.markers, id)
}

func (f *fakeRemote) nextLocked(op string) error {
	f.calls[op]++
	queue := f.failures[op]
	if len(queue) == 0 {
		return nil
	}
	f.failures[op] = queue[1:]
	return queue[0]
}

func (f *fakeRemote) CreateMarker(_ context.Context, marker Marker) (Marker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextLocked(opCreateMarkerCall); err != nil {
		return Marker{}, err
	}
	f.version++
	marker.Version = f.version
	marker.Status = StatusSynced
	f.markers[marker.ID] = marker
	return marker, nil
}

func (f *fakeRemote) UpdateMarker(_ context.Context, marker Marker) (Marker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextLocked(opUpdateMarkerCall); err != nil {
		return Marker{}, err
	}
	stored, ok := f.markers[marker.ID]
	if !ok {
		return Marker{}, NotFound("remote.update_marker", ErrMarkerNotFound)
	}
	if stored.Version != marker.Version {
		return Marker{}, Conflict("remote.update_marker", fmt.Errorf("version %d, have %d", marker.Version, stored.Version))
	}
	f.version++
	marker.Version = f.version
	marker.Status = StatusSynced
	f.markers[marker.ID] = marker
	return marker, nil
}

func (f *fakeRemote) DeleteMarker(_ context.Context, id MarkerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextLocked(opDeleteMarkerCall); err != nil {
		return err
	}
	if _, ok := f.markers[id]; !ok {
		return NotFound("remote.delete_marker", ErrMarkerNotFound)
	}
	delete(f.markers, id)
	for memoID, memo := range f.memos {
		if memo.MarkerID == id {
			delete(f.memos, memoID)
		}
	}
	return nil
}

func (f *fakeRemote) CreateMemo(_ context.Context, memo Memo) (Memo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextLocked(opCreateMemoCall); err != nil {
		return Memo{}, err
	}
	if _, ok := f.markers[memo.MarkerID]; !ok {
		return Memo{}, NotFound("remote.create_memo", ErrMarkerNotFound)
	}
	f.version++
	memo.Version = f.version
	memo.Status = StatusSynced
	f.memos[memo.ID] = memo
	return memo, nil
}

func (f *fakeRemote) UpdateMemo(_ context.Context, memo Memo) (Memo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextLocked(opUpdateMemoCall); err != nil {
		return Memo{}, err
	}
	stored, ok := f.memos[memo.ID]
	if !ok {
		return Memo{}, NotFound("remote.update_memo", ErrMemoNotFound)
	}
	if stored.Version != memo.Version {
		return Memo{}, Conflict("remote.update_memo", fmt.Errorf("version %d, have %d", memo.Version, stored.Version))
	}
	f.version++
	memo.Version = f.version
	memo.Status = StatusSynced
	f.memos[memo.ID] = memo
	return memo, nil
}

func (f *fakeRemote) DeleteMemo(_ context.Context, id MemoID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextLocked(opDeleteMemoCall); err != nil {
		return err
	}
	if _, ok := f.memos[id]; !ok {
		return NotFound("remote.delete_memo", ErrMemoNotFound)
	}
	delete(f.memos, id)
	return nil
}

func (f *fakeRemote) FetchRegion(_ context.Context, keys []geo.SpatialKey) (RegionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextLocked(opFetchRegionCall); err != nil {
		return RegionSnapshot{}, err
	}
	region := geo.NewRegion(keys[0], keys[1:])
	snapshot := RegionSnapshot{SyncTimestamp: time.Now().UTC()}
	for _, marker := range f.markers {
		if region.Contains(marker.SpatialKey) {
			snapshot.Markers = append(snapshot.Markers, marker)
			for _, memo := range f.memos {
				if memo.MarkerID == marker.ID {
					snapshot.Memos = append(snapshot.Memos, memo)
				}
			}
		}
	}
	return snapshot, nil
}

type memLocal struct {
	mu      sync.Mutex
	markers map[MarkerID]Marker
	memos   map[MemoID]Memo
}

func newMemLocal() *memLocal {
	return &memLocal{markers: make(map[MarkerID]Marker), memos: make(map[MemoID]Memo)}
}

func (l *memLocal) SaveMarker(_ context.Context, marker Marker) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.markers[marker.ID] = marker
	return nil
}

func (l *memLocal) DeleteMarker(_ context.Context, id MarkerID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.markers, id)
	for memoID, memo := range l.memos {
		if memo.MarkerID == id {
			delete(l.memos, memoID)
		}
	}
	return nil
}

func (l *memLocal) SaveMemo(_ context.Context, memo Memo) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.memos[memo.ID] = memo
	return nil
}

func (l *memLocal) DeleteMemo(_ context.Context, id MemoID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.memos, id)
	return nil
}

func (l *memLocal) PendingMarkers(context.Context) ([]Marker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var pending []Marker
	for _, marker := range l.markers {
		if marker.Status != StatusSynced {
			pending = append(pending, marker)
		}
	}
	return pending, nil
}

func (l *memLocal) PendingMemos(context.Context) ([]Memo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var pending []Memo
	for _, memo := range l.memos {
		if memo.Status != StatusSynced {
			pending = append(pending, memo)
		}
	}
	return pending, nil
}

func (l *memLocal) MarkersInRegion(_ context.Context, keys []geo.SpatialKey) ([]Marker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var matched []Marker
	for _, marker := range l.markers {
		for _, key := range keys {
			if key.Contains(marker.SpatialKey) {
				matched = append(matched, marker)
				break
			}
		}
	}
	return matched, nil
}

func (l *memLocal) marker(id MarkerID) (Marker, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	marker, ok := l.markers[id]
	return marker, ok
}

func (l *memLocal) memoCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.memos)
}

type staticIdentity string

func (s staticIdentity) CurrentUserID(context.Context) (string, error) {
	return string(s), nil
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("id-%03d", s.next), nil
}

type switchGate struct {
	mu       sync.RWMutex
	writable bool
}

func (g *switchGate) set(writable bool) {
	g.mu.Lock()
	g.writable = writable
	g.mu.Unlock()
}

func (g *switchGate) ValidateWritable(onAllowed, onDenied func()) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.writable {
		if onDenied != nil {
			onDenied()
		}
		return false
	}
	if onAllowed != nil {
		onAllowed()
	}
	return true
}

func (g *switchGate) Touch() {}

type fixture struct {
	remote    *fakeRemote
	local     *memLocal
	gate      *switchGate
	markers   *MarkerManager
	memos     *MemoManager
	temporary *TemporaryMarkerManager
}

func testSettings() Settings {
	return Settings{
		UploadDebounce:  5 * time.Millisecond,
		InactivityGrace: time.Hour,
		RemoteTimeout:   200 * time.Millisecond,
		RetryAttempts:   3,
		RetryInitial:    time.Millisecond,
		RetryMax:        5 * time.Millisecond,
		ReplayCapacity:  16,
	}
}

func newFixture(t *testing.T, mutate func(*Settings)) *fixture {
	t.Helper()
	return newFixtureWith(t, newFakeRemote(), newMemLocal(), mutate)
}

func newFixtureWith(t *testing.T, remote *fakeRemote, local *memLocal, mutate func(*Settings)) *fixture {
	t.Helper()
	settings := testSettings()
	if mutate != nil {
		mutate(&settings)
	}
	gate := &switchGate{writable: true}
	cfg := Config{
		RemoteStore: remote,
		LocalStore:  local,
		Identity:    staticIdentity("user-1"),
		IDProvider:  &sequenceIDs{},
		WriteGate:   gate,
		Settings:    settings,
	}
	markers, err := NewMarkerManager(cfg)
	if err != nil {
		t.Fatalf("unexpected marker manager error: %v", err)
	}
	memos, err := NewMemoManager(cfg, markers)
	if err != nil {
		t.Fatalf("unexpected memo manager error: %v", err)
	}
	t.Cleanup(func() {
		memos.Close()
		markers.Close()
	})
	return &fixture{
		remote:    remote,
		local:     local,
		gate:      gate,
		markers:   markers,
		memos:     memos,
		temporary: NewTemporaryMarkerManager(markers, memos),
	}
}

func mustPosition(t *testing.T, lat, lon float64) geo.Position {
	t.Helper()
	position, err := geo.NewPosition(lat, lon)
	if err != nil {
		t.Fatalf("unexpected position error: %v", err)
	}
	return position
}

func mustCreateMarker(t *testing.T, f *fixture, lat, lon float64) Marker {
	t.Helper()
	marker, err := f.markers.Create(context.Background(), mustPosition(t, lat, lon))
	if err != nil {
		t.Fatalf("unexpected create marker error: %v", err)
	}
	return marker
}

func mustCreateMemo(t *testing.T, f *fixture, markerID MarkerID, content string) Memo {
	t.Helper()
	memo, err := f.memos.Create(context.Background(), markerID, content)
	if err != nil {
		t.Fatalf("unexpected create memo error: %v", err)
	}
	return memo
}

func eventually(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", message)
}

func (f *fixture) markerSynced(id MarkerID) func() bool {
	return func() bool {
		marker, ok := f.markers.Get(id)
		return ok && marker.Status == StatusSynced
	}
}

func (f *fixture) memoSynced(id MemoID) func() bool {
	return func() bool {
		memo, ok := f.memos.Get(id)
		return ok && memo.Status == StatusSynced
	}
}

type markerEvents struct {
	mu     sync.Mutex
	events []MarkerEvent
}

func (r *markerEvents) handle(event MarkerEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *markerEvents) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, 0, len(r.events))
	for _, event := range r.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

func (r *markerEvents) find(kind EventKind) (MarkerEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, event := range r.events {
		if event.Kind == kind {
			return event, true
		}
	}
	return MarkerEvent{}, false
}
