package notes

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewMemoManagerRequiresMarkers(t *testing.T) {
	_, err := NewMemoManager(Config{RemoteStore: newFakeRemote(), LocalStore: newMemLocal(), Identity: staticIdentity("u")}, nil)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != opMemoManagerNew+".missing_marker_manager" {
		t.Fatalf("expected missing marker manager error, got %v", err)
	}
}

func TestMemoCapIsEnforced(t *testing.T) {
	f := newFixture(t, nil)
	marker := mustCreateMarker(t, f, 37.50, 127.03)
	for index := 0; index < DefaultMemoCap; index++ {
		mustCreateMemo(t, f, marker.ID, "memo")
	}

	_, err := f.memos.Create(context.Background(), marker.ID, "one too many")
	if !IsKind(err, KindValidation) || !errors.Is(err, ErrMemoCapReached) {
		t.Fatalf("expected cap validation error, got %v", err)
	}
	if count := f.memos.Count(marker.ID); count != DefaultMemoCap {
		t.Fatalf("expected %d memos, got %d", DefaultMemoCap, count)
	}
	current, _ := f.markers.Get(marker.ID)
	if current.MemoCount != DefaultMemoCap {
		t.Fatalf("expected marker memo count %d, got %d", DefaultMemoCap, current.MemoCount)
	}
}

func TestConcurrentMemoCreatesNeverOvershootCap(t *testing.T) {
	f := newFixture(t, nil)
	marker := mustCreateMarker(t, f, 1, 2)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for index := 0; index < 25; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.memos.Create(context.Background(), marker.ID, "racing"); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if accepted != DefaultMemoCap {
		t.Fatalf("expected %d accepted creates, got %d", DefaultMemoCap, accepted)
	}
	if count := f.memos.Count(marker.ID); count != DefaultMemoCap {
		t.Fatalf("expected %d memos, got %d", DefaultMemoCap, count)
	}
}

func TestMemoCreateValidation(t *testing.T) {
	f := newFixture(t, nil)
	marker := mustCreateMarker(t, f, 1, 2)

	testCases := []struct {
		name     string
		markerID MarkerID
		content  string
		target   error
	}{
		{name: "empty content", markerID: marker.ID, content: "   ", target: ErrInvalidContent},
		{name: "oversized content", markerID: marker.ID, content: strings.Repeat("가", DefaultMemoMaxLength+1), target: ErrInvalidContent},
		{name: "unknown marker", markerID: "missing", content: "hello", target: ErrMarkerNotFound},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := f.memos.Create(context.Background(), testCase.markerID, testCase.content)
			if !IsKind(err, KindValidation) || !errors.Is(err, testCase.target) {
				t.Fatalf("expected %v, got %v", testCase.target, err)
			}
		})
	}

	if _, err := f.memos.Create(context.Background(), marker.ID, strings.Repeat("가", DefaultMemoMaxLength)); err != nil {
		t.Fatalf("expected content at the limit to be accepted: %v", err)
	}
}

func TestMemoCreateRejectedWhileReadOnly(t *testing.T) {
	f := newFixture(t, nil)
	marker := mustCreateMarker(t, f, 1, 2)
	f.gate.set(false)
	_, err := f.memos.Create(context.Background(), marker.ID, "hello")
	if !errors.Is(err, ErrWriteModeOff) {
		t.Fatalf("expected write mode error, got %v", err)
	}
	if count := f.memos.Count(marker.ID); count != 0 {
		t.Fatalf("expected no memos, got %d", count)
	}
}

func TestMemoUploadWaitsForParentMarker(t *testing.T) {
	f := newFixture(t, func(settings *Settings) {
		settings.UploadDebounce = 20 * time.Millisecond
	})
	marker := mustCreateMarker(t, f, 1, 2)
	memo := mustCreateMemo(t, f, marker.ID, "after the marker")

	eventually(t, f.memoSynced(memo.ID), "memo synced")
	if _, ok := f.remote.marker(marker.ID); !ok {
		t.Fatalf("expected the marker uploaded before its memo")
	}
	if calls := f.remote.callCount(opCreateMemoCall); calls != 1 {
		t.Fatalf("expected one memo create, got %d", calls)
	}
}

func TestMemoEditsCollapseAndSync(t *testing.T) {
	f := newFixture(t, func(settings *Settings) {
		settings.UploadDebounce = 30 * time.Millisecond
	})
	marker := mustCreateMarker(t, f, 1, 2)
	memo := mustCreateMemo(t, f, marker.ID, "draft")
	eventually(t, f.memoSynced(memo.ID), "memo synced")

	for _, content := range []string{"draft 2", "draft 3", "final"} {
		if _, err := f.memos.Edit(context.Background(), memo.ID, content); err != nil {
			t.Fatalf("unexpected edit error: %v", err)
		}
	}
	eventually(t, func() bool {
		stored, ok := f.remote.memo(memo.ID)
		return ok && stored.Content == "final"
	}, "final content uploaded")
	eventually(t, f.memoSynced(memo.ID), "memo synced again")
	if calls := f.remote.callCount(opUpdateMemoCall); calls != 1 {
		t.Fatalf("expected one update, got %d", calls)
	}
}

func TestMemoEditRejectsUnknownMemo(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.memos.Edit(context.Background(), "missing", "text"); !errors.Is(err, ErrMemoNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoDeleteRemovesAfterRemoteAcknowledges(t *testing.T) {
	f := newFixture(t, nil)
	marker := mustCreateMarker(t, f, 1, 2)
	memo := mustCreateMemo(t, f, marker.ID, "short lived")
	eventually(t, f.memoSynced(memo.ID), "memo synced")
	if err := f.memos.Select(memo.ID); err != nil {
		t.Fatalf("unexpected select error: %v", err)
	}

	if err := f.memos.Delete(context.Background(), memo.ID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if _, ok := f.memos.Get(memo.ID); ok {
		t.Fatalf("expected the memo hidden immediately")
	}
	if selected := f.memos.State().SelectedMemoID; selected != "" {
		t.Fatalf("expected the selection cleared, got %q", selected)
	}
	eventually(t, func() bool {
		_, ok := f.memos.State().Memos[memo.ID]
		return !ok
	}, "memo removed")
	if _, ok := f.remote.memo(memo.ID); ok {
		t.Fatalf("expected the remote memo deleted")
	}
}

func TestFailedMemoDeleteResurfacesAsConflict(t *testing.T) {
	f := newFixture(t, nil)
	marker := mustCreateMarker(t, f, 1, 2)
	memo := mustCreateMemo(t, f, marker.ID, "sticky")
	eventually(t, f.memoSynced(memo.ID), "memo synced")
	f.remote.failNext(opDeleteMemoCall, errNetworkDown, errNetworkDown, errNetworkDown)

	if err := f.memos.Delete(context.Background(), memo.ID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	eventually(t, func() bool {
		current, ok := f.memos.Get(memo.ID)
		return ok && current.Status == StatusConflict && current.Error != ""
	}, "memo resurfaced")
	current, _ := f.markers.Get(marker.ID)
	if current.MemoCount != 1 {
		t.Fatalf("expected the memo counted again, got %d", current.MemoCount)
	}
}

func TestMemoApplyRegionMergesRemoteMemos(t *testing.T) {
	f := newFixture(t, nil)
	marker := mustCreateMarker(t, f, 1, 2)
	eventually(t, f.markerSynced(marker.ID), "marker synced")
	f.remote.failNext(opCreateMemoCall, errNetworkDown, errNetworkDown, errNetworkDown)
	local := mustCreateMemo(t, f, marker.ID, "mine")

	remote := Memo{ID: "remote-memo", MarkerID: marker.ID, Content: "theirs", Version: 4}
	stale := local
	stale.Content = "overwritten"
	f.memos.ApplyRegion(RegionSnapshot{Memos: []Memo{remote, stale}})

	if got, ok := f.memos.Get(remote.ID); !ok || got.Status != StatusSynced {
		t.Fatalf("expected the remote memo merged, got %+v", got)
	}
	if got, _ := f.memos.Get(local.ID); got.Content != "mine" {
		t.Fatalf("expected the local memo to win, got %q", got.Content)
	}
	current, _ := f.markers.Get(marker.ID)
	if current.MemoCount != 2 {
		t.Fatalf("expected memo count 2, got %d", current.MemoCount)
	}

	f.memos.ApplyRegion(RegionSnapshot{DeletedIDs: []string{remote.ID.String()}})
	if _, ok := f.memos.Get(remote.ID); ok {
		t.Fatalf("expected the remotely deleted memo removed")
	}
	current, _ = f.markers.Get(marker.ID)
	if current.MemoCount != 1 {
		t.Fatalf("expected memo count 1, got %d", current.MemoCount)
	}
	if f.markers.InactivityArmed(marker.ID) {
		t.Fatalf("region merges must not arm inactivity")
	}
}

func TestMemoSelectionLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	marker := mustCreateMarker(t, f, 1, 2)
	memo := mustCreateMemo(t, f, marker.ID, "pick me")

	if err := f.memos.Select("missing"); !errors.Is(err, ErrMemoNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := f.memos.Select(memo.ID); err != nil {
		t.Fatalf("unexpected select error: %v", err)
	}
	if selected := f.memos.State().SelectedMemoID; selected != memo.ID {
		t.Fatalf("unexpected selection %q", selected)
	}
	f.memos.ClearSelection()
	if selected := f.memos.State().SelectedMemoID; selected != "" {
		t.Fatalf("expected selection cleared, got %q", selected)
	}
	if memos := f.memos.ForMarker(marker.ID); len(memos) != 1 || memos[0].ID != memo.ID {
		t.Fatalf("unexpected memos %+v", memos)
	}
}

func TestConcurrentMemoDeleteAndCreateKeepLiveCount(t *testing.T) {
	f := newFixture(t, nil)
	marker := mustCreateMarker(t, f, 1, 2)
	seed := mustCreateMemo(t, f, marker.ID, "seed")
	ctx := context.Background()

	for round := 0; round < 300; round++ {
		var wg sync.WaitGroup
		var created Memo
		var createErr, deleteErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			deleteErr = f.memos.Delete(ctx, seed.ID)
		}()
		go func() {
			defer wg.Done()
			created, createErr = f.memos.Create(ctx, marker.ID, "next")
		}()
		wg.Wait()
		if deleteErr != nil || createErr != nil {
			t.Fatalf("round %d: unexpected errors: delete=%v create=%v", round, deleteErr, createErr)
		}
		live := f.memos.Count(marker.ID)
		current, ok := f.markers.Get(marker.ID)
		if !ok {
			t.Fatalf("round %d: marker lost", round)
		}
		if live != 1 || current.MemoCount != live {
			t.Fatalf("round %d: live memos %d, marker count %d", round, live, current.MemoCount)
		}
		seed = created
	}
	eventually(t, func() bool { return !f.markers.InactivityArmed(marker.ID) }, "cleanup disarmed while a memo is live")
}

func TestFailedMemoDeleteBeyondCapIsReported(t *testing.T) {
	f := newFixture(t, func(settings *Settings) {
		settings.MemoCap = 2
	})
	marker := mustCreateMarker(t, f, 1, 2)
	first := mustCreateMemo(t, f, marker.ID, "first")
	mustCreateMemo(t, f, marker.ID, "second")
	eventually(t, f.memoSynced(first.ID), "memo synced")

	var mu sync.Mutex
	var reported []error
	subscription := f.memos.Events().Subscribe(func(event MemoEvent) {
		if event.Kind == EventError {
			mu.Lock()
			reported = append(reported, event.Err)
			mu.Unlock()
		}
	})
	defer subscription.Close()

	f.remote.failNext(opDeleteMemoCall, errNetworkDown, errNetworkDown, errNetworkDown)
	if err := f.memos.Delete(context.Background(), first.ID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	mustCreateMemo(t, f, marker.ID, "replacement")

	eventually(t, func() bool {
		current, ok := f.memos.Get(first.ID)
		return ok && current.Status == StatusConflict
	}, "memo resurfaced")
	if count := f.memos.Count(marker.ID); count != 3 {
		t.Fatalf("expected the resurfaced memo kept, got %d live", count)
	}
	current, _ := f.memos.Get(first.ID)
	if !strings.Contains(current.Error, "memo cap reached") {
		t.Fatalf("expected the overshoot on the memo, got %q", current.Error)
	}
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, err := range reported {
			if errors.Is(err, ErrMemoCapReached) && errors.Is(err, errNetworkDown) {
				return true
			}
		}
		return false
	}, "overshoot reported with its cause")
}
