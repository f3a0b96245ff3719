package state

import (
	"sync"
	"testing"
	"time"
)

type counter struct {
	Value   int
	History []int
}

type snapshots struct {
	mu     sync.Mutex
	values []counter
	notify chan struct{}
}

func newSnapshots() *snapshots {
	return &snapshots{notify: make(chan struct{}, 256)}
}

func (s *snapshots) handle(value counter) {
	s.mu.Lock()
	s.values = append(s.values, value)
	s.mu.Unlock()
	s.notify <- struct{}{}
}

func (s *snapshots) waitFor(t *testing.T, count int) []counter {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		s.mu.Lock()
		if len(s.values) >= count {
			out := append([]counter(nil), s.values...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		select {
		case <-s.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d snapshots", count)
		}
	}
}

func increment(by int) func(counter) counter {
	return func(current counter) counter {
		history := append(append([]int(nil), current.History...), by)
		return counter{Value: current.Value + by, History: history}
	}
}

func TestObserveSeedsCurrentSnapshot(t *testing.T) {
	store := NewStore(counter{Value: 7})
	defer store.Close()
	observed := newSnapshots()
	sub := store.Observe(observed.handle)
	defer sub.Close()

	got := observed.waitFor(t, 1)
	if got[0].Value != 7 {
		t.Fatalf("expected seeded snapshot 7, got %d", got[0].Value)
	}
}

func TestUpdatePublishesEachSnapshotOutsideBatch(t *testing.T) {
	store := NewStore(counter{})
	defer store.Close()
	observed := newSnapshots()
	sub := store.Observe(observed.handle)
	defer sub.Close()

	store.Update(increment(1))
	store.Update(increment(2))

	got := observed.waitFor(t, 3)
	if got[1].Value != 1 || got[2].Value != 3 {
		t.Fatalf("unexpected snapshots %+v", got)
	}
}

func TestBatchPublishesOnceWithAllUpdatesApplied(t *testing.T) {
	store := NewStore(counter{Value: 10})
	defer store.Close()
	observed := newSnapshots()
	sub := store.Observe(observed.handle)
	defer sub.Close()
	observed.waitFor(t, 1)

	store.Batch(func() {
		store.Update(increment(1))
		store.StartBatch()
		store.Update(increment(2))
		store.FinishBatch()
		store.Update(increment(3))
	})
	store.Update(increment(100))

	got := observed.waitFor(t, 3)
	if len(got) != 3 {
		t.Fatalf("expected seed, one batch snapshot and one update, got %+v", got)
	}
	batched := got[1]
	if batched.Value != 16 {
		t.Fatalf("expected batched value 16, got %d", batched.Value)
	}
	want := []int{1, 2, 3}
	for i, step := range want {
		if batched.History[i] != step {
			t.Fatalf("expected updates applied in order %v, got %v", want, batched.History)
		}
	}
	if got[2].Value != 116 {
		t.Fatalf("expected post-batch update 116, got %d", got[2].Value)
	}
}

func TestEmptyBatchAndUnchangedUpdatesPublishNothing(t *testing.T) {
	store := NewStore(counter{})
	defer store.Close()
	observed := newSnapshots()
	sub := store.Observe(observed.handle)
	defer sub.Close()
	observed.waitFor(t, 1)

	store.Batch(func() {})
	if _, changed := store.UpdateIf(func(current counter) (counter, bool) { return current, false }); changed {
		t.Fatalf("expected UpdateIf to report no change")
	}
	store.FinishBatch()
	store.Update(increment(1))

	got := observed.waitFor(t, 2)
	if len(got) != 2 || got[1].Value != 1 {
		t.Fatalf("expected only the seed and the real update, got %+v", got)
	}
}

func TestConcurrentUpdatesAreLinearized(t *testing.T) {
	store := NewStore(counter{})
	defer store.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Update(func(current counter) counter {
				return counter{Value: current.Value + 1}
			})
		}()
	}
	wg.Wait()
	if store.Snapshot().Value != 50 {
		t.Fatalf("expected 50, got %d", store.Snapshot().Value)
	}
}
