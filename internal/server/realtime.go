package server

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	RealtimeEventRegionChanged = "region-change"
	realtimeEventHeartbeat     = "heartbeat"
	realtimeSourceServer       = "geomemo-server"
	regionFeedBuffer           = 16
)

// RealtimeMessage tells one owner's devices that entities in some cells changed, so they
// can drop cached snapshots of those regions.
type RealtimeMessage struct {
	OwnerID     string
	EventType   string
	EntityIDs   []string
	SpatialKeys []string
	Timestamp   time.Time
}

// RealtimeDispatcher fans region changes out to the open streams of each owner.
type RealtimeDispatcher struct {
	mu      sync.RWMutex
	feeds   map[string]*ownerFeed
	dropped atomic.Uint64
}

// ownerFeed holds the open streams of one owner. Guarded by the dispatcher mutex.
type ownerFeed struct {
	streams map[*regionStream]struct{}
}

type regionStream struct {
	messages chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{feeds: make(map[string]*ownerFeed)}
}

// Subscribe opens a stream for ownerID until ctx ends or the returned cleanup runs.
// An empty owner gets an already closed stream.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, ownerID string) (<-chan RealtimeMessage, func()) {
	if ownerID == "" {
		closed := make(chan RealtimeMessage)
		close(closed)
		return closed, func() {}
	}
	stream := &regionStream{messages: make(chan RealtimeMessage, regionFeedBuffer)}

	d.mu.Lock()
	feed, ok := d.feeds[ownerID]
	if !ok {
		feed = &ownerFeed{streams: make(map[*regionStream]struct{})}
		d.feeds[ownerID] = feed
	}
	feed.streams[stream] = struct{}{}
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.remove(ownerID, stream) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream.messages, cleanup
}

func (d *RealtimeDispatcher) remove(ownerID string, stream *regionStream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	feed, ok := d.feeds[ownerID]
	if !ok {
		return
	}
	delete(feed.streams, stream)
	if len(feed.streams) == 0 {
		delete(d.feeds, ownerID)
	}
}

// Publish delivers message to every open stream of its owner with duplicate ids and keys
// removed. A stream whose buffer is full misses the message; the write path never waits.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.OwnerID == "" || message.EventType == "" {
		return
	}
	message.EntityIDs = uniqueSorted(message.EntityIDs)
	message.SpatialKeys = uniqueSorted(message.SpatialKeys)

	d.mu.RLock()
	defer d.mu.RUnlock()
	feed, ok := d.feeds[message.OwnerID]
	if !ok {
		return
	}
	for stream := range feed.streams {
		select {
		case stream.messages <- message:
		default:
			d.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a stream was full.
func (d *RealtimeDispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

func (d *RealtimeDispatcher) subscriberCount(ownerID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if feed, ok := d.feeds[ownerID]; ok {
		return len(feed.streams)
	}
	return 0
}

func uniqueSorted(values []string) []string {
	if len(values) < 2 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		unique = append(unique, value)
	}
	sort.Strings(unique)
	return unique
}
