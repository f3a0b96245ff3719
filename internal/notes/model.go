package notes

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/geomemo/internal/geo"
)

// SyncStatus tracks how far a local mutation has travelled towards the remote store.
type SyncStatus string

const (
	// StatusLocal marks an optimistic mutation not yet sent.
	StatusLocal SyncStatus = "local"
	// StatusPending marks a mutation whose upload is in progress.
	StatusPending SyncStatus = "pending"
	// StatusSynced marks an entity acknowledged by the remote store.
	StatusSynced SyncStatus = "synced"
	// StatusConflict marks an entity whose reconciliation failed for good.
	StatusConflict SyncStatus = "conflict"
	// StatusTemporary marks a dropped pin that is only visible locally and never uploaded.
	StatusTemporary SyncStatus = "temporary"
)

// NeedsUpload reports whether the status describes a mutation the remote store has not seen.
func (s SyncStatus) NeedsUpload() bool {
	return s == StatusLocal || s == StatusPending
}

const (
	maxIdentifierLength = 190

	// DefaultMemoCap bounds the memos a single marker may own.
	DefaultMemoCap = 10
	// DefaultMemoMaxLength bounds memo content in runes.
	DefaultMemoMaxLength = 500
)

var (
	// ErrInvalidMarkerID indicates that a marker identifier is empty or exceeds storage bounds.
	ErrInvalidMarkerID = errors.New("notes: invalid marker id")
	// ErrInvalidMemoID indicates that a memo identifier is empty or exceeds storage bounds.
	ErrInvalidMemoID = errors.New("notes: invalid memo id")
)

// MarkerID represents a validated marker identifier.
type MarkerID string

// NewMarkerID validates raw input and returns a MarkerID.
func NewMarkerID(rawInput string) (MarkerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidMarkerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidMarkerID, maxIdentifierLength)
	}
	return MarkerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id MarkerID) String() string {
	return string(id)
}

// MemoID represents a validated memo identifier.
type MemoID string

// NewMemoID validates raw input and returns a MemoID.
func NewMemoID(rawInput string) (MemoID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidMemoID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidMemoID, maxIdentifierLength)
	}
	return MemoID(trimmed), nil
}

// String returns the underlying string identifier.
func (id MemoID) String() string {
	return string(id)
}

// Content is validated memo text.
type Content string

// NewContent trims raw input and checks it is non-empty and at most maxLength runes.
func NewContent(rawInput string, maxLength int) (Content, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidContent)
	}
	if maxLength <= 0 {
		maxLength = DefaultMemoMaxLength
	}
	if length := utf8.RuneCountInString(trimmed); length > maxLength {
		return "", fmt.Errorf("%w: %d runes exceeds %d", ErrInvalidContent, length, maxLength)
	}
	return Content(trimmed), nil
}

// String returns the underlying text.
func (c Content) String() string {
	return string(c)
}

// Marker is a pin on the map owning up to MemoCap memos.
type Marker struct {
	ID         MarkerID       `json:"id"`
	OwnerID    string         `json:"owner_id"`
	Position   geo.Position   `json:"position"`
	SpatialKey geo.SpatialKey `json:"spatial_key"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Version    int64          `json:"version"`
	Status     SyncStatus     `json:"status"`
	Deleted    bool           `json:"deleted"`
	MemoCount  int            `json:"memo_count"`
	Visible    bool           `json:"-"`
	Error      string         `json:"-"`
	// Revision counts local mutations so a finished upload can tell whether it is stale.
	Revision int64 `json:"-"`
}

// Memo is short text attached to a marker.
type Memo struct {
	ID        MemoID     `json:"id"`
	MarkerID  MarkerID   `json:"marker_id"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Version   int64      `json:"version"`
	Status    SyncStatus `json:"status"`
	Deleted   bool       `json:"deleted"`
	Error     string     `json:"-"`
	Revision  int64      `json:"-"`
}

// RegionSnapshot is the remote view of a set of spatial cells.
type RegionSnapshot struct {
	Markers       []Marker  `json:"markers"`
	Memos         []Memo    `json:"memos"`
	DeletedIDs    []string  `json:"deleted_ids"`
	SyncTimestamp time.Time `json:"sync_timestamp"`
}

// DialogSelection is the UI projection of the selected marker.
type DialogSelection struct {
	Visible     bool
	MarkerID    MarkerID
	IsTemporary bool
}

// MarkerState is the immutable snapshot owned by MarkerManager.
type MarkerState struct {
	Markers   map[MarkerID]Marker
	Selection DialogSelection
	Error     string
}

func (s MarkerState) withMarker(marker Marker) MarkerState {
	next := make(map[MarkerID]Marker, len(s.Markers)+1)
	for id, existing := range s.Markers {
		next[id] = existing
	}
	next[marker.ID] = marker
	s.Markers = next
	return s
}

func (s MarkerState) withoutMarker(id MarkerID) MarkerState {
	next := make(map[MarkerID]Marker, len(s.Markers))
	for existingID, existing := range s.Markers {
		if existingID != id {
			next[existingID] = existing
		}
	}
	s.Markers = next
	if s.Selection.MarkerID == id {
		s.Selection = DialogSelection{}
	}
	return s
}

// MemoState is the immutable snapshot owned by MemoManager.
type MemoState struct {
	Memos          map[MemoID]Memo
	SelectedMemoID MemoID
	Error          string
}

func (s MemoState) clone() MemoState {
	next := make(map[MemoID]Memo, len(s.Memos)+1)
	for id, memo := range s.Memos {
		next[id] = memo
	}
	s.Memos = next
	return s
}

func (s MemoState) withMemo(memo Memo) MemoState {
	s = s.clone()
	s.Memos[memo.ID] = memo
	return s
}

func (s MemoState) withoutMemo(id MemoID) MemoState {
	s = s.clone()
	delete(s.Memos, id)
	if s.SelectedMemoID == id {
		s.SelectedMemoID = ""
	}
	return s
}

// liveCount counts the memos of markerID that are not soft-deleted.
func (s MemoState) liveCount(markerID MarkerID) int {
	count := 0
	for _, memo := range s.Memos {
		if memo.MarkerID == markerID && !memo.Deleted {
			count++
		}
	}
	return count
}

func sortMarkers(markers []Marker) {
	sort.Slice(markers, func(i, j int) bool {
		if markers[i].CreatedAt.Equal(markers[j].CreatedAt) {
			return markers[i].ID < markers[j].ID
		}
		return markers[i].CreatedAt.Before(markers[j].CreatedAt)
	})
}

func sortMemos(memos []Memo) {
	sort.Slice(memos, func(i, j int) bool {
		if memos[i].CreatedAt.Equal(memos[j].CreatedAt) {
			return memos[i].ID < memos[j].ID
		}
		return memos[i].CreatedAt.Before(memos[j].CreatedAt)
	})
}
