// Package geo derives spatial keys (geohash cells) from positions and builds the
// region signatures used to bucket markers for loading and caching.
package geo

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/mmcloughlin/geohash"
)

// DefaultPrecision is the geohash length used for marker buckets (~1.2km x 0.6km).
const DefaultPrecision uint = 6

const signatureSeparator = "|"

var (
	// ErrInvalidPosition indicates a latitude or longitude outside WGS 84 bounds.
	ErrInvalidPosition = errors.New("geo: invalid position")
	// ErrInvalidKey indicates a spatial key that is not a geohash.
	ErrInvalidKey = errors.New("geo: invalid spatial key")
)

// Position is a WGS 84 coordinate.
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// NewPosition validates raw coordinates and returns a Position.
func NewPosition(lat, lon float64) (Position, error) {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return Position{}, fmt.Errorf("%w: NaN coordinate", ErrInvalidPosition)
	}
	if lat < -90 || lat > 90 {
		return Position{}, fmt.Errorf("%w: latitude %f", ErrInvalidPosition, lat)
	}
	if lon < -180 || lon > 180 {
		return Position{}, fmt.Errorf("%w: longitude %f", ErrInvalidPosition, lon)
	}
	return Position{Lat: lat, Lon: lon}, nil
}

// SpatialKey is a fixed-precision geohash cell identifier.
type SpatialKey string

// NewSpatialKey validates raw input and returns a SpatialKey.
func NewSpatialKey(rawInput string) (SpatialKey, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawInput))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if err := geohash.Validate(trimmed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return SpatialKey(trimmed), nil
}

// String returns the underlying geohash.
func (key SpatialKey) String() string {
	return string(key)
}

// Contains reports whether the receiver cell contains other, which may be finer.
func (key SpatialKey) Contains(other SpatialKey) bool {
	return key != "" && strings.HasPrefix(string(other), string(key))
}

// KeyOf derives the spatial key of a position. It is the only way a marker's key is computed.
func KeyOf(position Position, precision uint) SpatialKey {
	if precision == 0 {
		precision = DefaultPrecision
	}
	return SpatialKey(geohash.EncodeWithPrecision(position.Lat, position.Lon, precision))
}

// Center returns the center coordinate of a cell.
func (key SpatialKey) Center() Position {
	lat, lon := geohash.DecodeCenter(string(key))
	return Position{Lat: lat, Lon: lon}
}

// Neighbors returns the eight cells surrounding key.
func Neighbors(key SpatialKey) []SpatialKey {
	raw := geohash.Neighbors(string(key))
	keys := make([]SpatialKey, 0, len(raw))
	for _, value := range raw {
		keys = append(keys, SpatialKey(value))
	}
	return keys
}

// Region is a primary cell plus the neighbor cells loaded alongside it.
type Region struct {
	Primary   SpatialKey
	Neighbors []SpatialKey
}

// NewRegion builds a region, dropping duplicates and the primary from the neighbor list.
func NewRegion(primary SpatialKey, neighbors []SpatialKey) Region {
	seen := map[SpatialKey]struct{}{primary: {}}
	unique := make([]SpatialKey, 0, len(neighbors))
	for _, neighbor := range neighbors {
		if neighbor == "" {
			continue
		}
		if _, ok := seen[neighbor]; ok {
			continue
		}
		seen[neighbor] = struct{}{}
		unique = append(unique, neighbor)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })
	return Region{Primary: primary, Neighbors: unique}
}

// Keys returns the primary followed by the sorted neighbors.
func (region Region) Keys() []SpatialKey {
	keys := make([]SpatialKey, 0, len(region.Neighbors)+1)
	keys = append(keys, region.Primary)
	keys = append(keys, region.Neighbors...)
	return keys
}

// Contains reports whether any cell of the region contains key.
func (region Region) Contains(key SpatialKey) bool {
	for _, cell := range region.Keys() {
		if cell.Contains(key) {
			return true
		}
	}
	return false
}

// Signature is the canonical identity of a region: the primary, then the sorted
// neighbor set. Two loads with the same signature are the same load.
func (region Region) Signature() string {
	parts := make([]string, 0, len(region.Neighbors)+1)
	for _, key := range region.Keys() {
		parts = append(parts, key.String())
	}
	return strings.Join(parts, signatureSeparator)
}

// ParseSignature reverses Signature.
func ParseSignature(signature string) (Region, error) {
	parts := strings.Split(signature, signatureSeparator)
	keys := make([]SpatialKey, 0, len(parts))
	for _, part := range parts {
		key, err := NewSpatialKey(part)
		if err != nil {
			return Region{}, err
		}
		keys = append(keys, key)
	}
	return NewRegion(keys[0], keys[1:]), nil
}
