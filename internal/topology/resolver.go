// Package topology turns decoded path fragments into concrete polylines
// over known node coordinates.
package topology

import (
	"strings"

	"github.com/mesh-live/map-server/internal/state"
)

// Resolved is a polyline with its aligned endpoint ids. Hashes holds the
// normalized path hashes that produced it (empty for fallback routes).
type Resolved struct {
	Points   [][2]float64
	PointIDs []string
	Hashes   []string
}

// Resolver maps path-hash sequences to device polylines. It reads the
// hash lookup tables owned by the store; the broadcaster rebuilds those
// on every device insertion or removal.
type Resolver struct {
	Store      *state.Store
	MaxPathLen int
}

// NormalizeHash uppercases a one-byte hash and strips an 0x prefix.
// Returns "" when the value is not exactly two hex digits.
func NormalizeHash(raw string) string {
	h := strings.ToUpper(strings.TrimSpace(raw))
	h = strings.TrimPrefix(h, "0X")
	if len(h) == 1 {
		h = "0" + h
	}
	if len(h) != 2 {
		return ""
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return ""
		}
	}
	return h
}

func deviceHash(id string) string {
	if len(id) < 2 {
		return ""
	}
	return NormalizeHash(id[:2])
}

// ResolvePath maps a path-hash list to a polyline. Unresolvable hashes
// are skipped; origin and receiver are stitched onto the ends when known.
// Returns nil when fewer than two points survive.
func (r *Resolver) ResolvePath(hashes []string, originID, receiverID string, ts float64) *Resolved {
	normalized := make([]string, 0, len(hashes))
	for _, raw := range hashes {
		if h := NormalizeHash(raw); h != "" {
			normalized = append(normalized, h)
		}
	}
	if len(normalized) == 0 {
		return nil
	}
	if r.MaxPathLen > 0 && len(normalized) > r.MaxPathLen {
		return nil
	}

	// Packets may carry the path receiver-first. Reverse so the origin
	// end comes first.
	receiverHash := deviceHash(receiverID)
	originHash := deviceHash(originID)
	first, last := normalized[0], normalized[len(normalized)-1]
	if receiverHash != "" && first == receiverHash && last != receiverHash {
		reverseStrings(normalized)
	} else if originHash != "" && last == originHash && first != originHash {
		reverseStrings(normalized)
	}

	res := &Resolved{Hashes: normalized}
	for _, h := range normalized {
		id, ok := r.Store.DeviceForHash(h, ts)
		if !ok {
			continue
		}
		d, ok := r.Store.Device(id)
		if !ok {
			continue
		}
		if n := len(res.PointIDs); n > 0 && res.PointIDs[n-1] == id {
			continue
		}
		res.Points = append(res.Points, [2]float64{d.Lat, d.Lon})
		res.PointIDs = append(res.PointIDs, id)
	}

	if originID != "" {
		if d, ok := r.Store.Device(originID); ok {
			if len(res.PointIDs) == 0 || res.PointIDs[0] != originID {
				res.Points = append([][2]float64{{d.Lat, d.Lon}}, res.Points...)
				res.PointIDs = append([]string{originID}, res.PointIDs...)
			}
		}
	}
	if receiverID != "" {
		if d, ok := r.Store.Device(receiverID); ok {
			if n := len(res.PointIDs); n == 0 || res.PointIDs[n-1] != receiverID {
				res.Points = append(res.Points, [2]float64{d.Lat, d.Lon})
				res.PointIDs = append(res.PointIDs, receiverID)
			}
		}
	}

	if len(res.Points) < 2 {
		return nil
	}
	return res
}

// ResolvePair is the fallback when no path-hash list is present: a
// two-point polyline between a resolvable origin and receiver.
func (r *Resolver) ResolvePair(originID, receiverID string) *Resolved {
	if originID == "" || receiverID == "" || originID == receiverID {
		return nil
	}
	origin, ok := r.Store.Device(originID)
	if !ok {
		return nil
	}
	receiver, ok := r.Store.Device(receiverID)
	if !ok {
		return nil
	}
	return &Resolved{
		Points:   [][2]float64{{origin.Lat, origin.Lon}, {receiver.Lat, receiver.Lon}},
		PointIDs: []string{originID, receiverID},
	}
}

func reverseStrings(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
