package broadcast

import (
	"encoding/json"
	"strings"

	"github.com/mesh-live/map-server/internal/geo"
	"github.com/mesh-live/map-server/internal/history"
	"github.com/mesh-live/map-server/internal/state"
)

// DevicePayload is the wire form of a device inside update and snapshot
// frames.
type DevicePayload struct {
	state.Device
	LastSeenTS float64 `json:"last_seen_ts"`
	MQTTSeenTS float64 `json:"mqtt_seen_ts,omitempty"`
	MQTTForced bool    `json:"mqtt_forced,omitempty"`
}

// RoutePayload is the reduced route form sent in production mode.
type RoutePayload struct {
	ID          string       `json:"id"`
	Points      [][2]float64 `json:"points"`
	Mode        string       `json:"route_mode"`
	TS          float64      `json:"ts"`
	ExpiresAt   float64      `json:"expires_at"`
	PayloadType *int         `json:"payload_type,omitempty"`
}

// UpdateInfo mirrors the upstream-version probe result included in
// snapshots.
type UpdateInfo struct {
	Available   bool   `json:"available"`
	Local       string `json:"local,omitempty"`
	Remote      string `json:"remote,omitempty"`
	LocalShort  string `json:"local_short,omitempty"`
	RemoteShort string `json:"remote_short,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Composer builds client frames. It reads the store and the history
// engine; it never mutates either.
type Composer struct {
	Store       *state.Store
	History     *history.Engine
	Prod        bool
	ForcedNames map[string]bool
	HeatTTL     float64
	Now         func() float64
	Update      func() UpdateInfo
}

func (c *Composer) DevicePayload(d state.Device) DevicePayload {
	p := DevicePayload{Device: d}
	if ts, ok := c.Store.Seen(d.DeviceID); ok {
		p.LastSeenTS = ts
	} else {
		p.LastSeenTS = d.TS
	}
	if ts, ok := c.Store.BrokerSeen(d.DeviceID); ok {
		p.MQTTSeenTS = ts
	}
	if len(c.ForcedNames) > 0 {
		name := d.Name
		if name == "" {
			name = c.Store.Name(d.DeviceID)
		}
		if name != "" && c.ForcedNames[strings.ToLower(strings.TrimSpace(name))] {
			p.MQTTForced = true
		}
	}
	if c.Prod {
		p.RawTopic = ""
	}
	return p
}

// RoutePayload strips internals in production mode and passes the full
// route through otherwise.
func (c *Composer) RoutePayload(r state.Route) any {
	if !c.Prod {
		return r
	}
	return RoutePayload{
		ID:          r.ID,
		Points:      r.Points,
		Mode:        r.Mode,
		TS:          r.TS,
		ExpiresAt:   r.ExpiresAt,
		PayloadType: r.PayloadType,
	}
}

// SnapshotDoc is the initial-connect document; /snapshot adds
// server_time on top.
func (c *Composer) SnapshotDoc() map[string]any {
	now := c.Now()
	devices := make(map[string]DevicePayload)
	for id, d := range c.Store.DevicesSnapshot() {
		devices[id] = c.DevicePayload(d)
	}
	routes := make([]any, 0)
	for _, r := range c.Store.Routes() {
		if r.ExpiresAt > now {
			routes = append(routes, c.RoutePayload(r))
		}
	}
	edges := make([]history.Edge, 0)
	edges = append(edges, c.History.EdgesSnapshot()...)

	windowSeconds := int(c.History.WindowSeconds())
	if windowSeconds < 0 {
		windowSeconds = 0
	}
	var update UpdateInfo
	if c.Update != nil {
		update = c.Update()
	}
	return map[string]any{
		"type":                   "snapshot",
		"devices":                devices,
		"trails":                 c.Store.TrailsSnapshot(),
		"routes":                 routes,
		"history_edges":          edges,
		"history_window_seconds": windowSeconds,
		"heat":                   c.heat(now),
		"update":                 update,
	}
}

func (c *Composer) heat(now float64) [][4]float64 {
	if c.HeatTTL <= 0 {
		return [][4]float64{}
	}
	return c.Store.HeatSince(now - c.HeatTTL)
}

// SnapshotFrame serializes the initial frame for one connecting client.
func (c *Composer) SnapshotFrame() ([]byte, error) {
	return json.Marshal(c.SnapshotDoc())
}

func (c *Composer) UpdateFrame(d state.Device) []byte {
	trail := c.Store.Trail(d.DeviceID)
	if trail == nil {
		trail = []state.TrailPoint{}
	}
	frame, _ := json.Marshal(map[string]any{
		"type":   "update",
		"device": c.DevicePayload(d),
		"trail":  trail,
	})
	return frame
}

func (c *Composer) SeenFrame(deviceID string, seenTS, brokerTS float64) []byte {
	doc := map[string]any{
		"type":         "device_seen",
		"device_id":    deviceID,
		"last_seen_ts": seenTS,
	}
	if brokerTS > 0 {
		doc["mqtt_seen_ts"] = brokerTS
	}
	frame, _ := json.Marshal(doc)
	return frame
}

func (c *Composer) StaleFrame(deviceIDs []string) []byte {
	frame, _ := json.Marshal(map[string]any{
		"type":       "stale",
		"device_ids": deviceIDs,
	})
	return frame
}

func (c *Composer) RouteFrame(r state.Route) []byte {
	frame, _ := json.Marshal(map[string]any{
		"type":  "route",
		"route": c.RoutePayload(r),
	})
	return frame
}

func (c *Composer) RouteRemoveFrame(routeIDs []string) []byte {
	frame, _ := json.Marshal(map[string]any{
		"type":      "route_remove",
		"route_ids": routeIDs,
	})
	return frame
}

func (c *Composer) HistoryEdgesFrame(edges []history.Edge) []byte {
	frame, _ := json.Marshal(map[string]any{
		"type":  "history_edges",
		"edges": edges,
	})
	return frame
}

func (c *Composer) HistoryRemoveFrame(edgeIDs []string) []byte {
	frame, _ := json.Marshal(map[string]any{
		"type":     "history_edges_remove",
		"edge_ids": edgeIDs,
	})
	return frame
}

// WithinBounds reports whether every point of a polyline stays inside
// the configured map radius.
func WithinBounds(bounds geo.Bounds, points [][2]float64) bool {
	for _, p := range points {
		if !bounds.Within(p[0], p[1]) {
			return false
		}
	}
	return true
}
