package broadcast

import (
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/mesh-live/map-server/internal/geo"
	"github.com/mesh-live/map-server/internal/history"
	"github.com/mesh-live/map-server/internal/state"
	"github.com/mesh-live/map-server/internal/topology"
)

func intPtr(v int) *int { return &v }

func testBroadcaster(t *testing.T, bounds geo.Bounds) *Broadcaster {
	t.Helper()
	logger := zap.NewNop()
	store := state.NewStore(10, 10)
	hist := history.NewEngine(logger, func() float64 { return 1000 })
	hist.Enabled = true
	hist.WindowHours = 1
	hist.MaxSegments = 100
	hist.SampleLimit = 5
	hist.Bounds = bounds
	return &Broadcaster{
		Queue:    make(chan Event, 16),
		Store:    store,
		Resolver: &topology.Resolver{Store: store, MaxPathLen: 16},
		History:  hist,
		Hub:      NewHub(logger),
		Composer: &Composer{Store: store, History: hist, Now: func() float64 { return 1000 }},
		Bounds:   bounds,
		TrailLen: 10,
		RouteTTL: 60,
		Logger:   logger,
		Now:      func() float64 { return 1000 },
	}
}

func seedDevice(b *Broadcaster, id string, lat, lon float64) {
	b.Store.SetDevice(state.Device{DeviceID: id, Lat: lat, Lon: lon, TS: 1000}, 1000)
	b.Store.RebuildNodeHashMap()
}

func TestHandlePositionStoresDeviceAndTrail(t *testing.T) {
	b := testBroadcaster(t, geo.Bounds{})

	b.handle(Event{Type: EventPosition, Position: &state.Device{
		DeviceID: "aa11dev", Lat: 45.25, Lon: 19.85, TS: 900, Name: "n1",
	}})

	d, ok := b.Store.Device("aa11dev")
	if !ok || d.Lat != 45.25 {
		t.Fatalf("device not stored: %+v, %v", d, ok)
	}
	if trail := b.Store.Trail("aa11dev"); len(trail) != 1 || trail[0] != (state.TrailPoint{45.25, 19.85, 900}) {
		t.Errorf("trail = %v", trail)
	}
	if id, ok := b.Store.DeviceForHash("AA", 900); !ok || id != "aa11dev" {
		t.Error("hash map should include the new device")
	}
}

func TestHandlePositionOutOfRadiusEvicts(t *testing.T) {
	bounds := geo.Bounds{CenterLat: 45.0, CenterLon: 19.0, RadiusKM: 50}
	b := testBroadcaster(t, bounds)
	seedDevice(b, "aa11dev", 45.1, 19.1)

	b.handle(Event{Type: EventPosition, Position: &state.Device{
		DeviceID: "aa11dev", Lat: 55.0, Lon: 30.0, TS: 1000,
	}})

	if _, ok := b.Store.Device("aa11dev"); ok {
		t.Error("device outside the radius should be evicted")
	}
}

func TestHandlePositionBackfillsNameAndRole(t *testing.T) {
	b := testBroadcaster(t, geo.Bounds{})
	b.Store.SetName("aa11dev", "Stored Name")
	b.Store.SetRole("aa11dev", "repeater", "explicit")

	b.handle(Event{Type: EventPosition, Position: &state.Device{
		DeviceID: "aa11dev", Lat: 45.25, Lon: 19.85, TS: 1000,
	}})

	d, _ := b.Store.Device("aa11dev")
	if d.Name != "Stored Name" || d.Role != "repeater" {
		t.Errorf("backfill missing: %+v", d)
	}
}

func TestHandleRoutePathMode(t *testing.T) {
	b := testBroadcaster(t, geo.Bounds{})
	seedDevice(b, "aa11origin", 45.0, 19.0)
	seedDevice(b, "bb22relay", 45.1, 19.1)
	seedDevice(b, "cc33receiver", 45.2, 19.2)

	b.handle(Event{Type: EventRoute, Route: &RouteEvent{
		PathHashes:  []string{"bb"},
		OriginID:    "aa11origin",
		ReceiverID:  "cc33receiver",
		MessageHash: "CAFE",
		PayloadType: intPtr(5),
		TS:          1000,
	}})

	routes := b.Store.Routes()
	if len(routes) != 1 {
		t.Fatalf("routes = %+v", routes)
	}
	r := routes[0]
	if r.ID != "CAFE" || r.Mode != "path" {
		t.Errorf("route id/mode = %q/%q", r.ID, r.Mode)
	}
	if len(r.Points) != 3 || r.ExpiresAt != 1060 {
		t.Errorf("route = %+v", r)
	}

	// Heat and neighbors come from the same resolution.
	if heat := b.Store.HeatSince(0); len(heat) != 3 || heat[0][3] != 0.7 {
		t.Errorf("heat = %v", heat)
	}
	if n := b.Store.Neighbors("bb22relay"); len(n) != 2 {
		t.Errorf("neighbors = %v", n)
	}
	if b.History.SegmentCount() != 2 {
		t.Errorf("history segments = %d, want 2", b.History.SegmentCount())
	}
}

func TestHandleRouteFanout(t *testing.T) {
	b := testBroadcaster(t, geo.Bounds{})
	seedDevice(b, "aa11origin", 45.0, 19.0)
	seedDevice(b, "cc33receiver", 45.2, 19.2)

	b.handle(Event{Type: EventRoute, Route: &RouteEvent{
		Mode:        "fanout",
		RouteID:     "CAFE-cc33receiver",
		OriginID:    "aa11origin",
		ReceiverID:  "cc33receiver",
		MessageHash: "CAFE",
		TS:          1000,
	}})

	routes := b.Store.Routes()
	if len(routes) != 1 {
		t.Fatalf("routes = %+v", routes)
	}
	if routes[0].ID != "CAFE-cc33receiver" || routes[0].Mode != "fanout" {
		t.Errorf("route = %+v", routes[0])
	}
	if len(routes[0].Points) != 2 {
		t.Errorf("fanout should be a two-point pair: %v", routes[0].Points)
	}
}

func TestHandleRouteDirectFallbackWhenPathUnresolvable(t *testing.T) {
	b := testBroadcaster(t, geo.Bounds{})
	seedDevice(b, "aa11origin", 45.0, 19.0)
	seedDevice(b, "cc33receiver", 45.2, 19.2)

	// No device carries these hashes; the pair fallback takes over.
	b.handle(Event{Type: EventRoute, Route: &RouteEvent{
		PathHashes: []string{"ee", "ff"},
		OriginID:   "unknownA",
		ReceiverID: "unknownB",
		TS:         1000,
	}})
	if b.Store.RouteCount() != 0 {
		t.Fatal("unresolvable route should produce nothing")
	}

	b.handle(Event{Type: EventRoute, Route: &RouteEvent{
		PathHashes: []string{"ee", "ff"},
		OriginID:   "aa11origin",
		ReceiverID: "cc33receiver",
		TS:         1000,
	}})
	routes := b.Store.Routes()
	if len(routes) != 1 || routes[0].Mode != "path" {
		// Hashes resolved nothing but both endpoints exist, so the
		// path resolver still stitches a two-point polyline.
		t.Fatalf("routes = %+v", routes)
	}
	if len(routes[0].Points) != 2 {
		t.Errorf("points = %v", routes[0].Points)
	}
}

func TestHandleRouteDirectMode(t *testing.T) {
	b := testBroadcaster(t, geo.Bounds{})
	seedDevice(b, "aa11origin", 45.0, 19.0)
	seedDevice(b, "cc33receiver", 45.2, 19.2)

	b.handle(Event{Type: EventRoute, Route: &RouteEvent{
		Mode:        "direct",
		RouteID:     "direct-CAFE",
		OriginID:    "aa11origin",
		ReceiverID:  "cc33receiver",
		MessageHash: "CAFE",
		PayloadType: intPtr(5),
		TS:          1000,
	}})

	routes := b.Store.Routes()
	if len(routes) != 1 || routes[0].ID != "direct-CAFE" || routes[0].Mode != "direct" {
		t.Fatalf("routes = %+v", routes)
	}
}

func TestHandleRouteOutOfBoundsDropped(t *testing.T) {
	bounds := geo.Bounds{CenterLat: 45.0, CenterLon: 19.0, RadiusKM: 10}
	b := testBroadcaster(t, bounds)
	seedDevice(b, "aa11origin", 45.0, 19.0)
	seedDevice(b, "cc33receiver", 46.5, 21.0)

	b.handle(Event{Type: EventRoute, Route: &RouteEvent{
		Mode:       "direct",
		RouteID:    "direct-X",
		OriginID:   "aa11origin",
		ReceiverID: "cc33receiver",
		TS:         1000,
	}})

	if b.Store.RouteCount() != 0 {
		t.Error("route with an out-of-radius endpoint should be dropped")
	}
}

func TestHandleRouteSyntheticID(t *testing.T) {
	b := testBroadcaster(t, geo.Bounds{})
	seedDevice(b, "aa11origin", 45.0, 19.0)
	seedDevice(b, "cc33receiver", 45.2, 19.2)

	b.handle(Event{Type: EventRoute, Route: &RouteEvent{
		OriginID:   "aa11origin",
		ReceiverID: "cc33receiver",
		TS:         1000,
	}})

	routes := b.Store.Routes()
	if len(routes) != 1 {
		t.Fatalf("routes = %+v", routes)
	}
	if routes[0].ID != "aa11origin-1000000" {
		t.Errorf("synthetic id = %q", routes[0].ID)
	}
}

func TestHandleSeenAndRemove(t *testing.T) {
	b := testBroadcaster(t, geo.Bounds{})
	seedDevice(b, "aa11dev", 45.0, 19.0)

	b.handle(Event{Type: EventSeen, DeviceID: "aa11dev", SeenTS: 1100, BrokerTS: 1100})
	if ts, _ := b.Store.Seen("aa11dev"); ts != 1100 {
		t.Errorf("seen = %v", ts)
	}

	b.handle(Event{Type: EventRemove, DeviceID: "aa11dev"})
	if _, ok := b.Store.Device("aa11dev"); ok {
		t.Error("remove event should evict")
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	b := testBroadcaster(t, geo.Bounds{})
	b.Queue = make(chan Event, 1)

	b.Enqueue(Event{Type: EventSeen, DeviceID: "a"})
	b.Enqueue(Event{Type: EventSeen, DeviceID: "b"})

	if len(b.Queue) != 1 {
		t.Errorf("queue len = %d, want 1", len(b.Queue))
	}
}

func TestComposerSnapshotDoc(t *testing.T) {
	b := testBroadcaster(t, geo.Bounds{})
	seedDevice(b, "aa11dev", 45.0, 19.0)
	b.Store.SetRoute(state.Route{ID: "live", Points: [][2]float64{{45, 19}, {45.1, 19.1}}, TS: 990, ExpiresAt: 1100})
	b.Store.SetRoute(state.Route{ID: "expired", Points: [][2]float64{{45, 19}, {45.1, 19.1}}, TS: 100, ExpiresAt: 900})

	doc := b.Composer.SnapshotDoc()
	if doc["type"] != "snapshot" {
		t.Errorf("type = %v", doc["type"])
	}
	routes := doc["routes"].([]any)
	if len(routes) != 1 {
		t.Errorf("expired routes must be filtered: %v", routes)
	}
	if doc["history_window_seconds"] != 3600 {
		t.Errorf("history_window_seconds = %v", doc["history_window_seconds"])
	}

	devices := doc["devices"].(map[string]DevicePayload)
	if p, ok := devices["aa11dev"]; !ok || p.LastSeenTS != 1000 {
		t.Errorf("devices = %+v", devices)
	}
}

func TestComposerProdReducesRoutes(t *testing.T) {
	b := testBroadcaster(t, geo.Bounds{})
	b.Composer.Prod = true

	r := state.Route{
		ID: "r1", Points: [][2]float64{{45, 19}, {45.1, 19.1}},
		Mode: "path", TS: 1000, ExpiresAt: 1060,
		OriginID: "secretOrigin", Topic: "private/topic", MessageHash: "CAFE",
	}
	raw, _ := json.Marshal(b.Composer.RoutePayload(r))
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	for _, hidden := range []string{"origin_id", "topic", "message_hash", "hashes"} {
		if _, ok := out[hidden]; ok {
			t.Errorf("prod route payload leaks %q", hidden)
		}
	}
	if out["id"] != "r1" || out["route_mode"] != "path" {
		t.Errorf("out = %v", out)
	}
}

func TestComposerProdStripsRawTopic(t *testing.T) {
	b := testBroadcaster(t, geo.Bounds{})
	b.Composer.Prod = true
	seedDevice(b, "aa11dev", 45.0, 19.0)
	b.Store.UpdateDevice("aa11dev", func(d *state.Device) { d.RawTopic = "meshcore/x/aa11dev/location" })

	d, _ := b.Store.Device("aa11dev")
	p := b.Composer.DevicePayload(d)
	if p.RawTopic != "" {
		t.Errorf("RawTopic leaked: %q", p.RawTopic)
	}
}

func TestComposerForcedNames(t *testing.T) {
	b := testBroadcaster(t, geo.Bounds{})
	b.Composer.ForcedNames = map[string]bool{"gateway north": true}
	seedDevice(b, "aa11dev", 45.0, 19.0)
	b.Store.SetName("aa11dev", "Gateway North")

	d, _ := b.Store.Device("aa11dev")
	if p := b.Composer.DevicePayload(d); !p.MQTTForced {
		t.Error("forced-name device should be flagged")
	}
}

func TestWithinBounds(t *testing.T) {
	bounds := geo.Bounds{CenterLat: 45.0, CenterLon: 19.0, RadiusKM: 50}
	if !WithinBounds(bounds, [][2]float64{{45.0, 19.0}, {45.1, 19.1}}) {
		t.Error("in-radius polyline should pass")
	}
	if WithinBounds(bounds, [][2]float64{{45.0, 19.0}, {55.0, 30.0}}) {
		t.Error("one out-of-radius point should fail the polyline")
	}
}
