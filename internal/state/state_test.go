package state

import (
	"reflect"
	"testing"
)

func TestTouchSeenGating(t *testing.T) {
	s := NewStore(10, 10)

	// Unknown device: liveness recorded, no broadcast.
	if s.TouchSeen("dev1", 100, 30) {
		t.Error("unmapped device should not trigger a broadcast")
	}
	if ts, ok := s.Seen("dev1"); !ok || ts != 100 {
		t.Errorf("Seen(dev1) = %v, %v", ts, ok)
	}

	s.SetDevice(Device{DeviceID: "dev1", Lat: 45, Lon: 19, TS: 100}, 100)

	if !s.TouchSeen("dev1", 110, 30) {
		t.Error("first broadcast for a mapped device should pass")
	}
	if s.TouchSeen("dev1", 120, 30) {
		t.Error("within min-interval should be suppressed")
	}
	if !s.TouchSeen("dev1", 141, 30) {
		t.Error("after min-interval should pass again")
	}
}

func TestSetDeviceAndEvict(t *testing.T) {
	s := NewStore(10, 10)

	if isNew := s.SetDevice(Device{DeviceID: "aa11", Lat: 45, Lon: 19, TS: 100, Name: "n1", Role: "repeater"}, 100); !isNew {
		t.Error("first insert should report new")
	}
	if isNew := s.SetDevice(Device{DeviceID: "aa11", Lat: 45.1, Lon: 19.1, TS: 110}, 110); isNew {
		t.Error("update should not report new")
	}
	if s.Name("aa11") != "n1" || s.Role("aa11") != "repeater" {
		t.Error("name/role from device should be recorded")
	}

	s.RebuildNodeHashMap()
	if id, ok := s.DeviceForHash("AA", 110); !ok || id != "aa11" {
		t.Errorf("DeviceForHash = %q, %v", id, ok)
	}

	if !s.Evict("aa11") {
		t.Error("evict of mapped device should report true")
	}
	if s.Evict("aa11") {
		t.Error("second evict should report false")
	}
	if _, ok := s.DeviceForHash("AA", 110); ok {
		t.Error("hash map should be rebuilt after evict")
	}
	if _, ok := s.Seen("aa11"); ok {
		t.Error("seen entry should be gone after evict")
	}
}

func TestDeviceForHashCollision(t *testing.T) {
	s := NewStore(10, 10)
	s.SetDevice(Device{DeviceID: "aa11old", Lat: 45, Lon: 19, TS: 100}, 100)
	s.SetDevice(Device{DeviceID: "aa22new", Lat: 45.5, Lon: 19.5, TS: 990}, 990)
	s.SetDevice(Device{DeviceID: "aa33zero", Lat: 0, Lon: 0, TS: 1000}, 1000)
	s.RebuildNodeHashMap()

	// Proximity to the query timestamp decides; zero-coord candidates are out.
	if id, ok := s.DeviceForHash("AA", 995); !ok || id != "aa22new" {
		t.Errorf("DeviceForHash(995) = %q, %v, want aa22new", id, ok)
	}
	if id, ok := s.DeviceForHash("AA", 105); !ok || id != "aa11old" {
		t.Errorf("DeviceForHash(105) = %q, %v, want aa11old", id, ok)
	}
}

func TestDeviceForHashCollisionTieKeepsSmallestID(t *testing.T) {
	s := NewStore(10, 10)
	s.SetDevice(Device{DeviceID: "aa22b", Lat: 45.1, Lon: 19.1, TS: 100}, 100)
	s.SetDevice(Device{DeviceID: "aa11a", Lat: 45.0, Lon: 19.0, TS: 100}, 100)
	s.RebuildNodeHashMap()

	if id, ok := s.DeviceForHash("AA", 100); !ok || id != "aa11a" {
		t.Errorf("tie should keep smallest id, got %q, %v", id, ok)
	}
}

func TestResolveMessageOrigin(t *testing.T) {
	s := NewStore(10, 10)

	// tx records the payload-declared sender.
	got := s.ResolveMessageOrigin("h1", "tx", "", "sender1", "gw0", 100)
	if got != "sender1" {
		t.Errorf("tx resolve = %q, want sender1", got)
	}

	// Later rx with no decoded origin falls back to the cached sender.
	got = s.ResolveMessageOrigin("h1", "rx", "", "", "gw1", 110)
	if got != "sender1" {
		t.Errorf("rx resolve = %q, want sender1", got)
	}

	// A decoded origin always wins.
	got = s.ResolveMessageOrigin("h1", "rx", "decodedX", "", "gw2", 120)
	if got != "decodedX" {
		t.Errorf("decoded origin should win, got %q", got)
	}
}

func TestResolveMessageOriginFirstRxFallback(t *testing.T) {
	s := NewStore(10, 10)

	// First receiver of an unknown message cannot be its own origin.
	got := s.ResolveMessageOrigin("h2", "rx", "", "", "gwA", 100)
	if got != "" {
		t.Errorf("first rx should stay unresolved, got %q", got)
	}

	// A second receiver infers the first one as origin.
	got = s.ResolveMessageOrigin("h2", "rx", "", "", "gwB", 110)
	if got != "gwA" {
		t.Errorf("second rx should resolve to first receiver, got %q", got)
	}
}

func TestResolveMessageOriginEmptyHash(t *testing.T) {
	s := NewStore(10, 10)
	if got := s.ResolveMessageOrigin("", "rx", "orig", "hint", "gw", 100); got != "orig" {
		t.Errorf("empty hash should pass through, got %q", got)
	}
}

func TestAppendTrail(t *testing.T) {
	s := NewStore(10, 10)
	for i := 0; i < 5; i++ {
		s.AppendTrail("dev1", TrailPoint{45, 19, float64(i)}, 3)
	}
	trail := s.Trail("dev1")
	if len(trail) != 3 {
		t.Fatalf("trail len = %d, want 3", len(trail))
	}
	if trail[0][2] != 2 || trail[2][2] != 4 {
		t.Errorf("trail should keep the newest points: %v", trail)
	}

	s.AppendTrail("dev1", TrailPoint{45, 19, 9}, 0)
	if len(s.Trail("dev1")) != 0 {
		t.Error("maxLen 0 should drop the trail")
	}
}

func TestRoleOverridePrecedence(t *testing.T) {
	s := NewStore(10, 10)

	if !s.SetRole("dev1", "client", "explicit") {
		t.Error("first explicit role should apply")
	}
	if !s.SetRole("dev1", "repeater", "override") {
		t.Error("override should displace explicit")
	}
	if s.SetRole("dev1", "client", "explicit") {
		t.Error("explicit must not displace override")
	}
	if s.Role("dev1") != "repeater" {
		t.Errorf("Role = %q, want repeater", s.Role("dev1"))
	}
	if !s.SetRole("dev1", "room_server", "override") {
		t.Error("override may replace override")
	}
}

func TestRoutesLifecycle(t *testing.T) {
	s := NewStore(10, 10)
	s.SetRoute(Route{ID: "r1", Points: [][2]float64{{45, 19}, {45.1, 19.1}}, TS: 100, ExpiresAt: 160})
	s.SetRoute(Route{ID: "r2", Points: [][2]float64{{45, 19}, {0, 0}}, TS: 100, ExpiresAt: 300})

	if got := s.ExpiredRoutes(200); !reflect.DeepEqual(got, []string{"r1"}) {
		t.Errorf("ExpiredRoutes = %v, want [r1]", got)
	}
	if got := s.ZeroPointRoutes(); !reflect.DeepEqual(got, []string{"r2"}) {
		t.Errorf("ZeroPointRoutes = %v, want [r2]", got)
	}

	s.DeleteRoutes([]string{"r1", "r2"})
	if s.RouteCount() != 0 {
		t.Errorf("RouteCount = %d after delete", s.RouteCount())
	}
}

func TestHeat(t *testing.T) {
	s := NewStore(10, 10)
	s.AppendHeat([][2]float64{{45, 19}, {45.1, 19.1}}, 100, 0.7)
	s.AppendHeat([][2]float64{{45.2, 19.2}}, 200, 0.7)

	if got := s.HeatSince(150); len(got) != 1 || got[0] != [4]float64{45.2, 19.2, 200, 0.7} {
		t.Errorf("HeatSince = %v", got)
	}

	s.PruneHeat(150)
	if got := s.HeatSince(0); len(got) != 1 {
		t.Errorf("after prune HeatSince(0) = %v", got)
	}
}

func TestNeighbors(t *testing.T) {
	s := NewStore(10, 10)
	s.RecordNeighbors([]string{"a", "b", "c"}, 100)

	// Both directions per consecutive pair.
	if n := s.Neighbors("b"); len(n) != 2 {
		t.Fatalf("Neighbors(b) = %v", n)
	}
	if e := s.Neighbors("a")["b"]; e.Count != 1 || e.LastSeen != 100 {
		t.Errorf("edge a->b = %+v", e)
	}

	s.TouchNeighbor("a", "m", 50, true)
	s.PruneNeighbors(200)
	if n := s.Neighbors("a"); len(n) != 1 || !n["m"].Manual {
		t.Errorf("manual edge should survive pruning: %v", n)
	}
	if len(s.Neighbors("b")) != 0 {
		t.Error("stale automatic edges should be pruned")
	}
}

func TestDebugRingNewestFirst(t *testing.T) {
	s := NewStore(2, 2)
	s.RecordDebug(DebugEntry{TS: 1, Topic: "t1"})
	s.RecordDebug(DebugEntry{TS: 2, Topic: "t2"})
	s.RecordDebug(DebugEntry{TS: 3, Topic: "t3"})

	got := s.DebugEntries()
	if len(got) != 2 || got[0].Topic != "t3" || got[1].Topic != "t2" {
		t.Errorf("DebugEntries = %v", got)
	}
}

func TestConsumeDirty(t *testing.T) {
	s := NewStore(10, 10)
	if s.ConsumeDirty() {
		t.Error("fresh store should be clean")
	}
	s.SetDevice(Device{DeviceID: "d", Lat: 1, Lon: 1, TS: 1}, 1)
	if !s.ConsumeDirty() {
		t.Error("device insert should mark dirty")
	}
	if s.ConsumeDirty() {
		t.Error("consume should clear the flag")
	}
}

func TestStaleDevices(t *testing.T) {
	s := NewStore(10, 10)
	s.SetDevice(Device{DeviceID: "old", Lat: 1, Lon: 1, TS: 100}, 100)
	s.SetDevice(Device{DeviceID: "fresh", Lat: 1, Lon: 1, TS: 950}, 950)

	if got := s.StaleDevices(1000, 300); !reflect.DeepEqual(got, []string{"old"}) {
		t.Errorf("StaleDevices = %v, want [old]", got)
	}
}
