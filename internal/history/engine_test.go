package history

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/mesh-live/map-server/internal/state"
)

func intPtr(v int) *int { return &v }

func testEngine(t *testing.T, now func() float64) *Engine {
	t.Helper()
	e := NewEngine(zap.NewNop(), now)
	e.Enabled = true
	e.WindowHours = 1
	e.MaxSegments = 100
	e.SampleLimit = 5
	return e
}

func routeAB(ts float64) state.Route {
	return state.Route{
		ID:          "r1",
		Points:      [][2]float64{{45.0, 19.0}, {45.1, 19.1}},
		PointIDs:    []string{"devA", "devB"},
		Mode:        "path",
		TS:          ts,
		MessageHash: "HH",
		PayloadType: intPtr(5),
	}
}

func TestEdgeKeyCanonical(t *testing.T) {
	a := [2]float64{45.1, 19.1}
	b := [2]float64{45.0, 19.0}
	key, first, second := EdgeKey(a, b)
	if key != "45.000000,19.000000|45.100000,19.100000" {
		t.Errorf("key = %q", key)
	}
	if first != b || second != a {
		t.Errorf("endpoints not sorted: %v %v", first, second)
	}

	// Argument order must not matter.
	key2, _, _ := EdgeKey(b, a)
	if key2 != key {
		t.Errorf("key depends on argument order: %q vs %q", key, key2)
	}
}

func TestRecordFoldsSegmentsIntoEdges(t *testing.T) {
	e := testEngine(t, func() float64 { return 1000 })

	updates, removed := e.Record(routeAB(1000))
	if len(removed) != 0 {
		t.Errorf("unexpected removals: %v", removed)
	}
	if len(updates) != 1 || updates[0].Count != 1 {
		t.Fatalf("updates = %+v", updates)
	}

	updates, _ = e.Record(routeAB(1010))
	if len(updates) != 1 || updates[0].Count != 2 {
		t.Fatalf("second record updates = %+v", updates)
	}
	if len(updates[0].Recent) != 2 {
		t.Errorf("recent samples = %d, want 2", len(updates[0].Recent))
	}
	if updates[0].Recent[0].TS != 1010 {
		t.Errorf("recent should be newest-first: %v", updates[0].Recent)
	}
	if e.SegmentCount() != 2 || e.EdgeCount() != 1 {
		t.Errorf("segments=%d edges=%d", e.SegmentCount(), e.EdgeCount())
	}
}

func TestRecordFiltersModeAndPayload(t *testing.T) {
	e := testEngine(t, func() float64 { return 1000 })
	e.AllowedModes = map[string]bool{"path": true}
	e.PayloadTypes = map[int]bool{5: true}

	r := routeAB(1000)
	r.Mode = "fanout"
	if u, _ := e.Record(r); u != nil {
		t.Error("disallowed mode should be dropped")
	}

	r = routeAB(1000)
	r.PayloadType = intPtr(9)
	if u, _ := e.Record(r); u != nil {
		t.Error("disallowed payload type should be dropped")
	}

	r = routeAB(1000)
	r.PayloadType = nil
	if u, _ := e.Record(r); u != nil {
		t.Error("missing payload type with a filter set should be dropped")
	}

	if u, _ := e.Record(routeAB(1000)); len(u) != 1 {
		t.Error("allowed mode and payload should record")
	}
}

func TestRecordDropsZeroEndpoints(t *testing.T) {
	e := testEngine(t, func() float64 { return 1000 })
	r := routeAB(1000)
	r.Points = [][2]float64{{0, 0}, {45.1, 19.1}}
	if u, _ := e.Record(r); u != nil {
		t.Error("zero endpoint segment should be dropped")
	}
	if e.SegmentCount() != 0 {
		t.Errorf("segments = %d, want 0", e.SegmentCount())
	}
}

func TestPruneAgesOutSegments(t *testing.T) {
	now := 1000.0
	e := testEngine(t, func() float64 { return now })

	e.Record(routeAB(1000))
	e.Record(routeAB(2000))

	// Advance past the window for the first segment only.
	updates, removed := e.Prune(1000 + 3600 + 1)
	if len(removed) != 0 {
		t.Errorf("edge should survive while one segment remains: %v", removed)
	}
	if len(updates) != 1 || updates[0].Count != 1 {
		t.Fatalf("updates = %+v", updates)
	}

	updates, removed = e.Prune(2000 + 3600 + 1)
	if len(updates) != 0 {
		t.Errorf("no updates expected on full expiry: %v", updates)
	}
	if len(removed) != 1 {
		t.Fatalf("removed = %v, want one edge id", removed)
	}
	if e.SegmentCount() != 0 || e.EdgeCount() != 0 {
		t.Errorf("engine not empty after prune: segments=%d edges=%d", e.SegmentCount(), e.EdgeCount())
	}
}

func TestMaxSegmentsForcesPrune(t *testing.T) {
	e := testEngine(t, func() float64 { return 1000 })
	e.MaxSegments = 2

	e.Record(routeAB(1000))
	e.Record(routeAB(1001))
	e.Record(routeAB(1002))

	if e.SegmentCount() != 2 {
		t.Errorf("segments = %d, want cap of 2", e.SegmentCount())
	}
}

func TestPeers(t *testing.T) {
	e := testEngine(t, func() float64 { return 1000 })

	record := func(aID, bID string, a, b [2]float64, ts float64) {
		e.Record(state.Route{
			Points:   [][2]float64{a, b},
			PointIDs: []string{aID, bID},
			Mode:     "path",
			TS:       ts,
		})
	}
	pA := [2]float64{45.0, 19.0}
	pB := [2]float64{45.1, 19.1}
	pC := [2]float64{45.2, 19.2}

	record("devA", "devB", pA, pB, 100)
	record("devA", "devB", pA, pB, 110)
	record("devC", "devA", pC, pA, 120)
	record("devA", "devX", pA, pB, 130)

	stats := e.Peers("devA", 8,
		func(peerID string) bool { return peerID == "devX" },
		func(peerID string) (string, string, *float64, *float64, float64) {
			return "name-" + peerID, "repeater", nil, nil, 0
		})

	if stats.OutgoingTotal != 2 {
		t.Errorf("OutgoingTotal = %d, want 2", stats.OutgoingTotal)
	}
	if stats.IncomingTotal != 1 {
		t.Errorf("IncomingTotal = %d, want 1", stats.IncomingTotal)
	}
	if len(stats.Outgoing) != 1 || stats.Outgoing[0].PeerID != "devB" {
		t.Fatalf("Outgoing = %+v", stats.Outgoing)
	}
	if stats.Outgoing[0].Percent != 100 {
		t.Errorf("Percent = %v, want 100", stats.Outgoing[0].Percent)
	}
	if stats.Outgoing[0].Name != "name-devB" {
		t.Errorf("describe not applied: %+v", stats.Outgoing[0])
	}
	if stats.Outgoing[0].LastSeenTS != 110 {
		t.Errorf("LastSeenTS = %v, want 110", stats.Outgoing[0].LastSeenTS)
	}
	if len(stats.Incoming) != 1 || stats.Incoming[0].PeerID != "devC" {
		t.Fatalf("Incoming = %+v", stats.Incoming)
	}
	if stats.WindowHours != 1 {
		t.Errorf("WindowHours = %v", stats.WindowHours)
	}
}

func TestJournalRoundTrip(t *testing.T) {
	now := 1000.0
	path := filepath.Join(t.TempDir(), "history.ndjson")

	e := testEngine(t, func() float64 { return now })
	e.FilePath = path
	e.Record(routeAB(900))
	e.Record(routeAB(950))

	reloaded := testEngine(t, func() float64 { return now })
	reloaded.FilePath = path
	reloaded.Load()

	if reloaded.SegmentCount() != 2 {
		t.Fatalf("reloaded segments = %d, want 2", reloaded.SegmentCount())
	}
	edges := reloaded.EdgesSnapshot()
	if len(edges) != 1 || edges[0].Count != 2 {
		t.Fatalf("reloaded edges = %+v", edges)
	}
	if edges[0].Recent[0].MessageHash != "HH" {
		t.Errorf("sample fields lost on reload: %+v", edges[0].Recent[0])
	}

	// Out-of-window lines are skipped on a later load.
	late := testEngine(t, func() float64 { return 950 + 3600 + 1 })
	late.FilePath = path
	late.Load()
	if late.SegmentCount() != 0 {
		t.Errorf("expired journal lines loaded: %d", late.SegmentCount())
	}
}

func TestCompactIfDirty(t *testing.T) {
	now := 1000.0
	path := filepath.Join(t.TempDir(), "history.ndjson")

	e := testEngine(t, func() float64 { return now })
	e.FilePath = path
	e.Record(routeAB(900))
	e.Record(routeAB(5000))
	e.Prune(900 + 3600 + 1)

	if err := e.CompactIfDirty(); err != nil {
		t.Fatalf("CompactIfDirty: %v", err)
	}

	reloaded := testEngine(t, func() float64 { return 5000 })
	reloaded.FilePath = path
	reloaded.Load()
	if reloaded.SegmentCount() != 1 {
		t.Errorf("compacted journal segments = %d, want 1", reloaded.SegmentCount())
	}

	// Clean engine writes nothing.
	if err := e.CompactIfDirty(); err != nil {
		t.Fatalf("second CompactIfDirty: %v", err)
	}
}
