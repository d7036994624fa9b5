// Package history maintains the rolling undirected-edge view of
// observed route segments, backed by an append-only NDJSON journal.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/mesh-live/map-server/internal/geo"
	"github.com/mesh-live/map-server/internal/metrics"
	"github.com/mesh-live/map-server/internal/state"
)

// Sample is one recent event kept on an edge, newest-first.
type Sample struct {
	TS          float64 `json:"ts"`
	MessageHash string  `json:"message_hash,omitempty"`
	PayloadType *int    `json:"payload_type,omitempty"`
	OriginID    string  `json:"origin_id,omitempty"`
	ReceiverID  string  `json:"receiver_id,omitempty"`
	RouteMode   string  `json:"route_mode,omitempty"`
	Topic       string  `json:"topic,omitempty"`
}

// Edge is an undirected coordinate-keyed edge. A and B are the sorted
// canonical endpoints.
type Edge struct {
	ID     string     `json:"id"`
	A      [2]float64 `json:"a"`
	B      [2]float64 `json:"b"`
	Count  int        `json:"count"`
	LastTS float64    `json:"last_ts"`
	Recent []Sample   `json:"recent"`
}

// Segment is one journal record. Endpoints are already canonicalized.
type Segment struct {
	TS          float64    `json:"ts"`
	A           [2]float64 `json:"a"`
	B           [2]float64 `json:"b"`
	AID         string     `json:"a_id,omitempty"`
	BID         string     `json:"b_id,omitempty"`
	MessageHash string     `json:"message_hash,omitempty"`
	PayloadType *int       `json:"payload_type,omitempty"`
	OriginID    string     `json:"origin_id,omitempty"`
	ReceiverID  string     `json:"receiver_id,omitempty"`
	RouteMode   string     `json:"route_mode,omitempty"`
	Topic       string     `json:"topic,omitempty"`
}

// PeerEntry is one row of the /peers response.
type PeerEntry struct {
	PeerID     string   `json:"peer_id"`
	Name       string   `json:"name"`
	Role       string   `json:"role,omitempty"`
	Lat        *float64 `json:"lat"`
	Lon        *float64 `json:"lon"`
	Count      int      `json:"count"`
	Percent    float64  `json:"percent"`
	LastSeenTS float64  `json:"last_seen_ts,omitempty"`
}

// PeerStats aggregates directed totals for one device over the window.
type PeerStats struct {
	DeviceID      string      `json:"device_id"`
	IncomingTotal int         `json:"incoming_total"`
	OutgoingTotal int         `json:"outgoing_total"`
	Incoming      []PeerEntry `json:"incoming"`
	Outgoing      []PeerEntry `json:"outgoing"`
	WindowHours   float64     `json:"window_hours"`
}

// Engine owns the segment deque and the edge index. Its mutex is
// independent of the store's; callers never hold both.
type Engine struct {
	Enabled      bool
	WindowHours  float64
	MaxSegments  int
	SampleLimit  int
	FilePath     string
	PayloadTypes map[int]bool
	AllowedModes map[string]bool
	Bounds       geo.Bounds
	Logger       *zap.Logger
	Now          func() float64

	mu           sync.Mutex
	segments     []Segment
	edges        map[string]*Edge
	compactDirty bool
}

func NewEngine(logger *zap.Logger, now func() float64) *Engine {
	return &Engine{
		edges:  make(map[string]*Edge),
		Logger: logger,
		Now:    now,
	}
}

// WindowSeconds is the retention window exposed to clients.
func (e *Engine) WindowSeconds() float64 {
	if e.WindowHours < 0 {
		return 0
	}
	return e.WindowHours * 3600
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// normalizePoint rejects zero and out-of-radius coordinates and rounds
// half away from zero to six decimals, matching the journal key format.
func (e *Engine) normalizePoint(p [2]float64) ([2]float64, bool) {
	lat, lon := p[0], p[1]
	if geo.CoordsZero(lat, lon) {
		return [2]float64{}, false
	}
	if !e.Bounds.Within(lat, lon) {
		return [2]float64{}, false
	}
	return [2]float64{round6(lat), round6(lon)}, true
}

// EdgeKey builds the canonical key from two already-rounded points,
// sorted so the lexicographically smaller endpoint comes first. The
// format is a journal contract; keep it bit-exact.
func EdgeKey(a, b [2]float64) (key string, first, second [2]float64) {
	if a[0] < b[0] || (a[0] == b[0] && a[1] <= b[1]) {
		first, second = a, b
	} else {
		first, second = b, a
	}
	key = fmt.Sprintf("%.6f,%.6f|%.6f,%.6f", first[0], first[1], second[0], second[1])
	return key, first, second
}

func (e *Engine) payloadAllowed(payloadType *int) bool {
	if !e.Enabled || e.WindowHours <= 0 {
		return false
	}
	if len(e.PayloadTypes) == 0 {
		return true
	}
	if payloadType == nil {
		return false
	}
	return e.PayloadTypes[*payloadType]
}

func sampleFromRoute(r state.Route, ts float64) Sample {
	return Sample{
		TS:          ts,
		MessageHash: r.MessageHash,
		PayloadType: r.PayloadType,
		OriginID:    r.OriginID,
		ReceiverID:  r.ReceiverID,
		RouteMode:   r.Mode,
		Topic:       r.Topic,
	}
}

func (e *Engine) pushSample(edge *Edge, s Sample) {
	edge.Recent = append(edge.Recent, s)
	sort.SliceStable(edge.Recent, func(i, j int) bool {
		return edge.Recent[i].TS > edge.Recent[j].TS
	})
	if e.SampleLimit > 0 && len(edge.Recent) > e.SampleLimit {
		edge.Recent = edge.Recent[:e.SampleLimit]
	}
}

// Record folds a route into the history. Returns the edges whose counts
// changed and the ids of edges removed by a size-forced prune.
func (e *Engine) Record(r state.Route) (updates []Edge, removed []string) {
	if !e.Enabled {
		return nil, nil
	}
	if len(e.AllowedModes) > 0 && !e.AllowedModes[r.Mode] {
		return nil, nil
	}
	if !e.payloadAllowed(r.PayloadType) {
		return nil, nil
	}
	if len(r.Points) < 2 {
		return nil, nil
	}

	ts := r.TS
	if ts == 0 {
		ts = e.Now()
	}
	sample := sampleFromRoute(r, ts)

	e.mu.Lock()
	defer e.mu.Unlock()

	updatedKeys := make(map[string]bool)
	var entries []Segment
	for i := 0; i < len(r.Points)-1; i++ {
		a, okA := e.normalizePoint(r.Points[i])
		b, okB := e.normalizePoint(r.Points[i+1])
		if !okA || !okB {
			continue
		}
		var aID, bID string
		if i < len(r.PointIDs)-1 {
			aID, bID = r.PointIDs[i], r.PointIDs[i+1]
		}
		key, first, second := EdgeKey(a, b)
		entries = append(entries, Segment{
			TS: ts, A: first, B: second, AID: aID, BID: bID,
			MessageHash: r.MessageHash, PayloadType: r.PayloadType,
			OriginID: r.OriginID, ReceiverID: r.ReceiverID,
			RouteMode: r.Mode, Topic: r.Topic,
		})
		edge := e.edges[key]
		if edge == nil {
			edge = &Edge{ID: key, A: first, B: second, LastTS: ts}
			e.edges[key] = edge
		}
		edge.Count++
		if ts > edge.LastTS {
			edge.LastTS = ts
		}
		e.pushSample(edge, sample)
		updatedKeys[key] = true
	}
	if len(entries) == 0 {
		return nil, nil
	}

	e.segments = append(e.segments, entries...)
	e.appendJournalLocked(entries)

	for key := range updatedKeys {
		if edge, ok := e.edges[key]; ok {
			updates = append(updates, *edge)
		}
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].ID < updates[j].ID })

	if e.MaxSegments > 0 && len(e.segments) > e.MaxSegments {
		extraUpdates, extraRemoved := e.pruneLocked(e.Now(), true)
		updates = append(updates, extraUpdates...)
		removed = append(removed, extraRemoved...)
	}

	metrics.HistorySegments.Set(float64(len(e.segments)))
	return updates, removed
}

// Prune ages segments out of the window.
func (e *Engine) Prune(now float64) (updates []Edge, removed []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	updates, removed = e.pruneLocked(now, false)
	metrics.HistorySegments.Set(float64(len(e.segments)))
	return updates, removed
}

func (e *Engine) pruneLocked(now float64, forceLimit bool) (updates []Edge, removed []string) {
	if !e.Enabled || len(e.segments) == 0 {
		return nil, nil
	}
	cutoff := now - e.WindowSeconds()
	updated := make(map[string]*Edge)

	for len(e.segments) > 0 {
		entry := e.segments[0]
		if !forceLimit && entry.TS >= cutoff {
			break
		}
		if forceLimit && e.MaxSegments > 0 && len(e.segments) <= e.MaxSegments {
			break
		}
		e.segments = e.segments[1:]
		e.compactDirty = true

		key, _, _ := EdgeKey(entry.A, entry.B)
		edge := e.edges[key]
		if edge == nil {
			continue
		}
		edge.Count--
		kept := edge.Recent[:0]
		for _, s := range edge.Recent {
			if s.TS >= cutoff {
				kept = append(kept, s)
			}
		}
		edge.Recent = kept
		if edge.Count <= 0 {
			delete(e.edges, key)
			delete(updated, key)
			removed = append(removed, key)
		} else {
			updated[key] = edge
		}
	}

	for _, edge := range updated {
		updates = append(updates, *edge)
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].ID < updates[j].ID })
	sort.Strings(removed)
	return updates, removed
}

func (e *Engine) SegmentCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.segments)
}

func (e *Engine) EdgeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.edges)
}

// EdgesSnapshot returns the active edges sorted by id.
func (e *Engine) EdgesSnapshot() []Edge {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Edge, 0, len(e.edges))
	for _, edge := range e.edges {
		out = append(out, *edge)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Peers walks the segment deque and aggregates directed counts. exclude
// filters peers out of the listing (forced-online nodes); describe fills
// in name/role/coords from the live device set.
func (e *Engine) Peers(deviceID string, limit int,
	exclude func(peerID string) bool,
	describe func(peerID string) (name, role string, lat, lon *float64, lastSeen float64)) PeerStats {

	e.mu.Lock()
	inbound := make(map[string]int)
	outbound := make(map[string]int)
	inboundLast := make(map[string]float64)
	outboundLast := make(map[string]float64)
	for _, entry := range e.segments {
		if entry.AID == "" || entry.BID == "" {
			continue
		}
		if entry.AID == deviceID && entry.BID != deviceID {
			if exclude != nil && exclude(entry.BID) {
				continue
			}
			outbound[entry.BID]++
			if entry.TS > outboundLast[entry.BID] {
				outboundLast[entry.BID] = entry.TS
			}
		}
		if entry.BID == deviceID && entry.AID != deviceID {
			if exclude != nil && exclude(entry.AID) {
				continue
			}
			inbound[entry.AID]++
			if entry.TS > inboundLast[entry.AID] {
				inboundLast[entry.AID] = entry.TS
			}
		}
	}
	e.mu.Unlock()

	build := func(counts map[string]int, last map[string]float64) (int, []PeerEntry) {
		total := 0
		for _, c := range counts {
			total += c
		}
		items := make([]PeerEntry, 0, len(counts))
		for peerID, count := range counts {
			entry := PeerEntry{PeerID: peerID, Count: count, LastSeenTS: last[peerID]}
			if describe != nil {
				entry.Name, entry.Role, entry.Lat, entry.Lon, _ = describe(peerID)
			}
			if total > 0 {
				entry.Percent = math.Round(float64(count)/float64(total)*1000) / 10
			}
			items = append(items, entry)
		}
		sort.Slice(items, func(i, j int) bool {
			if items[i].Count != items[j].Count {
				return items[i].Count > items[j].Count
			}
			return items[i].PeerID < items[j].PeerID
		})
		if limit > 0 && len(items) > limit {
			items = items[:limit]
		}
		return total, items
	}

	stats := PeerStats{DeviceID: deviceID, WindowHours: e.WindowHours}
	stats.IncomingTotal, stats.Incoming = build(inbound, inboundLast)
	stats.OutgoingTotal, stats.Outgoing = build(outbound, outboundLast)
	return stats
}

// ---- journal ----

func (e *Engine) appendJournalLocked(entries []Segment) {
	if !e.Enabled || e.FilePath == "" || len(entries) == 0 {
		return
	}
	if err := os.MkdirAll(filepath.Dir(e.FilePath), 0o755); err != nil {
		e.Logger.Warn("history journal mkdir failed", zap.Error(err))
		return
	}
	f, err := os.OpenFile(e.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		e.Logger.Warn("history journal open failed", zap.Error(err))
		return
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		e.Logger.Warn("history journal append failed", zap.Error(err))
	}
}

// Load replays the journal, skipping malformed or out-of-window lines.
// Any skipped line marks the journal for compaction.
func (e *Engine) Load() {
	if !e.Enabled || e.FilePath == "" {
		return
	}
	f, err := os.Open(e.FilePath)
	if err != nil {
		if !os.IsNotExist(err) {
			e.Logger.Warn("history journal open failed", zap.Error(err))
		}
		return
	}
	defer f.Close()

	cutoff := e.Now() - e.WindowSeconds()
	loaded := 0

	e.mu.Lock()
	defer e.mu.Unlock()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Segment
		if err := json.Unmarshal(line, &entry); err != nil {
			e.compactDirty = true
			continue
		}
		if entry.TS < cutoff {
			e.compactDirty = true
			continue
		}
		a, okA := e.normalizePoint(entry.A)
		b, okB := e.normalizePoint(entry.B)
		if !okA || !okB {
			e.compactDirty = true
			continue
		}
		key, first, second := EdgeKey(a, b)
		entry.A, entry.B = first, second
		e.segments = append(e.segments, entry)
		edge := e.edges[key]
		if edge == nil {
			edge = &Edge{ID: key, A: first, B: second, LastTS: entry.TS}
			e.edges[key] = edge
		}
		edge.Count++
		if entry.TS > edge.LastTS {
			edge.LastTS = entry.TS
		}
		e.pushSample(edge, Sample{
			TS:          entry.TS,
			MessageHash: entry.MessageHash,
			PayloadType: entry.PayloadType,
			OriginID:    entry.OriginID,
			ReceiverID:  entry.ReceiverID,
			RouteMode:   entry.RouteMode,
			Topic:       entry.Topic,
		})
		loaded++
	}
	if err := scanner.Err(); err != nil {
		e.Logger.Warn("history journal read failed", zap.Error(err))
	}

	if loaded == 0 {
		return
	}
	if e.MaxSegments > 0 && len(e.segments) > e.MaxSegments {
		e.pruneLocked(e.Now(), true)
		e.compactDirty = true
	}
	metrics.HistorySegments.Set(float64(len(e.segments)))
	e.Logger.Info("history journal loaded",
		zap.Int("segments", len(e.segments)),
		zap.Int("edges", len(e.edges)),
	)
}

// CompactIfDirty rewrites the journal atomically when any prune has
// dropped segments since the last rewrite.
func (e *Engine) CompactIfDirty() error {
	if !e.Enabled || e.FilePath == "" {
		return nil
	}
	e.mu.Lock()
	if !e.compactDirty {
		e.mu.Unlock()
		return nil
	}
	segments := make([]Segment, len(e.segments))
	copy(segments, e.segments)
	e.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(e.FilePath), 0o755); err != nil {
		return fmt.Errorf("history compact mkdir: %w", err)
	}
	tmp := e.FilePath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("history compact create: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, entry := range segments {
		line, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("history compact write: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("history compact close: %w", err)
	}
	if err := os.Rename(tmp, e.FilePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("history compact rename: %w", err)
	}

	e.mu.Lock()
	e.compactDirty = false
	e.mu.Unlock()
	e.Logger.Debug("history journal compacted", zap.Int("segments", len(segments)))
	return nil
}
