// Package state owns the live in-memory view of the mesh: devices,
// trails, ephemeral routes, heat, seen maps, the message-origin cache,
// the neighbor graph and the node-hash lookup tables.
//
// A single coarse RWMutex guards everything. The broker callback only
// touches counters, rings, seen maps and the message-origin cache; all
// entity mutation happens on the broadcaster/reaper goroutines. HTTP
// handlers read through the same lock.
package state

import (
	"sort"
	"strings"
	"sync"
)

// Device is keyed by device-id (opaque, typically a public key).
// Timestamps across the module are float64 unix seconds; the snapshot
// and journal formats encode them that way.
type Device struct {
	DeviceID string   `json:"device_id"`
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	TS       float64  `json:"ts"`
	Heading  *float64 `json:"heading,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
	RSSI     *float64 `json:"rssi,omitempty"`
	SNR      *float64 `json:"snr,omitempty"`
	Name     string   `json:"name,omitempty"`
	Role     string   `json:"role,omitempty"`
	RawTopic string   `json:"raw_topic,omitempty"`
}

// TrailPoint marshals as [lat, lon, ts].
type TrailPoint [3]float64

// Route is an ephemeral polyline for one packet.
type Route struct {
	ID          string       `json:"id"`
	Points      [][2]float64 `json:"points"`
	Hashes      []string     `json:"hashes,omitempty"`
	PointIDs    []string     `json:"point_ids,omitempty"`
	Mode        string       `json:"route_mode"`
	TS          float64      `json:"ts"`
	ExpiresAt   float64      `json:"expires_at"`
	OriginID    string       `json:"origin_id,omitempty"`
	ReceiverID  string       `json:"receiver_id,omitempty"`
	PayloadType *int         `json:"payload_type,omitempty"`
	MessageHash string       `json:"message_hash,omitempty"`
	SNRValues   []float64    `json:"snr_values,omitempty"`
	Topic       string       `json:"topic,omitempty"`
}

type HeatEvent struct {
	Lat    float64
	Lon    float64
	TS     float64
	Weight float64
}

// MessageOrigin caches fan-out evidence per message hash.
type MessageOrigin struct {
	OriginID  string
	FirstRx   string
	Receivers map[string]bool
	TS        float64
}

// NeighborEdge is directed; manual edges come from the overrides file
// and never expire.
type NeighborEdge struct {
	Count    int
	LastSeen float64
	Manual   bool
}

type Stats struct {
	ReceivedTotal   int64   `json:"received_total"`
	ParsedTotal     int64   `json:"parsed_total"`
	UnparsedTotal   int64   `json:"unparsed_total"`
	LastRxTS        float64 `json:"last_rx_ts,omitempty"`
	LastRxTopic     string  `json:"last_rx_topic,omitempty"`
	LastParsedTS    float64 `json:"last_parsed_ts,omitempty"`
	LastParsedTopic string  `json:"last_parsed_topic,omitempty"`
}

// DebugEntry captures one probe attempt for the /debug/last ring.
type DebugEntry struct {
	TS             float64        `json:"ts"`
	Topic          string         `json:"topic"`
	Result         string         `json:"result"`
	FoundPath      string         `json:"found_path,omitempty"`
	FoundHint      string         `json:"found_hint,omitempty"`
	DecoderMeta    map[string]any `json:"decoder_meta,omitempty"`
	RoleTargetID   string         `json:"role_target_id,omitempty"`
	PacketHash     string         `json:"packet_hash,omitempty"`
	Direction      string         `json:"direction,omitempty"`
	JSONKeys       []string       `json:"json_keys,omitempty"`
	ParseError     string         `json:"parse_error,omitempty"`
	OriginID       string         `json:"origin_id,omitempty"`
	PayloadPreview string         `json:"payload_preview,omitempty"`
}

// StatusEntry captures one /status topic message.
type StatusEntry struct {
	TS             float64  `json:"ts"`
	Topic          string   `json:"topic"`
	DeviceName     string   `json:"device_name,omitempty"`
	DeviceRole     string   `json:"device_role,omitempty"`
	OriginID       string   `json:"origin_id,omitempty"`
	JSONKeys       []string `json:"json_keys,omitempty"`
	PayloadPreview string   `json:"payload_preview,omitempty"`
}

type Store struct {
	mu sync.RWMutex

	stats        Stats
	resultCounts map[string]int64
	topicCounts  map[string]int64

	devices           map[string]Device
	trails            map[string][]TrailPoint
	routes            map[string]Route
	heat              []HeatEvent
	seen              map[string]float64
	brokerSeen        map[string]float64
	lastSeenBroadcast map[string]float64
	names             map[string]string
	roles             map[string]string
	roleSources       map[string]string
	messageOrigins    map[string]*MessageOrigin
	neighbors         map[string]map[string]*NeighborEdge

	hashToDevice   map[string]string
	hashCollisions map[string]bool
	hashCandidates map[string][]string

	debugRing  []DebugEntry
	statusRing []StatusEntry
	debugMax   int
	statusMax  int

	dirty bool
}

func NewStore(debugMax, statusMax int) *Store {
	return &Store{
		resultCounts:      make(map[string]int64),
		topicCounts:       make(map[string]int64),
		devices:           make(map[string]Device),
		trails:            make(map[string][]TrailPoint),
		routes:            make(map[string]Route),
		seen:              make(map[string]float64),
		brokerSeen:        make(map[string]float64),
		lastSeenBroadcast: make(map[string]float64),
		names:             make(map[string]string),
		roles:             make(map[string]string),
		roleSources:       make(map[string]string),
		messageOrigins:    make(map[string]*MessageOrigin),
		neighbors:         make(map[string]map[string]*NeighborEdge),
		hashToDevice:      make(map[string]string),
		hashCollisions:    make(map[string]bool),
		hashCandidates:    make(map[string][]string),
		debugMax:          debugMax,
		statusMax:         statusMax,
	}
}

// ---- counters, rings ----

func (s *Store) MarkReceived(topic string, ts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.ReceivedTotal++
	s.stats.LastRxTS = ts
	s.stats.LastRxTopic = topic
	s.topicCounts[topic]++
}

func (s *Store) MarkParsed(topic string, ts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.ParsedTotal++
	s.stats.LastParsedTS = ts
	s.stats.LastParsedTopic = topic
}

func (s *Store) MarkUnparsed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.UnparsedTotal++
}

func (s *Store) BumpResult(result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resultCounts[result]++
}

func (s *Store) StatsSnapshot() (Stats, map[string]int64, map[string]int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	results := make(map[string]int64, len(s.resultCounts))
	for k, v := range s.resultCounts {
		results[k] = v
	}
	topics := make(map[string]int64, len(s.topicCounts))
	for k, v := range s.topicCounts {
		topics[k] = v
	}
	return s.stats, results, topics
}

func (s *Store) RecordDebug(entry DebugEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debugRing = append(s.debugRing, entry)
	if s.debugMax > 0 && len(s.debugRing) > s.debugMax {
		s.debugRing = s.debugRing[len(s.debugRing)-s.debugMax:]
	}
}

func (s *Store) RecordStatus(entry StatusEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusRing = append(s.statusRing, entry)
	if s.statusMax > 0 && len(s.statusRing) > s.statusMax {
		s.statusRing = s.statusRing[len(s.statusRing)-s.statusMax:]
	}
}

// DebugEntries returns the ring newest-first.
func (s *Store) DebugEntries() []DebugEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DebugEntry, len(s.debugRing))
	for i, e := range s.debugRing {
		out[len(s.debugRing)-1-i] = e
	}
	return out
}

func (s *Store) StatusEntries() []StatusEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StatusEntry, len(s.statusRing))
	for i, e := range s.statusRing {
		out[len(s.statusRing)-1-i] = e
	}
	return out
}

// ---- seen tracking ----

// TouchSeen records broker-level liveness for a topic-implied device and
// reports whether a device_seen event should be broadcast (device is
// mapped and the min-interval since the last broadcast has elapsed).
func (s *Store) TouchSeen(id string, now, minInterval float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[id] = now
	s.brokerSeen[id] = now
	if _, ok := s.devices[id]; !ok {
		return false
	}
	if now-s.lastSeenBroadcast[id] < minInterval {
		return false
	}
	s.lastSeenBroadcast[id] = now
	return true
}

// ApplySeen is the broadcaster-side application of a device_seen event.
func (s *Store) ApplySeen(id string, seenTS, brokerTS float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[id]; !ok {
		return false
	}
	s.seen[id] = seenTS
	if brokerTS > 0 {
		s.brokerSeen[id] = brokerTS
	}
	return true
}

func (s *Store) Seen(id string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.seen[id]
	return ts, ok
}

func (s *Store) BrokerSeen(id string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.brokerSeen[id]
	return ts, ok
}

// ---- devices and trails ----

func (s *Store) Device(id string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	return d, ok
}

func (s *Store) DeviceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// SetDevice stores a device, records liveness and reports whether the
// id was previously unknown (callers rebuild the hash map on true).
func (s *Store) SetDevice(d Device, now float64) (isNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.devices[d.DeviceID]
	s.devices[d.DeviceID] = d
	s.seen[d.DeviceID] = now
	if d.Name != "" {
		s.names[d.DeviceID] = d.Name
	}
	if d.Role != "" {
		s.roles[d.DeviceID] = d.Role
	}
	s.dirty = true
	return !existed
}

func (s *Store) UpdateDevice(id string, fn func(*Device)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return false
	}
	fn(&d)
	s.devices[id] = d
	return true
}

// AppendTrail appends a point and truncates to maxLen. maxLen <= 0
// drops the trail entirely.
func (s *Store) AppendTrail(id string, p TrailPoint, maxLen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxLen <= 0 {
		delete(s.trails, id)
		return
	}
	trail := append(s.trails[id], p)
	if len(trail) > maxLen {
		trail = trail[len(trail)-maxLen:]
	}
	s.trails[id] = trail
}

func (s *Store) Trail(id string) []TrailPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trail := s.trails[id]
	out := make([]TrailPoint, len(trail))
	copy(out, trail)
	return out
}

// Evict removes a device from every liveness structure. Returns whether
// the device was actually mapped.
func (s *Store) Evict(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, removed := s.devices[id]
	delete(s.devices, id)
	delete(s.trails, id)
	delete(s.seen, id)
	delete(s.brokerSeen, id)
	delete(s.lastSeenBroadcast, id)
	if removed {
		s.dirty = true
		s.rebuildHashMapLocked()
	}
	return removed
}

// StaleDevices returns ids whose position ts is older than ttl.
func (s *Store) StaleDevices(now, ttl float64) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []string
	for id, d := range s.devices {
		if now-d.TS > ttl {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}

// ---- names, roles ----

func (s *Store) Name(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.names[id]
}

// SetName reports whether the stored name changed.
func (s *Store) SetName(id, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.names[id] == name {
		return false
	}
	s.names[id] = name
	if d, ok := s.devices[id]; ok {
		d.Name = name
		s.devices[id] = d
	}
	s.dirty = true
	return true
}

func (s *Store) Role(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roles[id]
}

// SetRole reports whether the stored role changed. Override-sourced
// roles are not displaced by explicit packet evidence.
func (s *Store) SetRole(id, role, source string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if source != "override" && s.roleSources[id] == "override" {
		return false
	}
	if s.roles[id] == role {
		return false
	}
	s.roles[id] = role
	s.roleSources[id] = source
	if d, ok := s.devices[id]; ok {
		d.Role = role
		s.devices[id] = d
	}
	s.dirty = true
	return true
}

// ---- routes, heat ----

func (s *Store) SetRoute(r Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[r.ID] = r
}

func (s *Store) RouteCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.routes)
}

func (s *Store) Routes() []Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Route, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) DeleteRoutes(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.routes, id)
	}
}

// ExpiredRoutes returns ids whose expires_at has passed.
func (s *Store) ExpiredRoutes(now float64) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, r := range s.routes {
		if now > r.ExpiresAt {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ZeroPointRoutes returns ids of routes containing a (0,0) point.
func (s *Store) ZeroPointRoutes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, r := range s.routes {
		for _, p := range r.Points {
			if coordsZero(p[0], p[1]) {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func (s *Store) AppendHeat(points [][2]float64, ts, weight float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		s.heat = append(s.heat, HeatEvent{Lat: p[0], Lon: p[1], TS: ts, Weight: weight})
	}
}

func (s *Store) PruneHeat(cutoff float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.heat[:0]
	for _, e := range s.heat {
		if e.TS >= cutoff {
			kept = append(kept, e)
		}
	}
	s.heat = kept
}

// HeatSince serializes heat events newer than cutoff as
// [lat, lon, ts, weight] tuples.
func (s *Store) HeatSince(cutoff float64) [][4]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][4]float64, 0, len(s.heat))
	for _, e := range s.heat {
		if e.TS >= cutoff {
			out = append(out, [4]float64{e.Lat, e.Lon, e.TS, e.Weight})
		}
	}
	return out
}

// ---- message-origin cache ----

// ResolveMessageOrigin applies fan-out evidence for one message and
// returns the inferred route origin (may be empty). routeOrigin is the
// decoded origin when known; originHint is the payload- or
// topic-declared sender recorded on tx. On rx the receiver set and
// first-rx are updated. When no origin was decoded the cache's origin
// wins, then for rx the first receiver, provided this receiver differs
// from it.
func (s *Store) ResolveMessageOrigin(hash, direction, routeOrigin, originHint, receiverID string, now float64) string {
	if hash == "" {
		return routeOrigin
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cache := s.messageOrigins[hash]
	if cache == nil {
		cache = &MessageOrigin{Receivers: make(map[string]bool)}
		s.messageOrigins[hash] = cache
	}
	cache.TS = now
	if direction == "tx" {
		originForTx := originHint
		if originForTx == "" {
			originForTx = receiverID
		}
		if originForTx != "" {
			cache.OriginID = originForTx
		}
	}
	if direction == "rx" && receiverID != "" {
		cache.Receivers[receiverID] = true
		if cache.FirstRx == "" {
			cache.FirstRx = receiverID
		}
	}
	if routeOrigin == "" && cache.OriginID != "" {
		routeOrigin = cache.OriginID
	}
	if routeOrigin == "" && direction == "rx" &&
		cache.FirstRx != "" && receiverID != "" && receiverID != cache.FirstRx {
		routeOrigin = cache.FirstRx
	}
	return routeOrigin
}

func (s *Store) PruneMessageOrigins(cutoff float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for hash, info := range s.messageOrigins {
		if info.TS < cutoff {
			delete(s.messageOrigins, hash)
			removed++
		}
	}
	return removed
}

// ---- neighbor graph ----

func (s *Store) TouchNeighbor(src, dst string, ts float64, manual bool) {
	if src == "" || dst == "" || src == dst {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchNeighborLocked(src, dst, ts, manual)
}

func (s *Store) touchNeighborLocked(src, dst string, ts float64, manual bool) {
	edges := s.neighbors[src]
	if edges == nil {
		edges = make(map[string]*NeighborEdge)
		s.neighbors[src] = edges
	}
	entry := edges[dst]
	if entry == nil {
		entry = &NeighborEdge{}
		edges[dst] = entry
	}
	if manual {
		entry.Manual = true
	} else {
		entry.Count++
	}
	if ts > entry.LastSeen {
		entry.LastSeen = ts
	}
}

// RecordNeighbors registers every consecutive pair of a resolved path,
// both directions, non-manual.
func (s *Store) RecordNeighbors(pointIDs []string, ts float64) {
	if len(pointIDs) < 2 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < len(pointIDs)-1; i++ {
		src, dst := pointIDs[i], pointIDs[i+1]
		if src == "" || dst == "" || src == dst {
			continue
		}
		s.touchNeighborLocked(src, dst, ts, false)
		s.touchNeighborLocked(dst, src, ts, false)
	}
}

func (s *Store) PruneNeighbors(cutoff float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for src, edges := range s.neighbors {
		for dst, entry := range edges {
			if entry.Manual {
				continue
			}
			if entry.LastSeen < cutoff {
				delete(edges, dst)
			}
		}
		if len(edges) == 0 {
			delete(s.neighbors, src)
		}
	}
}

func (s *Store) Neighbors(src string) map[string]NeighborEdge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]NeighborEdge, len(s.neighbors[src]))
	for dst, e := range s.neighbors[src] {
		out[dst] = *e
	}
	return out
}

// ---- seen map pruning ----

func (s *Store) PruneSeen(cutoff float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, last := range s.seen {
		if last < cutoff {
			delete(s.seen, id)
		}
	}
}

// ---- node-hash map ----

// RebuildNodeHashMap recomputes the two-hex-prefix lookup. A prefix with
// exactly one candidate maps to it; prefixes shared by several devices
// are marked collided and publish no mapping.
func (s *Store) RebuildNodeHashMap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuildHashMapLocked()
}

func (s *Store) rebuildHashMapLocked() {
	candidates := make(map[string][]string)
	for id := range s.devices {
		h := nodeHashFromDeviceID(id)
		if h == "" {
			continue
		}
		candidates[h] = append(candidates[h], id)
	}
	mapping := make(map[string]string)
	collisions := make(map[string]bool)
	for h, ids := range candidates {
		sort.Strings(ids)
		if len(ids) == 1 {
			mapping[h] = ids[0]
		} else {
			collisions[h] = true
		}
	}
	s.hashCandidates = candidates
	s.hashCollisions = collisions
	s.hashToDevice = mapping
}

// DeviceForHash resolves a node-hash. Unambiguous prefixes resolve via
// the published mapping; collided prefixes pick the candidate whose
// last-seen is closest to ts among candidates with non-zero coordinates.
// Candidate lists are sorted, so equal deltas keep the smallest id.
func (s *Store) DeviceForHash(hash string, ts float64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.hashToDevice[hash]; ok {
		return id, true
	}
	if !s.hashCollisions[hash] {
		return "", false
	}
	bestID := ""
	bestDelta := -1.0
	for _, id := range s.hashCandidates[hash] {
		d, ok := s.devices[id]
		if !ok || coordsZero(d.Lat, d.Lon) {
			continue
		}
		lastSeen := s.seen[id]
		if lastSeen == 0 {
			lastSeen = d.TS
		}
		delta := lastSeen - ts
		if delta < 0 {
			delta = -delta
		}
		if bestDelta < 0 || delta < bestDelta {
			bestDelta = delta
			bestID = id
		}
	}
	return bestID, bestID != ""
}

func nodeHashFromDeviceID(id string) string {
	if len(id) < 2 {
		return ""
	}
	h := strings.ToUpper(id[:2])
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return ""
		}
	}
	return h
}

func coordsZero(lat, lon float64) bool {
	return lat > -1e-6 && lat < 1e-6 && lon > -1e-6 && lon < 1e-6
}

// ---- dirty flag ----

func (s *Store) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
}

// ConsumeDirty reports and clears the dirty flag in one step.
func (s *Store) ConsumeDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.dirty
	s.dirty = false
	return was
}

func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// ---- snapshots for persistence and the query surface ----

func (s *Store) DevicesSnapshot() map[string]Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Device, len(s.devices))
	for id, d := range s.devices {
		out[id] = d
	}
	return out
}

func (s *Store) TrailsSnapshot() map[string][]TrailPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]TrailPoint, len(s.trails))
	for id, trail := range s.trails {
		cp := make([]TrailPoint, len(trail))
		copy(cp, trail)
		out[id] = cp
	}
	return out
}

func (s *Store) SeenSnapshot() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.seen))
	for id, ts := range s.seen {
		out[id] = ts
	}
	return out
}

func (s *Store) NamesSnapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.names))
	for id, n := range s.names {
		out[id] = n
	}
	return out
}

func (s *Store) RolesSnapshot() (map[string]string, map[string]string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roles := make(map[string]string, len(s.roles))
	for id, r := range s.roles {
		roles[id] = r
	}
	sources := make(map[string]string, len(s.roleSources))
	for id, src := range s.roleSources {
		sources[id] = src
	}
	return roles, sources
}

// ReplaceAll installs loader output wholesale and rebuilds the hash map.
func (s *Store) ReplaceAll(devices map[string]Device, trails map[string][]TrailPoint,
	seen map[string]float64, names, roles, roleSources map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = devices
	s.trails = trails
	s.seen = seen
	s.names = names
	s.roles = roles
	s.roleSources = roleSources
	for id, d := range s.devices {
		if d.Name == "" {
			d.Name = s.names[id]
		}
		d.Role = s.roles[id]
		s.devices[id] = d
	}
	s.rebuildHashMapLocked()
}
