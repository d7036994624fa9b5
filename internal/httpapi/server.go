// Package httpapi serves the websocket feed, the pull query surface and
// the debug endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mesh-live/map-server/internal/broadcast"
	"github.com/mesh-live/map-server/internal/decoder"
	"github.com/mesh-live/map-server/internal/geo"
	"github.com/mesh-live/map-server/internal/history"
	"github.com/mesh-live/map-server/internal/state"
)

// DecoderStatus exposes the external decoder probe outcome for /stats.
type DecoderStatus interface {
	Ready() bool
	Unavailable() bool
}

// DebugInfo is static configuration echoed by the non-prod /stats view.
type DebugInfo struct {
	DecoderEnabled    bool
	RoutePayloadTypes []int
	DirectCoordsMode  string
	TopicRegex        string
	TopicRegexValid   bool
	AllowZero         bool
}

type Server struct {
	srv      *http.Server
	store    *state.Store
	history  *history.Engine
	hub      *broadcast.Hub
	composer *broadcast.Composer
	decoder  DecoderStatus
	info     DebugInfo

	prod        bool
	prodToken   string
	forcedNames map[string]bool
	logger      *zap.Logger
	now         func() float64
	upgrader    websocket.Upgrader
}

type Options struct {
	Addr        string
	Store       *state.Store
	History     *history.Engine
	Hub         *broadcast.Hub
	Composer    *broadcast.Composer
	Decoder     DecoderStatus
	Info        DebugInfo
	Prod        bool
	ProdToken   string
	ForcedNames map[string]bool
	Logger      *zap.Logger
	Now         func() float64
}

func NewServer(opts Options) *Server {
	s := &Server{
		store:       opts.Store,
		history:     opts.History,
		hub:         opts.Hub,
		composer:    opts.Composer,
		decoder:     opts.Decoder,
		info:        opts.Info,
		prod:        opts.Prod,
		prodToken:   opts.ProdToken,
		forcedNames: opts.ForcedNames,
		logger:      opts.Logger,
		now:         opts.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/nodes", s.handleNodes)
	mux.HandleFunc("/peers/", s.handlePeers)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/debug/last", s.handleDebugLast)
	mux.HandleFunc("/debug/status", s.handleDebugStatus)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    opts.Addr,
		Handler: mux,
	}
	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ---- auth ----

func extractHeaderToken(h http.Header) string {
	if auth := strings.TrimSpace(h.Get("Authorization")); auth != "" {
		parts := strings.Fields(auth)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return auth
	}
	if t := h.Get("X-Access-Token"); t != "" {
		return t
	}
	return h.Get("X-Token")
}

func requestToken(r *http.Request) string {
	q := r.URL.Query()
	if t := q.Get("token"); t != "" {
		return t
	}
	if t := q.Get("access_token"); t != "" {
		return t
	}
	return extractHeaderToken(r.Header)
}

// authorize enforces the production token. Outside production every
// request passes.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if !s.prod {
		return true
	}
	if s.prodToken == "" {
		writeError(w, http.StatusServiceUnavailable, "prod_token_not_set")
		return false
	}
	if requestToken(r) != s.prodToken {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	return true
}

func (s *Server) wsAuthorized(r *http.Request) bool {
	if !s.prod {
		return true
	}
	if s.prodToken == "" {
		return false
	}
	return requestToken(r) == s.prodToken
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// ---- websocket ----

// handleWS upgrades, sends the initial snapshot, then discards inbound
// frames until the peer disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	authorized := s.wsAuthorized(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if !authorized {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	client := s.hub.Add(conn)
	frame, err := s.composer.SnapshotFrame()
	if err != nil {
		s.logger.Error("snapshot marshal failed", zap.Error(err))
		s.hub.Remove(client)
		return
	}
	if !s.hub.SendTo(client, frame) {
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.hub.Remove(client)
}

// ---- pull endpoints ----

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	doc := s.composer.SnapshotDoc()
	delete(doc, "type")
	doc["server_time"] = s.now()
	writeJSON(w, http.StatusOK, doc)
}

type nodePayload struct {
	PublicKey      string         `json:"public_key"`
	Name           string         `json:"name"`
	DeviceRole     int            `json:"device_role"`
	Role           string         `json:"role,omitempty"`
	Location       map[string]any `json:"location"`
	Lat            float64        `json:"lat"`
	Lon            float64        `json:"lon"`
	LastSeenTS     float64        `json:"last_seen_ts"`
	LastSeen       string         `json:"last_seen,omitempty"`
	Timestamp      int64          `json:"timestamp,omitempty"`
	FirstSeen      string         `json:"first_seen,omitempty"`
	BatteryVoltage int            `json:"battery_voltage"`
}

func isoFromTS(ts float64) string {
	if ts <= 0 {
		return ""
	}
	return time.Unix(int64(ts), 0).UTC().Format("2006-01-02T15:04:05Z")
}

func parseUpdatedSince(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return float64(t.Unix()), true
		}
	}
	return 0, false
}

func (s *Server) nodePayload(d state.Device) nodePayload {
	lastSeen := d.TS
	if ts, ok := s.store.Seen(d.DeviceID); ok {
		lastSeen = ts
	}
	name := d.Name
	if name == "" {
		name = s.store.Name(d.DeviceID)
	}
	role := d.Role
	if role == "" {
		role = s.store.Role(d.DeviceID)
	}
	iso := isoFromTS(lastSeen)
	return nodePayload{
		PublicKey:  d.DeviceID,
		Name:       name,
		DeviceRole: decoder.RoleCode(role),
		Role:       role,
		Location: map[string]any{
			"latitude":  d.Lat,
			"longitude": d.Lon,
		},
		Lat:            d.Lat,
		Lon:            d.Lon,
		LastSeenTS:     lastSeen,
		LastSeen:       iso,
		Timestamp:      int64(lastSeen),
		FirstSeen:      iso,
		BatteryVoltage: 0,
	}
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	q := r.URL.Query()
	cutoff, cutoffOK := parseUpdatedSince(q.Get("updated_since"))
	mode := strings.ToLower(strings.TrimSpace(q.Get("mode")))
	applyDelta := mode == "delta" || mode == "updates" || mode == "since"
	format := strings.ToLower(strings.TrimSpace(q.Get("format")))
	formatFlat := format == "flat" || format == "list" || format == "legacy" || format == "v1"

	var nodes []nodePayload
	maxLastSeen := 0.0
	for _, d := range s.store.DevicesSnapshot() {
		payload := s.nodePayload(d)
		if payload.LastSeenTS > maxLastSeen {
			maxLastSeen = payload.LastSeenTS
		}
		if applyDelta && cutoffOK && payload.LastSeenTS < cutoff {
			continue
		}
		nodes = append(nodes, payload)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].PublicKey < nodes[j].PublicKey })
	if nodes == nil {
		nodes = []nodePayload{}
	}

	resp := map[string]any{
		"server_time":           s.now(),
		"updated_since_applied": applyDelta && cutoffOK,
		"updated_since_ignored": q.Get("updated_since") != "" && !applyDelta,
	}
	if maxLastSeen > 0 {
		resp["max_last_seen_ts"] = maxLastSeen
	} else {
		resp["max_last_seen_ts"] = nil
	}
	if formatFlat {
		resp["data"] = nodes
	} else {
		resp["data"] = map[string]any{"nodes": nodes}
	}
	writeJSON(w, http.StatusOK, resp)
}

// peerExcluded hides forced-online placeholder nodes from peer stats.
func (s *Server) peerExcluded(peerID string) bool {
	if len(s.forcedNames) == 0 {
		return false
	}
	name := ""
	if d, ok := s.store.Device(peerID); ok {
		name = d.Name
	}
	if name == "" {
		name = s.store.Name(peerID)
	}
	if name == "" {
		return false
	}
	return s.forcedNames[strings.ToLower(strings.TrimSpace(name))]
}

func (s *Server) describePeer(peerID string) (name, role string, lat, lon *float64, lastSeen float64) {
	if d, ok := s.store.Device(peerID); ok {
		name = d.Name
		role = d.Role
		if !geo.CoordsZero(d.Lat, d.Lon) {
			la, lo := d.Lat, d.Lon
			lat, lon = &la, &lo
		}
		lastSeen = d.TS
	}
	if name == "" {
		name = s.store.Name(peerID)
	}
	if role == "" {
		role = s.store.Role(peerID)
	}
	if ts, ok := s.store.Seen(peerID); ok {
		lastSeen = ts
	}
	return name, role, lat, lon, lastSeen
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	deviceID := strings.TrimPrefix(r.URL.Path, "/peers/")
	if deviceID == "" || strings.Contains(deviceID, "/") {
		writeError(w, http.StatusBadRequest, "device_id required")
		return
	}

	limit := 8
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 50 {
		limit = 50
	}

	stats := s.history.Peers(deviceID, limit, s.peerExcluded, s.describePeer)

	resp := map[string]any{
		"device_id":      stats.DeviceID,
		"incoming_total": stats.IncomingTotal,
		"outgoing_total": stats.OutgoingTotal,
		"incoming":       stats.Incoming,
		"outgoing":       stats.Outgoing,
		"window_hours":   stats.WindowHours,
		"server_time":    s.now(),
	}
	if d, ok := s.store.Device(deviceID); ok {
		if !geo.CoordsZero(d.Lat, d.Lon) {
			resp["lat"] = d.Lat
			resp["lon"] = d.Lon
		}
		name := d.Name
		if name == "" {
			name = s.store.Name(deviceID)
		}
		resp["name"] = name
		role := d.Role
		if role == "" {
			role = s.store.Role(deviceID)
		}
		if role != "" {
			resp["role"] = role
		}
		lastSeen := d.TS
		if ts, ok := s.store.Seen(deviceID); ok {
			lastSeen = ts
		}
		resp["last_seen_ts"] = lastSeen
	} else {
		resp["name"] = s.store.Name(deviceID)
		if ts, ok := s.store.Seen(deviceID); ok {
			resp["last_seen_ts"] = ts
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---- stats and debug ----

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, results, topics := s.store.StatsSnapshot()

	if s.prod {
		writeJSON(w, http.StatusOK, map[string]any{
			"stats": map[string]any{
				"received_total": stats.ReceivedTotal,
				"parsed_total":   stats.ParsedTotal,
				"unparsed_total": stats.UnparsedTotal,
				"last_rx_ts":     stats.LastRxTS,
				"last_parsed_ts": stats.LastParsedTS,
			},
			"result_counts":      results,
			"mapped_devices":     s.store.DeviceCount(),
			"route_count":        s.store.RouteCount(),
			"history_edge_count": s.history.EdgeCount(),
			"seen_devices":       len(s.store.SeenSnapshot()),
			"server_time":        s.now(),
		})
		return
	}

	type kv struct {
		Key   string  `json:"key"`
		Value float64 `json:"value"`
	}
	topTopics := make([]kv, 0, len(topics))
	for topic, n := range topics {
		topTopics = append(topTopics, kv{topic, float64(n)})
	}
	sort.Slice(topTopics, func(i, j int) bool {
		if topTopics[i].Value != topTopics[j].Value {
			return topTopics[i].Value > topTopics[j].Value
		}
		return topTopics[i].Key < topTopics[j].Key
	})
	if len(topTopics) > 20 {
		topTopics = topTopics[:20]
	}

	seen := s.store.SeenSnapshot()
	seenRecent := make([]kv, 0, len(seen))
	for id, ts := range seen {
		seenRecent = append(seenRecent, kv{id, ts})
	}
	sort.Slice(seenRecent, func(i, j int) bool {
		if seenRecent[i].Value != seenRecent[j].Value {
			return seenRecent[i].Value > seenRecent[j].Value
		}
		return seenRecent[i].Key < seenRecent[j].Key
	})
	if len(seenRecent) > 20 {
		seenRecent = seenRecent[:20]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stats":              stats,
		"result_counts":      results,
		"mapped_devices":     s.store.DeviceCount(),
		"route_count":        s.store.RouteCount(),
		"history_edge_count": s.history.EdgeCount(),
		"history_segments":   s.history.SegmentCount(),
		"seen_devices":       len(seen),
		"seen_recent":        seenRecent,
		"top_topics":         topTopics,
		"decoder": map[string]any{
			"enabled":     s.info.DecoderEnabled,
			"ready":       s.decoder != nil && s.decoder.Ready(),
			"unavailable": s.decoder != nil && s.decoder.Unavailable(),
		},
		"route_payload_types": s.info.RoutePayloadTypes,
		"direct_coords": map[string]any{
			"mode":        s.info.DirectCoordsMode,
			"topic_regex": s.info.TopicRegex,
			"regex_valid": s.info.TopicRegexValid,
			"allow_zero":  s.info.AllowZero,
		},
		"clients":     s.hub.ClientCount(),
		"server_time": s.now(),
	})
}

func (s *Server) handleDebugLast(w http.ResponseWriter, r *http.Request) {
	if s.prod {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	items := s.store.DebugEntries()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(items),
		"items":       items,
		"server_time": s.now(),
	})
}

func (s *Server) handleDebugStatus(w http.ResponseWriter, r *http.Request) {
	if s.prod {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	items := s.store.StatusEntries()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(items),
		"items":       items,
		"server_time": s.now(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
