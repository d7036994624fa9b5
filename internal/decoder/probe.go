// Package decoder turns raw broker payloads into normalized position
// records. Probing walks a fixed search order: JSON lat/lon keys, inline
// coordinates in string leaves, an embedded packet blob handed to the
// external binary decoder, then bare hex / base64 / raw-binary payloads.
package decoder

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

func parseJSON(text string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, err
	}
	return v, nil
}

var latKeys = []string{"lat", "latitude"}
var lonKeys = []string{"lon", "lng", "longitude"}

// e.g. "lat 42.3601 lon -71.0589" or "lat=42.36, lon=-71.05"
var reLatLon = regexp.MustCompile(`(?i)\blat(?:itude)?\b\s*[:=]?\s*(-?\d+(?:\.\d+)?)\s*[, ]+\s*\b(?:lon|lng|longitude)\b\s*[:=]?\s*(-?\d+(?:\.\d+)?)`)

// e.g. "42.3601 -71.0589" (two free-standing floats)
var reTwoFloats = regexp.MustCompile(`(-?\d{1,2}\.\d+)\s*[,\s]\s*(-?\d{1,3}\.\d+)`)

var base64Like = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)
var hexOnly = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// Candidate keys tried first when hunting for a packet blob.
var likelyPacketKeys = map[string]bool{
	"hex": true, "raw": true, "packet": true, "packet_hex": true,
	"frame": true, "data": true, "payload": true, "mesh_packet": true,
	"meshcore_packet": true, "rx_packet": true, "bytes": true, "packet_bytes": true,
}

var locationHintKeys = map[string]bool{
	"location": true, "gps": true, "position": true, "coords": true,
	"coordinate": true, "geo": true, "geolocation": true, "latlon": true,
}

// Position is a normalized parse result.
type Position struct {
	DeviceID string
	Lat      float64
	Lon      float64
	TS       float64
	Heading  *float64
	Speed    *float64
	RSSI     *float64
	SNR      *float64
	Name     string
	Role     string
}

// Debug captures everything the probe learned about one payload,
// whether or not it produced a position.
type Debug struct {
	Result        string
	FoundPath     string
	FoundHint     string
	DecoderMeta   map[string]any
	JSONKeys      []string
	ParseError    string
	OriginID      string
	DeviceName    string
	DeviceRole    string
	DecodedPubkey string
	PacketHash    string
	Direction     string
	PacketType    string
}

// HexDecoder is the external binary decoder contract. Meta is nil when
// the decoder is unavailable or did not run.
type HexDecoder interface {
	DecodeHex(hexStr string) (lat, lon *float64, pubkey, name string, meta map[string]any)
}

// Prober applies the probing order plus the direct-coordinate policy.
type Prober struct {
	Decoder    HexDecoder
	Mode       string // off | any | topic | strict
	TopicRE    *regexp.Regexp
	AllowZero  bool
	TopicRoot  string
	PreviewMax int
	Now        func() float64
}

func (p *Prober) now() float64 {
	if p.Now != nil {
		return p.Now()
	}
	return 0
}

// DeviceIDFromTopic returns the third path segment of a
// `<root>/<x>/<device-id>/...` topic, or "".
func (p *Prober) DeviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 3 && parts[0] == p.TopicRoot {
		return parts[2]
	}
	return ""
}

// Probe runs the search order of the payload prober. A nil Position
// with a populated Debug means the payload was unusable; the Debug
// record always explains why.
func (p *Prober) Probe(topic string, payload []byte) (*Position, *Debug) {
	dbg := &Debug{Result: "no_coords"}

	text := strings.TrimSpace(string(bytesToValidUTF8(payload)))

	var obj any
	if strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}") {
		parsed, err := parseJSON(text)
		if err != nil {
			dbg.ParseError = err.Error()
		} else {
			obj = parsed
			if m, ok := obj.(map[string]any); ok {
				dbg.JSONKeys = sortedKeys(m, 50)
				dbg.OriginID = firstString(m, "origin_id", "originId")
				dbg.DeviceName = extractDeviceName(m, topic)
				dbg.DeviceRole = extractDeviceRole(m)
				dbg.Direction = stringValue(m["direction"])
				dbg.PacketHash = firstString(m, "hash", "message_hash", "messageHash")
				dbg.PacketType = firstString(m, "packet_type", "packetType", "type")
			}
		}
	}

	if obj != nil {
		// Step 1: lat/lon keys anywhere in the object.
		if lat, lon, ok := findLatLonInJSON(obj); ok {
			if !p.directCoordsAllowed(topic, obj) {
				dbg.Result = "direct_blocked"
				return nil, dbg
			}
			if !p.AllowZero && coordsZero(lat, lon) {
				dbg.Result = "direct_zero_coords"
				return nil, dbg
			}
			dbg.Result = "direct_json"
			pos := &Position{
				DeviceID: p.extractDeviceID(obj, topic, ""),
				Lat:      lat,
				Lon:      lon,
				TS:       p.timestampFrom(obj),
				Role:     dbg.DeviceRole,
			}
			if m, ok := obj.(map[string]any); ok {
				pos.Heading = floatPtr(m["heading"])
				pos.Speed = floatPtr(m["speed"])
				pos.RSSI = floatPtr(m["rssi"])
				pos.SNR = floatPtr(m["snr"])
			}
			return pos, dbg
		}

		// Step 2: inline coordinates in string leaves, base64 included.
		for _, s := range stringsFromJSON(obj) {
			if lat, lon, ok := findLatLonInText(s); ok {
				return p.directTextResult(topic, obj, dbg, "direct_text_json", lat, lon)
			}
			if decoded := maybeBase64DecodeToText(s); decoded != "" {
				if lat, lon, ok := findLatLonInText(decoded); ok {
					return p.directTextResult(topic, obj, dbg, "direct_text_json_base64", lat, lon)
				}
			}
		}

		// Step 3: packet blob handed to the external decoder.
		hexStr, where, hint := findPacketBlob(obj, "root")
		dbg.FoundPath = where
		dbg.FoundHint = hint
		if hexStr != "" {
			return p.decodeResult(topic, obj, dbg, hexStr)
		}

		dbg.Result = "json_no_packet_blob"
		return nil, dbg
	}

	if text != "" {
		// Step 4/5: bare text payloads.
		if lat, lon, ok := findLatLonInText(text); ok {
			if !p.directCoordsAllowed(topic, nil) {
				dbg.Result = "direct_blocked"
				return nil, dbg
			}
			if !p.AllowZero && coordsZero(lat, lon) {
				dbg.Result = "direct_zero_coords"
				return nil, dbg
			}
			dbg.Result = "direct_text"
			return &Position{
				DeviceID: p.extractDeviceID(nil, topic, ""),
				Lat:      lat, Lon: lon, TS: p.now(),
				Role: dbg.DeviceRole,
			}, dbg
		}

		if looksLikeHex(text) {
			dbg.FoundPath = "payload"
			dbg.FoundHint = "hex"
			return p.decodeResult(topic, nil, dbg, strings.TrimSpace(text))
		}

		if b64hex := tryBase64ToHex(text); b64hex != "" {
			dbg.FoundPath = "payload"
			dbg.FoundHint = "base64"
			return p.decodeResult(topic, nil, dbg, b64hex)
		}
	}

	// Step 6: raw binary payloads.
	if isProbablyBinary(payload) && len(payload) >= 10 {
		dbg.FoundPath = "payload_bytes"
		dbg.FoundHint = "raw_bytes"
		return p.decodeResult(topic, nil, dbg, hex.EncodeToString(payload))
	}

	return nil, dbg
}

func (p *Prober) directTextResult(topic string, obj any, dbg *Debug, result string, lat, lon float64) (*Position, *Debug) {
	if !p.directCoordsAllowed(topic, obj) {
		dbg.Result = "direct_blocked"
		return nil, dbg
	}
	if !p.AllowZero && coordsZero(lat, lon) {
		dbg.Result = "direct_zero_coords"
		return nil, dbg
	}
	dbg.Result = result
	return &Position{
		DeviceID: p.extractDeviceID(obj, topic, ""),
		Lat:      lat, Lon: lon, TS: p.now(),
		Role: dbg.DeviceRole,
	}, dbg
}

func (p *Prober) decodeResult(topic string, obj any, dbg *Debug, hexStr string) (*Position, *Debug) {
	if p.Decoder == nil {
		dbg.Result = "decode_failed"
		dbg.DecoderMeta = map[string]any{"ok": false, "error": "decoder_unavailable"}
		return nil, dbg
	}
	lat, lon, pubkey, name, meta := p.Decoder.DecodeHex(hexStr)
	dbg.DecodedPubkey = pubkey
	dbg.DecoderMeta = meta
	applyMetaRole(dbg, meta)
	ok, _ := meta["ok"].(bool)
	if lat != nil && lon != nil {
		dbg.Result = "decoded"
		pos := &Position{
			DeviceID: p.extractDeviceID(obj, topic, pubkey),
			Lat:      *lat, Lon: *lon, TS: p.now(),
			Name: name,
			Role: dbg.DeviceRole,
		}
		if m, isMap := obj.(map[string]any); isMap {
			pos.RSSI = floatPtr(m["rssi"])
			pos.SNR = floatPtr(m["snr"])
		}
		return pos, dbg
	}
	if ok {
		dbg.Result = "decoded_no_location"
	} else {
		dbg.Result = "decode_failed"
	}
	return nil, dbg
}

func (p *Prober) directCoordsAllowed(topic string, obj any) bool {
	switch p.Mode {
	case "off":
		return false
	case "any":
		return true
	case "topic", "strict":
		if p.TopicRE != nil && p.TopicRE.MatchString(topic) {
			return true
		}
		if p.Mode == "topic" {
			return false
		}
		return hasLocationHints(obj)
	}
	return true
}

func (p *Prober) extractDeviceID(obj any, topic, decodedPubkey string) string {
	if decodedPubkey != "" {
		return decodedPubkey
	}
	if m, ok := obj.(map[string]any); ok {
		if id := firstString(m, "device_id", "id", "from", "origin_id"); id != "" {
			return id
		}
		if jwt, ok := m["jwt_payload"].(map[string]any); ok {
			if pk := stringValue(jwt["publickey"]); pk != "" {
				return pk
			}
		}
	}
	if id := p.DeviceIDFromTopic(topic); id != "" {
		return id
	}
	parts := strings.Split(topic, "/")
	return parts[len(parts)-1]
}

func (p *Prober) timestampFrom(obj any) float64 {
	if m, ok := obj.(map[string]any); ok {
		for _, key := range []string{"ts", "time", "timestamp"} {
			if f, ok := toFloat(m[key]); ok {
				return f
			}
		}
	}
	return p.now()
}

// SafePreview truncates a payload to the configured preview length,
// replacing invalid UTF-8.
func (p *Prober) SafePreview(payload []byte) string {
	text := string(bytesToValidUTF8(payload))
	if p.PreviewMax > 0 && len(text) > p.PreviewMax {
		return text[:p.PreviewMax] + "..."
	}
	return text
}

// ---- coordinate helpers ----

func validLatLon(lat, lon float64) bool {
	return lat >= -90.0 && lat <= 90.0 && lon >= -180.0 && lon <= 180.0
}

// normalizeLatLon accepts raw values and retries at fixed-point scales
// (1e7 .. 1e4) used by integer-coordinate wire formats.
func normalizeLatLon(latRaw, lonRaw any) (float64, float64, bool) {
	lat, ok1 := toFloat(latRaw)
	lon, ok2 := toFloat(lonRaw)
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	if validLatLon(lat, lon) {
		return lat, lon, true
	}
	for _, scale := range []float64{1e7, 1e6, 1e5, 1e4} {
		la, lo := lat/scale, lon/scale
		if validLatLon(la, lo) {
			return la, lo, true
		}
	}
	return 0, 0, false
}

func coordsZero(lat, lon float64) bool {
	return lat > -1e-6 && lat < 1e-6 && lon > -1e-6 && lon < 1e-6
}

func findLatLonInJSON(obj any) (float64, float64, bool) {
	switch v := obj.(type) {
	case map[string]any:
		var latRaw, lonRaw any
		var hasLat, hasLon bool
		for _, k := range latKeys {
			if val, ok := v[k]; ok {
				latRaw, hasLat = val, true
				break
			}
		}
		for _, k := range lonKeys {
			if val, ok := v[k]; ok {
				lonRaw, hasLon = val, true
				break
			}
		}
		if hasLat && hasLon {
			if lat, lon, ok := normalizeLatLon(latRaw, lonRaw); ok {
				return lat, lon, true
			}
		}
		for _, k := range sortedKeys(v, 0) {
			if lat, lon, ok := findLatLonInJSON(v[k]); ok {
				return lat, lon, true
			}
		}
	case []any:
		for _, item := range v {
			if lat, lon, ok := findLatLonInJSON(item); ok {
				return lat, lon, true
			}
		}
	}
	return 0, 0, false
}

func stringsFromJSON(obj any) []string {
	var out []string
	switch v := obj.(type) {
	case string:
		out = append(out, v)
	case map[string]any:
		for _, k := range sortedKeys(v, 0) {
			out = append(out, stringsFromJSON(v[k])...)
		}
	case []any:
		for _, item := range v {
			out = append(out, stringsFromJSON(item)...)
		}
	}
	return out
}

func findLatLonInText(text string) (float64, float64, bool) {
	if m := reLatLon.FindStringSubmatch(text); m != nil {
		if lat, lon, ok := normalizeLatLon(m[1], m[2]); ok {
			return lat, lon, true
		}
	}
	for _, m := range reTwoFloats.FindAllStringSubmatch(text, -1) {
		if lat, lon, ok := normalizeLatLon(m[1], m[2]); ok {
			return lat, lon, true
		}
	}
	return 0, 0, false
}

func maybeBase64DecodeToText(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 24 || !base64Like.MatchString(s) {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return ""
		}
	}
	return string(bytesToValidUTF8(raw))
}

func looksLikeHex(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 20 || len(s)%2 != 0 {
		return false
	}
	return hexOnly.MatchString(s)
}

func tryBase64ToHex(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 24 || !strings.ContainsAny(s, "+/=") {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return ""
		}
	}
	if len(raw) < 10 {
		return ""
	}
	return hex.EncodeToString(raw)
}

// isProbablyBinary samples the first 200 bytes; under 60% printable
// means binary.
func isProbablyBinary(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	n := len(data)
	if n > 200 {
		n = 200
	}
	printable := 0
	for _, b := range data[:n] {
		if (b >= 32 && b <= 126) || b == 9 || b == 10 || b == 13 {
			printable++
		}
	}
	return float64(printable)/float64(n) < 0.6
}

// ---- packet blob hunting ----

// findPacketBlob searches a decoded JSON tree for an embedded packet:
// a long even-length hex string, a base64 string decoding to >= 10
// bytes, or a list of small integers. Likely keys are tried first.
func findPacketBlob(obj any, path string) (hexStr, where, hint string) {
	switch v := obj.(type) {
	case string:
		if looksLikeHex(v) {
			return strings.TrimSpace(v), path, "hex"
		}
		if b64 := tryBase64ToHex(v); b64 != "" {
			return b64, path, "base64"
		}
	case []any:
		if raw, ok := intListToBytes(v); ok {
			return hex.EncodeToString(raw), path, "list[int]"
		}
		for i, item := range v {
			if h, w, hi := findPacketBlob(item, fmt.Sprintf("%s[%d]", path, i)); h != "" {
				return h, w, hi
			}
		}
	case map[string]any:
		keys := sortedKeys(v, 0)
		sort.SliceStable(keys, func(i, j int) bool {
			return likelyPacketKeys[keys[i]] && !likelyPacketKeys[keys[j]]
		})
		for _, k := range keys {
			sub := path + "." + k
			switch val := v[k].(type) {
			case string:
				if looksLikeHex(val) {
					return strings.TrimSpace(val), sub, "hex"
				}
				if b64 := tryBase64ToHex(val); b64 != "" {
					return b64, sub, "base64"
				}
			case []any:
				if raw, ok := intListToBytes(val); ok {
					return hex.EncodeToString(raw), sub, "list[int]"
				}
				if h, w, hi := findPacketBlob(val, sub); h != "" {
					return h, w, hi
				}
			case map[string]any:
				if h, w, hi := findPacketBlob(val, sub); h != "" {
					return h, w, hi
				}
			}
		}
	}
	return "", "", ""
}

func intListToBytes(list []any) ([]byte, bool) {
	if len(list) == 0 {
		return nil, false
	}
	probe := len(list)
	if probe > 20 {
		probe = 20
	}
	for _, item := range list[:probe] {
		f, ok := toFloat(item)
		if !ok || f != float64(int(f)) {
			return nil, false
		}
	}
	raw := make([]byte, 0, len(list))
	for _, item := range list {
		f, ok := toFloat(item)
		if !ok || f < 0 || f > 255 {
			return nil, false
		}
		raw = append(raw, byte(int(f)))
	}
	if len(raw) < 10 {
		return nil, false
	}
	return raw, true
}

// ---- names and roles ----

func extractDeviceName(m map[string]any, topic string) string {
	for _, key := range []string{
		"name", "device_name", "deviceName", "node_name", "nodeName",
		"display_name", "displayName", "callsign", "label",
	} {
		if v := strings.TrimSpace(stringValue(m[key])); v != "" {
			return v
		}
	}
	if strings.HasSuffix(topic, "/status") {
		if v := strings.TrimSpace(stringValue(m["origin"])); v != "" {
			return v
		}
	}
	return ""
}

// NormalizeRole maps free-form role strings onto the three role tags.
func NormalizeRole(value string) string {
	s := strings.ToLower(strings.TrimSpace(value))
	if s == "" {
		return ""
	}
	switch {
	case strings.Contains(s, "repeater") || s == "repeat" || s == "relay":
		return "repeater"
	case strings.Contains(s, "companion") || strings.Contains(s, "chat node") ||
		strings.Contains(s, "chatnode") || s == "chat":
		return "companion"
	case strings.Contains(s, "room server") || strings.Contains(s, "roomserver") ||
		strings.Contains(s, "room"):
		return "room"
	}
	return ""
}

// RoleCode converts a role tag to its numeric API code.
func RoleCode(value string) int {
	trimmed := strings.TrimSpace(value)
	if n, err := strconv.Atoi(trimmed); err == nil {
		if n >= 1 && n <= 3 {
			return n
		}
		return 1
	}
	switch NormalizeRole(trimmed) {
	case "repeater":
		return 2
	case "room":
		return 3
	}
	return 1
}

func extractDeviceRole(m map[string]any) string {
	for _, key := range []string{
		"role", "device_role", "deviceRole", "node_role", "nodeRole",
		"node_type", "nodeType", "device_type", "deviceType", "class", "profile",
	} {
		if s, ok := m[key].(string); ok {
			if role := NormalizeRole(s); role != "" {
				return role
			}
		}
	}
	return ""
}

// applyMetaRole fills dbg.DeviceRole from decoder metadata when the
// payload itself carried none. Numeric deviceRole 1/2/3 maps to
// companion/repeater/room.
func applyMetaRole(dbg *Debug, meta map[string]any) {
	if dbg.DeviceRole != "" || meta == nil {
		return
	}
	roleValue := stringValue(meta["role"])
	if roleValue == "" {
		roleValue = stringValue(meta["deviceRoleName"])
	}
	if roleValue == "" {
		if f, ok := toFloat(meta["deviceRole"]); ok {
			switch int(f) {
			case 1:
				roleValue = "companion"
			case 2:
				roleValue = "repeater"
			case 3:
				roleValue = "room"
			}
		}
	}
	if role := NormalizeRole(roleValue); role != "" {
		dbg.DeviceRole = role
	}
}

func hasLocationHints(obj any) bool {
	switch v := obj.(type) {
	case map[string]any:
		for k, val := range v {
			if locationHintKeys[strings.ToLower(k)] {
				return true
			}
			switch val.(type) {
			case map[string]any, []any:
				if hasLocationHints(val) {
					return true
				}
			}
		}
	case []any:
		for _, item := range v {
			if hasLocationHints(item) {
				return true
			}
		}
	}
	return false
}

// ---- generic JSON helpers ----

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func floatPtr(v any) *float64 {
	if f, ok := toFloat(v); ok {
		return &f
	}
	return nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func sortedKeys(m map[string]any, limit int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}

func bytesToValidUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}
	return []byte(strings.ToValidUTF8(string(data), "�"))
}
