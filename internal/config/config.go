package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service      ServiceConfig      `koanf:"service"`
	MQTT         MQTTConfig         `koanf:"mqtt"`
	Storage      StorageConfig      `koanf:"storage"`
	Retention    RetentionConfig    `koanf:"retention"`
	Filter       FilterConfig       `koanf:"filter"`
	Routes       RouteConfig        `koanf:"routes"`
	DirectCoords DirectCoordsConfig `koanf:"direct_coords"`
	Decoder      DecoderConfig      `koanf:"decoder"`
	Prod         ProdConfig         `koanf:"prod"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
	QueueSize              int    `koanf:"queue_size"`
}

type MQTTConfig struct {
	Host              string   `koanf:"host"`
	Port              int      `koanf:"port"`
	Username          string   `koanf:"username"`
	Password          string   `koanf:"password"`
	ClientID          string   `koanf:"client_id"`
	TLS               bool     `koanf:"tls"`
	TLSInsecure       bool     `koanf:"tls_insecure"`
	CACert            string   `koanf:"ca_cert"`
	Transport         string   `koanf:"transport"`
	WSPath            string   `koanf:"ws_path"`
	TopicRoot         string   `koanf:"topic_root"`
	Topics            []string `koanf:"topics"`
	OnlineSuffixes    []string `koanf:"online_suffixes"`
	OnlineForceNames  []string `koanf:"online_force_names"`
	SeenBroadcastMinS float64  `koanf:"seen_broadcast_min_seconds"`
}

type StorageConfig struct {
	StateDir              string  `koanf:"state_dir"`
	StateFile             string  `koanf:"state_file"`
	CompressState         bool    `koanf:"compress_state"`
	RoleOverridesFile     string  `koanf:"role_overrides_file"`
	NeighborOverridesFile string  `koanf:"neighbor_overrides_file"`
	HistoryFile           string  `koanf:"history_file"`
	SaveIntervalSeconds   float64 `koanf:"save_interval_seconds"`
}

type RetentionConfig struct {
	DeviceTTLSeconds        float64 `koanf:"device_ttl_seconds"`
	RouteTTLSeconds         float64 `koanf:"route_ttl_seconds"`
	HeatTTLSeconds          float64 `koanf:"heat_ttl_seconds"`
	MessageOriginTTLSeconds float64 `koanf:"message_origin_ttl_seconds"`
	HistoryHours            float64 `koanf:"history_hours"`
	HistoryMaxSegments      int     `koanf:"history_max_segments"`
	HistoryCompactSeconds   float64 `koanf:"history_compact_seconds"`
	HistorySampleLimit      int     `koanf:"history_sample_limit"`
}

type FilterConfig struct {
	MapStartLat     float64 `koanf:"map_start_lat"`
	MapStartLon     float64 `koanf:"map_start_lon"`
	MapStartZoom    int     `koanf:"map_start_zoom"`
	MapRadiusKM     float64 `koanf:"map_radius_km"`
	TrailLen        int     `koanf:"trail_len"`
	RoutePathMaxLen int     `koanf:"route_path_max_len"`
}

// RouteConfig carries the payload-type classification sets as
// comma-separated integers, matching the historical env format.
type RouteConfig struct {
	PayloadTypes        string `koanf:"payload_types"`
	HistoryPayloadTypes string `koanf:"history_payload_types"`
	HistoryAllowedModes string `koanf:"history_allowed_modes"`
	HistoryEnabled      bool   `koanf:"history_enabled"`
}

type DirectCoordsConfig struct {
	Mode       string `koanf:"mode"`
	TopicRegex string `koanf:"topic_regex"`
	AllowZero  bool   `koanf:"allow_zero"`
}

type DecoderConfig struct {
	Enabled           bool    `koanf:"enabled"`
	Runtime           string  `koanf:"runtime"`
	ScriptPath        string  `koanf:"script_path"`
	TimeoutSeconds    float64 `koanf:"timeout_seconds"`
	PayloadPreviewMax int     `koanf:"payload_preview_max"`
	DebugPayloadMax   int     `koanf:"debug_payload_max"`
	DebugRingSize     int     `koanf:"debug_ring_size"`
	StatusRingSize    int     `koanf:"status_ring_size"`
}

type ProdConfig struct {
	Enabled bool   `koanf:"enabled"`
	Token   string `koanf:"token"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: MESH_MAP_MQTT__HOST → mqtt.host
	if err := k.Load(env.Provider("MESH_MAP_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "MESH_MAP_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "map-server-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
			QueueSize:              4096,
		},
		MQTT: MQTTConfig{
			Port:              1883,
			ClientID:          "map-server",
			Transport:         "tcp",
			WSPath:            "/mqtt",
			TopicRoot:         "meshcore",
			OnlineSuffixes:    []string{"/status", "/packets"},
			SeenBroadcastMinS: 30,
		},
		Storage: StorageConfig{
			StateDir:            "data",
			StateFile:           "data/state.json",
			HistoryFile:         "data/route_history.ndjson",
			SaveIntervalSeconds: 15,
		},
		Retention: RetentionConfig{
			DeviceTTLSeconds:        6 * 3600,
			RouteTTLSeconds:         90,
			HeatTTLSeconds:          1800,
			MessageOriginTTLSeconds: 600,
			HistoryHours:            24,
			HistoryMaxSegments:      50000,
			HistoryCompactSeconds:   300,
			HistorySampleLimit:      5,
		},
		Filter: FilterConfig{
			MapStartZoom:    10,
			TrailLen:        20,
			RoutePathMaxLen: 16,
		},
		Routes: RouteConfig{
			PayloadTypes:        "3,5",
			HistoryPayloadTypes: "3,5",
			HistoryAllowedModes: "path",
			HistoryEnabled:      true,
		},
		DirectCoords: DirectCoordsConfig{
			Mode:       "strict",
			TopicRegex: `(^|/)(gps|position|location)(/|$)`,
		},
		Decoder: DecoderConfig{
			Enabled:           true,
			Runtime:           "node",
			ScriptPath:        "scripts/meshcore_decode.mjs",
			TimeoutSeconds:    5,
			PayloadPreviewMax: 160,
			DebugPayloadMax:   2048,
			DebugRingSize:     200,
			StatusRingSize:    100,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	for _, field := range []*[]string{
		&cfg.MQTT.Topics, &cfg.MQTT.OnlineSuffixes, &cfg.MQTT.OnlineForceNames,
	} {
		if len(*field) == 1 && strings.Contains((*field)[0], ",") {
			*field = strings.Split((*field)[0], ",")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MQTT.Host == "" {
		return fmt.Errorf("config: mqtt.host is required")
	}
	if len(c.MQTT.Topics) == 0 {
		return fmt.Errorf("config: mqtt.topics is required")
	}
	if c.MQTT.Transport != "tcp" && c.MQTT.Transport != "websockets" {
		return fmt.Errorf("config: mqtt.transport must be tcp or websockets (got %q)", c.MQTT.Transport)
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("config: mqtt.port is out of range (got %d)", c.MQTT.Port)
	}
	if c.Service.QueueSize <= 0 {
		return fmt.Errorf("config: service.queue_size must be > 0 (got %d)", c.Service.QueueSize)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Storage.StateFile == "" {
		return fmt.Errorf("config: storage.state_file is required")
	}
	if c.Retention.RouteTTLSeconds <= 0 {
		return fmt.Errorf("config: retention.route_ttl_seconds must be > 0 (got %g)", c.Retention.RouteTTLSeconds)
	}
	if c.Retention.HistorySampleLimit < 0 {
		return fmt.Errorf("config: retention.history_sample_limit must be >= 0 (got %d)", c.Retention.HistorySampleLimit)
	}
	if c.Filter.TrailLen < 0 {
		return fmt.Errorf("config: filter.trail_len must be >= 0 (got %d)", c.Filter.TrailLen)
	}
	switch c.DirectCoords.Mode {
	case "off", "any", "topic", "strict":
	default:
		return fmt.Errorf("config: direct_coords.mode must be off/any/topic/strict (got %q)", c.DirectCoords.Mode)
	}
	if c.Decoder.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: decoder.timeout_seconds must be > 0 (got %g)", c.Decoder.TimeoutSeconds)
	}
	if c.Prod.Enabled && c.Prod.Token == "" {
		return fmt.Errorf("config: prod.token is required when prod.enabled is set")
	}
	return nil
}

// ParseIntSet parses a comma-separated integer list. Blank and
// non-numeric entries are skipped.
func ParseIntSet(s string) map[int]bool {
	out := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		out[n] = true
	}
	return out
}

// ParseStringSet parses a comma-separated lowercase string set.
func ParseStringSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		out[part] = true
	}
	return out
}

// CompileTopicRegex compiles the direct-coords topic pattern. A bad
// pattern is latched as nil rather than failing startup; the policy then
// never matches by topic.
func (d DirectCoordsConfig) CompileTopicRegex() *regexp.Regexp {
	if d.TopicRegex == "" {
		return nil
	}
	re, err := regexp.Compile("(?i)" + d.TopicRegex)
	if err != nil {
		return nil
	}
	return re
}
