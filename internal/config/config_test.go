package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "mqtt:\n  host: broker.local\n  topics:\n    - \"meshcore/#\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MQTT.Host != "broker.local" || cfg.MQTT.Port != 1883 {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
	if cfg.Service.HTTPListen != ":8080" || cfg.Service.QueueSize != 4096 {
		t.Errorf("service = %+v", cfg.Service)
	}
	if cfg.Retention.RouteTTLSeconds != 90 || cfg.Retention.HistoryHours != 24 {
		t.Errorf("retention = %+v", cfg.Retention)
	}
	if cfg.DirectCoords.Mode != "strict" {
		t.Errorf("direct_coords = %+v", cfg.DirectCoords)
	}
	if cfg.Routes.PayloadTypes != "3,5" || !cfg.Routes.HistoryEnabled {
		t.Errorf("routes = %+v", cfg.Routes)
	}
}

func TestLoadEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "mqtt:\n  host: broker.local\n  topics:\n    - \"meshcore/#\"\n"
	os.WriteFile(path, []byte(content), 0o644)

	t.Setenv("MESH_MAP_MQTT__HOST", "env.broker")
	t.Setenv("MESH_MAP_SERVICE__HTTP_LISTEN", ":9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQTT.Host != "env.broker" {
		t.Errorf("env overlay missed: %q", cfg.MQTT.Host)
	}
	if cfg.Service.HTTPListen != ":9090" {
		t.Errorf("http_listen = %q", cfg.Service.HTTPListen)
	}
}

func TestLoadSplitsCommaTopics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "mqtt:\n  host: broker.local\n"
	os.WriteFile(path, []byte(content), 0o644)

	t.Setenv("MESH_MAP_MQTT__TOPICS", "meshcore/a/#,meshcore/b/#")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.MQTT.Topics) != 2 || cfg.MQTT.Topics[1] != "meshcore/b/#" {
		t.Errorf("topics = %v", cfg.MQTT.Topics)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Service: ServiceConfig{QueueSize: 100, ShutdownTimeoutSeconds: 10},
			MQTT: MQTTConfig{
				Host: "h", Port: 1883, Transport: "tcp",
				Topics: []string{"meshcore/#"},
			},
			Storage:      StorageConfig{StateFile: "state.json"},
			Retention:    RetentionConfig{RouteTTLSeconds: 90},
			DirectCoords: DirectCoordsConfig{Mode: "strict"},
			Decoder:      DecoderConfig{TimeoutSeconds: 5},
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing host", func(c *Config) { c.MQTT.Host = "" }},
		{"missing topics", func(c *Config) { c.MQTT.Topics = nil }},
		{"bad transport", func(c *Config) { c.MQTT.Transport = "udp" }},
		{"bad port", func(c *Config) { c.MQTT.Port = 70000 }},
		{"zero queue", func(c *Config) { c.Service.QueueSize = 0 }},
		{"missing state file", func(c *Config) { c.Storage.StateFile = "" }},
		{"zero route ttl", func(c *Config) { c.Retention.RouteTTLSeconds = 0 }},
		{"negative trail len", func(c *Config) { c.Filter.TrailLen = -1 }},
		{"bad direct mode", func(c *Config) { c.DirectCoords.Mode = "maybe" }},
		{"zero decoder timeout", func(c *Config) { c.Decoder.TimeoutSeconds = 0 }},
		{"prod without token", func(c *Config) { c.Prod.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestParseIntSet(t *testing.T) {
	got := ParseIntSet("3, 5,,x,8")
	if len(got) != 3 || !got[3] || !got[5] || !got[8] {
		t.Errorf("ParseIntSet = %v", got)
	}
	if len(ParseIntSet("")) != 0 {
		t.Error("empty input should yield an empty set")
	}
}

func TestParseStringSet(t *testing.T) {
	got := ParseStringSet("Path, FANOUT ,")
	if len(got) != 2 || !got["path"] || !got["fanout"] {
		t.Errorf("ParseStringSet = %v", got)
	}
}

func TestCompileTopicRegex(t *testing.T) {
	d := DirectCoordsConfig{TopicRegex: `(^|/)location(/|$)`}
	re := d.CompileTopicRegex()
	if re == nil || !re.MatchString("meshcore/x/LOCATION") {
		t.Error("pattern should compile case-insensitive")
	}

	if (DirectCoordsConfig{}).CompileTopicRegex() != nil {
		t.Error("empty pattern should yield nil")
	}
	if (DirectCoordsConfig{TopicRegex: "("}).CompileTopicRegex() != nil {
		t.Error("bad pattern should latch nil")
	}
}
