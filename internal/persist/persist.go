// Package persist reads and writes the durable state snapshot and the
// operator override files.
package persist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/mesh-live/map-server/internal/decoder"
	"github.com/mesh-live/map-server/internal/geo"
	"github.com/mesh-live/map-server/internal/metrics"
	"github.com/mesh-live/map-server/internal/state"
)

// Snapshot is the on-disk state document. Field names are a file-format
// contract shared with older deployments.
type Snapshot struct {
	Version           int                            `json:"version"`
	SavedAt           float64                        `json:"saved_at"`
	Devices           map[string]state.Device        `json:"devices"`
	Trails            map[string][]state.TrailPoint  `json:"trails"`
	SeenDevices       map[string]float64             `json:"seen_devices"`
	DeviceNames       map[string]string              `json:"device_names"`
	DeviceRoles       map[string]string              `json:"device_roles"`
	DeviceRoleSources map[string]string              `json:"device_role_sources"`
}

// Store bundles the snapshot paths and policies.
type Store struct {
	Path              string
	Compress          bool
	RoleOverridesFile string
	Bounds            geo.Bounds
	TrailLen          int
	Logger            *zap.Logger
	Now               func() float64
}

var gzipMagic = []byte{0x1f, 0x8b}

// Save serializes the live state atomically via tmp + rename.
func (p *Store) Save(s *state.Store) error {
	roles, sources := s.RolesSnapshot()
	snap := Snapshot{
		Version:           1,
		SavedAt:           p.Now(),
		Devices:           s.DevicesSnapshot(),
		Trails:            s.TrailsSnapshot(),
		SeenDevices:       s.SeenSnapshot(),
		DeviceNames:       s.NamesSnapshot(),
		DeviceRoles:       roles,
		DeviceRoleSources: sources,
	}
	// Keep the document self-consistent: drop trails/seen entries for
	// devices no longer mapped.
	for id := range snap.Trails {
		if _, ok := snap.Devices[id]; !ok {
			delete(snap.Trails, id)
		}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		metrics.StateSavesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("marshaling state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		metrics.StateSavesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("state dir: %w", err)
	}
	tmp := p.Path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		metrics.StateSavesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	if p.Compress {
		gz := gzip.NewWriter(f)
		_, err = gz.Write(data)
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
	} else {
		_, err = f.Write(data)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		metrics.StateSavesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, p.Path); err != nil {
		os.Remove(tmp)
		metrics.StateSavesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	metrics.StateSavesTotal.WithLabelValues("ok").Inc()
	return nil
}

// Load replays the snapshot into the store. Missing file is not an
// error; malformed entries are skipped; devices with zero or
// out-of-radius coordinates are dropped together with their trails,
// names and roles. Role overrides are applied last and win.
func (p *Store) Load(s *state.Store) {
	raw, err := os.ReadFile(p.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.Logger.Warn("state load failed", zap.Error(err))
		}
		p.applyOverridesToEmpty(s)
		return
	}
	if bytes.HasPrefix(raw, gzipMagic) {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err == nil {
			if inflated, err := io.ReadAll(gz); err == nil {
				raw = inflated
			}
			gz.Close()
		}
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		p.Logger.Warn("state snapshot malformed", zap.Error(err))
		p.applyOverridesToEmpty(s)
		return
	}

	dropped := make(map[string]bool)
	devices := make(map[string]state.Device, len(snap.Devices))
	for id, d := range snap.Devices {
		d.DeviceID = id
		if geo.CoordsZero(d.Lat, d.Lon) || !p.Bounds.Within(d.Lat, d.Lon) {
			dropped[id] = true
			continue
		}
		devices[id] = d
	}

	trails := make(map[string][]state.TrailPoint)
	dirty := len(dropped) > 0
	if p.TrailLen > 0 {
		for id, trail := range snap.Trails {
			if dropped[id] {
				dirty = true
				continue
			}
			var filtered []state.TrailPoint
			for _, entry := range trail {
				if geo.CoordsZero(entry[0], entry[1]) || !p.Bounds.Within(entry[0], entry[1]) {
					dirty = true
					continue
				}
				filtered = append(filtered, entry)
			}
			if len(filtered) > 0 {
				trails[id] = filtered
			} else {
				dirty = true
			}
		}
	} else if len(snap.Trails) > 0 {
		dirty = true
	}

	seen := make(map[string]float64, len(snap.SeenDevices))
	for id, ts := range snap.SeenDevices {
		if dropped[id] {
			continue
		}
		seen[id] = ts
	}

	names := make(map[string]string)
	for id, name := range snap.DeviceNames {
		if dropped[id] || name == "" {
			continue
		}
		names[id] = name
	}

	sources := make(map[string]string)
	for id, src := range snap.DeviceRoleSources {
		if dropped[id] || src == "" {
			continue
		}
		sources[id] = src
	}

	// Only explicitly-evidenced or overridden roles survive a restart.
	roles := make(map[string]string)
	for id, role := range snap.DeviceRoles {
		if dropped[id] || role == "" {
			continue
		}
		if src := sources[id]; src == "explicit" || src == "override" {
			roles[id] = role
		}
	}

	for id, role := range p.loadRoleOverrides() {
		if dropped[id] {
			continue
		}
		roles[id] = role
		sources[id] = "override"
	}

	s.ReplaceAll(devices, trails, seen, names, roles, sources)
	if dirty {
		s.MarkDirty()
	}
	p.Logger.Info("state loaded",
		zap.Int("devices", len(devices)),
		zap.Int("trails", len(trails)),
		zap.Int("dropped", len(dropped)),
	)
}

func (p *Store) applyOverridesToEmpty(s *state.Store) {
	for id, role := range p.loadRoleOverrides() {
		s.SetRole(id, role, "override")
	}
}

// loadRoleOverrides reads the {device-id: role} overrides file. Roles
// that do not normalize are skipped.
func (p *Store) loadRoleOverrides() map[string]string {
	if p.RoleOverridesFile == "" {
		return nil
	}
	raw, err := os.ReadFile(p.RoleOverridesFile)
	if err != nil {
		return nil
	}
	var data map[string]string
	if err := json.Unmarshal(raw, &data); err != nil {
		p.Logger.Warn("role overrides malformed", zap.Error(err))
		return nil
	}
	out := make(map[string]string, len(data))
	for id, value := range data {
		role := decoder.NormalizeRole(value)
		if role == "" {
			continue
		}
		out[strings.TrimSpace(id)] = role
	}
	return out
}

// LoadNeighborOverrides installs manual neighbor edges. Two file forms
// are accepted: {"src": ["dst", ...]} and [["a","b"], {"from":..,"to":..}].
func LoadNeighborOverrides(path string, s *state.Store, now float64, logger *zap.Logger) int {
	if path == "" {
		return 0
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		logger.Warn("neighbor overrides malformed", zap.Error(err))
		return 0
	}

	added := 0
	addPair := func(src, dst string) {
		src, dst = strings.TrimSpace(src), strings.TrimSpace(dst)
		if src == "" || dst == "" || src == dst {
			return
		}
		s.TouchNeighbor(src, dst, now, true)
		s.TouchNeighbor(dst, src, now, true)
		added++
	}

	switch v := data.(type) {
	case map[string]any:
		for src, targets := range v {
			switch t := targets.(type) {
			case []any:
				for _, dst := range t {
					if ds, ok := dst.(string); ok {
						addPair(src, ds)
					}
				}
			case string:
				addPair(src, t)
			}
		}
	case []any:
		for _, item := range v {
			switch entry := item.(type) {
			case []any:
				if len(entry) >= 2 {
					a, okA := entry[0].(string)
					b, okB := entry[1].(string)
					if okA && okB {
						addPair(a, b)
					}
				}
			case map[string]any:
				src := firstKey(entry, "from", "src", "a")
				dst := firstKey(entry, "to", "dst", "b")
				if src != "" && dst != "" {
					addPair(src, dst)
				}
			}
		}
	}

	if added > 0 {
		logger.Info("neighbor overrides loaded", zap.Int("pairs", added), zap.String("file", path))
	}
	return added
}

func firstKey(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
