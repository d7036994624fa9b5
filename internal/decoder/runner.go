package decoder

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mesh-live/map-server/internal/metrics"
)

// Runner invokes the external binary decoder once per packet:
// `<runtime> <script> <hex>`, reading one JSON document from stdout.
// A startup probe latches ready/unavailable for the process lifetime.
type Runner struct {
	Enabled    bool
	Runtime    string
	ScriptPath string
	Timeout    time.Duration
	WorkDir    string
	Logger     *zap.Logger

	ready       atomic.Bool
	unavailable atomic.Bool
}

func NewRunner(enabled bool, runtime, scriptPath string, timeout time.Duration, workDir string, logger *zap.Logger) *Runner {
	return &Runner{
		Enabled:    enabled,
		Runtime:    runtime,
		ScriptPath: scriptPath,
		Timeout:    timeout,
		WorkDir:    workDir,
		Logger:     logger,
	}
}

// Ready reports whether the startup probe succeeded.
func (r *Runner) Ready() bool { return r.ready.Load() }

// Unavailable reports whether the probe failed and latched.
func (r *Runner) Unavailable() bool { return r.unavailable.Load() }

// Probe verifies the runtime and the script exist. Called once at
// startup; the outcome is latched either way.
func (r *Runner) Probe(ctx context.Context) bool {
	if !r.Enabled {
		return false
	}
	if r.ready.Load() {
		return true
	}
	if r.unavailable.Load() {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	if err := exec.CommandContext(probeCtx, r.Runtime, "-v").Run(); err != nil {
		r.unavailable.Store(true)
		r.Logger.Warn("decoder runtime not found", zap.String("runtime", r.Runtime), zap.Error(err))
		return false
	}

	// Node runtimes also need the decoder package importable.
	if strings.Contains(r.Runtime, "node") {
		importCtx, cancelImport := context.WithTimeout(ctx, r.Timeout)
		defer cancelImport()
		cmd := exec.CommandContext(importCtx, r.Runtime,
			"--input-type=module", "-e", "import('@michaelhart/meshcore-decoder')")
		cmd.Dir = r.WorkDir
		if err := cmd.Run(); err != nil {
			r.unavailable.Store(true)
			r.Logger.Warn("decoder library not importable", zap.Error(err))
			return false
		}
	}

	if _, err := os.Stat(r.ScriptPath); err != nil {
		r.unavailable.Store(true)
		r.Logger.Warn("decoder script not found", zap.String("path", r.ScriptPath))
		return false
	}

	r.ready.Store(true)
	r.Logger.Info("decoder ready",
		zap.String("runtime", r.Runtime),
		zap.String("script", r.ScriptPath),
	)
	return true
}

// DecodeHex runs the decoder for one packet. Failures never propagate:
// meta carries an error code and the packet stays undecodable.
func (r *Runner) DecodeHex(hexStr string) (lat, lon *float64, pubkey, name string, meta map[string]any) {
	if !r.ready.Load() {
		return nil, nil, "", "", map[string]any{"ok": false, "error": "decoder_unavailable"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, r.Runtime, r.ScriptPath, hexStr)
	cmd.Dir = r.WorkDir
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	err := cmd.Run()
	metrics.DecodeDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, nil, "", "", map[string]any{"ok": false, "error": err.Error()}
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return nil, nil, "", "", map[string]any{"ok": false, "error": "empty_decoder_output"}
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		return nil, nil, "", "", map[string]any{
			"ok": false, "error": "decoder_output_not_json", "output": out,
		}
	}

	if ok, _ := data["ok"].(bool); !ok {
		data["ok"] = false
		return nil, nil, "", "", data
	}

	loc, _ := data["location"].(map[string]any)
	if loc != nil {
		pubkey = stringValue(loc["pubkey"])
		name = stringValue(loc["name"])
		if la, lo, ok := normalizeLatLon(loc["lat"], loc["lon"]); ok {
			return &la, &lo, pubkey, name, data
		}
	}

	data["note"] = "decoded_no_location"
	return nil, nil, pubkey, name, data
}

// MetaPathHashes pulls a hash list out of decoder metadata. The decoder
// emits pathHashes as an array of one-byte hex values; path is the raw
// header used as a fallback by the route builder.
func MetaPathHashes(meta map[string]any, key string) []string {
	list, ok := meta[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case float64:
			out = append(out, strings.ToUpper(strings.TrimSpace(
				strings.TrimPrefix(hexByte(int(v)), "0x"))))
		}
	}
	return out
}

func hexByte(n int) string {
	const digits = "0123456789ABCDEF"
	if n < 0 || n > 255 {
		return ""
	}
	return string([]byte{digits[n>>4], digits[n&0xF]})
}

// MetaInt coerces a numeric metadata field.
func MetaInt(meta map[string]any, key string) *int {
	if meta == nil {
		return nil
	}
	f, ok := toFloat(meta[key])
	if !ok {
		return nil
	}
	n := int(f)
	return &n
}

// MetaString returns a string metadata field or "".
func MetaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	return stringValue(meta[key])
}

// MetaFloats coerces a numeric array field (snrValues).
func MetaFloats(meta map[string]any, key string) []float64 {
	if meta == nil {
		return nil
	}
	list, ok := meta[key].([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(list))
	for _, item := range list {
		if f, ok := toFloat(item); ok {
			out = append(out, f)
		}
	}
	return out
}

// MetaLocationPubkey digs location.pubkey out of decoder metadata.
func MetaLocationPubkey(meta map[string]any) string {
	if meta == nil {
		return ""
	}
	loc, _ := meta["location"].(map[string]any)
	if loc == nil {
		return ""
	}
	return strings.TrimSpace(stringValue(loc["pubkey"]))
}
