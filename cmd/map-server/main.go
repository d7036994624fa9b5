package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mesh-live/map-server/internal/broadcast"
	"github.com/mesh-live/map-server/internal/config"
	"github.com/mesh-live/map-server/internal/decoder"
	"github.com/mesh-live/map-server/internal/geo"
	"github.com/mesh-live/map-server/internal/history"
	"github.com/mesh-live/map-server/internal/httpapi"
	"github.com/mesh-live/map-server/internal/metrics"
	"github.com/mesh-live/map-server/internal/mqttingest"
	"github.com/mesh-live/map-server/internal/persist"
	"github.com/mesh-live/map-server/internal/reaper"
	"github.com/mesh-live/map-server/internal/state"
	"github.com/mesh-live/map-server/internal/topology"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "probe":
		runProbe()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: map-server <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                   Start the map service")
	fmt.Println("  probe <topic> <payload> Run the payload prober on one message and exit")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath, logLevel string, rest []string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		default:
			rest = append(rest, args[i])
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger, []string) {
	configPath, logLevelOverride, rest := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger, rest
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func forcedNameSet(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			out[n] = true
		}
	}
	return out
}

func buildProber(cfg *config.Config, runner *decoder.Runner) *decoder.Prober {
	return &decoder.Prober{
		Decoder:    runner,
		Mode:       cfg.DirectCoords.Mode,
		TopicRE:    cfg.DirectCoords.CompileTopicRegex(),
		AllowZero:  cfg.DirectCoords.AllowZero,
		TopicRoot:  cfg.MQTT.TopicRoot,
		PreviewMax: cfg.Decoder.PayloadPreviewMax,
		Now:        nowUnix,
	}
}

func buildRunner(cfg *config.Config, logger *zap.Logger) *decoder.Runner {
	workDir, err := os.Getwd()
	if err != nil {
		workDir = "."
	}
	return decoder.NewRunner(
		cfg.Decoder.Enabled,
		cfg.Decoder.Runtime,
		cfg.Decoder.ScriptPath,
		time.Duration(cfg.Decoder.TimeoutSeconds*float64(time.Second)),
		workDir,
		logger.Named("decoder"),
	)
}

func runServe() {
	cfg, logger, _ := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting map-server",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.String("mqtt_host", cfg.MQTT.Host),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := nowUnix
	bounds := geo.Bounds{
		CenterLat: cfg.Filter.MapStartLat,
		CenterLon: cfg.Filter.MapStartLon,
		RadiusKM:  cfg.Filter.MapRadiusKM,
	}
	forcedNames := forcedNameSet(cfg.MQTT.OnlineForceNames)

	store := state.NewStore(cfg.Decoder.DebugRingSize, cfg.Decoder.StatusRingSize)

	runner := buildRunner(cfg, logger)
	runner.Probe(ctx)
	prober := buildProber(cfg, runner)

	// --- History engine ---
	engine := history.NewEngine(logger.Named("history"), now)
	engine.Enabled = cfg.Routes.HistoryEnabled
	engine.WindowHours = cfg.Retention.HistoryHours
	engine.MaxSegments = cfg.Retention.HistoryMaxSegments
	engine.SampleLimit = cfg.Retention.HistorySampleLimit
	engine.FilePath = cfg.Storage.HistoryFile
	engine.PayloadTypes = config.ParseIntSet(cfg.Routes.HistoryPayloadTypes)
	engine.AllowedModes = config.ParseStringSet(cfg.Routes.HistoryAllowedModes)
	engine.Bounds = bounds
	engine.Load()

	// --- Durable state ---
	saver := &persist.Store{
		Path:              cfg.Storage.StateFile,
		Compress:          cfg.Storage.CompressState,
		RoleOverridesFile: cfg.Storage.RoleOverridesFile,
		Bounds:            bounds,
		TrailLen:          cfg.Filter.TrailLen,
		Logger:            logger.Named("persist"),
		Now:               now,
	}
	saver.Load(store)
	persist.LoadNeighborOverrides(cfg.Storage.NeighborOverridesFile, store, now(), logger.Named("persist"))

	// --- Broadcaster ---
	hub := broadcast.NewHub(logger.Named("ws"))
	composer := &broadcast.Composer{
		Store:       store,
		History:     engine,
		Prod:        cfg.Prod.Enabled,
		ForcedNames: forcedNames,
		HeatTTL:     cfg.Retention.HeatTTLSeconds,
		Now:         now,
	}
	bc := &broadcast.Broadcaster{
		Queue:    make(chan broadcast.Event, cfg.Service.QueueSize),
		Store:    store,
		Resolver: &topology.Resolver{Store: store, MaxPathLen: cfg.Filter.RoutePathMaxLen},
		History:  engine,
		Hub:      hub,
		Composer: composer,
		Bounds:   bounds,
		TrailLen: cfg.Filter.TrailLen,
		RouteTTL: cfg.Retention.RouteTTLSeconds,
		Logger:   logger.Named("broadcast"),
		Now:      now,
	}
	go bc.Run(ctx)

	// --- Reaper ---
	rp := &reaper.Reaper{
		Store:            store,
		History:          engine,
		Hub:              hub,
		Composer:         composer,
		DeviceTTL:        cfg.Retention.DeviceTTLSeconds,
		HeatTTL:          cfg.Retention.HeatTTLSeconds,
		MessageOriginTTL: cfg.Retention.MessageOriginTTLSeconds,
		Logger:           logger.Named("reaper"),
		Now:              now,
	}
	go rp.Run(ctx)

	// --- Saver loops ---
	go runStateSaver(ctx, cfg, store, saver, logger.Named("persist"))
	go runHistoryCompactor(ctx, cfg, engine, logger.Named("history"))

	// --- Ingest ---
	routeTypes := config.ParseIntSet(cfg.Routes.PayloadTypes)
	handler := &mqttingest.Handler{
		Store:             store,
		Prober:            prober,
		Enqueue:           bc.Enqueue,
		Bounds:            bounds,
		OnlineSuffixes:    cfg.MQTT.OnlineSuffixes,
		SeenMinInterval:   cfg.MQTT.SeenBroadcastMinS,
		RoutePayloadTypes: routeTypes,
		DebugPayloadMax:   cfg.Decoder.DebugPayloadMax,
		Logger:            logger.Named("mqtt"),
		Now:               now,
	}
	client, err := mqttingest.NewClient(cfg.MQTT, handler.OnMessage, logger.Named("mqtt"))
	if err != nil {
		logger.Fatal("failed to build mqtt client", zap.Error(err))
	}
	client.Connect()

	// --- HTTP server ---
	payloadTypeList := make([]int, 0, len(routeTypes))
	for pt := range routeTypes {
		payloadTypeList = append(payloadTypeList, pt)
	}
	sort.Ints(payloadTypeList)

	httpServer := httpapi.NewServer(httpapi.Options{
		Addr:     cfg.Service.HTTPListen,
		Store:    store,
		History:  engine,
		Hub:      hub,
		Composer: composer,
		Decoder:  runner,
		Info: httpapi.DebugInfo{
			DecoderEnabled:    cfg.Decoder.Enabled,
			RoutePayloadTypes: payloadTypeList,
			DirectCoordsMode:  cfg.DirectCoords.Mode,
			TopicRegex:        cfg.DirectCoords.TopicRegex,
			TopicRegexValid:   cfg.DirectCoords.CompileTopicRegex() != nil,
			AllowZero:         cfg.DirectCoords.AllowZero,
		},
		Prod:        cfg.Prod.Enabled,
		ProdToken:   cfg.Prod.Token,
		ForcedNames: forcedNames,
		Logger:      logger.Named("http"),
		Now:         now,
	})
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("map-server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	client.Disconnect(250)
	cancel()

	// Final flush of dirty state.
	if store.ConsumeDirty() {
		if err := saver.Save(store); err != nil {
			logger.Error("final state save failed", zap.Error(err))
		}
	}
	if err := engine.CompactIfDirty(); err != nil {
		logger.Error("final history compact failed", zap.Error(err))
	}

	logger.Info("map-server stopped")
}

// runStateSaver writes the snapshot whenever state is dirty, at most
// once per interval.
func runStateSaver(ctx context.Context, cfg *config.Config, store *state.Store, saver *persist.Store, logger *zap.Logger) {
	interval := time.Duration(cfg.Storage.SaveIntervalSeconds * float64(time.Second))
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !store.ConsumeDirty() {
				continue
			}
			if err := saver.Save(store); err != nil {
				logger.Error("state save failed", zap.Error(err))
				store.MarkDirty()
			}
		}
	}
}

func runHistoryCompactor(ctx context.Context, cfg *config.Config, engine *history.Engine, logger *zap.Logger) {
	interval := time.Duration(cfg.Retention.HistoryCompactSeconds * float64(time.Second))
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := engine.CompactIfDirty(); err != nil {
				logger.Error("history compact failed", zap.Error(err))
			}
		}
	}
}

// runProbe feeds one topic/payload pair through the prober and prints
// what the ingest path would have seen.
func runProbe() {
	cfg, logger, rest := loadConfig(os.Args[2:])
	defer logger.Sync()

	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: map-server probe [options] <topic> [payload|-]")
		os.Exit(1)
	}
	topic := rest[0]

	var payload []byte
	if len(rest) < 2 || rest[1] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reading stdin: %v\n", err)
			os.Exit(1)
		}
		payload = data
	} else {
		payload = []byte(rest[1])
	}

	runner := buildRunner(cfg, logger)
	runner.Probe(context.Background())
	prober := buildProber(cfg, runner)

	pos, dbg := prober.Probe(topic, payload)

	out := map[string]any{
		"topic":  topic,
		"result": dbg.Result,
		"debug":  dbg,
	}
	if pos != nil {
		out["position"] = map[string]any{
			"device_id": pos.DeviceID,
			"lat":       pos.Lat,
			"lon":       pos.Lon,
			"ts":        pos.TS,
			"name":      pos.Name,
			"role":      pos.Role,
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(out)
}
