// Package reaper runs the periodic TTL sweeps over live state.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mesh-live/map-server/internal/broadcast"
	"github.com/mesh-live/map-server/internal/history"
	"github.com/mesh-live/map-server/internal/metrics"
	"github.com/mesh-live/map-server/internal/state"
)

const sweepInterval = 5 * time.Second

type Reaper struct {
	Store    *state.Store
	History  *history.Engine
	Hub      *broadcast.Hub
	Composer *broadcast.Composer

	DeviceTTL        float64
	HeatTTL          float64
	MessageOriginTTL float64
	Logger           *zap.Logger
	Now              func() float64
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep runs one pass over every TTL-bound structure.
func (r *Reaper) Sweep() {
	now := r.Now()

	if r.DeviceTTL > 0 {
		if stale := r.Store.StaleDevices(now, r.DeviceTTL); len(stale) > 0 {
			r.Hub.Broadcast(r.Composer.StaleFrame(stale))
			for _, id := range stale {
				r.Store.Evict(id)
			}
			metrics.ReapedTotal.WithLabelValues("device").Add(float64(len(stale)))
			r.Logger.Debug("stale devices reaped", zap.Int("count", len(stale)))
		}
	}

	if bad := r.Store.ZeroPointRoutes(); len(bad) > 0 {
		r.Hub.Broadcast(r.Composer.RouteRemoveFrame(bad))
		r.Store.DeleteRoutes(bad)
		metrics.ReapedTotal.WithLabelValues("route").Add(float64(len(bad)))
	}

	if expired := r.Store.ExpiredRoutes(now); len(expired) > 0 {
		r.Hub.Broadcast(r.Composer.RouteRemoveFrame(expired))
		r.Store.DeleteRoutes(expired)
		metrics.ReapedTotal.WithLabelValues("route").Add(float64(len(expired)))
	}

	updates, removed := r.History.Prune(now)
	if len(updates) > 0 {
		r.Hub.Broadcast(r.Composer.HistoryEdgesFrame(updates))
	}
	if len(removed) > 0 {
		r.Hub.Broadcast(r.Composer.HistoryRemoveFrame(removed))
		metrics.ReapedTotal.WithLabelValues("history_edge").Add(float64(len(removed)))
	}

	if r.HeatTTL > 0 {
		r.Store.PruneHeat(now - r.HeatTTL)
	}

	if r.MessageOriginTTL > 0 {
		if n := r.Store.PruneMessageOrigins(now - r.MessageOriginTTL); n > 0 {
			metrics.ReapedTotal.WithLabelValues("message_origin").Add(float64(n))
		}
	}

	if r.DeviceTTL > 0 {
		r.Store.PruneNeighbors(now - r.DeviceTTL)
	}

	seenTTL := 86400.0
	if r.DeviceTTL > 0 {
		seenTTL = r.DeviceTTL * 3
		if seenTTL < 900 {
			seenTTL = 900
		}
	}
	r.Store.PruneSeen(now - seenTTL)
}
