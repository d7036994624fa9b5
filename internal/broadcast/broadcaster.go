package broadcast

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mesh-live/map-server/internal/geo"
	"github.com/mesh-live/map-server/internal/history"
	"github.com/mesh-live/map-server/internal/metrics"
	"github.com/mesh-live/map-server/internal/state"
	"github.com/mesh-live/map-server/internal/topology"
)

// Event types carried on the ingest queue.
const (
	EventPosition = "device_position"
	EventName     = "device_name"
	EventRole     = "device_role"
	EventSeen     = "device_seen"
	EventRemove   = "device_remove"
	EventRoute    = "route"
)

const heatWeight = 0.7

// RouteEvent carries everything the broadcaster needs to resolve one
// packet into a polyline.
type RouteEvent struct {
	RouteID     string
	Mode        string
	PathHashes  []string
	OriginID    string
	ReceiverID  string
	MessageHash string
	PayloadType *int
	SNRValues   []float64
	Topic       string
	TS          float64
}

// Event is one queued state change. Exactly one of Position / Route is
// set depending on Type; seen events carry the two timestamps inline.
type Event struct {
	Type     string
	DeviceID string
	SeenTS   float64
	BrokerTS float64
	Position *state.Device
	Route    *RouteEvent
}

// Broadcaster is the single writer for devices, trails, routes, heat,
// neighbors and history. It drains the event queue and fans frames out.
type Broadcaster struct {
	Queue    chan Event
	Store    *state.Store
	Resolver *topology.Resolver
	History  *history.Engine
	Hub      *Hub
	Composer *Composer
	Bounds   geo.Bounds
	TrailLen int
	RouteTTL float64
	Logger   *zap.Logger
	Now      func() float64
}

// Enqueue posts an event from the broker thread. The queue is sized
// generously; a full queue drops the event rather than blocking the
// broker callback.
func (b *Broadcaster) Enqueue(ev Event) {
	select {
	case b.Queue <- ev:
		metrics.EventsQueued.Set(float64(len(b.Queue)))
	default:
		b.Logger.Warn("event queue full, dropping event", zap.String("type", ev.Type))
	}
}

func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.Queue:
			metrics.EventsQueued.Set(float64(len(b.Queue)))
			b.handle(ev)
		}
	}
}

func (b *Broadcaster) handle(ev Event) {
	switch ev.Type {
	case EventName, EventRole:
		if d, ok := b.Store.Device(ev.DeviceID); ok {
			if name := b.Store.Name(ev.DeviceID); name != "" {
				d.Name = name
			}
			if role := b.Store.Role(ev.DeviceID); role != "" {
				d.Role = role
			}
			b.Store.UpdateDevice(ev.DeviceID, func(dev *state.Device) {
				dev.Name = d.Name
				dev.Role = d.Role
			})
			b.Hub.Broadcast(b.Composer.UpdateFrame(d))
		}

	case EventSeen:
		seenTS := ev.SeenTS
		if seenTS == 0 {
			seenTS = b.Now()
		}
		if b.Store.ApplySeen(ev.DeviceID, seenTS, ev.BrokerTS) {
			b.Hub.Broadcast(b.Composer.SeenFrame(ev.DeviceID, seenTS, ev.BrokerTS))
		}

	case EventRemove:
		if b.Store.Evict(ev.DeviceID) {
			b.Hub.Broadcast(b.Composer.StaleFrame([]string{ev.DeviceID}))
		}

	case EventRoute:
		if ev.Route != nil {
			b.handleRoute(ev.Route)
		}

	case EventPosition:
		if ev.Position != nil {
			b.handlePosition(*ev.Position)
		}
	}
}

// handleRoute resolves points path-first, then the fanout pair, then the
// direct fallback, and installs the route if every point is in bounds.
func (b *Broadcaster) handleRoute(ev *RouteEvent) {
	ts := ev.TS
	if ts == 0 {
		ts = b.Now()
	}

	mode := ev.Mode
	var resolved *topology.Resolved
	if len(ev.PathHashes) > 0 {
		resolved = b.Resolver.ResolvePath(ev.PathHashes, ev.OriginID, ev.ReceiverID, ts)
	}
	if resolved == nil {
		resolved = b.Resolver.ResolvePair(ev.OriginID, ev.ReceiverID)
		if resolved != nil && mode != "fanout" {
			mode = "direct"
		}
	}
	if resolved == nil {
		return
	}
	if mode == "" {
		if len(resolved.Hashes) > 0 {
			mode = "path"
		} else {
			mode = "direct"
		}
	}

	if !WithinBounds(b.Bounds, resolved.Points) {
		return
	}

	routeID := ev.RouteID
	if routeID == "" {
		routeID = ev.MessageHash
	}
	if routeID == "" {
		origin := ev.OriginID
		if origin == "" {
			origin = "route"
		}
		routeID = fmt.Sprintf("%s-%d", origin, int64(ts*1000))
	}

	route := state.Route{
		ID:          routeID,
		Points:      resolved.Points,
		Hashes:      resolved.Hashes,
		PointIDs:    resolved.PointIDs,
		Mode:        mode,
		TS:          ts,
		ExpiresAt:   ts + b.RouteTTL,
		OriginID:    ev.OriginID,
		ReceiverID:  ev.ReceiverID,
		PayloadType: ev.PayloadType,
		MessageHash: ev.MessageHash,
		SNRValues:   ev.SNRValues,
		Topic:       ev.Topic,
	}
	b.Store.AppendHeat(route.Points, ts, heatWeight)
	b.Store.SetRoute(route)
	b.Store.RecordNeighbors(route.PointIDs, ts)

	updates, removed := b.History.Record(route)

	b.Hub.Broadcast(b.Composer.RouteFrame(route))
	if len(updates) > 0 {
		b.Hub.Broadcast(b.Composer.HistoryEdgesFrame(updates))
	}
	if len(removed) > 0 {
		b.Hub.Broadcast(b.Composer.HistoryRemoveFrame(removed))
	}
}

func (b *Broadcaster) handlePosition(d state.Device) {
	if !b.Bounds.Within(d.Lat, d.Lon) {
		if b.Store.Evict(d.DeviceID) {
			b.Hub.Broadcast(b.Composer.StaleFrame([]string{d.DeviceID}))
		}
		return
	}

	now := b.Now()
	if d.TS == 0 {
		d.TS = now
	}
	if d.Name == "" {
		d.Name = b.Store.Name(d.DeviceID)
	}
	if d.Role == "" {
		d.Role = b.Store.Role(d.DeviceID)
	}

	isNew := b.Store.SetDevice(d, now)
	if isNew {
		b.Store.RebuildNodeHashMap()
	}

	if b.TrailLen > 0 && !geo.CoordsZero(d.Lat, d.Lon) {
		b.Store.AppendTrail(d.DeviceID, state.TrailPoint{d.Lat, d.Lon, d.TS}, b.TrailLen)
	} else {
		b.Store.AppendTrail(d.DeviceID, state.TrailPoint{}, 0)
	}

	b.Hub.Broadcast(b.Composer.UpdateFrame(d))
}
