package mqttingest

import (
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/mesh-live/map-server/internal/broadcast"
	"github.com/mesh-live/map-server/internal/decoder"
	"github.com/mesh-live/map-server/internal/geo"
	"github.com/mesh-live/map-server/internal/metrics"
	"github.com/mesh-live/map-server/internal/state"
)

// Handler is the broker-thread message callback. It only touches
// counters, rings, seen maps and the message-origin cache directly;
// every entity mutation is enqueued for the broadcaster.
type Handler struct {
	Store             *state.Store
	Prober            *decoder.Prober
	Enqueue           func(broadcast.Event)
	Bounds            geo.Bounds
	OnlineSuffixes    []string
	SeenMinInterval   float64
	RoutePayloadTypes map[int]bool
	DebugPayloadMax   int
	Logger            *zap.Logger
	Now               func() float64
}

// OnMessage adapts HandleMessage to the paho callback signature.
func (h *Handler) OnMessage(_ mqtt.Client, msg mqtt.Message) {
	h.HandleMessage(msg.Topic(), msg.Payload())
}

func (h *Handler) topicMarksOnline(topic string) bool {
	for _, suffix := range h.OnlineSuffixes {
		if suffix != "" && strings.HasSuffix(topic, suffix) {
			return true
		}
	}
	return false
}

func (h *Handler) HandleMessage(topic string, payload []byte) {
	now := h.Now()
	h.Store.MarkReceived(topic, now)
	metrics.MessagesTotal.WithLabelValues("received").Inc()

	// Online tracking from the topic alone, payload or not.
	topicDevice := h.Prober.DeviceIDFromTopic(topic)
	if topicDevice != "" && h.topicMarksOnline(topic) {
		if h.Store.TouchSeen(topicDevice, now, h.SeenMinInterval) {
			h.Enqueue(broadcast.Event{
				Type:     broadcast.EventSeen,
				DeviceID: topicDevice,
				SeenTS:   now,
				BrokerTS: now,
			})
		}
	}

	pos, dbg := h.Prober.Probe(topic, payload)

	var deviceIDHint string
	if pos != nil {
		deviceIDHint = pos.DeviceID
		if geo.CoordsZero(pos.Lat, pos.Lon) {
			dbg.Result = "filtered_zero_coords"
			pos = nil
		}
	}
	if pos != nil && !h.Bounds.Within(pos.Lat, pos.Lon) {
		dbg.Result = "filtered_radius"
		pos = nil
		if deviceIDHint != "" {
			h.Enqueue(broadcast.Event{Type: broadcast.EventRemove, DeviceID: deviceIDHint})
		}
	}

	originID := dbg.OriginID
	if originID == "" {
		originID = topicDevice
	}
	meta := dbg.DecoderMeta
	result := dbg.Result
	if result == "" {
		result = "unknown"
	}

	// Role evidence from decoded packets binds to the decoded pubkey,
	// not the topic device.
	roleTargetID := originID
	if dbg.DeviceRole != "" && strings.HasPrefix(result, "decoded") {
		roleTargetID = decoder.MetaLocationPubkey(meta)
		if roleTargetID == "" {
			roleTargetID = strings.TrimSpace(dbg.DecodedPubkey)
		}
	}

	preview := payload
	if h.DebugPayloadMax > 0 && len(preview) > h.DebugPayloadMax {
		preview = preview[:h.DebugPayloadMax]
	}
	previewText := h.Prober.SafePreview(preview)

	h.Store.RecordDebug(state.DebugEntry{
		TS:             now,
		Topic:          topic,
		Result:         result,
		FoundPath:      dbg.FoundPath,
		FoundHint:      dbg.FoundHint,
		DecoderMeta:    meta,
		RoleTargetID:   roleTargetID,
		PacketHash:     dbg.PacketHash,
		Direction:      dbg.Direction,
		JSONKeys:       dbg.JSONKeys,
		ParseError:     dbg.ParseError,
		OriginID:       originID,
		PayloadPreview: previewText,
	})
	if strings.HasSuffix(topic, "/status") {
		h.Store.RecordStatus(state.StatusEntry{
			TS:             now,
			Topic:          topic,
			DeviceName:     dbg.DeviceName,
			DeviceRole:     dbg.DeviceRole,
			OriginID:       originID,
			JSONKeys:       dbg.JSONKeys,
			PayloadPreview: previewText,
		})
	}
	h.Store.BumpResult(result)
	metrics.ResultCodesTotal.WithLabelValues(result).Inc()

	if dbg.DeviceName != "" && originID != "" {
		if h.Store.SetName(originID, dbg.DeviceName) {
			if _, ok := h.Store.Device(originID); ok {
				h.Enqueue(broadcast.Event{Type: broadcast.EventName, DeviceID: originID})
			}
		}
	}
	if dbg.DeviceRole != "" && roleTargetID != "" {
		if h.Store.SetRole(roleTargetID, dbg.DeviceRole, "explicit") {
			if _, ok := h.Store.Device(roleTargetID); ok {
				h.Enqueue(broadcast.Event{Type: broadcast.EventRole, DeviceID: roleTargetID})
			}
		}
	}

	h.buildRouteEvent(topic, dbg, originID, topicDevice, now)

	if pos == nil {
		h.Store.MarkUnparsed()
		metrics.MessagesTotal.WithLabelValues("unparsed").Inc()
		h.Logger.Debug("message not parsed",
			zap.String("topic", topic),
			zap.String("result", result),
		)
		return
	}

	h.Store.MarkParsed(topic, now)
	metrics.MessagesTotal.WithLabelValues("parsed").Inc()

	ts := pos.TS
	if ts == 0 {
		ts = now
	}
	h.Enqueue(broadcast.Event{
		Type: broadcast.EventPosition,
		Position: &state.Device{
			DeviceID: pos.DeviceID,
			Lat:      pos.Lat,
			Lon:      pos.Lon,
			TS:       ts,
			Heading:  pos.Heading,
			Speed:    pos.Speed,
			RSSI:     pos.RSSI,
			SNR:      pos.SNR,
			Name:     pos.Name,
			Role:     pos.Role,
			RawTopic: topic,
		},
	})
}

// buildRouteEvent applies the fan-out cache and emits at most one route
// event per message: path, then fanout, then the direct fallback.
func (h *Handler) buildRouteEvent(topic string, dbg *decoder.Debug, originID, receiverID string, now float64) {
	meta := dbg.DecoderMeta
	payloadType := decoder.MetaInt(meta, "payloadType")
	routeType := decoder.MetaInt(meta, "routeType")
	snrValues := decoder.MetaFloats(meta, "snrValues")
	messageHash := decoder.MetaString(meta, "messageHash")
	if messageHash == "" {
		messageHash = dbg.PacketHash
	}
	direction := strings.ToLower(dbg.Direction)

	routeOrigin := decoder.MetaLocationPubkey(meta)
	routeOrigin = h.Store.ResolveMessageOrigin(messageHash, direction, routeOrigin, originID, receiverID, now)
	if routeOrigin == "" {
		routeOrigin = originID
	}

	// pathHashes is authoritative; the raw path header only counts for
	// flood-capable route types outside the trace payloads.
	routeHashes := decoder.MetaPathHashes(meta, "pathHashes")
	if len(routeHashes) == 0 && payloadType != nil && *payloadType != 8 && *payloadType != 9 {
		if routeType != nil && (*routeType == 0 || *routeType == 1) {
			routeHashes = decoder.MetaPathHashes(meta, "path")
		}
	}

	payloadTypeAllowed := payloadType != nil && h.RoutePayloadTypes[*payloadType]
	onPackets := strings.HasSuffix(topic, "/packets")

	if len(routeHashes) > 0 && payloadTypeAllowed {
		h.Enqueue(broadcast.Event{Type: broadcast.EventRoute, Route: &broadcast.RouteEvent{
			PathHashes:  routeHashes,
			PayloadType: payloadType,
			MessageHash: messageHash,
			OriginID:    routeOrigin,
			ReceiverID:  receiverID,
			SNRValues:   snrValues,
			Topic:       topic,
			TS:          now,
		}})
		return
	}

	if messageHash != "" && routeOrigin != "" && receiverID != "" &&
		direction == "rx" && onPackets {
		h.Enqueue(broadcast.Event{Type: broadcast.EventRoute, Route: &broadcast.RouteEvent{
			Mode:        "fanout",
			RouteID:     messageHash + "-" + receiverID,
			OriginID:    routeOrigin,
			ReceiverID:  receiverID,
			MessageHash: messageHash,
			PayloadType: payloadType,
			Topic:       topic,
			TS:          now,
		}})
		return
	}

	if direction == "rx" && onPackets && receiverID != "" && routeOrigin != "" &&
		receiverID != routeOrigin && payloadTypeAllowed {
		fallbackID := messageHash
		if fallbackID == "" {
			fallbackID = fmt.Sprintf("%s-%s-%d", routeOrigin, receiverID, int64(now*1000))
		}
		h.Enqueue(broadcast.Event{Type: broadcast.EventRoute, Route: &broadcast.RouteEvent{
			Mode:        "direct",
			RouteID:     "direct-" + fallbackID,
			OriginID:    routeOrigin,
			ReceiverID:  receiverID,
			MessageHash: messageHash,
			PayloadType: payloadType,
			Topic:       topic,
			TS:          now,
		}})
	}
}
