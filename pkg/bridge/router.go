package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-iot-bridge/pkg/durable"
	"github.com/illmade-knight/go-iot-bridge/pkg/lorawan"
	"github.com/illmade-knight/go-iot-bridge/pkg/mqttclient"
)

// Direct device publishes: devices/{uuid}/telemetry. The captured segment is
// additionally validated as a UUID before use.
var directTopicShape = regexp.MustCompile(`^devices/([0-9a-fA-F-]{36})/telemetry$`)

const (
	headerTopic      = "topic"
	headerQoS        = "qos"
	headerDeviceID   = "device-id"
	headerSource     = "source"
	headerDevEUI     = "dev-eui"
	headerPort       = "port"
	headerReceivedAt = "received-at"
)

// RouterConfig controls classification, validation and the size gate.
type RouterConfig struct {
	// SubjectPrefix is the root of the emitted channel hierarchy; messages
	// go to "<SubjectPrefix>.raw.<deviceId>".
	SubjectPrefix string
	// UplinkTopicPattern is an explicit MQTT filter for the radio uplink
	// shape. When empty the router falls back to heuristic classification,
	// which is a deprecated compatibility path.
	UplinkTopicPattern string
	// MaxMessageBytes drops serialized envelopes larger than this. Zero
	// disables the gate.
	MaxMessageBytes int
	// ValidateDirect enables shape validation of direct device payloads.
	ValidateDirect bool
}

// Enqueuer accepts outbound messages for the next batch flush.
type Enqueuer interface {
	Enqueue(msg durable.Message)
}

// Router classifies inbound transport messages by topic shape and turns them
// into outbound durable-log messages. Failures are counted and dropped,
// never retried and never fatal.
type Router struct {
	cfg     RouterConfig
	matcher *lorawan.TopicMatcher
	devices lorawan.DeviceResolver
	metrics *Metrics
	sink    Enqueuer
	logger  zerolog.Logger
}

// NewRouter compiles the uplink pattern (when configured) and wires the
// router to its device resolver, counters and queue.
func NewRouter(cfg RouterConfig, devices lorawan.DeviceResolver, metrics *Metrics, sink Enqueuer, logger zerolog.Logger) (*Router, error) {
	if devices == nil || metrics == nil || sink == nil {
		return nil, fmt.Errorf("devices, metrics and sink cannot be nil")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "telemetry"
	}

	r := &Router{
		cfg:     cfg,
		devices: devices,
		metrics: metrics,
		sink:    sink,
		logger:  logger.With().Str("component", "Router").Logger(),
	}
	if cfg.UplinkTopicPattern != "" {
		matcher, err := lorawan.CompileTopicPattern(cfg.UplinkTopicPattern)
		if err != nil {
			return nil, fmt.Errorf("uplink topic pattern: %w", err)
		}
		r.matcher = matcher
	} else {
		logger.Warn().Msg("No uplink topic pattern configured; falling back to heuristic topic classification.")
	}
	return r, nil
}

// Handle processes one inbound delivery. Fire-and-forget: every outcome is
// expressed through counters and logs.
func (r *Router) Handle(msg mqttclient.Message) {
	r.metrics.IncReceived(len(msg.Payload))

	switch {
	case r.isUplinkTopic(msg.Topic):
		r.handleUplink(msg)
	case directTopicShape.MatchString(msg.Topic):
		r.handleDirect(msg)
	default:
		r.metrics.IncInvalid()
		r.logger.Debug().Str("topic", msg.Topic).Msg("Dropping message with unrecognized topic shape.")
	}
}

func (r *Router) isUplinkTopic(topic string) bool {
	if r.matcher != nil {
		return r.matcher.Match(topic)
	}
	return lorawan.IsUplinkTopic(topic)
}

func (r *Router) handleUplink(msg mqttclient.Message) {
	r.metrics.IncRadio()

	var up lorawan.UplinkEvent
	if err := json.Unmarshal(msg.Payload, &up); err != nil {
		r.metrics.IncInvalid()
		r.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Dropping malformed uplink payload.")
		return
	}

	envelope, err := lorawan.Transform(&up, r.devices)
	if err != nil {
		if errors.Is(err, lorawan.ErrDeviceNotProvisioned) {
			r.metrics.IncUnmapped()
			r.logger.Warn().Str("dev_eui", up.DeviceInfo.DevEUI).Str("topic", msg.Topic).Msg("Dropping uplink from unprovisioned device.")
			return
		}
		r.metrics.IncInvalid()
		r.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Dropping untransformable uplink.")
		return
	}

	headers := r.baseHeaders(msg, envelope.DeviceID, lorawan.SourceRadio)
	headers[headerDevEUI] = envelope.Metadata.DevEUI
	headers[headerPort] = strconv.Itoa(envelope.Metadata.Port)
	r.enqueue(envelope, headers, msg.Topic)
}

func (r *Router) handleDirect(msg mqttclient.Message) {
	r.metrics.IncDirect()

	groups := directTopicShape.FindStringSubmatch(msg.Topic)
	deviceID, err := uuid.Parse(groups[1])
	if err != nil {
		r.metrics.IncInvalid()
		r.logger.Warn().Str("topic", msg.Topic).Msg("Dropping direct message with malformed device identifier.")
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		r.metrics.IncInvalid()
		r.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Dropping malformed direct payload.")
		return
	}

	if r.cfg.ValidateDirect {
		if err := validateDirectPayload(payload, deviceID.String()); err != nil {
			r.metrics.IncInvalid()
			r.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Dropping direct payload that failed validation.")
			return
		}
	}
	if _, ok := payload["deviceId"]; !ok {
		payload["deviceId"] = deviceID.String()
	}

	envelope := &lorawan.Envelope{
		DeviceID:  deviceID.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
		Metadata:  lorawan.Metadata{Source: lorawan.SourceDirect},
	}
	r.enqueue(envelope, r.baseHeaders(msg, envelope.DeviceID, lorawan.SourceDirect), msg.Topic)
}

// validateDirectPayload is the shape validation for the direct path: the
// payload must carry at least one field, and a deviceId claim must agree
// with the topic.
func validateDirectPayload(payload map[string]any, topicDeviceID string) error {
	if len(payload) == 0 {
		return fmt.Errorf("payload carries no fields")
	}
	if claimed, ok := payload["deviceId"]; ok {
		if claimedStr, isStr := claimed.(string); !isStr || claimedStr != topicDeviceID {
			return fmt.Errorf("payload deviceId %v does not match topic device %s", claimed, topicDeviceID)
		}
	}
	return nil
}

func (r *Router) baseHeaders(msg mqttclient.Message, deviceID, source string) map[string]string {
	return map[string]string{
		headerTopic:      msg.Topic,
		headerQoS:        strconv.Itoa(int(msg.QoS)),
		headerDeviceID:   deviceID,
		headerSource:     source,
		headerReceivedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// enqueue serializes the envelope, applies the size gate and appends the
// outbound message to the queue. Messages at exactly the limit pass; one
// byte over is dropped whole, never truncated.
func (r *Router) enqueue(envelope *lorawan.Envelope, headers map[string]string, topic string) {
	data, err := json.Marshal(envelope)
	if err != nil {
		r.metrics.IncInvalid()
		r.logger.Error().Err(err).Str("topic", topic).Msg("Failed to serialize envelope.")
		return
	}
	if r.cfg.MaxMessageBytes > 0 && len(data) > r.cfg.MaxMessageBytes {
		r.metrics.IncOversized()
		r.logger.Warn().Str("topic", topic).Int("bytes", len(data)).Int("limit", r.cfg.MaxMessageBytes).Msg("Dropping oversized message.")
		return
	}

	r.sink.Enqueue(durable.Message{
		Subject: fmt.Sprintf("%s.raw.%s", r.cfg.SubjectPrefix, envelope.DeviceID),
		Data:    data,
		Headers: headers,
	})
	r.metrics.AddBytesPublished(len(data))
}
