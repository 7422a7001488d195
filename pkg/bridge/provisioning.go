package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-iot-bridge/pkg/devicecache"
)

// ProvisioningEvent is one mapping change pushed by the provisioning
// service. Action is "create", "update" or "remove".
type ProvisioningEvent struct {
	Action string `json:"action"`
	devicecache.DeviceMapping
}

// ProvisioningListener applies mapping change events to the device cache so
// newly provisioned devices become routable before the next bulk refresh.
type ProvisioningListener struct {
	conn    *nats.Conn
	subject string
	cache   *devicecache.Cache
	logger  zerolog.Logger
	sub     *nats.Subscription
}

// NewProvisioningListener wires a listener to a live NATS connection.
func NewProvisioningListener(conn *nats.Conn, subject string, cache *devicecache.Cache, logger zerolog.Logger) *ProvisioningListener {
	return &ProvisioningListener{
		conn:    conn,
		subject: subject,
		cache:   cache,
		logger:  logger.With().Str("component", "ProvisioningListener").Logger(),
	}
}

// Start subscribes to the provisioning subject.
func (l *ProvisioningListener) Start() error {
	sub, err := l.conn.Subscribe(l.subject, l.handle)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", l.subject, err)
	}
	l.sub = sub
	l.logger.Info().Str("subject", l.subject).Msg("Listening for provisioning events.")
	return nil
}

func (l *ProvisioningListener) handle(msg *nats.Msg) {
	var event ProvisioningEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		l.logger.Warn().Err(err).Msg("Dropping malformed provisioning event.")
		return
	}

	switch event.Action {
	case "create", "update":
		l.cache.Add(event.DeviceMapping)
	case "remove":
		l.cache.Remove(event.DevEUI)
	default:
		l.logger.Warn().Str("action", event.Action).Msg("Dropping provisioning event with unknown action.")
	}
}

// Stop unsubscribes. Safe to call when Start failed.
func (l *ProvisioningListener) Stop() {
	if l.sub != nil {
		if err := l.sub.Unsubscribe(); err != nil {
			l.logger.Warn().Err(err).Msg("Failed to unsubscribe provisioning listener.")
		}
		l.sub = nil
	}
}
