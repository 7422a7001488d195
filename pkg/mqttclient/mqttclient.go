// Package mqttclient wraps the Paho MQTT client behind the minimal contract
// the bridge needs from its pub/sub transport: connect, subscribe with a
// handler, connection status and disconnect.
package mqttclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Message is one inbound transport delivery. Immutable and ephemeral; it
// exists only for the duration of handling.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
}

// Handler processes one inbound delivery. Fire-and-forget from the
// transport's perspective.
type Handler func(msg Message)

// Config holds connection parameters and security settings for the broker.
type Config struct {
	// BrokerURL is the full URL of the MQTT broker, e.g.
	// "tls://mqtt.example.com:8883".
	BrokerURL string
	Username  string
	Password  string
	// ClientIDPrefix gets a unique suffix appended so multiple bridge
	// instances can share a broker.
	ClientIDPrefix string

	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	ReconnectWaitMax time.Duration

	// CACertFile optionally pins the broker's CA.
	CACertFile string
	// ClientCertFile and ClientKeyFile enable mTLS when both are set.
	ClientCertFile string
	ClientKeyFile  string
	// InsecureSkipVerify skips TLS certificate verification. Not recommended
	// for production environments.
	InsecureSkipVerify bool
}

// Client is a thin lifecycle wrapper over a Paho client. Subscriptions
// registered before a reconnect are replayed by the on-connect handler.
type Client struct {
	cfg    *Config
	logger zerolog.Logger
	paho   mqtt.Client

	mu   sync.Mutex
	subs map[string]subscription
}

type subscription struct {
	qos     byte
	handler Handler
}

// New creates a Client. It does not connect until Connect is called.
func New(cfg *Config, logger zerolog.Logger) (*Client, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReconnectWaitMax <= 0 {
		cfg.ReconnectWaitMax = 2 * time.Minute
	}
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = "iot-bridge-"
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "MQTTClient").Logger(),
		subs:   map[string]subscription{},
	}, nil
}

// Connect dials the broker and blocks until the connection is established or
// the configured timeout elapses. A failure here is returned to the caller;
// the bridge treats it as fatal to startup. After a successful first
// connection the Paho client reconnects automatically.
func (c *Client) Connect(_ context.Context) error {
	opts := c.createOptions()
	c.paho = mqtt.NewClient(opts)

	c.logger.Info().Str("broker", c.cfg.BrokerURL).Msg("Connecting to MQTT broker...")
	token := c.paho.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("timed out connecting to MQTT broker %s", c.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to MQTT broker %s: %w", c.cfg.BrokerURL, err)
	}
	c.logger.Info().Msg("Connected to MQTT broker.")
	return nil
}

// Subscribe registers a handler for one or more topic filters. Payloads are
// copied before handoff because Paho reuses its buffers.
func (c *Client) Subscribe(topics []string, qos byte, handler Handler) error {
	if c.paho == nil || !c.paho.IsConnected() {
		return fmt.Errorf("not connected to MQTT broker")
	}

	pahoHandler := func(_ mqtt.Client, m mqtt.Message) {
		payload := make([]byte, len(m.Payload()))
		copy(payload, m.Payload())
		handler(Message{Topic: m.Topic(), Payload: payload, QoS: m.Qos()})
	}

	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = qos
	}
	token := c.paho.SubscribeMultiple(filters, pahoHandler)
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("timed out subscribing to %v", topics)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %v: %w", topics, err)
	}

	c.mu.Lock()
	for _, t := range topics {
		c.subs[t] = subscription{qos: qos, handler: handler}
	}
	c.mu.Unlock()

	c.logger.Info().Strs("topics", topics).Uint8("qos", qos).Msg("Subscribed to MQTT topics.")
	return nil
}

// IsConnected reports the connection status of the underlying Paho client.
func (c *Client) IsConnected() bool {
	return c.paho != nil && c.paho.IsConnected()
}

// Disconnect unsubscribes everything and disconnects with a short grace
// period. Safe to call when never connected.
func (c *Client) Disconnect() {
	if c.paho == nil {
		return
	}
	if c.paho.IsConnected() {
		c.mu.Lock()
		topics := make([]string, 0, len(c.subs))
		for t := range c.subs {
			topics = append(topics, t)
		}
		c.mu.Unlock()
		if len(topics) > 0 {
			if token := c.paho.Unsubscribe(topics...); token.WaitTimeout(2*time.Second) && token.Error() != nil {
				c.logger.Warn().Err(token.Error()).Msg("Failed to unsubscribe from MQTT topics.")
			}
		}
		c.paho.Disconnect(500) // 500ms grace period
	}
	c.logger.Info().Msg("MQTT client disconnected.")
}

func (c *Client) createOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	opts.SetClientID(c.cfg.ClientIDPrefix + uuid.NewString()[:8])
	opts.SetUsername(c.cfg.Username)
	opts.SetPassword(c.cfg.Password)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.cfg.ReconnectWaitMax)
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		// Replay subscriptions after a reconnect. The first connect has no
		// registered subscriptions yet, so this is a no-op then.
		c.mu.Lock()
		subs := make(map[string]subscription, len(c.subs))
		for t, s := range c.subs {
			subs[t] = s
		}
		c.mu.Unlock()
		for topic, sub := range subs {
			s := sub
			token := client.Subscribe(topic, s.qos, func(_ mqtt.Client, m mqtt.Message) {
				payload := make([]byte, len(m.Payload()))
				copy(payload, m.Payload())
				s.handler(Message{Topic: m.Topic(), Payload: payload, QoS: m.Qos()})
			})
			go func(topic string) {
				if token.WaitTimeout(5*time.Second) && token.Error() != nil {
					c.logger.Error().Err(token.Error()).Str("topic", topic).Msg("Failed to resubscribe after reconnect.")
				}
			}(topic)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Error().Err(err).Msg("Lost MQTT connection.")
	})

	if strings.HasPrefix(strings.ToLower(c.cfg.BrokerURL), "tls://") || strings.HasPrefix(strings.ToLower(c.cfg.BrokerURL), "ssl://") {
		tlsConfig, err := newTLSConfig(c.cfg)
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to create TLS config, proceeding without it.")
		} else {
			opts.SetTLSConfig(tlsConfig)
		}
	}
	return opts
}

// newTLSConfig assembles the TLS settings from the config.
func newTLSConfig(cfg *Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("read CA cert file %s: %w", cfg.CACertFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
