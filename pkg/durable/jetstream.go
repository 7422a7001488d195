package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// JetStreamConfig holds connection and stream settings for the primary
// durable-log implementation.
type JetStreamConfig struct {
	URL      string
	Username string
	Password string
	Token    string

	// StreamName is the JetStream stream ensured on Connect.
	StreamName string
	// StreamSubjects are the subjects bound to the stream, e.g.
	// "telemetry.>". Defaults to "<StreamName>.>" when empty.
	StreamSubjects []string

	ClientName     string
	ConnectTimeout time.Duration
	DrainTimeout   time.Duration
}

// JetStreamPublisher publishes batches to a NATS JetStream stream.
type JetStreamPublisher struct {
	cfg    JetStreamConfig
	logger zerolog.Logger
	conn   *nats.Conn
	js     jetstream.JetStream
}

// NewJetStreamPublisher validates the config; the connection is established
// by Connect.
func NewJetStreamPublisher(cfg JetStreamConfig, logger zerolog.Logger) (*JetStreamPublisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("NATS URL is required")
	}
	if cfg.StreamName == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if len(cfg.StreamSubjects) == 0 {
		cfg.StreamSubjects = []string{cfg.StreamName + ".>"}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	return &JetStreamPublisher{
		cfg:    cfg,
		logger: logger.With().Str("component", "JetStreamPublisher").Logger(),
	}, nil
}

// Connect dials the server, initializes JetStream and ensures the stream
// exists. Any failure here is fatal to bridge startup.
func (p *JetStreamPublisher) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.Timeout(p.cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			p.logger.Warn().Err(err).Msg("NATS connection lost.")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			p.logger.Info().Msg("NATS connection restored.")
		}),
	}
	if p.cfg.ClientName != "" {
		opts = append(opts, nats.Name(p.cfg.ClientName))
	}
	if p.cfg.Username != "" && p.cfg.Password != "" {
		opts = append(opts, nats.UserInfo(p.cfg.Username, p.cfg.Password))
	}
	if p.cfg.Token != "" {
		opts = append(opts, nats.Token(p.cfg.Token))
	}

	conn, err := nats.Connect(p.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", p.cfg.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("initialize JetStream: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     p.cfg.StreamName,
		Subjects: p.cfg.StreamSubjects,
	}); err != nil {
		conn.Close()
		return fmt.Errorf("ensure stream %s: %w", p.cfg.StreamName, err)
	}

	p.conn = conn
	p.js = js
	p.logger.Info().Str("url", p.cfg.URL).Str("stream", p.cfg.StreamName).Msg("Connected to JetStream.")
	return nil
}

// PublishBatch publishes every message asynchronously and waits for all
// acknowledgements. Any failed acknowledgement fails the whole batch.
func (p *JetStreamPublisher) PublishBatch(ctx context.Context, batch []Message) error {
	if p.js == nil {
		return fmt.Errorf("not connected to JetStream")
	}
	if len(batch) == 0 {
		return nil
	}

	futures := make([]jetstream.PubAckFuture, 0, len(batch))
	for i := range batch {
		msg := &nats.Msg{
			Subject: batch[i].Subject,
			Data:    batch[i].Data,
			Header:  nats.Header{},
		}
		for k, v := range batch[i].Headers {
			msg.Header.Set(k, v)
		}
		future, err := p.js.PublishMsgAsync(msg)
		if err != nil {
			return fmt.Errorf("publish %s: %w", batch[i].Subject, err)
		}
		futures = append(futures, future)
	}

	select {
	case <-p.js.PublishAsyncComplete():
	case <-ctx.Done():
		return fmt.Errorf("await batch acknowledgements: %w", ctx.Err())
	}

	for i, future := range futures {
		select {
		case err := <-future.Err():
			return fmt.Errorf("batch message %d (%s) rejected: %w", i, batch[i].Subject, err)
		default:
		}
	}
	return nil
}

// IsConnected reports whether the underlying connection is live.
func (p *JetStreamPublisher) IsConnected() bool {
	return p.conn != nil && p.conn.IsConnected()
}

// Conn exposes the underlying connection for auxiliary subscriptions such as
// provisioning events. Returns nil before Connect.
func (p *JetStreamPublisher) Conn() *nats.Conn {
	return p.conn
}

// Close drains the connection, bounded by the configured drain timeout.
func (p *JetStreamPublisher) Close(ctx context.Context) error {
	if p.conn == nil {
		return nil
	}

	drainDone := make(chan error, 1)
	go func() { drainDone <- p.conn.Drain() }()

	timeout := time.NewTimer(p.cfg.DrainTimeout)
	defer timeout.Stop()
	select {
	case err := <-drainDone:
		if err != nil {
			p.logger.Warn().Err(err).Msg("NATS drain failed; closing anyway.")
		}
	case <-timeout.C:
		p.logger.Warn().Dur("timeout", p.cfg.DrainTimeout).Msg("NATS drain timed out; closing anyway.")
	case <-ctx.Done():
		p.logger.Warn().Err(ctx.Err()).Msg("Context cancelled during NATS drain; closing anyway.")
	}
	p.conn.Close()
	p.conn = nil
	p.js = nil
	p.logger.Info().Msg("JetStream publisher closed.")
	return nil
}
